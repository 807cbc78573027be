package executor

import (
	"bufio"
	"io"
	"strings"

	"github.com/distforge/distforge/pkg/telemetry"
)

// DefaultTailCapacity bounds the output retained in an ExitResult. The
// full stream still reaches the logger line by line.
const DefaultTailCapacity = 64 * 1024

// TailBuffer keeps the last capacity bytes of line-oriented command
// output. Build logs can run to hundreds of megabytes; exit results only
// need enough tail for diagnostics.
type TailBuffer struct {
	capacity int
	buf      []byte
}

// NewTailBuffer returns a tail buffer holding at most capacity bytes.
// A capacity of zero or less falls back to DefaultTailCapacity.
func NewTailBuffer(capacity int) *TailBuffer {
	if capacity <= 0 {
		capacity = DefaultTailCapacity
	}
	return &TailBuffer{capacity: capacity}
}

// WriteLine appends one output line, dropping the oldest bytes once the
// capacity is exceeded.
func (t *TailBuffer) WriteLine(line []byte) {
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if len(t.buf) > t.capacity {
		t.buf = t.buf[len(t.buf)-t.capacity:]
	}
}

// String returns the retained tail without the trailing newline.
func (t *TailBuffer) String() string {
	return strings.TrimSuffix(string(t.buf), "\n")
}

// StreamLines reads r line by line until EOF, forwarding each line through
// the logger's sanitized command-output path and retaining it in tail.
// Overlong lines are forwarded in 64 KiB fragments.
func StreamLines(r io.Reader, stream string, log *telemetry.Logger, tail *TailBuffer) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, _, err := br.ReadLine()
		if len(line) > 0 {
			log.CommandOutput(stream, line)
			if tail != nil {
				tail.WriteLine([]byte(telemetry.SanitizeLine(line)))
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
