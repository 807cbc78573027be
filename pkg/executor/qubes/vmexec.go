package qubes

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/distforge/distforge/pkg/executor"
)

// File transfer services receive their target path as a qrexec service
// argument. Service arguments admit a narrow byte range, so paths are
// encoded with the vmexec scheme: bytes in [A-Za-z0-9_.] pass through,
// a dash doubles, and every other byte becomes -HH with uppercase hex.

var (
	decodeRaw    = regexp.MustCompile(`^[a-zA-Z0-9._-]*$`)
	decodeEscape = regexp.MustCompile(`--|-([A-F0-9]{2})`)
)

func safeByte(b byte) bool {
	return b >= 'a' && b <= 'z' ||
		b >= 'A' && b <= 'Z' ||
		b >= '0' && b <= '9' ||
		b == '_' || b == '.'
}

// Encode renders s in the vmexec path encoding.
func Encode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case safeByte(c):
			b.WriteByte(c)
		case c == '-':
			b.WriteString("--")
		default:
			fmt.Fprintf(&b, "-%02X", c)
		}
	}
	return b.String()
}

// EncodeArgs encodes each argument and joins them with the qrexec
// argument separator.
func EncodeArgs(args ...string) string {
	encoded := make([]string, len(args))
	for i, arg := range args {
		encoded[i] = Encode(arg)
	}
	return strings.Join(encoded, "+")
}

// Decode reverses Encode. The input is untrusted: anything outside the
// raw character class, or a dash that does not open -HH or --, is a
// *executor.DecodeError.
func Decode(s string) (string, error) {
	if !decodeRaw.MatchString(s) {
		return "", &executor.DecodeError{Input: s, Reason: "illegal characters found"}
	}
	if strings.Contains(decodeEscape.ReplaceAllString(s, ""), "-") {
		return "", &executor.DecodeError{Input: s, Reason: "'-' can be used only in '-HH' or '--'"}
	}
	out := decodeEscape.ReplaceAllStringFunc(s, func(m string) string {
		if m == "--" {
			return "-"
		}
		n, _ := strconv.ParseUint(m[1:], 16, 8)
		return string([]byte{byte(n)})
	})
	return out, nil
}
