package state

import (
	"crypto/sha512"
	"encoding/binary"
	"fmt"
)

// Fingerprint digests an ordered field sequence into the stable
// identity of a unit of work. Each field is length-prefixed before
// hashing so distinct sequences can never collide by concatenation.
// Callers feed it the component identity (name, version, release,
// commit), the source tree hash, the canonical merged stage
// configuration, and upstream input digests, in that order.
func Fingerprint(fields ...string) string {
	h := sha512.New()
	var prefix [8]byte
	for _, field := range fields {
		binary.BigEndian.PutUint64(prefix[:], uint64(len(field)))
		h.Write(prefix[:])
		h.Write([]byte(field))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
