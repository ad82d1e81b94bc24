package core

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint derives the 16-hex-char cache key for a request. It is a pure
// function of (tool, input): key/value pairs are sorted lexicographically and
// separated by zero bytes so that map iteration order never leaks into the
// digest and no concatenation of adjacent fields can collide.
func Fingerprint(tool string, input map[string]string) string {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := xxhash.New()
	h.WriteString(tool)
	h.Write([]byte{0})
	for _, k := range keys {
		h.WriteString(k)
		h.Write([]byte{0})
		h.WriteString(input[k])
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
