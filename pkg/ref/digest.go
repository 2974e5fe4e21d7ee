package ref

import (
	"strings"

	"github.com/opencontainers/go-digest"
)

// hexLengths maps the accepted digest algorithms to their hex length.
var hexLengths = map[digest.Algorithm]int{
	digest.SHA256: 64,
	digest.SHA512: 128,
}

// ValidDigest reports whether s is a well-formed algorithm:hex digest for
// one of the accepted algorithms.
func ValidDigest(s string) bool {
	// Digest.Algorithm panics on a string without a separator.
	if !strings.Contains(s, ":") {
		return false
	}
	d := digest.Digest(s)
	want, ok := hexLengths[d.Algorithm()]
	if !ok {
		return false
	}
	if err := d.Validate(); err != nil {
		return false
	}
	return len(d.Encoded()) == want
}

// DigestsEqual compares two digests byte for byte over the full
// algorithm:hex string.
func DigestsEqual(a, b string) bool {
	return a != "" && a == b
}
