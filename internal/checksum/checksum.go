// Package checksum computes stable digests used to identify task definitions.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Fields returns a digest over an ordered list of parts. Parts are
// NUL-separated so that ("ab", "c") and ("a", "bc") never collide.
func Fields(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Short returns the first n hex characters of sum.
func Short(sum string, n int) string {
	if n <= 0 || n >= len(sum) {
		return sum
	}
	return sum[:n]
}
