// Package sha256 provides SHA-256 hashing utilities.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
)

// Hasher implements indieweb.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ShardedPath spreads content-addressed objects over 256 directories:
// "ab/abcdef….ext".
func ShardedPath(digest, ext string) string {
	if len(digest) < 2 {
		return digest + ext
	}
	return path.Join(digest[:2], digest+ext)
}
