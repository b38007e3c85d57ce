// Package sha256 fingerprints credential secrets with SHA-256.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// FingerprintLength is the digest prefix shown in credential listings.
const FingerprintLength = 12

// Hasher implements tracker.Hasher using SHA-256. A positive Length truncates
// the hex digest.
type Hasher struct {
	Length int
}

// New returns a hasher producing full hex digests.
func New() *Hasher {
	return &Hasher{}
}

// NewFingerprinter returns a hasher producing FingerprintLength characters.
func NewFingerprinter() *Hasher {
	return &Hasher{Length: FingerprintLength}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.Length > 0 && h.Length < len(digest) {
		digest = digest[:h.Length]
	}
	return digest, nil
}
