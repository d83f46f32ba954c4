// Package sha256 fingerprints archived payloads.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/JakeFAU/gh-frontier/internal/crawler"
)

// Prefix tags every digest with its algorithm.
const Prefix = "sha256:"

var errEmpty = errors.New("sha256: empty payload")

// Hasher implements crawler.Hasher.
type Hasher struct{}

var _ crawler.Hasher = Hasher{}

// New returns a SHA-256 hasher.
func New() Hasher {
	return Hasher{}
}

// Hash returns "sha256:" followed by the hex digest of data. Empty input is
// rejected since an archived payload is never empty.
func (Hasher) Hash(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errEmpty
	}
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:]), nil
}
