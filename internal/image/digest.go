package image

import (
	"encoding/hex"
	"hash"
	"io"

	"github.com/OneOfOne/xxhash"
)

// Hasher streams bytes through xxhash (teacher dependency), used both to
// hash the image once (cached across stages in the same job, per
// spec.md §4.3) and to hash the device as the verify stage reads it back.
type Hasher struct {
	h hash.Hash64
}

func NewHasher() *Hasher { return &Hasher{h: xxhash.New64()} }

func (h *Hasher) Write(p []byte) (int, error) { return h.h.Write(p) }

func (h *Hasher) Sum() string {
	return hex.EncodeToString(h.h.Sum(nil))
}

// Digest hashes all of r and returns the hex digest, consuming r fully.
func Digest(r io.Reader) (string, error) {
	h := NewHasher()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return h.Sum(), nil
}
