package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"sync"
)

// DigestAlgorithm names the hash used on both sides of every verification.
const DigestAlgorithm = "sha256"

// DigestLen is the length of a hex-encoded digest.
const DigestLen = sha256.Size * 2

// ChecksumPool manages reusable hashers to reduce allocations.
type ChecksumPool struct {
	pool sync.Pool
}

// NewChecksumPool returns a pool of SHA-256 hashers.
func NewChecksumPool() *ChecksumPool {
	return &ChecksumPool{
		pool: sync.Pool{
			New: func() any {
				return sha256.New()
			},
		},
	}
}

// Get returns a reset hasher.
func (cp *ChecksumPool) Get() hash.Hash {
	return cp.pool.Get().(hash.Hash)
}

// Put resets h and hands it back for reuse.
func (cp *ChecksumPool) Put(h hash.Hash) {
	h.Reset()
	cp.pool.Put(h)
}

// Digest reads r to EOF and returns its hex digest, using buf for reads.
func (cp *ChecksumPool) Digest(r io.Reader, buf []byte) (string, int64, error) {
	h := cp.Get()
	defer cp.Put(h)

	n, err := io.CopyBuffer(h, r, buf)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// ValidDigest reports whether s looks like a hex digest of DigestAlgorithm.
func ValidDigest(s string) bool {
	if len(s) != DigestLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
