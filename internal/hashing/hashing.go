// Package hashing computes the digests recorded for every acquired file:
// conventional SHA-256 and MD5, and the Dropbox content hash that the
// remote service reports for the same bytes.
package hashing

import (
	"crypto/md5" // #nosec G501 -- md5 is recorded for legacy forensic tooling, not for security
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
)

// ChunkSize is the read size used when streaming files through the
// conventional digests.
const ChunkSize = 1024 * 1024

// Algorithm names a conventional digest algorithm.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	MD5    Algorithm = "md5"
)

// ErrUnsupportedAlgorithm is returned for any algorithm other than sha256 or md5.
var ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")

// Digests holds every digest computed for one file in a single read pass.
type Digests struct {
	SHA256      string
	MD5         string
	ContentHash string
	Size        int64
}

func newConventional(algo Algorithm) (hash.Hash, error) {
	switch algo {
	case SHA256:
		return sha256.New(), nil
	case MD5:
		return md5.New(), nil // #nosec G401
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algo)
	}
}

// ConventionalDigest streams r through the named algorithm and returns the
// hex digest. Memory use is bounded by ChunkSize.
func ConventionalDigest(r io.Reader, algo Algorithm) (string, error) {
	h, err := newConventional(algo)
	if err != nil {
		return "", err
	}
	buf := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ContentHash returns the Dropbox content hash of r as a hex string.
func ContentHash(r io.Reader) (string, error) {
	h := NewContentHasher()
	buf := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// File reads the file at path once and returns its SHA-256, MD5 and
// content hash together with the number of bytes read.
func File(path string) (Digests, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digests{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	sha := sha256.New()
	sum := md5.New() // #nosec G401
	content := NewContentHasher()

	buf := make([]byte, ChunkSize)
	n, err := io.CopyBuffer(io.MultiWriter(sha, sum, content), f, buf)
	if err != nil {
		return Digests{}, fmt.Errorf("hashing %s: %w", path, err)
	}

	return Digests{
		SHA256:      hex.EncodeToString(sha.Sum(nil)),
		MD5:         hex.EncodeToString(sum.Sum(nil)),
		ContentHash: hex.EncodeToString(content.Sum(nil)),
		Size:        n,
	}, nil
}
