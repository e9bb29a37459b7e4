package hashing

import (
	"crypto/sha256"
	"hash"
)

// ContentBlockSize is the block size of the Dropbox content hash. It is
// fixed by the remote service; any other value produces digests that never
// match what the service reports.
const ContentBlockSize = 4 * 1024 * 1024

// contentHasher implements the two-level content hash: SHA-256 of each
// 4 MiB block, then SHA-256 of the concatenated block digests. A trailing
// short block is hashed as-is.
type contentHasher struct {
	blocks  [][sha256.Size]byte
	current hash.Hash
	filled  int
}

// NewContentHasher returns a hash.Hash producing the Dropbox content hash.
// The zero-length input hashes to SHA-256 of the empty string.
func NewContentHasher() hash.Hash {
	return &contentHasher{current: sha256.New()}
}

func (c *contentHasher) Write(p []byte) (int, error) {
	written := len(p)
	for len(p) > 0 {
		room := ContentBlockSize - c.filled
		n := len(p)
		if n > room {
			n = room
		}
		c.current.Write(p[:n])
		c.filled += n
		p = p[n:]

		if c.filled == ContentBlockSize {
			c.closeBlock()
		}
	}
	return written, nil
}

func (c *contentHasher) closeBlock() {
	var digest [sha256.Size]byte
	copy(digest[:], c.current.Sum(nil))
	c.blocks = append(c.blocks, digest)
	c.current.Reset()
	c.filled = 0
}

// Sum appends the content hash to b. It does not change the hasher state.
func (c *contentHasher) Sum(b []byte) []byte {
	outer := sha256.New()
	for i := range c.blocks {
		outer.Write(c.blocks[i][:])
	}
	if c.filled > 0 {
		outer.Write(c.current.Sum(nil))
	}
	return outer.Sum(b)
}

func (c *contentHasher) Reset() {
	c.blocks = c.blocks[:0]
	c.current.Reset()
	c.filled = 0
}

func (c *contentHasher) Size() int { return sha256.Size }

func (c *contentHasher) BlockSize() int { return sha256.BlockSize }
