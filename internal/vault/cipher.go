package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 390_000
	keyLen        = 32 // AES-256
	saltLen       = 16
	nonceLen      = 12 // 96-bit GCM nonce
	tagLen        = 16
	minBlobLen    = nonceLen + tagLen
)

func newSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

func deriveKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, kdfIterations, keyLen, sha256.New)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// newAEAD builds the cipher for one Save or Load call. Neither the key nor
// the cipher outlives that call.
func newAEAD(passphrase, salt []byte) (cipher.AEAD, error) {
	key := deriveKey(passphrase, salt)
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: creating GCM: %w", err)
	}
	return aead, nil
}

// seal returns nonce || ciphertext+tag. The salt is bound as additional
// data so it cannot be swapped between files.
func seal(passphrase, salt, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: generating nonce: %w", err)
	}

	out := make([]byte, nonceLen, nonceLen+len(plaintext)+aead.Overhead())
	copy(out, nonce)
	return aead.Seal(out, nonce, plaintext, salt), nil
}

func open(passphrase, salt, blob []byte) ([]byte, error) {
	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, blob[:nonceLen], blob[nonceLen:], salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}
