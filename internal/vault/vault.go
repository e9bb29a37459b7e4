// Package vault stores the Dropbox OAuth credentials on disk, encrypted under
// a key derived from an operator passphrase.
//
// File layout:
//
//	AFREC2\n
//	<base64 salt>\n
//	<nonce || AES-256-GCM ciphertext>
//
// The file is rewritten in full, with a fresh salt, on every Save.
package vault

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FormatTag is the first line of every vault file.
const FormatTag = "AFREC2"

var (
	// ErrInvalidFormat means the file is not a vault file this version can read.
	ErrInvalidFormat = errors.New("vault: invalid file format")
	// ErrDecryptionFailed means authentication failed: wrong passphrase or a
	// corrupted file.
	ErrDecryptionFailed = errors.New("vault: decryption failed (wrong passphrase or corrupted file)")
	// ErrNotFound means no vault file exists yet.
	ErrNotFound = errors.New("vault: no credentials stored, run 'afrec auth' first")
)

// Bundle is the secret material issued by the OAuth flow.
type Bundle struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Fingerprint returns a short, non-reversible identifier of the bundle for
// audit records. It prefers the long-lived refresh token.
func (b Bundle) Fingerprint() string {
	src := b.RefreshToken
	if src == "" {
		src = b.AccessToken
	}
	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:])[:16]
}

// Vault is a single encrypted credentials file.
type Vault struct {
	path string
}

// New returns a Vault backed by the file at path. The file need not exist.
func New(path string) *Vault {
	return &Vault{path: path}
}

// Path returns the vault file location.
func (v *Vault) Path() string {
	return v.path
}

// Exists reports whether the vault file is present.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// Save encrypts bundle under passphrase and replaces the vault file.
func (v *Vault) Save(bundle Bundle, passphrase string) error {
	if bundle.AccessToken == "" {
		return fmt.Errorf("vault: bundle has no access token")
	}

	payload, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("vault: encoding bundle: %w", err)
	}

	salt, err := newSalt()
	if err != nil {
		return fmt.Errorf("vault: generating salt: %w", err)
	}

	blob, err := seal([]byte(passphrase), salt, payload)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.WriteString(FormatTag)
	buf.WriteByte('\n')
	buf.WriteString(base64.StdEncoding.EncodeToString(salt))
	buf.WriteByte('\n')
	buf.Write(blob)

	return writeFileAtomic(v.path, buf.Bytes())
}

// Load decrypts the vault file with passphrase.
func (v *Vault) Load(passphrase string) (Bundle, error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Bundle{}, ErrNotFound
		}
		return Bundle{}, fmt.Errorf("vault: reading %s: %w", v.path, err)
	}

	salt, blob, err := parse(data)
	if err != nil {
		return Bundle{}, err
	}

	payload, err := open([]byte(passphrase), salt, blob)
	if err != nil {
		return Bundle{}, err
	}

	var bundle Bundle
	if err := json.Unmarshal(payload, &bundle); err != nil || bundle.AccessToken == "" {
		return Bundle{}, fmt.Errorf("%w: payload is not a credential bundle", ErrDecryptionFailed)
	}
	return bundle, nil
}

// parse splits a vault file into salt and ciphertext.
func parse(data []byte) (salt, blob []byte, err error) {
	tag, rest, ok := bytes.Cut(data, []byte{'\n'})
	if !ok || string(tag) != FormatTag {
		return nil, nil, fmt.Errorf("%w: unrecognized header", ErrInvalidFormat)
	}

	saltLine, blob, ok := bytes.Cut(rest, []byte{'\n'})
	if !ok {
		return nil, nil, fmt.Errorf("%w: missing salt line", ErrInvalidFormat)
	}

	salt, err = base64.StdEncoding.DecodeString(string(saltLine))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: salt is not base64: %v", ErrInvalidFormat, err)
	}
	if len(salt) < saltLen {
		return nil, nil, fmt.Errorf("%w: salt too short (%d bytes)", ErrInvalidFormat, len(salt))
	}
	if len(blob) < minBlobLen {
		return nil, nil, fmt.Errorf("%w: ciphertext too short", ErrInvalidFormat)
	}
	return salt, blob, nil
}

// writeFileAtomic writes data to a temp file next to path and renames it
// into place, so a crash never leaves a half-written vault.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("vault: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".vault-*")
	if err != nil {
		return fmt.Errorf("vault: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vault: closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("vault: chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("vault: replacing %s: %w", path, err)
	}
	return nil
}
