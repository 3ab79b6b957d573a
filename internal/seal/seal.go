// Package seal encrypts message content at rest with AES-256-GCM.
//
// The configured secret is never used directly as a cipher key. Each Cipher
// derives its own 32-byte subkey with HKDF-SHA256 using a purpose label, so
// message bodies and other sealed fields never share a key. Ciphertext is
// base64(nonce || sealed) and may be bound to associated data such as the
// owning message id.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the required secret and subkey length in bytes.
const KeySize = 32

// Purpose labels for derived subkeys.
const (
	PurposeMessage = "haven/message-content/v1"
)

var (
	// ErrInvalidKey is returned when the secret is not a base64 32-byte key.
	ErrInvalidKey = errors.New("seal: key must be base64 and decode to 32 bytes")

	// ErrMalformed is returned when ciphertext cannot be decoded or opened.
	ErrMalformed = errors.New("seal: malformed ciphertext")
)

// ParseKey decodes a base64 secret and checks its length.
func ParseKey(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, ErrInvalidKey
	}
	if len(raw) != KeySize {
		return nil, ErrInvalidKey
	}
	return raw, nil
}

// Cipher seals and opens content with one derived subkey.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a subkey for purpose from secret and builds the AEAD.
func NewCipher(secret []byte, purpose string) (*Cipher, error) {
	if len(secret) != KeySize {
		return nil, ErrInvalidKey
	}

	subkey := make([]byte, KeySize)
	kdf := hkdf.New(sha256.New, secret, nil, []byte(purpose))
	if _, err := io.ReadFull(kdf, subkey); err != nil {
		return nil, fmt.Errorf("seal: derive key: %w", err)
	}

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("seal: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("seal: new gcm: %w", err)
	}
	return &Cipher{aead: gcm}, nil
}

// Encrypt seals plaintext bound to associated. The output is base64 text.
func (c *Cipher) Encrypt(plaintext string, associated []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("seal: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), associated)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens ciphertext produced by Encrypt with the same associated data.
func (c *Cipher) Decrypt(ciphertext string, associated []byte) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrMalformed
	}
	ns := c.aead.NonceSize()
	if len(data) < ns+c.aead.Overhead() {
		return "", ErrMalformed
	}
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], associated)
	if err != nil {
		return "", ErrMalformed
	}
	return string(plain), nil
}
