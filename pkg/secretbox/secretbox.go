// Package secretbox provides authenticated symmetric encryption for
// operator-provided values (LLM credentials, per-project secrets, extra env
// blobs). Values are encrypted with AES-256-GCM under a key derived from the
// process-wide master secret. Decryption fails closed: any tamper or format
// problem yields ErrIntegrity and nothing else.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// ErrIntegrity is returned when a ciphertext fails authentication or cannot
// be parsed. Callers must treat the value as unrecoverable and must not
// expose the stored ciphertext.
var ErrIntegrity = errors.New("secretbox: integrity check failed")

const (
	// Fixed KDF salt. Versioned so a future format change can re-derive
	// without ambiguity about which salt produced a given ciphertext.
	kdfSalt       = "synapse.secretbox.v1"
	kdfIterations = 4096
	keyLen        = 32

	nonceLen = 16 // 128-bit per-value nonce
	tagLen   = 16 // GCM authentication tag
)

// Box encrypts and decrypts operator secrets. Safe for concurrent use.
type Box struct {
	key []byte
}

// New derives the encryption key from the operator master secret.
// An empty master secret is a startup error for the whole process.
func New(masterSecret string) (*Box, error) {
	if masterSecret == "" {
		return nil, errors.New("secretbox: master secret is required")
	}
	key := pbkdf2.Key([]byte(masterSecret), []byte(kdfSalt), kdfIterations, keyLen, sha256.New)
	return &Box{key: key}, nil
}

// Encrypt seals plaintext and returns the on-disk representation
// "nonce_hex:tag_hex:ciphertext_hex".
func (b *Box) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", fmt.Errorf("secretbox: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceLen)
	if err != nil {
		return "", fmt.Errorf("secretbox: %w", err)
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secretbox: nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	// Seal appends the tag after the ciphertext; split so the stored form
	// keeps nonce, tag, and ciphertext as separate fields.
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt opens a value produced by Encrypt. Returns ErrIntegrity on any
// parse failure or tag mismatch.
func (b *Box) Decrypt(encoded string) (string, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return "", ErrIntegrity
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceLen {
		return "", ErrIntegrity
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagLen {
		return "", ErrIntegrity
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrIntegrity
	}

	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", ErrIntegrity
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceLen)
	if err != nil {
		return "", ErrIntegrity
	}

	plaintext, err := gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", ErrIntegrity
	}
	return string(plaintext), nil
}
