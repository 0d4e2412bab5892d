// ABOUTME: At-rest encryption of bearer tokens stored in contact mappings
// ABOUTME: AES-256-GCM with a per-call PBKDF2 key, random salt and nonce per envelope

package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 16
	nonceSize  = 12
	tagSize    = 16
	keySize    = 32
	iterations = 100_000

	// delimiter separates the hex fields of an envelope: salt:nonce:tag:ciphertext
	delimiter = ":"
)

// ErrEmptySecret is returned by Encrypt when no secret is configured.
var ErrEmptySecret = errors.New("encryption secret is empty")

// Codec encrypts and decrypts token envelopes with a shared secret.
// It holds only the secret; a fresh key is derived for every call.
type Codec struct {
	secret []byte
}

// NewCodec creates a codec for the given secret.
func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Encrypt seals plaintext into a storable envelope string.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	return Encrypt(plaintext, c.secret)
}

// Decrypt opens an envelope. ok is false if the envelope is malformed,
// tampered with, or sealed under a different secret.
func (c *Codec) Decrypt(envelope string) (string, bool) {
	return Decrypt(envelope, c.secret)
}

// Encrypt seals plaintext under secret. Each call draws a new salt and nonce.
func Encrypt(plaintext string, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	gcm, err := newGCM(secret, salt)
	if err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		hex.EncodeToString(salt),
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, delimiter), nil
}

// Decrypt opens an envelope produced by Encrypt. It never panics on bad input;
// any failure is reported as ok == false.
func Decrypt(envelope string, secret []byte) (plaintext string, ok bool) {
	if len(secret) == 0 {
		return "", false
	}

	parts := strings.Split(envelope, delimiter)
	if len(parts) != 4 {
		return "", false
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil || len(salt) != saltSize {
		return "", false
	}
	nonce, err := hex.DecodeString(parts[1])
	if err != nil || len(nonce) != nonceSize {
		return "", false
	}
	tag, err := hex.DecodeString(parts[2])
	if err != nil || len(tag) != tagSize {
		return "", false
	}
	ciphertext, err := hex.DecodeString(parts[3])
	if err != nil {
		return "", false
	}

	gcm, err := newGCM(secret, salt)
	if err != nil {
		return "", false
	}

	opened, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", false
	}
	return string(opened), true
}

// newGCM derives a key from secret and salt and wraps it in AES-GCM.
func newGCM(secret, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(secret, salt, iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return gcm, nil
}
