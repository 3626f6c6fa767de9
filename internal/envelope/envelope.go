// Package envelope implements privstack-core's envelope encryption: a
// password-derived master key wraps a random per-entity data-encryption
// key (DEK), and the DEK in turn encrypts the entity body. Rekeying the
// vault (changing the password) only needs to re-wrap each DEK, never
// re-encrypt entity content.
package envelope

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize  = 32
	// NonceSize is ChaCha20-Poly1305's standard 12-byte nonce, not the
	// teacher's XChaCha20 24-byte variant: the data format this package
	// produces is spec-fixed to ChaCha20-Poly1305.
	NonceSize = chacha20poly1305.NonceSize
	SaltSize  = 16
)

// Argon2Params controls the password KDF. The defaults below follow
// OWASP's low-memory Argon2id profile (19 MiB, 2 iterations, 1 lane),
// trading off some brute-force resistance for predictable memory use on
// mobile/desktop clients; the teacher's 64 MiB/3-iter/2-thread profile is
// kept available as DefaultArgon2ParamsHighMemory for callers that can
// afford it.
type Argon2Params struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
}

var DefaultArgon2Params = Argon2Params{MemoryKiB: 19 * 1024, Iterations: 2, Parallelism: 1}
var DefaultArgon2ParamsHighMemory = Argon2Params{MemoryKiB: 64 * 1024, Iterations: 3, Parallelism: 2}

var (
	ErrInvalidKey = errors.New("envelope: invalid key size")
	ErrDecrypt    = errors.New("envelope: decryption failed")
)

// Key is a 32-byte symmetric key: either a master key or a DEK.
type Key [KeySize]byte

// GenerateKey returns a fresh random key, suitable as a DEK.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, fmt.Errorf("envelope: generate key: %w", err)
	}
	return k, nil
}

// GenerateSalt returns a fresh random salt for password derivation.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("envelope: generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives a master key from a password and salt using Argon2id.
func DeriveKey(password, salt []byte, params Argon2Params) Key {
	var k Key
	dk := argon2.IDKey(password, salt, params.Iterations, params.MemoryKiB, params.Parallelism, KeySize)
	copy(k[:], dk)
	return k
}

// Encrypt seals plaintext under key with ChaCha20-Poly1305, returning
// nonce||ciphertext||tag.
func Encrypt(key Key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("envelope: new aead: %w", err)
	}
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("envelope: generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Decrypt opens a nonce||ciphertext||tag blob produced by Encrypt.
func Decrypt(key Key, ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrDecrypt
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("envelope: new aead: %w", err)
	}
	nonce, body := ciphertext[:NonceSize], ciphertext[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
