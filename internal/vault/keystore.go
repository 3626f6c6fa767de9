package vault

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/privstack/core/internal/envelope"
)

// keyFileName is the on-disk name of a vault's key material, adapted from
// pkg/crypto/store.go's FileKeyStore.
const keyFileName = "keys.json"

// keyFile is the JSON structure persisted at <vault dir>/keys.json: the
// password-wrapped master key plus the Argon2id parameters it was wrapped
// with, so a future profile change doesn't break old vaults.
type keyFile struct {
	Salt       string          `json:"salt"`
	WrappedKey string          `json:"wrapped_key"`
	Params     argon2ParamsDTO `json:"params"`
}

type argon2ParamsDTO struct {
	MemoryKiB   uint32 `json:"mem"`
	Iterations  uint32 `json:"time"`
	Parallelism uint8  `json:"threads"`
}

func toDTO(p envelope.Argon2Params) argon2ParamsDTO {
	return argon2ParamsDTO{MemoryKiB: p.MemoryKiB, Iterations: p.Iterations, Parallelism: p.Parallelism}
}

func (d argon2ParamsDTO) params() envelope.Argon2Params {
	return envelope.Argon2Params{MemoryKiB: d.MemoryKiB, Iterations: d.Iterations, Parallelism: d.Parallelism}
}

// ErrIncorrectPassword is returned by unlock when the supplied password
// fails to open the wrapped master key, per spec.md §4.8.
var ErrIncorrectPassword = errors.New("vault: incorrect password or corrupted key file")

// ErrAlreadyInitialized is returned by initialize when keys.json already
// exists for this vault.
var ErrAlreadyInitialized = errors.New("vault: already initialized")

// ErrNotInitialized is returned by unlock when no key file exists yet.
var ErrNotInitialized = errors.New("vault: not initialized")

func keyFilePath(dir string) string { return filepath.Join(dir, keyFileName) }

func isInitialized(dir string) bool {
	_, err := os.Stat(keyFilePath(dir))
	return err == nil
}

// initializeKeyFile derives a wrapper key from password, wraps a fresh
// master key under it, and persists the result. The vault's directory name
// is folded in as AAD so a key file can't be silently relocated onto a
// different vault's directory.
func initializeKeyFile(dir string, password []byte) (envelope.Key, error) {
	if isInitialized(dir) {
		return envelope.Key{}, ErrAlreadyInitialized
	}

	masterKey, err := envelope.GenerateKey()
	if err != nil {
		return envelope.Key{}, err
	}
	if err := persistKeyFile(dir, password, masterKey, envelope.DefaultArgon2Params); err != nil {
		return envelope.Key{}, err
	}
	return masterKey, nil
}

func persistKeyFile(dir string, password []byte, masterKey envelope.Key, params envelope.Argon2Params) error {
	salt, err := envelope.GenerateSalt()
	if err != nil {
		return err
	}
	wrapperKey := envelope.DeriveKey(password, salt, params)

	aad := []byte(filepath.Base(dir))
	wrapped, err := envelope.Encrypt(wrapperKey, masterKey[:], aad)
	if err != nil {
		return fmt.Errorf("vault: wrap master key: %w", err)
	}

	kf := keyFile{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		WrappedKey: base64.StdEncoding.EncodeToString(wrapped),
		Params:     toDTO(params),
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(keyFilePath(dir), data, 0600)
}

// unlockKeyFile reverses initializeKeyFile: derive the wrapper key from
// password and the file's stored salt/params, then unwrap the master key.
func unlockKeyFile(dir string, password []byte) (envelope.Key, error) {
	data, err := os.ReadFile(keyFilePath(dir))
	if os.IsNotExist(err) {
		return envelope.Key{}, ErrNotInitialized
	}
	if err != nil {
		return envelope.Key{}, err
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return envelope.Key{}, fmt.Errorf("vault: decode key file: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(kf.Salt)
	if err != nil {
		return envelope.Key{}, fmt.Errorf("vault: decode salt: %w", err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(kf.WrappedKey)
	if err != nil {
		return envelope.Key{}, fmt.Errorf("vault: decode wrapped key: %w", err)
	}

	wrapperKey := envelope.DeriveKey(password, salt, kf.Params.params())
	aad := []byte(filepath.Base(dir))
	plaintext, err := envelope.Decrypt(wrapperKey, wrapped, aad)
	if err != nil {
		return envelope.Key{}, ErrIncorrectPassword
	}
	if len(plaintext) != envelope.KeySize {
		return envelope.Key{}, envelope.ErrInvalidKey
	}

	var masterKey envelope.Key
	copy(masterKey[:], plaintext)
	return masterKey, nil
}

// rewrapKeyFile persists masterKey wrapped under a wrapper key freshly
// derived from newPassword (with a new salt). ChangePassword calls it last,
// after every blob has been re-wrapped under masterKey, which is the newly
// generated master key.
func rewrapKeyFile(dir string, newPassword []byte, masterKey envelope.Key) error {
	return persistKeyFile(dir, newPassword, masterKey, envelope.DefaultArgon2Params)
}
