package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/privstack/core/internal/ids"
)

// ErrUnavailable is returned by DataEncryptor implementations that need a
// key the caller hasn't supplied yet (most commonly: the vault is locked).
var ErrUnavailable = fmt.Errorf("envelope: encryptor unavailable")

// DataEncryptor is the seam the entity store and blob store encrypt/decrypt
// through, per spec.md §6 — a thin interface rather than a concrete type so
// tests can swap in Passthrough without touching a real vault.
type DataEncryptor interface {
	EncryptBytes(entityID ids.EntityId, plaintext []byte) ([]byte, error)
	DecryptBytes(ciphertext []byte) ([]byte, error)
	ReencryptBytes(blob []byte, oldKey, newKey Key) ([]byte, error)
	IsAvailable() bool
}

// VaultEncryptor implements DataEncryptor over a live master key, producing
// EncryptedDocument transport blobs via Seal/Open.
type VaultEncryptor struct {
	MasterKey Key
}

func (v *VaultEncryptor) IsAvailable() bool { return v.MasterKey != (Key{}) }

func (v *VaultEncryptor) EncryptBytes(entityID ids.EntityId, plaintext []byte) ([]byte, error) {
	if !v.IsAvailable() {
		return nil, ErrUnavailable
	}
	doc, err := Seal(v.MasterKey, entityID, plaintext)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

func (v *VaultEncryptor) DecryptBytes(ciphertext []byte) ([]byte, error) {
	if !v.IsAvailable() {
		return nil, ErrUnavailable
	}
	var doc EncryptedDocument
	if err := json.Unmarshal(ciphertext, &doc); err != nil {
		return nil, fmt.Errorf("envelope: decode document: %w", err)
	}
	return Open(v.MasterKey, doc)
}

func (v *VaultEncryptor) ReencryptBytes(blob []byte, oldKey, newKey Key) ([]byte, error) {
	var doc EncryptedDocument
	if err := json.Unmarshal(blob, &doc); err != nil {
		return nil, fmt.Errorf("envelope: decode document: %w", err)
	}
	rewrapped, err := Rewrap(oldKey, newKey, doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rewrapped)
}

// Passthrough is a no-op DataEncryptor for tests that don't want vault
// machinery in the loop (spec.md §6 calls this out explicitly).
type Passthrough struct{}

func (Passthrough) IsAvailable() bool { return true }
func (Passthrough) EncryptBytes(_ ids.EntityId, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}
func (Passthrough) DecryptBytes(ciphertext []byte) ([]byte, error) { return ciphertext, nil }
func (Passthrough) ReencryptBytes(blob []byte, _, _ Key) ([]byte, error) { return blob, nil }
