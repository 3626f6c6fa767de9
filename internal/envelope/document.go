package envelope

import (
	"encoding/base64"
	"fmt"

	"github.com/privstack/core/internal/ids"
)

// DocumentVersion is bumped whenever the wire shape of EncryptedDocument
// changes, so a future format migration can distinguish old records.
const DocumentVersion = 1

// EncryptedDocument is the at-rest and on-the-wire representation of one
// entity's encrypted body: a random DEK wraps the body, and the DEK itself
// is wrapped under the vault's current master key. Version is transmitted
// so a future format change can be detected before decryption is attempted.
type EncryptedDocument struct {
	ID               ids.EntityId `json:"id"`
	EncryptedKey     []byte       `json:"encrypted_key"`
	EncryptedContent []byte       `json:"encrypted_content"`
	Version          int          `json:"version"`
}

// Seal encrypts plaintext under a fresh per-document DEK, then wraps that
// DEK under masterKey. The entity id is used as AAD on both layers so a
// ciphertext can't be silently relabeled onto a different entity.
func Seal(masterKey Key, id ids.EntityId, plaintext []byte) (EncryptedDocument, error) {
	dek, err := GenerateKey()
	if err != nil {
		return EncryptedDocument{}, err
	}
	aad := []byte(id.String())

	encryptedContent, err := Encrypt(dek, plaintext, aad)
	if err != nil {
		return EncryptedDocument{}, fmt.Errorf("envelope: seal content: %w", err)
	}
	encryptedKey, err := Encrypt(masterKey, dek[:], aad)
	if err != nil {
		return EncryptedDocument{}, fmt.Errorf("envelope: seal key: %w", err)
	}

	return EncryptedDocument{
		ID:               id,
		EncryptedKey:     encryptedKey,
		EncryptedContent: encryptedContent,
		Version:          DocumentVersion,
	}, nil
}

// Open reverses Seal: unwraps the DEK under masterKey, then decrypts the
// content. Fails closed (ErrDecrypt) if either layer's AEAD tag doesn't
// verify, which also happens if doc.ID doesn't match what it was sealed
// with.
func Open(masterKey Key, doc EncryptedDocument) ([]byte, error) {
	if doc.Version != DocumentVersion {
		return nil, fmt.Errorf("envelope: unsupported document version %d", doc.Version)
	}
	aad := []byte(doc.ID.String())

	dekBytes, err := Decrypt(masterKey, doc.EncryptedKey, aad)
	if err != nil {
		return nil, fmt.Errorf("envelope: unwrap key: %w", err)
	}
	if len(dekBytes) != KeySize {
		return nil, ErrInvalidKey
	}
	var dek Key
	copy(dek[:], dekBytes)

	plaintext, err := Decrypt(dek, doc.EncryptedContent, aad)
	if err != nil {
		return nil, fmt.Errorf("envelope: open content: %w", err)
	}
	return plaintext, nil
}

// Rewrap re-encrypts doc's DEK under newKey without touching the content
// layer, the operation a vault password change performs for every stored
// entity.
func Rewrap(oldKey, newKey Key, doc EncryptedDocument) (EncryptedDocument, error) {
	aad := []byte(doc.ID.String())
	dekBytes, err := Decrypt(oldKey, doc.EncryptedKey, aad)
	if err != nil {
		return EncryptedDocument{}, fmt.Errorf("envelope: rewrap unwrap: %w", err)
	}
	newEncryptedKey, err := Encrypt(newKey, dekBytes, aad)
	if err != nil {
		return EncryptedDocument{}, fmt.Errorf("envelope: rewrap seal: %w", err)
	}
	doc.EncryptedKey = newEncryptedKey
	return doc, nil
}

// EncodeTransport renders an EncryptedDocument's binary fields as
// base64url for embedding in a JSON sync message field that some
// transports treat as text (e.g. a QR-coded cloud manifest).
func EncodeTransport(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

// DecodeTransport reverses EncodeTransport.
func DecodeTransport(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }
