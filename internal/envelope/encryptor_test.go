package envelope

import (
	"bytes"
	"testing"

	"github.com/privstack/core/internal/ids"
)

func TestVaultEncryptorRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	enc := &VaultEncryptor{MasterKey: key}
	entity := ids.NewEntityId()

	ciphertext, err := enc.EncryptBytes(entity, []byte("hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plaintext, err := enc.DecryptBytes(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("hello")) {
		t.Fatalf("unexpected plaintext: %s", plaintext)
	}
}

func TestVaultEncryptorUnavailableWithZeroKey(t *testing.T) {
	enc := &VaultEncryptor{}
	if enc.IsAvailable() {
		t.Fatal("expected zero-value encryptor to be unavailable")
	}
	if _, err := enc.EncryptBytes(ids.NewEntityId(), []byte("x")); err != ErrUnavailable {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestVaultEncryptorReencryptBytesRewrapsUnderNewKey(t *testing.T) {
	oldKey, _ := GenerateKey()
	newKey, _ := GenerateKey()
	enc := &VaultEncryptor{MasterKey: oldKey}
	entity := ids.NewEntityId()

	ciphertext, err := enc.EncryptBytes(entity, []byte("hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	rewrapped, err := enc.ReencryptBytes(ciphertext, oldKey, newKey)
	if err != nil {
		t.Fatalf("reencrypt: %v", err)
	}

	newEnc := &VaultEncryptor{MasterKey: newKey}
	plaintext, err := newEnc.DecryptBytes(rewrapped)
	if err != nil {
		t.Fatalf("decrypt under new key: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("hello")) {
		t.Fatalf("unexpected plaintext: %s", plaintext)
	}
	if _, err := enc.DecryptBytes(rewrapped); err == nil {
		t.Fatal("old key should no longer decrypt the rewrapped document")
	}
}

func TestPassthroughIsIdentity(t *testing.T) {
	var p Passthrough
	out, err := p.EncryptBytes(ids.NewEntityId(), []byte("plain"))
	if err != nil || string(out) != "plain" {
		t.Fatalf("expected passthrough identity, got %q, %v", out, err)
	}
}
