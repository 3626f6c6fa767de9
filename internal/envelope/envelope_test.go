package envelope

import (
	"bytes"
	"testing"

	"github.com/privstack/core/internal/ids"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	plaintext := []byte("hello, vault")
	aad := []byte("aad")

	ciphertext, err := Encrypt(key, plaintext, aad)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := Decrypt(key, ciphertext, aad)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: %q != %q", got, plaintext)
	}
}

func TestDecryptFailsOnTamperedCiphertext(t *testing.T) {
	key, _ := GenerateKey()
	ciphertext, _ := Encrypt(key, []byte("secret"), nil)
	ciphertext[len(ciphertext)-1] ^= 0xFF

	if _, err := Decrypt(key, ciphertext, nil); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestDecryptFailsOnWrongAAD(t *testing.T) {
	key, _ := GenerateKey()
	ciphertext, _ := Encrypt(key, []byte("secret"), []byte("entity-1"))

	if _, err := Decrypt(key, ciphertext, []byte("entity-2")); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt on AAD mismatch, got %v", err)
	}
}

func TestDeriveKeyIsDeterministic(t *testing.T) {
	salt, _ := GenerateSalt()
	k1 := DeriveKey([]byte("hunter2"), salt, DefaultArgon2Params)
	k2 := DeriveKey([]byte("hunter2"), salt, DefaultArgon2Params)
	if k1 != k2 {
		t.Fatal("expected deterministic derivation for same password+salt")
	}

	k3 := DeriveKey([]byte("different"), salt, DefaultArgon2Params)
	if k1 == k3 {
		t.Fatal("expected different passwords to derive different keys")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	masterKey, _ := GenerateKey()
	id := ids.NewEntityId()
	plaintext := []byte(`{"title":"groceries"}`)

	doc, err := Seal(masterKey, id, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := Open(masterKey, doc)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: %q != %q", got, plaintext)
	}
}

func TestOpenFailsWithWrongMasterKey(t *testing.T) {
	masterKey, _ := GenerateKey()
	wrongKey, _ := GenerateKey()
	id := ids.NewEntityId()

	doc, _ := Seal(masterKey, id, []byte("secret"))
	if _, err := Open(wrongKey, doc); err == nil {
		t.Fatal("expected error opening with wrong master key")
	}
}

func TestOpenFailsWhenDocumentRelabeledToAnotherEntity(t *testing.T) {
	masterKey, _ := GenerateKey()
	id := ids.NewEntityId()
	doc, _ := Seal(masterKey, id, []byte("secret"))

	doc.ID = ids.NewEntityId() // relabel onto a different entity id
	if _, err := Open(masterKey, doc); err == nil {
		t.Fatal("expected AAD mismatch to fail decryption after relabeling")
	}
}

func TestRewrapChangesKeyNotContent(t *testing.T) {
	oldKey, _ := GenerateKey()
	newKey, _ := GenerateKey()
	id := ids.NewEntityId()
	plaintext := []byte("still here")

	doc, _ := Seal(oldKey, id, plaintext)
	rewrapped, err := Rewrap(oldKey, newKey, doc)
	if err != nil {
		t.Fatalf("rewrap: %v", err)
	}

	if _, err := Open(oldKey, rewrapped); err == nil {
		t.Fatal("expected old key to no longer open the rewrapped document")
	}

	got, err := Open(newKey, rewrapped)
	if err != nil {
		t.Fatalf("open after rewrap: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("content changed across rewrap: %q != %q", got, plaintext)
	}
}
