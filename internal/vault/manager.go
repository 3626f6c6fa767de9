// Package vault implements the vault lifecycle of spec.md §4.9: one or
// more named, password-protected vaults, each backing a content-addressed
// blob store through an envelope.DataEncryptor. Adapted from the teacher's
// multi-vault Manager (naming, metadata persistence) plus
// pkg/crypto/store.go (key-file lifecycle, now rebuilt on top of
// internal/envelope instead of pkg/crypto).
package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/privstack/core/internal/blob"
	"github.com/privstack/core/internal/envelope"
	"github.com/privstack/core/internal/ids"
)

// VaultInfo contains metadata about a vault.
type VaultInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DataDir     string `json:"data_dir"`
	Initialized bool   `json:"initialized"`
	EntryCount  int    `json:"entry_count,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	LastOpened  int64  `json:"last_opened,omitempty"`
}

// manifest maps a vault's logical blob ids to the current CID their
// ciphertext hashes to. The CID moves every password change (the wrapped
// key inside the serialized EncryptedDocument changes), so it cannot serve
// as the blob's stable identity the way it does in a plaintext blob store.
type manifest struct {
	Blobs map[ids.BlobId]blob.CID `json:"blobs"`
}

const manifestFileName = "manifest.json"

// Vault is one named vault: its metadata, its blob store, and (while
// unlocked) the DataEncryptor wrapping a live master key.
type Vault struct {
	mu sync.RWMutex

	info VaultInfo
	dir  string

	blobs     *blob.Store
	encryptor *envelope.VaultEncryptor // nil while locked
	idx       manifest
}

func openVault(info VaultInfo) (*Vault, error) {
	blobs, err := blob.NewStore(info.DataDir)
	if err != nil {
		return nil, err
	}
	v := &Vault{info: info, dir: info.DataDir, blobs: blobs, idx: manifest{Blobs: map[ids.BlobId]blob.CID{}}}
	if err := v.loadManifest(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Vault) manifestPath() string { return filepath.Join(v.dir, manifestFileName) }

func (v *Vault) loadManifest() error {
	data, err := os.ReadFile(v.manifestPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &v.idx)
}

func (v *Vault) saveManifest() error {
	data, err := json.MarshalIndent(v.idx, "", "  ")
	if err != nil {
		return err
	}
	tmp := v.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, v.manifestPath())
}

// Info returns a copy of this vault's metadata.
func (v *Vault) Info() VaultInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.info
}

// IsInitialized reports whether this vault has ever had a password set.
func (v *Vault) IsInitialized() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return isInitialized(v.dir)
}

// IsUnlocked reports whether this vault currently holds a live master key.
func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.encryptor != nil && v.encryptor.IsAvailable()
}

// Initialize sets the vault's password for the first time, per spec.md
// §4.9's ≥ 8 character requirement. The vault is left unlocked afterward.
func (v *Vault) Initialize(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("vault: password must be at least 8 characters")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	masterKey, err := initializeKeyFile(v.dir, []byte(password))
	if err != nil {
		return err
	}
	v.encryptor = &envelope.VaultEncryptor{MasterKey: masterKey}
	v.info.Initialized = true
	return nil
}

// Unlock loads the master key using password, enabling blob I/O.
func (v *Vault) Unlock(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	masterKey, err := unlockKeyFile(v.dir, []byte(password))
	if err != nil {
		return err
	}
	v.encryptor = &envelope.VaultEncryptor{MasterKey: masterKey}
	v.info.LastOpened = time.Now().Unix()
	return nil
}

// Lock discards the in-memory master key. Only an unlocked vault accepts
// blob I/O (spec.md §4.9); a locked vault rejects it with ErrLocked.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.encryptor = nil
}

// ErrLocked is returned by blob operations on a locked vault.
var ErrLocked = fmt.Errorf("vault: locked")

// Encryptor returns the vault's live envelope.DataEncryptor, for wiring
// into an internal/engine.Engine so entity bodies are sealed under the
// same master key as this vault's blobs. Returns nil while locked —
// callers must check IsUnlocked (or handle a nil Encryptor some other
// way) before constructing an Engine against it.
func (v *Vault) Encryptor() envelope.DataEncryptor {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.encryptor == nil {
		return nil
	}
	return v.encryptor
}

// DataDir returns the on-disk directory this vault's metadata, blobs, and
// key file live under — where a caller should also put its event/entity
// SQLite database.
func (v *Vault) DataDir() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.dir
}

// ChangePassword rewraps every stored blob's DEK under a freshly generated
// master key, then persists the new key file — in that order, so a crash
// partway through leaves the key file (and therefore the vault's
// unlock-ability) pointed at the old password. New ciphertext blobs for
// each rewrapped document are written to the blob store before the
// manifest is repointed at them, and the manifest itself is swapped
// atomically, so a reader never observes a half-migrated index.
func (v *Vault) ChangePassword(oldPassword, newPassword string) error {
	if len(newPassword) < 8 {
		return fmt.Errorf("vault: password must be at least 8 characters")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	oldKey, err := unlockKeyFile(v.dir, []byte(oldPassword))
	if err != nil {
		return err
	}

	newKey, err := envelope.GenerateKey()
	if err != nil {
		return err
	}
	newEncryptor := &envelope.VaultEncryptor{MasterKey: newKey}

	newIdx := manifest{Blobs: make(map[ids.BlobId]blob.CID, len(v.idx.Blobs))}
	for id, cid := range v.idx.Blobs {
		ciphertext, err := v.blobs.Get(cid)
		if err != nil {
			return fmt.Errorf("vault: read blob %s during rewrap: %w", id, err)
		}
		rewrapped, err := newEncryptor.ReencryptBytes(ciphertext, oldKey, newKey)
		if err != nil {
			return fmt.Errorf("vault: rewrap blob %s: %w", id, err)
		}
		newCID, err := v.blobs.Put(rewrapped)
		if err != nil {
			return fmt.Errorf("vault: store rewrapped blob %s: %w", id, err)
		}
		newIdx.Blobs[id] = newCID
	}

	// Both writes below must succeed together: the manifest's CIDs are
	// only meaningful under the key file they were rewrapped against.
	oldManifest := v.idx
	v.idx = newIdx
	if err := v.saveManifest(); err != nil {
		v.idx = oldManifest
		return fmt.Errorf("vault: persist rewrapped manifest: %w", err)
	}
	if err := rewrapKeyFile(v.dir, []byte(newPassword), newKey); err != nil {
		v.idx = oldManifest
		_ = v.saveManifest()
		return fmt.Errorf("vault: persist new key file: %w", err)
	}

	v.encryptor = newEncryptor
	return nil
}

// StoreBlob encrypts data under a fresh per-blob key and content-addresses
// the ciphertext, returning a BlobId stable across future password changes.
func (v *Vault) StoreBlob(data []byte) (ids.BlobId, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.encryptor == nil || !v.encryptor.IsAvailable() {
		return ids.BlobId{}, ErrLocked
	}
	id := ids.NewBlobId()
	ciphertext, err := v.encryptor.EncryptBytes(ids.EntityId(id), data)
	if err != nil {
		return ids.BlobId{}, err
	}
	cid, err := v.blobs.Put(ciphertext)
	if err != nil {
		return ids.BlobId{}, err
	}
	v.idx.Blobs[id] = cid
	if err := v.saveManifest(); err != nil {
		delete(v.idx.Blobs, id)
		return ids.BlobId{}, err
	}
	return id, nil
}

// ReadBlob decrypts and returns the plaintext for id.
func (v *Vault) ReadBlob(id ids.BlobId) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.encryptor == nil || !v.encryptor.IsAvailable() {
		return nil, ErrLocked
	}
	cid, ok := v.idx.Blobs[id]
	if !ok {
		return nil, fmt.Errorf("vault: blob not found: %s", id)
	}
	ciphertext, err := v.blobs.Get(cid)
	if err != nil {
		return nil, err
	}
	return v.encryptor.DecryptBytes(ciphertext)
}

// DeleteBlob removes id from the vault. Idempotent: deleting an unknown id
// is not an error.
func (v *Vault) DeleteBlob(id ids.BlobId) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	cid, ok := v.idx.Blobs[id]
	if !ok {
		return nil
	}
	if err := v.blobs.Delete(cid); err != nil {
		return err
	}
	delete(v.idx.Blobs, id)
	return v.saveManifest()
}

// ListBlobs returns every blob id currently stored, in no particular order.
func (v *Vault) ListBlobs() []ids.BlobId {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]ids.BlobId, 0, len(v.idx.Blobs))
	for id := range v.idx.Blobs {
		out = append(out, id)
	}
	return out
}

// Manager manages multiple named vaults under one base directory, adapted
// from the teacher's vault.Manager.
type Manager struct {
	baseDir string
	vaults  map[string]*Vault
	active  string
	mu      sync.RWMutex
}

// NewManager creates a vault manager rooted at baseDir, discovering any
// vaults already present.
func NewManager(baseDir string) (*Manager, error) {
	m := &Manager{baseDir: baseDir, vaults: make(map[string]*Vault)}
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("vault: create base directory: %w", err)
	}
	if err := m.loadVaults(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) registryPath() string { return filepath.Join(m.baseDir, "vaults.json") }

func (m *Manager) loadVaults() error {
	data, err := os.ReadFile(m.registryPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var infos []VaultInfo
	if err := json.Unmarshal(data, &infos); err != nil {
		return err
	}
	for _, info := range infos {
		v, err := openVault(info)
		if err != nil {
			return fmt.Errorf("vault: open %s: %w", info.ID, err)
		}
		m.vaults[info.ID] = v
	}
	return nil
}

func (m *Manager) saveVaults() error {
	infos := make([]VaultInfo, 0, len(m.vaults))
	for _, v := range m.vaults {
		infos = append(infos, v.Info())
	}
	data, err := json.MarshalIndent(infos, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.registryPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, m.registryPath())
}

// Create creates a new, uninitialized vault named name.
func (m *Manager) Create(name string) (*Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range m.vaults {
		if v.info.Name == name {
			return nil, fmt.Errorf("vault: vault named %q already exists", name)
		}
	}

	id := sanitizeID(name)
	if _, exists := m.vaults[id]; exists {
		id = id + "-" + generateShortID()
	}
	dataDir := filepath.Join(m.baseDir, id)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("vault: create vault directory: %w", err)
	}

	info := VaultInfo{ID: id, Name: name, DataDir: dataDir, CreatedAt: time.Now().Unix()}
	v, err := openVault(info)
	if err != nil {
		return nil, err
	}
	m.vaults[id] = v
	if err := m.saveVaults(); err != nil {
		return nil, err
	}
	return v, nil
}

// List returns metadata for every known vault.
func (m *Manager) List() []VaultInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]VaultInfo, 0, len(m.vaults))
	for _, v := range m.vaults {
		infos = append(infos, v.Info())
	}
	return infos
}

// Get retrieves a vault by id or name.
func (m *Manager) Get(idOrName string) (*Vault, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.find(idOrName)
}

func (m *Manager) find(idOrName string) (*Vault, error) {
	if v, ok := m.vaults[idOrName]; ok {
		return v, nil
	}
	for _, v := range m.vaults {
		if v.info.Name == idOrName {
			return v, nil
		}
	}
	return nil, fmt.Errorf("vault: not found: %s", idOrName)
}

// Delete removes a vault from the registry, optionally deleting its data.
func (m *Manager) Delete(idOrName string, removeData bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.find(idOrName)
	if err != nil {
		return err
	}
	if removeData {
		if err := os.RemoveAll(v.dir); err != nil {
			return fmt.Errorf("vault: remove data: %w", err)
		}
	}
	delete(m.vaults, v.info.ID)
	if m.active == v.info.ID {
		m.active = ""
	}
	return m.saveVaults()
}

// SetActive marks a vault as the active one for callers that don't thread
// a *Vault through explicitly.
func (m *Manager) SetActive(idOrName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.find(idOrName)
	if err != nil {
		return err
	}
	m.active = v.info.ID
	return nil
}

// GetActive returns the currently active vault.
func (m *Manager) GetActive() (*Vault, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == "" {
		return nil, fmt.Errorf("vault: no active vault")
	}
	return m.vaults[m.active], nil
}

// Rename renames a vault without touching its on-disk data directory.
func (m *Manager) Rename(idOrName, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.find(idOrName)
	if err != nil {
		return err
	}
	for _, other := range m.vaults {
		if other.info.Name == newName && other.info.ID != v.info.ID {
			return fmt.Errorf("vault: vault named %q already exists", newName)
		}
	}
	v.mu.Lock()
	v.info.Name = newName
	v.mu.Unlock()
	return m.saveVaults()
}

// UnlockAll attempts to unlock every known vault with the same password,
// per spec.md §4.9's `*_all` bulk variants, returning the first error
// encountered (vaults before it are left unlocked).
func (m *Manager) UnlockAll(password string) error {
	m.mu.RLock()
	vaults := make([]*Vault, 0, len(m.vaults))
	for _, v := range m.vaults {
		vaults = append(vaults, v)
	}
	m.mu.RUnlock()

	for _, v := range vaults {
		if err := v.Unlock(password); err != nil {
			return fmt.Errorf("vault: unlock %s: %w", v.info.Name, err)
		}
	}
	return nil
}

// LockAll locks every known vault.
func (m *Manager) LockAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.vaults {
		v.Lock()
	}
}

// ChangePasswordAll rewraps every known vault, locked or unlocked, from oldPassword to
// newPassword, stopping (and reporting) at the first vault that fails.
func (m *Manager) ChangePasswordAll(oldPassword, newPassword string) error {
	m.mu.RLock()
	vaults := make([]*Vault, 0, len(m.vaults))
	for _, v := range m.vaults {
		vaults = append(vaults, v)
	}
	m.mu.RUnlock()

	for _, v := range vaults {
		if err := v.ChangePassword(oldPassword, newPassword); err != nil {
			return fmt.Errorf("vault: change password on %s: %w", v.info.Name, err)
		}
	}
	return nil
}

// Helper functions, kept from the teacher's sanitizeID/generateShortID.

func sanitizeID(s string) string {
	result := make([]byte, 0, len(s))
	for _, c := range []byte(s) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
			result = append(result, c)
		case c >= 'A' && c <= 'Z':
			result = append(result, c+32)
		case c == ' ' || c == '_':
			result = append(result, '-')
		}
	}
	return string(result)
}

func generateShortID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano()%10000)
}
