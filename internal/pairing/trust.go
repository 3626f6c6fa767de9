package pairing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/privstack/core/internal/ids"
)

// Status is a discovered peer's position in the approval flow spec.md
// §4.7 names: discovery alone is never enough to trust a peer.
type Status string

const (
	StatusPendingLocalApproval  Status = "pending_local_approval"
	StatusPendingRemoteApproval Status = "pending_remote_approval"
	StatusRejected              Status = "rejected"
)

// DiscoveredPeer is a candidate found via DHT rendezvous or mDNS under the
// current sync code, not yet trusted.
type DiscoveredPeer struct {
	PeerID       ids.PeerId
	DeviceName   string
	DiscoveredAt time.Time
	Status       Status
	Addresses    []string
}

// TrustedPeer has completed mutual approval; the engine treats it as a
// standing sync partner that reconnects automatically.
type TrustedPeer struct {
	PeerID     ids.PeerId
	DeviceName string
	ApprovedAt time.Time
	LastSynced *time.Time
	Addresses  []string
}

func trustedFromDiscovered(p DiscoveredPeer) TrustedPeer {
	return TrustedPeer{PeerID: p.PeerID, DeviceName: p.DeviceName, ApprovedAt: time.Now(), Addresses: p.Addresses}
}

// MarkSynced records the current time as this peer's last successful sync.
func (t *TrustedPeer) MarkSynced() {
	now := time.Now()
	t.LastSynced = &now
}

// trustFile is the on-disk persistence shape — only trusted peers persist;
// discovered peers and the current sync code are session state, matching
// the original PairingManager's distinction between persisted and
// in-memory fields.
type trustFile struct {
	Peers []TrustedPeer `json:"peers"`
}

// Manager holds pairing state: the active sync code (if any), peers
// discovered under it, and the persisted set of trusted peers. Grounded on
// original_source's PairingManager, restructured as a mutex-guarded struct
// with disk persistence (the Rust type was plain in-memory state
// serialized by its caller; internal/sync/allowlist.go is this module's
// analogue of "a peer set that owns its own file").
type Manager struct {
	mu   gosync.RWMutex
	path string

	currentCode *SyncCode
	discovered  map[ids.PeerId]DiscoveredPeer
	trusted     map[ids.PeerId]TrustedPeer
}

// NewManager creates a Manager backed by trust.json under dataDir, loading
// any previously trusted peers.
func NewManager(dataDir string) (*Manager, error) {
	m := &Manager{
		path:       filepath.Join(dataDir, "trust.json"),
		discovered: make(map[ids.PeerId]DiscoveredPeer),
		trusted:    make(map[ids.PeerId]TrustedPeer),
	}
	if err := m.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return m, nil
}

// SetSyncCode activates code, clearing any peers discovered under a
// previous code (trusted peers are unaffected).
func (m *Manager) SetSyncCode(code SyncCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentCode = &code
	m.discovered = make(map[ids.PeerId]DiscoveredPeer)
}

// CurrentCode returns the active sync code, if one has been set.
func (m *Manager) CurrentCode() (SyncCode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.currentCode == nil {
		return SyncCode{}, false
	}
	return *m.currentCode, true
}

// ClearSyncCode deactivates the current code and drops discovered peers.
func (m *Manager) ClearSyncCode() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentCode = nil
	m.discovered = make(map[ids.PeerId]DiscoveredPeer)
}

// AddDiscoveredPeer records a candidate found under the current code. A
// peer already trusted is never re-added as merely discovered.
func (m *Manager) AddDiscoveredPeer(p DiscoveredPeer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trusted[p.PeerID]; ok {
		return
	}
	m.discovered[p.PeerID] = p
}

// DiscoveredPeers lists every peer awaiting a trust decision.
func (m *Manager) DiscoveredPeers() []DiscoveredPeer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DiscoveredPeer, 0, len(m.discovered))
	for _, p := range m.discovered {
		out = append(out, p)
	}
	return out
}

func (m *Manager) GetDiscoveredPeer(peerID ids.PeerId) (DiscoveredPeer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.discovered[peerID]
	return p, ok
}

// ApprovePeer promotes a discovered peer to trusted and persists the
// change; it is the only path by which a peer enters the trusted set.
func (m *Manager) ApprovePeer(peerID ids.PeerId) (TrustedPeer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.discovered[peerID]
	if !ok {
		return TrustedPeer{}, fmt.Errorf("pairing: no discovered peer %s to approve", peerID)
	}
	trusted := trustedFromDiscovered(p)
	m.trusted[peerID] = trusted
	delete(m.discovered, peerID)
	if err := m.save(); err != nil {
		return TrustedPeer{}, err
	}
	return trusted, nil
}

// RejectPeer marks a discovered peer rejected without trusting it. It
// stays in the discovered set (at Rejected status) rather than being
// removed outright, so the UI can show why a peer isn't syncing instead of
// silently forgetting it was ever seen.
func (m *Manager) RejectPeer(peerID ids.PeerId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.discovered[peerID]; ok {
		p.Status = StatusRejected
		m.discovered[peerID] = p
	}
}

func (m *Manager) RemoveDiscoveredPeer(peerID ids.PeerId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.discovered, peerID)
}

func (m *Manager) TrustedPeers() []TrustedPeer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TrustedPeer, 0, len(m.trusted))
	for _, p := range m.trusted {
		out = append(out, p)
	}
	return out
}

func (m *Manager) GetTrustedPeer(peerID ids.PeerId) (TrustedPeer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.trusted[peerID]
	return p, ok
}

func (m *Manager) IsTrusted(peerID ids.PeerId) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.trusted[peerID]
	return ok
}

// RemoveTrustedPeer revokes trust. spec.md §4.7: revocation is local-only
// — it does not itself touch any replicated ACL grant the peer may hold;
// callers that also want to cut the peer's entity access emit an
// AclRevoked event through internal/acl separately.
func (m *Manager) RemoveTrustedPeer(peerID ids.PeerId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trusted, peerID)
	return m.save()
}

func (m *Manager) UpdatePeerAddresses(peerID ids.PeerId, addresses []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.trusted[peerID]; ok {
		p.Addresses = addresses
		m.trusted[peerID] = p
	}
}

func (m *Manager) MarkPeerSynced(peerID ids.PeerId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.trusted[peerID]; ok {
		p.MarkSynced()
		m.trusted[peerID] = p
	}
}

// UpdateDeviceName updates a trusted or discovered peer's advertised name,
// reporting whether anything changed.
func (m *Manager) UpdateDeviceName(peerID ids.PeerId, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated := false
	if p, ok := m.trusted[peerID]; ok && p.DeviceName != name {
		p.DeviceName = name
		m.trusted[peerID] = p
		updated = true
	}
	if p, ok := m.discovered[peerID]; ok && p.DeviceName != name {
		p.DeviceName = name
		m.discovered[peerID] = p
		updated = true
	}
	return updated
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var file trustFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("pairing: decode trust store: %w", err)
	}
	for _, p := range file.Peers {
		m.trusted[p.PeerID] = p
	}
	return nil
}

// save persists the trusted set via write-then-rename, matching
// internal/blob/store.go's atomic write pattern so a crash mid-write never
// leaves trust.json truncated or half-written.
func (m *Manager) save() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0700); err != nil {
		return fmt.Errorf("pairing: create trust store directory: %w", err)
	}
	file := trustFile{Peers: make([]TrustedPeer, 0, len(m.trusted))}
	for _, p := range m.trusted {
		file.Peers = append(file.Peers, p)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("pairing: encode trust store: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("pairing: write trust store: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("pairing: finalize trust store: %w", err)
	}
	return nil
}
