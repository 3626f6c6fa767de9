package engine

import (
	"fmt"
	gosync "sync"
	"time"

	"github.com/privstack/core/internal/ids"
)

// SessionState is one state of the per-peer sync state machine spec.md
// §4.5 names.
type SessionState string

const (
	StateDiscovered  SessionState = "discovered"
	StateConnecting  SessionState = "connecting"
	StateHandshaking SessionState = "handshaking"
	StateIdle        SessionState = "idle"
	StateSyncingOut  SessionState = "syncing_out"
	StateSyncingIn   SessionState = "syncing_in"
	StateClosed      SessionState = "closed"
)

// Timeouts holds the per-phase deadlines spec.md §4.5/§5 names.
type Timeouts struct {
	Handshake     time.Duration
	BatchAck      time.Duration
	KeepaliveSend time.Duration
	KeepaliveRecv time.Duration
}

// DefaultTimeouts matches spec.md exactly: handshake 10s, batch ack 60s,
// keepalive 30s send / 120s receive.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Handshake:     10 * time.Second,
		BatchAck:      60 * time.Second,
		KeepaliveSend: 30 * time.Second,
		KeepaliveRecv: 120 * time.Second,
	}
}

// PeerSession tracks one peer's position in the state machine. The
// orchestrator (Engine) owns one PeerSession per peer it is syncing with;
// the session itself holds no transport reference, just the state and the
// reason it most recently transitioned, so it can be inspected/logged
// independent of the network call driving it.
type PeerSession struct {
	mu           gosync.Mutex
	peer         ids.PeerId
	deviceName   string
	state        SessionState
	closedReason string
	enteredAt    time.Time
}

// NewPeerSession creates a session for peer in its initial Discovered
// state.
func NewPeerSession(peer ids.PeerId) *PeerSession {
	return &PeerSession{peer: peer, state: StateDiscovered, enteredAt: time.Now()}
}

func (s *PeerSession) Peer() ids.PeerId { return s.peer }

func (s *PeerSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transitions enumerates the legal moves spec.md §4.5 names. Any state may
// move to Closed (unrecoverable framing/decode error or transport loss),
// so that edge isn't listed per-state below.
var transitions = map[SessionState]map[SessionState]bool{
	StateDiscovered:  {StateConnecting: true},
	StateConnecting:  {StateHandshaking: true},
	StateHandshaking: {StateIdle: true},
	// Idle -> Connecting models a trusted-peer reconnect/renegotiation on
	// an already-seen PeerSession (spec.md §4.5's "Discovered -> Connecting
	// on ... trusted-peer reconnect" case, generalized since this engine
	// keeps one long-lived PeerSession per peer rather than discarding it
	// after each sync).
	StateIdle:       {StateSyncingOut: true, StateSyncingIn: true, StateConnecting: true},
	StateSyncingOut: {StateIdle: true},
	StateSyncingIn:  {StateIdle: true},
}

// transition moves the session to to, failing if the move isn't legal
// from the current state (Closed is always legal, from any state).
func (s *PeerSession) transition(to SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to == StateClosed || transitions[s.state][to] {
		s.state = to
		s.enteredAt = time.Now()
		return nil
	}
	return fmt.Errorf("engine: illegal transition %s -> %s for peer %s", s.state, to, s.peer)
}

// close moves the session to Closed with reason recorded for diagnostics.
func (s *PeerSession) close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
	s.closedReason = reason
	s.enteredAt = time.Now()
}

func (s *PeerSession) ClosedReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedReason
}
