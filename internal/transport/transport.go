// Package transport defines the SyncTransport seam the engine drives (see
// spec.md §6) and a libp2p implementation of it. Grounded on the teacher's
// internal/sync package: p2p.go's host/stream lifecycle becomes Start/Stop,
// its mDNS wiring becomes the Mdns discovery method, and dht.go's
// DHTDiscovery becomes the Dht discovery method — unified behind one
// interface instead of the teacher's single concrete SyncService so
// internal/engine can run against a fake transport in tests.
package transport

import (
	"context"
	"fmt"

	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/protocol"
)

// DiscoveryMethod names how a peer was found.
type DiscoveryMethod string

const (
	DiscoveryMdns      DiscoveryMethod = "mdns"
	DiscoveryDht       DiscoveryMethod = "dht"
	DiscoveryManual    DiscoveryMethod = "manual"
	DiscoveryCloudRelay DiscoveryMethod = "cloud_relay"
)

// DiscoveredPeer is one candidate found by a SyncTransport's discovery
// mechanisms, before pairing/trust has been established (internal/pairing
// decides whether to act on it).
type DiscoveredPeer struct {
	PeerID     ids.PeerId
	DeviceName string
	Method     DiscoveryMethod
	Addresses  []string
}

// ResponseToken identifies one inbound request awaiting a reply via
// SendResponse; it is opaque to callers, matching spec.md §6's contract.
// The marker method is exported (rather than the usual unexported-method
// sealed-interface idiom) so that test doubles for SyncTransport outside
// this package — internal/engine's in-memory fake, for one — can satisfy
// it too.
type ResponseToken interface{ IsResponseToken() }

// SyncTransport is the interface internal/engine drives to exchange
// protocol.Message frames with peers, independent of the concrete network
// (libp2p today; spec.md §6 permits a CloudStorage-backed relay as an
// alternative transport).
type SyncTransport interface {
	Start(ctx context.Context) error
	Stop() error
	IsRunning() bool

	LocalPeerID() ids.PeerId
	DiscoveredPeers() []DiscoveredPeer

	// SendRequest opens (or reuses) a session to peer, sends msg, and
	// blocks for the peer's reply.
	SendRequest(ctx context.Context, peer ids.PeerId, msg protocol.Message) (protocol.Message, error)

	// RecvRequest blocks for the next inbound request from any peer. It
	// returns ok=false once the transport has been stopped.
	RecvRequest(ctx context.Context) (peer ids.PeerId, msg protocol.Message, token ResponseToken, ok bool)

	// SendResponse replies to the request named by token.
	SendResponse(token ResponseToken, msg protocol.Message) error
}

// ErrNotRunning is returned by operations attempted before Start or after
// Stop.
var ErrNotRunning = fmt.Errorf("transport: not running")

// ErrUnknownPeer is returned by SendRequest when peer has no known address
// (never discovered, or its discovery record expired).
type ErrUnknownPeer struct{ Peer ids.PeerId }

func (e ErrUnknownPeer) Error() string { return fmt.Sprintf("transport: unknown peer %s", e.Peer) }
