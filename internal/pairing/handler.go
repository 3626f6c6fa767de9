package pairing

import (
	"context"
	"fmt"

	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/protocol"
	"github.com/privstack/core/internal/transport"
)

// Logger is the minimal logging seam this package needs, matching
// internal/transport.Logger/internal/engine.Logger so one adapter can
// satisfy all three.
type Logger interface {
	Printf(format string, v ...interface{})
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...interface{}) {}

// Handler drives the pairing handshake (Announce/PairRequest/PairAccept/
// PairReject) over a SyncTransport, independent of internal/engine's
// entity-sync dispatch — trust negotiation (spec.md §4.7) and per-entity
// delta sync (spec.md §4.5) are separate concerns that happen to share one
// wire and one Logger shape. internal/engine.Config.PairingHandler wires
// an instance of this type into Engine.handleInbound's fallback case so
// one RecvRequest loop serves both.
type Handler struct {
	localPeerID ids.PeerId
	deviceName  string
	addresses   []string
	transport   transport.SyncTransport
	manager     *Manager
	logger      Logger
}

// NewHandler creates a Handler that announces itself as deviceName
// reachable at addresses.
func NewHandler(localPeerID ids.PeerId, deviceName string, addresses []string, tr transport.SyncTransport, mgr *Manager, logger Logger) *Handler {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Handler{
		localPeerID: localPeerID, deviceName: deviceName, addresses: addresses,
		transport: tr, manager: mgr, logger: logger,
	}
}

// HandleMessage processes one pairing message, reporting handled=false for
// any message type it doesn't own (the caller should try elsewhere, or
// reply with a protocol error if nothing else owns it either).
func (h *Handler) HandleMessage(peer ids.PeerId, msg protocol.Message) (reply protocol.Message, handled bool, err error) {
	switch msg.Type {
	case protocol.MsgPairAnnounce:
		reply, err = h.handleAnnounce(peer, msg)
	case protocol.MsgPairRequest:
		reply, err = h.handlePairRequest(peer, msg)
	case protocol.MsgPairAccept:
		reply, err = h.handlePairAccept(peer, msg)
	case protocol.MsgPairReject:
		reply, err = h.handlePairReject(peer, msg)
	default:
		return protocol.Message{}, false, nil
	}
	return reply, true, err
}

func (h *Handler) handleAnnounce(peer ids.PeerId, msg protocol.Message) (protocol.Message, error) {
	var announce protocol.PairAnnouncePayload
	if err := msg.Decode(&announce); err != nil {
		return protocol.Message{}, fmt.Errorf("pairing: decode announce: %w", err)
	}
	h.manager.AddDiscoveredPeer(DiscoveredPeer{
		PeerID: announce.PeerID, DeviceName: announce.DeviceName,
		Status: StatusPendingLocalApproval, Addresses: announce.Addresses,
	})
	return protocol.Encode(protocol.MsgPairAnnounce, protocol.PairAnnouncePayload{
		PeerID: h.localPeerID, DeviceName: h.deviceName, Addresses: h.addresses,
	})
}

func (h *Handler) handlePairRequest(peer ids.PeerId, msg protocol.Message) (protocol.Message, error) {
	var req protocol.PairRequestPayload
	if err := msg.Decode(&req); err != nil {
		return protocol.Message{}, fmt.Errorf("pairing: decode pair_request: %w", err)
	}
	h.manager.AddDiscoveredPeer(DiscoveredPeer{
		PeerID: req.PeerID, DeviceName: req.DeviceName, Status: StatusPendingLocalApproval,
	})
	h.logger.Printf("pairing: request from %s (%s); awaiting local approval", req.PeerID, req.DeviceName)
	// Acknowledged, not accepted: approval is a separate, explicit local
	// decision (ApprovePeer), driven by whatever UI surfaces
	// DiscoveredPeers — spec.md §4.7's "both sides must explicitly
	// approve" rules out auto-accepting here.
	return protocol.Encode(protocol.MsgPairRequest, req)
}

func (h *Handler) handlePairAccept(peer ids.PeerId, msg protocol.Message) (protocol.Message, error) {
	var accept protocol.PairAcceptPayload
	if err := msg.Decode(&accept); err != nil {
		return protocol.Message{}, fmt.Errorf("pairing: decode pair_accept: %w", err)
	}
	if _, ok := h.manager.GetDiscoveredPeer(accept.PeerID); !ok {
		h.manager.AddDiscoveredPeer(DiscoveredPeer{
			PeerID: accept.PeerID, DeviceName: accept.DeviceName, Status: StatusPendingLocalApproval,
		})
	}
	if _, err := h.manager.ApprovePeer(accept.PeerID); err != nil {
		return protocol.Message{}, err
	}
	return protocol.Encode(protocol.MsgPairAccept, accept)
}

func (h *Handler) handlePairReject(peer ids.PeerId, msg protocol.Message) (protocol.Message, error) {
	var reject protocol.PairRejectPayload
	if err := msg.Decode(&reject); err != nil {
		return protocol.Message{}, fmt.Errorf("pairing: decode pair_reject: %w", err)
	}
	if _, ok := h.manager.GetDiscoveredPeer(reject.PeerID); !ok {
		h.manager.AddDiscoveredPeer(DiscoveredPeer{PeerID: reject.PeerID, Status: StatusPendingRemoteApproval})
	}
	h.manager.RejectPeer(reject.PeerID)
	return protocol.Encode(protocol.MsgPairReject, reject)
}

// Announce sends this device's peer id, name and addresses to peer.
func (h *Handler) Announce(ctx context.Context, peer ids.PeerId) error {
	msg, _ := protocol.Encode(protocol.MsgPairAnnounce, protocol.PairAnnouncePayload{
		PeerID: h.localPeerID, DeviceName: h.deviceName, Addresses: h.addresses,
	})
	_, err := h.transport.SendRequest(ctx, peer, msg)
	return err
}

// RequestPairing asks a discovered peer to approve pairing with this
// device.
func (h *Handler) RequestPairing(ctx context.Context, peer ids.PeerId) error {
	msg, _ := protocol.Encode(protocol.MsgPairRequest, protocol.PairRequestPayload{
		PeerID: h.localPeerID, DeviceName: h.deviceName,
	})
	_, err := h.transport.SendRequest(ctx, peer, msg)
	return err
}

// ApproveAndNotify approves peer locally (persisting trust) and tells it
// so over the wire, completing the mutual-approval handshake spec.md §4.7
// requires.
func (h *Handler) ApproveAndNotify(ctx context.Context, peer ids.PeerId) error {
	if _, err := h.manager.ApprovePeer(peer); err != nil {
		return err
	}
	msg, _ := protocol.Encode(protocol.MsgPairAccept, protocol.PairAcceptPayload{
		PeerID: h.localPeerID, DeviceName: h.deviceName,
	})
	_, err := h.transport.SendRequest(ctx, peer, msg)
	return err
}

// RejectAndNotify rejects peer locally and informs it of the reason.
func (h *Handler) RejectAndNotify(ctx context.Context, peer ids.PeerId, reason string) error {
	h.manager.RejectPeer(peer)
	msg, _ := protocol.Encode(protocol.MsgPairReject, protocol.PairRejectPayload{PeerID: h.localPeerID, Reason: reason})
	_, err := h.transport.SendRequest(ctx, peer, msg)
	return err
}
