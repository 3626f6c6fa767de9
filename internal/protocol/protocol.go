// Package protocol defines the wire messages peers exchange while syncing
// and the length-prefixed framing they're sent over. Grounded on the
// teacher's internal/sync/sync.go (Message/MessageType, length-prefix
// framing in p2p.go's writeMessage/readMessage) and internal/sync/p2p.go's
// shouldSendState tie-break, generalized from the teacher's
// hash-compare-then-send-full-state protocol into spec.md §4.4's
// handshake + per-entity delta-batch protocol.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/privstack/core/internal/event"
	"github.com/privstack/core/internal/ids"
)

// CurrentVersion is the protocol version this build speaks. HelloAck
// rejects a Hello that names a different version.
const CurrentVersion uint32 = 1

// MaxMessageSize is the hard framing ceiling (spec.md §4.4): a length
// prefix claiming more than this is a protocol violation, not merely a
// large message, and the connection is closed.
const MaxMessageSize = 16 * 1024 * 1024

// MaxBatchEvents bounds how many events one EventBatch may carry; larger
// deltas are split into multiple batches (the last one sets IsFinal).
const MaxBatchEvents = 100

// Reserved error codes (spec.md §4.4).
const (
	ErrCodeVersionMismatch = 1
	ErrCodeUnknownEntity   = 2
	ErrCodeInternal        = 99
)

// MessageType tags the variant carried by a Message's Body.
type MessageType string

const (
	MsgHello        MessageType = "hello"
	MsgHelloAck     MessageType = "hello_ack"
	MsgSyncRequest  MessageType = "sync_request"
	MsgSyncState    MessageType = "sync_state"
	MsgEventBatch   MessageType = "event_batch"
	MsgEventAck     MessageType = "event_ack"
	MsgSubscribe    MessageType = "subscribe"
	MsgEventNotify  MessageType = "event_notify"
	MsgPing         MessageType = "ping"
	MsgPong         MessageType = "pong"
	MsgError        MessageType = "error"

	// Pairing messages (internal/pairing) ride the same transport and
	// framing as the entity-sync messages above but are dispatched to a
	// separate handler — see Config.PairingHandler in internal/engine —
	// since trust negotiation (spec.md §4.7) is a distinct concern from
	// per-entity delta sync (spec.md §4.5), ported from the teacher's
	// original_source PairingMessage enum (Announce/PairRequest/
	// PairAccept/PairReject).
	MsgPairAnnounce MessageType = "pair_announce"
	MsgPairRequest  MessageType = "pair_request"
	MsgPairAccept   MessageType = "pair_accept"
	MsgPairReject   MessageType = "pair_reject"
)

// Message is one frame on the wire: a typed envelope around one of the
// payload structs below, serialized as JSON. Keeping Type alongside a
// json.RawMessage body (rather than a tagged union of pointer fields, as
// the teacher's single-purpose Message does) lets the message set grow
// without every variant adding a field to every Message literal.
type Message struct {
	Type MessageType     `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Encode marshals v as a Message of the given type.
func Encode(t MessageType, v any) (Message, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("protocol: encode %s: %w", t, err)
	}
	return Message{Type: t, Body: body}, nil
}

// Decode unmarshals m.Body into v; v must match m.Type's payload struct.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Body, v)
}

// HelloPayload is the handshake opener: advertises the entities the
// initiator is willing to sync and its device identity.
type HelloPayload struct {
	Version    uint32         `json:"version"`
	PeerID     ids.PeerId     `json:"peer_id"`
	DeviceName string         `json:"device_name"`
	DeviceID   string         `json:"device_id,omitempty"`
	EntityIDs  []ids.EntityId `json:"entity_ids"`
}

// HelloAckPayload accepts or rejects a Hello.
type HelloAckPayload struct {
	Version    uint32     `json:"version"`
	PeerID     ids.PeerId `json:"peer_id"`
	DeviceName string     `json:"device_name"`
	Accepted   bool       `json:"accepted"`
	Reason     string     `json:"reason,omitempty"`
}

// SyncRequestPayload asks the peer for a reverse delta: events for the
// named entities that the requester doesn't already have.
type SyncRequestPayload struct {
	EntityIDs     []ids.EntityId            `json:"entity_ids"`
	KnownEventIDs map[ids.EntityId][]string `json:"known_event_ids"`
}

// SyncStatePayload summarizes what the responder has, so the initiator can
// compute which events it needs to push without the responder first
// enumerating every event id it's missing.
type SyncStatePayload struct {
	Clocks        map[ids.EntityId]map[ids.PeerId]uint64 `json:"clocks"` // per-entity vector clock, peer -> counter
	EventCounts   map[ids.EntityId]int                    `json:"event_counts"`
	KnownEventIDs map[ids.EntityId][]string               `json:"known_event_ids"`
}

// EventBatchPayload is one chunk of a delta for a single entity. Len(Events)
// is capped at MaxBatchEvents; IsFinal marks the last chunk of the delta.
type EventBatchPayload struct {
	EntityID ids.EntityId  `json:"entity_id"`
	Events   []event.Event `json:"events"`
	IsFinal  bool          `json:"is_final"`
	BatchSeq int           `json:"batch_seq"`
}

// EventAckPayload acknowledges a received batch, optionally piggy-backing
// a reverse delta (events the acker has that the sender was missing) so a
// single round trip can reconcile both directions for an entity.
type EventAckPayload struct {
	EntityID      ids.EntityId  `json:"entity_id"`
	BatchSeq      int           `json:"batch_seq"`
	ReceivedCount int           `json:"received_count"`
	Events        []event.Event `json:"events,omitempty"`
}

// SubscribePayload registers interest in live EventNotify pushes for the
// named entities (e.g. ones visible via a team grant but not yet synced).
type SubscribePayload struct {
	EntityIDs []ids.EntityId `json:"entity_ids"`
}

// EventNotifyPayload pushes a single event as it's produced, outside of a
// batch sync — used once two peers are Idle and just exchanging live edits.
type EventNotifyPayload struct {
	Event event.Event `json:"event"`
}

// PingPayload/PongPayload carry an opaque nonce for keepalive/RTT
// measurement; the responder must echo Nonce unchanged.
type PingPayload struct {
	Nonce uint64 `json:"nonce"`
}
type PongPayload struct {
	Nonce uint64 `json:"nonce"`
}

// PairAnnouncePayload is broadcast into a sync code's DHT rendezvous
// namespace so peers sharing the code can find each other without either
// side initiating a direct connection first.
type PairAnnouncePayload struct {
	PeerID     ids.PeerId `json:"peer_id"`
	DeviceName string     `json:"device_name"`
	Addresses  []string   `json:"addresses"`
}

// PairRequestPayload asks a discovered peer to approve pairing.
type PairRequestPayload struct {
	PeerID     ids.PeerId `json:"peer_id"`
	DeviceName string     `json:"device_name"`
}

// PairAcceptPayload approves a PairRequest, making the sender trusted from
// the recipient's perspective.
type PairAcceptPayload struct {
	PeerID     ids.PeerId `json:"peer_id"`
	DeviceName string     `json:"device_name"`
}

// PairRejectPayload declines a PairRequest.
type PairRejectPayload struct {
	PeerID ids.PeerId `json:"peer_id"`
	Reason string     `json:"reason,omitempty"`
}

// ErrorPayload is a terminal or recoverable protocol error.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// WriteMessage frames m as a 4-byte big-endian length prefix followed by
// its JSON encoding.
func WriteMessage(w io.Writer, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("protocol: marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("protocol: message of %d bytes exceeds %d byte ceiling", len(data), MaxMessageSize)
	}
	var lengthPrefix [4]byte
	binary.BigEndian.PutUint32(lengthPrefix[:], uint32(len(data)))
	if _, err := w.Write(lengthPrefix[:]); err != nil {
		return fmt.Errorf("protocol: write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("protocol: write message body: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed frame from r. A length prefix over
// MaxMessageSize is a protocol violation, not merely a large message —
// the caller should close the connection rather than retry.
func ReadMessage(r io.Reader) (Message, error) {
	var lengthPrefix [4]byte
	if _, err := io.ReadFull(r, lengthPrefix[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lengthPrefix[:])
	if length > MaxMessageSize {
		return Message{}, fmt.Errorf("protocol: frame of %d bytes exceeds %d byte ceiling", length, MaxMessageSize)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return Message{}, fmt.Errorf("protocol: read message body: %w", err)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("protocol: decode message: %w", err)
	}
	return m, nil
}

// NewError builds an Error message with the given reserved code.
func NewError(code int, message string) Message {
	msg, _ := Encode(MsgError, ErrorPayload{Code: code, Message: message})
	return msg
}
