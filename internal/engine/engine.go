package engine

import (
	"context"
	"encoding/json"
	"fmt"
	gosync "sync"
	"time"

	"github.com/privstack/core/internal/acl"
	"github.com/privstack/core/internal/applicator"
	"github.com/privstack/core/internal/envelope"
	"github.com/privstack/core/internal/event"
	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/protocol"
	"github.com/privstack/core/internal/storage"
	"github.com/privstack/core/internal/transport"
)

// Logger is the minimal logging seam this package needs, matching
// internal/transport's Logger so both can share one adapter.
type Logger interface {
	Printf(format string, v ...interface{})
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...interface{}) {}

// maxFutureSkew bounds how far ahead of local wall time an incoming
// event's timestamp may be before it's treated as bogus (spec.md §4.5:
// "reject if > now + 5 min").
const maxFutureSkew = 5 * time.Minute

// PairingHandler is the subset of internal/pairing.Handler that Engine
// delegates non-entity-sync messages to — kept as an interface so this
// package doesn't import internal/pairing directly (pairing is a sibling
// concern layered over the same transport, not a dependency of sync
// itself).
type PairingHandler interface {
	HandleMessage(peer ids.PeerId, msg protocol.Message) (reply protocol.Message, handled bool, err error)
}

// Config wires an Engine to its collaborators. All fields are required
// except Logger, Timeouts, Clock and PairingHandler, which default
// (Clock to a fresh ids.NewHLC, PairingHandler to none) if zero.
type Config struct {
	LocalPeerID    ids.PeerId
	DeviceName     string
	Transport      transport.SyncTransport
	Store          *storage.DB
	Applicator     *applicator.Applicator
	Policy         *acl.Policy
	Encryptor      envelope.DataEncryptor
	Clock          *ids.HLC
	Logger         Logger
	Timeouts       Timeouts
	PairingHandler PairingHandler
}

// Engine is the sync orchestrator: it drives inbound requests off a
// SyncTransport and exposes SyncWith to initiate an outbound session with
// a peer, both following the state machine spec.md §4.5 names. Grounded on
// internal/sync/p2p.go's SyncWith/handleStream flow and
// original_source/core/privstack-sync/src/state.rs's SyncState bookkeeping
// (internal/engine/state.go), generalized to the full handshake + per-
// entity delta-batch protocol of internal/protocol instead of the
// teacher's single hash-compare-and-push message.
type Engine struct {
	cfg       Config
	syncState *SyncState
	logger    Logger

	mu       gosync.Mutex
	sessions map[ids.PeerId]*PeerSession
	// pendingKnown records, per (peer, entity), the known_event_ids a peer
	// sent us in its SyncRequest — consulted when that peer's EventBatch
	// arrives so EventAck can piggy-back the reverse delta it's missing,
	// per spec.md §4.4's EventAck.events field.
	pendingKnown map[ids.PeerId]map[ids.EntityId][]string
	// subscribers records which peers asked (via Subscribe) to be pushed
	// EventNotify for which entities, independent of the ad-hoc delta sync
	// SyncWith drives.
	subscribers map[ids.PeerId]map[ids.EntityId]struct{}

	bus *NotificationBus
}

// New creates an Engine. Timeouts default to DefaultTimeouts if zero.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.Timeouts == (Timeouts{}) {
		cfg.Timeouts = DefaultTimeouts()
	}
	if cfg.Clock == nil {
		cfg.Clock = ids.NewHLC()
	}
	return &Engine{
		cfg:          cfg,
		syncState:    NewSyncState(cfg.LocalPeerID),
		logger:       cfg.Logger,
		sessions:     make(map[ids.PeerId]*PeerSession),
		pendingKnown: make(map[ids.PeerId]map[ids.EntityId][]string),
		subscribers:  make(map[ids.PeerId]map[ids.EntityId]struct{}),
		bus:          NewNotificationBus(),
	}
}

func (e *Engine) SyncState() *SyncState { return e.syncState }

// Subscribe registers a local listener for applied-event notifications
// (a CLI or UI layer built on this engine uses this; it is distinct from
// the wire-level Subscribe/EventNotify exchange with remote peers below).
func (e *Engine) Subscribe() Subscription { return e.bus.Subscribe() }

func (e *Engine) session(peer ids.PeerId) *PeerSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[peer]
	if !ok {
		s = NewPeerSession(peer)
		e.sessions[peer] = s
	}
	return s
}

// Serve drains inbound requests off the transport until ctx is cancelled
// or the transport stops, dispatching each to its own goroutine so a slow
// peer can't stall others (mirrors internal/sync/p2p.go's per-stream
// handler goroutine).
func (e *Engine) Serve(ctx context.Context) error {
	for {
		peer, msg, token, ok := e.cfg.Transport.RecvRequest(ctx)
		if !ok {
			return ctx.Err()
		}
		go e.handleInbound(peer, msg, token)
	}
}

func (e *Engine) handleInbound(peer ids.PeerId, msg protocol.Message, token transport.ResponseToken) {
	var reply protocol.Message
	var err error

	switch msg.Type {
	case protocol.MsgHello:
		reply, err = e.handleHello(peer, msg)
	case protocol.MsgSyncRequest:
		reply, err = e.handleSyncRequest(peer, msg)
	case protocol.MsgEventBatch:
		reply, err = e.handleEventBatch(peer, msg)
	case protocol.MsgSubscribe:
		reply, err = e.handleSubscribe(peer, msg)
	case protocol.MsgEventNotify:
		reply, err = e.handleEventNotify(peer, msg)
	case protocol.MsgPing:
		reply, err = e.handlePing(msg)
	default:
		if e.cfg.PairingHandler != nil {
			var handled bool
			reply, handled, err = e.cfg.PairingHandler.HandleMessage(peer, msg)
			if !handled {
				reply = protocol.NewError(protocol.ErrCodeInternal, fmt.Sprintf("unhandled message type %s", msg.Type))
			}
		} else {
			reply = protocol.NewError(protocol.ErrCodeInternal, fmt.Sprintf("unhandled message type %s", msg.Type))
		}
	}
	if err != nil {
		e.logger.Printf("engine: handling %s from %s: %v", msg.Type, peer, err)
		reply = protocol.NewError(protocol.ErrCodeInternal, err.Error())
	}
	if sendErr := e.cfg.Transport.SendResponse(token, reply); sendErr != nil {
		e.logger.Printf("engine: send response to %s: %v", peer, sendErr)
	}
}

func (e *Engine) handleHello(peer ids.PeerId, msg protocol.Message) (protocol.Message, error) {
	var hello protocol.HelloPayload
	if err := msg.Decode(&hello); err != nil {
		return protocol.Message{}, fmt.Errorf("decode hello: %w", err)
	}

	session := e.session(peer)
	_ = session.transition(StateConnecting)
	_ = session.transition(StateHandshaking)

	if hello.Version != protocol.CurrentVersion {
		session.close("version mismatch")
		ack, _ := protocol.Encode(protocol.MsgHelloAck, protocol.HelloAckPayload{
			Version: protocol.CurrentVersion, PeerID: e.cfg.LocalPeerID, DeviceName: e.cfg.DeviceName,
			Accepted: false, Reason: "version mismatch",
		})
		return ack, nil
	}

	_ = session.transition(StateIdle)
	return protocol.Encode(protocol.MsgHelloAck, protocol.HelloAckPayload{
		Version: protocol.CurrentVersion, PeerID: e.cfg.LocalPeerID, DeviceName: e.cfg.DeviceName, Accepted: true,
	})
}

func (e *Engine) handleSyncRequest(peer ids.PeerId, msg protocol.Message) (protocol.Message, error) {
	var req protocol.SyncRequestPayload
	if err := msg.Decode(&req); err != nil {
		return protocol.Message{}, fmt.Errorf("decode sync_request: %w", err)
	}

	e.mu.Lock()
	if e.pendingKnown[peer] == nil {
		e.pendingKnown[peer] = make(map[ids.EntityId][]string)
	}
	for _, entityID := range req.EntityIDs {
		e.pendingKnown[peer][entityID] = req.KnownEventIDs[entityID]
	}
	e.mu.Unlock()

	state := protocol.SyncStatePayload{
		Clocks:        make(map[ids.EntityId]map[ids.PeerId]uint64),
		EventCounts:   make(map[ids.EntityId]int),
		KnownEventIDs: make(map[ids.EntityId][]string),
	}
	for _, entityID := range req.EntityIDs {
		events, err := e.cfg.Store.Events.EventsForEntity(entityID)
		if err != nil {
			return protocol.Message{}, fmt.Errorf("events for entity %s: %w", entityID, err)
		}
		eventIDs := make([]string, 0, len(events))
		perAuthor := make(map[ids.PeerId]uint64, len(events))
		for _, ev := range events {
			eventIDs = append(eventIDs, ev.ID.String())
			perAuthor[ev.Author]++
		}
		state.KnownEventIDs[entityID] = eventIDs
		state.EventCounts[entityID] = len(eventIDs)
		state.Clocks[entityID] = perAuthor
	}
	return protocol.Encode(protocol.MsgSyncState, state)
}

func (e *Engine) handleEventBatch(peer ids.PeerId, msg protocol.Message) (protocol.Message, error) {
	var batch protocol.EventBatchPayload
	if err := msg.Decode(&batch); err != nil {
		return protocol.Message{}, fmt.Errorf("decode event_batch: %w", err)
	}

	session := e.session(peer)
	_ = session.transition(StateSyncingIn)
	if batch.IsFinal {
		defer func() { _ = session.transition(StateIdle) }()
	}

	for _, ev := range batch.Events {
		if !acl.IsAclEvent(ev.Kind) && !e.cfg.Policy.CanWrite(batch.EntityID, ev.Author) {
			return protocol.NewError(protocol.ErrCodeInternal, acl.DeniedEventBatch(batch.EntityID, ev.Author).Error()), nil
		}
	}

	received := 0
	for _, ev := range batch.Events {
		if ok, err := e.cfg.Store.Events.Has(ev.ID); err == nil && ok {
			continue // already applied, at-least-once delivery is expected
		}
		if ev.Timestamp.WallTime > time.Now().Add(maxFutureSkew).UnixMilli() {
			e.logger.Printf("engine: dropping event %s from %s: timestamp too far in the future", ev.ID, ev.Author)
			continue
		}
		if err := e.applyAndRecord(ev); err != nil {
			e.logger.Printf("engine: apply event %s: %v", ev.ID, err)
			continue
		}
		received++
	}

	ack := protocol.EventAckPayload{EntityID: batch.EntityID, BatchSeq: batch.BatchSeq, ReceivedCount: received}
	if batch.IsFinal {
		ack.Events = e.reverseDelta(peer, batch.EntityID)
	}
	return protocol.Encode(protocol.MsgEventAck, ack)
}

// handleSubscribe registers peer's interest in live pushes for the named
// entities. Acknowledged by echoing the same payload back, since spec.md
// §4.4 doesn't name a dedicated SubscribeAck message and every request
// this transport sends needs a reply.
func (e *Engine) handleSubscribe(peer ids.PeerId, msg protocol.Message) (protocol.Message, error) {
	var sub protocol.SubscribePayload
	if err := msg.Decode(&sub); err != nil {
		return protocol.Message{}, fmt.Errorf("decode subscribe: %w", err)
	}

	e.mu.Lock()
	if e.subscribers[peer] == nil {
		e.subscribers[peer] = make(map[ids.EntityId]struct{})
	}
	for _, entityID := range sub.EntityIDs {
		e.subscribers[peer][entityID] = struct{}{}
	}
	e.mu.Unlock()

	return protocol.Encode(protocol.MsgSubscribe, sub)
}

// handleEventNotify applies a single pushed event outside of a batch sync
// (two Idle peers exchanging live edits), subject to the same ACL/
// timestamp checks a batch event gets.
func (e *Engine) handleEventNotify(peer ids.PeerId, msg protocol.Message) (protocol.Message, error) {
	var notify protocol.EventNotifyPayload
	if err := msg.Decode(&notify); err != nil {
		return protocol.Message{}, fmt.Errorf("decode event_notify: %w", err)
	}
	ev := notify.Event

	if !acl.IsAclEvent(ev.Kind) && !e.cfg.Policy.CanWrite(ev.EntityID, ev.Author) {
		return protocol.NewError(protocol.ErrCodeInternal, acl.DeniedEventBatch(ev.EntityID, ev.Author).Error()), nil
	}
	if ok, err := e.cfg.Store.Events.Has(ev.ID); err == nil && ok {
		return protocol.Encode(protocol.MsgEventNotify, notify)
	}
	if ev.Timestamp.WallTime > time.Now().Add(maxFutureSkew).UnixMilli() {
		return protocol.NewError(protocol.ErrCodeInternal, "event timestamp too far in the future"), nil
	}
	if err := e.applyAndRecord(ev); err != nil {
		return protocol.Message{}, err
	}
	return protocol.Encode(protocol.MsgEventNotify, notify)
}

// NotifySubscribers pushes ev to every peer that subscribed to
// ev.EntityID, fire-and-forget: duplicate or rejected delivery is
// harmless since the applicator is idempotent and at-least-once is the
// documented delivery guarantee.
func (e *Engine) NotifySubscribers(ctx context.Context, ev event.Event) {
	e.mu.Lock()
	var peers []ids.PeerId
	for peer, entities := range e.subscribers {
		if _, ok := entities[ev.EntityID]; ok {
			peers = append(peers, peer)
		}
	}
	e.mu.Unlock()

	notify, _ := protocol.Encode(protocol.MsgEventNotify, protocol.EventNotifyPayload{Event: ev})
	for _, peer := range peers {
		go func(peer ids.PeerId) {
			if _, err := e.cfg.Transport.SendRequest(ctx, peer, notify); err != nil {
				e.logger.Printf("engine: notify %s of event %s: %v", peer, ev.ID, err)
			}
		}(peer)
	}
}

func (e *Engine) handlePing(msg protocol.Message) (protocol.Message, error) {
	var ping protocol.PingPayload
	if err := msg.Decode(&ping); err != nil {
		return protocol.Message{}, fmt.Errorf("decode ping: %w", err)
	}
	return protocol.Encode(protocol.MsgPong, protocol.PongPayload{Nonce: ping.Nonce})
}

// reverseDelta returns the events for entityID that peer doesn't have,
// per the known_event_ids it sent in its most recent SyncRequest.
func (e *Engine) reverseDelta(peer ids.PeerId, entityID ids.EntityId) []event.Event {
	e.mu.Lock()
	known := e.pendingKnown[peer][entityID]
	e.mu.Unlock()

	local, err := e.cfg.Store.Events.EventsForEntity(entityID)
	if err != nil {
		e.logger.Printf("engine: reverse delta for %s: %v", entityID, err)
		return nil
	}
	missing := ComputeMissing(local, StringSet(known))
	if len(missing) > protocol.MaxBatchEvents {
		missing = missing[:protocol.MaxBatchEvents]
	}
	return missing
}

// applyAndRecord decrypts (if needed), projects, and logs one event,
// dispatching ACL/team events to the policy and everything else to the
// applicator, then records it in the delta tracker.
func (e *Engine) applyAndRecord(ev event.Event) error {
	if acl.IsAclEvent(ev.Kind) {
		if err := e.cfg.Policy.Apply(ev); err != nil {
			return err
		}
	} else {
		body, err := e.decryptedBody(ev)
		if err != nil {
			return err
		}
		if err := e.cfg.Applicator.Apply(ev, body); err != nil {
			return err
		}
	}
	if err := e.cfg.Store.Events.Append(ev); err != nil {
		return err
	}
	e.syncState.RecordEvent(ev.EntityID, ev)
	if changeType, ok := changeTypeFor(ev.Kind); ok {
		e.bus.Publish(Notification{Type: changeType, EntityID: ev.EntityID, Timestamp: time.UnixMilli(ev.Timestamp.WallTime)})
	}
	return nil
}

func changeTypeFor(kind event.Kind) (ChangeType, bool) {
	switch kind {
	case event.KindEntityCreated:
		return ChangeCreated, true
	case event.KindEntityUpdated, event.KindFullSnapshot:
		return ChangeUpdated, true
	case event.KindEntityDeleted:
		return ChangeDeleted, true
	default:
		return "", false
	}
}

// decryptedBody extracts and decrypts the encrypted body carried by ev's
// payload, for the event kinds that carry one; kinds with no body (delete)
// return nil.
func (e *Engine) decryptedBody(ev event.Event) (json.RawMessage, error) {
	var encrypted []byte
	switch ev.Kind {
	case event.KindEntityCreated:
		var p event.EntityCreatedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, err
		}
		encrypted = p.EncryptedBody
	case event.KindEntityUpdated:
		var p event.EntityUpdatedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, err
		}
		encrypted = p.EncryptedBody
	case event.KindFullSnapshot:
		var p event.FullSnapshotPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, err
		}
		encrypted = p.EncryptedBody
	default:
		return nil, nil
	}
	return e.cfg.Encryptor.DecryptBytes(encrypted)
}

// SyncWith drives a full outbound session with peer over entityIDs:
// Connecting -> Handshaking -> Idle -> SyncingOut -> Idle, per spec.md
// §4.5. It returns once every entity's delta has been pushed and
// acknowledged (including any reverse delta the peer piggy-backed).
func (e *Engine) SyncWith(ctx context.Context, peer ids.PeerId, entityIDs []ids.EntityId) error {
	session := e.session(peer)
	if err := session.transition(StateConnecting); err != nil {
		return err
	}
	if err := session.transition(StateHandshaking); err != nil {
		return err
	}

	hsCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeouts.Handshake)
	defer cancel()

	hello, _ := protocol.Encode(protocol.MsgHello, protocol.HelloPayload{
		Version: protocol.CurrentVersion, PeerID: e.cfg.LocalPeerID, DeviceName: e.cfg.DeviceName, EntityIDs: entityIDs,
	})
	ackMsg, err := e.cfg.Transport.SendRequest(hsCtx, peer, hello)
	if err != nil {
		session.close(err.Error())
		return fmt.Errorf("engine: hello to %s: %w", peer, err)
	}
	var ack protocol.HelloAckPayload
	if err := ackMsg.Decode(&ack); err != nil {
		session.close("malformed hello_ack")
		return fmt.Errorf("engine: decode hello_ack from %s: %w", peer, err)
	}
	if !ack.Accepted {
		session.close(ack.Reason)
		return fmt.Errorf("engine: %s rejected handshake: %s", peer, ack.Reason)
	}

	if err := session.transition(StateIdle); err != nil {
		return err
	}

	known := make(map[ids.EntityId][]string, len(entityIDs))
	for _, entityID := range entityIDs {
		known[entityID] = e.syncState.KnownEventIDs(entityID)
	}
	syncReq, _ := protocol.Encode(protocol.MsgSyncRequest, protocol.SyncRequestPayload{EntityIDs: entityIDs, KnownEventIDs: known})
	stateMsg, err := e.cfg.Transport.SendRequest(ctx, peer, syncReq)
	if err != nil {
		session.close(err.Error())
		return fmt.Errorf("engine: sync_request to %s: %w", peer, err)
	}
	var peerState protocol.SyncStatePayload
	if err := stateMsg.Decode(&peerState); err != nil {
		session.close("malformed sync_state")
		return fmt.Errorf("engine: decode sync_state from %s: %w", peer, err)
	}

	if err := session.transition(StateSyncingOut); err != nil {
		return err
	}
	for _, entityID := range entityIDs {
		if err := e.pushEntity(ctx, peer, entityID, peerState.KnownEventIDs[entityID]); err != nil {
			session.close(err.Error())
			return err
		}
	}
	return session.transition(StateIdle)
}

// pushEntity sends every local event for entityID that peer doesn't have,
// chunked at protocol.MaxBatchEvents, applying any reverse delta the peer
// returns in its EventAck.
func (e *Engine) pushEntity(ctx context.Context, peer ids.PeerId, entityID ids.EntityId, peerKnown []string) error {
	local, err := e.cfg.Store.Events.EventsForEntity(entityID)
	if err != nil {
		return fmt.Errorf("events for entity %s: %w", entityID, err)
	}
	missing := ComputeMissing(local, StringSet(peerKnown))

	batchCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeouts.BatchAck)
	defer cancel()

	start, seq := 0, 0
	for {
		end := start + protocol.MaxBatchEvents
		if end > len(missing) {
			end = len(missing)
		}
		chunk := missing[start:end]
		isFinal := end >= len(missing)

		batch, _ := protocol.Encode(protocol.MsgEventBatch, protocol.EventBatchPayload{
			EntityID: entityID, Events: chunk, IsFinal: isFinal, BatchSeq: seq,
		})
		replyMsg, err := e.cfg.Transport.SendRequest(batchCtx, peer, batch)
		if err != nil {
			return fmt.Errorf("engine: event_batch to %s: %w", peer, err)
		}
		var ack protocol.EventAckPayload
		if err := replyMsg.Decode(&ack); err != nil {
			return fmt.Errorf("engine: decode event_ack from %s: %w", peer, err)
		}
		for _, ev := range ack.Events {
			if ok, err := e.cfg.Store.Events.Has(ev.ID); err == nil && ok {
				continue
			}
			if err := e.applyAndRecord(ev); err != nil {
				e.logger.Printf("engine: apply reverse-delta event %s: %v", ev.ID, err)
			}
		}
		seq++
		start = end
		if isFinal {
			return nil
		}
	}
}
