package pairing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/protocol"
	"github.com/privstack/core/internal/transport"
)

// fakeToken/fakeTransport mirror internal/engine's memTransport test
// double: an in-process transport.SyncTransport so this package's tests
// exercise the handshake without real libp2p sockets.
type fakeToken struct{ reply chan protocol.Message }

func (*fakeToken) IsResponseToken() {}

type inboundFake struct {
	msg protocol.Message
	tok *fakeToken
}

type fakeTransport struct {
	id    ids.PeerId
	inbox chan inboundFake
	peers map[ids.PeerId]*fakeTransport
}

func newFakeTransport(id ids.PeerId) *fakeTransport {
	return &fakeTransport{id: id, inbox: make(chan inboundFake, 8), peers: make(map[ids.PeerId]*fakeTransport)}
}

func wireFakeTransports(a, b *fakeTransport) {
	a.peers[b.id] = b
	b.peers[a.id] = a
}

func (t *fakeTransport) Start(context.Context) error                 { return nil }
func (t *fakeTransport) Stop() error                                 { return nil }
func (t *fakeTransport) IsRunning() bool                             { return true }
func (t *fakeTransport) LocalPeerID() ids.PeerId                     { return t.id }
func (t *fakeTransport) DiscoveredPeers() []transport.DiscoveredPeer { return nil }

func (t *fakeTransport) SendRequest(ctx context.Context, peer ids.PeerId, msg protocol.Message) (protocol.Message, error) {
	dst, ok := t.peers[peer]
	if !ok {
		return protocol.Message{}, transport.ErrUnknownPeer{Peer: peer}
	}
	tok := &fakeToken{reply: make(chan protocol.Message, 1)}
	select {
	case dst.inbox <- inboundFake{msg: msg, tok: tok}:
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
	select {
	case reply := <-tok.reply:
		return reply, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

func (t *fakeTransport) RecvRequest(ctx context.Context) (ids.PeerId, protocol.Message, transport.ResponseToken, bool) {
	select {
	case req := <-t.inbox:
		return t.id, req.msg, req.tok, true
	case <-ctx.Done():
		return ids.PeerId{}, protocol.Message{}, nil, false
	}
}

func (t *fakeTransport) SendResponse(token transport.ResponseToken, msg protocol.Message) error {
	tok, ok := token.(*fakeToken)
	if !ok {
		return fmt.Errorf("faketransport: token from a different transport")
	}
	tok.reply <- msg
	return nil
}

var _ transport.SyncTransport = (*fakeTransport)(nil)

func serveHandler(ctx context.Context, tr *fakeTransport, h *Handler) {
	for {
		peer, msg, token, ok := tr.RecvRequest(ctx)
		if !ok {
			return
		}
		reply, _, err := h.HandleMessage(peer, msg)
		if err != nil {
			reply = protocol.NewError(protocol.ErrCodeInternal, err.Error())
		}
		_ = tr.SendResponse(token, reply)
	}
}

func TestPairingRequestAcceptRoundTrip(t *testing.T) {
	peerA, peerB := ids.NewPeerId(), ids.NewPeerId()
	trA, trB := newFakeTransport(peerA), newFakeTransport(peerB)
	wireFakeTransports(trA, trB)

	mgrA, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("new manager a: %v", err)
	}
	mgrB, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("new manager b: %v", err)
	}
	handlerA := NewHandler(peerA, "laptop", nil, trA, mgrA, nil)
	handlerB := NewHandler(peerB, "phone", nil, trB, mgrB, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go serveHandler(ctx, trB, handlerB)

	if err := handlerA.RequestPairing(ctx, peerB); err != nil {
		t.Fatalf("request pairing: %v", err)
	}
	if _, ok := mgrB.GetDiscoveredPeer(peerA); !ok {
		t.Fatal("b should have recorded a as discovered")
	}

	go serveHandler(ctx, trA, handlerA)
	if err := handlerB.ApproveAndNotify(ctx, peerA); err != nil {
		t.Fatalf("approve and notify: %v", err)
	}
	if !mgrB.IsTrusted(peerA) {
		t.Fatal("b should trust a after approving")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !mgrA.IsTrusted(peerB) {
		if time.Now().After(deadline) {
			t.Fatal("a never learned it was trusted by b")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPairingRejectDoesNotTrust(t *testing.T) {
	peerA, peerB := ids.NewPeerId(), ids.NewPeerId()
	trA, trB := newFakeTransport(peerA), newFakeTransport(peerB)
	wireFakeTransports(trA, trB)

	mgrA, _ := NewManager(t.TempDir())
	mgrB, _ := NewManager(t.TempDir())
	handlerA := NewHandler(peerA, "laptop", nil, trA, mgrA, nil)
	handlerB := NewHandler(peerB, "phone", nil, trB, mgrB, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go serveHandler(ctx, trB, handlerB)

	if err := handlerA.RequestPairing(ctx, peerB); err != nil {
		t.Fatalf("request pairing: %v", err)
	}

	go serveHandler(ctx, trA, handlerA)
	if err := handlerB.RejectAndNotify(ctx, peerA, "not expecting this device"); err != nil {
		t.Fatalf("reject and notify: %v", err)
	}
	if mgrB.IsTrusted(peerA) {
		t.Fatal("rejected peer must not become trusted")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		p, ok := mgrA.GetDiscoveredPeer(peerB)
		if ok && p.Status == StatusRejected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("a never saw its request rejected")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if mgrA.IsTrusted(peerB) {
		t.Fatal("a must not trust b after being rejected")
	}
}

func TestHandleMessageReportsUnhandledTypes(t *testing.T) {
	mgr, _ := NewManager(t.TempDir())
	h := NewHandler(ids.NewPeerId(), "device", nil, newFakeTransport(ids.NewPeerId()), mgr, nil)
	ping, _ := protocol.Encode(protocol.MsgPing, protocol.PingPayload{Nonce: 1})
	_, handled, err := h.HandleMessage(ids.NewPeerId(), ping)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handled {
		t.Fatal("pairing handler should not claim a ping message")
	}
}
