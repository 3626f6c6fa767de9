package transport

import (
	"context"
	"testing"
	"time"

	"github.com/privstack/core/internal/protocol"
)

func newTestTransport(t *testing.T) *P2P {
	t.Helper()
	cfg := DefaultConfig()
	cfg.EnableMdns = false
	tr, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return tr
}

func TestP2PLifecycle(t *testing.T) {
	tr := newTestTransport(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !tr.IsRunning() {
		t.Fatal("expected transport to report running after Start")
	}
	if len(tr.DiscoveredPeers()) != 0 {
		t.Fatal("expected no discovered peers before any discovery runs")
	}
	if err := tr.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if tr.IsRunning() {
		t.Fatal("expected transport to report stopped after Stop")
	}
}

func TestP2PRequestResponseRoundTrip(t *testing.T) {
	a := newTestTransport(t)
	b := newTestTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	defer a.Stop()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer b.Stop()

	bInfo := b.host.Peerstore().PeerInfo(b.host.ID())
	if err := a.Connect(ctx, b.LocalPeerID(), bInfo); err != nil {
		t.Fatalf("connect: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, msg, token, ok := b.RecvRequest(ctx)
		if !ok {
			return
		}
		var ping protocol.PingPayload
		msg.Decode(&ping)
		pong, _ := protocol.Encode(protocol.MsgPong, protocol.PongPayload{Nonce: ping.Nonce})
		b.SendResponse(token, pong)
	}()

	ping, _ := protocol.Encode(protocol.MsgPing, protocol.PingPayload{Nonce: 7})
	resp, err := a.SendRequest(ctx, b.LocalPeerID(), ping)
	if err != nil {
		t.Fatalf("send request: %v", err)
	}
	<-done

	if resp.Type != protocol.MsgPong {
		t.Fatalf("expected pong, got %s", resp.Type)
	}
	var pong protocol.PongPayload
	resp.Decode(&pong)
	if pong.Nonce != 7 {
		t.Fatalf("expected echoed nonce 7, got %d", pong.Nonce)
	}
}

func TestLocalPeerIDIsStableAcrossCalls(t *testing.T) {
	tr := newTestTransport(t)
	if tr.LocalPeerID() != tr.LocalPeerID() {
		t.Fatal("expected LocalPeerID to be deterministic for a given libp2p identity")
	}
}
