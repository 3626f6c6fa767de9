package engine

import (
	"context"
	"fmt"

	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/protocol"
	"github.com/privstack/core/internal/transport"
)

// memToken carries a reply channel back to the sender, mirroring
// internal/transport/p2p.go's pendingRequest without any real networking —
// this package's tests exercise the state machine and message dispatch,
// not libp2p itself (that's internal/transport/p2p_test.go's job).
type memToken struct {
	reply chan protocol.Message
}

func (*memToken) IsResponseToken() {}

// memTransport is an in-process transport.SyncTransport: two instances
// wired via wireMemTransports deliver SendRequest calls straight to the
// other's RecvRequest channel.
type memTransport struct {
	id    ids.PeerId
	inbox chan inboundMemRequest
	peers map[ids.PeerId]*memTransport
}

type inboundMemRequest struct {
	from ids.PeerId
	msg  protocol.Message
	tok  *memToken
}

func newMemTransport(id ids.PeerId) *memTransport {
	return &memTransport{id: id, inbox: make(chan inboundMemRequest, 32), peers: make(map[ids.PeerId]*memTransport)}
}

func wireMemTransports(a, b *memTransport) {
	a.peers[b.id] = b
	b.peers[a.id] = a
}

func (t *memTransport) Start(context.Context) error                 { return nil }
func (t *memTransport) Stop() error                                 { return nil }
func (t *memTransport) IsRunning() bool                             { return true }
func (t *memTransport) LocalPeerID() ids.PeerId                     { return t.id }
func (t *memTransport) DiscoveredPeers() []transport.DiscoveredPeer { return nil }

func (t *memTransport) SendRequest(ctx context.Context, peer ids.PeerId, msg protocol.Message) (protocol.Message, error) {
	dst, ok := t.peers[peer]
	if !ok {
		return protocol.Message{}, transport.ErrUnknownPeer{Peer: peer}
	}
	tok := &memToken{reply: make(chan protocol.Message, 1)}
	select {
	case dst.inbox <- inboundMemRequest{from: t.id, msg: msg, tok: tok}:
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

func (t *memTransport) RecvRequest(ctx context.Context) (ids.PeerId, protocol.Message, transport.ResponseToken, bool) {
	select {
	case req := <-t.inbox:
		return req.from, req.msg, req.tok, true
	case <-ctx.Done():
		return ids.PeerId{}, protocol.Message{}, nil, false
	}
}

func (t *memTransport) SendResponse(token transport.ResponseToken, msg protocol.Message) error {
	tok, ok := token.(*memToken)
	if !ok {
		return fmt.Errorf("memtransport: token from a different transport")
	}
	tok.reply <- msg
	return nil
}

var _ transport.SyncTransport = (*memTransport)(nil)
