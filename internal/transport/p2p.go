package transport

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	libp2pnetwork "github.com/libp2p/go-libp2p/core/network"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	libp2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/google/uuid"
	"github.com/multiformats/go-multiaddr"

	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/protocol"
)

// ProtocolID is the libp2p stream protocol this transport registers its
// handler under. Grounded on the teacher's p2p.go SetStreamHandler call,
// renamed out of the acorde/vaultd namespace.
const ProtocolID = libp2pprotocol.ID("/privstack/sync/1.0.0")

// ServiceName is the mDNS service tag peers advertise themselves under.
const ServiceName = "_privstack-sync._udp"

// peerIDNamespace seeds the deterministic libp2p-peer.ID -> ids.PeerId
// mapping below (see idFromLibp2p). Fixed so the same libp2p identity
// always maps to the same ids.PeerId across process restarts.
var peerIDNamespace = uuid.MustParse("7f8f6b1a-7b21-4b6e-9b5a-9e9a9f6b1a7f")

func idFromLibp2p(p libp2ppeer.ID) ids.PeerId {
	return ids.PeerId(uuid.NewSHA1(peerIDNamespace, []byte(p)))
}

// Logger is the minimal logging seam this package needs; satisfied by
// log.Logger via a thin adapter in cmd/privstackd, matching the teacher's
// own internal/sync.Logger interface.
type Logger interface {
	Printf(format string, v ...interface{})
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...interface{}) {}

type pendingRequest struct {
	peer  ids.PeerId
	msg   protocol.Message
	reply chan protocol.Message
}

func (*pendingRequest) IsResponseToken() {}

// Config configures a libp2p-backed SyncTransport.
type Config struct {
	ListenAddrs []string // default: one random-port TCP listener on all interfaces
	EnableMdns  bool
	EnableDht   bool
	Logger      Logger
}

// DefaultConfig matches the teacher's DefaultConfig: LAN discovery on,
// global DHT discovery off (opt-in, since it dials public bootstrap nodes).
func DefaultConfig() Config {
	return Config{ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"}, EnableMdns: true}
}

// P2P is the default SyncTransport: a libp2p host with mDNS LAN discovery
// and optional Kademlia DHT rendezvous. Grounded on internal/sync/p2p.go's
// p2pService (host lifecycle, stream handler registration, mDNS wiring)
// and internal/sync/dht.go's DHTDiscovery (bootstrap + FindPeers loop).
type P2P struct {
	host   host.Host
	cfg    Config
	logger Logger

	mdnsService mdns.Service
	kadDHT      *dht.IpfsDHT

	mu         gosync.RWMutex
	discovered map[libp2ppeer.ID]DiscoveredPeer
	addrBook   map[ids.PeerId]libp2ppeer.AddrInfo

	incoming chan *pendingRequest
	running  bool
	cancel   context.CancelFunc
}

// New creates a libp2p host per cfg but does not start listening; call
// Start to do that.
func New(cfg Config) (*P2P, error) {
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = DefaultConfig().ListenAddrs
	}
	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("transport: invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	h, err := libp2p.New(libp2p.ListenAddrs(listenAddrs...))
	if err != nil {
		return nil, fmt.Errorf("transport: create libp2p host: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return &P2P{
		host:       h,
		cfg:        cfg,
		logger:     logger,
		discovered: make(map[libp2ppeer.ID]DiscoveredPeer),
		addrBook:   make(map[ids.PeerId]libp2ppeer.AddrInfo),
		incoming:   make(chan *pendingRequest, 32),
	}, nil
}

func (p *P2P) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.host.SetStreamHandler(ProtocolID, p.handleStream)

	if p.cfg.EnableMdns {
		p.mdnsService = mdns.NewMdnsService(p.host, ServiceName, mdnsNotifee{p: p})
		if err := p.mdnsService.Start(); err != nil {
			return fmt.Errorf("transport: start mdns: %w", err)
		}
	}

	if p.cfg.EnableDht {
		kadDHT, err := dht.New(runCtx, p.host, dht.Mode(dht.ModeAutoServer))
		if err != nil {
			return fmt.Errorf("transport: create dht: %w", err)
		}
		if err := kadDHT.Bootstrap(runCtx); err != nil {
			return fmt.Errorf("transport: bootstrap dht: %w", err)
		}
		p.kadDHT = kadDHT
		go p.dhtDiscoveryLoop(runCtx)
	}

	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	return nil
}

func (p *P2P) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	if p.mdnsService != nil {
		p.mdnsService.Close()
	}
	close(p.incoming)
	return p.host.Close()
}

func (p *P2P) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *P2P) LocalPeerID() ids.PeerId { return idFromLibp2p(p.host.ID()) }

func (p *P2P) DiscoveredPeers() []DiscoveredPeer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]DiscoveredPeer, 0, len(p.discovered))
	for _, dp := range p.discovered {
		out = append(out, dp)
	}
	return out
}

// RendezvousNamespace is the DHT namespace used for advertising/finding
// peers when DHT discovery is enabled. It is fixed: the discovery loop
// always uses it, and the per-sync-code namespace internal/pairing derives
// (SyncCode.Namespace) is not passed to this package.
const RendezvousNamespace = "/privstack/rendezvous/1.0.0"

func (p *P2P) dhtDiscoveryLoop(ctx context.Context) {
	routingDiscovery := drouting.NewRoutingDiscovery(p.kadDHT)
	dutil.Advertise(ctx, routingDiscovery, RendezvousNamespace)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			peerChan, err := routingDiscovery.FindPeers(ctx, RendezvousNamespace)
			if err != nil {
				continue
			}
			for pi := range peerChan {
				if pi.ID == p.host.ID() {
					continue
				}
				p.recordDiscovery(pi, DiscoveryDht)
			}
		}
	}
}

type mdnsNotifee struct{ p *P2P }

func (n mdnsNotifee) HandlePeerFound(pi libp2ppeer.AddrInfo) {
	if pi.ID == n.p.host.ID() {
		return
	}
	n.p.recordDiscovery(pi, DiscoveryMdns)
}

func (p *P2P) recordDiscovery(pi libp2ppeer.AddrInfo, method DiscoveryMethod) {
	addrs := make([]string, 0, len(pi.Addrs))
	for _, a := range pi.Addrs {
		addrs = append(addrs, a.String())
	}

	p.mu.Lock()
	p.discovered[pi.ID] = DiscoveredPeer{
		PeerID: idFromLibp2p(pi.ID), Method: method, Addresses: addrs,
	}
	p.addrBook[idFromLibp2p(pi.ID)] = pi
	p.mu.Unlock()
}

// Connect registers addr for peer and dials it eagerly, for use by
// internal/pairing once a sync-code invite has been approved (spec.md
// §4.7's explicit-approval requirement lives there, not in this package).
func (p *P2P) Connect(ctx context.Context, peer ids.PeerId, addr libp2ppeer.AddrInfo) error {
	p.mu.Lock()
	p.addrBook[peer] = addr
	p.mu.Unlock()
	return p.host.Connect(ctx, addr)
}

func (p *P2P) SendRequest(ctx context.Context, peer ids.PeerId, msg protocol.Message) (protocol.Message, error) {
	p.mu.RLock()
	running := p.running
	addr, ok := p.addrBook[peer]
	p.mu.RUnlock()
	if !running {
		return protocol.Message{}, ErrNotRunning
	}
	if !ok {
		return protocol.Message{}, ErrUnknownPeer{Peer: peer}
	}

	stream, err := p.host.NewStream(ctx, addr.ID, ProtocolID)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("transport: open stream: %w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}
	if err := protocol.WriteMessage(stream, msg); err != nil {
		return protocol.Message{}, err
	}
	return protocol.ReadMessage(stream)
}

func (p *P2P) handleStream(stream libp2pnetwork.Stream) {
	stream.SetDeadline(time.Now().Add(30 * time.Second))

	msg, err := protocol.ReadMessage(stream)
	if err != nil {
		stream.Reset()
		return
	}

	reply := make(chan protocol.Message, 1)
	req := &pendingRequest{peer: idFromLibp2p(stream.Conn().RemotePeer()), msg: msg, reply: reply}

	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()
	if !running {
		stream.Reset()
		return
	}

	select {
	case p.incoming <- req:
	default:
		p.logger.Printf("transport: incoming request queue full, dropping from %s", req.peer)
		stream.Reset()
		return
	}

	respMsg, ok := <-reply
	if !ok {
		stream.Reset()
		return
	}
	protocol.WriteMessage(stream, respMsg)
}

func (p *P2P) RecvRequest(ctx context.Context) (ids.PeerId, protocol.Message, ResponseToken, bool) {
	select {
	case req, ok := <-p.incoming:
		if !ok {
			return ids.PeerId{}, protocol.Message{}, nil, false
		}
		return req.peer, req.msg, req, true
	case <-ctx.Done():
		return ids.PeerId{}, protocol.Message{}, nil, false
	}
}

func (p *P2P) SendResponse(token ResponseToken, msg protocol.Message) error {
	req, ok := token.(*pendingRequest)
	if !ok {
		return fmt.Errorf("transport: response token from a different transport")
	}
	req.reply <- msg
	close(req.reply)
	return nil
}

var _ SyncTransport = (*P2P)(nil)
