package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	golibp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/multiformats/go-multiaddr"

	"github.com/Ru1vly/nexus-core/internal/identity"
	"github.com/Ru1vly/nexus-core/internal/logging"
)

// Config configures a Node's listen address, discovery, and pub/sub
// limits. The zero Config is not valid; use DefaultConfig.
type Config struct {
	ListenPort      int
	EnableMDNS      bool
	MaxMessageSize  int
	BootstrapPeers  []string
	RelayPeers      []string
	MDNSServiceTag  string
}

// DefaultConfig returns sane defaults: mDNS enabled, 64KiB max
// message size, ephemeral listen port.
func DefaultConfig() Config {
	return Config{
		ListenPort:     0,
		EnableMDNS:     true,
		MaxMessageSize: DefaultMaxMessageSize,
		MDNSServiceTag: Topic,
	}
}

// Event is the tagged union of swarm-level occurrences the
// orchestrator's event loop steps through, one at a time.
type Event interface{ isEvent() }

type EventNewListenAddr struct{ Address multiaddr.Multiaddr }
type EventConnectionEstablished struct{ Peer peer.ID }
type EventConnectionClosed struct{ Peer peer.ID }
type EventPeersDiscovered struct{ Peers []peer.AddrInfo }
type EventPeersExpired struct{ Peers []peer.AddrInfo }
type EventMessage struct {
	From peer.ID
	Msg  Message
}

func (EventNewListenAddr) isEvent()         {}
func (EventConnectionEstablished) isEvent() {}
func (EventConnectionClosed) isEvent()      {}
func (EventPeersDiscovered) isEvent()       {}
func (EventPeersExpired) isEvent()          {}
func (EventMessage) isEvent()               {}

// Node is this device's P2P transport: a libp2p host, its gossipsub
// pub/sub subscription on Topic, and optional mDNS discovery. It is
// owned by exactly one caller (the sync orchestrator); Events streams
// everything that caller needs to drive its event loop.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	mdns   mdns.Service
	log    logging.Logger
	cfg    Config

	events chan Event

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
}

// New creates and starts a Node: it builds the libp2p host (TCP +
// Noise + Yamux, relay and hole-punching enabled), joins and
// subscribes to Topic with strict message signing, and - if enabled -
// starts mDNS discovery. Connection notifications are bridged into
// Events via a network.Notifiee.
func New(ctx context.Context, id *identity.KeyPair, cfg Config, log logging.Logger) (*Node, error) {
	listenAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort))
	if err != nil {
		return nil, fmt.Errorf("transport: build listen address: %w", err)
	}

	h, err := golibp2p.New(
		golibp2p.Identity(id.Libp2pPrivateKey()),
		golibp2p.ListenAddrs(listenAddr),
		golibp2p.EnableRelay(),
		golibp2p.EnableHolePunching(),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: create libp2p host: %w", err)
	}

	maxSize := cfg.MaxMessageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSigning(true),
		pubsub.WithStrictSignatureVerification(true),
		pubsub.WithMaxMessageSize(maxSize),
		pubsub.WithSeenMessagesTTL(60*time.Second),
	)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("transport: create gossipsub: %w", err)
	}

	topic, err := ps.Join(Topic)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("transport: join topic %s: %w", Topic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("transport: subscribe to topic %s: %w", Topic, err)
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	n := &Node{
		host:   h,
		pubsub: ps,
		topic:  topic,
		sub:    sub,
		log:    log,
		cfg:    cfg,
		events: make(chan Event, 256),
		cancel: cancel,
	}

	h.Network().Notify(&notifiee{node: n})

	go n.pollListenAddrs(nodeCtx)
	go n.pollMessages(nodeCtx)

	if cfg.EnableMDNS {
		tag := cfg.MDNSServiceTag
		if tag == "" {
			tag = Topic
		}
		svc := mdns.NewMdnsService(h, tag, &mdnsNotifee{node: n})
		if err := svc.Start(); err != nil {
			n.Close()
			return nil, fmt.Errorf("transport: start mdns: %w", err)
		}
		n.mdns = svc
	}

	for _, addr := range cfg.BootstrapPeers {
		n.dial(nodeCtx, addr)
	}
	for _, addr := range cfg.RelayPeers {
		n.dial(nodeCtx, addr)
	}

	return n, nil
}

func (n *Node) dial(ctx context.Context, addr string) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		n.log.Warnf("transport: invalid bootstrap/relay address %q: %v", addr, err)
		return
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		n.log.Warnf("transport: address %q has no peer id: %v", addr, err)
		return
	}
	if err := n.host.Connect(ctx, *info); err != nil {
		// Dial failures are NetworkTransient: recorded, never fatal.
		n.log.Warnf("transport: failed dialing %s: %v", addr, err)
	}
}

// PeerID returns this node's own peer identity.
func (n *Node) PeerID() peer.ID { return n.host.ID() }

// Addrs returns the multiaddresses this node is reachable on.
func (n *Node) Addrs() []multiaddr.Multiaddr { return n.host.Addrs() }

// Events is the channel the orchestrator's event loop drains.
func (n *Node) Events() <-chan Event { return n.events }

// Publish encodes and publishes msg on Topic. Oversize SyncData
// batches must already have been split by the caller via
// SplitSyncData.
func (n *Node) Publish(ctx context.Context, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := n.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("transport: publish %s: %w", msg.Kind, err)
	}
	return nil
}

// ConnectedPeers returns the peer ids currently connected to this
// node's host.
func (n *Node) ConnectedPeers() []peer.ID {
	return n.host.Network().Peers()
}

// Close tears down mDNS, the subscription/topic, and the libp2p host.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.cancel()
	if n.mdns != nil {
		n.mdns.Close()
	}
	n.sub.Cancel()
	if err := n.topic.Close(); err != nil {
		n.log.Warnf("transport: closing topic: %v", err)
	}
	close(n.events)
	return n.host.Close()
}

func (n *Node) emit(ev Event) {
	select {
	case n.events <- ev:
	default:
		n.log.Warnf("transport: event buffer full, dropping %T", ev)
	}
}

func (n *Node) pollListenAddrs(ctx context.Context) {
	// The libp2p host resolves its listen addresses asynchronously
	// shortly after Network().Listen(); a short poll surfaces them as
	// NewListenAddr events without requiring a dedicated swarm hook.
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	seen := map[string]bool{}
	for i := 0; i < 25; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, addr := range n.host.Addrs() {
				key := addr.String()
				if !seen[key] {
					seen[key] = true
					n.emit(EventNewListenAddr{Address: addr})
				}
			}
		}
	}
}

func (n *Node) pollMessages(ctx context.Context) {
	for {
		raw, err := n.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.log.Warnf("transport: subscription read failed: %v", err)
			continue
		}
		if raw.ReceivedFrom == n.host.ID() {
			continue
		}
		msg, err := Decode(raw.Data)
		if err != nil {
			// ProtocolViolation: drop the message, keep the subscription.
			n.log.Warnf("transport: dropping malformed message from %s: %v", raw.ReceivedFrom, err)
			continue
		}
		n.emit(EventMessage{From: raw.ReceivedFrom, Msg: msg})
	}
}

// notifiee bridges libp2p's network.Notifiee callbacks into Events.
type notifiee struct {
	node *Node
}

func (nt *notifiee) Connected(_ network.Network, c network.Conn) {
	nt.node.emit(EventConnectionEstablished{Peer: c.RemotePeer()})
}

func (nt *notifiee) Disconnected(_ network.Network, c network.Conn) {
	nt.node.emit(EventConnectionClosed{Peer: c.RemotePeer()})
}

func (nt *notifiee) Listen(network.Network, multiaddr.Multiaddr)      {}
func (nt *notifiee) ListenClose(network.Network, multiaddr.Multiaddr) {}

// mdnsNotifee bridges mDNS discovery callbacks into Events: each found
// peer's addresses are kept in the peerstore for six minutes and the
// peer is dialed. Discovered peers are not registered as explicit
// pub/sub peers, and no EventPeersExpired is emitted.
type mdnsNotifee struct {
	node *Node
}

func (m *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	m.node.host.Peerstore().AddAddrs(info.ID, info.Addrs, 6*time.Minute)
	m.node.emit(EventPeersDiscovered{Peers: []peer.AddrInfo{info}})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.node.host.Connect(ctx, info); err != nil {
		m.node.log.Warnf("transport: failed connecting to mdns peer %s: %v", info.ID, err)
	}
}
