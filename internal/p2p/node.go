// Package p2p provides the transport substrate constructed by
// cmd/dchatnode: a libp2p host with gossipsub topics and local-network
// discovery. The relay pool, gossip sync, onion router and eclipse guard
// packages do not import it. Generalized from the teacher's
// core/network.go and core/peer_management.go.
package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"

	"github.com/chikuno/dchat/internal/types"
)

// Config mirrors the network section of the node configuration.
type Config struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
}

// PeerHandle is what the rest of the overlay knows about a connected peer;
// ASN/continent/stake live in the relay pool and eclipse guard, not here.
type PeerHandle struct {
	ID      types.NodeID
	Addr    string
	Latency time.Duration
}

// InboundMsg is a message delivered off a subscribed topic.
type InboundMsg struct {
	PeerID types.NodeID
	Topic  string
	Data   []byte
	Ts     int64
}

// Node wraps a libp2p host plus gossipsub, scoped down to what the three
// cores need: connect, broadcast, subscribe, and a live peer set.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub

	topicLock sync.RWMutex
	topics    map[string]*pubsub.Topic
	subs      map[string]*pubsub.Subscription

	peerLock sync.RWMutex
	peers    map[types.NodeID]*PeerHandle

	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
}

// New creates and bootstraps a node: libp2p host, gossipsub, bootstrap
// dials, and mDNS discovery — the same sequence as the teacher's NewNode.
func New(cfg Config) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	n := &Node{
		host:   h,
		pubsub: ps,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		peers:  make(map[types.NodeID]*PeerHandle),
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
	}

	if err := n.dialSeeds(cfg.BootstrapPeers); err != nil {
		logrus.Warnf("p2p: bootstrap dial warning: %v", err)
	}

	if cfg.DiscoveryTag != "" {
		svc := mdns.NewMdnsService(h, cfg.DiscoveryTag, n)
		if err := svc.Start(); err != nil {
			logrus.Warnf("p2p: start mdns discovery: %v", err)
		}
	}

	return n, nil
}

var _ mdns.Notifee = (*Node)(nil)

// HandlePeerFound implements mdns.Notifee: connect to a newly discovered
// local peer, ignoring ourselves and peers we already track.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	id := types.NodeID(info.ID.String())

	n.peerLock.RLock()
	_, known := n.peers[id]
	n.peerLock.RUnlock()
	if known {
		return
	}

	if err := n.host.Connect(n.ctx, info); err != nil {
		logrus.Warnf("p2p: connect to discovered peer %s: %v", id, err)
		return
	}
	n.peerLock.Lock()
	n.peers[id] = &PeerHandle{ID: id, Addr: info.String()}
	n.peerLock.Unlock()
}

func (n *Node) dialSeeds(seeds []string) error {
	var firstErr error
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		id := types.NodeID(pi.ID.String())
		n.peerLock.Lock()
		n.peers[id] = &PeerHandle{ID: id, Addr: addr}
		n.peerLock.Unlock()
	}
	return firstErr
}

// Peers returns a snapshot of the currently known peer set.
func (n *Node) Peers() []PeerHandle {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	out := make([]PeerHandle, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, *p)
	}
	return out
}

// Self returns this node's own id.
func (n *Node) Self() types.NodeID { return types.NodeID(n.host.ID().String()) }

// Broadcast publishes data on a topic, joining it lazily on first use.
func (n *Node) Broadcast(topic string, data []byte) error {
	t, err := n.joinTopic(topic)
	if err != nil {
		return err
	}
	return t.Publish(n.ctx, data)
}

func (n *Node) joinTopic(topic string) (*pubsub.Topic, error) {
	n.topicLock.Lock()
	defer n.topicLock.Unlock()
	if t, ok := n.topics[topic]; ok {
		return t, nil
	}
	t, err := n.pubsub.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", topic, err)
	}
	n.topics[topic] = t
	return t, nil
}

// Subscribe joins a topic (if needed) and returns a channel of inbound
// messages. The channel is closed when Unsubscribe is called or the node
// shuts down.
func (n *Node) Subscribe(topic string) (<-chan InboundMsg, error) {
	t, err := n.joinTopic(topic)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	n.topicLock.Lock()
	n.subs[topic] = sub
	n.topicLock.Unlock()

	out := make(chan InboundMsg)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				return
			}
			select {
			case out <- InboundMsg{
				PeerID: types.NodeID(msg.GetFrom().String()),
				Topic:  topic,
				Data:   msg.Data,
				Ts:     time.Now().UnixMilli(),
			}:
			case <-n.ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Unsubscribe cancels a subscription created via Subscribe.
func (n *Node) Unsubscribe(topic string) {
	n.topicLock.Lock()
	defer n.topicLock.Unlock()
	if sub, ok := n.subs[topic]; ok {
		sub.Cancel()
		delete(n.subs, topic)
	}
}

// Close tears down the pubsub subscriptions and the libp2p host.
func (n *Node) Close() error {
	n.topicLock.Lock()
	for topic, sub := range n.subs {
		sub.Cancel()
		delete(n.subs, topic)
	}
	n.topicLock.Unlock()
	n.cancel()
	return n.host.Close()
}
