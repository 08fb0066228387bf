package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"

	"gnbgo/internal/registry"
)

const endpointTopic = "gnbgo/endpoints/v1"

// Node runs the peer-to-peer half of endpoint discovery: a libp2p host
// gossiping endpoint observations over a pubsub topic, with mDNS for
// same-LAN peers.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription

	reg *registry.Registry
	log *logrus.Entry

	peerLock sync.RWMutex
	peers    map[peer.ID]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewNode builds and bootstraps a discovery node listening on listenAddr,
// dialing bootstrap peers, and subscribing to the endpoint-gossip topic.
func NewNode(listenAddr string, bootstrap []string, discoveryTag string, reg *registry.Registry, log *logrus.Entry) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("discovery: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("discovery: create pubsub: %w", err)
	}

	n := &Node{
		host:   h,
		pubsub: ps,
		reg:    reg,
		log:    log,
		peers:  make(map[peer.ID]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}

	topic, err := ps.Join(endpointTopic)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("discovery: join topic: %w", err)
	}
	n.topic = topic
	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("discovery: subscribe topic: %w", err)
	}
	n.sub = sub

	if err := n.dialSeed(bootstrap); err != nil {
		log.WithError(err).Warn("bootstrap dial warning")
	}

	mdns.NewMdnsService(h, discoveryTag, n)

	go n.learnLoop()
	return n, nil
}

var _ mdns.Notifee = (*Node)(nil)

// HandlePeerFound implements mdns.Notifee: connect to a peer discovered
// on the local network, ignoring ourselves and peers already known.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	n.peerLock.RLock()
	_, known := n.peers[info.ID]
	n.peerLock.RUnlock()
	if known {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		n.log.WithError(err).Warn("failed to connect to mDNS peer")
		return
	}
	n.peerLock.Lock()
	n.peers[info.ID] = struct{}{}
	n.peerLock.Unlock()
}

func (n *Node) dialSeed(seeds []string) error {
	var errs []string
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid addr %s: %v", addr, err))
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			errs = append(errs, fmt.Sprintf("connect %s: %v", addr, err))
			continue
		}
		n.peerLock.Lock()
		n.peers[pi.ID] = struct{}{}
		n.peerLock.Unlock()
	}
	if len(errs) > 0 {
		return fmt.Errorf("discovery: dial errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Publish announces the local node's currently observed endpoint to
// every connected peer over the gossip topic.
func (n *Node) Publish(rec EndpointRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return n.topic.Publish(n.ctx, data)
}

// learnLoop applies every endpoint announcement received over the
// gossip topic into the registry, the node worker's single-writer
// path.
func (n *Node) learnLoop() {
	for {
		msg, err := n.sub.Next(n.ctx)
		if err != nil {
			return
		}
		var rec EndpointRecord
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			continue
		}
		ApplyRecords(n.reg, []EndpointRecord{rec}, time.Now())
	}
}

// Close tears the node down.
func (n *Node) Close() error {
	n.cancel()
	return n.host.Close()
}
