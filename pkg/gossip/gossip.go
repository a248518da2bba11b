// Package gossip defines the narrow Transport the core consensus engine
// consumes for peer proposals and block fetch/announce, plus a concrete
// libp2p GossipSub + Kademlia DHT adapter implementing it.
//
// Built around a peer map with per-peer Score/LastSeen/Quarantined
// bookkeeping, a ticker-driven maintenance loop, and an
// equilibrium-constant gossip interval, generalized from an
// "equilibrium gossip" stub — which never actually dialed a peer —
// into a real pubsub-backed transport. The peer scoring shape survives;
// the broadcast mechanism is genuine GossipSub publish.
package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/darkfi-go/consensusd/internal/logger"
	"github.com/darkfi-go/consensusd/pkg/types"
)

// Transport is everything the core consensus engine needs from the P2P
// layer, kept deliberately narrow so the core never imports libp2p
// directly — gossip transport stays out of the core's scope, only
// consumed through this interface.
type Transport interface {
	// Proposals streams inbound block proposals as they arrive.
	Proposals() <-chan types.Block
	// RequestBlock asks peers for a specific block and blocks until it
	// arrives or the request times out.
	RequestBlock(ctx context.Context, hash types.Hash32) (types.Block, error)
	// Announce tells peers a new block hash exists, without sending the
	// full body.
	Announce(hash types.Hash32)
	// Fetch is an alias for RequestBlock used by ProposalIngest's orphan
	// parent-recovery path.
	Fetch(ctx context.Context, hash types.Hash32) (types.Block, error)
}

// BlockProvider answers inbound block requests from local storage. Set
// via Adapter.SetBlockProvider once the validator's ForkStore/chainstore
// are ready to serve.
type BlockProvider func(hash types.Hash32) (types.Block, bool)

// Config configures the libp2p adapter.
type Config struct {
	ListenAddrs       []string
	BootstrapPeers    []string
	TopicName         string
	BroadcastInterval time.Duration
}

type peerHealth struct {
	score       int
	lastSeen    time.Time
	quarantined bool
}

const (
	msgTypeAnnounce = "announce"
	msgTypeRequest  = "request"
	msgTypeBlock    = "block"
)

type wireMessage struct {
	Type  string       `json:"type"`
	Hash  types.Hash32 `json:"hash"`
	Block *types.Block `json:"block,omitempty"`
}

// Adapter is the concrete libp2p GossipSub + Kademlia DHT Transport.
type Adapter struct {
	cfg Config
	log *logger.Logger

	host  host.Host
	dht   *dht.IpfsDHT
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	proposals chan types.Block

	mu       sync.Mutex
	peers    map[peer.ID]*peerHealth
	waiters  map[types.Hash32][]chan types.Block
	provider BlockProvider
}

// New brings up a libp2p host, joins the Kademlia DHT, and subscribes to
// the block-gossip topic.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Adapter, error) {
	var opts []libp2p.Option
	for _, addr := range cfg.ListenAddrs {
		a, err := ma.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("gossip: invalid listen addr %q: %w", addr, err)
		}
		opts = append(opts, libp2p.ListenAddrs(a))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("gossip: create libp2p host: %w", err)
	}

	kad, err := dht.New(ctx, h, dht.Mode(dht.ModeAuto))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("gossip: create kademlia dht: %w", err)
	}
	if err := kad.Bootstrap(ctx); err != nil {
		log.WithError(err).Warn("dht bootstrap reported an error, continuing")
	}

	for _, addr := range cfg.BootstrapPeers {
		info, err := parsePeerAddr(addr)
		if err != nil {
			log.WithError(err).WithField("addr", addr).Warn("skipping malformed bootstrap peer")
			continue
		}
		if err := h.Connect(ctx, *info); err != nil {
			log.WithError(err).WithField("peer", info.ID).Warn("failed to connect to bootstrap peer")
		}
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("gossip: create gossipsub: %w", err)
	}

	topicName := cfg.TopicName
	if topicName == "" {
		topicName = "consensusd/blocks/v1"
	}
	topic, err := ps.Join(topicName)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("gossip: join topic %q: %w", topicName, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("gossip: subscribe to topic %q: %w", topicName, err)
	}

	a := &Adapter{
		cfg:       cfg,
		log:       log,
		host:      h,
		dht:       kad,
		ps:        ps,
		topic:     topic,
		sub:       sub,
		proposals: make(chan types.Block, 256),
		peers:     make(map[peer.ID]*peerHealth),
		waiters:   make(map[types.Hash32][]chan types.Block),
	}
	return a, nil
}

func parsePeerAddr(addr string) (*peer.AddrInfo, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, err
	}
	return peer.AddrInfoFromP2pAddr(maddr)
}

// SetBlockProvider wires the local read path answering peer requests.
func (a *Adapter) SetBlockProvider(p BlockProvider) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.provider = p
}

// Run drives the subscription read loop and peer-maintenance sweep until
// ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) {
	go a.readLoop(ctx)

	interval := a.cfg.BroadcastInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.sub.Cancel()
			a.topic.Close()
			a.host.Close()
			return
		case <-ticker.C:
			a.cleanupStalePeers()
		}
	}
}

func (a *Adapter) readLoop(ctx context.Context) {
	for {
		msg, err := a.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.WithError(err).Warn("gossip subscription read failed")
			continue
		}
		a.touchPeer(msg.ReceivedFrom)

		var wm wireMessage
		if err := json.Unmarshal(msg.Data, &wm); err != nil {
			a.log.WithError(err).Debug("dropping malformed gossip message")
			continue
		}

		switch wm.Type {
		case msgTypeBlock:
			if wm.Block == nil {
				continue
			}
			a.deliver(*wm.Block)
		case msgTypeRequest:
			a.maybeServe(ctx, wm.Hash)
		case msgTypeAnnounce:
			// Informational only; ProposalIngest's orphan path decides
			// whether to Fetch the announced hash.
		}
	}
}

func (a *Adapter) deliver(block types.Block) {
	select {
	case a.proposals <- block:
	default:
		a.log.Warn("proposals channel full, dropping inbound gossip block")
	}

	a.mu.Lock()
	waiters := a.waiters[block.HeaderHash]
	delete(a.waiters, block.HeaderHash)
	a.mu.Unlock()
	for _, ch := range waiters {
		ch <- block
	}
}

func (a *Adapter) maybeServe(ctx context.Context, hash types.Hash32) {
	a.mu.Lock()
	provider := a.provider
	a.mu.Unlock()
	if provider == nil {
		return
	}
	block, ok := provider(hash)
	if !ok {
		return
	}
	payload, err := json.Marshal(wireMessage{Type: msgTypeBlock, Hash: hash, Block: &block})
	if err != nil {
		return
	}
	if err := a.topic.Publish(ctx, payload); err != nil {
		a.log.WithError(err).Debug("failed to publish requested block")
	}
}

func (a *Adapter) touchPeer(id peer.ID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.peers[id]
	if !ok {
		h = &peerHealth{score: 100}
		a.peers[id] = h
	}
	h.lastSeen = time.Now()
}

// cleanupStalePeers drops peers not seen in the last five minutes.
func (a *Adapter) cleanupStalePeers() {
	cutoff := time.Now().Add(-5 * time.Minute)
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, h := range a.peers {
		if h.lastSeen.Before(cutoff) {
			delete(a.peers, id)
		}
	}
}

// Proposals implements Transport.
func (a *Adapter) Proposals() <-chan types.Block { return a.proposals }

// Announce implements Transport.
func (a *Adapter) Announce(hash types.Hash32) {
	payload, err := json.Marshal(wireMessage{Type: msgTypeAnnounce, Hash: hash})
	if err != nil {
		return
	}
	if err := a.topic.Publish(context.Background(), payload); err != nil {
		a.log.WithError(err).Debug("failed to publish block announcement")
	}
}

// RequestBlock implements Transport.
func (a *Adapter) RequestBlock(ctx context.Context, hash types.Hash32) (types.Block, error) {
	waitCh := make(chan types.Block, 1)
	a.mu.Lock()
	a.waiters[hash] = append(a.waiters[hash], waitCh)
	a.mu.Unlock()

	payload, err := json.Marshal(wireMessage{Type: msgTypeRequest, Hash: hash})
	if err != nil {
		return types.Block{}, fmt.Errorf("gossip: marshal request: %w", err)
	}
	if err := a.topic.Publish(ctx, payload); err != nil {
		return types.Block{}, fmt.Errorf("gossip: publish request: %w", err)
	}

	select {
	case block := <-waitCh:
		return block, nil
	case <-ctx.Done():
		return types.Block{}, ctx.Err()
	}
}

// Fetch implements Transport.
func (a *Adapter) Fetch(ctx context.Context, hash types.Hash32) (types.Block, error) {
	return a.RequestBlock(ctx, hash)
}

// PeerCount reports the number of peers seen recently.
func (a *Adapter) PeerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.peers)
}
