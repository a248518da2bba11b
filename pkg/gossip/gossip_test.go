package gossip

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/darkfi-go/consensusd/pkg/types"
)

func newTestAdapter() *Adapter {
	return &Adapter{
		proposals: make(chan types.Block, 8),
		peers:     make(map[peer.ID]*peerHealth),
		waiters:   make(map[types.Hash32][]chan types.Block),
	}
}

func TestCleanupStalePeers_RemovesOnlyStaleEntries(t *testing.T) {
	a := newTestAdapter()
	a.peers["fresh"] = &peerHealth{score: 100, lastSeen: time.Now()}
	a.peers["stale"] = &peerHealth{score: 100, lastSeen: time.Now().Add(-10 * time.Minute)}

	a.cleanupStalePeers()

	if _, ok := a.peers["fresh"]; !ok {
		t.Fatal("expected fresh peer to survive cleanup")
	}
	if _, ok := a.peers["stale"]; ok {
		t.Fatal("expected stale peer to be removed")
	}
}

func TestTouchPeer_RecordsLastSeen(t *testing.T) {
	a := newTestAdapter()
	a.touchPeer("p1")
	h, ok := a.peers["p1"]
	if !ok {
		t.Fatal("expected peer to be recorded")
	}
	if h.lastSeen.IsZero() {
		t.Fatal("expected lastSeen to be set")
	}
}

func TestDeliver_WakesWaiterAndFillsProposals(t *testing.T) {
	a := newTestAdapter()
	block := types.Block{Header: types.Header{Height: 1}}
	block.Finalize()

	waitCh := make(chan types.Block, 1)
	a.waiters[block.HeaderHash] = append(a.waiters[block.HeaderHash], waitCh)

	a.deliver(block)

	select {
	case got := <-waitCh:
		if got.HeaderHash != block.HeaderHash {
			t.Fatalf("waiter received wrong block: %+v", got)
		}
	default:
		t.Fatal("expected waiter to be delivered the block")
	}

	select {
	case got := <-a.proposals:
		if got.HeaderHash != block.HeaderHash {
			t.Fatalf("proposals channel received wrong block: %+v", got)
		}
	default:
		t.Fatal("expected proposals channel to receive the block")
	}

	if _, stillWaiting := a.waiters[block.HeaderHash]; stillWaiting {
		t.Fatal("expected waiter entry to be cleared after delivery")
	}
}

func TestPeerCount(t *testing.T) {
	a := newTestAdapter()
	if a.PeerCount() != 0 {
		t.Fatalf("expected 0 peers, got %d", a.PeerCount())
	}
	a.touchPeer("p1")
	a.touchPeer("p2")
	if a.PeerCount() != 2 {
		t.Fatalf("expected 2 peers, got %d", a.PeerCount())
	}
}
