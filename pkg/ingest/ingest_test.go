package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"github.com/darkfi-go/consensusd/internal/logger"
	"github.com/darkfi-go/consensusd/pkg/forkstore"
	"github.com/darkfi-go/consensusd/pkg/orphan"
	"github.com/darkfi-go/consensusd/pkg/types"
)

type passHasher struct{}

func (passHasher) Hash(headerBytes []byte) types.Hash32 {
	var h types.Hash32
	h[0] = 0x01
	return h
}

func anyMeetsTarget(height uint32) uint256.Int {
	var t uint256.Int
	t.SetAllOne()
	return t
}

func mkBlock(prev types.Hash32, height uint32, nonce uint64) types.Block {
	h := types.Header{Previous: prev, Height: height, Nonce: nonce}
	b := types.Block{Header: h}
	b.Finalize()
	return b
}

func newTestIngest(t *testing.T) (*Ingest, *forkstore.ForkStore, *orphan.Pool, chan types.Hash32) {
	t.Helper()
	store := forkstore.New(types.ZeroHash, 0, anyMeetsTarget)
	pool := orphan.New()
	log := logger.NewLogger("error")
	notifyCh := make(chan struct{}, 8)
	requested := make(chan types.Hash32, 8)

	ing := New(store, pool, passHasher{}, anyMeetsTarget,
		nil,
		func(h types.Hash32) { requested <- h },
		func() { notifyCh <- struct{}{} },
		nil,
		time.Minute,
		log,
	)
	return ing, store, pool, requested
}

func TestIngest_AttachesValidBlock(t *testing.T) {
	ing, store, _, _ := newTestIngest(t)
	go ing.Run(context.Background())

	b := mkBlock(types.ZeroHash, 1, 1)
	res, err := ing.Ingest(context.Background(), b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != KindAttached {
		t.Fatalf("expected KindAttached, got %+v", res)
	}
	if best := store.BestFork(); best.Empty {
		t.Fatalf("expected a fork to exist after attach")
	}
}

func TestIngest_OrphanRequestsParent(t *testing.T) {
	ing, _, pool, requested := newTestIngest(t)
	go ing.Run(context.Background())

	unknownParent := types.Hash32{0xFE}
	b := mkBlock(unknownParent, 5, 1)

	res, err := ing.Ingest(context.Background(), b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != KindOrphaned {
		t.Fatalf("expected KindOrphaned, got %+v", res)
	}
	if !pool.Contains(b.HeaderHash) {
		t.Fatalf("expected orphan to be held in the pool")
	}

	select {
	case got := <-requested:
		if got != unknownParent {
			t.Fatalf("expected parent request for %v, got %v", unknownParent, got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a parent fetch request")
	}
}

func TestIngest_DrainsOrphanOnParentArrival(t *testing.T) {
	ing, store, pool, _ := newTestIngest(t)
	go ing.Run(context.Background())

	parent := mkBlock(types.ZeroHash, 1, 1)
	child := mkBlock(parent.HeaderHash, 2, 2)

	// Child arrives first and orphans.
	if _, err := ing.Ingest(context.Background(), child); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pool.Contains(child.HeaderHash) {
		t.Fatalf("expected child to be orphaned")
	}

	// Parent arrives and should drain the waiting child.
	res, err := ing.Ingest(context.Background(), parent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != KindAttached {
		t.Fatalf("expected parent to attach, got %+v", res)
	}

	deadline := time.After(time.Second)
	for pool.Contains(child.HeaderHash) {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for orphan to drain")
		case <-time.After(5 * time.Millisecond):
		}
	}

	best := store.BestFork()
	blocks, ok := store.ForkBlocks(best.ForkID)
	if !ok || len(blocks) != 2 {
		t.Fatalf("expected both parent and child attached to one fork, got %+v", blocks)
	}
}

func TestIngest_DuplicateRejected(t *testing.T) {
	ing, _, _, _ := newTestIngest(t)
	go ing.Run(context.Background())

	b := mkBlock(types.ZeroHash, 1, 1)
	if _, err := ing.Ingest(context.Background(), b); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := ing.Ingest(context.Background(), b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != KindRejected || res.Reject != RejectDuplicateProposal {
		t.Fatalf("expected duplicate rejection, got %+v", res)
	}
}
