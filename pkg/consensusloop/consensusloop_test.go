package consensusloop

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"github.com/darkfi-go/consensusd/internal/logger"
	"github.com/darkfi-go/consensusd/pkg/forkstore"
	"github.com/darkfi-go/consensusd/pkg/types"
)

type fakeMiner struct {
	nonce uint64
}

func (f *fakeMiner) Request(ctx context.Context, header []byte, target uint256.Int, seed types.Hash32) (uint64, error) {
	return f.nonce, nil
}

type fakeHasher struct{}

func (fakeHasher) Hash(headerBytes []byte) types.Hash32 {
	var h types.Hash32
	h[0] = 0x01 // well below any target used in this test
	return h
}

type fakeConfirmer struct {
	calls int
}

func (f *fakeConfirmer) CheckAndCommit() error {
	f.calls++
	return nil
}

func lowTarget(height uint32) uint256.Int {
	var t uint256.Int
	t.SetAllOne() // max target: every hash meets it
	return t
}

func TestRun_MinesAndIntegratesOneBlock(t *testing.T) {
	store := forkstore.New(types.ZeroHash, 0, lowTarget)
	confirmer := &fakeConfirmer{}
	log := logger.NewLogger("error")

	loop := New(
		store,
		&fakeMiner{nonce: 7},
		fakeHasher{},
		confirmer,
		func() (types.Hash32, []types.Hash32) { return types.Hash32{}, nil },
		func(previous types.Hash32, txHashes []types.Hash32) types.Hash32 { return types.Hash32{} },
		lowTarget,
		func(height uint32) types.Hash32 { return types.Hash32{} },
		log,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	deadline := time.After(400 * time.Millisecond)
	for confirmer.calls == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a mined block to integrate")
		case <-time.After(5 * time.Millisecond):
		}
	}

	best := store.BestFork()
	if best.Empty {
		t.Fatalf("expected a fork to have been attached")
	}

	<-done
}

func TestShouldRestart_NoRestartWhenNoBetterFork(t *testing.T) {
	store := forkstore.New(types.ZeroHash, 0, lowTarget)
	log := logger.NewLogger("error")
	loop := New(store, &fakeMiner{}, fakeHasher{}, &fakeConfirmer{},
		func() (types.Hash32, []types.Hash32) { return types.Hash32{}, nil },
		func(types.Hash32, []types.Hash32) types.Hash32 { return types.Hash32{} },
		lowTarget, func(uint32) types.Hash32 { return types.Hash32{} }, log)

	_, baseRank, err := loop.buildCandidate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loop.shouldRestart(baseRank) {
		t.Fatalf("expected no restart with an empty store")
	}
}
