package validator

import (
	"path/filepath"
	"testing"

	"github.com/holiman/uint256"

	"github.com/darkfi-go/consensusd/internal/logger"
	"github.com/darkfi-go/consensusd/pkg/chainstore"
	"github.com/darkfi-go/consensusd/pkg/mempool"
	"github.com/darkfi-go/consensusd/pkg/minerdriver"
	"github.com/darkfi-go/consensusd/pkg/types"
)

type fakeHasher struct{}

func (fakeHasher) Hash(headerBytes []byte) types.Hash32 { return types.Hash32{0x01} }
func (fakeHasher) RotateSeed(newSeed []byte) error       { return nil }

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	log := logger.NewLogger("error")

	chainPath := filepath.Join(t.TempDir(), "chain.db")
	chain, err := chainstore.Open(chainPath, log)
	if err != nil {
		t.Fatalf("failed to open chainstore: %v", err)
	}
	t.Cleanup(func() { chain.Close() })

	miner := minerdriver.New([]string{"127.0.0.1:1"}, nil)
	mp := mempool.NewMempool(mempool.DefaultConfig(), log)

	v, err := New(
		Config{
			ConfirmationDepth: 2,
			OrphanTTLSeconds:  60,
			EpochLengthBlocks: 100,
			InitialTarget:     *new(uint256.Int).Not(new(uint256.Int)),
		},
		chain,
		fakeHasher{},
		miner,
		mp,
		nil,
		nil,
		nil,
		log,
	)
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return v
}

func TestNew_EmptyChainStartsAtZeroTip(t *testing.T) {
	v := newTestValidator(t)
	tip, height, err := v.CanonicalTip()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tip != types.ZeroHash || height != 0 {
		t.Fatalf("expected genesis sentinel, got %v/%d", tip, height)
	}
}

func TestForkSummary_EmptyStoreIsEmpty(t *testing.T) {
	v := newTestValidator(t)
	if len(v.ForkSummary()) != 0 {
		t.Fatalf("expected no forks, got %d", len(v.ForkSummary()))
	}
}

func TestOrphanCount_StartsZero(t *testing.T) {
	v := newTestValidator(t)
	if v.OrphanCount() != 0 {
		t.Fatalf("expected 0 orphans, got %d", v.OrphanCount())
	}
}

func TestMiningState_StartsIdle(t *testing.T) {
	v := newTestValidator(t)
	if v.MiningState() != "idle" {
		t.Fatalf("expected idle state, got %q", v.MiningState())
	}
}
