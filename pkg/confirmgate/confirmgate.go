// Package confirmgate implements ConfirmGate: the depth-threshold
// confirmation rule that promotes a prefix of the best fork into the
// canonical chain once it is buried under D blocks.
//
// Generalizes a depth-window cutoff for dropping stale competing tips
// from an LRU-style pruning heuristic into a Nakamoto-style
// probabilistic-finality-by-depth rule, with no BFT voting and no
// validator set.
package confirmgate

import (
	"sync"

	"github.com/darkfi-go/consensusd/internal/logger"
	"github.com/darkfi-go/consensusd/pkg/forkstore"
	"github.com/darkfi-go/consensusd/pkg/types"
)

// ChainWriter is the external persisted canonical chain.
type ChainWriter interface {
	Append(block types.Block) error
}

// SeedRotator is the Hasher hook for RandomX epoch rotation.
type SeedRotator interface {
	RotateSeed(newSeed []byte) error
}

// EpochFunc maps a canonical height to its RandomX epoch number.
type EpochFunc func(height uint32) uint64

// SeedForEpoch derives the RandomX seed for a given epoch, typically the
// hash of a block some fixed distance into the prior epoch.
type SeedForEpoch func(epoch uint64) []byte

// ConfirmGate owns the confirmation-depth policy. Safe for concurrent
// CheckAndCommit calls from both ProposalIngest and the ConsensusLoop.
type ConfirmGate struct {
	mu sync.Mutex

	store *forkstore.ForkStore
	chain ChainWriter
	depth uint32

	rotator   SeedRotator
	epochOf   EpochFunc
	seedFor   SeedForEpoch
	lastEpoch uint64
	haveEpoch bool

	log *logger.Logger
}

// New constructs a ConfirmGate with confirmation depth D >= 1.
// rotator/epochOf/seedFor may be nil to disable epoch rotation entirely
// (e.g. in tests, or networks with a fixed seed).
func New(
	store *forkstore.ForkStore,
	chain ChainWriter,
	depth uint32,
	rotator SeedRotator,
	epochOf EpochFunc,
	seedFor SeedForEpoch,
	log *logger.Logger,
) *ConfirmGate {
	if depth < 1 {
		depth = 1
	}
	return &ConfirmGate{
		store:   store,
		chain:   chain,
		depth:   depth,
		rotator: rotator,
		epochOf: epochOf,
		seedFor: seedFor,
		log:     log,
	}
}

// CheckAndCommit identifies the best fork and, if it is buried under at
// least Depth blocks, promotes the confirmable prefix into the canonical
// chain. A tie at the best rank commits nothing.
func (c *ConfirmGate) CheckAndCommit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	best := c.store.BestFork()
	if best.Empty || best.Tied {
		return nil
	}

	blocks, ok := c.store.ForkBlocks(best.ForkID)
	if !ok || uint32(len(blocks)) <= c.depth {
		return nil
	}

	confirmable := blocks[:uint32(len(blocks))-c.depth]
	for _, b := range confirmable {
		if err := c.chain.Append(b); err != nil {
			return err
		}
	}

	if err := c.store.CanonicalReorg(confirmable); err != nil {
		return err
	}

	c.maybeRotateSeed(confirmable[len(confirmable)-1].Height())
	return nil
}

func (c *ConfirmGate) maybeRotateSeed(newTipHeight uint32) {
	if c.rotator == nil || c.epochOf == nil || c.seedFor == nil {
		return
	}
	epoch := c.epochOf(newTipHeight)
	if c.haveEpoch && epoch == c.lastEpoch {
		return
	}
	if err := c.rotator.RotateSeed(c.seedFor(epoch)); err != nil {
		c.log.WithError(err).Error("failed to rotate randomx seed on epoch boundary")
		return
	}
	c.lastEpoch = epoch
	c.haveEpoch = true
}
