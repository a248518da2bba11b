// Package validator wires the consensus sub-modules (ForkStore,
// MinerDriver, Hasher, ConsensusLoop, ProposalIngest, ConfirmGate,
// ChainStore, Archiver, Gossip Transport) into one orchestrator with a
// context-driven Start (cancelling the context stops every background
// loop) and read-only snapshot getters for the operator surface.
//
// Owns the chain lock and the sub-components, and exposes snapshot
// getters for the API layer, the same shape as a PoA engine orchestrator
// — but the PoA concepts such an orchestrator carries, round-robin
// validator turn and an authorized-validator set, do not survive here:
// this engine has no validator identity or set, only a single mining
// process behind MinerDriver (see DESIGN.md).
package validator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/darkfi-go/consensusd/internal/logger"
	"github.com/darkfi-go/consensusd/pkg/archive"
	"github.com/darkfi-go/consensusd/pkg/chainstore"
	"github.com/darkfi-go/consensusd/pkg/confirmgate"
	"github.com/darkfi-go/consensusd/pkg/consensusloop"
	"github.com/darkfi-go/consensusd/pkg/forkstore"
	"github.com/darkfi-go/consensusd/pkg/gossip"
	"github.com/darkfi-go/consensusd/pkg/ingest"
	"github.com/darkfi-go/consensusd/pkg/mempool"
	"github.com/darkfi-go/consensusd/pkg/metrics"
	"github.com/darkfi-go/consensusd/pkg/minerdriver"
	"github.com/darkfi-go/consensusd/pkg/orphan"
	"github.com/darkfi-go/consensusd/pkg/types"
)

// Config bundles everything Validator needs beyond its already-built
// sub-components.
type Config struct {
	ConfirmationDepth uint32
	OrphanTTLSeconds  int
	EpochLengthBlocks uint32
	InitialTarget     uint256.Int
}

// Hasher is the subset of pkg/randomx.VM the Validator depends on, kept
// as an interface so it can be exercised with a fake in tests that don't
// link the cgo RandomX binding.
type Hasher interface {
	Hash(headerBytes []byte) types.Hash32
	RotateSeed(newSeed []byte) error
}

// Validator is the top-level orchestrator.
type Validator struct {
	cfg Config
	log *logger.Logger

	chain    *chainstore.Store
	store    *forkstore.ForkStore
	orphans  *orphan.Pool
	hasher   Hasher
	miner    *minerdriver.Driver
	mempool  *mempool.Mempool
	archiver *archive.Archiver
	transport gossip.Transport

	loop    *consensusloop.Loop
	ingest  *ingest.Ingest
	confirm *confirmgate.ConfirmGate

	metrics *metrics.Exporter

	onConfirm     func(height uint32, hash types.Hash32, forkID string)
	onMiningState func(state string)
	onReorg       func(newTip types.Hash32, depth int, forkID string)

	lastBestFork forkstore.ForkID
	haveBestFork bool

	mu sync.RWMutex
}

// SetReorgCallback registers a hook invoked whenever the tracked best
// fork switches to a different fork than the one last observed, used by
// the API layer to push websocket reorg events.
func (v *Validator) SetReorgCallback(fn func(newTip types.Hash32, depth int, forkID string)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onReorg = fn
}

// SetConfirmCallback registers a hook invoked synchronously whenever a
// block is committed to the canonical chain, used by the API layer to
// push websocket confirmation events.
func (v *Validator) SetConfirmCallback(fn func(height uint32, hash types.Hash32, forkID string)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onConfirm = fn
}

// SetMiningStateCallback registers a hook invoked whenever the sampled
// consensus loop state changes, used by the API layer to push websocket
// mining-state events.
func (v *Validator) SetMiningStateCallback(fn func(state string)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onMiningState = fn
}

// New constructs the Validator and wires every sub-component together.
// chain must already be Open; hasher must already be a valid VM for the
// genesis epoch's seed.
func New(
	cfg Config,
	chain *chainstore.Store,
	hasher Hasher,
	miner *minerdriver.Driver,
	mp *mempool.Mempool,
	transport gossip.Transport,
	archiver *archive.Archiver,
	exporter *metrics.Exporter,
	log *logger.Logger,
) (*Validator, error) {
	tip, height, err := chain.Tip()
	if err != nil {
		return nil, fmt.Errorf("validator: read canonical tip: %w", err)
	}

	targetFn := func(uint32) uint256.Int { return cfg.InitialTarget }

	store := forkstore.New(tip, height, targetFn)
	orphans := orphan.New()

	v := &Validator{
		cfg:       cfg,
		log:       log,
		chain:     chain,
		store:     store,
		orphans:   orphans,
		hasher:    hasher,
		miner:     miner,
		mempool:   mp,
		archiver:  archiver,
		transport: transport,
		metrics:   exporter,
	}

	if exporter != nil {
		exporter.ConfirmationDepth.Set(float64(cfg.ConfirmationDepth))
	}

	v.confirm = confirmgate.New(
		store,
		chainWriterAdapter{v},
		cfg.ConfirmationDepth,
		seedRotatorAdapter{hasher},
		func(height uint32) uint64 {
			if cfg.EpochLengthBlocks == 0 {
				return 0
			}
			return uint64(height / cfg.EpochLengthBlocks)
		},
		func(epoch uint64) []byte {
			return epochSeed(epoch)
		},
		log,
	)

	v.loop = consensusloop.New(
		store,
		miner,
		hasher,
		v.confirm,
		mp.Snapshot,
		func(previous types.Hash32, txHashes []types.Hash32) types.Hash32 {
			// State-transition / account-root computation is out of
			// scope; the candidate's state_root carries the parent
			// block's root forward unchanged (the zero hash when the
			// parent is not found, e.g. the genesis sentinel).
			for _, id := range store.Forks() {
				blocks, _ := store.ForkBlocks(id)
				for _, b := range blocks {
					if b.HeaderHash == previous {
						return b.Header.StateRoot
					}
				}
			}
			if parent, err := chain.Get(previous); err == nil {
				return parent.Header.StateRoot
			}
			return types.Hash32{}
		},
		targetFn,
		func(height uint32) types.Hash32 {
			var seed types.Hash32
			epoch := uint64(0)
			if cfg.EpochLengthBlocks != 0 {
				epoch = uint64(height / cfg.EpochLengthBlocks)
			}
			copy(seed[:], epochSeed(epoch))
			return seed
		},
		log,
	)

	v.ingest = ingest.New(
		store,
		orphans,
		hasher,
		targetFn,
		nil, // signature verification: no transaction-signing scheme is in scope
		func(parentHash types.Hash32) {
			if transport != nil {
				go func() {
					ctx, cancel := context.WithCancel(context.Background())
					defer cancel()
					block, err := transport.Fetch(ctx, parentHash)
					if err != nil {
						log.WithError(err).WithField("parent", parentHash).Debug("failed to fetch orphan parent")
						return
					}
					if _, ierr := v.ingest.Ingest(ctx, block); ierr != nil {
						log.WithError(ierr).Debug("failed to ingest fetched orphan parent")
					}
				}()
			}
		},
		v.loop.Notify,
		v.confirm,
		time.Duration(cfg.OrphanTTLSeconds)*time.Second,
		log,
	)

	return v, nil
}

// Start runs every background loop until ctx is cancelled.
func (v *Validator) Start(ctx context.Context) {
	go v.ingest.Run(ctx)
	go v.mempool.Run(ctx.Done())
	if v.archiver != nil {
		go v.archiver.Run(ctx)
	}
	if adapter, ok := v.transport.(*gossip.Adapter); ok {
		adapter.SetBlockProvider(func(hash types.Hash32) (types.Block, bool) {
			if block, err := v.chain.Get(hash); err == nil {
				return block, true
			}
			return types.Block{}, false
		})
		go adapter.Run(ctx)
	}
	if v.transport != nil {
		go v.consumeProposals(ctx)
	}
	go func() {
		if err := v.loop.Run(ctx); err != nil && ctx.Err() == nil {
			v.log.WithError(err).Error("consensus loop exited unexpectedly")
		}
	}()
	go v.sampleMiningState(ctx)
}

// sampleMiningState polls the loop's state and the current best fork at
// a fixed interval, reporting transitions to the metrics exporter and
// the registered callbacks. Neither the loop nor the ForkStore has a
// subscription mechanism, so polling is the cheapest way to surface
// state changes without adding one to either.
func (v *Validator) sampleMiningState(ctx context.Context) {
	allStates := []string{"idle", "composing", "mining", "integrating"}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastState string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state := v.loop.State().String()
			if state != lastState {
				lastState = state
				if v.metrics != nil {
					v.metrics.SetMiningState(state, allStates)
				}
				v.mu.RLock()
				onMiningState := v.onMiningState
				v.mu.RUnlock()
				if onMiningState != nil {
					onMiningState(state)
				}
			}
			v.sampleBestForkSwitch()
		}
	}
}

// sampleBestForkSwitch detects when the ForkStore's best fork changes
// identity (a different competing branch overtook the one last observed)
// and reports the switch depth, i.e. how many blocks of the new best
// fork diverge from the previously observed one.
func (v *Validator) sampleBestForkSwitch() {
	best := v.store.BestFork()
	if best.Empty || best.Tied {
		return
	}

	v.mu.Lock()
	prevID, havePrev := v.lastBestFork, v.haveBestFork
	v.lastBestFork = best.ForkID
	v.haveBestFork = true
	onReorg := v.onReorg
	v.mu.Unlock()

	if !havePrev || prevID == best.ForkID || onReorg == nil {
		return
	}

	blocks, ok := v.store.ForkBlocks(best.ForkID)
	if !ok || len(blocks) == 0 {
		return
	}
	tip := blocks[len(blocks)-1]

	depth := 1
	if prevBlocks, ok := v.store.ForkBlocks(prevID); ok {
		common := 0
		for common < len(prevBlocks) && common < len(blocks) &&
			prevBlocks[common].HeaderHash == blocks[common].HeaderHash {
			common++
		}
		depth = len(blocks) - common
		if depth < 1 {
			depth = 1
		}
	}
	if v.metrics != nil {
		v.metrics.ReorgDepth.Observe(float64(depth))
	}
	onReorg(tip.HeaderHash, depth, fmt.Sprintf("%v", best.ForkID))
}

func (v *Validator) consumeProposals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case block, ok := <-v.transport.Proposals():
			if !ok {
				return
			}
			if _, err := v.ingest.Ingest(ctx, block); err != nil {
				v.log.WithError(err).Debug("failed to ingest gossip proposal")
			}
		}
	}
}

// CanonicalTip returns the current confirmed chain tip.
func (v *Validator) CanonicalTip() (types.Hash32, uint32, error) {
	return v.chain.Tip()
}

// ForkSummary reports every tracked fork's id, length, and rank, for the
// operator surface's get_fork_summary endpoint.
type ForkSummary struct {
	ID     forkstore.ForkID
	Length int
	Rank   string
}

func (v *Validator) ForkSummary() []ForkSummary {
	ids := v.store.Forks()
	summaries := make([]ForkSummary, 0, len(ids))
	for _, id := range ids {
		blocks, ok := v.store.ForkBlocks(id)
		if !ok {
			continue
		}
		r, _ := v.store.ForkRank(id)
		summaries = append(summaries, ForkSummary{
			ID:     id,
			Length: len(blocks),
			Rank:   fmt.Sprintf("target=%s hash=%s", r.TargetDistance.String(), r.HashDistance.String()),
		})
	}
	return summaries
}

// OrphanCount reports the number of blocks currently held in the orphan
// pool, for the operator surface's get_orphan_count endpoint.
func (v *Validator) OrphanCount() int {
	return v.orphans.Count()
}

// MiningState reports the consensus loop's current state, for the
// operator surface's get_mining_state endpoint.
func (v *Validator) MiningState() string {
	return v.loop.State().String()
}

// MinerDegraded reports whether the miner channel missed a bounded
// cancellation ack.
func (v *Validator) MinerDegraded() bool {
	return v.miner.Degraded()
}

// IngestProposal admits an externally received block proposal, used by
// both the gossip consumer loop and any operator-triggered manual
// submission endpoint.
func (v *Validator) IngestProposal(ctx context.Context, block types.Block) (ingest.Result, error) {
	return v.ingest.Ingest(ctx, block)
}

type chainWriterAdapter struct{ v *Validator }

func (a chainWriterAdapter) Append(block types.Block) error {
	if err := a.v.chain.Append(block); err != nil {
		if a.v.metrics != nil {
			a.v.metrics.BlocksConfirmed.WithLabelValues("store_failed").Inc()
		}
		return err
	}
	if a.v.archiver != nil {
		a.v.archiver.MirrorAsync(block)
	}
	if a.v.transport != nil {
		a.v.transport.Announce(block.HeaderHash)
	}

	a.v.mu.RLock()
	onConfirm := a.v.onConfirm
	a.v.mu.RUnlock()

	if a.v.metrics != nil {
		a.v.metrics.BlocksConfirmed.WithLabelValues("committed").Inc()
		a.v.metrics.ForkCount.Set(float64(len(a.v.store.Forks())))
		a.v.metrics.OrphanCount.Set(float64(a.v.orphans.Count()))
	}
	if onConfirm != nil {
		onConfirm(block.Height(), block.HeaderHash, forkIDOf(a.v.store, block.HeaderHash))
	}
	return nil
}

// forkIDOf reports which fork currently owns headerHash, or "" if none
// does. ConfirmGate appends a block before it runs CanonicalReorg, so a
// block being confirmed is still found in its fork here.
func forkIDOf(store *forkstore.ForkStore, headerHash types.Hash32) string {
	for _, id := range store.Forks() {
		blocks, ok := store.ForkBlocks(id)
		if !ok {
			continue
		}
		for _, b := range blocks {
			if b.HeaderHash == headerHash {
				return fmt.Sprintf("%v", id)
			}
		}
	}
	return ""
}

type seedRotatorAdapter struct{ hasher Hasher }

func (a seedRotatorAdapter) RotateSeed(newSeed []byte) error {
	return a.hasher.RotateSeed(newSeed)
}

func epochSeed(epoch uint64) []byte {
	seed := make([]byte, 8)
	for i := 0; i < 8; i++ {
		seed[i] = byte(epoch >> (8 * i))
	}
	return seed
}
