// Package consensusloop implements ConsensusLoop: the Idle/Composing/
// Mining/Integrating state machine that builds candidate blocks, drives
// the miner, and integrates winning nonces back into the ForkStore.
//
// Built around a ticker-driven select loop with a cancellable context per
// round, generalized from fixed-interval round-robin block production to
// event-driven PoW mining with cooperative cancellation on a better
// competing fork.
package consensusloop

import (
	"context"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"

	"github.com/darkfi-go/consensusd/internal/logger"
	"github.com/darkfi-go/consensusd/pkg/forkstore"
	"github.com/darkfi-go/consensusd/pkg/rank"
	"github.com/darkfi-go/consensusd/pkg/randomx"
	"github.com/darkfi-go/consensusd/pkg/types"
)

// State is one of the four ConsensusLoop states.
type State int

const (
	StateIdle State = iota
	StateComposing
	StateMining
	StateIntegrating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateComposing:
		return "composing"
	case StateMining:
		return "mining"
	case StateIntegrating:
		return "integrating"
	default:
		return "unknown"
	}
}

// Miner is the subset of MinerDriver the loop depends on.
type Miner interface {
	Request(ctx context.Context, headerBytes []byte, target uint256.Int, seed types.Hash32) (uint64, error)
}

// Hasher is the subset of the RandomX VM the loop depends on.
type Hasher interface {
	Hash(headerBytes []byte) types.Hash32
}

// Confirmer is the ConfirmGate hook invoked after every successful attach.
type Confirmer interface {
	CheckAndCommit() error
}

// MempoolSnapshot pulls a transaction-root candidate from the mempool
// in a pull-style snapshot.
type MempoolSnapshot func() (txRoot types.Hash32, txHashes []types.Hash32)

// StateRootFunc computes the candidate's state_root; the state-transition
// engine itself is out of scope here.
type StateRootFunc func(previous types.Hash32, txHashes []types.Hash32) types.Hash32

// SeedFunc returns the RandomX seed for the given candidate height.
type SeedFunc func(height uint32) types.Hash32

// Loop drives a single validator's block production. Not safe for
// concurrent Run calls.
type Loop struct {
	store   *forkstore.ForkStore
	miner   Miner
	hasher  Hasher
	confirm Confirmer
	mempool MempoolSnapshot
	stateFn StateRootFunc
	target  forkstore.TargetFunc
	seed    SeedFunc
	clock   func() time.Time
	log     *logger.Logger

	version        uint8
	proposalNotify chan struct{}
	state          atomic.Int32 // State, read/written across goroutines
}

// New constructs a Loop wired to its sub-components.
func New(
	store *forkstore.ForkStore,
	miner Miner,
	hasher Hasher,
	confirm Confirmer,
	mempool MempoolSnapshot,
	stateFn StateRootFunc,
	target forkstore.TargetFunc,
	seed SeedFunc,
	log *logger.Logger,
) *Loop {
	return &Loop{
		store:          store,
		miner:          miner,
		hasher:         hasher,
		confirm:        confirm,
		mempool:        mempool,
		stateFn:        stateFn,
		target:         target,
		seed:           seed,
		clock:          time.Now,
		log:            log,
		version:        1,
		proposalNotify: make(chan struct{}, 1),
		// state zero-values to StateIdle.
	}
}

// Notify wakes the loop to re-evaluate the best fork, called by
// ProposalIngest after every successful attach. Non-blocking: a pending
// notification already queued is sufficient, so repeated notifies
// coalesce.
func (l *Loop) Notify() {
	select {
	case l.proposalNotify <- struct{}{}:
	default:
	}
}

// State reports the loop's current state, for the operator surface's
// get_mining_state endpoint. Safe to call concurrently with Run.
func (l *Loop) State() State {
	return State(l.state.Load())
}

type mineResult struct {
	nonce uint64
	err   error
}

// Run drives the state machine until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	var (
		miningCancel  context.CancelFunc
		resultCh      chan mineResult
		candidate     types.Block
		candidateRank rank.ForkRank
	)

	for {
		switch State(l.state.Load()) {
		case StateIdle:
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			l.state.Store(int32(StateComposing))

		case StateComposing:
			cand, baseRank, err := l.buildCandidate()
			if err != nil {
				l.log.WithError(err).Error("failed to build candidate header")
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}
			candidate = cand
			candidateRank = baseRank

			miningCtx, cancel := context.WithCancel(ctx)
			miningCancel = cancel
			resultCh = make(chan mineResult, 1)
			go l.mine(miningCtx, candidate, resultCh)
			l.state.Store(int32(StateMining))

		case StateMining:
			select {
			case <-ctx.Done():
				miningCancel()
				<-resultCh
				l.state.Store(int32(StateIdle))

			case <-l.proposalNotify:
				if l.shouldRestart(candidateRank) {
					miningCancel()
					<-resultCh
					l.state.Store(int32(StateComposing))
				}
				// Otherwise remain in Mining; the for-loop re-enters this case.

			case res := <-resultCh:
				if res.err != nil {
					l.log.WithError(res.err).Debug("miner round ended without a nonce")
					l.state.Store(int32(StateComposing))
					continue
				}
				candidate.Header.Nonce = res.nonce
				candidate.Finalize()
				candidate.PowHash = l.hasher.Hash(candidate.Header.Serialize())
				l.state.Store(int32(StateIntegrating))
			}

		case StateIntegrating:
			if err := l.integrate(candidate); err != nil {
				l.log.WithError(err).Warn("candidate block failed to integrate")
			}
			l.state.Store(int32(StateIdle))
		}
	}
}

func (l *Loop) mine(ctx context.Context, candidate types.Block, resultCh chan<- mineResult) {
	target := l.target(candidate.Height())
	seed := l.seed(candidate.Height())
	nonce, err := l.miner.Request(ctx, candidate.Header.Serialize(), target, seed)
	resultCh <- mineResult{nonce: nonce, err: err}
}

// buildCandidate selects the best fork (or the empty fork at the
// canonical tip) and assembles the next header extending it, the
// Idle -> Composing transition.
func (l *Loop) buildCandidate() (types.Block, rank.ForkRank, error) {
	tipHash, tipHeight := l.store.CanonicalTip()

	var (
		baseHash   types.Hash32
		baseHeight uint32
		baseRank   rank.ForkRank
	)
	baseRank = rank.ForkRank{TargetDistance: big.NewInt(0), HashDistance: big.NewInt(0)}

	best := l.store.BestFork()
	if !best.Empty && !best.Tied {
		blocks, ok := l.store.ForkBlocks(best.ForkID)
		if ok && len(blocks) > 0 {
			head := blocks[len(blocks)-1]
			baseHash = head.HeaderHash
			baseHeight = head.Height()
			if r, ok := l.store.ForkRank(best.ForkID); ok {
				baseRank = r
			}
		} else {
			baseHash, baseHeight = tipHash, tipHeight
		}
	} else {
		baseHash, baseHeight = tipHash, tipHeight
	}

	txRoot, txHashes := l.mempool()
	stateRoot := l.stateFn(baseHash, txHashes)

	header := types.Header{
		Version:          l.version,
		Previous:         baseHash,
		Height:           baseHeight + 1,
		Timestamp:        uint64(l.clock().Unix()),
		TransactionsRoot: txRoot,
		StateRoot:        stateRoot,
	}
	block := types.Block{Header: header}
	return block, baseRank, nil
}

// shouldRestart implements the restart-on-better-fork policy: restart iff
// the best fork's rank has strictly increased past the rank snapshotted
// when the in-flight candidate was composed. Additivity of ForkRank means
// any extension of the candidate's own base fork — which would otherwise
// invalidate its previous pointer — also strictly increases the rank, so
// a single rank comparison captures both triggers.
func (l *Loop) shouldRestart(composedAgainst rank.ForkRank) bool {
	best := l.store.BestFork()
	if best.Empty || best.Tied {
		return false
	}
	current, ok := l.store.ForkRank(best.ForkID)
	if !ok {
		return false
	}
	return rank.CompareForks(current, composedAgainst) == rank.Greater
}

// integrate verifies the mined block meets its target, attaches it, and
// lets ConfirmGate evaluate confirmation depth.
func (l *Loop) integrate(candidate types.Block) error {
	target := l.target(candidate.Height())
	if !randomx.MeetsTarget(candidate.PowHash, target) {
		l.log.Warn("mined block failed meets_target on integration, discarding")
		return nil
	}

	outcome, err := l.store.TryAttach(candidate)
	if err != nil {
		return err
	}
	if outcome.Kind == forkstore.AttachRejected || outcome.Kind == forkstore.AttachOrphan {
		l.log.WithField("outcome", outcome.Kind).Warn("mined block could not attach")
		return nil
	}

	l.Notify()
	return l.confirm.CheckAndCommit()
}
