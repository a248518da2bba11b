// Package ingest implements ProposalIngest: validates inbound block
// proposals and serializes their attachment into the ForkStore, giving
// the whole system a single total order for competing concurrent
// proposals.
//
// Follows a single-goroutine cleanup-loop idiom — a channel-fed worker
// owning its own state, with a ticker driving periodic maintenance —
// generalized from transaction admission to block-proposal admission,
// linearized through a single worker goroutine.
package ingest

import (
	"context"
	"time"

	"github.com/darkfi-go/consensusd/internal/logger"
	"github.com/darkfi-go/consensusd/pkg/forkstore"
	"github.com/darkfi-go/consensusd/pkg/orphan"
	"github.com/darkfi-go/consensusd/pkg/randomx"
	"github.com/darkfi-go/consensusd/pkg/types"
)

// Hasher recomputes a candidate block's PoW hash for verification.
type Hasher interface {
	Hash(headerBytes []byte) types.Hash32
}

// SignatureVerifier checks the producer's signature over a block.
// Verification itself is delegated outside the consensus core.
type SignatureVerifier func(block types.Block) bool

// ParentRequester asks the gossip layer to fetch a missing parent,
// fire-and-forget.
type ParentRequester func(parentHash types.Hash32)

// Notifier wakes the ConsensusLoop to re-evaluate the best fork.
type Notifier func()

// RejectKind enumerates every reason Ingest can refuse a proposal,
// spanning both pre-attach checks and ForkStore's own linkage rejections.
type RejectKind int

const (
	RejectNone RejectKind = iota
	RejectInvalidPoW
	RejectBadSignature
	RejectHeightMismatch
	RejectStaleRoot
	RejectDuplicateProposal
	RejectBadLinkage
)

func (k RejectKind) String() string {
	switch k {
	case RejectInvalidPoW:
		return "invalid_pow"
	case RejectBadSignature:
		return "bad_signature"
	case RejectHeightMismatch:
		return "height_mismatch"
	case RejectStaleRoot:
		return "stale_root"
	case RejectDuplicateProposal:
		return "duplicate_proposal"
	case RejectBadLinkage:
		return "bad_linkage"
	default:
		return "none"
	}
}

// Kind is the top-level outcome of an Ingest call.
type Kind int

const (
	KindAttached Kind = iota
	KindOrphaned
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindAttached:
		return "attached"
	case KindOrphaned:
		return "orphaned"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Result is returned to the caller (the gossip layer, or the
// ConsensusLoop integrating its own mined block).
type Result struct {
	Kind       Kind
	Reject     RejectKind
	ForkID     forkstore.ForkID
	AttachKind forkstore.AttachKind
}

type job struct {
	block  types.Block
	result chan Result
}

// Ingest owns the serializing admission queue, the OrphanPool, and the
// validation pipeline in front of the ForkStore.
type Ingest struct {
	store   *forkstore.ForkStore
	orphans *orphan.Pool
	hasher  Hasher
	target  forkstore.TargetFunc

	verifySig     SignatureVerifier
	requestParent ParentRequester
	notify        Notifier
	confirm       Confirmer
	ttl           time.Duration
	clock         func() time.Time
	log           *logger.Logger

	queue chan job
}

// Confirmer is the ConfirmGate hook invoked after every successful
// attach.
type Confirmer interface {
	CheckAndCommit() error
}

// New constructs an Ingest pipeline. verifySig/requestParent/notify may
// be nil in tests that don't exercise those paths.
func New(
	store *forkstore.ForkStore,
	orphans *orphan.Pool,
	hasher Hasher,
	target forkstore.TargetFunc,
	verifySig SignatureVerifier,
	requestParent ParentRequester,
	notify Notifier,
	confirm Confirmer,
	ttl time.Duration,
	log *logger.Logger,
) *Ingest {
	return &Ingest{
		store:         store,
		orphans:       orphans,
		hasher:        hasher,
		target:        target,
		verifySig:     verifySig,
		requestParent: requestParent,
		notify:        notify,
		confirm:       confirm,
		ttl:           ttl,
		clock:         time.Now,
		log:           log,
		queue:         make(chan job, 64),
	}
}

// Run drains the admission queue and runs a periodic orphan-expiry sweep
// until ctx is cancelled. Exactly one Run goroutine may be active,
// giving every attach a total order.
func (i *Ingest) Run(ctx context.Context) {
	interval := i.ttl / 2
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-i.queue:
			j.result <- i.process(j.block)
		case <-ticker.C:
			i.expireOrphans()
		}
	}
}

// Ingest submits block for validation and admission, blocking until the
// serializing worker has processed it.
func (i *Ingest) Ingest(ctx context.Context, block types.Block) (Result, error) {
	j := job{block: block, result: make(chan Result, 1)}
	select {
	case i.queue <- j:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case r := <-j.result:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (i *Ingest) process(block types.Block) Result {
	powHash := i.hasher.Hash(block.Header.Serialize())
	block.PowHash = powHash
	target := i.target(block.Height())
	if !randomx.MeetsTarget(powHash, target) {
		return Result{Kind: KindRejected, Reject: RejectInvalidPoW}
	}

	if i.verifySig != nil && !i.verifySig(block) {
		return Result{Kind: KindRejected, Reject: RejectBadSignature}
	}

	_, canonicalHeight := i.store.CanonicalTip()
	if block.Height() <= canonicalHeight && !block.Previous().IsZero() {
		return Result{Kind: KindRejected, Reject: RejectStaleRoot}
	}

	outcome, err := i.store.TryAttach(block)
	if err != nil {
		i.log.WithError(err).Error("forkstore attach failed")
		return Result{Kind: KindRejected, Reject: RejectBadLinkage}
	}

	switch outcome.Kind {
	case forkstore.AttachRejected:
		return Result{Kind: KindRejected, Reject: mapRejectKind(outcome.Reject)}

	case forkstore.AttachOrphan:
		i.orphans.Add(block, i.clock())
		if i.requestParent != nil {
			i.requestParent(block.Previous())
		}
		return Result{Kind: KindOrphaned}

	default:
		if i.notify != nil {
			i.notify()
		}
		if i.confirm != nil {
			if err := i.confirm.CheckAndCommit(); err != nil {
				i.log.WithError(err).Error("confirm gate failed to commit")
			}
		}
		i.drainOrphans(block.HeaderHash)
		return Result{Kind: KindAttached, ForkID: outcome.ForkID, AttachKind: outcome.Kind}
	}
}

// drainOrphans retries every orphan waiting on newlyAttached, recursing
// through the same serializing worker so chains of orphans resolve in
// order without re-entering the queue.
func (i *Ingest) drainOrphans(newlyAttached types.Hash32) {
	ready := i.orphans.Drain(newlyAttached)
	for _, b := range ready {
		i.process(b)
	}
}

func (i *Ingest) expireOrphans() {
	expired := i.orphans.Expire(i.clock(), i.ttl)
	if len(expired) > 0 {
		i.log.WithField("count", len(expired)).Debug("expired stale orphan proposals")
	}
}

func mapRejectKind(k forkstore.RejectKind) RejectKind {
	switch k {
	case forkstore.RejectHeightMismatch:
		return RejectHeightMismatch
	case forkstore.RejectDuplicateProposal:
		return RejectDuplicateProposal
	case forkstore.RejectInvalidPoW:
		return RejectInvalidPoW
	case forkstore.RejectStaleRoot:
		return RejectStaleRoot
	default:
		return RejectBadLinkage
	}
}
