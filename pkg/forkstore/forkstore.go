// Package forkstore implements ForkStore: the in-memory forest of forks
// rooted at the canonical tip.
//
// Built around a map of competing tips plus a shared block cache, a
// height-based reorganize comparison, and a depth-window prune,
// generalized from "longest chain, height tiebreak" to a lexicographic
// ForkRank, and from pointer-linked chain tips to an arena +
// integer-handle design: a ForkStore owns a map of forks keyed by
// ForkID; each fork
// owns a contiguous slice of blocks. Handles are opaque ForkID values,
// never pointers shared outside the store.
package forkstore

import (
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/darkfi-go/consensusd/pkg/rank"
	"github.com/darkfi-go/consensusd/pkg/types"
)

// ForkID is an opaque handle into the store's fork arena.
type ForkID int

// TargetFunc supplies the per-height difficulty target; the difficulty
// adjustment module itself is out of scope here.
type TargetFunc func(height uint32) uint256.Int

// AttachKind enumerates the possible outcomes of TryAttach.
type AttachKind int

const (
	AttachAppendedToTip AttachKind = iota
	AttachSplitFork
	AttachNewFromCanonical
	AttachOrphan
	AttachRejected
)

func (k AttachKind) String() string {
	switch k {
	case AttachAppendedToTip:
		return "appended_to_tip"
	case AttachSplitFork:
		return "split_fork"
	case AttachNewFromCanonical:
		return "new_from_canonical"
	case AttachOrphan:
		return "orphan"
	case AttachRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// RejectKind classifies why TryAttach rejected a block outright.
type RejectKind int

const (
	RejectNone RejectKind = iota
	RejectHeightMismatch
	RejectDuplicateProposal
	RejectInvalidPoW
	RejectStaleRoot
)

func (k RejectKind) String() string {
	switch k {
	case RejectHeightMismatch:
		return "height_mismatch"
	case RejectDuplicateProposal:
		return "duplicate_proposal"
	case RejectInvalidPoW:
		return "invalid_pow"
	case RejectStaleRoot:
		return "stale_root"
	default:
		return "none"
	}
}

// AttachOutcome is the tagged result of TryAttach.
type AttachOutcome struct {
	Kind   AttachKind
	ForkID ForkID
	Reject RejectKind
}

type entry struct {
	block types.Block
	rank  rank.BlockRank
}

// fork is a non-empty ordered sequence of blocks extending the canonical
// tip, owning its own contiguous slice — no pointers into other forks.
type fork struct {
	id      ForkID
	entries []entry
	sum     rank.ForkRank
}

func (f *fork) head() entry { return f.entries[len(f.entries)-1] }

func (f *fork) recomputeSum() {
	rs := make([]rank.BlockRank, len(f.entries))
	for i, e := range f.entries {
		rs[i] = e.rank
	}
	f.sum = rank.Fork(rs)
}

// ForkStore owns the entire set of competing forks plus the canonical
// tip pointer. All mutation holds a single mutex.
type ForkStore struct {
	mu sync.Mutex

	target TargetFunc

	canonicalTipHash   types.Hash32
	canonicalHeight    uint32

	nextID  ForkID
	forks   map[ForkID]*fork
	headIdx map[types.Hash32]ForkID // head block hash -> fork owning it
	seen    map[types.Hash32]struct{}
}

// New creates a ForkStore anchored at the given canonical tip.
func New(canonicalTipHash types.Hash32, canonicalHeight uint32, target TargetFunc) *ForkStore {
	return &ForkStore{
		target:           target,
		canonicalTipHash: canonicalTipHash,
		canonicalHeight:  canonicalHeight,
		forks:            make(map[ForkID]*fork),
		headIdx:          make(map[types.Hash32]ForkID),
		seen:             make(map[types.Hash32]struct{}),
	}
}

// CanonicalTip returns the current canonical tip hash and height.
func (s *ForkStore) CanonicalTip() (types.Hash32, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canonicalTipHash, s.canonicalHeight
}

// findInterior returns the fork and position of a block hash if it
// appears anywhere in any fork, for split-detection and duplicate checks.
func (s *ForkStore) findInterior(hash types.Hash32) (ForkID, int, bool) {
	for id, f := range s.forks {
		for i, e := range f.entries {
			if e.block.HeaderHash == hash {
				return id, i, true
			}
		}
	}
	return 0, 0, false
}

// TryAttach validates linkage and attaches block per the §4.3 linkage
// algorithm.
func (s *ForkStore) TryAttach(block types.Block) (AttachOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[block.HeaderHash]; dup {
		return AttachOutcome{Kind: AttachRejected, Reject: RejectDuplicateProposal}, nil
	}

	prev := block.Previous()

	// 1. Append to an existing fork's head.
	if forkID, ok := s.headIdx[prev]; ok {
		f := s.forks[forkID]
		if block.Height() != f.head().block.Height()+1 {
			return AttachOutcome{Kind: AttachRejected, Reject: RejectHeightMismatch}, nil
		}
		e := s.newEntry(block)
		delete(s.headIdx, prev)
		f.entries = append(f.entries, e)
		f.recomputeSum()
		s.headIdx[block.HeaderHash] = forkID
		s.seen[block.HeaderHash] = struct{}{}
		return AttachOutcome{Kind: AttachAppendedToTip, ForkID: forkID}, nil
	}

	// 2. Split: previous matches an interior block of some fork.
	if srcID, pos, ok := s.findInterior(prev); ok {
		src := s.forks[srcID]
		if pos == len(src.entries)-1 {
			// Already handled by the head-index branch above; unreachable
			// in practice but kept for defensiveness against stale index.
		}
		parentHeight := src.entries[pos].block.Height()
		if block.Height() != parentHeight+1 {
			return AttachOutcome{Kind: AttachRejected, Reject: RejectHeightMismatch}, nil
		}
		prefix := make([]entry, pos+1, pos+2)
		copy(prefix, src.entries[:pos+1])
		newE := s.newEntry(block)
		prefix = append(prefix, newE)

		id := s.allocID()
		nf := &fork{id: id, entries: prefix}
		nf.recomputeSum()
		s.forks[id] = nf
		s.headIdx[block.HeaderHash] = id
		s.seen[block.HeaderHash] = struct{}{}
		return AttachOutcome{Kind: AttachSplitFork, ForkID: id}, nil
	}

	// 3. New length-1 fork from the canonical tip.
	if prev == s.canonicalTipHash {
		if block.Height() != s.canonicalHeight+1 {
			return AttachOutcome{Kind: AttachRejected, Reject: RejectHeightMismatch}, nil
		}
		id := s.allocID()
		e := s.newEntry(block)
		nf := &fork{id: id, entries: []entry{e}}
		nf.recomputeSum()
		s.forks[id] = nf
		s.headIdx[block.HeaderHash] = id
		s.seen[block.HeaderHash] = struct{}{}
		return AttachOutcome{Kind: AttachNewFromCanonical, ForkID: id}, nil
	}

	// 4. Unknown parent: orphan (caller moves it to OrphanPool).
	return AttachOutcome{Kind: AttachOrphan}, nil
}

func (s *ForkStore) newEntry(block types.Block) entry {
	target := s.target(block.Height())
	return entry{block: block, rank: rank.Block(target, block.PowHash)}
}

func (s *ForkStore) allocID() ForkID {
	s.nextID++
	return s.nextID
}

// BestForkResult reports the outcome of BestFork: either a single best
// fork, or Tied (no fork is strictly greatest), or Empty (no forks at all).
type BestForkResult struct {
	ForkID ForkID
	Tied   bool
	Empty  bool
}

// BestFork returns the fork with strictly maximal ForkRank, or Tied if
// two or more forks share the maximal rank exactly.
func (s *ForkStore) BestFork() BestForkResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.forks) == 0 {
		return BestForkResult{Empty: true}
	}

	var bestID ForkID
	var bestSum rank.ForkRank
	tieCount := 0
	first := true

	for id, f := range s.forks {
		if first {
			bestID, bestSum = id, f.sum
			tieCount = 1
			first = false
			continue
		}
		switch rank.CompareForks(f.sum, bestSum) {
		case rank.Greater:
			bestID, bestSum = id, f.sum
			tieCount = 1
		case rank.Equal:
			tieCount++
		}
	}

	if tieCount > 1 {
		return BestForkResult{Tied: true}
	}
	return BestForkResult{ForkID: bestID}
}

// ForkBlocks returns a snapshot copy of a fork's blocks in order.
func (s *ForkStore) ForkBlocks(id ForkID) ([]types.Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.forks[id]
	if !ok {
		return nil, false
	}
	out := make([]types.Block, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.block
	}
	return out, true
}

// ForkRank returns a fork's current cumulative rank.
func (s *ForkStore) ForkRank(id ForkID) (rank.ForkRank, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.forks[id]
	if !ok {
		return rank.ForkRank{}, false
	}
	return f.sum, true
}

// Forks returns every live fork's ID, for summary/introspection endpoints.
func (s *ForkStore) Forks() []ForkID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]ForkID, 0, len(s.forks))
	for id := range s.forks {
		ids = append(ids, id)
	}
	return ids
}

// CanonicalReorg promotes newCanonicalPrefix into the canonical chain:
// forks that began with exactly this prefix are trimmed and re-rooted;
// every other fork is dropped.
func (s *ForkStore) CanonicalReorg(newCanonicalPrefix []types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(newCanonicalPrefix) == 0 {
		return fmt.Errorf("forkstore: empty canonical prefix")
	}

	prefixLen := len(newCanonicalPrefix)
	newTip := newCanonicalPrefix[prefixLen-1].HeaderHash

	for id, f := range s.forks {
		if !sharesPrefix(f.entries, newCanonicalPrefix) {
			s.dropFork(id)
			continue
		}
		if len(f.entries) == prefixLen {
			// Entire fork was confirmed; nothing survives it.
			s.dropFork(id)
			continue
		}
		f.entries = append([]entry(nil), f.entries[prefixLen:]...)
		f.recomputeSum()
	}

	// The confirmed prefix now lives only in chainstore, not in any fork's
	// entries, so its hashes would otherwise stay in seen forever. A
	// re-proposal of one of these is already rejected by the stale-root
	// height check in ProposalIngest, so it's safe to forget them here.
	// That check exempts a block whose previous is the zero hash; such a
	// re-proposal no longer links to the tip and is classified Orphan.
	for _, b := range newCanonicalPrefix {
		delete(s.seen, b.HeaderHash)
	}

	s.canonicalTipHash = newTip
	s.canonicalHeight = newCanonicalPrefix[prefixLen-1].Height()
	return nil
}

func sharesPrefix(entries []entry, prefix []types.Block) bool {
	if len(entries) < len(prefix) {
		return false
	}
	for i, b := range prefix {
		if entries[i].block.HeaderHash != b.HeaderHash {
			return false
		}
	}
	return true
}

// dropFork removes a fork and its head index entry. A hash is only
// cleared from seen if no other remaining fork still holds it — a split
// fork shares its pre-split prefix with a sibling, and dropping one must
// not clear duplicate-detection state the sibling still relies on.
// Caller holds mu.
func (s *ForkStore) dropFork(id ForkID) {
	f, ok := s.forks[id]
	if !ok {
		return
	}
	delete(s.forks, id)
	delete(s.headIdx, f.head().block.HeaderHash)
	for _, e := range f.entries {
		if !s.hashLiveElsewhere(e.block.HeaderHash) {
			delete(s.seen, e.block.HeaderHash)
		}
	}
}

// hashLiveElsewhere reports whether hash still appears in any remaining
// fork's entries. Caller holds mu.
func (s *ForkStore) hashLiveElsewhere(hash types.Hash32) bool {
	for _, f := range s.forks {
		for _, e := range f.entries {
			if e.block.HeaderHash == hash {
				return true
			}
		}
	}
	return false
}

// PruneBelow drops every fork not anchored to tipHash. Idempotent: a
// second call with the same tipHash is a no-op.
func (s *ForkStore) PruneBelow(tipHash types.Hash32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, f := range s.forks {
		if len(f.entries) == 0 || f.entries[0].block.Previous() != tipHash {
			s.dropFork(id)
		}
	}
}
