// Package orphan implements the OrphanPool: blocks whose previous hash is
// not yet known to the ForkStore, held until their parent arrives or they
// expire.
//
// Built around a cleanup-loop idiom — a map protected by a mutex, walked
// periodically to evict entries past their TTL — adapted from pending
// transactions to pending blocks indexed by the parent hash they are
// waiting on.
package orphan

import (
	"sort"
	"sync"
	"time"

	"github.com/darkfi-go/consensusd/pkg/types"
)

// Entry is a single pending block plus its bookkeeping.
type Entry struct {
	Block           types.Block
	ArrivalTime     time.Time
	ParentHash      types.Hash32
}

// Pool holds orphans indexed both by their own hash (for dedup) and by
// the parent hash they are waiting on (for fast drain on parent arrival).
type Pool struct {
	mu sync.Mutex

	byHash   map[types.Hash32]Entry
	byParent map[types.Hash32]map[types.Hash32]struct{} // parent -> set of orphan hashes waiting on it
}

// New creates an empty OrphanPool.
func New() *Pool {
	return &Pool{
		byHash:   make(map[types.Hash32]Entry),
		byParent: make(map[types.Hash32]map[types.Hash32]struct{}),
	}
}

// Add inserts block into the pool, keyed on its previous hash. A
// duplicate hash is a no-op — callers check membership first via
// ProposalIngest's overall duplicate detection.
func (p *Pool) Add(block types.Block, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byHash[block.HeaderHash]; exists {
		return
	}
	parent := block.Previous()
	p.byHash[block.HeaderHash] = Entry{Block: block, ArrivalTime: now, ParentHash: parent}
	if p.byParent[parent] == nil {
		p.byParent[parent] = make(map[types.Hash32]struct{})
	}
	p.byParent[parent][block.HeaderHash] = struct{}{}
}

// Contains reports whether hash is currently held as an orphan.
func (p *Pool) Contains(hash types.Hash32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byHash[hash]
	return ok
}

// Drain removes and returns every orphan directly waiting on parentHash,
// called once ForkStore successfully attaches a block with that hash so
// ProposalIngest can retry them in height order, lowest first.
func (p *Pool) Drain(parentHash types.Hash32) []types.Block {
	p.mu.Lock()
	defer p.mu.Unlock()

	waiting, ok := p.byParent[parentHash]
	if !ok || len(waiting) == 0 {
		return nil
	}
	out := make([]types.Block, 0, len(waiting))
	for hash := range waiting {
		entry, ok := p.byHash[hash]
		if !ok {
			continue
		}
		out = append(out, entry.Block)
		delete(p.byHash, hash)
	}
	delete(p.byParent, parentHash)
	sort.Slice(out, func(i, j int) bool { return out[i].Height() < out[j].Height() })
	return out
}

// Expire evicts every orphan whose arrival time is older than ttl relative
// to now, returning the hashes removed.
func (p *Pool) Expire(now time.Time, ttl time.Duration) []types.Hash32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []types.Hash32
	for hash, entry := range p.byHash {
		if now.Sub(entry.ArrivalTime) <= ttl {
			continue
		}
		expired = append(expired, hash)
		delete(p.byHash, hash)
		if set, ok := p.byParent[entry.ParentHash]; ok {
			delete(set, hash)
			if len(set) == 0 {
				delete(p.byParent, entry.ParentHash)
			}
		}
	}
	return expired
}

// Count reports how many orphans are currently held, for the operator
// surface's get_orphan_count endpoint.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byHash)
}
