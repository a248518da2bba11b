// Package rank implements RankOracle: the pure arithmetic that turns a
// block's (target, pow_hash) pair into a BlockRank, sums a fork's blocks
// into a ForkRank, and totally orders two ForkRanks.
//
// Generalizes a single uint64 chain-weight comparison into a
// lexicographic (target_distance, hash_distance) pair. The 512-bit
// distances are math/big.Int — the one standard-library-only numeric
// type in this module; see DESIGN.md.
package rank

import (
	"math/big"

	"github.com/holiman/uint256"

	"github.com/darkfi-go/consensusd/pkg/types"
)

// Ordering is the three-state result of comparing two forks. It is
// surfaced explicitly rather than collapsed to a bool so that a tie is
// never silently treated as "less".
type Ordering int

const (
	Less Ordering = iota
	Equal
	Greater
)

// BlockRank is a single block's contribution to its fork's rank.
type BlockRank struct {
	TargetDistance *big.Int
	HashDistance   *big.Int
}

// ForkRank is the component-wise sum of every block's BlockRank in a fork.
type ForkRank struct {
	TargetDistance *big.Int
	HashDistance   *big.Int
}

// maxU256 returns 2^256 - 1, the ceiling every target_distance and
// hash_distance is measured from.
func maxU256() *uint256.Int {
	max := new(uint256.Int)
	return max.Not(max) // 0 negated bitwise = all ones
}

func distanceSquared(from uint256.Int) *big.Int {
	max := maxU256()
	diff := new(uint256.Int).Sub(max, &from)
	diffBig := diff.ToBig()
	return new(big.Int).Mul(diffBig, diffBig)
}

// Block computes a single block's rank from its target and recomputed
// PoW hash: target_distance = (MAX_U256-target)^2,
// hash_distance = (MAX_U256-pow_hash)^2.
func Block(target uint256.Int, powHash types.Hash32) BlockRank {
	hash := new(uint256.Int).SetBytes(powHash[:])
	return BlockRank{
		TargetDistance: distanceSquared(target),
		HashDistance:   distanceSquared(*hash),
	}
}

// Fork sums per-block ranks into a ForkRank. An empty fork (the canonical
// tip with no extension yet) has zero rank in both components.
func Fork(blocks []BlockRank) ForkRank {
	sum := ForkRank{TargetDistance: big.NewInt(0), HashDistance: big.NewInt(0)}
	for _, b := range blocks {
		sum.TargetDistance.Add(sum.TargetDistance, b.TargetDistance)
		sum.HashDistance.Add(sum.HashDistance, b.HashDistance)
	}
	return sum
}

// CompareForks implements the lexicographic order over (target_distance,
// hash_distance): target_distance discriminates first, hash_distance
// breaks ties on target_distance.
func CompareForks(a, b ForkRank) Ordering {
	switch a.TargetDistance.Cmp(b.TargetDistance) {
	case -1:
		return Less
	case 1:
		return Greater
	}
	switch a.HashDistance.Cmp(b.HashDistance) {
	case -1:
		return Less
	case 1:
		return Greater
	}
	return Equal
}
