package rank

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"

	"github.com/darkfi-go/consensusd/pkg/types"
)

func hashOf(b byte) types.Hash32 {
	var h types.Hash32
	for i := range h {
		h[i] = b
	}
	return h
}

func TestBlock_Deterministic(t *testing.T) {
	var target uint256.Int
	target.SetAllOne()
	target.Rsh(&target, 8)
	hash := hashOf(0xAA)

	r1 := Block(target, hash)
	r2 := Block(target, hash)

	if r1.TargetDistance.Cmp(r2.TargetDistance) != 0 {
		t.Fatalf("TargetDistance not deterministic: %v vs %v", r1.TargetDistance, r2.TargetDistance)
	}
	if r1.HashDistance.Cmp(r2.HashDistance) != 0 {
		t.Fatalf("HashDistance not deterministic: %v vs %v", r1.HashDistance, r2.HashDistance)
	}
}

func TestBlock_DistanceFormula(t *testing.T) {
	// A target of all-ones (== MAX_U256) makes target_distance exactly 0.
	var maxTarget uint256.Int
	maxTarget.SetAllOne()

	r := Block(maxTarget, hashOf(0x00))
	if r.TargetDistance.Sign() != 0 {
		t.Fatalf("expected zero target_distance at max target, got %v", r.TargetDistance)
	}
	if r.HashDistance.Cmp(new(big.Int).Mul(maxU256().ToBig(), maxU256().ToBig())) != 0 {
		t.Fatalf("expected hash_distance = MAX_U256^2 for a zero hash, got %v", r.HashDistance)
	}
}

func TestBlock_LowerTargetYieldsHigherDistance(t *testing.T) {
	var loose, tight uint256.Int
	loose.SetAllOne()
	tight.SetAllOne()
	tight.Rsh(&tight, 16) // a much smaller (harder) target

	hash := hashOf(0x55)
	looseRank := Block(loose, hash)
	tightRank := Block(tight, hash)

	if tightRank.TargetDistance.Cmp(looseRank.TargetDistance) <= 0 {
		t.Fatalf("a harder (smaller) target must yield a strictly larger target_distance")
	}
}

func TestFork_SumsComponentwise(t *testing.T) {
	var target uint256.Int
	target.SetAllOne()
	target.Rsh(&target, 8)

	b1 := Block(target, hashOf(0x01))
	b2 := Block(target, hashOf(0x02))

	sum := Fork([]BlockRank{b1, b2})

	wantTarget := new(big.Int).Add(b1.TargetDistance, b2.TargetDistance)
	wantHash := new(big.Int).Add(b1.HashDistance, b2.HashDistance)

	if sum.TargetDistance.Cmp(wantTarget) != 0 {
		t.Fatalf("TargetDistance sum mismatch: got %v want %v", sum.TargetDistance, wantTarget)
	}
	if sum.HashDistance.Cmp(wantHash) != 0 {
		t.Fatalf("HashDistance sum mismatch: got %v want %v", sum.HashDistance, wantHash)
	}
}

func TestFork_Empty(t *testing.T) {
	sum := Fork(nil)
	if sum.TargetDistance.Sign() != 0 || sum.HashDistance.Sign() != 0 {
		t.Fatalf("expected zero rank for an empty fork, got %+v", sum)
	}
}

func TestCompareForks_TargetDistanceDiscriminates(t *testing.T) {
	a := ForkRank{TargetDistance: big.NewInt(10), HashDistance: big.NewInt(0)}
	b := ForkRank{TargetDistance: big.NewInt(20), HashDistance: big.NewInt(1000)}

	if got := CompareForks(a, b); got != Less {
		t.Fatalf("expected Less when TargetDistance is smaller regardless of HashDistance, got %v", got)
	}
	if got := CompareForks(b, a); got != Greater {
		t.Fatalf("expected Greater, got %v", got)
	}
}

func TestCompareForks_HashDistanceBreaksTie(t *testing.T) {
	a := ForkRank{TargetDistance: big.NewInt(10), HashDistance: big.NewInt(5)}
	b := ForkRank{TargetDistance: big.NewInt(10), HashDistance: big.NewInt(6)}

	if got := CompareForks(a, b); got != Less {
		t.Fatalf("expected Less when TargetDistance ties and HashDistance is smaller, got %v", got)
	}
	if got := CompareForks(b, a); got != Greater {
		t.Fatalf("expected Greater, got %v", got)
	}
}

func TestCompareForks_ExactTieIsEqual(t *testing.T) {
	a := ForkRank{TargetDistance: big.NewInt(42), HashDistance: big.NewInt(7)}
	b := ForkRank{TargetDistance: big.NewInt(42), HashDistance: big.NewInt(7)}

	if got := CompareForks(a, b); got != Equal {
		t.Fatalf("expected Equal for identical ranks, got %v", got)
	}
}
