package forkstore

import (
	"testing"

	"github.com/holiman/uint256"

	"github.com/darkfi-go/consensusd/pkg/types"
)

func fixedTarget(height uint32) uint256.Int {
	// A mid-range target so every test block's distance is comparable and
	// non-zero; individual tests vary PowHash to control ranking.
	var t uint256.Int
	t.SetAllOne()
	t.Rsh(&t, 8)
	return t
}

func mkBlock(t *testing.T, prev types.Hash32, height uint32, nonce uint64, powHash byte) types.Block {
	t.Helper()
	h := types.Header{
		Version:   1,
		Previous:  prev,
		Height:    height,
		Timestamp: uint64(height) * 10,
		Nonce:     nonce,
	}
	b := types.Block{Header: h}
	b.Finalize()
	for i := range b.PowHash {
		b.PowHash[i] = powHash
	}
	return b
}

func TestTryAttach_NewForkFromCanonical(t *testing.T) {
	s := New(types.ZeroHash, 0, fixedTarget)
	b1 := mkBlock(t, types.ZeroHash, 1, 1, 0xAA)

	out, err := s.TryAttach(b1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != AttachNewFromCanonical {
		t.Fatalf("expected AttachNewFromCanonical, got %v", out.Kind)
	}

	best := s.BestFork()
	if best.Empty || best.Tied {
		t.Fatalf("expected a single best fork, got %+v", best)
	}
	if best.ForkID != out.ForkID {
		t.Fatalf("best fork %v != attached fork %v", best.ForkID, out.ForkID)
	}
}

func TestTryAttach_AppendToTip(t *testing.T) {
	s := New(types.ZeroHash, 0, fixedTarget)
	b1 := mkBlock(t, types.ZeroHash, 1, 1, 0xAA)
	out1, _ := s.TryAttach(b1)

	b2 := mkBlock(t, b1.HeaderHash, 2, 2, 0xBB)
	out2, err := s.TryAttach(b2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out2.Kind != AttachAppendedToTip {
		t.Fatalf("expected AttachAppendedToTip, got %v", out2.Kind)
	}
	if out2.ForkID != out1.ForkID {
		t.Fatalf("append should reuse the same fork id")
	}

	blocks, ok := s.ForkBlocks(out1.ForkID)
	if !ok || len(blocks) != 2 {
		t.Fatalf("expected 2 blocks in fork, got %+v", blocks)
	}
}

func TestTryAttach_SplitFork(t *testing.T) {
	s := New(types.ZeroHash, 0, fixedTarget)
	b1 := mkBlock(t, types.ZeroHash, 1, 1, 0xAA)
	s.TryAttach(b1)
	b2 := mkBlock(t, b1.HeaderHash, 2, 2, 0xBB)
	s.TryAttach(b2)

	// Competing block extending b1 instead of b2.
	b2Alt := mkBlock(t, b1.HeaderHash, 2, 3, 0xCC)
	out, err := s.TryAttach(b2Alt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != AttachSplitFork {
		t.Fatalf("expected AttachSplitFork, got %v", out.Kind)
	}

	blocks, ok := s.ForkBlocks(out.ForkID)
	if !ok || len(blocks) != 2 {
		t.Fatalf("split fork should contain [b1, b2Alt], got %+v", blocks)
	}
	if blocks[0].HeaderHash != b1.HeaderHash {
		t.Fatalf("split fork should share the common prefix")
	}

	if len(s.Forks()) != 2 {
		t.Fatalf("expected 2 competing forks after split, got %d", len(s.Forks()))
	}
}

func TestTryAttach_Orphan(t *testing.T) {
	s := New(types.ZeroHash, 0, fixedTarget)
	unknownParent := types.Hash32{0xFF}
	b := mkBlock(t, unknownParent, 1, 1, 0xAA)

	out, err := s.TryAttach(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != AttachOrphan {
		t.Fatalf("expected AttachOrphan, got %v", out.Kind)
	}
	if len(s.Forks()) != 0 {
		t.Fatalf("orphan must not create a fork")
	}
}

func TestTryAttach_DuplicateRejected(t *testing.T) {
	s := New(types.ZeroHash, 0, fixedTarget)
	b1 := mkBlock(t, types.ZeroHash, 1, 1, 0xAA)
	s.TryAttach(b1)

	out, err := s.TryAttach(b1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != AttachRejected || out.Reject != RejectDuplicateProposal {
		t.Fatalf("expected DuplicateProposal rejection, got %+v", out)
	}
}

func TestTryAttach_HeightMismatchRejected(t *testing.T) {
	s := New(types.ZeroHash, 0, fixedTarget)
	bad := mkBlock(t, types.ZeroHash, 5, 1, 0xAA)

	out, err := s.TryAttach(bad)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != AttachRejected || out.Reject != RejectHeightMismatch {
		t.Fatalf("expected HeightMismatch rejection, got %+v", out)
	}
}

func TestBestFork_Tied(t *testing.T) {
	s := New(types.ZeroHash, 0, fixedTarget)
	// Identical PowHash byte on both length-1 forks yields equal rank.
	b1 := mkBlock(t, types.ZeroHash, 1, 1, 0xAA)
	b2 := mkBlock(t, types.ZeroHash, 1, 2, 0xAA)
	s.TryAttach(b1)
	s.TryAttach(b2)

	best := s.BestFork()
	if !best.Tied {
		t.Fatalf("expected a tie between two equal-rank forks, got %+v", best)
	}
}

func TestCanonicalReorg_PromotesPrefixAndDropsLosers(t *testing.T) {
	s := New(types.ZeroHash, 0, fixedTarget)
	b1 := mkBlock(t, types.ZeroHash, 1, 1, 0xAA)
	s.TryAttach(b1)
	b2 := mkBlock(t, b1.HeaderHash, 2, 2, 0xBB)
	s.TryAttach(b2)
	b3 := mkBlock(t, b2.HeaderHash, 3, 3, 0xCC)
	s.TryAttach(b3)

	// A losing fork rooted at the canonical tip, for the drop path.
	loser := mkBlock(t, types.ZeroHash, 1, 9, 0x01)
	s.TryAttach(loser)

	if err := s.CanonicalReorg([]types.Block{b1, b2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tip, height := s.CanonicalTip()
	if tip != b2.HeaderHash || height != 2 {
		t.Fatalf("expected canonical tip b2/height 2, got %v/%d", tip, height)
	}

	ids := s.Forks()
	if len(ids) != 1 {
		t.Fatalf("expected exactly one surviving fork ([b3]), got %d", len(ids))
	}
	blocks, _ := s.ForkBlocks(ids[0])
	if len(blocks) != 1 || blocks[0].HeaderHash != b3.HeaderHash {
		t.Fatalf("surviving fork should be trimmed to [b3], got %+v", blocks)
	}
}

func TestPruneBelow_Idempotent(t *testing.T) {
	s := New(types.ZeroHash, 0, fixedTarget)
	b1 := mkBlock(t, types.ZeroHash, 1, 1, 0xAA)
	s.TryAttach(b1)

	s.PruneBelow(types.ZeroHash)
	first := len(s.Forks())
	s.PruneBelow(types.ZeroHash)
	second := len(s.Forks())

	if first != second {
		t.Fatalf("PruneBelow must be idempotent, got %d then %d", first, second)
	}
}
