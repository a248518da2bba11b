package orphan

import (
	"testing"
	"time"

	"github.com/darkfi-go/consensusd/pkg/types"
)

func mkBlock(prev types.Hash32, height uint32) types.Block {
	h := types.Header{Previous: prev, Height: height}
	b := types.Block{Header: h}
	b.Finalize()
	return b
}

func TestAddAndDrain(t *testing.T) {
	p := New()
	parent := types.Hash32{0x01}
	b1 := mkBlock(parent, 5)
	b2 := mkBlock(parent, 6)

	now := time.Unix(1000, 0)
	p.Add(b1, now)
	p.Add(b2, now)

	if p.Count() != 2 {
		t.Fatalf("expected 2 orphans, got %d", p.Count())
	}
	if !p.Contains(b1.HeaderHash) {
		t.Fatalf("expected b1 to be present")
	}

	drained := p.Drain(parent)
	if len(drained) != 2 {
		t.Fatalf("expected to drain 2 blocks, got %d", len(drained))
	}
	if p.Count() != 0 {
		t.Fatalf("expected pool empty after drain, got %d", p.Count())
	}
}

func TestDrain_HeightOrder(t *testing.T) {
	p := New()
	parent := types.Hash32{0x01}
	b5 := mkBlock(parent, 5)
	b3 := mkBlock(parent, 3)
	b7 := mkBlock(parent, 7)

	now := time.Unix(1000, 0)
	p.Add(b5, now)
	p.Add(b3, now)
	p.Add(b7, now)

	drained := p.Drain(parent)
	if len(drained) != 3 {
		t.Fatalf("expected to drain 3 blocks, got %d", len(drained))
	}
	for i := 1; i < len(drained); i++ {
		if drained[i].Height() < drained[i-1].Height() {
			t.Fatalf("expected drain in height order, got %+v", drained)
		}
	}
	if drained[0].Height() != 3 || drained[1].Height() != 5 || drained[2].Height() != 7 {
		t.Fatalf("expected heights [3,5,7], got [%d,%d,%d]", drained[0].Height(), drained[1].Height(), drained[2].Height())
	}
}

func TestDrain_NoMatch(t *testing.T) {
	p := New()
	p.Add(mkBlock(types.Hash32{0x01}, 1), time.Unix(0, 0))

	drained := p.Drain(types.Hash32{0x02})
	if drained != nil {
		t.Fatalf("expected nil drain for unrelated parent, got %+v", drained)
	}
	if p.Count() != 1 {
		t.Fatalf("drain must not remove unrelated orphans")
	}
}

func TestExpire(t *testing.T) {
	p := New()
	parent := types.Hash32{0x01}
	old := mkBlock(parent, 1)
	fresh := mkBlock(parent, 2)

	base := time.Unix(1000, 0)
	p.Add(old, base)
	p.Add(fresh, base.Add(9*time.Minute))

	expired := p.Expire(base.Add(10*time.Minute+time.Second), 10*time.Minute)
	if len(expired) != 1 || expired[0] != old.HeaderHash {
		t.Fatalf("expected only the old orphan to expire, got %+v", expired)
	}
	if p.Count() != 1 {
		t.Fatalf("expected 1 orphan remaining, got %d", p.Count())
	}
}

func TestExpire_Idempotent(t *testing.T) {
	p := New()
	p.Add(mkBlock(types.Hash32{0x01}, 1), time.Unix(0, 0))

	first := p.Expire(time.Unix(10000, 0), time.Minute)
	second := p.Expire(time.Unix(10000, 0), time.Minute)

	if len(first) != 1 {
		t.Fatalf("expected first expire pass to evict 1, got %d", len(first))
	}
	if len(second) != 0 {
		t.Fatalf("expected second expire pass to be a no-op, got %d", len(second))
	}
}
