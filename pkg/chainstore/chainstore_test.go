package chainstore

import (
	"path/filepath"
	"testing"

	"github.com/darkfi-go/consensusd/internal/logger"
	"github.com/darkfi-go/consensusd/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chain.db")
	log := logger.NewLogger("error")
	s, err := Open(path, log)
	if err != nil {
		t.Fatalf("failed to open chainstore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mkBlock(prev types.Hash32, height uint32, nonce uint64) types.Block {
	h := types.Header{Previous: prev, Height: height, Nonce: nonce}
	b := types.Block{Header: h}
	b.Finalize()
	b.TxHashes = []types.Hash32{{0x01}, {0x02}}
	return b
}

func TestAppendAndTip(t *testing.T) {
	s := openTestStore(t)

	tip, height, err := s.Tip()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tip != types.ZeroHash || height != 0 {
		t.Fatalf("expected empty-chain sentinel tip, got %v/%d", tip, height)
	}

	b1 := mkBlock(types.ZeroHash, 1, 1)
	if err := s.Append(b1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b2 := mkBlock(b1.HeaderHash, 2, 2)
	if err := s.Append(b2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tip, height, err = s.Tip()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tip != b2.HeaderHash || height != 2 {
		t.Fatalf("expected tip at b2/height 2, got %v/%d", tip, height)
	}
}

func TestGetAndGetAtHeight(t *testing.T) {
	s := openTestStore(t)
	b1 := mkBlock(types.ZeroHash, 1, 1)
	if err := s.Append(b1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.Get(b1.HeaderHash)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Height() != 1 || len(got.TxHashes) != 2 {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}

	byHeight, err := s.GetAtHeight(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if byHeight.HeaderHash != b1.HeaderHash {
		t.Fatalf("expected GetAtHeight to return b1, got %+v", byHeight)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(types.Hash32{0xFF})
	if err == nil {
		t.Fatalf("expected an error for a missing block")
	}
}
