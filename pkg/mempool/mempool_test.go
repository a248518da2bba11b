package mempool

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/darkfi-go/consensusd/internal/logger"
	"github.com/darkfi-go/consensusd/pkg/types"
)

func createTestMempool() *Mempool {
	cfg := DefaultConfig()
	cfg.MaxSize = 10
	cfg.MaxTxAge = 1 * time.Second
	cfg.CleanupInterval = 500 * time.Millisecond
	cfg.MaxPerBlock = 10

	log := logger.NewLogger("error")
	return NewMempool(cfg, log)
}

func createTestTransaction(nonce uint64, gasPrice uint64) *Transaction {
	hash := sha256.Sum256([]byte{byte(nonce), byte(gasPrice)})
	return &Transaction{
		Hash:     types.Hash32(hash),
		From:     [32]byte{1, 2, 3},
		To:       [32]byte{4, 5, 6},
		Amount:   1000000,
		Nonce:    nonce,
		GasLimit: 21000,
		GasPrice: gasPrice,
		Fee:      21000 * gasPrice,
		AddedAt:  time.Now(),
	}
}

func TestMempoolAddTransaction(t *testing.T) {
	m := createTestMempool()
	tx := createTestTransaction(0, 100)
	if err := m.AddTransaction(tx); err != nil {
		t.Fatalf("failed to add transaction: %v", err)
	}
	if m.Size() != 1 {
		t.Fatalf("expected size 1, got %d", m.Size())
	}
}

func TestMempoolDuplicateTransaction(t *testing.T) {
	m := createTestMempool()
	tx := createTestTransaction(0, 100)
	if err := m.AddTransaction(tx); err != nil {
		t.Fatalf("failed to add transaction: %v", err)
	}
	if err := m.AddTransaction(tx); err == nil {
		t.Fatal("expected error when adding duplicate transaction")
	}
}

func TestMempoolNonceOrdering(t *testing.T) {
	m := createTestMempool()
	tx1 := createTestTransaction(5, 100)
	if err := m.AddTransaction(tx1); err != nil {
		t.Fatalf("failed to add tx1: %v", err)
	}

	tx2 := createTestTransaction(3, 100)
	tx2.Hash = types.Hash32(sha256.Sum256([]byte{99}))
	if err := m.AddTransaction(tx2); err == nil {
		t.Fatal("expected error when adding tx with old nonce")
	}

	tx3 := createTestTransaction(6, 100)
	tx3.Hash = types.Hash32(sha256.Sum256([]byte{98}))
	if err := m.AddTransaction(tx3); err != nil {
		t.Fatalf("failed to add tx3: %v", err)
	}
	if m.Size() != 2 {
		t.Fatalf("expected size 2, got %d", m.Size())
	}
}

func TestMempoolSnapshotOrdersByPriorityThenHash(t *testing.T) {
	m := createTestMempool()
	tx1 := createTestTransaction(0, 100)
	tx2 := createTestTransaction(1, 500)
	tx3 := createTestTransaction(2, 300)

	m.AddTransaction(tx1)
	m.AddTransaction(tx2)
	m.AddTransaction(tx3)

	root, hashes := m.Snapshot()
	if len(hashes) != 3 {
		t.Fatalf("expected 3 hashes, got %d", len(hashes))
	}
	if hashes[0] != tx2.Hash {
		t.Fatalf("expected highest-priority tx2 first, got %x", hashes[0])
	}
	if root == types.ZeroHash {
		t.Fatal("expected a non-zero transactions root")
	}

	root2, _ := m.Snapshot()
	if root != root2 {
		t.Fatal("expected Snapshot to be deterministic across calls")
	}
}

func TestMempoolSnapshotRespectsMaxPerBlock(t *testing.T) {
	m := createTestMempool()
	m.config.MaxPerBlock = 2
	for i := uint64(0); i < 5; i++ {
		tx := createTestTransaction(i, 100+i)
		tx.Hash = types.Hash32(sha256.Sum256([]byte{byte(i)}))
		m.AddTransaction(tx)
	}

	_, hashes := m.Snapshot()
	if len(hashes) != 2 {
		t.Fatalf("expected snapshot capped at 2, got %d", len(hashes))
	}
}

func TestMempoolEviction(t *testing.T) {
	m := createTestMempool()
	for i := uint64(0); i < 10; i++ {
		tx := createTestTransaction(i, 100)
		tx.Hash = types.Hash32(sha256.Sum256([]byte{byte(i)}))
		if err := m.AddTransaction(tx); err != nil {
			t.Fatalf("failed to add transaction %d: %v", i, err)
		}
	}
	if m.Size() != 10 {
		t.Fatalf("expected size 10, got %d", m.Size())
	}

	highPriorityTx := createTestTransaction(10, 1000)
	highPriorityTx.Hash = types.Hash32(sha256.Sum256([]byte{99}))
	if err := m.AddTransaction(highPriorityTx); err != nil {
		t.Fatalf("failed to add high-priority transaction: %v", err)
	}
	if m.Size() != 10 {
		t.Fatalf("expected size 10 after eviction, got %d", m.Size())
	}
	if _, err := m.GetTransaction(highPriorityTx.Hash); err != nil {
		t.Fatal("high-priority transaction was not added")
	}
}

func TestMempoolRemoveTransaction(t *testing.T) {
	m := createTestMempool()
	tx := createTestTransaction(0, 100)
	m.AddTransaction(tx)
	if err := m.RemoveTransaction(tx.Hash); err != nil {
		t.Fatalf("failed to remove transaction: %v", err)
	}
	if m.Size() != 0 {
		t.Fatalf("expected size 0 after removal, got %d", m.Size())
	}
	if _, err := m.GetTransaction(tx.Hash); err == nil {
		t.Fatal("expected error when getting removed transaction")
	}
}

func TestMempoolCleanup(t *testing.T) {
	m := createTestMempool()

	oldTx := createTestTransaction(0, 100)
	oldTx.AddedAt = time.Now().Add(-2 * time.Second)
	m.txs[oldTx.Hash] = oldTx
	m.nonce[oldTx.From] = oldTx.Nonce

	recentTx := createTestTransaction(1, 100)
	recentTx.Hash = types.Hash32(sha256.Sum256([]byte{99}))
	m.AddTransaction(recentTx)

	if m.Size() != 2 {
		t.Fatalf("expected size 2, got %d", m.Size())
	}

	removed := m.Cleanup()
	if removed != 1 {
		t.Fatalf("expected 1 transaction removed, got %d", removed)
	}
	if m.Size() != 1 {
		t.Fatalf("expected size 1 after cleanup, got %d", m.Size())
	}
	if _, err := m.GetTransaction(oldTx.Hash); err == nil {
		t.Fatal("old transaction should have been removed")
	}
	if _, err := m.GetTransaction(recentTx.Hash); err != nil {
		t.Fatal("recent transaction should still exist")
	}
}

func TestMempoolRunStop(t *testing.T) {
	m := createTestMempool()
	stop := make(chan struct{})
	go m.Run(stop)

	tx := createTestTransaction(0, 100)
	if err := m.AddTransaction(tx); err != nil {
		t.Fatalf("failed to add transaction: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	close(stop)
}
