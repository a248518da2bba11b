// Mempool manager for pending transactions, feeding ConsensusLoop's
// candidate-block composition.
package mempool

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"github.com/darkfi-go/consensusd/internal/logger"
	"github.com/darkfi-go/consensusd/pkg/types"
)

// Transaction represents a pending transaction awaiting inclusion in a
// mined block.
type Transaction struct {
	Hash      types.Hash32
	From      [32]byte
	To        [32]byte
	Amount    uint64
	Nonce     uint64
	GasLimit  uint64
	GasPrice  uint64
	Signature types.Signature
	Data      []byte
	Fee       uint64
	AddedAt   time.Time
	Priority  float64
}

// Config holds mempool configuration.
type Config struct {
	MaxSize           int
	MaxTxAge          time.Duration
	CleanupInterval   time.Duration
	PriorityThreshold float64
	// MaxPerBlock bounds how many of the highest-priority transactions
	// Snapshot includes in a single candidate block.
	MaxPerBlock int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:           10000,
		MaxTxAge:          1 * time.Hour,
		CleanupInterval:   5 * time.Minute,
		PriorityThreshold: 0.0,
		MaxPerBlock:       2000,
	}
}

// Mempool manages pending transactions with priority ordering.
type Mempool struct {
	config Config
	log    *logger.Logger

	mu    sync.RWMutex
	txs   map[types.Hash32]*Transaction
	queue priorityQueue
	nonce map[[32]byte]uint64

	stopChan chan struct{}
}

// NewMempool creates a new mempool manager.
func NewMempool(cfg Config, log *logger.Logger) *Mempool {
	m := &Mempool{
		config:   cfg,
		log:      log,
		txs:      make(map[types.Hash32]*Transaction),
		queue:    make(priorityQueue, 0, cfg.MaxSize),
		nonce:    make(map[[32]byte]uint64),
		stopChan: make(chan struct{}),
	}
	heap.Init(&m.queue)
	return m
}

// Run runs the periodic cleanup loop until stop is closed or Stop is
// called.
func (m *Mempool) Run(stop <-chan struct{}) {
	m.log.WithField("max_size", m.config.MaxSize).Info("starting mempool cleanup loop")
	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Cleanup()
		case <-stop:
			return
		case <-m.stopChan:
			return
		}
	}
}

// Stop stops the mempool.
func (m *Mempool) Stop() {
	close(m.stopChan)
}

// AddTransaction adds a validated transaction to the mempool.
func (m *Mempool) AddTransaction(tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.txs[tx.Hash]; exists {
		return fmt.Errorf("transaction already in mempool: %x", tx.Hash[:8])
	}

	highestNonce, exists := m.nonce[tx.From]
	if exists && tx.Nonce < highestNonce {
		return fmt.Errorf("nonce too old: got %d, expected >= %d", tx.Nonce, highestNonce)
	}

	tx.Priority = calculatePriority(tx)
	tx.AddedAt = time.Now()

	if tx.Priority < m.config.PriorityThreshold {
		return fmt.Errorf("priority too low: %.2f < %.2f", tx.Priority, m.config.PriorityThreshold)
	}

	if len(m.txs) >= m.config.MaxSize {
		if err := m.evictLowestPriority(tx.Priority); err != nil {
			return fmt.Errorf("mempool full and tx priority too low: %w", err)
		}
	}

	m.txs[tx.Hash] = tx
	heap.Push(&m.queue, tx)
	m.nonce[tx.From] = tx.Nonce

	m.log.WithFields(logger.Fields{
		"hash":     fmt.Sprintf("%x", tx.Hash[:8]),
		"priority": tx.Priority,
		"size":     len(m.txs),
	}).Debug("transaction added to mempool")
	return nil
}

// GetTransaction retrieves a transaction by hash.
func (m *Mempool) GetTransaction(hash types.Hash32) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, exists := m.txs[hash]
	if !exists {
		return nil, fmt.Errorf("transaction not found: %x", hash[:8])
	}
	return tx, nil
}

// RemoveTransaction removes a transaction, e.g. after inclusion in a
// confirmed block.
func (m *Mempool) RemoveTransaction(hash types.Hash32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.txs[hash]; !exists {
		return fmt.Errorf("transaction not found: %x", hash[:8])
	}
	delete(m.txs, hash)
	return nil
}

// Snapshot deterministically selects the pending set for a new candidate
// block: the MaxPerBlock highest-priority transactions, ordered by hash
// to break priority ties reproducibly, with txRoot = blake3 of the
// ordered hash list. ConsensusLoop calls this once per composed
// candidate, to populate the header's transactions_root.
func (m *Mempool) Snapshot() (types.Hash32, []types.Hash32) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.config.MaxPerBlock
	if n <= 0 || n > len(m.txs) {
		n = len(m.txs)
	}

	queueCopy := make(priorityQueue, len(m.queue))
	copy(queueCopy, m.queue)
	heap.Init(&queueCopy)

	selected := make([]*Transaction, 0, n)
	for len(queueCopy) > 0 && len(selected) < n {
		tx := heap.Pop(&queueCopy).(*Transaction)
		if _, live := m.txs[tx.Hash]; !live {
			continue
		}
		selected = append(selected, tx)
	}

	sort.Slice(selected, func(i, j int) bool {
		if selected[i].Priority != selected[j].Priority {
			return selected[i].Priority > selected[j].Priority
		}
		return bytesLess(selected[i].Hash[:], selected[j].Hash[:])
	})

	txHashes := make([]types.Hash32, len(selected))
	hasher := blake3.New(32, nil)
	for i, tx := range selected {
		txHashes[i] = tx.Hash
		hasher.Write(tx.Hash[:])
	}
	var root types.Hash32
	copy(root[:], hasher.Sum(nil))
	return root, txHashes
}

func bytesLess(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Size returns the current number of transactions in mempool.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txs)
}

// Cleanup removes expired transactions.
func (m *Mempool) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for hash, tx := range m.txs {
		if now.Sub(tx.AddedAt) > m.config.MaxTxAge {
			delete(m.txs, hash)
			removed++
		}
	}
	if removed > 0 {
		m.log.WithFields(logger.Fields{
			"removed":   removed,
			"remaining": len(m.txs),
		}).Info("mempool cleanup completed")
	}
	return removed
}

func (m *Mempool) evictLowestPriority(newTxPriority float64) error {
	var lowestTx *Transaction
	for _, tx := range m.txs {
		if lowestTx == nil || tx.Priority < lowestTx.Priority {
			lowestTx = tx
		}
	}
	if lowestTx == nil {
		return fmt.Errorf("cannot evict from empty mempool")
	}
	if newTxPriority <= lowestTx.Priority {
		return fmt.Errorf("new tx priority %.2f <= lowest priority %.2f", newTxPriority, lowestTx.Priority)
	}
	delete(m.txs, lowestTx.Hash)
	return nil
}

// calculatePriority computes transaction priority score: fee per gas
// unit, scaled by an age factor measured from tx.AddedAt at the time of
// the call. AddTransaction calls it once, before it overwrites AddedAt
// with the admission time; priorities are not recomputed afterwards.
func calculatePriority(tx *Transaction) float64 {
	feePerGas := float64(tx.Fee) / float64(tx.GasLimit)
	ageBoost := 1.0 + (time.Since(tx.AddedAt).Seconds() / 3600.0)
	return feePerGas * ageBoost
}

// priorityQueue implements heap.Interface for transaction ordering.
type priorityQueue []*Transaction

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	return pq[i].Priority > pq[j].Priority
}
func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x interface{}) {
	*pq = append(*pq, x.(*Transaction))
}
func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	tx := old[n-1]
	*pq = old[0 : n-1]
	return tx
}
