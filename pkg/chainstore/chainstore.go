// Package chainstore persists the confirmed canonical chain, append-only,
// over a pure-Go SQLite backend.
//
// Built around sql.DB + WAL pragma + foreign_keys pragma + sync.RWMutex,
// hex-encoded fixed-size byte arrays as TEXT columns, and structured-log
// side effects on every write, adapted from account/escrow ledger rows
// to append-only block rows: no UPDATE path exists here because the
// canonical chain is append-only.
package chainstore

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/darkfi-go/consensusd/internal/logger"
	"github.com/darkfi-go/consensusd/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS blocks (
	header_hash        TEXT PRIMARY KEY,
	height             INTEGER NOT NULL UNIQUE,
	version            INTEGER NOT NULL,
	previous           TEXT NOT NULL,
	timestamp          INTEGER NOT NULL,
	nonce              INTEGER NOT NULL,
	transactions_root  TEXT NOT NULL,
	state_root         TEXT NOT NULL,
	pow_hash           TEXT NOT NULL,
	tx_hashes          TEXT NOT NULL,
	producer_signature TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_blocks_height ON blocks(height);
`

// Store is the canonical chain's single-writer persistence handle; the
// validator exclusively owns the CanonicalChain writer handle.
type Store struct {
	db  *sql.DB
	log *logger.Logger
	mu  sync.RWMutex
}

// Open creates (or reuses) the SQLite database at path and ensures the
// blocks schema exists. Any failure here or on a later write is treated
// as a StorePersistFailed condition — Fatal, triggering graceful
// shutdown.
func Open(path string, log *logger.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("chainstore: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.WithError(err).Warn("failed to enable WAL mode, continuing with default journaling")
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		log.WithError(err).Warn("failed to enable foreign keys")
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("chainstore: migrate schema: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func hashHex(h types.Hash32) string { return hex.EncodeToString(h[:]) }

func parseHash(s string) (types.Hash32, error) {
	var h types.Hash32
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(h) {
		return h, fmt.Errorf("chainstore: malformed hash %q", s)
	}
	copy(h[:], b)
	return h, nil
}

// Append writes block to the canonical chain. The caller (ConfirmGate)
// guarantees height strictly increases and previous matches the current
// tip; Append does not re-derive that invariant, it only persists.
func (s *Store) Append(block types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txHashes := make([]string, len(block.TxHashes))
	for i, h := range block.TxHashes {
		txHashes[i] = hashHex(h)
	}
	txHashesJSON, err := json.Marshal(txHashes)
	if err != nil {
		return fmt.Errorf("chainstore: marshal tx_hashes: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO blocks (header_hash, height, version, previous, timestamp, nonce,
			transactions_root, state_root, pow_hash, tx_hashes, producer_signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		hashHex(block.HeaderHash),
		block.Height(),
		block.Header.Version,
		hashHex(block.Header.Previous),
		block.Header.Timestamp,
		block.Header.Nonce,
		hashHex(block.Header.TransactionsRoot),
		hashHex(block.Header.StateRoot),
		hashHex(block.PowHash),
		string(txHashesJSON),
		hex.EncodeToString(block.ProducerSignature[:]),
	)
	if err != nil {
		return fmt.Errorf("chainstore: append block at height %d: %w", block.Height(), err)
	}

	s.log.WithFields(logger.Fields{
		"height": block.Height(),
		"hash":   hashHex(block.HeaderHash)[:16],
	}).Debug("appended block to canonical chain")
	return nil
}

// Tip returns the highest-height block's hash and height, or the zero
// hash at height 0 as the genesis sentinel for an empty chain.
func (s *Store) Tip() (types.Hash32, uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hashHexStr string
	var height uint32
	err := s.db.QueryRow(`SELECT header_hash, height FROM blocks ORDER BY height DESC LIMIT 1`).
		Scan(&hashHexStr, &height)
	if err == sql.ErrNoRows {
		return types.ZeroHash, 0, nil
	}
	if err != nil {
		return types.Hash32{}, 0, fmt.Errorf("chainstore: tip query: %w", err)
	}
	h, err := parseHash(hashHexStr)
	if err != nil {
		return types.Hash32{}, 0, err
	}
	return h, height, nil
}

// Get retrieves a block by its header hash.
func (s *Store) Get(hash types.Hash32) (types.Block, error) {
	return s.query(`WHERE header_hash = ?`, hashHex(hash))
}

// GetAtHeight retrieves the canonical block at a given height.
func (s *Store) GetAtHeight(height uint32) (types.Block, error) {
	return s.query(`WHERE height = ?`, height)
}

func (s *Store) query(whereClause string, arg interface{}) (types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT header_hash, height, version, previous, timestamp, nonce,
			transactions_root, state_root, pow_hash, tx_hashes, producer_signature
		FROM blocks `+whereClause, arg)

	var (
		headerHashHex, previousHex, txRootHex, stateRootHex, powHashHex string
		sigHex, txHashesJSON                                            string
		height                                                          uint32
		version                                                         uint8
		timestamp, nonce                                                uint64
	)
	if err := row.Scan(&headerHashHex, &height, &version, &previousHex, &timestamp, &nonce,
		&txRootHex, &stateRootHex, &powHashHex, &txHashesJSON, &sigHex); err != nil {
		if err == sql.ErrNoRows {
			return types.Block{}, fmt.Errorf("chainstore: block not found")
		}
		return types.Block{}, fmt.Errorf("chainstore: query block: %w", err)
	}

	previous, err := parseHash(previousHex)
	if err != nil {
		return types.Block{}, err
	}
	txRoot, err := parseHash(txRootHex)
	if err != nil {
		return types.Block{}, err
	}
	stateRoot, err := parseHash(stateRootHex)
	if err != nil {
		return types.Block{}, err
	}
	powHash, err := parseHash(powHashHex)
	if err != nil {
		return types.Block{}, err
	}
	headerHash, err := parseHash(headerHashHex)
	if err != nil {
		return types.Block{}, err
	}

	var txHashHexes []string
	if err := json.Unmarshal([]byte(txHashesJSON), &txHashHexes); err != nil {
		return types.Block{}, fmt.Errorf("chainstore: unmarshal tx_hashes: %w", err)
	}
	txHashes := make([]types.Hash32, len(txHashHexes))
	for i, hx := range txHashHexes {
		h, err := parseHash(hx)
		if err != nil {
			return types.Block{}, err
		}
		txHashes[i] = h
	}

	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return types.Block{}, fmt.Errorf("chainstore: malformed signature: %w", err)
	}
	var sig types.Signature
	copy(sig[:], sigBytes)

	block := types.Block{
		Header: types.Header{
			Version:          version,
			Previous:         previous,
			Height:           height,
			Timestamp:        timestamp,
			Nonce:            nonce,
			TransactionsRoot: txRoot,
			StateRoot:        stateRoot,
		},
		HeaderHash:        headerHash,
		TxHashes:          txHashes,
		ProducerSignature: sig,
		PowHash:           powHash,
	}
	return block, nil
}
