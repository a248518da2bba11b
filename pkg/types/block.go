// Block and header types shared across the consensus engine.
package types

import (
	"encoding/binary"

	"lukechampine.com/blake3"
)

// Hash32 identifies a block header or a transaction.
type Hash32 [32]byte

// ZeroHash is the sentinel previous-hash for the genesis block.
var ZeroHash = Hash32{}

func (h Hash32) IsZero() bool {
	return h == ZeroHash
}

// Signature is the producer's signature over a header hash.
// Verification is delegated outside the consensus core; the engine only
// carries the bytes through.
type Signature [64]byte

// Header is the fixed-width, serializable portion of a block that
// determines its identity.
type Header struct {
	Version          uint8
	Previous         Hash32
	Height           uint32
	Timestamp        uint64
	Nonce            uint64
	TransactionsRoot Hash32
	StateRoot        Hash32
}

const headerSize = 1 + 32 + 4 + 8 + 8 + 32 + 32

// Serialize produces the deterministic big-endian encoding hashed to form
// the header's identity and sent to the miner over the wire protocol.
func (h Header) Serialize() []byte {
	buf := make([]byte, headerSize)
	off := 0
	buf[off] = h.Version
	off++
	copy(buf[off:], h.Previous[:])
	off += 32
	binary.BigEndian.PutUint32(buf[off:], h.Height)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], h.Timestamp)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], h.Nonce)
	off += 8
	copy(buf[off:], h.TransactionsRoot[:])
	off += 32
	copy(buf[off:], h.StateRoot[:])
	off += 32
	return buf
}

// DeserializeHeader parses the wire encoding produced by Serialize.
func DeserializeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) != headerSize {
		return h, errHeaderSize
	}
	off := 0
	h.Version = buf[off]
	off++
	copy(h.Previous[:], buf[off:off+32])
	off += 32
	h.Height = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	h.Timestamp = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	h.Nonce = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	copy(h.TransactionsRoot[:], buf[off:off+32])
	off += 32
	copy(h.StateRoot[:], buf[off:off+32])
	off += 32
	return h, nil
}

// Hash computes the header's identity, H = blake3(serialize(header)).
func (h Header) Hash() Hash32 {
	sum := blake3.Sum256(h.Serialize())
	return Hash32(sum)
}

// Block is opaque to the core beyond the fields it needs to link, rank,
// and validate proposals.
type Block struct {
	Header            Header
	HeaderHash        Hash32
	TxHashes          []Hash32
	ProducerSignature Signature

	// PowHash is the RandomX hash recomputed by ProposalIngest (or by the
	// ConsensusLoop for locally mined blocks) and cached here so ForkStore
	// and RankOracle never recompute it.
	PowHash Hash32
}

func (b *Block) Previous() Hash32 { return b.Header.Previous }
func (b *Block) Height() uint32   { return b.Header.Height }
func (b *Block) Nonce() uint64    { return b.Header.Nonce }

// Finalize recomputes HeaderHash from the current header fields. Callers
// mutating Header (e.g. after a miner returns a nonce) must call this
// before the block is attached anywhere.
func (b *Block) Finalize() {
	b.HeaderHash = b.Header.Hash()
}

type headerSizeError struct{}

func (headerSizeError) Error() string { return "types: malformed header encoding" }

var errHeaderSize = headerSizeError{}
