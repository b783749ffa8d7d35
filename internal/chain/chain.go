// Package chain defines the contracts the networking core depends on but
// does not implement: the blockchain store and the consensus validator.
// It also provides a minimal in-memory reference implementation used by
// tests and the CLI's standalone mode. Block/transaction schema, consensus
// rules, and on-disk storage format are explicitly out of scope; this
// package models only the shape needed to drive sync and dispatch.
package chain

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
)

// Hash is a 32-byte block or transaction digest.
type Hash [32]byte

// Address is a 20-byte account or proposer identifier.
type Address [20]byte

// Header is the RLP-encoded portion of a Block that determines its hash.
type Header struct {
	ParentHash Hash
	Height     uint64
	Timestamp  uint64
	TxRoot     Hash
	Proposer   Address
}

// Transaction is an opaque transaction blob; its schema is out of scope for
// the networking core.
type Transaction []byte

// Block pairs a Header with its transaction list.
type Block struct {
	Header       Header
	Transactions []Transaction
}

// Hash returns the double-SHA256 digest of the RLP-encoded header, the same
// construction the replication layer this package is grounded on uses for
// block identity.
func (b *Block) Hash() (Hash, error) {
	data, err := rlp.EncodeToBytes(b.Header)
	if err != nil {
		return Hash{}, fmt.Errorf("chain: encode header: %w", err)
	}
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return Hash(second), nil
}

// BlockchainStore is the external, single-writer collaborator the
// dispatcher and sync manager operate through. Its implementation (on-disk
// format, indexing, pruning) is out of scope.
type BlockchainStore interface {
	Height() uint64
	HasBlock(h Hash) bool
	BlockByHeight(height uint64) (*Block, bool)
	BlocksInRange(start, end uint64) ([]*Block, error)
	AddBlock(b *Block) error
	AddTransaction(tx Transaction) error
	Snapshot() map[string]any
}

// Validator validates blocks and transactions before they are admitted to
// the store. Consensus rules are out of scope; this is a predicate
// interface only.
type Validator interface {
	ValidateBlock(b *Block) error
	ValidateTransaction(tx Transaction) error
}

// MemoryChain is a reference BlockchainStore/Validator used by tests and by
// the CLI's standalone (no external store configured) mode. It validates
// only that each block extends the current head by exactly one height and
// that its parent hash matches.
type MemoryChain struct {
	mu     sync.RWMutex
	blocks []*Block // index i holds height i; index 0 is genesis
}

// NewMemoryChain returns a MemoryChain seeded with a zero-height genesis
// block.
func NewMemoryChain() *MemoryChain {
	genesis := &Block{Header: Header{Height: 0}}
	return &MemoryChain{blocks: []*Block{genesis}}
}

func (c *MemoryChain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(len(c.blocks) - 1)
}

func (c *MemoryChain) HasBlock(h Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, b := range c.blocks {
		if bh, err := b.Hash(); err == nil && bh == h {
			return true
		}
	}
	return false
}

func (c *MemoryChain) BlockByHeight(height uint64) (*Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if height >= uint64(len(c.blocks)) {
		return nil, false
	}
	return c.blocks[height], true
}

func (c *MemoryChain) BlocksInRange(start, end uint64) ([]*Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if start > end {
		return nil, fmt.Errorf("chain: invalid range [%d,%d]", start, end)
	}
	if end >= uint64(len(c.blocks)) {
		end = uint64(len(c.blocks)) - 1
	}
	if start > end {
		return []*Block{}, nil
	}
	out := make([]*Block, 0, end-start+1)
	for h := start; h <= end; h++ {
		out = append(out, c.blocks[h])
	}
	return out, nil
}

func (c *MemoryChain) AddBlock(b *Block) error {
	if err := c.ValidateBlock(b); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks = append(c.blocks, b)
	return nil
}

func (c *MemoryChain) AddTransaction(tx Transaction) error {
	return c.ValidateTransaction(tx)
}

func (c *MemoryChain) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]any{"height": uint64(len(c.blocks) - 1)}
}

// ValidateBlock checks that b extends the current head by exactly one
// height and references the head's hash as its parent.
func (c *MemoryChain) ValidateBlock(b *Block) error {
	c.mu.RLock()
	head := c.blocks[len(c.blocks)-1]
	c.mu.RUnlock()

	if b.Header.Height != head.Header.Height+1 {
		return fmt.Errorf("chain: block height %d does not extend head %d", b.Header.Height, head.Header.Height)
	}
	headHash, err := head.Hash()
	if err != nil {
		return fmt.Errorf("chain: hash head: %w", err)
	}
	if b.Header.ParentHash != headHash {
		return fmt.Errorf("chain: parent hash mismatch at height %d", b.Header.Height)
	}
	return nil
}

// ValidateTransaction accepts any non-empty transaction blob; real
// validation rules are out of scope.
func (c *MemoryChain) ValidateTransaction(tx Transaction) error {
	if len(tx) == 0 {
		return fmt.Errorf("chain: empty transaction")
	}
	return nil
}
