// Package txpool holds transactions admitted from RPC or gossip until
// consensus drains them into a proposal. It is one of the two objects
// shared across producers (RPC, transport) and the consensus consumer, so
// every exported method takes the pool's lock for the O(1) or O(N)-bounded
// work it does and releases it before returning.
package txpool

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/holiman/uint256"
	"github.com/simplexbft/node/pkg/types"
)

// ErrInvalidSignature is returned by Add when the transaction's BLS
// signature does not verify against its sighash.
var ErrInvalidSignature = errors.New("txpool: invalid signature")

// ErrAlreadyExists is returned by Add for a transaction hash already in
// the pool.
var ErrAlreadyExists = errors.New("txpool: transaction already exists")

// ErrInvalidNonce is returned by Add when tx.Nonce is below the account's
// on-disk nonce; it cannot possibly execute next.
type ErrInvalidNonce struct {
	Expected uint64
	Got      uint64
}

func (e *ErrInvalidNonce) Error() string {
	return fmt.Sprintf("txpool: invalid nonce: expected %d, got %d", e.Expected, e.Got)
}

// AccountNonceReader is the minimal read-only view into account state Add
// needs to reject stale transactions; pkg/storage.Storage satisfies it.
type AccountNonceReader interface {
	GetAccount(addr types.Address) (*types.AccountInfo, error)
}

// entry pairs a pooled transaction with its content hash, computed once on
// admission so Select and Remove never re-hash.
type entry struct {
	hash types.Hash
	tx   types.Transaction
}

// Pool is a hash-keyed transaction set with an auxiliary FIFO order for
// diagnostics and deterministic iteration.
type Pool struct {
	mu     sync.RWMutex
	byHash map[types.Hash]*entry
	order  []types.Hash

	logger *log.Logger
}

// New constructs an empty pool. logger may be nil, in which case a
// logger writing to the standard log output with a "[txpool] " prefix is
// used.
func New(logger *log.Logger) *Pool {
	if logger == nil {
		logger = log.New(log.Writer(), "[txpool] ", log.LstdFlags)
	}
	return &Pool{
		byHash: make(map[types.Hash]*entry),
		logger: logger,
	}
}

// Add validates and admits tx. It is the only mutating entry point that
// can reject a transaction outright.
func (p *Pool) Add(tx types.Transaction, accounts AccountNonceReader) (types.Hash, error) {
	if !tx.VerifySignature() {
		return types.Hash{}, ErrInvalidSignature
	}
	hash, err := tx.Hash()
	if err != nil {
		return types.Hash{}, fmt.Errorf("txpool: hash transaction: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byHash[hash]; exists {
		return hash, ErrAlreadyExists
	}

	acct, err := accounts.GetAccount(tx.SenderAddress())
	if err != nil {
		return types.Hash{}, fmt.Errorf("txpool: read sender account: %w", err)
	}
	var expected uint64
	if acct != nil {
		expected = acct.Nonce
	}
	if tx.Nonce < expected {
		return types.Hash{}, &ErrInvalidNonce{Expected: expected, Got: tx.Nonce}
	}

	p.byHash[hash] = &entry{hash: hash, tx: tx}
	p.order = append(p.order, hash)
	p.logger.Printf("admitted tx %x (nonce=%d, pool size=%d)", hash, tx.Nonce, len(p.order))
	return hash, nil
}

// Len reports the current pool size.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// Has reports whether hash is currently pooled.
func (p *Pool) Has(hash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.byHash[hash]
	return ok
}

// effectiveTip is min(max_priority_fee, max_fee - base_fee) for a
// transaction already known to clear max_fee >= base_fee.
func effectiveTip(tx *types.Transaction, baseFee *uint256.Int) *uint256.Int {
	headroom := new(uint256.Int).Sub(tx.MaxFeePerGas, baseFee)
	if tx.MaxPriorityFeePerGas.Lt(headroom) {
		return new(uint256.Int).Set(tx.MaxPriorityFeePerGas)
	}
	return headroom
}

// Select returns the ordered, packed set of transactions a leader should
// propose: filtered to max_fee >= base_fee, sorted by effective tip
// descending with deterministic tie-breaking, then greedily packed under
// blockGasLimit.
func (p *Pool) Select(blockGasLimit uint64, baseFee *uint256.Int) []types.Transaction {
	p.mu.RLock()
	candidates := make([]*entry, 0, len(p.order))
	for _, h := range p.order {
		if e, ok := p.byHash[h]; ok {
			candidates = append(candidates, e)
		}
	}
	p.mu.RUnlock()

	eligible := candidates[:0]
	for _, e := range candidates {
		if !e.tx.MaxFeePerGas.Lt(baseFee) {
			eligible = append(eligible, e)
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		tipA, tipB := effectiveTip(&a.tx, baseFee), effectiveTip(&b.tx, baseFee)
		if cmp := tipA.Cmp(tipB); cmp != 0 {
			return cmp > 0
		}
		senderA, senderB := a.tx.SenderAddress(), b.tx.SenderAddress()
		if senderA != senderB {
			return bytes.Compare(senderA[:], senderB[:]) < 0
		}
		if a.tx.Nonce != b.tx.Nonce {
			return a.tx.Nonce < b.tx.Nonce
		}
		return a.tx.SenderPublicKey.Hex() < b.tx.SenderPublicKey.Hex()
	})

	var gasUsed uint64
	packed := make([]types.Transaction, 0, len(eligible))
	for _, e := range eligible {
		if gasUsed+e.tx.GasLimit > blockGasLimit {
			continue
		}
		gasUsed += e.tx.GasLimit
		packed = append(packed, e.tx)
	}
	return packed
}

// RemoveMany deletes hashes from both the index and the FIFO order; it is
// idempotent, tolerating hashes already absent.
func (p *Pool) RemoveMany(hashes []types.Hash) {
	if len(hashes) == 0 {
		return
	}
	toRemove := make(map[types.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		toRemove[h] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for h := range toRemove {
		delete(p.byHash, h)
	}
	remaining := p.order[:0]
	for _, h := range p.order {
		if _, removed := toRemove[h]; !removed {
			remaining = append(remaining, h)
		}
	}
	p.order = remaining
}
