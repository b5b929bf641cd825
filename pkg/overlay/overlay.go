// Package overlay implements the copy-on-write speculative execution layer
// that sits between execution and pkg/storage: proposal and validation run
// against a fresh Overlay forked off a parent state_root, and only
// finalization re-executes against authoritative storage to actually
// commit state.
package overlay

import (
	"sync"

	"github.com/simplexbft/node/pkg/smt"
	"github.com/simplexbft/node/pkg/types"
)

// Backing is the read side of authoritative storage an Overlay falls
// through to on a miss. pkg/storage.Storage satisfies this directly.
type Backing interface {
	GetAccount(addr types.Address) (*types.AccountInfo, error)
	GetStorageSlot(addr types.Address, slot types.Hash) (types.Hash, error)
	GetCode(hash types.Hash) ([]byte, error)
	GetNode(level int, path types.Hash) (types.Hash, bool)
}

type storageKey struct {
	addr types.Address
	slot types.Hash
}

type smtKey struct {
	level int
	path  types.Hash
}

// Overlay captures writes in memory, never mutating its Backing. Reads
// check the in-memory map first; on a miss they read through to Backing
// but do NOT populate the map, keeping the overlay's footprint proportional
// to what this proposal/validation actually wrote rather than everything it
// read.
//
// Writes to blocks, QCs, and consensus state never go through an Overlay at
// all — those tables are only ever touched directly against Storage by
// consensus, which is what keeps speculative execution from being able to
// mutate authoritative records.
type Overlay struct {
	mu      sync.RWMutex
	backing Backing

	accounts map[types.Address]*types.AccountInfo
	storage  map[storageKey]types.Hash
	code     map[types.Hash][]byte
	smt      map[smtKey]types.Hash
}

// New forks a speculative layer over backing. The caller separately
// constructs an smt.Tree rooted at the parent's state_root using the
// returned Overlay as its smt.NodeStore (the Overlay satisfies that
// interface directly), which is how a state commitment is forked off a
// parent root without touching the authoritative tree.
func New(backing Backing) *Overlay {
	return &Overlay{
		backing:  backing,
		accounts: make(map[types.Address]*types.AccountInfo),
		storage:  make(map[storageKey]types.Hash),
		code:     make(map[types.Hash][]byte),
		smt:      make(map[smtKey]types.Hash),
	}
}

func (o *Overlay) GetAccount(addr types.Address) (*types.AccountInfo, error) {
	o.mu.RLock()
	if acct, ok := o.accounts[addr]; ok {
		o.mu.RUnlock()
		return acct, nil
	}
	o.mu.RUnlock()
	return o.backing.GetAccount(addr)
}

func (o *Overlay) PutAccount(addr types.Address, acct *types.AccountInfo) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.accounts[addr] = acct
	return nil
}

func (o *Overlay) GetStorageSlot(addr types.Address, slot types.Hash) (types.Hash, error) {
	key := storageKey{addr: addr, slot: slot}
	o.mu.RLock()
	if v, ok := o.storage[key]; ok {
		o.mu.RUnlock()
		return v, nil
	}
	o.mu.RUnlock()
	return o.backing.GetStorageSlot(addr, slot)
}

func (o *Overlay) PutStorageSlot(addr types.Address, slot, value types.Hash) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.storage[storageKey{addr: addr, slot: slot}] = value
	return nil
}

func (o *Overlay) GetCode(hash types.Hash) ([]byte, error) {
	o.mu.RLock()
	if c, ok := o.code[hash]; ok {
		o.mu.RUnlock()
		return c, nil
	}
	o.mu.RUnlock()
	return o.backing.GetCode(hash)
}

func (o *Overlay) PutCode(hash types.Hash, code []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.code[hash] = code
	return nil
}

// GetNode and PutNode satisfy smt.NodeStore, letting a forked
// StateCommitment tree read through this Overlay exactly like any other
// table here.
func (o *Overlay) GetNode(level int, path types.Hash) (types.Hash, bool) {
	key := smtKey{level: level, path: path}
	o.mu.RLock()
	if v, ok := o.smt[key]; ok {
		o.mu.RUnlock()
		return v, true
	}
	o.mu.RUnlock()
	return o.backing.GetNode(level, path)
}

func (o *Overlay) PutNode(level int, path types.Hash, hash types.Hash) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.smt[smtKey{level: level, path: path}] = hash
}

var _ smt.NodeStore = (*Overlay)(nil)
