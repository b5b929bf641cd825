// Package storage is the authoritative key-value persistence layer: the
// opaque byte store the rest of the node treats Storage as sitting on top
// of. It exposes logical tables (blocks, QCs, consensus meta, accounts,
// contract storage, code, SMT nodes) over a single cometbft-db handle,
// one prefixed key per logical record, every record RLP-encoded.
package storage

import (
	"encoding/binary"
	"fmt"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/simplexbft/node/pkg/smt"
	"github.com/simplexbft/node/pkg/types"
)

var (
	prefixBlock     = []byte("b:")
	prefixQC        = []byte("q:")
	prefixAccount   = []byte("a:")
	prefixStorage   = []byte("s:")
	prefixCode      = []byte("c:")
	prefixSMTLeaf   = []byte("ml:")
	prefixSMTBranch = []byte("mb:")

	keyConsensusState = []byte("meta:consensus_state")
)

// Storage wraps a cometbft-db handle with this protocol's logical tables.
// All writes go through SetSync: consensus only persists at points where a
// lost write would violate safety (see types.ConsensusState's doc), so
// every write here is made durable immediately rather than batched.
type Storage struct {
	db dbm.DB
}

// New wraps db. Callers pick the concrete implementation: GoLevelDB for a
// running node, MemDB for tests.
func New(db dbm.DB) *Storage {
	return &Storage{db: db}
}

func (s *Storage) Close() error { return s.db.Close() }

// --- Blocks ---

func blockKey(hash types.Hash) []byte {
	return append(append([]byte{}, prefixBlock...), hash[:]...)
}

func (s *Storage) PutBlock(block *types.Block) (types.Hash, error) {
	hash, err := block.Hash()
	if err != nil {
		return types.Hash{}, fmt.Errorf("storage: hash block: %w", err)
	}
	b, err := rlp.EncodeToBytes(block)
	if err != nil {
		return types.Hash{}, fmt.Errorf("storage: encode block: %w", err)
	}
	if err := s.db.SetSync(blockKey(hash), b); err != nil {
		return types.Hash{}, fmt.Errorf("storage: write block: %w", err)
	}
	return hash, nil
}

func (s *Storage) GetBlock(hash types.Hash) (*types.Block, error) {
	b, err := s.db.Get(blockKey(hash))
	if err != nil {
		return nil, fmt.Errorf("storage: read block: %w", err)
	}
	if b == nil {
		return nil, nil
	}
	var block types.Block
	if err := rlp.DecodeBytes(b, &block); err != nil {
		return nil, fmt.Errorf("storage: decode block: %w", err)
	}
	return &block, nil
}

func (s *Storage) HasBlock(hash types.Hash) (bool, error) {
	return s.db.Has(blockKey(hash))
}

// --- Quorum certificates ---
// At most one QC of a given kind can exist per view under the safety
// assumption that honest validators never aggregate conflicting votes, so
// QCs are keyed by (kind, view) rather than by content hash.

func qcKey(kind types.VoteKind, view uint64) []byte {
	key := append([]byte{}, prefixQC...)
	key = append(key, byte(kind))
	var viewBytes [8]byte
	binary.BigEndian.PutUint64(viewBytes[:], view)
	return append(key, viewBytes[:]...)
}

func (s *Storage) PutQC(qc *types.QuorumCertificate) error {
	b, err := rlp.EncodeToBytes(qc)
	if err != nil {
		return fmt.Errorf("storage: encode qc: %w", err)
	}
	if err := s.db.SetSync(qcKey(qc.Kind, qc.View), b); err != nil {
		return fmt.Errorf("storage: write qc: %w", err)
	}
	return nil
}

func (s *Storage) GetQC(kind types.VoteKind, view uint64) (*types.QuorumCertificate, error) {
	b, err := s.db.Get(qcKey(kind, view))
	if err != nil {
		return nil, fmt.Errorf("storage: read qc: %w", err)
	}
	if b == nil {
		return nil, nil
	}
	var qc types.QuorumCertificate
	if err := rlp.DecodeBytes(b, &qc); err != nil {
		return nil, fmt.Errorf("storage: decode qc: %w", err)
	}
	return &qc, nil
}

// --- Consensus state (the ConsensusState singleton) ---

func (s *Storage) PutConsensusState(state *types.ConsensusState) error {
	b, err := rlp.EncodeToBytes(state)
	if err != nil {
		return fmt.Errorf("storage: encode consensus state: %w", err)
	}
	if err := s.db.SetSync(keyConsensusState, b); err != nil {
		return fmt.Errorf("storage: write consensus state: %w", err)
	}
	return nil
}

// GetConsensusState returns nil, nil if no state has ever been persisted,
// which is how a node detects it must run genesis initialization.
func (s *Storage) GetConsensusState() (*types.ConsensusState, error) {
	b, err := s.db.Get(keyConsensusState)
	if err != nil {
		return nil, fmt.Errorf("storage: read consensus state: %w", err)
	}
	if b == nil {
		return nil, nil
	}
	var state types.ConsensusState
	if err := rlp.DecodeBytes(b, &state); err != nil {
		return nil, fmt.Errorf("storage: decode consensus state: %w", err)
	}
	return &state, nil
}

// --- Accounts ---

func accountKey(addr types.Address) []byte {
	return append(append([]byte{}, prefixAccount...), addr[:]...)
}

// PutAccount persists acct under addr. AccountInfo's Code field is stored
// separately under the code table, keyed by CodeHash, so identical code
// (the system contract, across every account that ever delegates to it) is
// stored once.
func (s *Storage) PutAccount(addr types.Address, acct *types.AccountInfo) error {
	code := acct.Code
	stripped := *acct
	stripped.Code = nil
	b, err := rlp.EncodeToBytes(&stripped)
	if err != nil {
		return fmt.Errorf("storage: encode account: %w", err)
	}
	if err := s.db.SetSync(accountKey(addr), b); err != nil {
		return fmt.Errorf("storage: write account: %w", err)
	}
	if len(code) > 0 && acct.CodeHash != types.ZeroHash {
		if err := s.PutCode(acct.CodeHash, code); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) GetAccount(addr types.Address) (*types.AccountInfo, error) {
	b, err := s.db.Get(accountKey(addr))
	if err != nil {
		return nil, fmt.Errorf("storage: read account: %w", err)
	}
	if b == nil {
		return nil, nil
	}
	var acct types.AccountInfo
	if err := rlp.DecodeBytes(b, &acct); err != nil {
		return nil, fmt.Errorf("storage: decode account: %w", err)
	}
	if acct.CodeHash != types.ZeroHash {
		code, err := s.GetCode(acct.CodeHash)
		if err != nil {
			return nil, err
		}
		acct.Code = code
	}
	return &acct, nil
}

// --- Contract storage ---

func storageKey(addr types.Address, slot types.Hash) []byte {
	key := append([]byte{}, prefixStorage...)
	key = append(key, addr[:]...)
	return append(key, slot[:]...)
}

func (s *Storage) PutStorageSlot(addr types.Address, slot, value types.Hash) error {
	if err := s.db.SetSync(storageKey(addr, slot), value[:]); err != nil {
		return fmt.Errorf("storage: write storage slot: %w", err)
	}
	return nil
}

func (s *Storage) GetStorageSlot(addr types.Address, slot types.Hash) (types.Hash, error) {
	b, err := s.db.Get(storageKey(addr, slot))
	if err != nil {
		return types.Hash{}, fmt.Errorf("storage: read storage slot: %w", err)
	}
	if b == nil {
		return types.Hash{}, nil
	}
	var out types.Hash
	copy(out[:], b)
	return out, nil
}

// --- Code ---

func codeKey(hash types.Hash) []byte {
	return append(append([]byte{}, prefixCode...), hash[:]...)
}

func (s *Storage) PutCode(hash types.Hash, code []byte) error {
	if err := s.db.SetSync(codeKey(hash), code); err != nil {
		return fmt.Errorf("storage: write code: %w", err)
	}
	return nil
}

func (s *Storage) GetCode(hash types.Hash) ([]byte, error) {
	b, err := s.db.Get(codeKey(hash))
	if err != nil {
		return nil, fmt.Errorf("storage: read code: %w", err)
	}
	return b, nil
}

// --- SMT node store ---
// Storage implements smt.NodeStore directly: the authoritative StateCommitment
// tree reads and writes through Storage with no overlay in front of it.

func smtNodeKey(level int, path types.Hash) []byte {
	prefix := prefixSMTBranch
	if level == smt.Depth {
		prefix = prefixSMTLeaf
	}
	key := append([]byte{}, prefix...)
	var levelBytes [2]byte
	binary.BigEndian.PutUint16(levelBytes[:], uint16(level))
	key = append(key, levelBytes[:]...)
	return append(key, path[:]...)
}

func (s *Storage) GetNode(level int, path types.Hash) (types.Hash, bool) {
	b, err := s.db.Get(smtNodeKey(level, path))
	if err != nil || b == nil {
		return types.Hash{}, false
	}
	var out types.Hash
	copy(out[:], b)
	return out, true
}

func (s *Storage) PutNode(level int, path types.Hash, hash types.Hash) {
	_ = s.db.SetSync(smtNodeKey(level, path), hash[:])
}

var _ smt.NodeStore = (*Storage)(nil)
