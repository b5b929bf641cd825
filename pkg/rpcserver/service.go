// Package rpcserver exposes the node's JSON-RPC facade, built on
// go-ethereum's own rpc package rather than a hand-rolled HTTP router —
// go-ethereum is already a direct dependency and the surface here
// (positional params, nullable returns, JSON-hex-friendly types) is
// shaped the same way its own eth_* namespace is.
package rpcserver

import (
	"fmt"
	"log"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"github.com/simplexbft/node/pkg/gossip"
	"github.com/simplexbft/node/pkg/storage"
	"github.com/simplexbft/node/pkg/txpool"
	"github.com/simplexbft/node/pkg/types"
)

// Engine is the subset of pkg/consensus.Engine this service reads from.
// A narrow interface keeps this package from depending on pkg/consensus
// and lets tests supply a stub.
type Engine interface {
	State() *types.ConsensusState
	SuggestBaseFee() (*uint256.Int, error)
}

// rpcError implements go-ethereum rpc's error interface so
// send_transaction failures surface with the −32000 diagnostic code this
// API uses, instead of the JSON-RPC default −32603.
type rpcError struct {
	msg string
}

func (e *rpcError) Error() string  { return e.msg }
func (e *rpcError) ErrorCode() int { return -32000 }

// Service is registered under the "node" namespace; every exported
// method becomes node_<camelCase> per go-ethereum rpc's reflection-based
// dispatch (e.g. GetBlockByHash -> node_getBlockByHash).
type Service struct {
	store   *storage.Storage
	engine  Engine
	pool    *txpool.Pool
	network *gossip.Network
	chainID uint64
	logger  *log.Logger
}

// NewService constructs the node_* RPC method set. network may be nil
// (e.g. in tests), in which case send_transaction admits to the pool
// without broadcasting.
func NewService(store *storage.Storage, engine Engine, pool *txpool.Pool, network *gossip.Network, chainID uint64, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(log.Writer(), "[rpc] ", log.LstdFlags)
	}
	return &Service{store: store, engine: engine, pool: pool, network: network, chainID: chainID, logger: logger}
}

// GetBlockByHash implements get_block_by_hash(hash) -> Block?.
func (s *Service) GetBlockByHash(hash types.Hash) (*types.Block, error) {
	return s.store.GetBlock(hash)
}

// GetLatestBlock implements get_latest_block() -> Block?, returning the
// node's current preferred block.
func (s *Service) GetLatestBlock() (*types.Block, error) {
	state := s.engine.State()
	return s.store.GetBlock(state.PreferredBlock)
}

// GetStatus implements get_status() -> ConsensusState?.
func (s *Service) GetStatus() (*types.ConsensusState, error) {
	return s.engine.State(), nil
}

// GetBalance implements get_balance(address) -> U256.
func (s *Service) GetBalance(addr types.Address) (*uint256.Int, error) {
	acct, err := s.store.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return uint256.NewInt(0), nil
	}
	return acct.Balance, nil
}

// ChainId implements chain_id() -> u64.
func (s *Service) ChainId() uint64 {
	return s.chainID
}

// SuggestBaseFee implements suggest_base_fee() -> U256.
func (s *Service) SuggestBaseFee() (*uint256.Int, error) {
	return s.engine.SuggestBaseFee()
}

// SendTransaction implements send_transaction(tx) -> hash: admits tx to
// the pool then broadcasts it over gossip (if a network is attached).
func (s *Service) SendTransaction(tx types.Transaction) (types.Hash, error) {
	hash, err := s.pool.Add(tx, s.store)
	if err != nil {
		return types.Hash{}, &rpcError{msg: fmt.Sprintf("send_transaction: %v", err)}
	}
	if s.network != nil {
		if err := s.network.BroadcastTransaction(&tx); err != nil {
			s.logger.Printf("broadcast transaction %x failed: %v", hash, err)
		}
	}
	return hash, nil
}

// Register mounts this service on server under the "node" namespace.
func Register(server *rpc.Server, svc *Service) error {
	return server.RegisterName("node", svc)
}
