package consensus

import (
	"bytes"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/holiman/uint256"
	"github.com/simplexbft/node/pkg/blscrypto"
	"github.com/simplexbft/node/pkg/evidence"
	"github.com/simplexbft/node/pkg/execution"
	"github.com/simplexbft/node/pkg/overlay"
	"github.com/simplexbft/node/pkg/smt"
	"github.com/simplexbft/node/pkg/storage"
	"github.com/simplexbft/node/pkg/txpool"
	"github.com/simplexbft/node/pkg/types"
)

// Engine is the single-threaded Simplex state machine. It exclusively
// owns ConsensusState and the vote/orphan bookkeeping in memory; the
// transaction pool and evidence pool are the only state shared with
// producers outside the consensus event loop, and they guard themselves.
//
// Every exported method takes the Engine's own mutex for its whole run,
// so calls from the driver's consensus loop, the gossip read goroutines,
// and the RPC server's suggest_base_fee and get_status reads are
// serialized against each other.
type Engine struct {
	mu sync.Mutex

	storage      *storage.Storage
	txpool       *txpool.Pool
	evidencePool *evidence.Pool

	privKey *blscrypto.PrivateKey
	pubKey  types.PublicKey

	chainID       uint64
	blockGasLimit uint64

	state *types.ConsensusState

	notarizeVotes map[uint64]map[types.PublicKey]types.Vote
	dummyVotes    map[uint64]map[types.PublicKey]types.Vote
	finalizeVotes map[uint64]map[types.PublicKey]types.Vote

	orphans map[types.Hash][]*types.Block

	logger *log.Logger
}

// New constructs an Engine. If Storage has no persisted ConsensusState,
// genesisCommittee bootstraps the chain; otherwise genesisCommittee is
// ignored and the persisted state is loaded.
func New(
	store *storage.Storage,
	pool *txpool.Pool,
	evidencePool *evidence.Pool,
	privKey *blscrypto.PrivateKey,
	chainID uint64,
	blockGasLimit uint64,
	genesisCommittee []types.PublicKey,
	logger *log.Logger,
) (*Engine, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[consensus] ", log.LstdFlags)
	}
	e := &Engine{
		storage:       store,
		txpool:        pool,
		evidencePool:  evidencePool,
		privKey:       privKey,
		pubKey:        types.PublicKeyFromBLS(privKey.PublicKey()),
		chainID:       chainID,
		blockGasLimit: blockGasLimit,
		notarizeVotes: make(map[uint64]map[types.PublicKey]types.Vote),
		dummyVotes:    make(map[uint64]map[types.PublicKey]types.Vote),
		finalizeVotes: make(map[uint64]map[types.PublicKey]types.Vote),
		orphans:       make(map[types.Hash][]*types.Block),
		logger:        logger,
	}

	existing, err := store.GetConsensusState()
	if err != nil {
		return nil, fmt.Errorf("consensus: load consensus state: %w", err)
	}
	if existing != nil {
		e.state = existing
		return e, nil
	}
	if err := e.runGenesis(genesisCommittee); err != nil {
		return nil, err
	}
	return e, nil
}

// State returns a defensive copy of the current ConsensusState, for
// get_status and similar read paths.
func (e *Engine) State() *types.ConsensusState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// SuggestBaseFee computes the base fee the next block would carry, from
// the preferred block.
func (e *Engine) SuggestBaseFee() (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	parent, err := e.storage.GetBlock(e.state.PreferredBlock)
	if err != nil {
		return nil, fmt.Errorf("consensus: read preferred block: %w", err)
	}
	if parent == nil {
		return nil, fmt.Errorf("consensus: preferred block not found")
	}
	fee := nextBaseFee(parent.BaseFeePerGas, parent.GasUsed, e.blockGasLimit)
	return fee, nil
}

func quorumThreshold(committeeSize int) int {
	return (2*committeeSize)/3 + 1
}

func (e *Engine) isGenesisQC(qc *types.QuorumCertificate) bool {
	return qc.View == 0
}

// TryPropose attempts to propose a block for the current view.
func (e *Engine) TryPropose() ([]Action, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tryProposeLocked()
}

func (e *Engine) tryProposeLocked() ([]Action, error) {
	if e.state.LeaderAt(e.state.View) != e.pubKey {
		return nil, ErrNotLeader
	}
	if e.state.View == 0 {
		return nil, ErrNoParentQC
	}
	qc, err := e.storage.GetQC(types.VoteNotarize, e.state.View-1)
	if err != nil {
		return nil, fmt.Errorf("consensus: read parent QC: %w", err)
	}
	if qc == nil {
		return nil, ErrNoParentQC
	}

	parentHash := qc.BlockHash
	if parentHash == types.ZeroHash {
		parentHash = e.state.PreferredBlock
	}
	parentBlock, err := e.storage.GetBlock(parentHash)
	if err != nil {
		return nil, fmt.Errorf("consensus: read parent block: %w", err)
	}
	if parentBlock == nil {
		return nil, ErrInvalidParent
	}

	baseFee := nextBaseFee(parentBlock.BaseFeePerGas, parentBlock.GasUsed, e.blockGasLimit)
	txs := e.txpool.Select(e.blockGasLimit, baseFee)
	evs := e.evidencePool.Drain()
	committeeHash, err := types.CommitteeHash(e.state.Committee)
	if err != nil {
		return nil, fmt.Errorf("consensus: hash committee: %w", err)
	}

	block := &types.Block{
		Author:        e.pubKey,
		View:          e.state.View,
		ParentHash:    parentHash,
		Justify:       *qc,
		Payload:       txs,
		Evidence:      evs,
		BaseFeePerGas: baseFee,
		CommitteeHash: committeeHash,
	}

	ovl := overlay.New(e.storage)
	tree := smt.New(ovl, parentBlock.StateRoot)
	exec := execution.New(tree)
	stateCopy := e.state.Clone()
	if _, err := exec.ExecuteBlock(block, ovl, stateCopy, e.blockGasLimit); err != nil {
		return nil, fmt.Errorf("consensus: execute proposed block: %w", err)
	}

	if _, err := e.storage.PutBlock(block); err != nil {
		return nil, fmt.Errorf("consensus: persist proposed block: %w", err)
	}

	txHashes := make([]types.Hash, 0, len(txs))
	for i := range txs {
		h, err := txs[i].Hash()
		if err != nil {
			return nil, fmt.Errorf("consensus: hash included transaction: %w", err)
		}
		txHashes = append(txHashes, h)
	}
	e.txpool.RemoveMany(txHashes)
	e.evidencePool.RemoveMany(evs)

	blockHash, err := block.Hash()
	if err != nil {
		return nil, fmt.Errorf("consensus: hash proposed block: %w", err)
	}

	actions := []Action{broadcastBlock(block)}

	notarizeVote := types.Vote{View: block.View, BlockHash: blockHash, Kind: types.VoteNotarize}
	if err := notarizeVote.Sign(e.privKey); err != nil {
		return nil, fmt.Errorf("consensus: sign self notarize vote: %w", err)
	}
	actions = append(actions, broadcastVote(notarizeVote))
	more, err := e.applyVote(notarizeVote)
	if err != nil {
		return nil, err
	}
	actions = append(actions, more...)

	if block.Justify.View > 0 {
		finalizeVote := types.Vote{View: block.Justify.View, BlockHash: block.Justify.BlockHash, Kind: types.VoteFinalize}
		if err := finalizeVote.Sign(e.privKey); err != nil {
			return nil, fmt.Errorf("consensus: sign self finalize vote: %w", err)
		}
		actions = append(actions, broadcastVote(finalizeVote))
		more, err := e.applyVote(finalizeVote)
		if err != nil {
			return nil, err
		}
		actions = append(actions, more...)
	}

	e.logger.Printf("proposed block view=%d hash=%x txs=%d", block.View, blockHash, len(txs))
	return actions, nil
}

// OnProposal handles an inbound block proposal.
func (e *Engine) OnProposal(block *types.Block) ([]Action, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if block.View < e.state.View {
		return nil, ErrInvalidView
	}
	return e.validateAndStore(block)
}

// validateAndStore implements the shared on_proposal / on_block_response
// body: idempotent persist-and-vote, minus the view staleness check that
// only on_proposal applies.
func (e *Engine) validateAndStore(block *types.Block) ([]Action, error) {
	blockHash, err := block.Hash()
	if err != nil {
		return nil, fmt.Errorf("consensus: hash incoming block: %w", err)
	}
	if has, err := e.storage.HasBlock(blockHash); err != nil {
		return nil, fmt.Errorf("consensus: check existing block: %w", err)
	} else if has {
		return nil, nil
	}

	if block.ParentHash != types.ZeroHash {
		if has, err := e.storage.HasBlock(block.ParentHash); err != nil {
			return nil, fmt.Errorf("consensus: check parent block: %w", err)
		} else if !has {
			e.orphans[block.ParentHash] = append(e.orphans[block.ParentHash], block)
			return []Action{broadcastRequest(block.ParentHash)}, nil
		}
	}

	committeeHash, err := types.CommitteeHash(e.state.Committee)
	if err != nil {
		return nil, fmt.Errorf("consensus: hash committee: %w", err)
	}
	if block.CommitteeHash != committeeHash {
		return nil, ErrInvalidCommitteeHash
	}

	parentBlock, err := e.storage.GetBlock(block.ParentHash)
	if err != nil {
		return nil, fmt.Errorf("consensus: read parent block: %w", err)
	}
	if parentBlock == nil {
		return nil, ErrInvalidParent
	}

	expectedStateRoot := block.StateRoot
	expectedReceiptsRoot := block.ReceiptsRoot

	ovl := overlay.New(e.storage)
	tree := smt.New(ovl, parentBlock.StateRoot)
	exec := execution.New(tree)
	stateCopy := e.state.Clone()
	if _, err := exec.ExecuteBlock(block, ovl, stateCopy, e.blockGasLimit); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	if block.StateRoot != expectedStateRoot {
		return nil, ErrInvalidStateRoot
	}
	if block.ReceiptsRoot != expectedReceiptsRoot {
		return nil, ErrInvalidReceiptsRoot
	}

	if !e.isGenesisQC(&block.Justify) {
		if !block.Justify.Verify() {
			return nil, ErrInvalidQC
		}
		if len(block.Justify.Signers) < quorumThreshold(len(e.state.Committee)) {
			return nil, ErrInvalidQC
		}
	}
	if block.Justify.BlockHash != types.ZeroHash && block.Justify.View > e.state.PreferredView {
		e.state.PreferredView = block.Justify.View
		e.state.PreferredBlock = block.Justify.BlockHash
	}

	if _, err := e.storage.PutBlock(block); err != nil {
		return nil, fmt.Errorf("consensus: persist block: %w", err)
	}
	txHashes := make([]types.Hash, 0, len(block.Payload))
	for i := range block.Payload {
		h, err := block.Payload[i].Hash()
		if err != nil {
			return nil, fmt.Errorf("consensus: hash included transaction: %w", err)
		}
		txHashes = append(txHashes, h)
	}
	e.txpool.RemoveMany(txHashes)
	e.evidencePool.RemoveMany(block.Evidence)

	if block.View > e.state.View {
		e.state.View = block.View
	}
	if err := e.storage.PutConsensusState(e.state); err != nil {
		return nil, fmt.Errorf("consensus: persist consensus state: %w", err)
	}

	var actions []Action
	if block.View > e.state.LastVotedView {
		e.state.LastVotedView = block.View
		if err := e.storage.PutConsensusState(e.state); err != nil {
			return nil, fmt.Errorf("consensus: persist last_voted_view: %w", err)
		}
		vote := types.Vote{View: block.View, BlockHash: blockHash, Kind: types.VoteNotarize}
		if err := vote.Sign(e.privKey); err != nil {
			return nil, fmt.Errorf("consensus: sign notarize vote: %w", err)
		}
		actions = append(actions, broadcastVote(vote))
		more, err := e.applyVote(vote)
		if err != nil {
			return nil, err
		}
		actions = append(actions, more...)
	}

	if block.Justify.View > 0 {
		finalizeVote := types.Vote{View: block.Justify.View, BlockHash: block.Justify.BlockHash, Kind: types.VoteFinalize}
		if err := finalizeVote.Sign(e.privKey); err != nil {
			return nil, fmt.Errorf("consensus: sign finalize vote: %w", err)
		}
		actions = append(actions, broadcastVote(finalizeVote))
		more, err := e.applyVote(finalizeVote)
		if err != nil {
			return nil, err
		}
		actions = append(actions, more...)
	}

	e.logger.Printf("accepted block view=%d hash=%x", block.View, blockHash)
	return actions, nil
}

// OnVote handles an inbound vote from a peer.
func (e *Engine) OnVote(vote types.Vote) ([]Action, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !vote.VerifySignature() {
		return nil, ErrInvalidSignature
	}
	return e.applyVote(vote)
}

// applyVote is the shared insertion-and-quorum-check core for both
// locally cast votes and inbound ones. It never emits a BroadcastVote for
// vote itself — the caller (TryPropose/OnProposal/OnTimeout for local
// votes, the gossip layer for inbound ones) already accounted for that.
func (e *Engine) applyVote(vote types.Vote) ([]Action, error) {
	switch vote.Kind {
	case types.VoteNotarize:
		return e.applyNotarizeVote(vote)
	case types.VoteFinalize:
		return e.applyFinalizeVote(vote)
	default:
		return nil, fmt.Errorf("consensus: unknown vote kind %d", vote.Kind)
	}
}

// inCommittee reports whether pk is an active committee member; votes
// from anyone else never count toward a quorum.
func (e *Engine) inCommittee(pk types.PublicKey) bool {
	for _, member := range e.state.Committee {
		if member == pk {
			return true
		}
	}
	return false
}

func (e *Engine) applyNotarizeVote(vote types.Vote) ([]Action, error) {
	if !e.inCommittee(vote.Author) {
		return nil, nil
	}
	// Dummy votes tally in their own per-view map: a validator that voted
	// for a real block and then timed out in the same view has legitimately
	// cast both, so neither displaces the other and the pair is not
	// equivocation.
	votes := e.notarizeVotes
	if vote.BlockHash == types.ZeroHash {
		votes = e.dummyVotes
	}
	byAuthor := votes[vote.View]
	if byAuthor == nil {
		byAuthor = make(map[types.PublicKey]types.Vote)
		votes[vote.View] = byAuthor
	}
	if prior, ok := byAuthor[vote.Author]; ok && prior.BlockHash != vote.BlockHash {
		ev := types.EquivocationEvidence{VoteA: prior, VoteB: vote}
		if e.evidencePool.Add(ev) {
			return []Action{broadcastEvidence(ev)}, nil
		}
		return nil, nil
	}
	byAuthor[vote.Author] = vote

	tally := 0
	for _, v := range byAuthor {
		if v.BlockHash == vote.BlockHash {
			tally++
		}
	}
	threshold := quorumThreshold(len(e.state.Committee))
	if tally < threshold {
		return nil, nil
	}

	if existing, err := e.storage.GetQC(types.VoteNotarize, vote.View); err != nil {
		return nil, fmt.Errorf("consensus: check existing QC: %w", err)
	} else if existing != nil {
		return nil, nil
	}

	qc, err := buildQC(vote.View, vote.BlockHash, types.VoteNotarize, byAuthor)
	if err != nil {
		return nil, fmt.Errorf("consensus: build quorum certificate: %w", err)
	}
	if !qc.Verify() {
		return nil, fmt.Errorf("consensus: freshly built quorum certificate failed to verify")
	}
	if err := e.storage.PutQC(qc); err != nil {
		return nil, fmt.Errorf("consensus: persist quorum certificate: %w", err)
	}

	if vote.BlockHash != types.ZeroHash && vote.View > e.state.PreferredView {
		e.state.PreferredView = vote.View
		e.state.PreferredBlock = vote.BlockHash
	}
	if vote.View+1 > e.state.View {
		e.state.View = vote.View + 1
	}
	if err := e.storage.PutConsensusState(e.state); err != nil {
		return nil, fmt.Errorf("consensus: persist consensus state: %w", err)
	}

	var actions []Action
	finalizeVote := types.Vote{View: vote.View, BlockHash: vote.BlockHash, Kind: types.VoteFinalize}
	if err := finalizeVote.Sign(e.privKey); err != nil {
		return nil, fmt.Errorf("consensus: sign finalize vote: %w", err)
	}
	actions = append(actions, broadcastVote(finalizeVote))
	more, err := e.applyVote(finalizeVote)
	if err != nil {
		return nil, err
	}
	actions = append(actions, more...)

	if e.state.LeaderAt(e.state.View) == e.pubKey {
		proposalActions, err := e.tryProposeLocked()
		if err == nil {
			actions = append(actions, proposalActions...)
		} else if err != ErrNotLeader && err != ErrNoParentQC {
			return nil, err
		}
	}

	e.logger.Printf("notarization QC formed view=%d hash=%x signers=%d", vote.View, vote.BlockHash, len(qc.Signers))
	return actions, nil
}

func (e *Engine) applyFinalizeVote(vote types.Vote) ([]Action, error) {
	if !e.inCommittee(vote.Author) {
		return nil, nil
	}
	byAuthor := e.finalizeVotes[vote.View]
	if byAuthor == nil {
		byAuthor = make(map[types.PublicKey]types.Vote)
		e.finalizeVotes[vote.View] = byAuthor
	}
	byAuthor[vote.Author] = vote

	tally := 0
	for _, v := range byAuthor {
		if v.BlockHash == vote.BlockHash {
			tally++
		}
	}
	threshold := quorumThreshold(len(e.state.Committee))
	if tally < threshold || vote.View <= e.state.FinalizedHeight {
		return nil, nil
	}

	e.state.FinalizedHeight = vote.View
	if err := e.storage.PutConsensusState(e.state); err != nil {
		return nil, fmt.Errorf("consensus: persist finalized height: %w", err)
	}

	if vote.BlockHash == types.ZeroHash {
		e.logger.Printf("finalized dummy view=%d", vote.View)
		return nil, nil
	}

	block, err := e.storage.GetBlock(vote.BlockHash)
	if err != nil {
		return nil, fmt.Errorf("consensus: read block to finalize: %w", err)
	}
	if block == nil {
		return nil, ErrInvalidBlock
	}
	parent, err := e.storage.GetBlock(block.ParentHash)
	if err != nil {
		return nil, fmt.Errorf("consensus: read parent of finalized block: %w", err)
	}
	if parent == nil {
		return nil, ErrInvalidParent
	}

	tree := smt.New(e.storage, parent.StateRoot)
	exec := execution.New(tree)
	if _, err := exec.ExecuteBlock(block, e.storage, e.state, e.blockGasLimit); err != nil {
		return nil, fmt.Errorf("consensus: finalize block: %w", err)
	}
	// Per design note: the executor may have mutated the committee; reload
	// by persisting the mutated in-memory state, which is this process's
	// only copy of "persisted ConsensusState".
	if err := e.storage.PutConsensusState(e.state); err != nil {
		return nil, fmt.Errorf("consensus: persist post-finalization state: %w", err)
	}

	e.logger.Printf("finalized view=%d hash=%x", vote.View, vote.BlockHash)
	return nil, nil
}

// OnTimeout handles a view-timeout firing locally.
func (e *Engine) OnTimeout(view uint64) ([]Action, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if view < e.state.View {
		return nil, ErrInvalidView
	}
	vote := types.Vote{View: view, BlockHash: types.ZeroHash, Kind: types.VoteNotarize}
	if err := vote.Sign(e.privKey); err != nil {
		return nil, fmt.Errorf("consensus: sign timeout vote: %w", err)
	}
	actions := []Action{broadcastVote(vote)}
	more, err := e.applyVote(vote)
	if err != nil {
		return nil, err
	}
	return append(actions, more...), nil
}

// OnBlockRequest handles an inbound sync request for a block by hash.
func (e *Engine) OnBlockRequest(hash types.Hash, peer string) ([]Action, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	block, err := e.storage.GetBlock(hash)
	if err != nil {
		return nil, fmt.Errorf("consensus: read requested block: %w", err)
	}
	if block == nil {
		return nil, nil
	}
	return []Action{sendBlock(block, peer)}, nil
}

// OnBlockResponse handles a block delivered in response to a sync
// request; it runs the same validate-and-store path as OnProposal but
// without the staleness check, then drains any orphans waiting on it.
func (e *Engine) OnBlockResponse(block *types.Block) ([]Action, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.onBlockResponseLocked(block)
}

func (e *Engine) onBlockResponseLocked(block *types.Block) ([]Action, error) {
	actions, err := e.validateAndStore(block)
	if err != nil {
		return actions, err
	}

	blockHash, err := block.Hash()
	if err != nil {
		return actions, fmt.Errorf("consensus: hash delivered block: %w", err)
	}
	waiting, ok := e.orphans[blockHash]
	if !ok {
		return actions, nil
	}
	delete(e.orphans, blockHash)
	for _, orphan := range waiting {
		more, err := e.onBlockResponseLocked(orphan)
		if err != nil {
			e.logger.Printf("failed to process buffered orphan: %v", err)
			continue
		}
		actions = append(actions, more...)
	}
	return actions, nil
}

// buildQC folds the subset of votes matching (blockHash, kind) into an
// aggregated QC with a canonically (by public key byte order) sorted
// signer list, for deterministic QC hashing.
func buildQC(view uint64, blockHash types.Hash, kind types.VoteKind, votes map[types.PublicKey]types.Vote) (*types.QuorumCertificate, error) {
	signers := make([]types.PublicKey, 0, len(votes))
	for pk, v := range votes {
		if v.BlockHash == blockHash {
			signers = append(signers, pk)
		}
	}
	sort.Slice(signers, func(i, j int) bool {
		return bytes.Compare(signers[i][:], signers[j][:]) < 0
	})

	sigs := make([]*blscrypto.Signature, 0, len(signers))
	for _, pk := range signers {
		sig, err := votes[pk].Signature.ToBLS()
		if err != nil {
			return nil, fmt.Errorf("parse signer signature: %w", err)
		}
		sigs = append(sigs, sig)
	}
	agg, err := blscrypto.AggregateSignatures(sigs)
	if err != nil {
		return nil, fmt.Errorf("aggregate signer signatures: %w", err)
	}
	return &types.QuorumCertificate{
		View:                view,
		BlockHash:           blockHash,
		Kind:                kind,
		AggregatedSignature: types.SignatureFromBLS(agg),
		Signers:             signers,
	}, nil
}
