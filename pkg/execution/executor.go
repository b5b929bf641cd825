package execution

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/simplexbft/node/pkg/merkle"
	"github.com/simplexbft/node/pkg/smt"
	"github.com/simplexbft/node/pkg/types"
)

// StateAccessor is everything the executor needs from the account/storage/
// code tables. Both pkg/overlay.Overlay (proposal/validation) and
// pkg/storage.Storage (finalization's authoritative re-execution) satisfy
// it, which is how the same Executor code path serves both.
type StateAccessor interface {
	GetAccount(addr types.Address) (*types.AccountInfo, error)
	PutAccount(addr types.Address, acct *types.AccountInfo) error
	GetStorageSlot(addr types.Address, slot types.Hash) (types.Hash, error)
	PutStorageSlot(addr types.Address, slot, value types.Hash) error
	GetCode(hash types.Hash) ([]byte, error)
	PutCode(hash types.Hash, code []byte) error
	smt.NodeStore
}

// Executor applies blocks and folds every account change into its
// StateCommitment tree. The block gas limit is a node-operator setting (the
// --gas-limit CLI flag), not a protocol constant, so it is threaded through
// ExecuteBlock as a parameter rather than hardcoded here. ExecuteBlock
// checks each transaction's gas_limit against it; the sum of gas_limit
// across a block's payload is not checked.
type Executor struct {
	commitment *smt.Tree
}

// New wraps a StateCommitment tree already forked (proposal/validation) or
// rooted at the authoritative tip (finalization).
func New(commitment *smt.Tree) *Executor {
	return &Executor{commitment: commitment}
}

func accountLeafValue(acct *types.AccountInfo) (types.Hash, error) {
	return types.HashRLP(acct)
}

// ExecuteBlock applies block against acc and state in place, in order:
// evidence, liveness accounting, gas-limit check, transactions, validator
// queue processing, roots. On success it fills in block.StateRoot,
// block.ReceiptsRoot, and block.GasUsed and returns the receipts. Any
// returned error is block-level: it must bubble up to consensus as
// InvalidBlock, leaving the caller's overlay or storage handle to be
// discarded.
func (e *Executor) ExecuteBlock(block *types.Block, acc StateAccessor, state *types.ConsensusState, blockGasLimit uint64) ([]types.Receipt, error) {
	if err := e.processEvidence(block, acc, state); err != nil {
		return nil, err
	}
	if err := e.accountForLiveness(block, state); err != nil {
		return nil, err
	}

	for _, tx := range block.Payload {
		if tx.GasLimit > blockGasLimit {
			return nil, ErrGasLimitExceeded
		}
	}

	receipts := make([]types.Receipt, 0, len(block.Payload))
	var cumulative uint64
	for i := range block.Payload {
		tx := &block.Payload[i]
		receipt, gasUsed, err := e.applyTransaction(tx, acc, state, block)
		if err != nil {
			switch err {
			case ErrInsufficientBalance, ErrNonceMismatch, ErrWithdrawNotEligible, ErrInvalidSelector:
			default:
				// Zero sender, accessor I/O and similar errors are fatal to the block.
				return nil, err
			}
			// Transaction-level failure: revert this transaction only,
			// but the gas it consumed is still charged to the block.
			receipt = types.Receipt{Status: 0, Logs: nil}
		}
		cumulative += gasUsed
		receipt.CumulativeGasUsed = cumulative
		receipts = append(receipts, receipt)
	}

	e.processQueues(block.View, state)
	if len(state.Committee) == 0 {
		return nil, ErrEmptyCommittee
	}

	receiptHashes := make([]types.Hash, len(receipts))
	for i, r := range receipts {
		h, err := types.HashRLP(r)
		if err != nil {
			return nil, fmt.Errorf("execution: hash receipt %d: %w", i, err)
		}
		receiptHashes[i] = h
	}

	block.StateRoot = e.commitment.Root()
	block.ReceiptsRoot = merkle.MerkleRoot(receiptHashes)
	block.GasUsed = cumulative
	return receipts, nil
}

// processEvidence implements step 1: reverify, slash, and if the offender's
// balance falls under the minimum stake threshold, remove them from every
// membership set they might be in.
func (e *Executor) processEvidence(block *types.Block, acc StateAccessor, state *types.ConsensusState) error {
	for i := range block.Evidence {
		ev := &block.Evidence[i]
		if !ev.Valid() {
			return ErrInvalidEvidence
		}
		offenderPK := ev.Offender()
		offenderAddr := types.AddressFromPublicKey(offenderPK)

		remaining, err := slashBalance(acc, offenderAddr, uint256.NewInt(EquivocationSlash))
		if err != nil {
			return err
		}
		if remaining.LtUint64(MinStake) {
			state.RemoveFromCommittee(offenderPK)
			removeFromPending(state, offenderPK)
			removeFromExiting(state, offenderPK)
		}
	}
	return nil
}

func removeFromPending(state *types.ConsensusState, pk types.PublicKey) {
	out := state.PendingValidators[:0]
	for _, p := range state.PendingValidators {
		if p.PublicKey != pk {
			out = append(out, p)
		}
	}
	state.PendingValidators = out
}

func removeFromExiting(state *types.ConsensusState, pk types.PublicKey) {
	out := state.ExitingValidators[:0]
	for _, ex := range state.ExitingValidators {
		if ex.PublicKey != pk {
			out = append(out, ex)
		}
	}
	state.ExitingValidators = out
}

// accountForLiveness implements step 2: the author of a real block is
// rewarded with a decremented inactivity score; a timed-out view's leader
// (discoverable only from a dummy justify QC) is penalized.
func (e *Executor) accountForLiveness(block *types.Block, state *types.ConsensusState) error {
	authorScore := state.InactivityScoreOf(block.Author)
	if authorScore > 0 {
		state.SetInactivityScore(block.Author, authorScore-1)
	}

	if block.Justify.BlockHash == types.ZeroHash && block.Justify.View > 0 {
		if len(state.Committee) == 0 {
			return ErrEmptyCommittee
		}
		timedOutLeader := state.LeaderAt(block.Justify.View)
		score := state.InactivityScoreOf(timedOutLeader) + 1
		state.SetInactivityScore(timedOutLeader, score)
		slashStake(state, types.AddressFromPublicKey(timedOutLeader), uint256.NewInt(LivenessSlashStake))
		if score > InactivityThreshold {
			state.RemoveFromCommittee(timedOutLeader)
			state.SetInactivityScore(timedOutLeader, 0)
		}
	}
	return nil
}

// applyTransaction implements step 4 for a single transaction, returning
// its receipt and the gas it consumed. A non-nil error is either one of the
// transaction-level errors (the transaction reverted; the caller still
// charges gasUsed) or a block-level error the caller returns as is.
func (e *Executor) applyTransaction(tx *types.Transaction, acc StateAccessor, state *types.ConsensusState, block *types.Block) (types.Receipt, uint64, error) {
	senderPK := tx.SenderPublicKey
	if senderPK.IsZero() {
		return types.Receipt{}, 0, ErrZeroSender
	}
	sender := tx.SenderAddress()

	acct, err := acc.GetAccount(sender)
	if err != nil {
		return types.Receipt{}, 0, err
	}
	if acct == nil {
		acct = &types.AccountInfo{Balance: uint256.NewInt(0)}
	}
	if acct.Nonce != tx.Nonce {
		return types.Receipt{}, 0, ErrNonceMismatch
	}

	// System-contract calls pay no gas fee, so only their value must be covered.
	maxCost := new(uint256.Int).Set(tx.Value)
	if !tx.IsSystemCall() {
		maxCost.Add(maxCost, new(uint256.Int).Mul(tx.MaxFeePerGas, new(uint256.Int).SetUint64(tx.GasLimit)))
	}
	if acct.Balance == nil || acct.Balance.Lt(maxCost) {
		return types.Receipt{}, 0, ErrInsufficientBalance
	}

	acct.Nonce++
	if err := acc.PutAccount(sender, acct); err != nil {
		return types.Receipt{}, 0, err
	}

	var callErr error
	if tx.IsSystemCall() {
		callErr = applySystemCall(state, acc, sender, senderPK, tx, block.View)
	} else {
		callErr = e.applyValueTransfer(acc, sender, tx)
	}

	if err := e.commitAccount(acc, sender); err != nil {
		return types.Receipt{}, tx.GasLimit, err
	}
	if tx.To != nil {
		if err := e.commitAccount(acc, *tx.To); err != nil {
			return types.Receipt{}, tx.GasLimit, err
		}
	}

	if callErr != nil {
		return types.Receipt{Status: 0}, tx.GasLimit, callErr
	}
	return types.Receipt{Status: 1}, tx.GasLimit, nil
}

// applyValueTransfer is the general execution path for a non-system-contract
// transaction: this protocol treats the executor as a pluggable component
// with only a system-contract slot (no general smart-contract VM), so a
// plain transaction is a native balance transfer paying its gas.
func (e *Executor) applyValueTransfer(acc StateAccessor, sender types.Address, tx *types.Transaction) error {
	senderAcct, err := acc.GetAccount(sender)
	if err != nil {
		return err
	}
	fee := new(uint256.Int).Mul(tx.MaxFeePerGas, new(uint256.Int).SetUint64(tx.GasLimit))
	debit := new(uint256.Int).Add(tx.Value, fee)
	if senderAcct.Balance.Lt(debit) {
		return ErrInsufficientBalance
	}
	senderAcct.Balance = new(uint256.Int).Sub(senderAcct.Balance, debit)
	if err := acc.PutAccount(sender, senderAcct); err != nil {
		return err
	}

	if tx.To == nil {
		return nil
	}
	recipient, err := acc.GetAccount(*tx.To)
	if err != nil {
		return err
	}
	if recipient == nil {
		recipient = &types.AccountInfo{Balance: uint256.NewInt(0)}
	}
	if recipient.Balance == nil {
		recipient.Balance = uint256.NewInt(0)
	}
	recipient.Balance = new(uint256.Int).Add(recipient.Balance, tx.Value)
	return acc.PutAccount(*tx.To, recipient)
}

// commitAccount re-reads addr and folds its hash into the state commitment,
// keeping StateCommitment in lockstep with every account mutation this
// transaction made.
func (e *Executor) commitAccount(acc StateAccessor, addr types.Address) error {
	acct, err := acc.GetAccount(addr)
	if err != nil {
		return err
	}
	if acct == nil {
		return nil
	}
	leafValue, err := accountLeafValue(acct)
	if err != nil {
		return err
	}
	e.commitment.Update(types.AddressHash(addr), leafValue)
	return nil
}

// processQueues implements step 5: promote pending validators whose
// activation_view has arrived, and evict exiting validators whose
// exit_view has arrived.
func (e *Executor) processQueues(view uint64, state *types.ConsensusState) {
	var stillPending []types.PendingValidator
	for _, p := range state.PendingValidators {
		if p.ActivationView <= view {
			if !isCommitteeMember(state, p.PublicKey) {
				state.Committee = append(state.Committee, p.PublicKey)
			}
			continue
		}
		stillPending = append(stillPending, p)
	}
	state.PendingValidators = stillPending

	var stillExiting []types.ExitingValidator
	for _, ex := range state.ExitingValidators {
		if ex.ExitView <= view {
			state.RemoveFromCommittee(ex.PublicKey)
			continue
		}
		stillExiting = append(stillExiting, ex)
	}
	state.ExitingValidators = stillExiting
}
