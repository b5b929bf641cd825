package execution

import (
	"github.com/holiman/uint256"
	"github.com/simplexbft/node/pkg/types"
)

// Selectors for the reserved system contract at types.SystemContractAddress,
// the 4-byte dispatch prefix of tx.Data, matching the calling convention of
// an ABI-encoded contract call without pulling in a general VM.
var (
	selectorStake    = [4]byte{0x3a, 0x4b, 0x66, 0xf1}
	selectorUnstake  = [4]byte{0x2e, 0x17, 0xde, 0x78}
	selectorWithdraw = [4]byte{0x3c, 0xcf, 0xd6, 0x0b}
)

// Tunable system-contract parameters.
const (
	MinStake            = 2000
	ActivationDelay     = 10
	ExitDelay           = 10
	EquivocationSlash   = 1000
	LivenessSlashStake  = 10
	InactivityThreshold = 50
)

func selectorOf(data []byte) ([4]byte, bool) {
	var sel [4]byte
	if len(data) < 4 {
		return sel, false
	}
	copy(sel[:], data[:4])
	return sel, true
}

// isCommitteeMember reports whether pk is in state.Committee.
func isCommitteeMember(state *types.ConsensusState, pk types.PublicKey) bool {
	for _, member := range state.Committee {
		if member == pk {
			return true
		}
	}
	return false
}

func isPending(state *types.ConsensusState, pk types.PublicKey) (int, bool) {
	for i, p := range state.PendingValidators {
		if p.PublicKey == pk {
			return i, true
		}
	}
	return 0, false
}

func isExiting(state *types.ConsensusState, pk types.PublicKey) (int, bool) {
	for i, e := range state.ExitingValidators {
		if e.PublicKey == pk {
			return i, true
		}
	}
	return 0, false
}

// applySystemCall dispatches tx against the system contract, mutating
// state in place. System-contract calls bypass the general execution path
// entirely but still consume one nonce; a call whose preconditions hold
// produces a success receipt, while a failed precondition (insufficient
// balance to stake, withdraw while still active) reverts the receipt like
// any other transaction-level error.
func applySystemCall(state *types.ConsensusState, acc StateAccessor, sender types.Address, senderPK types.PublicKey, tx *types.Transaction, view uint64) error {
	sel, ok := selectorOf(tx.Data)
	if !ok {
		return ErrInvalidSelector
	}

	switch sel {
	case selectorStake:
		return applyStake(state, acc, sender, senderPK, tx, view)
	case selectorUnstake:
		return applyUnstake(state, senderPK, view)
	case selectorWithdraw:
		return applyWithdraw(state, acc, sender, senderPK)
	default:
		return ErrInvalidSelector
	}
}

func applyStake(state *types.ConsensusState, acc StateAccessor, sender types.Address, senderPK types.PublicKey, tx *types.Transaction, view uint64) error {
	acct, err := acc.GetAccount(sender)
	if err != nil {
		return err
	}
	if acct == nil || acct.Balance == nil || acct.Balance.Lt(tx.Value) {
		return ErrInsufficientBalance
	}
	acct.Balance = new(uint256.Int).Sub(acct.Balance, tx.Value)
	if err := acc.PutAccount(sender, acct); err != nil {
		return err
	}

	existing, _ := state.StakeOf(sender)
	total := tx.Value
	if existing != nil {
		total = new(uint256.Int).Add(existing, tx.Value)
	}
	state.SetStake(sender, total)

	if i, ok := isPending(state, senderPK); ok {
		state.PendingValidators[i].ActivationView = view + ActivationDelay
		return nil
	}
	if !isCommitteeMember(state, senderPK) {
		state.PendingValidators = append(state.PendingValidators, types.PendingValidator{
			PublicKey:      senderPK,
			ActivationView: view + ActivationDelay,
		})
	}
	return nil
}

func applyUnstake(state *types.ConsensusState, senderPK types.PublicKey, view uint64) error {
	if !isCommitteeMember(state, senderPK) {
		return nil
	}
	if _, ok := isExiting(state, senderPK); ok {
		return nil
	}
	state.ExitingValidators = append(state.ExitingValidators, types.ExitingValidator{
		PublicKey: senderPK,
		ExitView:  view + ExitDelay,
	})
	return nil
}

func applyWithdraw(state *types.ConsensusState, acc StateAccessor, sender types.Address, senderPK types.PublicKey) error {
	if isCommitteeMember(state, senderPK) {
		return ErrWithdrawNotEligible
	}
	if _, ok := isPending(state, senderPK); ok {
		return ErrWithdrawNotEligible
	}
	if _, ok := isExiting(state, senderPK); ok {
		return ErrWithdrawNotEligible
	}

	stake, ok := state.StakeOf(sender)
	if !ok || stake.IsZero() {
		return nil
	}
	acct, err := acc.GetAccount(sender)
	if err != nil {
		return err
	}
	if acct == nil {
		acct = &types.AccountInfo{Balance: uint256.NewInt(0)}
	}
	if acct.Balance == nil {
		acct.Balance = uint256.NewInt(0)
	}
	acct.Balance = new(uint256.Int).Add(acct.Balance, stake)
	if err := acc.PutAccount(sender, acct); err != nil {
		return err
	}
	state.RemoveStake(sender)
	return nil
}

// slashBalance debits amount from addr's balance, saturating at zero. Used
// for equivocation penalties, per the Open Question decision recorded in
// DESIGN.md (balance for equivocation, stake for liveness).
func slashBalance(acc StateAccessor, addr types.Address, amount *uint256.Int) (*uint256.Int, error) {
	acct, err := acc.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		acct = &types.AccountInfo{Balance: uint256.NewInt(0)}
	}
	if acct.Balance == nil {
		acct.Balance = uint256.NewInt(0)
	}
	if acct.Balance.Lt(amount) {
		acct.Balance = uint256.NewInt(0)
	} else {
		acct.Balance = new(uint256.Int).Sub(acct.Balance, amount)
	}
	if err := acc.PutAccount(addr, acct); err != nil {
		return nil, err
	}
	return acct.Balance, nil
}

// slashStake debits amount from addr's stake entry, saturating at zero.
func slashStake(state *types.ConsensusState, addr types.Address, amount *uint256.Int) *uint256.Int {
	stake, ok := state.StakeOf(addr)
	if !ok {
		return uint256.NewInt(0)
	}
	var remaining *uint256.Int
	if stake.Lt(amount) {
		remaining = uint256.NewInt(0)
	} else {
		remaining = new(uint256.Int).Sub(stake, amount)
	}
	state.SetStake(addr, remaining)
	return remaining
}
