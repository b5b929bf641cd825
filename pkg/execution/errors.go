// Package execution applies transactions and system logic against a
// StateAccessor (an Overlay during proposal/validation, Storage directly
// during finalization), producing receipts and the block's state and
// receipts roots.
package execution

import "errors"

// Block-level errors: any of these is fatal to the whole block and
// propagates to consensus as InvalidBlock.
var (
	ErrGasLimitExceeded  = errors.New("execution: transaction gas_limit exceeds block_gas_limit")
	ErrInvalidEvidence   = errors.New("execution: included evidence failed reverification")
	ErrEmptyCommittee    = errors.New("execution: committee became empty")
	ErrZeroSender        = errors.New("execution: transaction has a zero sender")
)

// Transaction-level errors revert only that transaction; the receipt still
// gets appended with Status = 0 and the gas consumed so far.
var (
	ErrInvalidSelector     = errors.New("execution: system contract call has an unrecognized selector")
	ErrInsufficientBalance = errors.New("execution: sender balance insufficient for value + max fee")
	ErrNonceMismatch       = errors.New("execution: transaction nonce does not match account nonce")
	ErrWithdrawNotEligible = errors.New("execution: withdraw called while validator is active, pending, or exiting")
)
