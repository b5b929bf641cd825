package types

import "github.com/holiman/uint256"

// AccountInfo is the state of one address in the account table: balance,
// nonce, and an optional associated code (only the system contract address
// carries code in this protocol).
type AccountInfo struct {
	Nonce    uint64
	Balance  *uint256.Int
	CodeHash Hash
	Code     []byte `rlp:"optional"`
}

// IsEmpty reports whether this account has never been touched: zero nonce,
// zero balance, no code. SMT leaves for such accounts are indistinguishable
// from absent leaves.
func (a *AccountInfo) IsEmpty() bool {
	return a.Nonce == 0 && (a.Balance == nil || a.Balance.IsZero()) && a.CodeHash == ZeroHash
}

// Log is an execution event attached to a Receipt.
type Log struct {
	Address Address
	Topics  []Hash
	Data    []byte
}

// Receipt records the outcome of applying one transaction.
type Receipt struct {
	Status            uint8
	CumulativeGasUsed uint64
	Logs              []Log
}
