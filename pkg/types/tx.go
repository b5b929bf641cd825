package types

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/simplexbft/node/pkg/blscrypto"
)

// ErrInvalidFeeFields is returned when MaxFee < MaxPriorityFee.
var ErrInvalidFeeFields = errors.New("types: max_fee must be >= max_priority_fee")

// AccessTuple is one entry of an EIP-2930-style access list.
type AccessTuple struct {
	Address     Address
	StorageKeys []Hash
}

// Transaction is the unit of execution: an EIP-1559-shaped fee market with a
// BLS-signed sender.
type Transaction struct {
	ChainID              uint64
	Nonce                uint64
	MaxPriorityFeePerGas *uint256.Int
	MaxFeePerGas         *uint256.Int
	GasLimit             uint64
	To                   *Address `rlp:"nil"`
	Value                *uint256.Int
	Data                 []byte
	AccessList           []AccessTuple
	SenderPublicKey      PublicKey
	Signature            Signature
}

// sigFields is the struct actually hashed/signed: every Transaction field
// except SenderPublicKey and Signature.
type sigFields struct {
	ChainID              uint64
	Nonce                uint64
	MaxPriorityFeePerGas *uint256.Int
	MaxFeePerGas         *uint256.Int
	GasLimit             uint64
	To                   *Address `rlp:"nil"`
	Value                *uint256.Int
	Data                 []byte
	AccessList           []AccessTuple
}

func (tx *Transaction) sigFields() sigFields {
	return sigFields{
		ChainID:              tx.ChainID,
		Nonce:                tx.Nonce,
		MaxPriorityFeePerGas: tx.MaxPriorityFeePerGas,
		MaxFeePerGas:         tx.MaxFeePerGas,
		GasLimit:             tx.GasLimit,
		To:                   tx.To,
		Value:                tx.Value,
		Data:                 tx.Data,
		AccessList:           tx.AccessList,
	}
}

// SigHash is the message the sender's BLS key signs.
func (tx *Transaction) SigHash() (Hash, error) {
	return HashRLP(tx.sigFields())
}

// Hash is the content address of the full, signed transaction.
func (tx *Transaction) Hash() (Hash, error) {
	return HashRLP(tx)
}

// Validate checks the structural invariant max_fee >= max_priority_fee.
// It does not check the signature; callers needing that call VerifySignature.
func (tx *Transaction) Validate() error {
	if tx.MaxFeePerGas == nil || tx.MaxPriorityFeePerGas == nil {
		return fmt.Errorf("types: fee fields must be set")
	}
	if tx.MaxFeePerGas.Lt(tx.MaxPriorityFeePerGas) {
		return ErrInvalidFeeFields
	}
	return nil
}

// Sign computes the sighash and signs it with sk, filling in
// SenderPublicKey and Signature.
func (tx *Transaction) Sign(sk *blscrypto.PrivateKey) error {
	sigHash, err := tx.SigHash()
	if err != nil {
		return err
	}
	sig := sk.SignWithDomain(blscrypto.DomainTransaction, sigHash[:])
	tx.SenderPublicKey = PublicKeyFromBLS(sk.PublicKey())
	tx.Signature = SignatureFromBLS(sig)
	return nil
}

// VerifySignature reports whether Signature is a valid signature by
// SenderPublicKey over SigHash().
func (tx *Transaction) VerifySignature() bool {
	sigHash, err := tx.SigHash()
	if err != nil {
		return false
	}
	pk, err := tx.SenderPublicKey.ToBLS()
	if err != nil {
		return false
	}
	sig, err := tx.Signature.ToBLS()
	if err != nil {
		return false
	}
	return pk.VerifyWithDomain(sig, blscrypto.DomainTransaction, sigHash[:])
}

// SenderAddress derives the sender's address deterministically from its
// public key, the way an account is addressed in this protocol (there is no
// secp256k1 ECDSA recovery here since signing is BLS, so the address is
// simply derived by hashing the public key).
func (tx *Transaction) SenderAddress() Address {
	return AddressFromPublicKey(tx.SenderPublicKey)
}

// IsSystemCall reports whether this transaction targets the reserved
// system-contract address.
func (tx *Transaction) IsSystemCall() bool {
	return tx.To != nil && *tx.To == SystemContractAddress
}
