// Package types defines the wire and in-memory data model shared by every
// other package: hashes, keys, transactions, blocks, votes, quorum
// certificates and the persisted consensus state. Every type here is
// RLP-encodable (github.com/ethereum/go-ethereum/rlp) so that storage,
// gossip framing and hashing all use one canonical codec, matching the
// round-trip and determinism properties consensus depends on.
package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Hash is a content address: 32 bytes, equality is byte equality.
type Hash = common.Hash

// Address is a 20-byte account address.
type Address = common.Address

// ZeroHash is the sentinel "no block"/"dummy" hash used by timeout QCs.
var ZeroHash = Hash{}

// SystemContractAddress is the reserved address the executor handles
// directly instead of dispatching to the general execution engine.
var SystemContractAddress = Address{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00}

// HashRLP returns keccak256(rlp(v)), the canonical content-address for any
// encodable value in this package.
func HashRLP(v interface{}) (Hash, error) {
	b, err := rlp.EncodeToBytes(v)
	if err != nil {
		return Hash{}, err
	}
	return crypto.Keccak256Hash(b), nil
}

// MustHashRLP panics on encode failure; only used for values whose shape is
// controlled entirely by this package and therefore always encodable.
func MustHashRLP(v interface{}) Hash {
	h, err := HashRLP(v)
	if err != nil {
		panic(err)
	}
	return h
}

// AddressHash is the SMT leaf key for addr: keccak256 of the raw address
// bytes, not an RLP encoding of them.
func AddressHash(addr Address) Hash {
	return crypto.Keccak256Hash(addr[:])
}
