package types

import (
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/simplexbft/node/pkg/blscrypto"
)

// PublicKey is a BLS12-381 G2 point, stored as fixed-size bytes so it RLP
// and JSON encode the same way common.Hash/common.Address do.
type PublicKey [96]byte

// Signature is a BLS12-381 G1 point.
type Signature [48]byte

func (k PublicKey) Hex() string  { return "0x" + hex.EncodeToString(k[:]) }
func (s Signature) Hex() string  { return "0x" + hex.EncodeToString(s[:]) }
func (k PublicKey) IsZero() bool { return k == PublicKey{} }

// ToBLS parses the fixed-size bytes into a usable group element.
func (k PublicKey) ToBLS() (*blscrypto.PublicKey, error) {
	pk, err := blscrypto.PublicKeyFromBytes(k[:])
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return pk, nil
}

// ToBLS parses the fixed-size bytes into a usable group element.
func (s Signature) ToBLS() (*blscrypto.Signature, error) {
	sig, err := blscrypto.SignatureFromBytes(s[:])
	if err != nil {
		return nil, fmt.Errorf("parse signature: %w", err)
	}
	return sig, nil
}

// PublicKeyFromBLS packs a group element back into the fixed-size wire form.
func PublicKeyFromBLS(pk *blscrypto.PublicKey) PublicKey {
	var out PublicKey
	copy(out[:], pk.Bytes())
	return out
}

// SignatureFromBLS packs a group element back into the fixed-size wire form.
func SignatureFromBLS(sig *blscrypto.Signature) Signature {
	var out Signature
	copy(out[:], sig.Bytes())
	return out
}

// Equal is provided because PublicKey/Signature are arrays and `==` already
// works, but group-element construction code reads better calling this.
func (k PublicKey) Equal(other PublicKey) bool { return k == other }

// AddressFromPublicKey derives an account address from a validator's public
// key: the low 20 bytes of keccak256(pubkey), the same "hash a key" shape
// go-ethereum uses for secp256k1 keys, adapted to our BLS keys since there is
// no ECDSA recovery step in this protocol.
func AddressFromPublicKey(pk PublicKey) Address {
	h := crypto.Keccak256(pk[:])
	var addr Address
	copy(addr[:], h[len(h)-20:])
	return addr
}
