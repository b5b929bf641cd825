// Package blscrypto implements the BLS12-381 threshold signature group used
// by consensus: notarize/finalize votes are single-message signatures, and a
// quorum certificate aggregates them into one group element that verifies
// against the ordered signer set. Signatures live on G1, public keys on
// G2; hash-to-curve uses the "hash and pray" method, deterministic and
// adequate for public messages.
package blscrypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

var (
	initOnce sync.Once
	g1Gen    bls12381.G1Affine
	g2Gen    bls12381.G2Affine
)

// Domain separation tags, one per signed message class, so a Notarize
// signature can never be replayed as a Finalize signature (or a
// transaction signature as either) and vice versa.
const (
	DomainNotarize    = "SIMPLEX_NOTARIZE_V1"
	DomainFinalize    = "SIMPLEX_FINALIZE_V1"
	DomainTransaction = "SIMPLEX_TX_V1"
)

const (
	PrivateKeySize = 32
	PublicKeySize  = 96
	SignatureSize  = 48
)

func initialize() {
	initOnce.Do(func() {
		_, _, g1Gen, g2Gen = bls12381.Generators()
	})
}

// PrivateKey is a scalar in Fr.
type PrivateKey struct {
	scalar fr.Element
}

// PublicKey is a point on G2.
type PublicKey struct {
	point bls12381.G2Affine
}

// Signature is a point on G1.
type Signature struct {
	point bls12381.G1Affine
}

// GenerateKeyPairFromSeed derives a deterministic key pair from a seed. The
// CLI uses this to derive a validator's keypair from its node id, which
// makes permissioned bootstrap and tests reproducible.
func GenerateKeyPairFromSeed(seed []byte) (*PrivateKey, *PublicKey, error) {
	initialize()
	h := sha256.Sum256(seed)
	var sk fr.Element
	sk.SetBytes(h[:])
	priv := &PrivateKey{scalar: sk}
	return priv, priv.PublicKey(), nil
}

// PrivateKeyFromBytes deserializes a private key scalar.
func PrivateKeyFromBytes(data []byte) (*PrivateKey, error) {
	initialize()
	if len(data) != PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size: got %d, want %d", len(data), PrivateKeySize)
	}
	var sk fr.Element
	sk.SetBytes(data)
	return &PrivateKey{scalar: sk}, nil
}

// PublicKeyFromBytes deserializes a G2 point.
func PublicKeyFromBytes(data []byte) (*PublicKey, error) {
	initialize()
	var pk bls12381.G2Affine
	if _, err := pk.SetBytes(data); err != nil {
		return nil, fmt.Errorf("deserialize public key: %w", err)
	}
	return &PublicKey{point: pk}, nil
}

// SignatureFromBytes deserializes a G1 point.
func SignatureFromBytes(data []byte) (*Signature, error) {
	initialize()
	var sig bls12381.G1Affine
	if _, err := sig.SetBytes(data); err != nil {
		return nil, fmt.Errorf("deserialize signature: %w", err)
	}
	return &Signature{point: sig}, nil
}

func (sk *PrivateKey) Bytes() []byte {
	b := sk.scalar.Bytes()
	return b[:]
}

func (sk *PrivateKey) Hex() string { return hex.EncodeToString(sk.Bytes()) }

// PublicKey derives pk = sk * G2.
func (sk *PrivateKey) PublicKey() *PublicKey {
	initialize()
	var pk bls12381.G2Affine
	var skBig big.Int
	sk.scalar.BigInt(&skBig)
	pk.ScalarMultiplication(&g2Gen, &skBig)
	return &PublicKey{point: pk}
}

// SignWithDomain signs domain||message: sig = sk * H(domain||message).
func (sk *PrivateKey) SignWithDomain(domain string, message []byte) *Signature {
	h := hashToG1(computeDomainMessage(domain, message))
	var sig bls12381.G1Affine
	var skBig big.Int
	sk.scalar.BigInt(&skBig)
	sig.ScalarMultiplication(&h, &skBig)
	return &Signature{point: sig}
}

func (pk *PublicKey) Bytes() []byte {
	b := pk.point.Bytes()
	return b[:]
}

func (pk *PublicKey) Hex() string { return hex.EncodeToString(pk.Bytes()) }

// VerifyWithDomain checks e(sig, G2) == e(H(domain||message), pk).
func (pk *PublicKey) VerifyWithDomain(sig *Signature, domain string, message []byte) bool {
	initialize()
	h := hashToG1(computeDomainMessage(domain, message))
	var negPk bls12381.G2Affine
	negPk.Neg(&pk.point)
	ok, err := bls12381.PairingCheck(
		[]bls12381.G1Affine{sig.point, h},
		[]bls12381.G2Affine{g2Gen, negPk},
	)
	if err != nil {
		return false
	}
	return ok
}

// Equal reports whether two public keys are the same group element.
func (pk *PublicKey) Equal(other *PublicKey) bool {
	if pk == nil || other == nil {
		return pk == other
	}
	return pk.point.Equal(&other.point)
}

func (sig *Signature) Bytes() []byte {
	b := sig.point.Bytes()
	return b[:]
}

func (sig *Signature) Hex() string { return hex.EncodeToString(sig.Bytes()) }

// AggregateSignatures sums signatures on G1: aggSig = sig1 + sig2 + ... + sigN.
func AggregateSignatures(signatures []*Signature) (*Signature, error) {
	initialize()
	if len(signatures) == 0 {
		return nil, errors.New("no signatures to aggregate")
	}
	var agg bls12381.G1Jac
	agg.FromAffine(&signatures[0].point)
	for _, s := range signatures[1:] {
		var jac bls12381.G1Jac
		jac.FromAffine(&s.point)
		agg.AddAssign(&jac)
	}
	var result bls12381.G1Affine
	result.FromJacobian(&agg)
	return &Signature{point: result}, nil
}

// AggregatePublicKeys sums public keys on G2.
func AggregatePublicKeys(publicKeys []*PublicKey) (*PublicKey, error) {
	initialize()
	if len(publicKeys) == 0 {
		return nil, errors.New("no public keys to aggregate")
	}
	var agg bls12381.G2Jac
	agg.FromAffine(&publicKeys[0].point)
	for _, pk := range publicKeys[1:] {
		var jac bls12381.G2Jac
		jac.FromAffine(&pk.point)
		agg.AddAssign(&jac)
	}
	var result bls12381.G2Affine
	result.FromJacobian(&agg)
	return &PublicKey{point: result}, nil
}

// VerifyAggregate verifies a QC's aggregated_signature: all of signers must
// have signed the same (domain, message) pair.
func VerifyAggregate(aggSig *Signature, signers []*PublicKey, domain string, message []byte) bool {
	if aggSig == nil || len(signers) == 0 {
		return false
	}
	aggPk, err := AggregatePublicKeys(signers)
	if err != nil {
		return false
	}
	return aggPk.VerifyWithDomain(aggSig, domain, message)
}

// hashToG1 hashes a message onto a point of G1 using the "hash and pray"
// method: deterministic, not constant-time, fine for our purposes since the
// message (a block hash) is public.
func hashToG1(message []byte) bls12381.G1Affine {
	initialize()
	h := sha256.New()
	h.Write([]byte("BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_"))
	h.Write(message)
	seed := h.Sum(nil)

	for counter := uint64(0); counter < 1000; counter++ {
		h2 := sha256.New()
		h2.Write(seed)
		binary.Write(h2, binary.BigEndian, counter)
		hash := h2.Sum(nil)

		var point bls12381.G1Affine
		if _, err := point.SetBytes(hash); err == nil && !point.IsInfinity() {
			return point
		}

		var scalar fr.Element
		scalar.SetBytes(hash)
		var scalarBig big.Int
		scalar.BigInt(&scalarBig)
		var result bls12381.G1Affine
		result.ScalarMultiplication(&g1Gen, &scalarBig)
		if !result.IsInfinity() {
			return result
		}
	}
	return g1Gen
}

func computeDomainMessage(domain string, message []byte) []byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write(message)
	return h.Sum(nil)
}
