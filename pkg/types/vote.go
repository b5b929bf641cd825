package types

import "github.com/simplexbft/node/pkg/blscrypto"

// VoteKind distinguishes the two vote types a validator can cast for a view:
// a Notarize vote on a proposed block, and a Finalize vote once that block
// carries a notarization QC.
type VoteKind uint8

const (
	VoteNotarize VoteKind = iota
	VoteFinalize
)

func (k VoteKind) domain() string {
	if k == VoteFinalize {
		return blscrypto.DomainFinalize
	}
	return blscrypto.DomainNotarize
}

func (k VoteKind) String() string {
	if k == VoteFinalize {
		return "finalize"
	}
	return "notarize"
}

// Vote is a single validator's signed opinion that BlockHash is the correct
// block for View of the given Kind. A Timeout vote (the dummy-block path)
// uses BlockHash == ZeroHash.
type Vote struct {
	View      uint64
	BlockHash Hash
	Kind      VoteKind
	Author    PublicKey
	Signature Signature
}

// voteSigFields is what's actually signed: the fields that determine the
// vote's meaning, not the author (the author's key signs, so including the
// author in the message would be circular and gains nothing).
type voteSigFields struct {
	View      uint64
	BlockHash Hash
	Kind      VoteKind
}

// SigningMessage returns the RLP-hashed message this vote's signature
// covers.
func (v *Vote) SigningMessage() (Hash, error) {
	return HashRLP(voteSigFields{View: v.View, BlockHash: v.BlockHash, Kind: v.Kind})
}

// Sign fills in Author and Signature for sk.
func (v *Vote) Sign(sk *blscrypto.PrivateKey) error {
	msg, err := v.SigningMessage()
	if err != nil {
		return err
	}
	sig := sk.SignWithDomain(v.Kind.domain(), msg[:])
	v.Author = PublicKeyFromBLS(sk.PublicKey())
	v.Signature = SignatureFromBLS(sig)
	return nil
}

// VerifySignature checks Signature against Author for this vote's kind.
func (v *Vote) VerifySignature() bool {
	msg, err := v.SigningMessage()
	if err != nil {
		return false
	}
	pk, err := v.Author.ToBLS()
	if err != nil {
		return false
	}
	sig, err := v.Signature.ToBLS()
	if err != nil {
		return false
	}
	return pk.VerifyWithDomain(sig, v.Kind.domain(), msg[:])
}

// QuorumCertificate is τ votes of the same (View, BlockHash, Kind) folded
// into one aggregated BLS signature plus the ordered list of signers it
// verifies against. A QC with BlockHash == ZeroHash is a timeout/dummy-block
// certificate: it certifies that τ validators gave up on View, not that any
// block was agreed on.
type QuorumCertificate struct {
	View                uint64
	BlockHash           Hash
	Kind                VoteKind
	AggregatedSignature Signature
	Signers             []PublicKey
}

// IsDummy reports whether this QC certifies a view timeout rather than a
// proposed block.
func (qc *QuorumCertificate) IsDummy() bool {
	return qc.BlockHash == ZeroHash
}

// Verify checks that AggregatedSignature is a valid aggregate signature by
// Signers over this QC's (View, BlockHash, Kind). It does not check that
// Signers meets the quorum threshold or belongs to the active committee;
// callers combine this with committee membership and a size check.
func (qc *QuorumCertificate) Verify() bool {
	msg, err := HashRLP(voteSigFields{View: qc.View, BlockHash: qc.BlockHash, Kind: qc.Kind})
	if err != nil {
		return false
	}
	aggSig, err := qc.AggregatedSignature.ToBLS()
	if err != nil {
		return false
	}
	pks := make([]*blscrypto.PublicKey, 0, len(qc.Signers))
	for _, signer := range qc.Signers {
		pk, err := signer.ToBLS()
		if err != nil {
			return false
		}
		pks = append(pks, pk)
	}
	return blscrypto.VerifyAggregate(aggSig, pks, qc.Kind.domain(), msg[:])
}

// EquivocationEvidence proves a single author signed two distinct
// (View, BlockHash) pairs of the same Kind: VoteA and VoteB must share View
// and Kind but disagree on BlockHash, and both signatures must verify.
type EquivocationEvidence struct {
	VoteA Vote
	VoteB Vote
}

// Valid reports whether this evidence actually proves equivocation: same
// author, same view, same kind, two distinct non-zero block hashes, both
// signatures genuine. A dummy (zero-hash) vote never counts: a validator
// that voted for a block and then timed out in the same view has cast
// both legitimately, and accepting such a pair here would let a leader
// slash honest validators for the protocol's own liveness fallback.
func (e *EquivocationEvidence) Valid() bool {
	a, b := e.VoteA, e.VoteB
	if !a.Author.Equal(b.Author) {
		return false
	}
	if a.View != b.View || a.Kind != b.Kind {
		return false
	}
	if a.BlockHash == b.BlockHash || a.BlockHash == ZeroHash || b.BlockHash == ZeroHash {
		return false
	}
	return a.VerifySignature() && b.VerifySignature()
}

// Offender returns the public key of the validator this evidence implicates.
func (e *EquivocationEvidence) Offender() PublicKey {
	return e.VoteA.Author
}
