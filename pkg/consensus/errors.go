// Package consensus implements the Simplex-style view-based BFT state
// machine: leader rotation, notarization, explicit finalization via
// aggregated threshold signatures, dummy-block timeouts, and equivocation
// detection. It owns ConsensusState and the evidence pool exclusively;
// the transaction pool is shared with RPC/gossip producers.
package consensus

import "errors"

// InvalidView means a message refers to a view this node has already
// passed or cannot yet act on; recovered silently by the caller (ignore).
var ErrInvalidView = errors.New("consensus: invalid view")

// InvalidParent means the referenced parent block is not present locally.
var ErrInvalidParent = errors.New("consensus: parent not found")

// InvalidQC means an embedded quorum certificate failed aggregate
// signature verification or did not meet the quorum threshold.
var ErrInvalidQC = errors.New("consensus: invalid quorum certificate")

// InvalidBlock covers re-execution disagreement: state root or receipts
// root mismatch, or a block-level execution error.
var (
	ErrInvalidBlock         = errors.New("consensus: invalid block")
	ErrInvalidStateRoot     = errors.New("consensus: state root mismatch")
	ErrInvalidReceiptsRoot  = errors.New("consensus: receipts root mismatch")
	ErrInvalidCommitteeHash = errors.New("consensus: committee hash mismatch")
)

// InvalidSignature means a vote's author signature did not verify; the
// vote is dropped.
var ErrInvalidSignature = errors.New("consensus: invalid vote signature")

// ErrNotLeader is returned by TryPropose when the local node is not the
// leader of the current view; callers treat this as a no-op, not a fault.
var ErrNotLeader = errors.New("consensus: not leader of current view")

// ErrNoParentQC is returned by TryPropose when no QC exists yet for
// current_view - 1.
var ErrNoParentQC = errors.New("consensus: no quorum certificate for the previous view")
