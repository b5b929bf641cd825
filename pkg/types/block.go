package types

import "github.com/holiman/uint256"

// Block is a leader's proposal for a view: a parent pointer, the QC that
// justifies building on that parent, the post-execution state roots, and the
// payload that produced them.
type Block struct {
	Author        PublicKey
	View          uint64
	ParentHash    Hash
	Justify       QuorumCertificate
	StateRoot     Hash
	ReceiptsRoot  Hash
	Payload       []Transaction
	Evidence      []EquivocationEvidence
	BaseFeePerGas *uint256.Int
	GasUsed       uint64
	CommitteeHash Hash
}

// Hash is this block's content address, used as block_hash in votes, QCs,
// and parent_hash of its children.
func (b *Block) Hash() (Hash, error) {
	return HashRLP(b)
}

// IsGenesis reports whether this is the chain's view-0 block.
func (b *Block) IsGenesis() bool {
	return b.View == 0
}
