package gossip

import "github.com/simplexbft/node/pkg/types"

// Transport is the outbound side of the network: the consensus driver
// turns every Action into exactly one of these calls. It is the
// interface boundary between the event loop and whatever carries bytes
// between validators — the TCP implementation in this package.
type Transport interface {
	BroadcastBlock(block *types.Block) error
	BroadcastVote(vote *types.Vote) error
	BroadcastEvidence(ev *types.EquivocationEvidence) error
	BroadcastRequest(hash types.Hash) error
	SendBlock(block *types.Block, peer string) error
}

// Handler consumes messages decoded off the wire. The driver implements
// it by calling into the consensus Engine and the transaction pool, and
// re-dispatching any resulting consensus.Action values back out through
// a Transport — kept out of this package's own surface so this package
// depends only on pkg/types (cmd/node's driver, which imports both this
// package and pkg/consensus, does the translation).
type Handler interface {
	HandleBlock(block *types.Block, peer string) error
	HandleVote(vote types.Vote, peer string) error
	HandleTransaction(tx types.Transaction, peer string) error
	HandleBlockRequest(hash types.Hash, peer string) error
	HandleBlockResponse(block *types.Block, peer string) error
	HandleEvidence(ev types.EquivocationEvidence, peer string) error
}
