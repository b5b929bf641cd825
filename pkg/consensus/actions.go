package consensus

import "github.com/simplexbft/node/pkg/types"

// ActionKind discriminates the outbound action stream consensus emits.
// Consensus never performs transport I/O itself; the driver loop consumes
// this stream and dispatches it to the gossip/transport adapter.
type ActionKind int

const (
	ActionBroadcastVote ActionKind = iota
	ActionBroadcastBlock
	ActionBroadcastEvidence
	ActionBroadcastRequest
	ActionSendBlock
)

func (k ActionKind) String() string {
	switch k {
	case ActionBroadcastVote:
		return "BroadcastVote"
	case ActionBroadcastBlock:
		return "BroadcastBlock"
	case ActionBroadcastEvidence:
		return "BroadcastEvidence"
	case ActionBroadcastRequest:
		return "BroadcastRequest"
	case ActionSendBlock:
		return "SendBlock"
	default:
		return "Unknown"
	}
}

// Action is one entry of the outbound stream. Only the fields relevant to
// Kind are populated.
type Action struct {
	Kind     ActionKind
	Vote     *types.Vote
	Block    *types.Block
	Evidence *types.EquivocationEvidence
	Hash     types.Hash
	Peer     string
}

func broadcastVote(v types.Vote) Action {
	return Action{Kind: ActionBroadcastVote, Vote: &v}
}

func broadcastBlock(b *types.Block) Action {
	return Action{Kind: ActionBroadcastBlock, Block: b}
}

func broadcastEvidence(ev types.EquivocationEvidence) Action {
	return Action{Kind: ActionBroadcastEvidence, Evidence: &ev}
}

func broadcastRequest(hash types.Hash) Action {
	return Action{Kind: ActionBroadcastRequest, Hash: hash}
}

func sendBlock(b *types.Block, peer string) Action {
	return Action{Kind: ActionSendBlock, Block: b, Peer: peer}
}
