// Package gossip implements the peer-to-peer transport consensus depends
// on: a typed message taxonomy, a length-prefixed TCP wire format with
// snappy frame compression, and a peer registry.
package gossip

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/simplexbft/node/pkg/types"
)

// messageKind tags the union type carried by every wire message.
type messageKind uint8

const (
	kindBlock messageKind = iota + 1
	kindVote
	kindTransaction
	kindRequestBlock
	kindResponseBlock
	kindEvidence
	kindHello
)

// message is the self-describing envelope gossip exchanges over the
// wire: exactly one of the payload fields is populated, selected by
// Kind. RLP encodes struct fields positionally, so every field is kept
// even when empty — the zero value decodes back to itself.
type message struct {
	Kind        messageKind
	Block       *types.Block                `rlp:"nil"`
	Vote        *types.Vote                 `rlp:"nil"`
	Transaction *types.Transaction          `rlp:"nil"`
	RequestHash types.Hash
	Evidence    *types.EquivocationEvidence `rlp:"nil"`
	HelloAddr   string
}

func encodeMessage(m *message) ([]byte, error) {
	b, err := rlp.EncodeToBytes(m)
	if err != nil {
		return nil, fmt.Errorf("gossip: encode message: %w", err)
	}
	return b, nil
}

func decodeMessage(b []byte) (*message, error) {
	var m message
	if err := rlp.DecodeBytes(b, &m); err != nil {
		return nil, fmt.Errorf("gossip: decode message: %w", err)
	}
	return &m, nil
}

func blockMessage(block *types.Block) *message {
	return &message{Kind: kindBlock, Block: block}
}

func voteMessage(vote *types.Vote) *message {
	return &message{Kind: kindVote, Vote: vote}
}

func transactionMessage(tx *types.Transaction) *message {
	return &message{Kind: kindTransaction, Transaction: tx}
}

func requestBlockMessage(hash types.Hash) *message {
	return &message{Kind: kindRequestBlock, RequestHash: hash}
}

func responseBlockMessage(block *types.Block) *message {
	return &message{Kind: kindResponseBlock, Block: block}
}

func evidenceMessage(ev *types.EquivocationEvidence) *message {
	return &message{Kind: kindEvidence, Evidence: ev}
}

// helloMessage is the first frame sent on every freshly dialed
// connection, announcing the dialer's own reachable gossip address so
// the accepting side can address replies (SendBlock) back to it rather
// than to the connection's ephemeral source port.
func helloMessage(selfAddr string) *message {
	return &message{Kind: kindHello, HelloAddr: selfAddr}
}
