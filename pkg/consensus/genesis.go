package consensus

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/simplexbft/node/pkg/types"
)

// InitialBaseFee seeds the EIP-1559 fee market at genesis; there is no
// parent block to derive it from.
const InitialBaseFee = 1_000_000_000

// runGenesis initializes storage and ConsensusState the first time a node
// starts against an empty database: it writes the genesis block (empty
// payload, zero roots, InitialBaseFee), a genesis "QC" for view 0 that
// bootstraps try_propose's "QC for view 0 exists" check without being a
// real aggregate signature, funds the bootstrap account, and persists the
// initial ConsensusState at view 1.
//
// The bootstrap account is committee[0]'s address: node 0 is the
// designated bootnode, so it is the natural choice for the account that
// needs funds before anyone can stake or pay gas.
func (e *Engine) runGenesis(committee []types.PublicKey) error {
	if len(committee) == 0 {
		return fmt.Errorf("consensus: genesis requires a non-empty committee")
	}

	committeeHash, err := types.CommitteeHash(committee)
	if err != nil {
		return fmt.Errorf("consensus: hash genesis committee: %w", err)
	}

	genesisBlock := &types.Block{
		View:          0,
		ParentHash:    types.ZeroHash,
		BaseFeePerGas: uint256.NewInt(InitialBaseFee),
		CommitteeHash: committeeHash,
	}
	genesisHash, err := genesisBlock.Hash()
	if err != nil {
		return fmt.Errorf("consensus: hash genesis block: %w", err)
	}
	if _, err := e.storage.PutBlock(genesisBlock); err != nil {
		return fmt.Errorf("consensus: persist genesis block: %w", err)
	}

	genesisQC := &types.QuorumCertificate{
		View:      0,
		BlockHash: genesisHash,
		Kind:      types.VoteNotarize,
		Signers:   committee,
	}
	if err := e.storage.PutQC(genesisQC); err != nil {
		return fmt.Errorf("consensus: persist genesis QC: %w", err)
	}

	bootstrapAddr := types.AddressFromPublicKey(committee[0])
	maxBalance := new(uint256.Int).SetAllOne()
	if err := e.storage.PutAccount(bootstrapAddr, &types.AccountInfo{Balance: maxBalance}); err != nil {
		return fmt.Errorf("consensus: fund bootstrap account: %w", err)
	}

	state := &types.ConsensusState{
		View:            1,
		FinalizedHeight: 0,
		PreferredBlock:  genesisHash,
		PreferredView:   0,
		LastVotedView:   0,
		Committee:       append([]types.PublicKey(nil), committee...),
	}
	if err := e.storage.PutConsensusState(state); err != nil {
		return fmt.Errorf("consensus: persist initial consensus state: %w", err)
	}

	e.state = state
	e.logger.Printf("genesis initialized: block=%x committee_size=%d bootstrap=%s", genesisHash, len(committee), bootstrapAddr.Hex())
	return nil
}
