package main

import (
	"context"
	"log"
	"time"

	"github.com/simplexbft/node/pkg/consensus"
	"github.com/simplexbft/node/pkg/evidence"
	"github.com/simplexbft/node/pkg/gossip"
	"github.com/simplexbft/node/pkg/metrics"
	"github.com/simplexbft/node/pkg/storage"
	"github.com/simplexbft/node/pkg/txpool"
	"github.com/simplexbft/node/pkg/types"
)

// driver bridges the gossip transport's decoded messages to the
// consensus Engine and re-dispatches the Engine's resulting Action
// stream back out through the same transport.
type driver struct {
	engine       *consensus.Engine
	store        *storage.Storage
	pool         *txpool.Pool
	evidencePool *evidence.Pool
	network      *gossip.Network
	logger       *log.Logger
	metrics      *metrics.Registry
}

var _ gossip.Handler = (*driver)(nil)

func (d *driver) HandleBlock(block *types.Block, peer string) error {
	actions, err := d.engine.OnProposal(block)
	if err != nil {
		d.logger.Printf("reject proposal from %s: %v", peer, err)
		return nil
	}
	d.dispatch(actions)
	return nil
}

func (d *driver) HandleVote(vote types.Vote, peer string) error {
	actions, err := d.engine.OnVote(vote)
	if err != nil {
		d.logger.Printf("reject vote from %s: %v", peer, err)
		return nil
	}
	d.dispatch(actions)
	return nil
}

func (d *driver) HandleTransaction(tx types.Transaction, peer string) error {
	if _, err := d.pool.Add(tx, d.store); err != nil {
		d.logger.Printf("reject transaction from %s: %v", peer, err)
	}
	return nil
}

func (d *driver) HandleBlockRequest(hash types.Hash, peer string) error {
	actions, err := d.engine.OnBlockRequest(hash, peer)
	if err != nil {
		d.logger.Printf("block request from %s failed: %v", peer, err)
		return nil
	}
	d.dispatch(actions)
	return nil
}

func (d *driver) HandleBlockResponse(block *types.Block, peer string) error {
	actions, err := d.engine.OnBlockResponse(block)
	if err != nil {
		d.logger.Printf("reject block response from %s: %v", peer, err)
		return nil
	}
	d.dispatch(actions)
	return nil
}

func (d *driver) HandleEvidence(ev types.EquivocationEvidence, peer string) error {
	if d.evidencePool.Add(ev) {
		d.metrics.EquivocationsSeen.Inc()
	}
	return nil
}

// dispatch turns every consensus Action into the matching Transport
// call. Transport errors are logged, not propagated: a gossip send
// failing for one peer must never stall the rest of the event loop.
func (d *driver) dispatch(actions []consensus.Action) {
	for _, a := range actions {
		var err error
		switch a.Kind {
		case consensus.ActionBroadcastVote:
			err = d.network.BroadcastVote(a.Vote)
			d.metrics.VotesSent.Inc()
		case consensus.ActionBroadcastBlock:
			err = d.network.BroadcastBlock(a.Block)
		case consensus.ActionBroadcastEvidence:
			err = d.network.BroadcastEvidence(a.Evidence)
		case consensus.ActionBroadcastRequest:
			err = d.network.BroadcastRequest(a.Hash)
		case consensus.ActionSendBlock:
			err = d.network.SendBlock(a.Block, a.Peer)
		}
		if err != nil {
			d.logger.Printf("%s failed: %v", a.Kind, err)
		}
	}
}

// runConsensusLoop drives the two things the Engine cannot drive for
// itself: attempting to propose whenever the view advances, and
// firing a timeout vote when it doesn't advance quickly enough. It
// polls rather than using per-view timers since the view only ever
// advances from this same goroutine's own TryPropose/OnTimeout calls
// or from HandleBlock/HandleVote on the gossip read goroutines, and a
// short poll interval costs nothing a permissioned committee of this
// size would notice.
func (d *driver) runConsensusLoop(ctx context.Context, nodeID uint64, committeeSize int) {
	d.tryPropose()

	const pollInterval = 200 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	startState := d.engine.State()
	lastView := startState.View
	lastFinalized := startState.FinalizedHeight
	lastProgress := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state := d.engine.State()
			d.metrics.View.Set(float64(state.View))
			d.metrics.FinalizedHeight.Set(float64(state.FinalizedHeight))
			d.metrics.PreferredView.Set(float64(state.PreferredView))
			d.metrics.MempoolSize.Set(float64(d.pool.Len()))
			if fee, err := d.engine.SuggestBaseFee(); err == nil {
				d.metrics.BaseFeePerGas.Set(float64(fee.Uint64()))
			}
			if state.FinalizedHeight > lastFinalized {
				d.metrics.BlocksFinalized.Add(float64(state.FinalizedHeight - lastFinalized))
				lastFinalized = state.FinalizedHeight
			}

			if state.View != lastView {
				lastView = state.View
				lastProgress = time.Now()
				d.tryPropose()
				continue
			}

			if time.Since(lastProgress) >= viewTimeout {
				d.metrics.TimeoutsTriggered.Inc()
				actions, err := d.engine.OnTimeout(state.View)
				if err != nil {
					d.logger.Printf("timeout vote for view %d failed: %v", state.View, err)
				} else {
					d.dispatch(actions)
				}
				lastProgress = time.Now()
			}
		}
	}
}

func (d *driver) tryPropose() {
	actions, err := d.engine.TryPropose()
	switch err {
	case nil:
		d.dispatch(actions)
	case consensus.ErrNotLeader, consensus.ErrNoParentQC:
		// expected most views: either another node leads, or the
		// previous view's QC has not notarized yet.
	default:
		d.logger.Printf("propose attempt failed: %v", err)
	}
}
