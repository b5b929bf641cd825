// Package evidence holds equivocation evidence discovered by consensus
// until it is drained into a block or cleared after finalization. Like
// pkg/txpool, it is shared between producers (consensus noticing a double
// vote) and the consensus consumer (try_propose), so it guards its small
// map with one mutex.
package evidence

import (
	"log"
	"sync"

	"github.com/simplexbft/node/pkg/types"
)

// Pool is an offender-keyed set of equivocation evidence.
type Pool struct {
	mu         sync.RWMutex
	byOffender map[types.PublicKey]types.EquivocationEvidence

	logger *log.Logger
}

// New constructs an empty pool. logger may be nil.
func New(logger *log.Logger) *Pool {
	if logger == nil {
		logger = log.New(log.Writer(), "[evidence] ", log.LstdFlags)
	}
	return &Pool{
		byOffender: make(map[types.PublicKey]types.EquivocationEvidence),
		logger:     logger,
	}
}

// Add validates ev and, if it is genuine and not equal to the evidence
// already held for its offender, stores it, replacing any earlier entry
// for that offender. It returns whether ev was added (false for invalid or duplicate
// evidence, not an error: a consensus caller that stumbles on a forged or
// already-known equivocation should simply ignore it).
func (p *Pool) Add(ev types.EquivocationEvidence) bool {
	if !ev.Valid() {
		return false
	}
	offender := ev.Offender()

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.byOffender[offender]; ok && existing == ev {
		return false
	}
	p.byOffender[offender] = ev
	p.logger.Printf("recorded equivocation evidence against %s", offender.Hex())
	return true
}

// Drain returns the current evidence set for inclusion in a proposal. The
// order is not significant; offenders are processed independently by the
// executor.
func (p *Pool) Drain() []types.EquivocationEvidence {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.EquivocationEvidence, 0, len(p.byOffender))
	for _, ev := range p.byOffender {
		out = append(out, ev)
	}
	return out
}

// RemoveMany clears entries for the given evidence once a block that
// includes it has been persisted (consensus calls it after proposing or
// accepting that block).
func (p *Pool) RemoveMany(included []types.EquivocationEvidence) {
	if len(included) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range included {
		offender := ev.Offender()
		if existing, ok := p.byOffender[offender]; ok && existing == ev {
			delete(p.byOffender, offender)
		}
	}
}

// Len reports the current pool size.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byOffender)
}
