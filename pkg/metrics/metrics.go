// Package metrics exposes consensus and mempool gauges via
// prometheus/client_golang, the Prometheus-scrapeable counterpart to
// the node's /health JSON endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry groups every gauge/counter one node instance exposes. A
// fresh Registry per node avoids the default global registerer
// panicking when multiple nodes run in the same test process.
type Registry struct {
	reg *prometheus.Registry

	View              prometheus.Gauge
	FinalizedHeight   prometheus.Gauge
	PreferredView     prometheus.Gauge
	VotesSent         prometheus.Counter
	BlocksFinalized   prometheus.Counter
	TimeoutsTriggered prometheus.Counter
	EquivocationsSeen prometheus.Counter
	MempoolSize       prometheus.Gauge
	BaseFeePerGas     prometheus.Gauge
}

// New constructs a Registry with every metric registered under the
// "simplexbft" namespace.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		View: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "simplexbft", Subsystem: "consensus", Name: "view",
			Help: "Current consensus view.",
		}),
		FinalizedHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "simplexbft", Subsystem: "consensus", Name: "finalized_height",
			Help: "Height of the highest finalized block.",
		}),
		PreferredView: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "simplexbft", Subsystem: "consensus", Name: "preferred_view",
			Help: "View of the node's current preferred block.",
		}),
		VotesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "simplexbft", Subsystem: "consensus", Name: "votes_sent_total",
			Help: "Total votes this node has cast.",
		}),
		BlocksFinalized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "simplexbft", Subsystem: "consensus", Name: "blocks_finalized_total",
			Help: "Total blocks finalized by this node.",
		}),
		TimeoutsTriggered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "simplexbft", Subsystem: "consensus", Name: "timeouts_triggered_total",
			Help: "Total view timeouts this node has triggered.",
		}),
		EquivocationsSeen: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "simplexbft", Subsystem: "evidence", Name: "equivocations_seen_total",
			Help: "Total distinct equivocation evidence entries recorded.",
		}),
		MempoolSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "simplexbft", Subsystem: "txpool", Name: "size",
			Help: "Number of transactions currently pooled.",
		}),
		BaseFeePerGas: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "simplexbft", Subsystem: "execution", Name: "base_fee_per_gas",
			Help: "Suggested base fee per gas for the block after the preferred block, in wei (float64, may lose precision above 2^53).",
		}),
	}
}

// Gatherer exposes the underlying *prometheus.Registry for mounting on
// an HTTP handler via promhttp.HandlerFor.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
