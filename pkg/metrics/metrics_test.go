package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllMetrics(t *testing.T) {
	reg := New()
	reg.View.Set(5)
	reg.FinalizedHeight.Set(4)
	reg.VotesSent.Inc()
	reg.BlocksFinalized.Inc()
	reg.MempoolSize.Set(3)

	families, err := reg.Gatherer().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["simplexbft_consensus_view"])
	require.True(t, names["simplexbft_consensus_votes_sent_total"])
	require.True(t, names["simplexbft_txpool_size"])
}
