package nanocb

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsTrackEngine(t *testing.T) {
	p := mockPipeline(t, WithNumKVBlocks(4), WithBlockSize(4))
	m := p.Metrics()

	dc := GreedyConfig()
	dc.MaxNewTokens = 4
	dc.IgnoreEOS = true
	results := generate(t, p,
		[]string{"abcdefgh", "ijklmnop", "this prompt needs too many blocks"},
		repeatConfig(dc, 3))
	require.Equal(t, GroupFailed, results[2].Status)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues(GroupFinished.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues(GroupFailed.String())))
	assert.Greater(t, testutil.ToFloat64(m.steps), 0.0)
	assert.Greater(t, testutil.ToFloat64(m.preemptions), 0.0)
	assert.LessOrEqual(t, testutil.ToFloat64(m.freeBlocks), 4.0)

	n, err := testutil.GatherAndCount(m.Registry(), "nanocb_batched_tokens")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetricsRegistriesAreIndependent(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.observeRequest(GroupCancelled)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.requests.WithLabelValues("CANCELLED")))
	assert.Equal(t, 0, testutil.CollectAndCount(b.requests))
}
