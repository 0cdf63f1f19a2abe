package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors_Registered(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	// Vec collectors only appear once a label set exists.
	Wakes.WithLabelValues("posted")
	AsyncQueries.WithLabelValues("delivered")
	AsyncWrites.WithLabelValues("committed")
	families, err = prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, n := range []string{
		MetricCommits, MetricRollbacks, MetricStoresOpen, MetricVersionsRetained,
		MetricPinsActive, MetricPinsReclaimed, MetricWakes, MetricListenerPanics,
		MetricAsyncQueries, MetricAsyncWrites,
	} {
		assert.True(t, names[namespace+"_"+n], "missing %s", n)
	}
}

func TestCommits_Increments(t *testing.T) {
	before := testutil.ToFloat64(Commits)
	Commits.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Commits))
}
