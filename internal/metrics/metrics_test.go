package metrics_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neurogate/gateway/internal/metrics"
)

func TestCounterSharedAcrossNodes(t *testing.T) {
	t.Parallel()
	reg := metrics.NewRegistry(metrics.Config{})

	e1 := reg.Register("d1", "polls_total", "polls", metrics.Counter)
	e2 := reg.Register("d2", "polls_total", "polls", metrics.Counter)
	e1.Inc()
	e2.Inc()
	e2.Inc()

	require.Equal(t, int64(1), e1.Value())
	require.Equal(t, int64(2), e2.Value())
}

func TestUnregisterSurvivesOtherHolders(t *testing.T) {
	t.Parallel()
	reg := metrics.NewRegistry(metrics.Config{})

	e := reg.Register("", "drops_total", "drops", metrics.Counter)
	reg.Register("", "drops_total", "drops", metrics.Counter) // second holder
	e.Inc()

	reg.Unregister("", "drops_total") // one holder left
	var sawMetric bool
	reg.Visit(func(s metrics.Snapshot) {
		_, sawMetric = s.Global["drops_total"]
	})
	require.True(t, sawMetric, "metric should still exist while a second holder is registered")

	reg.Unregister("", "drops_total") // last holder drops
	reg.Visit(func(s metrics.Snapshot) {
		_, sawMetric = s.Global["drops_total"]
	})
	require.False(t, sawMetric)
}

func TestGaugeSetOverwrites(t *testing.T) {
	t.Parallel()
	reg := metrics.NewRegistry(metrics.Config{})
	e := reg.Register("d1", "link_up", "link state", metrics.Gauge)
	e.Set(1)
	require.Equal(t, int64(1), e.Value())
	e.Set(0)
	require.Equal(t, int64(0), e.Value())
	e.Add(5) // no-op on a gauge
	require.Equal(t, int64(0), e.Value())
}

func TestRollingCounterWindow(t *testing.T) {
	t.Parallel()
	reg := metrics.NewRegistry(metrics.Config{RollingWindow: 3 * time.Second, BucketWidth: time.Second})
	e := reg.Register("d1", "samples_per_sec", "throughput", metrics.RollingCounter)
	e.Add(10)
	require.Equal(t, int64(10), e.Value())
}

func TestVisitReportsNodeCounts(t *testing.T) {
	t.Parallel()
	reg := metrics.NewRegistry(metrics.Config{})
	reg.SetNodeState("d1", "DRIVER", "RUNNING")
	reg.SetNodeState("d2", "DRIVER", "READY")
	reg.SetNodeState("a1", "APP", "RUNNING")

	var kinds, states map[string]int
	reg.Visit(func(s metrics.Snapshot) {
		kinds = s.NodeCountByKind
		states = s.NodeCountByState
	})
	require.Equal(t, 2, kinds["DRIVER"])
	require.Equal(t, 1, kinds["APP"])
	require.Equal(t, 1, states["READY"])
	require.Equal(t, 2, states["RUNNING"])

	reg.UnregisterNode("d1")
	reg.Visit(func(s metrics.Snapshot) {
		kinds = s.NodeCountByKind
	})
	require.Equal(t, 1, kinds["DRIVER"])
}
