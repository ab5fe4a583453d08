package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/types"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	require.NotNil(t, timer)

	time.Sleep(20 * time.Millisecond)
	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, timer.Duration(), first)
}

func TestTimerObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_request_duration_seconds",
			Help:    "Test duration histogram vec",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	timer := NewTimer()
	timer.ObserveDurationVec(vec, "resolve")
	timer.ObserveDurationVec(vec, "resolve")
	timer.ObserveDurationVec(vec, "ident")

	ch := make(chan prometheus.Metric, 4)
	vec.Collect(ch)
	close(ch)
	assert.Len(t, ch, 2)
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

type fakeSource struct {
	snap Snapshot
	err  error
}

func (f fakeSource) Snapshot() (Snapshot, error) { return f.snap, f.err }

func TestCollectorCopiesSnapshot(t *testing.T) {
	c := NewCollector(fakeSource{snap: Snapshot{
		Members: map[types.MemberStatus]int{
			types.MemberStatusLive:     3,
			types.MemberStatusDraining: 1,
		},
		InFlight:    7,
		Outstanding: map[types.WorkerKind]int{types.WorkerKindResolver: 2},
	}}, time.Second)

	c.collect()

	assert.Equal(t, 3.0, gaugeValue(t, PoolMembers.WithLabelValues("live")))
	assert.Equal(t, 1.0, gaugeValue(t, PoolMembers.WithLabelValues("draining")))
	assert.Equal(t, 0.0, gaugeValue(t, PoolMembers.WithLabelValues("dead")))
	assert.Equal(t, 7.0, gaugeValue(t, PoolInFlight))
	assert.Equal(t, 2.0, gaugeValue(t, RequestsOutstanding.WithLabelValues("resolve")))
	assert.Equal(t, 0.0, gaugeValue(t, RequestsOutstanding.WithLabelValues("ident")))
}

func TestCollectorIgnoresSourceError(t *testing.T) {
	PoolInFlight.Set(5)
	c := NewCollector(fakeSource{err: errors.New("loop stopped")}, 0)
	assert.Equal(t, 15*time.Second, c.interval)

	c.collect()
	assert.Equal(t, 5.0, gaugeValue(t, PoolInFlight))
}
