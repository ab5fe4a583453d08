package metrics

import (
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// Snapshot is a point-in-time view of the worker framework's state
type Snapshot struct {
	Members     map[types.MemberStatus]int
	InFlight    int
	Outstanding map[types.WorkerKind]int
}

// Source produces snapshots. Implementations must be safe to call from the
// collector goroutine.
type Source interface {
	Snapshot() (Snapshot, error)
}

// Collector periodically copies a Source's snapshot into the gauges
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	snap, err := c.source.Snapshot()
	if err != nil {
		return
	}

	for _, status := range []types.MemberStatus{types.MemberStatusLive, types.MemberStatusDraining, types.MemberStatusDead} {
		PoolMembers.WithLabelValues(string(status)).Set(float64(snap.Members[status]))
	}
	PoolInFlight.Set(float64(snap.InFlight))

	for _, kind := range types.RequestKinds {
		RequestsOutstanding.WithLabelValues(string(kind)).Set(float64(snap.Outstanding[kind]))
	}
}
