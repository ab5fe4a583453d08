/*
Package metrics provides Prometheus metrics and health endpoints for Burrow.

All collectors are registered with the default Prometheus registry at package
init and exposed by the serve command on the metrics address, next to the
/health, /ready and /live JSON endpoints.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  supervisor ──► WorkerSpawns / WorkerDeaths               │
	│                 SpinSuppressions            (by kind)     │
	│                                                            │
	│  pool ────────► Handoffs (by result), ConnectionFailures  │
	│                 BridgeBytes (by direction)                 │
	│                                                            │
	│  reqworker ───► Requests (kind, status), CorrelationBusy  │
	│                 RequestDuration (histogram)                │
	│                                                            │
	│  Collector ───► PoolMembers, PoolInFlight,                │
	│  (15s tick)     RequestsOutstanding                        │
	│                                                            │
	│  promhttp.Handler() ──► /metrics                           │
	└────────────────────────────────────────────────────────────┘

Counters are updated inline by the component that observes the event.
Gauges that describe loop-owned state (pool membership, occupied
correlation slots) are sampled by a Collector from a Source, which
fetches the snapshot through the reactor loop so that state is never read
from another goroutine.

# Health

A HealthTable belongs to one server. Components report into it with
Update. /health is unhealthy when any component is. /ready requires every
critical component named at construction to have reported healthy; the
manager names the listeners, the pool when a listener needs it, and each
enabled request worker. /live always answers 200 while the process runs.

# Usage

	timer := metrics.NewTimer()
	// ... request completes ...
	timer.ObserveDurationVec(metrics.RequestDuration, "resolve")

	metrics.Handoffs.WithLabelValues("ok").Inc()

	http.Handle("/metrics", metrics.Handler())
	table := metrics.NewHealthTable(version, "listener", "pool")
	table.Update("listener", true, "")
	http.HandleFunc("/health", table.HealthHandler())
	http.HandleFunc("/ready", table.ReadyHandler())
*/
package metrics
