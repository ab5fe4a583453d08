package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Supervisor metrics
	WorkerSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_worker_spawns_total",
			Help: "Total number of helper processes started by kind",
		},
		[]string{"kind"},
	)

	WorkerDeaths = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_worker_deaths_total",
			Help: "Total number of helper process deaths by kind",
		},
		[]string{"kind"},
	)

	SpinSuppressions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_worker_spin_suppressions_total",
			Help: "Total number of respawns suppressed because a worker was spinning",
		},
		[]string{"kind"},
	)

	// Pool metrics
	PoolMembers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_pool_members",
			Help: "Number of stream pool members by status",
		},
		[]string{"status"},
	)

	PoolInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_pool_in_flight",
			Help: "Connections currently bridged by stream workers",
		},
	)

	Handoffs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_handoffs_total",
			Help: "Total number of connection handoffs by result",
		},
		[]string{"result"},
	)

	ConnectionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_connection_failures_total",
			Help: "Total number of bridged connections reported failed",
		},
	)

	BridgeBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_bridge_bytes_total",
			Help: "Bytes moved by stream bridges by direction",
		},
		[]string{"direction"},
	)

	ConnectionsAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_connections_accepted_total",
			Help: "Total number of accepted client connections by outcome",
		},
		[]string{"result"},
	)

	// Request worker metrics
	Requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_requests_total",
			Help: "Total number of requests to line-protocol workers by kind and status",
		},
		[]string{"kind", "status"},
	)

	CorrelationBusy = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_correlation_busy_total",
			Help: "Total number of submissions rejected because the correlation table was full",
		},
		[]string{"kind"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_request_duration_seconds",
			Help:    "Time from submit to final response in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	RequestsOutstanding = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_requests_outstanding",
			Help: "Occupied correlation slots by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WorkerSpawns)
	prometheus.MustRegister(WorkerDeaths)
	prometheus.MustRegister(SpinSuppressions)
	prometheus.MustRegister(PoolMembers)
	prometheus.MustRegister(PoolInFlight)
	prometheus.MustRegister(Handoffs)
	prometheus.MustRegister(ConnectionFailures)
	prometheus.MustRegister(BridgeBytes)
	prometheus.MustRegister(ConnectionsAccepted)
	prometheus.MustRegister(Requests)
	prometheus.MustRegister(CorrelationBusy)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(RequestsOutstanding)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the time since its creation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds on a histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on the labelled child of a histogram vec
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
