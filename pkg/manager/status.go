package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
)

// Snapshot reads pool and request worker state on the loop for the
// metrics collector.
func (m *Manager) Snapshot() (metrics.Snapshot, error) {
	snap := metrics.Snapshot{Outstanding: make(map[types.WorkerKind]int)}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	ok := m.loop.Do(ctx, func() {
		if m.pool != nil {
			snap.Members, snap.InFlight = m.pool.Counts()
		}
		for _, w := range m.requestWorkers() {
			snap.Outstanding[w.Kind()] = w.Outstanding()
		}
	})
	if !ok {
		return metrics.Snapshot{}, errors.New("event loop did not answer")
	}
	return snap, nil
}

// criticalComponents lists what readiness waits for: the listeners, the
// pool when a listener needs it, and every enabled request worker.
func (m *Manager) criticalComponents() []string {
	critical := []string{"listener"}
	if m.pool != nil {
		critical = append(critical, "pool")
	}
	for _, w := range m.requestWorkers() {
		critical = append(critical, string(w.Kind()))
	}
	return critical
}

// Health returns the manager's health table.
func (m *Manager) Health() *metrics.HealthTable {
	return m.health
}

func (m *Manager) startHealth() {
	m.monitor = health.NewMonitor(health.DefaultConfig(), m.health.Update)

	if m.pool != nil {
		m.health.Update("pool", false, "starting")
		m.monitor.Add("pool", health.CheckFunc(func(ctx context.Context) error {
			live := 0
			if !m.loop.Do(ctx, func() {
				counts, _ := m.pool.Counts()
				live = counts[types.MemberStatusLive]
			}) {
				return ctx.Err()
			}
			if live == 0 {
				return errors.New("no live stream worker")
			}
			return nil
		}))
	}

	for _, w := range m.requestWorkers() {
		w := w
		m.monitor.Add(string(w.Kind()), health.CheckFunc(func(ctx context.Context) error {
			running := false
			if !m.loop.Do(ctx, func() { running = w.Running() }) {
				return ctx.Err()
			}
			if !running {
				return fmt.Errorf("%s worker not running", w.Kind())
			}
			return nil
		}))
	}
	m.monitor.Start()
}

func (m *Manager) startMetricsServer() error {
	if m.cfg.MetricsAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", m.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.MetricsAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", m.health.HealthHandler())
	mux.HandleFunc("/ready", m.health.ReadyHandler())
	mux.HandleFunc("/live", m.health.LivenessHandler())

	m.metricsAddr = ln.Addr()
	m.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := m.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	m.logger.Info().Str("addr", ln.Addr().String()).Msg("metrics endpoint listening")
	return nil
}

// MetricsAddr returns the bound metrics address, or nil when disabled.
func (m *Manager) MetricsAddr() net.Addr {
	return m.metricsAddr
}
