package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/clock"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/gateway"
	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/pool"
	"github.com/cuemby/burrow/pkg/reactor"
	"github.com/cuemby/burrow/pkg/reqworker"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/cuemby/burrow/pkg/supervisor"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	selfSignedValidity = 365 * 24 * time.Hour
	drainPollInterval  = 50 * time.Millisecond
	finalStopTimeout   = 5 * time.Second
	snapshotTimeout    = 2 * time.Second
)

// ErrNotStarted is returned by operations that need a running manager.
var ErrNotStarted = errors.New("manager: not started")

// Config holds configuration for creating a Manager
type Config struct {
	Server *config.Config

	// Handler receives admitted clients. Defaults to a NOTICE-and-close
	// handler.
	Handler gateway.Handler

	// Executable is spawned for every worker. Defaults to the server's
	// worker_binary, then to the running executable.
	Executable string

	// Spawn replaces process creation; tests run workers in-process.
	Spawn supervisor.SpawnFunc

	Clock clock.Clock

	// Version is reported by /health and /ready.
	Version string
}

// Manager is the main process runtime: it owns the event loop, the
// process registry, the stream worker pool, the request workers and the
// gateway. Nothing in it is global.
type Manager struct {
	cfg    *config.Config
	exe    string
	loop   *reactor.Loop
	logger zerolog.Logger

	registry *supervisor.Registry
	broker   *events.Broker
	pool     *pool.Pool
	resolver *reqworker.Worker
	ident    *reqworker.Worker
	bans     *reqworker.Worker
	gateway  *gateway.Gateway

	collector   *metrics.Collector
	health      *metrics.HealthTable
	monitor     *health.Monitor
	httpSrv     *http.Server
	metricsAddr net.Addr
	eventSub    events.Subscriber

	cancel   context.CancelFunc
	loopDone chan struct{}
	served   chan struct{}
}

// NewManager creates a new Manager instance. Nothing is spawned until
// Start.
func NewManager(cfg *Config) (*Manager, error) {
	srv := cfg.Server
	if srv == nil {
		srv = config.Default()
	}
	if err := srv.Validate(); err != nil {
		return nil, err
	}

	exe := cfg.Executable
	if exe == "" {
		exe = srv.WorkerBinary
	}
	if exe == "" && cfg.Spawn == nil {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("failed to locate worker binary: %v", err)
		}
	}

	m := &Manager{
		cfg:      srv,
		exe:      exe,
		loop:     reactor.New(cfg.Clock),
		logger:   log.WithComponent("manager"),
		registry: supervisor.NewRegistry(),
		broker:   events.NewBroker(),
	}

	policy := srv.Spin.Policy()
	if m.streamed() {
		m.pool = pool.New(m.loop, pool.Config{
			Size:     srv.Pool.Size,
			Command:  m.command(types.WorkerKindStream),
			Spawn:    cfg.Spawn,
			Spin:     supervisor.NewSpinDetector(policy),
			Registry: m.registry,
			Events:   m.broker,
			OnConnectionFailed: func(id uint64, reason string) {
				m.gateway.ConnectionEnded(id, reason)
			},
			OnConnectionClosed: func(id uint64, _ types.Counters) {
				m.gateway.ConnectionEnded(id, "")
			},
		})
	}

	newWorker := func(kind types.WorkerKind) *reqworker.Worker {
		return reqworker.New(m.loop, reqworker.Config{
			Command:   m.command(kind),
			Spawn:     cfg.Spawn,
			Spin:      supervisor.NewSpinDetector(policy),
			Registry:  m.registry,
			Events:    m.broker,
			MaxLine:   srv.Requests.MaxLine,
			TableSize: srv.Requests.TableSize,
		})
	}
	if srv.Lookups.DNS {
		m.resolver = newWorker(types.WorkerKindResolver)
	}
	if srv.Lookups.Ident {
		m.ident = newWorker(types.WorkerKindIdent)
	}
	if srv.Lookups.Bans {
		m.bans = newWorker(types.WorkerKindBanStore)
	}

	handler := cfg.Handler
	if handler == nil {
		handler = gateway.NoticeHandler("burrow", "no IRC core attached")
	}
	gcfg := gateway.Config{
		LookupTimeout: srv.Lookups.Timeout,
		Handler:       handler,
	}
	for _, l := range srv.Listeners {
		gcfg.Listeners = append(gcfg.Listeners, gateway.Listener{Addr: l.Addr, TLS: l.TLS, Compress: l.Compress})
	}
	// Interfaces stay nil for disabled workers.
	if m.resolver != nil {
		gcfg.Resolver = m.resolver
	}
	if m.ident != nil {
		gcfg.Ident = m.ident
	}
	if m.bans != nil {
		gcfg.Bans = m.bans
	}
	if m.pool != nil {
		gcfg.Pool = m.pool
	}
	m.gateway = gateway.New(m.loop, gcfg)
	m.health = metrics.NewHealthTable(cfg.Version, m.criticalComponents()...)

	return m, nil
}

func (m *Manager) streamed() bool {
	for _, l := range m.cfg.Listeners {
		if l.Streamed() {
			return true
		}
	}
	return false
}

// command builds the launch description for a worker kind. Settings the
// worker needs travel as flags of the worker subcommand.
func (m *Manager) command(kind types.WorkerKind) supervisor.Command {
	srv := m.cfg
	args := []string{"worker", string(kind)}
	if srv.Log.JSON {
		args = append(args, "--log-json")
	}
	switch kind {
	case types.WorkerKindStream:
		args = append(args,
			"--stats-interval", srv.Pool.StatsInterval.String(),
			"--compress-level", strconv.Itoa(srv.Pool.CompressLevel),
		)
	case types.WorkerKindResolver:
		args = append(args,
			"--timeout", srv.Resolver.Timeout.String(),
			"--cache-size", strconv.Itoa(srv.Resolver.CacheSize),
		)
		for _, u := range srv.Resolver.Upstream {
			args = append(args, "--upstream", u)
		}
	case types.WorkerKindIdent:
		args = append(args, "--timeout", srv.Ident.Timeout.String())
	case types.WorkerKindBanStore:
		args = append(args,
			"--db", srv.BanDBPath(),
			"--purge-interval", srv.Bans.PurgeInterval.String(),
		)
	}
	return supervisor.Command{
		Kind:     kind,
		Path:     m.exe,
		Args:     args,
		LogLevel: srv.Log.Level,
	}
}

// Start loads TLS material, spawns every worker, opens the listeners and
// the metrics endpoint. Failing to open a listener aborts startup.
func (m *Manager) Start(ctx context.Context) error {
	mat, err := m.loadMaterial()
	if err != nil {
		return err
	}
	if m.bans != nil {
		if err := os.MkdirAll(m.cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %v", err)
		}
	}

	m.broker.Start()
	m.eventSub = m.broker.Subscribe()
	go m.logEvents(m.eventSub)

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.loopDone = make(chan struct{})
	go func() {
		defer close(m.loopDone)
		_ = m.loop.Run(loopCtx)
	}()

	ok := m.loop.Do(ctx, func() {
		for _, w := range m.requestWorkers() {
			w.Start()
		}
		if m.pool != nil {
			if !mat.Empty() {
				m.pool.Rekey(mat)
			}
			m.pool.Start()
		}
	})
	if !ok {
		m.stopLoop()
		return ctx.Err()
	}

	if err := m.gateway.Listen(); err != nil {
		m.stopWorkers()
		m.stopLoop()
		return err
	}
	m.served = make(chan struct{})
	go func() {
		defer close(m.served)
		_ = m.gateway.Serve(context.Background())
	}()
	m.health.Update("listener", true, fmt.Sprintf("%d listeners", len(m.cfg.Listeners)))

	m.startHealth()
	m.collector = metrics.NewCollector(m, 0)
	m.collector.Start()
	if err := m.startMetricsServer(); err != nil {
		m.logger.Error().Err(err).Msg("metrics endpoint unavailable")
	}

	m.logger.Info().
		Int("listeners", len(m.cfg.Listeners)).
		Bool("stream_pool", m.pool != nil).
		Int("request_workers", len(m.requestWorkers())).
		Msg("burrow started")
	return nil
}

// Shutdown stops accepting, drains the stream workers until ctx expires,
// then kills every remaining worker and stops the loop.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.loopDone == nil {
		return ErrNotStarted
	}
	m.logger.Info().Msg("shutting down")
	m.gateway.Close()
	if m.served != nil {
		<-m.served
	}

	if m.pool != nil && m.loop.Do(ctx, m.pool.Drain) {
		m.waitDrained(ctx)
	}
	m.stopWorkers()

	if m.monitor != nil {
		m.monitor.Stop()
	}
	if m.collector != nil {
		m.collector.Stop()
	}
	var errs []error
	if m.httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), finalStopTimeout)
		errs = append(errs, m.httpSrv.Shutdown(sctx))
		cancel()
	}
	m.broker.Unsubscribe(m.eventSub)
	m.broker.Stop()
	m.stopLoop()
	return errors.Join(errs...)
}

func (m *Manager) waitDrained(ctx context.Context) {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		drained := false
		if !m.loop.Do(ctx, func() { drained = m.pool.Drained() }) {
			m.logger.Warn().Msg("drain grace expired, killing stream workers")
			return
		}
		if drained {
			m.logger.Info().Msg("stream workers drained")
			return
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

func (m *Manager) stopWorkers() {
	ctx, cancel := context.WithTimeout(context.Background(), finalStopTimeout)
	defer cancel()
	m.loop.Do(ctx, func() {
		if m.pool != nil {
			m.pool.Stop()
		}
		for _, w := range m.requestWorkers() {
			w.Stop()
		}
		m.registry.KillAll()
	})
}

func (m *Manager) stopLoop() {
	m.cancel()
	<-m.loopDone
}

// Rekey reloads the TLS material and pushes it to every stream worker.
func (m *Manager) Rekey(ctx context.Context) error {
	if m.pool == nil {
		return nil
	}
	mat, err := m.loadMaterial()
	if err != nil {
		return err
	}
	if mat.Empty() {
		return nil
	}
	if !m.loop.Do(ctx, func() { m.pool.Rekey(mat) }) {
		return ctx.Err()
	}
	m.logger.Info().Msg("TLS material reloaded")
	return nil
}

func (m *Manager) loadMaterial() (security.Material, error) {
	t := m.cfg.TLS
	var mat security.Material
	var err error
	switch {
	case t.CertFile != "":
		mat, err = security.LoadMaterial(t.CertFile, t.KeyFile, t.DHFile)
	case len(t.SelfSignedHosts) > 0:
		mat, err = security.GenerateSelfSigned(t.SelfSignedHosts, selfSignedValidity)
	default:
		return security.Material{}, nil
	}
	if err != nil {
		return security.Material{}, fmt.Errorf("failed to load TLS material: %w", err)
	}

	cert, err := mat.Certificate()
	if err != nil {
		return security.Material{}, err
	}
	info := security.GetCertInfo(cert.Leaf)
	ev := m.logger.Info()
	if security.CertNeedsRotation(cert.Leaf) {
		ev = m.logger.Warn()
	}
	ev.Interface("subject", info["subject"]).
		Dur("remaining", security.GetCertTimeRemaining(cert.Leaf)).
		Msg("TLS certificate loaded")
	return mat, nil
}

// Addrs returns the bound listener addresses.
func (m *Manager) Addrs() []net.Addr {
	return m.gateway.Addrs()
}

// Events returns the broker carrying operator-visible events.
func (m *Manager) Events() *events.Broker {
	return m.broker
}

// Loop returns the event loop that owns the manager's components.
func (m *Manager) Loop() *reactor.Loop {
	return m.loop
}

// Bans returns the ban-store worker, or nil when ban lookups are off.
func (m *Manager) Bans() *reqworker.Worker {
	return m.bans
}

func (m *Manager) requestWorkers() []*reqworker.Worker {
	var out []*reqworker.Worker
	for _, w := range []*reqworker.Worker{m.resolver, m.ident, m.bans} {
		if w != nil {
			out = append(out, w)
		}
	}
	return out
}

func (m *Manager) logEvents(sub events.Subscriber) {
	for ev := range sub {
		e := m.logger.Debug()
		if ev.Warning() {
			e = m.logger.Warn()
		}
		e = e.Str("event", string(ev.Type))
		for k, v := range ev.Metadata {
			e = e.Str(k, v)
		}
		e.Msg(ev.Message)
	}
}
