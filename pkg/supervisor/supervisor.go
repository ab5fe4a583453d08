package supervisor

import (
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/clock"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/reactor"
)

// ErrStopped is reported to OnExit when the supervisor itself tore the
// process down.
var ErrStopped = errors.New("supervisor: stopped")

// Config configures a Supervisor
type Config struct {
	Command Command

	// Spawn starts processes. Defaults to Spawn.
	Spawn SpawnFunc

	// Spin paces respawns. Supervisors of the same kind share one
	// detector; nil creates a private detector with default policy.
	Spin *SpinDetector

	Registry *Registry
	Events   events.Publisher

	// OnStart is called on the loop after each successful spawn. The
	// callee takes ownership of the process's channels.
	OnStart func(p *Process)

	// OnExit is called on the loop once per process when it died or was
	// torn down by Restart or Stop.
	OnExit func(p *Process, err error)
}

// Supervisor keeps one helper process of a kind running. All methods must
// be called on the reactor loop.
type Supervisor struct {
	loop   *reactor.Loop
	clock  clock.Clock
	cfg    Config
	logger zerolog.Logger

	current  *Process
	expected *Process
	pending  *clock.Timer
	started  bool
	stopped  bool
}

// New creates a Supervisor. Nothing runs until Start.
func New(loop *reactor.Loop, cfg Config) *Supervisor {
	if cfg.Spawn == nil {
		cfg.Spawn = Spawn
	}
	if cfg.Spin == nil {
		cfg.Spin = NewSpinDetector(SpinPolicy{})
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	return &Supervisor{
		loop:   loop,
		clock:  loop.Clock(),
		cfg:    cfg,
		logger: log.WithComponent("supervisor").With().Str("kind", string(cfg.Command.Kind)).Logger(),
	}
}

// Kind returns the worker kind this supervisor runs
func (s *Supervisor) Kind() string {
	return string(s.cfg.Command.Kind)
}

// Current returns the running process, or nil between a death and the
// respawn.
func (s *Supervisor) Current() *Process {
	return s.current
}

// Start spawns the first process. A failed spawn is retried under the
// spin rule, like a death.
func (s *Supervisor) Start() {
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.spawn()
}

// ProcessDied reports that p's channel reached EOF or failed. Reports for
// a process that is no longer current are ignored.
func (s *Supervisor) ProcessDied(p *Process, err error) {
	if p == nil || p != s.current {
		return
	}

	uptime := s.clock.Now().Sub(p.StartedAt)
	if p == s.expected {
		s.logger.Info().
			Int("pid", p.Pid).
			Str("worker_id", p.ID).
			Dur("uptime", uptime).
			Msg("worker exited on request")
		s.teardown(p, err)
		s.respawnAfter(0, false)
		return
	}

	logEvent := s.logger.Warn()
	if err == nil || errors.Is(err, io.EOF) {
		logEvent = s.logger.Info()
	}
	logEvent.Err(err).
		Int("pid", p.Pid).
		Str("worker_id", p.ID).
		Dur("uptime", uptime).
		Msg("worker exited")

	metrics.WorkerDeaths.WithLabelValues(s.Kind()).Inc()
	s.cfg.Events.Publish(&events.Event{
		Type:     events.EventWorkerDied,
		Message:  "worker " + p.ID + " exited",
		Metadata: map[string]string{"kind": s.Kind(), "worker_id": p.ID},
	})

	s.teardown(p, err)
	s.scheduleRespawn(uptime)
}

// ExpectExit marks p as asked to shut down. Its exit is not a death: the
// spin detector does not count it and the replacement is spawned without
// delay.
func (s *Supervisor) ExpectExit(p *Process) {
	if p != nil && p == s.current {
		s.expected = p
	}
}

// Restart replaces the current process. A pending respawn is cancelled and
// a fresh process spawned immediately. Calling it repeatedly leaks
// nothing: the old process is torn down once.
func (s *Supervisor) Restart() {
	if s.stopped {
		return
	}
	s.started = true
	s.cancelPending()
	if s.current != nil {
		s.logger.Info().Int("pid", s.current.Pid).Msg("restarting worker")
		s.teardown(s.current, ErrStopped)
	}
	s.spawn()
}

// Stop tears down the current process and disables respawning.
func (s *Supervisor) Stop() {
	if s.stopped {
		return
	}
	s.stopped = true
	s.cancelPending()
	if s.current != nil {
		s.teardown(s.current, ErrStopped)
	}
}

func (s *Supervisor) teardown(p *Process, err error) {
	if p == s.current {
		s.current = nil
	}
	if p == s.expected {
		s.expected = nil
	}
	// EOF on the channel does not mean the pid is gone.
	if kerr := p.Kill(); kerr != nil {
		s.logger.Debug().Err(kerr).Int("pid", p.Pid).Msg("kill failed")
	}
	s.cfg.Registry.Remove(p)
	if s.cfg.OnExit != nil {
		s.cfg.OnExit(p, err)
	}
	p.Close()
}

func (s *Supervisor) cancelPending() {
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
}

func (s *Supervisor) scheduleRespawn(uptime time.Duration) {
	if s.stopped {
		return
	}
	s.cancelPending()

	delay, suppressed := s.cfg.Spin.RecordDeath(s.clock.Now(), uptime)
	if suppressed {
		s.logger.Warn().
			Dur("cooldown", delay).
			Int("threshold", s.cfg.Spin.Policy().Threshold).
			Dur("window", s.cfg.Spin.Policy().Window).
			Msg("worker is spinning, respawn suppressed")
		metrics.SpinSuppressions.WithLabelValues(s.Kind()).Inc()
		s.cfg.Events.Publish(&events.Event{
			Type:     events.EventWorkerSpinSuppress,
			Message:  s.Kind() + " worker respawn suppressed for " + delay.String(),
			Metadata: map[string]string{"kind": s.Kind()},
		})
	} else {
		s.logger.Debug().Dur("delay", delay).Msg("respawn scheduled")
	}
	s.respawnAfter(delay, suppressed)
}

func (s *Supervisor) respawnAfter(delay time.Duration, suppressed bool) {
	if s.stopped {
		return
	}
	s.cancelPending()
	s.pending = s.loop.AfterFunc(delay, func() {
		s.pending = nil
		if s.stopped || s.current != nil {
			return
		}
		if suppressed {
			s.logger.Info().Msg("spin cool-down elapsed, respawning")
			s.cfg.Events.Publish(&events.Event{
				Type:     events.EventWorkerRespawnResume,
				Message:  s.Kind() + " worker respawn resumed",
				Metadata: map[string]string{"kind": s.Kind()},
			})
		}
		s.spawn()
	})
}

func (s *Supervisor) spawn() {
	p, err := s.cfg.Spawn(s.cfg.Command)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to spawn worker")
		s.cfg.Events.Publish(&events.Event{
			Type:     events.EventWorkerSpawnFailed,
			Message:  err.Error(),
			Metadata: map[string]string{"kind": s.Kind()},
		})
		s.scheduleRespawn(0)
		return
	}

	p.StartedAt = s.clock.Now()
	s.current = p
	s.cfg.Registry.Add(p)

	s.logger.Info().Int("pid", p.Pid).Str("worker_id", p.ID).Msg("worker started")
	metrics.WorkerSpawns.WithLabelValues(s.Kind()).Inc()
	s.cfg.Events.Publish(&events.Event{
		Type:     events.EventWorkerSpawned,
		Message:  "worker " + p.ID + " started",
		Metadata: map[string]string{"kind": s.Kind(), "worker_id": p.ID},
	})

	if p.Liveness != nil {
		go s.watchLiveness(p)
	}
	if s.cfg.OnStart != nil {
		s.cfg.OnStart(p)
	}
}

// watchLiveness blocks until the child's end of the liveness pipe closes.
func (s *Supervisor) watchLiveness(p *Process) {
	var buf [1]byte
	var err error
	for err == nil {
		_, err = p.Liveness.Read(buf[:])
	}
	s.loop.Post(func() { s.ProcessDied(p, err) })
}
