package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checks must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result
}

// CheckFunc adapts a function returning nil when healthy to a Checker.
type CheckFunc func(ctx context.Context) error

// Check runs the function and times it
func (f CheckFunc) Check(ctx context.Context) Result {
	start := time.Now()
	err := f(ctx)
	r := Result{
		Healthy:   err == nil,
		Message:   "ok",
		CheckedAt: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		r.Message = err.Error()
	}
	return r
}

// Config contains common configuration for all health checks
type Config struct {
	// Interval is the time between health checks
	Interval time.Duration

	// Timeout is the maximum time to wait for a health check to complete
	Timeout time.Duration

	// Retries is the number of consecutive failures before marking as unhealthy
	Retries int

	// StartPeriod is the grace period during which failures are not
	// counted, so that workers still spawning do not flap readiness.
	StartPeriod time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		Timeout:     2 * time.Second,
		Retries:     3,
		StartPeriod: 10 * time.Second,
	}
}

// Status tracks the current health status of one component
type Status struct {
	// ConsecutiveFailures tracks the number of consecutive failed checks
	ConsecutiveFailures int

	// ConsecutiveSuccesses tracks the number of consecutive successful checks
	ConsecutiveSuccesses int

	// LastCheck is the timestamp of the last health check
	LastCheck time.Time

	// LastResult is the result of the last health check
	LastResult Result

	// Healthy indicates if the component is currently considered healthy
	Healthy bool

	// StartedAt is when health monitoring started for this component
	StartedAt time.Time
}

// NewStatus creates a new Status with default values
func NewStatus(now time.Time) *Status {
	return &Status{
		Healthy:   true, // Assume healthy until proven otherwise
		StartedAt: now,
	}
}

// Update updates the status based on a new health check result
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0

		// Mark as healthy after first success
		s.Healthy = true
		return
	}

	s.ConsecutiveSuccesses = 0
	if s.InStartPeriod(config, result.CheckedAt) {
		return
	}
	s.ConsecutiveFailures++

	// Mark as unhealthy after reaching retry threshold
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}

// InStartPeriod returns true if we're still in the startup grace period
func (s *Status) InStartPeriod(config Config, now time.Time) bool {
	if config.StartPeriod == 0 {
		return false
	}
	return now.Sub(s.StartedAt) < config.StartPeriod
}

// ReportFunc receives the status of a component after every check.
type ReportFunc func(name string, healthy bool, message string)

// Monitor runs named checks every Interval and reports their status
type Monitor struct {
	config Config
	report ReportFunc

	mu       sync.Mutex
	checks   map[string]Checker
	statuses map[string]*Status

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor creates a Monitor. report is called from the monitor
// goroutine.
func NewMonitor(config Config, report ReportFunc) *Monitor {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Retries <= 0 {
		config.Retries = 1
	}
	return &Monitor{
		config:   config,
		report:   report,
		checks:   make(map[string]Checker),
		statuses: make(map[string]*Status),
	}
}

// Add registers a check under name, replacing any earlier one
func (m *Monitor) Add(name string, c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = c
	m.statuses[name] = NewStatus(time.Now())
}

// Status returns a copy of the named component's status
func (m *Monitor) Status(name string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[name]
	if !ok {
		return Status{}, false
	}
	return *s, true
}

// RunOnce runs every check once, in name order
func (m *Monitor) RunOnce(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		m.mu.Lock()
		c := m.checks[name]
		m.mu.Unlock()

		cctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
		result := c.Check(cctx)
		cancel()

		m.mu.Lock()
		s := m.statuses[name]
		s.Update(result, m.config)
		healthy, msg := s.Healthy, result.Message
		m.mu.Unlock()

		if m.report != nil {
			m.report(name, healthy, msg)
		}
	}
}

// Start runs the checks immediately and then every Interval until Stop
func (m *Monitor) Start() {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		defer close(m.doneCh)
		defer cancel()
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		m.RunOnce(ctx)
		for {
			select {
			case <-ticker.C:
				m.RunOnce(ctx)
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop stops the monitor and waits for a running check to finish
func (m *Monitor) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.doneCh
	m.stopCh = nil
}
