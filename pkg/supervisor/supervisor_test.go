package supervisor

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/clock"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/reactor"
	"github.com/cuemby/burrow/pkg/types"
)

type fakeSpawner struct {
	spawned []*Process
	fail    error
	nextPid int
}

func (f *fakeSpawner) spawn(c Command) (*Process, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.nextPid++
	p := NewProcess(c.Kind, 1000+f.nextPid, nil, nil, nil)
	f.spawned = append(f.spawned, p)
	return p, nil
}

type recorder struct {
	events []*events.Event
}

func (r *recorder) Publish(e *events.Event) { r.events = append(r.events, e) }

func (r *recorder) count(t events.EventType) int {
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	clock    *clock.FakeClock
	loop     *reactor.Loop
	spawner  *fakeSpawner
	events   *recorder
	registry *Registry
	exits    []*Process
	sup      *Supervisor
}

func newFixture(t *testing.T, policy SpinPolicy) *fixture {
	t.Helper()
	f := &fixture{
		clock:    clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		spawner:  &fakeSpawner{},
		events:   &recorder{},
		registry: NewRegistry(),
	}
	f.loop = reactor.New(f.clock)
	f.sup = New(f.loop, Config{
		Command:  Command{Kind: types.WorkerKindResolver},
		Spawn:    f.spawner.spawn,
		Spin:     NewSpinDetector(policy),
		Registry: f.registry,
		Events:   f.events,
		OnExit:   func(p *Process, err error) { f.exits = append(f.exits, p) },
	})
	return f
}

// advance moves the fake clock and runs whatever the timers posted.
func (f *fixture) advance(d time.Duration) {
	f.clock.Advance(d)
	f.loop.RunPending()
}

func TestSupervisorRespawnsAfterBackoff(t *testing.T) {
	f := newFixture(t, SpinPolicy{Threshold: 10, MinDelay: time.Second, MaxDelay: time.Second})

	f.sup.Start()
	require.Len(t, f.spawner.spawned, 1)
	first := f.sup.Current()
	assert.Equal(t, 1, f.registry.Len())

	f.sup.ProcessDied(first, io.EOF)
	assert.Nil(t, f.sup.Current())
	assert.Equal(t, 0, f.registry.Len())
	assert.Equal(t, []*Process{first}, f.exits)

	f.advance(500 * time.Millisecond)
	assert.Len(t, f.spawner.spawned, 1)

	f.advance(500 * time.Millisecond)
	require.Len(t, f.spawner.spawned, 2)
	assert.NotSame(t, first, f.sup.Current())
	assert.Equal(t, 1, f.registry.Len())
}

func TestSupervisorIgnoresStaleDeath(t *testing.T) {
	f := newFixture(t, SpinPolicy{MinDelay: time.Second})
	f.sup.Start()
	first := f.sup.Current()

	f.sup.ProcessDied(first, io.EOF)
	f.sup.ProcessDied(first, io.EOF)
	f.advance(time.Second)
	second := f.sup.Current()
	require.NotNil(t, second)

	// A late report for the replaced process changes nothing.
	f.sup.ProcessDied(first, errors.New("read: connection reset"))
	assert.Same(t, second, f.sup.Current())
	assert.Len(t, f.exits, 1)
	assert.Equal(t, 1, f.events.count(events.EventWorkerDied))
}

func TestSupervisorSpinSuppression(t *testing.T) {
	f := newFixture(t, SpinPolicy{
		Threshold: 3,
		Window:    10 * time.Second,
		Cooldown:  time.Minute,
		MinDelay:  time.Second,
		MaxDelay:  time.Second,
	})
	f.sup.Start()

	// Two deaths respawn normally.
	for i := 0; i < 2; i++ {
		f.sup.ProcessDied(f.sup.Current(), io.EOF)
		f.advance(time.Second)
		require.NotNil(t, f.sup.Current())
	}
	require.Len(t, f.spawner.spawned, 3)

	// The third trips the detector.
	f.sup.ProcessDied(f.sup.Current(), io.EOF)
	assert.Equal(t, 1, f.events.count(events.EventWorkerSpinSuppress))

	f.advance(time.Second)
	f.advance(58 * time.Second)
	assert.Nil(t, f.sup.Current())
	assert.Len(t, f.spawner.spawned, 3)

	f.advance(time.Second)
	require.NotNil(t, f.sup.Current())
	assert.Len(t, f.spawner.spawned, 4)
	assert.Equal(t, 1, f.events.count(events.EventWorkerRespawnResume))
}

func TestSupervisorStableRunResetsSpinCounter(t *testing.T) {
	f := newFixture(t, SpinPolicy{
		Threshold:   2,
		Window:      time.Hour,
		Cooldown:    time.Hour,
		StableAfter: 30 * time.Second,
		MinDelay:    time.Second,
		MaxDelay:    time.Second,
	})
	f.sup.Start()

	for i := 0; i < 3; i++ {
		f.advance(time.Minute)
		f.sup.ProcessDied(f.sup.Current(), io.EOF)
		f.advance(time.Second)
		require.NotNil(t, f.sup.Current(), "death %d should respawn", i)
	}
	assert.Equal(t, 0, f.events.count(events.EventWorkerSpinSuppress))
}

func TestSupervisorExpectedExitIsNotADeath(t *testing.T) {
	f := newFixture(t, SpinPolicy{Threshold: 2, Cooldown: time.Hour, MinDelay: time.Second})
	f.sup.Start()

	for i := 0; i < 5; i++ {
		p := f.sup.Current()
		require.NotNil(t, p)
		f.sup.ExpectExit(p)
		f.sup.ProcessDied(p, io.EOF)
		f.loop.RunPending()
	}

	assert.Len(t, f.spawner.spawned, 6, "replacements spawn without backoff")
	assert.Zero(t, f.sup.cfg.Spin.Deaths())
	assert.False(t, f.sup.cfg.Spin.Suppressed(f.clock.Now()))
	assert.Zero(t, f.events.count(events.EventWorkerDied))

	// The mark does not outlive its process.
	f.sup.ProcessDied(f.sup.Current(), io.EOF)
	assert.Equal(t, 1, f.sup.cfg.Spin.Deaths())
}

func TestSupervisorRestartIsIdempotent(t *testing.T) {
	f := newFixture(t, SpinPolicy{MinDelay: time.Second})
	f.sup.Start()
	first := f.sup.Current()

	f.sup.Restart()
	f.sup.Restart()

	require.Len(t, f.spawner.spawned, 3)
	assert.Equal(t, 1, f.registry.Len())
	assert.Len(t, f.exits, 2)
	assert.Same(t, first, f.exits[0])
	assert.Same(t, f.spawner.spawned[2], f.sup.Current())
}

func TestSupervisorRestartCancelsPendingRespawn(t *testing.T) {
	f := newFixture(t, SpinPolicy{MinDelay: time.Second})
	f.sup.Start()
	f.sup.ProcessDied(f.sup.Current(), io.EOF)

	f.sup.Restart()
	require.Len(t, f.spawner.spawned, 2)

	f.advance(time.Second)
	assert.Len(t, f.spawner.spawned, 2)
	assert.Equal(t, 0, f.clock.PendingCount())
}

func TestSupervisorSpawnFailureRetries(t *testing.T) {
	f := newFixture(t, SpinPolicy{Threshold: 10, MinDelay: time.Second, MaxDelay: time.Second})
	f.spawner.fail = &SpawnError{Reason: NotExecutable, Path: "/missing", Err: errors.New("not found")}

	f.sup.Start()
	assert.Nil(t, f.sup.Current())
	assert.Equal(t, 1, f.events.count(events.EventWorkerSpawnFailed))

	f.spawner.fail = nil
	f.advance(time.Second)
	assert.NotNil(t, f.sup.Current())
}

func TestSupervisorStop(t *testing.T) {
	f := newFixture(t, SpinPolicy{MinDelay: time.Second})
	f.sup.Start()
	p := f.sup.Current()

	f.sup.Stop()
	assert.Nil(t, f.sup.Current())
	assert.Equal(t, 0, f.registry.Len())

	f.sup.ProcessDied(p, io.EOF)
	f.sup.Restart()
	f.advance(time.Minute)
	assert.Len(t, f.spawner.spawned, 1)
}

func TestRegistryRemoveChecksIdentity(t *testing.T) {
	r := NewRegistry()
	old := NewProcess(types.WorkerKindIdent, 42, nil, nil, nil)
	reused := NewProcess(types.WorkerKindIdent, 42, nil, nil, nil)

	r.Add(old)
	r.Add(reused)
	assert.False(t, r.Remove(old))
	assert.Equal(t, []int{42}, r.Pids())
	assert.True(t, r.Remove(reused))

	r.Add(old)
	r.KillAll()
	assert.Equal(t, 0, r.Len())
}

func TestIsSpawnReason(t *testing.T) {
	err := &SpawnError{Reason: ForkFailed, Path: "/bin/x", Err: errors.New("EAGAIN")}
	assert.True(t, IsSpawnReason(err, ForkFailed))
	assert.False(t, IsSpawnReason(err, NotExecutable))
	assert.Contains(t, err.Error(), "fork_failed")
}
