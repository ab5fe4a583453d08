package pool

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/control"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/reactor"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/cuemby/burrow/pkg/supervisor"
	"github.com/cuemby/burrow/pkg/types"
)

var (
	// ErrNoLiveWorker is returned when no member can take a connection.
	// The pool never waits for a respawn; the caller falls back.
	ErrNoLiveWorker = errors.New("pool: no live worker")

	// ErrUnknownConnection is returned for a conn id no member owns.
	ErrUnknownConnection = errors.New("pool: unknown connection")
)

// DefaultSize is the number of stream workers when Config.Size is unset
const DefaultSize = 2

// Config configures a Pool
type Config struct {
	Size int

	// Command starts one stream worker. Control is forced on.
	Command supervisor.Command
	Spawn   supervisor.SpawnFunc

	// Spin is shared by every slot. Nil creates one with default policy.
	Spin     *supervisor.SpinDetector
	Registry *supervisor.Registry
	Events   events.Publisher

	// OnConnectionFailed is called once for a connection whose bridge
	// failed or whose worker died.
	OnConnectionFailed func(connID uint64, reason string)

	// OnConnectionClosed is called once for a connection that ended
	// normally, with its final counters.
	OnConnectionClosed func(connID uint64, c types.Counters)

	// OnStats is called with cumulative counters on each report.
	OnStats func(connID uint64, c types.Counters)
}

// HandoffRequest describes a connection to transfer. On success both
// files belong to the pool, which closes them once they are sent; on
// failure the caller still owns and must close them.
type HandoffRequest struct {
	Mode       control.Mode
	Flags      control.Flags
	ServerName string
	Outer      *os.File
	Inner      *os.File
}

// Member is one stream worker as seen by the pool.
type Member struct {
	slot   int
	proc   *supervisor.Process
	link   *control.Link
	status types.MemberStatus

	// conns maps each in-flight connection to its last reported counters.
	conns map[uint64]types.Counters
}

// ID returns the worker instance id
func (m *Member) ID() string { return m.proc.ID }

// Pid returns the worker's process id
func (m *Member) Pid() int { return m.proc.Pid }

// Slot returns the pool slot the member occupies
func (m *Member) Slot() int { return m.slot }

// Status returns the member's status
func (m *Member) Status() types.MemberStatus { return m.status }

// InFlight returns the number of connections the member owns
func (m *Member) InFlight() int { return len(m.conns) }

// Pool balances handed-off connections across stream workers. All methods
// must be called on the loop.
type Pool struct {
	loop   *reactor.Loop
	cfg    Config
	logger zerolog.Logger

	slots   []*supervisor.Supervisor
	members []*Member
	byProc  map[*supervisor.Process]*Member
	owner   map[uint64]*Member

	nextConn uint64
	material *control.Rekey
	closing  bool
}

// New creates a pool. No worker runs until Start.
func New(loop *reactor.Loop, cfg Config) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Spin == nil {
		cfg.Spin = supervisor.NewSpinDetector(supervisor.SpinPolicy{})
	}
	if cfg.Registry == nil {
		cfg.Registry = supervisor.NewRegistry()
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	cfg.Command.Kind = types.WorkerKindStream
	cfg.Command.Control = true
	if cfg.Command.MaxFDs == 0 {
		cfg.Command.MaxFDs = control.MaxHandles
	}

	p := &Pool{
		loop:   loop,
		cfg:    cfg,
		logger: log.WithComponent("pool"),
		byProc: make(map[*supervisor.Process]*Member),
		owner:  make(map[uint64]*Member),
	}
	for i := 0; i < cfg.Size; i++ {
		slot := i
		p.slots = append(p.slots, supervisor.New(loop, supervisor.Config{
			Command:  cfg.Command,
			Spawn:    cfg.Spawn,
			Spin:     cfg.Spin,
			Registry: cfg.Registry,
			Events:   cfg.Events,
			OnStart:  func(proc *supervisor.Process) { p.memberStarted(slot, proc) },
			OnExit:   func(proc *supervisor.Process, err error) { p.memberExited(slot, proc, err) },
		}))
	}
	return p
}

// Start spawns every slot's worker.
func (p *Pool) Start() {
	p.logger.Info().Int("size", len(p.slots)).Msg("starting worker pool")
	for _, s := range p.slots {
		s.Start()
	}
}

// Stop kills every worker. In-flight connections are reported failed.
func (p *Pool) Stop() {
	p.closing = true
	for _, s := range p.slots {
		s.Stop()
	}
}

// Drain retires every live member and disables respawning. Workers exit
// once their connections have ended.
func (p *Pool) Drain() {
	p.closing = true
	for _, m := range append([]*Member(nil), p.members...) {
		p.Retire(m)
	}
	for _, s := range p.slots {
		if s.Current() == nil {
			s.Stop()
		}
	}
}

// Drained reports whether every member has been released.
func (p *Pool) Drained() bool {
	return len(p.members) == 0
}

// Members returns the members not yet released, in slot order.
func (p *Pool) Members() []*Member {
	out := append([]*Member(nil), p.members...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].slot < out[j].slot })
	return out
}

// Pick returns the live member with the fewest in-flight connections; the
// first found wins ties.
func (p *Pool) Pick() (*Member, error) {
	var best *Member
	for _, m := range p.members {
		if m.status != types.MemberStatusLive {
			continue
		}
		if best == nil || len(m.conns) < len(best.conns) {
			best = m
		}
	}
	if best == nil {
		return nil, ErrNoLiveWorker
	}
	return best, nil
}

// Handoff queues a connection for the least-loaded member and returns the
// connection id assigned to it. It does not wait for the worker: if the
// datagram cannot be written later, the member is marked dead and the
// connection reported through OnConnectionFailed.
func (p *Pool) Handoff(req HandoffRequest) (uint64, error) {
	m, err := p.Pick()
	if err != nil {
		metrics.Handoffs.WithLabelValues("no_worker").Inc()
		return 0, err
	}

	p.nextConn++
	id := p.nextConn
	err = m.link.Queue(&control.Handoff{
		Mode:       req.Mode,
		ConnID:     id,
		Flags:      req.Flags,
		ServerName: req.ServerName,
		Outer:      req.Outer,
		Inner:      req.Inner,
	})
	if err != nil {
		metrics.Handoffs.WithLabelValues("failed").Inc()
		p.MarkDead(m, "handoff not queued: "+err.Error())
		return 0, fmt.Errorf("handoff to worker %s: %w", m.ID(), err)
	}

	m.conns[id] = types.Counters{}
	p.owner[id] = m
	metrics.Handoffs.WithLabelValues("ok").Inc()
	metrics.PoolInFlight.Inc()
	p.logger.Debug().Uint64("conn_id", id).Str("worker_id", m.ID()).Int("in_flight", len(m.conns)).Msg("handoff sent")
	return id, nil
}

// StartCompression asks the worker bridging connID to start compressing.
func (p *Pool) StartCompression(connID uint64, level int, leftover []byte) error {
	m, ok := p.owner[connID]
	if !ok {
		return ErrUnknownConnection
	}
	err := m.link.Queue(&control.StartCompression{ConnID: connID, Level: int8(level), Leftover: leftover})
	if err != nil {
		p.MarkDead(m, "control queue failed: "+err.Error())
		return fmt.Errorf("start compression on %d: %w", connID, err)
	}
	return nil
}

// Rekey pushes new TLS material to every live member and remembers it for
// members spawned later.
func (p *Pool) Rekey(mat security.Material) {
	p.material = &control.Rekey{Cert: mat.Cert, Key: mat.Key, DHParams: mat.DHParams}
	for _, m := range append([]*Member(nil), p.members...) {
		if m.status == types.MemberStatusDead {
			continue
		}
		p.sendRekey(m)
	}
	p.logger.Info().Int("members", len(p.members)).Msg("tls material pushed to workers")
}

func (p *Pool) sendRekey(m *Member) {
	if err := m.link.Queue(p.material); err != nil {
		p.MarkDead(m, "rekey not queued: "+err.Error())
	}
}

// Retire stops picking m and shuts it down once its connections end.
func (p *Pool) Retire(m *Member) {
	if m.status != types.MemberStatusLive {
		return
	}
	m.status = types.MemberStatusDraining
	p.logger.Info().Str("worker_id", m.ID()).Int("in_flight", len(m.conns)).Msg("retiring worker")
	p.updateGauges()
	p.maybeRelease(m)
}

// MarkDead takes m out of service: every in-flight connection is reported
// failed, the member is released, and its slot respawns under the spin
// rule.
func (p *Pool) MarkDead(m *Member, reason string) {
	if m.status == types.MemberStatusDead {
		return
	}
	wasLive := m.status == types.MemberStatusLive
	m.status = types.MemberStatusDead
	_ = m.link.Close()
	p.logger.Warn().Str("worker_id", m.ID()).Int("in_flight", len(m.conns)).Str("reason", reason).Msg("worker marked dead")

	ids := make([]uint64, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		p.endConnection(m, id)
		if p.cfg.OnConnectionFailed != nil {
			p.cfg.OnConnectionFailed(id, reason)
		}
	}
	p.maybeRelease(m)

	if wasLive && p.liveCount() == 0 && !p.closing {
		p.cfg.Events.Publish(&events.Event{
			Type:    events.EventPoolEmpty,
			Message: "no live stream worker",
		})
	}

	// Kill the process if it is still running and let its supervisor
	// schedule the replacement. A stale process is ignored.
	sup := p.slots[m.slot]
	if sup.Current() == m.proc {
		sup.ProcessDied(m.proc, errors.New(reason))
	}
}

// Counts returns the number of members per status and the total of
// in-flight connections.
func (p *Pool) Counts() (map[types.MemberStatus]int, int) {
	counts := map[types.MemberStatus]int{
		types.MemberStatusLive:     0,
		types.MemberStatusDraining: 0,
		types.MemberStatusDead:     0,
	}
	inFlight := 0
	for _, m := range p.members {
		counts[m.status]++
		inFlight += len(m.conns)
	}
	return counts, inFlight
}

func (p *Pool) memberStarted(slot int, proc *supervisor.Process) {
	m := &Member{
		slot:   slot,
		proc:   proc,
		link:   control.NewLink(proc.Control),
		status: types.MemberStatusLive,
		conns:  make(map[uint64]types.Counters),
	}
	p.members = append(p.members, m)
	p.byProc[proc] = m
	m.link.Start(p.loop,
		func(msg control.Message) { p.handleMessage(m, msg) },
		func(err error) { p.linkClosed(m, err) },
	)
	p.updateGauges()

	if p.material != nil {
		p.sendRekey(m)
	}
}

func (p *Pool) memberExited(slot int, proc *supervisor.Process, err error) {
	if m, ok := p.byProc[proc]; ok {
		reason := "worker exited"
		if err != nil {
			reason += ": " + err.Error()
		}
		p.MarkDead(m, reason)
	}
	if p.closing {
		p.slots[slot].Stop()
	}
}

func (p *Pool) linkClosed(m *Member, err error) {
	if _, ok := p.byProc[m.proc]; !ok {
		return
	}
	if errors.Is(err, control.ErrMalformed) {
		p.protocolViolation(m, err)
		return
	}
	p.MarkDead(m, "control link closed: "+err.Error())
}

func (p *Pool) protocolViolation(m *Member, err error) {
	p.logger.Error().Err(err).Str("worker_id", m.ID()).Msg("protocol violation on control link")
	p.cfg.Events.Publish(&events.Event{
		Type:     events.EventProtocolViolation,
		Message:  err.Error(),
		Metadata: map[string]string{"kind": string(types.WorkerKindStream), "worker_id": m.ID()},
	})
	p.MarkDead(m, "protocol violation")
}

func (p *Pool) handleMessage(m *Member, msg control.Message) {
	if m.status == types.MemberStatusDead {
		return
	}
	switch msg := msg.(type) {
	case *control.ReportStats:
		if !p.owns(m, msg.ConnID, msg.Tag()) {
			return
		}
		p.recordStats(m, msg.ConnID, msg.Counters)
		if p.cfg.OnStats != nil {
			p.cfg.OnStats(msg.ConnID, msg.Counters)
		}

	case *control.ConnectionClosed:
		if !p.owns(m, msg.ConnID, msg.Tag()) {
			return
		}
		p.recordStats(m, msg.ConnID, msg.Counters)
		p.endConnection(m, msg.ConnID)
		if p.cfg.OnConnectionClosed != nil {
			p.cfg.OnConnectionClosed(msg.ConnID, msg.Counters)
		}
		p.maybeRelease(m)

	case *control.ConnectionFailed:
		if !p.owns(m, msg.ConnID, msg.Tag()) {
			return
		}
		p.logger.Debug().Uint64("conn_id", msg.ConnID).Str("reason", msg.Reason).Msg("connection failed in worker")
		metrics.ConnectionFailures.Inc()
		p.endConnection(m, msg.ConnID)
		if p.cfg.OnConnectionFailed != nil {
			p.cfg.OnConnectionFailed(msg.ConnID, msg.Reason)
		}
		p.maybeRelease(m)

	default:
		for _, f := range control.Files(msg) {
			f.Close()
		}
		p.protocolViolation(m, fmt.Errorf("%w: unexpected %s from worker", control.ErrMalformed, msg.Tag()))
	}
}

// owns reports whether connID belongs to m. Anything else is logged and
// ignored.
func (p *Pool) owns(m *Member, connID uint64, tag control.Tag) bool {
	if _, ok := m.conns[connID]; ok {
		return true
	}
	p.logger.Warn().Uint64("conn_id", connID).Str("worker_id", m.ID()).Str("message", tag.String()).Msg("control message for unknown connection")
	return false
}

func (p *Pool) recordStats(m *Member, connID uint64, c types.Counters) {
	d := c.Sub(m.conns[connID])
	m.conns[connID] = c
	metrics.BridgeBytes.WithLabelValues("in").Add(float64(d.In))
	metrics.BridgeBytes.WithLabelValues("out").Add(float64(d.Out))
	metrics.BridgeBytes.WithLabelValues("wire_in").Add(float64(d.WireIn))
	metrics.BridgeBytes.WithLabelValues("wire_out").Add(float64(d.WireOut))
}

func (p *Pool) endConnection(m *Member, connID uint64) {
	delete(m.conns, connID)
	delete(p.owner, connID)
	metrics.PoolInFlight.Dec()
}

// maybeRelease frees m once it is out of service and owns nothing. A
// draining member is told to shut down first.
func (p *Pool) maybeRelease(m *Member) {
	if m.status == types.MemberStatusLive || len(m.conns) > 0 {
		return
	}
	if _, ok := p.byProc[m.proc]; !ok {
		return
	}
	if m.status == types.MemberStatusDraining {
		if err := m.link.Queue(&control.Shutdown{}); err != nil {
			p.logger.Debug().Err(err).Str("worker_id", m.ID()).Msg("shutdown not queued")
		}
		m.link.CloseAfterFlush()
		p.slots[m.slot].ExpectExit(m.proc)
	}

	delete(p.byProc, m.proc)
	for i, other := range p.members {
		if other == m {
			p.members = append(p.members[:i], p.members[i+1:]...)
			break
		}
	}
	p.updateGauges()
	p.logger.Info().Str("worker_id", m.ID()).Str("status", string(m.status)).Msg("worker released")
	p.cfg.Events.Publish(&events.Event{
		Type:     events.EventMemberDrained,
		Message:  "worker " + m.ID() + " released",
		Metadata: map[string]string{"worker_id": m.ID(), "status": string(m.status)},
	})
}

func (p *Pool) liveCount() int {
	n := 0
	for _, m := range p.members {
		if m.status == types.MemberStatusLive {
			n++
		}
	}
	return n
}

func (p *Pool) updateGauges() {
	counts, _ := p.Counts()
	for status, n := range counts {
		metrics.PoolMembers.WithLabelValues(string(status)).Set(float64(n))
	}
}
