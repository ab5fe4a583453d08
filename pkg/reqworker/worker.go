package reqworker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/channel"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/linecodec"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/reactor"
	"github.com/cuemby/burrow/pkg/supervisor"
	"github.com/cuemby/burrow/pkg/types"
)

var (
	// ErrNotRunning is returned by Submit while no process is attached.
	ErrNotRunning = errors.New("reqworker: worker not running")

	// ErrWorkerRestarted completes requests that were outstanding when
	// the process died or was replaced.
	ErrWorkerRestarted = errors.New("reqworker: worker restarted")

	// ErrProtocol marks a malformed line in either direction.
	ErrProtocol = errors.New("reqworker: protocol violation")
)

// Status is the second field of a response line.
type Status string

const (
	StatusOK   Status = "ok"
	StatusErr  Status = "err"
	StatusMore Status = "more"
)

// Final reports whether the status ends the request.
func (s Status) Final() bool {
	return s == StatusOK || s == StatusErr
}

func (s Status) valid() bool {
	return s == StatusOK || s == StatusErr || s == StatusMore
}

// Response is one response line, or a synthetic failure with Err set.
type Response struct {
	Status  Status
	Payload string
	Err     error
}

// Final reports whether this is the last response for its request.
func (r Response) Final() bool {
	return r.Err != nil || r.Status.Final()
}

// Callback receives the responses to one request on the loop.
type Callback func(Response)

// Config configures a Worker
type Config struct {
	Command   supervisor.Command
	Spawn     supervisor.SpawnFunc
	Spin      *supervisor.SpinDetector
	Registry  *supervisor.Registry
	Events    events.Publisher
	MaxLine   int
	TableSize int
}

// Worker drives one line-protocol helper process: it supervises the
// process, frames requests, and routes responses by correlation id. All
// methods except Call must be called on the loop.
type Worker struct {
	loop    *reactor.Loop
	kind    types.WorkerKind
	sup     *supervisor.Supervisor
	table   *Table
	maxLine int
	events  events.Publisher
	logger  zerolog.Logger

	proc  *supervisor.Process
	codec *linecodec.Codec
	epoch uint32
}

// New creates a Worker. The process is started by Start.
func New(loop *reactor.Loop, cfg Config) *Worker {
	cfg.Command.Data = true
	if cfg.MaxLine <= 0 {
		cfg.MaxLine = linecodec.DefaultMaxLine
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}

	w := &Worker{
		loop:    loop,
		kind:    cfg.Command.Kind,
		table:   NewTable(cfg.TableSize),
		maxLine: cfg.MaxLine,
		events:  cfg.Events,
		logger:  log.WithComponent("reqworker").With().Str("kind", string(cfg.Command.Kind)).Logger(),
	}
	w.sup = supervisor.New(loop, supervisor.Config{
		Command:  cfg.Command,
		Spawn:    cfg.Spawn,
		Spin:     cfg.Spin,
		Registry: cfg.Registry,
		Events:   cfg.Events,
		OnStart:  w.attach,
		OnExit:   w.detach,
	})
	return w
}

// Kind returns the helper kind
func (w *Worker) Kind() types.WorkerKind {
	return w.kind
}

// Start spawns the helper.
func (w *Worker) Start() {
	w.sup.Start()
}

// Stop kills the helper and fails outstanding requests.
func (w *Worker) Stop() {
	w.sup.Stop()
}

// Restart replaces the helper process.
func (w *Worker) Restart() {
	w.sup.Restart()
}

// Supervisor returns the underlying supervisor.
func (w *Worker) Supervisor() *supervisor.Supervisor {
	return w.sup
}

// Running reports whether a process is attached.
func (w *Worker) Running() bool {
	return w.codec != nil
}

// Outstanding returns the number of occupied correlation slots.
func (w *Worker) Outstanding() int {
	return w.table.Len()
}

// Submit sends request and returns its correlation id. cb receives every
// response on the loop: zero or more with StatusMore, then exactly one
// final response, unless the request is cancelled.
func (w *Worker) Submit(request string, cb Callback) (ID, error) {
	if w.codec == nil {
		return 0, ErrNotRunning
	}
	if strings.ContainsAny(request, "\r\n") {
		return 0, linecodec.ErrEmbeddedNewline
	}

	timer := metrics.NewTimer()
	kind := string(w.kind)
	wrapped := func(r Response) {
		if r.Final() {
			status := string(r.Status)
			if r.Err != nil {
				status = "failed"
			}
			metrics.Requests.WithLabelValues(kind, status).Inc()
			timer.ObserveDurationVec(metrics.RequestDuration, kind)
		}
		if cb != nil {
			cb(r)
		}
	}

	id, err := w.table.Claim(wrapped, w.epoch, w.loop.Clock().Now())
	if err != nil {
		metrics.CorrelationBusy.WithLabelValues(kind).Inc()
		w.logger.Warn().Int("slots", w.table.Size()).Msg("correlation table full, request rejected")
		w.events.Publish(&events.Event{
			Type:     events.EventRequestTableFull,
			Message:  kind + " worker has no free correlation slot",
			Metadata: map[string]string{"kind": kind},
		})
		return 0, err
	}

	if err := w.codec.Send(strconv.Itoa(int(id)) + " " + request); err != nil {
		w.table.release(id)
		return 0, err
	}
	return id, nil
}

// Cancel suppresses the callback of a pending request. The line already
// sent is not retracted.
func (w *Worker) Cancel(id ID) {
	w.table.Cancel(id)
}

// Call submits request from any goroutine except the loop and waits for
// the final response. Payloads of intermediate responses are returned
// before the final payload. A final err response is returned as an error.
func (w *Worker) Call(ctx context.Context, request string) ([]string, error) {
	type result struct {
		lines []string
		err   error
	}
	done := make(chan result, 1)
	var lines []string

	var id ID
	submitted := make(chan error, 1)
	ok := w.loop.Post(func() {
		var err error
		id, err = w.Submit(request, func(r Response) {
			switch {
			case r.Err != nil:
				done <- result{err: r.Err}
			case r.Status == StatusMore:
				lines = append(lines, r.Payload)
			case r.Status == StatusErr:
				done <- result{lines: lines, err: &RemoteError{Kind: w.kind, Message: r.Payload}}
			default:
				done <- result{lines: append(lines, r.Payload)}
			}
		})
		submitted <- err
	})
	if !ok {
		return nil, ErrNotRunning
	}

	select {
	case err := <-submitted:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-done:
		return res.lines, res.err
	case <-ctx.Done():
		w.loop.Post(func() { w.Cancel(id) })
		return nil, ctx.Err()
	}
}

// RemoteError is a failure reported by the helper with an err response.
type RemoteError struct {
	Kind    types.WorkerKind
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (w *Worker) attach(p *supervisor.Process) {
	w.epoch++
	w.proc = p

	ch := channel.New(w.loop, string(w.kind)+"/"+p.ID, p.Data)
	onRecord := func(line string) {
		// Lines still buffered from a replaced process are dropped.
		if w.proc == p {
			w.handleLine(line)
		}
	}
	codec := linecodec.Attach(ch, w.maxLine, w.logger, onRecord, func(err error) {
		w.sup.ProcessDied(p, err)
	})
	codec.OnOversize = func(err error) {
		w.violation(fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	w.codec = codec
}

func (w *Worker) detach(p *supervisor.Process, err error) {
	if p != w.proc {
		return
	}
	if w.codec != nil {
		_ = w.codec.Channel().Abort()
		w.codec = nil
	}
	w.proc = nil

	if n := w.table.FailAll(ErrWorkerRestarted); n > 0 {
		w.logger.Warn().Int("requests", n).Msg("failed outstanding requests after worker exit")
	}
}

func (w *Worker) handleLine(line string) {
	id, status, payload, err := parseResponse(line)
	if err != nil {
		w.violation(err)
		return
	}

	s, ok := w.table.lookup(id, w.epoch)
	if !ok {
		w.logger.Warn().Uint16("id", uint16(id)).Msg("response for unknown correlation id")
		return
	}

	cb := s.cb
	if status.Final() {
		w.table.release(id)
	}
	if cb != nil {
		cb(Response{Status: status, Payload: payload})
	}
}

func (w *Worker) violation(err error) {
	w.logger.Error().Err(err).Msg("protocol violation, restarting worker")
	w.events.Publish(&events.Event{
		Type:     events.EventProtocolViolation,
		Message:  err.Error(),
		Metadata: map[string]string{"kind": string(w.kind)},
	})
	// Counted as a death: respawns are paced by the spin detector.
	w.sup.ProcessDied(w.proc, err)
}

// parseResponse splits "<id> <status> <payload>". The payload may be
// empty, in which case the separating space is optional.
func parseResponse(line string) (ID, Status, string, error) {
	idField, rest, ok := strings.Cut(line, " ")
	if !ok {
		return 0, "", "", fmt.Errorf("%w: response %q has no status", ErrProtocol, line)
	}
	id, err := strconv.ParseUint(idField, 10, 16)
	if err != nil {
		return 0, "", "", fmt.Errorf("%w: bad correlation id %q", ErrProtocol, idField)
	}
	statusField, payload, _ := strings.Cut(rest, " ")
	status := Status(statusField)
	if !status.valid() {
		return 0, "", "", fmt.Errorf("%w: unknown status %q", ErrProtocol, statusField)
	}
	return ID(id), status, payload, nil
}
