// Package streamworker is the stream worker process: it receives handed-off
// connections on its control link, runs a bridge for each, and reports
// their counters and outcome back to the main process.
package streamworker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/bridge"
	"github.com/cuemby/burrow/pkg/channel"
	"github.com/cuemby/burrow/pkg/clock"
	"github.com/cuemby/burrow/pkg/control"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/reactor"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	DefaultStatsInterval = 10 * time.Second
	DefaultCompressLevel = 6

	// maxReason bounds ConnectionFailed reasons on the wire.
	maxReason = 512

	// flushTimeout bounds how long Run waits for final reports to reach
	// the main process.
	flushTimeout = 2 * time.Second
)

// ErrShuttingDown is the failure reason for handoffs after Shutdown.
var ErrShuttingDown = errors.New("worker shutting down")

// Config configures a stream worker
type Config struct {
	Link *control.Link

	// StatsInterval is the period of ReportStats for bridges whose
	// counters moved.
	StatsInterval time.Duration

	// CompressLevel applies to handoffs flagged for compression from the
	// first byte. It is used as given; zero stores without compressing.
	CompressLevel int

	Linger time.Duration

	// Handshaker runs TLS handshakes. Nil creates one presenting the
	// material received through Rekey.
	Handshaker *security.TLSHandshaker
}

// Worker owns the bridges of one stream worker process. All methods run
// on the loop.
type Worker struct {
	loop   *reactor.Loop
	cfg    Config
	holder *security.Holder
	logger zerolog.Logger

	bridges  map[uint64]*bridge.Bridge
	reported map[uint64]types.Counters

	ticker   *clock.Timer
	draining bool
	finished bool
	done     chan error
}

// New creates a worker around an established control link.
func New(loop *reactor.Loop, cfg Config) *Worker {
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultStatsInterval
	}
	w := &Worker{
		loop:     loop,
		cfg:      cfg,
		logger:   log.WithComponent("streamworker"),
		bridges:  make(map[uint64]*bridge.Bridge),
		reported: make(map[uint64]types.Counters),
		done:     make(chan error, 1),
	}
	if w.cfg.Handshaker == nil {
		w.cfg.Handshaker = security.NewTLSHandshaker(security.NewHolder())
	}
	if w.cfg.Handshaker.Holder == nil {
		w.cfg.Handshaker.Holder = security.NewHolder()
	}
	w.holder = w.cfg.Handshaker.Holder
	return w
}

// Start begins receiving control messages and reporting stats.
func (w *Worker) Start() {
	w.cfg.Link.Start(w.loop, w.handle, w.linkClosed)
	w.scheduleStats()
}

// Done delivers the worker's exit result: nil after a drained Shutdown or
// when the main process went away, an error wrapping control.ErrMalformed
// for an undecodable message.
func (w *Worker) Done() <-chan error {
	return w.done
}

// Bridges returns the number of live bridges
func (w *Worker) Bridges() int {
	return len(w.bridges)
}

func (w *Worker) handle(msg control.Message) {
	if w.finished {
		return
	}
	switch msg := msg.(type) {
	case *control.Handoff:
		w.handoff(msg)
	case *control.Rekey:
		err := w.holder.Update(security.Material{Cert: msg.Cert, Key: msg.Key, DHParams: msg.DHParams})
		if err != nil {
			w.logger.Error().Err(err).Msg("rejected tls material")
			return
		}
		w.logger.Info().Msg("tls material updated")
	case *control.StartCompression:
		b, ok := w.bridges[msg.ConnID]
		if !ok {
			w.logger.Warn().Uint64("conn_id", msg.ConnID).Msg("start compression for unknown connection")
			return
		}
		if err := b.StartCompression(int(msg.Level), msg.Leftover); err != nil {
			b.Abort(fmt.Errorf("start compression: %w", err))
		}
	case *control.Shutdown:
		w.logger.Info().Int("bridges", len(w.bridges)).Msg("shutdown requested")
		w.draining = true
		w.maybeExit()
	default:
		for _, f := range control.Files(msg) {
			f.Close()
		}
		w.finish(fmt.Errorf("%w: unexpected %s from main process", control.ErrMalformed, msg.Tag()))
	}
}

func (w *Worker) handoff(msg *control.Handoff) {
	logger := log.WithConn(msg.ConnID)
	fail := func(err error) {
		logger.Debug().Err(err).Msg("handoff rejected")
		w.send(&control.ConnectionFailed{ConnID: msg.ConnID, Reason: reason(err)})
	}

	if w.draining {
		msg.Outer.Close()
		msg.Inner.Close()
		fail(ErrShuttingDown)
		return
	}
	if _, dup := w.bridges[msg.ConnID]; dup {
		msg.Outer.Close()
		msg.Inner.Close()
		fail(fmt.Errorf("connection %d already bridged", msg.ConnID))
		return
	}

	outer, inner, err := conns(msg.Outer, msg.Inner)
	if err != nil {
		fail(err)
		return
	}

	b := bridge.New(w.loop, bridge.Config{
		ID:            msg.ConnID,
		Outer:         outer,
		Inner:         inner,
		TLS:           msg.Flags.Has(control.FlagTLS),
		Client:        msg.Mode == control.Connect,
		ServerName:    msg.ServerName,
		Handshaker:    w.cfg.Handshaker,
		Compress:      msg.Flags.Has(control.FlagCompress),
		CompressLevel: w.cfg.CompressLevel,
		Linger:        w.cfg.Linger,
		OnClose:       w.bridgeClosed,
	})
	w.bridges[msg.ConnID] = b
	logger.Debug().Str("mode", modeName(msg.Mode)).Uint8("flags", uint8(msg.Flags)).Msg("handoff received")
	b.Start()
}

// conns wraps the handed-off files. Both files are consumed.
func conns(outerFile, innerFile *os.File) (net.Conn, net.Conn, error) {
	outer, err := control.FileConn(outerFile)
	if err != nil {
		innerFile.Close()
		return nil, nil, fmt.Errorf("outer handle: %w", err)
	}
	inner, err := control.FileConn(innerFile)
	if err != nil {
		outer.Close()
		return nil, nil, fmt.Errorf("inner handle: %w", err)
	}
	return outer, inner, nil
}

func (w *Worker) bridgeClosed(b *bridge.Bridge, err error) {
	id := b.ID()
	delete(w.bridges, id)
	delete(w.reported, id)
	if w.finished {
		return
	}
	if err != nil {
		w.send(&control.ConnectionFailed{ConnID: id, Reason: reason(err)})
	} else {
		w.send(&control.ConnectionClosed{ConnID: id, Counters: b.Stats()})
	}
	w.maybeExit()
}

func (w *Worker) scheduleStats() {
	w.ticker = w.loop.AfterFunc(w.cfg.StatsInterval, func() {
		if w.finished {
			return
		}
		w.reportStats()
		w.scheduleStats()
	})
}

// reportStats sends cumulative counters for every bridge that moved since
// the last report.
func (w *Worker) reportStats() {
	for id, b := range w.bridges {
		c := b.Stats()
		if c == w.reported[id] {
			continue
		}
		w.reported[id] = c
		w.send(&control.ReportStats{ConnID: id, Counters: c})
	}
}

func (w *Worker) send(m control.Message) {
	if w.finished {
		return
	}
	if err := w.cfg.Link.Queue(m); err != nil {
		w.finish(fmt.Errorf("control send: %w", err))
	}
}

func (w *Worker) linkClosed(err error) {
	if errors.Is(err, control.ErrMalformed) {
		w.finish(err)
		return
	}
	if !channel.IsExpectedClose(err) {
		w.logger.Warn().Err(err).Msg("control link failed")
	}
	w.finish(nil)
}

func (w *Worker) maybeExit() {
	if w.draining && len(w.bridges) == 0 {
		w.finish(nil)
	}
}

// finish ends the worker once: every bridge is closed and the result is
// delivered on Done.
func (w *Worker) finish(err error) {
	if w.finished {
		return
	}
	w.finished = true
	if w.ticker != nil {
		w.ticker.Stop()
	}
	for _, b := range w.bridges {
		b.Close()
	}
	w.cfg.Link.CloseAfterFlush()
	if err != nil {
		w.logger.Error().Err(err).Msg("stream worker exiting")
	}
	w.done <- err
}

func reason(err error) string {
	s := err.Error()
	if len(s) > maxReason {
		s = s[:maxReason]
	}
	return s
}

func modeName(m control.Mode) string {
	if m == control.Connect {
		return "connect"
	}
	return "accept"
}

// Run starts a worker on its own loop and blocks until it is done or ctx
// is cancelled.
func Run(ctx context.Context, cfg Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loop := reactor.New(nil)
	w := New(loop, cfg)
	go func() { _ = loop.Run(ctx) }()
	loop.Post(w.Start)

	select {
	case err := <-w.Done():
		fctx, fcancel := context.WithTimeout(context.Background(), flushTimeout)
		defer fcancel()
		_ = cfg.Link.Flush(fctx)
		return err
	case <-ctx.Done():
		_ = cfg.Link.Close()
		return ctx.Err()
	}
}
