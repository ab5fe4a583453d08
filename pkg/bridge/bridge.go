// Package bridge runs one handed-off connection inside a stream worker:
// an optional TLS handshake on the outer (network) socket, then bytes
// shuttled between the outer and inner (plaintext) sockets through an
// optional transcoder per direction.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/channel"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/reactor"
	"github.com/cuemby/burrow/pkg/transcode"
	"github.com/cuemby/burrow/pkg/types"
)

// State is a bridge's lifecycle state
type State int

const (
	Handshaking State = iota
	Bridging
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Bridging:
		return "bridging"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrNotBridging is returned by StartCompression outside Bridging.
	ErrNotBridging = errors.New("bridge: not bridging")

	// ErrAlreadyCompressing is returned by a second StartCompression.
	ErrAlreadyCompressing = errors.New("bridge: compression already active")
)

// Handshaker performs the TLS handshake. Implementations block; the
// bridge runs them off the loop.
type Handshaker interface {
	Server(ctx context.Context, raw net.Conn) (net.Conn, error)
	Client(ctx context.Context, raw net.Conn, serverName string) (net.Conn, error)
}

// Config describes one bridged connection
type Config struct {
	ID    uint64
	Outer net.Conn
	Inner net.Conn

	// TLS runs Handshaker on Outer first. Client selects the client side
	// (an outgoing connection) with ServerName.
	TLS        bool
	Client     bool
	ServerName string
	Handshaker Handshaker

	// Compress applies compression from the first byte at CompressLevel.
	Compress      bool
	CompressLevel int

	// Linger bounds the flush of queued bytes on close.
	Linger time.Duration

	// OnClose runs once on the loop when the bridge enters Closed. err is
	// nil for a normal end (either side closed cleanly).
	OnClose func(b *Bridge, err error)
}

// Bridge is one connection's state machine. All methods run on the loop.
type Bridge struct {
	loop   *reactor.Loop
	cfg    Config
	logger zerolog.Logger
	state  State

	wire   *countingConn
	cancel context.CancelFunc

	outer *channel.Channel
	inner *channel.Channel

	// toOuter carries inner → outer, toInner outer → inner.
	toOuter     transcode.Transcoder
	toInner     transcode.Transcoder
	compressing bool
}

// New creates a bridge. It does nothing until Start.
func New(loop *reactor.Loop, cfg Config) *Bridge {
	if cfg.Linger <= 0 {
		cfg.Linger = channel.DefaultLinger
	}
	return &Bridge{
		loop:   loop,
		cfg:    cfg,
		logger: log.WithConn(cfg.ID),
		state:  Handshaking,
		wire:   &countingConn{Conn: cfg.Outer},
	}
}

// ID returns the connection id
func (b *Bridge) ID() uint64 {
	return b.cfg.ID
}

// State returns the current state
func (b *Bridge) State() State {
	return b.state
}

// Start begins the handshake, or bridging directly when no TLS is needed.
func (b *Bridge) Start() {
	if b.state != Handshaking {
		return
	}
	if !b.cfg.TLS {
		b.startBridging(b.wire)
		return
	}
	if b.cfg.Handshaker == nil {
		b.finish(errors.New("tls requested without a handshaker"))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go func() {
		var conn net.Conn
		var err error
		if b.cfg.Client {
			conn, err = b.cfg.Handshaker.Client(ctx, b.wire, b.cfg.ServerName)
		} else {
			conn, err = b.cfg.Handshaker.Server(ctx, b.wire)
		}
		b.loop.Post(func() { b.handshakeDone(conn, err) })
	}()
}

func (b *Bridge) handshakeDone(conn net.Conn, err error) {
	if b.state != Handshaking {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		b.finish(fmt.Errorf("tls handshake: %w", err))
		return
	}
	b.logger.Debug().Msg("tls handshake complete")
	b.startBridging(conn)
}

func (b *Bridge) startBridging(outer net.Conn) {
	b.state = Bridging
	b.outer = channel.New(b.loop, "outer", outer)
	b.inner = channel.New(b.loop, "inner", b.cfg.Inner)
	b.outer.SetLinger(b.cfg.Linger)
	b.inner.SetLinger(b.cfg.Linger)

	b.toOuter = transcode.Identity(b.outer)
	b.toInner = transcode.Identity(b.inner)
	if b.cfg.Compress {
		if err := b.enableCompression(b.cfg.CompressLevel); err != nil {
			b.finish(err)
			return
		}
	}

	b.outer.Start(channel.Funcs{
		Data:  func(_ *channel.Channel, data []byte) { b.forward(b.toInner, data) },
		Close: b.sideClosed,
	})
	b.inner.Start(channel.Funcs{
		Data:  func(_ *channel.Channel, data []byte) { b.forward(b.toOuter, data) },
		Close: b.sideClosed,
	})
	b.logger.Debug().Bool("compress", b.compressing).Msg("bridge established")
}

// forward pushes data through a direction's transcoder onto the other
// side's outbound queue. The transcoder is looked up per chunk so a
// compression upgrade applies to the next read.
func (b *Bridge) forward(t transcode.Transcoder, data []byte) {
	if b.state != Bridging {
		return
	}
	if _, err := t.Write(data); err != nil {
		b.finish(fmt.Errorf("transcode: %w", err))
	}
}

func (b *Bridge) sideClosed(ch *channel.Channel, err error) {
	if channel.IsExpectedClose(err) {
		b.logger.Debug().Str("side", ch.Name()).Msg("peer closed")
		b.finish(nil)
		return
	}
	b.finish(fmt.Errorf("%s: %w", ch.Name(), err))
}

// StartCompression switches both directions to deflate at level and feeds
// leftover, already-compressed bytes from the client to the inflater
// before anything read afterwards.
func (b *Bridge) StartCompression(level int, leftover []byte) error {
	if b.state != Bridging {
		return ErrNotBridging
	}
	if b.compressing {
		return ErrAlreadyCompressing
	}
	if err := b.enableCompression(level); err != nil {
		return err
	}
	if len(leftover) > 0 {
		if _, err := b.toInner.Write(leftover); err != nil {
			b.finish(fmt.Errorf("transcode leftover: %w", err))
			return err
		}
	}
	b.logger.Debug().Int("level", level).Int("leftover", len(leftover)).Msg("compression started")
	return nil
}

func (b *Bridge) enableCompression(level int) error {
	deflater, err := transcode.NewDeflater(b.outer, level)
	if err != nil {
		return err
	}
	b.toOuter = deflater
	b.toInner = transcode.NewInflater(b.inner, func(err error) {
		b.loop.Post(func() { b.finish(fmt.Errorf("inflate: %w", err)) })
	})
	b.compressing = true
	return nil
}

// Close ends the bridge normally.
func (b *Bridge) Close() {
	b.finish(nil)
}

// Abort ends the bridge with err, as for a failure.
func (b *Bridge) Abort(err error) {
	b.finish(err)
}

// finish enters Closed exactly once: transcoders are flushed, both
// channels closed together with a bounded linger, and OnClose called.
func (b *Bridge) finish(err error) {
	if b.state == Closed {
		return
	}
	prev := b.state
	b.state = Closed

	if b.cancel != nil {
		b.cancel()
	}

	if prev == Bridging {
		if b.toOuter != nil {
			if cerr := b.toOuter.Close(); cerr != nil && err == nil {
				b.logger.Debug().Err(cerr).Msg("flushing outbound transcoder")
			}
		}
		if b.toInner != nil {
			_ = b.toInner.Close()
		}
		_ = b.outer.Close()
		_ = b.inner.Close()
	} else {
		_ = b.wire.Close()
		_ = b.cfg.Inner.Close()
	}

	if err != nil {
		b.logger.Debug().Err(err).Str("state", prev.String()).Msg("bridge failed")
	}
	if b.cfg.OnClose != nil {
		b.cfg.OnClose(b, err)
	}
}

// Stats returns the connection's counters so far.
func (b *Bridge) Stats() types.Counters {
	c := types.Counters{
		WireIn:  b.wire.read.Load(),
		WireOut: b.wire.written.Load(),
	}
	if b.inner != nil {
		c.In = b.inner.BytesWritten()
		c.Out = b.inner.BytesRead()
	}
	return c
}

// countingConn counts raw socket bytes below TLS.
type countingConn struct {
	net.Conn
	read    atomic.Uint64
	written atomic.Uint64
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.read.Add(uint64(n))
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.written.Add(uint64(n))
	return n, err
}
