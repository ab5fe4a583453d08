package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/cuemby/burrow/pkg/clock"
	"github.com/cuemby/burrow/pkg/control"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/pool"
	"github.com/cuemby/burrow/pkg/reactor"
	"github.com/cuemby/burrow/pkg/reqworker"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	// DefaultLookupTimeout bounds the whole admission lookup phase.
	DefaultLookupTimeout = 5 * time.Second

	rejectWriteTimeout = time.Second
)

var (
	// ErrClosed is returned by Listen and Serve after Close.
	ErrClosed = errors.New("gateway: closed")

	// ErrNoStreamWorkers rejects a streamed listener's client when the
	// gateway has no pool to hand it to.
	ErrNoStreamWorkers = errors.New("gateway: no stream worker pool")
)

// Listener is one listening address.
type Listener struct {
	Addr     string
	TLS      bool
	Compress bool
}

// Streamed reports whether clients of l are bridged by a stream worker.
func (l Listener) Streamed() bool {
	return l.TLS || l.Compress
}

// Handler receives admitted clients. conn always carries plaintext; for
// streamed listeners it is the inner end of the stream worker's bridge.
type Handler interface {
	ServeConn(info types.ClientInfo, conn net.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(info types.ClientInfo, conn net.Conn)

func (f HandlerFunc) ServeConn(info types.ClientInfo, conn net.Conn) {
	f(info, conn)
}

// NoticeHandler sends each admitted client one server NOTICE and closes
// the connection. It serves when no IRC core is attached.
func NoticeHandler(server, text string) Handler {
	return HandlerFunc(func(info types.ClientInfo, conn net.Conn) {
		defer conn.Close()
		_ = conn.SetWriteDeadline(time.Now().Add(rejectWriteTimeout))
		_, _ = fmt.Fprintf(conn, ":%s NOTICE * :*** %s\r\n", server, text)
	})
}

// Submitter is a line-protocol worker as used for admission lookups.
// *reqworker.Worker implements it. Both methods run on the loop.
type Submitter interface {
	Submit(request string, cb reqworker.Callback) (reqworker.ID, error)
	Cancel(id reqworker.ID)
}

// Handoffer transfers a connection to a stream worker. *pool.Pool
// implements it. Handoff runs on the loop.
type Handoffer interface {
	Handoff(req pool.HandoffRequest) (uint64, error)
}

// Config configures a Gateway. A nil Resolver, Ident or Bans skips that
// lookup.
type Config struct {
	Listeners     []Listener
	LookupTimeout time.Duration
	Resolver      Submitter
	Ident         Submitter
	Bans          Submitter
	Pool          Handoffer
	Handler       Handler
}

// Gateway accepts client connections, runs admission lookups and hands
// admitted clients to the Handler.
type Gateway struct {
	loop   *reactor.Loop
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	listeners []net.Listener
	closed    bool
	done      chan struct{}
	wg        sync.WaitGroup

	// Loop-owned.
	nextID  uint64
	pending map[uint64]*admission
	streams map[uint64]uint64
}

// New creates a Gateway. Nothing listens until Listen.
func New(loop *reactor.Loop, cfg Config) *Gateway {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	return &Gateway{
		loop:    loop,
		cfg:     cfg,
		logger:  log.WithComponent("gateway"),
		done:    make(chan struct{}),
		pending: make(map[uint64]*admission),
		streams: make(map[uint64]uint64),
	}
}

// Listen opens every configured listener. On error the listeners opened
// so far are closed.
func (g *Gateway) Listen() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	for _, l := range g.cfg.Listeners {
		ln, err := net.Listen("tcp", l.Addr)
		if err != nil {
			for _, open := range g.listeners {
				open.Close()
			}
			g.listeners = nil
			return fmt.Errorf("listening on %s: %w", l.Addr, err)
		}
		g.listeners = append(g.listeners, ln)
		g.logger.Info().
			Str("addr", ln.Addr().String()).
			Bool("tls", l.TLS).
			Bool("compress", l.Compress).
			Msg("listening")
	}
	return nil
}

// Addrs returns the bound address of each listener, in configuration
// order.
func (g *Gateway) Addrs() []net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	addrs := make([]net.Addr, len(g.listeners))
	for i, ln := range g.listeners {
		addrs[i] = ln.Addr()
	}
	return addrs
}

// Serve accepts on every listener until ctx is done or Close is called.
func (g *Gateway) Serve(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	for i, ln := range g.listeners {
		g.wg.Add(1)
		go g.acceptLoop(ln, g.cfg.Listeners[i])
	}
	g.mu.Unlock()

	select {
	case <-ctx.Done():
		g.Close()
	case <-g.done:
	}
	return nil
}

// Close stops accepting and waits for the accept goroutines. Clients
// already admitted are not affected.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	close(g.done)
	for _, ln := range g.listeners {
		ln.Close()
	}
	g.mu.Unlock()
	g.wg.Wait()
}

// ConnectionEnded forgets a streamed client once the pool reports its
// bridge gone. Must be called on the loop.
func (g *Gateway) ConnectionEnded(poolID uint64, reason string) {
	connID, ok := g.streams[poolID]
	if !ok {
		return
	}
	delete(g.streams, poolID)
	ev := g.logger.Debug().Uint64("conn_id", connID).Uint64("pool_conn_id", poolID)
	if reason != "" {
		ev = ev.Str("reason", reason)
	}
	ev.Msg("stream ended")
}

// Pending returns the number of clients still in the lookup phase. Must
// be called on the loop.
func (g *Gateway) Pending() int {
	return len(g.pending)
}

func (g *Gateway) acceptLoop(ln net.Listener, l Listener) {
	defer g.wg.Done()
	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second, Factor: 2}
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d := b.Duration()
			g.logger.Warn().Err(err).Str("addr", l.Addr).Dur("retry_in", d).Msg("accept failed")
			time.Sleep(d)
			continue
		}
		b.Reset()
		if !g.loop.Post(func() { g.accepted(conn, l) }) {
			conn.Close()
			return
		}
	}
}

// lookup is one outstanding admission request.
type lookup struct {
	worker Submitter
	id     reqworker.ID
}

// admission tracks one client through the lookup phase.
type admission struct {
	gw       *Gateway
	conn     net.Conn
	listener Listener
	info     types.ClientInfo
	logger   zerolog.Logger

	ip        string
	resolved  bool
	hostBans  bool
	banReason string
	banned    bool

	waiting map[*lookup]struct{}
	timer   *clock.Timer
	done    bool
}

func (g *Gateway) accepted(conn net.Conn, l Listener) {
	g.nextID++
	ip, rport := splitAddr(conn.RemoteAddr())
	lip, lport := splitAddr(conn.LocalAddr())

	a := &admission{
		gw:       g,
		conn:     conn,
		listener: l,
		ip:       ip,
		logger:   log.WithConn(g.nextID),
		waiting:  make(map[*lookup]struct{}),
		info: types.ClientInfo{
			ConnID:     g.nextID,
			RemoteAddr: conn.RemoteAddr().String(),
			LocalAddr:  conn.LocalAddr().String(),
			Hostname:   ip,
			Secure:     l.TLS,
			Compressed: l.Compress,
			AcceptedAt: g.loop.Clock().Now(),
		},
	}
	a.logger.Debug().Str("remote", a.info.RemoteAddr).Str("local", a.info.LocalAddr).Msg("client accepted")

	a.submit(g.cfg.Resolver, "host "+ip, a.hostResult)
	a.submit(g.cfg.Ident, fmt.Sprintf("%s %d %d %s", ip, rport, lport, lip), a.identResult)
	a.submit(g.cfg.Bans, "match "+ip, a.banResult)

	if len(a.waiting) == 0 {
		a.step()
		return
	}
	g.pending[a.info.ConnID] = a
	a.timer = g.loop.AfterFunc(g.cfg.LookupTimeout, a.timeout)
}

func (a *admission) submit(w Submitter, request string, onOK func(payload string)) {
	if w == nil {
		return
	}
	l := &lookup{worker: w}
	id, err := w.Submit(request, func(r reqworker.Response) {
		if a.done || !r.Final() {
			return
		}
		delete(a.waiting, l)
		if r.Err == nil && r.Status == reqworker.StatusOK {
			onOK(r.Payload)
		} else {
			a.logger.Debug().Str("request", request).Str("status", string(r.Status)).AnErr("error", r.Err).Msg("lookup failed")
		}
		a.step()
	})
	if err != nil {
		a.logger.Debug().Err(err).Str("request", request).Msg("lookup not submitted")
		return
	}
	l.id = id
	a.waiting[l] = struct{}{}
}

func (a *admission) hostResult(payload string) {
	if payload == "" {
		return
	}
	a.info.Hostname = payload
	a.resolved = true
}

func (a *admission) identResult(payload string) {
	if payload != "" {
		a.info.Username = payload
	}
}

func (a *admission) banResult(payload string) {
	if payload == "" {
		return
	}
	a.banned = true
	mask, reason, _ := strings.Cut(payload, " ")
	a.banReason = reason
	a.logger.Info().Str("mask", mask).Str("reason", reason).Msg("client matched ban")
}

// step advances once no lookup is outstanding. When the first phase
// produced a hostname or username, bans are checked once more against
// the richer targets.
func (a *admission) step() {
	if a.done || len(a.waiting) > 0 {
		return
	}
	if !a.banned && !a.hostBans && (a.resolved || a.info.Username != "") {
		a.hostBans = true
		user := a.info.Username
		if user == "" {
			user = "*"
		}
		targets := []string{user + "@" + a.ip}
		if a.resolved {
			targets = append(targets, user+"@"+a.info.Hostname)
		}
		a.submit(a.gw.cfg.Bans, "match "+strings.Join(targets, " "), a.banResult)
		if len(a.waiting) > 0 {
			return
		}
	}
	a.finish()
}

func (a *admission) timeout() {
	if a.done {
		return
	}
	a.logger.Debug().Int("outstanding", len(a.waiting)).Msg("lookups timed out")
	for l := range a.waiting {
		l.worker.Cancel(l.id)
	}
	a.waiting = nil
	a.finish()
}

func (a *admission) finish() {
	a.done = true
	if a.timer != nil {
		a.timer.Stop()
	}
	delete(a.gw.pending, a.info.ConnID)

	if a.banned {
		metrics.ConnectionsAccepted.WithLabelValues("banned").Inc()
		msg := "ERROR :Banned"
		if a.banReason != "" {
			msg += " (" + a.banReason + ")"
		}
		// A TLS client cannot read a plaintext line.
		if a.listener.TLS {
			msg = ""
		}
		go reject(a.conn, msg)
		return
	}
	a.gw.admit(a)
}

func (g *Gateway) admit(a *admission) {
	if !a.listener.Streamed() {
		metrics.ConnectionsAccepted.WithLabelValues("admitted").Inc()
		a.logger.Info().Str("host", a.info.Hostname).Str("user", a.info.Username).Msg("client admitted")
		go g.cfg.Handler.ServeConn(a.info, a.conn)
		return
	}

	plain, poolID, err := g.handoff(a)
	if err != nil {
		metrics.ConnectionsAccepted.WithLabelValues("rejected").Inc()
		a.logger.Warn().Err(err).Msg("handoff failed, rejecting client")
		a.conn.Close()
		return
	}
	g.streams[poolID] = a.info.ConnID
	metrics.ConnectionsAccepted.WithLabelValues("admitted").Inc()
	a.logger.Info().
		Str("host", a.info.Hostname).
		Str("user", a.info.Username).
		Uint64("pool_conn_id", poolID).
		Msg("client admitted")
	go g.cfg.Handler.ServeConn(a.info, plain)
}

// handoff passes the client socket and one end of a fresh stream
// socketpair to the pool and returns the other end. The gateway's copy
// of the client socket is closed on success.
func (g *Gateway) handoff(a *admission) (net.Conn, uint64, error) {
	if g.cfg.Pool == nil {
		return nil, 0, ErrNoStreamWorkers
	}
	fc, ok := a.conn.(interface{ File() (*os.File, error) })
	if !ok {
		return nil, 0, fmt.Errorf("%T has no file descriptor", a.conn)
	}
	outer, err := fc.File()
	if err != nil {
		return nil, 0, fmt.Errorf("duplicating client socket: %w", err)
	}
	local, remote, err := control.SocketPair(unix.SOCK_STREAM)
	if err != nil {
		outer.Close()
		return nil, 0, err
	}

	var flags control.Flags
	if a.listener.TLS {
		flags |= control.FlagTLS
	}
	if a.listener.Compress {
		flags |= control.FlagCompress
	}
	poolID, err := g.cfg.Pool.Handoff(pool.HandoffRequest{
		Mode:  control.Accept,
		Flags: flags,
		Outer: outer,
		Inner: remote,
	})
	if err != nil {
		outer.Close()
		remote.Close()
		local.Close()
		return nil, 0, err
	}
	a.conn.Close()

	plain, err := control.FileConn(local)
	if err != nil {
		return nil, 0, err
	}
	return plain, poolID, nil
}

func reject(conn net.Conn, msg string) {
	if msg != "" {
		_ = conn.SetWriteDeadline(time.Now().Add(rejectWriteTimeout))
		_, _ = conn.Write([]byte(msg + "\r\n"))
	}
	conn.Close()
}

func splitAddr(addr net.Addr) (string, int) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}
