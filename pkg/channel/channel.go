// Package channel implements the byte-stream Channel used between the main
// process and its helpers: a socket or pipe with an outbound queue that is
// flushed whenever the underlying handle accepts writes, and inbound data
// delivered as events on a reactor loop.
package channel

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/burrow/pkg/reactor"
)

// ErrClosed is returned by Write after Close or Abort, or after the channel
// failed.
var ErrClosed = errors.New("channel: closed")

const (
	// DefaultReadSize is the read buffer size used per Read call.
	DefaultReadSize = 16 * 1024

	// DefaultLinger bounds how long Close waits for queued bytes to flush.
	DefaultLinger = 5 * time.Second
)

// Handler receives a Channel's events. Both methods run on the loop.
type Handler interface {
	// HandleData is called with each chunk read, in read order. The slice
	// is owned by the handler.
	HandleData(ch *Channel, data []byte)

	// HandleClose is called at most once, when the peer closed (io.EOF) or
	// a read or write failed. It is not called for a locally initiated
	// Close or Abort.
	HandleClose(ch *Channel, err error)
}

// Funcs adapts a pair of functions to Handler. Nil functions are skipped.
type Funcs struct {
	Data  func(ch *Channel, data []byte)
	Close func(ch *Channel, err error)
}

func (f Funcs) HandleData(ch *Channel, data []byte) {
	if f.Data != nil {
		f.Data(ch, data)
	}
}

func (f Funcs) HandleClose(ch *Channel, err error) {
	if f.Close != nil {
		f.Close(ch, err)
	}
}

type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Channel is a non-blocking byte stream over conn. Writes append to an
// unbounded outbound queue and return immediately; a writer goroutine
// drains the queue while conn accepts data. A reader goroutine delivers
// inbound chunks to the Handler through the loop.
type Channel struct {
	name     string
	conn     io.ReadWriteCloser
	loop     *reactor.Loop
	readSize int
	linger   time.Duration

	mu      sync.Mutex
	queue   [][]byte
	pending int
	started bool
	closing bool
	closed  bool
	wake    chan struct{}

	handler  Handler
	silenced atomic.Bool

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// New wraps conn. Nothing is read or written until Start.
func New(loop *reactor.Loop, name string, conn io.ReadWriteCloser) *Channel {
	return &Channel{
		name:     name,
		conn:     conn,
		loop:     loop,
		readSize: DefaultReadSize,
		linger:   DefaultLinger,
		wake:     make(chan struct{}, 1),
	}
}

// SetReadSize changes the per-Read buffer size. Call before Start.
func (c *Channel) SetReadSize(n int) {
	if n > 0 {
		c.readSize = n
	}
}

// SetLinger changes how long Close waits for the queue to drain.
func (c *Channel) SetLinger(d time.Duration) {
	c.linger = d
}

// Name returns the label given at construction.
func (c *Channel) Name() string {
	return c.name
}

// Start begins reading and flushing. h receives events on the loop.
func (c *Channel) Start(h Handler) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.handler = h
	c.mu.Unlock()

	go c.readLoop()
	go c.writeLoop()
}

// Write queues a copy of p for sending. It never blocks.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.closing || c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if len(p) > 0 {
		buf := make([]byte, len(p))
		copy(buf, p)
		c.queue = append(c.queue, buf)
		c.pending += len(p)
	}
	c.mu.Unlock()

	c.signal()
	return len(p), nil
}

// Pending returns the number of queued bytes not yet written.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// BytesRead returns the total bytes read from conn.
func (c *Channel) BytesRead() uint64 {
	return c.bytesRead.Load()
}

// BytesWritten returns the total bytes written to conn.
func (c *Channel) BytesWritten() uint64 {
	return c.bytesWritten.Load()
}

// Closed reports whether Close, Abort or a failure has ended the channel.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing || c.closed
}

// Close stops delivering events, flushes the queue for at most the linger
// period, then closes conn.
func (c *Channel) Close() error {
	c.silenced.Store(true)

	c.mu.Lock()
	if c.closing || c.closed {
		c.mu.Unlock()
		return nil
	}
	if !c.started {
		c.closed = true
		c.mu.Unlock()
		return c.conn.Close()
	}
	c.closing = true
	c.mu.Unlock()

	if d, ok := c.conn.(deadliner); ok && c.linger > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(c.linger))
	}
	c.signal()
	return nil
}

// Abort closes conn immediately, discarding queued bytes.
func (c *Channel) Abort() error {
	c.silenced.Store(true)
	return c.closeConn()
}

func (c *Channel) closeConn() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.queue = nil
	c.pending = 0
	c.mu.Unlock()

	c.signal()
	return c.conn.Close()
}

func (c *Channel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// fail ends the channel after an I/O error and reports it once.
func (c *Channel) fail(err error) {
	_ = c.closeConn()
	c.loop.Post(func() {
		if c.silenced.CompareAndSwap(false, true) {
			c.handler.HandleClose(c, err)
		}
	})
}

func (c *Channel) readLoop() {
	buf := make([]byte, c.readSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.bytesRead.Add(uint64(n))
			c.loop.Post(func() {
				if !c.silenced.Load() {
					c.handler.HandleData(c, data)
				}
			})
		}
		if err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *Channel) writeLoop() {
	for {
		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		closing, closed := c.closing, c.closed
		c.mu.Unlock()

		if closed {
			return
		}
		if len(batch) == 0 {
			if closing {
				_ = c.closeConn()
				return
			}
			<-c.wake
			continue
		}

		for _, chunk := range batch {
			n, err := c.conn.Write(chunk)
			c.bytesWritten.Add(uint64(n))
			c.mu.Lock()
			c.pending -= len(chunk)
			c.mu.Unlock()
			if err != nil {
				c.fail(err)
				return
			}
		}
	}
}
