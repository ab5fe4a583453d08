package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cuemby/burrow/pkg/reactor"
)

const (
	// MaxMessageSize bounds one datagram's payload. Rekey is the largest
	// message; PEM certificate chains fit comfortably.
	MaxMessageSize = 256 * 1024

	// DefaultSendTimeout bounds how long one datagram may wait for socket
	// buffer space before the peer is considered stuck.
	DefaultSendTimeout = 2 * time.Second
)

// ErrLinkClosed is returned by Queue once the link is closed or flushing.
var ErrLinkClosed = errors.New("control: link closed")

// SendRaw writes payload and files as a single datagram. Header and
// handles are delivered together or not at all. The files are not closed.
func SendRaw(conn *net.UnixConn, payload []byte, files []*os.File) error {
	if err := checkSize(payload, files); err != nil {
		return err
	}

	var oob []byte
	if len(files) > 0 {
		fds := make([]int, len(files))
		for i, f := range files {
			fds[i] = int(f.Fd())
		}
		oob = unix.UnixRights(fds...)
	}

	n, oobn, err := conn.WriteMsgUnix(payload, oob, nil)
	if err != nil {
		return fmt.Errorf("control: sendmsg: %w", err)
	}
	if n != len(payload) || oobn != len(oob) {
		return fmt.Errorf("control: short sendmsg (%d/%d bytes, %d/%d oob)", n, len(payload), oobn, len(oob))
	}
	return nil
}

func checkSize(payload []byte, files []*os.File) error {
	if len(files) > MaxHandles {
		return fmt.Errorf("control: %d handles exceeds limit %d", len(files), MaxHandles)
	}
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("control: payload of %d bytes exceeds limit %d", len(payload), MaxMessageSize)
	}
	return nil
}

// ReceiveRaw reads one datagram. Received handles are returned as files
// owned by the caller. A truncated datagram or control message is
// rejected and any handles that did arrive are closed.
func ReceiveRaw(conn *net.UnixConn) ([]byte, []*os.File, error) {
	buf := make([]byte, MaxMessageSize)
	oob := make([]byte, unix.CmsgSpace(MaxHandles*4))

	n, oobn, flags, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, nil, err
	}

	files, ferr := parseRights(oob[:oobn])
	switch {
	case ferr != nil:
		closeFiles(files)
		return nil, nil, ferr
	case flags&unix.MSG_CTRUNC != 0:
		closeFiles(files)
		return nil, nil, fmt.Errorf("%w: more than %d handles", ErrMalformed, MaxHandles)
	case flags&unix.MSG_TRUNC != 0:
		closeFiles(files)
		return nil, nil, fmt.Errorf("%w: datagram larger than %d bytes", ErrMalformed, MaxMessageSize)
	case n == 0 && len(files) == 0:
		// A zero-length read on a seqpacket socket is the peer closing.
		return nil, nil, io.EOF
	}
	return buf[:n], files, nil
}

func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("%w: control message: %v", ErrMalformed, err)
	}
	var files []*os.File
	for _, msg := range msgs {
		fds, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			files = append(files, os.NewFile(uintptr(fd), "received-handle"))
		}
	}
	if len(files) > MaxHandles {
		return files, fmt.Errorf("%w: %d handles exceeds limit %d", ErrMalformed, len(files), MaxHandles)
	}
	return files, nil
}

// Link is one end of a control socket.
//
// Queue never blocks: messages wait in an outbound queue that a writer
// goroutine drains, so the loop is not held up by a peer that is slow to
// read. A write failure is reported through the onClose callback given to
// Start, the same way a read failure is.
type Link struct {
	conn        *net.UnixConn
	sendTimeout time.Duration
	sendMu      sync.Mutex

	mu       sync.Mutex
	queue    []outbound
	flushing bool
	werr     error
	loop     *reactor.Loop
	onClose  func(error)

	wake    chan struct{}
	writer  sync.Once
	flushed chan struct{}

	closeOnce sync.Once
	closing   atomic.Bool

	// Loop-owned.
	reported bool
}

// outbound is one encoded datagram and the handles it carries.
type outbound struct {
	payload []byte
	files   []*os.File
}

// NewLink wraps a SOCK_SEQPACKET unix socket.
func NewLink(conn *net.UnixConn) *Link {
	return &Link{
		conn:        conn,
		sendTimeout: DefaultSendTimeout,
		wake:        make(chan struct{}, 1),
		flushed:     make(chan struct{}),
	}
}

// SetSendTimeout changes the per-datagram write deadline. Zero disables it.
// Call it before the first Send or Queue.
func (l *Link) SetSendTimeout(d time.Duration) {
	l.sendTimeout = d
}

// Send encodes and writes m synchronously. On success the sender's copies
// of any handles in m are closed; ownership moved to the receiver. On
// failure they are left open and the caller must close them. Send blocks;
// code running on a loop uses Queue.
func (l *Link) Send(m Message) error {
	payload, files, err := Encode(m)
	if err != nil {
		return err
	}
	if err := l.write(outbound{payload: payload, files: files}); err != nil {
		return err
	}
	closeFiles(files)
	return nil
}

// Queue encodes m and appends it to the outbound queue without blocking.
// When Queue returns nil the handles in m belong to the link: they are
// closed once the datagram is written, or when the write fails or the link
// closes first. When it returns an error the caller still owns them.
func (l *Link) Queue(m Message) error {
	payload, files, err := Encode(m)
	if err != nil {
		return err
	}
	if err := checkSize(payload, files); err != nil {
		return err
	}

	l.mu.Lock()
	switch {
	case l.closed() || l.flushing:
		err = ErrLinkClosed
	case l.werr != nil:
		err = l.werr
	default:
		l.queue = append(l.queue, outbound{payload: payload, files: files})
	}
	l.mu.Unlock()
	if err != nil {
		return err
	}

	l.startWriter()
	l.signal()
	return nil
}

// Pending returns the number of queued datagrams not yet written.
func (l *Link) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// CloseAfterFlush stops accepting messages and closes the link once the
// queue has been written. It does not block.
func (l *Link) CloseAfterFlush() {
	l.mu.Lock()
	failed := l.werr != nil
	l.flushing = true
	l.mu.Unlock()

	l.startWriter()
	if failed {
		_ = l.Close()
		return
	}
	l.signal()
}

// Flush is CloseAfterFlush that waits for the queue to be written or ctx
// to be done. Whatever is still queued then is dropped.
func (l *Link) Flush(ctx context.Context) error {
	l.CloseAfterFlush()
	select {
	case <-l.flushed:
	case <-ctx.Done():
	}
	return l.Close()
}

// Receive blocks for the next message.
func (l *Link) Receive() (Message, error) {
	payload, files, err := ReceiveRaw(l.conn)
	if err != nil {
		return nil, err
	}
	return Decode(payload, files)
}

// Start receives messages on a goroutine and delivers them on loop.
// onClose runs once, on the loop, when the link fails in either
// direction, the peer closes (err is io.EOF) or a message does not decode
// (err wraps ErrMalformed). Nothing is delivered after Close.
func (l *Link) Start(loop *reactor.Loop, onMessage func(Message), onClose func(error)) {
	l.mu.Lock()
	l.loop = loop
	l.onClose = onClose
	werr := l.werr
	l.mu.Unlock()
	if werr != nil {
		l.report(werr)
	}

	go func() {
		for {
			m, err := l.Receive()
			if err != nil {
				l.report(err)
				return
			}
			loop.Post(func() {
				if l.closed() {
					closeFiles(Files(m))
					return
				}
				onMessage(m)
			})
		}
	}()
}

// Close closes the socket and drops anything still queued. Safe to call
// more than once.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closing.Store(true)
		l.mu.Lock()
		rest := l.queue
		l.queue = nil
		l.mu.Unlock()
		closeOutbound(rest)
		err = l.conn.Close()
		l.signal()
	})
	return err
}

// Conn returns the underlying socket.
func (l *Link) Conn() *net.UnixConn {
	return l.conn
}

func (l *Link) closed() bool {
	return l.closing.Load()
}

func (l *Link) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Link) startWriter() {
	l.writer.Do(func() { go l.writeLoop() })
}

// writeLoop drains the queue until the link closes, fails, or finishes
// flushing.
func (l *Link) writeLoop() {
	defer close(l.flushed)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		flushing := l.flushing
		l.mu.Unlock()

		for i, out := range batch {
			if err := l.write(out); err != nil {
				closeOutbound(batch[i:])
				l.fail(err)
				return
			}
			closeFiles(out.files)
		}
		if len(batch) > 0 {
			continue
		}
		if flushing {
			_ = l.Close()
			return
		}
		if l.closed() {
			return
		}
		<-l.wake
	}
}

func (l *Link) write(out outbound) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if l.sendTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(l.sendTimeout))
	}
	return SendRaw(l.conn, out.payload, out.files)
}

// fail records a write error, drops the queue and reports the failure.
func (l *Link) fail(err error) {
	l.mu.Lock()
	l.werr = err
	rest := l.queue
	l.queue = nil
	flushing := l.flushing
	l.mu.Unlock()

	closeOutbound(rest)
	l.report(err)
	if flushing {
		_ = l.Close()
	}
}

// report delivers err to onClose on the loop, once, unless the link was
// closed locally.
func (l *Link) report(err error) {
	l.mu.Lock()
	loop, onClose := l.loop, l.onClose
	l.mu.Unlock()
	if loop == nil {
		return
	}
	loop.Post(func() {
		if l.closed() || l.reported {
			return
		}
		l.reported = true
		onClose(err)
	})
}

func closeOutbound(batch []outbound) {
	for _, out := range batch {
		closeFiles(out.files)
	}
}
