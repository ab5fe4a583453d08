package streamworker

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/cuemby/burrow/pkg/control"
	"github.com/cuemby/burrow/pkg/reactor"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/cuemby/burrow/pkg/types"
)

type harness struct {
	t      *testing.T
	loop   *reactor.Loop
	main   *control.Link
	worker *Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, Config{StatsInterval: 20 * time.Millisecond})
}

func newHarnessWith(t *testing.T, cfg Config) *harness {
	t.Helper()
	mainLink, workerLink, err := control.Pair()
	require.NoError(t, err)
	t.Cleanup(func() { mainLink.Close() })

	loop := reactor.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(cancel)

	cfg.Link = workerLink
	w := New(loop, cfg)
	loop.Post(w.Start)
	return &harness{t: t, loop: loop, main: mainLink, worker: w}
}

func (h *harness) receive() control.Message {
	h.t.Helper()
	require.NoError(h.t, h.main.Conn().SetReadDeadline(time.Now().Add(5*time.Second)))
	m, err := h.main.Receive()
	require.NoError(h.t, err)
	return m
}

// until reads control messages until one with tag arrives.
func (h *harness) until(tag control.Tag) control.Message {
	h.t.Helper()
	for {
		if m := h.receive(); m.Tag() == tag {
			return m
		}
	}
}

func (h *harness) done() error {
	h.t.Helper()
	select {
	case err := <-h.worker.Done():
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("worker did not finish")
		return nil
	}
}

// streamPair returns a file to hand off and the connection at its other end.
func streamPair(t *testing.T) (*os.File, net.Conn) {
	t.Helper()
	local, remote, err := control.SocketPair(unix.SOCK_STREAM)
	require.NoError(t, err)
	conn, err := control.FileConn(local)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return remote, conn
}

// handoff hands a fresh connection to the worker and returns the client
// side of the outer socket and the application side of the inner one.
func (h *harness) handoff(id uint64, flags control.Flags) (client, app net.Conn) {
	h.t.Helper()
	outer, client := streamPair(h.t)
	inner, app := streamPair(h.t)
	require.NoError(h.t, h.main.Send(&control.Handoff{Mode: control.Accept, ConnID: id, Flags: flags, Outer: outer, Inner: inner}))
	return client, app
}

func exchange(t *testing.T, client, app net.Conn) {
	t.Helper()
	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(app, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	_, err = app.Write([]byte("world"))
	require.NoError(t, err)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))
}

func TestBridgeReportsStatsAndClose(t *testing.T) {
	h := newHarness(t)
	client, app := h.handoff(1, 0)
	exchange(t, client, app)

	stats, ok := h.until(control.TagReportStats).(*control.ReportStats)
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.ConnID)

	require.NoError(t, client.Close())
	closed, ok := h.until(control.TagConnectionClosed).(*control.ConnectionClosed)
	require.True(t, ok)
	assert.Equal(t, uint64(1), closed.ConnID)
	assert.Equal(t, types.Counters{In: 5, Out: 5, WireIn: 5, WireOut: 5}, closed.Counters)
}

func TestTLSHandoffAfterRekey(t *testing.T) {
	h := newHarness(t)
	m, err := security.GenerateSelfSigned([]string{"irc.test"}, time.Hour)
	require.NoError(t, err)
	require.NoError(t, h.main.Send(&control.Rekey{Cert: m.Cert, Key: m.Key}))

	raw, app := h.handoff(2, control.FlagTLS)
	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(m.Cert))
	client := tls.Client(raw, &tls.Config{ServerName: "irc.test", RootCAs: roots})
	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, client.Handshake())

	exchange(t, client, app)
	require.NoError(t, client.Close())
	closed, ok := h.until(control.TagConnectionClosed).(*control.ConnectionClosed)
	require.True(t, ok)
	assert.Equal(t, uint64(5), closed.Counters.In)
	assert.Greater(t, closed.Counters.WireIn, closed.Counters.In)
}

func TestHandshakeFailureReported(t *testing.T) {
	h := newHarness(t)
	client, _ := h.handoff(3, control.FlagTLS)
	_, err := client.Write([]byte("NICK plain\r\n"))
	require.NoError(t, err)

	failed, ok := h.until(control.TagConnectionFailed).(*control.ConnectionFailed)
	require.True(t, ok)
	assert.Equal(t, uint64(3), failed.ConnID)
	assert.Contains(t, failed.Reason, "tls handshake")
}

func TestShutdownDrainsBridges(t *testing.T) {
	h := newHarness(t)
	client, app := h.handoff(4, 0)
	exchange(t, client, app)

	require.NoError(t, h.main.Send(&control.Shutdown{}))
	h.handoff(5, 0)
	failed, ok := h.until(control.TagConnectionFailed).(*control.ConnectionFailed)
	require.True(t, ok)
	assert.Equal(t, uint64(5), failed.ConnID)
	assert.Equal(t, ErrShuttingDown.Error(), failed.Reason)

	select {
	case <-h.worker.Done():
		t.Fatal("worker exited with a bridge open")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, app.Close())
	h.until(control.TagConnectionClosed)
	assert.NoError(t, h.done())
}

func TestUnexpectedMessageIsFatal(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.main.Send(&control.ReportStats{ConnID: 1}))
	assert.ErrorIs(t, h.done(), control.ErrMalformed)
}

func TestMainGoneEndsWorker(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.main.Close())
	assert.NoError(t, h.done())
}

func TestUnknownStartCompressionIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.main.Send(&control.StartCompression{ConnID: 77, Level: 6}))
	client, app := h.handoff(6, 0)
	exchange(t, client, app)

	var n int
	require.True(t, h.loop.Do(context.Background(), func() { n = h.worker.Bridges() }))
	assert.Equal(t, 1, n)
}

func TestCompressLevelZeroStoresUncompressed(t *testing.T) {
	h := newHarnessWith(t, Config{StatsInterval: time.Hour, CompressLevel: 0})
	assert.Equal(t, 0, h.worker.cfg.CompressLevel)

	client, app := h.handoff(8, control.FlagCompress)
	_, err := app.Write([]byte("PING :stored\r\n"))
	require.NoError(t, err)

	// Stored deflate blocks carry the payload verbatim.
	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	var raw []byte
	buf := make([]byte, 256)
	for !bytes.Contains(raw, []byte("PING :stored\r\n")) {
		n, err := client.Read(buf)
		require.NoError(t, err)
		raw = append(raw, buf[:n]...)
	}
}

func TestFinishFlushesFinalReports(t *testing.T) {
	h := newHarness(t)
	client, app := h.handoff(9, 0)
	exchange(t, client, app)

	require.NoError(t, h.main.Send(&control.Shutdown{}))
	require.NoError(t, client.Close())
	closed, ok := h.until(control.TagConnectionClosed).(*control.ConnectionClosed)
	require.True(t, ok)
	assert.Equal(t, uint64(9), closed.ConnID)
	assert.NoError(t, h.done())

	require.NoError(t, h.main.Conn().SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, err := h.main.Receive()
		if err != nil {
			assert.ErrorIs(t, err, io.EOF)
			return
		}
	}
}
