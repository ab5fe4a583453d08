package bridge

import (
	"bytes"
	"context"
	"crypto/x509"
	"io"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/channel"
	"github.com/cuemby/burrow/pkg/reactor"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/cuemby/burrow/pkg/transcode"
)

func runLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	loop := reactor.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(cancel)
	return loop
}

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		accepted <- conn
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-accepted
	require.NotNil(t, server)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func handshakers(t *testing.T) (server, client *security.TLSHandshaker) {
	t.Helper()
	m, err := security.GenerateSelfSigned([]string{"irc.test"}, time.Hour)
	require.NoError(t, err)
	holder := security.NewHolder()
	require.NoError(t, holder.Update(m))

	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(m.Cert))

	server = security.NewTLSHandshaker(holder)
	client = security.NewTLSHandshaker(nil)
	client.RootCAs = roots
	return server, client
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not close")
		return nil
	}
}

// Two bridges back to back over one outer connection: bytes written into
// one inner side come out of the other unchanged, whatever the layering.
func TestLoopbackPreservesBytes(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	large := make([]byte, 3*channel.DefaultReadSize+7)
	rng.Read(large)

	payloads := map[string][]byte{
		"empty":                {},
		"one byte":             {'x'},
		"larger than a buffer": large,
	}

	for _, tls := range []bool{false, true} {
		for _, compress := range []bool{false, true} {
			for name, payload := range payloads {
				name := name
				if tls {
					name += "/tls"
				}
				if compress {
					name += "/deflate"
				}
				payload := payload
				tls, compress := tls, compress

				t.Run(name, func(t *testing.T) {
					loop := runLoop(t)
					outerA, outerB := tcpPair(t)
					innerA, appA := net.Pipe()
					innerB, appB := net.Pipe()
					defer appA.Close()
					defer appB.Close()

					serverHS, clientHS := handshakers(t)
					closedA := make(chan error, 1)
					closedB := make(chan error, 1)

					a := New(loop, Config{
						ID: 1, Outer: outerA, Inner: innerA,
						TLS: tls, Client: true, ServerName: "irc.test", Handshaker: clientHS,
						Compress: compress, CompressLevel: 6,
						OnClose: func(_ *Bridge, err error) { closedA <- err },
					})
					b := New(loop, Config{
						ID: 2, Outer: outerB, Inner: innerB,
						TLS: tls, Handshaker: serverHS,
						Compress: compress, CompressLevel: 6,
						OnClose: func(_ *Bridge, err error) { closedB <- err },
					})
					loop.Post(a.Start)
					loop.Post(b.Start)

					received := make(chan []byte, 1)
					go func() {
						data, _ := io.ReadAll(appB)
						received <- data
					}()
					go func() {
						if len(payload) > 0 {
							_, _ = appA.Write(payload)
						}
						appA.Close()
					}()

					select {
					case got := <-received:
						assert.True(t, bytes.Equal(payload, got), "got %d bytes, want %d", len(got), len(payload))
					case <-time.After(10 * time.Second):
						t.Fatal("payload not delivered")
					}

					assert.NoError(t, waitErr(t, closedA))
					assert.NoError(t, waitErr(t, closedB))

					statsA, statsB := a.Stats(), b.Stats()
					assert.Equal(t, uint64(len(payload)), statsA.Out)
					assert.Equal(t, uint64(len(payload)), statsB.In)
					if len(payload) > 0 {
						assert.NotZero(t, statsA.WireOut)
						assert.Equal(t, statsA.WireOut, statsB.WireIn)
					}
				})
			}
		}
	}
}

func TestStartCompressionFeedsLeftoverFirst(t *testing.T) {
	loop := runLoop(t)
	outer, client := tcpPair(t)
	inner, app := net.Pipe()
	defer app.Close()

	b := New(loop, Config{ID: 9, Outer: outer, Inner: inner})
	loop.Post(b.Start)

	_, err := client.Write([]byte("COMPRESS\r\n"))
	require.NoError(t, err)
	buf := make([]byte, len("COMPRESS\r\n"))
	_, err = io.ReadFull(app, buf)
	require.NoError(t, err)

	// The client starts deflating right after its command; the first part
	// of that stream was already read by the server along with the line.
	var stream bytes.Buffer
	deflater, err := transcode.NewDeflater(&stream, 6)
	require.NoError(t, err)
	_, err = deflater.Write([]byte("NICK alice\r\n"))
	require.NoError(t, err)
	leftover := append([]byte(nil), stream.Bytes()...)
	stream.Reset()

	var startErr error
	require.True(t, loop.Do(context.Background(), func() {
		startErr = b.StartCompression(6, leftover)
	}))
	require.NoError(t, startErr)

	_, err = deflater.Write([]byte("USER a 0 * :A\r\n"))
	require.NoError(t, err)
	_, err = client.Write(stream.Bytes())
	require.NoError(t, err)

	want := "NICK alice\r\nUSER a 0 * :A\r\n"
	got := make([]byte, len(want))
	_, err = io.ReadFull(app, got)
	require.NoError(t, err)
	assert.Equal(t, want, string(got))

	// The other direction is now compressed too.
	go func() { _, _ = app.Write([]byte(":irc.test 001 alice :Welcome\r\n")) }()
	var plain bytes.Buffer
	inflater := transcode.NewInflater(&plain, func(err error) { t.Errorf("inflate: %v", err) })
	raw := make([]byte, 4096)
	n, err := client.Read(raw)
	require.NoError(t, err)
	_, err = inflater.Write(raw[:n])
	require.NoError(t, err)
	require.NoError(t, inflater.Close())
	assert.Equal(t, ":irc.test 001 alice :Welcome\r\n", plain.String())

	require.True(t, loop.Do(context.Background(), func() {
		startErr = b.StartCompression(6, nil)
	}))
	assert.ErrorIs(t, startErr, ErrAlreadyCompressing)
}

func TestHandshakeFailureReported(t *testing.T) {
	loop := runLoop(t)
	outer, client := tcpPair(t)
	inner, app := net.Pipe()
	defer app.Close()

	serverHS, _ := handshakers(t)
	closed := make(chan error, 1)
	b := New(loop, Config{
		ID: 3, Outer: outer, Inner: inner, TLS: true, Handshaker: serverHS,
		OnClose: func(_ *Bridge, err error) { closed <- err },
	})
	loop.Post(b.Start)

	_, err := client.Write([]byte("NICK plaintext\r\n"))
	require.NoError(t, err)

	err = waitErr(t, closed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls handshake")
}

func TestCloseDuringHandshake(t *testing.T) {
	loop := runLoop(t)
	outer, client := tcpPair(t)
	inner, app := net.Pipe()
	defer app.Close()

	serverHS, _ := handshakers(t)
	calls := 0
	closed := make(chan error, 2)
	b := New(loop, Config{
		ID: 4, Outer: outer, Inner: inner, TLS: true, Handshaker: serverHS,
		OnClose: func(_ *Bridge, err error) {
			calls++
			closed <- err
		},
	})

	var startErr error
	require.True(t, loop.Do(context.Background(), func() {
		b.Start()
		startErr = b.StartCompression(6, nil)
		b.Close()
		b.Close()
	}))
	assert.ErrorIs(t, startErr, ErrNotBridging)
	assert.NoError(t, waitErr(t, closed))

	// The raw socket was closed under the pending handshake.
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := client.Read(make([]byte, 1))
	assert.Error(t, err)

	require.True(t, loop.Do(context.Background(), func() {
		assert.Equal(t, 1, calls)
		assert.Equal(t, Closed, b.State())
	}))
}
