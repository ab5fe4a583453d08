package reqworker

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/reactor"
	"github.com/cuemby/burrow/pkg/supervisor"
	"github.com/cuemby/burrow/pkg/types"
)

// pipeSpawner hands the child end of each spawned process to the test.
type pipeSpawner struct {
	children chan net.Conn
	spawns   int
}

func (s *pipeSpawner) spawn(c supervisor.Command) (*supervisor.Process, error) {
	parent, child := net.Pipe()
	s.spawns++
	s.children <- child
	return supervisor.NewProcess(c.Kind, 5000+s.spawns, parent, nil, nil), nil
}

type harness struct {
	t       *testing.T
	loop    *reactor.Loop
	spawner *pipeSpawner
	worker  *Worker
}

func newHarness(t *testing.T, tableSize int) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		loop:    reactor.New(nil),
		spawner: &pipeSpawner{children: make(chan net.Conn, 8)},
	}
	h.worker = New(h.loop, Config{
		Command:   supervisor.Command{Kind: types.WorkerKindResolver},
		Spawn:     h.spawner.spawn,
		Spin:      supervisor.NewSpinDetector(supervisor.SpinPolicy{Threshold: 100, MinDelay: 10 * time.Millisecond}),
		TableSize: tableSize,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go h.loop.Run(ctx)
	t.Cleanup(func() {
		h.do(h.worker.Stop)
		cancel()
	})
	h.do(h.worker.Start)
	return h
}

func (h *harness) do(fn func()) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.True(h.t, h.loop.Do(ctx, fn))
}

// child waits for the next spawned process and returns a line reader and
// the raw connection.
func (h *harness) child() (*bufio.Reader, net.Conn) {
	select {
	case c := <-h.spawner.children:
		return bufio.NewReader(c), c
	case <-time.After(5 * time.Second):
		h.t.Fatal("no process spawned")
		return nil, nil
	}
}

func (h *harness) submit(request string, out chan<- Response) (ID, error) {
	var id ID
	var err error
	h.do(func() {
		id, err = h.worker.Submit(request, func(r Response) { out <- r })
	})
	return id, err
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSuffix(line, "\n")
}

func recv(t *testing.T, ch <-chan Response) Response {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no response")
		return Response{}
	}
}

func TestCorrelationSafetyOutOfOrder(t *testing.T) {
	h := newHarness(t, 0)
	r, conn := h.child()

	a := make(chan Response, 1)
	b := make(chan Response, 1)
	idA, err := h.submit("ptr 192.0.2.1", a)
	require.NoError(t, err)
	idB, err := h.submit("ptr 192.0.2.2", b)
	require.NoError(t, err)
	require.NotEqual(t, idA, idB)

	lineA := readLine(t, r)
	lineB := readLine(t, r)
	fieldsA := strings.SplitN(lineA, " ", 2)
	fieldsB := strings.SplitN(lineB, " ", 2)
	assert.Equal(t, "ptr 192.0.2.1", fieldsA[1])
	assert.Equal(t, "ptr 192.0.2.2", fieldsB[1])

	// Answer in reverse order.
	_, err = conn.Write([]byte(fieldsB[0] + " ok two.example\n" + fieldsA[0] + " ok one.example\n"))
	require.NoError(t, err)

	assert.Equal(t, "one.example", recv(t, a).Payload)
	assert.Equal(t, "two.example", recv(t, b).Payload)
}

func TestMoreResponsesKeepSlot(t *testing.T) {
	h := newHarness(t, 0)
	r, conn := h.child()

	out := make(chan Response, 4)
	_, err := h.submit("list", out)
	require.NoError(t, err)
	id := strings.Fields(readLine(t, r))[0]

	_, err = conn.Write([]byte(id + " more *!*@a.example\n" + id + " more *!*@b.example\n" + id + " ok\n"))
	require.NoError(t, err)

	assert.Equal(t, Response{Status: StatusMore, Payload: "*!*@a.example"}, recv(t, out))
	assert.Equal(t, Response{Status: StatusMore, Payload: "*!*@b.example"}, recv(t, out))
	assert.Equal(t, Response{Status: StatusOK}, recv(t, out))

	h.do(func() { assert.Equal(t, 0, h.worker.Outstanding()) })
}

func TestSubmitBusyWhenTableFull(t *testing.T) {
	h := newHarness(t, 2)
	h.child()

	out := make(chan Response, 4)
	_, err := h.submit("a x", out)
	require.NoError(t, err)
	_, err = h.submit("a y", out)
	require.NoError(t, err)
	_, err = h.submit("a z", out)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestCancelledSlotStaysReserved(t *testing.T) {
	h := newHarness(t, 1)
	r, conn := h.child()

	first := make(chan Response, 1)
	id, err := h.submit("a old.example", first)
	require.NoError(t, err)
	readLine(t, r)
	h.do(func() { h.worker.Cancel(id) })

	second := make(chan Response, 1)
	_, err = h.submit("a new.example", second)
	assert.ErrorIs(t, err, ErrBusy)

	// The late answer to the cancelled request frees the slot silently.
	_, err = conn.Write([]byte("0 ok 192.0.2.10\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var n int
		h.do(func() { n = h.worker.Outstanding() })
		return n == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, first)

	id2, err := h.submit("a new.example", second)
	require.NoError(t, err)
	assert.Equal(t, ID(0), id2)
}

func TestWorkerDeathFailsOutstanding(t *testing.T) {
	h := newHarness(t, 0)
	r, conn := h.child()

	out := make(chan Response, 1)
	_, err := h.submit("ptr 198.51.100.7", out)
	require.NoError(t, err)
	readLine(t, r)

	require.NoError(t, conn.Close())

	resp := recv(t, out)
	assert.ErrorIs(t, resp.Err, ErrWorkerRestarted)
	assert.True(t, resp.Final())

	// A replacement is spawned and serves new requests.
	r2, conn2 := h.child()
	require.Eventually(t, func() bool {
		var running bool
		h.do(func() { running = h.worker.Running() })
		return running
	}, 5*time.Second, 10*time.Millisecond)

	_, err = h.submit("ptr 198.51.100.8", out)
	require.NoError(t, err)
	id := strings.Fields(readLine(t, r2))[0]
	_, err = conn2.Write([]byte(id + " ok host.example\n"))
	require.NoError(t, err)
	assert.Equal(t, "host.example", recv(t, out).Payload)
}

func TestMalformedResponseRestartsWorker(t *testing.T) {
	h := newHarness(t, 0)
	r, conn := h.child()

	out := make(chan Response, 1)
	_, err := h.submit("a example.net", out)
	require.NoError(t, err)
	readLine(t, r)

	_, err = conn.Write([]byte("not-a-response\n"))
	require.NoError(t, err)

	assert.ErrorIs(t, recv(t, out).Err, ErrWorkerRestarted)
	h.child()
	h.do(func() { assert.Equal(t, 2, h.spawner.spawns) })
}

func TestRepeatedViolationsTripSpinDetection(t *testing.T) {
	loop := reactor.New(nil)
	spawns := 0
	// Every child writes a malformed line as soon as it starts.
	spawn := func(c supervisor.Command) (*supervisor.Process, error) {
		parent, child := net.Pipe()
		spawns++
		go func() {
			_, _ = child.Write([]byte("garbage\n"))
		}()
		return supervisor.NewProcess(c.Kind, 6000+spawns, parent, nil, nil), nil
	}

	policy := supervisor.SpinPolicy{
		Threshold: 3,
		Window:    time.Minute,
		Cooldown:  time.Hour,
		MinDelay:  10 * time.Millisecond,
		MaxDelay:  20 * time.Millisecond,
	}
	spin := supervisor.NewSpinDetector(policy)
	w := New(loop, Config{
		Command: supervisor.Command{Kind: types.WorkerKindResolver},
		Spawn:   spawn,
		Spin:    spin,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	do := func(fn func()) {
		dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dcancel()
		require.True(t, loop.Do(dctx, fn))
	}
	do(w.Start)
	defer do(w.Stop)

	assert.Eventually(t, func() bool {
		suppressed := false
		do(func() { suppressed = spin.Suppressed(loop.Clock().Now()) })
		return suppressed
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	do(func() {
		assert.Equal(t, policy.Threshold, spawns)
		assert.False(t, w.Running())
	})
}

func TestSubmitValidation(t *testing.T) {
	loop := reactor.New(nil)
	w := New(loop, Config{Command: supervisor.Command{Kind: types.WorkerKindIdent}})

	_, err := w.Submit("x", nil)
	assert.ErrorIs(t, err, ErrNotRunning)

	h := newHarness(t, 0)
	h.child()
	h.do(func() {
		_, err = h.worker.Submit("a b\nc", nil)
	})
	assert.Error(t, err)
}

func TestCall(t *testing.T) {
	h := newHarness(t, 0)
	r, conn := h.child()

	go func() {
		next := func() string {
			line, _ := r.ReadString('\n')
			id, _, _ := strings.Cut(line, " ")
			return id
		}
		id := next()
		_, _ = conn.Write([]byte(id + " more first\n" + id + " ok last\n"))
		id = next()
		_, _ = conn.Write([]byte(id + " err no such host\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lines, err := h.worker.Call(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "last"}, lines)

	_, err = h.worker.Call(ctx, "a nowhere.invalid")
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "no such host", remote.Message)
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		line    string
		id      ID
		status  Status
		payload string
		wantErr bool
	}{
		{line: "12 ok host.example", id: 12, status: StatusOK, payload: "host.example"},
		{line: "0 err timed out waiting", id: 0, status: StatusErr, payload: "timed out waiting"},
		{line: "65535 more", id: 65535, status: StatusMore},
		{line: "65536 ok x", wantErr: true},
		{line: "7", wantErr: true},
		{line: "x ok", wantErr: true},
		{line: "7 maybe x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			id, status, payload, err := parseResponse(tt.line)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrProtocol)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.id, id)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.payload, payload)
		})
	}
}
