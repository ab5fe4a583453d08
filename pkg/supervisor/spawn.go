package supervisor

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/cuemby/burrow/pkg/control"
	"github.com/cuemby/burrow/pkg/types"
)

// Environment variables of the launch contract. Descriptor numbers are
// decimal; a variable is absent when the worker does not get that handle.
const (
	EnvDataFD     = "BURROW_DATA_FD"
	EnvControlFD  = "BURROW_CONTROL_FD"
	EnvLivenessFD = "BURROW_LIVENESS_FD"
	EnvMaxFDs     = "BURROW_MAX_FDS"
	EnvWorkerID   = "BURROW_WORKER_ID"
	EnvLogLevel   = "BURROW_LOG_LEVEL"
)

// SpawnReason classifies a SpawnError
type SpawnReason string

const (
	NotExecutable SpawnReason = "not_executable"
	ForkFailed    SpawnReason = "fork_failed"
)

// SpawnError reports why a helper could not be started
type SpawnError struct {
	Reason SpawnReason
	Path   string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %s: %v", e.Path, e.Reason, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// IsSpawnReason reports whether err is a SpawnError with the given reason
func IsSpawnReason(err error, reason SpawnReason) bool {
	var se *SpawnError
	return errors.As(err, &se) && se.Reason == reason
}

// Command describes how to start one helper process
type Command struct {
	Kind types.WorkerKind
	Path string
	Args []string
	Env  []string

	// Data gives the worker a stream socket for the line protocol.
	Data bool

	// Control gives the worker a SOCK_SEQPACKET control socket and the
	// write end of a liveness pipe.
	Control bool

	// MaxFDs is passed to the worker as the bound on handles per message.
	MaxFDs int

	LogLevel string
}

// SpawnFunc starts a process for a Command. Spawn is the real one; tests
// substitute fakes.
type SpawnFunc func(cmd Command) (*Process, error)

// Process is the supervisor's handle on one running helper. The parent
// ends of its sockets are owned by whoever the supervisor hands the
// process to; Close releases them exactly once.
type Process struct {
	ID        string
	Kind      types.WorkerKind
	Pid       int
	StartedAt time.Time

	// Data is the line-protocol socket (request workers).
	Data net.Conn

	// Control and Liveness are set for stream workers. Liveness is the
	// read end of a pipe whose only write end the child holds.
	Control  *net.UnixConn
	Liveness *os.File

	proc      *os.Process
	exited    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewProcess builds a Process around already-connected ends. It is used
// by SpawnFunc implementations that do not fork.
func NewProcess(kind types.WorkerKind, pid int, data net.Conn, ctl *net.UnixConn, liveness *os.File) *Process {
	return &Process{
		ID:        uuid.NewString(),
		Kind:      kind,
		Pid:       pid,
		StartedAt: time.Now(),
		Data:      data,
		Control:   ctl,
		Liveness:  liveness,
	}
}

// Exited is closed once the child has been reaped. It is nil for
// processes that were not forked by Spawn.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Kill sends SIGKILL unless the child was already reaped.
func (p *Process) Kill() error {
	if p.proc == nil {
		return nil
	}
	select {
	case <-p.exited:
		return nil
	default:
	}
	if err := p.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Close closes the parent's ends of the process's sockets and pipe.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		var errs []error
		if p.Data != nil {
			errs = append(errs, p.Data.Close())
		}
		if p.Control != nil {
			errs = append(errs, p.Control.Close())
		}
		if p.Liveness != nil {
			errs = append(errs, p.Liveness.Close())
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}

// Spawn creates the worker's channels, starts the executable with the
// child ends as inherited descriptors, and closes the parent's copies of
// the child ends. Every channel exists before the child runs, so nothing
// the child writes can race the parent's setup.
func Spawn(c Command) (*Process, error) {
	path, err := exec.LookPath(c.Path)
	if err != nil {
		return nil, &SpawnError{Reason: NotExecutable, Path: c.Path, Err: err}
	}

	p := &Process{
		ID:     uuid.NewString(),
		Kind:   c.Kind,
		exited: make(chan struct{}),
	}

	var childFiles []*os.File
	closeChild := func() {
		for _, f := range childFiles {
			f.Close()
		}
	}
	fail := func(err error) (*Process, error) {
		closeChild()
		p.Close()
		return nil, &SpawnError{Reason: ForkFailed, Path: path, Err: err}
	}

	env := append(os.Environ(), c.Env...)
	env = append(env, EnvWorkerID+"="+p.ID)
	if c.LogLevel != "" {
		env = append(env, EnvLogLevel+"="+c.LogLevel)
	}
	if c.MaxFDs > 0 {
		env = append(env, EnvMaxFDs+"="+strconv.Itoa(c.MaxFDs))
	}
	// ExtraFiles[i] becomes descriptor 3+i in the child.
	inherit := func(name string, f *os.File) {
		env = append(env, name+"="+strconv.Itoa(3+len(childFiles)))
		childFiles = append(childFiles, f)
	}

	if c.Data {
		local, remote, err := control.SocketPair(unix.SOCK_STREAM)
		if err != nil {
			return fail(err)
		}
		inherit(EnvDataFD, remote)
		if p.Data, err = control.FileConn(local); err != nil {
			return fail(err)
		}
	}

	if c.Control {
		local, remote, err := control.SocketPair(unix.SOCK_SEQPACKET)
		if err != nil {
			return fail(err)
		}
		inherit(EnvControlFD, remote)
		if p.Control, err = control.FileUnixConn(local); err != nil {
			return fail(err)
		}

		r, w, err := os.Pipe()
		if err != nil {
			return fail(fmt.Errorf("creating liveness pipe: %w", err))
		}
		inherit(EnvLivenessFD, w)
		p.Liveness = r
	}

	cmd := exec.Command(path, c.Args...)
	cmd.Env = env
	cmd.Dir = "/"
	cmd.ExtraFiles = childFiles
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}

	if err := cmd.Start(); err != nil {
		return fail(err)
	}

	// The child has its own copies now.
	closeChild()

	p.proc = cmd.Process
	p.Pid = cmd.Process.Pid
	p.StartedAt = time.Now()

	// Reap only. Death is detected from the channels.
	go func() {
		_ = cmd.Wait()
		close(p.exited)
	}()

	return p, nil
}
