package supervisor

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/cuemby/burrow/pkg/control"
)

// Inherited holds the handles a worker process received from its
// supervisor.
type Inherited struct {
	WorkerID string
	LogLevel string
	MaxFDs   int

	Data    net.Conn
	Control *net.UnixConn

	// Liveness is the write end of the liveness pipe. The worker never
	// writes to it; holding it open is what keeps the parent's read end
	// from reporting EOF.
	Liveness *os.File
}

// Inherit reads the launch environment and wraps the descriptors it names.
// Descriptors not named in the environment are left alone.
func Inherit() (*Inherited, error) {
	in := &Inherited{
		WorkerID: os.Getenv(EnvWorkerID),
		LogLevel: os.Getenv(EnvLogLevel),
		MaxFDs:   control.MaxHandles,
	}

	if v := os.Getenv(EnvMaxFDs); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid %s %q", EnvMaxFDs, v)
		}
		in.MaxFDs = n
	}

	if f, err := inheritedFile(EnvDataFD, "data"); err != nil {
		return nil, err
	} else if f != nil {
		if in.Data, err = control.FileConn(f); err != nil {
			return nil, err
		}
	}

	if f, err := inheritedFile(EnvControlFD, "control"); err != nil {
		in.Close()
		return nil, err
	} else if f != nil {
		if in.Control, err = control.FileUnixConn(f); err != nil {
			in.Close()
			return nil, err
		}
	}

	f, err := inheritedFile(EnvLivenessFD, "liveness")
	if err != nil {
		in.Close()
		return nil, err
	}
	in.Liveness = f

	return in, nil
}

// Close releases every inherited handle.
func (in *Inherited) Close() {
	if in.Data != nil {
		in.Data.Close()
	}
	if in.Control != nil {
		in.Control.Close()
	}
	if in.Liveness != nil {
		in.Liveness.Close()
	}
}

func inheritedFile(env, name string) (*os.File, error) {
	v := os.Getenv(env)
	if v == "" {
		return nil, nil
	}
	fd, err := strconv.Atoi(v)
	if err != nil || fd < 3 {
		return nil, fmt.Errorf("invalid %s %q", env, v)
	}
	// os.NewFile returns nil if the fd is invalid, e.g. when the binary
	// is run by hand instead of by the supervisor.
	f := os.NewFile(uintptr(fd), name)
	if f == nil {
		return nil, fmt.Errorf("fd %d not available (this binary must be started by burrow serve)", fd)
	}
	return f, nil
}
