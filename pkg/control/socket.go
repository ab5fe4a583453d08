package control

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// SocketPair creates a connected pair of AF_UNIX sockets of the given type
// (unix.SOCK_STREAM or unix.SOCK_SEQPACKET). Both ends are close-on-exec;
// exec.Cmd.ExtraFiles clears the flag on the copy a child inherits.
func SocketPair(sotype int) (local, remote *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, sotype|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("creating socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "socketpair-local"), os.NewFile(uintptr(fds[1]), "socketpair-remote"), nil
}

// FileConn converts f into a net.Conn. FileConn dups the descriptor, so f
// is closed in every case.
func FileConn(f *os.File) (net.Conn, error) {
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("converting %s to net.Conn: %w", f.Name(), err)
	}
	return conn, nil
}

// FileUnixConn is FileConn for sockets that must be unix sockets, such as
// the SOCK_SEQPACKET end of a control link.
func FileUnixConn(f *os.File) (*net.UnixConn, error) {
	conn, err := FileConn(f)
	if err != nil {
		return nil, err
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("%s is not a unix socket", f.Name())
	}
	return uc, nil
}

// Pair returns both ends of a fresh SOCK_SEQPACKET pair as Links.
func Pair() (*Link, *Link, error) {
	a, b, err := SocketPair(unix.SOCK_SEQPACKET)
	if err != nil {
		return nil, nil, err
	}
	ac, err := FileUnixConn(a)
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	bc, err := FileUnixConn(b)
	if err != nil {
		ac.Close()
		return nil, nil, err
	}
	return NewLink(ac), NewLink(bc), nil
}
