package channel

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// IsExpectedClose reports whether err is a normal end of stream: EOF, a
// closed handle, broken pipe or connection reset. These show up on the
// surviving side whenever a peer goes away and are logged at debug level
// rather than as failures.
func IsExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
