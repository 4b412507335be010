package transport

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// syscallConn is satisfied by *net.TCPConn and *net.UnixConn. TLS
// connections do not implement it directly; callers that may be
// operating over TLS keep a reference to the underlying raw
// connection for this purpose (see internal/session's FramedConn).
type syscallConn interface {
	SyscallConn() (syscall.RawConn, error)
}

// SetNonblocking idempotently toggles the O_NONBLOCK flag on conn's
// underlying file descriptor. It is used only around the best-effort
// termination flush: the backend may have already closed its side,
// and a blocking flush there would hang or trip a failover handler
// that has nothing to do with normal termination.
func SetNonblocking(conn syscallConn, on bool) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("obtaining raw connection: %w", err)
	}

	var opErr error
	err = raw.Control(func(fd uintptr) {
		opErr = unix.SetNonblock(int(fd), on)
	})
	if err != nil {
		return fmt.Errorf("controlling fd: %w", err)
	}
	return opErr
}
