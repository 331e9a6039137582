package pool

import (
	"golang.org/x/sys/unix"

	"github.com/searchktools/connbalance/internal/addr"
	"github.com/searchktools/connbalance/core/poller"
)

// DialOpts mirrors the socket options the original applies before connect()
// (glb_socket_setopt: SO_KEEPALIVE, TCP_NODELAY).
type DialOpts struct {
	Keepalive bool
	NoDelay   bool
}

// dialAsync creates a non-blocking socket and submits connect(), returning
// the raw fd immediately. The caller must watch it for WRITABLE and inspect
// SO_ERROR on completion (spec.md §4.2 "SERVER_INCOMPLETE").
func dialAsync(dst addr.SockAddr, opts DialOpts) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}

	if err := poller.SetNonblock(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if opts.NoDelay {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	if opts.Keepalive {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	}

	sa := &unix.SockaddrInet4{Port: int(dst.Port), Addr: dst.IP}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// connectError reads SO_ERROR off a socket completing an async connect.
func connectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// isTemporary reports whether a raw send/recv error should simply arm
// WRITE and be retried later (spec.md §4.2 "transient errors
// {INTR, AGAIN, BUSY, NOBUFS, NOTCONN}").
func isTemporary(err error) bool {
	switch err {
	case unix.EINTR, unix.EAGAIN, unix.EBUSY, unix.ENOBUFS, unix.ENOTCONN:
		return true
	default:
		return false
	}
}
