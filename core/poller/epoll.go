//go:build linux
// +build linux

package poller

import (
	"golang.org/x/sys/unix"
)

// EpollPoller is an epoll-based I/O multiplexer.
type EpollPoller struct {
	epfd   int
	events []unix.EpollEvent
}

// NewPoller creates a new Poller (Linux).
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}

	return &EpollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, 1024),
	}, nil
}

func eventMask(read, write bool) uint32 {
	// EPOLLRDHUP detects peer shutdown; level-triggered (no EPOLLET) for
	// reliability, matching the teacher's original epoll backend.
	mask := uint32(unix.EPOLLRDHUP)
	if read {
		mask |= unix.EPOLLIN
	}
	if write {
		mask |= unix.EPOLLOUT
	}
	return mask
}

// Add adds a file descriptor to the watch list with the given readiness.
func (p *EpollPoller) Add(fd int, read, write bool) error {
	ev := unix.EpollEvent{Events: eventMask(read, write), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Modify changes the event mask for an already-tracked fd.
func (p *EpollPoller) Modify(fd int, read, write bool) error {
	ev := unix.EpollEvent{Events: eventMask(read, write), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove removes a file descriptor from the watch list.
func (p *EpollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait waits for I/O events.
func (p *EpollPoller) Wait(timeout int) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeout)
	if err != nil && err != unix.EINTR {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		e := p.events[i]
		out = append(out, Event{
			Fd:       int(e.Fd),
			Readable: e.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			Writable: e.Events&unix.EPOLLOUT != 0,
			HangUp:   e.Events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0,
		})
	}
	return out, nil
}

// Close closes the Poller.
func (p *EpollPoller) Close() error {
	return unix.Close(p.epfd)
}

// SetNonblock sets non-blocking mode.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
