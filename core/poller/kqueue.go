//go:build darwin
// +build darwin

package poller

import (
	"golang.org/x/sys/unix"
)

// KqueuePoller is a kqueue-based I/O multiplexer.
type KqueuePoller struct {
	kqfd   int
	events []unix.Kevent_t
	// tracked remembers the last registered read/write mask per fd; apply
	// always sends both the read and the write filter change.
	tracked map[int][2]bool
}

// NewPoller creates a new Poller (macOS).
func NewPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}

	return &KqueuePoller{
		kqfd:    kqfd,
		events:  make([]unix.Kevent_t, 1024),
		tracked: make(map[int][2]bool),
	}, nil
}

func filterFlags(enable bool) uint16 {
	if enable {
		return unix.EV_ADD | unix.EV_ENABLE
	}
	return unix.EV_DELETE
}

func (p *KqueuePoller) apply(fd int, read, write bool) error {
	changes := make([]unix.Kevent_t, 0, 2)
	changes = append(changes, unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  filterFlags(read),
	})
	changes = append(changes, unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_WRITE,
		Flags:  filterFlags(write),
	})

	_, err := unix.Kevent(p.kqfd, changes, nil, nil)
	// EV_DELETE on a filter that was never added returns ENOENT; harmless.
	if err != nil && err != unix.ENOENT {
		return err
	}
	p.tracked[fd] = [2]bool{read, write}
	return nil
}

// Add starts tracking fd for the given readiness.
func (p *KqueuePoller) Add(fd int, read, write bool) error {
	return p.apply(fd, read, write)
}

// Modify changes the event mask for an already-tracked fd.
func (p *KqueuePoller) Modify(fd int, read, write bool) error {
	return p.apply(fd, read, write)
}

// Remove stops tracking fd.
func (p *KqueuePoller) Remove(fd int) error {
	err := p.apply(fd, false, false)
	delete(p.tracked, fd)
	return err
}

// Wait waits for I/O events.
func (p *KqueuePoller) Wait(timeout int) ([]Event, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeout / 1000),
			Nsec: int64((timeout % 1000) * 1000000),
		}
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
	if err != nil && err != unix.EINTR {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	// kqueue reports read and write readiness as separate events sharing
	// the same Ident; merge them back into one Event per fd.
	merged := make(map[int]*Event, n)
	order := make([]int, 0, n)
	for i := 0; i < n; i++ {
		e := p.events[i]
		fd := int(e.Ident)
		ev, ok := merged[fd]
		if !ok {
			ev = &Event{Fd: fd}
			merged[fd] = ev
			order = append(order, fd)
		}
		hangup := e.Flags&unix.EV_EOF != 0 || e.Flags&unix.EV_ERROR != 0
		switch e.Filter {
		case unix.EVFILT_READ:
			ev.Readable = true
			ev.HangUp = ev.HangUp || hangup
		case unix.EVFILT_WRITE:
			ev.Writable = true
			ev.HangUp = ev.HangUp || hangup
		}
	}

	out := make([]Event, 0, len(order))
	for _, fd := range order {
		out = append(out, *merged[fd])
	}
	return out, nil
}

// Close closes the Poller.
func (p *KqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}

// SetNonblock sets non-blocking mode.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
