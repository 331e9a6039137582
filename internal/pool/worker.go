package pool

import (
	"log"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/searchktools/connbalance/core/poller"
	"github.com/searchktools/connbalance/core/pools"
	"github.com/searchktools/connbalance/internal/addr"
	"github.com/searchktools/connbalance/internal/router"
)

type ctlCode int

const (
	ctlAddConn ctlCode = iota
	ctlDropDst
	ctlStats
	ctlShutdown
)

// ctlMsg is the Go-channel rendering of the original's pipe-plus-condvar
// control rendezvous (spec.md §4.2 "Control channel", §9 redesign note):
// the sender (AddConn, DropDst, Stats, Shutdown) blocks on done instead of
// a pthread_cond_wait.
type ctlMsg struct {
	code ctlCode
	conn *Connection  // ctlAddConn
	dst  addr.SockAddr // ctlDropDst
	out  *Stats        // ctlStats, filled in place
	done chan error
}

// worker is one pool thread: a private event loop over its own poller, a
// route map from fd to the connEnd that owns it, and a control channel.
type worker struct {
	id     int
	pl     poller.Poller
	router *router.Router
	connPool *pools.ConnectionPool
	opts   DialOpts

	routeMap map[int]*connEnd
	ctl      chan ctlMsg

	nConns atomic.Int64
	stats  Stats
}

func newWorker(id int, r *router.Router, connPool *pools.ConnectionPool, opts DialOpts) (*worker, error) {
	pl, err := poller.NewPoller()
	if err != nil {
		return nil, err
	}
	w := &worker{
		id:       id,
		pl:       pl,
		router:   r,
		connPool: connPool,
		opts:     opts,
		routeMap: make(map[int]*connEnd),
		ctl:      make(chan ctlMsg, 64),
	}
	return w, nil
}

// ConnCount is read by the pool's least-loaded worker selection without a
// control round-trip.
func (w *worker) ConnCount() int64 { return w.nConns.Load() }

func (w *worker) run() {
	events := make(chan []poller.Event, 1)
	pollErr := make(chan error, 1)

	go func() {
		for {
			evs, err := w.pl.Wait(-1)
			if err != nil {
				pollErr <- err
				return
			}
			if len(evs) == 0 {
				continue
			}
			events <- evs
		}
	}()

	for {
		select {
		case evs := <-events:
			w.stats.NPolls++
			for _, ev := range evs {
				w.handleEvent(ev)
			}
		case msg := <-w.ctl:
			shutdown := w.handleCtl(msg)
			if shutdown {
				w.pl.Close()
				return
			}
		case err := <-pollErr:
			log.Printf("⚡ pool %d: poller wait failed, worker exiting: %v", w.id, err)
			return
		}
	}
}

func (w *worker) handleEvent(ev poller.Event) {
	if ev.Readable {
		w.stats.PollReads++
		w.onReadable(ev.Fd)
	}
	if ev.Writable {
		w.stats.PollWrites++
		w.onWritable(ev.Fd)
	}
	if ev.HangUp && !ev.Readable && !ev.Writable {
		// peer reset with nothing left to read/write: treat like EOF.
		if e := w.routeMap[ev.Fd]; e != nil {
			w.teardown(e, true)
		}
	}
}

func (w *worker) handleCtl(msg ctlMsg) (shutdown bool) {
	var err error
	switch msg.code {
	case ctlAddConn:
		w.handleAddConn(msg.conn)
	case ctlDropDst:
		w.handleDropDst(msg.dst)
	case ctlStats:
		w.stats.NConns = w.nConns.Load()
		msg.out.Add(w.stats)
		w.stats = Stats{}
	case ctlShutdown:
		w.handleShutdownAll()
		shutdown = true
	}
	if msg.done != nil {
		msg.done <- err
	}
	return shutdown
}

// register adds a connEnd's fd to the poller and route map with the
// readiness implied by its kind (spec.md §4.2 pool_set_conn_end).
func (w *worker) register(e *connEnd) {
	read := e.kind != endIncomplete
	write := e.kind == endIncomplete
	e.readArmed, e.writeArmed = read, write
	w.pl.Add(e.fd, read, write)
	w.routeMap[e.fd] = e
}

func (w *worker) unregister(e *connEnd, shouldClose bool) {
	w.pl.Remove(e.fd)
	delete(w.routeMap, e.fd)
	if shouldClose {
		unix.Close(e.fd)
	}
}

func (w *worker) handleAddConn(c *Connection) {
	if c.dest.kind == endIncomplete && c.dest.fd < 0 {
		fd, err := dialAsync(c.dest.addr, w.opts)
		if err != nil {
			log.Printf("⚡ pool %d: async connect to %s failed: %v", w.id, c.dest.addr, err)
			w.router.Disconnect(c.dest.addr, true)
			unix.Close(c.incoming.fd)
			w.connPool.Put(c)
			return
		}
		c.dest.fd = fd
	}

	w.register(&c.incoming)
	w.register(&c.dest)

	w.nConns.Add(1)
	w.stats.ConnsOpened++
}

// reconnectDest re-dials only the destination end after an async connect
// failure; the incoming end is already registered and is left untouched
// (unlike the original's pool_handle_add_conn, which re-registers both ends
// on retry — a double EPOLL_CTL_ADD on the still-live incoming fd that this
// rendering deliberately avoids; see DESIGN.md).
func (w *worker) reconnectDest(dst *connEnd) {
	fd, err := dialAsync(dst.addr, w.opts)
	if err != nil {
		log.Printf("⚡ pool %d: async connect to %s failed: %v", w.id, dst.addr, err)
		w.router.Disconnect(dst.addr, true)
		w.unregister(dst.other, true)
		w.nConns.Add(-1)
		w.stats.ConnsClosed++
		w.connPool.Put(dst.owner)
		return
	}
	dst.fd = fd
	w.register(dst)
}

func (w *worker) handleDropDst(dst addr.SockAddr) {
	for fd, e := range w.routeMap {
		if e.kind == endIncomplete || e.kind == endComplete {
			if e.addr.Equal(dst) {
				w.teardownNoNotify(w.routeMap[fd])
			}
		}
	}
}

func (w *worker) handleShutdownAll() {
	for _, e := range w.routeMap {
		if e.kind == endClient {
			w.teardownNoNotify(e)
		}
	}
}

func (w *worker) onReadable(fd int) {
	e := w.routeMap[fd]
	if e == nil {
		return
	}
	dst := e.other
	if dst.total >= bufSize {
		return
	}

	n, err := unix.Read(fd, dst.buf[dst.total:bufSize])
	switch {
	case err != nil && isTemporary(err):
		return
	case err != nil:
		w.stats.NRecv++
		if err != unix.ECONNRESET {
			log.Printf("⚡ pool %d: read from %s failed: %v", w.id, e.addr, err)
		}
		w.teardown(e, true)
	case n == 0:
		w.teardown(e, true)
	default:
		dst.total += n
		w.stats.RecvBytes += uint64(n)
		w.stats.NRecv++
		if dst.kind != endClient {
			w.stats.RxBytes += uint64(n)
		}

		w.sendData(dst, nil)

		if dst.total == bufSize && e.readArmed {
			e.readArmed = false
			w.pl.Modify(e.fd, false, e.writeArmed)
		}
	}
}

func (w *worker) onWritable(fd int) {
	e := w.routeMap[fd]
	if e == nil {
		return
	}

	if e.kind == endIncomplete {
		w.handleConnComplete(e)
		return
	}

	if e.total > 0 {
		w.sendData(e, e.other)
	}
}

// sendData flushes as much of dst's own buffer as the socket accepts. src,
// when non-nil, is re-armed for READ once dst has drained enough to make
// room (spec.md §4.2 half-duplex backpressure).
func (w *worker) sendData(dst, src *connEnd) {
	for dst.sent < dst.total {
		n, err := unix.Write(dst.fd, dst.buf[dst.sent:dst.total])
		if err != nil {
			if isTemporary(err) {
				w.armWrite(dst)
				return
			}
			if err == unix.EPIPE {
				if dst.kind != endIncomplete {
					w.teardown(dst, true)
				} else {
					w.armWrite(dst)
				}
				return
			}
			log.Printf("⚡ pool %d: send to %s failed: %v", w.id, dst.addr, err)
			w.teardown(dst, true)
			return
		}
		if n <= 0 {
			break
		}
		dst.sent += n
		w.stats.SendBytes += uint64(n)
		w.stats.NSend++
		if dst.kind == endClient {
			w.stats.TxBytes += uint64(n)
		}
	}

	if dst.sent == dst.total {
		dst.sent, dst.total = 0, 0
		if dst.writeArmed {
			dst.writeArmed = false
			w.pl.Modify(dst.fd, dst.readArmed, false)
		}
	} else {
		w.armWrite(dst)
	}

	if src != nil && !src.readArmed && dst.total < bufSize {
		src.readArmed = true
		w.pl.Modify(src.fd, true, src.writeArmed)
	}
}

func (w *worker) armWrite(e *connEnd) {
	if !e.writeArmed {
		e.writeArmed = true
		w.pl.Modify(e.fd, e.readArmed, true)
	}
}

// handleConnComplete inspects SO_ERROR on a just-writable SERVER_INCOMPLETE
// fd: success transitions to SERVER_COMPLETE, failure asks the router for a
// replacement destination and retries, or tears the whole connection down.
func (w *worker) handleConnComplete(dst *connEnd) {
	if err := connectError(dst.fd); err != nil {
		log.Printf("⚡ pool %d: async connect to %s failed: %v", w.id, dst.addr, err)

		hint := dst.other.addr.Hash()
		next, rerr := w.router.ChooseDstAgain(hint, dst.addr)
		if rerr == nil {
			w.unregister(dst, true)
			dst.addr = next
			dst.fd = -1
			w.reconnectDest(dst)
			return
		}

		// No replacement available: tear down the whole connection. The
		// router already marked the failed destination and adjusted conns.
		inc := dst.other
		w.unregister(dst, true)
		w.unregister(inc, true)
		w.nConns.Add(-1)
		w.stats.ConnsClosed++
		w.connPool.Put(dst.owner)
		return
	}

	dst.kind = endComplete
	dst.readArmed = true
	dst.writeArmed = false
	w.pl.Modify(dst.fd, true, false)
}

// teardown closes both ends of the connection holding e and, if notify is
// true, tells the router the destination lost a connection (a clean
// client-driven close is not marked failed).
func (w *worker) teardown(e *connEnd, notify bool) {
	other := e.other
	w.unregister(e, true)
	w.unregister(other, true)
	w.nConns.Add(-1)
	w.stats.ConnsClosed++

	if notify {
		dstEnd := e
		if dstEnd.kind == endClient {
			dstEnd = other
		}
		w.router.Disconnect(dstEnd.addr, false)
	}
	w.connPool.Put(e.owner)
}

// teardownNoNotify is used by DROP_DST/SHUTDOWN, where the router has
// already forgotten the destination (or is going away) and must not be
// notified again.
func (w *worker) teardownNoNotify(e *connEnd) {
	other := e.other
	w.unregister(e, true)
	w.unregister(other, true)
	w.nConns.Add(-1)
	w.stats.ConnsClosed++
	w.connPool.Put(e.owner)
}
