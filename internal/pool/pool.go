// Package pool implements the connection pool described in spec.md §4.2:
// a fixed set of worker event loops, each multiplexing many half-duplex
// client↔server byte pipes with backpressure and asynchronous connect
// completion.
package pool

import (
	"fmt"
	"net"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/searchktools/connbalance/core/poller"
	"github.com/searchktools/connbalance/core/pools"
	"github.com/searchktools/connbalance/internal/addr"
	"github.com/searchktools/connbalance/internal/router"
)

// Config configures a Pool.
type Config struct {
	NumWorkers int
	DialOpts   DialOpts
}

// Pool is the fixed array of worker threads described in spec.md §4.2.
type Pool struct {
	workers  []*worker
	connPool *pools.ConnectionPool
	router   *router.Router

	statsMu   sync.Mutex
	lastStats time.Time
}

// New creates a Pool with cfg.NumWorkers workers, each with its own poller
// and control channel. Raw fds are managed directly by workers (they bypass
// the runtime netpoller once handed off), so SIGPIPE from a write to a
// half-closed peer is ignored process-wide, matching MSG_NOSIGNAL's effect
// on platforms (Darwin) where that send flag doesn't exist.
func New(cfg Config, r *router.Router) (*Pool, error) {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	signal.Ignore(syscall.SIGPIPE)

	connPool := pools.NewConnectionPool(cfg.NumWorkers*256, func() any {
		return newConnection()
	})

	p := &Pool{
		connPool:  connPool,
		router:    r,
		lastStats: time.Now(),
	}

	for i := 0; i < cfg.NumWorkers; i++ {
		w, err := newWorker(i, r, connPool, cfg.DialOpts)
		if err != nil {
			return nil, fmt.Errorf("pool: starting worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
		go w.run()
	}

	return p, nil
}

// leastLoaded scans all workers and returns the one with the fewest active
// connections; ties go to the first worker (spec.md §4.2 "Selection of
// worker for new connection").
func (p *Pool) leastLoaded() *worker {
	best := p.workers[0]
	min := best.ConnCount()
	for _, w := range p.workers[1:] {
		if n := w.ConnCount(); n < min {
			min, best = n, w
		}
	}
	return best
}

// AddConn hands an accepted client connection and its chosen destination to
// the least-loaded worker. If dstConn is non-nil the connection arrives
// already established (synchronous Connect mode); otherwise the worker
// performs the async connect itself (spec.md §4.3 Listener).
func (p *Pool) AddConn(incConn net.Conn, incAddr addr.SockAddr, dstAddr addr.SockAddr, dstConn net.Conn) error {
	incFD, err := takeFD(incConn)
	if err != nil {
		return fmt.Errorf("pool: taking client fd: %w", err)
	}

	obj := p.connPool.Get()
	c := obj.(*Connection)
	c.ID = newConnectionID()
	c.incoming.addr = incAddr
	c.incoming.fd = incFD
	c.incoming.kind = endClient

	if dstConn != nil {
		dstFD, err := takeFD(dstConn)
		if err != nil {
			syscallClose(incFD)
			return fmt.Errorf("pool: taking destination fd: %w", err)
		}
		c.dest.addr = dstAddr
		c.dest.fd = dstFD
		c.dest.kind = endComplete
	} else {
		c.dest.addr = dstAddr
		c.dest.fd = -1
		c.dest.kind = endIncomplete
	}

	w := p.leastLoaded()
	done := make(chan error, 1)
	w.ctl <- ctlMsg{code: ctlAddConn, conn: c, done: done}
	return <-done
}

// DropDst closes every connection routed to dst across all workers,
// without notifying the router (it has already forgotten the destination).
func (p *Pool) DropDst(dst addr.SockAddr) {
	done := make(chan error, 1)
	for _, w := range p.workers {
		w.ctl <- ctlMsg{code: ctlDropDst, dst: dst, done: done}
		<-done
	}
}

// Stats merges and resets every worker's counters, and reports the elapsed
// time since the previous call, matching glb_pool.c's getstat report.
func (p *Pool) Stats() Stats {
	var total Stats
	done := make(chan error, 1)
	for _, w := range p.workers {
		w.ctl <- ctlMsg{code: ctlStats, out: &total, done: done}
		<-done
	}

	p.statsMu.Lock()
	now := time.Now()
	total.Elapsed = now.Sub(p.lastStats).Seconds()
	p.lastStats = now
	p.statsMu.Unlock()

	return total
}

// Info reports live connection counts per worker. The getinfo response
// does not include these counts.
func (p *Pool) Info() []int64 {
	counts := make([]int64, len(p.workers))
	for i, w := range p.workers {
		counts[i] = w.ConnCount()
	}
	return counts
}

// Shutdown closes every connection and stops every worker.
func (p *Pool) Shutdown() {
	done := make(chan error, 1)
	for _, w := range p.workers {
		w.ctl <- ctlMsg{code: ctlShutdown, done: done}
		<-done
	}
}

// takeFD detaches the raw fd from a *net.TCPConn so the pool's own poller
// can manage it directly, bypassing the runtime's netpoller. File() returns
// a blocking duplicate tied to an *os.File with its own GC finalizer, so
// the fd is duplicated once more with unix.Dup and the os.File closed
// immediately — otherwise a GC'd *os.File could close the fd out from
// under the worker.
func takeFD(conn net.Conn) (int, error) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return -1, fmt.Errorf("pool: connection is not TCP (%T)", conn)
	}
	f, err := tcp.File()
	if err != nil {
		return -1, err
	}
	fd, err := unix.Dup(int(f.Fd()))
	f.Close()
	conn.Close()
	if err != nil {
		return -1, err
	}
	if err := poller.SetNonblock(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func syscallClose(fd int) {
	syscall.Close(fd)
}
