// Package control implements the line-oriented FIFO and TCP command plane
// described in spec.md §4.5: getinfo, getstat, and destination mutations.
package control

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/searchktools/connbalance/core/pools"
	"github.com/searchktools/connbalance/internal/addr"
	"github.com/searchktools/connbalance/internal/pool"
	"github.com/searchktools/connbalance/internal/router"
	"github.com/searchktools/connbalance/internal/watchdog"
)

// maxControlClients bounds concurrent TCP control clients, matching the
// original's GLB_MAX_CTRL_CONN / CTRL_MAX.
const maxControlClients = 32

// pollTimeout is how often the accept/FIFO-read loops wake up to check for
// shutdown, matching glb_control.c's 1000ms poll() timeout.
const pollTimeout = time.Second

// Config configures a Controller.
type Config struct {
	// TCPAddr, if non-empty, is the "host:port" to listen on for
	// request/response control connections. Empty disables the TCP side.
	TCPAddr string

	// FIFOPath, if non-empty, is a path to an existing named pipe read for
	// fire-and-forget control requests. Empty disables the FIFO side.
	FIFOPath string

	// DefaultPort is used when a destination mutation spec omits a port.
	DefaultPort uint16
}

// Controller is the Control plane: it dispatches getinfo/getstat/mutation
// requests arriving over a TCP control socket and/or a FIFO to the Router,
// Pool, and (if present) Watchdog.
type Controller struct {
	cfg      Config
	router   *router.Router
	pool     *pool.Pool
	watchdog *watchdog.Watchdog

	ln       net.Listener
	workers  *pools.WorkerPool
	bufs     *pools.BytePool
	builders *pools.FastPool

	clients atomic.Int32
}

// New creates a Controller. At least one of cfg.TCPAddr / cfg.FIFOPath must
// be set, mirroring glb_ctrl_create's "fifo <= 0 && sock <= 0 => NULL".
func New(cfg Config, r *router.Router, p *pool.Pool, w *watchdog.Watchdog) (*Controller, error) {
	if cfg.TCPAddr == "" && cfg.FIFOPath == "" {
		return nil, errors.New("control: at least one of TCPAddr or FIFOPath is required")
	}

	c := &Controller{
		cfg:      cfg,
		router:   r,
		pool:     p,
		watchdog: w,
		// One worker per allowed concurrent client: each serveTCP session
		// runs for the life of its connection, so sizing the pool below
		// maxControlClients would let sessions queue up behind busy
		// workers instead of running concurrently.
		workers: pools.NewWorkerPool(maxControlClients),
		bufs:    pools.NewBytePool(),
		builders: pools.NewFastPool(func() any {
			return &strings.Builder{}
		}),
	}

	if cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", cfg.TCPAddr)
		if err != nil {
			return nil, err
		}
		c.ln = ln
	}

	return c, nil
}

// Addr returns the TCP control listener's address, or nil if TCP control is
// disabled.
func (c *Controller) Addr() net.Addr {
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

// Close releases the TCP listener, if any.
func (c *Controller) Close() error {
	if c.ln != nil {
		return c.ln.Close()
	}
	return nil
}

// Run drives both the TCP accept loop and the FIFO read loop until ctx is
// cancelled. It blocks until both have returned.
func (c *Controller) Run(ctx context.Context) {
	done := make(chan struct{}, 2)
	n := 0

	if c.ln != nil {
		n++
		go func() { c.runTCP(ctx); done <- struct{}{} }()
	}
	if c.cfg.FIFOPath != "" {
		n++
		go func() { c.runFIFO(ctx); done <- struct{}{} }()
	}

	for i := 0; i < n; i++ {
		<-done
	}
	c.workers.Close()
}

// runTCP accepts control clients, bounded by maxControlClients, and
// dispatches each connection's request/response loop to the worker pool.
func (c *Controller) runTCP(ctx context.Context) {
	type deadlineSetter interface {
		SetDeadline(time.Time) error
	}

	for {
		if ctx.Err() != nil {
			return
		}

		if dl, ok := c.ln.(deadlineSetter); ok {
			dl.SetDeadline(time.Now().Add(pollTimeout))
		}

		conn, err := c.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue // poll timeout, loop to re-check ctx
			}
			log.Printf("⚡ control: accept failed: %v", err)
			continue
		}

		if int(c.clients.Load()) >= maxControlClients {
			// No more clients allowed, matching ctrl_add_client's assert
			// window: refuse rather than overrun the client table.
			conn.Close()
			continue
		}
		c.clients.Add(1)

		if !c.workers.Submit(func() {
			defer c.clients.Add(-1)
			c.serveTCP(ctx, conn)
		}) {
			c.clients.Add(-1)
			conn.Close()
		}
	}
}

// serveTCP runs the request/response loop for one TCP control client: one
// request per line, one response block per request.
func (c *Controller) serveTCP(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(c.newLineReader(conn))
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		resp := c.dispatch(scanner.Text())

		buf := c.bufs.Get(len(resp))
		copy(buf, resp)
		_, err := conn.Write(buf)
		c.bufs.Put(buf)
		if err != nil {
			return
		}
	}
}

// newLineReader wraps conn with a deadline-aware bufio.Scanner source so a
// client that never sends a full line doesn't pin its goroutine forever
// past shutdown; the Scanner surfaces a deadline exceeded error as Scan
// returning false.
func (c *Controller) newLineReader(conn net.Conn) *deadlineReader {
	return &deadlineReader{conn: conn}
}

type deadlineReader struct{ conn net.Conn }

func (r *deadlineReader) Read(p []byte) (int, error) {
	r.conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
	return r.conn.Read(p)
}

// runFIFO reads fire-and-forget requests from the configured named pipe.
// Responses are never written back (ctrl_respond's "can't respond to FIFO,
// as will immediately read it back"). The pipe is opened O_RDWR, same as
// glb_main.c's mkfifo/open sequence: opening for read-write never blocks
// waiting for a writer and the fd never sees EOF, so the poll-timeout read
// loop below is the only way progress (or shutdown) happens.
func (c *Controller) runFIFO(ctx context.Context) {
	f, err := os.OpenFile(c.cfg.FIFOPath, os.O_RDWR, 0)
	if err != nil {
		log.Printf("⚡ control: failed to open FIFO %s: %v", c.cfg.FIFOPath, err)
		return
	}
	defer f.Close()

	c.readFIFOLines(ctx, f)
}

// readFIFOLines reads and dispatches lines from f until ctx is cancelled or
// a non-timeout read error occurs. It buffers partial lines itself across
// SetReadDeadline timeouts rather than driving a bufio.Scanner directly off
// f: a read that times out returns (0, os.ErrDeadlineExceeded), and
// retrying the read must not lose bytes already accumulated toward the
// current line.
func (c *Controller) readFIFOLines(ctx context.Context, f *os.File) {
	var buf []byte
	tmp := make([]byte, 4096)

	for {
		if ctx.Err() != nil {
			return
		}
		f.SetReadDeadline(time.Now().Add(pollTimeout))

		n, err := f.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				i := bytes.IndexByte(buf, '\n')
				if i < 0 {
					break
				}
				c.dispatch(string(buf[:i])) // response discarded
				buf = buf[i+1:]
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			log.Printf("⚡ control: FIFO read failed: %v", err)
			return
		}
	}
}

// dispatch implements ctrl_handle_request: trim trailing whitespace/
// punctuation, recognize getinfo/getstat, else treat the line as a
// destination mutation spec.
func (c *Controller) dispatch(line string) string {
	req := trimRequest(line)
	if req == "" {
		return "Error\n"
	}

	lower := strings.ToLower(req)
	switch {
	case strings.HasPrefix(lower, "getinfo"):
		return c.handleGetInfo()
	case c.pool != nil && strings.HasPrefix(lower, "getstat"):
		return c.handleGetStat()
	default:
		return c.handleMutation(req)
	}
}

// trimRequest strips trailing characters that are neither alphanumeric nor
// punctuation, matching glb_control.c's isalnum/ispunct trailing trim.
func trimRequest(s string) string {
	i := len(s)
	for i > 0 {
		r := rune(s[i-1])
		if isAlnumOrPunct(r) {
			break
		}
		i--
	}
	return s[:i]
}

func isAlnumOrPunct(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		return true
	case strings.ContainsRune("!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~", r):
		return true
	}
	return false
}
