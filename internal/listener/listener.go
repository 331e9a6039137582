// Package listener implements the single accept loop described in
// spec.md §4.3: for each accepted client it asks the Router for a
// destination (synchronously dialed or left for the Pool to connect
// asynchronously) and hands both ends to the Pool.
package listener

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/searchktools/connbalance/internal/addr"
	"github.com/searchktools/connbalance/internal/pool"
	"github.com/searchktools/connbalance/internal/router"
)

// Config configures a Listener.
type Config struct {
	Addr string // host:port to listen on

	// Async selects the connect mode: true lets the Pool worker drive
	// connect() to completion (spec §4.2 SERVER_INCOMPLETE); false dials
	// synchronously here, retrying across destinations before handing a
	// live server socket to the Pool (spec §4.1 "connect").
	Async bool

	NoDelay bool // TCP_NODELAY on the accepted client socket
}

// Listener is the single goroutine blocking on Accept.
type Listener struct {
	ln     net.Listener
	router *router.Router
	pool   *pool.Pool
	cfg    Config
}

// New binds cfg.Addr and returns a Listener ready to Run.
func New(cfg Config, r *router.Router, p *pool.Pool) (*Listener, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, router: r, pool: p, cfg: cfg}, nil
}

// Close stops the accept loop by closing the listening socket.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Run blocks, accepting connections until ctx is cancelled or the
// listening socket is closed. Accept errors are paced with exponential
// backoff rather than the original's fixed 100ms sleep, to avoid a busy
// loop under sustained EMFILE/ENFILE without needlessly throttling a
// listener that's otherwise healthy.
func (l *Listener) Run(ctx context.Context) error {
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 10 * time.Millisecond
	boff.MaxInterval = time.Second

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("⚡ listener: accept failed: %v", err)
			time.Sleep(boff.NextBackOff())
			continue
		}
		boff.Reset()
		go l.handle(ctx, conn)
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if ok && l.cfg.NoDelay {
		_ = tcp.SetNoDelay(true) // best effort, matches glb_socket_setopt's ignored error
	}

	clientAddr, ok := addr.FromTCPAddr(conn.RemoteAddr().(*net.TCPAddr))
	if !ok {
		log.Printf("⚡ listener: non-IPv4 client address %s", conn.RemoteAddr())
		conn.Close()
		return
	}
	hint := clientAddr.Hash()

	var dstAddr addr.SockAddr
	var serverConn net.Conn
	var err error

	if l.cfg.Async {
		dstAddr, err = l.router.ChooseDst(hint)
	} else {
		serverConn, dstAddr, err = l.router.ConnectSync(ctx, hint)
	}
	if err != nil {
		if !errors.Is(err, router.ErrMaxConn) {
			log.Printf("⚡ listener: failed to connect to destination: %v", err)
		}
		conn.Close()
		return
	}

	if err := l.pool.AddConn(conn, clientAddr, dstAddr, serverConn); err != nil {
		log.Printf("⚡ listener: failed to add connection to pool: %v", err)
		if serverConn != nil {
			serverConn.Close()
		}
		l.router.Disconnect(dstAddr, false)
		conn.Close()
		return
	}
}
