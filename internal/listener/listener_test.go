package listener

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/searchktools/connbalance/internal/addr"
	"github.com/searchktools/connbalance/internal/pool"
	"github.com/searchktools/connbalance/internal/router"
)

func echoServer(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				conn.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
}

func testRouter(t *testing.T, dstPort int, async bool) *router.Router {
	t.Helper()
	r := router.New(router.Config{Policy: router.PolicyRound, Interval: time.Second})
	dst, err := addr.NewSockAddr("127.0.0.1", uint16(dstPort))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.ChangeDst(addr.Destination{Addr: dst, Weight: 1}, nil); err != nil {
		t.Fatal(err)
	}
	return r
}

func runEchoRoundTrip(t *testing.T, async bool) {
	dstLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer dstLn.Close()
	echoServer(t, dstLn)

	r := testRouter(t, dstLn.Addr().(*net.TCPAddr).Port, async)

	p, err := pool.New(pool.Config{NumWorkers: 1}, r)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	defer p.Shutdown()

	l, err := New(Config{Addr: "127.0.0.1:0", Async: async, NoDelay: true}, r, p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	client, err := net.Dial("tcp", l.ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	msg := []byte("ping through the listener\n")
	if _, err := client.Write(msg); err != nil {
		t.Fatal(err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(msg))
	total := 0
	for total < len(buf) {
		n, err := client.Read(buf[total:])
		total += n
		if err != nil {
			t.Fatalf("echo read: %v", err)
		}
	}
	if string(buf) != string(msg) {
		t.Errorf("echo mismatch: got %q, want %q", buf, msg)
	}
}

func TestListenerAsyncEchoRoundTrip(t *testing.T) {
	runEchoRoundTrip(t, true)
}

func TestListenerSyncEchoRoundTrip(t *testing.T) {
	runEchoRoundTrip(t, false)
}

func TestListenerHostDownClosesClient(t *testing.T) {
	r := router.New(router.Config{Policy: router.PolicyRound, Interval: time.Second})
	// No destinations registered: every connect attempt sees EHOSTDOWN.

	p, err := pool.New(pool.Config{NumWorkers: 1}, r)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	defer p.Shutdown()

	l, err := New(Config{Addr: "127.0.0.1:0", Async: true, NoDelay: true}, r, p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	client, err := net.Dial("tcp", l.ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Errorf("expected client connection to be closed when no destination is available")
	}
}
