package pool

import (
	"net"
	"testing"
	"time"

	"github.com/searchktools/connbalance/internal/addr"
	"github.com/searchktools/connbalance/internal/router"
)

// echoServer accepts one connection and echoes everything it reads back to
// the client until EOF.
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

// dialClientPair returns a connected (client, server-accepted) TCP pair so
// the caller has a *net.TCPConn to hand to Pool.AddConn as the incoming end.
func dialClientPair(t *testing.T, ln net.Listener) (client net.Conn, accepted chan net.Conn) {
	t.Helper()
	accepted = make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- c
	}()
	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c, accepted
}

func TestPoolEchoRoundTrip(t *testing.T) {
	dstLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer dstLn.Close()
	echoServer(t, dstLn)

	frontLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer frontLn.Close()

	r := router.New(router.Config{Policy: router.PolicyRound, Interval: time.Second})
	dstAddr, err := addr.NewSockAddr("127.0.0.1", uint16(dstLn.Addr().(*net.TCPAddr).Port))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.ChangeDst(addr.Destination{Addr: dstAddr, Weight: 1}, nil); err != nil {
		t.Fatal(err)
	}

	p, err := New(Config{NumWorkers: 1}, r)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Shutdown()

	clientSide, acceptedCh := dialClientPair(t, frontLn)
	defer clientSide.Close()

	serverSideOfClient := <-acceptedCh // what the Pool will treat as the incoming conn
	clientAddr, _ := addr.FromTCPAddr(serverSideOfClient.RemoteAddr().(*net.TCPAddr))

	if err := p.AddConn(serverSideOfClient, clientAddr, dstAddr, nil); err != nil {
		t.Fatalf("AddConn: %v", err)
	}

	msg := []byte("hello through the pool\n")
	if _, err := clientSide.Write(msg); err != nil {
		t.Fatal(err)
	}

	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(msg))
	if _, err := readFull(clientSide, buf); err != nil {
		t.Fatalf("echo read: %v", err)
	}
	if string(buf) != string(msg) {
		t.Errorf("echo mismatch: got %q, want %q", buf, msg)
	}

	time.Sleep(50 * time.Millisecond) // let worker account the stats bump
	stats := p.Stats()
	if stats.ConnsOpened != 1 {
		t.Errorf("ConnsOpened = %d, want 1", stats.ConnsOpened)
	}
	if stats.RecvBytes == 0 || stats.SendBytes == 0 {
		t.Errorf("expected nonzero recv/send byte counts, got %+v", stats)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestPoolDropDst(t *testing.T) {
	dstLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer dstLn.Close()
	echoServer(t, dstLn)

	frontLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer frontLn.Close()

	r := router.New(router.Config{Policy: router.PolicyRound, Interval: time.Second})
	dstAddr, _ := addr.NewSockAddr("127.0.0.1", uint16(dstLn.Addr().(*net.TCPAddr).Port))
	if _, err := r.ChangeDst(addr.Destination{Addr: dstAddr, Weight: 1}, nil); err != nil {
		t.Fatal(err)
	}

	p, err := New(Config{NumWorkers: 2}, r)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Shutdown()

	clientSide, acceptedCh := dialClientPair(t, frontLn)
	defer clientSide.Close()
	serverSideOfClient := <-acceptedCh
	clientAddr, _ := addr.FromTCPAddr(serverSideOfClient.RemoteAddr().(*net.TCPAddr))

	if err := p.AddConn(serverSideOfClient, clientAddr, dstAddr, nil); err != nil {
		t.Fatalf("AddConn: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	p.DropDst(dstAddr)

	buf := make([]byte, 1)
	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := clientSide.Read(buf); err == nil {
		t.Errorf("expected client connection to be closed after DropDst")
	}
}
