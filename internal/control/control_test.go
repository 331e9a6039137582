package control

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/searchktools/connbalance/internal/pool"
	"github.com/searchktools/connbalance/internal/router"
)

func newTestController(t *testing.T) (*Controller, *router.Router) {
	t.Helper()
	r := router.New(router.Config{Policy: router.PolicyRound, Interval: time.Second})
	p, err := pool.New(pool.Config{NumWorkers: 1}, r)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	t.Cleanup(p.Shutdown)

	c, err := New(Config{TCPAddr: "127.0.0.1:0", DefaultPort: 80}, r, p, nil)
	if err != nil {
		t.Fatalf("control.New: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	return c, r
}

func dialControl(t *testing.T, c *Controller) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", c.Addr().String())
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendLine(t *testing.T, conn net.Conn, line string) string {
	t.Helper()
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp
}

func TestControlAddDestinationThenGetInfo(t *testing.T) {
	c, _ := newTestController(t)
	conn := dialControl(t, c)

	resp := sendLine(t, conn, "127.0.0.1:6000:2.5")
	if resp != "Ok\n" {
		t.Fatalf("expected Ok, got %q", resp)
	}

	conn2 := dialControl(t, c)
	if _, err := conn2.Write([]byte("getinfo\n")); err != nil {
		t.Fatal(err)
	}
	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn2.Read(buf)
	if err != nil {
		t.Fatalf("read getinfo response: %v", err)
	}
	out := string(buf[:n])
	if !strings.Contains(out, "127.0.0.1:6000") {
		t.Errorf("expected getinfo output to mention the added destination, got %q", out)
	}
}

func TestControlGetStat(t *testing.T) {
	c, _ := newTestController(t)
	conn := dialControl(t, c)

	resp := sendLine(t, conn, "getstat")
	if !strings.Contains(resp, "in:") {
		t.Errorf("expected a stats line, got %q", resp)
	}
}

func TestControlMalformedMutationReturnsError(t *testing.T) {
	c, _ := newTestController(t)
	conn := dialControl(t, c)

	resp := sendLine(t, conn, "not a valid destination spec")
	if resp != "Error\n" {
		t.Errorf("expected Error, got %q", resp)
	}
}

func TestControlRemoveUnknownDestinationReturnsError(t *testing.T) {
	c, _ := newTestController(t)
	conn := dialControl(t, c)

	resp := sendLine(t, conn, "10.0.0.9:7000:-1")
	if resp != "Error\n" {
		t.Errorf("expected Error removing an unknown destination from the router, got %q", resp)
	}
}

func TestTrimRequest(t *testing.T) {
	cases := map[string]string{
		"getinfo\r\n":  "getinfo",
		"getinfo   ":   "getinfo",
		"getstat":      "getstat",
		"a.b.c.d:80:1": "a.b.c.d:80:1",
	}
	for in, want := range cases {
		if got := trimRequest(in); got != want {
			t.Errorf("trimRequest(%q) = %q, want %q", in, got, want)
		}
	}
}
