package router

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/searchktools/connbalance/internal/addr"
)

func mustAddr(t *testing.T, host string, port uint16) addr.SockAddr {
	t.Helper()
	a, err := addr.NewSockAddr(host, port)
	if err != nil {
		t.Fatalf("NewSockAddr(%s): %v", host, err)
	}
	return a
}

func newTestRouter(t *testing.T, policy Policy, weights map[string]float64) (*Router, map[string]addr.SockAddr) {
	t.Helper()
	r := New(Config{Policy: policy, Interval: 100 * time.Millisecond})
	addrs := make(map[string]addr.SockAddr, len(weights))
	// Stable insertion order for deterministic round-robin.
	for _, name := range []string{"A", "B", "C"} {
		w, ok := weights[name]
		if !ok {
			continue
		}
		a := mustAddr(t, "10.0.0."+string(rune('1'+len(addrs))), 3306)
		addrs[name] = a
		if _, err := r.ChangeDst(addr.Destination{Addr: a, Weight: w}, nil); err != nil {
			t.Fatalf("ChangeDst(%s): %v", name, err)
		}
	}
	return r, addrs
}

// Scenario 1: round-robin over [A:1, B:1, C:1] visits each in turn.
func TestRoundRobin(t *testing.T) {
	r, a := newTestRouter(t, PolicyRound, map[string]float64{"A": 1, "B": 1, "C": 1})

	want := []string{"A", "B", "C", "A", "B"}
	for i, name := range want {
		got, err := r.ChooseDst(0)
		if err != nil {
			t.Fatalf("choose %d: %v", i, err)
		}
		if got != a[name] {
			t.Errorf("choose %d: got %s, want %s (%s)", i, got, name, a[name])
		}
	}
}

// Scenario 2: source stickiness — same hint returns the same destination,
// and a hint in the upper 3/4 of the range falls on the heavier destination.
func TestSourceStickiness(t *testing.T) {
	r, a := newTestRouter(t, PolicySource, map[string]float64{"A": 1, "B": 3})

	first, err := r.ChooseDst(0x00000000)
	if err != nil {
		t.Fatalf("choose: %v", err)
	}
	second, err := r.ChooseDst(0x00000000)
	if err != nil {
		t.Fatalf("choose: %v", err)
	}
	if first != second {
		t.Errorf("same hint returned different destinations: %s vs %s", first, second)
	}

	upper, err := r.ChooseDst(0xFFFFFFF0)
	if err != nil {
		t.Fatalf("choose: %v", err)
	}
	if upper != a["B"] {
		t.Errorf("hint 0xFFFFFFF0 with weights A:1 B:3 should land on B, got %s", upper)
	}
}

// Scenario 3: failover on connect — A refuses, B accepts. First
// ConnectSync marks A failed and returns B; within the retry window only B
// is eligible; once the retry window (ceil(interval)+1s) has elapsed, A is
// eligible again.
func TestFailoverOnConnect(t *testing.T) {
	// A: a closed listener (immediately refuses).
	badLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	badAddr := badLn.Addr().(*net.TCPAddr)
	badLn.Close() // now nothing listens there -> connection refused

	goodLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer goodLn.Close()
	go func() {
		for {
			c, err := goodLn.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	goodAddr := goodLn.Addr().(*net.TCPAddr)

	r := New(Config{Policy: PolicyRound, Interval: 200 * time.Millisecond, DialTimeout: time.Second})
	a, _ := addr.NewSockAddr("127.0.0.1", uint16(badAddr.Port))
	b, _ := addr.NewSockAddr("127.0.0.1", uint16(goodAddr.Port))
	if _, err := r.ChangeDst(addr.Destination{Addr: a, Weight: 1}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ChangeDst(addr.Destination{Addr: b, Weight: 1}, nil); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	conn, got, err := r.ConnectSync(ctx, 0)
	if err != nil {
		t.Fatalf("ConnectSync: %v", err)
	}
	conn.Close()
	if got != b {
		t.Fatalf("expected failover to B, got %s", got)
	}

	// Within the retry window, only B should ever be chosen.
	for i := 0; i < 4; i++ {
		got, err := r.ChooseDst(0)
		if err != nil {
			t.Fatalf("choose %d: %v", i, err)
		}
		if got != b {
			t.Errorf("choose %d during retry window: got %s, want B", i, got)
		}
	}

	time.Sleep(r.retryInterval() + 50*time.Millisecond)

	sawA := false
	for i := 0; i < 6; i++ {
		got, err := r.ChooseDst(0)
		if err != nil {
			t.Fatalf("choose after retry window %d: %v", i, err)
		}
		if got == a {
			sawA = true
		}
	}
	if !sawA {
		t.Errorf("A should become eligible again after the retry window elapses")
	}
}

// Scenario 4: drain — weight 0 destination never receives new connections.
func TestDrain(t *testing.T) {
	r, a := newTestRouter(t, PolicyRound, map[string]float64{"A": 1, "B": 1})
	if _, err := r.ChangeDst(addr.Destination{Addr: a["A"], Weight: 0}, nil); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		got, err := r.ChooseDst(0)
		if err != nil {
			t.Fatalf("choose %d: %v", i, err)
		}
		if got == a["A"] {
			t.Errorf("choose %d: drained destination A was selected", i)
		}
	}
}

// Scenario 5: max-conn limit — third connect returns ErrMaxConn and conns
// stays at the limit.
func TestMaxConnLimit(t *testing.T) {
	r, _ := newTestRouter(t, PolicyRound, map[string]float64{"A": 1, "B": 1})
	r.cfg.MaxConn = 2

	for i := 0; i < 2; i++ {
		if _, err := r.ChooseDst(0); err != nil {
			t.Fatalf("choose %d: %v", i, err)
		}
	}

	if _, err := r.ChooseDst(0); err != ErrMaxConn {
		t.Fatalf("expected ErrMaxConn on 3rd choose, got %v", err)
	}

	_, conns, _ := r.Status()
	if conns != 2 {
		t.Errorf("conns after max-conn rejection = %d, want 2", conns)
	}
}

// Invariant: after ChangeDst(d, w<0) succeeds, ChooseDst never returns d
// until a new ChangeDst(d, w>=0) is applied.
func TestRemovedDestinationNeverChosen(t *testing.T) {
	r, a := newTestRouter(t, PolicyRound, map[string]float64{"A": 1, "B": 1})
	if _, err := r.ChangeDst(addr.Destination{Addr: a["A"], Weight: -1}, nil); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		got, err := r.ChooseDst(0)
		if err != nil {
			t.Fatalf("choose %d: %v", i, err)
		}
		if got == a["A"] {
			t.Errorf("choose %d: removed destination A was selected", i)
		}
	}
}

// Invariant: sum(dst.conns) == router.conns after a sequence of choices
// and disconnects.
func TestConnsInvariant(t *testing.T) {
	r, a := newTestRouter(t, PolicyLeast, map[string]float64{"A": 1, "B": 2})

	for i := 0; i < 6; i++ {
		if _, err := r.ChooseDst(0); err != nil {
			t.Fatalf("choose %d: %v", i, err)
		}
	}
	r.Disconnect(a["A"], false)
	r.Disconnect(a["B"], false)

	dsts, total, _ := r.Status()
	var sum int64
	for _, d := range dsts {
		sum += d.Conns
	}
	if sum != total {
		t.Errorf("sum(dst.conns)=%d != router.conns=%d", sum, total)
	}
}

func TestRemoveUnknownDestination(t *testing.T) {
	r := New(Config{Policy: PolicyRound, Interval: time.Second})
	a, _ := addr.NewSockAddr("127.0.0.1", 3306)
	if _, err := r.ChangeDst(addr.Destination{Addr: a, Weight: -1}, nil); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
