package app

import (
	"context"
	"testing"
	"time"

	"github.com/searchktools/connbalance/config"
)

func TestNewWiresDummyWatchdogAndNoControl(t *testing.T) {
	cfg := config.Defaults()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Destinations = []string{"127.0.0.1:9:1"}
	cfg.Control.FIFOPath = "" // Defaults() sets a FIFO path; clear it to test the no-control-plane case

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.watchdog == nil {
		t.Fatal("expected a dummy watchdog to be wired by default")
	}
	if a.control != nil {
		t.Fatal("expected no control plane without a configured TCP/FIFO address")
	}

	a.listener.Close()
	a.pool.Shutdown()
}

func TestNewWithoutWatchdogSeedsRouterDirectly(t *testing.T) {
	cfg := config.Defaults()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Watchdog.Backend = "none"
	cfg.Destinations = []string{"127.0.0.1:9:1"}

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.watchdog != nil {
		t.Fatal("expected no watchdog with backend \"none\"")
	}

	dsts, _, _ := a.Router().Status()
	if len(dsts) != 1 {
		t.Fatalf("expected 1 destination seeded directly into the router, got %d", len(dsts))
	}

	a.listener.Close()
	a.pool.Shutdown()
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := config.Defaults()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Watchdog.Backend = "none"

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
