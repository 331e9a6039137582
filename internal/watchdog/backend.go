// Package watchdog implements the per-destination prober threads and the
// supervisor that reconciles their results into the Router and Pool
// (spec.md §4.4).
package watchdog

import (
	"context"
	"fmt"
)

// DstState mirrors glb_dst_state_t: the four states a destination check can
// report.
type DstState int

const (
	StateNotFound DstState = iota // destination not reachable (probably dead)
	StateNotReady                 // destination not ready to accept connections
	StateAvoid                    // destination better be avoided (overloaded/blocked)
	StateReady                    // destination fully functional
)

func (s DstState) String() string {
	switch s {
	case StateNotFound:
		return "NOTFOUND"
	case StateNotReady:
		return "NOTREADY"
	case StateAvoid:
		return "AVOID"
	case StateReady:
		return "READY"
	default:
		return fmt.Sprintf("DstState(%d)", int(s))
	}
}

// CheckResult is one probe's outcome (spec.md §3 "Prober context.result").
type CheckResult struct {
	State   DstState
	Latency float64 // seconds
	Others  []string
	Ready   bool
}

// Backend starts a Prober watching one destination. Implementations:
// DummyBackend (always READY) and ExecBackend (spawns a script and speaks
// the poll/quit line protocol, spec.md §6 "Prober script protocol").
type Backend interface {
	Start(host string, port uint16) (Prober, error)
}

// Prober runs one destination's checks. Check is called at most once at a
// time by its owning destWatch goroutine.
type Prober interface {
	Check(ctx context.Context) (CheckResult, error)
	Close() error
}
