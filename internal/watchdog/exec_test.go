package watchdog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// newTestExecScript writes a small shell script that sleeps before
// answering each poll, so the round trip has a measurable, predictable
// latency, and exits cleanly on "quit" like a well-behaved prober script
// (spec.md §6).
func newTestExecScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "probe.sh")
	script := "#!/bin/sh\n" +
		"while read -r line; do\n" +
		"  case \"$line\" in\n" +
		"    quit) exit 0 ;;\n" +
		"  esac\n" +
		"  sleep 0.05\n" +
		"  echo 3\n" +
		"done\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing test probe script: %v", err)
	}
	return path
}

// TestExecProberCheckMeasuresLatency verifies that Check times the full
// poll/response round trip into CheckResult.Latency, matching
// glb_wdog_exec.c's glb_time_seconds(r.timestamp - start) — the only
// production backend's latency feeds watchdog.go's EMA smoothing
// (spec.md §4.4/§9 Open Question (a)), so a prober that never measures it
// silently disables that feature.
func TestExecProberCheckMeasuresLatency(t *testing.T) {
	backend := ExecBackend{Command: newTestExecScript(t)}
	prober, err := backend.Start("127.0.0.1", 9999)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer prober.Close()

	res, err := prober.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.State != StateReady {
		t.Errorf("expected StateReady, got %v", res.State)
	}

	const wantMin = 40 * time.Millisecond // script sleeps 50ms; allow scheduling slack
	if res.Latency < wantMin.Seconds() {
		t.Errorf("expected Latency >= %v (script sleeps 50ms), got %v seconds", wantMin, res.Latency)
	}
}
