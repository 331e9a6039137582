package watchdog

import "context"

// DummyBackend reports every destination READY with a constant latency,
// same as the original's example backend (glb_wdog_backend.c) — useful for
// tests and for deployments that rely solely on connect-failure marking
// rather than active probing.
type DummyBackend struct{}

type dummyProber struct{}

func (DummyBackend) Start(host string, port uint16) (Prober, error) {
	return dummyProber{}, nil
}

func (dummyProber) Check(ctx context.Context) (CheckResult, error) {
	return CheckResult{State: StateReady, Latency: 1.0, Ready: true}, nil
}

func (dummyProber) Close() error { return nil }
