package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/searchktools/connbalance/internal/addr"
)

const maxFailCount = 8 // spec.md §3 "fail_count > 8"

// probeReq is an on-demand check request from the Router's synchronous
// "extra poll" (spec.md §4.1), serviced by the same goroutine that runs the
// scheduled ticks so a destWatch's Prober is never touched concurrently.
type probeReq struct {
	resp chan CheckResult
}

// destWatch is one destination's prober goroutine plus the supervisor-owned
// bookkeeping the spec calls the "Watchdog destination record": current
// router weight, explicit/auto-discovered flag, and consecutive NOTFOUND
// count.
type destWatch struct {
	dst      addr.Destination
	explicit bool
	routerWeight float64 // last weight installed in the router; -1 before first install
	failCount    int

	backend  Backend
	interval time.Duration

	reqCh chan probeReq
	quit  chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	latency float64 // smoothed latency (EMA), written and read by the supervisor (tick, resultWeight)
	result  CheckResult
	ready   bool
}

func newDestWatch(dst addr.Destination, explicit bool, backend Backend, interval time.Duration) *destWatch {
	return &destWatch{
		dst:          dst,
		explicit:     explicit,
		routerWeight: -1.0,
		backend:      backend,
		interval:     interval,
		reqCh:        make(chan probeReq),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// run is the per-destination prober thread: it owns the Prober instance
// exclusively and services both its own ticker and on-demand Probe
// requests from the Router (spec.md §4.4 "Prober thread contract").
func (d *destWatch) run() {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	var prober Prober
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 100 * time.Millisecond
	boff.MaxInterval = d.interval

	ensureProber := func() bool {
		if prober != nil {
			return true
		}
		host, port := d.hostPort()
		p, err := d.backend.Start(host, port)
		if err != nil {
			time.Sleep(boff.NextBackOff())
			return false
		}
		prober = p
		boff.Reset()
		return true
	}

	check := func() CheckResult {
		if !ensureProber() {
			return CheckResult{State: StateNotFound, Ready: true}
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		res, err := prober.Check(ctx)
		cancel()
		if err != nil {
			prober.Close()
			prober = nil
			return CheckResult{State: StateNotFound, Ready: true}
		}
		d.mu.Lock()
		d.result = res
		d.ready = true
		d.mu.Unlock()
		return res
	}

	for {
		select {
		case <-d.quit:
			if prober != nil {
				prober.Close()
			}
			return
		case req := <-d.reqCh:
			req.resp <- check()
		case <-ticker.C:
			check()
		}
	}
}

func (d *destWatch) hostPort() (string, uint16) {
	ip := d.dst.Addr.IP
	host := fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
	return host, d.dst.Addr.Port
}

// Probe implements the Router's on-demand "extra poll" (spec.md §4.1):
// it asks the prober goroutine to run an immediate check and reports
// whether the destination came back READY before deadline.
func (d *destWatch) Probe(ctx context.Context, deadline time.Time) bool {
	req := probeReq{resp: make(chan CheckResult, 1)}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case d.reqCh <- req:
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}

	select {
	case res := <-req.resp:
		return res.Ready && res.State == StateReady
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// snapshot copies the latest result and clears the ready flag, mirroring
// wdog_copy_result's "copy result locally, clear its ready flag" step.
func (d *destWatch) snapshot() (CheckResult, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res := d.result
	wasReady := d.ready
	d.ready = false
	return res, wasReady
}

func (d *destWatch) stop() {
	close(d.quit)
	<-d.done
}
