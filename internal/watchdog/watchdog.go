package watchdog

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/searchktools/connbalance/internal/addr"
	"github.com/searchktools/connbalance/internal/pool"
	"github.com/searchktools/connbalance/internal/router"
)

// weightTolerance is the 10% threshold below which a weight change is not
// propagated to the Router (spec.md §4.4 step 3).
const weightTolerance = 0.10

// Config configures a Watchdog supervisor.
type Config struct {
	Backend Backend

	Interval      time.Duration // per-destination probe interval
	SuperInterval time.Duration // supervisor tick; defaults to Interval*1.1

	// LatencyFactor is the smoothing sample count L (spec.md §9 Open
	// Question (a)): L == 0 disables latency-based weight adjustment
	// entirely, acting as both a smoothing factor and a feature flag.
	LatencyFactor int

	Discover    bool   // cluster-membership auto-discovery
	DefaultPort uint16 // default port for destinations parsed without one
}

// Watchdog is the supervisor described in spec.md §4.4: one goroutine that
// reconciles per-destination prober results into the Router and Pool.
type Watchdog struct {
	cfg    Config
	router *router.Router
	pool   *pool.Pool

	mu   sync.Mutex
	dsts map[addr.SockAddr]*destWatch

	done chan struct{}
}

// New creates a Watchdog. Call AddDestination for any statically configured
// destinations, then Run to start the supervisor loop.
func New(cfg Config, r *router.Router, p *pool.Pool) *Watchdog {
	if cfg.SuperInterval == 0 {
		cfg.SuperInterval = time.Duration(float64(cfg.Interval) * 1.1)
	}
	return &Watchdog{
		cfg:    cfg,
		router: r,
		pool:   p,
		dsts:   make(map[addr.SockAddr]*destWatch),
		done:   make(chan struct{}),
	}
}

// Probe implements router.Prober: ref is the *destWatch captured as the
// destination's probeRef when it was installed in the Router.
func (w *Watchdog) Probe(ctx context.Context, ref any, deadline time.Time) bool {
	d, ok := ref.(*destWatch)
	if !ok {
		return false
	}
	return d.Probe(ctx, deadline)
}

// AddDestination explicitly adds (or updates) a destination — never
// auto-removed (spec.md §3 "explicit = true iff added by the Control
// plane").
func (w *Watchdog) AddDestination(dst addr.Destination) {
	w.changeDst(dst, true)
}

// RemoveDestination explicitly removes a destination.
func (w *Watchdog) RemoveDestination(a addr.SockAddr) {
	w.changeDst(addr.Destination{Addr: a, Weight: -1}, true)
}

// ChangeDestination applies a Control-plane destination mutation: add,
// update, or remove depending on dst.Remove(), always explicit (spec.md
// §4.5's "delegated to Watchdog ... as explicit add/remove/update").
// Returns router.ErrNotFound if dst requests removal of a destination the
// Watchdog doesn't know about.
func (w *Watchdog) ChangeDestination(dst addr.Destination) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if dst.Remove() {
		if _, exists := w.dsts[dst.Addr]; !exists {
			return router.ErrNotFound
		}
	}
	w.changeDstLocked(dst, true)
	return nil
}

// changeDst implements wdog_change_dst: add, update, or remove a watched
// destination. explicit=false is used for cluster-membership discovery.
func (w *Watchdog) changeDst(dst addr.Destination, explicit bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.changeDstLocked(dst, explicit)
}

// changeDstLocked is changeDst's body; callers that already hold w.mu (tick,
// processMembership) must use this instead to avoid relocking.
func (w *Watchdog) changeDstLocked(dst addr.Destination, explicit bool) {
	d, exists := w.dsts[dst.Addr]

	switch {
	case !exists && dst.Remove():
		log.Printf("⚡ watchdog: remove request for unknown destination %s", dst.Addr)

	case !exists:
		nd := newDestWatch(dst, explicit, w.cfg.Backend, w.cfg.Interval)
		w.dsts[dst.Addr] = nd
		go nd.run()

	case dst.Remove():
		if explicit || !d.explicit {
			w.removeLocked(dst.Addr, d)
		}
		// else: not our destination to remove, no-op (matches the
		// original's "no right to remove" branch).

	default:
		d.failCount = 0
		if explicit {
			d.explicit = true
			d.dst.Weight = dst.Weight
		} else if !d.explicit {
			d.dst.Weight = dst.Weight
		}
	}
}

// removeLocked stops a destWatch and unregisters it from the Router/Pool.
// Must be called with w.mu held.
func (w *Watchdog) removeLocked(a addr.SockAddr, d *destWatch) {
	delete(w.dsts, a)
	d.stop()
	if d.routerWeight >= 0 {
		w.router.ChangeDst(addr.Destination{Addr: a, Weight: -1}, d)
		w.pool.DropDst(a)
	}
}

// Run is the supervisor loop: one tick every SuperInterval, collecting and
// reconciling prober results (spec.md §4.4).
func (w *Watchdog) Run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.SuperInterval)
	defer ticker.Stop()

	w.tick()

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Watchdog) shutdown() {
	w.mu.Lock()
	dsts := make([]*destWatch, 0, len(w.dsts))
	for _, d := range w.dsts {
		dsts = append(dsts, d)
	}
	w.dsts = make(map[addr.SockAddr]*destWatch)
	w.mu.Unlock()

	for _, d := range dsts {
		d.stop()
	}
}

// tick implements wdog_collect_results: copy each destination's latest
// result, smooth latency, derive a new weight, and propagate material
// changes to the Router/Pool.
func (w *Watchdog) tick() {
	w.mu.Lock()
	defer w.mu.Unlock()

	dsts := make([]*destWatch, 0, len(w.dsts))
	for _, d := range w.dsts {
		dsts = append(dsts, d)
	}

	maxLat := 0.0
	type tickEntry struct {
		d      *destWatch
		result CheckResult
		ready  bool
	}
	entries := make([]tickEntry, 0, len(dsts))

	for _, d := range dsts {
		res, ready := d.snapshot()
		if ready && res.State == StateReady {
			d.mu.Lock()
			d.latency = (res.Latency + d.latency*float64(w.cfg.LatencyFactor)) / float64(w.cfg.LatencyFactor+1)
			lat := d.latency
			d.mu.Unlock()
			if lat > maxLat {
				maxLat = lat
			}
		}
		entries = append(entries, tickEntry{d, res, ready})
	}

	var membSource *destWatch
	var membOthers []string

	for _, e := range entries {
		d := e.d
		var newWeight float64

		if e.ready {
			newWeight = w.resultWeight(d, e.result, maxLat)

			if w.cfg.Discover && membSource == nil && e.result.State == StateReady && len(e.result.Others) > 0 {
				membSource = d
				membOthers = e.result.Others
			}

			if e.result.State == StateNotFound {
				d.failCount++
				if !d.explicit && d.failCount > maxFailCount {
					log.Printf("⚡ watchdog: %s exceeded %d consecutive NOTFOUND, removing", d.dst.Addr, maxFailCount)
					w.removeLocked(d.dst.Addr, d)
					continue
				}
			}
		} else {
			// haven't heard from the prober this tick: put dest on hold.
			if d.routerWeight >= 0.0 {
				newWeight = 0.0
			} else {
				newWeight = d.routerWeight
			}
		}

		if newWeight != d.routerWeight &&
			(newWeight <= 0.0 || math.Abs(d.routerWeight/newWeight-1.0) > weightTolerance) {
			_, err := w.router.ChangeDst(addr.Destination{Addr: d.dst.Addr, Weight: newWeight}, d)
			if err != nil {
				log.Printf("⚡ watchdog: change_dst for %s failed: %v", d.dst.Addr, err)
				continue
			}
			if newWeight < 0.0 {
				w.pool.DropDst(d.dst.Addr)
			}
			d.routerWeight = newWeight
		}
	}

	if membSource != nil {
		w.processMembership(membOthers)
	}
}

// resultWeight implements wdog_result_weight.
func (w *Watchdog) resultWeight(d *destWatch, res CheckResult, maxLat float64) float64 {
	switch res.State {
	case StateNotFound, StateNotReady:
		return -1.0
	case StateAvoid:
		return 0.0
	case StateReady:
		if maxLat > 0 && w.cfg.LatencyFactor > 0 {
			d.mu.Lock()
			lat := d.latency
			d.mu.Unlock()
			if lat > 0 {
				return d.dst.Weight * maxLat / lat
			}
		}
		return d.dst.Weight
	default:
		return 0.0
	}
}

// processMembership implements wdog_process_membership_change: every
// member reported by the first READY, membership-bearing destination is
// added (or updated) as a non-explicit destination. Called from tick with
// w.mu already held.
func (w *Watchdog) processMembership(others []string) {
	for _, m := range others {
		dst, err := addr.ParseDestination(m, w.cfg.DefaultPort)
		if err != nil {
			log.Printf("⚡ watchdog: failed to parse membership entry %q: %v", m, err)
			continue
		}
		w.changeDstLocked(dst, false)
	}
}

// Wait blocks until Run's goroutine has returned (Run was cancelled and
// finished its shutdown sweep).
func (w *Watchdog) Wait() {
	<-w.done
}
