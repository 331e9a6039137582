// Package router implements the policy engine that maintains the
// destination set, folds weight/latency/health into a selection map, and
// picks one destination per incoming connection under five policies, with
// failover on connect failure.
package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/searchktools/connbalance/internal/addr"
)

// ErrHostDown is returned when no healthy destination is available.
var ErrHostDown = errors.New("router: no healthy destination (EHOSTDOWN)")

// ErrMaxConn is returned when the configured connection ceiling is reached.
var ErrMaxConn = errors.New("router: connection limit reached (EMFILE)")

// ErrNotFound is returned by ChangeDst when asked to remove a destination
// that isn't in the router's list.
var ErrNotFound = errors.New("router: destination not found")

var zeroTime time.Time

// dblEpsilon mirrors the original's GLB_DBL_EPSILON (2*DBL_EPSILON) used as
// a minimal positive weight floor and as the top-selection tie-break
// factor's margin.
const dblEpsilon = 4.440892098500626e-16

// Prober is the narrow callback the Router uses for on-demand "extra poll"
// checks (spec §4.1 "Extra poll") and is implemented by the watchdog. A
// Router built without one (ExtraInterval == 0) never calls it.
type Prober interface {
	Probe(ctx context.Context, ref any, deadline time.Time) bool
}

// Config configures a Router at construction time. It is an explicit value
// rather than process-wide global state (§9 "Global singletons").
type Config struct {
	Policy         Policy
	Top            bool          // restrict balancing to the top weight tier
	MaxConn        int           // 0 means unlimited
	Interval       time.Duration // watchdog probe interval, used to derive retry window
	ExtraInterval  time.Duration // 0 disables synchronous extra-poll
	Prober         Prober
	DialTimeout    time.Duration // used by ConnectSync
}

// dstRecord is one destination's router-owned bookkeeping.
type dstRecord struct {
	dst      addr.Destination
	probeRef any
	usage    float64 // weight / (conns+1)
	mapv     float64 // cumulative map position in [0,1]; the last healthy entry is 1.0
	checked  time.Time
	failed   time.Time
	conns    int64
}

// decisionCtx is recomputed before every selection (spec §3).
type decisionCtx struct {
	now       time.Time
	retry     time.Duration
	minWeight float64
}

// Router is the single-owner, mutex-guarded destination set and selection
// engine described in spec.md §4.1.
type Router struct {
	cfg Config

	mu         sync.Mutex
	free       *sync.Cond
	dst        []*dstRecord
	topDst     *dstRecord
	rrbNext    int
	conns      int64
	busyCount  int
	waitCount  int
	rng        *rand.Rand
	policy     Policy
	selector   policySelector
	ctx        decisionCtx
	topFailed  time.Time
	mapFailed  time.Time
}

// New creates an empty Router. Destinations are added via ChangeDst.
func New(cfg Config) *Router {
	r := &Router{
		cfg:      cfg,
		policy:   cfg.Policy,
		selector: newSelector(cfg.Policy),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	r.free = sync.NewCond(&r.mu)
	return r
}

// SetProber wires the on-demand "extra poll" callback (spec.md §4.1) after
// construction: the Watchdog that implements it needs a live *Router to
// build, so it can't be supplied through Config up front.
func (r *Router) SetProber(p Prober) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Prober = p
}

func (r *Router) retryInterval() time.Duration {
	// ceil(interval seconds) + 1, per spec §4.1.
	secs := math.Ceil(r.cfg.Interval.Seconds())
	return time.Duration(secs)*time.Second + time.Second
}

func (r *Router) dstIsGoodBase(d *dstRecord, now time.Time, retry time.Duration) bool {
	return now.Sub(d.failed) > retry
}

func (r *Router) dstIsGood(d *dstRecord, minWeight float64) bool {
	return d.dst.Weight >= minWeight && r.dstIsGoodBase(d, r.ctx.now, r.ctx.retry)
}

func (r *Router) topDstIsGood() bool {
	d := r.topDst
	return d != nil && d.dst.Weight >= dblEpsilon &&
		r.dstIsGoodBase(d, r.ctx.now, r.ctx.retry)
}

func (r *Router) minWeight() float64 {
	if r.topDstIsGood() {
		return r.topDst.dst.Weight
	}
	return dblEpsilon
}

// updateCtx recomputes the decision context. Must be called with mu held.
func (r *Router) updateCtx() {
	r.ctx.now = time.Now()
	r.ctx.retry = r.retryInterval()
	r.ctx.minWeight = r.minWeight()
}

// redoTop iterates all destinations, tracking the highest weight among
// those healthy, with a 1+ε tie-break so equal weights don't churn topDst.
func (r *Router) redoTop() {
	const factor = 1.0 + dblEpsilon
	topWeight := r.ctx.minWeight * factor

	for _, d := range r.dst {
		if r.dstIsGood(d, topWeight) {
			r.topDst = d
			r.ctx.minWeight = d.dst.Weight
			topWeight = r.ctx.minWeight * factor
		}
	}
}

// redoMap rebuilds the cumulative-weight map used by RANDOM/SOURCE.
func (r *Router) redoMap() {
	total := 0.0
	for _, d := range r.dst {
		if r.dstIsGood(d, r.ctx.minWeight) {
			total += d.dst.Weight
			d.mapv = d.dst.Weight
		} else {
			d.mapv = 0.0
		}
	}

	if total == 0.0 {
		return
	}

	m := 0.0
	for _, d := range r.dst {
		d.mapv = d.mapv/total + m
		m = d.mapv
	}
}

func dstUsage(d *dstRecord) float64 {
	return d.dst.Weight / float64(d.conns+1)
}

// ChangeDst adds, updates, or removes a destination. Weight < 0 requests
// removal; if the destination doesn't exist and weight >= 0 it is appended;
// otherwise its weight is updated. Mutation that adds or removes a
// destination blocks until no caller holds a reference across an unlocked
// region (busyCount == 0). Every effective change then re-derives the top
// destination (in top mode and under SINGLE) and the map (under RANDOM and
// SOURCE). Returns the index of the affected destination, or an error.
func (r *Router) ChangeDst(dst addr.Destination, probeRef any) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, d := r.find(dst.Addr)

	if d == nil && dst.Remove() {
		return -1, ErrNotFound
	}

	if d == nil || dst.Remove() {
		for r.busyCount > 0 {
			r.waitCount++
			r.free.Wait()
			r.waitCount--
		}
	}

	switch {
	case d == nil: // add
		rec := &dstRecord{
			dst:      dst,
			probeRef: probeRef,
			checked:  time.Now(),
		}
		rec.usage = dstUsage(rec)
		r.dst = append(r.dst, rec)
		r.topDst = nil
		idx = len(r.dst) - 1

	case dst.Remove(): // remove
		r.conns -= d.conns
		last := len(r.dst) - 1
		if idx < last {
			r.dst[idx] = r.dst[last]
		}
		r.dst = r.dst[:last]
		r.topDst = nil
		if len(r.dst) > 0 {
			r.rrbNext = r.rrbNext % len(r.dst)
		} else {
			r.rrbNext = 0
		}

	case d.dst.Weight != dst.Weight: // update
		d.dst.Weight = dst.Weight
		if dst.Weight >= 0 {
			d.failed = zeroTime
		}
		d.usage = dstUsage(d)

	default:
		// Ineffective change: same weight, nothing to do.
		if r.waitCount > 0 {
			r.free.Signal()
		}
		return idx, nil
	}

	r.updateCtx()
	if r.cfg.Top || r.policy == PolicySingle {
		r.redoTop()
	}
	if r.policy.usesMap() {
		r.redoMap()
	}

	if r.waitCount > 0 {
		r.free.Signal()
	}
	return idx, nil
}

func (r *Router) find(a addr.SockAddr) (int, *dstRecord) {
	for i, d := range r.dst {
		if d.dst.Addr.Equal(a) {
			return i, d
		}
	}
	return -1, nil
}

// dstCheckExtra runs the configured extra-poll check, if any. It must be
// called with mu held; it unlocks around the (potentially blocking) probe
// callback using the busy_count protocol.
func (r *Router) dstCheckExtra(d *dstRecord) bool {
	if r.cfg.ExtraInterval == 0 || d.probeRef == nil {
		return true
	}
	if time.Since(d.checked) < r.cfg.ExtraInterval {
		return true
	}
	if r.cfg.Prober == nil {
		return true
	}

	r.busyCount++
	r.mu.Unlock()
	ready := r.cfg.Prober.Probe(context.Background(), d.probeRef, time.Now().Add(time.Second))
	r.mu.Lock()
	r.busyCount--
	if r.busyCount == 0 && r.waitCount > 0 {
		r.free.Signal()
	}

	if ready {
		d.checked = time.Now()
	} else {
		d.failed = time.Now()
	}
	return ready
}

// choose runs the policy dispatch and, on success, accounts the new
// connection. Must be called with mu held.
func (r *Router) choose(hint uint32) *dstRecord {
	r.updateCtx()

	if (r.cfg.Top || r.policy == PolicySingle) && !r.topFailed.IsZero() && r.ctx.now.Sub(r.topFailed) > r.ctx.retry {
		r.redoTop()
		r.topFailed = zeroTime
	}

	d := r.selector.choose(r, hint)
	if d != nil {
		d.conns++
		r.conns++
		d.usage = dstUsage(d)
	}
	return d
}

// ChooseDst picks one destination for a new connection given the client
// hint (FNV-1a of the client address, used by SOURCE; ignored by the
// others). Returns ErrHostDown if no healthy destination exists, or
// ErrMaxConn if the configured ceiling would be exceeded.
func (r *Router) ChooseDst(hint uint32) (addr.SockAddr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.MaxConn > 0 && int(r.conns) >= r.cfg.MaxConn {
		return addr.SockAddr{}, ErrMaxConn
	}

	d := r.choose(hint)
	if d == nil {
		return addr.SockAddr{}, ErrHostDown
	}
	return d.dst.Addr, nil
}

// markFailed marks a destination's failure timestamp and, if it was
// participating in balancing, schedules top/map replay. Must be called
// with mu held.
func (r *Router) markFailed(d *dstRecord) {
	r.ctx.now = time.Now()
	r.ctx.retry = r.retryInterval()

	wasGood := r.dstIsGood(d, r.ctx.minWeight)
	d.failed = r.ctx.now

	if wasGood {
		if d == r.topDst {
			r.ctx.minWeight = dblEpsilon
			r.redoTop()
			r.topFailed = d.failed
		}
		if r.policy.usesMap() {
			r.redoMap()
			r.mapFailed = d.failed
		}
	}
}

// ChooseDstAgain atomically marks currentAddr failed (decrementing its
// conns) and chooses a replacement. Per §9 Open Question (c), it does not
// re-validate MaxConn.
func (r *Router) ChooseDstAgain(hint uint32, current addr.SockAddr) (addr.SockAddr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, d := r.find(current); d != nil {
		d.conns--
		r.conns--
		d.usage = dstUsage(d)
		r.markFailed(d)
	}

	d := r.choose(hint)
	if d == nil {
		return addr.SockAddr{}, ErrHostDown
	}
	return d.dst.Addr, nil
}

// Disconnect decrements the connection count on the matching destination.
// If failed is true the destination is also marked failed (affecting
// selection for the retry window); a clean client-driven close passes
// failed=false.
func (r *Router) Disconnect(a addr.SockAddr, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, d := r.find(a)
	if d == nil {
		return
	}

	d.conns--
	if d.conns < 0 {
		d.conns = 0
	}
	r.conns--
	if r.conns < 0 {
		r.conns = 0
	}
	d.usage = dstUsage(d)

	if failed {
		r.markFailed(d)
	}
}

// ConnectSync implements synchronous-mode Connect: dial the chosen
// destination, retrying across the destination list on failure until one
// succeeds or the list is exhausted (spec §4.1 "connect"). On a connect
// failure mid-loop the destination is marked failed and conns is undone so
// a later caller doesn't see a phantom connection.
func (r *Router) ConnectSync(ctx context.Context, hint uint32) (net.Conn, addr.SockAddr, error) {
	r.mu.Lock()
	if r.cfg.MaxConn > 0 && int(r.conns) >= r.cfg.MaxConn {
		r.mu.Unlock()
		return nil, addr.SockAddr{}, ErrMaxConn
	}
	r.busyCount++

	for {
		d := r.choose(hint)
		if d == nil {
			r.busyCount--
			if r.busyCount == 0 && r.waitCount > 0 {
				r.free.Signal()
			}
			r.mu.Unlock()
			return nil, addr.SockAddr{}, ErrHostDown
		}
		chosen := d.dst.Addr
		r.mu.Unlock()

		dialer := net.Dialer{Timeout: r.cfg.DialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", chosen.TCPAddr().String())

		r.mu.Lock()
		if err == nil {
			r.busyCount--
			if r.busyCount == 0 && r.waitCount > 0 {
				r.free.Signal()
			}
			r.mu.Unlock()
			return conn, chosen, nil
		}

		d.conns--
		r.conns--
		d.usage = dstUsage(d)
		r.markFailed(d)
		// loop again with the same hint; the next choose() call will skip
		// this now-failed destination.
	}
}

// Snapshot is a read-only view of one destination for getinfo/tests.
type Snapshot struct {
	Addr   addr.SockAddr
	Weight float64
	Usage  float64
	Map    float64
	Conns  int64
	Failed bool
}

// Status returns a point-in-time snapshot of the router state.
func (r *Router) Status() (dsts []Snapshot, totalConns int64, topAddr *addr.SockAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for _, d := range r.dst {
		dsts = append(dsts, Snapshot{
			Addr:   d.dst.Addr,
			Weight: d.dst.Weight,
			Usage:  d.usage,
			Map:    d.mapv,
			Conns:  d.conns,
			Failed: now.Sub(d.failed) <= r.ctx.retry && !d.failed.IsZero(),
		})
	}
	if r.topDst != nil {
		a := r.topDst.dst.Addr
		topAddr = &a
	}
	return dsts, r.conns, topAddr
}

func (d Snapshot) String() string {
	return fmt.Sprintf("%s weight=%.3f usage=%.3f map=%.3f conns=%d failed=%v",
		d.Addr, d.Weight, d.Usage, d.Map, d.Conns, d.Failed)
}
