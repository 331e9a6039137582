// Package app wires the balancer's components — Router, Pool, Listener,
// Watchdog and Controller — into one lifecycle type and drives the
// cooperative shutdown described in spec.md §5.
package app

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/searchktools/connbalance/config"
	"github.com/searchktools/connbalance/internal/control"
	"github.com/searchktools/connbalance/internal/listener"
	"github.com/searchktools/connbalance/internal/pool"
	"github.com/searchktools/connbalance/internal/router"
	"github.com/searchktools/connbalance/internal/watchdog"
)

// App owns every long-running component for one balancer instance.
type App struct {
	cfg config.BalancerConfig

	router   *router.Router
	pool     *pool.Pool
	listener *listener.Listener
	watchdog *watchdog.Watchdog
	control  *control.Controller
}

// Router exposes the balancer's Router for introspection (tests, an
// embedding program's own status endpoint); the Control plane talks to it
// directly rather than through App.
func (a *App) Router() *router.Router {
	return a.router
}

// New builds and wires the Router, Pool, Listener, and — when cfg asks for
// one — the Watchdog and Control plane, in the dependency order
// glb_router_create / glb_wdog_create / glb_ctrl_create follow: Router
// first (empty), then Watchdog (which needs a live Router to probe
// against), wired back into the Router via SetProber since Config.Prober
// can't be known before the Watchdog exists.
func New(cfg config.BalancerConfig) (*App, error) {
	policy, err := cfg.ParsePolicy()
	if err != nil {
		return nil, err
	}
	dsts, err := cfg.ParseDestinations()
	if err != nil {
		return nil, err
	}

	r := router.New(router.Config{
		Policy:        policy,
		Top:           cfg.Top,
		MaxConn:       cfg.MaxConn,
		Interval:      cfg.Interval,
		ExtraInterval: cfg.ExtraInterval,
		DialTimeout:   cfg.DialTimeout,
	})

	p, err := pool.New(pool.Config{
		NumWorkers: cfg.NumWorkers,
		DialOpts: pool.DialOpts{
			Keepalive: cfg.Keepalive,
			NoDelay:   cfg.NoDelay,
		},
	}, r)
	if err != nil {
		return nil, err
	}

	ln, err := listener.New(listener.Config{
		Addr:    cfg.ListenAddr,
		Async:   cfg.Async,
		NoDelay: cfg.NoDelay,
	}, r, p)
	if err != nil {
		p.Shutdown()
		return nil, err
	}

	a := &App{cfg: cfg, router: r, pool: p, listener: ln}

	// glb_router_create only seeds cnf->dst directly into the Router when
	// there's no watchdog; with one, glb_wdog_create seeds them into the
	// Watchdog instead (wdog_change_dst(..., true) per destination) and the
	// Watchdog installs them into the Router itself on its first tick.
	if cfg.Watchdog.Backend == "" || cfg.Watchdog.Backend == "none" {
		for _, d := range dsts {
			if _, err := r.ChangeDst(d, nil); err != nil {
				ln.Close()
				p.Shutdown()
				return nil, err
			}
		}
	} else {
		backend, err := newBackend(cfg.Watchdog)
		if err != nil {
			ln.Close()
			p.Shutdown()
			return nil, err
		}

		w := watchdog.New(watchdog.Config{
			Backend:       backend,
			Interval:      cfg.Interval,
			LatencyFactor: cfg.Watchdog.LatencyFactor,
			Discover:      cfg.Watchdog.Discover,
			DefaultPort:   cfg.DefaultPort,
		}, r, p)
		r.SetProber(w)
		for _, d := range dsts {
			w.AddDestination(d)
		}
		a.watchdog = w
	}

	if cfg.Control.TCPAddr != "" || cfg.Control.FIFOPath != "" {
		c, err := control.New(control.Config{
			TCPAddr:     cfg.Control.TCPAddr,
			FIFOPath:    cfg.Control.FIFOPath,
			DefaultPort: cfg.DefaultPort,
		}, r, p, a.watchdog)
		if err != nil {
			ln.Close()
			p.Shutdown()
			return nil, err
		}
		a.control = c
	}

	return a, nil
}

// Run starts every component and blocks until a shutdown signal arrives or
// ctx is cancelled, then stops them in reverse dependency order. It mirrors
// glb_main.c's signal set (HUP/INT/QUIT/TERM trigger shutdown); SIGPIPE
// needs no handler here since Go reports a write to a closed peer as an
// error return, never as a process signal, for ordinary socket writes.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var wg sync.WaitGroup

	if a.watchdog != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.watchdog.Run(ctx)
		}()
	}

	if a.control != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.control.Run(ctx)
		}()
	}

	wg.Add(1)
	var listenErr error
	go func() {
		defer wg.Done()
		listenErr = a.listener.Run(ctx)
	}()

	log.Printf("⚡ glbd: listening on %s (policy=%s)", a.cfg.ListenAddr, a.cfg.Policy)

	select {
	case sig := <-quit:
		log.Printf("⚡ glbd: signal %v received, shutting down", sig)
	case <-ctx.Done():
	}

	cancel()
	a.listener.Close()
	if a.control != nil {
		a.control.Close()
	}
	if a.watchdog != nil {
		a.watchdog.Wait()
	}
	wg.Wait()
	a.pool.Shutdown()

	return listenErr
}

func newBackend(cfg config.WatchdogConfig) (watchdog.Backend, error) {
	switch cfg.Backend {
	case "exec":
		return watchdog.ExecBackend{Command: cfg.ExecCommand}, nil
	default:
		return watchdog.DummyBackend{}, nil
	}
}
