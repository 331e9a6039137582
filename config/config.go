package config

import (
	"time"

	"github.com/searchktools/connbalance/internal/addr"
	"github.com/searchktools/connbalance/internal/router"
)

// BalancerConfig is the fully-typed configuration for one connbalance
// instance. It is decoded from a Manager via Unmarshal("balancer", &cfg)
// (see manager.go), so every field is tagged for mapstructure rather than
// parsed by hand.
type BalancerConfig struct {
	ListenAddr   string   `mapstructure:"listen_addr"`
	Destinations []string `mapstructure:"destinations"`
	DefaultPort  uint16   `mapstructure:"default_port"`

	Policy        string        `mapstructure:"policy"`
	Top           bool          `mapstructure:"top"`
	MaxConn       int           `mapstructure:"max_conn"`
	Interval      time.Duration `mapstructure:"interval"`
	ExtraInterval time.Duration `mapstructure:"extra_interval"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`

	NumWorkers int  `mapstructure:"num_workers"`
	Async      bool `mapstructure:"async"`

	Keepalive bool `mapstructure:"keepalive"`
	NoDelay   bool `mapstructure:"nodelay"`

	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Control  ControlConfig  `mapstructure:"control"`
}

// WatchdogConfig configures the prober supervisor (spec.md §4.4/§6).
type WatchdogConfig struct {
	Backend       string `mapstructure:"backend"` // "dummy" or "exec"
	ExecCommand   string `mapstructure:"exec_command"`
	LatencyFactor int    `mapstructure:"latency_factor"`
	Discover      bool   `mapstructure:"discover"`
}

// ControlConfig configures the FIFO/TCP command plane (spec.md §4.5).
type ControlConfig struct {
	TCPAddr  string `mapstructure:"tcp_addr"`
	FIFOPath string `mapstructure:"fifo_path"`
}

// Defaults mirrors glb_cnf_init's GLBD defaults: one worker thread,
// KEEPALIVE/NODELAY on, LEAST policy, 1-second probe interval, and the
// conventional /tmp/glbd.fifo control pipe.
func Defaults() BalancerConfig {
	return BalancerConfig{
		ListenAddr:  "0.0.0.0:8686",
		DefaultPort: 8686,
		Policy:      "least",
		Interval:    time.Second,
		DialTimeout: 3 * time.Second,
		NumWorkers:  1,
		Keepalive:   true,
		NoDelay:     true,
		Watchdog: WatchdogConfig{
			Backend:       "dummy",
			LatencyFactor: 0,
		},
		Control: ControlConfig{
			FIFOPath: "/tmp/glbd.fifo",
		},
	}
}

// ParsePolicy resolves the configured policy name into a router.Policy.
func (c BalancerConfig) ParsePolicy() (router.Policy, error) {
	return router.ParsePolicy(c.Policy)
}

// ParseDestinations resolves the configured destination specs
// ("host[:port[:weight]]") into addr.Destination values.
func (c BalancerConfig) ParseDestinations() ([]addr.Destination, error) {
	dsts := make([]addr.Destination, 0, len(c.Destinations))
	for _, s := range c.Destinations {
		d, err := addr.ParseDestination(s, c.DefaultPort)
		if err != nil {
			return nil, err
		}
		dsts = append(dsts, d)
	}
	return dsts, nil
}
