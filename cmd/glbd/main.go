// Command glbd runs one connbalance instance: it loads configuration,
// wires up the balancer, and blocks until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"log"

	"github.com/searchktools/connbalance/app"
	"github.com/searchktools/connbalance/config"
	"github.com/searchktools/connbalance/core/pools"
)

func main() {
	configFile := flag.String("config", "", `path to a JSON config file, e.g. {"balancer": {"listen_addr": "..."}}`)
	flag.Parse()

	// glbd proxies many long-lived, low-churn connections rather than
	// short bursty requests, so it trades GC frequency for throughput the
	// same way the teacher's HTTP server does under load.
	pools.ApplyGCConfig(pools.DefaultGCConfig())

	mgr := config.NewManager()
	cfg := config.Defaults()

	if *configFile != "" {
		if err := mgr.LoadFromJSON(*configFile); err != nil {
			log.Fatalf("⚡ glbd: %v", err)
		}
	}
	mgr.LoadFromEnv("GLBD")

	if err := mgr.Unmarshal("balancer", &cfg); err != nil {
		log.Fatalf("⚡ glbd: %v", err)
	}

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("⚡ glbd: %v", err)
	}

	if err := a.Run(context.Background()); err != nil {
		log.Fatalf("⚡ glbd: %v", err)
	}
}
