package control

import (
	"fmt"
	"strings"

	"github.com/searchktools/connbalance/internal/addr"
)

// borrowBuilder and returnBuilder recycle the *strings.Builder used to
// assemble getinfo responses through c.builders, avoiding a fresh
// allocation on every control request the same way c.bufs recycles the
// TCP write buffer.
func (c *Controller) borrowBuilder() *strings.Builder {
	b := c.builders.Get().(*strings.Builder)
	b.Reset()
	return b
}

func (c *Controller) returnBuilder(b *strings.Builder) {
	c.builders.Put(b)
}

// handleGetInfo implements glb_router_print_info: a free-form, multi-line
// table of every destination's weight/usage/map/conns.
func (c *Controller) handleGetInfo() string {
	dsts, totalConns, topAddr := c.router.Status()

	b := c.borrowBuilder()

	fmt.Fprintf(b, "Router: %d destination(s), %d connection(s)\n", len(dsts), totalConns)
	if topAddr != nil {
		fmt.Fprintf(b, "top: %s\n", topAddr)
	}
	for _, d := range dsts {
		fmt.Fprintf(b, "%s\n", d)
	}

	// Copy out before recycling b: strings.Builder.String() aliases b's
	// backing array, and returnBuilder lets a later caller overwrite it.
	out := strings.Clone(b.String())
	c.returnBuilder(b)
	return out
}

// handleGetStat implements glb_pool_print_stats: the accumulated pool
// counters since the last getstat, merged across workers and reset.
func (c *Controller) handleGetStat() string {
	stats := c.pool.Stats()
	return stats.String() + "\n"
}

// handleMutation implements ctrl_handle_request's change-destination
// branch: parse the line as a destination spec and apply it through the
// Watchdog (if present, explicit add/remove/update) or directly through
// the Router.
func (c *Controller) handleMutation(req string) string {
	dst, err := addr.ParseDestination(req, c.cfg.DefaultPort)
	if err != nil {
		return "Error\n"
	}

	if c.watchdog != nil {
		if err := c.watchdog.ChangeDestination(dst); err != nil {
			return "Error\n"
		}
	} else {
		if _, err := c.router.ChangeDst(dst, nil); err != nil {
			return "Error\n"
		}
	}

	if c.pool != nil && dst.Remove() && c.watchdog != nil {
		// Destination already removed from the router. The Watchdog's
		// removeLocked has already dropped its pool connections if it had
		// installed the destination in the router; this call drops any that
		// remain. A removal applied directly to the Router (no Watchdog)
		// does not drop the destination's existing connections here.
		c.pool.DropDst(dst.Addr)
	}

	return "Ok\n"
}
