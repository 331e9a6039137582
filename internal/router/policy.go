package router

import (
	"fmt"
	"strings"
)

// Policy names the five selection policies a Router can run. It is the
// wire-facing enum (used in config); internally each value resolves to a
// selector implementing policySelector, so dispatch never switches on the
// integer at call time (§9: "Policy dispatch... represent as a tagged
// variant and a method per variant, not a switch over an integer enum").
type Policy int

const (
	PolicyLeast Policy = iota
	PolicyRound
	PolicyRandom
	PolicySource
	PolicySingle
)

func (p Policy) String() string {
	switch p {
	case PolicyLeast:
		return "least"
	case PolicyRound:
		return "round"
	case PolicyRandom:
		return "random"
	case PolicySource:
		return "source"
	case PolicySingle:
		return "single"
	default:
		return "unknown"
	}
}

// ParsePolicy parses a policy name (case-insensitive) as accepted by the
// config file / CLI, e.g. "round", "least", "source".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "least":
		return PolicyLeast, nil
	case "round", "round-robin", "round_robin":
		return PolicyRound, nil
	case "random":
		return PolicyRandom, nil
	case "source":
		return PolicySource, nil
	case "single":
		return PolicySingle, nil
	default:
		return 0, fmt.Errorf("router: unknown policy %q", s)
	}
}

// usesMap reports whether this policy needs the cumulative-weight map
// (RANDOM and SOURCE — "policy >= RANDOM" in the original C enum ordering).
func (p Policy) usesMap() bool {
	return p == PolicyRandom || p == PolicySource
}

// policySelector picks one healthy destination given the current decision
// context and an optional caller hint. It must be called with r.mu held.
type policySelector interface {
	choose(r *Router, hint uint32) *dstRecord
}

func newSelector(p Policy) policySelector {
	switch p {
	case PolicyLeast:
		return leastSelector{}
	case PolicyRound:
		return roundSelector{}
	case PolicyRandom:
		return randomSelector{}
	case PolicySource:
		return sourceSelector{}
	case PolicySingle:
		return singleSelector{}
	default:
		return roundSelector{}
	}
}

// leastSelector scans for the healthy destination with maximum
// usage = weight/(conns+1); ties go to the first-seen destination.
type leastSelector struct{}

func (leastSelector) choose(r *Router, _ uint32) *dstRecord {
	var best *dstRecord
	maxUsage := 0.0

	for _, d := range r.dst {
		if d.usage > maxUsage && r.dstIsGood(d, r.ctx.minWeight) {
			best = d
			maxUsage = d.usage
		}
	}

	if best != nil && !r.dstCheckExtra(best) {
		best = nil
	}
	return best
}

// roundSelector advances the round-robin cursor, returning the first
// healthy destination found within one full lap.
type roundSelector struct{}

func (roundSelector) choose(r *Router, _ uint32) *dstRecord {
	n := len(r.dst)
	for offset := 0; offset < n; offset++ {
		d := r.dst[r.rrbNext]
		r.rrbNext = (r.rrbNext + 1) % n

		if r.dstIsGood(d, r.ctx.minWeight) && r.dstCheckExtra(d) {
			return d
		}
	}
	return nil
}

// singleSelector returns the current top destination iff it is healthy.
type singleSelector struct{}

func (singleSelector) choose(r *Router, _ uint32) *dstRecord {
	if r.topDstIsGood() {
		return r.topDst
	}
	return nil
}

// randomSelector draws a fresh 32-bit hint and falls through to map lookup.
type randomSelector struct{}

func (randomSelector) choose(r *Router, _ uint32) *dstRecord {
	hint := r.randomHint()
	return sourceSelector{}.choose(r, hint)
}

// sourceSelector uses the caller-supplied hint (FNV-1a of client address)
// to look the destination up in the cumulative-weight map.
type sourceSelector struct{}

func (sourceSelector) choose(r *Router, hint uint32) *dstRecord {
	if len(r.dst) == 0 {
		return nil
	}

	if r.policy.usesMap() && !r.mapFailed.IsZero() &&
		r.ctx.now.Sub(r.mapFailed) > r.ctx.retry {
		r.redoMap()
		r.mapFailed = zeroTime
	}

	// Normalize strictly below 1.0.
	const divProtect = 1.0e-09
	m := float64(hint)/4294967295.0 - divProtect

	for _, d := range r.dst {
		if m < d.mapv && r.dstCheckExtra(d) {
			return d
		}
		// If every map entry is 0 (total weight 0), we fall through and
		// return nil below.
	}
	return nil
}

// randomHint draws a 32-bit pseudo-random hint from the router's private
// source, matching the original's rand_r-based widening to the full range.
func (r *Router) randomHint() uint32 {
	v := uint32(r.rng.Int31())
	return v ^ (v << 1)
}
