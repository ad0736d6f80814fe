// Package hierarchy implements the Hierarchy Runtime (spec §4.G):
// tiered subprocess timeouts, an agent pool, a shared context cache, and
// subprocess supervision for delegated subtasks.
//
// Grounded on the teacher's internal/agents/spawner.go for the process
// lifecycle shape (mutex-guarded bookkeeping maps, layered stop/kill,
// "[COMPONENT]" logging) generalized away from WezTerm/Windows process
// control onto plain os/exec + context.Context.
package hierarchy

import "time"

// tierCeilings holds the per-depth timeout ceiling in milliseconds,
// indexed by depth (any depth at or beyond the last entry uses it).
var tierCeilings = []time.Duration{
	60000 * time.Millisecond, // d=0 (root)
	60000 * time.Millisecond, // d=1
	30000 * time.Millisecond, // d=2
	15000 * time.Millisecond, // d=3
	10000 * time.Millisecond, // d>=4
}

// minTimeout is the floor calculateTimeout will never inherit below.
const minTimeout = 5 * time.Second

// siblingReserve is the fraction of a parent's remaining time withheld
// from an inheriting child as a conservative reserve for its siblings.
const siblingReserve = 0.10

func tierCeiling(depth int) time.Duration {
	if depth < 0 {
		depth = 0
	}
	if depth >= len(tierCeilings) {
		return tierCeilings[len(tierCeilings)-1]
	}
	return tierCeilings[depth]
}

// TimeoutOptions carries the parent's remaining budget, if known.
type TimeoutOptions struct {
	ParentRemainingTime time.Duration
	HasParentRemaining  bool
}

// TimeoutResult is calculateTimeout's outcome: the deadline to use and
// whether it was inherited from a constrained parent budget.
type TimeoutResult struct {
	Timeout   time.Duration
	Inherited bool
}

// calculateTimeout derives the subprocess timeout for a subtask at the
// given hierarchy depth (spec §4.G). When the parent's remaining time is
// supplied and tighter than this depth's tier ceiling, the child
// inherits max(minTimeout, parentRemainingTime - 10%) instead.
func calculateTimeout(depth int, opts TimeoutOptions) TimeoutResult {
	ceiling := tierCeiling(depth)
	if !opts.HasParentRemaining || opts.ParentRemainingTime >= ceiling {
		return TimeoutResult{Timeout: ceiling}
	}

	inherited := time.Duration(float64(opts.ParentRemainingTime) * (1 - siblingReserve))
	if inherited < minTimeout {
		inherited = minTimeout
	}
	return TimeoutResult{Timeout: inherited, Inherited: true}
}

// gracePeriod returns how long a subprocess is given to exit
// cooperatively after its deadline before being force-killed (spec
// §4.G).
func gracePeriod(depth int) time.Duration {
	switch {
	case depth <= 0:
		return 10 * time.Second
	case depth == 2:
		return 5 * time.Second
	default:
		return 2 * time.Second
	}
}
