// Package systematic implements the systematic-failure detector (spec
// §4.7, component 9): when a run of recent failures all share one error
// class, further spawning backs off behind an exponentially growing
// cooldown rather than burning through the same failure repeatedly.
//
// The detector's active/cooldown/probe shape is the same state machine
// sony/gobreaker already implements for circuit breakers (closed ~ no
// active pattern, open ~ cooldown, half-open ~ probing); rjwalters/loom
// wires gobreaker.TwoStepCircuitBreaker directly instead of hand-rolling
// the same transition table, the way zulandar-gastown's doctor package
// wires a single well-known state machine per concern rather than ad hoc
// flags.
package systematic

import (
	"time"

	"github.com/sony/gobreaker"
)

// Threshold is the number of trailing non-excluded failures examined.
const Threshold = 3

// BaseCooldown is the default cooldown duration applied when a pattern is
// first detected.
const BaseCooldown = 1800 * time.Second

// excluded error classes never contribute to pattern detection — they
// describe environment problems, not issue problems (spec §7).
var excludedClasses = map[string]bool{
	"mcp_infrastructure_failure":  true,
	"auth_infrastructure_failure": true,
}

// Failure is one entry from DaemonState's recent_failures window.
type Failure struct {
	ErrorClass string
	ForceMode  bool
}

// State is the persisted SystematicFailure document (spec §3).
type State struct {
	Active       bool      `json:"active"`
	Pattern      string    `json:"pattern"`
	Count        int       `json:"count"`
	DetectedAt   time.Time `json:"detected_at"`
	CooldownUntil time.Time `json:"cooldown_until"`
	ProbeCount   int       `json:"probe_count"`
}

// Detector tracks the active-pattern/cooldown/probe transitions described
// in spec §4.7 by driving a gobreaker.TwoStepCircuitBreaker: each Evaluate
// call reports the trailing window's outcome through Allow()/done the way
// any gobreaker-wrapped call would, so the breaker's own state (closed ~ no
// pattern, open ~ cooldown) is the authority for Active rather than a
// hand-rolled parallel flag. The breaker is rebuilt on each ProbeStarted
// call since gobreaker's Timeout is fixed at construction and the
// escalating cooldown (base * 2^probe_count) needs a new one every probe.
type Detector struct {
	breaker *gobreaker.TwoStepCircuitBreaker
	state   State
}

func newBreaker(timeout time.Duration) *gobreaker.TwoStepCircuitBreaker {
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "systematic-failure",
		MaxRequests: 1,
		Timeout:     timeout,
		// Evaluate reports a failure only when the trailing Threshold
		// failures already share one class, so a single report trips.
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	})
}

// New returns a Detector seeded from a previously persisted State (the zero
// State is a valid "no active pattern" starting point).
func New(seed State) *Detector {
	return &Detector{state: seed, breaker: newBreaker(BaseCooldown)}
}

// Evaluate examines the trailing window (already capped at 20 by the
// caller per DaemonState's invariant), reports it to the breaker, and
// updates the active pattern accordingly. It returns the resulting State to
// persist.
func (d *Detector) Evaluate(window []Failure, now time.Time) State {
	var relevant []Failure
	for _, f := range window {
		if f.ForceMode || excludedClasses[f.ErrorClass] {
			continue
		}
		relevant = append(relevant, f)
	}

	matched := false
	class := ""
	if len(relevant) >= Threshold {
		tail := relevant[len(relevant)-Threshold:]
		class = tail[0].ErrorClass
		matched = true
		for _, f := range tail[1:] {
			if f.ErrorClass != class {
				matched = false
				break
			}
		}
	}

	done, allowErr := d.breaker.Allow()
	if allowErr != nil {
		// breaker already open: an active pattern's cooldown is in force.
		return d.state
	}
	done(!matched)

	if !matched {
		if d.state.Active && d.breaker.State() == gobreaker.StateClosed {
			// the breaker reset on a non-matching tail; clear our mirror too.
			d.state = State{}
		}
		return d.state
	}

	if d.state.Active && d.state.Pattern == class {
		return d.state // already tracking this pattern
	}

	d.state = State{
		Active:        d.breaker.State() == gobreaker.StateOpen,
		Pattern:       class,
		Count:         Threshold,
		DetectedAt:    now,
		CooldownUntil: now.Add(BaseCooldown),
		ProbeCount:    0,
	}
	return d.state
}

// ProbeStarted records a probe attempt against an active pattern,
// extending the cooldown exponentially (base * 2^probe_count) per spec
// §4.7, and rebuilds the breaker with the new timeout.
func (d *Detector) ProbeStarted(now time.Time) State {
	d.state.ProbeCount++
	factor := 1 << uint(d.state.ProbeCount)
	cooldown := BaseCooldown * time.Duration(factor)
	d.state.CooldownUntil = now.Add(cooldown)
	d.breaker = newBreaker(cooldown)
	return d.state
}

// Clear resets the detector, per spec §4.7's `clear` and the stall
// escalation level-3 action (spec §4.10).
func (d *Detector) Clear() State {
	d.state = State{}
	d.breaker = newBreaker(BaseCooldown)
	return d.state
}

// InCooldown reports whether an active pattern's cooldown has not yet
// elapsed at "now".
func (d *Detector) InCooldown(now time.Time) bool {
	return d.state.Active && now.Before(d.state.CooldownUntil)
}

// Current returns the detector's current snapshot.
func (d *Detector) Current() State { return d.state }
