// Package usage implements the usage/rate governor (spec §4.13, component
// 15): before Builder spawns a worker, the usage cache (populated by an
// out-of-scope external probe) is consulted so the daemon never spawns
// into a session that is already at its rate quota.
//
// Gated spawning is the same shape as the systematic-failure detector
// ([[systematic]]), so this wires the same sony/gobreaker primitive: the
// breaker trips open once usage crosses the threshold and resets once a
// fresh cache read reports usage back under it.
package usage

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/rjwalters/loom/internal/paths"
	"github.com/rjwalters/loom/internal/store"
)

// DefaultThreshold is the default rate_limit_threshold (spec §4.13,
// LOOM_RATE_LIMIT_THRESHOLD isn't itself in the env table, but
// rate_limit_threshold's default of 99 is named directly in spec §4.13).
const DefaultThreshold = 99

// Cache is the usage-cache.json document written by the external probe.
type Cache struct {
	SessionUsagePercent float64   `json:"session_usage_percent"`
	WeeklyUsagePercent  float64   `json:"weekly_usage_percent"`
	SessionResetAt      time.Time `json:"session_reset_at"`
	WeeklyResetAt       time.Time `json:"weekly_reset_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ErrRateLimited is returned by Gate when usage is at or above threshold.
type ErrRateLimited struct {
	Percent   float64
	Threshold float64
}

func (e ErrRateLimited) Error() string {
	return "usage at rate limit threshold"
}

// Governor consults the usage cache and gates worker spawns.
type Governor struct {
	root      paths.Root
	threshold float64
	breaker   *gobreaker.CircuitBreaker
}

// New returns a Governor rooted at root with the given threshold (percent,
// 0-100).
func New(root paths.Root, threshold float64) *Governor {
	g := &Governor{root: root, threshold: threshold}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "usage-governor",
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	})
	return g
}

// Read loads the current usage cache; a missing or unparseable cache reads
// as all-zero (the safe default under spec §4.1, which Gate treats as
// "not rate limited"). The cache's age (UpdatedAt) is not checked.
func (g *Governor) Read() Cache {
	var c Cache
	_ = store.Read(g.root.UsageCache(), &c)
	return c
}

// Gate reports whether a worker spawn should proceed. It reads the cache on
// every call and decides from that reading alone; the outcome is also
// reported to the breaker, whose state does not change Gate's result.
func (g *Governor) Gate() (bool, error) {
	c := g.Read()
	if c.SessionUsagePercent >= g.threshold {
		_, _ = g.breaker.Execute(func() (interface{}, error) {
			return nil, ErrRateLimited{Percent: c.SessionUsagePercent, Threshold: g.threshold}
		})
		return false, ErrRateLimited{Percent: c.SessionUsagePercent, Threshold: g.threshold}
	}
	_, _ = g.breaker.Execute(func() (interface{}, error) { return nil, nil })
	return true, nil
}

// PercentConsumed reports the session usage percent for the snapshot's
// `usage` section (spec §4.5).
func (g *Governor) PercentConsumed() float64 {
	return g.Read().SessionUsagePercent
}
