package core

import (
	"fmt"
	"math"
	"time"
)

// Backoff is an exponential delay curve with a cap.
type Backoff struct {
	// Initial delay before the first restart
	Initial time.Duration

	// Max caps the delay
	Max time.Duration

	// Multiplier applied per consecutive restart in the window
	Multiplier float64
}

// Delay returns the delay before the n-th restart (1-based).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 || b.Initial <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(b.Initial) * math.Pow(mult, float64(n-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// RestartPolicy bounds how often crashed instances of a group are restarted.
// More than MaxRestarts crashes within Window fail the group.
type RestartPolicy struct {
	MaxRestarts int
	Window      time.Duration
	Backoff     Backoff
}

// DefaultRestartPolicy returns the policy used when a group does not
// configure one.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxRestarts: 5,
		Window:      time.Minute,
		Backoff: Backoff{
			Initial:    100 * time.Millisecond,
			Max:        30 * time.Second,
			Multiplier: 2,
		},
	}
}

// Validate checks the policy for obviously wrong values.
func (p RestartPolicy) Validate() error {
	if p.MaxRestarts < 0 {
		return fmt.Errorf("max restarts must not be negative: %d", p.MaxRestarts)
	}
	if p.MaxRestarts > 0 && p.Window <= 0 {
		return fmt.Errorf("restart window must be positive: %s", p.Window)
	}
	if p.Backoff.Initial < 0 || p.Backoff.Max < 0 {
		return fmt.Errorf("backoff delays must not be negative")
	}
	if p.Backoff.Max > 0 && p.Backoff.Initial > p.Backoff.Max {
		return fmt.Errorf("backoff initial %s exceeds max %s", p.Backoff.Initial, p.Backoff.Max)
	}
	return nil
}

// RestartLedger is the sliding window of restarts granted to a group. It is
// plain data; the caller supplies the time.
type RestartLedger struct {
	policy   RestartPolicy
	restarts []time.Time
	total    int
}

// NewRestartLedger creates an empty ledger for policy.
func NewRestartLedger(policy RestartPolicy) *RestartLedger {
	return &RestartLedger{policy: policy}
}

// Decision is the ledger's answer to a crash.
type Decision struct {
	// Restart is false when the budget is exhausted
	Restart bool

	// Attempt is the number of restarts in the current window, including
	// this one
	Attempt int

	// Delay before the instance is respawned
	Delay time.Duration
}

// Record registers a crash at now and decides whether a restart is granted.
func (l *RestartLedger) Record(now time.Time) Decision {
	l.prune(now)

	if len(l.restarts) >= l.policy.MaxRestarts {
		return Decision{Attempt: len(l.restarts)}
	}

	l.restarts = append(l.restarts, now)
	l.total++
	n := len(l.restarts)
	return Decision{Restart: true, Attempt: n, Delay: l.policy.Backoff.Delay(n)}
}

// InWindow returns the number of restarts inside the window ending at now.
func (l *RestartLedger) InWindow(now time.Time) int {
	l.prune(now)
	return len(l.restarts)
}

// Total returns every restart ever granted.
func (l *RestartLedger) Total() int {
	return l.total
}

// SetPolicy replaces the policy. Restarts already recorded stay in the
// window.
func (l *RestartLedger) SetPolicy(policy RestartPolicy) {
	l.policy = policy
}

// Reset forgets the window. Used on operator restart.
func (l *RestartLedger) Reset() {
	l.restarts = l.restarts[:0]
}

func (l *RestartLedger) prune(now time.Time) {
	cutoff := now.Add(-l.policy.Window)
	i := 0
	for i < len(l.restarts) && !l.restarts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.restarts = append(l.restarts[:0], l.restarts[i:]...)
	}
}
