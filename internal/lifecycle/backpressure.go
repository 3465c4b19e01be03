package lifecycle

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"graphshell/internal/config"
	"graphshell/internal/engine"
	"graphshell/internal/graph"
)

// ErrResourceExhausted means a webview creation was refused for now.
var ErrResourceExhausted = errors.New("resource exhausted")

// State is the creation state of one node.
type State int

const (
	Idle State = iota
	InFlight
	Cooldown
	Failed
)

func (s State) String() string {
	switch s {
	case InFlight:
		return "in_flight"
	case Cooldown:
		return "cooldown"
	case Failed:
		return "failed"
	}
	return "idle"
}

type creation struct {
	state     State
	since     time.Time
	handle    engine.Handle
	until     time.Time
	attempts  int
	nextRetry time.Time
}

// BackpressureSettings bounds webview creation.
type BackpressureSettings struct {
	MaxConcurrent      int
	CreatesPerSecond   float64
	Burst              int
	ConfirmationWindow time.Duration
	CreationTimeout    time.Duration
	MaxRetries         int
	CooldownMin        time.Duration
	CooldownMax        time.Duration
}

// BackpressureSettingsFrom converts the config section.
func BackpressureSettingsFrom(c config.BackpressureConfig) BackpressureSettings {
	return BackpressureSettings{
		MaxConcurrent:      max(c.MaxConcurrent, 1),
		CreatesPerSecond:   c.CreatesPerSecond,
		Burst:              max(c.Burst, 1),
		ConfirmationWindow: config.Duration(c.ConfirmationWindow, 2*time.Second),
		CreationTimeout:    config.Duration(c.CreationTimeout, 8*time.Second),
		MaxRetries:         max(c.MaxRetries, 1),
		CooldownMin:        config.Duration(c.CooldownMin, time.Second),
		CooldownMax:        config.Duration(c.CooldownMax, 8*time.Second),
	}
}

// Backpressure is the per-node creation state machine: Idle, InFlight,
// Cooldown and Failed. At most one creation per node and MaxConcurrent
// overall are in flight.
type Backpressure struct {
	settings BackpressureSettings
	limiter  *rate.Limiter
	entries  map[graph.Key]*creation
}

func NewBackpressure(s BackpressureSettings) *Backpressure {
	limit := rate.Inf
	if s.CreatesPerSecond > 0 {
		limit = rate.Limit(s.CreatesPerSecond)
	}
	return &Backpressure{
		settings: s,
		limiter:  rate.NewLimiter(limit, max(s.Burst, 1)),
		entries:  make(map[graph.Key]*creation),
	}
}

// State returns the state of k; unknown nodes are Idle.
func (b *Backpressure) State(k graph.Key) State {
	if c, ok := b.entries[k]; ok {
		return c.state
	}
	return Idle
}

// Attempts returns the failed attempts recorded for k.
func (b *Backpressure) Attempts(k graph.Key) int {
	if c, ok := b.entries[k]; ok {
		return c.attempts
	}
	return 0
}

// InFlightCount returns the number of unconfirmed creations.
func (b *Backpressure) InFlightCount() int {
	n := 0
	for _, c := range b.entries {
		if c.state == InFlight {
			n++
		}
	}
	return n
}

func (b *Backpressure) backoff(attempts int) time.Duration {
	d := b.settings.CooldownMin
	for i := 1; i < attempts && d < b.settings.CooldownMax; i++ {
		d *= 2
	}
	return min(d, b.settings.CooldownMax)
}

// Admit reports whether a creation for k may start at now. The returned error
// wraps ErrResourceExhausted and names the reason.
func (b *Backpressure) Admit(k graph.Key, now time.Time) error {
	if c, ok := b.entries[k]; ok {
		switch c.state {
		case InFlight:
			return fmt.Errorf("%w: creation already in flight", ErrResourceExhausted)
		case Cooldown:
			if now.Before(c.until) {
				return fmt.Errorf("%w: cooldown for %s", ErrResourceExhausted, c.until.Sub(now))
			}
		case Failed:
			if now.Before(c.nextRetry) {
				return fmt.Errorf("%w: retry %d in %s", ErrResourceExhausted, c.attempts, c.nextRetry.Sub(now))
			}
		}
	}
	if b.InFlightCount() >= b.settings.MaxConcurrent {
		return fmt.Errorf("%w: %d creations in flight", ErrResourceExhausted, b.settings.MaxConcurrent)
	}
	if !b.limiter.AllowN(now, 1) {
		return fmt.Errorf("%w: creation rate limited", ErrResourceExhausted)
	}
	return nil
}

// Begin marks k InFlight on handle h.
func (b *Backpressure) Begin(k graph.Key, h engine.Handle, now time.Time) {
	c, ok := b.entries[k]
	if !ok {
		c = &creation{}
		b.entries[k] = c
	}
	c.state, c.since, c.handle = InFlight, now, h
}

// Confirm returns k to Idle once its webview is known to be alive.
func (b *Backpressure) Confirm(k graph.Key) {
	if c, ok := b.entries[k]; ok && c.state == InFlight {
		delete(b.entries, k)
	}
}

// Fail records a failed creation. Failures below the retry limit move k to
// Failed with exponential backoff; the final one moves it to Cooldown and
// reports exhausted.
func (b *Backpressure) Fail(k graph.Key, now time.Time) (exhausted bool) {
	c, ok := b.entries[k]
	if !ok {
		c = &creation{}
		b.entries[k] = c
	}
	c.attempts++
	c.handle = 0
	delay := b.backoff(c.attempts)
	if c.attempts >= b.settings.MaxRetries {
		c.state, c.until, c.attempts = Cooldown, now.Add(delay), 0
		return true
	}
	c.state, c.nextRetry = Failed, now.Add(delay)
	return false
}

// Pending is an unconfirmed creation.
type Pending struct {
	Node   graph.Key
	Handle engine.Handle
	Age    time.Duration
}

// InFlightNodes lists unconfirmed creations ordered by node key.
func (b *Backpressure) InFlightNodes(now time.Time) []Pending {
	var out []Pending
	for _, k := range slices.Sorted(maps.Keys(b.entries)) {
		c := b.entries[k]
		if c.state == InFlight {
			out = append(out, Pending{Node: k, Handle: c.handle, Age: now.Sub(c.since)})
		}
	}
	return out
}

// Remove forgets k.
func (b *Backpressure) Remove(k graph.Key) { delete(b.entries, k) }

// Clear forgets every node.
func (b *Backpressure) Clear() { clear(b.entries) }

// Len returns the number of tracked nodes.
func (b *Backpressure) Len() int { return len(b.entries) }

// Settings returns the configured bounds.
func (b *Backpressure) Settings() BackpressureSettings { return b.settings }
