// Package resilience provides the failure-window circuit breaker that
// guards transcription stream creation against provider rate-limit storms.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Allow] while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// Threshold is the number of failures within Window that trips the
	// breaker. Default: 5.
	Threshold int

	// Window is the sliding span failures are counted over. Default: 30s.
	Window time.Duration

	// CoolDown is how long the breaker stays open once tripped.
	// Default: 60s.
	CoolDown time.Duration
}

// Breaker trips when too many failures land inside a sliding window and
// fails fast until a cool-down elapses. Unlike a classic three-state
// breaker there is no half-open probe: after the cool-down the breaker
// closes and the window starts empty.
//
// Breaker is safe for concurrent use.
type Breaker struct {
	name      string
	threshold int
	window    time.Duration
	coolDown  time.Duration

	mu       sync.Mutex
	failures []time.Time
	openedAt time.Time
	open     bool
}

// NewBreaker creates a [Breaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 60 * time.Second
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		window:    cfg.Window,
		coolDown:  cfg.CoolDown,
	}
}

// Allow reports whether a new attempt may proceed. While open it returns
// [ErrCircuitOpen]; once the cool-down has elapsed the breaker closes
// automatically.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open {
		if time.Since(b.openedAt) < b.coolDown {
			return ErrCircuitOpen
		}
		b.open = false
		b.failures = b.failures[:0]
		slog.Info("circuit breaker closed after cool-down", "name", b.name)
	}
	return nil
}

// RecordFailure adds a failure to the window and trips the breaker when
// the threshold is crossed.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.failures = append(b.failures, now)
	b.prune(now)

	if !b.open && len(b.failures) >= b.threshold {
		b.open = true
		b.openedAt = now
		slog.Warn("circuit breaker opened",
			"name", b.name,
			"failures_in_window", len(b.failures),
			"cool_down", b.coolDown,
		)
	}
}

// Open reports whether the breaker is currently rejecting attempts.
func (b *Breaker) Open() bool {
	return b.Allow() != nil
}

// prune drops failures that have slid out of the window.
// Must be called with b.mu held.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}
