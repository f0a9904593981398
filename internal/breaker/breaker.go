// Package breaker implements a three-state circuit breaker
// (closed/open/half-open) wrapping calls that can fail transiently —
// in this pipeline, LLM completions. It trips after a run of
// consecutive failures, refuses calls while open, and probes a single
// trial call once the recovery timeout elapses.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Call when the breaker is open and the
// recovery timeout has not yet elapsed.
var ErrOpen = errors.New("breaker: circuit is open")

// State is one of the three breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a Breaker.
type Config struct {
	FailureThreshold int           // consecutive failures before tripping open
	RecoveryTimeout  time.Duration // how long to stay open before probing
}

// Breaker guards a call with failure-count tripping and a recovery
// probe. Safe for concurrent use.
type Breaker struct {
	mu              sync.Mutex
	cfg             Config
	state           State
	consecutiveFail int
	openedAt        time.Time
}

// New builds a Breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &Breaker{cfg: cfg, state: Closed}
}

// State reports the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Call runs fn if the breaker permits it. A closed breaker always
// permits; an open breaker refuses with ErrOpen until the recovery
// timeout elapses, at which point exactly one caller is let through as
// a half-open probe. A successful call resets the breaker to closed; a
// failed probe reopens it and restarts the recovery window.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !b.allow() {
		return ErrOpen
	}

	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.state = HalfOpen
			return true
		}
		return false
	case HalfOpen:
		// A probe is already in flight; refuse concurrent probes.
		return false
	default:
		return true
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.consecutiveFail = 0
		b.state = Closed
		return
	}

	b.consecutiveFail++
	switch b.state {
	case HalfOpen:
		b.state = Open
		b.openedAt = time.Now()
	case Closed:
		if b.consecutiveFail >= b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = time.Now()
		}
	}
}
