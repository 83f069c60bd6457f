// Package circuitbreaker guards the peer dispatch path and, per account,
// the reserve path when the reconciler finds ledger drift.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker open")
	ErrTooManyHalfOpen = errors.New("too many probes in half-open state")
)

// Counts tracks the rolling window of outcomes.
type Counts struct {
	Requests             uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) clear() { *c = Counts{} }

// Config tunes one breaker.
type Config struct {
	Name string
	// MaxProbes bounds concurrent requests while half-open.
	MaxProbes uint32
	// Interval clears the closed-state counts; Timeout is how long the
	// breaker stays open before probing.
	Interval time.Duration
	Timeout  time.Duration
	// TripAfter is the consecutive-failure threshold in closed state.
	TripAfter uint32
}

func defaultConfig(name string) Config {
	return Config{
		Name:      name,
		MaxProbes: 3,
		Interval:  60 * time.Second,
		Timeout:   30 * time.Second,
		TripAfter: 5,
	}
}

// Breaker is a single circuit breaker.
type Breaker struct {
	cfg Config
	log zerolog.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	forced     bool // operator-tripped; only Reset clears
}

func New(cfg Config, log zerolog.Logger) *Breaker {
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 5
	}
	return &Breaker{cfg: cfg, log: log.With().Str("breaker", cfg.Name).Logger()}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(time.Now())
	return s
}

// Allow reports whether a request may proceed. The returned done callback
// must be invoked with the outcome; it is nil when the request is refused.
func (b *Breaker) Allow() (func(success bool), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)
	if state == StateOpen {
		return nil, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return nil, ErrTooManyHalfOpen
	}
	b.counts.Requests++

	return func(success bool) {
		b.mu.Lock()
		defer b.mu.Unlock()
		now := time.Now()
		state, current := b.currentState(now)
		if generation != current {
			return
		}
		if success {
			b.onSuccess(state, now)
		} else {
			b.onFailure(state, now)
		}
	}, nil
}

// ForceOpen trips the breaker until Reset. Used when the reconciler finds
// drift beyond policy for an account.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = true
	b.setState(StateOpen, time.Now())
}

// Reset closes a forced-open breaker. Operator action.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = false
	b.setState(StateClosed, time.Now())
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	b.counts.ConsecutiveSuccesses++
	b.counts.ConsecutiveFailures = 0
	if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.MaxProbes {
		b.setState(StateClosed, now)
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.cfg.TripAfter {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if !b.forced && b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	from := b.state
	b.state = state
	b.newGeneration(now)
	b.log.Warn().
		Str("from", from.String()).
		Str("to", state.String()).
		Msg("circuit state change")
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts.clear()
	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		if b.forced {
			b.expiry = now.Add(100 * 365 * 24 * time.Hour)
		} else {
			b.expiry = now.Add(b.cfg.Timeout)
		}
	default:
		b.expiry = time.Time{}
	}
}

// Manager hands out named breakers, one per peer or account.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	log      zerolog.Logger
}

func NewManager(log zerolog.Logger) *Manager {
	return &Manager{breakers: make(map[string]*Breaker), log: log}
}

// Get returns the breaker for name, creating it with defaults on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b := New(defaultConfig(name), m.log)
	m.breakers[name] = b
	return b
}
