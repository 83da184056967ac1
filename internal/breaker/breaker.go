// Package breaker implements a per-dependency circuit breaker and a registry
// that hands out one breaker per dependency name.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrOpen matches every rejection made by an open breaker.
var ErrOpen = errors.New("circuit open")

// OpenError is returned without running the operation while the circuit is open.
type OpenError struct {
	Name    string
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q open until %s", e.Name, e.RetryAt.Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrOpen) match.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// Options tunes a breaker. Zero fields take the defaults.
type Options struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	Now              func() time.Time

	// IsFailure decides which errors count against the circuit. Nil counts
	// every error except context cancellation.
	IsFailure func(error) bool
}

const (
	defaultFailureThreshold = 3
	defaultResetTimeout     = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.FailureThreshold < 1 {
		o.FailureThreshold = defaultFailureThreshold
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = defaultResetTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.IsFailure == nil {
		o.IsFailure = countsAsFailure
	}
	return o
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Breaker guards calls to one dependency.
type Breaker struct {
	name string
	opts Options

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New returns a closed breaker.
func New(name string, opts Options) *Breaker {
	return &Breaker{name: name, opts: opts.withDefaults()}
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, moving OPEN to HALF_OPEN once the reset
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLocked()
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) currentLocked() State {
	if b.state == Open && !b.opts.Now().Before(b.openedAt.Add(b.opts.ResetTimeout)) {
		b.state = HalfOpen
		b.probing = false
	}
	return b.state
}

// Execute runs fn if the circuit admits it and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentLocked() {
	case Open:
		return &OpenError{Name: b.name, RetryAt: b.openedAt.Add(b.opts.ResetTimeout)}
	case HalfOpen:
		if b.probing {
			return &OpenError{Name: b.name, RetryAt: b.opts.Now()}
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := err != nil && b.opts.IsFailure(err)
	switch b.state {
	case HalfOpen:
		b.probing = false
		if failed {
			b.tripLocked()
			return
		}
		if err == nil {
			b.state = Closed
			b.failures = 0
		}
	case Closed:
		if failed {
			b.failures++
			if b.failures >= b.opts.FailureThreshold {
				b.tripLocked()
			}
			return
		}
		if err == nil {
			b.failures = 0
		}
	}
}

func (b *Breaker) tripLocked() {
	b.state = Open
	b.openedAt = b.opts.Now()
	b.probing = false
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probing = false
	b.openedAt = time.Time{}
}
