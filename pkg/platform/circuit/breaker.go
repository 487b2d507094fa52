// Package circuit provides a two-state circuit breaker for routing around a
// failing dependency.
package circuit

import "sync"

type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// Breaker opens after FailureThreshold consecutive failures and closes
// again after SuccessThreshold consecutive successes while open.
type Breaker struct {
	mu               sync.Mutex
	name             string
	state            State
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	onChange         func(name string, to State)
}

type Option func(*Breaker)

// WithFailureThreshold defaults to 5.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithSuccessThreshold defaults to 3.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// WithOnStateChange registers fn to run after every transition. fn runs
// outside the breaker's lock.
func WithOnStateChange(fn func(name string, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: 5,
		successThreshold: 3,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RecordFailure reports whether callers should now use their fallback.
func (b *Breaker) RecordFailure() (useFallback bool) {
	b.mu.Lock()
	b.failures++
	b.successes = 0
	opened := b.state == StateClosed && b.failures >= b.failureThreshold
	if opened {
		b.state = StateOpen
	}
	useFallback = b.state == StateOpen
	b.mu.Unlock()

	if opened {
		b.notify(StateOpen)
	}
	return useFallback
}

// RecordSuccess reports whether callers may use the primary result.
func (b *Breaker) RecordSuccess() (usePrimary bool) {
	b.mu.Lock()
	if b.state == StateClosed {
		b.failures = 0
		b.mu.Unlock()
		return true
	}
	b.successes++
	closed := b.successes >= b.successThreshold
	if closed {
		b.state = StateClosed
		b.failures = 0
		b.successes = 0
	}
	b.mu.Unlock()

	if closed {
		b.notify(StateClosed)
	}
	return closed
}

func (b *Breaker) notify(to State) {
	if b.onChange != nil {
		b.onChange(b.name, to)
	}
}
