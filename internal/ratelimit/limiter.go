package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"clinicore/internal/platform/metrics"
	"clinicore/pkg/platform/circuit"
)

// Limiter applies one limit per key. When the primary store fails it
// answers from the fallback store, and keeps doing so while the breaker is
// open. Without a fallback, a failing primary lets the request through.
type Limiter struct {
	primary  Store
	fallback Store
	breaker  *circuit.Breaker
	limit    int
	window   time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Limiter)

func WithFallback(s Store) Option {
	return func(l *Limiter) { l.fallback = s }
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(l *Limiter) { l.breaker = b }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// NewLimiter allows limit requests per window for each key.
func NewLimiter(primary Store, limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		primary: primary,
		limit:   limit,
		window:  window,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.breaker == nil {
		l.breaker = circuit.New("ratelimit")
	}
	return l
}

// Allow consumes one request for key. degraded is true when the answer did
// not come from the primary store.
func (l *Limiter) Allow(ctx context.Context, key string) (res Result, degraded bool) {
	res, err := l.primary.Allow(ctx, key, l.limit, l.window)
	if err != nil {
		l.breaker.RecordFailure()
		l.logger.WarnContext(ctx, "rate limit store failed", "error", err, "breaker", l.breaker.State().String())
		return l.degraded(ctx, key), true
	}
	if !l.breaker.RecordSuccess() {
		return l.degraded(ctx, key), true
	}
	if !res.Allowed {
		l.metrics.IncRateLimited()
	}
	return res, false
}

func (l *Limiter) degraded(ctx context.Context, key string) Result {
	l.metrics.IncRateLimitDegraded()
	if l.fallback == nil {
		return Result{Allowed: true, Limit: l.limit, Remaining: l.limit}
	}
	res, err := l.fallback.Allow(ctx, key, l.limit, l.window)
	if err != nil {
		return Result{Allowed: true, Limit: l.limit, Remaining: l.limit}
	}
	if !res.Allowed {
		l.metrics.IncRateLimited()
	}
	return res
}
