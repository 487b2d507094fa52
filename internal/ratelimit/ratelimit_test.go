package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"clinicore/internal/identity"
	"clinicore/internal/platform/metrics"
	"clinicore/internal/platform/middleware"
	"clinicore/internal/policy"
	id "clinicore/pkg/domain"
	"clinicore/pkg/platform/circuit"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	args := m.Called(ctx, key, limit, window)
	return args.Get(0).(Result), args.Error(1)
}

func TestInMemoryStoreSlidingWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewInMemoryStore()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	for i := range 3 {
		res, err := s.Allow(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := s.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Minute, res.RetryAfter)

	other, _ := s.Allow(ctx, "other", 3, time.Minute)
	assert.True(t, other.Allowed, "keys are independent")

	now = now.Add(time.Minute + time.Second)
	res, _ = s.Allow(ctx, "k", 3, time.Minute)
	assert.True(t, res.Allowed)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, s.Prune(time.Minute))
}

func TestLimiterFallsBackWhenPrimaryFails(t *testing.T) {
	primary := new(mockStore)
	primary.On("Allow", mock.Anything, "actor:1", 1, time.Minute).Return(Result{}, errors.New("connection refused"))
	m := metrics.New(prometheus.NewRegistry())

	l := NewLimiter(primary, 1, time.Minute,
		WithFallback(NewInMemoryStore()),
		WithBreaker(circuit.New("test", circuit.WithFailureThreshold(1))),
		WithMetrics(m),
	)

	res, degraded := l.Allow(context.Background(), "actor:1")
	assert.True(t, degraded)
	assert.True(t, res.Allowed)

	res, degraded = l.Allow(context.Background(), "actor:1")
	assert.True(t, degraded)
	assert.False(t, res.Allowed, "fallback still enforces the limit")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RateLimitDegraded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimited))
	primary.AssertExpectations(t)
}

func TestLimiterStaysOnFallbackUntilBreakerCloses(t *testing.T) {
	primary := new(mockStore)
	primary.On("Allow", mock.Anything, "k", 10, time.Minute).Return(Result{}, errors.New("down")).Once()
	primary.On("Allow", mock.Anything, "k", 10, time.Minute).Return(Result{Allowed: true, Limit: 10, Remaining: 9}, nil)

	breaker := circuit.New("test", circuit.WithFailureThreshold(1), circuit.WithSuccessThreshold(2))
	l := NewLimiter(primary, 10, time.Minute, WithFallback(NewInMemoryStore()), WithBreaker(breaker))

	_, degraded := l.Allow(context.Background(), "k")
	assert.True(t, degraded)
	_, degraded = l.Allow(context.Background(), "k")
	assert.True(t, degraded, "one success does not close the breaker")
	_, degraded = l.Allow(context.Background(), "k")
	assert.False(t, degraded)
	assert.Equal(t, circuit.StateClosed, breaker.State())
}

func TestLimiterFailsOpenWithoutFallback(t *testing.T) {
	primary := new(mockStore)
	primary.On("Allow", mock.Anything, "k", 5, time.Minute).Return(Result{}, errors.New("down"))

	res, degraded := NewLimiter(primary, 5, time.Minute).Allow(context.Background(), "k")
	assert.True(t, degraded)
	assert.True(t, res.Allowed)
}

func TestMiddlewareKeysOnActor(t *testing.T) {
	l := NewLimiter(NewInMemoryStore(), 1, time.Minute)
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(actor id.UserID) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/audit", nil)
		ctx := middleware.WithActor(req.Context(), identity.Actor{ID: actor, Role: policy.RoleNurse})
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req.WithContext(ctx))
		return w
	}

	alice, bob := id.UserID(uuid.New()), id.UserID(uuid.New())

	first := call(alice)
	assert.Equal(t, http.StatusNoContent, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))

	second := call(alice)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "60", second.Header().Get("Retry-After"))
	assert.Contains(t, second.Body.String(), "rate_limited")

	assert.Equal(t, http.StatusNoContent, call(bob).Code)
}
