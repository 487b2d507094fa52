package ratelimit

import (
	"math"
	"net/http"
	"strconv"

	"clinicore/internal/platform/middleware"
	dErrors "clinicore/pkg/domain-errors"
	"clinicore/pkg/platform/httputil"
)

// Middleware limits authenticated callers by actor id and anonymous ones
// by client IP. It must run after RequireActor to see the actor.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := "ip:" + middleware.ClientIP(ctx)
		if actor, ok := middleware.ActorFromContext(ctx); ok {
			key = "actor:" + actor.ID.String()
		}

		res, degraded := l.Allow(ctx, key)
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.ResetAt.IsZero() {
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		}
		if degraded {
			h.Set("X-RateLimit-Status", "degraded")
		}

		if !res.Allowed {
			h.Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			httputil.WriteError(w, dErrors.New(dErrors.CodeRateLimited, "too many requests, retry later"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
