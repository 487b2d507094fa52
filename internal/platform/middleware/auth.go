package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"clinicore/internal/identity"
	dErrors "clinicore/pkg/domain-errors"
	"clinicore/pkg/platform/httputil"
)

// ClaimsVerifier validates a bearer token and returns the identity claims it
// carries.
type ClaimsVerifier interface {
	Verify(token string) (identity.Claims, error)
}

type actorKey struct{}

// WithActor stores the authenticated actor on ctx.
func WithActor(ctx context.Context, a identity.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFromContext returns the actor set by RequireActor.
func ActorFromContext(ctx context.Context) (identity.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(identity.Actor)
	return a, ok && a.Valid()
}

// RequireActor rejects requests without a verifiable bearer token. Tokens
// whose claims do not form a valid actor (unknown role, malformed subject)
// are rejected the same way.
func RequireActor(verifier ClaimsVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestID(ctx)

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestID,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing or invalid Authorization header"))
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", requestID,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token"))
				return
			}

			actor, err := identity.FromClaims(claims)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid claims",
					"error", err,
					"request_id", requestID,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "token claims are not a valid identity"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(ctx, actor)))
		})
	}
}
