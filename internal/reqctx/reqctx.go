// Package reqctx carries the caller identity attached by the authentication
// layer that fronts this service. Authentication and authorization are owned
// upstream (a gateway or sidecar); this package only reads the headers that
// layer is expected to set and makes them available to handlers.
package reqctx

import (
	"context"
	"net/http"
)

type contextKey string

const callerKey contextKey = "reqctx.caller"

// Caller identifies the principal a request is acting on behalf of.
type Caller struct {
	ID     string // opaque caller identifier, propagated to created_by
	Source string // e.g. "api", "cli", "console" — propagated to request_source
}

// WithCaller returns a context carrying the given Caller.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// FromContext extracts the Caller attached to ctx, if any.
func FromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey).(Caller)
	return c, ok
}

// Middleware reads X-Caller-Id and X-Caller-Source headers set by the
// upstream authentication layer and attaches them to the request context.
// A missing X-Caller-Id is not rejected here — handlers that require an
// identified caller check for it explicitly, since some routes (e.g.
// internal health checks) are legitimately anonymous.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := Caller{
			ID:     r.Header.Get("X-Caller-Id"),
			Source: r.Header.Get("X-Caller-Source"),
		}
		if caller.Source == "" {
			caller.Source = "api"
		}
		ctx := WithCaller(r.Context(), caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
