// Package httpapi exposes the coordinator over HTTP: run, connect, and
// stop endpoints streaming server-sent events, plus thread listing and
// management. Authorization is delegated to a scope.Resolver supplied by
// the embedding application.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agentwire/agentwire"
	"github.com/agentwire/agentwire/internal/logger"
	"github.com/agentwire/agentwire/scope"
)

// hookTimeout bounds each request hook. A hook that does not answer in
// time fails the request as a bad gateway.
const hookTimeout = 2 * time.Second

// Hooks intercept requests around the handlers. Either field may be nil.
type Hooks struct {
	// BeforeRequest runs before routing. An error or timeout rejects the
	// request with 502.
	BeforeRequest func(ctx context.Context, r *http.Request) error

	// AfterRequest runs after the handler returns, on a detached context.
	AfterRequest func(ctx context.Context, r *http.Request)
}

// Config holds router configuration.
type Config struct {
	// Resolver decides the caller's resource scope. Defaults to
	// scope.DenyAll, which rejects every request.
	Resolver scope.Resolver

	// Hooks intercept requests.
	Hooks Hooks

	// Logger for structured logging. Defaults to the global logger.
	Logger *logger.Logger
}

// router holds the API router state.
type router struct {
	coord  *agentwire.Coordinator
	config *Config
}

// NewRouter builds the HTTP handler for a coordinator.
func NewRouter(coord *agentwire.Coordinator, cfg *Config) http.Handler {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Resolver == nil {
		cfg.Resolver = scope.DenyAll
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}

	rt := &router{coord: coord, config: cfg}

	mux := http.NewServeMux()

	// Runs
	mux.HandleFunc("POST /agent/{agentId}/run", rt.handleRun)
	mux.HandleFunc("POST /agent/{agentId}/connect", rt.handleConnect)
	mux.HandleFunc("POST /agent/{agentId}/stop", rt.handleStop)

	// Threads
	mux.HandleFunc("GET /threads", rt.handleListThreads)
	mux.HandleFunc("GET /threads/{threadId}", rt.handleGetThread)
	mux.HandleFunc("DELETE /threads/{threadId}", rt.handleDeleteThread)
	mux.HandleFunc("DELETE /threads/{$}", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusBadRequest, "threadId is required")
	})

	// Discovery
	mux.HandleFunc("GET /info", rt.handleInfo)

	// Everything else is a JSON 404.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})

	return rt.withMiddleware(mux)
}

// withMiddleware wraps the handler with common middleware.
func (rt *router) withMiddleware(handler http.Handler) http.Handler {
	handler = rt.hooksMiddleware(handler)
	handler = rt.loggingMiddleware(handler)
	handler = rt.recoveryMiddleware(handler)
	return handler
}

// recoveryMiddleware recovers from panics and returns 500.
func (rt *router) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				rt.config.Logger.Error("Panic recovered",
					zap.Any("panic", err),
					zap.String("path", r.URL.Path),
				)
				writeError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request at debug level.
func (rt *router) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		rt.config.Logger.Debug("Request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// hooksMiddleware runs the request hooks with a hard timeout.
func (rt *router) hooksMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if before := rt.config.Hooks.BeforeRequest; before != nil {
			ctx, cancel := context.WithTimeout(r.Context(), hookTimeout)
			err := runHook(ctx, r, before)
			cancel()
			if err != nil {
				rt.config.Logger.WithError(err).Warn("Before-request hook failed",
					zap.String("path", r.URL.Path))
				writeError(w, http.StatusBadGateway, "Bad gateway")
				return
			}
		}

		next.ServeHTTP(w, r)

		if after := rt.config.Hooks.AfterRequest; after != nil {
			ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
			defer cancel()
			after(ctx, r)
		}
	})
}

// runHook invokes a hook and enforces the context deadline even when the
// hook ignores it.
func runHook(ctx context.Context, r *http.Request, hook func(context.Context, *http.Request) error) error {
	done := make(chan error, 1)
	go func() { done <- hook(ctx, r) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolveScope parses the client hint and asks the resolver for a
// decision. Policy rejections map to 401, other resolver failures to 500;
// both are already written to the response when ok is false.
func (rt *router) resolveScope(w http.ResponseWriter, r *http.Request) (*scope.ResourceScope, bool) {
	hint := scope.ParseClientHint(r)
	decision, err := rt.config.Resolver(r, hint)
	if err != nil {
		if errors.Is(err, scope.ErrUnauthorizedHint) || errors.Is(err, scope.ErrEmptyIntersection) {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return nil, false
		}
		rt.config.Logger.WithError(err).Error("Scope resolver failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return nil, false
	}
	if decision.Unauthorized {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return nil, false
	}
	return decision.Scope, true
}
