// Package api contains the HTTP surface of the OAuth broker: the public
// callback and popup pages, the authenticated flow operations, and the
// super-admin security introspection routes.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	v1 "github.com/dhirmadi/mwapserver-sub005/pkg/api/v1"
	"github.com/dhirmadi/mwapserver-sub005/pkg/audit"
	"github.com/dhirmadi/mwapserver-sub005/pkg/auth"
	"github.com/dhirmadi/mwapserver-sub005/pkg/crypto/aes"
	"github.com/dhirmadi/mwapserver-sub005/pkg/integration"
	"github.com/dhirmadi/mwapserver-sub005/pkg/logger"
	"github.com/dhirmadi/mwapserver-sub005/pkg/security"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// Deps carries the assembled dependencies of the HTTP surface. The caller
// owns their lifecycles; Serve only wires them into routes.
type Deps struct {
	// Address is the TCP listen address.
	Address string

	Store     integration.Store
	Cipher    *aes.Cipher
	Client    v1.ProtocolClient
	Validator *security.Validator
	Monitor   *security.Monitor
	Auditor   *audit.Auditor

	// TokenMiddleware authenticates platform users on the protected routes.
	TokenMiddleware func(http.Handler) http.Handler
	// Verifier answers tenant ownership for the owner guard.
	Verifier auth.TenantVerifier

	// CallbackLimiter rate limits the public callback route. Nil disables
	// limiting (tests).
	CallbackLimiter *rate.Limiter

	// StateTTL bounds flow contexts created at initiation.
	StateTTL time.Duration
}

// headersMiddleware defaults API responses to JSON. The callback answers with
// redirects and the popup pages with HTML; both set their own headers.
func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") && !strings.HasSuffix(r.URL.Path, "/oauth/callback") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// Router assembles the broker's routes. Split out of Serve so handler tests
// can exercise the full middleware stack without a listener.
func Router(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(middlewareTimeout),
		headersMiddleware,
	)
	r.Use(deps.Auditor.Middleware)

	oauthRouter := v1.OAuthRouter(v1.OAuthDeps{
		Store:           deps.Store,
		Cipher:          deps.Cipher,
		Client:          deps.Client,
		Validator:       deps.Validator,
		Monitor:         deps.Monitor,
		Auditor:         deps.Auditor,
		TokenMiddleware: deps.TokenMiddleware,
		Verifier:        deps.Verifier,
		CallbackLimiter: deps.CallbackLimiter,
		StateTTL:        deps.StateTTL,
	})

	routers := map[string]http.Handler{
		"/health":       v1.HealthRouter(deps.Store),
		"/api/v1/oauth": oauthRouter,
		// The error and success redirects point at root-level pages so the
		// popup flow works without a separate frontend.
		"/oauth": v1.PagesRouter(),
	}
	for prefix, router := range routers {
		r.Mount(prefix, router)
	}

	return r
}

// Serve starts the broker API on deps.Address and blocks until ctx is
// cancelled, then shuts the server down gracefully. It is assumed that the
// caller sets up appropriate signal handling.
func Serve(ctx context.Context, deps Deps) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              deps.Address,
		Handler:           Router(deps),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listener, err := net.Listen("tcp", deps.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", deps.Address, err)
	}

	logger.Infow("starting HTTP server", "address", deps.Address)

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Panicf("server stopped with error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Infow("HTTP server stopped")
	return nil
}
