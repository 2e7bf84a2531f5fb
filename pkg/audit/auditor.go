// Package audit provides audit logging for the OAuth broker.
package audit

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dhirmadi/mwapserver-sub005/pkg/auth"
)

// LevelAudit is a custom audit log level - between Info and Warn
const LevelAudit = slog.Level(2)

// NewAuditLogger creates a new structured audit logger that writes to the specified writer.
func NewAuditLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: LevelAudit,
	})

	return slog.New(handler)
}

// Auditor handles audit logging for HTTP requests.
type Auditor struct {
	component   string
	auditLogger *slog.Logger
}

// NewAuditor creates a new Auditor writing events to w. A nil writer defaults
// to stdout; an empty component defaults to ComponentOAuthBroker.
func NewAuditor(component string, w io.Writer) *Auditor {
	if component == "" {
		component = ComponentOAuthBroker
	}
	return &Auditor{
		component:   component,
		auditLogger: NewAuditLogger(w),
	}
}

// Logger exposes the underlying audit logger so handlers can emit their own
// domain events (callback success, token refresh) through the same sink.
func (a *Auditor) Logger() *slog.Logger {
	return a.auditLogger
}

// responseWriter wraps http.ResponseWriter to capture the response status.
// Bodies are never captured; responses on this surface can carry redirect
// URLs derived from token flows.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// Middleware creates an HTTP middleware that logs one audit event per request.
func (a *Auditor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rw, r)

		a.logAuditEvent(r, rw, time.Since(startTime))
	})
}

// logAuditEvent creates and logs an audit event for the HTTP request.
func (a *Auditor) logAuditEvent(r *http.Request, rw *responseWriter, duration time.Duration) {
	eventType := determineEventType(r)
	outcome := determineOutcome(rw.statusCode)
	source := extractSource(r)
	subjects := extractSubjects(r)

	event := NewAuditEvent(eventType, source, outcome, subjects, a.component)

	event.WithTarget(map[string]string{
		TargetKeyEndpoint: r.URL.Path,
		TargetKeyMethod:   r.Method,
		TargetKeyType:     "endpoint",
	})

	event.Metadata.Extra = map[string]any{
		"duration": duration.Milliseconds(),
		"status":   rw.statusCode,
	}

	event.LogTo(r.Context(), a.auditLogger, LevelAudit)
}

// determineEventType maps a request path to the stable event name for the route.
func determineEventType(r *http.Request) string {
	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/oauth/callback"):
		return EventOAuthCallbackRouteAccess
	case strings.HasSuffix(path, "/initiate"):
		return EventOAuthInitiateAttempt
	case strings.HasSuffix(path, "/refresh"):
		return EventOAuthRefreshAttempt
	case strings.HasSuffix(path, "/reset"):
		return EventOAuthFlowReset
	default:
		return EventTypeHTTPRequest
	}
}

// determineOutcome determines the outcome based on the HTTP status code.
func determineOutcome(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 400:
		return OutcomeSuccess
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return OutcomeDenied
	case statusCode >= 400 && statusCode < 500:
		return OutcomeFailure
	case statusCode >= 500:
		return OutcomeError
	default:
		return OutcomeSuccess
	}
}

// extractSource extracts source information from the HTTP request.
func extractSource(r *http.Request) EventSource {
	source := EventSource{
		Type:  SourceTypeNetwork,
		Value: ClientIP(r),
		Extra: make(map[string]any),
	}

	if userAgent := r.Header.Get("User-Agent"); userAgent != "" {
		source.Extra["user_agent"] = userAgent
	}

	if requestID := r.Header.Get("X-Request-ID"); requestID != "" {
		source.Extra["request_id"] = requestID
	}

	return source
}

// ClientIP extracts the client IP address from the request.
func ClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP in the list
		if ips := strings.Split(xff, ","); len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}

	return r.RemoteAddr
}

// extractSubjects extracts subject information from the HTTP request.
func extractSubjects(r *http.Request) map[string]string {
	subjects := make(map[string]string)

	if claims, ok := auth.GetClaimsFromContext(r.Context()); ok {
		if sub, ok := claims["sub"].(string); ok && sub != "" {
			subjects[SubjectKeyUserID] = sub
		}

		if name, ok := claims["name"].(string); ok && name != "" {
			subjects[SubjectKeyUser] = name
		} else if email, ok := claims["email"].(string); ok && email != "" {
			subjects[SubjectKeyUser] = email
		}
	}

	if subjects[SubjectKeyUser] == "" {
		subjects[SubjectKeyUser] = "anonymous"
	}

	return subjects
}
