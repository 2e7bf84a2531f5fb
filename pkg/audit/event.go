// Package audit provides audit logging for the OAuth broker. Every callback,
// initiation, refresh, and reset produces one structured event; security
// findings produce an additional high-severity event.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// AuditEvent represents an audit event.
// It provides the minimal information needed to audit an event, as well as
// a uniform format to persist the events in audit logs.
//
// It is highly recommended to use the NewAuditEvent function to create
// audit events and set the required fields.
//
//nolint:revive // AuditEvent name kept for compatibility with log consumers
type AuditEvent struct {
	Metadata EventMetadata `json:"metadata"`
	// Type: Defines the type of event that occurred, e.g. oauth.callback.success.
	Type string `json:"type"`
	// LoggedAt: when the event occurred, in UTC.
	LoggedAt time.Time `json:"loggedAt"`
	// Source: where the event came from. Normally the IP address of the
	// client. Careful what goes here; no personally identifiable
	// information beyond what correlation requires.
	Source EventSource `json:"source"`
	// Outcome: whether the event was successful, denied, or failed.
	Outcome string `json:"outcome"`
	// Subjects: the identity of the subject of the event (who triggered it).
	Subjects map[string]string `json:"subjects"`
	// Component: in which component the event occurred.
	Component string `json:"component"`
	// Target: what the operation acted on, e.g. the tenant and integration ids.
	Target map[string]string `json:"target,omitempty"`
	// Data: extra information useful for forensic analysis. Never token
	// material; error codes and derived facts only.
	Data *json.RawMessage `json:"data,omitempty"`
}

// EventMetadata contains metadata about the audit event.
type EventMetadata struct {
	// AuditID: is a unique identifier for the audit event.
	AuditID string `json:"auditId"`
	// Extra allows for including additional information about the event
	// that aids in tracking, parsing or auditing
	Extra map[string]any `json:"extra,omitempty"`
}

// EventSource represents the source of an audit event.
type EventSource struct {
	// Type indicates the source type, e.g. network or local.
	Type string `json:"type"`
	// Value indicates the source of the event, e.g. an IP address.
	Value string `json:"value"`
	// Extra allows for including additional information about the event
	// source that aids in tracking, parsing or auditing
	Extra map[string]any `json:"extra,omitempty"`
}

// NewAuditEvent returns a new AuditEvent with an appropriately set AuditID and logging time.
func NewAuditEvent(
	eventType string,
	source EventSource,
	outcome string,
	subjects map[string]string,
	component string,
) *AuditEvent {
	return &AuditEvent{
		Metadata: EventMetadata{
			AuditID: uuid.New().String(),
		},
		Type:      eventType,
		LoggedAt:  time.Now().UTC(),
		Source:    source,
		Outcome:   outcome,
		Subjects:  subjects,
		Component: component,
	}
}

// WithTarget sets the target of the event.
func (e *AuditEvent) WithTarget(target map[string]string) *AuditEvent {
	e.Target = target
	return e
}

// WithData sets the data of the event.
func (e *AuditEvent) WithData(data *json.RawMessage) *AuditEvent {
	e.Data = data
	return e
}

// WithDataFromString sets the data of the event from a string.
// Note that validating that this is properly JSON-formatted
// is the responsibility of the caller.
func (e *AuditEvent) WithDataFromString(data string) *AuditEvent {
	rawMsg := json.RawMessage(data)
	return e.WithData(&rawMsg)
}

// LogTo logs the audit event to the provided slog.Logger using the custom audit level.
func (e *AuditEvent) LogTo(ctx context.Context, logger *slog.Logger, level slog.Level) {
	attrs := []slog.Attr{
		slog.String("audit_id", e.Metadata.AuditID),
		slog.String("type", e.Type),
		slog.Time("logged_at", e.LoggedAt),
		slog.String("outcome", e.Outcome),
		slog.String("component", e.Component),
		slog.Group("source",
			slog.String("type", e.Source.Type),
			slog.String("value", e.Source.Value),
			slog.Any("extra", e.Source.Extra),
		),
		slog.Any("subjects", e.Subjects),
	}

	if e.Target != nil {
		attrs = append(attrs, slog.Any("target", e.Target))
	}

	if e.Metadata.Extra != nil {
		attrs = append(attrs, slog.Group("metadata", slog.Any("extra", e.Metadata.Extra)))
	}

	if e.Data != nil {
		attrs = append(attrs, slog.Any("data", e.Data))
	}

	logger.LogAttrs(ctx, level, "audit_event", attrs...)
}

// Common event outcomes
const (
	// OutcomeSuccess indicates the event was successful
	OutcomeSuccess = "success"
	// OutcomeFailure indicates the event failed
	OutcomeFailure = "failure"
	// OutcomeError indicates the event resulted in an error
	OutcomeError = "error"
	// OutcomeDenied indicates the event was denied (e.g., by authorization)
	OutcomeDenied = "denied"
)

// Common source types
const (
	// SourceTypeNetwork indicates the event came from a network request
	SourceTypeNetwork = "network"
	// SourceTypeLocal indicates the event came from a local source
	SourceTypeLocal = "local"
)

// Event types emitted by the OAuth broker. These names are stable; monitoring
// dashboards key on them.
const (
	// EventOAuthCallbackRouteAccess is logged for every hit on the public callback route.
	EventOAuthCallbackRouteAccess = "oauth.callback.route.access"
	// EventOAuthCallbackSuccess is logged when a callback completes and tokens are stored.
	EventOAuthCallbackSuccess = "oauth.callback.success"
	// EventOAuthCallbackFailure is logged when a callback is rejected at any pipeline step.
	EventOAuthCallbackFailure = "oauth.callback.failure"
	// EventOAuthInitiateAttempt is logged when a tenant owner starts an authorization flow.
	EventOAuthInitiateAttempt = "oauth.initiate.attempt"
	// EventOAuthRefreshAttempt is logged when a tenant owner requests a token refresh.
	EventOAuthRefreshAttempt = "oauth.refresh.attempt"
	// EventOAuthTokensRefresh is logged for the outcome of every refresh, forced or not.
	EventOAuthTokensRefresh = "oauth.tokens.refresh"
	// EventOAuthFlowReset is logged when a flow context is cleared back to idle.
	EventOAuthFlowReset = "oauth.flow.reset"
	// EventOAuthSecurityIssue is the high-severity record emitted whenever a
	// callback attempt carries non-empty security issues.
	EventOAuthSecurityIssue = "oauth.security.issue"
	// EventTypeHTTPRequest is the default for requests with no specific mapping.
	EventTypeHTTPRequest = "http_request"
)

// Component name for the broker
const (
	// ComponentOAuthBroker is the component name for OAuth broker audit events.
	ComponentOAuthBroker = "oauth-broker"
)

// Subject keys used in audit events.
const (
	// SubjectKeyUserID is the key for the stable subject identifier.
	SubjectKeyUserID = "user_id"
	// SubjectKeyUser is the key for the human-readable user identity.
	SubjectKeyUser = "user"
)

// Target keys used in audit events.
const (
	// TargetKeyEndpoint is the key for the request path.
	TargetKeyEndpoint = "endpoint"
	// TargetKeyMethod is the key for the HTTP method.
	TargetKeyMethod = "method"
	// TargetKeyType is the key for the target type.
	TargetKeyType = "type"
	// TargetKeyTenant is the key for the tenant id.
	TargetKeyTenant = "tenant_id"
	// TargetKeyIntegration is the key for the integration id.
	TargetKeyIntegration = "integration_id"
	// TargetKeyProvider is the key for the provider slug.
	TargetKeyProvider = "provider"
)
