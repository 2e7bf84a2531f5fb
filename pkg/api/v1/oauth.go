// Package v1 implements the broker's versioned HTTP API.
package v1

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/dhirmadi/mwapserver-sub005/pkg/audit"
	"github.com/dhirmadi/mwapserver-sub005/pkg/auth"
	"github.com/dhirmadi/mwapserver-sub005/pkg/crypto/aes"
	mwaperrors "github.com/dhirmadi/mwapserver-sub005/pkg/errors"
	"github.com/dhirmadi/mwapserver-sub005/pkg/integration"
	"github.com/dhirmadi/mwapserver-sub005/pkg/logger"
	"github.com/dhirmadi/mwapserver-sub005/pkg/oauth"
	"github.com/dhirmadi/mwapserver-sub005/pkg/security"
)

// ProtocolClient is the outbound OAuth protocol surface the handlers use.
// *oauth.Client implements it; tests substitute a fake.
type ProtocolClient interface {
	AuthorizationURL(p *oauth.ProviderConfig, state, redirectURI, codeChallenge string) (string, error)
	ExchangeCode(ctx context.Context, p *oauth.ProviderConfig, code, redirectURI, codeVerifier string) (*oauth.Tokens, error)
	RefreshTokens(ctx context.Context, p *oauth.ProviderConfig, refreshToken string) (*oauth.Tokens, error)
}

// OAuthDeps are the dependencies of the OAuth route group.
type OAuthDeps struct {
	Store     integration.Store
	Cipher    *aes.Cipher
	Client    ProtocolClient
	Validator *security.Validator
	Monitor   *security.Monitor
	Auditor   *audit.Auditor

	// TokenMiddleware authenticates platform users on the protected routes.
	TokenMiddleware func(http.Handler) http.Handler
	// Verifier answers tenant ownership for the owner guard.
	Verifier auth.TenantVerifier

	// CallbackLimiter rate limits the public callback route; nil disables it.
	CallbackLimiter *rate.Limiter

	// StateTTL bounds flow contexts created at initiation. Zero means the
	// default state lifetime.
	StateTTL time.Duration
}

// OAuthRoutes defines the routes for the OAuth broker API.
type OAuthRoutes struct {
	store     integration.Store
	cipher    *aes.Cipher
	client    ProtocolClient
	validator *security.Validator
	monitor   *security.Monitor
	auditor   *audit.Auditor
	stateTTL  time.Duration
}

// OAuthRouter creates the router for the OAuth broker API: the public
// callback and popup pages, the authenticated flow operations, and the
// super-admin security routes.
func OAuthRouter(deps OAuthDeps) http.Handler {
	routes := OAuthRoutes{
		store:     deps.Store,
		cipher:    deps.Cipher,
		client:    deps.Client,
		validator: deps.Validator,
		monitor:   deps.Monitor,
		auditor:   deps.Auditor,
		stateTTL:  deps.StateTTL,
	}
	if routes.stateTTL <= 0 {
		routes.stateTTL = security.DefaultStateTTL
	}

	pages := pageRoutes{}

	r := chi.NewRouter()
	r.With(callbackLimit(deps.CallbackLimiter)).Get("/callback", routes.oauthCallback)
	r.Get("/success", pages.successPage)
	r.Get("/error", pages.errorPage)

	r.Route("/tenants/{tenantId}/integrations/{integrationId}", func(sub chi.Router) {
		sub.Use(deps.TokenMiddleware)
		sub.Use(auth.RequireTenantOwner(deps.Verifier))
		sub.Post("/initiate", routes.initiateFlow)
		sub.Post("/refresh", routes.refreshTokens)
		sub.Post("/reset", routes.resetFlow)
	})

	r.Mount("/security", SecurityRouter(deps.TokenMiddleware, deps.Monitor, deps.Validator))

	return r
}

// callbackLimit enforces the dedicated callback rate limit ahead of the
// pipeline, independent of any limits on the rest of the API.
func callbackLimit(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l != nil && !l.Allow() {
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// callbackOutcome is the result of one run of the callback pipeline. A nil
// failure means tokens were exchanged and persisted.
type callbackOutcome struct {
	failure      *security.Failure
	param        *oauth.Parameter
	providerSlug string

	// providerError is the provider's RFC 6749 error code, when it sent one.
	providerError string
}

// oauthCallback
//
//	@Summary		OAuth provider callback
//	@Description	Redirect target for OAuth providers; validates the state, exchanges the code, and persists tokens
//	@Tags			oauth
//	@Param			code	query	string	false	"Authorization code"
//	@Param			state	query	string	false	"State parameter from initiation"
//	@Param			error	query	string	false	"Provider error code"
//	@Success		302	{string}	string	"Redirect to the success or error page"
//	@Failure		429	{string}	string	"Rate limit exceeded"
//	@Router			/api/v1/oauth/callback [get]
func (o *OAuthRoutes) oauthCallback(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	out := o.runCallback(r, now)
	o.finishCallback(w, r, now, out)
}

// runCallback walks the callback pipeline and stops at the first failing
// step. It does not write the response; finishCallback owns recording and
// the redirect so every exit path is handled identically.
func (o *OAuthRoutes) runCallback(r *http.Request, now time.Time) callbackOutcome {
	var out callbackOutcome
	q := r.URL.Query()
	rawState := q.Get("state")

	// The provider reported an error instead of issuing a code. The
	// description goes to the logs, never to the user.
	if provErr := q.Get("error"); provErr != "" {
		logger.Warnw("provider returned an error on callback",
			"provider_error", provErr,
			"provider_error_description", q.Get("error_description"),
		)
		out.providerError = provErr
		out.failure = genericFailure(mwaperrors.ErrProviderError,
			fmt.Sprintf("provider returned error %q", provErr))
		return out
	}

	code := q.Get("code")
	if code == "" || rawState == "" {
		out.failure = genericFailure(mwaperrors.ErrMissingParameters,
			"callback is missing the code or state parameter")
		return out
	}

	param, failure := o.validator.ValidateState(rawState, now)
	if failure != nil {
		out.failure = failure
		return out
	}
	out.param = param

	ctx := r.Context()
	integ, provider, failure := o.validator.VerifyOwnership(ctx, rawState, param, now)
	if failure != nil {
		out.failure = failure
		return out
	}
	out.providerSlug = provider.Slug

	verifier, failure := o.validator.ValidatePKCE(provider, integ)
	if failure != nil {
		out.failure = failure
		return out
	}

	// The redirect URI is reconstructed from the host the request arrived
	// on, always HTTPS, and must match what was registered with the provider.
	redirectURI := o.validator.BuildRedirectURI(r.Host)
	normalized, failure := o.validator.ValidateRedirectURI(redirectURI)
	if failure != nil {
		out.failure = failure
		return out
	}
	if failure := o.validator.MatchesRegistered(normalized); failure != nil {
		out.failure = failure
		return out
	}

	// From here on the work must finish even if the user closes the popup:
	// the code is single-use and the store has to reflect the exchange's
	// result either way.
	ctx = context.WithoutCancel(ctx)

	pc, err := oauth.ProviderConfigFrom(&provider, o.cipher)
	if err != nil {
		logger.Errorw("failed to build provider config", "provider", provider.Slug, "error", err)
		out.failure = genericFailure(mwaperrors.ErrInternalError, "provider config unavailable")
		return out
	}

	tokens, err := o.client.ExchangeCode(ctx, pc, code, normalized, verifier)
	if err != nil {
		logger.Warnw("authorization code exchange failed", "provider", provider.Slug, "error", err)
		errCode, providerCode := exchangeFailureCode(err)
		out.providerError = providerCode
		out.failure = &security.Failure{
			Code:   errCode,
			Detail: "token exchange failed",
			Issues: []string{mwaperrors.GenericMessageFor(err)},
		}
		return out
	}

	update, err := o.encryptTokens(tokens, param.UserID, now)
	if err != nil {
		logger.Errorw("failed to encrypt tokens", "integration_id", integ.ID, "error", err)
		out.failure = genericFailure(mwaperrors.ErrInternalError, "token encryption failed")
		return out
	}

	if _, err := o.store.UpdateTokens(ctx, integ.ID, integ.TenantID, integ.UpdatedAt, update); err != nil {
		switch {
		case errors.Is(err, integration.ErrConcurrentUpdate):
			// The integration changed while we were at the provider; whatever
			// flow it carries now, this callback no longer matches it.
			out.failure = genericFailure(mwaperrors.ErrInvalidState,
				"integration was modified during the exchange")
		case errors.Is(err, integration.ErrNotFound):
			out.failure = genericFailure(mwaperrors.ErrIntegrationNotFound,
				"integration disappeared during the exchange")
		default:
			logger.Errorw("failed to persist tokens", "integration_id", integ.ID, "error", err)
			out.failure = genericFailure(mwaperrors.ErrInternalError, "token persistence failed")
		}
		return out
	}

	return out
}

// finishCallback records the attempt in monitoring and audit and sends the
// user to the success or error page. Both outcomes go through here so no exit
// path can skip recording.
func (o *OAuthRoutes) finishCallback(w http.ResponseWriter, r *http.Request, now time.Time, out callbackOutcome) {
	attempt := security.Attempt{
		Timestamp: now,
		IP:        audit.ClientIP(r),
		UserAgent: r.UserAgent(),
		Success:   out.failure == nil,
		Provider:  out.providerSlug,
	}
	if out.param != nil {
		attempt.TenantID = out.param.TenantID
		attempt.IntegrationID = out.param.IntegrationID
		attempt.UserID = out.param.UserID
	}
	if out.failure != nil {
		attempt.ErrorCode = out.failure.Code
		attempt.SecurityIssues = append([]string(nil), out.failure.Issues...)
	}

	patterns := o.monitor.RecordAttempt(attempt)

	if out.failure == nil {
		o.auditCallback(r, audit.EventOAuthCallbackSuccess, audit.OutcomeSuccess, attempt, out, patterns)
		http.Redirect(w, r,
			security.BuildSuccessRedirect(out.param.TenantID, out.param.IntegrationID),
			http.StatusFound)
		return
	}

	logger.Warnw("callback rejected",
		"error_code", out.failure.Code,
		"detail", out.failure.Detail,
		"ip", attempt.IP,
	)
	o.auditCallback(r, audit.EventOAuthCallbackFailure, audit.OutcomeFailure, attempt, out, patterns)
	http.Redirect(w, r, security.BuildErrorRedirect(out.failure.Code), http.StatusFound)
}

// auditCallback emits the domain audit event for one callback outcome and,
// when the attempt carried security findings or triggered detection, the
// separate high-severity record.
func (o *OAuthRoutes) auditCallback(r *http.Request, eventType, outcome string, attempt security.Attempt, out callbackOutcome, patterns []security.Pattern) {
	source := requestSource(r)
	subjects := map[string]string{audit.SubjectKeyUser: "anonymous"}
	if attempt.UserID != "" {
		subjects[audit.SubjectKeyUserID] = attempt.UserID
	}

	event := audit.NewAuditEvent(eventType, source, outcome, subjects, audit.ComponentOAuthBroker)
	target := map[string]string{}
	if attempt.TenantID != "" {
		target[audit.TargetKeyTenant] = attempt.TenantID
	}
	if attempt.IntegrationID != "" {
		target[audit.TargetKeyIntegration] = attempt.IntegrationID
	}
	if attempt.Provider != "" {
		target[audit.TargetKeyProvider] = attempt.Provider
	}
	if len(target) > 0 {
		event.WithTarget(target)
	}

	data := map[string]any{}
	if out.failure != nil {
		data["errorCode"] = out.failure.Code
		data["securityIssues"] = out.failure.Issues
	}
	if out.providerError != "" {
		data["providerError"] = out.providerError
	}
	if len(data) > 0 {
		event.WithData(auditData(data))
	}
	event.LogTo(r.Context(), o.auditor.Logger(), audit.LevelAudit)

	// Findings beyond the generic message, or a fired detector, make the
	// attempt security-relevant.
	if len(attempt.SecurityIssues) <= 1 && len(patterns) == 0 {
		return
	}
	kinds := make([]string, 0, len(patterns))
	for _, p := range patterns {
		kinds = append(kinds, string(p.Type))
	}
	issueEvent := audit.NewAuditEvent(audit.EventOAuthSecurityIssue, source, outcome, subjects, audit.ComponentOAuthBroker)
	issueEvent.WithData(auditData(map[string]any{
		"errorCode":      attempt.ErrorCode,
		"securityIssues": attempt.SecurityIssues,
		"patterns":       kinds,
	}))
	issueEvent.LogTo(r.Context(), o.auditor.Logger(), audit.LevelAudit)
}

// genericFailure builds a failure whose only issue is the generic message for
// the code, mirroring how the validator reports its own rejections.
func genericFailure(code, detail string) *security.Failure {
	return &security.Failure{
		Code:   code,
		Detail: detail,
		Issues: []string{mwaperrors.GenericMessage(code)},
	}
}

// exchangeFailureCode maps an exchange error onto the attempt error code and,
// when the provider spoke RFC 6749, the provider's error code.
func exchangeFailureCode(err error) (string, string) {
	var e *mwaperrors.Error
	if errors.As(err, &e) {
		if e.ProviderCode != "" {
			return e.ProviderCode, e.ProviderCode
		}
		return e.Type, ""
	}
	return mwaperrors.ErrProviderError, ""
}

// encryptTokens turns an exchange result into a store update with all token
// material encrypted.
func (o *OAuthRoutes) encryptTokens(tokens *oauth.Tokens, updatedBy string, now time.Time) (integration.TokenUpdate, error) {
	accessEnc, err := o.cipher.EncryptString(tokens.AccessToken)
	if err != nil {
		return integration.TokenUpdate{}, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	upd := integration.TokenUpdate{
		AccessTokenEncrypted: accessEnc,
		ExpiresAt:            now.Add(time.Duration(tokens.ExpiresIn) * time.Second),
		ScopesGranted:        tokens.Scopes,
		UpdatedBy:            updatedBy,
	}
	if tokens.RefreshToken != "" {
		refreshEnc, err := o.cipher.EncryptString(tokens.RefreshToken)
		if err != nil {
			return integration.TokenUpdate{}, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		upd.RefreshTokenEncrypted = refreshEnc
	}
	return upd, nil
}

// requestSource describes where a request came from for audit events.
func requestSource(r *http.Request) audit.EventSource {
	source := audit.EventSource{
		Type:  audit.SourceTypeNetwork,
		Value: audit.ClientIP(r),
		Extra: map[string]any{},
	}
	if ua := r.UserAgent(); ua != "" {
		source.Extra["user_agent"] = ua
	}
	return source
}

// auditData marshals event data, returning nil when it cannot be encoded.
func auditData(v any) *json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	msg := json.RawMessage(raw)
	return &msg
}
