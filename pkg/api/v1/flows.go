package v1

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dhirmadi/mwapserver-sub005/pkg/audit"
	"github.com/dhirmadi/mwapserver-sub005/pkg/auth"
	mwaperrors "github.com/dhirmadi/mwapserver-sub005/pkg/errors"
	"github.com/dhirmadi/mwapserver-sub005/pkg/integration"
	"github.com/dhirmadi/mwapserver-sub005/pkg/logger"
	"github.com/dhirmadi/mwapserver-sub005/pkg/oauth"
	"github.com/dhirmadi/mwapserver-sub005/pkg/validation"
)

// refreshSkew is the minimum remaining lifetime below which an unforced
// refresh actually calls the provider.
const refreshSkew = 5 * time.Minute

// TenantOwners adapts the integration store to the ownership guard: the
// tenant's stored owner id must equal the authenticated subject.
func TenantOwners(store integration.Store) auth.TenantVerifier {
	return tenantOwners{store: store}
}

type tenantOwners struct {
	store integration.Store
}

func (t tenantOwners) IsTenantOwner(ctx context.Context, tenantID, subject string) (bool, error) {
	tenant, err := t.store.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, integration.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return tenant.OwnerID == subject, nil
}

// initiateFlow
//
//	@Summary		Initiate an OAuth authorization flow
//	@Description	Creates a fresh state parameter and flow context and returns the provider authorization URL
//	@Tags			oauth
//	@Produce		json
//	@Param			tenantId		path	string	true	"Tenant ID"
//	@Param			integrationId	path	string	true	"Integration ID"
//	@Success		200	{object}	initiateResponse
//	@Failure		400	{object}	errorResponse
//	@Failure		404	{object}	errorResponse
//	@Failure		409	{object}	errorResponse
//	@Router			/api/v1/oauth/tenants/{tenantId}/integrations/{integrationId}/initiate [post]
func (o *OAuthRoutes) initiateFlow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now()
	tenantID := chi.URLParam(r, "tenantId")
	integrationID := chi.URLParam(r, "integrationId")

	if err := validation.ValidateObjectID(integrationID); err != nil {
		respondError(w, mwaperrors.NewValidationError("integration id is malformed", err))
		return
	}

	subject := subjectFrom(r)
	if err := validation.ValidateObjectID(subject); err != nil {
		// The state parameter embeds the subject and the callback re-validates
		// it, so a non-platform subject could never finish the flow it starts.
		respondError(w, mwaperrors.NewValidationError("subject is not a platform user id", err))
		return
	}

	integ, err := o.store.GetIntegration(ctx, integrationID, tenantID)
	if err != nil {
		respondError(w, integrationLookupError(err))
		return
	}

	provider, err := o.store.GetProvider(ctx, integ.ProviderID)
	if err != nil {
		respondError(w, providerLookupError(err))
		return
	}
	if !provider.Enabled {
		respondError(w, mwaperrors.NewProviderDisabledError("provider is disabled"))
		return
	}

	if integ.HasLiveTokens() {
		respondError(w, mwaperrors.NewAlreadyConfiguredError("integration already holds live tokens"))
		return
	}

	param, err := oauth.NewParameter(tenantID, integrationID, subject, now)
	if err != nil {
		respondError(w, mwaperrors.NewInternalError("failed to create state parameter", err))
		return
	}
	rawState, err := param.Encode()
	if err != nil {
		respondError(w, mwaperrors.NewInternalError("failed to encode state parameter", err))
		return
	}

	flow := &integration.FlowContext{
		FlowID:    integration.NewID(),
		Nonce:     param.Nonce,
		StateHash: oauth.HashState(rawState),
		Status:    integration.FlowPending,
		CreatedAt: now,
		ExpiresAt: now.Add(o.stateTTL),
	}

	var pkce *integration.PKCEContext
	var challenge string
	if provider.UsePKCE {
		verifier := oauth.GenerateVerifier()
		challenge = oauth.ChallengeS256(verifier)
		encrypted, err := o.cipher.EncryptString(verifier)
		if err != nil {
			respondError(w, mwaperrors.NewInternalError("failed to encrypt PKCE verifier", err))
			return
		}
		pkce = &integration.PKCEContext{
			VerifierEncrypted: encrypted,
			Challenge:         challenge,
			Method:            oauth.ChallengeMethodS256,
		}
	}

	// Starting over replaces any previous pending flow: the stored state hash
	// changes, so the old state can no longer match at callback.
	if err := o.store.SetFlowContext(ctx, integrationID, tenantID, flow, pkce, subject); err != nil {
		respondError(w, integrationLookupError(err))
		return
	}

	redirectURI := o.validator.RegisteredRedirectURI()
	pc, err := oauth.ProviderConfigFrom(&provider, o.cipher)
	if err != nil {
		respondError(w, mwaperrors.NewInternalError("provider config unavailable", err))
		return
	}
	authURL, err := o.client.AuthorizationURL(pc, rawState, redirectURI, challenge)
	if err != nil {
		respondError(w, mwaperrors.NewInternalError("failed to build authorization URL", err))
		return
	}

	respondJSON(w, http.StatusOK, initiateResponse{
		AuthorizationURL: authURL,
		Provider: providerSummary{
			Name:        provider.Slug,
			DisplayName: provider.DisplayName,
		},
		RedirectURI: redirectURI,
		State:       rawState,
	})
}

// refreshTokens
//
//	@Summary		Refresh integration tokens
//	@Description	Exchanges the stored refresh token for fresh token material; unforced calls skip the provider while the access token still has time left
//	@Tags			oauth
//	@Accept			json
//	@Produce		json
//	@Param			tenantId		path	string			true	"Tenant ID"
//	@Param			integrationId	path	string			true	"Integration ID"
//	@Param			body			body	refreshRequest	false	"Refresh options"
//	@Success		200	{object}	integrationProjection
//	@Failure		400	{object}	errorResponse
//	@Failure		404	{object}	errorResponse
//	@Router			/api/v1/oauth/tenants/{tenantId}/integrations/{integrationId}/refresh [post]
func (o *OAuthRoutes) refreshTokens(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now()
	tenantID := chi.URLParam(r, "tenantId")
	integrationID := chi.URLParam(r, "integrationId")
	subject := subjectFrom(r)

	if err := validation.ValidateObjectID(integrationID); err != nil {
		respondError(w, mwaperrors.NewValidationError("integration id is malformed", err))
		return
	}

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, mwaperrors.NewValidationError("request body is not valid JSON", err))
		return
	}

	integ, err := o.store.GetIntegration(ctx, integrationID, tenantID)
	if err != nil {
		respondError(w, integrationLookupError(err))
		return
	}

	provider, err := o.store.GetProvider(ctx, integ.ProviderID)
	if err != nil {
		respondError(w, providerLookupError(err))
		return
	}
	if !provider.Enabled {
		respondError(w, mwaperrors.NewProviderDisabledError("provider is disabled"))
		return
	}

	if integ.RefreshTokenEncrypted == "" {
		o.auditRefresh(r, subject, integ, provider.Slug, audit.OutcomeFailure,
			map[string]any{"forced": req.Force, "errorCode": mwaperrors.ErrValidationError})
		respondError(w, mwaperrors.NewValidationError("integration has no refresh token", nil))
		return
	}

	// A live token with time left needs no provider round trip unless the
	// caller forces one.
	if !req.Force && integ.Status == integration.StatusActive &&
		integ.TokenExpiresAt.Sub(now) > refreshSkew {
		o.auditRefresh(r, subject, integ, provider.Slug, audit.OutcomeSuccess,
			map[string]any{"forced": false, "refreshed": false})
		respondJSON(w, http.StatusOK, projectIntegration(integ))
		return
	}

	refreshToken, err := o.cipher.DecryptString(integ.RefreshTokenEncrypted)
	if err != nil {
		respondError(w, mwaperrors.NewInternalError("failed to decrypt refresh token", err))
		return
	}

	pc, err := oauth.ProviderConfigFrom(&provider, o.cipher)
	if err != nil {
		respondError(w, mwaperrors.NewInternalError("provider config unavailable", err))
		return
	}

	tokens, err := o.client.RefreshTokens(ctx, pc, refreshToken)
	if err != nil {
		logger.Warnw("token refresh failed",
			"integration_id", integ.ID, "provider", provider.Slug, "error", err)
		var e *mwaperrors.Error
		if errors.As(err, &e) && e.ProviderCode != "" {
			// The provider rejected the grant outright; the stored refresh
			// token is dead until the owner re-authorizes.
			if markErr := o.store.MarkErrored(ctx, integ.ID, integ.TenantID, subject); markErr != nil {
				logger.Errorw("failed to mark integration errored",
					"integration_id", integ.ID, "error", markErr)
			}
		}
		errCode, _ := exchangeFailureCode(err)
		o.auditRefresh(r, subject, integ, provider.Slug, audit.OutcomeFailure,
			map[string]any{"forced": req.Force, "errorCode": errCode})
		respondError(w, err)
		return
	}

	update, err := o.encryptTokens(tokens, subject, now)
	if err != nil {
		respondError(w, mwaperrors.NewInternalError("failed to encrypt tokens", err))
		return
	}
	if update.RefreshTokenEncrypted == "" {
		// The provider did not rotate the refresh token; keep the stored one.
		update.RefreshTokenEncrypted = integ.RefreshTokenEncrypted
	}

	updated, err := o.store.UpdateTokens(ctx, integ.ID, integ.TenantID, integ.UpdatedAt, update)
	if errors.Is(err, integration.ErrConcurrentUpdate) {
		// Another writer won the race; reload and try once with the fresh
		// precondition.
		reloaded, reloadErr := o.store.GetIntegration(ctx, integ.ID, integ.TenantID)
		if reloadErr != nil {
			respondError(w, integrationLookupError(reloadErr))
			return
		}
		updated, err = o.store.UpdateTokens(ctx, integ.ID, integ.TenantID, reloaded.UpdatedAt, update)
	}
	if err != nil {
		o.auditRefresh(r, subject, integ, provider.Slug, audit.OutcomeError,
			map[string]any{"forced": req.Force, "errorCode": mwaperrors.ErrInternalError})
		if errors.Is(err, integration.ErrNotFound) {
			respondError(w, mwaperrors.NewIntegrationNotFoundError("integration not found"))
		} else {
			respondError(w, mwaperrors.NewInternalError("failed to persist refreshed tokens", err))
		}
		return
	}

	o.auditRefresh(r, subject, updated, provider.Slug, audit.OutcomeSuccess,
		map[string]any{"forced": req.Force, "refreshed": true})
	respondJSON(w, http.StatusOK, projectIntegration(updated))
}

// resetFlow
//
//	@Summary		Reset an authorization flow
//	@Description	Clears the integration's flow and PKCE contexts so a new flow can start clean
//	@Tags			oauth
//	@Produce		json
//	@Param			tenantId		path	string	true	"Tenant ID"
//	@Param			integrationId	path	string	true	"Integration ID"
//	@Success		200	{object}	resetResponse
//	@Failure		404	{object}	errorResponse
//	@Router			/api/v1/oauth/tenants/{tenantId}/integrations/{integrationId}/reset [post]
func (o *OAuthRoutes) resetFlow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := chi.URLParam(r, "tenantId")
	integrationID := chi.URLParam(r, "integrationId")

	if err := validation.ValidateObjectID(integrationID); err != nil {
		respondError(w, mwaperrors.NewValidationError("integration id is malformed", err))
		return
	}

	if err := o.store.SetFlowContext(ctx, integrationID, tenantID, nil, nil, subjectFrom(r)); err != nil {
		respondError(w, integrationLookupError(err))
		return
	}

	respondJSON(w, http.StatusOK, resetResponse{Success: true})
}

// auditRefresh emits the refresh outcome event. Every refresh that reached
// the stored integration logs one, whether or not a provider call happened.
func (o *OAuthRoutes) auditRefresh(r *http.Request, subject string, integ integration.Integration, providerSlug, outcome string, data map[string]any) {
	subjects := map[string]string{audit.SubjectKeyUser: "anonymous"}
	if subject != "" {
		subjects[audit.SubjectKeyUserID] = subject
	}
	event := audit.NewAuditEvent(audit.EventOAuthTokensRefresh, requestSource(r),
		outcome, subjects, audit.ComponentOAuthBroker)
	event.WithTarget(map[string]string{
		audit.TargetKeyTenant:      integ.TenantID,
		audit.TargetKeyIntegration: integ.ID,
		audit.TargetKeyProvider:    providerSlug,
	})
	event.WithData(auditData(data))
	event.LogTo(r.Context(), o.auditor.Logger(), audit.LevelAudit)
}

// subjectFrom returns the authenticated subject. The token middleware
// guarantees claims are present on the routes that call this.
func subjectFrom(r *http.Request) string {
	claims, ok := auth.GetClaimsFromContext(r.Context())
	if !ok {
		return ""
	}
	return auth.Subject(claims)
}

// integrationLookupError maps store failures from an integration lookup.
func integrationLookupError(err error) error {
	if errors.Is(err, integration.ErrNotFound) {
		return mwaperrors.NewIntegrationNotFoundError("integration not found")
	}
	return mwaperrors.NewInternalError("integration lookup failed", err)
}

// providerLookupError maps store failures from a provider lookup.
func providerLookupError(err error) error {
	if errors.Is(err, integration.ErrNotFound) {
		return mwaperrors.NewProviderUnavailableError("provider is not registered")
	}
	return mwaperrors.NewInternalError("provider lookup failed", err)
}

type refreshRequest struct {
	Force bool `json:"force"`
}

type providerSummary struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

type initiateResponse struct {
	AuthorizationURL string          `json:"authorizationUrl"`
	Provider         providerSummary `json:"provider"`
	RedirectURI      string          `json:"redirectUri"`
	State            string          `json:"state"`
}

type resetResponse struct {
	Success bool `json:"success"`
}
