package v1

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	mwaperrors "github.com/dhirmadi/mwapserver-sub005/pkg/errors"
	"github.com/dhirmadi/mwapserver-sub005/pkg/integration"
	"github.com/dhirmadi/mwapserver-sub005/pkg/logger"
)

// redactedValue replaces token material in outward-facing projections.
const redactedValue = "[REDACTED]"

// errorResponse is the JSON error body of the authenticated routes.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	// Code is the broker error code, e.g. INTEGRATION_NOT_FOUND.
	Code string `json:"code"`
	// Message is the generic user-safe message for the code.
	Message string `json:"message"`
}

// respondJSON writes v as the JSON response body.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("failed to encode response", "error", err)
	}
}

// respondError writes a broker error with its mapped HTTP status. The body
// carries the error code and the generic message only; internal details stay
// in the logs.
func respondError(w http.ResponseWriter, err error) {
	var e *mwaperrors.Error
	if !errors.As(err, &e) {
		e = mwaperrors.NewInternalError("unexpected error", err)
	}
	if e.HTTPStatus() >= http.StatusInternalServerError {
		logger.Errorw("request failed", "error_code", e.Type, "error", e.Error())
	}
	respondJSON(w, e.HTTPStatus(), errorResponse{Error: errorBody{
		Code:    e.Type,
		Message: mwaperrors.GenericMessageFor(e),
	}})
}

// integrationProjection is the outward-facing view of an integration. Token
// fields are redacted, never the ciphertext and never the plaintext.
type integrationProjection struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenantId"`
	ProviderID     string    `json:"providerId"`
	Status         string    `json:"status"`
	AccessToken    string    `json:"accessToken,omitempty"`
	RefreshToken   string    `json:"refreshToken,omitempty"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt,omitempty"`
	ScopesGranted  []string  `json:"scopesGranted,omitempty"`
	FlowStatus     string    `json:"flowStatus,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// projectIntegration redacts an integration for a response body.
func projectIntegration(i integration.Integration) integrationProjection {
	p := integrationProjection{
		ID:             i.ID,
		TenantID:       i.TenantID,
		ProviderID:     i.ProviderID,
		Status:         string(i.Status),
		TokenExpiresAt: i.TokenExpiresAt,
		ScopesGranted:  i.ScopesGranted,
		CreatedAt:      i.CreatedAt,
		UpdatedAt:      i.UpdatedAt,
	}
	if i.AccessTokenEncrypted != "" {
		p.AccessToken = redactedValue
	}
	if i.RefreshTokenEncrypted != "" {
		p.RefreshToken = redactedValue
	}
	if i.Flow != nil {
		p.FlowStatus = string(i.Flow.Status)
	}
	return p
}
