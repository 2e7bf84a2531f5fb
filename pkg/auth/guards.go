package auth

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/dhirmadi/mwapserver-sub005/pkg/logger"
	"github.com/dhirmadi/mwapserver-sub005/pkg/validation"
)

//go:generate mockgen -destination=mocks/mock_verifier.go -package=mocks -source=guards.go TenantVerifier

// TenantVerifier answers whether a subject owns a tenant. The integration
// store provides the production implementation.
type TenantVerifier interface {
	IsTenantOwner(ctx context.Context, tenantID, subject string) (bool, error)
}

// Subject returns the sub claim, or an empty string when absent.
func Subject(claims jwt.MapClaims) string {
	sub, _ := claims["sub"].(string)
	return sub
}

// IsSuperAdmin reports whether the claims identify a platform super-admin,
// either via a boolean superadmin claim or a roles list entry.
func IsSuperAdmin(claims jwt.MapClaims) bool {
	if isAdmin, ok := claims["superadmin"].(bool); ok && isAdmin {
		return true
	}
	if roles, ok := claims["roles"].([]any); ok {
		for _, role := range roles {
			if s, ok := role.(string); ok && s == "superadmin" {
				return true
			}
		}
	}
	return false
}

// RequireTenantOwner returns middleware that admits only the owner of the
// tenant named in the tenantId URL parameter, or a super-admin. It must run
// after the token validation middleware.
func RequireTenantOwner(verifier TenantVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetClaimsFromContext(r.Context())
			if !ok {
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			tenantID := chi.URLParam(r, "tenantId")
			if err := validation.ValidateObjectID(tenantID); err != nil {
				http.Error(w, "Invalid tenant id", http.StatusBadRequest)
				return
			}

			if IsSuperAdmin(claims) {
				next.ServeHTTP(w, r)
				return
			}

			subject := Subject(claims)
			if subject == "" {
				http.Error(w, "Access denied", http.StatusForbidden)
				return
			}

			isOwner, err := verifier.IsTenantOwner(r.Context(), tenantID, subject)
			if err != nil {
				logger.Errorw("tenant ownership check failed", "tenant_id", tenantID, "error", err)
				http.Error(w, "Access denied", http.StatusForbidden)
				return
			}
			if !isOwner {
				http.Error(w, "Access denied", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireSuperAdmin returns middleware that admits only super-admins. It must
// run after the token validation middleware.
func RequireSuperAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetClaimsFromContext(r.Context())
			if !ok {
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			if !IsSuperAdmin(claims) {
				http.Error(w, "Access denied", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
