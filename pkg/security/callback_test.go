package security

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhirmadi/mwapserver-sub005/pkg/crypto/aes"
	mwaperrors "github.com/dhirmadi/mwapserver-sub005/pkg/errors"
	"github.com/dhirmadi/mwapserver-sub005/pkg/integration"
	"github.com/dhirmadi/mwapserver-sub005/pkg/oauth"
)

const (
	cbTenantID      = "64f1a2b3c4d5e6f789012345"
	cbIntegrationID = "64f1a2b3c4d5e6f789012346"
	cbUserID        = "64f1a2b3c4d5e6f789012347"
	cbProviderID    = "64f1a2b3c4d5e6f789012348"
)

func testAESCipher(t *testing.T) *aes.Cipher {
	t.Helper()
	cipher, err := aes.NewCipher(make([]byte, 32))
	require.NoError(t, err)
	return cipher
}

func newTestValidator(t *testing.T, store integration.Store) *Validator {
	t.Helper()
	return NewValidator(store, testAESCipher(t), ValidatorConfig{
		AllowedHosts: []string{"app.example.com"},
	})
}

// validRawState returns an encoded state for the fixed test identities,
// stamped at ts.
func validRawState(t *testing.T, ts time.Time) (string, *oauth.Parameter) {
	t.Helper()
	param, err := oauth.NewParameter(cbTenantID, cbIntegrationID, cbUserID, ts)
	require.NoError(t, err)
	raw, err := param.Encode()
	require.NoError(t, err)
	return raw, param
}

func TestValidateState(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t, integration.NewMemoryStore())
	now := time.Now()

	t.Run("accepts a fresh state", func(t *testing.T) {
		t.Parallel()
		raw, want := validRawState(t, now)

		param, failure := v.ValidateState(raw, now)
		require.Nil(t, failure)
		assert.Equal(t, want.TenantID, param.TenantID)
		assert.Equal(t, want.Nonce, param.Nonce)
	})

	t.Run("rejects an empty state", func(t *testing.T) {
		t.Parallel()
		param, failure := v.ValidateState("", now)
		assert.Nil(t, param)
		require.NotNil(t, failure)
		assert.Equal(t, mwaperrors.ErrInvalidState, failure.Code)
		assert.Contains(t, failure.Issues, "Invalid request, please try again")
		assert.Contains(t, failure.Issues, "Missing state parameter")
	})

	t.Run("rejects garbage with a decode error", func(t *testing.T) {
		t.Parallel()
		_, failure := v.ValidateState("!!!not-base64!!!", now)
		require.NotNil(t, failure)
		assert.Equal(t, mwaperrors.ErrStateDecodeError, failure.Code)
		assert.Contains(t, failure.Issues, "State parameter failed base64 decoding")
	})

	t.Run("rejects a state with missing fields", func(t *testing.T) {
		t.Parallel()
		raw := base64.RawURLEncoding.EncodeToString([]byte(`{"tenantId":"` + cbTenantID + `"}`))
		_, failure := v.ValidateState(raw, now)
		require.NotNil(t, failure)
		assert.Equal(t, mwaperrors.ErrInvalidStateStructure, failure.Code)
	})

	t.Run("rejects a state with a malformed tenant id", func(t *testing.T) {
		t.Parallel()
		param := &oauth.Parameter{
			TenantID:      "not-hex",
			IntegrationID: cbIntegrationID,
			UserID:        cbUserID,
			Timestamp:     now.UnixMilli(),
			Nonce:         "fQJp3mX9kTWz8rBnfQJp",
		}
		raw, err := param.Encode()
		require.NoError(t, err)

		_, failure := v.ValidateState(raw, now)
		require.NotNil(t, failure)
		assert.Equal(t, mwaperrors.ErrInvalidStateStructure, failure.Code)
	})

	t.Run("rejects an expired state without flagging manipulation", func(t *testing.T) {
		t.Parallel()
		raw, _ := validRawState(t, now.Add(-11*time.Minute))

		_, failure := v.ValidateState(raw, now)
		require.NotNil(t, failure)
		assert.Equal(t, mwaperrors.ErrStateExpired, failure.Code)
		assert.Equal(t, "Request has expired, please try again", failure.GenericMessage())
		// A user coming back too late is not an attacker; the issue list must
		// not trip the manipulation detector.
		assert.False(t, mentionsStateMaterial(failure.Issues), "issues: %v", failure.Issues)
	})

	t.Run("rejects a future-dated state as manipulation", func(t *testing.T) {
		t.Parallel()
		raw, _ := validRawState(t, now.Add(2*time.Minute))

		_, failure := v.ValidateState(raw, now)
		require.NotNil(t, failure)
		assert.Equal(t, mwaperrors.ErrStateExpired, failure.Code)
		assert.Contains(t, failure.Issues, "State timestamp is in the future")
	})

	t.Run("rejects a short nonce", func(t *testing.T) {
		t.Parallel()
		param := &oauth.Parameter{
			TenantID:      cbTenantID,
			IntegrationID: cbIntegrationID,
			UserID:        cbUserID,
			Timestamp:     now.UnixMilli(),
			Nonce:         "short",
		}
		raw, err := param.Encode()
		require.NoError(t, err)

		_, failure := v.ValidateState(raw, now)
		require.NotNil(t, failure)
		assert.Equal(t, mwaperrors.ErrInvalidNonce, failure.Code)
		assert.Contains(t, failure.Issues, "State nonce failed validation")
	})

	t.Run("honors a custom TTL", func(t *testing.T) {
		t.Parallel()
		short := NewValidator(integration.NewMemoryStore(), testAESCipher(t), ValidatorConfig{
			StateTTL:     time.Minute,
			AllowedHosts: []string{"app.example.com"},
		})
		raw, _ := validRawState(t, now.Add(-90*time.Second))

		_, failure := short.ValidateState(raw, now)
		require.NotNil(t, failure)
		assert.Equal(t, mwaperrors.ErrStateExpired, failure.Code)
	})
}

// seedCallbackStore creates the tenant, provider, and integration the
// ownership tests run against.
func seedCallbackStore(t *testing.T, enabled bool) *integration.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := integration.NewMemoryStore()

	require.NoError(t, store.CreateTenant(ctx, integration.Tenant{
		ID:      cbTenantID,
		Name:    "Test Tenant",
		OwnerID: cbUserID,
	}))
	require.NoError(t, store.CreateProvider(ctx, integration.Provider{
		ID:          cbProviderID,
		Slug:        "dropbox",
		DisplayName: "Dropbox",
		AuthURL:     "https://www.dropbox.com/oauth2/authorize",
		TokenURL:    "https://api.dropboxapi.com/oauth2/token",
		ClientID:    "client-id",
		Enabled:     enabled,
	}))
	require.NoError(t, store.CreateIntegration(ctx, integration.Integration{
		ID:         cbIntegrationID,
		TenantID:   cbTenantID,
		ProviderID: cbProviderID,
		CreatedBy:  cbUserID,
	}))
	return store
}

// bindFlow stores a pending flow context for rawState on the test integration.
func bindFlow(t *testing.T, store integration.Store, rawState string, param *oauth.Parameter, now time.Time) {
	t.Helper()
	flow := &integration.FlowContext{
		FlowID:    uuid.NewString(),
		Nonce:     param.Nonce,
		StateHash: oauth.HashState(rawState),
		Status:    integration.FlowPending,
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
	}
	require.NoError(t, store.SetFlowContext(context.Background(), cbIntegrationID, cbTenantID, flow, nil, cbUserID))
}

func TestVerifyOwnership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now()

	t.Run("accepts a callback bound to the stored flow", func(t *testing.T) {
		t.Parallel()
		store := seedCallbackStore(t, true)
		v := newTestValidator(t, store)
		raw, param := validRawState(t, now)
		bindFlow(t, store, raw, param, now)

		integ, provider, failure := v.VerifyOwnership(ctx, raw, param, now)
		require.Nil(t, failure)
		assert.Equal(t, cbIntegrationID, integ.ID)
		assert.Equal(t, "dropbox", provider.Slug)
	})

	t.Run("rejects an unknown integration", func(t *testing.T) {
		t.Parallel()
		store := seedCallbackStore(t, true)
		v := newTestValidator(t, store)
		param, err := oauth.NewParameter(cbTenantID, "64f1a2b3c4d5e6f789019999", cbUserID, now)
		require.NoError(t, err)
		raw, err := param.Encode()
		require.NoError(t, err)

		_, _, failure := v.VerifyOwnership(ctx, raw, param, now)
		require.NotNil(t, failure)
		assert.Equal(t, mwaperrors.ErrIntegrationNotFound, failure.Code)
		assert.Contains(t, failure.Issues, "Integration not found or access denied")
	})

	t.Run("rejects a state pointing at a foreign tenant", func(t *testing.T) {
		t.Parallel()
		store := seedCallbackStore(t, true)
		v := newTestValidator(t, store)
		param, err := oauth.NewParameter("64f1a2b3c4d5e6f789018888", cbIntegrationID, cbUserID, now)
		require.NoError(t, err)
		raw, err := param.Encode()
		require.NoError(t, err)

		_, _, failure := v.VerifyOwnership(ctx, raw, param, now)
		require.NotNil(t, failure)
		assert.Equal(t, mwaperrors.ErrIntegrationNotFound, failure.Code)
	})

	t.Run("rejects a replay against a configured integration", func(t *testing.T) {
		t.Parallel()
		store := seedCallbackStore(t, true)
		v := newTestValidator(t, store)
		raw, param := validRawState(t, now)
		bindFlow(t, store, raw, param, now)

		stored, err := store.GetIntegration(ctx, cbIntegrationID, cbTenantID)
		require.NoError(t, err)
		_, err = store.UpdateTokens(ctx, cbIntegrationID, cbTenantID, stored.UpdatedAt, integration.TokenUpdate{
			AccessTokenEncrypted: "ciphertext",
			ExpiresAt:            now.Add(time.Hour),
			UpdatedBy:            cbUserID,
		})
		require.NoError(t, err)

		_, _, failure := v.VerifyOwnership(ctx, raw, param, now)
		require.NotNil(t, failure)
		assert.Equal(t, mwaperrors.ErrAlreadyConfigured, failure.Code)
		assert.Contains(t, failure.Issues, "Integration is already configured")
	})

	t.Run("rejects a callback with no flow in progress", func(t *testing.T) {
		t.Parallel()
		store := seedCallbackStore(t, true)
		v := newTestValidator(t, store)
		raw, param := validRawState(t, now)

		_, _, failure := v.VerifyOwnership(ctx, raw, param, now)
		require.NotNil(t, failure)
		assert.Equal(t, mwaperrors.ErrInvalidState, failure.Code)
		assert.Contains(t, failure.Issues, "No authorization flow in progress")
	})

	t.Run("rejects a state whose hash differs from the stored flow", func(t *testing.T) {
		t.Parallel()
		store := seedCallbackStore(t, true)
		v := newTestValidator(t, store)
		raw, param := validRawState(t, now)
		bindFlow(t, store, raw, param, now)

		// Re-encoding the same JSON with padding decodes identically but
		// hashes differently, so the binding to the exact initiation string
		// must catch it.
		decoded, err := base64.RawURLEncoding.DecodeString(raw)
		require.NoError(t, err)
		padded := base64.URLEncoding.EncodeToString(decoded)
		require.NotEqual(t, raw, padded)

		_, _, failure := v.VerifyOwnership(ctx, padded, param, now)
		require.NotNil(t, failure)
		assert.Equal(t, mwaperrors.ErrInvalidState, failure.Code)
		assert.Contains(t, failure.Issues, "State does not match the current authorization flow")
	})

	t.Run("rejects a nonce differing from the stored flow", func(t *testing.T) {
		t.Parallel()
		store := seedCallbackStore(t, true)
		v := newTestValidator(t, store)
		raw, param := validRawState(t, now)

		flow := &integration.FlowContext{
			FlowID:    uuid.NewString(),
			Nonce:     "different-nonce-0123456",
			StateHash: oauth.HashState(raw),
			Status:    integration.FlowPending,
			CreatedAt: now,
			ExpiresAt: now.Add(10 * time.Minute),
		}
		require.NoError(t, store.SetFlowContext(ctx, cbIntegrationID, cbTenantID, flow, nil, cbUserID))

		_, _, failure := v.VerifyOwnership(ctx, raw, param, now)
		require.NotNil(t, failure)
		assert.Equal(t, mwaperrors.ErrInvalidState, failure.Code)
		assert.Contains(t, failure.Issues, "State nonce does not match the stored flow")
	})

	t.Run("rejects an expired flow context", func(t *testing.T) {
		t.Parallel()
		store := seedCallbackStore(t, true)
		v := newTestValidator(t, store)
		raw, param := validRawState(t, now)

		flow := &integration.FlowContext{
			FlowID:    uuid.NewString(),
			Nonce:     param.Nonce,
			StateHash: oauth.HashState(raw),
			Status:    integration.FlowPending,
			CreatedAt: now.Add(-20 * time.Minute),
			ExpiresAt: now.Add(-10 * time.Minute),
		}
		require.NoError(t, store.SetFlowContext(ctx, cbIntegrationID, cbTenantID, flow, nil, cbUserID))

		_, _, failure := v.VerifyOwnership(ctx, raw, param, now)
		require.NotNil(t, failure)
		assert.Equal(t, mwaperrors.ErrStateExpired, failure.Code)
		assert.Contains(t, failure.Issues, "Authorization flow has expired")
	})

	t.Run("rejects a flow that is not pending", func(t *testing.T) {
		t.Parallel()
		store := seedCallbackStore(t, true)
		v := newTestValidator(t, store)
		raw, param := validRawState(t, now)

		flow := &integration.FlowContext{
			FlowID:    uuid.NewString(),
			Nonce:     param.Nonce,
			StateHash: oauth.HashState(raw),
			Status:    integration.FlowFailed,
			CreatedAt: now,
			ExpiresAt: now.Add(10 * time.Minute),
		}
		require.NoError(t, store.SetFlowContext(ctx, cbIntegrationID, cbTenantID, flow, nil, cbUserID))

		_, _, failure := v.VerifyOwnership(ctx, raw, param, now)
		require.NotNil(t, failure)
		assert.Equal(t, mwaperrors.ErrInvalidState, failure.Code)
	})

	t.Run("rejects a disabled provider", func(t *testing.T) {
		t.Parallel()
		store := seedCallbackStore(t, false)
		v := newTestValidator(t, store)
		raw, param := validRawState(t, now)
		bindFlow(t, store, raw, param, now)

		_, _, failure := v.VerifyOwnership(ctx, raw, param, now)
		require.NotNil(t, failure)
		assert.Equal(t, mwaperrors.ErrProviderDisabled, failure.Code)
	})

	t.Run("rejects an integration whose provider is gone", func(t *testing.T) {
		t.Parallel()
		store := integration.NewMemoryStore()
		require.NoError(t, store.CreateTenant(ctx, integration.Tenant{ID: cbTenantID, OwnerID: cbUserID}))
		require.NoError(t, store.CreateIntegration(ctx, integration.Integration{
			ID:         cbIntegrationID,
			TenantID:   cbTenantID,
			ProviderID: "64f1a2b3c4d5e6f789017777",
		}))
		v := newTestValidator(t, store)
		raw, param := validRawState(t, now)
		bindFlow(t, store, raw, param, now)

		_, _, failure := v.VerifyOwnership(ctx, raw, param, now)
		require.NotNil(t, failure)
		assert.Equal(t, mwaperrors.ErrProviderUnavailable, failure.Code)
	})
}

func TestValidatePKCE(t *testing.T) {
	t.Parallel()

	cipher := testAESCipher(t)
	v := NewValidator(integration.NewMemoryStore(), cipher, ValidatorConfig{
		AllowedHosts: []string{"app.example.com"},
	})

	pkceProvider := integration.Provider{Slug: "google-drive", UsePKCE: true}
	confidential := integration.Provider{Slug: "dropbox"}

	newContext := func(t *testing.T, verifier, challenge, method string) *integration.PKCEContext {
		t.Helper()
		enc, err := cipher.EncryptString(verifier)
		require.NoError(t, err)
		return &integration.PKCEContext{VerifierEncrypted: enc, Challenge: challenge, Method: method}
	}

	t.Run("returns the verifier for consistent S256 material", func(t *testing.T) {
		t.Parallel()
		verifier := oauth.GenerateVerifier()
		integ := integration.Integration{
			PKCE: newContext(t, verifier, oauth.ChallengeS256(verifier), oauth.ChallengeMethodS256),
		}

		got, failure := v.ValidatePKCE(pkceProvider, integ)
		require.Nil(t, failure)
		assert.Equal(t, verifier, got)
	})

	t.Run("passes a confidential flow without PKCE material", func(t *testing.T) {
		t.Parallel()
		got, failure := v.ValidatePKCE(confidential, integration.Integration{})
		require.Nil(t, failure)
		assert.Empty(t, got)
	})

	t.Run("rejects a PKCE provider flow missing its material", func(t *testing.T) {
		t.Parallel()
		_, failure := v.ValidatePKCE(pkceProvider, integration.Integration{})
		require.NotNil(t, failure)
		assert.Equal(t, mwaperrors.ErrInvalidPKCEParameters, failure.Code)
		assert.Contains(t, failure.Issues, "PKCE parameters failed validation")
	})

	t.Run("rejects a challenge that does not match the verifier", func(t *testing.T) {
		t.Parallel()
		verifier := oauth.GenerateVerifier()
		other := oauth.GenerateVerifier()
		integ := integration.Integration{
			PKCE: newContext(t, verifier, oauth.ChallengeS256(other), oauth.ChallengeMethodS256),
		}

		_, failure := v.ValidatePKCE(pkceProvider, integ)
		require.NotNil(t, failure)
		assert.Equal(t, mwaperrors.ErrInvalidPKCEParameters, failure.Code)
	})

	t.Run("rejects an undecryptable verifier", func(t *testing.T) {
		t.Parallel()
		integ := integration.Integration{
			PKCE: &integration.PKCEContext{
				VerifierEncrypted: "bm90LWEtY2lwaGVydGV4dA",
				Challenge:         "whatever",
				Method:            oauth.ChallengeMethodS256,
			},
		}

		_, failure := v.ValidatePKCE(pkceProvider, integ)
		require.NotNil(t, failure)
		assert.Equal(t, mwaperrors.ErrInvalidPKCEParameters, failure.Code)
	})
}

func TestRedirectURIPolicy(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t, integration.NewMemoryStore())

	t.Run("builds https from the request host ignoring proxies", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, "https://app.example.com/api/v1/oauth/callback",
			v.BuildRedirectURI("app.example.com"))
		assert.Equal(t, "https://app.example.com:8443/api/v1/oauth/callback",
			v.BuildRedirectURI("app.example.com:8443"))
	})

	t.Run("registered URI uses the canonical host", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, "https://app.example.com/api/v1/oauth/callback", v.RegisteredRedirectURI())
	})

	validateCases := []struct {
		name     string
		raw      string
		insecure bool
		hosts    []string
		want     string
		wantErr  bool
	}{
		{
			name:  "accepts https on an allowed host",
			raw:   "https://app.example.com/api/v1/oauth/callback",
			hosts: []string{"app.example.com"},
			want:  "https://app.example.com/api/v1/oauth/callback",
		},
		{
			name:  "strips the default https port",
			raw:   "https://app.example.com:443/api/v1/oauth/callback",
			hosts: []string{"app.example.com"},
			want:  "https://app.example.com/api/v1/oauth/callback",
		},
		{
			name:  "lowercases the host",
			raw:   "https://App.Example.COM/api/v1/oauth/callback",
			hosts: []string{"app.example.com"},
			want:  "https://app.example.com/api/v1/oauth/callback",
		},
		{
			name:    "rejects a host off the allow-list",
			raw:     "https://evil.example.com/api/v1/oauth/callback",
			hosts:   []string{"app.example.com"},
			wantErr: true,
		},
		{
			name:    "rejects plain http in production posture",
			raw:     "http://app.example.com/api/v1/oauth/callback",
			hosts:   []string{"app.example.com"},
			wantErr: true,
		},
		{
			name:     "rejects plain http off loopback even when insecure is allowed",
			raw:      "http://app.example.com/api/v1/oauth/callback",
			hosts:    []string{"app.example.com"},
			insecure: true,
			wantErr:  true,
		},
		{
			name:     "accepts plain http on loopback when insecure is allowed",
			raw:      "http://localhost:8080/api/v1/oauth/callback",
			hosts:    []string{"localhost"},
			insecure: true,
			want:     "http://localhost:8080/api/v1/oauth/callback",
		},
		{
			name:    "rejects plain http on loopback by default",
			raw:     "http://localhost:8080/api/v1/oauth/callback",
			hosts:   []string{"localhost"},
			wantErr: true,
		},
		{
			name:    "rejects a query string",
			raw:     "https://app.example.com/api/v1/oauth/callback?next=/admin",
			hosts:   []string{"app.example.com"},
			wantErr: true,
		},
		{
			name:    "rejects a wrong path",
			raw:     "https://app.example.com/api/v1/oauth/other",
			hosts:   []string{"app.example.com"},
			wantErr: true,
		},
		{
			name:    "rejects a non-http scheme",
			raw:     "ftp://app.example.com/api/v1/oauth/callback",
			hosts:   []string{"app.example.com"},
			wantErr: true,
		},
		{
			name:    "rejects a relative URL",
			raw:     "/api/v1/oauth/callback",
			hosts:   []string{"app.example.com"},
			wantErr: true,
		},
	}

	for _, tc := range validateCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			validator := NewValidator(integration.NewMemoryStore(), testAESCipher(t), ValidatorConfig{
				AllowedHosts:  tc.hosts,
				AllowInsecure: tc.insecure,
			})

			got, failure := validator.ValidateRedirectURI(tc.raw)
			if tc.wantErr {
				require.NotNil(t, failure)
				assert.Equal(t, mwaperrors.ErrInvalidRedirectURI, failure.Code)
				return
			}
			require.Nil(t, failure)
			assert.Equal(t, tc.want, got)
		})
	}

	t.Run("matches the registered URI exactly", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, v.MatchesRegistered("https://app.example.com/api/v1/oauth/callback"))

		failure := v.MatchesRegistered("https://other.example.com/api/v1/oauth/callback")
		require.NotNil(t, failure)
		assert.Equal(t, mwaperrors.ErrRedirectURIMismatch, failure.Code)
	})

	t.Run("tolerates a port difference only on loopback", func(t *testing.T) {
		t.Parallel()
		local := NewValidator(integration.NewMemoryStore(), testAESCipher(t), ValidatorConfig{
			AllowedHosts:  []string{"localhost"},
			AllowInsecure: true,
		})

		assert.Nil(t, local.MatchesRegistered("https://localhost:8443/api/v1/oauth/callback"))
		assert.NotNil(t, v.MatchesRegistered("https://app.example.com:8443/api/v1/oauth/callback"))
	})
}

func TestUserRedirects(t *testing.T) {
	t.Parallel()

	t.Run("error redirect escapes spaces as %20", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t,
			"/oauth/error?message=Request%20has%20expired%2C%20please%20try%20again",
			BuildErrorRedirect(mwaperrors.ErrStateExpired))
		assert.Equal(t,
			"/oauth/error?message=Integration%20not%20found%20or%20access%20denied",
			BuildErrorRedirect(mwaperrors.ErrIntegrationNotFound))
	})

	t.Run("provider token errors map through the generic table", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t,
			"/oauth/error?message=Authorization%20code%20is%20invalid%20or%20expired",
			BuildErrorRedirect("invalid_grant"))
	})

	t.Run("success redirect carries tenant and integration", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t,
			"/oauth/success?tenantId="+cbTenantID+"&integrationId="+cbIntegrationID,
			BuildSuccessRedirect(cbTenantID, cbIntegrationID))
	})
}
