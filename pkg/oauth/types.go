// Package oauth implements the broker's side of the OAuth 2.0
// authorization-code protocol: authorization URL construction, code
// exchange (confidential and PKCE flows), token refresh, and the state
// parameter carried across the provider redirect.
package oauth

import (
	"errors"
	"fmt"
)

// defaultExpiresIn is assumed when a provider omits expires_in (seconds).
const defaultExpiresIn = 3600

// ProviderConfig is the per-provider material needed to run a flow. The
// client secret is the decrypted value and must only live for the duration
// of a request.
type ProviderConfig struct {
	// Name is the provider slug, used in logs
	Name string

	// DisplayName is the human-readable provider name
	DisplayName string

	// AuthURL is the authorization endpoint
	AuthURL string

	// TokenURL is the token endpoint
	TokenURL string

	// ClientID is the OAuth client ID registered with the provider
	ClientID string

	// ClientSecret is the OAuth client secret (empty for PKCE public clients)
	ClientSecret string

	// Scopes are the scopes requested at authorization
	Scopes []string

	// UsePKCE selects the public-client flow
	UsePKCE bool

	// ExtraAuthParams are provider-specific authorization parameters,
	// typically the switches that make the provider issue a refresh token
	// (offline access, consent prompt).
	ExtraAuthParams map[string]string
}

// Validate checks that the config can drive a flow.
func (c *ProviderConfig) Validate() error {
	if c == nil {
		return errors.New("provider config is required")
	}
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	if c.AuthURL == "" {
		return errors.New("authorization URL is required")
	}
	if c.TokenURL == "" {
		return errors.New("token URL is required")
	}
	if !c.UsePKCE && c.ClientSecret == "" {
		return fmt.Errorf("provider %s: confidential flow requires a client secret", c.Name)
	}
	return nil
}

// Tokens represents the material returned by a provider token endpoint.
type Tokens struct {
	// AccessToken is the access token issued by the provider
	AccessToken string

	// RefreshToken is the refresh token, if the provider issued one
	RefreshToken string

	// ExpiresIn is the access token lifetime in seconds
	ExpiresIn int

	// Scopes are the granted scopes, space-split from the response
	Scopes []string
}

// tokenResponse is the provider token endpoint success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// tokenErrorResponse is the provider token endpoint error body (RFC 6749 §5.2).
type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}
