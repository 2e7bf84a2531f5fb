package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	mwaperrors "github.com/dhirmadi/mwapserver-sub005/pkg/errors"
	"github.com/dhirmadi/mwapserver-sub005/pkg/logger"
	"github.com/dhirmadi/mwapserver-sub005/pkg/networking"
)

// maxResponseSize bounds provider token responses.
const maxResponseSize = 1024 * 1024 // 1MB

// Client talks to provider authorization and token endpoints. It is safe for
// concurrent use.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a protocol client. A nil httpClient gets a hardened
// default from the networking builder; a non-positive timeout gets the
// standard outbound timeout.
func NewClient(httpClient *http.Client, timeout time.Duration) (*Client, error) {
	if httpClient == nil {
		var err error
		httpClient, err = networking.NewHttpClientBuilder().Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build HTTP client: %w", err)
		}
	}
	if timeout <= 0 {
		timeout = networking.HttpTimeout
	}
	return &Client{httpClient: httpClient, timeout: timeout}, nil
}

// AuthorizationURL builds the URL the user is redirected to at the provider.
// Provider-specific switches (offline access, consent prompts) come from the
// provider's extra parameters; PKCE flows append the S256 challenge.
func (*Client) AuthorizationURL(p *ProviderConfig, state, redirectURI, codeChallenge string) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	if state == "" {
		return "", errors.New("state parameter is required")
	}
	if redirectURI == "" {
		return "", errors.New("redirect URI is required")
	}

	conf := &oauth2.Config{
		ClientID:    p.ClientID,
		RedirectURL: redirectURI,
		Scopes:      p.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.AuthURL,
			TokenURL: p.TokenURL,
		},
	}

	opts := make([]oauth2.AuthCodeOption, 0, len(p.ExtraAuthParams)+2)
	for k, v := range p.ExtraAuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", ChallengeMethodS256),
		)
	}

	return conf.AuthCodeURL(state, opts...), nil
}

// ExchangeCode exchanges an authorization code for tokens. The flow is
// selected by the presence of a PKCE verifier: with one, the client
// authenticates through the verifier alone; without one, through HTTP Basic
// with the client secret.
func (c *Client) ExchangeCode(ctx context.Context, p *ProviderConfig, code, redirectURI, codeVerifier string) (*Tokens, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}
	if p.TokenURL == "" {
		return nil, errors.New("token URL is required")
	}
	if codeVerifier == "" && p.ClientSecret == "" {
		return nil, fmt.Errorf("provider %s: confidential exchange requires a client secret", p.Name)
	}

	params := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	}
	useBasicAuth := codeVerifier == ""
	if codeVerifier != "" {
		params.Set("client_id", p.ClientID)
		params.Set("code_verifier", codeVerifier)
	}

	logger.Infow("exchanging authorization code for tokens",
		"provider", p.Name,
		"token_endpoint", p.TokenURL,
		"has_pkce_verifier", codeVerifier != "",
	)

	start := time.Now()
	tokens, err := c.tokenRequest(ctx, p, params, useBasicAuth)
	if err != nil {
		return nil, err
	}

	logger.Infow("authorization code exchange successful",
		"provider", p.Name,
		"duration_ms", time.Since(start).Milliseconds(),
		"has_refresh_token", tokens.RefreshToken != "",
		"expires_in", tokens.ExpiresIn,
		"scopes", tokens.Scopes,
	)

	return tokens, nil
}

// RefreshTokens obtains a fresh access token. When the provider does not
// rotate the refresh token, the previous one is carried forward.
func (c *Client) RefreshTokens(ctx context.Context, p *ProviderConfig, refreshToken string) (*Tokens, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token is required")
	}
	if p.TokenURL == "" {
		return nil, errors.New("token URL is required")
	}

	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	useBasicAuth := p.ClientSecret != ""
	if !useBasicAuth {
		params.Set("client_id", p.ClientID)
	}

	logger.Infow("refreshing tokens",
		"provider", p.Name,
		"token_endpoint", p.TokenURL,
	)

	start := time.Now()
	tokens, err := c.tokenRequest(ctx, p, params, useBasicAuth)
	if err != nil {
		return nil, err
	}
	if tokens.RefreshToken == "" {
		// RFC 6749 §6: a response without refresh_token leaves the old one valid.
		tokens.RefreshToken = refreshToken
	}

	logger.Infow("token refresh successful",
		"provider", p.Name,
		"duration_ms", time.Since(start).Milliseconds(),
		"expires_in", tokens.ExpiresIn,
	)

	return tokens, nil
}

// tokenRequest performs one POST against the provider token endpoint. The
// form body and Authorization header carry secrets and are never logged.
func (c *Client) tokenRequest(ctx context.Context, p *ProviderConfig, params url.Values, useBasicAuth bool) (*Tokens, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenURL, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, mwaperrors.NewInternalError("failed to create token request", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if useBasicAuth {
		// RFC 6749 §2.3.1: credentials are form-urlencoded before Basic.
		req.SetBasicAuth(url.QueryEscape(p.ClientID), url.QueryEscape(p.ClientSecret))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, mwaperrors.NewErrorWithStatus(mwaperrors.ErrProviderError,
				"token endpoint timed out", http.StatusGatewayTimeout, err)
		}
		return nil, mwaperrors.NewErrorWithStatus(mwaperrors.ErrProviderError,
			"token request failed", http.StatusBadGateway, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, mwaperrors.NewErrorWithStatus(mwaperrors.ErrProviderError,
			"failed to read token response", http.StatusBadGateway, err)
	}

	return parseTokenResponse(body, resp.StatusCode)
}

// parseTokenResponse maps a token endpoint response onto Tokens or a broker
// error. Provider error codes keep the provider's HTTP status; garbage
// responses surface as bad gateway.
func parseTokenResponse(body []byte, status int) (*Tokens, error) {
	if status >= http.StatusBadRequest {
		var errResp tokenErrorResponse
		if jsonErr := json.Unmarshal(body, &errResp); jsonErr != nil || errResp.Error == "" {
			return nil, mwaperrors.NewErrorWithStatus(mwaperrors.ErrProviderError,
				fmt.Sprintf("token endpoint returned status %d", status), http.StatusBadGateway, nil)
		}
		return nil, mwaperrors.NewProviderTokenError(errResp.Error,
			"token endpoint rejected the request", status, providerCause(errResp))
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, mwaperrors.NewErrorWithStatus(mwaperrors.ErrProviderError,
			"invalid token response body", http.StatusBadGateway, err)
	}
	if tok.AccessToken == "" {
		return nil, mwaperrors.NewErrorWithStatus(mwaperrors.ErrProviderError,
			"token response missing access_token", http.StatusBadGateway, nil)
	}

	expiresIn := tok.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}

	return &Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn,
		Scopes:       strings.Fields(tok.Scope),
	}, nil
}

// providerCause preserves the provider's error description for logs. RFC 6749
// §5.2 bounds these fields to ASCII error text; they carry no token material.
func providerCause(e tokenErrorResponse) error {
	if e.ErrorDescription != "" {
		return fmt.Errorf("%s: %s", e.Error, e.ErrorDescription)
	}
	return errors.New(e.Error)
}
