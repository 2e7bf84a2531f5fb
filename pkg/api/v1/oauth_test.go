package v1

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/dhirmadi/mwapserver-sub005/pkg/audit"
	"github.com/dhirmadi/mwapserver-sub005/pkg/auth"
	"github.com/dhirmadi/mwapserver-sub005/pkg/crypto/aes"
	mwaperrors "github.com/dhirmadi/mwapserver-sub005/pkg/errors"
	"github.com/dhirmadi/mwapserver-sub005/pkg/integration"
	"github.com/dhirmadi/mwapserver-sub005/pkg/oauth"
	"github.com/dhirmadi/mwapserver-sub005/pkg/security"
)

const (
	testTenantID      = "64ab0d9f1e2a3b4c5d6e7f01"
	testIntegrationID = "64ab0d9f1e2a3b4c5d6e7f02"
	testUserID        = "64ab0d9f1e2a3b4c5d6e7f03"
	testProviderID    = "64ab0d9f1e2a3b4c5d6e7f04"
	testHost          = "mwapsp.example"
	testJWTSecret     = "0123456789abcdef0123456789abcdef"
)

type exchangeCall struct {
	code        string
	redirectURI string
	verifier    string
}

// fakeProtocolClient records outbound protocol calls and plays back canned
// results, so handler tests never touch the network.
type fakeProtocolClient struct {
	tokens      *oauth.Tokens
	exchangeErr error
	refreshErr  error

	// failOnDeadCtx makes ExchangeCode honor context cancellation, to prove
	// the callback detaches the exchange from the client connection.
	failOnDeadCtx bool

	exchanges []exchangeCall
	refreshes []string
}

func (*fakeProtocolClient) AuthorizationURL(p *oauth.ProviderConfig, state, redirectURI, codeChallenge string) (string, error) {
	u, err := url.Parse(p.AuthURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("state", state)
	q.Set("redirect_uri", redirectURI)
	if codeChallenge != "" {
		q.Set("code_challenge", codeChallenge)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *fakeProtocolClient) ExchangeCode(ctx context.Context, _ *oauth.ProviderConfig, code, redirectURI, codeVerifier string) (*oauth.Tokens, error) {
	f.exchanges = append(f.exchanges, exchangeCall{code: code, redirectURI: redirectURI, verifier: codeVerifier})
	if f.failOnDeadCtx && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	t := *f.tokens
	return &t, nil
}

func (f *fakeProtocolClient) RefreshTokens(_ context.Context, _ *oauth.ProviderConfig, refreshToken string) (*oauth.Tokens, error) {
	f.refreshes = append(f.refreshes, refreshToken)
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	t := *f.tokens
	return &t, nil
}

// brokerFixture assembles a full OAuth route group over the in-memory store.
// Tests may swap store or limiter before the first router() call.
type brokerFixture struct {
	t       *testing.T
	mem     *integration.MemoryStore
	store   integration.Store
	cipher  *aes.Cipher
	client  *fakeProtocolClient
	monitor *security.Monitor
	auditor *audit.Auditor
	audits  *bytes.Buffer
	limiter *rate.Limiter

	handler http.Handler
}

func newBrokerFixture(t *testing.T) *brokerFixture {
	t.Helper()

	cipher, err := aes.NewCipher(bytes.Repeat([]byte{0x42}, aes.KeySize))
	require.NoError(t, err)

	mem := integration.NewMemoryStore()
	audits := &bytes.Buffer{}
	monitor := security.NewMonitor(security.DefaultMonitorConfig())
	t.Cleanup(monitor.Close)

	return &brokerFixture{
		t:      t,
		mem:    mem,
		store:  mem,
		cipher: cipher,
		client: &fakeProtocolClient{tokens: &oauth.Tokens{
			AccessToken:  "provider-access-token",
			RefreshToken: "provider-refresh-token",
			ExpiresIn:    3600,
			Scopes:       []string{"files.read"},
		}},
		monitor: monitor,
		auditor: audit.NewAuditor("test-broker", audits),
		audits:  audits,
	}
}

func (f *brokerFixture) tokenMiddleware() func(http.Handler) http.Handler {
	f.t.Helper()
	v, err := auth.NewTokenValidator(context.Background(), auth.TokenValidatorConfig{
		Issuer:   "https://issuer.test/",
		Audience: "mwap-api",
		Secret:   []byte(testJWTSecret),
	})
	require.NoError(f.t, err)
	return v.Middleware
}

func (f *brokerFixture) router() http.Handler {
	if f.handler == nil {
		validator := security.NewValidator(f.store, f.cipher, security.ValidatorConfig{
			AllowedHosts: []string{testHost, "localhost"},
		})
		f.handler = OAuthRouter(OAuthDeps{
			Store:           f.store,
			Cipher:          f.cipher,
			Client:          f.client,
			Validator:       validator,
			Monitor:         f.monitor,
			Auditor:         f.auditor,
			TokenMiddleware: f.tokenMiddleware(),
			Verifier:        TenantOwners(f.store),
			CallbackLimiter: f.limiter,
		})
	}
	return f.handler
}

func (f *brokerFixture) seedTenant() {
	f.t.Helper()
	require.NoError(f.t, f.mem.CreateTenant(context.Background(), integration.Tenant{
		ID:      testTenantID,
		Name:    "Acme",
		OwnerID: testUserID,
	}))
}

func (f *brokerFixture) seedProvider(usePKCE bool) {
	f.t.Helper()
	p := integration.Provider{
		ID:          testProviderID,
		Slug:        "dropbox",
		DisplayName: "Dropbox",
		AuthURL:     "https://provider.test/authorize",
		TokenURL:    "https://provider.test/token",
		ClientID:    "client-id",
		Scopes:      []string{"files.read"},
		UsePKCE:     usePKCE,
		Enabled:     true,
	}
	if !usePKCE {
		secret, err := f.cipher.EncryptString("client-secret-value")
		require.NoError(f.t, err)
		p.ClientSecretEncrypted = secret
	}
	require.NoError(f.t, f.mem.CreateProvider(context.Background(), p))
}

// seedPendingFlow stores tenant, provider, and an integration with a pending
// flow bound to a fresh state. It returns the raw state and, for PKCE flows,
// the plaintext verifier.
func (f *brokerFixture) seedPendingFlow(usePKCE bool) (string, string) {
	f.t.Helper()
	f.seedTenant()
	f.seedProvider(usePKCE)

	now := time.Now()
	param, err := oauth.NewParameter(testTenantID, testIntegrationID, testUserID, now)
	require.NoError(f.t, err)
	rawState, err := param.Encode()
	require.NoError(f.t, err)

	integ := integration.Integration{
		ID:         testIntegrationID,
		TenantID:   testTenantID,
		ProviderID: testProviderID,
		Flow: &integration.FlowContext{
			FlowID:    integration.NewID(),
			Nonce:     param.Nonce,
			StateHash: oauth.HashState(rawState),
			Status:    integration.FlowPending,
			CreatedAt: now,
			ExpiresAt: now.Add(10 * time.Minute),
		},
		CreatedBy: testUserID,
	}

	var verifier string
	if usePKCE {
		verifier = oauth.GenerateVerifier()
		enc, err := f.cipher.EncryptString(verifier)
		require.NoError(f.t, err)
		integ.PKCE = &integration.PKCEContext{
			VerifierEncrypted: enc,
			Challenge:         oauth.ChallengeS256(verifier),
			Method:            oauth.ChallengeMethodS256,
		}
	}

	require.NoError(f.t, f.mem.CreateIntegration(context.Background(), integ))
	return rawState, verifier
}

func (f *brokerFixture) callback(query url.Values) *httptest.ResponseRecorder {
	f.t.Helper()
	req := httptest.NewRequest(http.MethodGet, "https://"+testHost+"/callback?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	f.router().ServeHTTP(rec, req)
	return rec
}

func (f *brokerFixture) getIntegration() integration.Integration {
	f.t.Helper()
	integ, err := f.mem.GetIntegration(context.Background(), testIntegrationID, testTenantID)
	require.NoError(f.t, err)
	return integ
}

func TestCallbackConfidentialSuccess(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t)
	rawState, _ := f.seedPendingFlow(false)

	rec := f.callback(url.Values{"code": {"auth-code-123"}, "state": {rawState}})

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t,
		"/oauth/success?tenantId="+testTenantID+"&integrationId="+testIntegrationID,
		rec.Header().Get("Location"))

	require.Len(t, f.client.exchanges, 1)
	call := f.client.exchanges[0]
	assert.Equal(t, "auth-code-123", call.code)
	assert.Equal(t, "https://"+testHost+"/api/v1/oauth/callback", call.redirectURI)
	assert.Empty(t, call.verifier)

	integ := f.getIntegration()
	assert.Equal(t, integration.StatusActive, integ.Status)
	assert.Nil(t, integ.Flow)
	assert.Nil(t, integ.PKCE)
	assert.Equal(t, []string{"files.read"}, integ.ScopesGranted)
	assert.Equal(t, testUserID, integ.UpdatedBy)

	access, err := f.cipher.DecryptString(integ.AccessTokenEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "provider-access-token", access)
	refresh, err := f.cipher.DecryptString(integ.RefreshTokenEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "provider-refresh-token", refresh)

	metrics := f.monitor.CurrentMetrics()
	assert.Equal(t, 1, metrics.TotalAttempts)
	assert.Equal(t, 0, metrics.TotalFailures)

	assert.Contains(t, f.audits.String(), "oauth.callback.success")
}

func TestCallbackPKCESuccess(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t)
	rawState, verifier := f.seedPendingFlow(true)

	rec := f.callback(url.Values{"code": {"auth-code-123"}, "state": {rawState}})

	require.Equal(t, http.StatusFound, rec.Code)
	require.Len(t, f.client.exchanges, 1)
	assert.Equal(t, verifier, f.client.exchanges[0].verifier)
	assert.Equal(t, integration.StatusActive, f.getIntegration().Status)
}

func TestCallbackProviderErrorParam(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t)
	f.seedPendingFlow(false)

	rec := f.callback(url.Values{
		"error":             {"access_denied"},
		"error_description": {"user cancelled the consent screen"},
	})

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t,
		"/oauth/error?message=Authorization%20failed%2C%20please%20try%20again",
		rec.Header().Get("Location"))
	assert.Empty(t, f.client.exchanges)

	report := f.monitor.GenerateReport()
	require.Len(t, report.TopErrorCodes, 1)
	assert.Equal(t, mwaperrors.ErrProviderError, report.TopErrorCodes[0].Code)

	assert.Contains(t, f.audits.String(), "oauth.callback.failure")
	assert.Contains(t, f.audits.String(), "access_denied")
}

func TestCallbackMissingParameters(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t)
	rawState, _ := f.seedPendingFlow(false)

	for name, query := range map[string]url.Values{
		"no code":  {"state": {rawState}},
		"no state": {"code": {"auth-code-123"}},
		"neither":  {},
	} {
		rec := f.callback(query)
		require.Equal(t, http.StatusFound, rec.Code, name)
		assert.Equal(t,
			"/oauth/error?message=Invalid%20request%2C%20please%20try%20again",
			rec.Header().Get("Location"), name)
	}
	assert.Empty(t, f.client.exchanges)
}

func TestCallbackMalformedState(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t)
	f.seedPendingFlow(false)

	rec := f.callback(url.Values{"code": {"auth-code-123"}, "state": {"!!!not-base64!!!"}})

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t,
		"/oauth/error?message=Invalid%20request%2C%20please%20try%20again",
		rec.Header().Get("Location"))
	assert.Empty(t, f.client.exchanges)
}

func TestCallbackExpiredState(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t)
	f.seedTenant()
	f.seedProvider(false)

	param, err := oauth.NewParameter(testTenantID, testIntegrationID, testUserID,
		time.Now().Add(-11*time.Minute))
	require.NoError(t, err)
	rawState, err := param.Encode()
	require.NoError(t, err)

	rec := f.callback(url.Values{"code": {"auth-code-123"}, "state": {rawState}})

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t,
		"/oauth/error?message=Request%20has%20expired%2C%20please%20try%20again",
		rec.Header().Get("Location"))
}

func TestCallbackUnknownIntegration(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t)
	f.seedTenant()
	f.seedProvider(false)
	// No integration stored: the state references records that do not exist.

	param, err := oauth.NewParameter(testTenantID, testIntegrationID, testUserID, time.Now())
	require.NoError(t, err)
	rawState, err := param.Encode()
	require.NoError(t, err)

	rec := f.callback(url.Values{"code": {"auth-code-123"}, "state": {rawState}})

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t,
		"/oauth/error?message=Integration%20not%20found%20or%20access%20denied",
		rec.Header().Get("Location"))
}

func TestCallbackReplayAfterCompletion(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t)
	f.seedTenant()
	f.seedProvider(false)

	access, err := f.cipher.EncryptString("already-stored-token")
	require.NoError(t, err)
	require.NoError(t, f.mem.CreateIntegration(context.Background(), integration.Integration{
		ID:                   testIntegrationID,
		TenantID:             testTenantID,
		ProviderID:           testProviderID,
		Status:               integration.StatusActive,
		AccessTokenEncrypted: access,
	}))

	param, err := oauth.NewParameter(testTenantID, testIntegrationID, testUserID, time.Now())
	require.NoError(t, err)
	rawState, err := param.Encode()
	require.NoError(t, err)

	rec := f.callback(url.Values{"code": {"auth-code-123"}, "state": {rawState}})

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t,
		"/oauth/error?message=Integration%20is%20already%20configured",
		rec.Header().Get("Location"))
	assert.Empty(t, f.client.exchanges)

	patterns := f.monitor.RecentPatterns(10)
	require.NotEmpty(t, patterns)
	assert.Equal(t, security.PatternReplayAttack, patterns[0].Type)
	assert.Contains(t, f.audits.String(), "oauth.security.issue")
}

func TestCallbackExchangeRejected(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t)
	rawState, _ := f.seedPendingFlow(false)
	f.client.exchangeErr = mwaperrors.NewProviderTokenError(
		"invalid_grant", "authorization code expired", http.StatusBadRequest, nil)

	rec := f.callback(url.Values{"code": {"auth-code-123"}, "state": {rawState}})

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t,
		"/oauth/error?message=Authorization%20code%20is%20invalid%20or%20expired",
		rec.Header().Get("Location"))

	integ := f.getIntegration()
	assert.NotEqual(t, integration.StatusActive, integ.Status)
	assert.Empty(t, integ.AccessTokenEncrypted)

	assert.Contains(t, f.audits.String(), "invalid_grant")
}

func TestCallbackHostNotAllowed(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t)
	rawState, _ := f.seedPendingFlow(false)

	req := httptest.NewRequest(http.MethodGet,
		"https://evil.example/callback?code=auth-code-123&state="+url.QueryEscape(rawState), nil)
	rec := httptest.NewRecorder()
	f.router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t,
		"/oauth/error?message=Invalid%20request%2C%20please%20try%20again",
		rec.Header().Get("Location"))
	assert.Empty(t, f.client.exchanges)
}

// conflictStore forces the token persistence race for the callback test.
type conflictStore struct {
	integration.Store
}

func (conflictStore) UpdateTokens(context.Context, string, string, time.Time, integration.TokenUpdate) (integration.Integration, error) {
	return integration.Integration{}, integration.ErrConcurrentUpdate
}

func TestCallbackConcurrentUpdate(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t)
	rawState, _ := f.seedPendingFlow(false)
	f.store = conflictStore{Store: f.mem}

	rec := f.callback(url.Values{"code": {"auth-code-123"}, "state": {rawState}})

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t,
		"/oauth/error?message=Invalid%20request%2C%20please%20try%20again",
		rec.Header().Get("Location"))
	require.Len(t, f.client.exchanges, 1)
}

func TestCallbackRateLimited(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t)
	f.seedPendingFlow(false)
	f.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	first := f.callback(url.Values{})
	assert.Equal(t, http.StatusFound, first.Code)

	second := f.callback(url.Values{})
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestCallbackSurvivesClientDisconnect(t *testing.T) {
	t.Parallel()
	f := newBrokerFixture(t)
	rawState, _ := f.seedPendingFlow(false)
	f.client.failOnDeadCtx = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodGet,
		"https://"+testHost+"/callback?code=auth-code-123&state="+url.QueryEscape(rawState), nil)
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	f.router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t,
		"/oauth/success?tenantId="+testTenantID+"&integrationId="+testIntegrationID,
		rec.Header().Get("Location"))
	assert.Equal(t, integration.StatusActive, f.getIntegration().Status)
}
