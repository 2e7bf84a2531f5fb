// Package security validates OAuth callback requests and watches the attempt
// stream for abuse. The Validator answers whether a single callback is safe to
// accept; the Monitor aggregates outcomes across callbacks and raises alerts
// when the aggregate looks like an attack.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/dhirmadi/mwapserver-sub005/pkg/crypto/aes"
	mwaperrors "github.com/dhirmadi/mwapserver-sub005/pkg/errors"
	"github.com/dhirmadi/mwapserver-sub005/pkg/integration"
	"github.com/dhirmadi/mwapserver-sub005/pkg/oauth"
	"github.com/dhirmadi/mwapserver-sub005/pkg/validation"
)

// CallbackPath is the only path providers may redirect back to.
const CallbackPath = "/api/v1/oauth/callback"

// DefaultStateTTL is how long a state parameter stays acceptable after the
// flow was initiated.
const DefaultStateTTL = 10 * time.Minute

// Issue strings recorded on failed attempts. The exact wording matters twice:
// the monitor classifies issues mentioning state, nonce, or timestamp as
// manipulation, and the data exposure check proves stored attempts carry only
// strings from this set.
const (
	issueMissingState      = "Missing state parameter"
	issueStateDecode       = "State parameter failed base64 decoding"
	issueStateStructure    = "State parameter structure is invalid"
	issueStateFuture       = "State timestamp is in the future"
	issueNonceInvalid      = "State nonce failed validation"
	issueNonceMismatch     = "State nonce does not match the stored flow"
	issueStateHashMismatch = "State does not match the current authorization flow"
	issueNoFlow            = "No authorization flow in progress"
	issueFlowNotPending    = "Authorization flow is not awaiting a callback"
	issueFlowExpired       = "Authorization flow has expired"
	issuePKCEInvalid       = "PKCE parameters failed validation"
	issueRedirectPolicy    = "Redirect URI violates policy"
	issueRedirectMismatch  = "Redirect URI does not match the registered redirect URI"
)

// knownIssues is the closed set of issue strings a stored attempt may carry,
// beyond the generic messages. See Monitor.ValidateDataExposure.
var knownIssues = map[string]bool{
	issueMissingState:      true,
	issueStateDecode:       true,
	issueStateStructure:    true,
	issueStateFuture:       true,
	issueNonceInvalid:      true,
	issueNonceMismatch:     true,
	issueStateHashMismatch: true,
	issueNoFlow:            true,
	issueFlowNotPending:    true,
	issueFlowExpired:       true,
	issuePKCEInvalid:       true,
	issueRedirectPolicy:    true,
	issueRedirectMismatch:  true,
}

// Failure is the verdict for a callback that must be rejected. Code is one of
// the error codes from pkg/errors, Detail is an internal explanation for logs,
// and Issues are the user-safe strings recorded on the attempt.
type Failure struct {
	Code   string
	Detail string
	Issues []string
}

// GenericMessage returns the user-facing message for the failure code.
func (f *Failure) GenericMessage() string {
	return mwaperrors.GenericMessage(f.Code)
}

// newFailure builds a Failure whose issue list always starts with the generic
// message for the code, followed by any more specific issue strings.
func newFailure(code, detail string, issues ...string) *Failure {
	return &Failure{
		Code:   code,
		Detail: detail,
		Issues: append([]string{mwaperrors.GenericMessage(code)}, issues...),
	}
}

// ValidatorConfig carries the policy knobs for callback validation.
type ValidatorConfig struct {
	// StateTTL is the maximum accepted state age. Zero means DefaultStateTTL.
	StateTTL time.Duration

	// AllowedHosts are the hostnames callbacks may be addressed to. The first
	// entry is the canonical public host used for the registered redirect URI.
	AllowedHosts []string

	// AllowInsecure permits plain-HTTP redirect URIs on loopback hosts. Never
	// enable outside local development.
	AllowInsecure bool
}

// Validator performs the security checks of the callback pipeline: state
// validation, ownership verification, PKCE verification, and redirect URI
// policy. It holds no per-request mutable information and is safe for
// concurrent use.
type Validator struct {
	store  integration.Store
	cipher *aes.Cipher
	cfg    ValidatorConfig
}

// NewValidator builds a Validator over the given store and token cipher.
func NewValidator(store integration.Store, cipher *aes.Cipher, cfg ValidatorConfig) *Validator {
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	return &Validator{store: store, cipher: cipher, cfg: cfg}
}

// ValidateState decodes and checks a raw state parameter: envelope, structure,
// freshness, and nonce quality. It does not consult the store; ownership
// against the persisted flow is VerifyOwnership's job.
func (v *Validator) ValidateState(raw string, now time.Time) (*oauth.Parameter, *Failure) {
	if raw == "" {
		return nil, newFailure(mwaperrors.ErrInvalidState,
			"state parameter is empty", issueMissingState)
	}

	param, err := oauth.DecodeState(raw)
	if err != nil {
		if errors.Is(err, oauth.ErrStateStructure) {
			return nil, newFailure(mwaperrors.ErrInvalidStateStructure,
				fmt.Sprintf("state structure rejected: %v", err), issueStateStructure)
		}
		return nil, newFailure(mwaperrors.ErrStateDecodeError,
			fmt.Sprintf("state decode rejected: %v", err), issueStateDecode)
	}

	if err := param.Validate(); err != nil {
		return nil, newFailure(mwaperrors.ErrInvalidStateStructure,
			fmt.Sprintf("state structure rejected: %v", err), issueStateStructure)
	}

	age := param.Age(now)
	if age < 0 {
		return nil, newFailure(mwaperrors.ErrStateExpired,
			fmt.Sprintf("state timestamp is %s in the future", -age), issueStateFuture)
	}
	if age > v.cfg.StateTTL {
		return nil, newFailure(mwaperrors.ErrStateExpired,
			fmt.Sprintf("state is %s old, limit %s", age, v.cfg.StateTTL))
	}

	if err := validation.ValidateNonce(param.Nonce); err != nil {
		return nil, newFailure(mwaperrors.ErrInvalidNonce,
			fmt.Sprintf("state nonce rejected: %v", err), issueNonceInvalid)
	}

	return param, nil
}

// VerifyOwnership checks the decoded state against persisted records: the
// integration must exist under the tenant, must not already hold live tokens,
// and must have a pending flow bound to exactly this state. It also resolves
// the provider and checks it is available.
func (v *Validator) VerifyOwnership(ctx context.Context, rawState string, param *oauth.Parameter, now time.Time) (integration.Integration, integration.Provider, *Failure) {
	var none integration.Integration
	var noProvider integration.Provider

	integ, err := v.store.GetIntegration(ctx, param.IntegrationID, param.TenantID)
	if err != nil {
		if errors.Is(err, integration.ErrNotFound) {
			return none, noProvider, newFailure(mwaperrors.ErrIntegrationNotFound,
				"no integration for the referenced tenant")
		}
		return none, noProvider, newFailure(mwaperrors.ErrInternalError,
			fmt.Sprintf("integration lookup failed: %v", err))
	}

	// An integration that already holds live tokens means this callback is a
	// replay of a completed flow.
	if integ.HasLiveTokens() {
		return none, noProvider, newFailure(mwaperrors.ErrAlreadyConfigured,
			"integration already holds live tokens")
	}

	flow := integ.Flow
	switch {
	case flow == nil:
		return none, noProvider, newFailure(mwaperrors.ErrInvalidState,
			"integration has no stored flow context", issueNoFlow)
	case flow.Status != integration.FlowPending:
		return none, noProvider, newFailure(mwaperrors.ErrInvalidState,
			fmt.Sprintf("stored flow is %s, not pending", flow.Status), issueFlowNotPending)
	case flow.Expired(now):
		return none, noProvider, newFailure(mwaperrors.ErrStateExpired,
			"stored flow context has expired", issueFlowExpired)
	case oauth.HashState(rawState) != flow.StateHash:
		return none, noProvider, newFailure(mwaperrors.ErrInvalidState,
			"state hash does not match the stored flow", issueStateHashMismatch)
	case param.Nonce != flow.Nonce:
		return none, noProvider, newFailure(mwaperrors.ErrInvalidState,
			"state nonce does not match the stored flow", issueNonceMismatch)
	}

	provider, err := v.store.GetProvider(ctx, integ.ProviderID)
	if err != nil {
		if errors.Is(err, integration.ErrNotFound) {
			return none, noProvider, newFailure(mwaperrors.ErrProviderUnavailable,
				fmt.Sprintf("provider %s referenced by the integration is missing", integ.ProviderID))
		}
		return none, noProvider, newFailure(mwaperrors.ErrInternalError,
			fmt.Sprintf("provider lookup failed: %v", err))
	}
	if !provider.Enabled {
		return none, noProvider, newFailure(mwaperrors.ErrProviderDisabled,
			fmt.Sprintf("provider %s is disabled", provider.Slug))
	}

	return integ, provider, nil
}

// ValidatePKCE verifies the stored PKCE material before the verifier is sent
// to the provider: the encrypted verifier must decrypt and must reproduce the
// stored challenge under the stored method. It returns the plaintext verifier
// for the token exchange. A flow without PKCE material is fine unless the
// provider requires PKCE.
func (v *Validator) ValidatePKCE(provider integration.Provider, integ integration.Integration) (string, *Failure) {
	pkce := integ.PKCE
	if pkce == nil {
		if provider.UsePKCE {
			return "", newFailure(mwaperrors.ErrInvalidPKCEParameters,
				"provider requires PKCE but the flow stored no parameters", issuePKCEInvalid)
		}
		return "", nil
	}

	verifier, err := v.cipher.DecryptString(pkce.VerifierEncrypted)
	if err != nil {
		return "", newFailure(mwaperrors.ErrInvalidPKCEParameters,
			"stored code verifier could not be decrypted", issuePKCEInvalid)
	}

	if err := oauth.VerifyChallenge(verifier, pkce.Challenge, pkce.Method); err != nil {
		return "", newFailure(mwaperrors.ErrInvalidPKCEParameters,
			fmt.Sprintf("pkce verification failed: %v", err), issuePKCEInvalid)
	}

	return verifier, nil
}

// BuildRedirectURI reconstructs the redirect URI for the token exchange from
// the host the callback actually arrived on. The scheme is always https and
// forwarded-proto headers are deliberately ignored: a proxy header must never
// be able to downgrade the URI the provider compares against.
func (v *Validator) BuildRedirectURI(requestHost string) string {
	return "https://" + requestHost + CallbackPath
}

// ValidateRedirectURI checks a redirect URI against policy and returns it in
// normalized form: lowercased host, default ports stripped. Policy requires
// https (plain HTTP only on loopback hosts with AllowInsecure), a host from
// the allow-list, the exact callback path, and no query or fragment.
func (v *Validator) ValidateRedirectURI(raw string) (string, *Failure) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", newFailure(mwaperrors.ErrInvalidRedirectURI,
			"redirect URI is not a valid absolute URL", issueRedirectPolicy)
	}

	host := strings.ToLower(u.Hostname())
	switch u.Scheme {
	case "https":
	case "http":
		if !v.cfg.AllowInsecure || !isLoopbackHost(host) {
			return "", newFailure(mwaperrors.ErrInvalidRedirectURI,
				"plain HTTP redirect URIs are not allowed", issueRedirectPolicy)
		}
	default:
		return "", newFailure(mwaperrors.ErrInvalidRedirectURI,
			fmt.Sprintf("redirect URI scheme %q is not allowed", u.Scheme), issueRedirectPolicy)
	}

	if u.RawQuery != "" || u.Fragment != "" {
		return "", newFailure(mwaperrors.ErrInvalidRedirectURI,
			"redirect URI must not carry a query or fragment", issueRedirectPolicy)
	}
	if u.Path != CallbackPath {
		return "", newFailure(mwaperrors.ErrInvalidRedirectURI,
			fmt.Sprintf("redirect URI path %q is not the callback path", u.Path), issueRedirectPolicy)
	}

	if !v.hostAllowed(host) {
		return "", newFailure(mwaperrors.ErrInvalidRedirectURI,
			fmt.Sprintf("redirect URI host %q is not on the allow-list", host), issueRedirectPolicy)
	}

	port := u.Port()
	if (u.Scheme == "https" && port == "443") || (u.Scheme == "http" && port == "80") {
		port = ""
	}
	normalized := u.Scheme + "://" + host
	if port != "" {
		normalized += ":" + port
	}
	return normalized + CallbackPath, nil
}

// RegisteredRedirectURI returns the redirect URI registered with providers:
// https on the canonical public host.
func (v *Validator) RegisteredRedirectURI() string {
	if len(v.cfg.AllowedHosts) == 0 {
		return ""
	}
	return "https://" + strings.ToLower(v.cfg.AllowedHosts[0]) + CallbackPath
}

// MatchesRegistered checks a normalized redirect URI against the registered
// one. Loopback hosts may differ in port, so local development servers on
// arbitrary ports still match; any other difference is a mismatch.
func (v *Validator) MatchesRegistered(normalized string) *Failure {
	registered := v.RegisteredRedirectURI()
	if normalized == registered {
		return nil
	}

	nu, nerr := url.Parse(normalized)
	ru, rerr := url.Parse(registered)
	if nerr == nil && rerr == nil &&
		isLoopbackHost(nu.Hostname()) &&
		nu.Scheme == ru.Scheme && nu.Hostname() == ru.Hostname() && nu.Path == ru.Path {
		return nil
	}

	return newFailure(mwaperrors.ErrRedirectURIMismatch,
		fmt.Sprintf("redirect URI %s does not match registered %s", normalized, registered),
		issueRedirectMismatch)
}

// hostAllowed reports whether host is on the configured allow-list.
func (v *Validator) hostAllowed(host string) bool {
	for _, allowed := range v.cfg.AllowedHosts {
		if strings.EqualFold(allowed, host) {
			return true
		}
	}
	return false
}

// isLoopbackHost reports whether host is localhost or a loopback address.
func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// BuildErrorRedirect returns the user-facing error redirect for a failure
// code: the error page with the generic message, spaces escaped as %20.
func BuildErrorRedirect(code string) string {
	return "/oauth/error?message=" + escapeMessage(mwaperrors.GenericMessage(code))
}

// BuildSuccessRedirect returns the user-facing success redirect for a
// completed flow.
func BuildSuccessRedirect(tenantID, integrationID string) string {
	return "/oauth/success?tenantId=" + url.QueryEscape(tenantID) +
		"&integrationId=" + url.QueryEscape(integrationID)
}

// escapeMessage query-escapes a message using %20 for spaces, the form
// frontends expect in redirect URLs.
func escapeMessage(msg string) string {
	return strings.ReplaceAll(url.QueryEscape(msg), "+", "%20")
}
