// Package integration defines the broker's persisted entities — tenants, the
// cloud-provider catalog, and the tenant/provider integrations holding OAuth
// material — and the Store contract their lifecycles run through.
package integration

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// Store errors. Implementations translate engine-specific failures into these
// so callers can branch with errors.Is.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when a uniqueness constraint is violated.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrConcurrentUpdate is returned when a conditional write loses the race.
	ErrConcurrentUpdate = errors.New("record was modified concurrently")
)

// Status is the lifecycle state of an integration's token material.
type Status string

// Integration statuses.
const (
	StatusIdle    Status = "idle"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
	StatusError   Status = "error"
)

// FlowStatus is the lifecycle state of an in-progress authorization flow.
type FlowStatus string

// Flow statuses.
const (
	FlowIdle      FlowStatus = "idle"
	FlowPending   FlowStatus = "pending"
	FlowCompleted FlowStatus = "completed"
	FlowFailed    FlowStatus = "failed"
)

// Tenant is the owning principal of integrations. Ownership checks compare
// the platform subject claim against OwnerID.
type Tenant struct {
	ID        string
	Name      string
	OwnerID   string
	CreatedAt time.Time
}

// Provider is a catalog entry describing one cloud provider's OAuth
// registration. The client secret is stored encrypted and never leaves the
// record undecrypted except inside a token request.
type Provider struct {
	ID                    string
	Slug                  string
	DisplayName           string
	AuthURL               string
	TokenURL              string
	ClientID              string
	ClientSecretEncrypted string
	Scopes                []string
	UsePKCE               bool
	ExtraAuthParams       map[string]string
	Enabled               bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// PKCEContext is the stored PKCE material of a public-client flow. The
// verifier is encrypted at rest; challenge and method are derived values.
type PKCEContext struct {
	VerifierEncrypted string
	Challenge         string
	Method            string
}

// FlowContext tracks one authorization flow between initiation and callback.
// StateHash binds the stored context to the exact state parameter handed to
// the provider.
type FlowContext struct {
	FlowID    string
	Nonce     string
	StateHash string
	Status    FlowStatus
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the flow's validity window has passed.
func (f *FlowContext) Expired(now time.Time) bool {
	return now.After(f.ExpiresAt)
}

// Integration is the persisted association between a tenant and a provider,
// including any token material obtained through a completed flow. Token
// fields hold ciphertext; projections must redact them.
type Integration struct {
	ID         string
	TenantID   string
	ProviderID string

	AccessTokenEncrypted  string
	RefreshTokenEncrypted string
	TokenExpiresAt        time.Time
	ScopesGranted         []string

	Status Status

	PKCE *PKCEContext
	Flow *FlowContext

	CreatedAt time.Time
	UpdatedAt time.Time
	CreatedBy string
	UpdatedBy string
}

// HasLiveTokens reports whether the integration already completed a flow and
// still holds an access token. Callbacks against such integrations are
// replays.
func (i *Integration) HasLiveTokens() bool {
	return i.Status == StatusActive && i.AccessTokenEncrypted != ""
}

// TokenUpdate carries the result of a successful exchange or refresh into the
// store. All token fields are ciphertext.
type TokenUpdate struct {
	AccessTokenEncrypted  string
	RefreshTokenEncrypted string
	ExpiresAt             time.Time
	ScopesGranted         []string
	UpdatedBy             string
}

// Store is the persistence contract of the broker. Implementations must be
// safe for concurrent use.
type Store interface {
	// CreateTenant stores a new tenant. Duplicate ids yield ErrAlreadyExists.
	CreateTenant(ctx context.Context, t Tenant) error
	// GetTenant retrieves a tenant by id.
	GetTenant(ctx context.Context, id string) (Tenant, error)

	// CreateProvider stores a new catalog entry. Duplicate ids or slugs yield
	// ErrAlreadyExists.
	CreateProvider(ctx context.Context, p Provider) error
	// GetProvider retrieves a catalog entry by id.
	GetProvider(ctx context.Context, id string) (Provider, error)
	// GetProviderBySlug retrieves a catalog entry by slug.
	GetProviderBySlug(ctx context.Context, slug string) (Provider, error)
	// UpdateProvider replaces the catalog entry with p's slug, keeping the
	// stored id and creation time.
	UpdateProvider(ctx context.Context, p Provider) error
	// ListProviders returns all catalog entries ordered by slug.
	ListProviders(ctx context.Context) ([]Provider, error)

	// CreateIntegration stores a new integration. A second integration for
	// the same (tenant, provider) pair yields ErrAlreadyExists.
	CreateIntegration(ctx context.Context, i Integration) error
	// GetIntegration retrieves an integration by id scoped to its tenant.
	// A wrong tenant id yields ErrNotFound, not a different error, so callers
	// cannot probe for existence across tenants.
	GetIntegration(ctx context.Context, id, tenantID string) (Integration, error)
	// SetFlowContext atomically replaces the integration's flow and PKCE
	// contexts. Passing nil for both clears them (flow reset).
	SetFlowContext(ctx context.Context, id, tenantID string, flow *FlowContext, pkce *PKCEContext, updatedBy string) error
	// UpdateTokens conditionally persists new token material: the write only
	// happens when the stored UpdatedAt still equals expectedUpdatedAt,
	// otherwise ErrConcurrentUpdate. On success the integration becomes
	// active and its flow and PKCE contexts are cleared.
	UpdateTokens(ctx context.Context, id, tenantID string, expectedUpdatedAt time.Time, upd TokenUpdate) (Integration, error)
	// MarkErrored transitions the integration to the error status, used on
	// refresh failures and revocations.
	MarkErrored(ctx context.Context, id, tenantID, updatedBy string) error

	// Close releases any resources held by the store.
	Close() error
}

// NewID generates a 24-hex-character object id for persisted entities.
func NewID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand.Read does not fail on supported platforms.
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
