package integration

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used in development and tests. All
// methods copy records on the way in and out so callers can never alias the
// store's internal state.
type MemoryStore struct {
	mu            sync.RWMutex
	tenants       map[string]Tenant
	providers     map[string]Provider
	providerSlugs map[string]string
	integrations  map[string]Integration
	pairs         map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:       make(map[string]Tenant),
		providers:     make(map[string]Provider),
		providerSlugs: make(map[string]string),
		integrations:  make(map[string]Integration),
		pairs:         make(map[string]string),
	}
}

func pairKey(tenantID, providerID string) string {
	return tenantID + "/" + providerID
}

// CreateTenant stores a new tenant.
func (s *MemoryStore) CreateTenant(_ context.Context, t Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[t.ID]; ok {
		return ErrAlreadyExists
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.tenants[t.ID] = t
	return nil
}

// GetTenant retrieves a tenant by id.
func (s *MemoryStore) GetTenant(_ context.Context, id string) (Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

// CreateProvider stores a new catalog entry.
func (s *MemoryStore) CreateProvider(_ context.Context, p Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.providers[p.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := s.providerSlugs[p.Slug]; ok {
		return ErrAlreadyExists
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	s.providers[p.ID] = copyProvider(p)
	s.providerSlugs[p.Slug] = p.ID
	return nil
}

// GetProvider retrieves a catalog entry by id.
func (s *MemoryStore) GetProvider(_ context.Context, id string) (Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.providers[id]
	if !ok {
		return Provider{}, ErrNotFound
	}
	return copyProvider(p), nil
}

// GetProviderBySlug retrieves a catalog entry by slug.
func (s *MemoryStore) GetProviderBySlug(_ context.Context, slug string) (Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.providerSlugs[slug]
	if !ok {
		return Provider{}, ErrNotFound
	}
	return copyProvider(s.providers[id]), nil
}

// UpdateProvider replaces the entry with p's slug, keeping id and CreatedAt.
func (s *MemoryStore) UpdateProvider(_ context.Context, p Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.providerSlugs[p.Slug]
	if !ok {
		return ErrNotFound
	}

	existing := s.providers[id]
	p.ID = existing.ID
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	s.providers[id] = copyProvider(p)
	return nil
}

// ListProviders returns all catalog entries ordered by slug.
func (s *MemoryStore) ListProviders(_ context.Context) ([]Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Provider, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, copyProvider(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// CreateIntegration stores a new integration.
func (s *MemoryStore) CreateIntegration(_ context.Context, i Integration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.integrations[i.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := s.pairs[pairKey(i.TenantID, i.ProviderID)]; ok {
		return ErrAlreadyExists
	}

	now := time.Now().UTC()
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now
	}
	i.UpdatedAt = now
	if i.Status == "" {
		i.Status = StatusIdle
	}

	s.integrations[i.ID] = copyIntegration(i)
	s.pairs[pairKey(i.TenantID, i.ProviderID)] = i.ID
	return nil
}

// GetIntegration retrieves an integration by id scoped to its tenant.
func (s *MemoryStore) GetIntegration(_ context.Context, id, tenantID string) (Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.integrations[id]
	if !ok || i.TenantID != tenantID {
		return Integration{}, ErrNotFound
	}
	return copyIntegration(i), nil
}

// SetFlowContext atomically replaces the flow and PKCE contexts.
func (s *MemoryStore) SetFlowContext(_ context.Context, id, tenantID string, flow *FlowContext, pkce *PKCEContext, updatedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.integrations[id]
	if !ok || i.TenantID != tenantID {
		return ErrNotFound
	}

	i.Flow = copyFlow(flow)
	i.PKCE = copyPKCE(pkce)
	i.UpdatedAt = time.Now().UTC()
	i.UpdatedBy = updatedBy
	s.integrations[id] = i
	return nil
}

// UpdateTokens conditionally persists exchanged or refreshed token material.
func (s *MemoryStore) UpdateTokens(_ context.Context, id, tenantID string, expectedUpdatedAt time.Time, upd TokenUpdate) (Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.integrations[id]
	if !ok || i.TenantID != tenantID {
		return Integration{}, ErrNotFound
	}
	if !i.UpdatedAt.Equal(expectedUpdatedAt) {
		return Integration{}, ErrConcurrentUpdate
	}

	i.AccessTokenEncrypted = upd.AccessTokenEncrypted
	i.RefreshTokenEncrypted = upd.RefreshTokenEncrypted
	i.TokenExpiresAt = upd.ExpiresAt
	i.ScopesGranted = append([]string(nil), upd.ScopesGranted...)
	i.Status = StatusActive
	i.Flow = nil
	i.PKCE = nil
	i.UpdatedAt = time.Now().UTC()
	i.UpdatedBy = upd.UpdatedBy

	s.integrations[id] = copyIntegration(i)
	return copyIntegration(i), nil
}

// MarkErrored transitions the integration to the error status.
func (s *MemoryStore) MarkErrored(_ context.Context, id, tenantID, updatedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.integrations[id]
	if !ok || i.TenantID != tenantID {
		return ErrNotFound
	}

	i.Status = StatusError
	i.UpdatedAt = time.Now().UTC()
	i.UpdatedBy = updatedBy
	s.integrations[id] = i
	return nil
}

// Close is a no-op for the in-memory store.
func (*MemoryStore) Close() error { return nil }

func copyProvider(p Provider) Provider {
	p.Scopes = append([]string(nil), p.Scopes...)
	if p.ExtraAuthParams != nil {
		params := make(map[string]string, len(p.ExtraAuthParams))
		for k, v := range p.ExtraAuthParams {
			params[k] = v
		}
		p.ExtraAuthParams = params
	}
	return p
}

func copyIntegration(i Integration) Integration {
	i.ScopesGranted = append([]string(nil), i.ScopesGranted...)
	i.Flow = copyFlow(i.Flow)
	i.PKCE = copyPKCE(i.PKCE)
	return i
}

func copyFlow(f *FlowContext) *FlowContext {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

func copyPKCE(p *PKCEContext) *PKCEContext {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
