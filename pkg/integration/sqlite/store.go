// Package sqlite implements the integration store on SQLite using the
// modernc driver and embedded goose migrations.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/dhirmadi/mwapserver-sub005/pkg/integration"
)

// timeLayout is the column format for timestamps. RFC 3339 with
// nanoseconds round-trips through Parse/Format, which the conditional
// update on updated_at relies on.
const timeLayout = time.RFC3339Nano

// Store implements integration.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ integration.Store = (*Store)(nil)

// Open opens the database at path, creating it if needed, and applies
// pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// modernc.org/sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is still usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateTenant stores a new tenant.
func (s *Store) CreateTenant(ctx context.Context, t integration.Tenant) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, owner_id, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.Name, t.OwnerID, t.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return integration.ErrAlreadyExists
		}
		return fmt.Errorf("inserting tenant: %w", err)
	}
	return nil
}

// GetTenant retrieves a tenant by id.
func (s *Store) GetTenant(ctx context.Context, id string) (integration.Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id, created_at FROM tenants WHERE id = ?`, id)

	var t integration.Tenant
	var createdAt string
	if err := row.Scan(&t.ID, &t.Name, &t.OwnerID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return integration.Tenant{}, integration.ErrNotFound
		}
		return integration.Tenant{}, fmt.Errorf("scanning tenant row: %w", err)
	}

	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return integration.Tenant{}, err
	}
	return t, nil
}

// providerColumns is the SELECT column list shared by provider queries.
const providerColumns = `id, slug, display_name, auth_url, token_url, client_id,
	client_secret_encrypted, scopes, use_pkce, extra_auth_params, enabled,
	created_at, updated_at`

// CreateProvider stores a new catalog entry.
func (s *Store) CreateProvider(ctx context.Context, p integration.Provider) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	scopes, err := encodeStrings(p.Scopes)
	if err != nil {
		return err
	}
	extras, err := encodeParams(p.ExtraAuthParams)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cloud_providers (
			id, slug, display_name, auth_url, token_url, client_id,
			client_secret_encrypted, scopes, use_pkce, extra_auth_params,
			enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Slug, p.DisplayName, p.AuthURL, p.TokenURL, p.ClientID,
		p.ClientSecretEncrypted, scopes, boolToInt(p.UsePKCE), extras,
		boolToInt(p.Enabled), p.CreatedAt.Format(timeLayout), p.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return integration.ErrAlreadyExists
		}
		return fmt.Errorf("inserting provider: %w", err)
	}
	return nil
}

// GetProvider retrieves a catalog entry by id.
func (s *Store) GetProvider(ctx context.Context, id string) (integration.Provider, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM cloud_providers WHERE id = ?`, id)
	return scanProvider(row)
}

// GetProviderBySlug retrieves a catalog entry by slug.
func (s *Store) GetProviderBySlug(ctx context.Context, slug string) (integration.Provider, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM cloud_providers WHERE slug = ?`, slug)
	return scanProvider(row)
}

// UpdateProvider replaces the entry with p's slug, keeping id and CreatedAt.
func (s *Store) UpdateProvider(ctx context.Context, p integration.Provider) error {
	scopes, err := encodeStrings(p.Scopes)
	if err != nil {
		return err
	}
	extras, err := encodeParams(p.ExtraAuthParams)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE cloud_providers SET
			display_name = ?, auth_url = ?, token_url = ?, client_id = ?,
			client_secret_encrypted = ?, scopes = ?, use_pkce = ?,
			extra_auth_params = ?, enabled = ?, updated_at = ?
		WHERE slug = ?`,
		p.DisplayName, p.AuthURL, p.TokenURL, p.ClientID,
		p.ClientSecretEncrypted, scopes, boolToInt(p.UsePKCE),
		extras, boolToInt(p.Enabled), time.Now().UTC().Format(timeLayout),
		p.Slug,
	)
	if err != nil {
		return fmt.Errorf("updating provider: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return integration.ErrNotFound
	}
	return nil
}

// ListProviders returns all catalog entries ordered by slug.
func (s *Store) ListProviders(ctx context.Context) ([]integration.Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+providerColumns+` FROM cloud_providers ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("querying providers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []integration.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating provider rows: %w", err)
	}
	return out, nil
}

// integrationColumns is the SELECT column list shared by integration queries.
const integrationColumns = `id, tenant_id, provider_id, access_token_encrypted,
	refresh_token_encrypted, token_expires_at, scopes_granted, status,
	pkce_verifier_encrypted, pkce_challenge, pkce_method,
	flow_id, flow_nonce, flow_state_hash, flow_status, flow_created_at, flow_expires_at,
	created_at, updated_at, created_by, updated_by`

// CreateIntegration stores a new integration.
func (s *Store) CreateIntegration(ctx context.Context, i integration.Integration) error {
	now := time.Now().UTC()
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now
	}
	i.UpdatedAt = now
	if i.Status == "" {
		i.Status = integration.StatusIdle
	}

	scopes, err := encodeStrings(i.ScopesGranted)
	if err != nil {
		return err
	}

	var pkceVerifier, pkceChallenge, pkceMethod any
	if i.PKCE != nil {
		pkceVerifier, pkceChallenge, pkceMethod = i.PKCE.VerifierEncrypted, i.PKCE.Challenge, i.PKCE.Method
	}
	var flowID, flowNonce, flowStateHash, flowStatus, flowCreatedAt, flowExpiresAt any
	if i.Flow != nil {
		flowID = i.Flow.FlowID
		flowNonce = i.Flow.Nonce
		flowStateHash = i.Flow.StateHash
		flowStatus = string(i.Flow.Status)
		flowCreatedAt = i.Flow.CreatedAt.UTC().Format(timeLayout)
		flowExpiresAt = i.Flow.ExpiresAt.UTC().Format(timeLayout)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO integrations (
			id, tenant_id, provider_id, access_token_encrypted,
			refresh_token_encrypted, token_expires_at, scopes_granted, status,
			pkce_verifier_encrypted, pkce_challenge, pkce_method,
			flow_id, flow_nonce, flow_state_hash, flow_status, flow_created_at, flow_expires_at,
			created_at, updated_at, created_by, updated_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.TenantID, i.ProviderID, i.AccessTokenEncrypted,
		i.RefreshTokenEncrypted, nullableTime(i.TokenExpiresAt), scopes, string(i.Status),
		pkceVerifier, pkceChallenge, pkceMethod,
		flowID, flowNonce, flowStateHash, flowStatus, flowCreatedAt, flowExpiresAt,
		i.CreatedAt.Format(timeLayout), i.UpdatedAt.Format(timeLayout), i.CreatedBy, i.UpdatedBy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return integration.ErrAlreadyExists
		}
		return fmt.Errorf("inserting integration: %w", err)
	}
	return nil
}

// GetIntegration retrieves an integration by id scoped to its tenant.
func (s *Store) GetIntegration(ctx context.Context, id, tenantID string) (integration.Integration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE id = ? AND tenant_id = ?`,
		id, tenantID)
	return scanIntegration(row)
}

// SetFlowContext atomically replaces the flow and PKCE contexts.
func (s *Store) SetFlowContext(ctx context.Context, id, tenantID string, flow *integration.FlowContext, pkce *integration.PKCEContext, updatedBy string) error {
	var pkceVerifier, pkceChallenge, pkceMethod any
	if pkce != nil {
		pkceVerifier, pkceChallenge, pkceMethod = pkce.VerifierEncrypted, pkce.Challenge, pkce.Method
	}
	var flowID, flowNonce, flowStateHash, flowStatus, flowCreatedAt, flowExpiresAt any
	if flow != nil {
		flowID = flow.FlowID
		flowNonce = flow.Nonce
		flowStateHash = flow.StateHash
		flowStatus = string(flow.Status)
		flowCreatedAt = flow.CreatedAt.UTC().Format(timeLayout)
		flowExpiresAt = flow.ExpiresAt.UTC().Format(timeLayout)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE integrations SET
			pkce_verifier_encrypted = ?, pkce_challenge = ?, pkce_method = ?,
			flow_id = ?, flow_nonce = ?, flow_state_hash = ?, flow_status = ?,
			flow_created_at = ?, flow_expires_at = ?,
			updated_at = ?, updated_by = ?
		WHERE id = ? AND tenant_id = ?`,
		pkceVerifier, pkceChallenge, pkceMethod,
		flowID, flowNonce, flowStateHash, flowStatus,
		flowCreatedAt, flowExpiresAt,
		time.Now().UTC().Format(timeLayout), updatedBy,
		id, tenantID,
	)
	if err != nil {
		return fmt.Errorf("updating flow context: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return integration.ErrNotFound
	}
	return nil
}

// UpdateTokens conditionally persists exchanged or refreshed token material.
// The write succeeds only when updated_at still matches expectedUpdatedAt.
func (s *Store) UpdateTokens(ctx context.Context, id, tenantID string, expectedUpdatedAt time.Time, upd integration.TokenUpdate) (integration.Integration, error) {
	scopes, err := encodeStrings(upd.ScopesGranted)
	if err != nil {
		return integration.Integration{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return integration.Integration{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
		UPDATE integrations SET
			access_token_encrypted = ?, refresh_token_encrypted = ?,
			token_expires_at = ?, scopes_granted = ?, status = ?,
			pkce_verifier_encrypted = NULL, pkce_challenge = NULL, pkce_method = NULL,
			flow_id = NULL, flow_nonce = NULL, flow_state_hash = NULL,
			flow_status = NULL, flow_created_at = NULL, flow_expires_at = NULL,
			updated_at = ?, updated_by = ?
		WHERE id = ? AND tenant_id = ? AND updated_at = ?`,
		upd.AccessTokenEncrypted, upd.RefreshTokenEncrypted,
		nullableTime(upd.ExpiresAt), scopes, string(integration.StatusActive),
		time.Now().UTC().Format(timeLayout), upd.UpdatedBy,
		id, tenantID, expectedUpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return integration.Integration{}, fmt.Errorf("updating tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return integration.Integration{}, fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish a lost conditional write from a missing record.
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM integrations WHERE id = ? AND tenant_id = ?`, id, tenantID,
		).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return integration.Integration{}, integration.ErrNotFound
		}
		if err != nil {
			return integration.Integration{}, fmt.Errorf("checking integration existence: %w", err)
		}
		return integration.Integration{}, integration.ErrConcurrentUpdate
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE id = ? AND tenant_id = ?`,
		id, tenantID)
	updated, err := scanIntegration(row)
	if err != nil {
		return integration.Integration{}, err
	}

	if err := tx.Commit(); err != nil {
		return integration.Integration{}, fmt.Errorf("committing transaction: %w", err)
	}
	return updated, nil
}

// MarkErrored transitions the integration to the error status.
func (s *Store) MarkErrored(ctx context.Context, id, tenantID, updatedBy string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE integrations SET status = ?, updated_at = ?, updated_by = ?
		WHERE id = ? AND tenant_id = ?`,
		string(integration.StatusError), time.Now().UTC().Format(timeLayout), updatedBy,
		id, tenantID,
	)
	if err != nil {
		return fmt.Errorf("marking integration errored: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return integration.ErrNotFound
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

func scanProvider(sc scanner) (integration.Provider, error) {
	var (
		p                integration.Provider
		scopes, extras   string
		usePKCE, enabled int
		created, updated string
	)

	err := sc.Scan(
		&p.ID, &p.Slug, &p.DisplayName, &p.AuthURL, &p.TokenURL, &p.ClientID,
		&p.ClientSecretEncrypted, &scopes, &usePKCE, &extras, &enabled,
		&created, &updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return integration.Provider{}, integration.ErrNotFound
		}
		return integration.Provider{}, fmt.Errorf("scanning provider row: %w", err)
	}

	if p.Scopes, err = decodeStrings(scopes); err != nil {
		return integration.Provider{}, err
	}
	if p.ExtraAuthParams, err = decodeParams(extras); err != nil {
		return integration.Provider{}, err
	}
	p.UsePKCE = usePKCE != 0
	p.Enabled = enabled != 0
	if p.CreatedAt, err = parseTime(created); err != nil {
		return integration.Provider{}, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return integration.Provider{}, err
	}
	return p, nil
}

func scanIntegration(sc scanner) (integration.Integration, error) {
	var (
		i                integration.Integration
		tokenExpiresAt   sql.NullString
		scopes           string
		status           string
		pkceVerifier     sql.NullString
		pkceChallenge    sql.NullString
		pkceMethod       sql.NullString
		flowID           sql.NullString
		flowNonce        sql.NullString
		flowStateHash    sql.NullString
		flowStatus       sql.NullString
		flowCreatedAt    sql.NullString
		flowExpiresAt    sql.NullString
		created, updated string
	)

	err := sc.Scan(
		&i.ID, &i.TenantID, &i.ProviderID, &i.AccessTokenEncrypted,
		&i.RefreshTokenEncrypted, &tokenExpiresAt, &scopes, &status,
		&pkceVerifier, &pkceChallenge, &pkceMethod,
		&flowID, &flowNonce, &flowStateHash, &flowStatus, &flowCreatedAt, &flowExpiresAt,
		&created, &updated, &i.CreatedBy, &i.UpdatedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return integration.Integration{}, integration.ErrNotFound
		}
		return integration.Integration{}, fmt.Errorf("scanning integration row: %w", err)
	}

	i.Status = integration.Status(status)
	if i.ScopesGranted, err = decodeStrings(scopes); err != nil {
		return integration.Integration{}, err
	}
	if tokenExpiresAt.Valid {
		if i.TokenExpiresAt, err = parseTime(tokenExpiresAt.String); err != nil {
			return integration.Integration{}, err
		}
	}
	if pkceVerifier.Valid || pkceChallenge.Valid {
		i.PKCE = &integration.PKCEContext{
			VerifierEncrypted: pkceVerifier.String,
			Challenge:         pkceChallenge.String,
			Method:            pkceMethod.String,
		}
	}
	if flowID.Valid {
		flow := &integration.FlowContext{
			FlowID:    flowID.String,
			Nonce:     flowNonce.String,
			StateHash: flowStateHash.String,
			Status:    integration.FlowStatus(flowStatus.String),
		}
		if flow.CreatedAt, err = parseTime(flowCreatedAt.String); err != nil {
			return integration.Integration{}, err
		}
		if flow.ExpiresAt, err = parseTime(flowExpiresAt.String); err != nil {
			return integration.Integration{}, err
		}
		i.Flow = flow
	}
	if i.CreatedAt, err = parseTime(created); err != nil {
		return integration.Integration{}, err
	}
	if i.UpdatedAt, err = parseTime(updated); err != nil {
		return integration.Integration{}, err
	}
	return i, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored timestamp: %w", err)
	}
	return t, nil
}

// boolToInt maps a bool to the 0/1 integer form stored in SQLite.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullableTime formats t for storage, mapping the zero value to NULL.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func encodeStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshaling string list: %w", err)
	}
	return string(data), nil
}

func decodeStrings(data string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshaling string list: %w", err)
	}
	return out, nil
}

func encodeParams(params map[string]string) (string, error) {
	if params == nil {
		params = map[string]string{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshaling params: %w", err)
	}
	return string(data), nil
}

func decodeParams(data string) (map[string]string, error) {
	var out map[string]string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshaling params: %w", err)
	}
	return out, nil
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
