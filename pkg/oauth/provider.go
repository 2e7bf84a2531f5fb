package oauth

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/dhirmadi/mwapserver-sub005/pkg/crypto/aes"
	"github.com/dhirmadi/mwapserver-sub005/pkg/integration"
	"github.com/dhirmadi/mwapserver-sub005/pkg/logger"
)

//go:embed catalog.schema.json
var catalogSchema []byte

// CatalogEntry is one provider definition from the catalog file. The client
// secret is the registered plaintext; it is encrypted before it reaches the
// store and never appears in logs.
type CatalogEntry struct {
	ID              string            `json:"id"`
	Slug            string            `json:"slug"`
	DisplayName     string            `json:"displayName"`
	AuthURL         string            `json:"authUrl"`
	TokenURL        string            `json:"tokenUrl"`
	ClientID        string            `json:"clientId"`
	ClientSecret    string            `json:"clientSecret,omitempty"`
	Scopes          []string          `json:"scopes,omitempty"`
	UsePKCE         bool              `json:"usePkce,omitempty"`
	ExtraAuthParams map[string]string `json:"extraAuthParams,omitempty"`
	Enabled         *bool             `json:"enabled,omitempty"`
}

// IsEnabled reports the entry's enabled flag, defaulting to true.
func (e *CatalogEntry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

type catalogFile struct {
	Providers []CatalogEntry `json:"providers"`
}

// LoadCatalog reads the provider catalog at path and validates it against the
// embedded schema. Endpoint URLs must be HTTPS; allowInsecure relaxes this to
// plain HTTP on loopback hosts only, for development against local mock
// providers. Returns the validated entries in file order.
func LoadCatalog(path string, allowInsecure bool) ([]CatalogEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider catalog: %w", err)
	}

	schemaLoader := gojsonschema.NewBytesLoader(catalogSchema)
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, fmt.Errorf("failed to validate provider catalog: %w", err)
	}
	if !result.Valid() {
		var issues []string
		for _, desc := range result.Errors() {
			issues = append(issues, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return nil, fmt.Errorf("provider catalog failed schema validation: %s", strings.Join(issues, "; "))
	}

	var file catalogFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse provider catalog: %w", err)
	}

	seenSlugs := make(map[string]bool, len(file.Providers))
	seenIDs := make(map[string]bool, len(file.Providers))
	for i := range file.Providers {
		entry := &file.Providers[i]
		if seenSlugs[entry.Slug] {
			return nil, fmt.Errorf("provider catalog: duplicate slug %q", entry.Slug)
		}
		if seenIDs[entry.ID] {
			return nil, fmt.Errorf("provider catalog: duplicate id %q", entry.ID)
		}
		seenSlugs[entry.Slug] = true
		seenIDs[entry.ID] = true

		if err := checkEndpointURL(entry.AuthURL, allowInsecure); err != nil {
			return nil, fmt.Errorf("provider %s: authorization URL: %w", entry.Slug, err)
		}
		if err := checkEndpointURL(entry.TokenURL, allowInsecure); err != nil {
			return nil, fmt.Errorf("provider %s: token URL: %w", entry.Slug, err)
		}
		if !entry.UsePKCE && entry.ClientSecret == "" {
			return nil, fmt.Errorf("provider %s: confidential providers need a client secret", entry.Slug)
		}
	}

	return file.Providers, nil
}

// checkEndpointURL enforces the HTTPS-only policy for provider endpoints.
// Registering a literal http:// endpoint is a configuration error caught at
// startup, not at flow time.
func checkEndpointURL(raw string, allowInsecure bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("not a valid URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if allowInsecure && isLoopbackHost(u.Hostname()) {
			return nil
		}
		return fmt.Errorf("plain HTTP endpoint %q is not allowed", raw)
	default:
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// SeedCatalog upserts catalog entries into the store, encrypting client
// secrets with the process cipher. Existing entries are matched by slug and
// updated in place, so reseeding at every start is idempotent.
func SeedCatalog(ctx context.Context, store integration.Store, cipher *aes.Cipher, entries []CatalogEntry) error {
	for _, entry := range entries {
		var secretCiphertext string
		if entry.ClientSecret != "" {
			var err error
			secretCiphertext, err = cipher.EncryptString(entry.ClientSecret)
			if err != nil {
				return fmt.Errorf("provider %s: failed to encrypt client secret: %w", entry.Slug, err)
			}
		}

		record := integration.Provider{
			ID:                    entry.ID,
			Slug:                  entry.Slug,
			DisplayName:           entry.DisplayName,
			AuthURL:               entry.AuthURL,
			TokenURL:              entry.TokenURL,
			ClientID:              entry.ClientID,
			ClientSecretEncrypted: secretCiphertext,
			Scopes:                entry.Scopes,
			UsePKCE:               entry.UsePKCE,
			ExtraAuthParams:       entry.ExtraAuthParams,
			Enabled:               entry.IsEnabled(),
		}

		_, err := store.GetProviderBySlug(ctx, entry.Slug)
		switch {
		case errors.Is(err, integration.ErrNotFound):
			if err := store.CreateProvider(ctx, record); err != nil {
				return fmt.Errorf("provider %s: failed to create: %w", entry.Slug, err)
			}
			logger.Infow("provider catalog entry created", "provider", entry.Slug)
		case err != nil:
			return fmt.Errorf("provider %s: failed to look up: %w", entry.Slug, err)
		default:
			if err := store.UpdateProvider(ctx, record); err != nil {
				return fmt.Errorf("provider %s: failed to update: %w", entry.Slug, err)
			}
			logger.Infow("provider catalog entry updated", "provider", entry.Slug)
		}
	}

	return nil
}

// ProviderConfigFrom builds the request-lifetime protocol config for a stored
// provider, decrypting the client secret with the process cipher. The caller
// must not retain the returned config beyond the request.
func ProviderConfigFrom(p *integration.Provider, cipher *aes.Cipher) (*ProviderConfig, error) {
	var secret string
	if p.ClientSecretEncrypted != "" {
		var err error
		secret, err = cipher.DecryptString(p.ClientSecretEncrypted)
		if err != nil {
			return nil, fmt.Errorf("provider %s: failed to decrypt client secret: %w", p.Slug, err)
		}
	}

	return &ProviderConfig{
		Name:            p.Slug,
		DisplayName:     p.DisplayName,
		AuthURL:         p.AuthURL,
		TokenURL:        p.TokenURL,
		ClientID:        p.ClientID,
		ClientSecret:    secret,
		Scopes:          p.Scopes,
		UsePKCE:         p.UsePKCE,
		ExtraAuthParams: p.ExtraAuthParams,
	}, nil
}
