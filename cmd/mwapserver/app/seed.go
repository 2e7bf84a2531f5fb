package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhirmadi/mwapserver-sub005/pkg/config"
	"github.com/dhirmadi/mwapserver-sub005/pkg/integration"
	"github.com/dhirmadi/mwapserver-sub005/pkg/integration/sqlite"
	"github.com/dhirmadi/mwapserver-sub005/pkg/logger"
	"github.com/dhirmadi/mwapserver-sub005/pkg/validation"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed a tenant and its provider integrations for development",
	Long: `Seed a tenant record and one idle integration per named provider slug.
This is a development convenience: production tenants and integrations are
created through the platform, not this command. Existing records are left
untouched, so reseeding is safe.`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().String("db", "./mwapserver.db", "SQLite database file")
	seedCmd.Flags().String("tenant", "", "Tenant id (24 hex characters); generated when empty")
	seedCmd.Flags().String("name", "Development Tenant", "Tenant display name")
	seedCmd.Flags().String("owner", "", "Owner user id (24 hex characters), matched against the sub claim")
	seedCmd.Flags().StringSlice("provider", nil, "Provider slug to create an integration for (repeatable)")
}

func runSeed(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if !cfg.IsDevelopment() {
		return fmt.Errorf("seed is a development command; environment is %s", cfg.Environment)
	}

	// The db flag is read directly: serve owns the database_path viper
	// binding and a second binding would shadow it.
	dbPath := cfg.DatabasePath
	if cmd.Flags().Changed("db") {
		dbPath, _ = cmd.Flags().GetString("db")
	}

	tenantID, _ := cmd.Flags().GetString("tenant")
	tenantName, _ := cmd.Flags().GetString("name")
	ownerID, _ := cmd.Flags().GetString("owner")
	slugs, _ := cmd.Flags().GetStringSlice("provider")

	if tenantID == "" {
		tenantID = integration.NewID()
	}
	if err := validation.ValidateObjectID(tenantID); err != nil {
		return fmt.Errorf("tenant id: %w", err)
	}
	if ownerID == "" {
		return fmt.Errorf("owner flag is required")
	}
	if err := validation.ValidateObjectID(ownerID); err != nil {
		return fmt.Errorf("owner id: %w", err)
	}

	ctx := context.Background()
	store, err := sqlite.Open(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("failed to open store at %s: %w", dbPath, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Errorf("failed to close store: %v", err)
		}
	}()

	err = store.CreateTenant(ctx, integration.Tenant{
		ID:      tenantID,
		Name:    tenantName,
		OwnerID: ownerID,
	})
	switch {
	case errors.Is(err, integration.ErrAlreadyExists):
		logger.Infow("tenant already exists", "tenant_id", tenantID)
	case err != nil:
		return fmt.Errorf("failed to create tenant: %w", err)
	default:
		logger.Infow("tenant created", "tenant_id", tenantID, "owner_id", ownerID)
	}

	for _, slug := range slugs {
		provider, err := store.GetProviderBySlug(ctx, slug)
		if err != nil {
			if errors.Is(err, integration.ErrNotFound) {
				return fmt.Errorf("provider %q is not in the catalog; seed the catalog first with serve --providers", slug)
			}
			return fmt.Errorf("failed to look up provider %q: %w", slug, err)
		}

		integ := integration.Integration{
			ID:         integration.NewID(),
			TenantID:   tenantID,
			ProviderID: provider.ID,
			Status:     integration.StatusIdle,
			CreatedBy:  ownerID,
		}
		err = store.CreateIntegration(ctx, integ)
		switch {
		case errors.Is(err, integration.ErrAlreadyExists):
			logger.Infow("integration already exists", "tenant_id", tenantID, "provider", slug)
		case err != nil:
			return fmt.Errorf("failed to create integration for %q: %w", slug, err)
		default:
			logger.Infow("integration created",
				"tenant_id", tenantID, "integration_id", integ.ID, "provider", slug)
		}
	}

	return nil
}
