package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/dhirmadi/mwapserver-sub005/pkg/api"
	v1 "github.com/dhirmadi/mwapserver-sub005/pkg/api/v1"
	"github.com/dhirmadi/mwapserver-sub005/pkg/audit"
	"github.com/dhirmadi/mwapserver-sub005/pkg/auth"
	"github.com/dhirmadi/mwapserver-sub005/pkg/config"
	"github.com/dhirmadi/mwapserver-sub005/pkg/crypto/aes"
	"github.com/dhirmadi/mwapserver-sub005/pkg/integration"
	"github.com/dhirmadi/mwapserver-sub005/pkg/integration/sqlite"
	"github.com/dhirmadi/mwapserver-sub005/pkg/logger"
	"github.com/dhirmadi/mwapserver-sub005/pkg/networking"
	"github.com/dhirmadi/mwapserver-sub005/pkg/oauth"
	"github.com/dhirmadi/mwapserver-sub005/pkg/security"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the OAuth broker API server",
	Long: `Start the OAuth broker API server.
The server exposes the public provider callback, the authenticated flow
operations (initiate, refresh, reset), and the super-admin security routes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("db", "./mwapserver.db", "SQLite database file; empty runs on the in-memory store")
	serveCmd.Flags().String("providers", "", "Provider catalog file to seed at startup")

	for flagName, configKey := range map[string]string{
		"address":   "address",
		"db":        "database_path",
		"providers": "providers_file",
	} {
		if err := viper.BindPFlag(configKey, serveCmd.Flags().Lookup(flagName)); err != nil {
			logger.Fatalf("Failed to bind %s flag: %v", flagName, err)
		}
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Re-initialize so --debug and config-file settings take effect; main
	// set up the logger before flags were parsed.
	logger.Initialize()
	logger.Infow("starting mwapserver",
		"environment", cfg.Environment, "address", cfg.Address)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cipher, err := buildCipher(cfg)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Errorf("failed to close store: %v", err)
		}
	}()

	if cfg.ProvidersFile != "" {
		if err := seedProviders(ctx, cfg, store, cipher); err != nil {
			return err
		}
	}

	httpClient, err := networking.NewHttpClientBuilder().
		WithTimeout(cfg.ExchangeTimeout()).
		WithCABundle(cfg.CABundlePath).
		WithPrivateIPs(cfg.AllowPrivateEndpoints).
		WithPlainHTTP(cfg.AllowPlainHTTPProvider).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build outbound HTTP client: %w", err)
	}

	client, err := oauth.NewClient(httpClient, cfg.ExchangeTimeout())
	if err != nil {
		return fmt.Errorf("failed to create protocol client: %w", err)
	}

	validator := security.NewValidator(store, cipher, security.ValidatorConfig{
		StateTTL:      cfg.StateTTL(),
		AllowedHosts:  cfg.RedirectHosts(),
		AllowInsecure: cfg.IsDevelopment(),
	})

	monitor := security.NewMonitor(monitorConfig(cfg))
	defer monitor.Close()

	tokenMiddleware, err := buildTokenMiddleware(ctx, cfg)
	if err != nil {
		return err
	}

	deps := api.Deps{
		Address:         cfg.Address,
		Store:           store,
		Cipher:          cipher,
		Client:          client,
		Validator:       validator,
		Monitor:         monitor,
		Auditor:         audit.NewAuditor(audit.ComponentOAuthBroker, os.Stdout),
		TokenMiddleware: tokenMiddleware,
		Verifier:        v1.TenantOwners(store),
		CallbackLimiter: rate.NewLimiter(rate.Limit(cfg.CallbackRatePerSec), cfg.CallbackRateBurst),
		StateTTL:        cfg.StateTTL(),
	}

	return api.Serve(ctx, deps)
}

// buildCipher creates the at-rest cipher for tokens, PKCE verifiers, and
// client secrets. Outside development the key must be configured; in
// development a missing key gets an ephemeral replacement, so stored secrets
// do not survive a restart there.
func buildCipher(cfg *config.Config) (*aes.Cipher, error) {
	if cfg.EncryptionKey != "" {
		key, err := cfg.EncryptionKeyBytes()
		if err != nil {
			return nil, err
		}
		return aes.NewCipher(key)
	}

	if !cfg.IsDevelopment() {
		return nil, fmt.Errorf("%s requires encryption_key", cfg.Environment)
	}

	logger.Warn("encryption_key is not set; using an ephemeral key, stored secrets will not survive a restart")
	key := make([]byte, config.EncryptionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral encryption key: %w", err)
	}
	return aes.NewCipher(key)
}

// openStore opens the configured integration store. An empty database path
// selects the in-memory store for local experiments.
func openStore(ctx context.Context, cfg *config.Config) (integration.Store, error) {
	if cfg.DatabasePath == "" {
		logger.Warn("database_path is empty; using the in-memory store, data will not survive a restart")
		return integration.NewMemoryStore(), nil
	}

	store, err := sqlite.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", cfg.DatabasePath, err)
	}
	logger.Infow("opened sqlite store", "path", cfg.DatabasePath)
	return store, nil
}

// seedProviders loads the provider catalog file and upserts it into the
// store. Catalog problems are startup failures; a misregistered provider
// endpoint must never be discovered mid-flow.
func seedProviders(ctx context.Context, cfg *config.Config, store integration.Store, cipher *aes.Cipher) error {
	allowInsecure := cfg.IsDevelopment() && cfg.AllowPlainHTTPProvider
	entries, err := oauth.LoadCatalog(cfg.ProvidersFile, allowInsecure)
	if err != nil {
		return fmt.Errorf("failed to load provider catalog: %w", err)
	}

	if err := oauth.SeedCatalog(ctx, store, cipher, entries); err != nil {
		return fmt.Errorf("failed to seed provider catalog: %w", err)
	}

	logger.Infow("provider catalog seeded", "providers", len(entries))
	return nil
}

// buildTokenMiddleware creates the platform JWT middleware for the protected
// routes. The public callback never passes through it.
func buildTokenMiddleware(ctx context.Context, cfg *config.Config) (func(http.Handler) http.Handler, error) {
	if cfg.AuthJWTSecret == "" && cfg.AuthJWKSURL == "" {
		return nil, fmt.Errorf("auth_jwt_secret or auth_jwks_url must be configured to serve protected routes")
	}

	var secret []byte
	if cfg.AuthJWTSecret != "" {
		secret = []byte(cfg.AuthJWTSecret)
	}

	tv, err := auth.NewTokenValidator(ctx, auth.TokenValidatorConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		Secret:   secret,
		JWKSURL:  cfg.AuthJWKSURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token validator: %w", err)
	}

	return tv.Middleware, nil
}

// secs converts a whole-second config value to a duration.
func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// monitorConfig maps the loaded configuration onto the monitor's thresholds.
func monitorConfig(cfg *config.Config) security.MonitorConfig {
	return security.MonitorConfig{
		Window:             secs(cfg.MonitorWindowSec),
		MinAttemptsForRate: cfg.FailureMinAttempts,
		FailureRateMedium:  cfg.FailureRateThreshold,
		FailureRateHigh:    cfg.FailureRateHigh,
		RapidAttempts:      cfg.RapidAttemptsThreshold,
		RapidAttemptsHigh:  cfg.RapidAttemptsHigh,
		IPAbuseAttempts:    cfg.IPAbuseThreshold,
		IPAbuseCritical:    cfg.IPAbuseCritical,
		MaxAttemptsPerKey:  cfg.AttemptsPerKeyCap,
		AttemptRetention:   secs(cfg.AttemptRetentionSec),
		PatternRetention:   secs(cfg.PatternRetentionSec),
		AlertRetention:     secs(cfg.AlertRetentionSec),
		CleanupInterval:    secs(cfg.MonitorSweepSec),
	}
}
