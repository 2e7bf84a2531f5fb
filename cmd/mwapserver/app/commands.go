// Package app provides the entry point for the mwapserver command-line
// application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhirmadi/mwapserver-sub005/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "mwapserver",
	DisableAutoGenTag: true,
	Short:             "mwapserver brokers OAuth connections between tenants and cloud storage providers",
	Long: `mwapserver is a multi-tenant OAuth 2.0 broker. Tenants connect their accounts
at external cloud storage providers (Dropbox, Google Drive, OneDrive, ...) to
the platform; the broker initiates authorization flows, validates provider
callbacks, exchanges authorization codes for tokens, stores token material
encrypted, and keeps it fresh over time.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the mwapserver CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Fatalf("Failed to bind debug flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(seedCmd)

	return rootCmd
}
