// Mevzuatd is the Turkish legal-document question answering daemon.
//
// The serve command runs the HTTP API, the ingestion worker and the
// background sweeper in one process. migrate applies database migrations
// and exits. sweep runs one sweeper round for operators, optionally
// verifying the credit ledger.
//
// Exit codes: 0 on success, 1 on configuration errors, 2 when a backing
// adapter is unavailable at startup, 3 on an invariant violation such as
// an embedding dimension mismatch or ledger drift.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/apperr"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/config"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configPath is the --config flag value; empty falls back to the default
// search path.
var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "mevzuatd",
	Short: "Legal-document retrieval and answering service",
	Long: `mevzuatd serves question answering over ingested Turkish legal
documents: PDF ingestion, passage retrieval, credit-metered answer
generation and the admin document catalog.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the configuration file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mevzuatd\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

// loadConfig reads and validates the configuration file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

// exitCode maps a command error onto the process exit code. Adapter
// failures and invariant violations get distinct codes so supervisors can
// tell a retryable outage from a deployment that must not restart.
func exitCode(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindInvariantViolation:
		return 3
	case apperr.KindAdapterUnavailable:
		return 2
	default:
		return 1
	}
}
