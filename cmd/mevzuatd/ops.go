package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/apperr"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/logging"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/metastore"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/registry"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE:  runMigrate,
}

// verifyLedger is the sweep --verify-ledger flag value.
var verifyLedger bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one sweeper round",
	Long: `Run one sweep round: release stale processing claims back to the
queue and purge tombstoned documents from blob storage and the index.

With --verify-ledger, every user's credit ledger is checked against its
transaction history afterwards. Detected drift exits with code 3.

Examples:
  # One sweep round
  mevzuatd sweep

  # Sweep, then audit the credit ledger
  mevzuatd sweep --verify-ledger`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().BoolVar(&verifyLedger, "verify-ledger", false, "verify every user's credit ledger after the sweep")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := metastore.Migrate(cfg.Postgres.DSN.Value()); err != nil {
		return apperr.Wrap(apperr.KindAdapterUnavailable, "applying migrations", err)
	}
	fmt.Println("migrations applied")
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := registry.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	if err := reg.Sweeper().Sweep(ctx); err != nil {
		return err
	}
	fmt.Println("sweep complete")

	if !verifyLedger {
		return nil
	}

	ids, err := reg.Metastore().ListUserIDs(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindAdapterUnavailable, "listing users", err)
	}
	for _, id := range ids {
		if err := reg.Credits().Verify(ctx, id); err != nil {
			return err
		}
	}
	fmt.Printf("ledger verified for %d user(s)\n", len(ids))
	return nil
}
