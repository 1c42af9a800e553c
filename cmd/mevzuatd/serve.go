package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/apperr"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/httpapi"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/logging"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/metastore"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/registry"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, ingestion worker and sweeper",
	Long: `Run the mevzuatd daemon: the HTTP API, the document ingestion
worker and the background sweeper share one process and shut down
together on SIGINT or SIGTERM.

Examples:
  # Serve with the default config file
  mevzuatd serve

  # Serve with an explicit config file
  mevzuatd serve --config /etc/mevzuatd/config.yaml`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
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

	tel, err := telemetry.New(ctx, &telemetry.Config{
		Enabled:        cfg.Observability.EnableTelemetry,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Observability.OTLPEndpoint,
		Protocol:       cfg.Observability.OTLPProtocol,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			logger.Warn(sctx, "telemetry shutdown failed", zap.Error(err))
		}
	}()

	if cfg.Postgres.MigrateOnStart {
		if err := metastore.Migrate(cfg.Postgres.DSN.Value()); err != nil {
			return apperr.Wrap(apperr.KindAdapterUnavailable, "applying migrations", err)
		}
	}

	reg, err := registry.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Warn(context.Background(), "adapter close failed", zap.Error(err))
		}
	}()

	srv, err := httpapi.NewServer(httpapi.Options{
		Config: httpapi.Config{
			Port:            cfg.Server.Port,
			RequestTimeout:  cfg.Server.RequestTimeout.Duration(),
			ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
			MaxUploadBytes:  cfg.Ingest.MaxFileSizeBytes(),
		},
		Query:       reg.Query(),
		Catalog:     reg.Catalog(),
		Credits:     reg.Credits(),
		Maintenance: reg.Metastore(),
		Coordinator: reg.Coordinator(),
		Verifier:    reg.Verifier(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	logger.Info(ctx, "starting mevzuatd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Int("ingest_parallelism", cfg.Ingest.Parallelism))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return ignoreCancel(reg.Worker().Run(ctx))
	})
	g.Go(func() error {
		return ignoreCancel(reg.Sweeper().Run(ctx))
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info(context.Background(), "shutdown complete")
	return nil
}

// ignoreCancel drops the cancellation error the long-running loops return
// on a clean shutdown.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
