package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/measured-io/measured/internal/api"
	"github.com/measured-io/measured/internal/collector"
	"github.com/measured-io/measured/internal/crypto"
	"github.com/measured-io/measured/internal/domain"
	_ "github.com/measured-io/measured/internal/integrations/all"
	"github.com/measured-io/measured/internal/metrics"
	"github.com/measured-io/measured/internal/notify"
	"github.com/measured-io/measured/internal/platform/config"
	"github.com/measured-io/measured/internal/platform/logging"
	"github.com/measured-io/measured/internal/platform/version"
	"github.com/measured-io/measured/internal/postgres"
	"github.com/measured-io/measured/internal/redis"
	"github.com/measured-io/measured/internal/scheduler"
	"github.com/measured-io/measured/internal/sheets"
	"github.com/measured-io/measured/internal/spike"
)

// authorize states expire well before anyone retries a browser flow
const authorizeStateTTL = 15 * time.Minute

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "measured",
		Short:         "Metrics collection runtime: integrations, jobs, and exports",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newCollectLatestCmd())
	root.AddCommand(newBackfillCmd())
	root.AddCommand(newCollectAllLatestCmd())
	root.AddCommand(newVerifyInactiveCmd())
	root.AddCommand(newSpreadsheetExportAllCmd())
	return root
}

// runtime is the process-wide dependency graph shared by all commands.
type runtime struct {
	cfg   *config.Config
	pool  *pgxpool.Pool
	redis *redis.Client

	metricRepo *postgres.MetricRepository
	store      *postgres.MeasurementStore
	orgRepo    *postgres.OrganizationRepository
	notifier   domain.Notifier
	collector  *collector.Collector
	scheduler  *scheduler.Scheduler
	exporter   *sheets.Exporter
	states     *redis.StateStore
}

// setup loads config and connects the stores. Redis is only dialed when the
// command runs collection jobs, which coordinate through its locks.
func setup(ctx context.Context, needRedis bool) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		// slog is not configured before the config is loaded
		log.Fatalf("Failed to load config: %v", err)
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv)

	v := version.Get()
	metrics.BuildInfo.WithLabelValues(v.Version, v.Commit, v.BuildTime, v.GoVersion).Set(1)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := postgres.Connect(connectCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := postgres.RunMigrationsWithLock(connectCtx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	var cryptoSvc crypto.Service = crypto.NoopService{}
	if cfg.CredentialsEncryptionKey != "" {
		cryptoSvc, err = crypto.NewAesGcmCryptoService(cfg.CredentialsEncryptionKey)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create crypto service: %w", err)
		}
	}

	r := &runtime{
		cfg:        cfg,
		pool:       pool,
		metricRepo: postgres.NewMetricRepository(pool, cryptoSvc),
		store:      postgres.NewMeasurementStore(pool),
		orgRepo:    postgres.NewOrganizationRepository(pool, cryptoSvc),
		notifier:   notify.New(cfg),
	}
	r.collector = collector.New(r.metricRepo, r.store, cfg)
	r.exporter = sheets.NewExporter(r.orgRepo, r.store, cfg)

	if needRedis {
		redisClient, err := redis.NewClient(connectCtx, cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		r.redis = redisClient
		r.states = redis.NewStateStore(redisClient, authorizeStateTTL)

		// The lock must survive a full job plus shutdown slack.
		locker := redis.NewJobLocker(redisClient, cfg.JobTimeout+time.Minute)
		spikes := spike.NewDetector(r.store, r.metricRepo, clockwork.NewRealClock())
		r.scheduler = scheduler.New(cfg, r.metricRepo, r.store, r.collector, locker, r.notifier, spikes)
	}

	return r, nil
}

func (r *runtime) close() {
	if r.redis != nil {
		_ = r.redis.Close()
	}
	r.pool.Close()
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic collection scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			r, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer r.close()

			checks := []api.HealthCheck{
				{Name: "database", Check: r.pool.Ping},
				{Name: "redis", Check: r.redis.Ping},
			}
			srv := api.NewServer(r.cfg, r.metricRepo, r.scheduler, r.collector, r.states, checks)

			schedulerDone := make(chan struct{})
			go func() {
				defer close(schedulerDone)
				if err := r.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					slog.Error("Scheduler stopped", "error", err)
				}
			}()

			done := make(chan struct{})
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				slog.Info("Shutdown signal received, cleaning up...")

				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutdownCancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					slog.Error("Server shutdown error", "error", err)
				}

				cancel()
				<-schedulerDone
				close(done)
			}()

			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			<-done
			return nil
		},
	}
}

func newCollectLatestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collect-latest <metric-id>",
		Short: "Collect the latest measurement for one metric",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metricID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid metric id %q: %w", args[0], err)
			}

			r, err := setup(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer r.close()

			r.scheduler.CollectLatest(cmd.Context(), metricID)
			return nil
		},
	}
}

func newBackfillCmd() *cobra.Command {
	var since string

	cmd := &cobra.Command{
		Use:   "backfill <metric-id>",
		Short: "Backfill historical measurements for one metric",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metricID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid metric id %q: %w", args[0], err)
			}

			r, err := setup(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer r.close()

			r.scheduler.Backfill(cmd.Context(), metricID, since)
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "start of the backfill window, an ISO date or a duration like \"90 days\"")
	return cmd
}

func newCollectAllLatestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collect-all-latest",
		Short: "Collect the latest measurement for every metric",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := setup(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer r.close()

			return r.scheduler.CollectAllLatest(cmd.Context())
		},
	}
}

func newVerifyInactiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-inactive",
		Short: "Remind owners of metrics without recent data",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := setup(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer r.close()

			return r.scheduler.VerifyInactive(cmd.Context())
		},
	}
}

func newSpreadsheetExportAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "spreadsheet-export-all",
		Short: "Export measurements to every organization's spreadsheet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := setup(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer r.close()

			return r.exporter.ExportAll(cmd.Context())
		},
	}
}
