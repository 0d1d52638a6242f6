package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/aksrustagi/talos-sub002/anomaly"
	"github.com/aksrustagi/talos-sub002/event/pgstore"
	"github.com/aksrustagi/talos-sub002/internal/api"
	"github.com/aksrustagi/talos-sub002/internal/clients"
	"github.com/aksrustagi/talos-sub002/internal/config"
	"github.com/aksrustagi/talos-sub002/internal/logging"
	"github.com/aksrustagi/talos-sub002/pricing/regime"
	"github.com/aksrustagi/talos-sub002/procurement"
	"github.com/aksrustagi/talos-sub002/river"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "talosd",
		Short:         "Durable procurement workflow daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")

	root.AddCommand(
		newServeCmd(&configPath),
		newWorkerCmd(&configPath),
		newMigrateCmd(&configPath),
	)
	return root
}

// newServeCmd serves the HTTP API in insert-only mode: it starts and
// inspects runs but executes nothing locally.
func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the workflow HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			registry := newRegistry()
			runner, err := river.NewRunner(river.Config{
				Pool:     pool,
				Store:    pgstore.New(pool),
				Registry: registry,
				Logger:   logger,
				Workers:  0,
			})
			if err != nil {
				return err
			}
			if err := runner.Start(ctx); err != nil {
				return err
			}
			defer runner.Stop(context.Background())

			server := api.NewServer(runner, registry, logger)
			errs := make(chan error, 1)
			go func() { errs <- server.Start(cfg.HTTP.Addr) }()
			logger.Info("api listening", "addr", cfg.HTTP.Addr)

			select {
			case err := <-errs:
				return err
			case <-ctx.Done():
				logger.Info("shutting down")
				return server.Shutdown(context.Background())
			}
		},
	}
}

// newWorkerCmd runs the River worker: it executes workflow jobs against
// the real collaborators and, when configured, the recurring price scan.
func newWorkerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the workflow worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			svc, closeSvc, err := buildServices(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeSvc()

			schedules, err := buildSchedules(cfg)
			if err != nil {
				return err
			}

			runner, err := river.NewRunner(river.Config{
				Pool:       pool,
				Store:      pgstore.New(pool),
				Registry:   newRegistry(),
				Logger:     logger,
				Workers:    cfg.Worker.Count,
				JobTimeout: cfg.Worker.JobTimeout,
				Schedules:  schedules,
			})
			if err != nil {
				return err
			}

			// Job contexts derive from this one, so the collaborators ride
			// into every step.
			if err := runner.Start(procurement.WithServices(ctx, svc)); err != nil {
				return err
			}
			logger.Info("worker started", "workers", cfg.Worker.Count, "schedules", len(schedules))

			<-ctx.Done()
			logger.Info("draining worker")
			return runner.Stop(context.Background())
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			pool, err := pgxpool.New(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			if err := river.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func loadConfig(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.New(cfg.Log.Level, cfg.Log.Format), nil
}

func newRegistry() *river.Registry {
	registry := river.NewRegistry()
	for _, def := range procurement.Definitions() {
		registry.Register(def)
	}
	return registry
}

// buildServices wires the collaborators and models from configuration.
// The returned closer releases the Redis connection.
func buildServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*procurement.Services, func(), error) {
	regimeParams := regime.DefaultParams()
	if cfg.Params.Regime != "" {
		var err error
		if regimeParams, err = regime.LoadParams(cfg.Params.Regime); err != nil {
			return nil, nil, err
		}
	}
	predictor, err := regime.New(regimeParams)
	if err != nil {
		return nil, nil, err
	}

	anomalyParams := anomaly.DefaultParams()
	if cfg.Params.Anomaly != "" {
		if anomalyParams, err = anomaly.LoadParams(cfg.Params.Anomaly); err != nil {
			return nil, nil, err
		}
	}
	detector, err := anomaly.NewDetector(ctx, anomalyParams)
	if err != nil {
		return nil, nil, err
	}

	svc := &procurement.Services{
		Agents:    clients.NewAgentClient(cfg.Agents.BaseURL, cfg.Agents.APIKey, cfg.Agents.Timeout),
		Documents: clients.NewDocumentClient(cfg.Documents.BaseURL, cfg.Documents.Timeout),
		Prices:    clients.NewPriceClient(cfg.Prices.BaseURL, cfg.Prices.APIKey, cfg.Prices.Timeout),
		Predictor: predictor,
		Detector:  detector,
		Logger:    logger,
	}

	closer := func() {}
	if cfg.Redis.Addr != "" {
		notifier, err := clients.NewRedisNotifier(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Queue)
		if err != nil {
			return nil, nil, err
		}
		svc.Notifier = notifier
		closer = func() { _ = notifier.Close() }
	} else {
		logger.Warn("redis not configured, notifications disabled")
	}
	return svc, closer, nil
}

// buildSchedules turns the scan config into the recurring
// price_watch_scan schedule.
func buildSchedules(cfg *config.Config) ([]river.Schedule, error) {
	if !cfg.Scan.Enabled {
		return nil, nil
	}

	input := procurement.PriceWatchInput{OrgID: cfg.Scan.OrgID}
	for _, raw := range cfg.Scan.Watches {
		watch, err := parseWatch(raw)
		if err != nil {
			return nil, err
		}
		input.Watches = append(input.Watches, watch)
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}

	return []river.Schedule{{
		WorkflowName: procurement.TypePriceWatchScan,
		Every:        cfg.Scan.Every,
		Input:        payload,
		OrgID:        cfg.Scan.OrgID,
		RunOnStart:   cfg.Scan.RunOnStart,
	}}, nil
}

// parseWatch parses "vendorId/productId[:annualVolume]".
func parseWatch(raw string) (procurement.PriceWatch, error) {
	var watch procurement.PriceWatch

	spec := raw
	if pair, volume, ok := strings.Cut(raw, ":"); ok {
		parsed, err := strconv.ParseFloat(volume, 64)
		if err != nil || parsed < 0 {
			return watch, fmt.Errorf("watch %q: bad annual volume %q", raw, volume)
		}
		watch.AnnualVolume = parsed
		spec = pair
	}

	vendor, product, ok := strings.Cut(spec, "/")
	if !ok || vendor == "" || product == "" {
		return watch, fmt.Errorf("watch %q: want vendorId/productId", raw)
	}
	watch.VendorID = vendor
	watch.ProductID = product
	return watch, nil
}
