// Command pipeline runs the FOCUS billing ingestion service: an HTTP API
// over the run coordinator, plus a one-shot sync mode for operators.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"focus-pipeline/api"
	"focus-pipeline/internal/config"
	"focus-pipeline/internal/pipeline"
	"focus-pipeline/internal/provider"
	"focus-pipeline/internal/provider/aws"
	"focus-pipeline/internal/provider/azure"
	"focus-pipeline/internal/provider/gcp"
	"focus-pipeline/internal/provider/openai"
	"focus-pipeline/internal/storage"
	"focus-pipeline/internal/storage/clickhouse"
	"focus-pipeline/internal/storage/postgres"
)

func main() {
	app := &cli.App{
		Name:  "pipeline",
		Usage: "FOCUS billing data ingestion pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to YAML config file",
				EnvVars: []string{"PIPELINE_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API and coordinator",
				Action: runServe,
			},
			{
				Name:  "sync",
				Usage: "trigger one sync and wait for it to finish",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "provider-id", Usage: "sync a single provider (default: all active)"},
					&cli.TimestampFlag{Name: "start", Layout: "2006-01-02", Usage: "window start (inclusive)"},
					&cli.TimestampFlag{Name: "end", Layout: "2006-01-02", Usage: "window end (exclusive)"},
					&cli.IntFlag{Name: "days-back", Usage: "window size when start/end are omitted"},
				},
				Action: runSync,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(c *cli.Context) (config.Config, zerolog.Logger, *pipeline.Coordinator, storage.ProviderStore, func(), error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, zerolog.Nop(), nil, nil, nil, err
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Log.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	} else {
		log = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	}

	pg, err := postgres.NewStore(cfg.Postgres.DSN)
	if err != nil {
		return cfg, log, nil, nil, nil, fmt.Errorf("postgres: %w", err)
	}
	ch, err := clickhouse.NewStore(&clickhouse.Config{
		Host:     cfg.ClickHouse.Host,
		Port:     cfg.ClickHouse.Port,
		Database: cfg.ClickHouse.Database,
		Username: cfg.ClickHouse.Username,
		Password: cfg.ClickHouse.Password,
	})
	if err != nil {
		pg.Close()
		return cfg, log, nil, nil, nil, fmt.Errorf("clickhouse: %w", err)
	}

	registry := provider.NewRegistry()
	registry.Register("aws", aws.NewAdapter)
	registry.Register("azure", azure.NewAdapter)
	registry.Register("gcp", gcp.NewAdapter)
	registry.Register("openai", openai.NewAdapter)

	coordinator := pipeline.NewCoordinator(
		pipeline.Config{
			PipelineName:    cfg.Pipeline.Name,
			Workers:         cfg.Pipeline.Workers,
			MaxWindowDays:   cfg.Pipeline.MaxWindowDays,
			DefaultDaysBack: cfg.Pipeline.DefaultDaysBack,
			ChunkSize:       cfg.Pipeline.ChunkSize,
			StorageRetries:  cfg.Pipeline.StorageRetries,
			RetryBackoff:    cfg.Pipeline.RetryBackoff.Std(),
		},
		pipeline.Stores{Providers: pg, Runs: pg, Raw: pg, Canonical: ch},
		registry,
		log,
	)

	cleanup := func() {
		pg.Close()
		ch.Close()
	}
	return cfg, log, coordinator, pg, cleanup, nil
}

func runServe(c *cli.Context) error {
	cfg, log, coordinator, providers, cleanup, err := setup(c)
	if err != nil {
		return err
	}
	defer cleanup()

	server := api.NewServer(coordinator, providers, log)
	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("starting billing pipeline API")
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	return coordinator.Shutdown(ctx)
}

func runSync(c *cli.Context) error {
	cfg, log, coordinator, _, cleanup, err := setup(c)
	if err != nil {
		return err
	}
	defer cleanup()

	req := pipeline.TriggerRequest{
		DaysBack: c.Int("days-back"),
		RunType:  storage.RunTypeManual,
	}
	if v := c.String("provider-id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return fmt.Errorf("invalid provider id %q: %w", v, err)
		}
		req.ProviderID = &id
	}
	if t := c.Timestamp("start"); t != nil {
		req.StartDate = t
	}
	if t := c.Timestamp("end"); t != nil {
		req.EndDate = t
	}

	ctx := context.Background()
	runs, err := coordinator.Trigger(ctx, req)
	if err != nil {
		return err
	}
	for _, run := range runs {
		log.Info().
			Str("run_id", run.ID.String()).
			Str("provider_id", run.ProviderID.String()).
			Msg("run scheduled")
	}

	// Poll until every run reaches a terminal state.
	pending := make(map[uuid.UUID]struct{}, len(runs))
	for _, run := range runs {
		pending[run.ID] = struct{}{}
	}
	failed := false
	for len(pending) > 0 {
		time.Sleep(2 * time.Second)
		for id := range pending {
			run, err := coordinator.GetStatus(ctx, id)
			if err != nil {
				return err
			}
			if !run.Terminal() {
				continue
			}
			delete(pending, id)
			event := log.Info()
			if run.Status == storage.RunFailed {
				failed = true
				event = log.Error()
			}
			event.
				Str("run_id", run.ID.String()).
				Str("status", run.Status).
				Int("records_extracted", run.RecordsExtracted).
				Int("records_loaded", run.RecordsLoaded).
				Int("records_failed", run.RecordsFailed).
				Msg("run finished")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if failed {
		return cli.Exit("one or more runs failed", 1)
	}
	return nil
}
