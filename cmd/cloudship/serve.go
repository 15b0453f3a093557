package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloudship/internal/artifact"
	"cloudship/internal/gcp"
	"cloudship/internal/github"
	"cloudship/internal/hotreload"
	"cloudship/internal/observability"
	"cloudship/internal/pipeline"
	"cloudship/internal/ratelimit"
	"cloudship/internal/server"
	"cloudship/internal/webhook"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds draining HTTP requests and stopping pipeline runs.
const shutdownTimeout = 30 * time.Second

var (
	host    string
	port    int
	logFile string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API and webhook server",
	Long: `Start the HTTP server for the deployment API, artifact uploads and GitHub webhooks.

On start the server resumes deployments left in flight by a previous process.
Run a single instance per database: deployment claims and rate-limit counters
are held in process memory and are not shared between replicas.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&host, "host", getEnvOrDefault("CLOUDSHIP_HOST", ""), "Host to bind to (overrides server.host)")
	serveCmd.Flags().IntVarP(&port, "port", "p", getEnvOrDefaultInt("CLOUDSHIP_PORT", 0), "Port to listen on (overrides server.port)")
	serveCmd.Flags().StringVar(&logFile, "log", getEnvOrDefault("CLOUDSHIP_LOG_FILE", ""), "Path to log file (overrides logging.file)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if logFile != "" {
		cfg.Logging.File = logFile
	}

	// Set up logging
	logger, logCloser, err := setupLogging(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logCloser.Close()

	logger.Info("Starting cloudship", "version", version, "config", cfg.Path)
	if w := cfg.PermissionWarning(); w != "" {
		logger.Warn(w)
	}

	shutdownTracing, err := observability.SetupTracing(cfg.Tracing.Enabled, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Opening database", "driver", cfg.Database.Driver)
	st, err := openStore(cfg.Database)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)

	gopts := googleOptions(cfg.GCP, logger)

	builds, err := gcp.NewCloudBuild(ctx, cfg.GCP.ProjectID, cfg.Pipeline.BuildArgs, cfg.Pipeline.BuildDeadline, gopts...)
	if err != nil {
		return fmt.Errorf("failed to create Cloud Build client: %w", err)
	}
	runs, err := gcp.NewCloudRun(ctx, cfg.GCP.ProjectID, logger, gopts...)
	if err != nil {
		return fmt.Errorf("failed to create Cloud Run client: %w", err)
	}
	runs.Public = *cfg.Pipeline.PublicServices

	blobs, err := gcp.NewBlobs(ctx, cfg.GCP.Bucket, gopts...)
	if err != nil {
		return fmt.Errorf("failed to create storage client: %w", err)
	}
	defer blobs.Close()

	poller := &pipeline.Poller{
		Builds:   builds,
		Interval: cfg.Pipeline.PollInterval,
		Deadline: cfg.Pipeline.BuildDeadline,
		Logger:   logger,
		Metrics:  metrics,
	}
	orch := pipeline.NewOrchestrator(st, builds, runs, poller, pipeline.Config{
		Registry:      cfg.GCP.ArtifactRegistry,
		ImageTemplate: cfg.Pipeline.ImageTemplate,
		PointerBucket: cfg.GCP.Bucket,
	}, logger, metrics)

	reloader := hotreload.NewCoordinator(st, st, logger, metrics)
	reloader.Attempts = cfg.HotReload.Attempts
	reloader.Delay = cfg.HotReload.Delay
	reloader.Timeout = cfg.HotReload.Timeout

	resolver := github.NewResolver(ctx, cfg.GitHub.Token, cfg.GitHub.DefaultBranch)
	if cfg.GitHub.APIURL != "" {
		if resolver, err = resolver.WithBaseURL(cfg.GitHub.APIURL); err != nil {
			return err
		}
	}

	dispatcher := webhook.NewDispatcher(cfg.GitHub.WebhookSecret, st, orch, cfg.GitHub.DefaultBranch, logger, metrics)
	dispatcher.Dedup = webhook.NewDedupCache(cfg.Webhook.DedupTTL, cfg.Webhook.DedupCapacity)

	limiter := ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.Window)

	resumed, err := orch.Recover(ctx)
	if err != nil {
		logger.Error("Failed to recover in-flight deployments", "error", err)
		return fmt.Errorf("failed to recover deployments: %w", err)
	}
	if resumed > 0 {
		logger.Info("Resumed in-flight deployments", "count", resumed)
	}

	srv := server.NewServer(server.Dependencies{
		Pipeline:    orch,
		Transitions: st,
		Reloads:     reloader,
		Artifacts:   artifact.NewService(st, blobs, logger),
		Webhooks:    dispatcher,
		Branches:    resolver,
		Health:      st,
		Limiter:     limiter,
	}, server.Settings{
		DefaultRegion:    cfg.GCP.Region,
		DefaultResources: cfg.Pipeline.DefaultResources,
		WebhookPerMinute: cfg.RateLimit.WebhookPerMinute,
	}, logger, metrics)
	httpServer := srv.HTTPServer(cfg.Server.Host, cfg.Server.Port)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting HTTP server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return limiter.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown incomplete", "error", err)
		}
		// Runs stop where they are; the next start resumes them.
		if err := orch.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("pipeline shutdown incomplete: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", "error", err)
		return err
	}
	logger.Info("Server stopped")
	return nil
}
