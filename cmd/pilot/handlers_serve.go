package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/pilot/internal/agent"
	"github.com/haasonsaas/pilot/internal/artifacts"
	"github.com/haasonsaas/pilot/internal/batch"
	"github.com/haasonsaas/pilot/internal/browser"
	"github.com/haasonsaas/pilot/internal/config"
	"github.com/haasonsaas/pilot/internal/memoryfs"
	"github.com/haasonsaas/pilot/internal/observability"
	"github.com/haasonsaas/pilot/internal/sessions"
	"github.com/haasonsaas/pilot/internal/store"
	"github.com/haasonsaas/pilot/internal/tasks"
	"github.com/haasonsaas/pilot/internal/web"
)

// shutdownTimeout bounds connection draining after a stop signal. Running
// tasks checkpoint every iteration, so aborting them mid-run loses at most
// one iteration of work.
const shutdownTimeout = 30 * time.Second

// runServe implements the serve command logic. It wires every component from
// the resolved configuration and runs the HTTP API until a shutdown signal.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	metrics := observability.NewMetrics()

	// Cancel everything, including background batch executions, on
	// shutdown signals.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceEndpoint := ""
	if cfg.Tracing.Enabled {
		traceEndpoint = cfg.Tracing.Endpoint
	}
	tracer, stopTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       traceEndpoint,
		SamplingRate:   cfg.Tracing.SampleRatio,
	})
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stopTracer(flushCtx); err != nil {
			logger.Warn(flushCtx, "trace exporter shutdown failed", "error", err)
		}
	}()

	logger.Info(ctx, "starting pilot",
		"version", version,
		"commit", commit,
		"config", configPath,
		"addr", cfg.Server.Addr,
		"model_provider", cfg.Model.Provider,
		"database_driver", cfg.Database.Driver,
		"artifacts_backend", cfg.Artifacts.Backend,
	)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	arts, closeArts, err := openArtifacts(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeArts()

	mem, err := memoryfs.NewStore(memoryfs.Config{Root: cfg.Memory.Dir})
	if err != nil {
		return fmt.Errorf("memory store: %w", err)
	}

	kernel, err := browser.NewKernel(browser.KernelConfig{
		BaseURL: cfg.Browser.BaseURL,
		APIKey:  cfg.Browser.APIKey,
	})
	if err != nil {
		return fmt.Errorf("browser provisioner: %w", err)
	}

	manager, err := sessions.NewManager(sessions.Config{
		Provisioner:    kernel,
		Store:          st,
		Logger:         logger,
		Metrics:        metrics,
		TimeoutSeconds: cfg.Browser.TimeoutSeconds,
		Stealth:        cfg.Browser.Stealth,
		Persistence:    cfg.Browser.Persistence,
		UseProfiles:    cfg.Browser.UseProfiles,
		Viewport: &browser.Viewport{
			Width:  cfg.Browser.ViewportWidth,
			Height: cfg.Browser.ViewportHeight,
		},
		TypingDelay: time.Duration(cfg.Agent.TypingDelayMS) * time.Millisecond,
		DownloadDir: cfg.Browser.DownloadDir,
	})
	if err != nil {
		return fmt.Errorf("session manager: %w", err)
	}

	model, err := openModelPort(ctx, cfg)
	if err != nil {
		return err
	}

	prompt, err := agent.NewSystemPrompt(cfg.Agent.SystemPromptPath, logger)
	if err != nil {
		return fmt.Errorf("system prompt: %w", err)
	}
	if err := prompt.StartWatching(ctx); err != nil {
		logger.Warn(ctx, "system prompt watch unavailable",
			"path", cfg.Agent.SystemPromptPath, "error", err)
	}
	defer prompt.Close()

	loop, err := agent.NewLoop(agent.LoopConfig{
		Model:         model,
		Store:         st,
		Browser:       manager,
		Artifacts:     arts,
		Memory:        mem,
		Prompt:        prompt,
		Logger:        logger,
		Metrics:       metrics,
		Tracer:        tracer,
		DisplayWidth:  cfg.Browser.ViewportWidth,
		DisplayHeight: cfg.Browser.ViewportHeight,
		SignedURLTTL:  cfg.Artifacts.SignedURLTTL,
	})
	if err != nil {
		return fmt.Errorf("agent loop: %w", err)
	}

	coordinator := tasks.NewCoordinator(st, logger)

	executor, err := batch.NewExecutor(batch.Config{
		Loop:        loop,
		Sessions:    manager,
		Coordinator: coordinator,
		Store:       st,
		Defaults:    cfg.Execution(),
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return fmt.Errorf("batch executor: %w", err)
	}

	srv, err := web.NewServer(web.Config{
		Store:        st,
		Browser:      manager,
		Coordinator:  coordinator,
		Loop:         loop,
		Batch:        executor,
		Defaults:     cfg.Execution(),
		APIKeySecret: cfg.Auth.APIKeySecret,
		BaseContext:  ctx,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		return fmt.Errorf("http api: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(gctx, "pilot listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info(context.Background(), "shutdown signal received, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info(context.Background(), "pilot stopped gracefully")
	return nil
}

// openStore opens the configured SQL store. The schema is created on first
// use, so a fresh SQLite path or an empty Postgres database needs no
// migration step.
func openStore(cfg *config.Config) (*store.SQLStore, error) {
	sc := store.DefaultConfig()
	sc.Driver = cfg.Database.Driver
	if cfg.Database.MaxConnections > 0 {
		sc.MaxOpenConns = cfg.Database.MaxConnections
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sc.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}

	switch cfg.Database.Driver {
	case store.DriverPostgres:
		sc.DSN = cfg.Database.URL
	case store.DriverSQLite:
		sc.DSN = cfg.Database.Path
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", cfg.Database.Driver)
	}

	st, err := store.NewSQLStore(sc)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// openArtifacts builds the configured artifact store and returns it with its
// cleanup function.
func openArtifacts(ctx context.Context, cfg *config.Config) (agent.Artifacts, func(), error) {
	switch cfg.Artifacts.Backend {
	case "s3":
		s3s, err := artifacts.NewS3Store(ctx, &artifacts.S3Config{
			Bucket:          cfg.Artifacts.Bucket,
			Region:          cfg.Artifacts.Region,
			Endpoint:        cfg.Artifacts.Endpoint,
			AccessKeyID:     cfg.Artifacts.AccessKey,
			SecretAccessKey: cfg.Artifacts.SecretKey,
			UsePathStyle:    cfg.Artifacts.UsePathStyle,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("s3 artifact store: %w", err)
		}
		return s3s, func() { _ = s3s.Close() }, nil
	case "local":
		local, err := artifacts.NewLocalStore(cfg.Artifacts.LocalDir)
		if err != nil {
			return nil, nil, fmt.Errorf("local artifact store: %w", err)
		}
		return local, func() { _ = local.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("artifacts: unknown backend %q", cfg.Artifacts.Backend)
	}
}

// openModelPort selects the model provider. Bedrock resolves credentials
// through the default AWS chain; the direct API requires an explicit key.
func openModelPort(ctx context.Context, cfg *config.Config) (agent.ModelPort, error) {
	switch cfg.Model.Provider {
	case "anthropic":
		port, err := agent.NewAnthropicPort(agent.AnthropicConfig{
			APIKey:       cfg.Model.APIKey,
			DefaultModel: cfg.Model.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic port: %w", err)
		}
		return port, nil
	case "bedrock":
		port, err := agent.NewBedrockPort(ctx, agent.BedrockConfig{
			Region:       cfg.Model.AWSRegion,
			DefaultModel: cfg.Model.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("bedrock port: %w", err)
		}
		return port, nil
	default:
		return nil, fmt.Errorf("model: unknown provider %q", cfg.Model.Provider)
	}
}
