package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/VenkatGGG/cbtr/internal/api"
	"github.com/VenkatGGG/cbtr/internal/artifact"
	"github.com/VenkatGGG/cbtr/internal/config"
	"github.com/VenkatGGG/cbtr/internal/earlybird"
	"github.com/VenkatGGG/cbtr/internal/exitcode"
	"github.com/VenkatGGG/cbtr/internal/metrics"
	"github.com/VenkatGGG/cbtr/internal/platform"
	"github.com/VenkatGGG/cbtr/internal/platform/browserstack"
	"github.com/VenkatGGG/cbtr/internal/platform/local"
	"github.com/VenkatGGG/cbtr/internal/result"
	"github.com/VenkatGGG/cbtr/internal/scheduler"
)

const (
	browserStackPlatform = "BrowserStack"
	localPlatform        = "Local"

	shutdownTimeout = 10 * time.Second
)

var Version = "v0.1.0"

func main() {
	app := cli.NewApp()
	app.Name = "cbtr"
	app.Version = Version
	app.Usage = "Cross-browser test runner"
	app.Description = "cbtr runs a test suite on every configured browser and reports the aggregate result"
	app.Flags = config.Flags
	app.Action = run

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Exit codes returned through cli.Exit are handled inside RunContext.
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Printf("cbtr failed: %v", err)
		stop()
		os.Exit(exitcode.Failure)
	}
}

func run(c *cli.Context) error {
	logger := log.Default()

	settings, err := config.LoadSettings(c.String(config.SettingsFlag.Name))
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	cfg := config.FromCLI(c, settings)
	logger.Printf("config loaded: settings=%s http_addr=%s redis=%t postgres=%t", cfg.SettingsPath, cfg.HTTPAddr, cfg.RedisAddr != "", cfg.PostgresDSN != "")

	ctx := c.Context
	m := metrics.New()

	earlyBirds, closeEarlyBirds := newEarlyBirdStore(cfg)
	defer closeEarlyBirds(logger)

	results, closeResults, err := newResultStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeResults()

	artifacts, err := artifact.NewLocalStore(cfg.ArtifactDir, cfg.ArtifactBaseURL)
	if err != nil {
		return fmt.Errorf("create artifact store: %w", err)
	}

	registry, err := newRegistry(cfg, logger)
	if err != nil {
		return err
	}

	manager := scheduler.New(settings, registry, scheduler.Config{
		MonitorInterval:     cfg.MonitorInterval,
		StopDelay:           cfg.StopDelay,
		PlatformCallTimeout: cfg.PlatformCallTimeout,
	}, scheduler.Deps{
		EarlyBirds: earlyBirds,
		Results:    results,
		Artifacts:  artifacts,
		Metrics:    m,
		Logger:     logger,
	})

	server := api.NewServer(manager, results, m, api.Options{
		TestRoot:        cfg.TestRoot,
		ArtifactDir:     artifacts.RootDir(),
		ArtifactBaseURL: artifacts.BaseURL(),
		WebhookRate:     cfg.WebhookRate,
		WebhookBurst:    cfg.WebhookBurst,
	}, logger)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("cbtr listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("http shutdown failed: %v", err)
		}
	}()

	if err := manager.Start(ctx); err != nil {
		logger.Printf("scheduler start failed: %v", err)
	}

	select {
	case <-manager.Done():
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("http server failed: %w", err)
		}
	}
	outcome, err := manager.Wait(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}

	records, err := results.List(context.WithoutCancel(ctx))
	if err != nil {
		logger.Printf("list results failed: %v", err)
	}
	fmt.Fprintln(c.App.Writer, result.Summary(records, outcome.Passed))
	if outcome.Err != nil {
		return cli.Exit(outcome.Err.Error(), outcome.ExitCode())
	}
	if code := outcome.ExitCode(); code != exitcode.Success {
		return cli.Exit("", code)
	}
	return nil
}

func newEarlyBirdStore(cfg config.Config) (earlybird.Store, func(*log.Logger)) {
	if cfg.RedisAddr == "" {
		store := earlybird.NewInMemoryStore(cfg.EarlyBirdTTL)
		return store, func(*log.Logger) { _ = store.Close() }
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	store := earlybird.NewRedisStore(client, "", cfg.EarlyBirdTTL)
	return store, func(logger *log.Logger) {
		if err := store.Close(); err != nil {
			logger.Printf("early bird cleanup failed: %v", err)
		}
		if err := client.Close(); err != nil {
			logger.Printf("redis close failed: %v", err)
		}
	}
}

// newResultStore keeps this process's attempts in memory for the summary and
// mirrors them into Postgres when a DSN is configured.
func newResultStore(ctx context.Context, cfg config.Config) (result.Store, func(), error) {
	session := result.NewInMemoryStore()
	if cfg.PostgresDSN == "" {
		return session, func() {}, nil
	}
	durable, err := result.NewPostgresStore(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open result store: %w", err)
	}
	return result.NewMirrorStore(session, durable), durable.Close, nil
}

func newRegistry(cfg config.Config, logger *log.Logger) (*platform.Registry, error) {
	registry := platform.NewRegistry()
	bs := browserstack.New(browserstack.Config{
		APIURL:        cfg.BrowserStackAPIURL,
		HubURL:        cfg.BrowserStackHubURL,
		Username:      cfg.BrowserStackUser,
		AccessKey:     cfg.BrowserStackKey,
		Timeout:       cfg.PlatformCallTimeout,
		ScriptCommand: cfg.ScriptCommand,
	}, logger)
	if err := registry.Register(browserStackPlatform, bs); err != nil {
		return nil, err
	}
	if err := registry.Register(localPlatform, local.New(cfg.CDPBaseURL, cfg.PlatformCallTimeout, logger)); err != nil {
		return nil, err
	}
	return registry, nil
}
