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

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserhub/internal/api"
	"github.com/shehryarbajwa/browserhub/internal/browser"
	"github.com/shehryarbajwa/browserhub/internal/config"
	"github.com/shehryarbajwa/browserhub/internal/proxy"
	"github.com/shehryarbajwa/browserhub/internal/ratelimit"
	"github.com/shehryarbajwa/browserhub/internal/session"
	"github.com/shehryarbajwa/browserhub/internal/telemetry"
)

// CLI flags override values from the config file and environment.
type CLI struct {
	Config   string `help:"Path to a YAML config file." short:"c" type:"path"`
	Addr     string `help:"Listen address, e.g. :8080."`
	Driver   string `help:"Browser driver: docker or local."`
	LogLevel string `help:"Log level (debug, info, warn, error)." name:"log-level"`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("browserhub"),
		kong.Description("HTTP API for launching remote browsers and handing out their CDP endpoints."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cli.Addr != "" {
		cfg.Server.Addr = cli.Addr
	}
	if cli.Driver != "" {
		cfg.Driver.Kind = cli.Driver
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("server failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	_ = log.Sync()
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("starting browserhub", zap.String("driver", cfg.Driver.Kind))

	driver, err := newDriver(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := driver.Close(); err != nil {
			log.Warn("failed to close driver", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	registry := session.NewRegistry(driver, session.Config{
		MaxSessions:   cfg.Registry.MaxSessions,
		LaunchTimeout: cfg.Registry.LaunchTimeout,
		StopTimeout:   cfg.Registry.StopTimeout,
		SessionTTL:    cfg.Registry.SessionTTL,
	}, session.WithObserver(session.Observers{telemetry.NewLogObserver(log), metrics}))

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.RequestsPerHour > 0 {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.RequestsPerHour, cfg.RateLimit.Burst)
	}

	handler := api.NewHandler(registry, log)
	router := handler.SetupRoutes(
		proxy.NewServer(registry, log),
		limiter,
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			log.Error("server error", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("server forced to shutdown", zap.Error(err))
	}

	// Browsers get their own budget; in-flight launches are waited for.
	started := time.Now()
	if err := registry.ShutdownAll(context.Background()); err != nil {
		log.Error("some browsers did not terminate cleanly", zap.Error(err))
	}
	log.Info("stopped", zap.Duration("drain", time.Since(started)))
	return nil
}

func newDriver(cfg *config.Config, log *zap.Logger) (browser.Driver, error) {
	switch cfg.Driver.Kind {
	case "local":
		d, err := browser.NewLocalDriver(browser.LocalOptions{
			ExecutablePath: cfg.Driver.ChromePath,
			DataDir:        cfg.Driver.DataDir,
			Logger:         log,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create local driver: %w", err)
		}
		return d, nil
	default:
		d, err := browser.NewDockerDriver(browser.DockerOptions{
			Image:   cfg.Driver.Image,
			Host:    cfg.Driver.Host,
			DataDir: cfg.Driver.DataDir,
			Logger:  log,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create docker driver: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		log.Info("ensuring browser image", zap.String("image", cfg.Driver.Image))
		if err := d.EnsureImage(ctx); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("failed to ensure image: %w", err)
		}
		return d, nil
	}
}
