package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-helm/internal/bus"
	"github.com/basket/go-helm/internal/channels"
	"github.com/basket/go-helm/internal/config"
	"github.com/basket/go-helm/internal/coordinator"
	"github.com/basket/go-helm/internal/cron"
	"github.com/basket/go-helm/internal/gateway"
	"github.com/basket/go-helm/internal/inference"
	otelPkg "github.com/basket/go-helm/internal/otel"
	"github.com/basket/go-helm/internal/persistence"
	"github.com/basket/go-helm/internal/pipeline"
	"github.com/basket/go-helm/internal/remote"
	"github.com/basket/go-helm/internal/surface"
	"github.com/basket/go-helm/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Run the task runtime in the foreground

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GOHELM_HOME             Data directory (default: ~/.gohelm)
  GOHELM_REMOTE_ENDPOINT  Companion websocket URL
  GOHELM_REMOTE_TOKEN     Companion auth token
  GOHELM_GATEWAY_TOKEN    Control API auth token
  TELEGRAM_TOKEN          Enables the telegram channel
`)
}

func main() {
	home := flag.String("home", "", "data directory (overrides GOHELM_HOME)")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("gohelm", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg config.Config
	var err error
	if *home != "" {
		cfg, err = config.LoadFrom(*home)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "E_CONFIG_LOAD:", err)
		os.Exit(1)
	}

	// Piped output defaults to quiet file logging unless flags say otherwise.
	quietLogs := *quiet || !isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("GOHELM_LOG_STDOUT") == ""

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "E_LOG_INIT:", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	logger.Info("gohelm starting", "version", Version, "home", cfg.HomeDir, "config", cfg.Fingerprint())

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("gohelm exited with error", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("gohelm stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.OTLPEndpoint != "",
		Exporter: otelExporter(cfg.OTLPEndpoint),
		Endpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()

	eventBus := bus.New()

	store, err := persistence.Open(persistence.DefaultDBPath(cfg.HomeDir), eventBus)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	// Tasks left RUNNING by a crash go back to the queue before scheduling
	// starts.
	if n, err := store.RequeueRunning(ctx); err != nil {
		return fmt.Errorf("requeue running tasks: %w", err)
	} else if n > 0 {
		logger.Info("requeued interrupted tasks", "count", n)
	}

	transport, err := remote.DialSurface(ctx, cfg.Remote.Endpoint, cfg.Remote.AuthToken, eventBus, logger)
	if err != nil {
		return fmt.Errorf("dial companion: %w", err)
	}
	channel := remote.NewChannel(transport, remote.Options{
		MaxAttempts:  cfg.Remote.MaxAttempts,
		InitialDelay: cfg.Remote.InitialDelay(),
		RetryBase:    cfg.Remote.RetryBase(),
		ProbeTimeout: cfg.Remote.ProbeTimeout(),
		SettleDelay:  cfg.Remote.SettleDelay(),
	}, logger)
	defer channel.Close()

	runner := pipeline.NewRunner(store, eventBus, logger, pipeline.Options{
		SubmitTimeout: cfg.Tasks.SubmitTimeout(),
		Monitor: inference.Options{
			PollInterval:       cfg.Monitor.PollInterval(),
			DebounceWindow:     cfg.Monitor.DebounceWindow(),
			StabilityThreshold: cfg.Monitor.StabilityThreshold,
			WatchdogInterval:   cfg.Monitor.WatchdogInterval(),
			StallThreshold:     cfg.Monitor.StallThreshold(),
		},
	})

	coord := coordinator.New(coordinator.Config{
		Store:        store,
		Link:         channel,
		Factory:      surface.NewFactory(),
		Runner:       runner,
		Bus:          eventBus,
		Logger:       logger,
		RetryDelay:   cfg.Tasks.RetryDelay(),
		PollInterval: cfg.Monitor.PollInterval(),
	})

	gw := gateway.New(gateway.Config{
		Store:             store,
		Controller:        coord,
		Bus:               eventBus,
		Logger:            logger,
		AuthToken:         cfg.Gateway.AuthToken,
		AllowOrigins:      cfg.Gateway.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	httpServer := &http.Server{
		Addr:    cfg.Gateway.BindAddr,
		Handler: gw.Handler(),
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.Gateway.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway server failed", "error", err.Error())
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	if len(cfg.Schedules) > 0 {
		scheduler := cron.NewScheduler(cron.Config{
			Schedules:  cfg.Schedules,
			Submitter:  coord,
			Logger:     logger,
			MaxRetries: cfg.Tasks.MaxRetries,
		})
		scheduler.Start(ctx)
		defer scheduler.Stop()
	}

	var messaging []channels.Channel
	if cfg.Telegram.Enabled {
		messaging = append(messaging,
			channels.NewTelegramChannel(cfg.Telegram.Token, cfg.Telegram.AllowedIDs, coord, store, logger, eventBus))
	}
	for _, ch := range messaging {
		go func() {
			if err := ch.Start(ctx); err != nil {
				logger.Error("channel failed", "channel", ch.Name(), "error", err.Error())
			}
		}()
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err.Error())
	} else {
		go watchConfig(ctx, watcher, cfg, logger)
	}

	coord.Run(ctx)
	return ctx.Err()
}

// watchConfig logs when config.yaml changes materially. Most settings need
// a restart; the log line tells the operator which edits were picked up.
func watchConfig(ctx context.Context, watcher *config.Watcher, active config.Config, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events():
			if !ok {
				return
			}
			reloaded, err := config.LoadFrom(active.HomeDir)
			if err != nil {
				logger.Warn("config reload failed", "error", err.Error())
				continue
			}
			if reloaded.Fingerprint() == active.Fingerprint() {
				continue
			}
			logger.Warn("config changed on disk, restart to apply",
				"old", active.Fingerprint(), "new", reloaded.Fingerprint())
		}
	}
}

func otelExporter(endpoint string) string {
	switch endpoint {
	case "":
		return "none"
	case "stdout":
		return "stdout"
	default:
		return "otlp-http"
	}
}
