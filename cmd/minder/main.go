// minder is a personal-assistant backend: it lands chat messages, classifies
// them into tasks and promises, and keeps the owner honest with reminders,
// deadline escalation and completion probes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"

	"github.com/basket/go-minder/internal/brain"
	"github.com/basket/go-minder/internal/bus"
	"github.com/basket/go-minder/internal/channels"
	"github.com/basket/go-minder/internal/config"
	"github.com/basket/go-minder/internal/ingest"
	"github.com/basket/go-minder/internal/lifecycle"
	"github.com/basket/go-minder/internal/memory"
	otelPkg "github.com/basket/go-minder/internal/otel"
	"github.com/basket/go-minder/internal/persistence"
	"github.com/basket/go-minder/internal/safety"
	"github.com/basket/go-minder/internal/scheduler"
	"github.com/basket/go-minder/internal/telemetry"
	"github.com/basket/go-minder/internal/triage"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	_ = godotenv.Load()

	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("minder", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "config load", err)
	}

	// Echo logs to stdout only on a terminal; piped or service runs rely on
	// the JSONL file under ~/.minder/logs.
	quietLogs := *quiet || !isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "logger init", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	// Create event bus early so it can be passed to the store.
	eventBus := bus.New()

	// Initialize OpenTelemetry (no-op when disabled, zero overhead).
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "otel init", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "metrics init", err)
	}
	bridge := otelPkg.NewBridge(eventBus, metrics)
	go bridge.Run(ctx)

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "store open", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	mind := brain.New(ctx, store, logger, brain.Config{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLMAPIKey(),
		Timeout:  time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
	})

	manager := lifecycle.New(store, logger, lifecycle.Config{
		ProbeParallelism: cfg.Scheduler.ProbeParallelism,
	})
	window := memory.NewWindow(store, logger, memory.WindowConfig{
		Retention: cfg.ConversationRetention(),
	})

	tg := cfg.Channels.Telegram
	if !tg.Enabled || tg.Token == "" {
		fatalStartup(logger, "channel init",
			fmt.Errorf("no messaging channel configured; set channels.telegram in config.yaml or TELEGRAM_BOT_TOKEN"))
	}

	ownerTarget := strconv.FormatInt(tg.OwnerID, 10)
	h := &handler{
		store:     store,
		lifecycle: manager,
		assistant: mind,
		window:    window,
		leaks:     safety.NewLeakDetector(),
		logger:    logger,
		ownerID:   tg.OwnerID,
	}
	allowed, err := store.Whitelist(ctx)
	if err != nil {
		logger.Warn("whitelist unavailable, owner-only gate", "error", err)
	}
	channel := channels.NewTelegramChannel(tg.Token, tg.OwnerID, allowed, h.Handle, logger)
	h.notifier = channel

	tq := triage.New(store, manager, channel, ownerTarget, logger)
	h.triage = tq
	h.processor = ingest.New(store, mind, manager, tq, channel, ownerTarget, logger, ingest.Config{
		AutoCreate:      cfg.Triage.AutoCreateThreshold,
		Minimum:         cfg.Triage.ConfidenceThreshold,
		ClassifyTimeout: time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
	})

	// Start blocks in its reconnect loop; run it beside the scheduler and
	// surface a failed startup (bad token, no network at boot) as fatal.
	channelErr := make(chan error, 1)
	go func() { channelErr <- channel.Start(ctx) }()
	logger.Info("startup phase", "phase", "channel_starting")

	driver := scheduler.NewScheduler(scheduler.Config{
		Store:     store,
		Lifecycle: manager,
		Triage:    tq,
		Window:    window,
		Notifier:  channel,
		Bus:       eventBus,
		Metrics:   metrics,
		Logger:    logger,
		Target:    ownerTarget,
		Interval:  cfg.TickInterval(),
		Lookahead: cfg.DeadlineLookahead(),
	})
	driver.Start(ctx)
	defer driver.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			fp := cfg.Fingerprint()
			for range watcher.Events() {
				fresh, err := config.Load()
				if err != nil {
					logger.Warn("config reload failed", "error", err)
					continue
				}
				if fresh.Fingerprint() == fp {
					continue
				}
				fp = fresh.Fingerprint()
				// Thresholds and batch settings are re-read from the store
				// each tick; everything else applies on restart.
				logger.Info("config changed on disk; restart to apply structural changes")
			}
		}()
	}

	// Sweep anything a previous run left unclassified.
	if n, err := h.processor.ProcessBacklog(ctx, 100); err != nil {
		logger.Warn("backlog sweep failed", "error", err)
	} else if n > 0 {
		logger.Info("backlog swept", "messages", n)
	}

	logger.Info("minder running", "version", Version, "tick", cfg.TickInterval())
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-channelErr:
		if err != nil {
			fatalStartup(logger, "channel", err)
		}
		logger.Info("channel closed, shutting down")
	}
}

func fatalStartup(logger *slog.Logger, phase string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "phase", phase, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","phase":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			phase,
			message,
		)
	}
	os.Exit(1)
}
