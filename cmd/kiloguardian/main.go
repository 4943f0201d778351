// Package main is the entry point for the Kilo Guardian daemon: it
// wires every in-process component together and runs the gateway's
// HTTP server until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kiloguardian/kiloguardian/internal/adherence"
	"github.com/kiloguardian/kiloguardian/internal/admin"
	"github.com/kiloguardian/kiloguardian/internal/buildinfo"
	"github.com/kiloguardian/kiloguardian/internal/clock"
	"github.com/kiloguardian/kiloguardian/internal/coaching"
	"github.com/kiloguardian/kiloguardian/internal/config"
	"github.com/kiloguardian/kiloguardian/internal/eventbus"
	"github.com/kiloguardian/kiloguardian/internal/gateway"
	"github.com/kiloguardian/kiloguardian/internal/habit"
	"github.com/kiloguardian/kiloguardian/internal/medication"
	"github.com/kiloguardian/kiloguardian/internal/reminder"
	"github.com/kiloguardian/kiloguardian/internal/reminderscheduler"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := run(logger, *configPath); err != nil {
		logger.Error("kiloguardian exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath string) error {
	logger.Info("starting Kilo Guardian", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config at %s: %w", cfgPath, err)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log_level in config: %w", err)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}
	logger.Info("config loaded", "path", cfgPath, "data_dir", cfg.DataDir, "gateway_port", cfg.Gateway.Port)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	clk := clock.Real{}
	bus := eventbus.New(eventbus.Config{
		QueueCapacity: cfg.EventBus.QueueCapacity,
		MaxAttempts:   cfg.EventBus.MaxAttempts,
	}, logger, clk)

	remStore, err := reminder.Open(filepath.Join(cfg.DataDir, "reminders.db"))
	if err != nil {
		return fmt.Errorf("open reminder store: %w", err)
	}
	defer remStore.Close()

	habitStore, err := habit.Open(filepath.Join(cfg.DataDir, "habits.db"))
	if err != nil {
		return fmt.Errorf("open habit store: %w", err)
	}
	defer habitStore.Close()

	eventStore, err := adherence.OpenEventStore(filepath.Join(cfg.DataDir, "adherence_events.db"))
	if err != nil {
		return fmt.Errorf("open adherence event store: %w", err)
	}
	defer eventStore.Close()

	medStore, err := medication.Open(filepath.Join(cfg.DataDir, "medications.db"))
	if err != nil {
		return fmt.Errorf("open medication store: %w", err)
	}
	defer medStore.Close()

	coachStore, err := coaching.Open(filepath.Join(cfg.DataDir, "coaching.db"))
	if err != nil {
		return fmt.Errorf("open coaching store: %w", err)
	}
	defer coachStore.Close()

	tokenStore, err := admin.Open(filepath.Join(cfg.DataDir, "admin.db"))
	if err != nil {
		return fmt.Errorf("open admin token store: %w", err)
	}
	defer tokenStore.Close()

	if cfg.AdminToken != "" {
		if err := tokenStore.Bootstrap(context.Background(), cfg.AdminToken, clk.Now()); err != nil {
			return fmt.Errorf("bootstrap admin token: %w", err)
		}
		logger.Info("admin token bootstrapped from config")
	}

	meds := medication.NewRegistry(medStore, remStore, habitStore, bus, clk)

	var extractor *medication.Extractor
	if cfg.Extractor.BaseURL != "" {
		extractor = medication.NewExtractor(cfg.Extractor.BaseURL, cfg.Extractor.Timeout)
		logger.Info("prescription extractor configured", "base_url", cfg.Extractor.BaseURL)
	} else {
		logger.Warn("prescription extractor not configured - photo intake disabled")
	}

	coordinator := adherence.New(adherence.Config{
		SnoozeMinutes: cfg.Adherence.SnoozeMinutes,
		MaxSnoozes:    cfg.Adherence.MaxSnoozes,
	}, remStore, habitStore, eventStore, meds, bus, clk, logger)

	quietStartHour, _, err := config.ParseClockTime(cfg.Coaching.QuietHoursStart)
	if err != nil {
		return fmt.Errorf("coaching.quiet_hours_start: %w", err)
	}
	quietEndHour, _, err := config.ParseClockTime(cfg.Coaching.QuietHoursEnd)
	if err != nil {
		return fmt.Errorf("coaching.quiet_hours_end: %w", err)
	}

	coach := coaching.NewEngine(coaching.Config{
		RingCapacity:    cfg.Coaching.RingBufferSize,
		DefaultCooldown: durationHours(cfg.Coaching.CooldownHours),
		QuietHoursStart: quietStartHour,
		QuietHoursEnd:   quietEndHour,
	}, coachStore, meds, clk, logger)
	bus.Subscribe("coaching", coach, coaching.Topics()...)

	scheduler := reminderscheduler.New(reminderscheduler.Config{
		PollInterval: durationSeconds(cfg.Scheduler.PollIntervalSeconds),
		BatchSize:    cfg.Scheduler.BatchSize,
	}, remStore, clk, logger, cfg.EventBus.QueueCapacity)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start reminder scheduler: %w", err)
	}
	defer scheduler.Stop()

	if err := coordinator.Start(ctx); err != nil {
		return fmt.Errorf("start adherence coordinator: %w", err)
	}
	defer coordinator.Stop()

	// The scheduler's Out() channel is the single handoff point between
	// the claim-due poll loop and the coordinator: this one goroutine
	// drains it and calls HandleFired for each reminder in turn.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case fired, ok := <-scheduler.Out():
				if !ok {
					return
				}
				if err := coordinator.HandleFired(ctx, fired); err != nil {
					logger.Error("coordinator failed to handle fired reminder", "reminder_id", fired.ID, "error", err)
				}
			}
		}
	}()

	srv := gateway.NewServer(gateway.Config{
		Address:             cfg.Gateway.Address,
		Port:                cfg.Gateway.Port,
		BackendTimeout:      cfg.Gateway.BackendTimeout,
		StatusFanoutTimeout: cfg.Gateway.StatusFanoutTimeout,
	}, gateway.Deps{
		Medications: meds,
		Extractor:   extractor,
		Reminders:   remStore,
		Coordinator: coordinator,
		Events:      eventStore,
		Habits:      habitStore,
		Coaching:    coach,
		Tokens:      tokenStore,
		Bus:         bus,
	}, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		_ = srv.Shutdown(context.Background())
	}()

	if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("gateway server failed: %w", err)
	}

	logger.Info("Kilo Guardian stopped")
	return nil
}

func durationHours(h int) time.Duration   { return time.Duration(h) * time.Hour }
func durationSeconds(s int) time.Duration { return time.Duration(s) * time.Second }
