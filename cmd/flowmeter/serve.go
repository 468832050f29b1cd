package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/keglevelmonitor/development-sub000/internal/alert"
	"github.com/keglevelmonitor/development-sub000/internal/config"
	"github.com/keglevelmonitor/development-sub000/internal/engine"
	"github.com/keglevelmonitor/development-sub000/internal/gpio"
	"github.com/keglevelmonitor/development-sub000/internal/history"
	"github.com/keglevelmonitor/development-sub000/internal/inventory"
	"github.com/keglevelmonitor/development-sub000/internal/logging"
	"github.com/keglevelmonitor/development-sub000/internal/meter"
	"github.com/keglevelmonitor/development-sub000/internal/metrics"
	"github.com/keglevelmonitor/development-sub000/internal/mqtt"
	"github.com/keglevelmonitor/development-sub000/internal/status"
	"github.com/keglevelmonitor/development-sub000/internal/web"
)

const shutdownWait = 5 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sensor loop, status page and MQTT publisher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http") {
				cfg.HTTPAddr, _ = cmd.Flags().GetString("http")
			}
			if cmd.Flags().Changed("broker") {
				cfg.MQTT.Broker, _ = cmd.Flags().GetString("broker")
			}
			if cmd.Flags().Changed("simulate") {
				cfg.Simulate, _ = cmd.Flags().GetBool("simulate")
			}

			level, err := logging.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			ctx, cancel := context.WithCancelCause(cmd.Context())
			defer cancel(nil)
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case s := <-sigCh:
					logger.Info("signal received, shutting down", "signal", s)
					cancel(signalCause{s})
				case <-ctx.Done():
				}
			}()

			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().String("http", config.DefaultHTTPAddr, "HTTP status address (empty to disable)")
	cmd.Flags().String("broker", config.DefaultBroker, "MQTT broker address")
	cmd.Flags().Bool("simulate", false, "run without GPIO; edges come only from simulated pours")
	return cmd
}

// signalCause records which signal cancelled the daemon.
type signalCause struct{ sig os.Signal }

func (s signalCause) Error() string { return "received " + s.sig.String() }

// shutdownReason names why ctx ended, for the SHUTDOWN event.
func shutdownReason(ctx context.Context, runErr error) string {
	var sc signalCause
	if errors.As(context.Cause(ctx), &sc) {
		switch sc.sig {
		case syscall.SIGINT:
			return "SIGINT"
		case syscall.SIGTERM:
			return "SIGTERM"
		}
		return "UNKNOWN"
	}
	if runErr != nil {
		return "ERROR"
	}
	return "UNKNOWN"
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	start := time.Now()
	pins := cfg.Pins()
	names := make([]string, len(cfg.Taps))
	for i, t := range cfg.Taps {
		names[i] = t.Name
	}

	counter, err := meter.NewCounter(pins, logger)
	if err != nil {
		return fmt.Errorf("init counter: %w", err)
	}

	store := inventory.NewStore(cfg.InventoryPath, len(pins), cfg.DefaultKFactor, logger)
	report, err := store.Load()
	if err != nil {
		return fmt.Errorf("load inventory: %w", err)
	}
	logger.Info("inventory loaded", "kegs", report.Kegs, "migrated", len(report.Migrated), "corrupt", len(report.Corrupt), "reset", report.Reset)

	hist, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer hist.Close()
	lastPours, err := hist.LastPours(ctx)
	if err != nil {
		logger.Warn("could not read last pours", "error", err)
	}

	collector := metrics.New(counter.Dropped)

	tracker := status.NewTracker(start, status.Config{
		PollMs:            cfg.PollInterval.Milliseconds(),
		DebounceMs:        cfg.Debounce.Milliseconds(),
		HeartbeatMs:       cfg.Heartbeat.Milliseconds(),
		ActivityThreshold: cfg.ActivityThreshold,
		StopThreshold:     cfg.StopThreshold,
		MinPourLiters:     cfg.MinPourLiters,
		LowVolumeLiters:   cfg.LowVolumeLiters,
		Broker:            cfg.MQTT.Broker,
		HTTPAddr:          cfg.HTTPAddr,
		Simulate:          cfg.Simulate,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	publisher, err := mqtt.NewRealPublisher(mqtt.Options{
		Broker:             cfg.MQTT.Broker,
		ClientID:           cfg.MQTT.ClientID,
		TopicPrefix:        cfg.MQTT.TopicPrefix,
		Logger:             logger,
		OnConnectionChange: tracker.SetMQTTConnected,
	})
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer publisher.Close()
	sink := mqtt.Sink{Publisher: publisher}

	var source gpio.EdgeSource = gpio.NoopSource{}
	if !cfg.Simulate {
		source, err = gpio.NewRealSource(cfg.GPIOChip, pins, cfg.Debounce, logger)
		if err != nil {
			return fmt.Errorf("init gpio: %w", err)
		}
	}

	eng, err := engine.New(counter, source, store, engine.Options{
		ActivityThreshold: cfg.ActivityThreshold,
		StopThreshold:     cfg.StopThreshold,
		MinPourLiters:     cfg.MinPourLiters,
		TapNames:          names,
		Pours:             []engine.PourSink{hist, sink},
		Calibrations:      []engine.CalibrationSink{sink},
		LowVolume:         alert.NewLowVolume(cfg.LowVolumeLiters, sink, logger),
		Metrics:           collector,
		Status:            tracker,
		LastPours:         lastPours,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	events := &systemEvents{publisher: publisher, conn: publisher, tracker: tracker, logger: logger}
	events.publish("STARTUP", "", true)

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	defer sched.Shutdown()
	if cfg.Heartbeat > 0 {
		if _, err := sched.NewJob(
			gocron.DurationJob(cfg.Heartbeat),
			gocron.NewTask(events.heartbeat),
			gocron.WithName("heartbeat"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return fmt.Errorf("schedule heartbeat: %w", err)
		}
	}
	sched.Start()

	logger.Info("started",
		"taps", len(pins), "poll", cfg.PollInterval, "debounce", cfg.Debounce,
		"broker", cfg.MQTT.Broker, "heartbeat", cfg.Heartbeat, "simulate", cfg.Simulate)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(cfg.PollInterval)
		defer ticker.Stop()
		return eng.Run(gctx, ticker.C)
	})
	g.Go(func() error {
		return store.Watch(gctx, func() {
			if _, err := eng.ForceRecalculation(gctx); err != nil && !errors.Is(err, engine.ErrNotRunning) {
				logger.Warn("reload after external edit failed", "error", err)
			}
		})
	})
	if cfg.HTTPAddr != "" {
		opts := web.Options{Controller: eng, Metrics: collector.Handler(), Logger: logger}
		if logger.Enabled(ctx, slog.LevelDebug) {
			opts.AccessLog = os.Stderr
		}
		srv := web.New(cfg.HTTPAddr, tracker, opts)
		g.Go(func() error {
			logger.Info("http status server listening", "addr", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	runErr := g.Wait()
	events.publish("SHUTDOWN", shutdownReason(ctx, runErr), true)
	return runErr
}

// systemEvents publishes lifecycle events carrying a full status snapshot.
type systemEvents struct {
	publisher mqtt.Publisher
	conn      mqtt.ConnectionStatus
	tracker   *status.Tracker
	logger    *slog.Logger
}

func (s *systemEvents) publish(event, reason string, retained bool) {
	if s.conn != nil {
		s.tracker.SetMQTTConnected(s.conn.IsConnected())
	}
	snap := s.tracker.Snapshot()
	err := s.publisher.PublishSystem(mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Retained:   retained,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	})
	if err != nil {
		s.logger.Warn("failed to publish system event", "event", event, "error", err)
		return
	}
	s.logger.Info("published system event", "event", event, "reason", reason)
}

func (s *systemEvents) heartbeat() {
	if net := readNetworkInfo(); net != nil {
		s.tracker.SetNetwork(net)
	}
	s.publish("HEARTBEAT", "", false)
}
