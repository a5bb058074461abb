package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/armour-sheila/PNT-Integrity/internal/config"
	"github.com/armour-sheila/PNT-Integrity/internal/logger"
	"github.com/armour-sheila/PNT-Integrity/internal/metrics"
	"github.com/armour-sheila/PNT-Integrity/internal/monitor"
	"github.com/armour-sheila/PNT-Integrity/internal/scenario"
	"github.com/armour-sheila/PNT-Integrity/internal/storage"
	"github.com/armour-sheila/PNT-Integrity/internal/telegram"
)

var (
	configPath   = flag.String("config", "configs/config.yaml", "Path to configuration file")
	scenarioPath = flag.String("scenario", "", "Recorded scenario to replay through the checks")
	once         = flag.Bool("once", false, "Exit after the scenario has been replayed")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	runID := uuid.New().String()
	logger.Info("Configuration loaded from %s (run %s)", *configPath, runID)

	var opts []monitor.Option

	var store *storage.Storage
	if cfg.Storage.Enabled {
		store, err = storage.New(cfg.Storage.MaxRecords, cfg.Storage.DBPath)
		if err != nil {
			logger.Fatal("Failed to initialize storage: %v", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("Failed to close storage: %v", err)
			}
		}()
		opts = append(opts, monitor.WithStore(store))
	} else {
		logger.Debug("Storage disabled")
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector, err = metrics.NewCollector(prometheus.DefaultRegisterer)
		if err != nil {
			logger.Fatal("Failed to initialize metrics: %v", err)
		}
		opts = append(opts, monitor.WithRecorder(collector))
	}

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		opts = append(opts, monitor.WithNotifier(telegramClient))
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	mon := monitor.New(cfg.MonitorConfig(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	mon.Start(ctx)
	defer mon.Shutdown()

	if telegramClient != nil {
		telegramClient.SetStatusProvider(mon.Levels)
		telegramClient.ListenForCommands(ctx)
	}

	var server *http.Server
	if collector != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		server = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("Serving metrics on %s", cfg.Metrics.ListenAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	cycles := &cycleReporter{}
	if telegramClient != nil {
		cycles.alerts = telegramClient
	}
	handleCycleResult := cycles.report

	if *scenarioPath != "" {
		handleCycleResult(runScenario(ctx, *scenarioPath, mon))
		logLevels(mon)
		if *once {
			return
		}
	}

	rotateInterval := cfg.Storage.RotateInterval
	if rotateInterval <= 0 {
		rotateInterval = 10 * time.Minute
	}
	ticker := time.NewTicker(rotateInterval)
	defer ticker.Stop()

	logger.Info("Integrity monitor running (rotate interval: %v)", rotateInterval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Service stopped")
			return

		case <-ticker.C:
			logLevels(mon)
			if store != nil {
				handleCycleResult(rotateHistory(store))
			}
		}
	}
}

func runScenario(ctx context.Context, path string, mon *monitor.Monitor) error {
	startTime := time.Now()
	s, err := scenario.Load(path)
	if err != nil {
		return err
	}
	logger.Info("Replaying scenario %q (%d events)", s.Name, len(s.Events))
	if err := scenario.Replay(ctx, s, mon); err != nil {
		return err
	}
	logger.Info("Scenario replayed in %v", time.Since(startTime))
	return nil
}

type alerter interface {
	SendError(err error) error
	SendRecovery(failureCount int) error
}

// cycleReporter alerts on the first failure of a run of failed cycles and
// again when a cycle succeeds after it.
type cycleReporter struct {
	alerts              alerter
	consecutiveFailures int
}

func (r *cycleReporter) report(err error) {
	if err != nil {
		r.consecutiveFailures++
		logger.Error("Cycle failed: %v", err)
		if r.consecutiveFailures == 1 && r.alerts != nil {
			if sendErr := r.alerts.SendError(err); sendErr != nil {
				logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
			}
		}
		return
	}
	if r.consecutiveFailures > 0 && r.alerts != nil {
		if sendErr := r.alerts.SendRecovery(r.consecutiveFailures); sendErr != nil {
			logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
		}
	}
	r.consecutiveFailures = 0
}

func rotateHistory(store *storage.Storage) error {
	if err := store.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate history: %w", err)
	}
	return nil
}

func logLevels(mon *monitor.Monitor) {
	for _, s := range mon.Statuses() {
		logger.Info("%s: %v at %.3f (out-of-order %d, errors %d)", s.Name, s.Level, s.LevelTime, s.OutOfOrderTransitions, s.Errors)
	}
}
