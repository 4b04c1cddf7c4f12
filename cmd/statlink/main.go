package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/statlink/internal/collector"
	"codeberg.org/mutker/statlink/internal/config"
	"codeberg.org/mutker/statlink/internal/errors"
	"codeberg.org/mutker/statlink/internal/history"
	"codeberg.org/mutker/statlink/internal/logger"
	"codeberg.org/mutker/statlink/internal/pid"
	"codeberg.org/mutker/statlink/internal/protocol"
	"codeberg.org/mutker/statlink/internal/transport"
)

const (
	historyRetention = 7 * 24 * time.Hour
	pruneInterval    = time.Hour
)

var (
	cfg      *config.Config
	system   *collector.System
	archiver history.Archiver
	manager  *transport.Manager
)

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	applyLogLevel()
	logger.Debug().Msg("Config loaded")

	if err := pid.Write(); err != nil {
		if errors.HasCode(err, errors.ErrAlreadyRunning) {
			logger.Fatal().Msg("Another instance is already running")
		}
		logger.Fatal().Err(err).Msg("failed to write PID file")
	}

	system = collector.NewSystem()

	archiver, err = history.NewService(history.Config{
		Enabled: cfg.History,
		DBPath:  cfg.HistoryDB,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize history")
	}

	manager = transport.NewManager(transport.Config{
		Port:               cfg.SerialPort,
		BaudRate:           cfg.BaudRate,
		AutoDetect:         cfg.AutoDetect,
		VendorID:           cfg.VendorID,
		ProductID:          cfg.ProductID,
		ReconnectInterval:  time.Duration(cfg.ReconnectInterval) * time.Millisecond,
		StabilizationDelay: time.Duration(cfg.StabilizationDelay) * time.Millisecond,
	}, nil)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	manager.Start(ctx)

	if err := loop(ctx); err != nil {
		logger.Error().Err(err).Msg("error in main loop")
	}
	cleanup()
}

func loop(ctx context.Context) error {
	errFactory := errors.New()
	if cfg.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, cfg.Interval)
	}

	interval := time.Duration(cfg.Interval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pruner := time.NewTicker(pruneInterval)
	defer pruner.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pruner.C:
			if err := archiver.Prune(ctx, historyRetention); err != nil {
				logger.Warn().Err(err).Msg("failed to prune history")
			}
		case <-ticker.C:
			rec, err := system.Collect(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("failed to collect telemetry")

				continue
			}

			if err := manager.Send(rec); err != nil {
				logger.Warn().Err(err).Msg("failed to send telemetry")
			}

			if err := archiver.Record(ctx, &rec); err != nil {
				logger.Warn().Err(err).Msg("failed to archive telemetry")
			}

			logTelemetry(rec)
		}
	}
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func cleanup() {
	if err := manager.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close transport")
	}
	if err := system.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to shut down collector")
	}
	if err := archiver.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close history")
	}
	if err := pid.Remove(); err != nil {
		logger.Error().Err(err).Msg("failed to remove PID file")
	}
	logger.Info().Msg("Exiting...")
}

// applyLogLevel maps the configured level onto the logger. Debug and
// verbose flags take precedence and are handled by Init.
func applyLogLevel() {
	if cfg.Debug || cfg.Verbose {
		return
	}

	switch cfg.LogLevel {
	case "debug":
		logger.SetLogLevel(logger.DebugLevel)
	case "info":
		logger.SetLogLevel(logger.InfoLevel)
	case "warning":
		logger.SetLogLevel(logger.WarnLevel)
	case "error":
		logger.SetLogLevel(logger.ErrorLevel)
	}
}

func logTelemetry(rec protocol.TelemetryRecord) {
	if cfg.Debug {
		logger.Debug().
			Str("port", manager.ActivePort()).
			Str("state", manager.State().String()).
			Int("cpu_usage", rec.CPU.Usage).
			Int("cpu_temp", rec.CPU.Temp).
			Int("cpu_fan", rec.CPU.Fan).
			Int("gpu_usage", rec.GPU.Usage).
			Int("gpu_temp", rec.GPU.Temp).
			Int("gpu_mem_used", rec.GPU.MemUsed).
			Int("mem_usage", rec.Memory.Usage).
			Msg("")
	} else if cfg.Verbose {
		logger.Info().
			Str("port", manager.ActivePort()).
			Int("cpu_usage", rec.CPU.Usage).
			Int("cpu_temp", rec.CPU.Temp).
			Int("gpu_usage", rec.GPU.Usage).
			Int("gpu_temp", rec.GPU.Temp).
			Int("mem_usage", rec.Memory.Usage).
			Msg("")
	}
}
