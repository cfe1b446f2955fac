// Package main implements the sha3xd daemon: a SHA3X stratum mining client
// engine with an HTTP status/control API and optional telemetry sinks.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/dougchansan/sha3xd/internal/api"
	"github.com/dougchansan/sha3xd/internal/config"
	"github.com/dougchansan/sha3xd/internal/journal"
	"github.com/dougchansan/sha3xd/internal/mining"
	"github.com/dougchansan/sha3xd/internal/report"
	"github.com/dougchansan/sha3xd/internal/stratum"
	"github.com/dougchansan/sha3xd/internal/telemetry"
	"github.com/dougchansan/sha3xd/pkg/log"
	"github.com/dougchansan/sha3xd/pkg/retry"
)

const snapshotPublishInterval = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	duration := flag.Duration("duration", 0, "stop mining after this duration (0 runs until a signal)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.Service.Name, cfg.Service.Version, cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting sha3xd",
		"version", cfg.Service.Version,
		"rig_id", cfg.Service.RigID,
		"pool", cfg.Pool.URL,
		"workers", cfg.Miner.Workers,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tele := buildTelemetry(cfg, logger)
	defer tele.Close()

	var shareJournal *journal.Journal
	if cfg.Journal.Enabled {
		shareJournal, err = journal.New(cfg.Journal.PostgresURL, logger)
		if err != nil {
			logger.WithError(err).Error("failed to open share journal")
			os.Exit(1)
		}
		defer shareJournal.Close()

		if err := shareJournal.EnsureSchema(ctx); err != nil {
			logger.WithError(err).Error("failed to prepare journal schema")
			os.Exit(1)
		}
		if err := shareJournal.StartRun(ctx, cfg.Service.RigID, cfg.Pool.URL, cfg.Pool.Worker); err != nil {
			logger.WithError(err).Warn("failed to record run start")
		}
	}

	session := stratum.NewClient(stratum.Config{
		Endpoint:          cfg.Pool.URL,
		Wallet:            cfg.Pool.Wallet,
		Worker:            cfg.Pool.Worker,
		TLS:               cfg.Pool.TLS,
		TLSInsecureSkip:   cfg.Pool.TLSInsecureSkip,
		HandshakeTimeout:  cfg.Pool.HandshakeTimeout,
		ReadTimeout:       cfg.Pool.ReadTimeout,
		WriteTimeout:      cfg.Pool.WriteTimeout,
		SubmitTimeout:     cfg.Pool.SubmitTimeout,
		KeepaliveInterval: cfg.Pool.KeepaliveInterval,
		Reconnect: &retry.Config{
			BaseDelay:  cfg.Pool.ReconnectBaseDelay,
			MaxDelay:   cfg.Pool.ReconnectMaxDelay,
			Multiplier: 2.0,
		},
	}, logger)

	accountant := mining.NewAccountant()

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	hooks := mining.Hooks{
		OnStateChange: func(from, to mining.State) {
			tele.RecordStateChange(ctx, from, to)
		},
		OnShareResult: func(cand *mining.ShareCandidate, res *mining.ShareResult) {
			if res.Accepted {
				green.Printf("share accepted (device %d, job %s)\n", cand.DeviceID, cand.JobID)
			} else {
				red.Printf("share rejected (device %d, job %s): %s\n", cand.DeviceID, cand.JobID, res.Reason)
			}
			tele.RecordShare(ctx, cand, res)
			shareJournal.RecordShare(ctx, cand, res)
		},
		OnSample: func(sample mining.HashrateSample) {
			tele.RecordSample(sample)
		},
	}

	controller := mining.NewController(mining.ControllerConfig{
		Workers: cfg.Miner.Workers,
		Worker: mining.WorkerConfig{
			BatchSize:      cfg.Miner.BatchSize,
			SampleInterval: cfg.Miner.SampleInterval,
			HashrateWindow: cfg.Miner.HashrateWindow,
			PauseAboveC:    cfg.Miner.PauseAboveC,
			ResumeBelowC:   cfg.Miner.ResumeBelowC,
		},
		StopDeadline: cfg.Miner.StopDeadline,
	}, session, accountant, logger, hooks)

	reporter := mining.NewReporter(controller, accountant)

	apiServer := api.NewServer(api.Config{
		ListenAddr:   cfg.API.ListenAddr,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}, controller, reporter, logger)

	go func() {
		if err := apiServer.ListenAndServe(); err != nil {
			logger.WithError(err).Error("api server failed")
			cancel()
		}
	}()

	// Live intensity changes via config file edits
	err = config.Watch(ctx, *configPath, logger, func(next *config.Config) {
		controller.SetIntensity(next.Miner.Workers)
	})
	if err != nil {
		logger.WithError(err).Warn("config watcher unavailable")
	}

	startedAt := time.Now()
	if err := controller.Start(ctx); err != nil {
		logger.WithError(err).Error("failed to start mining")
		os.Exit(1)
	}

	// Periodic snapshot publishing to the telemetry sinks
	go func() {
		ticker := time.NewTicker(snapshotPublishInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tele.PublishSnapshot(ctx, reporter.Snapshot())
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var timer <-chan time.Time
	if *duration > 0 {
		t := time.NewTimer(*duration)
		defer t.Stop()
		timer = t.C
	}

	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", "signal", sig.String())
	case <-timer:
		logger.Info("run duration elapsed", "duration", duration.String())
	case <-ctx.Done():
	}

	if err := controller.Stop(); err != nil {
		logger.WithError(err).Error("stop did not complete cleanly")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("api shutdown failed")
	}

	finalSnap := reporter.Snapshot()
	if shareJournal != nil {
		if err := shareJournal.FinishRun(shutdownCtx, accountant.Snapshot(), finalSnap.AverageHashrate); err != nil {
			logger.WithError(err).Warn("failed to record run finish")
		}
	}

	summary := &report.Summary{
		PoolURL:    cfg.Pool.URL,
		Wallet:     cfg.Pool.Wallet,
		WorkerName: cfg.Pool.Worker,
		Runtime:    time.Since(startedAt),
		Snapshot:   finalSnap,
		Bands: report.Bands{
			GoodRatePercent:      cfg.Report.GoodRatePercent,
			ExcellentRatePercent: cfg.Report.ExcellentRatePercent,
			GoodHashrateMHs:      cfg.Report.GoodHashrateMHs,
			ExcellentHashrateMHs: cfg.Report.ExcellentHashrateMHs,
		},
	}
	summary.PrintAssessment()
	if err := summary.WriteFile(cfg.Report.Path); err != nil {
		logger.WithError(err).Warn("failed to write run summary")
	} else {
		logger.Info("run summary written", "path", cfg.Report.Path)
	}

	logger.Info("sha3xd stopped")
}

// buildTelemetry wires up whichever sinks the config enables. A sink that
// fails to initialize is skipped with a warning; telemetry is never fatal.
func buildTelemetry(cfg *config.Config, logger *log.Logger) *telemetry.Manager {
	var influxSink *telemetry.InfluxSink
	if cfg.Telemetry.Influx.Enabled {
		sink, err := telemetry.NewInfluxSink(telemetry.InfluxConfig{
			URL:    cfg.Telemetry.Influx.URL,
			Token:  cfg.Telemetry.Influx.Token,
			Org:    cfg.Telemetry.Influx.Org,
			Bucket: cfg.Telemetry.Influx.Bucket,
		}, cfg.Service.RigID)
		if err != nil {
			logger.WithError(err).Warn("influx sink unavailable")
		} else {
			influxSink = sink
		}
	}

	var events *telemetry.EventPublisher
	if cfg.Telemetry.Kafka.Enabled {
		events = telemetry.NewEventPublisher(
			cfg.Telemetry.Kafka.Brokers, cfg.Telemetry.Kafka.Topic, cfg.Service.RigID, logger)
	}

	var cache *telemetry.SnapshotCache
	if cfg.Telemetry.Redis.Enabled {
		sc, err := telemetry.NewSnapshotCache(telemetry.RedisConfig{
			Addr:     cfg.Telemetry.Redis.Addr,
			Password: cfg.Telemetry.Redis.Password,
			DB:       cfg.Telemetry.Redis.DB,
		})
		if err != nil {
			logger.WithError(err).Warn("redis snapshot cache unavailable")
		} else {
			cache = sc
		}
	}

	return telemetry.NewManager(influxSink, events, cache, cfg.Service.RigID, logger)
}
