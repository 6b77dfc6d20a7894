package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/settle/pkg/billing"
	"github.com/platinummonkey/settle/pkg/config"
	"github.com/platinummonkey/settle/pkg/notify"
	"github.com/platinummonkey/settle/pkg/observability"
	"github.com/platinummonkey/settle/pkg/storage/postgres"
)

var (
	runOnce   = flag.Bool("run-once", false, "Run a single sweep and exit")
	schedule  = flag.String("schedule", "", "Cron schedule for the expiry sweep (default: SETTLE_SWEEP_SCHEDULE)")
	olderFlag = flag.Duration("older-than", 0, "Expire pending invoices older than this (default: SETTLE_INVOICE_TTL)")
)

func main() {
	flag.Parse()

	exitCode := 0
	defer func() {
		if exitCode != 0 {
			os.Exit(exitCode)
		}
	}()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.Fatalf("Failed to load .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := setupLogger(cfg.Observability.LogLevel.String())
	// billing and storage log through the shared structured logger
	ledgerLogger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "settle-sweeper")

	sched := *schedule
	if sched == "" {
		sched = cfg.Sweeper.Schedule
	}
	olderThan := *olderFlag
	if olderThan <= 0 {
		olderThan = cfg.Sweeper.InvoiceTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL: cfg.Database.URL,
		MaxConns:   4,
		Timeout:    cfg.Database.Timeout,
	}, ledgerLogger, nil)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer cm.Close()

	var events billing.EventSink = billing.NopSink{}
	if len(cfg.Notify.Endpoints) > 0 {
		// queued notifications outlive the sweep context and drain on exit
		dispatcher := notify.NewDispatcher(context.WithoutCancel(ctx), notify.Config{
			Endpoints: cfg.Notify.Endpoints,
			Secret:    cfg.Notify.Secret,
			Workers:   cfg.Notify.Workers,
			QueueSize: cfg.Notify.QueueSize,
			Timeout:   cfg.Notify.Timeout,
			Logger:    ledgerLogger,
		})
		defer func() {
			if err := dispatcher.Shutdown(30 * time.Second); err != nil {
				logger.WithError(err).Warn("Notification queue not drained")
			}
		}()
		events = dispatcher
	}

	sweeper := billing.NewSweeper(
		postgres.NewLedgerStore(cm.Primary(), cfg.Database.LockTimeout),
		events,
		ledgerLogger.WithField("component", "sweeper"),
		nil,
		nil,
	)

	if *runOnce {
		if err := sweep(ctx, sweeper, olderThan, logger); err != nil {
			logger.WithError(err).Error("Sweep failed")
			exitCode = 1
		}
		return
	}

	// a sweep still running when the next tick fires is skipped
	var running sync.Mutex
	c := cron.New()
	_, err = c.AddFunc(sched, func() {
		if !running.TryLock() {
			logger.Warn("Previous sweep still running, skipping")
			return
		}
		defer running.Unlock()

		if err := sweep(ctx, sweeper, olderThan, logger); err != nil {
			logger.WithError(err).Error("Sweep failed")
		}
	})
	if err != nil {
		logger.Fatalf("Failed to schedule sweep: %v", err)
	}

	c.Start()
	logger.WithFields(logrus.Fields{
		"schedule":   sched,
		"older_than": olderThan.String(),
	}).Info("Settle sweeper started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down sweeper")
	cancel()
	<-c.Stop().Done()
	logger.Info("Sweeper stopped")
}

func sweep(ctx context.Context, sweeper *billing.Sweeper, olderThan time.Duration, logger *logrus.Logger) error {
	start := time.Now()
	result, err := sweeper.ExpireStale(ctx, olderThan)
	logger.WithFields(logrus.Fields{
		"scanned":  result.Scanned,
		"expired":  result.Expired,
		"skipped":  result.Skipped,
		"duration": time.Since(start).String(),
	}).Info("Expiry sweep finished")
	return err
}

func setupLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)
	return logger
}
