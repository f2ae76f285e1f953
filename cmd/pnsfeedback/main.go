// Command pnsfeedback runs the APNS FeedbackTask: on a fixed interval it
// drains Apple's legacy feedback stream and evicts stale device tokens
// (spec.md §4.4, original_source/pns/workers/apns_feedback_worker.py).
// It carries its own minimal health surface rather than a broker consumer:
// this stage never touches the queue.
package main

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/turksat-oss/pns-dispatch/internal/config"
	apnsplatform "github.com/turksat-oss/pns-dispatch/internal/platform/apns"
	"github.com/turksat-oss/pns-dispatch/internal/store"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "pns-feedback-task")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var raw config.YamlConfig
	if err := yaml.Unmarshal(configFile, &raw); err != nil {
		logger.Error("failed to parse embedded config", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(config.NewConfigFromYaml(&raw), logger)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.Store.DSN)
	if err != nil {
		logger.Error("failed to connect to store", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	deviceStore := store.New(pool, logger)

	cert, err := apnsplatform.LoadCertificate(cfg.APNS.CertPath, cfg.APNS.KeyPath)
	if err != nil {
		logger.Error("failed to load apns certificate", "err", err)
		os.Exit(1)
	}
	task := apnsplatform.NewFeedbackTask(cert, cfg.APNS.Sandbox, deviceStore, logger)

	healthServer := &http.Server{Addr: cfg.ListenAddr, Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "err", err)
		}
	}()

	ticker := time.NewTicker(cfg.APNS.FeedbackInterval())
	defer ticker.Stop()

	logger.Info("feedback task starting", "interval", cfg.APNS.FeedbackInterval())
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = healthServer.Shutdown(shutdownCtx)
			cancel()
			return
		case <-ticker.C:
			if err := task.Run(ctx); err != nil {
				logger.Error("feedback run failed", "err", err)
			}
		}
	}
}
