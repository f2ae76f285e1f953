// Command pnspreprocessor runs the PreProcessor stage: it consumes
// pns_pre_processing, resolves each envelope's audience, and republishes
// chunked DeliveryJobs onto pns_apns / pns_gcm.
package main

import (
	"context"
	_ "embed"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/turksat-oss/pns-dispatch/internal/broker"
	"github.com/turksat-oss/pns-dispatch/internal/config"
	"github.com/turksat-oss/pns-dispatch/internal/pipeline"
	"github.com/turksat-oss/pns-dispatch/internal/service"
	"github.com/turksat-oss/pns-dispatch/internal/store"
)

//go:embed local.yaml
var configFile []byte

const shutdownTimeout = 10 * time.Second

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
	})).With("service", "pns-preprocessor")
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

	brokerClient, err := broker.New(ctx, broker.Config{URL: cfg.Broker.URL, Heartbeat: cfg.Broker.Heartbeat()}, logger)
	if err != nil {
		logger.Error("failed to connect to broker", "err", err)
		os.Exit(1)
	}

	processor := pipeline.New(deviceStore, brokerClient, pipeline.Config{
		APNSEnabled: cfg.APNS.Enabled,
		GCMEnabled:  cfg.GCM.Enabled,
		SaveAlerts:  cfg.Application.SaveAlerts,
	}, logger)

	wrapper := service.New(service.Config{ListenAddr: cfg.ListenAddr}, brokerClient, broker.RoutingPreProcess, processor.HandleMessage, logger)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := wrapper.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	if err := wrapper.Start(ctx); err != nil {
		logger.Error("service exited with error", "err", err)
		os.Exit(1)
	}
}
