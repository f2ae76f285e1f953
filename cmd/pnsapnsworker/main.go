// Command pnsapnsworker runs the APNSWorker stage: it consumes pns_apns
// DeliveryJobs and dispatches them to Apple's push gateway.
package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/turksat-oss/pns-dispatch/internal/broker"
	"github.com/turksat-oss/pns-dispatch/internal/config"
	apnsplatform "github.com/turksat-oss/pns-dispatch/internal/platform/apns"
	"github.com/turksat-oss/pns-dispatch/internal/service"
	"github.com/turksat-oss/pns-dispatch/internal/store"
	"github.com/turksat-oss/pns-dispatch/pkg/pns"
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
	})).With("service", "pns-apns-worker")
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

	dispatcher := apnsplatform.NewDispatcher(apnsplatform.Config{
		Cert:     cert,
		Sandbox:  cfg.APNS.Sandbox,
		BundleID: cfg.APNS.Topic,
	}, deviceStore, logger)

	brokerClient, err := broker.New(ctx, broker.Config{URL: cfg.Broker.URL, Heartbeat: cfg.Broker.Heartbeat()}, logger)
	if err != nil {
		logger.Error("failed to connect to broker", "err", err)
		os.Exit(1)
	}

	handler := func(ctx context.Context, body []byte) broker.Outcome {
		var job pns.DeliveryJob
		if err := json.Unmarshal(body, &job); err != nil {
			logger.Error("malformed delivery job, dropping", "err", err)
			return broker.NackNoRequeue
		}
		if err := dispatcher.Dispatch(ctx, job); err != nil {
			logger.Error("apns dispatch failed", "err", err)
			return broker.NackNoRequeue
		}
		return broker.Ack
	}

	wrapper := service.New(service.Config{ListenAddr: cfg.ListenAddr}, brokerClient, broker.RoutingAPNS, handler, logger)

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
