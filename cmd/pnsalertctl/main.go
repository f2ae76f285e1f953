// Command pnsalertctl is a thin AlertIngress: it validates CLI flags into an
// AlertEnvelope and publishes it onto pns_pre_processing, for manual
// exercising of the pipeline without standing up a full control plane
// (spec.md §1: the REST control plane is deliberately out of scope, but
// something has to originate a message to drive the pipeline by hand).
package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/turksat-oss/pns-dispatch/internal/broker"
	"github.com/turksat-oss/pns-dispatch/internal/config"
	"github.com/turksat-oss/pns-dispatch/pkg/pns"
)

//go:embed local.yaml
var configFile []byte

func main() {
	alert := flag.String("alert", "", "alert text (required)")
	pnsIDs := flag.String("pns-id", "", "comma-separated pns_id recipients")
	channelID := flag.Int64("channel-id", 0, "channel id (0 = unset)")
	appID := flag.String("appid", "", "mobile app id")
	appVer := flag.Int64("appver", 0, "minimum app version (0 = unset)")
	ttl := flag.Int64("ttl", 0, "time to live in seconds (0 = unset)")
	flag.Parse()

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
	})).With("service", "pns-alertctl")

	if *alert == "" {
		logger.Error("-alert is required")
		os.Exit(1)
	}

	envelope := pns.AlertEnvelope{Alert: *alert}
	if *pnsIDs != "" {
		envelope.PnsID = strings.Split(*pnsIDs, ",")
	}
	if *channelID != 0 {
		envelope.ChannelID = channelID
	}
	if *appID != "" {
		envelope.AppID = *appID
	}
	if *appVer != 0 {
		envelope.AppVer = appVer
	}
	if *ttl != 0 {
		envelope.TTL = ttl
	}

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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	brokerClient, err := broker.New(ctx, broker.Config{URL: cfg.Broker.URL, Heartbeat: cfg.Broker.Heartbeat()}, logger)
	if err != nil {
		logger.Error("failed to connect to broker", "err", err)
		os.Exit(1)
	}
	defer brokerClient.Close()

	body, err := json.Marshal(envelope)
	if err != nil {
		logger.Error("failed to marshal envelope", "err", err)
		os.Exit(1)
	}

	if err := brokerClient.Publish(ctx, broker.RoutingPreProcess, body); err != nil {
		logger.Error("failed to publish alert", "err", err)
		os.Exit(1)
	}

	fmt.Println("alert published")
}
