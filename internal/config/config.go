// Package config implements the two-stage configuration load every PNS
// process entrypoint shares: an embedded YAML file supplies defaults, then
// environment variables override individual fields before final validation
// (mirrors notificationservice/config in the teacher repo).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config is the single, authoritative configuration every cmd/ entrypoint
// loads, picking out only the sections its stage needs.
type Config struct {
	ListenAddr string

	Broker      BrokerConfig
	Store       StoreConfig
	APNS        APNSConfig
	GCM         GCMConfig
	Application ApplicationConfig
}

type BrokerConfig struct {
	URL           string
	HeartbeatSecs int
}

func (b BrokerConfig) Heartbeat() time.Duration {
	return time.Duration(b.HeartbeatSecs) * time.Second
}

type StoreConfig struct {
	DSN string
}

type APNSConfig struct {
	Enabled        bool
	CertPath       string
	KeyPath        string
	Sandbox        bool
	Topic          string
	FeedbackPeriod int
}

func (a APNSConfig) FeedbackInterval() time.Duration {
	return time.Duration(a.FeedbackPeriod) * time.Second
}

type GCMConfig struct {
	Enabled bool
	APIKey  string
}

type ApplicationConfig struct {
	SaveAlerts bool
	Debug      bool
}

// UpdateConfigWithEnvOverrides applies environment variable overrides on top
// of the YAML-sourced base config, then validates the result. Secrets
// (broker URL, store DSN, GCM API key) are expected to come from the
// environment in production and from YAML only for local development.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("applying environment variable overrides")

	if val := os.Getenv("PORT"); val != "" {
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("PNS_BROKER_URL"); val != "" {
		cfg.Broker.URL = val
	}
	if val := os.Getenv("PNS_BROKER_HEARTBEAT_SECS"); val != "" {
		if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
			cfg.Broker.HeartbeatSecs = secs
		}
	}
	if val := os.Getenv("PNS_STORE_DSN"); val != "" {
		cfg.Store.DSN = val
	}
	if val := os.Getenv("PNS_APNS_CERT_PATH"); val != "" {
		cfg.APNS.CertPath = val
	}
	if val := os.Getenv("PNS_APNS_KEY_PATH"); val != "" {
		cfg.APNS.KeyPath = val
	}
	if val := os.Getenv("PNS_APNS_TOPIC"); val != "" {
		cfg.APNS.Topic = val
	}
	if val := os.Getenv("PNS_GCM_API_KEY"); val != "" {
		cfg.GCM.APIKey = val
	}
	if val := os.Getenv("PNS_SAVE_ALERTS"); val != "" {
		cfg.Application.SaveAlerts = val == "true" || val == "1"
	}
	if val := os.Getenv("PNS_DEBUG"); val != "" {
		cfg.Application.Debug = val == "true" || val == "1"
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Broker.HeartbeatSecs <= 0 {
		cfg.Broker.HeartbeatSecs = 10
	}
	if cfg.APNS.FeedbackPeriod <= 0 {
		cfg.APNS.FeedbackPeriod = 3600
	}

	if cfg.Broker.URL == "" {
		return nil, fmt.Errorf("broker url is required (set via YAML or PNS_BROKER_URL env var)")
	}
	if cfg.Store.DSN == "" {
		return nil, fmt.Errorf("store dsn is required (set via YAML or PNS_STORE_DSN env var)")
	}
	if cfg.APNS.Enabled && (cfg.APNS.CertPath == "" || cfg.APNS.KeyPath == "") {
		return nil, fmt.Errorf("apns.cert_path and apns.key_path are required when apns is enabled")
	}
	if cfg.GCM.Enabled && cfg.GCM.APIKey == "" {
		return nil, fmt.Errorf("gcm.api_key is required when gcm is enabled")
	}

	logger.Debug("configuration finalized and validated")
	return cfg, nil
}
