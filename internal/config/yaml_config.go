package config

// YamlConfig mirrors the raw embedded local.yaml. This is "stage 1" of the
// two-stage load: unmarshal the file, then apply environment overrides and
// validation via UpdateConfigWithEnvOverrides.
type YamlConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	Broker YamlBrokerConfig `yaml:"broker"`
	Store  YamlStoreConfig  `yaml:"store"`
	APNS   YamlAPNSConfig   `yaml:"apns"`
	GCM    YamlGCMConfig    `yaml:"gcm"`

	Application YamlApplicationConfig `yaml:"application"`
}

type YamlBrokerConfig struct {
	URL           string `yaml:"url"`
	HeartbeatSecs int    `yaml:"heartbeat_secs"`
}

type YamlStoreConfig struct {
	DSN string `yaml:"dsn"`
}

type YamlAPNSConfig struct {
	Enabled        bool   `yaml:"enabled"`
	CertPath       string `yaml:"cert_path"`
	KeyPath        string `yaml:"key_path"`
	Sandbox        bool   `yaml:"sandbox"`
	Topic          string `yaml:"topic"`
	FeedbackPeriod int    `yaml:"feedback_period_secs"`
}

type YamlGCMConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

type YamlApplicationConfig struct {
	SaveAlerts bool `yaml:"save_alerts"`
	Debug      bool `yaml:"debug"`
}

// NewConfigFromYaml maps the raw YAML structure into the base Config. This is
// the "stage 1" config: ready to be augmented by env overrides and validated.
func NewConfigFromYaml(raw *YamlConfig) *Config {
	return &Config{
		ListenAddr: raw.ListenAddr,
		Broker: BrokerConfig{
			URL:           raw.Broker.URL,
			HeartbeatSecs: raw.Broker.HeartbeatSecs,
		},
		Store: StoreConfig{
			DSN: raw.Store.DSN,
		},
		APNS: APNSConfig{
			Enabled:        raw.APNS.Enabled,
			CertPath:       raw.APNS.CertPath,
			KeyPath:        raw.APNS.KeyPath,
			Sandbox:        raw.APNS.Sandbox,
			Topic:          raw.APNS.Topic,
			FeedbackPeriod: raw.APNS.FeedbackPeriod,
		},
		GCM: GCMConfig{
			Enabled: raw.GCM.Enabled,
			APIKey:  raw.GCM.APIKey,
		},
		Application: ApplicationConfig{
			SaveAlerts: raw.Application.SaveAlerts,
			Debug:      raw.Application.Debug,
		},
	}
}
