package captiond

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kreolabs/captiond/pkg/deepgram"
)

// Config is the service configuration, loaded from yaml with CAPTIOND_*
// environment overrides. The Deepgram credential also binds to the bare
// DEEPGRAM_API_KEY variable so deployments don't have to prefix it.
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`

	// RedactCaptions scrubs emails, phone and card numbers from caption
	// text before it leaves the service.
	RedactCaptions bool `mapstructure:"redact_captions"`

	Server   ServerConfig    `mapstructure:"server"`
	Deepgram deepgram.Config `mapstructure:"deepgram"`
	Sessions SessionsConfig  `mapstructure:"sessions"`
	Ingest   IngestConfig    `mapstructure:"ingest"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	MetricsPath  string        `mapstructure:"metrics_path"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// SessionsConfig tunes the registry; zero values keep platform defaults.
type SessionsConfig struct {
	OpenTimeout          time.Duration `mapstructure:"open_timeout"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffCap           time.Duration `mapstructure:"backoff_cap"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	IdleThreshold        time.Duration `mapstructure:"idle_threshold"`
	ReapInterval         time.Duration `mapstructure:"reap_interval"`
	KeepAlivePeriod      time.Duration `mapstructure:"keepalive_period"`
	DispatchBuffer       int           `mapstructure:"dispatch_buffer"`
}

// IngestConfig carries the free-form settings map for the ingest transport.
type IngestConfig struct {
	Settings map[string]any `mapstructure:"settings"`
}

// Load reads the config file (explicit path, or captiond.yaml in the
// working directory / ./config) and applies env overrides. A missing file
// is not an error; env and defaults carry a minimal deployment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("captiond")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("CAPTIOND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("deepgram.api_key", "DEEPGRAM_API_KEY", "CAPTIOND_DEEPGRAM_API_KEY")

	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("redact_captions", false)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("server.drain_timeout", "10s")
	v.SetDefault("deepgram.model", "nova-2")
	v.SetDefault("deepgram.language", "en")
	v.SetDefault("deepgram.encoding", "linear16")
	v.SetDefault("deepgram.sample_rate", 16000)
	v.SetDefault("deepgram.channels", 1)
	v.SetDefault("deepgram.interim_results", true)
	v.SetDefault("deepgram.smart_format", true)
	v.SetDefault("deepgram.punctuate", true)
	v.SetDefault("deepgram.vad_events", true)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			slog.Warn("config_file_not_found", slog.String("fallback", "defaults and environment"))
		} else {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
