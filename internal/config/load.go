package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable the service reads.
const EnvPrefix = "SEGQUEUE"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout_seconds", 15)

	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.url", "")
	v.SetDefault("database.sqlite_path", "")
	v.SetDefault("database.max_open_conns", 10)

	v.SetDefault("queue.worker_count", 4)
	v.SetDefault("queue.max_retries", 2)
	v.SetDefault("queue.max_per_project", 1000)
	v.SetDefault("queue.max_global", 10000)
	v.SetDefault("queue.inference_timeout_seconds", 300)
	v.SetDefault("queue.poll_interval_ms", 1000)
	v.SetDefault("queue.stale_item_minutes", 30)
	v.SetDefault("queue.stale_check_interval_seconds", 60)
	v.SetDefault("queue.claim_scan_limit", 16)

	v.SetDefault("inference.backend", BackendHTTP)
	v.SetDefault("inference.base_url", "http://localhost:8000")
	v.SetDefault("inference.gemini_api_key", "")
	v.SetDefault("inference.gemini_model", "gemini-2.0-flash")
	v.SetDefault("inference.image_ref_template", "")

	v.SetDefault("notify.redis_url", "")
	v.SetDefault("notify.channel_prefix", "segqueue")
	v.SetDefault("notify.subscriber_buffer", 64)
	v.SetDefault("notify.bridge_buffer", 1024)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_lifetime_minutes", 60)
}

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct tags on a populated Config, then the constraints
// that span several fields.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	// A healthy worker must always finish (or time out) before the reaper
	// may hand its item to someone else.
	if cfg.Queue.StaleAge() <= cfg.Queue.InferenceTimeout() {
		return fmt.Errorf("config validation failed: queue.stale_item_minutes (%s) must exceed queue.inference_timeout_seconds (%s)",
			cfg.Queue.StaleAge(), cfg.Queue.InferenceTimeout())
	}
	return nil
}
