package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database" validate:"required"`
	Queue     QueueConfig     `mapstructure:"queue" validate:"required"`
	Inference InferenceConfig `mapstructure:"inference" validate:"required"`
	Notify    NotifyConfig    `mapstructure:"notify" validate:"required"`
	Auth      AuthConfig      `mapstructure:"auth" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port                   int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel               string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds" validate:"gte=1"`
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver" validate:"required,oneof=postgres sqlite memory"`
	URL          string `mapstructure:"url" validate:"required_if=Driver postgres,omitempty,url"`
	SQLitePath   string `mapstructure:"sqlite_path" validate:"required_if=Driver sqlite"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=1"`
}

// QueueConfig bounds admission and controls the worker pool.
type QueueConfig struct {
	WorkerCount               int `mapstructure:"worker_count" validate:"gte=1,lte=256"`
	MaxRetries                int `mapstructure:"max_retries" validate:"gte=0,lte=20"`
	MaxPerProject             int `mapstructure:"max_per_project" validate:"gte=1"`
	MaxGlobal                 int `mapstructure:"max_global" validate:"gte=1"`
	InferenceTimeoutSeconds   int `mapstructure:"inference_timeout_seconds" validate:"gte=1"`
	PollIntervalMs            int `mapstructure:"poll_interval_ms" validate:"gte=10"`
	StaleItemMinutes          int `mapstructure:"stale_item_minutes" validate:"gte=1"`
	StaleCheckIntervalSeconds int `mapstructure:"stale_check_interval_seconds" validate:"gte=1"`
	ClaimScanLimit            int `mapstructure:"claim_scan_limit" validate:"gte=1"`
}

// InferenceTimeout is the per-call deadline applied to the inference backend.
func (c QueueConfig) InferenceTimeout() time.Duration {
	return time.Duration(c.InferenceTimeoutSeconds) * time.Second
}

// PollInterval is how often idle workers look for work without a wake signal.
func (c QueueConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// StaleAge is how long an item may stay processing before it is reclaimed.
func (c QueueConfig) StaleAge() time.Duration {
	return time.Duration(c.StaleItemMinutes) * time.Minute
}

// StaleCheckInterval is the period of the stale-item monitor.
func (c QueueConfig) StaleCheckInterval() time.Duration {
	return time.Duration(c.StaleCheckIntervalSeconds) * time.Second
}

// Supported inference backends.
const (
	BackendHTTP   = "http"
	BackendGemini = "gemini"
)

// InferenceConfig selects and configures the segmentation backend.
type InferenceConfig struct {
	Backend      string `mapstructure:"backend" validate:"required,oneof=http gemini"`
	BaseURL      string `mapstructure:"base_url" validate:"required_if=Backend http,omitempty,url"`
	GeminiAPIKey string `mapstructure:"gemini_api_key" validate:"required_if=Backend gemini"`
	GeminiModel  string `mapstructure:"gemini_model"`

	// ImageRefTemplate builds the image reference handed to the backend.
	// "{projectId}" and "{imageId}" are substituted. Empty sends the image id.
	ImageRefTemplate string `mapstructure:"image_ref_template"`
}

// NotifyConfig controls event fan-out.
type NotifyConfig struct {
	// RedisURL enables cross-process delivery when set.
	RedisURL         string `mapstructure:"redis_url" validate:"omitempty,url"`
	ChannelPrefix    string `mapstructure:"channel_prefix" validate:"required"`
	SubscriberBuffer int    `mapstructure:"subscriber_buffer" validate:"gte=1"`
	BridgeBuffer     int    `mapstructure:"bridge_buffer" validate:"gte=1"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret" validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"gte=1"`
}
