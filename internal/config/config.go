// Package config provides configuration management for Herald.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration structure for Herald.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Generation GenerationConfig `mapstructure:"generation"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Publishing PublishingConfig `mapstructure:"publishing"`
	Security   SecurityConfig   `mapstructure:"security"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host to bind the server to
	Host string `mapstructure:"host"`

	// Port to listen on
	Port int `mapstructure:"port"`

	// Request timeout
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// Maximum request body size in bytes
	MaxBodySize int64 `mapstructure:"max_body_size"`

	// Expose Prometheus metrics at /metrics
	Metrics bool `mapstructure:"metrics"`

	// Per-client request limit on the API
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig holds a per-client token bucket.
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Sustained requests per second per client
	Rate float64 `mapstructure:"rate"`

	// Requests allowed in a burst
	Burst int `mapstructure:"burst"`
}

// Address returns the host:port the server listens on.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	// Path to the SQLite database file
	Path string `mapstructure:"path"`

	// Enable WAL mode (recommended)
	WALMode bool `mapstructure:"wal_mode"`

	// Page cache size (negative = KB, positive = pages)
	CacheSize int `mapstructure:"cache_size"`

	// Busy timeout for lock contention
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`

	// Enforce foreign key constraints
	ForeignKeys bool `mapstructure:"foreign_keys"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// StorageConfig selects where generated media is written.
type StorageConfig struct {
	// Backend type (filesystem, s3)
	Type string `mapstructure:"type"`

	// Bucket that media is written to
	Bucket string `mapstructure:"bucket"`

	// Base URL used to build shareable media URLs. When empty, s3:// or file:// URLs are returned.
	PublicBaseURL string `mapstructure:"public_base_url"`

	// Filesystem backend settings
	Filesystem FilesystemConfig `mapstructure:"filesystem"`

	// S3 backend settings
	S3 S3Config `mapstructure:"s3"`
}

// FilesystemConfig holds local storage settings.
type FilesystemConfig struct {
	Path string `mapstructure:"path"`
}

// S3Config holds settings for S3-compatible object storage.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	BucketPrefix    string `mapstructure:"bucket_prefix"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// GenerationConfig holds settings for the generation service.
type GenerationConfig struct {
	// API key for the Gemini API
	APIKey string `mapstructure:"api_key"`

	// Override for the API base URL
	BaseURL string `mapstructure:"base_url"`

	// Model names
	TextModel  string `mapstructure:"text_model"`
	ImageModel string `mapstructure:"image_model"`
	VideoModel string `mapstructure:"video_model"`

	// Sampling settings for text generation
	Temperature float32 `mapstructure:"temperature"`
	MaxTokens   int32   `mapstructure:"max_tokens"`

	// Per-call deadline
	Timeout time.Duration `mapstructure:"timeout"`

	// Interval between polls of a long-running video operation
	VideoPollInterval time.Duration `mapstructure:"video_poll_interval"`
}

// RetrievalConfig holds knowledge base search settings.
type RetrievalConfig struct {
	// Maximum snippets returned per query
	Limit int `mapstructure:"limit"`

	// Characters of each snippet included in the prompt
	SnippetChars int `mapstructure:"snippet_chars"`

	// Per-query deadline
	Timeout time.Duration `mapstructure:"timeout"`
}

// WorkerConfig holds execution worker settings.
type WorkerConfig struct {
	// Number of concurrent workers per process
	Concurrency int `mapstructure:"concurrency"`

	// How often idle workers poll the queue
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// Delivery attempts before a message is dead-lettered
	MaxAttempts int `mapstructure:"max_attempts"`

	// Base delay for exponential backoff between attempts
	BaseDelay time.Duration `mapstructure:"base_delay"`

	// Hard wall-clock limit for a single execution
	TaskTimeout time.Duration `mapstructure:"task_timeout"`

	// How long a claimed message stays invisible to other workers
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
}

// SchedulerConfig holds poller settings.
type SchedulerConfig struct {
	// Cron spec for the poll tick
	PollSpec string `mapstructure:"poll_spec"`

	// Failed executions before a schedule is deactivated
	FailureThreshold int `mapstructure:"failure_threshold"`

	// Maximum schedules dispatched per tick
	BatchSize int `mapstructure:"batch_size"`
}

// PublishingConfig holds channel publisher settings.
type PublishingConfig struct {
	// Log posts instead of calling channel APIs
	DryRun bool `mapstructure:"dry_run"`

	// Per-call deadline
	Timeout time.Duration `mapstructure:"timeout"`

	// Per-channel settings keyed by channel name
	Channels map[string]ChannelConfig `mapstructure:"channels"`
}

// ChannelConfig holds settings for a single publishing channel.
type ChannelConfig struct {
	// Publish endpoint for the channel gateway
	Endpoint string `mapstructure:"endpoint"`

	// Sustained requests per second
	RateLimit float64 `mapstructure:"rate_limit"`

	// Burst size for the rate limiter
	Burst int `mapstructure:"burst"`
}

// SecurityConfig holds secrets used at rest.
type SecurityConfig struct {
	// Key material for sealing channel credentials
	SecretKey string `mapstructure:"secret_key"`
}

// RetentionConfig controls cleanup of finished executions.
type RetentionConfig struct {
	// Whether old executions are deleted
	Enabled bool `mapstructure:"enabled"`

	// Age after which terminal executions are deleted
	MaxAge time.Duration `mapstructure:"max_age"`

	// How often the cleanup runs
	Interval time.Duration `mapstructure:"interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Log format (json, console)
	Format string `mapstructure:"format"`

	// Include caller info
	Caller bool `mapstructure:"caller"`

	// Include timestamp
	Timestamp bool `mapstructure:"timestamp"`
}
