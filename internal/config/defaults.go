package config

import "time"

// Default configuration values.
const (
	// Server defaults.
	DefaultHost         = "localhost"
	DefaultPort         = 8095
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 30 * time.Second
	DefaultIdleTimeout  = 120 * time.Second
	DefaultMaxBodySize  = 1024 * 1024 // 1MB
	DefaultAPIRate      = 10.0
	DefaultAPIBurst     = 20

	// Database defaults.
	DefaultDBPath       = "herald.db"
	DefaultCacheSize    = -64000 // 64MB
	DefaultBusyTimeout  = 5 * time.Second
	DefaultMaxOpenConns = 1 // SQLite works best with single writer
	DefaultMaxIdleConns = 1

	// Storage defaults.
	DefaultStorageType   = "filesystem"
	DefaultStorageBucket = "media"
	DefaultStoragePath   = "data/storage"

	// Generation defaults.
	DefaultTextModel         = "gemini-2.5-flash"
	DefaultImageModel        = "imagen-4.0-generate-001"
	DefaultVideoModel        = "veo-3.0-generate-001"
	DefaultTemperature       = 0.7
	DefaultMaxTokens         = 1000
	DefaultGenerationTimeout = 2 * time.Minute
	DefaultVideoPollInterval = 10 * time.Second

	// Retrieval defaults.
	DefaultRetrievalLimit   = 10
	DefaultSnippetChars     = 500
	DefaultRetrievalTimeout = 10 * time.Second

	// Worker defaults.
	DefaultConcurrency   = 4
	DefaultPollInterval  = 2 * time.Second
	DefaultMaxAttempts   = 3
	DefaultBaseDelay     = time.Second
	DefaultTaskTimeout   = 30 * time.Minute
	DefaultLeaseDuration = 35 * time.Minute

	// Scheduler defaults.
	DefaultPollSpec         = "@every 2m"
	DefaultFailureThreshold = 5
	DefaultBatchSize        = 100

	// Publishing defaults.
	DefaultPublishTimeout = 30 * time.Second
	DefaultChannelRate    = 1.0
	DefaultChannelBurst   = 1

	// Retention defaults.
	DefaultRetentionMaxAge   = 30 * 24 * time.Hour
	DefaultRetentionInterval = time.Hour

	// Logging defaults.
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
)

// DefaultChannels lists the channels that have built-in publishers.
var DefaultChannels = []string{"linkedin", "twitter", "facebook", "instagram", "tiktok"}

// Default returns a Config with sensible defaults.
func Default() *Config {
	channels := make(map[string]ChannelConfig, len(DefaultChannels))
	for _, name := range DefaultChannels {
		channels[name] = ChannelConfig{
			RateLimit: DefaultChannelRate,
			Burst:     DefaultChannelBurst,
		}
	}

	return &Config{
		Server: ServerConfig{
			Host:         DefaultHost,
			Port:         DefaultPort,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
			MaxBodySize:  DefaultMaxBodySize,
			Metrics:      true,
			RateLimit: RateLimitConfig{
				Rate:  DefaultAPIRate,
				Burst: DefaultAPIBurst,
			},
		},
		Database: DatabaseConfig{
			Path:         DefaultDBPath,
			WALMode:      true,
			CacheSize:    DefaultCacheSize,
			BusyTimeout:  DefaultBusyTimeout,
			ForeignKeys:  true,
			MaxOpenConns: DefaultMaxOpenConns,
			MaxIdleConns: DefaultMaxIdleConns,
		},
		Storage: StorageConfig{
			Type:   DefaultStorageType,
			Bucket: DefaultStorageBucket,
			Filesystem: FilesystemConfig{
				Path: DefaultStoragePath,
			},
		},
		Generation: GenerationConfig{
			TextModel:         DefaultTextModel,
			ImageModel:        DefaultImageModel,
			VideoModel:        DefaultVideoModel,
			Temperature:       DefaultTemperature,
			MaxTokens:         DefaultMaxTokens,
			Timeout:           DefaultGenerationTimeout,
			VideoPollInterval: DefaultVideoPollInterval,
		},
		Retrieval: RetrievalConfig{
			Limit:        DefaultRetrievalLimit,
			SnippetChars: DefaultSnippetChars,
			Timeout:      DefaultRetrievalTimeout,
		},
		Worker: WorkerConfig{
			Concurrency:   DefaultConcurrency,
			PollInterval:  DefaultPollInterval,
			MaxAttempts:   DefaultMaxAttempts,
			BaseDelay:     DefaultBaseDelay,
			TaskTimeout:   DefaultTaskTimeout,
			LeaseDuration: DefaultLeaseDuration,
		},
		Scheduler: SchedulerConfig{
			PollSpec:         DefaultPollSpec,
			FailureThreshold: DefaultFailureThreshold,
			BatchSize:        DefaultBatchSize,
		},
		Publishing: PublishingConfig{
			Timeout:  DefaultPublishTimeout,
			Channels: channels,
		},
		Retention: RetentionConfig{
			Enabled:  true,
			MaxAge:   DefaultRetentionMaxAge,
			Interval: DefaultRetentionInterval,
		},
		Logging: LoggingConfig{
			Level:     DefaultLogLevel,
			Format:    DefaultLogFormat,
			Timestamp: true,
		},
	}
}
