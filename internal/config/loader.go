package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	ErrConfigNotFound  = errors.New("config file not found")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrMissingRequired = errors.New("missing required configuration")
)

type LoadOptions struct {
	ConfigFile string
	EnvPrefix  string
	Defaults   *Config
}

func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()

	defaults := opts.Defaults
	if defaults == nil {
		defaults = Default()
	}
	setViperDefaults(v, defaults)

	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "HERALD"
	}
	v.SetEnvPrefix(opts.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("herald")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/herald")
		v.AddConfigPath("/etc/herald")
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	expandEnvInConfig(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func LoadFromFile(path string) (*Config, error) {
	return Load(LoadOptions{ConfigFile: path})
}

func LoadWithDefaults() (*Config, error) {
	return Load(LoadOptions{})
}

func setViperDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", cfg.Server.IdleTimeout)
	v.SetDefault("server.max_body_size", cfg.Server.MaxBodySize)
	v.SetDefault("server.metrics", cfg.Server.Metrics)
	v.SetDefault("server.rate_limit.enabled", cfg.Server.RateLimit.Enabled)
	v.SetDefault("server.rate_limit.rate", cfg.Server.RateLimit.Rate)
	v.SetDefault("server.rate_limit.burst", cfg.Server.RateLimit.Burst)

	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.wal_mode", cfg.Database.WALMode)
	v.SetDefault("database.cache_size", cfg.Database.CacheSize)
	v.SetDefault("database.busy_timeout", cfg.Database.BusyTimeout)
	v.SetDefault("database.foreign_keys", cfg.Database.ForeignKeys)
	v.SetDefault("database.max_open_conns", cfg.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", cfg.Database.MaxIdleConns)

	v.SetDefault("storage.type", cfg.Storage.Type)
	v.SetDefault("storage.bucket", cfg.Storage.Bucket)
	v.SetDefault("storage.public_base_url", cfg.Storage.PublicBaseURL)
	v.SetDefault("storage.filesystem.path", cfg.Storage.Filesystem.Path)
	v.SetDefault("storage.s3.endpoint", cfg.Storage.S3.Endpoint)
	v.SetDefault("storage.s3.region", cfg.Storage.S3.Region)
	v.SetDefault("storage.s3.access_key_id", cfg.Storage.S3.AccessKeyID)
	v.SetDefault("storage.s3.secret_access_key", cfg.Storage.S3.SecretAccessKey)
	v.SetDefault("storage.s3.bucket_prefix", cfg.Storage.S3.BucketPrefix)
	v.SetDefault("storage.s3.force_path_style", cfg.Storage.S3.ForcePathStyle)

	v.SetDefault("generation.api_key", cfg.Generation.APIKey)
	v.SetDefault("generation.base_url", cfg.Generation.BaseURL)
	v.SetDefault("generation.text_model", cfg.Generation.TextModel)
	v.SetDefault("generation.image_model", cfg.Generation.ImageModel)
	v.SetDefault("generation.video_model", cfg.Generation.VideoModel)
	v.SetDefault("generation.temperature", cfg.Generation.Temperature)
	v.SetDefault("generation.max_tokens", cfg.Generation.MaxTokens)
	v.SetDefault("generation.timeout", cfg.Generation.Timeout)
	v.SetDefault("generation.video_poll_interval", cfg.Generation.VideoPollInterval)

	v.SetDefault("retrieval.limit", cfg.Retrieval.Limit)
	v.SetDefault("retrieval.snippet_chars", cfg.Retrieval.SnippetChars)
	v.SetDefault("retrieval.timeout", cfg.Retrieval.Timeout)

	v.SetDefault("worker.concurrency", cfg.Worker.Concurrency)
	v.SetDefault("worker.poll_interval", cfg.Worker.PollInterval)
	v.SetDefault("worker.max_attempts", cfg.Worker.MaxAttempts)
	v.SetDefault("worker.base_delay", cfg.Worker.BaseDelay)
	v.SetDefault("worker.task_timeout", cfg.Worker.TaskTimeout)
	v.SetDefault("worker.lease_duration", cfg.Worker.LeaseDuration)

	v.SetDefault("scheduler.poll_spec", cfg.Scheduler.PollSpec)
	v.SetDefault("scheduler.failure_threshold", cfg.Scheduler.FailureThreshold)
	v.SetDefault("scheduler.batch_size", cfg.Scheduler.BatchSize)

	v.SetDefault("publishing.dry_run", cfg.Publishing.DryRun)
	v.SetDefault("publishing.timeout", cfg.Publishing.Timeout)
	// Channel entries are set key by key so a config file can override one field without dropping the rest.
	for name, ch := range cfg.Publishing.Channels {
		prefix := "publishing.channels." + name
		v.SetDefault(prefix+".endpoint", ch.Endpoint)
		v.SetDefault(prefix+".rate_limit", ch.RateLimit)
		v.SetDefault(prefix+".burst", ch.Burst)
	}

	v.SetDefault("security.secret_key", cfg.Security.SecretKey)

	v.SetDefault("retention.enabled", cfg.Retention.Enabled)
	v.SetDefault("retention.max_age", cfg.Retention.MaxAge)
	v.SetDefault("retention.interval", cfg.Retention.Interval)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.caller", cfg.Logging.Caller)
	v.SetDefault("logging.timestamp", cfg.Logging.Timestamp)
}

func expandEnvInConfig(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
			envVar := val[2 : len(val)-1]
			if envVal := os.Getenv(envVar); envVal != "" {
				v.Set(key, envVal)
			}
		}
	}
}

func ConfigFilePath(customPath string) (string, error) {
	if customPath != "" {
		absPath, err := filepath.Abs(customPath)
		if err != nil {
			return "", fmt.Errorf("resolving config path: %w", err)
		}
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", absPath)
		}
		return absPath, nil
	}

	searchPaths := []string{
		"herald.yaml",
		"herald.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "herald", "herald.yaml"),
		"/etc/herald/herald.yaml",
	}

	for _, p := range searchPaths {
		if _, err := os.Stat(p); err == nil {
			return filepath.Abs(p)
		}
	}

	return "", ErrConfigNotFound
}
