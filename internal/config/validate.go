package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString("  - ")
		sb.WriteString(err.Error())
		sb.WriteString("\n")
	}
	return sb.String()
}

func Validate(cfg *Config) error {
	var errs ValidationErrors

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateDatabase(&cfg.Database)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateGeneration(&cfg.Generation)...)
	errs = append(errs, validateWorker(&cfg.Worker)...)
	errs = append(errs, validateScheduler(&cfg.Scheduler)...)
	errs = append(errs, validatePublishing(&cfg.Publishing)...)
	errs = append(errs, validateRetention(&cfg.Retention)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateServer(cfg *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: "must be between 1 and 65535",
		})
	}

	if cfg.ReadTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.read_timeout",
			Message: "must be non-negative",
		})
	}

	if cfg.WriteTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.write_timeout",
			Message: "must be non-negative",
		})
	}

	if cfg.MaxBodySize < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.max_body_size",
			Message: "must be non-negative",
		})
	}

	if cfg.RateLimit.Enabled && (cfg.RateLimit.Rate <= 0 || cfg.RateLimit.Burst < 1) {
		errs = append(errs, ValidationError{
			Field:   "server.rate_limit",
			Message: "rate must be positive and burst at least 1",
		})
	}

	return errs
}

func validateDatabase(cfg *DatabaseConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "database.path",
			Message: "required",
		})
	}

	if cfg.MaxOpenConns < 0 {
		errs = append(errs, ValidationError{
			Field:   "database.max_open_conns",
			Message: "must be non-negative",
		})
	}

	return errs
}

func validateStorage(cfg *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Bucket == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.bucket",
			Message: "required",
		})
	}

	switch cfg.Type {
	case "filesystem":
		if cfg.Filesystem.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.filesystem.path",
				Message: "required when type is 'filesystem'",
			})
		}
		if strings.Contains(cfg.Filesystem.Path, "..") {
			errs = append(errs, ValidationError{
				Field:   "storage.filesystem.path",
				Message: "path traversal (..) not allowed",
			})
		}
	case "s3":
		if cfg.S3.Region == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.s3.region",
				Message: "required when type is 's3'",
			})
		}
		if cfg.S3.AccessKeyID == "" || cfg.S3.SecretAccessKey == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.s3",
				Message: "access_key_id and secret_access_key are required when type is 's3'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: "must be 'filesystem' or 's3'",
		})
	}

	return errs
}

func validateGeneration(cfg *GenerationConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.TextModel == "" {
		errs = append(errs, ValidationError{
			Field:   "generation.text_model",
			Message: "required",
		})
	}

	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		errs = append(errs, ValidationError{
			Field:   "generation.temperature",
			Message: "must be between 0 and 2",
		})
	}

	if cfg.MaxTokens < 1 {
		errs = append(errs, ValidationError{
			Field:   "generation.max_tokens",
			Message: "must be at least 1",
		})
	}

	if cfg.Timeout < time.Second {
		errs = append(errs, ValidationError{
			Field:   "generation.timeout",
			Message: "must be at least 1s",
		})
	}

	return errs
}

func validateWorker(cfg *WorkerConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Concurrency < 1 {
		errs = append(errs, ValidationError{
			Field:   "worker.concurrency",
			Message: "must be at least 1",
		})
	}

	if cfg.MaxAttempts < 1 {
		errs = append(errs, ValidationError{
			Field:   "worker.max_attempts",
			Message: "must be at least 1",
		})
	}

	if cfg.PollInterval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "worker.poll_interval",
			Message: "must be positive",
		})
	}

	if cfg.BaseDelay < 0 {
		errs = append(errs, ValidationError{
			Field:   "worker.base_delay",
			Message: "must be non-negative",
		})
	}

	if cfg.TaskTimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "worker.task_timeout",
			Message: "must be positive",
		})
	}

	if cfg.LeaseDuration <= cfg.TaskTimeout {
		errs = append(errs, ValidationError{
			Field:   "worker.lease_duration",
			Message: "must be longer than worker.task_timeout",
		})
	}

	return errs
}

func validateScheduler(cfg *SchedulerConfig) ValidationErrors {
	var errs ValidationErrors

	if _, err := cron.ParseStandard(cfg.PollSpec); err != nil {
		errs = append(errs, ValidationError{
			Field:   "scheduler.poll_spec",
			Message: fmt.Sprintf("invalid cron spec: %v", err),
		})
	}

	if cfg.FailureThreshold < 1 {
		errs = append(errs, ValidationError{
			Field:   "scheduler.failure_threshold",
			Message: "must be at least 1",
		})
	}

	if cfg.BatchSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "scheduler.batch_size",
			Message: "must be at least 1",
		})
	}

	return errs
}

func validatePublishing(cfg *PublishingConfig) ValidationErrors {
	var errs ValidationErrors

	for name, ch := range cfg.Channels {
		if ch.RateLimit < 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("publishing.channels.%s.rate_limit", name),
				Message: "must be non-negative",
			})
		}
		if ch.RateLimit > 0 && ch.Burst < 1 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("publishing.channels.%s.burst", name),
				Message: "must be at least 1 when rate_limit is set",
			})
		}
		if !cfg.DryRun && ch.Endpoint != "" && !strings.HasPrefix(ch.Endpoint, "http://") && !strings.HasPrefix(ch.Endpoint, "https://") {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("publishing.channels.%s.endpoint", name),
				Message: "must be an http(s) URL",
			})
		}
	}

	return errs
}

func validateRetention(cfg *RetentionConfig) ValidationErrors {
	var errs ValidationErrors

	if !cfg.Enabled {
		return errs
	}

	if cfg.MaxAge < time.Hour {
		errs = append(errs, ValidationError{
			Field:   "retention.max_age",
			Message: "must be at least 1h",
		})
	}

	if cfg.Interval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "retention.interval",
			Message: "must be positive",
		})
	}

	return errs
}

func validateLogging(cfg *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[cfg.Level] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be one of: trace, debug, info, warn, error, fatal, panic",
		})
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Format] {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be 'json' or 'console'",
		})
	}

	return errs
}

// ValidateSecretKey checks key material used for sealing channel credentials.
func ValidateSecretKey(secret string) error {
	if secret == "" {
		return &ValidationError{
			Field:   "security.secret_key",
			Message: "required to store channel credentials",
		}
	}
	if len(secret) < 32 {
		return &ValidationError{
			Field:   "security.secret_key",
			Message: "must be at least 32 characters",
		}
	}
	return nil
}
