// Package scheduler stores recurring content requests, computes when they fire
// next, and dispatches due ones onto the execution queue.
package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ScheduleType represents the recurrence rule of a schedule.
type ScheduleType string

const (
	// ScheduleTypeOneTime fires once at start_at.
	ScheduleTypeOneTime ScheduleType = "one_time"
	// ScheduleTypeDaily fires every day at the configured time.
	ScheduleTypeDaily ScheduleType = "daily"
	// ScheduleTypeWeekly fires on the configured weekdays.
	ScheduleTypeWeekly ScheduleType = "weekly"
	// ScheduleTypeMonthly fires on the configured days of the month.
	ScheduleTypeMonthly ScheduleType = "monthly"
)

// Valid reports whether t is a known schedule type.
func (t ScheduleType) Valid() bool {
	switch t {
	case ScheduleTypeOneTime, ScheduleTypeDaily, ScheduleTypeWeekly, ScheduleTypeMonthly:
		return true
	}
	return false
}

// Status records why a schedule is or is not being picked up.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Default recurrence settings applied when a config omits them.
const (
	DefaultHour   = 9
	DefaultMinute = 0
)

// Config holds the fields that drive recurrence math.
type Config struct {
	Hour        int   `json:"hour" yaml:"hour"`
	Minute      int   `json:"minute" yaml:"minute"`
	DaysOfWeek  []int `json:"days_of_week,omitempty" yaml:"days_of_week,omitempty"` // 0=Monday ... 6=Sunday
	DaysOfMonth []int `json:"days_of_month,omitempty" yaml:"days_of_month,omitempty"`
}

// DefaultConfig returns the config used for fields a caller leaves out.
func DefaultConfig() Config {
	return Config{Hour: DefaultHour, Minute: DefaultMinute}
}

// ParseConfig decodes a JSON config on top of DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if len(data) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decoding schedule config: %w", err)
	}
	return cfg, nil
}

func (c Config) weekdays() []int {
	if len(c.DaysOfWeek) == 0 {
		return []int{0}
	}
	return c.DaysOfWeek
}

func (c Config) monthDays() []int {
	if len(c.DaysOfMonth) == 0 {
		return []int{1}
	}
	return c.DaysOfMonth
}

// Validate checks the config against the given schedule type.
func (c Config) Validate(t ScheduleType) error {
	if c.Hour < 0 || c.Hour > 23 {
		return fmt.Errorf("%w: hour must be between 0 and 23", ErrInvalidSchedule)
	}
	if c.Minute < 0 || c.Minute > 59 {
		return fmt.Errorf("%w: minute must be between 0 and 59", ErrInvalidSchedule)
	}
	if t == ScheduleTypeWeekly {
		for _, d := range c.DaysOfWeek {
			if d < 0 || d > 6 {
				return fmt.Errorf("%w: days_of_week must be between 0 (Monday) and 6 (Sunday)", ErrInvalidSchedule)
			}
		}
	}
	if t == ScheduleTypeMonthly {
		for _, d := range c.DaysOfMonth {
			if d < 1 || d > 31 {
				return fmt.Errorf("%w: days_of_month must be between 1 and 31", ErrInvalidSchedule)
			}
		}
	}
	return nil
}

// RequestTemplate is the content request replayed on every fire.
type RequestTemplate struct {
	Request       string          `json:"request" yaml:"request"`
	Channels      []string        `json:"channels" yaml:"channels"`
	IncludeImages bool            `json:"include_images" yaml:"include_images"`
	IncludeVideo  bool            `json:"include_video" yaml:"include_video"`
	Brand         json.RawMessage `json:"brand,omitempty" yaml:"-"`
}

// Schedule is a saved recurring content request.
type Schedule struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	AssistantID    string          `json:"assistant_id"`
	CapabilityID   string          `json:"capability_id,omitempty"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Type           ScheduleType    `json:"schedule_type"`
	Config         Config          `json:"schedule_config"`
	Template       RequestTemplate `json:"request_template"`
	Timezone       string          `json:"timezone"`
	StartAt        time.Time       `json:"start_at"`
	EndAt          *time.Time      `json:"end_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	IsActive       bool            `json:"is_active"`
	Status         Status          `json:"status"`
	TotalRuns      int             `json:"total_runs"`
	SuccessfulRuns int             `json:"successful_runs"`
	FailedRuns     int             `json:"failed_runs"`
	CreatedBy      string          `json:"created_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Location returns the schedule's time zone, falling back to UTC.
func (s *Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Filter narrows List results. Empty fields are ignored.
type Filter struct {
	TenantID    string
	AssistantID string
	Status      Status
}

var (
	ErrNotFound        = errors.New("schedule not found")
	ErrInvalidSchedule = errors.New("invalid schedule")
)
