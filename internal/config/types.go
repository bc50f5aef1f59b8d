package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the on-disk configuration. JSON or YAML; YAML is coerced to
// JSON and decoded strictly, so unknown keys are rejected in both formats.
// All durations are Go duration strings (e.g. "500ms", "30s", "5m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Queue     QueueConfig     `json:"queue,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
}

// TelegramConfig configures the operator-alert bot.
type TelegramConfig struct {
	Token string `json:"token"`
	// AlertChatID is the chat batch reports and WARN+ log lines go to.
	AlertChatID   int64  `json:"alert_chat_id"`
	AlertThreadID int    `json:"alert_thread_id,omitempty"`
	ClientTimeout string `json:"client_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards WARN+ lines to the alert chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls poll cadence and batch execution.
type SchedulerConfig struct {
	Enabled           bool   `json:"enabled"`
	OneTimeInterval   string `json:"one_time_interval,omitempty"`
	RecurringInterval string `json:"recurring_interval,omitempty"`
	BulkThreshold     int    `json:"bulk_threshold,omitempty"`

	PriorityMemberSample int `json:"priority_member_sample,omitempty"`
	PriorityJobSample    int `json:"priority_job_sample,omitempty"`
}

// QueueConfig controls the operation queue.
type QueueConfig struct {
	MaxPending  int    `json:"max_pending,omitempty"`
	MaxActive   int    `json:"max_active,omitempty"`
	BatchSize   int    `json:"batch_size,omitempty"`
	BatchDelay  string `json:"batch_delay,omitempty"`
	BaseTimeout string `json:"base_timeout,omitempty"`
	OpTTL       string `json:"op_ttl,omitempty"`

	BackoffBuffer string `json:"backoff_buffer,omitempty"`
	BackoffCap    string `json:"backoff_cap,omitempty"`

	GCInterval string `json:"gc_interval,omitempty"`
	StaleAfter string `json:"stale_after,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// RateLimitConfig controls the per-community sliding windows.
type RateLimitConfig struct {
	DefaultLimit  int                        `json:"default_limit,omitempty"`
	DefaultWindow string                     `json:"default_window,omitempty"`
	Classes       map[string]RateClassConfig `json:"classes,omitempty"`
	// Redis switches the window store from in-process to shared.
	Redis *RedisConfig `json:"redis,omitempty"`
}

type RateClassConfig struct {
	Limit  int    `json:"limit"`
	Window string `json:"window"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// NotifierConfig controls the operator-report pipeline. Omitting the
// section keeps the notifier enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// Pprof mounts the profiling endpoints on the metrics listener.
	Pprof bool `json:"pprof,omitempty"`
}

// Validate checks everything that can be checked without side effects:
// duration syntax and required fields. The manager runs it before
// committing a reload, so a bad edit never reaches the services.
func (c *Config) Validate() error {
	durations := []struct{ path, raw string }{
		{"telegram.client_timeout", c.Telegram.ClientTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"scheduler.one_time_interval", c.Scheduler.OneTimeInterval},
		{"scheduler.recurring_interval", c.Scheduler.RecurringInterval},
		{"queue.batch_delay", c.Queue.BatchDelay},
		{"queue.base_timeout", c.Queue.BaseTimeout},
		{"queue.op_ttl", c.Queue.OpTTL},
		{"queue.backoff_buffer", c.Queue.BackoffBuffer},
		{"queue.backoff_cap", c.Queue.BackoffCap},
		{"queue.gc_interval", c.Queue.GCInterval},
		{"queue.stale_after", c.Queue.StaleAfter},
		{"rate_limit.default_window", c.RateLimit.DefaultWindow},
	}
	if c.Notifier != nil {
		durations = append(durations,
			struct{ path, raw string }{"notifier.retry_base", c.Notifier.RetryBase},
			struct{ path, raw string }{"notifier.retry_max_delay", c.Notifier.RetryMaxDelay},
			struct{ path, raw string }{"notifier.dedup_window", c.Notifier.DedupWindow},
		)
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	for class, cc := range c.RateLimit.Classes {
		if _, err := ParseDurationField("rate_limit.classes."+class+".window", cc.Window); err != nil {
			return err
		}
		if cc.Limit < 0 {
			return fmt.Errorf("rate_limit.classes.%s.limit must be >= 0", class)
		}
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.RateLimit.Redis != nil && c.RateLimit.Redis.Addr == "" {
		return fmt.Errorf("rate_limit.redis.addr is required when redis is set")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics is enabled")
	}
	return nil
}

// ParseDurationField parses one duration-valued config field. The empty
// string is valid and means "use the default"; negatives are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for an empty or zero field.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
