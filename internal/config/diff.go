package config

import (
	"reflect"
	"sort"
	"strings"

	logx "rolewarden/pkg/logx"
)

// SummarizeChange returns the changed section names plus safe structured
// attrs for logging. Secrets (telegram token, redis password) never appear
// in the attrs.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var attrs []logx.Field

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.alert_chat_set", newCfg.Telegram.AlertChatID != 0),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.Bool("storage.path_set", newCfg.Storage.Path != ""))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.one_time_interval", newCfg.Scheduler.OneTimeInterval),
			logx.String("scheduler.recurring_interval", newCfg.Scheduler.RecurringInterval),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.max_pending", newCfg.Queue.MaxPending),
			logx.Int("queue.max_active", newCfg.Queue.MaxActive),
			logx.Int("queue.batch_size", newCfg.Queue.BatchSize),
		)
	}

	if !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit) {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.Int("rate_limit.default_limit", newCfg.RateLimit.DefaultLimit),
			logx.Int("rate_limit.class_count", len(newCfg.RateLimit.Classes)),
			logx.Bool("rate_limit.redis", newCfg.RateLimit.Redis != nil),
		)
	}

	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if (oldN == nil) != (newN == nil) || (oldN != nil && *oldN != *newN) {
		changed = append(changed, "notifier")
		if newN != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", newN.Enabled),
				logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			)
		}
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
