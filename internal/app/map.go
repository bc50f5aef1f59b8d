package app

import (
	"time"

	"rolewarden/internal/config"
	"rolewarden/internal/notifier"
	"rolewarden/internal/opqueue"
	"rolewarden/internal/ops"
	"rolewarden/internal/ratelimit"
	"rolewarden/internal/sched"
	"rolewarden/internal/store"
	logx "rolewarden/pkg/logx"
)

// The map* helpers translate the on-disk config into per-service configs.
// Zero values pass through; every service applies its own defaults, so the
// file only needs the knobs the operator wants to change.

func mapLogx(cfg *config.Config, opsEnabled bool) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Ops: logx.OpsConfig{
			Enabled:    opsEnabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStore(cfg *config.Config) (store.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func mapQueue(cfg *config.Config) (opqueue.Config, error) {
	q := cfg.Queue
	out := opqueue.Config{
		MaxPending:  q.MaxPending,
		MaxActive:   q.MaxActive,
		BatchSize:   q.BatchSize,
		HistorySize: q.HistorySize,
	}
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"queue.batch_delay", q.BatchDelay, &out.BatchDelay},
		{"queue.base_timeout", q.BaseTimeout, &out.BaseTimeout},
		{"queue.op_ttl", q.OpTTL, &out.OpTTL},
		{"queue.backoff_buffer", q.BackoffBuffer, &out.BackoffBuffer},
		{"queue.backoff_cap", q.BackoffCap, &out.BackoffCap},
		{"queue.gc_interval", q.GCInterval, &out.GCInterval},
		{"queue.stale_after", q.StaleAfter, &out.StaleAfter},
	}
	for _, f := range fields {
		d, err := config.ParseDurationOrDefault(f.path, f.raw, 0)
		if err != nil {
			return opqueue.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}

func mapSched(cfg *config.Config) (sched.Config, error) {
	oneTime, err := config.ParseDurationOrDefault("scheduler.one_time_interval", cfg.Scheduler.OneTimeInterval, 0)
	if err != nil {
		return sched.Config{}, err
	}
	recurring, err := config.ParseDurationOrDefault("scheduler.recurring_interval", cfg.Scheduler.RecurringInterval, 0)
	if err != nil {
		return sched.Config{}, err
	}
	return sched.Config{
		OneTimeInterval:      oneTime,
		RecurringInterval:    recurring,
		BulkThreshold:        cfg.Scheduler.BulkThreshold,
		PriorityMemberSample: cfg.Scheduler.PriorityMemberSample,
		PriorityJobSample:    cfg.Scheduler.PriorityJobSample,
	}, nil
}

func mapRateLimit(cfg *config.Config) (ratelimit.Config, error) {
	window, err := config.ParseDurationOrDefault("rate_limit.default_window", cfg.RateLimit.DefaultWindow, 0)
	if err != nil {
		return ratelimit.Config{}, err
	}
	out := ratelimit.Config{
		Default: ratelimit.ClassConfig{Limit: cfg.RateLimit.DefaultLimit, Window: window},
	}
	if len(cfg.RateLimit.Classes) > 0 {
		out.Classes = make(map[string]ratelimit.ClassConfig, len(cfg.RateLimit.Classes))
		for class, cc := range cfg.RateLimit.Classes {
			w, err := config.ParseDurationOrDefault("rate_limit.classes."+class+".window", cc.Window, 0)
			if err != nil {
				return ratelimit.Config{}, err
			}
			out.Classes[class] = ratelimit.ClassConfig{Limit: cc.Limit, Window: w}
		}
	}
	return out, nil
}

// mapNotifier defaults the notifier on whenever an alert chat is set, so an
// omitted section still delivers batch reports.
func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	target := ops.ChatTarget{ChatID: cfg.Telegram.AlertChatID, ThreadID: cfg.Telegram.AlertThreadID}
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{Enabled: target.ChatID != 0, Target: target}, nil
	}
	out := notifier.Config{
		Enabled:         n.Enabled && target.ChatID != 0,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		Target:          target,
	}
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"notifier.retry_base", n.RetryBase, &out.RetryBase},
		{"notifier.retry_max_delay", n.RetryMaxDelay, &out.RetryMaxDelay},
		{"notifier.dedup_window", n.DedupWindow, &out.DedupWindow},
	}
	for _, f := range fields {
		d, err := config.ParseDurationOrDefault(f.path, f.raw, 0)
		if err != nil {
			return notifier.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}

// tierMultiplier maps a tier score to rate-limit headroom. Base allowance
// for unknown actors; gold communities get double.
func tierMultiplier(score int) float64 {
	switch score {
	case 3:
		return 2.0
	case 2:
		return 1.5
	default:
		return 1.0
	}
}
