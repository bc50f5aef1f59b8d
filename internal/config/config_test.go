package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalYAML = `
storage:
  path: /tmp/warden.db
scheduler:
  enabled: true
`

func TestParseYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
  alert_chat_id: -100123
storage:
  path: /tmp/warden.db
scheduler:
  enabled: true
  one_time_interval: 30s
queue:
  max_pending: 500
rate_limit:
  default_limit: 10
  default_window: 1m
  classes:
    group_change:
      limit: 5
      window: 30s
`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.AlertChatID != -100123 {
		t.Fatalf("alert_chat_id = %d", cfg.Telegram.AlertChatID)
	}
	if cfg.Queue.MaxPending != 500 {
		t.Fatalf("max_pending = %d", cfg.Queue.MaxPending)
	}
	cc, ok := cfg.RateLimit.Classes["group_change"]
	if !ok || cc.Limit != 5 || cc.Window != "30s" {
		t.Fatalf("class config lost: %+v", cfg.RateLimit.Classes)
	}
}

func TestParseJSON(t *testing.T) {
	path := writeConfig(t, "config.json",
		`{"storage":{"path":"/tmp/warden.db"},"scheduler":{"enabled":false}}`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Storage.Path != "/tmp/warden.db" {
		t.Fatalf("storage.path = %q", cfg.Storage.Path)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "config.yaml", minimalYAML+`
schedular:
  enabled: true
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatalf("expected strict decode to reject the typo")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{Storage: StorageConfig{Path: "/tmp/warden.db"}}
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"minimal ok", func(*Config) {}, ""},
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"bad duration", func(c *Config) { c.Queue.OpTTL = "ten minutes" }, "queue.op_ttl"},
		{"bad class window", func(c *Config) {
			c.RateLimit.Classes = map[string]RateClassConfig{"x": {Limit: 1, Window: "nope"}}
		}, "rate_limit.classes.x.window"},
		{"negative class limit", func(c *Config) {
			c.RateLimit.Classes = map[string]RateClassConfig{"x": {Limit: -1, Window: "1m"}}
		}, "rate_limit.classes.x.limit"},
		{"redis without addr", func(c *Config) {
			c.RateLimit.Redis = &RedisConfig{}
		}, "rate_limit.redis.addr"},
		{"metrics enabled without addr", func(c *Config) {
			c.Metrics.Enabled = true
		}, "metrics.addr"},
		{"notifier bad retry base", func(c *Config) {
			c.Notifier = &NotifierConfig{Enabled: true, RetryBase: "soon"}
		}, "notifier.retry_base"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoadCommitsAndGet(t *testing.T) {
	path := writeConfig(t, "config.yaml", minimalYAML)
	m := NewManager(path)
	if m.Get() != nil {
		t.Fatalf("expected nil before Load")
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return the committed config")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
scheduler:
  enabled: true
`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatalf("expected Load to fail without storage.path")
	}
}

func TestSummarizeChange(t *testing.T) {
	oldCfg := &Config{
		Storage:   StorageConfig{Path: "/tmp/a.db"},
		Scheduler: SchedulerConfig{Enabled: true},
	}
	newCfg := &Config{
		Telegram:  TelegramConfig{Token: "secret-token", AlertChatID: 5},
		Storage:   StorageConfig{Path: "/tmp/b.db"},
		Scheduler: SchedulerConfig{Enabled: false},
		RateLimit: RateLimitConfig{Redis: &RedisConfig{Addr: "localhost:6379", Password: "hunter2"}},
	}

	changed, attrs := SummarizeChange(oldCfg, newCfg)
	want := []string{"rate_limit", "scheduler", "storage", "telegram"}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Fatalf("changed = %v, want %v", changed, want)
		}
	}
	if len(attrs) == 0 {
		t.Fatalf("expected structured attrs for changed sections")
	}
}

func TestSummarizeChangeNoDiff(t *testing.T) {
	cfg := &Config{Storage: StorageConfig{Path: "/tmp/a.db"}}
	changed, _ := SummarizeChange(cfg, cfg)
	if len(changed) != 0 {
		t.Fatalf("expected no changes, got %v", changed)
	}
}

func TestSubscribeReceivesReload(t *testing.T) {
	path := writeConfig(t, "config.yaml", minimalYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	next := &Config{Storage: StorageConfig{Path: "/tmp/other.db"}}
	m.Commit(next)
	m.publish(next)

	select {
	case got := <-ch:
		if got.Storage.Path != "/tmp/other.db" {
			t.Fatalf("unexpected config published: %+v", got)
		}
	default:
		t.Fatalf("expected a published config")
	}
}

func TestPublishDropsOldestForSlowSubscriber(t *testing.T) {
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{Storage: StorageConfig{Path: "/tmp/1.db"}}
	second := &Config{Storage: StorageConfig{Path: "/tmp/2.db"}}
	m.publish(first)
	m.publish(second)

	got := <-ch
	if got.Storage.Path != "/tmp/2.db" {
		t.Fatalf("expected newest config, got %+v", got)
	}
}

func TestParseDurationField(t *testing.T) {
	if _, err := ParseDurationField("x", ""); err != nil {
		t.Fatalf("empty duration must be accepted: %v", err)
	}
	d, err := ParseDurationField("x", "90s")
	if err != nil || d.String() != "1m30s" {
		t.Fatalf("ParseDurationField: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "bogus"); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}
