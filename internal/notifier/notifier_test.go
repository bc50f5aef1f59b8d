package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rolewarden/internal/eventbus"
	"rolewarden/internal/ops"
	logx "rolewarden/pkg/logx"
)

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []string
	targets []ops.ChatTarget
	fails   int // fail this many sends before succeeding
}

func (f *fakeAdapter) Start(context.Context) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error  { return nil }

func (f *fakeAdapter) SendText(_ context.Context, target ops.ChatTarget, text string, _ *ops.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("send failed")
	}
	f.sent = append(f.sent, text)
	f.targets = append(f.targets, target)
	return nil
}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func startNotifier(t *testing.T, cfg Config, ad ops.Adapter) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.Target.ChatID == 0 {
		cfg.Target = ops.ChatTarget{ChatID: 42}
	}
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 100
	}
	s := New(cfg, ad, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.Stop(ctx)
		cancel()
	})
	return s
}

func waitSent(t *testing.T, ad *fakeAdapter, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ad.sentCount() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %d sent, want %d", ad.sentCount(), want)
}

func TestNotifyDelivers(t *testing.T) {
	ad := &fakeAdapter{}
	s := startNotifier(t, Config{}, ad)

	if err := s.Notify(context.Background(), Notification{Text: "batch done"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitSent(t, ad, 1)

	h := s.Snapshot()
	if len(h) != 1 || h[0].Text != "batch done" {
		t.Fatalf("unexpected history: %+v", h)
	}
}

func TestNotifyDisabled(t *testing.T) {
	s := New(Config{Enabled: false}, &fakeAdapter{}, logx.Nop(), eventbus.New())
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestDedupWindowSuppressesRepeats(t *testing.T) {
	ad := &fakeAdapter{}
	s := startNotifier(t, Config{DedupWindow: time.Minute}, ad)

	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), Notification{Text: "same alert"}); err != nil {
			t.Fatalf("Notify %d: %v", i, err)
		}
	}
	if err := s.Notify(context.Background(), Notification{Text: "different alert"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	waitSent(t, ad, 2)
	time.Sleep(50 * time.Millisecond)
	if n := ad.sentCount(); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	ad := &fakeAdapter{fails: 2}
	s := startNotifier(t, Config{RetryMax: 3, RetryBase: 5 * time.Millisecond, RetryMaxDelay: 20 * time.Millisecond}, ad)

	if err := s.Notify(context.Background(), Notification{Text: "flaky"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitSent(t, ad, 1)
}

func TestStopDrainsQueue(t *testing.T) {
	ad := &fakeAdapter{}
	cfg := Config{Enabled: true, Target: ops.ChatTarget{ChatID: 42}, RatePerSec: 100}
	s := New(cfg, ad, logx.Nop(), eventbus.New())
	s.Start(context.Background())

	for i := 0; i < 5; i++ {
		if err := s.Notify(context.Background(), Notification{Text: "msg"}); err != nil {
			t.Fatalf("Notify %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	s.Stop(ctx)
	cancel()

	if n := ad.sentCount(); n != 5 {
		t.Fatalf("expected drain to deliver all 5, got %d", n)
	}
	if err := s.Notify(context.Background(), Notification{Text: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after Stop, got %v", err)
	}
}

func TestTargetFallsBackToConfig(t *testing.T) {
	ad := &fakeAdapter{}
	s := startNotifier(t, Config{Target: ops.ChatTarget{ChatID: 77, ThreadID: 3}}, ad)

	if err := s.Notify(context.Background(), Notification{Text: "no explicit target"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitSent(t, ad, 1)

	ad.mu.Lock()
	got := ad.targets[0]
	ad.mu.Unlock()
	if got.ChatID != 77 || got.ThreadID != 3 {
		t.Fatalf("expected configured target, got %+v", got)
	}
}
