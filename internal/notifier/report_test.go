package notifier

import (
	"context"
	"strings"
	"testing"
	"time"

	"rolewarden/internal/eventbus"
	"rolewarden/internal/opqueue"
	"rolewarden/internal/ops"
	"rolewarden/internal/sched"
	logx "rolewarden/pkg/logx"
)

func TestRenderBatchEvents(t *testing.T) {
	r := NewReporter(nil, nil, logx.Nop())

	cases := []struct {
		name     string
		ev       eventbus.Event
		wantText string
		wantPrio int
	}{
		{
			name: "clean one-time batch",
			ev: eventbus.Event{Type: eventbus.TypeScheduleDone, Data: sched.BatchEvent{
				CommunityID: "c1", GroupID: "g1", Action: "assign",
				Total: 3, Succeeded: 3,
			}},
			wantText: "scheduled assign: community=c1 group=g1 ok=3 failed=0 enforced=0",
			wantPrio: 3,
		},
		{
			name: "recurring with failures escalates",
			ev: eventbus.Event{Type: eventbus.TypeRecurringHit, Data: sched.BatchEvent{
				CommunityID: "c2", GroupID: "g2", Action: "remove", Recurring: true,
				Total: 4, Succeeded: 3, Failed: 1, Enforced: 2,
			}},
			wantText: "⚠️ recurring remove: community=c2 group=g2 ok=3 failed=1 enforced=2",
			wantPrio: 7,
		},
		{
			name: "failed operation",
			ev: eventbus.Event{Type: eventbus.TypeOpFailed, Data: opqueue.OpEvent{
				Key: "c1:m1:mute", Action: "mute", Retries: 3, Error: "missing permission",
			}},
			wantText: "⚠️ operation failed: c1:m1:mute (mute) after 3 retries: missing permission",
			wantPrio: 7,
		},
		{
			name: "expired operation",
			ev: eventbus.Event{Type: eventbus.TypeOpExpired, Data: opqueue.OpEvent{
				Key: "c1:m2:unmute", Retries: 5,
			}},
			wantText: "⚠️ operation expired: c1:m2:unmute after 5 retries",
			wantPrio: 7,
		},
		{
			name:     "unrelated event ignored",
			ev:       eventbus.Event{Type: eventbus.TypeOpEnqueued, Data: opqueue.OpEvent{Key: "x"}},
			wantText: "",
		},
		{
			name:     "wrong payload type ignored",
			ev:       eventbus.Event{Type: eventbus.TypeScheduleDone, Data: "garbage"},
			wantText: "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			text, prio := r.render(tc.ev)
			if text != tc.wantText {
				t.Fatalf("text = %q, want %q", text, tc.wantText)
			}
			if tc.wantText != "" && prio != tc.wantPrio {
				t.Fatalf("priority = %d, want %d", prio, tc.wantPrio)
			}
		})
	}
}

func TestReporterForwardsBatchOutcome(t *testing.T) {
	ad := &fakeAdapter{}
	bus := eventbus.New()

	svc := New(Config{
		Enabled:    true,
		Target:     ops.ChatTarget{ChatID: 42},
		RatePerSec: 100,
	}, ad, logx.Nop(), bus)
	svc.Start(context.Background())

	rep := NewReporter(svc, bus, logx.Nop())
	rep.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		rep.Stop(ctx)
		svc.Stop(ctx)
		cancel()
	})

	bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleDone, Data: sched.BatchEvent{
		CommunityID: "c1", GroupID: "g1", Action: "assign", Total: 2, Succeeded: 2,
	}})

	waitSent(t, ad, 1)
	ad.mu.Lock()
	got := ad.sent[0]
	ad.mu.Unlock()
	if !strings.Contains(got, "community=c1") || !strings.Contains(got, "ok=2") {
		t.Fatalf("unexpected report text: %q", got)
	}
}

func TestReporterStartStopIdempotent(t *testing.T) {
	bus := eventbus.New()
	svc := New(Config{Enabled: true, Target: ops.ChatTarget{ChatID: 1}}, &fakeAdapter{}, logx.Nop(), bus)
	rep := NewReporter(svc, bus, logx.Nop())

	rep.Start(context.Background())
	rep.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rep.Stop(ctx)
	rep.Stop(ctx)
}
