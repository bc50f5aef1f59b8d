package notifier

import (
	"context"
	"fmt"
	"sync"

	"rolewarden/internal/eventbus"
	"rolewarden/internal/opqueue"
	rtsup "rolewarden/internal/runtime/supervisor"
	"rolewarden/internal/sched"
	logx "rolewarden/pkg/logx"
)

// Reporter watches the event bus and turns batch outcomes and operation
// failures into operator notifications.
type Reporter struct {
	svc *Service
	bus eventbus.Bus
	log logx.Logger

	mu    sync.Mutex
	sup   *rtsup.Supervisor
	unsub func()
}

func NewReporter(svc *Service, bus eventbus.Bus, log logx.Logger) *Reporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reporter{svc: svc, bus: bus, log: log}
}

// Start is idempotent.
func (r *Reporter) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sup != nil || r.bus == nil {
		return
	}

	ch, unsub := r.bus.Subscribe(64)
	r.unsub = unsub
	r.sup = rtsup.New(ctx, rtsup.WithLogger(r.log.With(logx.String("comp", "reporter"))))
	r.sup.GoRestart("events", func(c context.Context) error {
		r.loop(c, ch)
		return context.Canceled
	})
}

func (r *Reporter) Stop(ctx context.Context) {
	r.mu.Lock()
	sup := r.sup
	unsub := r.unsub
	r.sup = nil
	r.unsub = nil
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
}

func (r *Reporter) loop(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if text, prio := r.render(ev); text != "" {
				_ = r.svc.Notify(ctx, Notification{Text: text, Priority: prio})
			}
		}
	}
}

// render picks the events worth an operator's attention. Routine successes
// with zero failures report at low priority; failures escalate.
func (r *Reporter) render(ev eventbus.Event) (string, int) {
	switch ev.Type {
	case eventbus.TypeScheduleDone, eventbus.TypeRecurringHit:
		b, ok := ev.Data.(sched.BatchEvent)
		if !ok {
			return "", 0
		}
		kind := "scheduled"
		if b.Recurring {
			kind = "recurring"
		}
		text := fmt.Sprintf("%s %s: community=%s group=%s ok=%d failed=%d enforced=%d",
			kind, b.Action, b.CommunityID, b.GroupID, b.Succeeded, b.Failed, b.Enforced)
		if b.Failed > 0 {
			return "⚠️ " + text, 7
		}
		return text, 3

	case eventbus.TypeOpFailed:
		op, ok := ev.Data.(opqueue.OpEvent)
		if !ok {
			return "", 0
		}
		return fmt.Sprintf("⚠️ operation failed: %s (%s) after %d retries: %s",
			op.Key, op.Action, op.Retries, op.Error), 7

	case eventbus.TypeOpExpired:
		op, ok := ev.Data.(opqueue.OpEvent)
		if !ok {
			return "", 0
		}
		return fmt.Sprintf("⚠️ operation expired: %s after %d retries", op.Key, op.Retries), 7
	}
	return "", 0
}
