package sched

import (
	"context"
	"testing"
	"time"

	"rolewarden/internal/enforce"
	"rolewarden/internal/eventbus"
	"rolewarden/internal/opqueue"
	"rolewarden/internal/platform"
	"rolewarden/internal/platform/memory"
	"rolewarden/internal/ratelimit"
	"rolewarden/internal/recurrence"
	"rolewarden/internal/store"
	"rolewarden/internal/tier"
	logx "rolewarden/pkg/logx"
)

type allowAllStates struct{}

func (allowAllStates) EnforceState(context.Context, string, string) (enforce.Target, enforce.Channel, error) {
	return enforce.Target{}, enforce.Channel{}, nil
}

type fixture struct {
	st     *store.MemoryStore
	client *memory.Client
	queue  *opqueue.Service
	bus    eventbus.Bus
	svc    *Service
	now    time.Time
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		st:     store.NewMemoryStore(),
		client: memory.New(),
		bus:    eventbus.New(),
		now:    time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC),
	}
	limiter := ratelimit.New(ratelimit.Config{
		Default: ratelimit.ClassConfig{Limit: 1000, Window: time.Minute},
	}, ratelimit.NewMemoryStore(), logx.Nop())
	f.queue = opqueue.New(opqueue.Config{BatchDelay: time.Millisecond}, f.client, allowAllStates{},
		limiter, tier.NewResolver(nil, logx.Nop()), logx.Nop(), f.bus)
	ctx, cancel := context.WithCancel(context.Background())
	f.queue.Start(ctx)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		f.queue.Stop(sctx)
		scancel()
		cancel()
	})

	opts = append([]Option{WithNow(func() time.Time { return f.now })}, opts...)
	f.svc = New(cfg, f.st, f.client, f.client, f.queue, tier.NewResolver(nil, logx.Nop()),
		logx.Nop(), f.bus, opts...)
	return f
}

func (f *fixture) addDue(t *testing.T, communityID, groupID string, action store.Action, members ...string) *store.Schedule {
	t.Helper()
	s := &store.Schedule{
		CommunityID: communityID, GroupID: groupID,
		MemberIDs: members, Action: action,
		ExecuteAt: f.now.Add(-time.Minute),
	}
	if err := f.st.CreateSchedule(context.Background(), s); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	return s
}

func TestPollOneTimeAssignsAndMarks(t *testing.T) {
	f := newFixture(t, Config{})
	f.client.AddCommunity("c1", "c1")
	f.client.AddGroup("c1", "g1", "vip")
	f.client.AddMember("c1", "m1")
	f.client.AddMember("c1", "m2")
	f.addDue(t, "c1", "g1", store.ActionAssign, "m1", "m2")

	f.svc.PollOneTime(context.Background())

	if n := f.client.CallCount("assign"); n != 2 {
		t.Fatalf("expected 2 assigns, got %d", n)
	}
	m, _ := f.client.ResolveMember(context.Background(), "c1", "m1")
	if !m.HasGroup("g1") {
		t.Fatalf("member not assigned: %+v", m)
	}

	// Marked executed: a later poll does nothing.
	f.now = f.now.Add(time.Minute)
	f.svc.PollOneTime(context.Background())
	if n := f.client.CallCount("assign"); n != 2 {
		t.Fatalf("executed schedule ran again, %d assigns", n)
	}
}

func TestPollOneTimeDiffsCurrentState(t *testing.T) {
	f := newFixture(t, Config{})
	f.client.AddCommunity("c1", "c1")
	f.client.AddGroup("c1", "g1", "vip")
	f.client.AddMember("c1", "already", "g1")
	f.client.AddMember("c1", "fresh")
	f.addDue(t, "c1", "g1", store.ActionAssign, "already", "fresh", "gone")

	f.svc.PollOneTime(context.Background())

	// Only the member missing the group gets a call; the holder and the
	// departed member are skipped.
	calls := f.client.Calls()
	if len(calls) != 1 || calls[0].MemberID != "fresh" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestRemoveAction(t *testing.T) {
	f := newFixture(t, Config{})
	f.client.AddCommunity("c1", "c1")
	f.client.AddGroup("c1", "g1", "vip")
	f.client.AddMember("c1", "m1", "g1")
	f.addDue(t, "c1", "g1", store.ActionRemove, "m1")

	f.svc.PollOneTime(context.Background())

	m, _ := f.client.ResolveMember(context.Background(), "c1", "m1")
	if m.HasGroup("g1") {
		t.Fatalf("group not removed: %+v", m)
	}
}

func TestUnexecutableScheduleRetired(t *testing.T) {
	f := newFixture(t, Config{})
	f.client.AddCommunity("c1", "c1")
	// Group never registered: the schedule can never succeed.
	f.addDue(t, "c1", "missing", store.ActionAssign, "m1")

	f.svc.PollOneTime(context.Background())

	due, err := f.st.FindDueOneTime(context.Background(), f.now)
	if err != nil {
		t.Fatalf("FindDueOneTime: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("unexecutable schedule still due: %+v", due)
	}
}

func TestVoiceFollowupsEnqueued(t *testing.T) {
	f := newFixture(t, Config{})
	f.client.AddCommunity("c1", "c1")
	f.client.AddGroup("c1", "g1", "vip")
	f.client.AddMember("c1", "live")
	f.client.AddMember("c1", "idle")
	f.client.SetVoice("c1", "live", platform.VoiceState{ChannelID: "voice-1"})
	f.addDue(t, "c1", "g1", store.ActionAssign, "live", "idle")

	events, unsub := f.bus.Subscribe(16)
	defer unsub()

	f.svc.PollOneTime(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != eventbus.TypeScheduleDone {
				continue
			}
			b, ok := ev.Data.(BatchEvent)
			if !ok {
				t.Fatalf("unexpected payload %T", ev.Data)
			}
			if b.Succeeded != 2 || b.Enforced != 1 {
				t.Fatalf("expected 2 succeeded, 1 enforced, got %+v", b)
			}
			return
		case <-deadline:
			t.Fatalf("no schedule.executed event")
		}
	}
}

type recordingExecutor struct {
	calls [][]platform.GroupOp
}

func (r *recordingExecutor) Execute(_ context.Context, _ store.Action, ops []platform.GroupOp, _ string) (platform.BulkResult, error) {
	r.calls = append(r.calls, ops)
	var res platform.BulkResult
	for _, op := range ops {
		res.Succeeded = append(res.Succeeded, op.MemberID)
	}
	return res, nil
}

func TestBulkThresholdRoutesToExecutor(t *testing.T) {
	rec := &recordingExecutor{}
	f := newFixture(t, Config{BulkThreshold: 2}, WithBulkExecutor(rec))
	f.client.AddCommunity("c1", "c1")
	f.client.AddGroup("c1", "g1", "vip")
	for _, m := range []string{"m1", "m2", "m3"} {
		f.client.AddMember("c1", m)
	}
	f.addDue(t, "c1", "g1", store.ActionAssign, "m1", "m2", "m3")

	f.svc.PollOneTime(context.Background())

	// Three ops exceed the threshold of two, so the executor carries them.
	if len(rec.calls) != 1 || len(rec.calls[0]) != 3 {
		t.Fatalf("expected one executor call with 3 ops, got %+v", rec.calls)
	}
	if n := f.client.CallCount("assign"); n != 0 {
		t.Fatalf("direct bulk path used despite threshold, %d calls", n)
	}
}

func TestBulkUnderThresholdSingleCall(t *testing.T) {
	rec := &recordingExecutor{}
	f := newFixture(t, Config{BulkThreshold: 5}, WithBulkExecutor(rec))
	f.client.AddCommunity("c1", "c1")
	f.client.AddGroup("c1", "g1", "vip")
	f.client.AddMember("c1", "m1")
	f.client.AddMember("c1", "m2")
	f.addDue(t, "c1", "g1", store.ActionAssign, "m1", "m2")

	f.svc.PollOneTime(context.Background())

	if len(rec.calls) != 0 {
		t.Fatalf("executor used under threshold: %+v", rec.calls)
	}
	if n := f.client.CallCount("assign"); n != 2 {
		t.Fatalf("expected direct bulk assigns, got %d", n)
	}
}

type scoreLookup map[string]tier.Priority

func (s scoreLookup) Priority(_ context.Context, memberID string) (tier.Priority, error) {
	return s[memberID], nil
}

func TestCommunityPriorityOrdering(t *testing.T) {
	f := newFixture(t, Config{})
	// Replace the resolver with one that knows the members.
	f.svc.tiers = tier.NewResolver(scoreLookup{
		"gold-member": {Tier: tier.TierGold},
	}, logx.Nop())

	for _, c := range []string{"a-plain", "b-gold", "c-plain"} {
		f.client.AddCommunity(c, c)
		f.client.AddGroup(c, "g1", "vip")
	}
	f.client.AddMember("a-plain", "pm1")
	f.client.AddMember("b-gold", "gold-member")
	f.client.AddMember("c-plain", "pm2")

	f.addDue(t, "a-plain", "g1", store.ActionAssign, "pm1")
	f.addDue(t, "b-gold", "g1", store.ActionAssign, "gold-member")
	f.addDue(t, "c-plain", "g1", store.ActionAssign, "pm2")

	f.svc.PollOneTime(context.Background())

	calls := f.client.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 assigns, got %+v", calls)
	}
	// Gold community first, then zero-score communities in ID order.
	want := []string{"b-gold", "a-plain", "c-plain"}
	for i, w := range want {
		if calls[i].CommunityID != w {
			t.Fatalf("order %v, want %v", calls, want)
		}
	}
}

func TestRecurringPriorityOrdering(t *testing.T) {
	f := newFixture(t, Config{})
	f.svc.tiers = tier.NewResolver(scoreLookup{
		"gold-member": {Tier: tier.TierGold},
	}, logx.Nop())

	members := map[string]string{"a-plain": "pm1", "b-gold": "gold-member", "c-plain": "pm2"}
	for _, c := range []string{"a-plain", "b-gold", "c-plain"} {
		f.client.AddCommunity(c, c)
		f.client.AddGroup(c, "g1", "vip")
		f.client.AddMember(c, members[c])

		r := &store.RecurringSchedule{
			CommunityID: c, GroupID: "g1",
			MemberIDs: []string{members[c]}, Action: store.ActionAssign,
			Rule:   recurrence.Spec{Kind: recurrence.KindDaily, Hour: 9, Minute: 0},
			Active: true,
		}
		if err := f.st.CreateRecurring(context.Background(), r); err != nil {
			t.Fatalf("CreateRecurring: %v", err)
		}
	}

	f.svc.PollRecurring(context.Background())

	calls := f.client.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 assigns, got %+v", calls)
	}
	want := []string{"b-gold", "a-plain", "c-plain"}
	for i, w := range want {
		if calls[i].CommunityID != w {
			t.Fatalf("order %v, want %v", calls, want)
		}
	}
}

func TestPollCooldownSkipsRapidTicks(t *testing.T) {
	f := newFixture(t, Config{})
	f.client.AddCommunity("c1", "c1")
	f.client.AddGroup("c1", "g1", "vip")
	f.client.AddMember("c1", "m1")
	f.client.AddMember("c1", "m2")
	f.addDue(t, "c1", "g1", store.ActionAssign, "m1")

	f.svc.PollOneTime(context.Background())
	if n := f.client.CallCount("assign"); n != 1 {
		t.Fatalf("expected 1 assign, got %d", n)
	}

	// A tick arriving inside the poll interval is skipped even though new
	// work is due.
	f.addDue(t, "c1", "g1", store.ActionAssign, "m2")
	f.now = f.now.Add(10 * time.Second)
	f.svc.PollOneTime(context.Background())
	if n := f.client.CallCount("assign"); n != 1 {
		t.Fatalf("poll ran inside the cooldown, %d assigns", n)
	}

	// Past the interval the skipped work is picked up.
	f.now = f.now.Add(30 * time.Second)
	f.svc.PollOneTime(context.Background())
	if n := f.client.CallCount("assign"); n != 2 {
		t.Fatalf("expected 2 assigns after cooldown, got %d", n)
	}

	if sn := f.svc.Snapshot(); sn.OneTimePolls != 2 {
		t.Fatalf("skipped tick counted as a poll: %+v", sn)
	}
}

func TestRecurringDueExecutesAndAdvances(t *testing.T) {
	// A short poll interval keeps the cooldown out of the way; the firing
	// suppression below comes from the per-schedule minimum interval.
	f := newFixture(t, Config{RecurringInterval: time.Second})
	f.client.AddCommunity("c1", "c1")
	f.client.AddGroup("c1", "g1", "vip")
	f.client.AddMember("c1", "m1")

	r := &store.RecurringSchedule{
		CommunityID: "c1", GroupID: "g1",
		MemberIDs: []string{"m1"}, Action: store.ActionAssign,
		Rule:   recurrence.Spec{Kind: recurrence.KindDaily, Hour: 9, Minute: 0},
		Active: true,
	}
	if err := f.st.CreateRecurring(context.Background(), r); err != nil {
		t.Fatalf("CreateRecurring: %v", err)
	}

	f.svc.PollRecurring(context.Background())
	if n := f.client.CallCount("assign"); n != 1 {
		t.Fatalf("expected 1 assign, got %d", n)
	}

	active, _ := f.st.FindActiveRecurring(context.Background())
	if !active[0].LastExecuted.Equal(f.now) {
		t.Fatalf("LastExecuted not advanced: %v", active[0].LastExecuted)
	}

	// Thirty seconds later the minimum re-execution interval suppresses a
	// second firing even though the slot is still inside the tolerance.
	f.now = f.now.Add(30 * time.Second)
	f.svc.PollRecurring(context.Background())
	if n := f.client.CallCount("assign"); n != 1 {
		t.Fatalf("recurring schedule refired within min interval, %d assigns", n)
	}
}

func TestRecurringNotDueDoesNothing(t *testing.T) {
	f := newFixture(t, Config{})
	f.client.AddCommunity("c1", "c1")
	f.client.AddGroup("c1", "g1", "vip")
	f.client.AddMember("c1", "m1")

	r := &store.RecurringSchedule{
		CommunityID: "c1", GroupID: "g1",
		MemberIDs: []string{"m1"}, Action: store.ActionAssign,
		Rule:   recurrence.Spec{Kind: recurrence.KindDaily, Hour: 15, Minute: 0},
		Active: true,
	}
	if err := f.st.CreateRecurring(context.Background(), r); err != nil {
		t.Fatalf("CreateRecurring: %v", err)
	}

	f.svc.PollRecurring(context.Background())
	if n := len(f.client.Calls()); n != 0 {
		t.Fatalf("expected no calls before the slot, got %d", n)
	}
}

func TestRecurringAdvancesEvenWhenUnexecutable(t *testing.T) {
	f := newFixture(t, Config{})
	f.client.AddCommunity("c1", "c1")
	// Group missing: the cycle fails, but last-executed still advances so
	// the schedule doesn't re-fire every poll inside the tolerance window.
	r := &store.RecurringSchedule{
		CommunityID: "c1", GroupID: "missing",
		MemberIDs: []string{"m1"}, Action: store.ActionAssign,
		Rule:   recurrence.Spec{Kind: recurrence.KindDaily, Hour: 9, Minute: 0},
		Active: true,
	}
	if err := f.st.CreateRecurring(context.Background(), r); err != nil {
		t.Fatalf("CreateRecurring: %v", err)
	}

	f.svc.PollRecurring(context.Background())

	active, _ := f.st.FindActiveRecurring(context.Background())
	if !active[0].LastExecuted.Equal(f.now) {
		t.Fatalf("LastExecuted not advanced on failure: %v", active[0].LastExecuted)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	f := newFixture(t, Config{OneTimeInterval: time.Hour, RecurringInterval: time.Hour})
	ctx := context.Background()

	f.svc.Start(ctx)
	f.svc.Start(ctx)
	if sn := f.svc.Snapshot(); !sn.Running {
		t.Fatalf("expected running after Start")
	}

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	f.svc.Stop(sctx)
	f.svc.Stop(sctx)
	cancel()
	if sn := f.svc.Snapshot(); sn.Running {
		t.Fatalf("expected stopped after Stop")
	}
}
