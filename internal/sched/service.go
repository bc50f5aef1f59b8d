// Package sched polls the schedule store on two cadences and turns due
// work into platform mutations: a fast loop for one-time schedules and a
// slow loop for recurring ones. Membership changes go out in bulk;
// voice-permission follow-ups go through the operation queue.
package sched

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"rolewarden/internal/eventbus"
	"rolewarden/internal/opqueue"
	"rolewarden/internal/platform"
	"rolewarden/internal/recurrence"
	"rolewarden/internal/store"
	"rolewarden/internal/tier"
	logx "rolewarden/pkg/logx"
)

type Service struct {
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	st     store.Store
	client platform.Client
	bulk   platform.BulkClient
	bulker BulkExecutor
	queue  *opqueue.Service
	tiers  *tier.Resolver
	now    func() time.Time

	mu sync.Mutex
	c  *cron.Cron

	// Overlap guards: a poll that is still running when the next tick
	// fires is skipped, not queued behind.
	oneTimeBusy   atomic.Bool
	recurringBusy atomic.Bool

	oneTimePolls   atomic.Uint64
	recurringPolls atomic.Uint64
	executed       atomic.Uint64
	failed         atomic.Uint64

	lastMu            sync.Mutex
	lastOneTimePoll   time.Time
	lastRecurringPoll time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

type Option func(*Service)

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBulkExecutor replaces the default chunked executor for oversized
// diffs.
func WithBulkExecutor(be BulkExecutor) Option {
	return func(s *Service) {
		if be != nil {
			s.bulker = be
		}
	}
}

func New(cfg Config, st store.Store, client platform.Client, bulk platform.BulkClient, queue *opqueue.Service, tiers *tier.Resolver, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		st:     st,
		client: client,
		bulk:   bulk,
		queue:  queue,
		tiers:  tiers,
		now:    time.Now,
	}
	s.bulker = newChunkedExecutor(bulk, cfg.BulkThreshold, log)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start registers both poll entries and starts the cron runner. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}

	s.c = cron.New()
	_, _ = s.c.AddJob(fmt.Sprintf("@every %s", s.cfg.OneTimeInterval), cron.FuncJob(func() {
		s.PollOneTime(ctx)
	}))
	_, _ = s.c.AddJob(fmt.Sprintf("@every %s", s.cfg.RecurringInterval), cron.FuncJob(func() {
		s.PollRecurring(ctx)
	}))
	s.c.Start()

	s.log.Info("scheduler started",
		logx.Duration("one_time", s.cfg.OneTimeInterval),
		logx.Duration("recurring", s.cfg.RecurringInterval))
}

// Stop halts cron triggering and waits for a running poll to finish.
// Idempotent.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Any("err", ctx.Err()))
	}
}

// PollOneTime processes every due one-time schedule, communities ordered by
// sampled member priority. Exported so operators (and tests) can force a
// poll between ticks.
func (s *Service) PollOneTime(ctx context.Context) {
	if !s.oneTimeBusy.CompareAndSwap(false, true) {
		s.log.Debug("one-time poll skipped: previous still running")
		return
	}
	defer s.oneTimeBusy.Store(false)

	// A tick delayed behind a slow poll runs immediately after it; skip it
	// instead of polling twice inside one interval.
	now := s.now()
	s.lastMu.Lock()
	last := s.lastOneTimePoll
	s.lastMu.Unlock()
	if !last.IsZero() && now.Sub(last) < s.cfg.OneTimeInterval {
		s.log.Debug("one-time poll skipped: inside cooldown")
		return
	}

	s.oneTimePolls.Add(1)
	s.lastMu.Lock()
	s.lastOneTimePoll = now
	s.lastMu.Unlock()

	due, err := s.st.FindDueOneTime(ctx, now)
	if err != nil {
		s.log.Error("due schedule query failed", logx.Err(err))
		return
	}
	if len(due) == 0 {
		return
	}
	s.log.Info("one-time schedules due", logx.Int("count", len(due)))

	for _, sch := range s.orderByPriority(ctx, due) {
		if ctx.Err() != nil {
			return
		}
		s.executeOneTime(ctx, sch)
	}
}

// orderByPriority groups due schedules by community and orders communities
// by the highest sampled member tier score, descending; ties break on
// community ID so the order is deterministic. Within a community, earlier
// execute-at goes first.
func (s *Service) orderByPriority(ctx context.Context, due []store.Schedule) []store.Schedule {
	byCommunity := map[string][]store.Schedule{}
	for _, sch := range due {
		byCommunity[sch.CommunityID] = append(byCommunity[sch.CommunityID], sch)
	}

	ranks := make([]rankedCommunity, 0, len(byCommunity))
	for id, jobs := range byCommunity {
		sort.Slice(jobs, func(i, j int) bool { return jobs[i].ExecuteAt.Before(jobs[j].ExecuteAt) })

		lists := make([][]string, len(jobs))
		for i, job := range jobs {
			lists[i] = job.MemberIDs
		}
		ranks = append(ranks, rankedCommunity{id: id, score: s.communityScore(ctx, lists)})
	}
	sortRanks(ranks)

	out := make([]store.Schedule, 0, len(due))
	for _, r := range ranks {
		out = append(out, byCommunity[r.id]...)
	}
	return out
}

// orderRecurringByPriority applies the same community ranking to due
// recurring schedules; within a community the order is by schedule ID.
func (s *Service) orderRecurringByPriority(ctx context.Context, due []store.RecurringSchedule) []store.RecurringSchedule {
	byCommunity := map[string][]store.RecurringSchedule{}
	for _, r := range due {
		byCommunity[r.CommunityID] = append(byCommunity[r.CommunityID], r)
	}

	ranks := make([]rankedCommunity, 0, len(byCommunity))
	for id, jobs := range byCommunity {
		sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })

		lists := make([][]string, len(jobs))
		for i, job := range jobs {
			lists[i] = job.MemberIDs
		}
		ranks = append(ranks, rankedCommunity{id: id, score: s.communityScore(ctx, lists)})
	}
	sortRanks(ranks)

	out := make([]store.RecurringSchedule, 0, len(due))
	for _, r := range ranks {
		out = append(out, byCommunity[r.id]...)
	}
	return out
}

type rankedCommunity struct {
	id    string
	score int
}

func sortRanks(ranks []rankedCommunity) {
	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].score != ranks[j].score {
			return ranks[i].score > ranks[j].score
		}
		return ranks[i].id < ranks[j].id
	})
}

// communityScore is the highest sampled member tier score across at most
// PriorityJobSample of the community's member lists.
func (s *Service) communityScore(ctx context.Context, memberLists [][]string) int {
	if len(memberLists) > s.cfg.PriorityJobSample {
		memberLists = memberLists[:s.cfg.PriorityJobSample]
	}
	score := 0
	for _, members := range memberLists {
		if v := s.tiers.MaxScore(ctx, members, s.cfg.PriorityMemberSample); v > score {
			score = v
		}
	}
	return score
}

func (s *Service) executeOneTime(ctx context.Context, sch store.Schedule) {
	now := s.now()
	res, enforced, err := s.applyChange(ctx, sch.CommunityID, sch.GroupID, sch.MemberIDs, sch.Action,
		fmt.Sprintf("scheduled %s", sch.Action))
	if err != nil {
		// Group or community gone: the schedule can never succeed, retire it.
		s.log.Warn("schedule unexecutable, marking done",
			logx.String("id", sch.ID), logx.Err(err))
		s.failed.Add(1)
	} else {
		s.executed.Add(1)
	}

	// Partial failure still marks executed: per-member failures were already
	// counted and re-running the whole schedule would repeat the successes.
	if mErr := s.st.MarkExecuted(ctx, sch.ID, now); mErr != nil {
		s.log.Error("mark executed failed", logx.String("id", sch.ID), logx.Err(mErr))
	}

	ev := BatchEvent{
		ScheduleID:  sch.ID,
		CommunityID: sch.CommunityID,
		GroupID:     sch.GroupID,
		Action:      string(sch.Action),
		Total:       len(sch.MemberIDs),
		Succeeded:   len(res.Succeeded),
		Failed:      len(res.Failed),
		Enforced:    enforced,
	}
	s.publish(eventbus.TypeScheduleDone, ev)
	s.recordHistory(sch.ID, sch.CommunityID, string(sch.Action), false, now, ev.Succeeded, ev.Failed)
}

// PollRecurring processes recurring schedules whose rule is due.
func (s *Service) PollRecurring(ctx context.Context) {
	if !s.recurringBusy.CompareAndSwap(false, true) {
		s.log.Debug("recurring poll skipped: previous still running")
		return
	}
	defer s.recurringBusy.Store(false)

	now := s.now()
	s.lastMu.Lock()
	last := s.lastRecurringPoll
	s.lastMu.Unlock()
	if !last.IsZero() && now.Sub(last) < s.cfg.RecurringInterval {
		s.log.Debug("recurring poll skipped: inside cooldown")
		return
	}

	s.recurringPolls.Add(1)
	s.lastMu.Lock()
	s.lastRecurringPoll = now
	s.lastMu.Unlock()

	active, err := s.st.FindActiveRecurring(ctx)
	if err != nil {
		s.log.Error("recurring schedule query failed", logx.Err(err))
		return
	}

	var due []store.RecurringSchedule
	for _, r := range active {
		if recurrence.IsDue(r.Rule, now, r.LastExecuted) {
			due = append(due, r)
		}
	}
	if len(due) == 0 {
		return
	}
	s.log.Info("recurring schedules due", logx.Int("count", len(due)))

	for _, r := range s.orderRecurringByPriority(ctx, due) {
		if ctx.Err() != nil {
			return
		}
		s.executeRecurring(ctx, r, now)
	}
}

func (s *Service) executeRecurring(ctx context.Context, r store.RecurringSchedule, now time.Time) {
	res, enforced, err := s.applyChange(ctx, r.CommunityID, r.GroupID, r.MemberIDs, r.Action,
		fmt.Sprintf("recurring %s", r.Action))
	if err != nil {
		s.log.Warn("recurring schedule unexecutable this cycle",
			logx.String("id", r.ID), logx.Err(err))
		s.failed.Add(1)
	} else {
		s.executed.Add(1)
	}

	// Advance last-executed even on failure so a broken cycle doesn't
	// re-fire every poll within the tolerance window.
	if uErr := s.st.UpdateLastExecuted(ctx, r.ID, now); uErr != nil {
		s.log.Error("update last executed failed", logx.String("id", r.ID), logx.Err(uErr))
	}

	ev := BatchEvent{
		ScheduleID:  r.ID,
		CommunityID: r.CommunityID,
		GroupID:     r.GroupID,
		Action:      string(r.Action),
		Recurring:   true,
		Total:       len(r.MemberIDs),
		Succeeded:   len(res.Succeeded),
		Failed:      len(res.Failed),
		Enforced:    enforced,
	}
	s.publish(eventbus.TypeRecurringHit, ev)
	s.recordHistory(r.ID, r.CommunityID, string(r.Action), true, now, ev.Succeeded, ev.Failed)
}

func (s *Service) publish(typ string, ev BatchEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
	}
}

func (s *Service) recordHistory(id, community, action string, recurring bool, at time.Time, ok, failed int) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{
		ScheduleID:  id,
		CommunityID: community,
		Action:      action,
		Recurring:   recurring,
		At:          at,
		Succeeded:   ok,
		Failed:      failed,
	})
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.c != nil
	s.mu.Unlock()

	s.lastMu.Lock()
	lastOne := s.lastOneTimePoll
	lastRec := s.lastRecurringPoll
	s.lastMu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:           running,
		OneTimePolls:      s.oneTimePolls.Load(),
		RecurringPolls:    s.recurringPolls.Load(),
		Executed:          s.executed.Load(),
		Failed:            s.failed.Load(),
		LastOneTimePoll:   lastOne,
		LastRecurringPoll: lastRec,
		History:           h,
	}
}
