package sched

import (
	"context"
	"time"

	"rolewarden/internal/platform"
	"rolewarden/internal/store"
)

// Config controls polling cadence and batch execution.
type Config struct {
	// OneTimeInterval is the due-schedule poll cadence.
	OneTimeInterval time.Duration
	// RecurringInterval is the recurring-schedule poll cadence.
	RecurringInterval time.Duration

	// BulkThreshold is the largest membership diff sent as one bulk call;
	// larger diffs go through the BulkExecutor.
	BulkThreshold int

	// Priority sampling bounds: members inspected per job, jobs inspected
	// per community. Sampling keeps poll cost flat; the resulting order is
	// approximate for larger batches.
	PriorityMemberSample int
	PriorityJobSample    int

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.OneTimeInterval <= 0 {
		c.OneTimeInterval = 30 * time.Second
	}
	if c.RecurringInterval <= 0 {
		c.RecurringInterval = 5 * time.Minute
	}
	if c.BulkThreshold <= 0 {
		c.BulkThreshold = 50
	}
	if c.PriorityMemberSample <= 0 {
		c.PriorityMemberSample = 10
	}
	if c.PriorityJobSample <= 0 {
		c.PriorityJobSample = 3
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

// BulkExecutor carries membership diffs too large for a single bulk call.
type BulkExecutor interface {
	Execute(ctx context.Context, action store.Action, ops []platform.GroupOp, reason string) (platform.BulkResult, error)
}

// BatchEvent is the payload of schedule.executed / recurring.executed /
// batch.executed events.
type BatchEvent struct {
	ScheduleID  string `json:"schedule_id"`
	CommunityID string `json:"community_id"`
	GroupID     string `json:"group_id"`
	Action      string `json:"action"`
	Recurring   bool   `json:"recurring"`

	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Enforced counts voice follow-ups handed to the operation queue.
	Enforced int `json:"enforced"`
}

type HistoryItem struct {
	ScheduleID  string
	CommunityID string
	Action      string
	Recurring   bool
	At          time.Time
	Succeeded   int
	Failed      int
}

// Snapshot is a diagnostics view.
type Snapshot struct {
	Running bool

	OneTimePolls   uint64
	RecurringPolls uint64
	Executed       uint64
	Failed         uint64

	LastOneTimePoll   time.Time
	LastRecurringPoll time.Time

	History []HistoryItem
}
