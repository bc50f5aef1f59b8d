// Package store persists one-time and recurring membership schedules.
// The scheduler only reads due work and marks progress; creation and
// cancellation belong to the command layer above this core.
package store

import (
	"context"
	"errors"
	"time"

	"rolewarden/internal/recurrence"
)

var ErrNotFound = errors.New("store: schedule not found")

// Action is the membership change a schedule performs.
type Action string

const (
	ActionAssign Action = "assign"
	ActionRemove Action = "remove"
)

func (a Action) Valid() bool { return a == ActionAssign || a == ActionRemove }

// Schedule is a one-time membership change.
type Schedule struct {
	ID          string
	CommunityID string
	GroupID     string
	MemberIDs   []string
	Action      Action
	ExecuteAt   time.Time
	Executed    bool
	ExecutedAt  time.Time
	CreatedAt   time.Time
}

// RecurringSchedule repeats a membership change on a recurrence rule.
type RecurringSchedule struct {
	ID           string
	CommunityID  string
	GroupID      string
	MemberIDs    []string
	Action       Action
	Rule         recurrence.Spec
	Active       bool
	LastExecuted time.Time
	CreatedAt    time.Time
}

// Config selects and tunes the backend.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type Store interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	FindDueOneTime(ctx context.Context, now time.Time) ([]Schedule, error)
	// MarkExecuted is idempotent: a schedule already marked stays marked
	// with its original execution time.
	MarkExecuted(ctx context.Context, id string, at time.Time) error
	CancelSchedule(ctx context.Context, id string) error

	CreateRecurring(ctx context.Context, r *RecurringSchedule) error
	FindActiveRecurring(ctx context.Context) ([]RecurringSchedule, error)
	UpdateLastExecuted(ctx context.Context, id string, at time.Time) error
	CancelRecurring(ctx context.Context, id string) error

	Close() error
}
