package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps schedules in process memory. Tests and dry-run mode use
// it; semantics match the SQLite backend.
type MemoryStore struct {
	mu        sync.Mutex
	schedules map[string]*Schedule
	recurring map[string]*RecurringSchedule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		schedules: map[string]*Schedule{},
		recurring: map[string]*RecurringSchedule{},
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateSchedule(_ context.Context, s *Schedule) error {
	if !s.Action.Valid() {
		return fmt.Errorf("store: invalid action %q", s.Action)
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	cp := *s
	cp.MemberIDs = append([]string(nil), s.MemberIDs...)

	m.mu.Lock()
	m.schedules[s.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) FindDueOneTime(_ context.Context, now time.Time) ([]Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Schedule
	for _, s := range m.schedules {
		if !s.Executed && !s.ExecuteAt.After(now) {
			cp := *s
			cp.MemberIDs = append([]string(nil), s.MemberIDs...)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkExecuted(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[id]
	if !ok {
		return ErrNotFound
	}
	if !s.Executed {
		s.Executed = true
		s.ExecutedAt = at
	}
	return nil
}

func (m *MemoryStore) CancelSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[id]
	if !ok || s.Executed {
		return ErrNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *MemoryStore) CreateRecurring(_ context.Context, r *RecurringSchedule) error {
	if !r.Action.Valid() {
		return fmt.Errorf("store: invalid action %q", r.Action)
	}
	if err := r.Rule.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Rule.CreatedAt.IsZero() {
		r.Rule.CreatedAt = r.CreatedAt
	}
	r.Active = true
	cp := *r
	cp.MemberIDs = append([]string(nil), r.MemberIDs...)

	m.mu.Lock()
	m.recurring[r.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) FindActiveRecurring(_ context.Context) ([]RecurringSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []RecurringSchedule
	for _, r := range m.recurring {
		if r.Active {
			cp := *r
			cp.MemberIDs = append([]string(nil), r.MemberIDs...)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateLastExecuted(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.recurring[id]
	if !ok {
		return ErrNotFound
	}
	r.LastExecuted = at
	return nil
}

func (m *MemoryStore) CancelRecurring(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.recurring[id]
	if !ok || !r.Active {
		return ErrNotFound
	}
	r.Active = false
	return nil
}
