package ratelimit

import (
	"context"
	"sync"
	"time"
)

// WindowStore keeps attempt timestamps per window key. Implementations must
// be safe for concurrent use.
type WindowStore interface {
	// Add appends one attempt. window is the class's window width, usable
	// as an expiry hint by remote stores.
	Add(ctx context.Context, key string, at time.Time, window time.Duration) error

	// Window returns the number of attempts at or after cutoff and the
	// oldest such attempt (zero time when none).
	Window(ctx context.Context, key string, cutoff time.Time) (count int, oldest time.Time, err error)
}

// MemoryStore is the default in-process WindowStore.
type MemoryStore struct {
	mu       sync.Mutex
	windows  map[string][]time.Time
	lastSeen map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows:  map[string][]time.Time{},
		lastSeen: map[string]time.Time{},
	}
}

func (s *MemoryStore) Add(_ context.Context, key string, at time.Time, _ time.Duration) error {
	s.mu.Lock()
	s.windows[key] = append(s.windows[key], at)
	s.lastSeen[key] = at
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Window(_ context.Context, key string, cutoff time.Time) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.windows[key]
	if len(ts) == 0 {
		return 0, time.Time{}, nil
	}

	// Prune expired entries in place while we're here.
	kept := ts[:0]
	for _, t := range ts {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(s.windows, key)
		return 0, time.Time{}, nil
	}
	s.windows[key] = kept
	return len(kept), kept[0], nil
}

// Sweep drops keys idle longer than idleTTL. Run from a janitor loop so
// one-shot actors don't accumulate forever.
func (s *MemoryStore) Sweep(now time.Time, idleTTL time.Duration) {
	cutoff := now.Add(-idleTTL)
	s.mu.Lock()
	for k, seen := range s.lastSeen {
		if seen.Before(cutoff) {
			delete(s.lastSeen, k)
			delete(s.windows, k)
		}
	}
	s.mu.Unlock()
}
