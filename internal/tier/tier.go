// Package tier resolves member priority scores from the external
// membership-tier collaborator. The scheduler and the operation queue both
// order work through this resolver, so lookups are cached and batch lookups
// are concurrency-bounded to keep the control loops cheap.
package tier

import (
	"context"
	"sort"
	"sync"
	"time"

	logx "rolewarden/pkg/logx"
)

// Tier names, highest first. Anything else maps to score 0.
const (
	TierGold   = "gold"
	TierSilver = "silver"
	TierBronze = "bronze"
)

// Priority is the collaborator's answer for one member.
type Priority struct {
	Tier  string
	Score int
}

// Lookup is the external membership-tier collaborator.
type Lookup interface {
	Priority(ctx context.Context, memberID string) (Priority, error)
}

// Score maps a tier name through the fixed ordinal table.
func Score(tier string) int {
	switch tier {
	case TierGold:
		return 3
	case TierSilver:
		return 2
	case TierBronze:
		return 1
	default:
		return 0
	}
}

type cacheEntry struct {
	score   int
	expires time.Time
}

type Resolver struct {
	lookup Lookup
	log    logx.Logger
	now    func() time.Time

	maxConcurrent int
	cacheTTL      time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type Option func(*Resolver)

// WithCacheTTL overrides how long a resolved score is reused.
func WithCacheTTL(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.cacheTTL = d
		}
	}
}

// WithMaxConcurrent bounds parallel lookups inside MaxScore.
func WithMaxConcurrent(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxConcurrent = n
		}
	}
}

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

func NewResolver(lookup Lookup, log logx.Logger, opts ...Option) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Resolver{
		lookup:        lookup,
		log:           log,
		now:           time.Now,
		maxConcurrent: 4,
		cacheTTL:      5 * time.Minute,
		cache:         map[string]cacheEntry{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// MemberScore returns the member's priority score, 0 when the lookup fails
// or the resolver has no collaborator. Failures are logged once per call,
// never propagated: priority is advisory, not correctness.
func (r *Resolver) MemberScore(ctx context.Context, memberID string) int {
	if r == nil || r.lookup == nil || memberID == "" {
		return 0
	}
	now := r.now()

	r.mu.Lock()
	if e, ok := r.cache[memberID]; ok && now.Before(e.expires) {
		r.mu.Unlock()
		return e.score
	}
	r.mu.Unlock()

	p, err := r.lookup.Priority(ctx, memberID)
	if err != nil {
		r.log.Debug("tier lookup failed", logx.String("member", memberID), logx.Err(err))
		return 0
	}
	score := p.Score
	if score == 0 {
		score = Score(p.Tier)
	}

	r.mu.Lock()
	r.cache[memberID] = cacheEntry{score: score, expires: now.Add(r.cacheTTL)}
	if len(r.cache) > 10000 {
		r.pruneLocked(now)
	}
	r.mu.Unlock()
	return score
}

// MaxScore returns the highest score among at most limit members, looked up
// with bounded concurrency. Sampling only the first few members keeps the
// scheduler's polling cost independent of batch size; for very large
// batches the result is approximate.
func (r *Resolver) MaxScore(ctx context.Context, memberIDs []string, limit int) int {
	if r == nil || len(memberIDs) == 0 {
		return 0
	}
	if limit > 0 && len(memberIDs) > limit {
		memberIDs = memberIDs[:limit]
	}

	sem := make(chan struct{}, r.maxConcurrent)
	scores := make([]int, len(memberIDs))
	var wg sync.WaitGroup
	for i, id := range memberIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			scores[i] = r.MemberScore(ctx, id)
		}(i, id)
	}
	wg.Wait()

	max := 0
	for _, s := range scores {
		if s > max {
			max = s
		}
	}
	return max
}

// pruneLocked drops the oldest half of the cache. Called rarely; holds mu.
func (r *Resolver) pruneLocked(now time.Time) {
	type kv struct {
		k string
		e time.Time
	}
	all := make([]kv, 0, len(r.cache))
	for k, e := range r.cache {
		if !now.Before(e.expires) {
			delete(r.cache, k)
			continue
		}
		all = append(all, kv{k, e.expires})
	}
	if len(all) <= 5000 {
		return
	}
	sort.Slice(all, func(i, j int) bool { return all[i].e.Before(all[j].e) })
	for _, x := range all[:len(all)-5000] {
		delete(r.cache, x.k)
	}
}
