// Package ratelimit tracks a sliding time-window counter per
// (actor, operation-class) pair and answers two questions: would an
// operation be throttled right now, and how long until it would not be.
//
// Checking and recording are separate calls. Both the scheduler's inline
// follow-ups and the operation queue check without recording and record
// only on an actual remote attempt, so a single attempt is never counted
// twice.
package ratelimit

import (
	"context"
	"math"
	"time"

	logx "rolewarden/pkg/logx"
)

// Key identifies one sliding window.
type Key struct {
	Actor string // typically the community the bot acts in
	Class string // operation class: "mute", "disconnect", ...
}

func (k Key) String() string { return k.Actor + ":" + k.Class }

// ClassConfig is the base allowance for one operation class.
type ClassConfig struct {
	Limit  int
	Window time.Duration
}

type Config struct {
	Default ClassConfig
	Classes map[string]ClassConfig
}

// TierMultiplier widens the allowance for privileged actors. Values below 1
// are ignored: a tier can only ever add headroom, never shrink the base.
type TierMultiplier func(actor string) float64

type Limiter struct {
	cfg   Config
	store WindowStore
	tiers TierMultiplier
	log   logx.Logger
	now   func() time.Time
}

type Option func(*Limiter)

// WithTierMultiplier installs the per-actor allowance multiplier.
func WithTierMultiplier(fn TierMultiplier) Option {
	return func(l *Limiter) { l.tiers = fn }
}

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func New(cfg Config, store WindowStore, log logx.Logger, opts ...Option) *Limiter {
	if cfg.Default.Limit <= 0 {
		cfg.Default.Limit = 10
	}
	if cfg.Default.Window <= 0 {
		cfg.Default.Window = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Limiter{cfg: cfg, store: store, log: log, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Limiter) classConfig(class string) ClassConfig {
	if cc, ok := l.cfg.Classes[class]; ok && cc.Limit > 0 && cc.Window > 0 {
		return cc
	}
	return l.cfg.Default
}

func (l *Limiter) effectiveLimit(key Key, base int) int {
	mult := 1.0
	if l.tiers != nil {
		if m := l.tiers(key.Actor); m > 1 {
			mult = m
		}
	}
	return int(math.Floor(float64(base) * mult))
}

// WouldBeThrottled reports whether an attempt right now would exceed the
// window allowance. It never records anything. Store failures fail open:
// enforcement proceeding slightly too fast beats enforcement wedged behind
// a broken counter.
func (l *Limiter) WouldBeThrottled(ctx context.Context, key Key) bool {
	cc := l.classConfig(key.Class)
	now := l.now()
	count, _, err := l.store.Window(ctx, key.String(), now.Add(-cc.Window))
	if err != nil {
		l.log.Warn("rate window read failed; failing open", logx.String("key", key.String()), logx.Err(err))
		return false
	}
	return count >= l.effectiveLimit(key, cc.Limit)
}

// RemainingWait returns how long until the window frees a slot, or 0 when
// not throttled.
func (l *Limiter) RemainingWait(ctx context.Context, key Key) time.Duration {
	cc := l.classConfig(key.Class)
	now := l.now()
	count, oldest, err := l.store.Window(ctx, key.String(), now.Add(-cc.Window))
	if err != nil || count < l.effectiveLimit(key, cc.Limit) || oldest.IsZero() {
		return 0
	}
	wait := oldest.Add(cc.Window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Record counts one attempt against the window. Call only when a remote
// call is actually made.
func (l *Limiter) Record(ctx context.Context, key Key) {
	cc := l.classConfig(key.Class)
	if err := l.store.Add(ctx, key.String(), l.now(), cc.Window); err != nil {
		l.log.Warn("rate window write failed", logx.String("key", key.String()), logx.Err(err))
	}
}
