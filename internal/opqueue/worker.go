package opqueue

import (
	"context"
	"errors"
	"time"

	"rolewarden/internal/enforce"
	"rolewarden/internal/eventbus"
	"rolewarden/internal/platform"
	"rolewarden/internal/ratelimit"
	logx "rolewarden/pkg/logx"
)

var ErrExpired = errors.New("opqueue: operation expired")

// coordinate pops the best ready operation and hands it to a worker,
// pausing BatchDelay after every BatchSize dispatches.
func (s *Service) coordinate(ctx context.Context, stopCh chan struct{}, dispatch chan<- *operation) {
	sent := 0
	for {
		now := s.now()

		s.mu.Lock()
		var (
			op      *operation
			readyAt time.Time
		)
		if s.active < s.cfg.MaxActive {
			op, readyAt = s.nextLocked(now)
		}
		if op != nil {
			if now.After(op.deadline) {
				s.mu.Unlock()
				s.resolve(op, Result{Err: ErrExpired}, "expired")
				continue
			}
			op.state = stateActive
			op.lastProgress = now
			s.active++
		}
		s.mu.Unlock()

		if op == nil {
			var timer *time.Timer
			var timerC <-chan time.Time
			if !readyAt.IsZero() {
				d := readyAt.Sub(now)
				if d < 10*time.Millisecond {
					d = 10 * time.Millisecond
				}
				timer = time.NewTimer(d)
				timerC = timer.C
			}
			select {
			case <-ctx.Done():
			case <-stopCh:
			case <-s.wake:
			case <-timerC:
			}
			if timer != nil {
				timer.Stop()
			}
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			default:
			}
			sent = 0
			continue
		}

		select {
		case dispatch <- op:
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		}

		sent++
		if sent >= s.cfg.BatchSize {
			sent = 0
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-time.After(s.cfg.BatchDelay):
			}
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, stopCh chan struct{}, dispatch <-chan *operation) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case op := <-dispatch:
			s.execute(ctx, op)
		}
	}
}

// execute runs one attempt: re-check the target's current state, consult
// the rate limiter without recording, then perform and record. A throttle
// requeues with backoff while the dedup key stays reserved.
func (s *Service) execute(ctx context.Context, op *operation) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.BaseTimeout)
	defer cancel()

	r := op.req
	var (
		action  string
		perform func(context.Context) error
	)

	switch r.Type {
	case OpEnforce:
		t, ch, err := s.states.EnforceState(attemptCtx, r.CommunityID, r.MemberID)
		if err != nil {
			s.finishAttempt(op, "", err)
			return
		}
		d := enforce.Decide(t, ch)
		if d.Action == enforce.ActionNone {
			s.resolve(op, Result{Skipped: true, Action: "none"}, "skipped")
			return
		}
		action = d.Action.String()
		reason := r.Reason
		if reason == "" && d.Group != "" {
			reason = "channel override: " + d.Group
		}
		switch d.Action {
		case enforce.ActionMute:
			perform = func(c context.Context) error {
				return s.client.SetMuted(c, r.CommunityID, r.MemberID, true, reason)
			}
		case enforce.ActionUnmute:
			perform = func(c context.Context) error {
				return s.client.SetMuted(c, r.CommunityID, r.MemberID, false, reason)
			}
		case enforce.ActionDisconnect:
			perform = func(c context.Context) error {
				return s.client.Disconnect(c, r.CommunityID, r.MemberID, reason)
			}
		}

	default:
		vs, err := s.client.VoiceState(attemptCtx, r.CommunityID, r.MemberID)
		if err != nil {
			s.finishAttempt(op, string(r.Type), err)
			return
		}
		action = string(r.Type)
		if !vs.InChannel() {
			s.resolve(op, Result{Skipped: true, Action: action}, "skipped")
			return
		}
		switch r.Type {
		case OpMute:
			if vs.Muted {
				s.resolve(op, Result{Skipped: true, Action: action}, "skipped")
				return
			}
			perform = func(c context.Context) error {
				return s.client.SetMuted(c, r.CommunityID, r.MemberID, true, r.Reason)
			}
		case OpUnmute:
			// Never lift a mute the bot did not apply.
			if !vs.Muted || !vs.MutedByBot {
				s.resolve(op, Result{Skipped: true, Action: action}, "skipped")
				return
			}
			perform = func(c context.Context) error {
				return s.client.SetMuted(c, r.CommunityID, r.MemberID, false, r.Reason)
			}
		case OpDisconnect:
			perform = func(c context.Context) error {
				return s.client.Disconnect(c, r.CommunityID, r.MemberID, r.Reason)
			}
		}
	}

	key := ratelimit.Key{Actor: r.CommunityID, Class: action}
	if s.limiter.WouldBeThrottled(attemptCtx, key) {
		s.requeue(op, action, s.limiter.RemainingWait(attemptCtx, key))
		return
	}

	// An attempt is a remote call: record exactly when one is made.
	s.limiter.Record(attemptCtx, key)
	if err := perform(attemptCtx); err != nil {
		s.finishAttempt(op, action, err)
		return
	}
	s.resolve(op, Result{OK: true, Action: action}, "executed")
}

// finishAttempt maps an attempt error onto the retry-state machine.
func (s *Service) finishAttempt(op *operation, action string, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		// Shutdown; the process is going away, leave the op unresolved.
		return
	case errors.Is(err, platform.ErrNotFound):
		// Target gone; the operation is moot, not failed.
		s.resolve(op, Result{Skipped: true, Action: action, Err: err}, "skipped")
	case errors.Is(err, platform.ErrMissingPermission):
		s.resolve(op, Result{Action: action, Err: err}, "failed")
	default:
		if after, ok := platform.IsRateLimited(err); ok {
			s.requeue(op, action, after)
			return
		}
		// Remote-transient (network, attempt timeout): the attempt fails.
		// Only rate-limit signals ride the requeue path; everything else is
		// logged and surfaced to the caller.
		s.resolve(op, Result{Action: action, Err: err}, "failed")
	}
}

// backoffDelay is (wait + buffer) doubled per prior retry, capped. The
// shift itself is bounded so a long-lived operation cannot overflow the
// multiplication before the cap applies.
func (s *Service) backoffDelay(wait time.Duration, retries int) time.Duration {
	shift := retries
	if shift > 8 {
		shift = 8
	}
	backoff := (wait + s.cfg.BackoffBuffer) * time.Duration(uint(1)<<uint(shift))
	if backoff > s.cfg.BackoffCap {
		backoff = s.cfg.BackoffCap
	}
	return backoff
}

// requeue puts the operation back into pending after the backoff delay.
// The dedup key stays reserved and the deadline stretches by the backoff so
// throttling never eats the TTL.
func (s *Service) requeue(op *operation, action string, wait time.Duration) {
	now := s.now()
	backoff := s.backoffDelay(wait, op.retries)

	s.mu.Lock()
	if !s.started || op.state == stateDone {
		s.mu.Unlock()
		return
	}
	if op.state == stateActive {
		s.active--
	}
	op.retries++
	op.state = statePending
	op.notBefore = now.Add(backoff)
	op.deadline = op.deadline.Add(backoff)
	op.lastProgress = now
	retries := op.retries
	s.insertLocked(op)
	s.mu.Unlock()

	s.throttled.Add(1)
	s.signal()
	s.publish(eventbus.TypeOpThrottled, OpEvent{
		ID: op.id, Key: op.key, Type: string(op.req.Type),
		Action: action, Retries: retries, Wait: backoff,
	})
	s.log.Debug("operation throttled",
		logx.String("id", op.id), logx.String("key", op.key),
		logx.String("action", action), logx.Int("retries", retries),
		logx.Duration("backoff", backoff))
}

// resolve finishes the operation exactly once: releases the dedup key,
// delivers the Result, bumps counters and history.
func (s *Service) resolve(op *operation, res Result, outcome string) {
	now := s.now()

	s.mu.Lock()
	if op.state == stateDone {
		s.mu.Unlock()
		return
	}
	if op.state == stateActive {
		s.active--
	}
	op.state = stateDone
	delete(s.keys, op.key)
	s.mu.Unlock()

	op.result <- res

	ev := OpEvent{ID: op.id, Key: op.key, Type: string(op.req.Type), Action: res.Action, Retries: op.retries}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	switch outcome {
	case "executed":
		s.executed.Add(1)
		s.publish(eventbus.TypeOpExecuted, ev)
	case "skipped":
		s.skipped.Add(1)
		s.publish(eventbus.TypeOpSkipped, ev)
	case "failed":
		s.failed.Add(1)
		s.publish(eventbus.TypeOpFailed, ev)
		s.log.Warn("operation failed",
			logx.String("id", op.id), logx.String("key", op.key), logx.Err(res.Err))
	case "expired":
		s.expired.Add(1)
		s.publish(eventbus.TypeOpExpired, ev)
		s.log.Warn("operation expired",
			logx.String("id", op.id), logx.String("key", op.key), logx.Int("retries", op.retries))
	}

	s.record(op, outcome, now)
	s.signal()
}

func (s *Service) gcLoop(ctx context.Context, stopCh chan struct{}) {
	t := time.NewTicker(s.cfg.GCInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-t.C:
			s.gcSweep()
		}
	}
}

// gcSweep expires pending operations whose reservation stopped making
// progress. Active operations are left alone; their attempt timeout bounds
// them.
func (s *Service) gcSweep() {
	now := s.now()
	var stale []*operation

	s.mu.Lock()
	for key, op := range s.keys {
		if op.state == stateDone {
			// resolve removes keys; finding one here means a missed release.
			delete(s.keys, key)
			continue
		}
		if op.state != statePending || now.Sub(op.lastProgress) <= s.cfg.StaleAfter {
			continue
		}
		for i, p := range s.pending {
			if p == op {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				break
			}
		}
		stale = append(stale, op)
	}
	s.mu.Unlock()

	for _, op := range stale {
		s.resolve(op, Result{Err: ErrExpired}, "expired")
	}
}
