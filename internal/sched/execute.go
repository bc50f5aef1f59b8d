package sched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"rolewarden/internal/opqueue"
	"rolewarden/internal/platform"
	"rolewarden/internal/store"
	logx "rolewarden/pkg/logx"
)

// applyChange performs one schedule's membership mutation: diff against
// current membership, push the needed ops in bulk, then hand voice
// follow-ups for changed members to the operation queue. The returned error
// is non-nil only when the schedule can never execute (group gone); partial
// member failures are reported in the result, not the error.
func (s *Service) applyChange(ctx context.Context, communityID, groupID string, memberIDs []string, action store.Action, reason string) (platform.BulkResult, int, error) {
	var res platform.BulkResult

	if _, err := s.client.ResolveGroup(ctx, communityID, groupID); err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return res, 0, fmt.Errorf("group %s: %w", groupID, err)
		}
		return res, 0, err
	}

	// Diff first: members already in the desired state are not touched and
	// get no voice follow-up.
	var ops []platform.GroupOp
	for _, memberID := range memberIDs {
		m, err := s.client.ResolveMember(ctx, communityID, memberID)
		if err != nil {
			if errors.Is(err, platform.ErrNotFound) {
				// Left the community; not a batch failure.
				s.log.Debug("member gone, skipping",
					logx.String("community", communityID), logx.String("member", memberID))
				continue
			}
			res.Failed = append(res.Failed, memberID)
			continue
		}
		has := m.HasGroup(groupID)
		if (action == store.ActionAssign && has) || (action == store.ActionRemove && !has) {
			continue
		}
		ops = append(ops, platform.GroupOp{CommunityID: communityID, MemberID: memberID, GroupID: groupID})
	}
	if len(ops) == 0 {
		return res, 0, nil
	}

	bulkRes, err := s.executeBulk(ctx, action, ops, reason)
	if err != nil {
		// Whole-call failure: every op in it failed.
		s.log.Warn("bulk membership call failed",
			logx.String("community", communityID), logx.String("group", groupID),
			logx.Int("ops", len(ops)), logx.Err(err))
		for _, op := range ops {
			res.Failed = append(res.Failed, op.MemberID)
		}
		return res, 0, nil
	}
	res.Succeeded = append(res.Succeeded, bulkRes.Succeeded...)
	res.Failed = append(res.Failed, bulkRes.Failed...)

	enforced := s.enqueueVoiceFollowups(ctx, communityID, groupID, bulkRes.Succeeded, reason)
	return res, enforced, nil
}

func (s *Service) executeBulk(ctx context.Context, action store.Action, ops []platform.GroupOp, reason string) (platform.BulkResult, error) {
	if len(ops) > s.cfg.BulkThreshold {
		return s.bulker.Execute(ctx, action, ops, reason)
	}
	if action == store.ActionAssign {
		return s.bulk.BulkAssignGroup(ctx, ops, reason)
	}
	return s.bulk.BulkRemoveGroup(ctx, ops, reason)
}

// enqueueVoiceFollowups asks the operation queue to re-evaluate voice
// permissions for every changed member who is live in a channel right now.
// Duplicates are expected when several schedules touch the same member in
// one poll; the queue's dedup absorbs them.
func (s *Service) enqueueVoiceFollowups(ctx context.Context, communityID, groupID string, memberIDs []string, reason string) int {
	enforced := 0
	for _, memberID := range memberIDs {
		vs, err := s.client.VoiceState(ctx, communityID, memberID)
		if err != nil || !vs.InChannel() {
			continue
		}
		_, err = s.queue.Enqueue(ctx, opqueue.Request{
			CommunityID: communityID,
			MemberID:    memberID,
			Type:        opqueue.OpEnforce,
			GroupID:     groupID,
			Reason:      reason,
		})
		switch {
		case err == nil:
			enforced++
		case errors.Is(err, opqueue.ErrDuplicate):
			// Already queued for this member; the pending op will see the
			// new membership when it runs.
		default:
			s.log.Warn("voice follow-up rejected",
				logx.String("community", communityID), logx.String("member", memberID), logx.Err(err))
		}
	}
	return enforced
}

// chunkedExecutor is the default BulkExecutor for diffs over the bulk
// threshold: fixed-size chunks paced by a token bucket so a huge schedule
// cannot saturate the platform API.
type chunkedExecutor struct {
	bulk    platform.BulkClient
	chunk   int
	limiter *rate.Limiter
	log     logx.Logger
}

func newChunkedExecutor(bulk platform.BulkClient, chunk int, log logx.Logger) *chunkedExecutor {
	if chunk <= 0 {
		chunk = 50
	}
	return &chunkedExecutor{
		bulk:    bulk,
		chunk:   chunk,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		log:     log,
	}
}

func (e *chunkedExecutor) Execute(ctx context.Context, action store.Action, ops []platform.GroupOp, reason string) (platform.BulkResult, error) {
	var res platform.BulkResult
	for start := 0; start < len(ops); start += e.chunk {
		end := start + e.chunk
		if end > len(ops) {
			end = len(ops)
		}
		chunk := ops[start:end]

		if err := e.limiter.Wait(ctx); err != nil {
			for _, op := range ops[start:] {
				res.Failed = append(res.Failed, op.MemberID)
			}
			return res, nil
		}

		var (
			r   platform.BulkResult
			err error
		)
		if action == store.ActionAssign {
			r, err = e.bulk.BulkAssignGroup(ctx, chunk, reason)
		} else {
			r, err = e.bulk.BulkRemoveGroup(ctx, chunk, reason)
		}
		if err != nil {
			e.log.Warn("bulk chunk failed", logx.Int("size", len(chunk)), logx.Err(err))
			for _, op := range chunk {
				res.Failed = append(res.Failed, op.MemberID)
			}
			continue
		}
		res.Succeeded = append(res.Succeeded, r.Succeeded...)
		res.Failed = append(res.Failed, r.Failed...)
	}
	return res, nil
}
