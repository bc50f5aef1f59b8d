// Package opqueue serializes voice-enforcement work behind a priority
// queue: one pending operation per community:member:type, dispatched in
// small batches through a bounded worker pool, throttled against the
// shared rate limiter and retried with exponential backoff.
package opqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rolewarden/internal/eventbus"
	"rolewarden/internal/platform"
	"rolewarden/internal/ratelimit"
	rtsup "rolewarden/internal/runtime/supervisor"
	"rolewarden/internal/tier"
	logx "rolewarden/pkg/logx"
)

type Service struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	client  platform.Client
	states  StateSource
	limiter *ratelimit.Limiter
	tiers   *tier.Resolver
	now     func() time.Time

	mu      sync.Mutex
	pending []*operation // ordered (priority desc, seq asc)
	keys    map[string]*operation
	active  int
	seq     uint64
	wake    chan struct{}

	sup     *rtsup.Supervisor
	stopCh  chan struct{}
	started bool

	enqueued  atomic.Uint64
	deduped   atomic.Uint64
	throttled atomic.Uint64
	executed  atomic.Uint64
	skipped   atomic.Uint64
	failed    atomic.Uint64
	expired   atomic.Uint64

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

func New(cfg Config, client platform.Client, states StateSource, limiter *ratelimit.Limiter, tiers *tier.Resolver, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		client:  client,
		states:  states,
		limiter: limiter,
		tiers:   tiers,
		now:     time.Now,
		keys:    map[string]*operation{},
		wake:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "opqueue"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	workers := s.cfg.MaxActive
	s.mu.Unlock()

	dispatch := make(chan *operation)

	sup.GoRestart("coordinator", func(c context.Context) error {
		s.coordinate(c, stopCh, dispatch)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("coordinator exited unexpectedly")
	})

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, stopCh, dispatch)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	sup.GoRestart("gc", func(c context.Context) error {
		s.gcLoop(c, stopCh)
		return context.Canceled
	})

	s.log.Info("operation queue started",
		logx.Int("max_pending", s.cfg.MaxPending),
		logx.Int("max_active", s.cfg.MaxActive),
		logx.Int("batch", s.cfg.BatchSize))
}

// Stop drains nothing: pending operations receive no result and their
// reservations die with the process. Stop is idempotent.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	s.log.Info("operation queue stopped")
}

// Enqueue registers one operation and returns the channel its Result will
// arrive on. Rejections are synchronous: ErrDuplicate while an operation
// with the same key is pending or active, ErrQueueFull past capacity.
func (s *Service) Enqueue(ctx context.Context, req Request) (<-chan Result, error) {
	if !req.Type.Valid() || req.CommunityID == "" || req.MemberID == "" {
		return nil, ErrInvalid
	}

	priority := req.Priority
	if !req.HasPriority {
		priority = s.tiers.MemberScore(ctx, req.MemberID)
	}

	now := s.now()
	key := req.Key()

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if _, dup := s.keys[key]; dup {
		s.mu.Unlock()
		s.deduped.Add(1)
		s.publish(eventbus.TypeOpDeduped, OpEvent{Key: key, Type: string(req.Type)})
		return nil, ErrDuplicate
	}
	if len(s.pending)+s.active >= s.cfg.MaxPending {
		s.mu.Unlock()
		s.publish(eventbus.TypeOpFailed, OpEvent{Key: key, Type: string(req.Type), Error: "queue_full"})
		s.log.Warn("operation rejected: queue full", logx.String("key", key))
		return nil, ErrQueueFull
	}

	s.seq++
	op := &operation{
		id:           uuid.NewString(),
		req:          req,
		key:          key,
		priority:     priority,
		seq:          s.seq,
		enqueuedAt:   now,
		notBefore:    now,
		deadline:     now.Add(s.cfg.OpTTL),
		lastProgress: now,
		result:       make(chan Result, 1),
	}
	s.keys[key] = op
	s.insertLocked(op)
	s.mu.Unlock()

	s.enqueued.Add(1)
	s.signal()
	s.publish(eventbus.TypeOpEnqueued, OpEvent{ID: op.id, Key: key, Type: string(req.Type)})
	s.log.Debug("operation enqueued",
		logx.String("id", op.id), logx.String("key", key), logx.Int("priority", priority))
	return op.result, nil
}

// insertLocked keeps pending ordered by (priority desc, seq asc).
func (s *Service) insertLocked(op *operation) {
	i := sort.Search(len(s.pending), func(i int) bool {
		p := s.pending[i]
		if p.priority != op.priority {
			return p.priority < op.priority
		}
		return p.seq > op.seq
	})
	s.pending = append(s.pending, nil)
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = op
}

// nextLocked pops the best ready operation, or returns the time the
// earliest not-yet-ready one becomes ready.
func (s *Service) nextLocked(now time.Time) (*operation, time.Time) {
	var earliest time.Time
	for i, op := range s.pending {
		if op.notBefore.After(now) {
			if earliest.IsZero() || op.notBefore.Before(earliest) {
				earliest = op.notBefore
			}
			continue
		}
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		return op, earliest
	}
	return nil, earliest
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) publish(typ string, ev OpEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
	}
}

func (s *Service) record(op *operation, outcome string, finished time.Time) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{
		ID:       op.id,
		Key:      op.key,
		Enqueued: op.enqueuedAt,
		Finished: finished,
		Retries:  op.retries,
		Outcome:  outcome,
	})
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.started
	pending := len(s.pending)
	active := s.active
	keys := len(s.keys)
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:   running,
		Pending:   pending,
		Active:    active,
		Keys:      keys,
		Enqueued:  s.enqueued.Load(),
		Deduped:   s.deduped.Load(),
		Throttled: s.throttled.Load(),
		Executed:  s.executed.Load(),
		Skipped:   s.skipped.Load(),
		Failed:    s.failed.Load(),
		Expired:   s.expired.Load(),
		History:   h,
	}
}
