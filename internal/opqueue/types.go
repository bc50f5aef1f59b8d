package opqueue

import (
	"context"
	"errors"
	"time"

	"rolewarden/internal/enforce"
)

var (
	ErrQueueFull = errors.New("opqueue: queue full")
	ErrDuplicate = errors.New("opqueue: duplicate operation pending")
	ErrStopped   = errors.New("opqueue: not running")
	ErrInvalid   = errors.New("opqueue: invalid request")
)

// OpType selects what the queued operation does to its target.
type OpType string

const (
	// OpEnforce re-evaluates the member's channel permissions and applies
	// whatever single action the decision engine picks.
	OpEnforce    OpType = "enforce"
	OpMute       OpType = "mute"
	OpUnmute     OpType = "unmute"
	OpDisconnect OpType = "disconnect"
)

func (t OpType) Valid() bool {
	switch t {
	case OpEnforce, OpMute, OpUnmute, OpDisconnect:
		return true
	}
	return false
}

// Request asks the queue to perform one operation against one member.
type Request struct {
	CommunityID string
	MemberID    string
	Type        OpType

	// GroupID and Reason are carried into platform calls and logs.
	GroupID string
	Reason  string

	// Priority orders the pending list when HasPriority is set; otherwise
	// the queue resolves a score through the tier resolver.
	Priority    int
	HasPriority bool
}

// Key is the dedup identity: one pending/active operation per
// community:member:type at a time.
func (r Request) Key() string {
	return r.CommunityID + ":" + r.MemberID + ":" + string(r.Type)
}

// Result is delivered exactly once on the channel Enqueue returns.
type Result struct {
	OK      bool
	Skipped bool
	// Action is the performed (or skipped) action name, useful for
	// OpEnforce where the decision engine picks it.
	Action string
	Err    error
}

// StateSource supplies the decision inputs for enforcement operations.
// The scheduler's platform layer implements it; tests use fakes.
type StateSource interface {
	EnforceState(ctx context.Context, communityID, memberID string) (enforce.Target, enforce.Channel, error)
}

// Config controls queue capacity, dispatch pacing and retry behavior.
type Config struct {
	// MaxPending caps pending+active operations; Enqueue past the cap
	// returns ErrQueueFull.
	MaxPending int
	// MaxActive is the worker pool size.
	MaxActive int
	// BatchSize operations are dispatched back to back, then the
	// coordinator sleeps BatchDelay before the next batch.
	BatchSize  int
	BatchDelay time.Duration

	// BaseTimeout bounds one execution attempt.
	BaseTimeout time.Duration
	// OpTTL bounds an operation's whole life; throttle waits extend it.
	OpTTL time.Duration

	// Throttle backoff: (remaining + BackoffBuffer) doubled per retry,
	// capped at BackoffCap.
	BackoffBuffer time.Duration
	BackoffCap    time.Duration

	// GC sweep cadence and the reservation staleness threshold.
	GCInterval time.Duration
	StaleAfter time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.MaxPending <= 0 {
		c.MaxPending = 10000
	}
	if c.MaxActive <= 0 {
		c.MaxActive = 25
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 50 * time.Millisecond
	}
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = 30 * time.Second
	}
	if c.OpTTL <= 0 {
		c.OpTTL = 10 * time.Minute
	}
	if c.BackoffBuffer <= 0 {
		c.BackoffBuffer = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 2 * time.Minute
	}
	if c.GCInterval <= 0 {
		c.GCInterval = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type opState int

const (
	statePending opState = iota
	stateActive
	stateDone
)

type operation struct {
	id       string
	req      Request
	key      string
	priority int
	seq      uint64

	enqueuedAt time.Time
	notBefore  time.Time
	deadline   time.Time
	// lastProgress moves on every dispatch and requeue; the GC sweep
	// expires reservations that stop moving.
	lastProgress time.Time

	retries int
	state   opState
	result  chan Result
}

// OpEvent is the payload of op.* events on the bus.
type OpEvent struct {
	ID      string        `json:"id"`
	Key     string        `json:"key"`
	Type    string        `json:"type"`
	Action  string        `json:"action,omitempty"`
	Retries int           `json:"retries"`
	Wait    time.Duration `json:"wait,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type HistoryItem struct {
	ID       string
	Key      string
	Enqueued time.Time
	Finished time.Time
	Retries  int
	Outcome  string // "executed", "skipped", "failed", "expired"
}

// Snapshot is a diagnostics view.
type Snapshot struct {
	Running bool
	Pending int
	Active  int
	Keys    int

	Enqueued  uint64
	Deduped   uint64
	Throttled uint64
	Executed  uint64
	Skipped   uint64
	Failed    uint64
	Expired   uint64

	History []HistoryItem
}
