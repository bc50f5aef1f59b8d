package notifier

import (
	"time"

	"rolewarden/internal/ops"
)

// Config controls the async operator-notification pipeline.
type Config struct {
	Enabled    bool
	Workers    int
	QueueSize  int
	RatePerSec int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// DedupWindow suppresses identical messages; 0 disables.
	DedupWindow     time.Duration
	DedupMaxEntries int

	// Target is the operator chat batch reports go to.
	Target ops.ChatTarget
}

// Notification is one message for the operator chat.
type Notification struct {
	Target   ops.ChatTarget
	Text     string
	Priority int
	Options  ops.SendOptions
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// NotificationEvent is emitted on the event bus for notifier lifecycle
// events.
type NotificationEvent struct {
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
