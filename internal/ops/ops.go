// Package ops defines the operator-alert transport consumed by logging and
// the notifier. The concrete Telegram implementation lives in ops/telegram.
package ops

import "context"

// ChatTarget identifies the operator chat (and optional forum thread) that
// receives alerts.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// SendOptions tweaks delivery of a single message.
type SendOptions struct {
	Silent         bool
	DisablePreview bool
}

// Adapter is the narrow surface the rest of the bot needs from the operator
// channel. Implementations must be safe for concurrent use.
type Adapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}
