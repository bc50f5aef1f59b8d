// Package telegram is the Telegram implementation of the operator-alert
// transport. It only sends; the bot never polls for updates.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"rolewarden/internal/ops"
	logx "rolewarden/pkg/logx"
)

// Telegram rejects messages over 4096 chars; stay under with headroom.
const maxMessageLen = 4000

type Config struct {
	Token string
	// ClientTimeout bounds each API call.
	ClientTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	bot     *tele.Bot
	running bool
}

func New(cfg Config, log logx.Logger) *Adapter {
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log}
}

// Start validates the token against the API. Idempotent.
func (a *Adapter) Start(ctx context.Context) error {
	_ = ctx
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	if strings.TrimSpace(a.cfg.Token) == "" {
		return errors.New("telegram: token is required")
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:   a.cfg.Token,
		Offline: false,
	})
	if err != nil {
		return err
	}
	a.bot = bot
	a.running = true
	a.log.Info("telegram adapter ready", logx.String("bot", bot.Me.Username))
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	_ = ctx
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bot = nil
	a.running = false
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to ops.ChatTarget, text string, opt *ops.SendOptions) error {
	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	if bot == nil {
		return errors.New("telegram: adapter not started")
	}
	if to.ChatID == 0 {
		return errors.New("telegram: chat id is required")
	}

	sendOpt := &tele.SendOptions{
		ThreadID:              to.ThreadID,
		DisableWebPagePreview: true,
	}
	if opt != nil {
		sendOpt.DisableNotification = opt.Silent
		sendOpt.DisableWebPagePreview = opt.DisablePreview || sendOpt.DisableWebPagePreview
	}

	chat := &tele.Chat{ID: to.ChatID}
	for _, chunk := range splitText(text, maxMessageLen) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := bot.Send(chat, chunk, sendOpt); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts on line boundaries where possible so multi-line reports
// stay readable across chunks.
func splitText(s string, limit int) []string {
	if len(s) <= limit {
		return []string{s}
	}
	var out []string
	for len(s) > limit {
		cut := strings.LastIndexByte(s[:limit], '\n')
		if cut <= 0 {
			cut = limit
		}
		out = append(out, s[:cut])
		s = strings.TrimLeft(s[cut:], "\n")
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
