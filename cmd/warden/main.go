package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"rolewarden/internal/app"
	"rolewarden/internal/ops"
	"rolewarden/internal/platform"
	"rolewarden/internal/platform/memory"
	logx "rolewarden/pkg/logx"
)

func main() {
	var (
		cfgPath string
		dryRun  bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.BoolVar(&dryRun, "dry-run", false, "log operator messages to stdout instead of Telegram")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// TODO: swap the in-process platform client for the real SDK binding
	// once one lands; everything downstream only sees the interfaces.
	client := memory.New()

	deps := app.Deps{
		Client: client,
		States: platform.NewStateResolver(client, client),
	}
	if dryRun {
		deps.Adapter = &consoleAdapter{log: logx.NewConsole("INFO").With(logx.String("comp", "console"))}
	}

	a, err := app.NewApp(cfgPath, deps)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background())
		os.Exit(1)
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go func() {
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
		if err := a.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx)
}

// consoleAdapter satisfies ops.Adapter for dry runs: operator messages go
// to the process log instead of a chat.
type consoleAdapter struct {
	log logx.Logger
}

func (c *consoleAdapter) Start(context.Context) error { return nil }
func (c *consoleAdapter) Stop(context.Context) error  { return nil }

func (c *consoleAdapter) SendText(_ context.Context, to ops.ChatTarget, text string, _ *ops.SendOptions) error {
	c.log.Info("operator message", logx.Int64("chat", to.ChatID), logx.String("text", text))
	return nil
}
