// Package app wires the configuration, storage, rate limiter, operation
// queue, scheduler, notifier and metrics services into one process and owns
// their lifecycle, including config hot-reload.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"rolewarden/internal/config"
	"rolewarden/internal/eventbus"
	"rolewarden/internal/metrics"
	"rolewarden/internal/notifier"
	"rolewarden/internal/opqueue"
	"rolewarden/internal/ops"
	"rolewarden/internal/ops/telegram"
	"rolewarden/internal/ratelimit"
	rtsup "rolewarden/internal/runtime/supervisor"
	"rolewarden/internal/sched"
	"rolewarden/internal/store"
	"rolewarden/internal/tier"
	logx "rolewarden/pkg/logx"
)

const (
	rateSweepInterval = 5 * time.Minute
	rateSweepIdleTTL  = 30 * time.Minute
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	adapter ops.Adapter
	store   store.Store
	rdb     *redis.Client
	memWin  *ratelimit.MemoryStore

	limiter  *ratelimit.Limiter
	tiers    *tier.Resolver
	queue    *opqueue.Service
	sched    *sched.Service
	notif    *notifier.Service
	reporter *notifier.Reporter
	metrics  *metrics.Service
}

func NewApp(cfgPath string, deps Deps) (*App, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Operator-chat adapter
	ad := deps.Adapter
	if ad == nil {
		timeout, err := config.ParseDurationOrDefault("telegram.client_timeout", cfg.Telegram.ClientTimeout, 0)
		if err != nil {
			return nil, err
		}
		ad = telegram.New(telegram.Config{
			Token:         cfg.Telegram.Token,
			ClientTimeout: timeout,
		}, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	}

	// logx.New applies the config immediately. The ops sink would warn
	// about a missing target at that point, so bootstrap with it disabled,
	// set the target, then Apply the real config.
	logSvc, log := logx.New(mapLogx(cfg, false), ad)
	log = log.With(logx.String("comp", "app"))
	logSvc.SetOpsTarget(cfg.Telegram.AlertChatID, cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(mapLogx(cfg, cfg.Logging.Telegram.Enabled))

	bus := eventbus.New()

	stCfg, err := mapStore(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.OpenSQLite(stCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	tiers := tier.NewResolver(deps.Tiers, log.With(logx.String("comp", "tier")))

	rlCfg, err := mapRateLimit(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	var (
		win ratelimit.WindowStore
		rdb *redis.Client
		mem *ratelimit.MemoryStore
	)
	if rc := cfg.RateLimit.Redis; rc != nil {
		rdb = redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		var rsOpts []ratelimit.RedisOption
		if rc.Prefix != "" {
			rsOpts = append(rsOpts, ratelimit.WithPrefix(rc.Prefix))
		}
		win = ratelimit.NewRedisStore(rdb, rsOpts...)
		log.Info("rate-limit windows in redis", logx.String("addr", rc.Addr))
	} else {
		mem = ratelimit.NewMemoryStore()
		win = mem
	}
	limiter := ratelimit.New(rlCfg, win, log.With(logx.String("comp", "ratelimit")),
		ratelimit.WithTierMultiplier(func(actor string) float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return tierMultiplier(tiers.MemberScore(ctx, actor))
		}))

	qCfg, err := mapQueue(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	queue := opqueue.New(qCfg, deps.Client, deps.States, limiter, tiers,
		log.With(logx.String("comp", "opqueue")), bus)

	scCfg, err := mapSched(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	schedSvc := sched.New(scCfg, st, deps.Client, deps.Bulk, queue, tiers,
		log.With(logx.String("comp", "sched")), bus)

	nCfg, err := mapNotifier(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	notif := notifier.New(nCfg, ad, log.With(logx.String("comp", "notifier")), bus)
	reporter := notifier.NewReporter(notif, bus, log)

	metricsSvc := metrics.New(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Addr:    cfg.Metrics.Addr,
		Pprof:   cfg.Metrics.Pprof,
	}, log.With(logx.String("comp", "metrics")), bus,
		metrics.WithQueueDepth(func() (int, int) {
			sn := queue.Snapshot()
			return sn.Pending, sn.Active
		}))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		adapter:  ad,
		store:    st,
		rdb:      rdb,
		memWin:   mem,
		limiter:  limiter,
		tiers:    tiers,
		queue:    queue,
		sched:    schedSvc,
		notif:    notif,
		reporter: reporter,
		metrics:  metricsSvc,
	}, nil
}

// Queue exposes the operation queue for event handlers outside the app.
func (a *App) Queue() *opqueue.Service { return a.queue }

// Scheduler exposes the schedule service for the command layer.
func (a *App) Scheduler() *sched.Service { return a.sched }

// Store exposes schedule persistence for the command layer.
func (a *App) Store() store.Store { return a.store }

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error the supervisor observed, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional reload: the watcher validates before commit/publish, so
	// a bad edit never reaches the services.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStore(cfg); err != nil {
			return err
		}
		if _, err := mapQueue(cfg); err != nil {
			return err
		}
		if _, err := mapSched(cfg); err != nil {
			return err
		}
		if _, err := mapRateLimit(cfg); err != nil {
			return err
		}
		if _, err := mapNotifier(cfg); err != nil {
			return err
		}
		if cfg.Scheduler.PriorityMemberSample < 0 || cfg.Scheduler.PriorityJobSample < 0 {
			return fmt.Errorf("scheduler priority samples must be >= 0")
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("adapter start: %w", err)
	}

	cfg := a.cfgm.Get()

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.reporter.Start(a.sup.Context())
	a.queue.Start(a.sup.Context())
	if cfg.Scheduler.Enabled {
		a.sched.Start(a.sup.Context())
	}
	a.metrics.Start(a.sup.Context())

	if a.memWin != nil {
		a.sup.Go0("ratelimit.sweep", func(c context.Context) {
			t := time.NewTicker(rateSweepInterval)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return
				case now := <-t.C:
					a.memWin.Sweep(now, rateSweepIdleTTL)
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the newest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload fans a committed config change out to the live services.
// Logging and the notifier apply in place; storage, queue, rate-limit and
// scheduler topology changes need a restart and are only logged.
func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, no effective changes")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "storage", "queue", "rate_limit", "telegram", "metrics":
			a.log.Warn("config section needs a restart to take effect", logx.String("section", s))
		}
	}

	// Target first so Apply never warns about an enabled sink without one.
	a.logs.SetOpsTarget(newCfg.Telegram.AlertChatID, newCfg.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogx(newCfg, newCfg.Logging.Telegram.Enabled))

	if nCfg, err := mapNotifier(newCfg); err == nil {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(nCfg)
		switch {
		case wasEnabled && !nCfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && nCfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	// Scheduler poll cadence is fixed at start; only the enable flag is
	// honored live.
	wasSched := oldCfg != nil && oldCfg.Scheduler.Enabled
	nowSched := newCfg.Scheduler.Enabled
	switch {
	case wasSched && !nowSched:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !wasSched && nowSched:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("opqueue", 5*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	step("reporter", 2*time.Second, func(c context.Context) error { a.reporter.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("metrics", 3*time.Second, func(c context.Context) error { a.metrics.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("store", 1*time.Second, func(context.Context) error { return a.store.Close() })
	if a.rdb != nil {
		step("redis", 1*time.Second, func(context.Context) error { return a.rdb.Close() })
	}
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
