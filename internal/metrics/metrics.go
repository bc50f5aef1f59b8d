// Package metrics exposes queue, scheduler and rate-limiter counters in
// Prometheus format, fed from the event bus so the core services carry no
// metrics dependency.
package metrics

import (
	"context"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rolewarden/internal/eventbus"
	rtsup "rolewarden/internal/runtime/supervisor"
	"rolewarden/internal/sched"
	logx "rolewarden/pkg/logx"
)

type Config struct {
	Enabled bool
	// Addr is the /metrics listen address, e.g. ":9090".
	Addr string
	// Pprof mounts the runtime profiling endpoints on the same listener.
	// Only bind a loopback address when this is on.
	Pprof bool
}

// QueueDepthFunc reports current pending/active operation counts.
type QueueDepthFunc func() (pending, active int)

type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	reg *prometheus.Registry

	ops       *prometheus.CounterVec
	batches   *prometheus.CounterVec
	members   *prometheus.CounterVec
	throttled prometheus.Counter

	mu     sync.Mutex
	sup    *rtsup.Supervisor
	unsub  func()
	server *http.Server
}

type Option func(*Service)

// WithQueueDepth registers pending/active gauges backed by the queue's
// snapshot.
func WithQueueDepth(fn QueueDepthFunc) Option {
	return func(s *Service) {
		if fn == nil {
			return
		}
		s.reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "rolewarden", Subsystem: "opqueue", Name: "pending",
				Help: "Operations waiting for dispatch.",
			}, func() float64 { p, _ := fn(); return float64(p) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "rolewarden", Subsystem: "opqueue", Name: "active",
				Help: "Operations currently executing.",
			}, func() float64 { _, a := fn(); return float64(a) }),
		)
	}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg: cfg,
		log: log,
		bus: bus,
		reg: prometheus.NewRegistry(),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rolewarden", Subsystem: "opqueue", Name: "operations_total",
			Help: "Operation lifecycle outcomes.",
		}, []string{"outcome"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rolewarden", Subsystem: "sched", Name: "batches_total",
			Help: "Executed schedule batches.",
		}, []string{"action", "kind"}),
		members: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rolewarden", Subsystem: "sched", Name: "members_total",
			Help: "Per-member outcomes across batches.",
		}, []string{"result"}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rolewarden", Subsystem: "ratelimit", Name: "throttle_hits_total",
			Help: "Operations delayed by the rate limiter.",
		}),
	}
	s.reg.MustRegister(s.ops, s.batches, s.members, s.throttled)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Registry exposes the registry so tests can scrape it directly.
func (s *Service) Registry() *prometheus.Registry { return s.reg }

// Start subscribes to the bus and, when an address is configured, serves
// /metrics. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.sup != nil {
		return
	}

	ch, unsub := s.bus.Subscribe(256)
	s.unsub = unsub
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "metrics"))))
	s.sup.GoRestart("events", func(c context.Context) error {
		s.loop(c, ch)
		return context.Canceled
	})

	if s.cfg.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
		if s.cfg.Pprof {
			mux.HandleFunc("/debug/pprof/", hpprof.Index)
			mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
			mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
			mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
			mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
		}
		s.server = &http.Server{Addr: s.cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		srv := s.server
		s.sup.Go("http", func(c context.Context) error {
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		s.log.Info("metrics server listening", logx.String("addr", s.cfg.Addr))
	}
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	unsub := s.unsub
	server := s.server
	s.sup = nil
	s.unsub = nil
	s.server = nil
	s.mu.Unlock()

	if server != nil {
		sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = server.Shutdown(sctx)
		cancel()
	}
	if unsub != nil {
		unsub()
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
}

func (s *Service) loop(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.observe(ev)
		}
	}
}

func (s *Service) observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeOpEnqueued:
		s.ops.WithLabelValues("enqueued").Inc()
	case eventbus.TypeOpDeduped:
		s.ops.WithLabelValues("deduped").Inc()
	case eventbus.TypeOpThrottled:
		s.ops.WithLabelValues("throttled").Inc()
		s.throttled.Inc()
	case eventbus.TypeOpExecuted:
		s.ops.WithLabelValues("executed").Inc()
	case eventbus.TypeOpSkipped:
		s.ops.WithLabelValues("skipped").Inc()
	case eventbus.TypeOpFailed:
		s.ops.WithLabelValues("failed").Inc()
	case eventbus.TypeOpExpired:
		s.ops.WithLabelValues("expired").Inc()

	case eventbus.TypeScheduleDone, eventbus.TypeRecurringHit:
		b, ok := ev.Data.(sched.BatchEvent)
		if !ok {
			return
		}
		kind := "one_time"
		if b.Recurring {
			kind = "recurring"
		}
		s.batches.WithLabelValues(b.Action, kind).Inc()
		s.members.WithLabelValues("succeeded").Add(float64(b.Succeeded))
		s.members.WithLabelValues("failed").Add(float64(b.Failed))
	}
}
