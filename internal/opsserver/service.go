package opsserver

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"claimbot/internal/eventbus"
	"claimbot/internal/metrics"
	rtsup "claimbot/internal/runtime/supervisor"
	"claimbot/internal/storage"
	logx "claimbot/pkg/logx"
)

var ginMode sync.Once

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Service is the optional ops HTTP server. Its failures are logged and
// retried, never propagated to the app.
type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	run *serverRun // nil while stopped

	store    storage.Store
	sweeper  Sweeper
	metrics  *metrics.Metrics
	bus      eventbus.Bus
	ring     *eventRing
	taskView TaskView
	triggers TriggerView

	now     func() time.Time
	started time.Time
}

// serverRun is one Start..Stop lifetime of the server.
type serverRun struct {
	sup      *rtsup.Supervisor
	stopping chan struct{} // set once Stop begins, closed when it is done
	listener *listener     // current bind; nil between restarts
}

type Option func(*Service)

// WithTasks adds GET /api/v1/tasks backed by v.
func WithTasks(v TaskView) Option { return func(s *Service) { s.taskView = v } }

// WithTriggers adds the scheduler's triggers to GET /api/v1/schedule.
func WithTriggers(v TriggerView) Option { return func(s *Service) { s.triggers = v } }

func New(cfg Config, store storage.Store, sweeper Sweeper, m *metrics.Metrics, bus eventbus.Bus, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	ginMode.Do(func() { gin.SetMode(gin.ReleaseMode) })
	now := time.Now()
	s := &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "ops")),
		store:   store,
		sweeper: sweeper,
		metrics: m,
		bus:     bus,
		ring:    newEventRing(128),
		now:     time.Now,
		started: now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Running reports whether a server lifetime is active, including one that
// is still binding or restarting.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

// Reconfigure applies cfg and starts, stops or restarts the server as
// needed. Safe to call during hot-reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev, running := s.cfg, s.run != nil
	s.cfg = cfg
	s.mu.Unlock()

	if running && (!cfg.Enabled || prev != cfg) {
		s.Stop(ctx)
	}
	if cfg.Enabled {
		s.Start(ctx)
	}
}

// Start is idempotent and waits out a Stop in progress. The HTTP server runs
// under a restart loop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	for s.run != nil && s.run.stopping != nil {
		done := s.run.stopping
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.run != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	r := &serverRun{sup: rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))}
	s.run = r
	s.mu.Unlock()

	if s.bus != nil {
		r.sup.Go0("ops.events", func(c context.Context) { s.ring.follow(c, s.bus) })
	}
	r.sup.GoRestart("ops.serve", func(c context.Context) error { return s.serve(c, r) },
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

// Stop shuts the server down, bounded by ctx. The teardown continues in the
// background when ctx ends first.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	r := s.run
	if r == nil {
		s.mu.Unlock()
		return
	}
	first := r.stopping == nil
	if first {
		r.stopping = make(chan struct{})
	}
	done, l := r.stopping, r.listener
	s.mu.Unlock()

	if first {
		go func() {
			defer close(done)
			if l != nil {
				l.shutdown(ctx)
			}
			r.sup.Cancel()
			_ = r.sup.Wait(context.Background())
			s.mu.Lock()
			if s.run == r {
				s.run = nil
			}
			s.mu.Unlock()
			s.log.Info("ops server stopped")
		}()
	}

	select {
	case <-done:
	case <-ctx.Done():
		r.sup.Cancel()
	}
}

// Addr is the bound listen address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil || s.run.listener == nil {
		return ""
	}
	return s.run.listener.ln.Addr().String()
}
