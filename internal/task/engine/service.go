package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"claimbot/internal/eventbus"
	logx "claimbot/pkg/logx"

	rtsup "claimbot/internal/runtime/supervisor"
)

const warnThrottleEvery = 5 * time.Second

// Observer receives per-task outcomes. *metrics.Metrics implements it.
type Observer interface {
	ObserveTask(name, outcome string, queueDelay, took time.Duration)
}

// Task outcomes reported to the Observer.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
	OutcomeDropped = "dropped"
)

const (
	dropQueueFull = "queue_full"
	dropStale     = "stale_queue_delay"
	dropStopped   = "pool_stopped"
)

type Option func(*Service)

func WithObserver(o Observer) Option { return func(s *Service) { s.obs = o } }

// Service runs queued tasks on a fixed worker pool. Enqueue never blocks.
type Service struct {
	mu  sync.Mutex
	cfg Config
	run *engineRun // nil while stopped

	log logx.Logger
	bus eventbus.Bus
	obs Observer

	inFlight atomic.Int32
	seq      atomic.Uint64
	dropped  atomic.Uint64
	drops    map[string]*dropCounter

	states  sync.Map // task name -> *RunState
	history taskHistory
}

// engineRun is one Start..Stop lifetime of the worker pool.
type engineRun struct {
	queue chan queuedTask
	stop  chan struct{}
	done  chan struct{} // set once Stop begins, closed when workers are gone
	sup   *rtsup.Supervisor
}

type queuedTask struct {
	task Task

	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions

	state *RunState
	track bool
}

type dropCounter struct {
	n        atomic.Uint64
	lastWarn atomic.Int64
}

// warnDue lets one warning through per warnThrottleEvery.
func (d *dropCounter) warnDue(now time.Time) bool {
	prev := d.lastWarn.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return false
	}
	return d.lastWarn.CompareAndSwap(prev, now.UnixNano())
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg: cfg.withDefaults(),
		log: log,
		bus: bus,
		drops: map[string]*dropCounter{
			dropQueueFull: {},
			dropStale:     {},
			dropStopped:   {},
		},
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

// Apply swaps the config. A running pool is rebuilt when its size changes;
// queued tasks of the old pool are discarded.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.run != nil && s.run.done == nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is a no-op when disabled or already running,
// and waits for a stop in progress to finish first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.run != nil {
		done := s.run.done
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}
	r := &engineRun{
		queue: make(chan queuedTask, cfg.QueueSize),
		stop:  make(chan struct{}),
		sup: rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))),
			// a dying worker is restarted, never fatal to the app
			rtsup.WithCancelOnError(false),
		),
	}
	s.run = r
	s.inFlight.Store(0)
	s.mu.Unlock()

	for i := range cfg.Workers {
		r.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, r, i)
			select {
			case <-r.stop:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop signals the workers and waits for them, bounded by ctx. Running tasks
// see their context canceled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	r := s.run
	if r == nil {
		s.mu.Unlock()
		return
	}
	first := r.done == nil
	if first {
		r.done = make(chan struct{})
		close(r.stop)
	}
	done := r.done
	s.mu.Unlock()

	if first {
		r.sup.Cancel()
		go func() {
			_ = r.sup.Wait(context.Background())
			s.discard(r)
			s.mu.Lock()
			if s.run == r {
				s.run = nil
			}
			s.mu.Unlock()
			s.inFlight.Store(0)
			close(done)
		}()
	}

	select {
	case <-done:
		if first {
			s.log.Info("task engine stopped")
		}
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue hands t to a worker without blocking. A full queue drops the task
// with ErrQueueFull; the next tick of a periodic sweep is the retry.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.seq.Add(1))
	}

	// the send happens under mu so Stop never drains a queue that is still
	// being filled
	s.mu.Lock()
	cfg, r := s.cfg, s.run
	switch {
	case !cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case r == nil:
		s.mu.Unlock()
		return ErrStopped
	case r.done != nil:
		s.mu.Unlock()
		return ErrStopping
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: t.Timeout, opt: t.Opt.withDefaults(cfg), state: t.State}
	if qt.timeout <= 0 {
		qt.timeout = cfg.DefaultTimeout
	}
	if qt.state == nil {
		st, _ := s.states.LoadOrStore(t.Name, &RunState{})
		qt.state = st.(*RunState)
	}

	qt.track = qt.opt.Overlap == OverlapSkipIfRunning
	if qt.track && !qt.state.tryAcquire() {
		s.mu.Unlock()
		s.publish(eventbus.TaskSkipped, now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
		s.observe(t.Name, OutcomeSkipped, 0, 0)
		s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
		return ErrOverlapSkip
	}

	select {
	case r.queue <- qt:
		s.mu.Unlock()
		return nil
	default:
		if qt.track {
			qt.state.release()
		}
		s.mu.Unlock()
		s.drop(now, t, dropQueueFull, 0, logx.Int("queue_len", len(r.queue)), logx.Int("queue_cap", cap(r.queue)))
		return ErrQueueFull
	}
}

// discard empties the queue of a stopped pool. Tasks that never ran give
// their overlap slot back; otherwise the next tick of the same task would be
// skipped for the rest of the process.
func (s *Service) discard(r *engineRun) {
	now := time.Now()
	for {
		select {
		case qt := <-r.queue:
			if qt.track {
				qt.state.release()
			}
			s.drop(now, qt.task, dropStopped, max(now.Sub(qt.enqueuedAt), 0))
		default:
			return
		}
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, r := s.cfg, s.run
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Dropped:          s.dropped.Load(),
		DroppedQueueFull: s.drops[dropQueueFull].n.Load(),
		DroppedStale:     s.drops[dropStale].n.Load(),
		DroppedStopped:   s.drops[dropStopped].n.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
		History:          s.history.list(),
	}
	if r != nil {
		snap.QueueLen, snap.QueueCap = len(r.queue), cap(r.queue)
		snap.Pool = r.sup.Counters()
	}
	return snap
}

func (s *Service) publish(typ string, at time.Time, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
	}
}

func (s *Service) observe(name, outcome string, queueDelay, took time.Duration) {
	if s.obs != nil {
		s.obs.ObserveTask(name, outcome, queueDelay, took)
	}
}

// drop accounts a task that never ran. Warnings are throttled per reason.
func (s *Service) drop(now time.Time, t Task, reason string, queueDelay time.Duration, fields ...logx.Field) {
	s.dropped.Add(1)
	dc := s.drops[reason]
	n := dc.n.Add(1)
	s.publish(eventbus.TaskDropped, now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: reason})
	s.observe(t.Name, OutcomeDropped, queueDelay, 0)

	if dc.warnDue(now) {
		base := []logx.Field{
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.String("reason", reason),
			logx.Uint64("dropped", n),
		}
		s.log.Warn("task dropped", append(base, fields...)...)
	}
}

// taskHistory keeps the most recent finished or dropped tasks.
type taskHistory struct {
	mu    sync.Mutex
	items []HistoryItem
}

func (h *taskHistory) add(item HistoryItem, limit int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, item)
	if over := len(h.items) - limit; limit > 0 && over > 0 {
		h.items = append(h.items[:0:0], h.items[over:]...)
	}
}

func (h *taskHistory) list() []HistoryItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryItem(nil), h.items...)
}
