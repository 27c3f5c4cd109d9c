package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "claimbot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDisabledEngineRejects(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("got %v, want ErrDisabled", err)
	}
}

func TestOverlapSkipWhileRunning(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2})

	release := make(chan struct{})
	var runs atomic.Int32
	job := func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}
	st := &RunState{}
	opt := TaskOptions{Overlap: OverlapSkipIfRunning}
	if err := s.Enqueue(Task{Name: "sweep", Run: job, Opt: opt, State: st}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return runs.Load() == 1 })
	if !st.Busy() {
		t.Fatal("state should be busy while running")
	}
	if err := s.Enqueue(Task{Name: "sweep", Run: job, Opt: opt, State: st}); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("got %v, want ErrOverlapSkip", err)
	}
	close(release)
	waitFor(t, func() bool { return !st.Busy() })
}

func TestRetryThenSuccess(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	var calls atomic.Int32
	err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	if h := s.Snapshot().History[0]; h.Error != "" {
		t.Fatalf("unexpected error in history: %q", h.Error)
	}
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, RetryMax: 5})

	var calls atomic.Int32
	_ = s.Enqueue(Task{
		Name: "permanent",
		Run: func(context.Context) error {
			calls.Add(1)
			return NoRetry(errors.New("bad input"))
		},
	})
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	if h := s.Snapshot().History[0]; h.Error != "bad input" {
		t.Fatalf("history error = %q", h.Error)
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	_ = s.Enqueue(Task{Name: "boom", Opt: TaskOptions{RetryMax: -1}, Run: func(context.Context) error { panic("kaboom") }})
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if h := s.Snapshot().History[0]; h.Error != "panic: kaboom" {
		t.Fatalf("history error = %q", h.Error)
	}
	// worker is still alive
	done := make(chan struct{})
	_ = s.Enqueue(Task{Name: "after", Run: func(context.Context) error { close(done); return nil }})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: time.Second, RetryMaxDelay: 4 * time.Second}
	for retry, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 9: 4 * time.Second} {
		if got := retryDelay(opt, retry, nil, nil); got != want {
			t.Fatalf("retry %d: got %s want %s", retry, got, want)
		}
	}
	if got := retryDelay(opt, 1, RetryAfter(errors.New("429"), time.Minute), nil); got != 4*time.Second {
		t.Fatalf("hint not capped: %s", got)
	}
}

func TestRetryVerdicts(t *testing.T) {
	t.Parallel()
	cause := errors.New("down")
	if NoRetry(nil) != nil || RetryAfter(nil, time.Second) != nil {
		t.Fatal("nil errors must stay nil")
	}

	hinted := RetryAfter(cause, 3*time.Second)
	if IsNoRetry(hinted) || !errors.Is(hinted, cause) {
		t.Fatalf("hinted: %v", hinted)
	}
	var ra RetryAfterError
	if !errors.As(hinted, &ra) || ra.RetryAfter() != 3*time.Second {
		t.Fatalf("hint lost: %v", hinted)
	}

	final := NoRetry(fmt.Errorf("sweep: %w", hinted))
	if !IsNoRetry(final) || IsNoRetry(cause) {
		t.Fatal("IsNoRetry mismatch")
	}
	if got, ok := unwrapFinal(fmt.Errorf("outer: %w", final)); !ok || got.Error() != "sweep: "+hinted.Error() {
		t.Fatalf("unwrapFinal = %v %v", got, ok)
	}
	if RetryAfter(cause, -time.Second).(RetryAfterError).RetryAfter() != 0 {
		t.Fatal("negative hint must clamp to zero")
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes map[string][]string
}

func (o *recordingObserver) ObserveTask(name, outcome string, _, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = map[string][]string{}
	}
	o.outcomes[name] = append(o.outcomes[name], outcome)
}

func (o *recordingObserver) get(name string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.outcomes[name]...)
}

func TestQueueFullDropsAndObserves(t *testing.T) {
	t.Parallel()
	obs := &recordingObserver{}
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 1}, logx.Nop(), nil, WithObserver(obs))
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	release := make(chan struct{})
	started := make(chan struct{})
	allow := TaskOptions{Overlap: OverlapAllow, RetryMax: -1}
	if err := s.Enqueue(Task{Name: "hold", Opt: allow, Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := s.Enqueue(Task{Name: "queued", Opt: allow, Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatal(err)
	}
	err := s.Enqueue(Task{Name: "overflow", Opt: allow, Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("got %v, want ErrQueueFull", err)
	}
	snap := s.Snapshot()
	if snap.DroppedQueueFull != 1 || snap.Dropped != 1 {
		t.Fatalf("drop counters: %+v", snap)
	}
	if snap.Pool.Started != 1 || snap.Pool.Active != 1 {
		t.Fatalf("pool counters: %+v", snap.Pool)
	}
	if got := obs.get("overflow"); len(got) != 1 || got[0] != OutcomeDropped {
		t.Fatalf("overflow outcomes = %v", got)
	}

	close(release)
	waitFor(t, func() bool { return len(obs.get("queued")) == 1 })
	if got := obs.get("hold"); len(got) != 1 || got[0] != OutcomeOK {
		t.Fatalf("hold outcomes = %v", got)
	}
}

func TestStaleTaskDropped(t *testing.T) {
	t.Parallel()
	obs := &recordingObserver{}
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 4, MaxQueueDelay: 10 * time.Millisecond}, logx.Nop(), nil, WithObserver(obs))
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	started := make(chan struct{})
	allow := TaskOptions{Overlap: OverlapAllow, RetryMax: -1}
	_ = s.Enqueue(Task{Name: "slow", Opt: allow, Run: func(context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return nil
	}})
	<-started
	var ran atomic.Bool
	_ = s.Enqueue(Task{Name: "late", Opt: allow, Run: func(context.Context) error { ran.Store(true); return nil }})

	waitFor(t, func() bool { return len(obs.get("late")) == 1 })
	if ran.Load() {
		t.Fatal("stale task must not run")
	}
	if got := obs.get("late")[0]; got != OutcomeDropped {
		t.Fatalf("late outcome = %q", got)
	}
	if snap := s.Snapshot(); snap.DroppedStale != 1 {
		t.Fatalf("stale counter = %d", snap.DroppedStale)
	}
}

func TestOverlapSkipIsObserved(t *testing.T) {
	t.Parallel()
	obs := &recordingObserver{}
	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), nil, WithObserver(obs))
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	release := make(chan struct{})
	job := func(context.Context) error { <-release; return nil }
	skip := TaskOptions{Overlap: OverlapSkipIfRunning}
	_ = s.Enqueue(Task{Name: "autorun.sweep", Opt: skip, Run: job})
	if err := s.Enqueue(Task{Name: "autorun.sweep", Opt: skip, Run: job}); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("got %v", err)
	}
	close(release)
	waitFor(t, func() bool { return len(obs.get("autorun.sweep")) == 2 })
	got := obs.get("autorun.sweep")
	if got[0] != OutcomeSkipped || got[1] != OutcomeOK {
		t.Fatalf("outcomes = %v", got)
	}
}

func TestPoolRebuildReleasesQueuedOverlapSlots(t *testing.T) {
	t.Parallel()
	obs := &recordingObserver{}
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 4}, logx.Nop(), nil, WithObserver(obs))
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	started := make(chan struct{})
	hold := Task{Name: "hold", Opt: TaskOptions{Overlap: OverlapAllow, RetryMax: -1}, Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	if err := s.Enqueue(hold); err != nil {
		t.Fatal(err)
	}
	<-started

	st := &RunState{}
	var ran atomic.Int32
	sweep := Task{Name: "sweep", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, State: st, Run: func(context.Context) error {
		ran.Add(1)
		return nil
	}}
	if err := s.Enqueue(sweep); err != nil {
		t.Fatal(err)
	}
	if !st.Busy() {
		t.Fatal("queued task must hold its overlap slot")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Apply(ctx, Config{Enabled: true, Workers: 2, QueueSize: 4})

	if st.Busy() {
		t.Fatal("discarded task kept its overlap slot")
	}
	if got := obs.get("sweep"); len(got) != 1 || got[0] != OutcomeDropped {
		t.Fatalf("sweep outcomes after rebuild = %v", got)
	}
	if snap := s.Snapshot(); snap.DroppedStopped != 1 || snap.Workers != 2 {
		t.Fatalf("snapshot after rebuild: %+v", snap)
	}

	if err := s.Enqueue(sweep); err != nil {
		t.Fatalf("enqueue after rebuild: %v", err)
	}
	waitFor(t, func() bool { return ran.Load() == 1 && !st.Busy() })
}
