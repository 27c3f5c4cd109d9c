package autorun

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimbot/internal/task/engine"
	logx "claimbot/pkg/logx"
)

type fakeSched struct {
	mu    sync.Mutex
	jobs  map[string]func(ctx context.Context) error
	every map[string]time.Duration
}

func newFakeSched() *fakeSched {
	return &fakeSched{jobs: map[string]func(context.Context) error{}, every: map[string]time.Duration{}}
}

func (s *fakeSched) AddInterval(name string, every, _ time.Duration, _ engine.TaskOptions, _ *engine.RunState, job func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = job
	s.every[name] = every
	return nil
}

func (s *fakeSched) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	delete(s.jobs, name)
	delete(s.every, name)
	return ok
}

func (s *fakeSched) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

func (s *fakeSched) fire(t *testing.T, name string) error {
	t.Helper()
	s.mu.Lock()
	job := s.jobs[name]
	s.mu.Unlock()
	require.NotNil(t, job, "schedule %s not registered", name)
	return job(context.Background())
}

// syncTasks runs queued tasks inline.
type syncTasks struct {
	mu    sync.Mutex
	names []string
}

func (q *syncTasks) Enqueue(t engine.Task) error {
	q.mu.Lock()
	q.names = append(q.names, t.Name)
	q.mu.Unlock()
	return t.Run(context.Background())
}

func TestRunnerRegistersAndSweepsOnStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(2026, 3, 1, 23, 0), nil)
	h.addAccount(t, "u1", account("a1"))
	sched, tasks := newFakeSched(), &syncTasks{}

	r := NewRunner(h.eng, sched, tasks, logx.Nop(), nil)
	require.NoError(t, r.Start(context.Background()))

	assert.True(t, sched.Has(ScheduleTick))
	assert.True(t, sched.Has(ScheduleWatchdog))
	assert.False(t, sched.Has(ScheduleBurst))
	assert.Equal(t, []string{taskManualSweep}, tasks.names)
	assert.Equal(t, "startup", h.global(t).LastSweep.Trigger)

	r.Stop()
	assert.False(t, sched.Has(ScheduleTick))
}

func TestRunnerArmsBurstTickWhileBurstActive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, at(2026, 3, 1, 23, 0), func(c *Config) { c.InitialSweep = false })
	h.addAccount(t, "u1", account("a1"))
	h.caller.fn = couponsFn("C1")
	sched := newFakeSched()

	r := NewRunner(h.eng, sched, &syncTasks{}, logx.Nop(), nil)
	require.NoError(t, r.Start(ctx))

	// the tick discovers a reward and opens a burst
	require.NoError(t, sched.fire(t, ScheduleTick))
	require.True(t, sched.Has(ScheduleBurst))
	assert.Equal(t, time.Minute, sched.every[ScheduleBurst])

	// past the window the burst sweep closes it and the tick disarms
	h.clock.Advance(31 * time.Minute)
	require.NoError(t, sched.fire(t, ScheduleBurst))
	assert.False(t, sched.Has(ScheduleBurst))
}

func TestRunnerManualBurstControl(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, at(2026, 3, 1, 10, 0), func(c *Config) { c.InitialSweep = false })
	sched := newFakeSched()
	r := NewRunner(h.eng, sched, &syncTasks{}, logx.Nop(), nil)
	require.NoError(t, r.Start(ctx))

	_, err := r.OpenBurst(ctx, 0)
	require.NoError(t, err)
	assert.True(t, sched.Has(ScheduleBurst))

	require.NoError(t, r.ClearBurst(ctx))
	assert.False(t, sched.Has(ScheduleBurst))
}

func TestRunnerWatchdogReportsHealth(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(2026, 3, 1, 10, 0), func(c *Config) { c.InitialSweep = false })
	sched := newFakeSched()
	var pings int
	r := NewRunner(h.eng, sched, &syncTasks{}, logx.Nop(), func() { pings++ })
	require.NoError(t, r.Start(context.Background()))

	require.NoError(t, sched.fire(t, ScheduleWatchdog))
	assert.Equal(t, 1, pings)
	assert.Equal(t, "watchdog", h.global(t).LastSweep.Trigger)
}

func TestRunnerApplyReregisters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, at(2026, 3, 1, 10, 0), func(c *Config) { c.InitialSweep = false })
	sched := newFakeSched()
	r := NewRunner(h.eng, sched, &syncTasks{}, logx.Nop(), nil)
	require.NoError(t, r.Start(ctx))

	cfg := h.eng.Config()
	cfg.TickInterval = 2 * time.Minute
	h.eng.Apply(cfg)
	require.NoError(t, r.Apply(ctx))
	assert.Equal(t, 2*time.Minute, sched.every[ScheduleTick])

	cfg.Enabled = false
	h.eng.Apply(cfg)
	require.NoError(t, r.Apply(ctx))
	assert.False(t, sched.Has(ScheduleTick))
}
