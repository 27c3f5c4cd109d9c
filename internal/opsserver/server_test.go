package opsserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimbot/internal/autorun"
	"claimbot/internal/eventbus"
	"claimbot/internal/metrics"
	"claimbot/internal/storage"
	"claimbot/internal/task/engine"
	"claimbot/internal/task/scheduler"
	logx "claimbot/pkg/logx"
)

type fakeSweeper struct {
	cfg      autorun.Config
	err      error
	triggers []string
	running  bool
	wedged   bool
}

func (f *fakeSweeper) Config() autorun.Config { return f.cfg }
func (f *fakeSweeper) Running() bool          { return f.running }
func (f *fakeSweeper) Wedged() bool           { return f.wedged }
func (f *fakeSweeper) TriggerSweep(trigger string) error {
	f.triggers = append(f.triggers, trigger)
	return f.err
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, cfg Config) (*Service, storage.Store, *fakeSweeper) {
	t.Helper()
	st := storage.NewMemory()
	ac := autorun.DefaultConfig()
	ac.Location = time.UTC
	sw := &fakeSweeper{cfg: ac}
	s := New(cfg, st, sw, metrics.New(), eventbus.New(), logx.Nop())
	s.now = func() time.Time { return base }
	s.started = base.Add(-24 * time.Hour)
	return s, st, sw
}

func do(t *testing.T, h http.Handler, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func setLastSweep(t *testing.T, st storage.Store, at time.Time) {
	t.Helper()
	_, err := st.UpdateGlobal(context.Background(), func(g *storage.GlobalState) error {
		g.LastSweep = storage.SweepRecord{StartedAt: at.Add(-time.Second), FinishedAt: at, Mode: autorun.ModeDaily, Trigger: "tick"}
		return nil
	})
	require.NoError(t, err)
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	s, st, sw := newTestService(t, Config{})
	h := s.Handler()

	// no sweep yet and past the grace period
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, "GET", "/healthz", nil).Code)

	setLastSweep(t, st, base.Add(-5*time.Minute))
	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/healthz", nil).Code)

	sw.wedged = true
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, "GET", "/healthz", nil).Code)
	sw.wedged = false

	// older than tick * multiplier
	setLastSweep(t, st, base.Add(-2*time.Hour))
	rec := do(t, h, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"stale"`)

	// disabled autorun is never stale
	sw.cfg.Enabled = false
	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/healthz", nil).Code)
}

func TestHealthzStartupGrace(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestService(t, Config{})
	s.started = base.Add(-time.Minute)
	assert.Equal(t, http.StatusOK, do(t, s.Handler(), "GET", "/healthz", nil).Code)
}

func TestScheduleHasNoSecrets(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestService(t, Config{})
	ctx := context.Background()

	_, err := st.UpdateUser(ctx, "42", func(u *storage.User) error {
		u.Accounts["a1"] = &storage.Account{ID: "a1", Token: "super-secret", AutoRun: true}
		u.Accounts["a2"] = &storage.Account{ID: "a2", Token: "other-secret"}
		return nil
	})
	require.NoError(t, err)
	_, err = st.UpdateGlobal(ctx, func(g *storage.GlobalState) error {
		g.Burst = &storage.Burst{ID: "b1", StartAt: base.Add(-time.Minute), EndAt: base.Add(29 * time.Minute), WindowMinutes: 30, TriggeringRewardIDs: []string{"r1"}}
		g.KnownRewards = map[string]time.Time{"r1": base}
		return nil
	})
	require.NoError(t, err)

	rec := do(t, s.Handler(), "GET", "/api/v1/schedule", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")

	var v scheduleView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, 1, v.Users)
	assert.Equal(t, 2, v.Accounts)
	assert.Equal(t, 1, v.AutoRun)
	assert.Equal(t, 1, v.KnownRewards)
	assert.Equal(t, "UTC", v.Timezone)
	require.NotNil(t, v.Burst)
	assert.True(t, v.Burst.Active)
	assert.Equal(t, []string{"r1"}, v.Burst.TriggeringRewardIDs)
}

func TestSweepTrigger(t *testing.T) {
	t.Parallel()
	s, _, sw := newTestService(t, Config{})
	h := s.Handler()

	assert.Equal(t, http.StatusAccepted, do(t, h, "POST", "/api/v1/sweep", nil).Code)
	assert.Equal(t, []string{"ops"}, sw.triggers)

	sw.err = engine.ErrOverlapSkip
	assert.Equal(t, http.StatusConflict, do(t, h, "POST", "/api/v1/sweep", nil).Code)

	sw.err = errors.New("queue full")
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, "POST", "/api/v1/sweep", nil).Code)
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestService(t, Config{Token: "t0k"})
	h := s.Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, "GET", "/api/v1/schedule", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, "GET", "/api/v1/schedule?token=nope", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/api/v1/schedule?token=t0k", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/api/v1/schedule", map[string]string{"Authorization": "Bearer t0k"}).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, "GET", "/metrics", nil).Code)
}

func TestMetricsAndPprofRoutes(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestService(t, Config{})
	s.metrics.ObserveBurstOpened()

	rec := do(t, s.Handler(), "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "claimbot_bursts_opened_total 1")

	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), "GET", "/debug/pprof/", nil).Code)

	s2, _, _ := newTestService(t, Config{Pprof: true})
	rec = do(t, s2.Handler(), "GET", "/debug/pprof/cmdline", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEventsRing(t *testing.T) {
	t.Parallel()
	r := newEventRing(3)
	for i, typ := range []string{"a", "b", "c", "d"} {
		r.add(eventbus.Event{Type: typ, Time: base.Add(time.Duration(i) * time.Second)})
	}
	var got []string
	for _, e := range r.snapshot() {
		got = append(got, e.Type)
	}
	assert.Equal(t, []string{"b", "c", "d"}, got)
}

func TestServeLifecycle(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestService(t, Config{Enabled: true, Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	require.Eventually(t, func() bool { return s.Addr() != "" }, 3*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/api/v1/events")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	assert.False(t, s.Running())
	assert.Equal(t, "", s.Addr())
}

func TestInsecureBindRefused(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestService(t, Config{Enabled: true, Addr: "0.0.0.0:0"})
	err := s.serve(context.Background(), &serverRun{})
	assert.ErrorIs(t, err, context.Canceled)
	_, _, err = bindAddr(Config{Addr: "0.0.0.0:9090"})
	assert.ErrorIs(t, err, errInsecureBind)
	addr, insecure, err := bindAddr(Config{Addr: "0.0.0.0:9090", AllowInsecure: true})
	assert.NoError(t, err)
	assert.True(t, insecure)
	assert.Equal(t, "0.0.0.0:9090", addr)
	addr, _, _ = bindAddr(Config{})
	assert.Equal(t, DefaultAddr, addr)
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.False(t, isLoopbackAddr(":9090"))
	assert.False(t, strings.Contains(s.Addr(), "0.0.0.0"))
}

type fakeTasks struct{ snap engine.Snapshot }

func (f fakeTasks) Snapshot() engine.Snapshot { return f.snap }

func TestTasksEndpoint(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestService(t, Config{})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s.Handler(), "GET", "/api/v1/tasks", nil).Code)

	WithTasks(fakeTasks{snap: engine.Snapshot{
		Enabled:  true,
		Workers:  2,
		QueueCap: 64,
		History:  []engine.HistoryItem{{ID: "tsk-1", Name: "autorun.sweep", Error: "stale_queue_delay"}},
	}})(s)
	rec := do(t, s.Handler(), "GET", "/api/v1/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got engine.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 2, got.Workers)
	require.Len(t, got.History, 1)
	assert.Equal(t, "autorun.sweep", got.History[0].Name)
}

type fakeTriggers struct{ snap scheduler.Snapshot }

func (f fakeTriggers) Snapshot() scheduler.Snapshot { return f.snap }

func TestScheduleListsTriggers(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestService(t, Config{})
	next := base.Add(10 * time.Minute)
	WithTriggers(fakeTriggers{snap: scheduler.Snapshot{Running: true, Schedules: []scheduler.ScheduleInfo{
		{Name: "autorun.tick", Spec: "@every 10m0s", Next: next},
	}}})(s)

	rec := do(t, s.Handler(), "GET", "/api/v1/schedule", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var v scheduleView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	require.Len(t, v.Triggers, 1)
	assert.Equal(t, "autorun.tick", v.Triggers[0].Name)
	assert.True(t, v.Triggers[0].Next.Equal(next))
}
