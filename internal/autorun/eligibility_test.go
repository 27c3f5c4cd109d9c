package autorun

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimbot/internal/storage"
)

var cst = time.FixedZone("CST", 8*3600)

func at(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, cst)
}

func testConfig() Config {
	c := DefaultConfig()
	c.Location = cst
	c.RequestGap = 0
	return c.withDefaults()
}

func TestNormalizeStartHour(t *testing.T) {
	t.Parallel()
	for in, want := range map[int]int{0: 0, 9: 9, 23: 23, 24: 0, 25: 1, -1: 23, 48: 0} {
		assert.Equal(t, want, NormalizeStartHour(in), "hour %d", in)
	}
}

func TestTargetMinuteStableAndInRange(t *testing.T) {
	t.Parallel()
	for i := range 200 {
		u, a := fmt.Sprintf("u%d", i), fmt.Sprintf("a%d", i%7)
		m := TargetMinute(u, a, "2026-03-01", 9, 600)
		assert.GreaterOrEqual(t, m, 540)
		assert.Less(t, m, 1140)
		assert.Equal(t, m, TargetMinute(u, a, "2026-03-01", 9, 600))
	}
}

func TestTargetMinuteSpreadClampedAtMidnight(t *testing.T) {
	t.Parallel()
	for i := range 100 {
		m := TargetMinute(fmt.Sprint(i), "a", "2026-03-01", 23, 600)
		assert.GreaterOrEqual(t, m, 23*60)
		assert.Less(t, m, minutesPerDay)
	}
	// hour 24 means midnight
	assert.Equal(t, TargetMinute("u", "a", "d", 0, 30), TargetMinute("u", "a", "d", 24, 30))
	// spread <= 0 collapses onto the start
	assert.Equal(t, 9*60, TargetMinute("u", "a", "d", 9, 0))
}

func TestTargetMinuteVariesByDay(t *testing.T) {
	t.Parallel()
	seen := map[int]bool{}
	for d := 1; d <= 28; d++ {
		seen[TargetMinute("u1", "a1", fmt.Sprintf("2026-02-%02d", d), 9, 600)] = true
	}
	assert.Greater(t, len(seen), 10)
}

func account(id string) *storage.Account {
	return &storage.Account{ID: id, Token: "tok-" + id, AutoRun: true}
}

func userWith(id string, accs ...*storage.Account) *storage.User {
	u := &storage.User{ID: id, Accounts: map[string]*storage.Account{}}
	for i, a := range accs {
		a.CreatedAt = time.Unix(int64(i), 0)
		u.Accounts[a.ID] = a
	}
	return u
}

func TestDailyEligibility(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.StartHour, cfg.SpreadMinutes = 9, 60
	cfg.RerunInterval = 2 * time.Hour

	day := "2026-03-01"
	target := TargetMinute("u1", "a1", day, 9, 60)
	due := startOfDay(at(2026, 3, 1, 0, 0), cst).Add(time.Duration(target) * time.Minute)

	acc := account("a1")
	_, ok := dailyEligible("u1", acc, due.Add(-time.Minute), cfg)
	assert.False(t, ok, "before target")

	task, ok := dailyEligible("u1", acc, due, cfg)
	require.True(t, ok)
	assert.Equal(t, ModeDaily, task.Mode)
	assert.False(t, task.Rerun)
	assert.True(t, task.Target.Equal(due))

	ran := *acc
	ran.LastRunDate, ran.LastRunAt, ran.LastRunStatus = day, due, storage.StatusSuccess
	_, ok = dailyEligible("u1", &ran, due.Add(time.Hour), cfg)
	assert.False(t, ok, "ran today, interval not elapsed")

	task, ok = dailyEligible("u1", &ran, due.Add(2*time.Hour), cfg)
	require.True(t, ok)
	assert.True(t, task.Rerun)

	cfg.RerunAfterSuccess = false
	_, ok = dailyEligible("u1", &ran, due.Add(2*time.Hour), cfg)
	assert.False(t, ok, "success blocks rerun")

	ran.LastRunStatus = storage.FailureStatus("boom")
	_, ok = dailyEligible("u1", &ran, due.Add(2*time.Hour), cfg)
	assert.True(t, ok, "failures still rerun")

	// a new day resets
	ran.LastRunDate = "2026-02-28"
	_, ok = dailyEligible("u1", &ran, due, cfg)
	assert.True(t, ok)
}

func TestDailyEligibilityRequiresAutoRunAndToken(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	now := at(2026, 3, 1, 23, 59)

	off := account("a1")
	off.AutoRun = false
	_, ok := dailyEligible("u1", off, now, cfg)
	assert.False(t, ok)

	noTok := account("a2")
	noTok.Token = "  "
	_, ok = dailyEligible("u1", noTok, now, cfg)
	assert.False(t, ok)
}

func TestRerunUsesLatestRerunStamp(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.StartHour, cfg.SpreadMinutes, cfg.RerunInterval = 0, 1, time.Hour
	now := at(2026, 3, 1, 12, 0)

	acc := account("a1")
	acc.LastRunDate = "2026-03-01"
	acc.LastRunAt = now.Add(-3 * time.Hour)
	acc.LastRerunAt = now.Add(-30 * time.Minute)
	_, ok := dailyEligible("u1", acc, now, cfg)
	assert.False(t, ok)
}

func TestBurstTargetWithinWindow(t *testing.T) {
	t.Parallel()
	start := at(2026, 3, 1, 10, 0)
	b := &storage.Burst{ID: "b1", StartAt: start, EndAt: start.Add(30 * time.Minute)}
	for i := range 100 {
		tg := BurstTarget(b, fmt.Sprint(i), "a")
		assert.False(t, tg.Before(b.StartAt))
		assert.True(t, tg.Before(b.EndAt))
	}
	// another burst id reshuffles
	b2 := *b
	b2.ID = "b2"
	diff := 0
	for i := range 20 {
		if !BurstTarget(b, fmt.Sprint(i), "a").Equal(BurstTarget(&b2, fmt.Sprint(i), "a")) {
			diff++
		}
	}
	assert.Greater(t, diff, 0)
}

func TestEligibleTasksBurstMode(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	start := at(2026, 3, 1, 10, 0)
	b := &storage.Burst{ID: "b1", StartAt: start, EndAt: start.Add(30 * time.Minute)}

	done := account("a2")
	done.LastBurstID = "b1"
	users := []*storage.User{userWith("u1", account("a1")), userWith("u2", done)}

	mode, tasks := EligibleTasks(users, b, start.Add(30*time.Minute-time.Second), cfg)
	assert.Equal(t, ModeBurst, mode)
	require.Len(t, tasks, 1)
	assert.Equal(t, "u1/a1", tasks[0].Key())

	// expired burst falls back to daily
	mode, _ = EligibleTasks(users, b, b.EndAt, cfg)
	assert.Equal(t, ModeDaily, mode)
}

func TestEligibleTasksSortedByTarget(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	var users []*storage.User
	for i := range 20 {
		users = append(users, userWith(fmt.Sprintf("u%02d", i), account("a")))
	}
	_, tasks := EligibleTasks(users, nil, at(2026, 3, 1, 23, 59), cfg)
	require.Len(t, tasks, 20)
	for i := 1; i < len(tasks); i++ {
		assert.False(t, tasks[i].Target.Before(tasks[i-1].Target))
	}
}
