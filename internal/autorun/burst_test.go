package autorun

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimbot/internal/storage"
)

func seqIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return prefix + string(rune('0'+n))
	}
}

func TestNewRewardIDs(t *testing.T) {
	t.Parallel()
	known := map[string]time.Time{"C1": {}}
	got := NewRewardIDs([]string{"C1", " C2 ", "", "C2", "C3"}, known)
	assert.Equal(t, []string{"C2", "C3"}, got)
	assert.Empty(t, NewRewardIDs([]string{"C1"}, known))
}

func TestApplyDiscoveryOpensBurst(t *testing.T) {
	t.Parallel()
	now := at(2026, 3, 1, 10, 0)
	g := &storage.GlobalState{KnownRewards: map[string]time.Time{"OLD": now.Add(-time.Hour)}}

	b, fresh := ApplyDiscovery(g, []string{"OLD", "N1", "N2"}, now, 30*time.Minute, seqIDs("b"))
	require.NotNil(t, b)
	assert.Equal(t, []string{"N1", "N2"}, fresh)
	assert.Equal(t, []string{"N1", "N2"}, b.TriggeringRewardIDs)
	assert.Equal(t, "b1", b.ID)
	assert.True(t, b.StartAt.Equal(now))
	assert.True(t, b.EndAt.Equal(now.Add(30*time.Minute)))
	assert.Equal(t, 30, b.WindowMinutes)
	assert.Same(t, b, g.Burst)
	assert.Contains(t, g.KnownRewards, "N1")
	assert.Contains(t, g.KnownRewards, "N2")
}

func TestApplyDiscoveryAllKnownIsNoop(t *testing.T) {
	t.Parallel()
	now := at(2026, 3, 1, 10, 0)
	g := &storage.GlobalState{KnownRewards: map[string]time.Time{"C1": now}}
	b, fresh := ApplyDiscovery(g, []string{"C1"}, now, 30*time.Minute, seqIDs("b"))
	assert.Nil(t, b)
	assert.Nil(t, fresh)
	assert.Nil(t, g.Burst)
}

func TestApplyDiscoveryReplacesActiveBurst(t *testing.T) {
	t.Parallel()
	now := at(2026, 3, 1, 10, 0)
	ids := seqIDs("b")
	g := &storage.GlobalState{}

	first, _ := ApplyDiscovery(g, []string{"N2", "N1"}, now, 30*time.Minute, ids)
	require.NotNil(t, first)

	later := now.Add(10 * time.Minute)
	second, fresh := ApplyDiscovery(g, []string{"N1", "N3"}, later, 30*time.Minute, ids)
	require.NotNil(t, second)
	assert.Equal(t, []string{"N3"}, fresh)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, []string{"N1", "N2", "N3"}, second.TriggeringRewardIDs)
	assert.True(t, second.EndAt.Equal(later.Add(30*time.Minute)))
	assert.Same(t, second, g.Burst)
}

func TestApplyDiscoveryAfterExpiryStartsClean(t *testing.T) {
	t.Parallel()
	now := at(2026, 3, 1, 10, 0)
	g := &storage.GlobalState{}
	ApplyDiscovery(g, []string{"N1"}, now, 30*time.Minute, seqIDs("b"))

	b, _ := ApplyDiscovery(g, []string{"N9"}, now.Add(time.Hour), 30*time.Minute, seqIDs("c"))
	require.NotNil(t, b)
	assert.Equal(t, []string{"N9"}, b.TriggeringRewardIDs)
}

func TestStale(t *testing.T) {
	t.Parallel()
	now := at(2026, 3, 1, 10, 0)
	tick := 10 * time.Minute

	assert.True(t, Stale(now, storage.SweepRecord{}, tick, 3), "never swept")
	assert.False(t, Stale(now, storage.SweepRecord{FinishedAt: now.Add(-30 * time.Minute)}, tick, 3))
	assert.True(t, Stale(now, storage.SweepRecord{FinishedAt: now.Add(-31 * time.Minute)}, tick, 3))
	// unfinished sweeps are judged by their start
	assert.True(t, Stale(now, storage.SweepRecord{StartedAt: now.Add(-time.Hour)}, tick, 3))
}
