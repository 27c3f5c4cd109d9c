package autorun

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"claimbot/internal/eventbus"
	"claimbot/internal/storage"
	logx "claimbot/pkg/logx"
)

// NewRewardIDs returns the ids not present in known, deduplicated, in input
// order.
func NewRewardIDs(ids []string, known map[string]time.Time) []string {
	var out []string
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := known[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// ApplyDiscovery merges ids into g.KnownRewards. When some were new it
// opens a burst at now for window. An already active burst is replaced by
// a fresh one (new id, restarted window, union of triggering ids) so that
// pairs which already ran get another turn; bursts never stack.
//
// It returns the opened burst (nil when nothing was new) and the new ids.
func ApplyDiscovery(g *storage.GlobalState, ids []string, now time.Time, window time.Duration, newID func() string) (*storage.Burst, []string) {
	fresh := NewRewardIDs(ids, g.KnownRewards)
	if len(fresh) == 0 {
		return nil, nil
	}
	if g.KnownRewards == nil {
		g.KnownRewards = make(map[string]time.Time, len(fresh))
	}
	for _, id := range fresh {
		g.KnownRewards[id] = now
	}

	trigger := append([]string(nil), fresh...)
	if g.Burst.Active(now) {
		trigger = union(g.Burst.TriggeringRewardIDs, fresh)
	}
	b := &storage.Burst{
		ID:                  newID(),
		StartAt:             now,
		EndAt:               now.Add(window),
		WindowMinutes:       int(window / time.Minute),
		TriggeringRewardIDs: trigger,
	}
	g.Burst = b
	return b, fresh
}

func union(a, b []string) []string {
	set := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if !set[s] {
			set[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// expireBurst clears a burst whose window has passed.
func (e *Engine) expireBurst(ctx context.Context) error {
	now := e.now()
	var closed *storage.Burst
	_, err := e.store.UpdateGlobal(ctx, func(g *storage.GlobalState) error {
		if g.Burst != nil && !g.Burst.Active(now) {
			closed = g.Burst
			g.Burst = nil
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("expire burst: %w", err)
	}
	if closed != nil {
		e.metrics.SetBurstActive(false)
		e.publish(eventbus.BurstClosed, now, closed)
		e.log.Info("burst.closed", logx.String("burst", closed.ID))
	}
	return nil
}

func (e *Engine) onBurstOpened(b *storage.Burst, fresh []string) {
	e.metrics.ObserveBurstOpened()
	e.metrics.SetBurstActive(true)
	e.publish(eventbus.BurstOpened, b.StartAt, b)
	e.log.Info("burst.opened",
		logx.String("burst", b.ID),
		logx.Time("until", b.EndAt),
		logx.Strings("new_rewards", fresh),
	)
}

// OpenBurst opens (or replaces) a burst by hand. window <= 0 uses the
// configured window.
func (e *Engine) OpenBurst(ctx context.Context, window time.Duration) (*storage.Burst, error) {
	cfg := e.Config()
	if window <= 0 {
		window = cfg.BurstWindow
	}
	now := e.now()
	var b *storage.Burst
	if _, err := e.store.UpdateGlobal(ctx, func(g *storage.GlobalState) error {
		b = &storage.Burst{
			ID:            e.newID(),
			StartAt:       now,
			EndAt:         now.Add(window),
			WindowMinutes: int(window / time.Minute),
		}
		if g.Burst.Active(now) {
			b.TriggeringRewardIDs = append([]string(nil), g.Burst.TriggeringRewardIDs...)
		}
		g.Burst = b
		return nil
	}); err != nil {
		return nil, err
	}
	e.onBurstOpened(b, nil)
	return b, nil
}

// ClearBurst ends the active burst early.
func (e *Engine) ClearBurst(ctx context.Context) error {
	now := e.now()
	var closed *storage.Burst
	if _, err := e.store.UpdateGlobal(ctx, func(g *storage.GlobalState) error {
		if !g.Burst.Active(now) {
			return ErrNoBurst
		}
		closed = g.Burst
		g.Burst = nil
		return nil
	}); err != nil {
		return err
	}
	e.metrics.SetBurstActive(false)
	e.publish(eventbus.BurstClosed, now, closed)
	e.log.Info("burst.cleared", logx.String("burst", closed.ID))
	return nil
}

// ActiveBurst returns the current burst, or nil.
func (e *Engine) ActiveBurst(ctx context.Context) (*storage.Burst, error) {
	g, err := e.store.GetGlobal(ctx)
	if err != nil {
		return nil, err
	}
	if !g.Burst.Active(e.now()) {
		return nil, nil
	}
	return g.Burst, nil
}
