package opsserver

import (
	"context"
	"sync"
	"time"

	"claimbot/internal/eventbus"
)

type eventView struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// eventRing keeps the last n bus events for /api/v1/events.
type eventRing struct {
	mu   sync.Mutex
	buf  []eventView
	next int
	full bool
}

func newEventRing(n int) *eventRing {
	return &eventRing{buf: make([]eventView, max(1, n))}
}

func (r *eventRing) add(e eventbus.Event) {
	r.mu.Lock()
	r.buf[r.next] = eventView{Type: e.Type, Time: e.Time, Data: e.Data}
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// snapshot returns events oldest first.
func (r *eventRing) snapshot() []eventView {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]eventView(nil), r.buf[:r.next]...)
	}
	out := make([]eventView, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

func (r *eventRing) follow(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.add(e)
		}
	}
}
