package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "claimbot/pkg/logx"
)

const (
	watchDebounce   = 250 * time.Millisecond
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second

	relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
)

// Watch watches the config directory and publishes validated changes until
// ctx is cancelled. Editors often replace the file, so the directory is
// watched rather than the file. A broken watcher is recreated with jittered
// backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	log := m.log.With(logx.String("dir", dir))

	deb := &debouncer{delay: watchDebounce, fn: func() { m.reload(ctx) }}
	defer deb.stop()
	back := backoff{cur: watchBackoffMin}

	for {
		w, err := openWatcher(dir)
		if err != nil {
			log.Warn("config watch init failed", logx.Err(err))
		} else {
			back.reset()
			log.Debug("config watcher started", logx.String("file", file))
			if m.pump(ctx, w, file, deb, log) {
				return nil
			}
			log.Warn("config watcher stopped; restarting")
		}
		if !back.wait(ctx) {
			return nil
		}
	}
}

func openWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// pump forwards events for file until ctx ends (true) or the watcher breaks
// (false). The watcher is closed either way.
func (m *ConfigManager) pump(ctx context.Context, w *fsnotify.Watcher, file string, deb *debouncer, log logx.Logger) bool {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-w.Events:
			if !ok {
				return false
			}
			if ev.Op&relevantOps != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				deb.trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return false
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				log.Warn("config watch overflow; forcing reload")
				deb.trigger()
				continue
			}
			log.Warn("config watch error", logx.Err(err))
		}
	}
}

// debouncer runs fn once delay has passed without another trigger.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu sync.Mutex
	t  *time.Timer
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
	d.t = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
}

type backoff struct{ cur time.Duration }

func (b *backoff) reset() { b.cur = watchBackoffMin }

// wait sleeps cur plus up to half of it again, then doubles cur. It reports
// false when ctx ends first.
func (b *backoff) wait(ctx context.Context) bool {
	d := b.cur + rand.N(b.cur/2+1)
	b.cur = min(b.cur*2, watchBackoffMax)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
