package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"claimbot/internal/eventbus"
	logx "claimbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, r *engineRun, idx int) {
	// Per-worker RNG: no global lock when several tasks back off at once.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		// a closed stop channel wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case t := <-r.queue:
			s.inFlight.Add(1)
			s.execOne(ctx, r.stop, t, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	if qt.enqueuedAt.IsZero() {
		queueDelay = 0
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if qt.track {
		defer qt.state.release()
	}

	// A sweep that waited past MaxQueueDelay is superseded by the next tick.
	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.drop(start, qt.task, dropStale, queueDelay, logx.Duration("queue_delay", queueDelay))
		s.history.add(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: dropStale}, cfg.HistorySize)
		return
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TaskStarted, start, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay})

	attempts, err := s.attempt(ctx, stopCh, qt, rng)

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, Duration: dur, QueueDelay: queueDelay}
	fields := []logx.Field{
		logx.String("task", qt.task.Name),
		logx.Duration("queue_delay", queueDelay),
		logx.Duration("dur", dur),
		logx.Int("attempts", attempts),
	}
	typ, outcome := eventbus.TaskFinished, OutcomeOK
	switch {
	case err != nil:
		item.Error = err.Error()
		typ, outcome = eventbus.TaskFailed, OutcomeError
		s.log.Warn("task.failed", append(fields, logx.Err(err))...)
	case dur >= slowTask:
		s.log.Info("task.completed", fields...)
	default:
		s.log.Debug("task.completed", fields...)
	}
	s.publish(typ, time.Now(), TaskEvent{
		ID:         qt.task.ID,
		Name:       qt.task.Name,
		Started:    start,
		QueueDelay: queueDelay,
		Duration:   dur,
		Attempts:   attempts,
		Error:      item.Error,
	})
	s.observe(qt.task.Name, outcome, queueDelay, dur)
	s.history.add(item, cfg.HistorySize)
}

// completions at or above slowTask are logged at info.
const slowTask = 750 * time.Millisecond

// attempt runs qt until it succeeds, returns a NoRetry error, or exhausts
// 1+RetryMax tries. A stop or cancel during a backoff wait ends it early.
func (s *Service) attempt(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) (n int, err error) {
	for n = 1; ; n++ {
		err = s.runOnce(ctx, qt)
		if err == nil {
			return n, nil
		}
		if cause, final := unwrapFinal(err); final {
			return n, cause
		}
		if n > qt.opt.RetryMax {
			return n, err
		}

		delay := retryDelay(qt.opt, n, err, rng)
		if delay <= 0 {
			continue
		}
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", n+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return n, ctx.Err()
		case <-stopCh:
			tmr.Stop()
			return n, ErrStopping
		case <-tmr.C:
		}
	}
}

// runOnce calls the task under its timeout. A panic becomes an error so the
// worker survives.
func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(ctx)
}

// retryDelay is the wait before the try after retry. It doubles from
// RetryBase, unless err carries its own RetryAfter hint, and is capped by
// RetryMaxDelay both before and after jitter.
func retryDelay(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	base, limit := opt.RetryBase, opt.RetryMaxDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if limit <= 0 {
		limit = 15 * time.Second
	}

	var d time.Duration
	var hint RetryAfterError
	if err != nil && errors.As(err, &hint) {
		d = min(max(hint.RetryAfter(), 0), limit)
	} else {
		d = base
		for i := 1; i < retry && d < limit; i++ {
			d *= 2
		}
		d = min(d, limit)
	}
	if j := opt.RetryJitter; j > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = max(time.Duration(float64(d)*(1+r)), 0)
	}
	return min(d, limit)
}
