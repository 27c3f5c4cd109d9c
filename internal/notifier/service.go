package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"claimbot/internal/cache"
	"claimbot/internal/eventbus"
	"claimbot/internal/metrics"
	rtsup "claimbot/internal/runtime/supervisor"
	kit "claimbot/internal/transport"
	logx "claimbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrBadUserID = errors.New("notifier: user id is not a chat id")
)

// Sender is the slice of the chat adapter the notifier needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type job struct {
	n        kit.Notification
	dedupKey string
}

// Service queues notifications and delivers them from a small worker pool
// under a shared rate limit, with retries and a dedup window. It is safe for
// concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	sender  Sender
	bus     eventbus.Bus
	metrics *metrics.Metrics

	cfg     Config
	limiter *rate.Limiter
	dedup   *cache.TTL[struct{}] // nil when the window is 0
	admins  []int64
	pipe    *pipeline // nil while stopped

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// pipeline is one Start..Stop lifetime of the queue and its workers.
type pipeline struct {
	queue chan job
	sup   *rtsup.Supervisor
	enq   sync.WaitGroup // Notify calls admitted but not yet queued
	done  chan struct{}  // set when Stop begins, closed once drained
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender:  sender,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		metrics: m,
		now:     time.Now,
		sleep:   sleepCtx,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Queue size and worker count take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetAdmins replaces the chats NotifyAdmins writes to.
func (s *Service) SetAdmins(ids []int64) {
	s.mu.Lock()
	s.admins = append([]int64(nil), ids...)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	switch {
	case cfg.DedupWindow <= 0:
		s.dedup = nil
	case s.dedup == nil || cfg.DedupWindow != s.cfg.DedupWindow || cfg.DedupMaxEntries != s.cfg.DedupMaxEntries:
		s.dedup = cache.NewTTL[struct{}](cfg.DedupWindow, cfg.DedupMaxEntries)
	}
	s.cfg = cfg
	// burst = rate per sec, so short spikes don't block too hard
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is a no-op when disabled or running, and
// waits for a Stop in progress first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.pipe != nil {
		done := s.pipe.done
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
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	p := &pipeline{
		queue: make(chan job, s.cfg.QueueSize),
		sup: rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log),
			// best-effort: a broken notifier must not take the app down
			rtsup.WithCancelOnError(false),
		),
	}
	s.pipe = p
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := range workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.drain(c, p.queue)
			if s.closing(p) {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		})
	}
}

func (s *Service) closing(p *pipeline) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return p.done != nil
}

// Stop refuses new notifications and lets the workers drain the queue. When
// ctx ends first, delivery is canceled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.pipe
	if p == nil {
		s.mu.Unlock()
		return
	}
	first := p.done == nil
	if first {
		p.done = make(chan struct{})
	}
	done := p.done
	s.mu.Unlock()

	if first {
		go func() {
			// admitted Notify calls first, then close so workers drain
			p.enq.Wait()
			close(p.queue)
			_ = p.sup.Wait(context.Background())
			s.mu.Lock()
			if s.pipe == p {
				s.pipe = nil
			}
			s.mu.Unlock()
			close(done)
		}()
	}

	select {
	case <-done:
	case <-ctx.Done():
		p.sup.Cancel()
	}
}

// NotifyUser queues text for the private chat of a chat user. Stored user
// ids are the decimal chat user ids.
func (s *Service) NotifyUser(ctx context.Context, userID, text string) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(userID), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrBadUserID, userID)
	}
	return s.Notify(ctx, kit.Notification{
		Channel:  "telegram",
		Priority: PriorityUser,
		Target:   kit.ChatTarget{ChatID: chatID},
		Text:     text,
		Options:  &kit.SendOptions{DisablePreview: true},
	})
}

// NotifyAdmins queues text for every configured admin. It returns the first
// enqueue error but still tries every admin.
func (s *Service) NotifyAdmins(ctx context.Context, text string) error {
	s.mu.Lock()
	admins := append([]int64(nil), s.admins...)
	s.mu.Unlock()

	var first error
	for _, id := range admins {
		err := s.Notify(ctx, kit.Notification{
			Channel:  "telegram",
			Priority: PriorityAdmin,
			Target:   kit.ChatTarget{ChatID: id},
			Text:     text,
			Options:  &kit.SendOptions{DisablePreview: true},
		})
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Notify queues n without blocking. Repeats inside the dedup window are
// accepted and silently dropped.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	enabled, p, dedup := s.cfg.Enabled, s.pipe, s.dedup
	switch {
	case !enabled:
		s.mu.Unlock()
		return ErrDisabled
	case p == nil || p.done != nil:
		s.mu.Unlock()
		return ErrStopped
	}
	p.enq.Add(1)
	s.mu.Unlock()
	defer p.enq.Done()

	key := dedupKey(n)
	if dedup != nil && key != "" && !dedup.Add(key, struct{}{}) {
		s.publish(EventDeduped, n, key, nil)
		return nil
	}

	select {
	case p.queue <- job{n: n, dedupKey: key}:
		s.publish(EventQueued, n, key, nil)
		return nil
	default:
		s.publish(EventDropped, n, key, ErrQueueFull)
		s.metrics.ObserveNotification(ErrQueueFull)
		s.log.Warn("notify dropped", logx.Int64("chat", n.Target.ChatID), logx.Err(ErrQueueFull))
		return ErrQueueFull
	}
}

func (s *Service) drain(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()

	if sender == nil {
		return
	}
	text := prefixForPriority(j.n.Priority) + j.n.Text
	if strings.TrimSpace(text) == "" {
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := sender.SendText(callCtx, j.n.Target, text, j.n.Options)
		cancel()
		if err == nil {
			s.publish(EventSent, j.n, j.dedupKey, nil)
			s.metrics.ObserveNotification(nil)
			return
		}
		lastErr, attempts = err, attempt
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts || errors.Is(err, kit.ErrChatUnavailable) {
			break
		}
		delay := retryDelay(cfg, attempt)
		if hint, ok := kit.RetryAfter(err); ok {
			delay = min(max(hint, delay), floodWaitCap)
		}
		if err := s.sleep(ctx, delay); err != nil {
			return
		}
	}

	s.publish(EventFailed, j.n, j.dedupKey, lastErr)
	s.metrics.ObserveNotification(lastErr)
	s.log.Warn("notify failed", logx.Int64("chat", j.n.Target.ChatID), logx.Int("attempts", attempts), logx.Err(lastErr))
}

func (s *Service) publish(typ string, n kit.Notification, key string, err error) {
	if s.bus == nil {
		return
	}
	now := s.now()
	ev := NotificationEvent{Channel: n.Channel, ChatID: n.Target.ChatID, ThreadID: n.Target.ThreadID, Key: key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	default:
		return ""
	}
}

func dedupKey(n kit.Notification) string {
	if n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%d:%d:%d|", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority)
	_, _ = h.Write([]byte(n.Text))
	return strconv.FormatUint(h.Sum64(), 16)
}

// floodWaitCap bounds how long one send honours a platform back-off request.
const floodWaitCap = time.Minute

// retryDelay is the wait before attempt+1: base * 2^(attempt-1), capped,
// with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
