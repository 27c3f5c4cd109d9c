package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "claimbot/internal/runtime/supervisor"
	kit "claimbot/internal/transport"
	logx "claimbot/pkg/logx"
)

const (
	defaultPollTimeout = 10 * time.Second
	dropReportEvery    = 5 * time.Second
	// getUpdates can hang past shutdown; Stop never waits longer than this.
	stopGrace = 2 * time.Second
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// TextLimit caps a single outbound message; longer texts are split.
	TextLimit int
}

// Adapter bridges telebot long polling to kit.Update and implements
// kit.Adapter plus kit.CommandMenuUpdater.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu   sync.Mutex
	poll *pollRun // nil while stopped

	// out is read from telebot's handler goroutine without mu.
	out     atomic.Pointer[chan<- kit.Update]
	dropped atomic.Uint64

	menu commandMenu
}

type pollRun struct {
	sup *rtsup.Supervisor
	out chan<- kit.Update
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.TextLimit <= 0 {
		cfg.TextLimit = DefaultTextLimit
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	b.Handle(tele.OnText, func(c tele.Context) error {
		if up, ok := textUpdate(c.Message()); ok {
			a.forward(up)
		}
		return nil
	})
	return a, nil
}

// textUpdate converts an incoming telebot text message. Channel posts and
// other sender-less messages are ignored.
func textUpdate(m *tele.Message) (kit.Update, bool) {
	if m == nil || m.Sender == nil || m.Chat == nil {
		return kit.Update{}, false
	}
	return kit.Update{Message: &kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		Text:         m.Text,
		IsPrivate:    m.Private(),
	}}, true
}

// forward never blocks the poller; overflow is counted and reported.
func (a *Adapter) forward(up kit.Update) {
	p := a.out.Load()
	if p == nil {
		return
	}
	select {
	case *p <- up:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.poll != nil {
		return nil
	}
	r := &pollRun{
		out: out,
		sup: rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
			rtsup.WithCancelOnError(false),
		),
	}
	a.poll = r
	a.out.Store(&out)

	r.sup.Go0("updates.drop_report", a.reportDrops(cap(out)))
	r.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// telebot's Start can return on its own; keep polling alive until cancelled.
	r.sup.GoRestart0("telebot.poll", func(context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDrops(capacity int) func(context.Context) {
	return func(ctx context.Context) {
		t := time.NewTicker(dropReportEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := a.dropped.Swap(0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
				}
			}
		}
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	r := a.poll
	a.poll = nil
	a.out.Store(nil)
	a.mu.Unlock()
	if r == nil {
		return nil
	}

	r.sup.Cancel()
	go a.bot.Stop()

	grace := stopGrace
	if dl, ok := ctx.Deadline(); ok {
		grace = min(grace, max(time.Until(dl), 0))
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := r.sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop incomplete", logx.Err(err))
	}
	return nil
}
