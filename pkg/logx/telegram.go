package logx

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	kit "claimbot/internal/transport"
)

const chatQueueSize = 256

// Sender is the slice of the chat adapter the Telegram sink needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// chatSink forwards rate-limited log lines at or above minLevel to a chat
// group. Writes never block; a full queue drops the line.
type chatSink struct {
	sender Sender
	queue  chan chatLine

	mu       sync.Mutex
	to       kit.ChatTarget
	minLevel zerolog.Level
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	done     chan struct{}
}

type chatLine struct {
	to  kit.ChatTarget
	msg string
}

func newChatSink(sender Sender) *chatSink {
	return &chatSink{
		sender:   sender,
		queue:    make(chan chatLine, chatQueueSize),
		minLevel: zerolog.WarnLevel,
	}
}

func (c *chatSink) configure(cfg TelegramConfig) {
	per := max(1, cfg.RatePerSec)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	c.limiter = rate.NewLimiter(rate.Limit(per), per)
	if cfg.ThreadID != 0 {
		c.to.ThreadID = cfg.ThreadID
	}
}

func (c *chatSink) target(chatID int64, threadID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.to.ChatID = chatID
	if threadID != 0 {
		c.to.ThreadID = threadID
	}
}

// start launches the delivery goroutine once. It reports false when there is
// no sender to deliver with.
func (c *chatSink) start() bool {
	if c.sender == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.to.ChatID == 0 {
		fmt.Fprintln(os.Stderr, "logx: telegram sink enabled but telegram.group_log is not set")
	}
	if c.cancel != nil {
		return true
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel, c.done = cancel, make(chan struct{})
	go c.deliver(ctx, c.done)
	return true
}

func (c *chatSink) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *chatSink) deliver(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	opt := &kit.SendOptions{DisablePreview: true}
	for {
		select {
		case <-ctx.Done():
			return
		case l := <-c.queue:
			_, _ = c.sender.SendText(ctx, l.to, l.msg, opt)
		}
	}
}

func (c *chatSink) Write(p []byte) (int, error) {
	return c.WriteLevel(zerolog.InfoLevel, p)
}

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	to, lim, minLevel := c.to, c.limiter, c.minLevel
	c.mu.Unlock()

	if to.ChatID == 0 || lim == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	if msg := formatTelegramJSON(p); msg != "" {
		select {
		case c.queue <- chatLine{to: to, msg: msg}:
		default:
		}
	}
	return len(p), nil
}

const (
	maxChatLine  = 3500
	maxChatField = 600
	maxChatStack = 900
)

// formatTelegramJSON renders one zerolog JSON line as a short chat message.
// Fields are sorted so repeated errors read the same in the group; the stack
// goes last.
func formatTelegramJSON(p []byte) string {
	line := strings.TrimSpace(string(p))
	doc := gjson.Parse(line)
	if !gjson.Valid(line) || !doc.IsObject() {
		return truncate(line, maxChatLine)
	}

	msg := doc.Get("message").String()
	if msg == "" {
		msg = doc.Get("msg").String()
	}

	type field struct{ k, v string }
	var (
		fields []field
		stack  string
	)
	doc.ForEach(func(k, v gjson.Result) bool {
		switch key := k.String(); key {
		case "time", "level", "message", "msg":
		case "stack":
			stack = v.String()
		default:
			fields = append(fields, field{key, v.String()})
		}
		return true
	})
	sort.Slice(fields, func(i, j int) bool { return fields[i].k < fields[j].k })

	var b strings.Builder
	if lvl := doc.Get("level").String(); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	b.WriteString(msg)
	for _, f := range fields {
		fmt.Fprintf(&b, "\n- %s=%s", f.k, truncate(f.v, maxChatField))
	}
	if stack != "" {
		b.WriteString("\n- stack=\n")
		b.WriteString(truncate(stack, maxChatStack))
	}
	return truncate(b.String(), maxChatLine)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
