package bot

import (
	"context"
	"strings"
	"sync"
	"time"

	"claimbot/internal/autorun"
	"claimbot/internal/mcp"
	"claimbot/internal/storage"
	kit "claimbot/internal/transport"
	logx "claimbot/pkg/logx"
)

var noLog = logx.Nop()

type sent struct {
	To   kit.ChatTarget
	Text string
	Opt  *kit.SendOptions
}

type fakeAdapter struct {
	mu   sync.Mutex
	sent []sent
	menu []kit.BotCommand
}

func (a *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (a *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, sent{To: to, Text: text, Opt: opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

func (a *fakeAdapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.mu.Lock()
	a.menu = cmds
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		return ""
	}
	return a.sent[len(a.sent)-1].Text
}

func (a *fakeAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

type call struct {
	User, Account, Tool string
	Args                map[string]any
}

type fakeGateway struct {
	mu     sync.Mutex
	calls  []call
	forgot []string
	result mcp.Result
	err    error
}

func (g *fakeGateway) Call(ctx context.Context, userID string, acc *storage.Account, tool string, args map[string]any) (mcp.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call{User: userID, Account: acc.ID, Tool: tool, Args: args})
	return g.result, g.err
}

func (g *fakeGateway) Forget(userID, accountID string) {
	g.mu.Lock()
	g.forgot = append(g.forgot, userID+"/"+accountID)
	g.mu.Unlock()
}

type fakeRunner struct {
	cfg      autorun.Config
	claimRes mcp.Result
	claimErr error
	claimed  []string
	trigger  error
	triggers int
	burst    *storage.Burst
	cleared  bool
	clearErr error
	window   time.Duration
}

func (r *fakeRunner) Config() autorun.Config { return r.cfg }

func (r *fakeRunner) ClaimNow(ctx context.Context, userID string, acc *storage.Account) (mcp.Result, error) {
	r.claimed = append(r.claimed, userID+"/"+acc.ID)
	return r.claimRes, r.claimErr
}

func (r *fakeRunner) TriggerSweep(trigger string) error {
	r.triggers++
	return r.trigger
}

func (r *fakeRunner) OpenBurst(ctx context.Context, window time.Duration) (*storage.Burst, error) {
	r.window = window
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r.burst = &storage.Burst{ID: "b-1", StartAt: now, EndAt: now.Add(window)}
	return r.burst, nil
}

func (r *fakeRunner) ClearBurst(ctx context.Context) error {
	if r.clearErr != nil {
		return r.clearErr
	}
	r.cleared = true
	return nil
}

// auditStore records audit entries on top of the memory store.
type auditStore struct {
	storage.Store
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (s *auditStore) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return nil
}

func (s *auditStore) audits() []storage.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.AuditEntry(nil), s.entries...)
}

const (
	ownerID = int64(1)
	userID  = int64(42)
)

type botHarness struct {
	store   *auditStore
	adapter *fakeAdapter
	gw      *fakeGateway
	runner  *fakeRunner
	h       *Handlers
	m       *Manager
}

func newBotHarness() *botHarness {
	cfg := autorun.DefaultConfig()
	cfg.Location = time.UTC
	b := &botHarness{
		store:   &auditStore{Store: storage.NewMemory()},
		adapter: &fakeAdapter{},
		gw:      &fakeGateway{},
		runner:  &fakeRunner{cfg: cfg},
	}
	b.h = NewHandlers(b.store, b.gw, b.runner)
	b.h.now = func() time.Time { return time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC) }
	ids := 0
	b.h.newID = func() string {
		ids++
		return "acc" + string(rune('0'+ids))
	}
	b.m = NewManager(Config{}, b.adapter, b.store, noLog)
	b.m.SetOwners([]int64{ownerID})
	if err := b.m.SetRegistry(b.h.Commands()); err != nil {
		panic(err)
	}
	return b
}

// send delivers text as a private message from the given user.
func (b *botHarness) send(from int64, text string) string {
	b.m.Handle(context.Background(), &kit.Message{ID: 1, ChatID: from, FromID: from, Text: text, IsPrivate: true})
	return b.adapter.last()
}

func (b *botHarness) sendGroup(from int64, text string) string {
	b.m.Handle(context.Background(), &kit.Message{ID: 1, ChatID: -100, FromID: from, Text: text})
	return b.adapter.last()
}

func textResult(s string) mcp.Result {
	return mcp.Result{Kind: mcp.KindContent, Content: []mcp.ContentItem{{Type: "text", Text: s}}}
}

func contains(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
