package bot

import (
	"context"
	"errors"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"claimbot/internal/runtime/supervisor"
	"claimbot/internal/storage"
	kit "claimbot/internal/transport"
	logx "claimbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g. "burst open".
	Route       string
	Aliases     []string // root-level aliases
	Description string
	Usage       string
	Access      Access
	// Audit marks commands that change state; they leave an audit entry.
	Audit   bool
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Chat         kit.ChatTarget
	MessageID    int
	FromID       int64
	FromUsername string
	Private      bool
	Path         []string
	Command      string
	Args         []string
	ReqID        string

	Logger logx.Logger
	// AuditTarget is what the audit entry names as the object of the action.
	// Handlers set it; it must never carry a secret.
	AuditTarget string

	adapter kit.Adapter
	isOwner bool
}

// UserID is the storage key of the sender.
func (r *Request) UserID() string { return strconv.FormatInt(r.FromID, 10) }

func (r *Request) IsOwner() bool { return r.isOwner }

// Reply sends text back to the originating chat. Long text is chunked by the
// adapter. Send errors are logged, not returned.
func (r *Request) Reply(ctx context.Context, text string) {
	r.send(ctx, text, &kit.SendOptions{DisablePreview: true})
}

func (r *Request) ReplyHTML(ctx context.Context, text string) {
	r.send(ctx, text, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
}

func (r *Request) send(ctx context.Context, text string, opt *kit.SendOptions) {
	if r.adapter == nil {
		return
	}
	if ctx.Err() != nil {
		// the reply still matters after a handler timeout
		c, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		ctx = c
	}
	if _, err := r.adapter.SendText(ctx, r.Chat, text, opt); err != nil {
		r.Logger.Warn("reply failed", logx.Err(err))
	}
}

type Config struct {
	Workers        int
	QueueSize      int
	CommandTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 45 * time.Second
	}
	return c
}

var ErrDuplicateRoute = errors.New("bot: duplicate route")

type Manager struct {
	mu sync.RWMutex

	tree *commandTree
	menu []kit.BotCommand

	owners []int64
	cfg    Config

	log     logx.Logger
	adapter kit.Adapter
	store   storage.Store

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	jobs chan func()
}

func NewManager(cfg Config, adapter kit.Adapter, store storage.Store, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		tree:    &commandTree{root: newNode(""), shortcuts: map[string]*cmdNode{}},
		cfg:     cfg,
		log:     log.With(logx.String("comp", "bot")),
		adapter: adapter,
		store:   store,
		jobs:    make(chan func(), cfg.QueueSize),
	}
}

// Apply updates the per-command default timeout. Worker count and queue size
// take effect on the next DispatchLoop.
func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

// Supervisor returns the worker pool supervisor (nil if not running).
func (m *Manager) Supervisor() *supervisor.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *Manager) setSupervisor(sup *supervisor.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue is panic-safe against the jobs channel being closed.
func (m *Manager) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
func (m *Manager) SetOwners(owners []int64) {
	ownCopy := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = ownCopy
	m.mu.Unlock()
}

func (m *Manager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.owners {
		if o == id {
			return true
		}
	}
	return false
}

// SetRegistry installs the command set. A help command is always added.
func (m *Manager) SetRegistry(cmds []Command) error {
	cmds = append(cmds, Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show help",
		Usage:       "/help [cmd] [sub...]",
		Handle: func(ctx context.Context, req *Request) error {
			req.ReplyHTML(ctx, m.helpText(req.Args, req.IsOwner()))
			return nil
		},
	})

	tree, err := buildTree(cmds)
	if err != nil {
		return err
	}
	menu := menuFor(tree.root)
	m.mu.Lock()
	m.tree = tree
	m.menu = menu
	m.mu.Unlock()
	return nil
}

// UpdateMenu publishes the public command list if the adapter supports it.
func (m *Manager) UpdateMenu(ctx context.Context) error {
	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	m.mu.RLock()
	menu := append([]kit.BotCommand(nil), m.menu...)
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(ctx, menu)
}

// DispatchLoop routes updates into a bounded worker pool until ctx is done or
// updates is closed.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	m.mu.RLock()
	workers := m.cfg.Workers
	m.mu.RUnlock()

	sup := supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(m.log),
		supervisor.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			m.setSupervisor(sup, false)
			close(m.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					if job == nil {
						continue
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Message != nil {
				m.routeMessage(ctx, up.Message, m.enqueue)
			}
		}
	}
}

func (m *Manager) enqueue(ctx context.Context, req *Request, h HandlerFunc) {
	if !m.tryEnqueue(func() { _ = h(ctx, req) }) {
		req.Reply(ctx, "Busy, please try again in a moment.")
	}
}

// Handle routes and runs one message synchronously.
func (m *Manager) Handle(ctx context.Context, msg *kit.Message) {
	m.routeMessage(ctx, msg, func(ctx context.Context, req *Request, h HandlerFunc) {
		_ = h(ctx, req)
	})
}

type runFunc func(ctx context.Context, req *Request, h HandlerFunc)

func (m *Manager) routeMessage(ctx context.Context, msg *kit.Message, run runFunc) {
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	m.mu.RLock()
	tree := m.tree
	m.mu.RUnlock()

	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	cur, path, args := tree.resolve(parts[0], parts[1:])
	if cur == nil {
		m.sendPlain(ctx, chat, "Unknown command. Try /help")
		return
	}
	if cur.cmd == nil {
		_, _ = m.adapter.SendText(ctx, chat, m.helpText(path, m.isOwner(msg.FromID)), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
		return
	}
	m.dispatch(ctx, msg, *cur.cmd, path, args, run)
}

func (m *Manager) dispatch(ctx context.Context, msg *kit.Message, cmd Command, path, raw []string, run runFunc) {
	owner := m.isOwner(msg.FromID)
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if cmd.Access == AccessOwnerOnly && !owner {
		m.sendPlain(ctx, chat, "This command is restricted to administrators.")
		return
	}

	m.mu.RLock()
	defTimeout := m.cfg.CommandTimeout
	m.mu.RUnlock()
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defTimeout
	}

	rid := newReqID()
	req := &Request{
		Chat:         chat,
		MessageID:    msg.ID,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Private:      msg.IsPrivate,
		Path:         path,
		Command:      cmd.Route,
		Args:         raw,
		ReqID:        rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
		adapter: m.adapter,
		isOwner: owner,
	}

	// panics surface as handler errors so the request log and audit see them
	mws := []Middleware{logRequest(m.log)}
	if cmd.Audit {
		mws = append(mws, audit(m.store, m.log))
	}
	mws = append(mws, recoverPanics(m.log), withTimeout(timeout))
	run(ctx, req, chain(cmd.Handle, mws...))
}

func (m *Manager) sendPlain(ctx context.Context, to kit.ChatTarget, text string) {
	if _, err := m.adapter.SendText(ctx, to, text, nil); err != nil {
		m.log.Warn("reply failed", logx.Err(err))
	}
}
