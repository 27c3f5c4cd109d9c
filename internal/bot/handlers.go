package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"claimbot/internal/actions"
	"claimbot/internal/autorun"
	"claimbot/internal/mcp"
	"claimbot/internal/storage"
	"claimbot/internal/task/engine"
)

const (
	msgNeedToken = "Please set your MCP token first with /token <YOUR_TOKEN>."
	msgNoData    = "No data returned."
)

// Gateway performs upstream tool calls for a user's account.
type Gateway interface {
	Call(ctx context.Context, userID string, acc *storage.Account, tool string, args map[string]any) (mcp.Result, error)
	Forget(userID, accountID string)
}

// Autorun is the slice of the sweep runner the commands drive.
type Autorun interface {
	Config() autorun.Config
	ClaimNow(ctx context.Context, userID string, acc *storage.Account) (mcp.Result, error)
	TriggerSweep(trigger string) error
	OpenBurst(ctx context.Context, window time.Duration) (*storage.Burst, error)
	ClearBurst(ctx context.Context) error
}

type Handlers struct {
	store   storage.Store
	gateway Gateway
	runner  Autorun

	now   func() time.Time
	newID func() string
}

func NewHandlers(store storage.Store, gw Gateway, runner Autorun) *Handlers {
	return &Handlers{
		store:   store,
		gateway: gw,
		runner:  runner,
		now:     time.Now,
		newID:   newAccountID,
	}
}

func newAccountID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Commands returns the full command set.
func (h *Handlers) Commands() []Command {
	return []Command{
		{Route: "start", Description: "welcome and quick start", Handle: h.start},
		{Route: "token", Aliases: []string{"settoken"}, Description: "add an MCP token", Usage: "/token <token> [label]", Audit: true, Handle: h.token},
		{Route: "accounts", Description: "list your accounts", Handle: h.accounts},
		{Route: "use", Description: "select the active account", Usage: "/use <id>", Audit: true, Handle: h.use},
		{Route: "remove", Description: "remove one account", Usage: "/remove <id>", Audit: true, Handle: h.remove},
		{Route: "cleartoken", Description: "remove all your tokens", Audit: true, Handle: h.clearToken},
		{Route: "autorun", Aliases: []string{"autoclaim"}, Description: "daily auto-claim", Usage: "/autorun on|off [id]", Audit: true, Handle: h.autorun},
		{Route: "report", Description: "auto-claim notifications", Usage: "/report success|failure on|off [id]", Audit: true, Handle: h.report},
		{Route: "claim", Description: "claim all coupons now", Audit: true, Timeout: 2 * time.Minute, Handle: h.claim},
		{Route: "coupons", Description: "available coupons", Handle: h.tool(actions.ToolAvailable, "Coupons")},
		{Route: "mycoupons", Description: "my coupons", Handle: h.tool(actions.ToolMyCoupons, "My coupons")},
		{Route: "calendar", Description: "campaign calendar", Usage: "/calendar [YYYY-MM-DD]", Handle: h.calendar},
		{Route: "time", Description: "current time info", Handle: h.tool(actions.ToolNowTime, "Time")},
		{Route: "status", Description: "token and auto-claim status", Handle: h.status},

		{Route: "sweep", Description: "run a sweep now", Access: AccessOwnerOnly, Audit: true, Handle: h.sweep},
		{Route: "schedule", Description: "sweep and burst state", Access: AccessOwnerOnly, Handle: h.schedule},
		{Route: "burst open", Description: "open a burst window", Usage: "/burst open [minutes]", Access: AccessOwnerOnly, Audit: true, Handle: h.burstOpen},
		{Route: "burst clear", Description: "end the active burst", Access: AccessOwnerOnly, Audit: true, Handle: h.burstClear},
	}
}

func (h *Handlers) start(ctx context.Context, req *Request) error {
	req.Reply(ctx, strings.Join([]string{
		"Welcome. Set your MCP token with:",
		"/token YOUR_MCP_TOKEN",
		"",
		"Commands:",
		"/calendar [YYYY-MM-DD] - Campaign calendar",
		"/coupons - Available coupons",
		"/claim - One-click claim all coupons",
		"/mycoupons - My coupons",
		"/time - Current time info",
		"/autorun on|off - Daily auto-claim",
		"/report success|failure on|off - Auto-claim notifications",
		"/accounts - Your accounts (/use, /remove)",
		"/status - View token/auto-claim status",
		"/cleartoken - Remove your token",
	}, "\n"))
	return nil
}

func (h *Handlers) token(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		req.Reply(ctx, "Usage: /token YOUR_MCP_TOKEN [label]")
		return nil
	}
	if !req.Private {
		req.Reply(ctx, "Send your token in a private chat with the bot.")
		return nil
	}
	tok := strings.TrimSpace(req.Args[0])
	label := strings.TrimSpace(strings.Join(req.Args[1:], " "))

	var (
		accID  string
		reused bool
	)
	_, err := h.store.UpdateUser(ctx, req.UserID(), func(u *storage.User) error {
		for _, a := range u.Accounts {
			if a.Token == tok {
				accID, reused = a.ID, true
				if label != "" {
					a.Label = label
				}
				u.ActiveAccountID = a.ID
				return nil
			}
		}
		accID = h.uniqueID(u)
		u.Accounts[accID] = &storage.Account{
			ID:            accID,
			Token:         tok,
			Label:         label,
			ReportSuccess: true,
			ReportFailure: true,
			CreatedAt:     h.now(),
		}
		u.ActiveAccountID = accID
		return nil
	})
	if err != nil {
		return err
	}
	req.AuditTarget = accID
	if reused {
		req.Reply(ctx, fmt.Sprintf("Token already stored as account %s; it is now active.", accID))
		return nil
	}
	req.Reply(ctx, fmt.Sprintf("Token saved as account %s. You can now use the bot commands.", accID))
	return nil
}

func (h *Handlers) uniqueID(u *storage.User) string {
	for {
		id := h.newID()
		if _, taken := u.Accounts[id]; !taken {
			return id
		}
	}
}

func (h *Handlers) accounts(ctx context.Context, req *Request) error {
	u, err := h.getUser(ctx, req)
	if err != nil || u == nil {
		return err
	}
	active := u.ActiveAccount()
	lines := []string{"Accounts:"}
	for _, a := range u.SortedAccounts() {
		mark := "  "
		if a == active {
			mark = "* "
		}
		line := mark + a.ID
		if a.Label != "" {
			line += " (" + a.Label + ")"
		}
		line += " - auto-claim " + onOff(a.AutoRun)
		lines = append(lines, line)
	}
	lines = append(lines, "", "* active. Switch with /use <id>.")
	req.Reply(ctx, strings.Join(lines, "\n"))
	return nil
}

func (h *Handlers) use(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		req.Reply(ctx, "Usage: /use <id>")
		return nil
	}
	id := req.Args[0]
	req.AuditTarget = id
	_, err := h.store.UpdateUser(ctx, req.UserID(), func(u *storage.User) error {
		if u.Account(id) == nil {
			return storage.ErrNotFound
		}
		u.ActiveAccountID = id
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		req.Reply(ctx, "No account "+id+". See /accounts.")
		return nil
	}
	if err != nil {
		return err
	}
	req.Reply(ctx, "Active account: "+id+".")
	return nil
}

func (h *Handlers) remove(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		req.Reply(ctx, "Usage: /remove <id>")
		return nil
	}
	id := req.Args[0]
	req.AuditTarget = id
	_, err := h.store.UpdateUser(ctx, req.UserID(), func(u *storage.User) error {
		if u.Account(id) == nil {
			return storage.ErrNotFound
		}
		delete(u.Accounts, id)
		if u.ActiveAccountID == id {
			u.ActiveAccountID = ""
		}
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		req.Reply(ctx, "No account "+id+". See /accounts.")
		return nil
	}
	if err != nil {
		return err
	}
	h.gateway.Forget(req.UserID(), id)
	req.Reply(ctx, "Account "+id+" removed.")
	return nil
}

func (h *Handlers) clearToken(ctx context.Context, req *Request) error {
	u, err := h.store.GetUser(ctx, req.UserID())
	if errors.Is(err, storage.ErrNotFound) || (err == nil && len(u.Accounts) == 0) {
		req.Reply(ctx, "No token stored.")
		return nil
	}
	if err != nil {
		return err
	}
	if err := h.store.DeleteUser(ctx, req.UserID()); err != nil {
		return err
	}
	for id := range u.Accounts {
		h.gateway.Forget(req.UserID(), id)
	}
	req.Reply(ctx, "Token removed.")
	return nil
}

func (h *Handlers) autorun(ctx context.Context, req *Request) error {
	if len(req.Args) < 1 || len(req.Args) > 2 {
		req.Reply(ctx, "Usage: /autorun on|off [id]")
		return nil
	}
	on, ok := parseOnOff(req.Args[0])
	if !ok {
		req.Reply(ctx, "Usage: /autorun on|off [id]")
		return nil
	}
	acc, err := h.updateAccount(ctx, req, req.Args[1:], func(a *storage.Account) { a.AutoRun = on })
	if err != nil || acc == nil {
		return err
	}
	msg := "Auto-claim " + enabledWord(on) + "."
	if on {
		cfg := h.runner.Config()
		day := autorun.LocalDay(h.now(), cfg.Location)
		msg += " Today's slot: " + formatMinute(autorun.TargetMinute(req.UserID(), acc.ID, day, cfg.StartHour, cfg.SpreadMinutes)) + " " + cfg.Location.String() + "."
	}
	req.Reply(ctx, msg)
	return nil
}

func (h *Handlers) report(ctx context.Context, req *Request) error {
	const usage = "Usage: /report success|failure on|off [id]"
	if len(req.Args) < 2 || len(req.Args) > 3 {
		req.Reply(ctx, usage)
		return nil
	}
	kind := strings.ToLower(req.Args[0])
	on, ok := parseOnOff(req.Args[1])
	if !ok || (kind != "success" && kind != "failure") {
		req.Reply(ctx, usage)
		return nil
	}
	acc, err := h.updateAccount(ctx, req, req.Args[2:], func(a *storage.Account) {
		if kind == "success" {
			a.ReportSuccess = on
		} else {
			a.ReportFailure = on
		}
	})
	if err != nil || acc == nil {
		return err
	}
	req.Reply(ctx, fmt.Sprintf("%s reports %s.", strings.ToUpper(kind[:1])+kind[1:], enabledWord(on)))
	return nil
}

// updateAccount applies fn to the named account (or the active one) and
// replies on its own when there is nothing to update.
func (h *Handlers) updateAccount(ctx context.Context, req *Request, idArg []string, fn func(a *storage.Account)) (*storage.Account, error) {
	var target *storage.Account
	_, err := h.store.UpdateUser(ctx, req.UserID(), func(u *storage.User) error {
		var acc *storage.Account
		if len(idArg) > 0 {
			acc = u.Account(idArg[0])
		} else {
			acc = u.ActiveAccount()
		}
		if acc == nil || !acc.HasToken() {
			return storage.ErrNotFound
		}
		fn(acc)
		cp := *acc
		target = &cp
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		if len(idArg) > 0 {
			req.Reply(ctx, "No account "+idArg[0]+". See /accounts.")
		} else {
			req.Reply(ctx, msgNeedToken)
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	req.AuditTarget = target.ID
	return target, nil
}

func (h *Handlers) claim(ctx context.Context, req *Request) error {
	_, acc, err := h.activeAccount(ctx, req)
	if err != nil || acc == nil {
		return err
	}
	req.AuditTarget = acc.ID
	res, err := h.runner.ClaimNow(ctx, req.UserID(), acc)
	if errors.Is(err, autorun.ErrPairBusy) {
		req.Reply(ctx, "A claim for this account is already running.")
		return nil
	}
	h.replyResult(ctx, req, "Claim", res, err)
	return err
}

func (h *Handlers) tool(name, label string) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		_, acc, err := h.activeAccount(ctx, req)
		if err != nil || acc == nil {
			return err
		}
		res, err := h.gateway.Call(ctx, req.UserID(), acc, name, nil)
		h.replyResult(ctx, req, label, res, err)
		return nil
	}
}

func (h *Handlers) calendar(ctx context.Context, req *Request) error {
	var args map[string]any
	if len(req.Args) > 1 {
		req.Reply(ctx, "Usage: /calendar [YYYY-MM-DD]")
		return nil
	}
	if len(req.Args) == 1 {
		day, ok := parseDay(req.Args[0])
		if !ok {
			req.Reply(ctx, "Invalid date format. Use YYYY-MM-DD.")
			return nil
		}
		args = map[string]any{actions.ArgSpecifiedDate: day}
	}
	_, acc, err := h.activeAccount(ctx, req)
	if err != nil || acc == nil {
		return err
	}
	res, err := h.gateway.Call(ctx, req.UserID(), acc, actions.ToolCalendar, args)
	h.replyResult(ctx, req, "Calendar", res, err)
	return nil
}

func (h *Handlers) replyResult(ctx context.Context, req *Request, label string, res mcp.Result, err error) {
	if err != nil {
		req.Reply(ctx, fmt.Sprintf("%s request failed: %s", label, userError(err)))
		return
	}
	text := strings.TrimSpace(res.Format())
	if text == "" {
		text = msgNoData
	}
	req.Reply(ctx, text)
}

// userError strips the package prefixes off upstream errors.
func userError(err error) string {
	var ae *mcp.ActionError
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	if mcp.IsAuthFailure(err) {
		return "the token was rejected; set a new one with /token"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	return strings.TrimPrefix(err.Error(), "mcp: ")
}

func (h *Handlers) activeAccount(ctx context.Context, req *Request) (*storage.User, *storage.Account, error) {
	u, err := h.store.GetUser(ctx, req.UserID())
	if errors.Is(err, storage.ErrNotFound) {
		req.Reply(ctx, msgNeedToken)
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	acc := u.ActiveAccount()
	if !acc.HasToken() {
		req.Reply(ctx, msgNeedToken)
		return nil, nil, nil
	}
	return u, acc, nil
}

func (h *Handlers) getUser(ctx context.Context, req *Request) (*storage.User, error) {
	u, err := h.store.GetUser(ctx, req.UserID())
	if errors.Is(err, storage.ErrNotFound) || (err == nil && len(u.Accounts) == 0) {
		req.Reply(ctx, "No token stored. Use /token to set it.")
		return nil, nil
	}
	return u, err
}

func (h *Handlers) status(ctx context.Context, req *Request) error {
	u, err := h.getUser(ctx, req)
	if err != nil || u == nil {
		return err
	}
	cfg := h.runner.Config()
	now := h.now()
	day := autorun.LocalDay(now, cfg.Location)

	var blocks []string
	for _, a := range u.SortedAccounts() {
		lines := []string{"Account " + a.DisplayName() + " (" + a.ID + ")"}
		lines = append(lines, "Token: "+setOrMissing(a.HasToken()))
		lines = append(lines, "Auto-claim: "+enabledWord(a.AutoRun))
		if a.AutoRun {
			lines = append(lines, "Today's slot: "+formatMinute(autorun.TargetMinute(u.ID, a.ID, day, cfg.StartHour, cfg.SpreadMinutes)))
		}
		lines = append(lines, fmt.Sprintf("Reports: success %s, failure %s", onOff(a.ReportSuccess), onOff(a.ReportFailure)))
		last := "never"
		if !a.LastRunAt.IsZero() {
			last = a.LastRunAt.In(cfg.Location).Format("2006-01-02 15:04") + " (" + runStatus(a.LastRunStatus) + ")"
		}
		lines = append(lines, "Last auto-claim: "+last)
		lines = append(lines, fmt.Sprintf("Runs: %d ok, %d failed", a.SuccessCount, a.FailureCount))
		blocks = append(blocks, strings.Join(lines, "\n"))
	}
	req.Reply(ctx, strings.Join(blocks, "\n\n"))
	return nil
}

func (h *Handlers) sweep(ctx context.Context, req *Request) error {
	err := h.runner.TriggerSweep("manual")
	if errors.Is(err, engine.ErrOverlapSkip) {
		req.Reply(ctx, "A sweep is already queued or running.")
		return nil
	}
	if err != nil {
		return err
	}
	req.Reply(ctx, "Sweep queued.")
	return nil
}

func (h *Handlers) schedule(ctx context.Context, req *Request) error {
	g, err := h.store.GetGlobal(ctx)
	if err != nil {
		return err
	}
	cfg := h.runner.Config()
	loc := cfg.Location
	now := h.now()

	lines := []string{
		"Auto-claim: " + enabledWord(cfg.Enabled),
		fmt.Sprintf("Window: %02d:00 %s + %dm spread", cfg.StartHour, loc, cfg.SpreadMinutes),
		fmt.Sprintf("Tick: every %s, at most %d per tick, %s apart", cfg.TickInterval, cfg.MaxPerTick, cfg.RequestGap),
	}
	if b := g.Burst; b.Active(now) {
		lines = append(lines, fmt.Sprintf("Burst: %s active until %s (%d rewards)", b.ID, b.EndAt.In(loc).Format("15:04"), len(b.TriggeringRewardIDs)))
	} else {
		lines = append(lines, "Burst: none")
	}
	ls := g.LastSweep
	if ls.StartedAt.IsZero() {
		lines = append(lines, "Last sweep: never")
	} else {
		s := fmt.Sprintf("Last sweep: %s %s/%s, %d/%d processed in %s",
			ls.StartedAt.In(loc).Format("2006-01-02 15:04:05"), ls.Mode, ls.Trigger, ls.Processed, ls.Eligible, time.Duration(ls.DurationMs)*time.Millisecond)
		if ls.Error != "" {
			s += " (error: " + ls.Error + ")"
		}
		lines = append(lines, s)
	}
	lines = append(lines,
		fmt.Sprintf("Known rewards: %d", len(g.KnownRewards)),
		fmt.Sprintf("Runs: %d (%d ok, %d failed, %d with new rewards)", g.Usage.Runs, g.Usage.Successes, g.Usage.Failures, g.Usage.Effects),
	)
	req.Reply(ctx, strings.Join(lines, "\n"))
	return nil
}

func (h *Handlers) burstOpen(ctx context.Context, req *Request) error {
	window := h.runner.Config().BurstWindow
	if len(req.Args) > 0 {
		w, ok := parseMinutes(req.Args[0], 24*60)
		if !ok {
			req.Reply(ctx, "Usage: /burst open [minutes]")
			return nil
		}
		window = w
	}
	b, err := h.runner.OpenBurst(ctx, window)
	if err != nil {
		return err
	}
	req.AuditTarget = b.ID
	req.Reply(ctx, fmt.Sprintf("Burst %s open until %s.", b.ID, b.EndAt.In(h.runner.Config().Location).Format("15:04")))
	return nil
}

func (h *Handlers) burstClear(ctx context.Context, req *Request) error {
	err := h.runner.ClearBurst(ctx)
	if errors.Is(err, autorun.ErrNoBurst) {
		req.Reply(ctx, "No active burst.")
		return nil
	}
	if err != nil {
		return err
	}
	req.Reply(ctx, "Burst cleared.")
	return nil
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func enabledWord(v bool) string {
	if v {
		return "enabled"
	}
	return "disabled"
}

func setOrMissing(v bool) string {
	if v {
		return "set"
	}
	return "missing"
}

func runStatus(s string) string {
	if s == "" {
		return "unknown"
	}
	if s == storage.StatusSuccess {
		return "success"
	}
	return strings.TrimPrefix(s, "failure:")
}

func formatMinute(m int) string { return fmt.Sprintf("%02d:%02d", m/60, m%60) }
