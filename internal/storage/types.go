package storage

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage. An empty Driver means "memory".
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

const (
	StatusSuccess       = "success"
	statusFailurePrefix = "failure:"
)

// FailureStatus renders the persisted status of a failed run.
func FailureStatus(msg string) string { return statusFailurePrefix + msg }

// Account is one credential under a user.
type Account struct {
	ID            string `json:"id"`
	Token         string `json:"token"`
	Label         string `json:"label,omitempty"`
	AutoRun       bool   `json:"auto_run"`
	ReportSuccess bool   `json:"report_success"`
	ReportFailure bool   `json:"report_failure"`

	// LastRunDate is the local calendar day (YYYY-MM-DD) of the last attempt.
	LastRunDate   string    `json:"last_run_date,omitempty"`
	LastRunAt     time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string    `json:"last_run_status,omitempty"`
	LastBurstID   string    `json:"last_burst_id,omitempty"`
	LastRerunAt   time.Time `json:"last_rerun_at,omitempty"`
	// LastAuthNoticeDate is the local day the last auth-failure notice went out.
	LastAuthNoticeDate string `json:"last_auth_notice_date,omitempty"`

	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	CreatedAt    time.Time `json:"created_at"`
}

func (a *Account) HasToken() bool { return a != nil && strings.TrimSpace(a.Token) != "" }

func (a *Account) LastRunSucceeded() bool { return a != nil && a.LastRunStatus == StatusSuccess }

// DisplayName is the label if set, else the id.
func (a *Account) DisplayName() string {
	if a == nil {
		return ""
	}
	if l := strings.TrimSpace(a.Label); l != "" {
		return l
	}
	return a.ID
}

// User is keyed by the chat user id. Deleting a user deletes its accounts.
type User struct {
	ID              string              `json:"id"`
	Accounts        map[string]*Account `json:"accounts"`
	ActiveAccountID string              `json:"active_account_id,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

func (u *User) Account(id string) *Account {
	if u == nil || u.Accounts == nil {
		return nil
	}
	return u.Accounts[id]
}

// ActiveAccount returns the selected account, or the oldest one.
func (u *User) ActiveAccount() *Account {
	if a := u.Account(u.ActiveAccountID); a != nil {
		return a
	}
	if list := u.SortedAccounts(); len(list) > 0 {
		return list[0]
	}
	return nil
}

// SortedAccounts orders accounts by creation time, then id.
func (u *User) SortedAccounts() []*Account {
	if u == nil {
		return nil
	}
	out := make([]*Account, 0, len(u.Accounts))
	for _, a := range u.Accounts {
		if a != nil {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Burst is a temporary high-frequency window opened when new rewards show
// up. StartAt <= EndAt; active iff now < EndAt.
type Burst struct {
	ID                  string    `json:"id"`
	StartAt             time.Time `json:"start_at"`
	EndAt               time.Time `json:"end_at"`
	WindowMinutes       int       `json:"window_minutes"`
	TriggeringRewardIDs []string  `json:"triggering_reward_ids,omitempty"`
}

func (b *Burst) Active(now time.Time) bool { return b != nil && now.Before(b.EndAt) }

// SweepRecord is the durable trail of the last sweep.
type SweepRecord struct {
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Eligible   int       `json:"eligible"`
	Processed  int       `json:"processed"`
	Mode       string    `json:"mode,omitempty"` // daily | burst
	Trigger    string    `json:"trigger,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type UsageCounters struct {
	Runs       int64     `json:"runs"`
	Successes  int64     `json:"successes"`
	Failures   int64     `json:"failures"`
	Effects    int64     `json:"effects"`
	LastCallAt time.Time `json:"last_call_at,omitempty"`
}

// GlobalState is the singleton schedule record.
type GlobalState struct {
	LastRequestAt time.Time            `json:"last_request_at,omitempty"`
	Burst         *Burst               `json:"burst,omitempty"`
	LastSweep     SweepRecord          `json:"last_sweep"`
	KnownRewards  map[string]time.Time `json:"known_rewards,omitempty"`
	Usage         UsageCounters        `json:"usage"`
	UpdatedAt     time.Time            `json:"updated_at,omitempty"`
}

// AuditEntry records a mutating user or operator action.
type AuditEntry struct {
	At            time.Time `json:"at"`
	RequestID     string    `json:"request_id,omitempty"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	OK            bool      `json:"ok"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms"`
}
