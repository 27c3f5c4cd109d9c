package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	logx "claimbot/pkg/logx"
)

// Store is the persistence API used by the sweep engine and the bot.
type Store interface {
	// GetUser returns a copy of the user or ErrNotFound.
	GetUser(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	// UpdateUser runs fn on a copy of the user (created empty if missing) and
	// persists the result. An error from fn aborts without writing.
	UpdateUser(ctx context.Context, id string, fn func(u *User) error) (*User, error)
	// DeleteUser removes the user and its accounts. Missing users are not an error.
	DeleteUser(ctx context.Context, id string) error

	GetGlobal(ctx context.Context) (*GlobalState, error)
	UpdateGlobal(ctx context.Context, fn func(g *GlobalState) error) (*GlobalState, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

func newUser(id string, now time.Time) *User {
	return &User{ID: id, Accounts: map[string]*Account{}, CreatedAt: now, UpdatedAt: now}
}

// normalize fills nil maps so callers can write without checks.
func (u *User) normalize() {
	if u.Accounts == nil {
		u.Accounts = map[string]*Account{}
	}
	for id, a := range u.Accounts {
		if a == nil {
			delete(u.Accounts, id)
		}
	}
	if u.ActiveAccountID != "" && u.Accounts[u.ActiveAccountID] == nil {
		u.ActiveAccountID = ""
	}
}

func (g *GlobalState) normalize() {
	if g.KnownRewards == nil {
		g.KnownRewards = map[string]time.Time{}
	}
}

// clone deep-copies through JSON, which is also the on-disk form.
func clone[T any](v *T) (*T, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeUser(id string, b []byte) (*User, error) {
	var u User
	if err := json.Unmarshal(b, &u); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", id, err)
	}
	if u.ID == "" {
		u.ID = id
	}
	u.normalize()
	return &u, nil
}

func decodeGlobal(b []byte) (*GlobalState, error) {
	var g GlobalState
	if len(b) > 0 {
		if err := json.Unmarshal(b, &g); err != nil {
			return nil, fmt.Errorf("decode global state: %w", err)
		}
	}
	g.normalize()
	return &g, nil
}
