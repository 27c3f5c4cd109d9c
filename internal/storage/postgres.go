package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "claimbot/pkg/logx"
)

type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
	now  func() time.Time
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	schema, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	cc := pool.Config().ConnConfig
	log.Info("postgres store opened", logx.String("host", cc.Host), logx.String("database", cc.Database), logx.Secret("password", cc.Password))
	return &pgStore{pool: pool, log: log, now: time.Now}, nil
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *pgStore) GetUser(ctx context.Context, id string) (*User, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM claimbot_users WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeUser(id, doc)
}

func (s *pgStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, doc FROM claimbot_users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*User
	for rows.Next() {
		var id string
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		u, err := decodeUser(id, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *pgStore) UpdateUser(ctx context.Context, id string, fn func(u *User) error) (*User, error) {
	now := s.now()
	var out *User
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		seed, err := json.Marshal(newUser(id, now))
		if err != nil {
			return err
		}
		// Make sure a row exists so FOR UPDATE has something to lock.
		if _, err := tx.Exec(ctx,
			`INSERT INTO claimbot_users(id, doc, updated_at) VALUES($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
			id, seed, now,
		); err != nil {
			return err
		}
		var doc []byte
		if err := tx.QueryRow(ctx, `SELECT doc FROM claimbot_users WHERE id = $1 FOR UPDATE`, id).Scan(&doc); err != nil {
			return err
		}
		u, err := decodeUser(id, doc)
		if err != nil {
			return err
		}
		if err := fn(u); err != nil {
			return err
		}
		u.ID = id
		u.UpdatedAt = now
		u.normalize()
		b, err := json.Marshal(u)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE claimbot_users SET doc = $2, updated_at = $3 WHERE id = $1`, id, b, now); err != nil {
			return err
		}
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *pgStore) DeleteUser(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM claimbot_users WHERE id = $1`, id)
	return err
}

func (s *pgStore) GetGlobal(ctx context.Context) (*GlobalState, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM claimbot_global_state WHERE id = 1`).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return decodeGlobal(nil)
	}
	if err != nil {
		return nil, err
	}
	return decodeGlobal(doc)
}

func (s *pgStore) UpdateGlobal(ctx context.Context, fn func(g *GlobalState) error) (*GlobalState, error) {
	now := s.now()
	var out *GlobalState
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO claimbot_global_state(id, doc, updated_at) VALUES(1, '{}'::jsonb, $1) ON CONFLICT (id) DO NOTHING`,
			now,
		); err != nil {
			return err
		}
		var doc []byte
		if err := tx.QueryRow(ctx, `SELECT doc FROM claimbot_global_state WHERE id = 1 FOR UPDATE`).Scan(&doc); err != nil {
			return err
		}
		g, err := decodeGlobal(doc)
		if err != nil {
			return err
		}
		if err := fn(g); err != nil {
			return err
		}
		g.UpdatedAt = now
		g.normalize()
		b, err := json.Marshal(g)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE claimbot_global_state SET doc = $1, updated_at = $2 WHERE id = 1`, b, now); err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *pgStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO claimbot_audit(at, request_id, actor_id, actor_username, chat_id, action, target, ok, err, took_ms)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.At, nullStr(e.RequestID), e.ActorID, nullStr(e.ActorUsername), e.ChatID,
		e.Action, nullStr(e.Target), e.OK, nullStr(e.Error), e.TookMS,
	)
	return err
}
