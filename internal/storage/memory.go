package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore keeps everything in process memory. The file driver embeds it
// and persists after every mutation.
type memStore struct {
	mu     sync.Mutex
	now    func() time.Time
	closed bool

	users  map[string]*User
	global *GlobalState
	audit  []AuditEntry

	// persist runs under mu after every successful mutation.
	persist func() error
	// appendAudit replaces the in-memory audit slice when set.
	appendAudit func(e AuditEntry) error
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	g := &GlobalState{}
	g.normalize()
	return &memStore{now: time.Now, users: map[string]*User{}, global: g}
}

func (s *memStore) GetUser(ctx context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(u)
}

func (s *memStore) ListUsers(ctx context.Context) ([]*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		cp, err := clone(u)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) UpdateUser(ctx context.Context, id string, fn func(u *User) error) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	now := s.now()
	var (
		work *User
		err  error
	)
	if cur, ok := s.users[id]; ok {
		if work, err = clone(cur); err != nil {
			return nil, err
		}
	} else {
		work = newUser(id, now)
	}
	work.normalize()
	if err := fn(work); err != nil {
		return nil, err
	}
	work.ID = id
	work.UpdatedAt = now
	work.normalize()

	prev, had := s.users[id]
	s.users[id] = work
	if err := s.flush(); err != nil {
		if had {
			s.users[id] = prev
		} else {
			delete(s.users, id)
		}
		return nil, err
	}
	return clone(work)
}

func (s *memStore) DeleteUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, had := s.users[id]
	if !had {
		return nil
	}
	delete(s.users, id)
	if err := s.flush(); err != nil {
		s.users[id] = prev
		return err
	}
	return nil
}

func (s *memStore) GetGlobal(ctx context.Context) (*GlobalState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return clone(s.global)
}

func (s *memStore) UpdateGlobal(ctx context.Context, fn func(g *GlobalState) error) (*GlobalState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	work, err := clone(s.global)
	if err != nil {
		return nil, err
	}
	work.normalize()
	if err := fn(work); err != nil {
		return nil, err
	}
	work.UpdatedAt = s.now()
	work.normalize()

	prev := s.global
	s.global = work
	if err := s.flush(); err != nil {
		s.global = prev
		return nil, err
	}
	return clone(work)
}

func (s *memStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	if s.appendAudit != nil {
		return s.appendAudit(e)
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memStore) flush() error {
	if s.persist == nil {
		return nil
	}
	return s.persist()
}
