package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "claimbot/pkg/logx"
)

// fileStore persists the whole state as one JSON document.
//
// Files:
//   - <path>                (state, replaced atomically via tmp + rename)
//   - <prefix>.audit.jsonl  (append-only JSON Lines)
type fileStore struct {
	*memStore
	log logx.Logger

	path string

	auditMu   sync.Mutex
	auditFile *os.File
}

type fileDoc struct {
	Version int              `json:"version"`
	Users   map[string]*User `json:"users"`
	Global  *GlobalState     `json:"global"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(path, filepath.Ext(path))

	mem := newMemStore()
	if b, err := os.ReadFile(path); err == nil {
		var doc fileDoc
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		for id, u := range doc.Users {
			if u == nil {
				continue
			}
			u.ID = id
			u.normalize()
			mem.users[id] = u
		}
		if doc.Global != nil {
			doc.Global.normalize()
			mem.global = doc.Global
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{memStore: mem, log: log, path: path, auditFile: af}
	mem.persist = s.writeLocked
	mem.appendAudit = s.appendAuditLine
	log.Info("file store opened", logx.String("path", path), logx.Int("users", len(mem.users)))
	return s, nil
}

// writeLocked runs with memStore.mu held.
func (s *fileStore) writeLocked() error {
	b, err := json.MarshalIndent(fileDoc{Version: 1, Users: s.users, Global: s.global}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) appendAuditLine(e AuditEntry) error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Close() error {
	_ = s.memStore.Close()
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}
