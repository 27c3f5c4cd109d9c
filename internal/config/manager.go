package config

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	logx "claimbot/pkg/logx"
)

// validateTimeout bounds the reload hook installed with SetValidator.
const validateTimeout = 5 * time.Second

// ConfigManager owns the committed config and fans reloads out to subscribers.
type ConfigManager struct {
	path   string
	getenv func(string) string

	mu      sync.RWMutex
	current *Config
	hash    uint64

	subs      subscribers
	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, getenv: os.Getenv, log: logx.Nop()}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator installs a hook that Watch runs before committing a reload.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads the file and applies env overrides without committing.
func (m *ConfigManager) Parse() (*Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, data)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, m.getenv)
	return cfg, nil
}

// Load parses, validates and commits the file.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err == nil {
		err = Validate(cfg)
	}
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	h := hashConfig(cfg)
	m.mu.Lock()
	m.current, m.hash = cfg, h
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config { return m.subs.add(buffer) }

// Unsubscribe closes ch. Unknown channels are ignored.
func (m *ConfigManager) Unsubscribe(ch chan *Config) { m.subs.remove(ch) }

// reload commits the file when it changed and passes both validations.
func (m *ConfigManager) reload(ctx context.Context) {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.hash
	m.mu.RUnlock()
	if same {
		log.Debug("config unchanged; skipping publish")
		return
	}
	if err := m.check(ctx, cfg); err != nil {
		log.Warn("config rejected", logx.Err(err))
		return
	}
	m.Commit(cfg)
	if n := m.subs.send(cfg); n > 0 {
		log.Debug("config update dropped (subscriber slow)", logx.Int("subscribers", n))
	}
	log.Debug("config published", logx.String("hash", fmt.Sprintf("%x", h)))
}

func (m *ConfigManager) check(ctx context.Context, cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.validator == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	return m.validator(vctx, cfg)
}

// subscribers is a latest-wins fan-out: a full channel loses its oldest
// pending config rather than the newest.
type subscribers struct {
	mu  sync.Mutex // held while sending so remove never closes mid-send
	chs []chan *Config
}

func (s *subscribers) add(buffer int) chan *Config {
	ch := make(chan *Config, max(1, buffer))
	s.mu.Lock()
	s.chs = append(s.chs, ch)
	s.mu.Unlock()
	return ch
}

func (s *subscribers) remove(ch chan *Config) {
	if ch == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := slices.Index(s.chs, ch); i >= 0 {
		s.chs = slices.Delete(s.chs, i, i+1)
		close(ch)
	}
}

// send returns how many subscribers could not take cfg at all.
func (s *subscribers) send(cfg *Config) (missed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.chs {
		if !offer(ch, cfg) {
			missed++
		}
	}
	return missed
}

func offer(ch chan *Config, cfg *Config) bool {
	for range 2 {
		select {
		case ch <- cfg:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}
