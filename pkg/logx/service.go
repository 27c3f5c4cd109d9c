package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const defaultLogPath = "./data/claimbot.log"

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
	// Version is stamped on every line when set.
	Version string
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Service owns the log sinks and swaps them on Apply. Loggers handed out
// earlier pick up the new root on their next call.
type Service struct {
	mu   sync.Mutex
	file *os.File
	chat *chatSink

	root atomic.Pointer[zerolog.Logger]
}

// New creates the logging service, applies cfg immediately and returns the
// service plus a root Logger bound to it. sender may be nil when no chat
// sink is wanted.
func New(cfg Config, sender Sender) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{chat: newChatSink(sender)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// SetTelegramTarget points the chat sink at a group; chatID 0 mutes it.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	s.chat.target(chatID, threadID)
}

func (s *Service) Close() error {
	s.chat.stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFileLocked()
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chat.configure(cfg.Telegram)
	ctx := zerolog.New(zerolog.MultiLevelWriter(s.writersLocked(cfg)...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp()
	if v := strings.TrimSpace(cfg.Version); v != "" {
		ctx = ctx.Str("version", v)
	}
	zl := ctx.Logger()
	s.root.Store(&zl)
}

// writersLocked reopens the file sink and returns the writers for cfg. The
// console is the fallback when nothing else is enabled.
func (s *Service) writersLocked(cfg Config) []io.Writer {
	_ = s.closeFileLocked()

	var out []io.Writer
	if cfg.Console {
		out = append(out, newConsoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		f, err := openLogFile(cfg.File.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: file sink disabled: %v\n", err)
		} else {
			s.file = f
			out = append(out, zerolog.SyncWriter(f))
		}
	}
	if cfg.Telegram.Enabled && s.chat.start() {
		out = append(out, s.chat)
	}
	if len(out) == 0 {
		out = append(out, newConsoleWriter(os.Stdout))
	}
	return out
}

func (s *Service) closeFileLocked() error {
	f := s.file
	s.file = nil
	if f == nil {
		return nil
	}
	return f.Close()
}

func openLogFile(path string) (*os.File, error) {
	if path = strings.TrimSpace(path); path == "" {
		path = defaultLogPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

func newConsoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: consoleTimeFormat,
		// the caller is already trimmed to file:line
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}
