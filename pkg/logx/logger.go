package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Field mutates a zerolog event. Fields are applied in order; when the same
// key is set twice the later one wins.
type Field func(e *zerolog.Event)

// put adapts a zerolog setter such as (*zerolog.Event).Str into a Field.
func put[T any](set func(*zerolog.Event, string, T) *zerolog.Event, k string, v T) Field {
	return func(e *zerolog.Event) { set(e, k, v) }
}

func String(k, v string) Field                 { return put((*zerolog.Event).Str, k, v) }
func Strings(k string, v []string) Field       { return put((*zerolog.Event).Strs, k, v) }
func Int(k string, v int) Field                { return put((*zerolog.Event).Int, k, v) }
func Int64(k string, v int64) Field            { return put((*zerolog.Event).Int64, k, v) }
func Uint64(k string, v uint64) Field          { return put((*zerolog.Event).Uint64, k, v) }
func Bool(k string, v bool) Field              { return put((*zerolog.Event).Bool, k, v) }
func Duration(k string, v time.Duration) Field { return put((*zerolog.Event).Dur, k, v) }
func Time(k string, v time.Time) Field         { return put((*zerolog.Event).Time, k, v) }
func Any(k string, v any) Field                { return put((*zerolog.Event).Interface, k, v) }

// Err is a no-op for a nil error.
func Err(err error) Field {
	if err == nil {
		return nil
	}
	return func(e *zerolog.Event) { e.Err(err) }
}

// Secret logs a credential as its first four bytes and its length. Empty
// values are logged as "unset".
func Secret(k, v string) Field {
	return func(e *zerolog.Event) { e.Str(k, maskSecret(v)) }
}

func maskSecret(v string) string {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return "unset"
	case len(v) <= 8:
		return "***(" + strconv.Itoa(len(v)) + ")"
	default:
		return v[:4] + "***(" + strconv.Itoa(len(v)) + ")"
	}
}

// Pair tags an event with the (user, account) pair it concerns.
func Pair(userID, accountID string) Field {
	return func(e *zerolog.Event) {
		e.Str("user", userID).Str("account", accountID)
	}
}

func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

// Logger writes structured events. A Logger taken from a Service follows
// later Service.Apply calls, and the zero value discards everything.
type Logger struct {
	svc     *Service
	base    zerolog.Logger
	hasBase bool

	fields []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger {
	return Logger{base: zerolog.Nop(), hasBase: true}
}

// NewConsole returns a console-only logger for code that runs before the
// log Service exists, such as CLI subcommands.
func NewConsole(level string) Logger {
	zerolog.TimeFieldFormat = consoleTimeFormat
	zerolog.ErrorFieldName = "err"

	return NewWriter(newConsoleWriter(os.Stdout), level)
}

// NewWriter returns a logger emitting JSON lines to w, bypassing the Service.
func NewWriter(w io.Writer, level string) Logger {
	zerolog.TimeFieldFormat = consoleTimeFormat
	zerolog.ErrorFieldName = "err"

	zl := zerolog.New(w).Level(parseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger()
	return Logger{base: zl, hasBase: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.hasBase && len(l.fields) == 0 }

func (l Logger) root() zerolog.Logger {
	if l.svc != nil {
		return l.svc.current()
	}
	if l.hasBase {
		return l.base
	}
	return zerolog.Nop()
}

// Enabled reports whether the given level would be logged.
func (l Logger) Enabled(level Level) bool {
	zl := l.root()
	return level >= zl.GetLevel()
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields...) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields...) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields...) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields...) }

func (l Logger) log(level zerolog.Level, msg string, fields ...Field) {
	zl := l.root()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if caller := shortCaller(3); caller != "" {
		e.Str(zerolog.CallerFieldName, caller)
	}
	apply(e, l.fields)
	apply(e, fields)
	e.Msg(msg)
}

func apply(e *zerolog.Event, fields []Field) {
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
}

// shortCaller renders the call site as file:line.
func shortCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// parseLevel accepts zerolog level names in any case, plus "warning".
func parseLevel(s string, def zerolog.Level) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	if s == "" {
		return def
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return def
	}
	return lvl
}
