package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"claimbot/internal/storage"
	logx "claimbot/pkg/logx"
)

// HandlerFunc serves one command request.
type HandlerFunc func(ctx context.Context, req *Request) error

// Middleware wraps a handler. The first middleware passed to chain is the
// outermost.
type Middleware func(next HandlerFunc) HandlerFunc

const (
	slowRequest  = 750 * time.Millisecond
	auditTimeout = 2 * time.Second
	panicReply   = "Something went wrong. Please try again later."
)

func chain(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for _, mw := range slices.Backward(mws) {
		h = mw(h)
	}
	return h
}

// loggerFor prefers the request-scoped logger, which carries rid and chat.
func loggerFor(req *Request, fallback logx.Logger) logx.Logger {
	if req.Logger.IsZero() {
		return fallback
	}
	return req.Logger
}

func withTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// recoverPanics turns a handler panic into an error and a generic reply.
func recoverPanics(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				loggerFor(req, log).Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				req.Reply(ctx, panicReply)
				err = fmt.Errorf("panic: %v", r)
			}()
			return next(ctx, req)
		}
	}
}

// logRequest logs failures at warn, slow requests at info, the rest at debug.
func logRequest(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			l := loggerFor(req, log)
			switch {
			case err != nil:
				l.Warn("request failed", logx.Duration("dur", took), logx.Err(err))
			case took >= slowRequest:
				l.Info("request ok", logx.Duration("dur", took))
			default:
				l.Debug("request ok", logx.Duration("dur", took))
			}
			return err
		}
	}
}

// audit records the outcome of a mutating command. The write is best-effort
// and outlives the handler's context.
func audit(store storage.Store, log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if store == nil {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)

			entry := storage.AuditEntry{
				At:            start,
				RequestID:     req.ReqID,
				ActorID:       req.FromID,
				ActorUsername: req.FromUsername,
				ChatID:        req.Chat.ChatID,
				Action:        req.Command,
				Target:        req.AuditTarget,
				OK:            err == nil,
				TookMS:        time.Since(start).Milliseconds(),
			}
			if err != nil {
				entry.Error = err.Error()
			}
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
			defer cancel()
			if aerr := store.AppendAudit(actx, entry); aerr != nil {
				log.Warn("audit append failed", logx.String("action", entry.Action), logx.Err(aerr))
			}
			return err
		}
	}
}
