package opsserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	logx "claimbot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:9090"

// errInsecureBind is returned when a non-loopback address has no token.
var errInsecureBind = errors.New("non-loopback addr requires token or allow_insecure")

type listener struct {
	ln  net.Listener
	srv *http.Server
}

func (l *listener) shutdown(ctx context.Context) {
	_ = l.srv.Shutdown(ctx)
	_ = l.srv.Close()
}

// bindAddr picks the listen address and refuses an unauthenticated public bind
// unless the config explicitly allows it.
func bindAddr(cfg Config) (addr string, insecure bool, err error) {
	if addr = strings.TrimSpace(cfg.Addr); addr == "" {
		addr = DefaultAddr
	}
	if cfg.Token != "" || isLoopbackAddr(addr) {
		return addr, false, nil
	}
	if !cfg.AllowInsecure {
		return addr, false, fmt.Errorf("%w: %s", errInsecureBind, addr)
	}
	return addr, true, nil
}

// serve binds and serves until ctx ends or the server fails. Returning
// context.Canceled ends the restart loop.
func (s *Service) serve(ctx context.Context, r *serverRun) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if !cfg.Enabled {
		return context.Canceled
	}

	addr, insecure, err := bindAddr(cfg)
	if err != nil {
		// retrying cannot help until the config changes
		s.log.Error("ops server refused to start", logx.Err(err))
		return context.Canceled
	}
	if insecure {
		s.log.Warn("ops server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	l := &listener{ln: ln, srv: &http.Server{
		Handler:           s.router(cfg),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}}
	defer l.srv.Close()

	s.mu.Lock()
	r.listener = l
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if r.listener == l {
			r.listener = nil
		}
		s.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.srv.Shutdown(cctx)
	})
	defer stop()

	s.log.Info("ops server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))
	err = l.srv.Serve(ln)

	s.mu.Lock()
	stopping := r.stopping != nil
	s.mu.Unlock()
	switch {
	case stopping, ctx.Err() != nil:
		return context.Canceled
	case err == nil, errors.Is(err, http.ErrServerClosed):
		return errors.New("ops server exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch h = strings.TrimSpace(h); {
	case h == "":
		return false
	case strings.EqualFold(h, "localhost"):
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
