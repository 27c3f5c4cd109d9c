package opsserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"claimbot/internal/autorun"
	"claimbot/internal/storage"
	"claimbot/internal/task/engine"
	"claimbot/internal/task/scheduler"
	logx "claimbot/pkg/logx"
)

// Sweeper is the slice of the sweep runner the server reports on and drives.
type Sweeper interface {
	Config() autorun.Config
	TriggerSweep(trigger string) error
	Running() bool
	Wedged() bool
}

// TaskView exposes the task engine queue and recent history.
type TaskView interface {
	Snapshot() engine.Snapshot
}

// TriggerView lists the registered schedule triggers.
type TriggerView interface {
	Snapshot() scheduler.Snapshot
}

// Handler builds the gin engine. It is exported for tests and for embedding.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return s.router(cfg)
}

func (s *Service) router(cfg Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	auth := withAuth(cfg.Token)
	r.GET("/healthz", auth, s.healthz)
	if s.metrics != nil {
		r.GET("/metrics", auth, gin.WrapH(s.metrics.Handler()))
	}

	v1 := r.Group("/api/v1", auth)
	{
		v1.GET("/schedule", s.schedule)
		v1.POST("/sweep", s.sweep)
		v1.GET("/events", s.events)
		v1.GET("/tasks", s.tasks)
	}

	if cfg.Pprof {
		pp := r.Group("/debug/pprof", auth)
		{
			pp.GET("/", gin.WrapF(pprof.Index))
			pp.GET("/cmdline", gin.WrapF(pprof.Cmdline))
			pp.GET("/profile", gin.WrapF(pprof.Profile))
			pp.GET("/symbol", gin.WrapF(pprof.Symbol))
			pp.POST("/symbol", gin.WrapF(pprof.Symbol))
			pp.GET("/trace", gin.WrapF(pprof.Trace))
			pp.GET("/:profile", func(c *gin.Context) {
				pprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
			})
		}
	}
	return r
}

func (s *Service) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("dur", time.Since(start)),
		)
	}
}

// healthz is 503 when the sweep loop looks dead: the last sweep record is
// older than tick*multiplier (after a startup grace period) or a sweep has
// been running for longer than that.
func (s *Service) healthz(c *gin.Context) {
	now := s.now()
	body := gin.H{"status": "ok", "time": now}
	if s.sweeper == nil {
		c.JSON(http.StatusOK, body)
		return
	}
	cfg := s.sweeper.Config()
	body["autorun"] = cfg.Enabled
	if !cfg.Enabled {
		c.JSON(http.StatusOK, body)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	g, err := s.store.GetGlobal(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": err.Error()})
		return
	}
	body["last_sweep"] = g.LastSweep.FinishedAt
	body["running"] = s.sweeper.Running()

	limit := time.Duration(float64(cfg.TickInterval) * cfg.WatchdogMultiplier)
	stale := autorun.Stale(now, g.LastSweep, cfg.TickInterval, cfg.WatchdogMultiplier)
	if stale && now.Sub(s.started) <= limit {
		stale = false
	}
	if stale || s.sweeper.Wedged() {
		body["status"] = "stale"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

type burstView struct {
	ID                  string    `json:"id"`
	StartAt             time.Time `json:"start_at"`
	EndAt               time.Time `json:"end_at"`
	WindowMinutes       int       `json:"window_minutes"`
	TriggeringRewardIDs []string  `json:"triggering_reward_ids,omitempty"`
	Active              bool      `json:"active"`
}

type scheduleView struct {
	Enabled       bool                  `json:"enabled"`
	Timezone      string                `json:"timezone"`
	StartHour     int                   `json:"start_hour"`
	SpreadMinutes int                   `json:"spread_minutes"`
	TickInterval  string                `json:"tick_interval"`
	MaxPerTick    int                   `json:"max_per_tick"`
	RequestGap    string                `json:"request_gap"`
	Running       bool                  `json:"running"`
	LastRequestAt time.Time             `json:"last_request_at,omitempty"`
	LastSweep     storage.SweepRecord   `json:"last_sweep"`
	Burst         *burstView            `json:"burst,omitempty"`
	KnownRewards  int                   `json:"known_rewards"`
	Usage         storage.UsageCounters `json:"usage"`
	Users         int                   `json:"users"`
	Accounts      int                   `json:"accounts"`
	AutoRun       int                   `json:"autorun_accounts"`

	Triggers []scheduler.ScheduleInfo `json:"triggers,omitempty"`
}

// schedule reports the global state and account counts. Tokens never leave
// the process.
func (s *Service) schedule(c *gin.Context) {
	ctx := c.Request.Context()
	g, err := s.store.GetGlobal(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	v := scheduleView{
		LastRequestAt: g.LastRequestAt,
		LastSweep:     g.LastSweep,
		KnownRewards:  len(g.KnownRewards),
		Usage:         g.Usage,
		Users:         len(users),
	}
	if s.sweeper != nil {
		cfg := s.sweeper.Config()
		v.Enabled = cfg.Enabled
		v.Timezone = cfg.Location.String()
		v.StartHour = cfg.StartHour
		v.SpreadMinutes = cfg.SpreadMinutes
		v.TickInterval = cfg.TickInterval.String()
		v.MaxPerTick = cfg.MaxPerTick
		v.RequestGap = cfg.RequestGap.String()
		v.Running = s.sweeper.Running()
	}
	if b := g.Burst; b != nil {
		v.Burst = &burstView{
			ID:                  b.ID,
			StartAt:             b.StartAt,
			EndAt:               b.EndAt,
			WindowMinutes:       b.WindowMinutes,
			TriggeringRewardIDs: b.TriggeringRewardIDs,
			Active:              b.Active(s.now()),
		}
	}
	if s.triggers != nil {
		v.Triggers = s.triggers.Snapshot().Schedules
	}
	for _, u := range users {
		for _, a := range u.Accounts {
			v.Accounts++
			if a.AutoRun && a.HasToken() {
				v.AutoRun++
			}
		}
	}
	c.JSON(http.StatusOK, v)
}

func (s *Service) sweep(c *gin.Context) {
	if s.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sweeper not available"})
		return
	}
	err := s.sweeper.TriggerSweep("ops")
	switch {
	case errors.Is(err, engine.ErrOverlapSkip):
		c.JSON(http.StatusConflict, gin.H{"status": "already running"})
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	}
}

func (s *Service) tasks(c *gin.Context) {
	if s.taskView == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task engine not available"})
		return
	}
	c.JSON(http.StatusOK, s.taskView.Snapshot())
}

func (s *Service) events(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": s.ring.snapshot()})
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		if got := c.Query("token"); got != "" {
			if got == tok {
				c.Next()
				return
			}
			unauthorized(c)
			return
		}
		const p = "Bearer "
		if ah := c.GetHeader("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			c.Next()
			return
		}
		unauthorized(c)
	}
}

func unauthorized(c *gin.Context) {
	c.Header("WWW-Authenticate", "Bearer")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}
