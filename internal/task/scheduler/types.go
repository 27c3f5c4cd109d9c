package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"claimbot/internal/task/engine"
	logx "claimbot/pkg/logx"
)

type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Shanghai"
}

type OverlapPolicy = engine.OverlapPolicy

type TaskOptions = engine.TaskOptions

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// Enqueuer is the part of the task engine the scheduler needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// scheduleDef survives Stop; entryID and spread belong to the current cron.
type scheduleDef struct {
	name    string
	spec    string        // cron spec, or "@every d" for display
	every   time.Duration // >0 for interval schedules
	timeout time.Duration
	opt     TaskOptions
	state   *engine.RunState
	job     func(ctx context.Context) error

	entryID cron.EntryID
	spread  time.Duration
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	engine Enqueuer

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	lastEnqWarn sync.Map // schedule name -> time.Time
}

type ScheduleInfo struct {
	Name          string        `json:"name"`
	Spec          string        `json:"spec"`
	Timeout       time.Duration `json:"timeout"`
	StartupSpread time.Duration `json:"startup_spread"`
	Next          time.Time     `json:"next"`
	Prev          time.Time     `json:"prev"`
}

type Snapshot struct {
	Timezone  string         `json:"timezone"`
	Running   bool           `json:"running"`
	Schedules []ScheduleInfo `json:"schedules"`
}
