package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"claimbot/internal/task/engine"
	logx "claimbot/pkg/logx"
)

// AddSchedule registers a cron or interval task from a schedule string (see
// ParseSchedule). Registering a name again replaces the previous definition.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, opt TaskOptions, state *engine.RunState, job func(ctx context.Context) error) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecInterval {
		return s.AddInterval(name, ps.Every, timeout, opt, state, job)
	}
	return s.register(scheduleDef{name: name, spec: ps.Cron, timeout: timeout, opt: opt, state: state, job: job})
}

// AddInterval registers a task that fires every interval. The first run is
// pushed back by a random startup spread.
func (s *Service) AddInterval(name string, every, timeout time.Duration, opt TaskOptions, state *engine.RunState, job func(ctx context.Context) error) error {
	if every <= 0 {
		return errors.New("interval must be > 0")
	}
	return s.register(scheduleDef{name: name, spec: "@every " + every.String(), every: every, timeout: timeout, opt: opt, state: state, job: job})
}

func (s *Service) register(d scheduleDef) error {
	if d.name = strings.TrimSpace(d.name); d.name == "" {
		return errors.New("name required")
	}
	if d.job == nil {
		return errors.New("job required")
	}
	if d.state == nil {
		d.state = &engine.RunState{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(d.name)
	s.defs = append(s.defs, d)
	if s.c == nil {
		// armed on Start
		return nil
	}
	added := &s.defs[len(s.defs)-1]
	sched, err := s.armLocked(added)
	if err != nil {
		s.removeLocked(d.name)
		return fmt.Errorf("register %s: %w", d.name, err)
	}
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("schedule registered",
			logx.String("name", d.name),
			logx.String("spec", d.spec),
			logx.Duration("timeout", d.timeout),
			logx.String("next", nextRuns(sched, time.Now().In(s.loc), 3)))
	}
	return nil
}

// Remove unschedules name. It reports whether something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Has reports whether a schedule with that name is registered.
func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.ContainsFunc(s.defs, func(d scheduleDef) bool { return d.name == name })
}

func (s *Service) removeLocked(name string) bool {
	name = strings.TrimSpace(name)
	n := len(s.defs)
	s.defs = slices.DeleteFunc(s.defs, func(d scheduleDef) bool {
		if d.name != name {
			return false
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		return true
	})
	return len(s.defs) != n
}

// armLocked adds d to the running cron and returns the schedule it fires on.
func (s *Service) armLocked(d *scheduleDef) (cron.Schedule, error) {
	every := d.every
	var sched cron.Schedule
	if every <= 0 {
		var err error
		if sched, err = s.parser.Parse(d.spec); err != nil {
			return nil, err
		}
		// "@every" written as a cron descriptor spreads like an interval
		if cd, ok := sched.(cron.ConstantDelaySchedule); ok {
			every = cd.Delay
		}
	}
	d.spread = 0
	if every > 0 {
		sched, d.spread = spreadInterval(every, time.Now().In(s.loc))
	}
	d.entryID = s.c.Schedule(sched, s.trigger(*d))
	return sched, nil
}

// trigger enqueues one run of d on the engine. The cron goroutine never runs
// the job itself.
func (s *Service) trigger(d scheduleDef) cron.Job {
	return cron.FuncJob(func() {
		if s.engine == nil {
			return
		}
		t := engine.Task{Name: d.name, Timeout: d.timeout, Run: d.job, Opt: d.opt, State: d.state}
		if err := s.engine.Enqueue(t); err != nil {
			s.reportEnqueueError(d.name, err)
		}
	})
}

// nextRuns formats the next n fire times after t for debug logs.
func nextRuns(sched cron.Schedule, t time.Time, n int) string {
	runs := make([]string, 0, n)
	for range n {
		if t = sched.Next(t); t.IsZero() {
			break
		}
		runs = append(runs, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(runs, ", ")
}
