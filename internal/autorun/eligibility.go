package autorun

import (
	"sort"
	"time"

	"claimbot/internal/storage"
)

// SweepTask is one pair due in the current sweep.
type SweepTask struct {
	UserID    string
	AccountID string
	Mode      string // daily | burst
	Target    time.Time
	Rerun     bool
}

func (t SweepTask) Key() string { return pairKey(t.UserID, t.AccountID) }

func pairKey(userID, accountID string) string { return userID + "/" + accountID }

// TargetMinute is the minute of day at which the pair becomes due on day.
// It lies in [start*60, start*60+spread), with the spread cut at midnight.
func TargetMinute(userID, accountID, day string, startHour, spreadMinutes int) int {
	start := NormalizeStartHour(startHour) * 60
	span := min(spreadMinutes, minutesPerDay-start)
	if span < 1 {
		span = 1
	}
	return start + int(hash64(userID, accountID, day)%uint64(span))
}

// BurstTarget is the instant within [StartAt, EndAt) at which the pair
// becomes due under burst b.
func BurstTarget(b *storage.Burst, userID, accountID string) time.Time {
	span := b.EndAt.Sub(b.StartAt) / time.Second
	if span <= 0 {
		return b.StartAt
	}
	off := hash64(b.ID, userID, accountID) % uint64(span)
	return b.StartAt.Add(time.Duration(off) * time.Second)
}

// EligibleTasks returns the due pairs ordered by target, earliest first.
// An active burst switches every pair to burst mode.
func EligibleTasks(users []*storage.User, burst *storage.Burst, now time.Time, cfg Config) (string, []SweepTask) {
	mode := ModeDaily
	if burst.Active(now) {
		mode = ModeBurst
	}
	var tasks []SweepTask
	for _, u := range users {
		for _, acc := range u.SortedAccounts() {
			var (
				t  SweepTask
				ok bool
			)
			if mode == ModeBurst {
				t, ok = burstEligible(u.ID, acc, burst, now)
			} else {
				t, ok = dailyEligible(u.ID, acc, now, cfg)
			}
			if ok {
				tasks = append(tasks, t)
			}
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].Target.Equal(tasks[j].Target) {
			return tasks[i].Target.Before(tasks[j].Target)
		}
		return tasks[i].Key() < tasks[j].Key()
	})
	return mode, tasks
}

func dailyEligible(userID string, acc *storage.Account, now time.Time, cfg Config) (SweepTask, bool) {
	if !acc.AutoRun || !acc.HasToken() {
		return SweepTask{}, false
	}
	day := LocalDay(now, cfg.Location)
	target := TargetMinute(userID, acc.ID, day, cfg.StartHour, cfg.SpreadMinutes)
	if MinuteOfDay(now, cfg.Location) < target {
		return SweepTask{}, false
	}
	t := SweepTask{
		UserID:    userID,
		AccountID: acc.ID,
		Mode:      ModeDaily,
		Target:    startOfDay(now, cfg.Location).Add(time.Duration(target) * time.Minute),
	}
	if acc.LastRunDate != day {
		return t, true
	}

	// ran today: only a rerun can make it due again
	if cfg.RerunInterval <= 0 {
		return SweepTask{}, false
	}
	if acc.LastRunSucceeded() && !cfg.RerunAfterSuccess {
		return SweepTask{}, false
	}
	last := acc.LastRunAt
	if acc.LastRerunAt.After(last) {
		last = acc.LastRerunAt
	}
	if now.Sub(last) < cfg.RerunInterval {
		return SweepTask{}, false
	}
	t.Rerun = true
	return t, true
}

func burstEligible(userID string, acc *storage.Account, b *storage.Burst, now time.Time) (SweepTask, bool) {
	if !acc.AutoRun || !acc.HasToken() || acc.LastBurstID == b.ID {
		return SweepTask{}, false
	}
	target := BurstTarget(b, userID, acc.ID)
	if now.Before(target) {
		return SweepTask{}, false
	}
	return SweepTask{UserID: userID, AccountID: acc.ID, Mode: ModeBurst, Target: target}, true
}
