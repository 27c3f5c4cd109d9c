package autorun

import (
	"hash/fnv"
	"time"
)

const minutesPerDay = 24 * 60

// NormalizeStartHour maps 24 to 0 and wraps anything else into 0..23.
func NormalizeStartHour(h int) int {
	return ((h % 24) + 24) % 24
}

// LocalDay is the calendar day of t in loc, as YYYY-MM-DD.
func LocalDay(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(time.DateOnly)
}

// MinuteOfDay is minutes since local midnight.
func MinuteOfDay(t time.Time, loc *time.Location) int {
	lt := t.In(loc)
	return lt.Hour()*60 + lt.Minute()
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

func hash64(parts ...string) uint64 {
	h := fnv.New64a()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.Write([]byte(p))
	}
	return h.Sum64()
}
