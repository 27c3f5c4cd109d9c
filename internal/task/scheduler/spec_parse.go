package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SpecKind is either a cron expression (robfig/cron) or a fixed interval.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a parsed schedule string. Accepted forms:
//
//	*/10 * * * *   @hourly   @every 10m   cron:0 9 * * *   (cron)
//	10m   1h30m   interval:45s   every:45s                 (duration)
//	00:10   01:30                                          (HH:MM interval)
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

var specPrefixes = []struct {
	prefix string
	kind   SpecKind
}{
	{"cron:", SpecCron},
	{"interval:", SpecInterval},
	{"every:", SpecInterval},
}

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errors.New("schedule required")
	}
	for _, p := range specPrefixes {
		if len(s) < len(p.prefix) || !strings.EqualFold(s[:len(p.prefix)], p.prefix) {
			continue
		}
		body := strings.TrimSpace(s[len(p.prefix):])
		if p.kind == SpecCron {
			if body == "" {
				return ParsedSpec{}, errors.New("cron schedule required after 'cron:'")
			}
			return ParsedSpec{Kind: SpecCron, Cron: body, Source: "cron"}, nil
		}
		return intervalSpec(body)
	}

	// cron fields are space separated; descriptors start with '@'
	if strings.ContainsAny(s, " \t") || s[0] == '@' {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}
	ps, err := intervalSpec(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid schedule %q (use cron like '*/10 * * * *', HH:MM like '00:10', or duration like '10m')", raw)
	}
	return ps, nil
}

// intervalSpec reads "HH:MM" (hours may exceed 23) or a Go duration.
func intervalSpec(v string) (ParsedSpec, error) {
	if v == "" {
		return ParsedSpec{}, errors.New("interval required")
	}
	ps := ParsedSpec{Kind: SpecInterval, Source: "duration"}
	if hh, mm, ok := strings.Cut(v, ":"); ok {
		h, herr := strconv.Atoi(hh)
		m, merr := strconv.Atoi(mm)
		if herr != nil || merr != nil || h < 0 || len(hh) > 3 || len(mm) != 2 || m > 59 || m < 0 {
			return ParsedSpec{}, fmt.Errorf("invalid HH:MM interval %q", v)
		}
		ps.Every, ps.Source = time.Duration(h)*time.Hour+time.Duration(m)*time.Minute, "hhmm"
	} else {
		d, err := time.ParseDuration(v)
		if err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '10m')", v)
		}
		ps.Every = d
	}
	if ps.Every <= 0 {
		return ParsedSpec{}, errors.New("interval must be > 0")
	}
	return ps, nil
}
