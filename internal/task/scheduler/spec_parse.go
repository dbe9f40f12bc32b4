package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidSpec = errors.New("invalid schedule")

// SpecKind is either a cron expression or a fixed interval.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a normalized schedule string.
//
// Accepted forms:
//   - Cron: "*/5 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// "cron:" forces cron parsing; "interval:" and "every:" force interval parsing.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("%w: empty", ErrInvalidSpec)
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	case strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@"):
		return parseCron(s)
	}
	ps, err := parseInterval(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("%w %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')", ErrInvalidSpec, raw)
	}
	return ps, nil
}

func parseCron(expr string) (ParsedSpec, error) {
	if expr == "" {
		return ParsedSpec{}, fmt.Errorf("%w: cron expression required", ErrInvalidSpec)
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return ParsedSpec{}, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
}

func parseInterval(v string) (ParsedSpec, error) {
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("%w: interval required", ErrInvalidSpec)
	}
	var d time.Duration
	src := "duration"
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return ParsedSpec{}, fmt.Errorf("%w: minutes out of range in %q", ErrInvalidSpec, v)
		}
		d, src = time.Duration(hh)*time.Hour+time.Duration(mm)*time.Minute, "hhmm"
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return ParsedSpec{}, fmt.Errorf("%w: %q", ErrInvalidSpec, v)
		}
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("%w: interval must be > 0", ErrInvalidSpec)
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
}

// CronSchedule resolves a cron spec in loc.
func (p ParsedSpec) CronSchedule(loc *time.Location) (cron.Schedule, error) {
	if p.Kind != SpecCron {
		return nil, fmt.Errorf("%w: not a cron spec", ErrInvalidSpec)
	}
	cs, err := cronParser.Parse(p.Cron)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if ss, ok := cs.(*cron.SpecSchedule); ok && loc != nil {
		ss.Location = loc
	}
	return cs, nil
}
