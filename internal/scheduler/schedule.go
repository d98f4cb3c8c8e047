package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type ScheduleKind int

const (
	ScheduleInterval ScheduleKind = iota
	ScheduleCron
)

// Schedule is a parsed check schedule.
//
// Accepted forms:
//   - Go duration: "15m", "1h30m"
//   - HH:MM interval: "00:15" (15 minutes), "02:30"
//   - "interval:" / "every:" prefix forcing interval parsing
//   - cron: "cron:*/15 * * * *", "@hourly", "@every 10m", "*/5 * * * *"
type Schedule struct {
	Kind  ScheduleKind
	Every time.Duration
	Cron  string
	Raw   string

	sched cron.Schedule
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses raw. tz (IANA name) applies to cron schedules that do
// not carry their own CRON_TZ= prefix.
func ParseSchedule(raw, tz string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)

	for _, p := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, p) {
			d, err := parseInterval(s[len(p):])
			if err != nil {
				return Schedule{}, err
			}
			return Schedule{Kind: ScheduleInterval, Every: d, Raw: s}, nil
		}
	}

	expr := ""
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr = strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Schedule{}, fmt.Errorf("cron expression required after 'cron:'")
		}
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		expr = s
	}
	if expr != "" {
		return parseCron(expr, tz, s)
	}

	d, err := parseInterval(s)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q (use a duration like '15m', HH:MM like '00:15', or cron like '*/15 * * * *')", raw)
	}
	return Schedule{Kind: ScheduleInterval, Every: d, Raw: s}, nil
}

// Interval is a fixed-interval schedule.
func Interval(d time.Duration) Schedule {
	return Schedule{Kind: ScheduleInterval, Every: d, Raw: d.String()}
}

func parseCron(expr, tz, raw string) (Schedule, error) {
	full := expr
	if tz = strings.TrimSpace(tz); tz != "" && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		if _, err := time.LoadLocation(tz); err != nil {
			return Schedule{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		full = "CRON_TZ=" + tz + " " + expr
	}
	cs, err := cronParser.Parse(full)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Schedule{Kind: ScheduleCron, Cron: full, Raw: raw, sched: cs}, nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q (use HH:MM or a duration like '15m')", v)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

// Next returns the next run time strictly after t.
func (s Schedule) Next(t time.Time) time.Time {
	if s.Kind == ScheduleCron && s.sched != nil {
		return s.sched.Next(t)
	}
	return t.Add(s.Every)
}

func (s Schedule) String() string {
	if s.Kind == ScheduleCron {
		return "cron(" + s.Cron + ")"
	}
	return "every " + s.Every.String()
}
