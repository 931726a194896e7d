package schedule

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Parse turns the shorthand used by the CLI and chat commands into a Schedule.
//
// Supported forms:
//   - Interval: "every:5m", "interval:02:30", "5m", "02:30" (HH:MM)
//   - One-shot: "at:2026-10-15T09:00:00+08:00", "at:2026-10-15 09:00", "at:+2h"
//   - Cron: "cron:0 9 * * *", "0 9 * * *", "@daily", "TZ=Asia/Tokyo 0 9 * * *"
//
// now anchors relative one-shot forms ("at:+2h"). The result is validated.
func Parse(raw string, now time.Time) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, errors.New("schedule required")
	}

	low := strings.ToLower(s)
	var out Schedule
	switch {
	case strings.HasPrefix(low, "at:"):
		t, err := parseAt(strings.TrimSpace(s[len("at:"):]), now)
		if err != nil {
			return nil, err
		}
		out = At{At: t}
	case strings.HasPrefix(low, "every:"), strings.HasPrefix(low, "interval:"):
		v := s[strings.IndexByte(s, ':')+1:]
		d, err := parseInterval(v)
		if err != nil {
			return nil, err
		}
		out = Every{Interval: d}
	case strings.HasPrefix(low, "cron:"):
		out = parseCronShorthand(strings.TrimSpace(s[len("cron:"):]))
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		out = parseCronShorthand(s)
	default:
		d, err := parseInterval(s)
		if err != nil {
			return nil, errors.Newf(
				"invalid schedule %q (use cron like '0 9 * * *', HH:MM like '02:30', a duration like '55m', or at:<time>)",
				raw,
			)
		}
		out = Every{Interval: d}
	}

	if err := Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

func parseCronShorthand(s string) Cron {
	c := Cron{Expr: s}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return c
	}
	head := fields[0]
	for _, p := range []string{"TZ=", "CRON_TZ="} {
		if len(head) > len(p) && strings.EqualFold(head[:len(p)], p) {
			c.TZ = head[len(p):]
			c.Expr = strings.Join(fields[1:], " ")
			return c
		}
	}
	c.Expr = strings.Join(fields, " ")
	return c
}

func parseAt(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("at: time required")
	}
	if strings.HasPrefix(v, "+") {
		d, err := time.ParseDuration(v[1:])
		if err != nil || d <= 0 {
			return time.Time{}, errors.Newf("at: invalid relative time %q", v)
		}
		return now.Add(d), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	loc, err := LoadLocation(DefaultTimezone)
	if err != nil {
		loc = time.UTC
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms), nil
	}
	return time.Time{}, errors.Newf("at: invalid time %q (use RFC3339, 'YYYY-MM-DD HH:MM', unix ms or +duration)", v)
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, errors.New("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); len(m) == 3 {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, errors.Newf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, errors.New("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Newf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, errors.New("interval must be > 0")
	}
	return d, nil
}
