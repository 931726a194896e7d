package schedule

import (
	"fmt"
	"math"
	"strings"
	"time"
)

var cronPhrases = map[string]string{
	"0 * * * *":   "every hour",
	"0 0 * * *":   "every day at 00:00",
	"0 9 * * *":   "every day at 09:00",
	"0 9 * * 1-5": "weekdays at 09:00",
	"0 0 * * 0":   "every Sunday at 00:00",
	"0 0 1 * *":   "on the 1st of every month at 00:00",
}

// Describe renders s for humans. It is cosmetic only. A nil loc means
// DefaultTimezone.
func Describe(s Schedule, loc *time.Location) string {
	switch v := s.(type) {
	case At:
		if loc == nil {
			loc, _ = LoadLocation(DefaultTimezone)
		}
		if loc == nil {
			loc = time.UTC
		}
		return "once at " + v.At.In(loc).Format("2006-01-02 15:04 MST")
	case Every:
		return "every " + describeInterval(v.Interval)
	case Cron:
		expr := strings.Join(strings.Fields(v.Expr), " ")
		phrase, ok := cronPhrases[expr]
		if !ok {
			phrase = "cron: " + expr
		}
		if v.TZ != "" {
			phrase += " (" + v.TZ + ")"
		}
		return phrase
	default:
		return "unknown schedule"
	}
}

func describeInterval(d time.Duration) string {
	switch {
	case d < time.Minute:
		return plural(math.Round(d.Seconds()), "second")
	case d < time.Hour:
		return plural(math.Round(d.Minutes()), "minute")
	case d < 24*time.Hour:
		return plural(math.Round(d.Hours()), "hour")
	default:
		return plural(math.Round(d.Hours()/24), "day")
	}
}

func plural(n float64, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", int64(n), unit)
}
