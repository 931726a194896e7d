package schedule

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// Standard five fields plus @hourly/@daily style descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func parseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("expression is empty")
	}
	low := strings.ToLower(expr)
	if strings.HasPrefix(low, "@every") {
		return nil, errors.New("@every is not a cron expression; use an interval schedule")
	}
	if strings.HasPrefix(low, "tz=") || strings.HasPrefix(low, "cron_tz=") {
		return nil, errors.New("timezone prefix is not allowed in the expression; set the timezone field")
	}
	return cronParser.Parse(expr)
}

// ValidateCronExpr returns "" for a valid expression and a human-readable
// reason otherwise.
func ValidateCronExpr(expr string) string {
	if _, err := parseCron(expr); err != nil {
		return err.Error()
	}
	return ""
}
