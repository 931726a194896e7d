package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shanghai(t *testing.T) *time.Location {
	t.Helper()
	loc, err := LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	return loc
}

func TestNextRunAt_AtPastNeverResurrects(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	s := At{At: now.Add(-time.Minute)}

	for i := 0; i < 3; i++ {
		_, ok := NextRunAt(s, nil, now.Add(time.Duration(i)*time.Hour))
		assert.False(t, ok)
	}

	last := now
	_, ok := NextRunAt(s, &last, now)
	assert.False(t, ok, "a completed one-shot must stay expired")
}

func TestNextRunAt_AtFuture(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	at := now.Add(90 * time.Second)
	next, ok := NextRunAt(At{At: at}, nil, now)
	require.True(t, ok)
	assert.True(t, next.Equal(at))

	_, ok = NextRunAt(At{At: now}, nil, now)
	assert.False(t, ok, "exactly now is not in the future")
}

func TestNextRunAt_Every(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	every := 5 * time.Second

	tests := []struct {
		name string
		last *time.Time
		want time.Time
	}{
		{name: "never ran", last: nil, want: now.Add(every)},
		{name: "recent run", last: ptr(now.Add(-2 * time.Second)), want: now.Add(3 * time.Second)},
		{name: "exactly elapsed", last: ptr(now.Add(-every)), want: now.Add(every)},
		{name: "down for hours", last: ptr(now.Add(-3 * time.Hour)), want: now.Add(every)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next, ok := NextRunAt(Every{Interval: every}, tt.last, now)
			require.True(t, ok)
			assert.True(t, next.Equal(tt.want), "got %s want %s", next, tt.want)
			assert.True(t, next.After(now))
		})
	}
}

func TestNextRunAt_CronDailyNine(t *testing.T) {
	t.Parallel()

	loc := shanghai(t)
	s := Cron{Expr: "0 9 * * *"}

	before := time.Date(2026, 10, 15, 8, 30, 0, 0, loc)
	next, ok := NextRunAt(s, nil, before)
	require.True(t, ok)
	assert.True(t, next.Equal(time.Date(2026, 10, 15, 9, 0, 0, 0, loc)))

	after := time.Date(2026, 10, 15, 10, 0, 0, 0, loc)
	next, ok = NextRunAt(s, nil, after)
	require.True(t, ok)
	assert.True(t, next.Equal(time.Date(2026, 10, 16, 9, 0, 0, 0, loc)), "got %s", next)

	exact := time.Date(2026, 10, 15, 9, 0, 0, 0, loc)
	next, ok = NextRunAt(s, nil, exact)
	require.True(t, ok)
	assert.True(t, next.After(exact), "cron must be strictly after now")
}

func TestNextRunAt_CronExplicitTimezone(t *testing.T) {
	t.Parallel()

	tokyo, err := LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	now := time.Date(2026, 10, 15, 0, 30, 0, 0, time.UTC) // 09:30 in Tokyo
	next, ok := NextRunAt(Cron{Expr: "0 9 * * *", TZ: "Asia/Tokyo"}, nil, now)
	require.True(t, ok)
	assert.True(t, next.Equal(time.Date(2026, 10, 16, 9, 0, 0, 0, tokyo)), "got %s", next)
}

func TestCalculatorDefaultLocation(t *testing.T) {
	t.Parallel()

	c := Calculator{Location: time.UTC}
	now := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	next, ok := c.NextRunAt(Cron{Expr: "0 9 * * *"}, nil, now)
	require.True(t, ok)
	assert.True(t, next.Equal(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)))
}

func TestValidateCronExpr(t *testing.T) {
	t.Parallel()

	valid := []string{"0 9 * * *", "*/5 * * * *", "0 9 * * 1-5", "@daily", "@hourly"}
	for _, expr := range valid {
		assert.Empty(t, ValidateCronExpr(expr), expr)
	}

	invalid := []string{"", "not a cron", "61 * * * *", "0 0 9 * * *", "@every 5m", "TZ=UTC 0 9 * * *"}
	for _, expr := range invalid {
		assert.NotEmpty(t, ValidateCronExpr(expr), expr)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Validate(Every{Interval: time.Second}))
	assert.NoError(t, Validate(Cron{Expr: "0 9 * * *", TZ: "Europe/Berlin"}))
	assert.Error(t, Validate(nil))
	assert.Error(t, Validate(Every{}))
	assert.Error(t, Validate(At{}))
	assert.Error(t, Validate(Cron{Expr: "0 9 * * *", TZ: "Mars/Olympus"}))
}

func ptr(t time.Time) *time.Time { return &t }
