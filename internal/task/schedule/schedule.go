package schedule

import (
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/cockroachdb/errors"
)

// DefaultTimezone is used for cron schedules that do not name a zone.
const DefaultTimezone = "Asia/Shanghai"

// Kind is the schedule discriminant.
type Kind string

const (
	KindAt    Kind = "at"
	KindEvery Kind = "every"
	KindCron  Kind = "cron"
)

// Schedule is a sealed sum type: At, Every or Cron.
type Schedule interface {
	Kind() Kind
	sealed()
}

// At fires once at a fixed instant.
type At struct {
	At time.Time
}

// Every fires at a fixed interval.
type Every struct {
	Interval time.Duration
}

// Cron fires on a five-field cron expression. An empty TZ means the
// calculator's default location.
type Cron struct {
	Expr string
	TZ   string
}

func (At) Kind() Kind    { return KindAt }
func (Every) Kind() Kind { return KindEvery }
func (Cron) Kind() Kind  { return KindCron }

func (At) sealed()    {}
func (Every) sealed() {}
func (Cron) sealed()  {}

// Calculator computes next fire times. The zero value uses DefaultTimezone.
type Calculator struct {
	// Location is used for Cron schedules without an explicit TZ.
	Location *time.Location
}

// NextRunAt returns the next fire time for s given the previous run (nil if
// the job never ran) and the current time. ok is false when the schedule will
// never fire again.
func (c Calculator) NextRunAt(s Schedule, last *time.Time, now time.Time) (next time.Time, ok bool) {
	switch v := s.(type) {
	case At:
		if v.At.After(now) {
			return v.At, true
		}
		return time.Time{}, false
	case Every:
		if v.Interval <= 0 {
			return time.Time{}, false
		}
		base := now
		if last != nil && !last.IsZero() {
			base = *last
		}
		next = base.Add(v.Interval)
		if !next.After(now) {
			// Re-anchor rather than firing a catch-up burst.
			next = now.Add(v.Interval)
		}
		return next, true
	case Cron:
		loc, err := c.location(v.TZ)
		if err != nil {
			return time.Time{}, false
		}
		sched, err := parseCron(v.Expr)
		if err != nil {
			return time.Time{}, false
		}
		next = sched.Next(now.In(loc))
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	default:
		return time.Time{}, false
	}
}

func (c Calculator) location(tz string) (*time.Location, error) {
	if strings.TrimSpace(tz) != "" {
		return LoadLocation(tz)
	}
	if c.Location != nil {
		return c.Location, nil
	}
	return LoadLocation(DefaultTimezone)
}

// NextRunAt uses a zero Calculator.
func NextRunAt(s Schedule, last *time.Time, now time.Time) (time.Time, bool) {
	return Calculator{}.NextRunAt(s, last, now)
}

var (
	locMu    sync.Mutex
	locCache = map[string]*time.Location{}
)

// LoadLocation is time.LoadLocation with a process-wide cache.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultTimezone
	}
	locMu.Lock()
	defer locMu.Unlock()
	if loc, ok := locCache[name]; ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Wrapf(err, "unknown timezone %q", name)
	}
	locCache[name] = loc
	return loc, nil
}

// Validate checks the shape of s without computing anything.
func Validate(s Schedule) error {
	switch v := s.(type) {
	case nil:
		return errors.New("schedule is required")
	case At:
		if v.At.IsZero() {
			return errors.New("at: timestamp is required")
		}
	case Every:
		if v.Interval <= 0 {
			return errors.New("every: interval must be > 0")
		}
	case Cron:
		if msg := ValidateCronExpr(v.Expr); msg != "" {
			return errors.Newf("cron: %s", msg)
		}
		if strings.TrimSpace(v.TZ) != "" {
			if _, err := LoadLocation(v.TZ); err != nil {
				return errors.Wrap(err, "cron")
			}
		}
	default:
		return errors.Newf("unsupported schedule %T", s)
	}
	return nil
}
