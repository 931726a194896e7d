package schedule

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Spec is the tagged wire form of a Schedule:
//
//	{"kind":"at","atMs":1760490000000}
//	{"kind":"every","everyMs":5000}
//	{"kind":"cron","expr":"0 9 * * *","tz":"Asia/Shanghai"}
type Spec struct {
	Kind    Kind   `json:"kind"`
	AtMs    int64  `json:"atMs,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	Expr    string `json:"expr,omitempty"`
	TZ      string `json:"tz,omitempty"`
}

// ToSpec converts s to its wire form.
func ToSpec(s Schedule) Spec {
	switch v := s.(type) {
	case At:
		return Spec{Kind: KindAt, AtMs: v.At.UnixMilli()}
	case Every:
		return Spec{Kind: KindEvery, EveryMs: v.Interval.Milliseconds()}
	case Cron:
		return Spec{Kind: KindCron, Expr: v.Expr, TZ: v.TZ}
	default:
		return Spec{}
	}
}

// Schedule converts the wire form back, rejecting fields that belong to a
// different kind.
func (s Spec) Schedule() (Schedule, error) {
	switch s.Kind {
	case KindAt:
		if s.EveryMs != 0 || s.Expr != "" || s.TZ != "" {
			return nil, errors.New("at schedule only accepts atMs")
		}
		if s.AtMs <= 0 {
			return nil, errors.New("at schedule requires atMs")
		}
		return At{At: time.UnixMilli(s.AtMs)}, nil
	case KindEvery:
		if s.AtMs != 0 || s.Expr != "" || s.TZ != "" {
			return nil, errors.New("every schedule only accepts everyMs")
		}
		if s.EveryMs <= 0 {
			return nil, errors.New("every schedule requires everyMs > 0")
		}
		return Every{Interval: time.Duration(s.EveryMs) * time.Millisecond}, nil
	case KindCron:
		if s.AtMs != 0 || s.EveryMs != 0 {
			return nil, errors.New("cron schedule only accepts expr and tz")
		}
		return Cron{Expr: s.Expr, TZ: s.TZ}, nil
	case "":
		return nil, errors.New("schedule kind is required")
	default:
		return nil, errors.Newf("unknown schedule kind %q", s.Kind)
	}
}
