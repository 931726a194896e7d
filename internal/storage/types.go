package storage

import (
	"time"

	"github.com/cockroachdb/errors"

	"skillcron/internal/task/schedule"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (pure Go driver). Path ":memory:" keeps
//     everything in RAM, which is handy for tools and tests.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means 5s

	// Timezone is the default zone for cron schedules without their own.
	Timezone *time.Location

	// Now overrides the clock (tests). nil means time.Now.
	Now func() time.Time
}

// Status is the outcome recorded on jobs and runs.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusRunning Status = "running"
)

// TargetKindSkill is the only supported target kind.
const TargetKindSkill = "skill"

// Target is what a job invokes.
type Target struct {
	Kind      string `json:"kind"`
	ID        string `json:"id"`
	Query     string `json:"query"`
	ProfileID string `json:"profileId,omitempty"`
}

// RetryPolicy bounds retries after a failed attempt.
type RetryPolicy struct {
	MaxRetries int           `json:"maxRetries"`
	Backoff    time.Duration `json:"-"`
}

// Endpoint names a channel and an address on it. It records where a job
// came from (Source) and where its outcome goes (Notify).
//
// Channels: "app", "api", "cli", "telegram" (address "chatID" or
// "chatID/threadID"), "email" (address is the recipient).
type Endpoint struct {
	Channel string `json:"channel,omitempty"`
	Address string `json:"address,omitempty"`
}

// Job is a persisted schedule, target and policy.
type Job struct {
	ID          string
	Name        string
	Description string
	Enabled     bool

	Schedule schedule.Schedule
	Target   Target
	Retry    RetryPolicy
	Source   Endpoint
	Notify   Endpoint

	NextRunAt        *time.Time
	LastRunAt        *time.Time
	LastStatus       Status
	LastError        string
	RunningSessionID string
	RetryCount       int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Status reports "running" while the run lock is held, otherwise the last
// recorded outcome.
func (j Job) Status() Status {
	if j.RunningSessionID != "" {
		return StatusRunning
	}
	return j.LastStatus
}

// JobPatch is a partial update. nil fields are left alone.
type JobPatch struct {
	Name        *string
	Description *string
	Enabled     *bool
	Schedule    schedule.Schedule
	Target      *Target
	Retry       *RetryPolicy
	Notify      *Endpoint
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	SourceChannel string
	SourceAddress string
	EnabledOnly   bool
}

// Trigger tells scheduled runs apart from manual ones in history.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Run is one audited execution attempt. CompletedAt is nil while open.
type Run struct {
	ID          int64
	JobID       string
	SessionID   string
	Trigger     Trigger
	Status      Status
	Error       string
	Duration    time.Duration
	StartedAt   time.Time
	CompletedAt *time.Time
}

// NotificationKind classifies inbox entries.
type NotificationKind string

const (
	NotifyCronSuccess NotificationKind = "cron_success"
	NotifyCronError   NotificationKind = "cron_error"
	NotifyTaskSuccess NotificationKind = "task_success"
	NotifyTaskError   NotificationKind = "task_error"
)

// Delivery is the outbound state of a notification.
type Delivery string

const (
	DeliveryPending Delivery = "pending"
	DeliverySent    Delivery = "sent"
	DeliveryFailed  Delivery = "failed"
	DeliverySkipped Delivery = "skipped"
)

// Notification is an inbox entry describing a finished run.
type Notification struct {
	ID            int64
	Kind          NotificationKind
	Title         string
	Content       string
	Read          bool
	JobID         string
	SessionID     string
	Delivery      Delivery
	DeliveryError string
	CreatedAt     time.Time
}

// NotificationFilter narrows ListNotifications. Limit <= 0 means 50.
type NotificationFilter struct {
	Limit      int
	UnreadOnly bool
}
