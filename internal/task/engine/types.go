package engine

import (
	"context"
	"time"

	"skillcron/internal/storage"
)

// Config controls the executor.
type Config struct {
	// RunTimeout bounds a single runner call. 0 disables the bound.
	RunTimeout time.Duration

	// MaxConcurrent caps simultaneous runner calls across all jobs.
	// 0 means unbounded.
	MaxConcurrent int

	// ManualOverlap decides whether manual triggers take the run lock.
	ManualOverlap OverlapPolicy

	HistorySize int
}

// OverlapPolicy controls manual triggers.
type OverlapPolicy int

const (
	// OverlapAllow lets a manual trigger run next to a scheduled execution.
	OverlapAllow OverlapPolicy = iota
	// OverlapLock makes a manual trigger take the run lock and fail with
	// ErrAlreadyRunning when it is held.
	OverlapLock
)

// ParseOverlapPolicy maps "allow" / "lock" (empty means allow).
func ParseOverlapPolicy(s string) (OverlapPolicy, bool) {
	switch s {
	case "", "allow":
		return OverlapAllow, true
	case "lock", "skip_if_running":
		return OverlapLock, true
	default:
		return OverlapAllow, false
	}
}

func (p OverlapPolicy) String() string {
	if p == OverlapLock {
		return "lock"
	}
	return "allow"
}

// Event is one item of a runner's event stream.
type Event struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// EventError is the event type a runner uses to report failure in-band.
const EventError = "error"

// RunRequest is what the runner receives for one attempt.
type RunRequest struct {
	TargetID  string
	Query     string
	SessionID string
	ProfileID string
}

// Runner executes a target. A returned error and any "error" event both
// count as failure. ctx is for the runner's own use; the scheduler never
// cancels it.
type Runner interface {
	Execute(ctx context.Context, req RunRequest, onEvent func(Event)) error
}

// Target is a resolved target description.
type Target struct {
	ID   string
	Name string
}

// TargetResolver looks a target up. A nil target with a nil error means the
// target is gone.
type TargetResolver interface {
	LoadTarget(ctx context.Context, id string) (*Target, error)
}

// Notifier receives terminal outcomes. Its errors are logged and dropped.
type Notifier interface {
	Notify(ctx context.Context, job storage.Job, o Outcome) error
}

// Store is the slice of storage.Store the executor needs.
type Store interface {
	GetJob(ctx context.Context, id string) (storage.Job, error)
	MarkJobRunning(ctx context.Context, id, sessionID string) (bool, error)
	MarkJobCompleted(ctx context.Context, id string, status storage.Status, errMsg string) error
	ScheduleRetry(ctx context.Context, id string, previousRetryCount int) error
	ReleaseJob(ctx context.Context, id, sessionID string) (bool, error)
	CreateRun(ctx context.Context, jobID, sessionID string, trigger storage.Trigger) (int64, error)
	CompleteRun(ctx context.Context, runID int64, status storage.Status, errMsg string, took time.Duration) error
}

// Outcome describes one execution attempt.
type Outcome struct {
	JobID     string          `json:"jobId"`
	JobName   string          `json:"jobName"`
	SessionID string          `json:"sessionId,omitempty"`
	RunID     int64           `json:"runId,omitempty"`
	Trigger   storage.Trigger `json:"trigger"`
	Status    storage.Status  `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
	Started   time.Time       `json:"started"`
	Duration  time.Duration   `json:"duration"`
	Attempt   int             `json:"attempt"`

	// Skipped is set when the run lock was already held. Nothing else happened.
	Skipped bool `json:"skipped,omitempty"`
	// RetryScheduled is set for a non-terminal failure.
	RetryScheduled bool `json:"retryScheduled,omitempty"`
}

// OK reports whether the attempt succeeded.
func (o Outcome) OK() bool { return o.Status == storage.StatusOK }

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	InFlight      int
	MaxConcurrent int
	ManualOverlap string
	RunTimeout    time.Duration
	History       []Outcome
}
