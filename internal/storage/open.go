package storage

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "skillcron/pkg/logx"
)

// Store is the persistence API used by the executor, poller and surfaces.
type Store interface {
	CreateJob(ctx context.Context, j Job) (Job, error)
	GetJob(ctx context.Context, id string) (Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]Job, error)
	UpdateJob(ctx context.Context, id string, p JobPatch) (Job, error)
	DeleteJob(ctx context.Context, id string) (bool, error)

	MarkJobRunning(ctx context.Context, id, sessionID string) (bool, error)
	MarkJobCompleted(ctx context.Context, id string, status Status, errMsg string) error
	ScheduleRetry(ctx context.Context, id string, previousRetryCount int) error
	ReleaseJob(ctx context.Context, id, sessionID string) (bool, error)
	DueJobs(ctx context.Context) ([]Job, error)
	NextWakeAt(ctx context.Context) (*time.Time, error)
	RecoverInterrupted(ctx context.Context) (jobs, runs int64, err error)

	CreateRun(ctx context.Context, jobID, sessionID string, trigger Trigger) (int64, error)
	CompleteRun(ctx context.Context, runID int64, status Status, errMsg string, took time.Duration) error
	ListRuns(ctx context.Context, jobID string, limit int) ([]Run, error)

	CreateNotification(ctx context.Context, n Notification) (int64, error)
	ListNotifications(ctx context.Context, f NotificationFilter) ([]Notification, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkNotificationRead(ctx context.Context, id int64) (bool, error)
	MarkAllNotificationsRead(ctx context.Context) (int64, error)
	SetNotificationDelivery(ctx context.Context, id int64, d Delivery, errMsg string) error

	Close() error
}

// Open initializes the configured store.
// It returns ErrDisabled if storage is disabled: the scheduler cannot run
// without it.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}
