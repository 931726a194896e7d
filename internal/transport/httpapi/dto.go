package httpapi

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"skillcron/internal/storage"
	"skillcron/internal/task/engine"
	"skillcron/internal/task/jobs"
	"skillcron/internal/task/schedule"
)

// Wire types. Times are epoch milliseconds, durations are milliseconds.

type retryJSON struct {
	MaxRetries int   `json:"maxRetries"`
	BackoffMs  int64 `json:"backoffMs"`
}

type jobJSON struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Enabled     bool             `json:"enabled"`
	Schedule    schedule.Spec    `json:"schedule"`
	Describe    string           `json:"scheduleText"`
	Target      storage.Target   `json:"target"`
	Retry       retryJSON        `json:"retry"`
	Source      storage.Endpoint `json:"source"`
	Notify      storage.Endpoint `json:"notify"`

	Status           storage.Status `json:"status,omitempty"`
	NextRunAtMs      *int64         `json:"nextRunAtMs"`
	LastRunAtMs      *int64         `json:"lastRunAtMs"`
	LastStatus       storage.Status `json:"lastStatus,omitempty"`
	LastError        string         `json:"lastError,omitempty"`
	RunningSessionID string         `json:"runningSessionId,omitempty"`
	RetryCount       int            `json:"retryCount"`
	CreatedAtMs      int64          `json:"createdAtMs"`
	UpdatedAtMs      int64          `json:"updatedAtMs"`
}

func toJobJSON(j storage.Job, describe func(schedule.Schedule) string) jobJSON {
	return jobJSON{
		ID:               j.ID,
		Name:             j.Name,
		Description:      j.Description,
		Enabled:          j.Enabled,
		Schedule:         schedule.ToSpec(j.Schedule),
		Describe:         describe(j.Schedule),
		Target:           j.Target,
		Retry:            retryJSON{MaxRetries: j.Retry.MaxRetries, BackoffMs: j.Retry.Backoff.Milliseconds()},
		Source:           j.Source,
		Notify:           j.Notify,
		Status:           j.Status(),
		NextRunAtMs:      msPtr(j.NextRunAt),
		LastRunAtMs:      msPtr(j.LastRunAt),
		LastStatus:       j.LastStatus,
		LastError:        j.LastError,
		RunningSessionID: j.RunningSessionID,
		RetryCount:       j.RetryCount,
		CreatedAtMs:      j.CreatedAt.UnixMilli(),
		UpdatedAtMs:      j.UpdatedAt.UnixMilli(),
	}
}

// createJobRequest is the POST body. Enabled defaults to true.
type createJobRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Enabled     *bool             `json:"enabled"`
	Schedule    *schedule.Spec    `json:"schedule"`
	Target      *storage.Target   `json:"target"`
	Retry       *retryJSON        `json:"retry"`
	Source      *storage.Endpoint `json:"source"`
	Notify      *storage.Endpoint `json:"notify"`
}

func (r createJobRequest) job() (storage.Job, error) {
	j := storage.Job{
		Name:        r.Name,
		Description: r.Description,
		Enabled:     r.Enabled == nil || *r.Enabled,
		Source:      storage.Endpoint{Channel: "api"},
	}
	if r.Schedule != nil {
		sch, err := r.Schedule.Schedule()
		if err != nil {
			return j, &jobs.ValidationError{Field: "schedule", Message: err.Error()}
		}
		j.Schedule = sch
	}
	if r.Target != nil {
		j.Target = *r.Target
	}
	if r.Retry != nil {
		j.Retry = r.Retry.policy()
	}
	if r.Source != nil && r.Source.Channel != "" {
		j.Source = *r.Source
	}
	if r.Notify != nil {
		j.Notify = *r.Notify
	}
	return j, nil
}

// updateJobRequest is the PATCH body; absent fields are left alone.
type updateJobRequest struct {
	Name        *string           `json:"name"`
	Description *string           `json:"description"`
	Enabled     *bool             `json:"enabled"`
	Schedule    *schedule.Spec    `json:"schedule"`
	Target      *storage.Target   `json:"target"`
	Retry       *retryJSON        `json:"retry"`
	Notify      *storage.Endpoint `json:"notify"`
}

func (r updateJobRequest) patch() (storage.JobPatch, error) {
	p := storage.JobPatch{
		Name:        r.Name,
		Description: r.Description,
		Enabled:     r.Enabled,
		Target:      r.Target,
		Notify:      r.Notify,
	}
	if r.Schedule != nil {
		sch, err := r.Schedule.Schedule()
		if err != nil {
			return p, &jobs.ValidationError{Field: "schedule", Message: err.Error()}
		}
		p.Schedule = sch
	}
	if r.Retry != nil {
		rp := r.Retry.policy()
		p.Retry = &rp
	}
	return p, nil
}

func (r retryJSON) policy() storage.RetryPolicy {
	return storage.RetryPolicy{MaxRetries: r.MaxRetries, Backoff: time.Duration(r.BackoffMs) * time.Millisecond}
}

type runJSON struct {
	ID            int64           `json:"id"`
	JobID         string          `json:"jobId"`
	SessionID     string          `json:"sessionId"`
	Trigger       storage.Trigger `json:"trigger"`
	Status        storage.Status  `json:"status"`
	Error         string          `json:"error,omitempty"`
	DurationMs    int64           `json:"durationMs"`
	StartedAtMs   int64           `json:"startedAtMs"`
	CompletedAtMs *int64          `json:"completedAtMs"`
}

func toRunJSON(r storage.Run) runJSON {
	return runJSON{
		ID:            r.ID,
		JobID:         r.JobID,
		SessionID:     r.SessionID,
		Trigger:       r.Trigger,
		Status:        r.Status,
		Error:         r.Error,
		DurationMs:    r.Duration.Milliseconds(),
		StartedAtMs:   r.StartedAt.UnixMilli(),
		CompletedAtMs: msPtr(r.CompletedAt),
	}
}

// runResultJSON answers a manual trigger.
type runResultJSON struct {
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	RunID      int64          `json:"runId,omitempty"`
	Status     storage.Status `json:"status,omitempty"`
	DurationMs int64          `json:"durationMs"`
}

func toRunResult(o engine.Outcome) runResultJSON {
	return runResultJSON{
		Success:    o.OK(),
		Error:      o.Error,
		SessionID:  o.SessionID,
		RunID:      o.RunID,
		Status:     o.Status,
		DurationMs: o.Duration.Milliseconds(),
	}
}

type statusJSON struct {
	Running      bool   `json:"running"`
	IntervalMs   int64  `json:"intervalMs"`
	Ticks        uint64 `json:"ticks"`
	InFlight     bool   `json:"inFlight"`
	LastTickAtMs *int64 `json:"lastTickAtMs"`
	NextTickAtMs *int64 `json:"nextTickAtMs"`
	LastDue      int    `json:"lastDue"`
	NextWakeAtMs *int64 `json:"nextWakeAtMs"`
}

func toStatusJSON(s jobs.Status) statusJSON {
	return statusJSON{
		Running:      s.Running,
		IntervalMs:   s.Interval.Milliseconds(),
		Ticks:        s.Ticks,
		InFlight:     s.InFlight,
		LastTickAtMs: msPtr(s.LastTickAt),
		NextTickAtMs: msPtr(s.NextTickAt),
		LastDue:      s.LastDue,
		NextWakeAtMs: msPtr(s.NextWakeAt),
	}
}

type notificationJSON struct {
	ID            int64                    `json:"id"`
	Type          storage.NotificationKind `json:"type"`
	Title         string                   `json:"title"`
	Content       string                   `json:"content"`
	Read          bool                     `json:"read"`
	JobID         string                   `json:"jobId,omitempty"`
	SessionID     string                   `json:"sessionId,omitempty"`
	Delivery      storage.Delivery         `json:"delivery"`
	DeliveryError string                   `json:"deliveryError,omitempty"`
	CreatedAtMs   int64                    `json:"createdAtMs"`
}

func toNotificationJSON(n storage.Notification) notificationJSON {
	return notificationJSON{
		ID:            n.ID,
		Type:          n.Kind,
		Title:         n.Title,
		Content:       n.Content,
		Read:          n.Read,
		JobID:         n.JobID,
		SessionID:     n.SessionID,
		Delivery:      n.Delivery,
		DeliveryError: n.DeliveryError,
		CreatedAtMs:   n.CreatedAt.UnixMilli(),
	}
}

type describeResponse struct {
	Description string `json:"description"`
	NextRunAtMs *int64 `json:"nextRunAtMs"`
}

type testNotificationRequest struct {
	Channel string `json:"channel"`
	Address string `json:"address"`
}

type taskNotificationRequest struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Error     string `json:"error"`
}

func (t taskNotificationRequest) validate() (storage.Status, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", errors.New("name is required")
	}
	switch st := storage.Status(strings.ToLower(strings.TrimSpace(t.Status))); st {
	case storage.StatusOK, storage.StatusError:
		return st, nil
	default:
		return "", errors.Newf("status must be %q or %q", storage.StatusOK, storage.StatusError)
	}
}

func msPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

// decodeStrict decodes a JSON body, rejecting unknown fields.
func decodeStrict(body []byte, dst any) error {
	if len(body) == 0 {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Wrap(err, "invalid JSON body")
	}
	return nil
}
