package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"

	"skillcron/internal/notifier"
	"skillcron/internal/storage"
	"skillcron/internal/task/engine"
	"skillcron/internal/task/jobs"
	"skillcron/internal/task/schedule"
	logx "skillcron/pkg/logx"
)

// Jobs is the subset of *jobs.Service the API serves.
type Jobs interface {
	List(ctx context.Context, f storage.JobFilter) ([]storage.Job, error)
	Get(ctx context.Context, id string) (storage.Job, error)
	Create(ctx context.Context, j storage.Job) (storage.Job, error)
	Update(ctx context.Context, id string, p storage.JobPatch) (storage.Job, error)
	Delete(ctx context.Context, id string) error
	Runs(ctx context.Context, id string, limit int) ([]storage.Run, error)
	Trigger(ctx context.Context, id string) (engine.Outcome, error)
	Describe(sch schedule.Schedule) string
	Preview(sch schedule.Schedule, now time.Time) (string, *time.Time, error)
	Status(ctx context.Context) (jobs.Status, error)
	StartPoller(ctx context.Context) error
	StopPoller() error
}

// Inbox is the notification side of the store.
type Inbox interface {
	ListNotifications(ctx context.Context, f storage.NotificationFilter) ([]storage.Notification, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkNotificationRead(ctx context.Context, id int64) (bool, error)
	MarkAllNotificationsRead(ctx context.Context) (int64, error)
}

// Notifier is the subset of *notifier.Service the API serves.
type Notifier interface {
	SendTest(ctx context.Context, channel, address string) error
	NotifyTask(ctx context.Context, sessionID, name string, status storage.Status, errMsg string) error
	Snapshot() []notifier.HistoryItem
}

const (
	defaultRunsLimit          = 20
	defaultNotificationsLimit = 50
	maxBodyBytes              = 1 << 20
)

type handler struct {
	jobs   Jobs
	inbox  Inbox
	notif  Notifier
	log    logx.Logger
	now    func() time.Time
	// poller lifecycle outlives the request that started it
	base context.Context
}

// NewRouter builds the API routes. notif may be nil, in which case the
// notifier routes answer 503.
func NewRouter(base context.Context, j Jobs, inbox Inbox, notif Notifier, token string, log logx.Logger) http.Handler {
	if base == nil {
		base = context.Background()
	}
	h := &handler{jobs: j, inbox: inbox, notif: notif, log: log, now: time.Now, base: base}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(bearerAuth(token))

	c := api.PathPrefix("/cron").Subrouter()
	c.HandleFunc("/jobs", h.listJobs).Methods(http.MethodGet)
	c.HandleFunc("/jobs", h.createJob).Methods(http.MethodPost)
	c.HandleFunc("/jobs/{id}", h.getJob).Methods(http.MethodGet)
	c.HandleFunc("/jobs/{id}", h.updateJob).Methods(http.MethodPatch)
	c.HandleFunc("/jobs/{id}", h.deleteJob).Methods(http.MethodDelete)
	c.HandleFunc("/jobs/{id}/run", h.runJob).Methods(http.MethodPost)
	c.HandleFunc("/jobs/{id}/runs", h.listRuns).Methods(http.MethodGet)
	c.HandleFunc("/status", h.status).Methods(http.MethodGet)
	c.HandleFunc("/status/start", h.startPoller).Methods(http.MethodPost)
	c.HandleFunc("/status/stop", h.stopPoller).Methods(http.MethodPost)
	c.HandleFunc("/describe", h.describe).Methods(http.MethodPost)

	n := api.PathPrefix("/notifications").Subrouter()
	n.HandleFunc("", h.listNotifications).Methods(http.MethodGet)
	n.HandleFunc("/unread-count", h.unreadCount).Methods(http.MethodGet)
	n.HandleFunc("/read-all", h.readAll).Methods(http.MethodPost)
	n.HandleFunc("/test", h.testNotification).Methods(http.MethodPost)
	n.HandleFunc("/task", h.taskNotification).Methods(http.MethodPost)
	n.HandleFunc("/deliveries", h.deliveries).Methods(http.MethodGet)
	n.HandleFunc("/{id:[0-9]+}/read", h.readOne).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.jobs.List(r.Context(), storage.JobFilter{
		SourceChannel: q.Get("source"),
		SourceAddress: q.Get("address"),
		EnabledOnly:   q.Get("enabled") == "true",
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]jobJSON, 0, len(list))
	for _, j := range list {
		out = append(out, toJobJSON(j, h.jobs.Describe))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobJSON(j, h.jobs.Describe))
}

func (h *handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !h.decode(w, r, &req) {
		return
	}
	j, err := req.job()
	if err == nil {
		j, err = h.jobs.Create(r.Context(), j)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobJSON(j, h.jobs.Describe))
}

func (h *handler) updateJob(w http.ResponseWriter, r *http.Request) {
	var req updateJobRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := req.patch()
	var j storage.Job
	if err == nil {
		j, err = h.jobs.Update(r.Context(), mux.Vars(r)["id"], p)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobJSON(j, h.jobs.Describe))
}

func (h *handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// runJob executes synchronously and reports the outcome. A run that failed
// is still a 200 with success=false; only refusals map to error statuses.
func (h *handler) runJob(w http.ResponseWriter, r *http.Request) {
	out, err := h.jobs.Trigger(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunResult(out))
}

func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, defaultRunsLimit)
	if !ok {
		return
	}
	runs, err := h.jobs.Runs(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]runJSON, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunJSON(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.jobs.Status(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusJSON(st))
}

func (h *handler) startPoller(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.StartPoller(h.base); err != nil {
		h.fail(w, r, err)
		return
	}
	h.status(w, r)
}

func (h *handler) stopPoller(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.StopPoller(); err != nil {
		h.fail(w, r, err)
		return
	}
	h.status(w, r)
}

func (h *handler) describe(w http.ResponseWriter, r *http.Request) {
	var spec schedule.Spec
	if !h.decode(w, r, &spec) {
		return
	}
	sch, err := spec.Schedule()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	desc, next, err := h.jobs.Preview(sch, h.now())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, describeResponse{Description: desc, NextRunAtMs: msPtr(next)})
}

func (h *handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, defaultNotificationsLimit)
	if !ok {
		return
	}
	list, err := h.inbox.ListNotifications(r.Context(), storage.NotificationFilter{
		Limit:      limit,
		UnreadOnly: r.URL.Query().Get("unread") == "true",
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]notificationJSON, 0, len(list))
	for _, n := range list {
		out = append(out, toNotificationJSON(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": out})
}

func (h *handler) unreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.inbox.UnreadCount(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (h *handler) readOne(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification id")
		return
	}
	ok, err := h.inbox.MarkNotificationRead(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

func (h *handler) readAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.inbox.MarkAllNotificationsRead(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": n})
}

func (h *handler) requireNotifier(w http.ResponseWriter) bool {
	if h.notif == nil {
		writeError(w, http.StatusServiceUnavailable, "notifier not available")
		return false
	}
	return true
}

func (h *handler) testNotification(w http.ResponseWriter, r *http.Request) {
	if !h.requireNotifier(w) {
		return
	}
	var req testNotificationRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.notif.SendTest(r.Context(), req.Channel, req.Address); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// taskNotification records the outcome of a background task that ran
// outside the scheduler. The entry lands in the inbox only.
func (h *handler) taskNotification(w http.ResponseWriter, r *http.Request) {
	if !h.requireNotifier(w) {
		return
	}
	var req taskNotificationRequest
	if !h.decode(w, r, &req) {
		return
	}
	status, err := req.validate()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.notif.NotifyTask(r.Context(), req.SessionID, req.Name, status, req.Error); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]bool{"success": true})
}

// deliveries lists recent outbound delivery attempts, oldest first.
func (h *handler) deliveries(w http.ResponseWriter, _ *http.Request) {
	if !h.requireNotifier(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": h.notif.Snapshot()})
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return false
	}
	if len(body) > maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return false
	}
	if err := decodeStrict(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// fail maps domain errors to statuses. Anything unrecognised is logged and
// answered with a generic 500.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ve *jobs.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, engine.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, engine.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, engine.ErrAlreadyRunning.Error())
	case errors.Is(err, engine.ErrStopping):
		writeError(w, http.StatusServiceUnavailable, engine.ErrStopping.Error())
	default:
		h.log.Error("api request failed",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Err(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(n, 500), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
