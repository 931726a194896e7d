// Package jobs is the operational surface shared by the HTTP API, the
// Telegram commands and the CLI. It validates input before anything reaches
// the store and pokes the poller after every schedule-affecting change.
package jobs

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"skillcron/internal/storage"
	"skillcron/internal/task/engine"
	"skillcron/internal/task/schedule"
	"skillcron/internal/task/scheduler"
	logx "skillcron/pkg/logx"
)

// Poller is the part of scheduler.Poller the service drives.
type Poller interface {
	Start(ctx context.Context)
	Stop()
	TriggerPoll()
	Status() scheduler.Status
}

// Trigger runs a job on demand.
type Trigger interface {
	TriggerJob(ctx context.Context, id string) (engine.Outcome, error)
}

// Status is the poller status plus the store's earliest pending run.
type Status struct {
	scheduler.Status
	NextWakeAt *time.Time `json:"nextWakeAt,omitempty"`
}

type Service struct {
	store  storage.Store
	poller Poller
	exec   Trigger
	loc    *time.Location
	log    logx.Logger
}

// New wires the service. poller and exec may be nil for offline use (the
// CLI); Trigger and the poller controls then report an error.
func New(store storage.Store, poller Poller, exec Trigger, loc *time.Location, log logx.Logger) *Service {
	if loc == nil {
		loc, _ = schedule.LoadLocation(schedule.DefaultTimezone)
	}
	return &Service{store: store, poller: poller, exec: exec, loc: loc, log: log}
}

var errNoPoller = errors.New("poller not available in this process")

func (s *Service) List(ctx context.Context, f storage.JobFilter) ([]storage.Job, error) {
	return s.store.ListJobs(ctx, f)
}

func (s *Service) Get(ctx context.Context, id string) (storage.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *Service) Create(ctx context.Context, j storage.Job) (storage.Job, error) {
	j.Name = strings.TrimSpace(j.Name)
	if j.Target.Kind == "" {
		j.Target.Kind = storage.TargetKindSkill
	}
	if err := validateJob(j); err != nil {
		return storage.Job{}, err
	}
	created, err := s.store.CreateJob(ctx, j)
	if err != nil {
		return storage.Job{}, err
	}
	s.log.Info("job created",
		logx.String("job", created.ID),
		logx.String("name", created.Name),
		logx.String("schedule", s.Describe(created.Schedule)),
	)
	s.poke()
	return created, nil
}

func (s *Service) Update(ctx context.Context, id string, p storage.JobPatch) (storage.Job, error) {
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		p.Name = &name
	}
	if err := validatePatch(p); err != nil {
		return storage.Job{}, err
	}
	updated, err := s.store.UpdateJob(ctx, id, p)
	if err != nil {
		return storage.Job{}, err
	}
	s.log.Info("job updated", logx.String("job", id))
	s.poke()
	return updated, nil
}

// SetEnabled is a shorthand for toggling a job.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (storage.Job, error) {
	return s.Update(ctx, id, storage.JobPatch{Enabled: &enabled})
}

func (s *Service) Delete(ctx context.Context, id string) error {
	ok, err := s.store.DeleteJob(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(storage.ErrNotFound, "job %s", id)
	}
	s.log.Info("job deleted", logx.String("job", id))
	s.poke()
	return nil
}

// Runs lists a job's history, newest first. Unknown jobs are ErrNotFound.
func (s *Service) Runs(ctx context.Context, id string, limit int) ([]storage.Run, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListRuns(ctx, id, limit)
}

func (s *Service) Trigger(ctx context.Context, id string) (engine.Outcome, error) {
	if s.exec == nil {
		return engine.Outcome{}, errors.New("manual trigger not available in this process")
	}
	return s.exec.TriggerJob(ctx, id)
}

// Describe renders a schedule for humans in the service's default zone.
func (s *Service) Describe(sch schedule.Schedule) string {
	return schedule.Describe(sch, s.loc)
}

// Preview validates a schedule and returns its description and next run.
func (s *Service) Preview(sch schedule.Schedule, now time.Time) (string, *time.Time, error) {
	if err := validateSchedule(sch); err != nil {
		return "", nil, err
	}
	calc := schedule.Calculator{Location: s.loc}
	var next *time.Time
	if t, ok := calc.NextRunAt(sch, nil, now); ok {
		next = &t
	}
	return s.Describe(sch), next, nil
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	var st Status
	if s.poller != nil {
		st.Status = s.poller.Status()
	}
	wake, err := s.store.NextWakeAt(ctx)
	if err != nil {
		return st, err
	}
	st.NextWakeAt = wake
	return st, nil
}

func (s *Service) StartPoller(ctx context.Context) error {
	if s.poller == nil {
		return errNoPoller
	}
	s.poller.Start(ctx)
	return nil
}

func (s *Service) StopPoller() error {
	if s.poller == nil {
		return errNoPoller
	}
	s.poller.Stop()
	return nil
}

func (s *Service) poke() {
	if s.poller != nil {
		s.poller.TriggerPoll()
	}
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
