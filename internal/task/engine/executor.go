package engine

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"skillcron/internal/eventbus"
	"skillcron/internal/storage"
	logx "skillcron/pkg/logx"
)

// Executor runs one job attempt end to end: it takes the run lock, invokes
// the target, and commits the outcome.
type Executor struct {
	mu  sync.Mutex
	cfg Config
	sem chan struct{}

	store    Store
	runner   Runner
	targets  TargetResolver
	notifier Notifier
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time

	wg       sync.WaitGroup
	inFlight int
	stopping bool

	hmu     sync.Mutex
	history []Outcome
}

// Option customizes an Executor.
type Option func(*Executor)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

func New(cfg Config, store Store, runner Runner, targets TargetResolver, notifier Notifier, log logx.Logger, bus eventbus.Bus, opts ...Option) *Executor {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	e := &Executor{
		cfg:      cfg,
		sem:      newSemaphore(cfg.MaxConcurrent),
		store:    store,
		runner:   runner,
		targets:  targets,
		notifier: notifier,
		log:      log,
		bus:      bus,
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Apply swaps the runtime knobs. Executions already holding a permit keep it.
func (e *Executor) Apply(cfg Config) {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	e.mu.Lock()
	prev := e.cfg
	e.cfg = cfg
	if prev.MaxConcurrent != cfg.MaxConcurrent {
		e.sem = newSemaphore(cfg.MaxConcurrent)
	}
	e.mu.Unlock()
}

func (e *Executor) config() (Config, chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg, e.sem
}

// RunJob executes a due job under its run lock. Lock contention is not an
// error: the outcome comes back with Skipped set.
func (e *Executor) RunJob(ctx context.Context, job storage.Job) (Outcome, error) {
	if !e.begin() {
		return Outcome{}, ErrStopping
	}
	defer e.end()

	sessionID := newSessionID("cron", job.ID)
	out := Outcome{
		JobID:     job.ID,
		JobName:   job.Name,
		SessionID: sessionID,
		Trigger:   storage.TriggerSchedule,
		Attempt:   job.RetryCount + 1,
	}
	log := e.log.With(logx.String("job", job.ID), logx.String("session", sessionID))

	claimed, err := e.store.MarkJobRunning(ctx, job.ID, sessionID)
	if err != nil {
		return Outcome{}, errors.Wrapf(err, "claim job %s", job.ID)
	}
	if !claimed {
		out.Skipped = true
		out.SessionID = ""
		log.Debug("job already running; skipped")
		e.publish("cron.run.skipped", out)
		return out, nil
	}

	out.Started = e.now()
	out.RunID = e.openRun(ctx, log, job.ID, sessionID, storage.TriggerSchedule)
	e.publish("cron.run.started", out)

	runErr := e.invoke(ctx, job, sessionID)
	out.Duration = e.now().Sub(out.Started)

	// Commits use a detached context: a cancelled caller must not leave the
	// lock held.
	wctx := context.WithoutCancel(ctx)
	if runErr == nil {
		out.Status = storage.StatusOK
		e.closeRun(wctx, log, out)
		if err := e.store.MarkJobCompleted(wctx, job.ID, storage.StatusOK, ""); err != nil {
			log.Error("commit success failed", logx.Err(err))
			e.release(wctx, log, job.ID, sessionID)
		}
		e.finish(wctx, log, job, out)
		return out, nil
	}

	out.Status = storage.StatusError
	out.Error = runErr.Error()
	e.closeRun(wctx, log, out)

	if job.RetryCount < job.Retry.MaxRetries {
		if err := e.store.ScheduleRetry(wctx, job.ID, job.RetryCount); err != nil {
			log.Error("schedule retry failed", logx.Err(err))
			e.release(wctx, log, job.ID, sessionID)
		} else {
			out.RetryScheduled = true
			log.Warn("attempt failed; retry scheduled",
				logx.Int("attempt", out.Attempt),
				logx.Int("max_retries", job.Retry.MaxRetries),
				logx.Duration("backoff", job.Retry.Backoff),
				logx.String("error", out.Error),
			)
		}
		e.record(out)
		e.publish("cron.run.retry_scheduled", out)
		return out, nil
	}

	if err := e.store.MarkJobCompleted(wctx, job.ID, storage.StatusError, out.Error); err != nil {
		log.Error("commit failure failed", logx.Err(err))
		e.release(wctx, log, job.ID, sessionID)
	}
	e.finish(wctx, log, job, out)
	return out, nil
}

// TriggerJob runs a job now and reports the outcome synchronously. It never
// touches NextRunAt or RetryCount.
func (e *Executor) TriggerJob(ctx context.Context, jobID string) (Outcome, error) {
	if !e.begin() {
		return Outcome{}, ErrStopping
	}
	defer e.end()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Outcome{}, errors.Wrapf(ErrJobNotFound, "job %s", jobID)
		}
		return Outcome{}, err
	}

	cfg, _ := e.config()
	sessionID := newSessionID("cron-manual", job.ID)
	log := e.log.With(logx.String("job", job.ID), logx.String("session", sessionID), logx.String("trigger", "manual"))

	if cfg.ManualOverlap == OverlapLock {
		claimed, err := e.store.MarkJobRunning(ctx, job.ID, sessionID)
		if err != nil {
			return Outcome{}, errors.Wrapf(err, "claim job %s", job.ID)
		}
		if !claimed {
			return Outcome{}, errors.Wrapf(ErrAlreadyRunning, "job %s", job.ID)
		}
		defer e.release(context.WithoutCancel(ctx), log, job.ID, sessionID)
	}

	out := Outcome{
		JobID:     job.ID,
		JobName:   job.Name,
		SessionID: sessionID,
		Trigger:   storage.TriggerManual,
		Attempt:   1,
		Started:   e.now(),
	}
	out.RunID = e.openRun(ctx, log, job.ID, sessionID, storage.TriggerManual)
	e.publish("cron.run.started", out)

	runErr := e.invoke(ctx, job, sessionID)
	out.Duration = e.now().Sub(out.Started)
	out.Status = storage.StatusOK
	if runErr != nil {
		out.Status = storage.StatusError
		out.Error = runErr.Error()
	}

	wctx := context.WithoutCancel(ctx)
	e.closeRun(wctx, log, out)
	e.finish(wctx, log, job, out)
	return out, nil
}

// Wait blocks until in-flight executions finish or ctx expires.
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the in-flight count and recent outcomes, newest first.
func (e *Executor) Snapshot() Snapshot {
	e.mu.Lock()
	snap := Snapshot{
		InFlight:      e.inFlight,
		MaxConcurrent: e.cfg.MaxConcurrent,
		ManualOverlap: e.cfg.ManualOverlap.String(),
		RunTimeout:    e.cfg.RunTimeout,
	}
	e.mu.Unlock()

	e.hmu.Lock()
	snap.History = make([]Outcome, 0, len(e.history))
	for i := len(e.history) - 1; i >= 0; i-- {
		snap.History = append(snap.History, e.history[i])
	}
	e.hmu.Unlock()
	return snap
}

// Stop rejects new executions with ErrStopping and waits for in-flight ones
// until ctx expires.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopping = true
	e.mu.Unlock()
	return e.Wait(ctx)
}

func (e *Executor) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopping {
		return false
	}
	e.inFlight++
	e.wg.Add(1)
	return true
}

func (e *Executor) end() {
	e.mu.Lock()
	e.inFlight--
	e.mu.Unlock()
	e.wg.Done()
}

// invoke resolves the target and runs it. Every failure mode, including a
// runner panic, comes back as an error.
func (e *Executor) invoke(ctx context.Context, job storage.Job, sessionID string) (err error) {
	cfg, sem := e.config()

	rctx := context.WithoutCancel(ctx)
	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(rctx, cfg.RunTimeout)
		defer cancel()
	}

	if sem != nil {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		case <-rctx.Done():
			return errors.Wrap(rctx.Err(), "waiting for execution slot")
		}
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("runner panic",
				logx.String("job", job.ID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = errors.Newf("runner panic: %v", r)
		}
	}()

	target, err := e.targets.LoadTarget(rctx, job.Target.ID)
	if err != nil {
		return errors.Wrapf(err, "load target %s", job.Target.ID)
	}
	if target == nil {
		return errors.Wrapf(ErrTargetNotFound, "skill %s", job.Target.ID)
	}

	var (
		emu    sync.Mutex
		events []string
	)
	onEvent := func(ev Event) {
		if ev.Type != EventError {
			return
		}
		msg := strings.TrimSpace(ev.Content)
		if msg == "" {
			msg = "unknown error"
		}
		emu.Lock()
		events = append(events, msg)
		emu.Unlock()
	}

	execErr := e.runner.Execute(rctx, RunRequest{
		TargetID:  job.Target.ID,
		Query:     job.Target.Query,
		SessionID: sessionID,
		ProfileID: job.Target.ProfileID,
	}, onEvent)

	emu.Lock()
	defer emu.Unlock()
	if execErr != nil {
		events = append(events, execErr.Error())
	}
	if len(events) == 0 {
		return nil
	}
	return &runnerEventError{msgs: events}
}

func (e *Executor) openRun(ctx context.Context, log logx.Logger, jobID, sessionID string, trigger storage.Trigger) int64 {
	id, err := e.store.CreateRun(ctx, jobID, sessionID, trigger)
	if err != nil {
		log.Warn("create run record failed; continuing without one", logx.Err(err))
		return 0
	}
	return id
}

func (e *Executor) closeRun(ctx context.Context, log logx.Logger, out Outcome) {
	if out.RunID == 0 {
		return
	}
	if err := e.store.CompleteRun(ctx, out.RunID, out.Status, out.Error, out.Duration); err != nil {
		log.Warn("complete run record failed", logx.Int64("run", out.RunID), logx.Err(err))
	}
}

func (e *Executor) release(ctx context.Context, log logx.Logger, jobID, sessionID string) {
	if _, err := e.store.ReleaseJob(ctx, jobID, sessionID); err != nil {
		log.Error("release job failed", logx.Err(err))
	}
}

// finish records a terminal outcome and notifies.
func (e *Executor) finish(ctx context.Context, log logx.Logger, job storage.Job, out Outcome) {
	e.record(out)
	e.publish("cron.run.finished", out)
	if out.OK() {
		log.Info("job ok", logx.Duration("took", out.Duration))
	} else {
		log.Warn("job failed", logx.Duration("took", out.Duration), logx.String("error", out.Error))
	}
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, job, out); err != nil {
		log.Warn("notify failed", logx.Err(err))
	}
}

func (e *Executor) record(out Outcome) {
	cfg, _ := e.config()
	e.hmu.Lock()
	defer e.hmu.Unlock()
	e.history = append(e.history, out)
	if over := len(e.history) - cfg.HistorySize; over > 0 {
		e.history = append([]Outcome(nil), e.history[over:]...)
	}
}

func (e *Executor) publish(typ string, out Outcome) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: out})
}

func newSemaphore(n int) chan struct{} {
	if n <= 0 {
		return nil
	}
	return make(chan struct{}, n)
}

func newSessionID(prefix, jobID string) string {
	return prefix + "-" + jobID + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
