package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillcron/internal/eventbus"
	"skillcron/internal/storage"
	"skillcron/internal/task/schedule"
	logx "skillcron/pkg/logx"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []RunRequest
	fn    func(n int, req RunRequest, onEvent func(Event)) error
}

func (r *fakeRunner) Execute(_ context.Context, req RunRequest, onEvent func(Event)) error {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	n := len(r.calls)
	fn := r.fn
	r.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(n, req, onEvent)
}

func (r *fakeRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakeTargets struct{ missing bool }

func (f fakeTargets) LoadTarget(_ context.Context, id string) (*Target, error) {
	if f.missing {
		return nil, nil
	}
	return &Target{ID: id, Name: "skill " + id}, nil
}

type fakeNotifier struct {
	mu  sync.Mutex
	got []Outcome
	err error
}

func (n *fakeNotifier) Notify(_ context.Context, _ storage.Job, o Outcome) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, o)
	return n.err
}

func (n *fakeNotifier) Outcomes() []Outcome {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Outcome(nil), n.got...)
}

type fixture struct {
	store    storage.Store
	clock    *testClock
	runner   *fakeRunner
	notifier *fakeNotifier
	exec     *Executor
}

func newFixture(t *testing.T, cfg Config, targets TargetResolver) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)}
	st, err := storage.Open(storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "engine.db"),
		Now:    clock.Now,
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	if targets == nil {
		targets = fakeTargets{}
	}
	f := &fixture{store: st, clock: clock, runner: &fakeRunner{}, notifier: &fakeNotifier{}}
	f.exec = New(cfg, st, f.runner, targets, f.notifier, logx.Nop(), eventbus.New(), WithClock(clock.Now))
	return f
}

func (f *fixture) createJob(t *testing.T, maxRetries int) storage.Job {
	t.Helper()
	j, err := f.store.CreateJob(context.Background(), storage.Job{
		Name:     "digest",
		Enabled:  true,
		Schedule: schedule.Every{Interval: time.Hour},
		Target:   storage.Target{Kind: storage.TargetKindSkill, ID: "skill-1", Query: "daily digest"},
		Retry:    storage.RetryPolicy{MaxRetries: maxRetries, Backoff: 30 * time.Second},
		Source:   storage.Endpoint{Channel: "api"},
	})
	require.NoError(t, err)
	return j
}

func (f *fixture) reload(t *testing.T, id string) storage.Job {
	t.Helper()
	j, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestRunJob_SuccessCommitsAndNotifies(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	job := f.createJob(t, 2)

	out, err := f.exec.RunJob(ctx, job)
	require.NoError(t, err)
	assert.True(t, out.OK())
	assert.False(t, out.Skipped)
	assert.Regexp(t, `^cron-`+job.ID+`-[0-9a-f]{8}$`, out.SessionID)

	got := f.reload(t, job.ID)
	assert.Equal(t, storage.StatusOK, got.LastStatus)
	assert.Empty(t, got.RunningSessionID)
	assert.Equal(t, 0, got.RetryCount)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, f.clock.Now().Add(time.Hour).UnixMilli(), got.NextRunAt.UnixMilli())

	require.Len(t, f.notifier.Outcomes(), 1)

	runs, err := f.store.ListRuns(ctx, job.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, storage.TriggerSchedule, runs[0].Trigger)
	assert.Equal(t, storage.StatusOK, runs[0].Status)
	assert.NotNil(t, runs[0].CompletedAt)

	require.Len(t, f.runner.calls, 1)
	assert.Equal(t, RunRequest{TargetID: "skill-1", Query: "daily digest", SessionID: out.SessionID}, f.runner.calls[0])
}

func TestRunJob_RetryThenTerminalFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	f.runner.fn = func(int, RunRequest, func(Event)) error { return errors.New("skill exploded") }
	ctx := context.Background()
	job := f.createJob(t, 1)

	out, err := f.exec.RunJob(ctx, job)
	require.NoError(t, err)
	assert.True(t, out.RetryScheduled)

	got := f.reload(t, job.ID)
	assert.True(t, got.Enabled)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.RunningSessionID)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, f.clock.Now().Add(30*time.Second).UnixMilli(), got.NextRunAt.UnixMilli())
	assert.Empty(t, f.notifier.Outcomes())

	out, err = f.exec.RunJob(ctx, got)
	require.NoError(t, err)
	assert.False(t, out.RetryScheduled)
	assert.Equal(t, 2, out.Attempt)

	got = f.reload(t, job.ID)
	assert.Equal(t, storage.StatusError, got.LastStatus)
	assert.Equal(t, "skill exploded", got.LastError)
	assert.Empty(t, got.RunningSessionID)
	notified := f.notifier.Outcomes()
	require.Len(t, notified, 1)
	assert.Equal(t, storage.StatusError, notified[0].Status)

	runs, err := f.store.ListRuns(ctx, job.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, storage.StatusError, r.Status)
		assert.Equal(t, "skill exploded", r.Error)
	}
}

func TestRunJob_SimultaneousCallsReachRunnerOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	gate := make(chan struct{})
	entered := make(chan struct{}, 2)
	f.runner.fn = func(int, RunRequest, func(Event)) error {
		entered <- struct{}{}
		<-gate
		return nil
	}
	job := f.createJob(t, 0)

	results := make(chan Outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			out, err := f.exec.RunJob(context.Background(), job)
			assert.NoError(t, err)
			results <- out
		}()
	}

	<-entered
	// The loser returns without waiting on the gate.
	first := <-results
	assert.True(t, first.Skipped)
	close(gate)
	second := <-results
	assert.False(t, second.Skipped)
	assert.True(t, second.OK())

	assert.Equal(t, 1, f.runner.Calls())
	assert.Len(t, f.notifier.Outcomes(), 1)
}

func TestRunJob_ErrorEventsAreJoined(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	f.runner.fn = func(_ int, _ RunRequest, onEvent func(Event)) error {
		onEvent(Event{Type: "text", Content: "thinking"})
		onEvent(Event{Type: EventError, Content: "quota exceeded"})
		onEvent(Event{Type: EventError, Content: "  "})
		return nil
	}
	job := f.createJob(t, 0)

	out, err := f.exec.RunJob(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusError, out.Status)
	assert.Equal(t, "quota exceeded; unknown error", out.Error)
}

func TestRunJob_RunnerPanicIsAFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	f.runner.fn = func(int, RunRequest, func(Event)) error { panic("boom") }
	job := f.createJob(t, 0)

	out, err := f.exec.RunJob(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusError, out.Status)
	assert.Contains(t, out.Error, "runner panic: boom")

	got := f.reload(t, job.ID)
	assert.Empty(t, got.RunningSessionID)
	assert.Equal(t, storage.StatusError, got.LastStatus)
}

func TestRunJob_MissingTargetConsumesRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, fakeTargets{missing: true})
	job := f.createJob(t, 3)

	out, err := f.exec.RunJob(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, out.RetryScheduled)
	assert.Contains(t, out.Error, ErrTargetNotFound.Error())
	assert.Zero(t, f.runner.Calls())
	assert.Equal(t, 1, f.reload(t, job.ID).RetryCount)
}

func TestRunJob_NotifierErrorDoesNotAffectState(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	f.notifier.err = errors.New("smtp down")
	job := f.createJob(t, 0)

	out, err := f.exec.RunJob(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, out.OK())
	assert.Equal(t, storage.StatusOK, f.reload(t, job.ID).LastStatus)
}

func TestRunJob_TimeoutFailsAttempt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RunTimeout: 20 * time.Millisecond}, nil)
	f.exec.runner = blockingRunner{}
	job := f.createJob(t, 0)

	out, err := f.exec.RunJob(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusError, out.Status)
	assert.Contains(t, out.Error, context.DeadlineExceeded.Error())
}

type blockingRunner struct{}

func (blockingRunner) Execute(ctx context.Context, _ RunRequest, _ func(Event)) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestTriggerJob_LeavesScheduleAlone(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	f.runner.fn = func(int, RunRequest, func(Event)) error { return errors.New("nope") }
	ctx := context.Background()
	job := f.createJob(t, 2)

	out, err := f.exec.TriggerJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TriggerManual, out.Trigger)
	assert.Equal(t, storage.StatusError, out.Status)
	assert.Regexp(t, `^cron-manual-`+job.ID+`-[0-9a-f]{8}$`, out.SessionID)

	got := f.reload(t, job.ID)
	assert.Equal(t, job.NextRunAt.UnixMilli(), got.NextRunAt.UnixMilli())
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.LastStatus)

	// Manual runs notify on failure even with retries left.
	require.Len(t, f.notifier.Outcomes(), 1)

	runs, err := f.store.ListRuns(ctx, job.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, storage.TriggerManual, runs[0].Trigger)
}

func TestTriggerJob_UnknownJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)

	_, err := f.exec.TriggerJob(context.Background(), "missing")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestTriggerJob_OverlapPolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		policy    OverlapPolicy
		wantErr   error
		wantCalls int
	}{
		{name: "allow runs beside the holder", policy: OverlapAllow, wantCalls: 1},
		{name: "lock refuses", policy: OverlapLock, wantErr: ErrAlreadyRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, Config{ManualOverlap: tt.policy}, nil)
			ctx := context.Background()
			job := f.createJob(t, 0)

			ok, err := f.store.MarkJobRunning(ctx, job.ID, "cron-held")
			require.NoError(t, err)
			require.True(t, ok)

			_, err = f.exec.TriggerJob(ctx, job.ID)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, f.runner.Calls())
			assert.Equal(t, "cron-held", f.reload(t, job.ID).RunningSessionID)
		})
	}
}

func TestTriggerJob_LockPolicyHoldsLockDuringRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{ManualOverlap: OverlapLock}, nil)
	job := f.createJob(t, 0)

	var held string
	f.runner.fn = func(int, RunRequest, func(Event)) error {
		j, err := f.store.GetJob(context.Background(), job.ID)
		if err != nil {
			return err
		}
		held = j.RunningSessionID
		return nil
	}

	out, err := f.exec.TriggerJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, out.OK())
	assert.Equal(t, out.SessionID, held)
	assert.Empty(t, f.reload(t, job.ID).RunningSessionID)
}

func TestExecutor_MaxConcurrentBoundsRunner(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxConcurrent: 1}, nil)

	var (
		mu      sync.Mutex
		active  int
		highest int
	)
	f.runner.fn = func(int, RunRequest, func(Event)) error {
		mu.Lock()
		active++
		highest = max(highest, active)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		job := f.createJob(t, 0)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.exec.RunJob(context.Background(), job)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, f.runner.Calls())
	assert.Equal(t, 1, highest)
}

func TestExecutor_StopDrainsAndRejects(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	gate := make(chan struct{})
	f.runner.fn = func(int, RunRequest, func(Event)) error {
		<-gate
		return nil
	}
	job := f.createJob(t, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.exec.RunJob(context.Background(), job)
	}()
	require.Eventually(t, func() bool { return f.exec.Snapshot().InFlight == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, f.exec.Stop(ctx), context.DeadlineExceeded)

	close(gate)
	<-done
	require.NoError(t, f.exec.Wait(context.Background()))

	_, err := f.exec.RunJob(context.Background(), job)
	require.ErrorIs(t, err, ErrStopping)
	require.Len(t, f.exec.Snapshot().History, 1)
}

func TestParseOverlapPolicy(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]OverlapPolicy{"": OverlapAllow, "allow": OverlapAllow, "lock": OverlapLock} {
		got, ok := ParseOverlapPolicy(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseOverlapPolicy("queue")
	assert.False(t, ok)
}
