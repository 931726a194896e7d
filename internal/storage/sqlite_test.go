package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillcron/internal/task/schedule"
	logx "skillcron/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)}
	st, err := Open(Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "skillcron.db"),
		Now:    clock.Now,
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st, clock
}

func everyJob(name string, every time.Duration) Job {
	return Job{
		Name:     name,
		Enabled:  true,
		Schedule: schedule.Every{Interval: every},
		Target:   Target{Kind: TargetKindSkill, ID: "skill-1", Query: "summarize the news"},
		Retry:    RetryPolicy{MaxRetries: 2, Backoff: 30 * time.Second},
		Source:   Endpoint{Channel: "api"},
	}
}

func TestCreateJob_EveryAnchorsOnCreation(t *testing.T) {
	t.Parallel()
	st, clock := newTestStore(t)
	ctx := context.Background()

	j, err := st.CreateJob(ctx, everyJob("tick", 5*time.Second))
	require.NoError(t, err)

	require.NotEmpty(t, j.ID)
	require.NotNil(t, j.NextRunAt)
	assert.Equal(t, clock.Now().Add(5*time.Second).UnixMilli(), j.NextRunAt.UnixMilli())
	assert.Nil(t, j.LastRunAt)
	assert.Empty(t, j.RunningSessionID)
	assert.Equal(t, 0, j.RetryCount)
	assert.Equal(t, schedule.Every{Interval: 5 * time.Second}, j.Schedule)
	assert.Equal(t, 30*time.Second, j.Retry.Backoff)
}

func TestCreateJob_RejectsInvalidSchedule(t *testing.T) {
	t.Parallel()
	st, _ := newTestStore(t)

	j := everyJob("bad", time.Second)
	j.Schedule = schedule.Cron{Expr: "not cron"}
	_, err := st.CreateJob(context.Background(), j)
	require.Error(t, err)

	jobs, err := st.ListJobs(context.Background(), JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestMarkJobRunning_SecondClaimFails(t *testing.T) {
	t.Parallel()
	st, _ := newTestStore(t)
	ctx := context.Background()

	j, err := st.CreateJob(ctx, everyJob("lock", time.Minute))
	require.NoError(t, err)

	ok, err := st.MarkJobRunning(ctx, j.ID, "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.MarkJobRunning(ctx, j.ID, "s2")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "s1", got.RunningSessionID)
	assert.Equal(t, StatusRunning, got.Status())
}

func TestMarkJobRunning_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	t.Parallel()
	st, _ := newTestStore(t)
	ctx := context.Background()

	j, err := st.CreateJob(ctx, everyJob("race", time.Minute))
	require.NoError(t, err)

	const n = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := st.MarkJobRunning(ctx, j.ID, fmt.Sprintf("s%d", i))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMarkJobCompleted(t *testing.T) {
	t.Parallel()
	st, clock := newTestStore(t)
	ctx := context.Background()

	j, err := st.CreateJob(ctx, everyJob("complete", time.Minute))
	require.NoError(t, err)

	_, err = st.MarkJobRunning(ctx, j.ID, "s1")
	require.NoError(t, err)
	require.NoError(t, st.ScheduleRetry(ctx, j.ID, 0))
	_, err = st.MarkJobRunning(ctx, j.ID, "s2")
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	require.NoError(t, st.MarkJobCompleted(ctx, j.ID, StatusOK, ""))

	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Empty(t, got.RunningSessionID)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, StatusOK, got.LastStatus)
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, clock.Now().UnixMilli(), got.LastRunAt.UnixMilli())
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, clock.Now().Add(time.Minute).UnixMilli(), got.NextRunAt.UnixMilli())
}

func TestMarkJobCompleted_ErrorKeepsRetryCount(t *testing.T) {
	t.Parallel()
	st, _ := newTestStore(t)
	ctx := context.Background()

	j, err := st.CreateJob(ctx, everyJob("fail", time.Minute))
	require.NoError(t, err)
	require.NoError(t, st.ScheduleRetry(ctx, j.ID, 0))
	require.NoError(t, st.MarkJobCompleted(ctx, j.ID, StatusError, "boom"))

	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, StatusError, got.LastStatus)
	assert.Equal(t, "boom", got.LastError)
}

func TestMarkJobCompleted_OneShotNeverDueAgain(t *testing.T) {
	t.Parallel()
	st, clock := newTestStore(t)
	ctx := context.Background()

	j := everyJob("once", time.Second)
	j.Schedule = schedule.At{At: clock.Now().Add(time.Minute)}
	j, err := st.CreateJob(ctx, j)
	require.NoError(t, err)
	require.NotNil(t, j.NextRunAt)

	clock.Advance(2 * time.Minute)
	due, err := st.DueJobs(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)

	ok, err := st.MarkJobRunning(ctx, j.ID, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.MarkJobCompleted(ctx, j.ID, StatusOK, ""))

	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextRunAt)

	clock.Advance(24 * time.Hour)
	due, err = st.DueJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestScheduleRetry(t *testing.T) {
	t.Parallel()
	st, clock := newTestStore(t)
	ctx := context.Background()

	j, err := st.CreateJob(ctx, everyJob("retry", time.Hour))
	require.NoError(t, err)
	_, err = st.MarkJobRunning(ctx, j.ID, "s1")
	require.NoError(t, err)

	clock.Advance(time.Second)
	require.NoError(t, st.ScheduleRetry(ctx, j.ID, 3))

	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.RetryCount)
	assert.Empty(t, got.RunningSessionID)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, clock.Now().Add(30*time.Second).UnixMilli(), got.NextRunAt.UnixMilli())
	assert.Empty(t, got.LastStatus, "retry scheduling does not record an outcome")

	assert.ErrorIs(t, st.ScheduleRetry(ctx, "missing", 0), ErrNotFound)
}

func TestDueJobs_Filters(t *testing.T) {
	t.Parallel()
	st, clock := newTestStore(t)
	ctx := context.Background()

	due, err := st.CreateJob(ctx, everyJob("due", time.Second))
	require.NoError(t, err)

	locked, err := st.CreateJob(ctx, everyJob("locked", time.Second))
	require.NoError(t, err)
	_, err = st.MarkJobRunning(ctx, locked.ID, "busy")
	require.NoError(t, err)

	disabled := everyJob("disabled", time.Second)
	disabled.Enabled = false
	_, err = st.CreateJob(ctx, disabled)
	require.NoError(t, err)

	expired := everyJob("expired", time.Second)
	expired.Schedule = schedule.At{At: clock.Now().Add(-time.Minute)}
	_, err = st.CreateJob(ctx, expired)
	require.NoError(t, err)

	_, err = st.CreateJob(ctx, everyJob("later", time.Hour))
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	jobs, err := st.DueJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, due.ID, jobs[0].ID)

	for _, j := range jobs {
		assert.Empty(t, j.RunningSessionID)
		assert.True(t, j.Enabled)
		assert.NotNil(t, j.NextRunAt)
	}

	wake, err := st.NextWakeAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, wake)
	assert.Equal(t, due.NextRunAt.UnixMilli(), wake.UnixMilli())
}

func TestUpdateJob_RecomputesNextRunOnScheduleChange(t *testing.T) {
	t.Parallel()
	st, clock := newTestStore(t)
	ctx := context.Background()

	j, err := st.CreateJob(ctx, everyJob("edit", time.Hour))
	require.NoError(t, err)
	require.NoError(t, st.ScheduleRetry(ctx, j.ID, 0))

	clock.Advance(time.Minute)
	name := "edited"
	got, err := st.UpdateJob(ctx, j.ID, JobPatch{Name: &name, Schedule: schedule.Every{Interval: 10 * time.Second}})
	require.NoError(t, err)

	assert.Equal(t, "edited", got.Name)
	assert.Equal(t, 0, got.RetryCount, "an edit resets the retry budget")
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, clock.Now().Add(10*time.Second).UnixMilli(), got.NextRunAt.UnixMilli())

	got, err = st.UpdateJob(ctx, j.ID, JobPatch{Schedule: schedule.Cron{Expr: "0 9 * * *", TZ: "UTC"}})
	require.NoError(t, err)
	assert.Equal(t, schedule.Cron{Expr: "0 9 * * *", TZ: "UTC"}, got.Schedule)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC).UnixMilli(), got.NextRunAt.UnixMilli())

	_, err = st.UpdateJob(ctx, "missing", JobPatch{Name: &name})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteJob_CascadesRuns(t *testing.T) {
	t.Parallel()
	st, _ := newTestStore(t)
	ctx := context.Background()

	j, err := st.CreateJob(ctx, everyJob("gone", time.Hour))
	require.NoError(t, err)
	_, err = st.CreateRun(ctx, j.ID, "s1", TriggerSchedule)
	require.NoError(t, err)

	ok, err := st.DeleteJob(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	runs, err := st.ListRuns(ctx, j.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)

	ok, err = st.DeleteJob(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = st.GetJob(ctx, j.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRuns_ClosedExactlyOnce(t *testing.T) {
	t.Parallel()
	st, clock := newTestStore(t)
	ctx := context.Background()

	j, err := st.CreateJob(ctx, everyJob("runs", time.Hour))
	require.NoError(t, err)

	id, err := st.CreateRun(ctx, j.ID, "s1", TriggerManual)
	require.NoError(t, err)

	runs, err := st.ListRuns(ctx, j.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Nil(t, runs[0].CompletedAt)
	assert.Empty(t, runs[0].Status)

	clock.Advance(1500 * time.Millisecond)
	require.NoError(t, st.CompleteRun(ctx, id, StatusError, "runner exploded", 1500*time.Millisecond))
	assert.ErrorIs(t, st.CompleteRun(ctx, id, StatusOK, "", time.Second), ErrNotFound)

	runs, err = st.ListRuns(ctx, j.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	r := runs[0]
	assert.Equal(t, StatusError, r.Status)
	assert.Equal(t, "runner exploded", r.Error)
	assert.Equal(t, TriggerManual, r.Trigger)
	assert.Equal(t, 1500*time.Millisecond, r.Duration)
	require.NotNil(t, r.CompletedAt)
}

func TestRecoverInterrupted(t *testing.T) {
	t.Parallel()
	st, _ := newTestStore(t)
	ctx := context.Background()

	j, err := st.CreateJob(ctx, everyJob("crashed", time.Hour))
	require.NoError(t, err)
	_, err = st.MarkJobRunning(ctx, j.ID, "s1")
	require.NoError(t, err)
	_, err = st.CreateRun(ctx, j.ID, "s1", TriggerSchedule)
	require.NoError(t, err)

	jobs, runs, err := st.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, jobs)
	assert.EqualValues(t, 1, runs)

	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Empty(t, got.RunningSessionID)

	rs, err := st.ListRuns(ctx, j.ID, 0)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, StatusError, rs[0].Status)
	assert.Equal(t, "interrupted", rs[0].Error)
}

func TestReleaseJob_OnlyOwner(t *testing.T) {
	t.Parallel()
	st, _ := newTestStore(t)
	ctx := context.Background()

	j, err := st.CreateJob(ctx, everyJob("release", time.Hour))
	require.NoError(t, err)
	_, err = st.MarkJobRunning(ctx, j.ID, "owner")
	require.NoError(t, err)

	ok, err := st.ReleaseJob(ctx, j.ID, "intruder")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = st.ReleaseJob(ctx, j.ID, "owner")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNotifications(t *testing.T) {
	t.Parallel()
	st, clock := newTestStore(t)
	ctx := context.Background()

	a, err := st.CreateNotification(ctx, Notification{Kind: NotifyCronSuccess, Title: "ok", JobID: "j1"})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = st.CreateNotification(ctx, Notification{Kind: NotifyCronError, Title: "fail", Content: "boom"})
	require.NoError(t, err)

	n, err := st.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, err := st.ListNotifications(ctx, NotificationFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "fail", list[0].Title, "newest first")
	assert.Equal(t, DeliveryPending, list[0].Delivery)

	ok, err := st.MarkNotificationRead(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, st.SetNotificationDelivery(ctx, a, DeliveryFailed, "smtp down"))

	unread, err := st.ListNotifications(ctx, NotificationFilter{UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, unread, 1)

	changed, err := st.MarkAllNotificationsRead(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, changed)

	list, err = st.ListNotifications(ctx, NotificationFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)

	all, err := st.ListNotifications(ctx, NotificationFilter{})
	require.NoError(t, err)
	assert.Equal(t, DeliveryFailed, all[1].Delivery)
	assert.Equal(t, "smtp down", all[1].DeliveryError)
}

func TestOpen_Disabled(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{}, logx.Nop())
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
}
