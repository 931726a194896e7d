package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillcron/internal/config"
	"skillcron/internal/storage"
	"skillcron/internal/task/engine"
	"skillcron/internal/task/schedule"
	logx "skillcron/pkg/logx"
)

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	sc, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, defaultStoragePath, sc.Path)
	assert.Equal(t, 5*time.Second, sc.BusyTimeout)
	require.NotNil(t, sc.Timezone)
	assert.Equal(t, schedule.DefaultTimezone, sc.Timezone.String())

	var cfg config.Config
	cfg.Storage.Driver = "none"
	_, err = mapStorageConfig(&cfg)
	assert.Error(t, err)

	cfg.Storage.Driver = "sqlite"
	cfg.Scheduler.Timezone = "UTC"
	sc, err = mapStorageConfig(&cfg)
	require.NoError(t, err)
	assert.Equal(t, time.UTC.String(), sc.Timezone.String())
}

func TestMapEngineAndNotifier(t *testing.T) {
	t.Parallel()
	var cfg config.Config
	cfg.Engine.ManualOverlap = "Lock"
	cfg.Engine.RunTimeout = "2m"
	ec, err := mapEngineConfig(&cfg)
	require.NoError(t, err)
	assert.Equal(t, engine.OverlapLock, ec.ManualOverlap)
	assert.Equal(t, 2*time.Minute, ec.RunTimeout)

	cfg.Engine.ManualOverlap = "queue"
	_, err = mapEngineConfig(&cfg)
	assert.Error(t, err)

	off := false
	cfg.Notifier.NotifyOnSuccess = &off
	nc, err := mapNotifierConfig(&cfg)
	require.NoError(t, err)
	assert.False(t, nc.NotifyOnSuccess)
	assert.True(t, nc.NotifyOnError)

	assert.Equal(t, defaultShutdownGrace, mapShutdownGrace(&cfg))
	cfg.Engine.ShutdownGrace = "5s"
	assert.Equal(t, 5*time.Second, mapShutdownGrace(&cfg))
}

func TestMapTelegramConfig_OffWithoutToken(t *testing.T) {
	t.Parallel()
	var cfg config.Config
	_, on, err := mapTelegramConfig(&cfg)
	require.NoError(t, err)
	assert.False(t, on)

	cfg.Telegram.Token = "123:abc"
	cfg.Telegram.OwnerUserIDs = []int64{7}
	cfg.Telegram.CommandTimeout = "45s"
	tc, on, err := mapTelegramConfig(&cfg)
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, []int64{7}, tc.Owners)
	assert.Equal(t, 45*time.Second, tc.CommandTimeout)
}

// fakeRunner serves the skill lookup and a one-event stream.
func fakeRunner(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/skills/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"skill-1","name":"Daily digest"}`)
	})
	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"text\",\"content\":\"ok\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, dir, runnerURL string) string {
	t.Helper()
	body := fmt.Sprintf(`{
		"logging": {"level": "error"},
		"storage": {"driver": "sqlite", "path": %q},
		"scheduler": {"interval": "1h", "timezone": "UTC"},
		"engine": {"shutdown_grace": "2s"},
		"runner": {"base_url": %q},
		"http": {"enabled": true, "addr": "127.0.0.1:0"}
	}`, filepath.Join(dir, "jobs.db"), runnerURL)
	p := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestApp_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	srv := fakeRunner(t)
	ctx := context.Background()

	a, err := New(ctx, config.NewManager(writeConfig(t, dir, srv.URL)))
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool { return a.HTTPAddr() != "" }, 3*time.Second, 20*time.Millisecond)
	resp, err := http.Get("http://" + a.HTTPAddr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	job, err := a.Jobs().Create(ctx, storage.Job{
		Name:     "digest",
		Enabled:  true,
		Schedule: schedule.Every{Interval: time.Hour},
		Target:   storage.Target{ID: "skill-1", Query: "summarize"},
	})
	require.NoError(t, err)

	out, err := a.Jobs().Trigger(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, out.OK(), out.Error)

	runs, err := a.Jobs().Runs(ctx, job.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, storage.StatusOK, runs[0].Status)

	st, err := a.Jobs().Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Running)

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("supervisor context not cancelled after Stop")
	}
}

func TestNew_RecoversInterruptedRuns(t *testing.T) {
	dir := t.TempDir()
	srv := fakeRunner(t)
	ctx := context.Background()
	cfgPath := writeConfig(t, dir, srv.URL)

	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(dir, "jobs.db")}, logx.Nop())
	require.NoError(t, err)
	job, err := st.CreateJob(ctx, storage.Job{
		Name:     "stuck",
		Enabled:  true,
		Schedule: schedule.Every{Interval: time.Hour},
		Target:   storage.Target{Kind: storage.TargetKindSkill, ID: "skill-1"},
	})
	require.NoError(t, err)
	locked, err := st.MarkJobRunning(ctx, job.ID, "cron-old-session")
	require.NoError(t, err)
	require.True(t, locked)
	require.NoError(t, st.Close())

	a, err := New(ctx, config.NewManager(cfgPath))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.store.Close() })

	got, err := a.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, got.RunningSessionID)
}

func TestNew_RejectsMissingRunner(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.json")
	body := fmt.Sprintf(`{"storage": {"path": %q}}`, filepath.Join(dir, "jobs.db"))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))

	_, err := New(context.Background(), config.NewManager(p))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "runner")
}
