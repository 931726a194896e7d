package logx

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "skillcron/internal/transport"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	to   []kit.ChatTarget
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	f.to = append(f.to, to)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("dropped", String("k", "v"), Err(nil))
	l.With(Int("n", 1)).Error("also dropped")
	assert.False(t, Nop().IsZero())
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, LevelWarn, parseLevel(" WARNING ", LevelInfo))
	assert.Equal(t, LevelDebug, parseLevel("debug", LevelInfo))
	assert.Equal(t, LevelInfo, parseLevel("loud", LevelInfo))
}

func TestService_FileSinkAndApply(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	svc, root := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}, nil)
	defer svc.Close()

	log := root.With(String("comp", "engine"))
	log.Debug("hidden")
	log.Info("run finished", String("job", "j1"), Duration("took", 1500*time.Millisecond), Err(errors.New("boom")))

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	assert.True(t, log.Enabled(LevelDebug))
	log.Debug("now visible")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "run finished", first["message"])
	assert.Equal(t, "engine", first["comp"])
	assert.Equal(t, "1.5s", first["took"])
	assert.Equal(t, "boom", first["err"])
	assert.Contains(t, first["caller"], "logx_test.go:")
	assert.Contains(t, lines[1], "now visible")
}

func TestService_AlertSink(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	svc, log := New(Config{
		Level:    "info",
		File:     FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "a.log")},
		Telegram: TelegramConfig{Enabled: true, Chat: "-100123/7", MinLevel: "warn", RatePerSec: 50},
	}, snd)
	defer svc.Close()

	log.Info("not alerted")
	log.Warn("runner slow", String("job", "j1"), Int("attempt", 2))

	require.Eventually(t, func() bool { return len(snd.texts()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := snd.texts()[0]
	assert.True(t, strings.HasPrefix(got, "[WARN] runner slow"), got)
	assert.Less(t, strings.Index(got, "- attempt=2"), strings.Index(got, "- job=j1"))
	snd.mu.Lock()
	assert.Equal(t, kit.ChatTarget{ChatID: -100123, ThreadID: 7}, snd.to[0])
	snd.mu.Unlock()
}

func TestAlertSink_RateLimitDrops(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	a := newAlertSink(snd)
	a.configure(true, kit.ChatTarget{ChatID: 1}, LevelWarn, 1)
	defer a.close()

	line := []byte(`{"level":"error","message":"x"}`)
	for i := 0; i < 5; i++ {
		_, _ = a.WriteLevel(LevelError, line)
	}
	assert.Equal(t, uint64(4), a.dropped.Load())
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()
	got := formatAlert([]byte(`{"level":"error","time":"t","message":"panic","stack":"goroutine 1","comp":"poller"}`))
	assert.Equal(t, "[ERROR] panic\n- comp=poller\n- stack=\ngoroutine 1", got)

	assert.Equal(t, "plain text", formatAlert([]byte("  plain text \n")))

	long := strings.Repeat("é", 3000)
	out := formatAlert([]byte(long))
	assert.LessOrEqual(t, len(out), alertMaxLen)
	assert.True(t, strings.HasSuffix(out, "..."))
	assert.True(t, strings.HasPrefix(strings.TrimSuffix(out, "..."), "é"))
}
