package notifier

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillcron/internal/eventbus"
	"skillcron/internal/storage"
	"skillcron/internal/task/engine"
	kit "skillcron/internal/transport"
	logx "skillcron/pkg/logx"
)

type sent struct {
	address string
	msg     Message
}

type recordingSender struct {
	mu    sync.Mutex
	got   []sent
	fails int
}

func (r *recordingSender) Send(_ context.Context, address string, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, sent{address: address, msg: m})
	if r.fails != 0 {
		if r.fails > 0 {
			r.fails--
		}
		return errors.New("chat unreachable")
	}
	return nil
}

func (r *recordingSender) Sent() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.got...)
}

func newStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "n.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testConfig() Config {
	return Config{
		Enabled:         true,
		NotifyOnSuccess: true,
		NotifyOnError:   true,
		RatePerSec:      1000,
		RetryBase:       time.Millisecond,
		RetryMaxDelay:   2 * time.Millisecond,
	}
}

func startService(t *testing.T, cfg Config, st storage.Store) *Service {
	t.Helper()
	s := New(cfg, st, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func job(channel, address string) storage.Job {
	return storage.Job{ID: "job-1", Name: "digest", Notify: storage.Endpoint{Channel: channel, Address: address}}
}

func okOutcome() engine.Outcome {
	return engine.Outcome{JobID: "job-1", SessionID: "cron-job-1-abcd1234", Trigger: storage.TriggerSchedule, Status: storage.StatusOK, Duration: 1500 * time.Millisecond}
}

func errOutcome() engine.Outcome {
	o := okOutcome()
	o.Status = storage.StatusError
	o.Error = "skill exploded"
	return o
}

func list(t *testing.T, st storage.Store) []storage.Notification {
	t.Helper()
	ns, err := st.ListNotifications(context.Background(), storage.NotificationFilter{})
	require.NoError(t, err)
	return ns
}

func TestNotify_SuppressedKindsRecordNothing(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	cfg := testConfig()
	cfg.NotifyOnSuccess = false
	s := startService(t, cfg, st)

	require.NoError(t, s.Notify(context.Background(), job(ChannelApp, ""), okOutcome()))
	assert.Empty(t, list(t, st))

	require.NoError(t, s.Notify(context.Background(), job(ChannelApp, ""), errOutcome()))
	ns := list(t, st)
	require.Len(t, ns, 1)
	assert.Equal(t, storage.NotifyCronError, ns[0].Kind)
	assert.Equal(t, "digest failed", ns[0].Title)
	assert.Equal(t, "skill exploded", ns[0].Content)
	assert.Equal(t, "job-1", ns[0].JobID)
	assert.Equal(t, "cron-job-1-abcd1234", ns[0].SessionID)
}

func TestNotify_AppChannelIsInboxOnly(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	s := startService(t, testConfig(), st)

	require.NoError(t, s.Notify(context.Background(), job("", ""), okOutcome()))
	ns := list(t, st)
	require.Len(t, ns, 1)
	assert.Equal(t, storage.DeliverySkipped, ns[0].Delivery)
	assert.Equal(t, "Job completed", ns[0].Content)
	assert.False(t, ns[0].Read)
}

func TestNotify_DeliversAndRecordsSent(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	snd := &recordingSender{}
	s := New(testConfig(), st, logx.Nop(), nil)
	s.Register(ChannelTelegram, snd)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Notify(context.Background(), job(ChannelTelegram, "42/7"), okOutcome()))

	require.Eventually(t, func() bool {
		ns := list(t, st)
		return len(ns) == 1 && ns[0].Delivery == storage.DeliverySent
	}, 2*time.Second, 5*time.Millisecond)

	got := snd.Sent()
	require.Len(t, got, 1)
	assert.Equal(t, "42/7", got[0].address)
	assert.Equal(t, "digest succeeded", got[0].msg.Title)
	assert.True(t, got[0].msg.OK)
	assert.Contains(t, got[0].msg.Body, "Took: 1.5s")
	assert.Contains(t, got[0].msg.Body, "Session: cron-job-1-abcd1234")
}

func TestNotify_RetriesThenRecordsFailure(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	snd := &recordingSender{fails: -1}
	cfg := testConfig()
	cfg.RetryMax = 2
	s := New(cfg, st, logx.Nop(), nil)
	s.Register(ChannelEmail, snd)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Notify(context.Background(), job(ChannelEmail, "ops@example.com"), errOutcome()))

	require.Eventually(t, func() bool {
		ns := list(t, st)
		return len(ns) == 1 && ns[0].Delivery == storage.DeliveryFailed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, snd.Sent(), 3)
	assert.Equal(t, "chat unreachable", list(t, st)[0].DeliveryError)

	hist := s.Snapshot()
	require.NotEmpty(t, hist)
	assert.Equal(t, storage.DeliveryFailed, hist[len(hist)-1].Delivery)
}

func TestNotify_TransientFailureRecovers(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	snd := &recordingSender{fails: 1}
	cfg := testConfig()
	cfg.RetryMax = 3
	s := New(cfg, st, logx.Nop(), nil)
	s.Register(ChannelTelegram, snd)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Notify(context.Background(), job(ChannelTelegram, "42"), okOutcome()))
	require.Eventually(t, func() bool {
		ns := list(t, st)
		return len(ns) == 1 && ns[0].Delivery == storage.DeliverySent
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, snd.Sent(), 2)
}

func TestNotify_UnknownChannelFails(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	s := startService(t, testConfig(), st)

	err := s.Notify(context.Background(), job("pager", "x"), okOutcome())
	require.ErrorIs(t, err, ErrNoSender)

	ns := list(t, st)
	require.Len(t, ns, 1)
	assert.Equal(t, storage.DeliveryFailed, ns[0].Delivery)
}

func TestNotify_DisabledDeliveryStillRecords(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, st, logx.Nop(), nil)
	s.Register(ChannelTelegram, &recordingSender{})
	s.Start(context.Background())

	require.NoError(t, s.Notify(context.Background(), job(ChannelTelegram, "42"), okOutcome()))
	ns := list(t, st)
	require.Len(t, ns, 1)
	assert.Equal(t, storage.DeliverySkipped, ns[0].Delivery)
}

func TestNotify_FallsBackToDefaultEndpoint(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	snd := &recordingSender{}
	cfg := testConfig()
	cfg.DefaultChannel = ChannelEmail
	cfg.DefaultAddress = "team@example.com"
	s := New(cfg, st, logx.Nop(), nil)
	s.Register(ChannelEmail, snd)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Notify(context.Background(), job("", ""), okOutcome()))
	require.Eventually(t, func() bool { return len(snd.Sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "team@example.com", snd.Sent()[0].address)
}

func TestNotify_AfterStopIsRecordedAsFailed(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	s := New(testConfig(), st, logx.Nop(), nil)
	s.Register(ChannelTelegram, &recordingSender{})
	s.Start(context.Background())
	s.Stop(context.Background())

	err := s.Notify(context.Background(), job(ChannelTelegram, "42"), okOutcome())
	require.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, storage.DeliveryFailed, list(t, st)[0].Delivery)
}

func TestNotifyTask_InboxOnly(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	s := startService(t, testConfig(), st)

	require.NoError(t, s.NotifyTask(context.Background(), "sess-1", "Research helper", storage.StatusError, "timeout"))
	ns := list(t, st)
	require.Len(t, ns, 1)
	assert.Equal(t, storage.NotifyTaskError, ns[0].Kind)
	assert.Equal(t, "Research helper failed", ns[0].Title)
	assert.Equal(t, "timeout", ns[0].Content)
	assert.Empty(t, ns[0].JobID)
	assert.Equal(t, storage.DeliverySkipped, ns[0].Delivery)
}

func TestSendTest(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), newStore(t), logx.Nop(), nil)
	snd := &recordingSender{}
	s.Register(ChannelEmail, snd)

	require.NoError(t, s.SendTest(context.Background(), ChannelEmail, "me@example.com"))
	require.Len(t, snd.Sent(), 1)
	assert.Equal(t, "me@example.com", snd.Sent()[0].address)

	require.ErrorIs(t, s.SendTest(context.Background(), ChannelTelegram, "1"), ErrNoSender)
}

func TestRetryDelay_Bounded(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.LessOrEqual(t, d, time.Second)
		assert.Positive(t, d)
	}
	d := retryDelay(cfg, 1)
	assert.GreaterOrEqual(t, d, 70*time.Millisecond)
	assert.LessOrEqual(t, d, 130*time.Millisecond)
}

type fakeChat struct {
	to   kit.ChatTarget
	text string
}

func (f *fakeChat) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.to, f.text = to, text
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: 1}, nil
}

func TestChatSender(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{}
	snd := ChatSender(chat)

	require.NoError(t, snd.Send(context.Background(), "-100123/9", Message{Title: "digest failed", Body: "boom"}))
	assert.Equal(t, kit.ChatTarget{ChatID: -100123, ThreadID: 9}, chat.to)
	assert.True(t, strings.HasPrefix(chat.text, "❌ digest failed"))
	assert.Contains(t, chat.text, "boom")

	require.Error(t, snd.Send(context.Background(), "not-a-chat", Message{}))
}

func TestEmailCompose(t *testing.T) {
	t.Parallel()
	e := NewEmailSender(EmailConfig{Host: "smtp.example.com", Username: "bot@example.com", SubjectPrefix: "[skillcron]"})
	raw := string(e.compose("ops@example.com", Message{Title: "digest failed", Body: "line one\nline two"}, time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)))

	assert.Contains(t, raw, "From: bot@example.com\r\n")
	assert.Contains(t, raw, "To: ops@example.com\r\n")
	assert.Contains(t, raw, "Subject: [skillcron] digest failed\r\n")
	assert.Contains(t, raw, "\r\n\r\nline one\r\nline two\r\n")

	require.Error(t, e.Send(context.Background(), " ", Message{}))
}
