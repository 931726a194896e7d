package notifier

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"skillcron/internal/eventbus"
	rtsup "skillcron/internal/runtime/supervisor"
	"skillcron/internal/storage"
	"skillcron/internal/task/engine"
	logx "skillcron/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier delivery disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoSender  = errors.New("no sender for channel")
)

type delivery struct {
	id      int64
	jobID   string
	channel string
	address string
	msg     Message
}

// Service persists outcome notifications and delivers them asynchronously:
// queue + worker pool + rate limit + retry.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	store Store

	cfg     Config
	limiter *rate.Limiter
	senders map[string]Sender

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan delivery
	sup      *rtsup.Supervisor
	stopDone chan struct{}

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, store Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:   store,
		log:     log,
		bus:     bus,
		senders: map[string]Sender{},
	}
	s.applyLocked(cfg)
	return s
}

// Register installs the sender for a channel, replacing any previous one.
func (s *Service) Register(channel string, snd Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snd == nil {
		delete(s.senders, channel)
		return
	}
	s.senders[channel] = snd
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps config. Worker count and queue size take effect on the next
// Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan delivery, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", workers))
}

// Stop closes intake and drains the queue until ctx expires. Deliveries
// still queued at the deadline stay "pending" in the inbox.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify records a job outcome in the inbox and queues its delivery.
// Suppressed kinds record nothing. Delivery problems are written to the
// record and returned, but the record itself is always kept.
func (s *Service) Notify(ctx context.Context, job storage.Job, o engine.Outcome) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	ok := o.OK()
	if (ok && !cfg.NotifyOnSuccess) || (!ok && !cfg.NotifyOnError) {
		return nil
	}

	kind := storage.NotifyCronSuccess
	if !ok {
		kind = storage.NotifyCronError
	}
	n := storage.Notification{
		Kind:      kind,
		Title:     outcomeTitle(job.Name, ok),
		Content:   outcomeContent(o),
		JobID:     job.ID,
		SessionID: o.SessionID,
	}
	channel, address := job.Notify.Channel, job.Notify.Address
	if channel == "" {
		channel, address = cfg.DefaultChannel, cfg.DefaultAddress
	}
	return s.record(ctx, n, channel, address, Message{
		Title: n.Title,
		Body:  deliveryBody(n.Content, o),
		OK:    ok,
	})
}

// NotifyTask records an inbox-only entry for a finished background task.
// It is never delivered outside the app.
func (s *Service) NotifyTask(ctx context.Context, sessionID, name string, status storage.Status, errMsg string) error {
	ok := status == storage.StatusOK
	kind := storage.NotifyTaskSuccess
	content := "Background task finished"
	if !ok {
		kind = storage.NotifyTaskError
		content = errMsg
	}
	return s.record(ctx, storage.Notification{
		Kind:      kind,
		Title:     outcomeTitle(name, ok),
		Content:   content,
		SessionID: sessionID,
	}, ChannelApp, "", Message{})
}

func (s *Service) record(ctx context.Context, n storage.Notification, channel, address string, msg Message) error {
	n.Delivery = storage.DeliveryPending
	if channel == "" || channel == ChannelApp {
		n.Delivery = storage.DeliverySkipped
	}
	id, err := s.store.CreateNotification(ctx, n)
	if err != nil {
		return errors.Wrap(err, "record notification")
	}
	if n.Delivery == storage.DeliverySkipped {
		return nil
	}

	d := delivery{id: id, jobID: n.JobID, channel: channel, address: address, msg: msg}
	if err := s.enqueue(ctx, d); err != nil {
		if errors.Is(err, ErrDisabled) {
			s.markDelivery(context.WithoutCancel(ctx), d, storage.DeliverySkipped, err.Error())
			return nil
		}
		s.markDelivery(context.WithoutCancel(ctx), d, storage.DeliveryFailed, err.Error())
		return err
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, d delivery) error {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if _, ok := s.senders[d.channel]; !ok {
		s.mu.Unlock()
		return errors.Wrapf(ErrNoSender, "%q", d.channel)
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q <- d:
		s.publish("notifier.queued", d, 0, nil)
		return nil
	default:
		return ErrQueueFull
	}
}

// SendTest delivers a test message synchronously, bypassing the queue and
// the inbox.
func (s *Service) SendTest(ctx context.Context, channel, address string) error {
	s.mu.Lock()
	snd := s.senders[channel]
	timeout := s.cfg.SendTimeout
	s.mu.Unlock()
	if snd == nil {
		return errors.Wrapf(ErrNoSender, "%q", channel)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return snd.Send(ctx, address, Message{
		Title: "skillcron test notification",
		Body:  "If you can read this, notifications for this endpoint are working.",
		OK:    true,
	})
}

// Snapshot returns recent deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(d delivery, state storage.Delivery, errMsg string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{
		At:       time.Now(),
		Channel:  d.channel,
		Address:  d.address,
		Title:    d.msg.Title,
		Delivery: state,
		Error:    errMsg,
	})
	if len(s.history) > 200 {
		s.history = s.history[len(s.history)-200:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, d)
		}
	}
}

func (s *Service) deliver(runCtx context.Context, d delivery) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	snd := s.senders[d.channel]
	s.mu.Unlock()

	if snd == nil {
		s.markDelivery(runCtx, d, storage.DeliveryFailed, errors.Wrapf(ErrNoSender, "%q", d.channel).Error())
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(runCtx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(runCtx, cfg.SendTimeout)
		err := snd.Send(callCtx, d.address, d.msg)
		cancel()
		if err == nil {
			s.markDelivery(runCtx, d, storage.DeliverySent, "")
			s.publish("notifier.sent", d, attempt, nil)
			return
		}
		lastErr = err
		s.log.Debug("notification send failed",
			logx.String("channel", d.channel),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Err(err),
		)
		if attempt >= maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return
		}
	}

	s.log.Warn("notification delivery failed",
		logx.Int64("notification", d.id),
		logx.String("channel", d.channel),
		logx.Err(lastErr),
	)
	s.markDelivery(runCtx, d, storage.DeliveryFailed, lastErr.Error())
	s.publish("notifier.failed", d, maxAttempts, lastErr)
}

func (s *Service) markDelivery(ctx context.Context, d delivery, state storage.Delivery, errMsg string) {
	s.appendHistory(d, state, errMsg)
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.SetNotificationDelivery(wctx, d.id, state, errMsg); err != nil {
		s.log.Warn("record delivery state failed", logx.Int64("notification", d.id), logx.Err(err))
	}
}

func (s *Service) publish(typ string, d delivery, attempt int, err error) {
	if s.bus == nil {
		return
	}
	ev := DeliveryEvent{
		NotificationID: d.id,
		JobID:          d.jobID,
		Channel:        d.channel,
		Address:        d.address,
		Attempt:        attempt,
		At:             time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func outcomeTitle(name string, ok bool) string {
	if ok {
		return name + " succeeded"
	}
	return name + " failed"
}

func outcomeContent(o engine.Outcome) string {
	if o.OK() {
		return "Job completed"
	}
	if strings.TrimSpace(o.Error) == "" {
		return "Job failed"
	}
	return o.Error
}

func deliveryBody(content string, o engine.Outcome) string {
	var b strings.Builder
	b.WriteString(content)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Trigger: %s\n", o.Trigger)
	if o.Duration > 0 {
		fmt.Fprintf(&b, "Took: %s\n", o.Duration.Round(time.Millisecond))
	}
	if o.SessionID != "" {
		fmt.Fprintf(&b, "Session: %s\n", o.SessionID)
	}
	return strings.TrimRight(b.String(), "\n")
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is before attempt+1.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return max(d, 0)
}
