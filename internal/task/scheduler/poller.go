package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"skillcron/internal/eventbus"
	"skillcron/internal/storage"
	"skillcron/internal/task/engine"
	logx "skillcron/pkg/logx"
)

const (
	DefaultInterval     = 30 * time.Second
	DefaultTriggerDelay = 100 * time.Millisecond
)

type Config struct {
	Interval     time.Duration
	TriggerDelay time.Duration
	// MaxConcurrent caps dispatches per tick. 0 means unbounded.
	MaxConcurrent int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.TriggerDelay <= 0 {
		c.TriggerDelay = DefaultTriggerDelay
	}
	if c.MaxConcurrent < 0 {
		c.MaxConcurrent = 0
	}
	return c
}

// DueSource lists jobs ready to run.
type DueSource interface {
	DueJobs(ctx context.Context) ([]storage.Job, error)
}

// JobRunner is the executor entry point used for scheduled runs.
type JobRunner interface {
	RunJob(ctx context.Context, job storage.Job) (engine.Outcome, error)
}

// Status is what the poller reports about itself.
type Status struct {
	Running    bool          `json:"running"`
	Interval   time.Duration `json:"interval"`
	Ticks      uint64        `json:"ticks"`
	InFlight   bool          `json:"inFlight"`
	LastTickAt *time.Time    `json:"lastTickAt,omitempty"`
	NextTickAt *time.Time    `json:"nextTickAt,omitempty"`
	LastDue    int           `json:"lastDue"`
}

type Poller struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	src  DueSource
	exec JobRunner

	ctx     context.Context
	running bool
	// epoch changes on every Start and Stop. A tick from an older epoch
	// never re-arms.
	epoch uint64
	// seq identifies the armed timer. A timer that fires after being
	// replaced sees a stale seq and does nothing.
	seq      uint64
	timer    *time.Timer
	inFlight bool
	pending  bool

	ticks      uint64
	lastTickAt time.Time
	nextTickAt time.Time
	lastDue    int

	wg sync.WaitGroup
}

func New(cfg Config, src DueSource, exec JobRunner, log logx.Logger, bus eventbus.Bus) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{cfg: cfg.withDefaults(), src: src, exec: exec, log: log, bus: bus}
}

// Apply swaps interval and limits. A running poller keeps its armed timer;
// the new interval takes effect from the next re-arm.
func (p *Poller) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	prev := p.cfg
	p.cfg = cfg
	p.mu.Unlock()
	if prev != cfg {
		p.log.Info("poller config applied",
			logx.Duration("interval", cfg.Interval),
			logx.Int("max_concurrent", cfg.MaxConcurrent),
		)
	}
}

// Start arms the first tick after the trigger delay so jobs that came due
// while the process was down are picked up promptly.
func (p *Poller) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.epoch++
	p.ctx = context.WithoutCancel(ctx)
	p.armLocked(p.cfg.TriggerDelay)
	p.log.Info("poller started", logx.Duration("interval", p.cfg.Interval))
	p.publish("cron.poller.started")
}

// Stop disarms the timer. A tick in flight finishes its batch but does not
// re-arm; running executions are never cancelled.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.epoch++
	p.disarmLocked()
	p.pending = false
	p.mu.Unlock()

	p.log.Info("poller stopped")
	p.publish("cron.poller.stopped")
}

// Wait blocks until no tick is in flight or ctx expires.
func (p *Poller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerPoll replaces the pending timer with a short-delay tick. If a tick
// is in flight it only marks one pending; the in-flight tick re-arms with the
// short delay when it settles.
func (p *Poller) TriggerPoll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	if p.inFlight {
		p.pending = true
		return
	}
	p.armLocked(p.cfg.TriggerDelay)
}

func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Running:  p.running,
		Interval: p.cfg.Interval,
		Ticks:    p.ticks,
		InFlight: p.inFlight,
		LastDue:  p.lastDue,
	}
	if !p.lastTickAt.IsZero() {
		t := p.lastTickAt
		st.LastTickAt = &t
	}
	if p.running && p.timer != nil {
		t := p.nextTickAt
		st.NextTickAt = &t
	}
	return st
}

func (p *Poller) armLocked(d time.Duration) {
	p.disarmLocked()
	p.seq++
	seq := p.seq
	p.nextTickAt = time.Now().Add(d)
	p.timer = time.AfterFunc(d, func() { p.fire(seq) })
}

func (p *Poller) disarmLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.seq++
}

func (p *Poller) fire(seq uint64) {
	p.mu.Lock()
	if !p.running || seq != p.seq {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	if p.inFlight {
		p.pending = true
		p.mu.Unlock()
		return
	}
	p.inFlight = true
	epoch := p.epoch
	ctx := p.ctx
	cfg := p.cfg
	p.wg.Add(1)
	p.mu.Unlock()

	defer p.wg.Done()
	due := p.tick(ctx, cfg)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight = false
	p.ticks++
	p.lastTickAt = time.Now()
	p.lastDue = due
	if !p.running {
		return
	}
	switch {
	case p.pending:
		p.pending = false
		p.armLocked(p.cfg.TriggerDelay)
	case epoch == p.epoch:
		p.armLocked(p.cfg.Interval)
	case p.timer == nil:
		// Restarted while this tick ran and the new epoch's timer already
		// fired into us.
		p.armLocked(p.cfg.TriggerDelay)
	}
}

// tick runs one due-job batch and returns the number of jobs dispatched.
func (p *Poller) tick(ctx context.Context, cfg Config) int {
	jobs, err := p.src.DueJobs(ctx)
	if err != nil {
		p.log.Error("due jobs query failed", logx.Err(err))
		return 0
	}
	if len(jobs) == 0 {
		return 0
	}
	p.log.Debug("dispatching due jobs", logx.Int("count", len(jobs)))

	var g errgroup.Group
	if cfg.MaxConcurrent > 0 {
		g.SetLimit(cfg.MaxConcurrent)
	}
	for _, job := range jobs {
		g.Go(func() error {
			p.dispatch(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs)
}

// dispatch isolates one job: errors and panics are logged, never returned.
func (p *Poller) dispatch(ctx context.Context, job storage.Job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("job dispatch panicked",
				logx.String("job", job.ID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	if _, err := p.exec.RunJob(ctx, job); err != nil {
		p.log.Error("job dispatch failed", logx.String("job", job.ID), logx.Err(err))
	}
}

func (p *Poller) publish(typ string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ})
}
