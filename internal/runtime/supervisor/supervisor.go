package supervisor

import (
	"context"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	logx "skillcron/pkg/logx"
)

// Supervisor runs named goroutines on one shared context. A panic is turned
// into an error, the first error is kept for Wait, and GoRestart keeps a
// loop alive with backoff.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	idleOnce sync.Once
	idle     chan struct{}

	errMu sync.Mutex
	err   error

	mu       sync.Mutex
	routines map[string]*Routine
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// Routine is the bookkeeping kept per goroutine name. Goroutines sharing a
// name share a record.
type Routine struct {
	Name     string    `json:"name"`
	Running  int       `json:"running"`
	Starts   int       `json:"starts"`
	Restarts int       `json:"restarts"`
	Panics   int       `json:"panics"`
	Since    time.Time `json:"since"`
	LastErr  string    `json:"lastErr,omitempty"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:      ctx,
		cancel:   cancel,
		idle:     make(chan struct{}),
		routines: map[string]*Routine{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Snapshot returns a copy of every routine record, sorted by name.
func (s *Supervisor) Snapshot() []Routine {
	s.mu.Lock()
	out := make([]Routine, 0, len(s.routines))
	for _, r := range s.routines {
		out = append(out, *r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Running lists the names with at least one live goroutine.
func (s *Supervisor) Running() []string {
	var names []string
	for _, r := range s.Snapshot() {
		if r.Running > 0 {
			names = append(names, r.Name)
		}
	}
	return names
}

func (s *Supervisor) note(name string, fn func(r *Routine)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routines[name]
	if !ok {
		r = &Routine{Name: name}
		s.routines[name] = r
	}
	fn(r)
}

func (s *Supervisor) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Go runs fn once. An error other than context.Canceled is recorded as
// "name: err".
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		if err := s.run(name, fn, false); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(errors.Wrap(err, name))
		}
	})
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func (s *Supervisor) run(name string, fn func(ctx context.Context) error, restart bool) error {
	s.note(name, func(r *Routine) {
		r.Running++
		r.Starts++
		r.Since = time.Now()
		if restart {
			r.Restarts++
		}
	})
	err := s.protect(name, fn)
	s.note(name, func(r *Routine) {
		r.Running--
		if err != nil {
			r.LastErr = err.Error()
		}
	})
	return err
}

func (s *Supervisor) protect(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		s.note(name, func(r *Routine) { r.Panics++ })
		s.log.Error("goroutine panicked",
			logx.String("name", name),
			logx.Any("panic", p),
			logx.Stack(string(debug.Stack())),
		)
		err = errors.Newf("panic: %v", p)
	}()
	return fn(s.ctx)
}

func (s *Supervisor) keep(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *Supervisor) fail(err error) {
	s.keep(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	limit      int
	untilClean bool
	report     bool
}

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.minDelay = min
		}
		if max > 0 {
			p.maxDelay = max
		}
	}
}

// WithMaxRestarts gives up after n restarts and records the error. 0 means
// never give up.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.limit = n } }

// WithPublishFirstError records the first failure as the supervisor error
// while still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.report = enabled }
}

// WithStopOnCleanExit controls whether a nil return ends the loop (default)
// or counts as a failure and restarts it.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.untilClean = enabled }
}

// healthyRun resets the backoff: a loop that ran this long before failing
// restarts from the minimum delay.
const healthyRun = 30 * time.Second

// GoRestart keeps fn running until the context ends, restarting it after
// errors and panics with jittered exponential backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{minDelay: 250 * time.Millisecond, maxDelay: 30 * time.Second, untilClean: true}
	for _, o := range opts {
		o(&p)
	}
	p.maxDelay = max(p.maxDelay, p.minDelay)

	s.spawn(func() {
		delay := p.minDelay
		for attempt := 0; ; attempt++ {
			began := time.Now()
			err := s.run(name, fn, attempt > 0)
			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				if p.untilClean {
					return
				}
				err = errors.New("returned unexpectedly")
			}
			err = errors.Wrap(err, name)
			if p.report {
				s.keep(err)
			}
			if p.limit > 0 && attempt >= p.limit {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", attempt), logx.Err(err))
				s.fail(err)
				return
			}

			if time.Since(began) >= healthyRun {
				delay = p.minDelay
			}
			wait := delay + rand.N(delay/5+1)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("in", wait), logx.Err(err))
			if !sleep(s.ctx, wait) {
				return
			}
			delay = min(2*delay, p.maxDelay)
		}
	})
}

// GoRestart0 is GoRestart for loops without an error result.
func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn == nil {
		return
	}
	s.GoRestart(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, opts...)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stop cancels the context and waits for every goroutine.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends. It returns the
// first recorded failure.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.idleOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.idle)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.idle:
		return s.Err()
	}
}
