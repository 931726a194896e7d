// Package app wires the store, the executor, the poller, the notifier and
// the transports into one supervised process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"skillcron/internal/config"
	"skillcron/internal/eventbus"
	"skillcron/internal/notifier"
	"skillcron/internal/runner"
	"skillcron/internal/runtime/supervisor"
	"skillcron/internal/storage"
	"skillcron/internal/task/engine"
	"skillcron/internal/task/jobs"
	"skillcron/internal/task/scheduler"
	kit "skillcron/internal/transport"
	"skillcron/internal/transport/httpapi"
	"skillcron/internal/transport/telegram"
	logx "skillcron/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	runner *runner.Client
	exec   *engine.Executor
	poller *scheduler.Poller
	notif  *notifier.Service
	jobs   *jobs.Service
	http   *httpapi.Server
	tg     *telegram.Adapter

	mu           sync.Mutex
	schedEnabled bool
	grace        time.Duration
}

// New loads the config behind cfgm and builds every component. Nothing is
// started; interrupted runs left by a previous process are recovered here.
func New(ctx context.Context, cfgm *config.Manager) (*App, error) {
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateMapped(cfg) })
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	// The bot is built before the log service so it can carry Telegram
	// alerts; it logs to the console until then.
	var tg *telegram.Adapter
	tgCfg, tgOn, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	if tgOn {
		tg, err = telegram.New(tgCfg, logx.NewConsole(cfg.Logging.Level))
		if err != nil {
			return nil, err
		}
	}
	var sender kit.ChatSender
	if tg != nil {
		sender = tg
	}
	logSvc, root := logx.New(mapLogConfig(cfg), sender)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New(), tg: tg}
	if err := a.build(ctx, cfg, root, tgCfg); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, root logx.Logger, tgCfg telegram.Config) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store = store
	if nj, nr, err := store.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recover interrupted runs: %w", err)
	} else if nj > 0 || nr > 0 {
		a.log.Warn("recovered interrupted runs", logx.Int64("jobs", nj), logx.Int64("runs", nr))
	}

	rc, err := mapRunnerConfig(cfg)
	if err != nil {
		return err
	}
	a.runner, err = runner.New(rc, root.With(logx.String("comp", "runner")))
	if err != nil {
		return fmt.Errorf("runner: %w", err)
	}

	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(nc, store, root.With(logx.String("comp", "notifier")), a.bus)
	registerSenders(a.notif, cfg, a.tg)

	ecfg, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.exec = engine.New(ecfg, store, a.runner, a.runner, a.notif, root.With(logx.String("comp", "engine")), a.bus)

	pc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.poller = scheduler.New(pc, store, a.exec, root.With(logx.String("comp", "scheduler")), a.bus)

	a.jobs = jobs.New(store, a.poller, a.exec, sc.Timezone, root.With(logx.String("comp", "jobs")))

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	a.http = httpapi.New(hc, httpapi.Deps{Jobs: a.jobs, Inbox: store, Notifier: a.notif}, root)

	if a.tg != nil && tgCfg.Commands {
		a.tg.Serve(telegram.NewCommands(ctx, a.jobs, tgCfg.Owners, tgCfg.CommandTimeout, root.With(logx.String("comp", "commands"))))
	}

	a.schedEnabled = cfg.SchedulerEnabled()
	a.grace = mapShutdownGrace(cfg)
	return nil
}

// registerSenders installs the delivery channels the config provides. The
// app channel needs no sender: it only writes the inbox.
func registerSenders(n *notifier.Service, cfg *config.Config, tg *telegram.Adapter) {
	if tg != nil {
		n.Register(notifier.ChannelTelegram, notifier.ChatSender(tg))
	}
	if ec := mapEmailConfig(cfg); ec.Enabled() {
		n.Register(notifier.ChannelEmail, notifier.NewEmailSender(ec))
	}
}

// Jobs exposes the operational service (used by tests and the CLI).
func (a *App) Jobs() *jobs.Service { return a.jobs }

// HTTPAddr is the bound API address, empty when the API is off.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.notif.Start(runCtx)
	a.mu.Lock()
	schedOn := a.schedEnabled
	a.mu.Unlock()
	if schedOn {
		a.poller.Start(runCtx)
	} else {
		a.log.Info("scheduler disabled by config; manual triggers only")
	}
	if a.http.Enabled() {
		a.http.Start(runCtx)
	}
	if a.tg != nil {
		if err := a.tg.Start(runCtx); err != nil {
			return err
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started",
		logx.Bool("scheduler", schedOn),
		logx.Bool("http", a.http.Enabled()),
		logx.Bool("telegram", a.tg != nil),
	)
	return nil
}

// applyConfig pushes a committed reload into the running components.
// Sections that need a restart are only reported.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	changed, fields := config.SummarizeChange(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if rr := config.RestartRequired(prev, next); len(rr) > 0 {
		a.log.Warn("config changed; restart required for these sections", logx.String("sections", strings.Join(rr, ",")))
	}

	a.logs.Apply(mapLogConfig(next))

	if pc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.poller.Apply(pc)
	}
	a.mu.Lock()
	wasOn := a.schedEnabled
	nowOn := next.SchedulerEnabled()
	a.schedEnabled = nowOn
	a.grace = mapShutdownGrace(next)
	a.mu.Unlock()
	switch {
	case wasOn && !nowOn:
		a.log.Info("scheduler disabled via config")
		a.poller.Stop()
	case !wasOn && nowOn:
		a.log.Info("scheduler enabled via config")
		a.poller.Start(ctx)
	}

	if ec, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.exec.Apply(ec)
	}

	if nc, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasOn := a.notif.Enabled()
		a.notif.Apply(nc)
		switch {
		case wasOn && !nc.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasOn && nc.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if hc, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	a.log.Info("config applied", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, fields...)...)
}

// Stop shuts down in dependency order: the poller first so nothing new is
// dispatched, then in-flight executions are drained for up to
// engine.shutdown_grace, then delivery and the transports, then the store.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.mu.Lock()
	grace := a.grace
	a.mu.Unlock()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("poller", 2*time.Second, func(c context.Context) error {
		a.poller.Stop()
		return a.poller.Wait(c)
	})
	step("executor", grace, func(c context.Context) error {
		if err := a.exec.Stop(c); err != nil {
			snap := a.exec.Snapshot()
			return fmt.Errorf("%d execution(s) still running: %w", snap.InFlight, err)
		}
		return nil
	})
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	if a.tg != nil {
		step("telegram", 3*time.Second, func(c context.Context) error { return a.tg.Stop(c) })
	}

	a.sup.Cancel()
	step("supervisor", 0, func(c context.Context) error {
		wctx, cancel := context.WithTimeout(c, 2*time.Second)
		defer cancel()
		err := a.sup.Wait(wctx)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("still running %v: %w", a.sup.Running(), err)
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
