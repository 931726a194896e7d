package app

import (
	"context"
	"fmt"

	"skillcron/internal/config"
	"skillcron/internal/notifier"
	"skillcron/internal/runner"
	"skillcron/internal/storage"
	"skillcron/internal/task/engine"
	"skillcron/internal/task/jobs"
	"skillcron/internal/transport/telegram"
	logx "skillcron/pkg/logx"
)

// Offline is the daemon-less view the CLI works through: the store and the
// jobs service, without a poller. Interrupted runs are not recovered here
// since a daemon may own them.
type Offline struct {
	Jobs  *jobs.Service
	Store storage.Store

	exec  *engine.Executor
	notif *notifier.Service
}

// OpenOffline loads the config behind cfgm and opens the store. With
// withExecutor it also builds a one-off executor so Jobs().Trigger works;
// that requires runner.base_url.
func OpenOffline(ctx context.Context, cfgm *config.Manager, log logx.Logger, withExecutor bool) (*Offline, error) {
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	o := &Offline{Store: store}

	var trig jobs.Trigger
	if withExecutor {
		if err := o.buildExecutor(ctx, cfg, log); err != nil {
			_ = store.Close()
			return nil, err
		}
		trig = o.exec
	}
	o.Jobs = jobs.New(store, nil, trig, sc.Timezone, log.With(logx.String("comp", "jobs")))
	return o, nil
}

func (o *Offline) buildExecutor(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	rc, err := mapRunnerConfig(cfg)
	if err != nil {
		return err
	}
	rn, err := runner.New(rc, log.With(logx.String("comp", "runner")))
	if err != nil {
		return fmt.Errorf("runner: %w", err)
	}

	var tg *telegram.Adapter
	if tc, on, err := mapTelegramConfig(cfg); err != nil {
		return err
	} else if on {
		tc.Commands = false
		if tg, err = telegram.New(tc, log); err != nil {
			return err
		}
	}

	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	o.notif = notifier.New(nc, o.Store, log.With(logx.String("comp", "notifier")), nil)
	registerSenders(o.notif, cfg, tg)
	o.notif.Start(ctx)

	ec, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	o.exec = engine.New(ec, o.Store, rn, rn, o.notif, log.With(logx.String("comp", "engine")), nil)
	return nil
}

// Close waits for a triggered run and its notification until ctx expires,
// then closes the store.
func (o *Offline) Close(ctx context.Context) error {
	if o.exec != nil {
		_ = o.exec.Stop(ctx)
	}
	if o.notif != nil {
		o.notif.Stop(ctx)
	}
	return o.Store.Close()
}
