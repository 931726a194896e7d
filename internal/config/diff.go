package config

import (
	"reflect"

	logx "skillcron/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns log fields describing the new values. Secrets are never
// included; only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		fields  []logx.Field
	)
	section := func(name string, a, b any, f ...logx.Field) {
		if reflect.DeepEqual(a, b) {
			return
		}
		changed = append(changed, name)
		fields = append(fields, f...)
	}

	n := newCfg
	section("logging", oldCfg.Logging, n.Logging,
		logx.String("logging.level", n.Logging.Level),
		logx.Bool("logging.file", n.Logging.File.Enabled),
		logx.Bool("logging.telegram", n.Logging.Telegram.Enabled),
	)
	section("storage", oldCfg.Storage, n.Storage,
		logx.String("storage.driver", n.Storage.Driver),
		logx.String("storage.path", n.Storage.Path),
	)
	section("scheduler", oldCfg.Scheduler, n.Scheduler,
		logx.Bool("scheduler.enabled", n.SchedulerEnabled()),
		logx.String("scheduler.interval", n.Scheduler.Interval),
		logx.Int("scheduler.max_concurrent", n.Scheduler.MaxConcurrent),
	)
	section("engine", oldCfg.Engine, n.Engine,
		logx.String("engine.run_timeout", n.Engine.RunTimeout),
		logx.Int("engine.max_concurrent", n.Engine.MaxConcurrent),
		logx.String("engine.manual_overlap", n.Engine.ManualOverlap),
	)
	section("runner", oldCfg.Runner, n.Runner,
		logx.String("runner.base_url", n.Runner.BaseURL),
		logx.Bool("runner.token_set", n.Runner.Token != ""),
	)
	section("notifier", oldCfg.Notifier, n.Notifier,
		logx.Bool("notifier.enabled", n.Notifier.Enabled),
		logx.Bool("notifier.on_success", n.NotifyOnSuccess()),
		logx.Bool("notifier.on_error", n.NotifyOnError()),
	)
	section("telegram", oldCfg.Telegram, n.Telegram,
		logx.Bool("telegram.token_set", n.Telegram.Token != ""),
		logx.Int("telegram.owner_count", len(n.Telegram.OwnerUserIDs)),
		logx.Bool("telegram.commands", n.Telegram.Commands),
	)
	section("email", oldCfg.Email, n.Email,
		logx.String("email.host", n.Email.Host),
		logx.Bool("email.password_set", n.Email.Password != ""),
	)
	section("http", oldCfg.HTTP, n.HTTP,
		logx.Bool("http.enabled", n.HTTP.Enabled),
		logx.String("http.addr", n.HTTP.Addr),
		logx.Bool("http.token_set", n.HTTP.Token != ""),
	)
	return changed, fields
}

// RestartRequired lists changed sections that only take effect on
// restart: the store, the runner client and the Telegram bot.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Runner, newCfg.Runner) {
		out = append(out, "runner")
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		out = append(out, "telegram")
	}
	if !reflect.DeepEqual(oldCfg.Email, newCfg.Email) {
		out = append(out, "email")
	}
	if oldCfg.Scheduler.Timezone != newCfg.Scheduler.Timezone {
		out = append(out, "scheduler.timezone")
	}
	return out
}
