package app

import (
	"fmt"
	"strings"
	"time"

	"skillcron/internal/config"
	"skillcron/internal/notifier"
	"skillcron/internal/runner"
	"skillcron/internal/storage"
	"skillcron/internal/task/engine"
	"skillcron/internal/task/schedule"
	"skillcron/internal/task/scheduler"
	"skillcron/internal/transport/httpapi"
	"skillcron/internal/transport/telegram"
	logx "skillcron/pkg/logx"
)

const (
	defaultShutdownGrace = 30 * time.Second
	defaultStoragePath   = "./skillcron.db"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			Chat:       l.Telegram.Chat,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		tz = schedule.DefaultTimezone
	}
	loc, err := schedule.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// mapStorageConfig returns the store config. The sqlite driver is the
// default; "none" is rejected because nothing works without a store.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "":
		driver = "sqlite"
	case "sqlite", "sqlite3":
	case "none":
		return storage.Config{}, fmt.Errorf("storage.driver: a store is required")
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unknown driver %q", sc.Driver)
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = defaultStoragePath
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	loc, err := mapLocation(cfg)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Timezone: loc}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	timeout, err := config.ParseDurationField("engine.run_timeout", ec.RunTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	policy, ok := engine.ParseOverlapPolicy(strings.ToLower(strings.TrimSpace(ec.ManualOverlap)))
	if !ok {
		return engine.Config{}, fmt.Errorf("engine.manual_overlap: unknown policy %q", ec.ManualOverlap)
	}
	return engine.Config{
		RunTimeout:    timeout,
		MaxConcurrent: ec.MaxConcurrent,
		ManualOverlap: policy,
		HistorySize:   ec.HistorySize,
	}, nil
}

func mapShutdownGrace(cfg *config.Config) time.Duration {
	d, err := config.ParseDurationOrDefault("engine.shutdown_grace", cfg.Engine.ShutdownGrace, defaultShutdownGrace)
	if err != nil {
		return defaultShutdownGrace
	}
	return d
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	interval, err := config.ParseDurationField("scheduler.interval", sc.Interval)
	if err != nil {
		return scheduler.Config{}, err
	}
	delay, err := config.ParseDurationField("scheduler.trigger_delay", sc.TriggerDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Interval: interval, TriggerDelay: delay, MaxConcurrent: sc.MaxConcurrent}, nil
}

func mapRunnerConfig(cfg *config.Config) (runner.Config, error) {
	rc := cfg.Runner
	lookup, err := config.ParseDurationField("runner.lookup_timeout", rc.LookupTimeout)
	if err != nil {
		return runner.Config{}, err
	}
	return runner.Config{BaseURL: rc.BaseURL, Token: rc.Token, LookupTimeout: lookup}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	base, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	send, err := config.ParseDurationField("notifier.send_timeout", nc.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         nc.Enabled,
		NotifyOnSuccess: cfg.NotifyOnSuccess(),
		NotifyOnError:   cfg.NotifyOnError(),
		DefaultChannel:  nc.DefaultChannel,
		DefaultAddress:  nc.DefaultAddress,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		SendTimeout:     send,
	}, nil
}

func mapEmailConfig(cfg *config.Config) notifier.EmailConfig {
	e := cfg.Email
	return notifier.EmailConfig{
		Host:          e.Host,
		Port:          e.Port,
		Username:      e.Username,
		Password:      e.Password,
		From:          e.From,
		SubjectPrefix: e.SubjectPrefix,
	}
}

// mapTelegramConfig reports false when no bot token is configured.
func mapTelegramConfig(cfg *config.Config) (telegram.Config, bool, error) {
	tc := cfg.Telegram
	if strings.TrimSpace(tc.Token) == "" {
		return telegram.Config{}, false, nil
	}
	poll, err := config.ParseDurationField("telegram.poll_timeout", tc.PollTimeout)
	if err != nil {
		return telegram.Config{}, false, err
	}
	cmdTimeout, err := config.ParseDurationField("telegram.command_timeout", tc.CommandTimeout)
	if err != nil {
		return telegram.Config{}, false, err
	}
	return telegram.Config{
		Token:          tc.Token,
		PollTimeout:    poll,
		Commands:       tc.Commands,
		Owners:         tc.OwnerUserIDs,
		CommandTimeout: cmdTimeout,
	}, true, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	out := httpapi.Config{
		Enabled:       hc.Enabled,
		Addr:          hc.Addr,
		Token:         hc.Token,
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("http.read_timeout", hc.ReadTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", hc.WriteTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("http.idle_timeout", hc.IdleTimeout); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

// validateMapped runs every mapper so a reload that would fail to apply is
// rejected before it is committed.
func validateMapped(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRunnerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	_, err := mapHTTPConfig(cfg)
	return err
}
