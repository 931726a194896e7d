package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate checks field formats. It does not require any optional section
// to be filled in; the app decides what a serving process needs.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}

	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "none":
	default:
		check(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	dur("scheduler.interval", cfg.Scheduler.Interval)
	dur("scheduler.trigger_delay", cfg.Scheduler.TriggerDelay)
	if cfg.Scheduler.MaxConcurrent < 0 {
		check(errors.New("scheduler.max_concurrent: must be >= 0"))
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			check(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	dur("engine.run_timeout", cfg.Engine.RunTimeout)
	dur("engine.shutdown_grace", cfg.Engine.ShutdownGrace)
	if cfg.Engine.MaxConcurrent < 0 {
		check(errors.New("engine.max_concurrent: must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Engine.ManualOverlap)) {
	case "", "allow", "lock", "skip_if_running":
	default:
		check(fmt.Errorf("engine.manual_overlap: want allow or lock, got %q", cfg.Engine.ManualOverlap))
	}

	dur("runner.lookup_timeout", cfg.Runner.LookupTimeout)
	if raw := strings.TrimSpace(cfg.Runner.BaseURL); raw != "" {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			check(fmt.Errorf("runner.base_url: invalid url %q", raw))
		}
	}

	dur("notifier.retry_base", cfg.Notifier.RetryBase)
	dur("notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay)
	dur("notifier.send_timeout", cfg.Notifier.SendTimeout)
	switch cfg.Notifier.DefaultChannel {
	case "", "app", "telegram", "email":
	default:
		check(fmt.Errorf("notifier.default_channel: unknown channel %q", cfg.Notifier.DefaultChannel))
	}

	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	dur("telegram.command_timeout", cfg.Telegram.CommandTimeout)
	if cfg.Telegram.Commands && len(cfg.Telegram.OwnerUserIDs) == 0 {
		check(errors.New("telegram.owner_user_ids: required when commands are enabled"))
	}

	if cfg.Email.Port < 0 || cfg.Email.Port > 65535 {
		check(fmt.Errorf("email.port: out of range: %d", cfg.Email.Port))
	}
	if cfg.Email.Host != "" && strings.TrimSpace(cfg.Email.From) == "" {
		check(errors.New("email.from: required when email.host is set"))
	}

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.idle_timeout", cfg.HTTP.IdleTimeout)

	return errors.Join(errs...)
}
