package jobs

import (
	"net/mail"
	"strings"
	"time"

	"skillcron/internal/storage"
	"skillcron/internal/task/schedule"
	kit "skillcron/internal/transport"
)

const (
	maxNameLen  = 200
	maxQueryLen = 20000
	maxRetries  = 50
	maxBackoff  = 24 * time.Hour
)

// ValidationError reports bad input. Nothing is stored when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }

func invalid(field, msg string) error { return &ValidationError{Field: field, Message: msg} }

var sourceChannels = map[string]bool{"": true, "app": true, "api": true, "cli": true, "telegram": true}

func validateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return invalid("name", "is required")
	}
	if len(name) > maxNameLen {
		return invalid("name", "is too long")
	}
	return nil
}

func validateSchedule(s schedule.Schedule) error {
	if err := schedule.Validate(s); err != nil {
		return invalid("schedule", err.Error())
	}
	return nil
}

func validateTarget(t storage.Target) error {
	if t.Kind != "" && t.Kind != storage.TargetKindSkill {
		return invalid("target.kind", "unsupported target kind "+t.Kind)
	}
	if strings.TrimSpace(t.ID) == "" {
		return invalid("target.id", "is required")
	}
	if strings.TrimSpace(t.Query) == "" {
		return invalid("target.query", "is required")
	}
	if len(t.Query) > maxQueryLen {
		return invalid("target.query", "is too long")
	}
	return nil
}

func validateRetry(r storage.RetryPolicy) error {
	if r.MaxRetries < 0 || r.MaxRetries > maxRetries {
		return invalid("retry.maxRetries", "must be between 0 and 50")
	}
	if r.Backoff < 0 || r.Backoff > maxBackoff {
		return invalid("retry.backoffMs", "must be between 0 and 24h")
	}
	return nil
}

func validateSource(e storage.Endpoint) error {
	if !sourceChannels[e.Channel] {
		return invalid("source.channel", "unknown channel "+e.Channel)
	}
	return nil
}

func validateNotify(e storage.Endpoint) error {
	switch e.Channel {
	case "", "app":
		return nil
	case "telegram":
		if _, err := kit.ParseChatTarget(e.Address); err != nil {
			return invalid("notify.address", err.Error())
		}
	case "email":
		if _, err := mail.ParseAddress(e.Address); err != nil {
			return invalid("notify.address", "invalid email address")
		}
	default:
		return invalid("notify.channel", "unknown channel "+e.Channel)
	}
	return nil
}

func validateJob(j storage.Job) error {
	for _, err := range []error{
		validateName(j.Name),
		validateSchedule(j.Schedule),
		validateTarget(j.Target),
		validateRetry(j.Retry),
		validateSource(j.Source),
		validateNotify(j.Notify),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func validatePatch(p storage.JobPatch) error {
	if p.Name != nil {
		if err := validateName(*p.Name); err != nil {
			return err
		}
	}
	if p.Schedule != nil {
		if err := validateSchedule(p.Schedule); err != nil {
			return err
		}
	}
	if p.Target != nil {
		if err := validateTarget(*p.Target); err != nil {
			return err
		}
	}
	if p.Retry != nil {
		if err := validateRetry(*p.Retry); err != nil {
			return err
		}
	}
	if p.Notify != nil {
		if err := validateNotify(*p.Notify); err != nil {
			return err
		}
	}
	return nil
}
