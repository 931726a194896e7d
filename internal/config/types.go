package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "30s", "2h"). Secrets may be left empty here and supplied from
// the environment (see ApplyEnv).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine"`
	Runner    RunnerConfig    `json:"runner"`
	Notifier  NotifierConfig  `json:"notifier"`
	Telegram  TelegramConfig  `json:"telegram"`
	Email     EmailConfig     `json:"email"`
	HTTP      HTTPConfig      `json:"http"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warnings and errors to a chat ("chatID" or
// "chatID/threadID").
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	Chat       string `json:"chat"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the job store.
//
//	"storage": { "driver": "sqlite", "path": "./skillcron.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the poller.
//
// Defaults: enabled, interval "30s", trigger_delay "100ms", unbounded
// fan-out, timezone "Asia/Shanghai".
type SchedulerConfig struct {
	// Enabled is a pointer so an omitted key means true.
	Enabled       *bool  `json:"enabled,omitempty"`
	Interval      string `json:"interval,omitempty"`
	TriggerDelay  string `json:"trigger_delay,omitempty"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

// EngineConfig controls execution.
//
// manual_overlap is "allow" (default) or "lock".
type EngineConfig struct {
	RunTimeout    string `json:"run_timeout,omitempty"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	ManualOverlap string `json:"manual_overlap,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
}

type RunnerConfig struct {
	BaseURL       string `json:"base_url"`
	Token         string `json:"token,omitempty"`
	LookupTimeout string `json:"lookup_timeout,omitempty"`
}

// NotifierConfig controls outcome notifications. If notify_on_success or
// notify_on_error is omitted it defaults to true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	NotifyOnSuccess *bool  `json:"notify_on_success,omitempty"`
	NotifyOnError   *bool  `json:"notify_on_error,omitempty"`
	DefaultChannel  string `json:"default_channel,omitempty"`
	DefaultAddress  string `json:"default_address,omitempty"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
	// Commands turns on long polling and the owner-only command set.
	Commands       bool   `json:"commands,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`
}

type EmailConfig struct {
	Host          string `json:"host,omitempty"`
	Port          int    `json:"port,omitempty"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	From          string `json:"from,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
}

// HTTPConfig controls the JSON API listener. Binding to a non-loopback
// address requires a token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// SchedulerEnabled resolves the omitted-means-true default.
func (c *Config) SchedulerEnabled() bool {
	return c.Scheduler.Enabled == nil || *c.Scheduler.Enabled
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// NotifyOnSuccess resolves notifier.notify_on_success.
func (c *Config) NotifyOnSuccess() bool { return boolOr(c.Notifier.NotifyOnSuccess, true) }

// NotifyOnError resolves notifier.notify_on_error.
func (c *Config) NotifyOnError() bool { return boolOr(c.Notifier.NotifyOnError, true) }
