package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Env holds the overrides read from the process environment. Unset
// variables leave the file value alone.
type Env struct {
	TelegramToken string `env:"TELEGRAM_TOKEN"`
	RunnerToken   string `env:"RUNNER_TOKEN"`
	RunnerURL     string `env:"RUNNER_URL"`
	HTTPToken     string `env:"HTTP_TOKEN"`
	HTTPAddr      string `env:"HTTP_ADDR"`
	SMTPPassword  string `env:"SMTP_PASSWORD"`
	DBPath        string `env:"DB_PATH"`
	LogLevel      string `env:"LOG_LEVEL"`
}

const envPrefix = "SKILLCRON_"

// LoadDotEnv loads the given .env files into the environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ReadEnv decodes SKILLCRON_* variables.
func ReadEnv() (Env, error) {
	var e Env
	if err := env.ParseWithOptions(&e, env.Options{Prefix: envPrefix}); err != nil {
		return Env{}, fmt.Errorf("read env: %w", err)
	}
	return e, nil
}

// ApplyEnv overlays non-empty overrides onto cfg.
func ApplyEnv(cfg *Config, e Env) {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, e.TelegramToken)
	set(&cfg.Runner.Token, e.RunnerToken)
	set(&cfg.Runner.BaseURL, e.RunnerURL)
	set(&cfg.HTTP.Token, e.HTTPToken)
	set(&cfg.HTTP.Addr, e.HTTPAddr)
	set(&cfg.Email.Password, e.SMTPPassword)
	set(&cfg.Storage.Path, e.DBPath)
	set(&cfg.Logging.Level, e.LogLevel)
}
