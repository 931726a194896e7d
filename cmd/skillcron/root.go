package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"skillcron/internal/app"
	"skillcron/internal/config"
	logx "skillcron/pkg/logx"
)

type rootOptions struct {
	configPath string
	envFiles   []string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "skillcron",
		Short:         "Persistent scheduler for skill runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.json", "path to config file (JSON or YAML)")
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files to load (missing files are skipped)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level for one-shot commands")

	cmd.AddCommand(
		newServeCmd(opts),
		newJobsCmd(opts),
		newNotificationsCmd(opts),
	)
	return cmd
}

// configManager loads dotenv files and the SKILLCRON_* overrides.
func (o *rootOptions) configManager() (*config.Manager, error) {
	if err := config.LoadDotEnv(o.envFiles...); err != nil {
		return nil, err
	}
	env, err := config.ReadEnv()
	if err != nil {
		return nil, err
	}
	m := config.NewManager(o.configPath)
	m.SetEnv(env)
	return m, nil
}

// offline opens the store for a one-shot command. The caller closes it.
func (o *rootOptions) offline(ctx context.Context, withExecutor bool) (*app.Offline, error) {
	m, err := o.configManager()
	if err != nil {
		return nil, err
	}
	log := logx.NewConsole(o.logLevel)
	m.SetLogger(log)
	return app.OpenOffline(ctx, m, log, withExecutor)
}

func closeOffline(off *app.Offline, wait time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	_ = off.Close(ctx)
}
