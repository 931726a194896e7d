package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"skillcron/internal/app"
	"skillcron/internal/storage"
	"skillcron/internal/task/engine"
	"skillcron/internal/task/schedule"
)

func newJobsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage scheduled jobs without a running daemon",
	}
	cmd.AddCommand(
		newJobsListCmd(root),
		newJobsGetCmd(root),
		newJobsAddCmd(root),
		newJobsRmCmd(root),
		newJobsRunsCmd(root),
		newJobsDescribeCmd(root),
		newJobsToggleCmd(root, "enable", true),
		newJobsToggleCmd(root, "disable", false),
		newJobsRunCmd(root),
	)
	return cmd
}

// withOffline opens the store, runs fn and closes it.
func withOffline(cmd *cobra.Command, root *rootOptions, fn func(ctx context.Context, off *app.Offline) error) error {
	ctx := cmd.Context()
	off, err := root.offline(ctx, false)
	if err != nil {
		return err
	}
	defer closeOffline(off, 5*time.Second)
	return fn(ctx, off)
}

func newJobsListCmd(root *rootOptions) *cobra.Command {
	var (
		enabledOnly bool
		source      string
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOffline(cmd, root, func(ctx context.Context, off *app.Offline) error {
				f := storage.JobFilter{EnabledOnly: enabledOnly}
				if source != "" {
					f.SourceChannel, f.SourceAddress, _ = strings.Cut(source, ":")
				}
				list, err := off.Jobs.List(ctx, f)
				if err != nil {
					return err
				}
				if asJSON {
					views := make([]jobView, 0, len(list))
					for _, j := range list {
						views = append(views, newJobView(j, off.Jobs.Describe(j.Schedule)))
					}
					return printJSON(cmd.OutOrStdout(), views)
				}
				return printJobs(cmd.OutOrStdout(), list, off.Jobs.Describe)
			})
		},
	}
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "only enabled jobs")
	cmd.Flags().StringVar(&source, "source", "", `filter by source "channel[:address]"`)
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output")
	return cmd
}

func newJobsGetCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOffline(cmd, root, func(ctx context.Context, off *app.Offline) error {
				j, err := off.Jobs.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), newJobView(j, off.Jobs.Describe(j.Schedule)))
			})
		},
	}
}

type addOptions struct {
	name        string
	description string
	sched       string
	skill       string
	query       string
	profile     string
	maxRetries  int
	backoff     time.Duration
	notify      string
	disabled    bool
}

func (o addOptions) job(now time.Time) (storage.Job, error) {
	sch, err := schedule.Parse(o.sched, now)
	if err != nil {
		return storage.Job{}, errors.Wrap(err, "--schedule")
	}
	notify, err := parseEndpoint(o.notify)
	if err != nil {
		return storage.Job{}, err
	}
	return storage.Job{
		Name:        o.name,
		Description: o.description,
		Enabled:     !o.disabled,
		Schedule:    sch,
		Target: storage.Target{
			Kind:      storage.TargetKindSkill,
			ID:        o.skill,
			Query:     o.query,
			ProfileID: o.profile,
		},
		Retry:  storage.RetryPolicy{MaxRetries: o.maxRetries, Backoff: o.backoff},
		Source: storage.Endpoint{Channel: "cli"},
		Notify: notify,
	}, nil
}

// parseEndpoint reads "channel" or "channel:address".
func parseEndpoint(raw string) (storage.Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return storage.Endpoint{}, nil
	}
	ch, addr, _ := strings.Cut(raw, ":")
	ch = strings.ToLower(strings.TrimSpace(ch))
	if ch == "" {
		return storage.Endpoint{}, errors.Newf("--notify: missing channel in %q", raw)
	}
	return storage.Endpoint{Channel: ch, Address: strings.TrimSpace(addr)}, nil
}

func newJobsAddCmd(root *rootOptions) *cobra.Command {
	var o addOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a job",
		Example: `  skillcron jobs add --name digest --schedule "0 9 * * *" --skill news --query "summarize today"
  skillcron jobs add --name ping --schedule every:30m --skill health --notify telegram:-100123/7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			j, err := o.job(time.Now())
			if err != nil {
				return err
			}
			return withOffline(cmd, root, func(ctx context.Context, off *app.Offline) error {
				created, err := off.Jobs.Create(ctx, j)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s), next run %s\n",
					created.ID, off.Jobs.Describe(created.Schedule), fmtTime(created.NextRunAt))
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.name, "name", "", "job name")
	f.StringVar(&o.description, "description", "", "free-form description")
	f.StringVar(&o.sched, "schedule", "", `schedule: "every:5m", "at:+2h", "0 9 * * *", "@daily"`)
	f.StringVar(&o.skill, "skill", "", "skill id to run")
	f.StringVar(&o.query, "query", "", "query passed to the skill")
	f.StringVar(&o.profile, "profile", "", "model profile id")
	f.IntVar(&o.maxRetries, "max-retries", 0, "retries after a failed attempt")
	f.DurationVar(&o.backoff, "backoff", 0, "delay before a retry (0 uses the default)")
	f.StringVar(&o.notify, "notify", "", `outcome channel "app", "telegram:<chat>[/<thread>]" or "email:<addr>"`)
	f.BoolVar(&o.disabled, "disabled", false, "create the job disabled")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("schedule")
	_ = cmd.MarkFlagRequired("skill")
	return cmd
}

func newJobsRmCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Delete a job and its run history",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOffline(cmd, root, func(ctx context.Context, off *app.Offline) error {
				if err := off.Jobs.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newJobsRunsCmd(root *rootOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "runs <id>",
		Short: "Show a job's run history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOffline(cmd, root, func(ctx context.Context, off *app.Offline) error {
				runs, err := off.Jobs.Runs(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), runs)
				}
				return printRuns(cmd.OutOrStdout(), runs)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output")
	return cmd
}

func newJobsDescribeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <schedule>",
		Short: "Validate a schedule and preview its next run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			sch, err := schedule.Parse(args[0], now)
			if err != nil {
				return err
			}
			return withOffline(cmd, root, func(_ context.Context, off *app.Offline) error {
				desc, next, err := off.Jobs.Preview(sch, now)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\nnext: %s\n", desc, fmtTime(next))
				return nil
			})
		},
	}
}

func newJobsToggleCmd(root *rootOptions, verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOffline(cmd, root, func(ctx context.Context, off *app.Offline) error {
				j, err := off.Jobs.SetEnabled(ctx, args[0], enabled)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %sd, next run %s\n", j.ID, verb, fmtTime(j.NextRunAt))
				return nil
			})
		},
	}
}

func newJobsRunCmd(root *rootOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Run a job now through a one-off executor",
		Long: `Run a job now. The run is recorded in the job's history like any manual
trigger. With engine.manual_overlap=lock it fails while the daemon runs the
same job.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			off, err := root.offline(ctx, true)
			if err != nil {
				return err
			}
			defer closeOffline(off, wait)

			out, err := off.Jobs.Trigger(ctx, args[0])
			switch {
			case errors.Is(err, engine.ErrAlreadyRunning):
				return errors.Newf("job %s is already running", args[0])
			case err != nil:
				return err
			}
			w := cmd.OutOrStdout()
			if out.OK() {
				fmt.Fprintf(w, "ok: %s finished in %s (session %s)\n",
					out.JobID, out.Duration.Round(time.Millisecond), out.SessionID)
				return nil
			}
			fmt.Fprintf(w, "failed: %s: %s\n", out.JobID, out.Error)
			return errors.Newf("run %d failed", out.RunID)
		},
	}
	cmd.Flags().DurationVar(&wait, "notify-wait", 15*time.Second, "how long to wait for outcome delivery before exiting")
	return cmd
}
