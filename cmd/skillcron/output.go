package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"skillcron/internal/storage"
	"skillcron/internal/task/schedule"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// jobView is the CLI's JSON shape for a job.
type jobView struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Enabled     bool             `json:"enabled"`
	Schedule    schedule.Spec    `json:"schedule"`
	Describe    string           `json:"describe"`
	Target      storage.Target   `json:"target"`
	MaxRetries  int              `json:"maxRetries"`
	Backoff     string           `json:"backoff"`
	Source      storage.Endpoint `json:"source"`
	Notify      storage.Endpoint `json:"notify"`
	Status      storage.Status   `json:"status,omitempty"`
	LastError   string           `json:"lastError,omitempty"`
	NextRunAt   *time.Time       `json:"nextRunAt,omitempty"`
	LastRunAt   *time.Time       `json:"lastRunAt,omitempty"`
	RetryCount  int              `json:"retryCount"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

func newJobView(j storage.Job, describe string) jobView {
	return jobView{
		ID:          j.ID,
		Name:        j.Name,
		Description: j.Description,
		Enabled:     j.Enabled,
		Schedule:    schedule.ToSpec(j.Schedule),
		Describe:    describe,
		Target:      j.Target,
		MaxRetries:  j.Retry.MaxRetries,
		Backoff:     j.Retry.Backoff.String(),
		Source:      j.Source,
		Notify:      j.Notify,
		Status:      j.Status(),
		LastError:   j.LastError,
		NextRunAt:   j.NextRunAt,
		LastRunAt:   j.LastRunAt,
		RetryCount:  j.RetryCount,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

func printJobs(w io.Writer, list []storage.Job, describe func(schedule.Schedule) string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tENABLED\tSCHEDULE\tNEXT RUN\tSTATUS")
	for _, j := range list {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n",
			j.ID, j.Name, j.Enabled, describe(j.Schedule), fmtTime(j.NextRunAt), orDash(string(j.Status())))
	}
	return tw.Flush()
}

func printRuns(w io.Writer, runs []storage.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tTRIGGER\tSTATUS\tSTARTED\tDURATION\tERROR")
	for _, r := range runs {
		started := r.StartedAt
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Trigger, orDash(string(r.Status)), fmtTime(&started), r.Duration.Round(time.Millisecond), orDash(r.Error))
	}
	return tw.Flush()
}

func printNotifications(w io.Writer, list []storage.Notification) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tREAD\tKIND\tDELIVERY\tCREATED\tTITLE")
	for _, n := range list {
		created := n.CreatedAt
		fmt.Fprintf(tw, "%d\t%t\t%s\t%s\t%s\t%s\n",
			n.ID, n.Read, n.Kind, orDash(string(n.Delivery)), fmtTime(&created), n.Title)
	}
	return tw.Flush()
}
