package telegram

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"skillcron/internal/storage"
	"skillcron/internal/task/engine"
	"skillcron/internal/task/jobs"
	"skillcron/internal/task/schedule"
	kit "skillcron/internal/transport"
	logx "skillcron/pkg/logx"
)

// Jobs is the subset of *jobs.Service the chat commands drive.
type Jobs interface {
	List(ctx context.Context, f storage.JobFilter) ([]storage.Job, error)
	Create(ctx context.Context, j storage.Job) (storage.Job, error)
	Runs(ctx context.Context, id string, limit int) ([]storage.Run, error)
	Trigger(ctx context.Context, id string) (engine.Outcome, error)
	Describe(sch schedule.Schedule) string
	Status(ctx context.Context) (jobs.Status, error)
	StartPoller(ctx context.Context) error
	StopPoller() error
}

// Request is one parsed command invocation.
type Request struct {
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Payload string

	// Reply answers in the originating chat.
	Reply func(ctx context.Context, text string) error
}

type Command struct {
	Name        string
	Description string
	Usage       string
	// Timeout bounds the handler. Zero means no bound.
	Timeout time.Duration
	Handle  HandlerFunc
}

// Commands holds the owner-only command set.
type Commands struct {
	jobs   Jobs
	owners map[int64]bool
	log    logx.Logger
	now    func() time.Time
	// base outlives single commands; the poller is started on it.
	base context.Context

	routes map[string]HandlerFunc
	list   []Command
}

func NewCommands(base context.Context, j Jobs, owners []int64, timeout time.Duration, log logx.Logger) *Commands {
	if base == nil {
		base = context.Background()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Commands{
		jobs:   j,
		owners: make(map[int64]bool, len(owners)),
		log:    log,
		now:    time.Now,
		base:   base,
		routes: map[string]HandlerFunc{},
	}
	for _, id := range owners {
		c.owners[id] = true
	}

	c.list = []Command{
		{Name: "jobs", Description: "List scheduled jobs", Usage: "/jobs", Timeout: timeout, Handle: c.cmdJobs},
		// Manual runs last as long as the skill does.
		{Name: "run", Description: "Run a job now", Usage: "/run <id>", Handle: c.cmdRun},
		{Name: "runs", Description: "Show run history", Usage: "/runs <id> [n]", Timeout: timeout, Handle: c.cmdRuns},
		{Name: "poller", Description: "Poller status or start/stop", Usage: "/poller [start|stop]", Timeout: timeout, Handle: c.cmdPoller},
		{Name: "add", Description: "Create a job", Usage: "/add <name> | <schedule> | <skillId> | <query>", Timeout: timeout, Handle: c.cmdAdd},
	}
	for _, cmd := range c.list {
		c.routes[cmd.Name] = wrap(cmd.Handle, recoverPanic(log), logCommand(log), withDeadline(cmd.Timeout))
	}
	return c
}

// List returns the commands for the bot menu.
func (c *Commands) List() []Command { return c.list }

// IsOwner reports whether a user may run commands.
func (c *Commands) IsOwner(id int64) bool { return c.owners[id] }

// Dispatch routes req. Non-owners and unknown commands are ignored silently.
func (c *Commands) Dispatch(ctx context.Context, req *Request) error {
	if !c.IsOwner(req.FromID) {
		c.log.Debug("command ignored: not an owner", logx.Int64("from_id", req.FromID), logx.String("cmd", req.Command))
		return nil
	}
	h, ok := c.routes[req.Command]
	if !ok {
		return nil
	}
	if err := h(ctx, req); err != nil {
		return req.Reply(ctx, "⚠️ "+err.Error())
	}
	return nil
}

func (c *Commands) cmdJobs(ctx context.Context, req *Request) error {
	list, err := c.jobs.List(ctx, storage.JobFilter{})
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return req.Reply(ctx, "No jobs.")
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	var b strings.Builder
	for _, j := range list {
		state := "on"
		if !j.Enabled {
			state = "off"
		}
		fmt.Fprintf(&b, "• %s [%s] %s\n  %s", j.Name, state, j.ID, c.jobs.Describe(j.Schedule))
		if j.NextRunAt != nil {
			fmt.Fprintf(&b, ", next %s", j.NextRunAt.Format(time.RFC3339))
		}
		if st := j.Status(); st != "" {
			fmt.Fprintf(&b, ", last %s", st)
		}
		b.WriteString("\n")
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (c *Commands) cmdRun(ctx context.Context, req *Request) error {
	id := strings.TrimSpace(req.Payload)
	if id == "" {
		return errors.New("usage: /run <id>")
	}
	if err := req.Reply(ctx, "▶️ running "+id+"…"); err != nil {
		return err
	}
	out, err := c.jobs.Trigger(ctx, id)
	switch {
	case errors.Is(err, engine.ErrAlreadyRunning):
		return req.Reply(ctx, "⏳ "+id+" is already running")
	case errors.Is(err, engine.ErrJobNotFound):
		return req.Reply(ctx, "job "+id+" not found")
	case err != nil:
		return err
	}
	if out.OK() {
		return req.Reply(ctx, fmt.Sprintf("✅ %s finished in %s (session %s)", id, out.Duration.Round(time.Millisecond), out.SessionID))
	}
	return req.Reply(ctx, fmt.Sprintf("❌ %s failed: %s", id, out.Error))
}

func (c *Commands) cmdRuns(ctx context.Context, req *Request) error {
	fields := strings.Fields(req.Payload)
	if len(fields) == 0 {
		return errors.New("usage: /runs <id> [n]")
	}
	limit := 10
	if len(fields) > 1 {
		n, err := strconv.Atoi(fields[1])
		if err != nil || n <= 0 {
			return errors.New("n must be a positive number")
		}
		limit = min(n, 50)
	}
	runs, err := c.jobs.Runs(ctx, fields[0], limit)
	if errors.Is(err, storage.ErrNotFound) {
		return req.Reply(ctx, "job "+fields[0]+" not found")
	}
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return req.Reply(ctx, "No runs yet.")
	}
	var b strings.Builder
	for _, r := range runs {
		mark := "✅"
		switch r.Status {
		case storage.StatusError:
			mark = "❌"
		case storage.StatusRunning:
			mark = "⏳"
		}
		fmt.Fprintf(&b, "%s %s %s %s", mark, r.StartedAt.Format(time.RFC3339), r.Trigger, r.Duration.Round(time.Millisecond))
		if r.Error != "" {
			fmt.Fprintf(&b, " %s", r.Error)
		}
		b.WriteString("\n")
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (c *Commands) cmdPoller(ctx context.Context, req *Request) error {
	switch strings.ToLower(strings.TrimSpace(req.Payload)) {
	case "":
	case "start":
		if err := c.jobs.StartPoller(c.base); err != nil {
			return err
		}
	case "stop":
		if err := c.jobs.StopPoller(); err != nil {
			return err
		}
	default:
		return errors.New("usage: /poller [start|stop]")
	}

	st, err := c.jobs.Status(ctx)
	if err != nil {
		return err
	}
	state := "stopped"
	if st.Running {
		state = "running"
	}
	lines := []string{
		"poller " + state + ", every " + st.Interval.String(),
		"ticks: " + strconv.FormatUint(st.Ticks, 10) + ", last due: " + strconv.Itoa(st.LastDue),
	}
	if st.NextWakeAt != nil {
		lines = append(lines, "next job due: "+st.NextWakeAt.Format(time.RFC3339))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

// cmdAdd creates a job whose outcome is reported back to the calling chat.
func (c *Commands) cmdAdd(ctx context.Context, req *Request) error {
	parts := strings.SplitN(req.Payload, "|", 4)
	if len(parts) != 4 {
		return errors.New("usage: /add <name> | <schedule> | <skillId> | <query>")
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	sch, err := schedule.Parse(parts[1], c.now())
	if err != nil {
		return err
	}
	chat := req.Chat.String()
	j, err := c.jobs.Create(ctx, storage.Job{
		Name:     parts[0],
		Enabled:  true,
		Schedule: sch,
		Target:   storage.Target{Kind: storage.TargetKindSkill, ID: parts[2], Query: parts[3]},
		Source:   storage.Endpoint{Channel: "telegram", Address: chat},
		Notify:   storage.Endpoint{Channel: "telegram", Address: chat},
	})
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("🆕 %s (%s)\n%s", j.Name, j.ID, c.jobs.Describe(j.Schedule))
	if j.NextRunAt != nil {
		msg += "\nnext: " + j.NextRunAt.Format(time.RFC3339)
	}
	return req.Reply(ctx, msg)
}
