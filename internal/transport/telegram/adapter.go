// Package telegram is the Telegram surface: an outbound sender for
// notifications and, optionally, a small owner-only command set.
package telegram

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	"skillcron/internal/runtime/supervisor"
	kit "skillcron/internal/transport"
	logx "skillcron/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Commands enables long polling and the command set.
	Commands       bool
	Owners         []int64
	CommandTimeout time.Duration
	// Offline skips the getMe call on construction (tests).
	Offline bool
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	cmds *Commands

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "telegram"))

	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
		OnError: func(err error, c tele.Context) {
			log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// Serve attaches the command set. It must be called before Start; without
// it (or with Config.Commands off) the adapter only sends.
func (a *Adapter) Serve(cmds *Commands) {
	a.cmds = cmds
	for _, cmd := range cmds.List() {
		name := cmd.Name
		a.bot.Handle("/"+name, func(c tele.Context) error {
			return a.handle(name, c)
		})
	}
}

func (a *Adapter) handle(name string, c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Chat == nil {
		return nil
	}
	to := kit.ChatTarget{ChatID: m.Chat.ID, ThreadID: m.ThreadID}
	req := &Request{
		Chat:    to,
		FromID:  m.Sender.ID,
		Command: name,
		Payload: c.Message().Payload,
		Reply: func(ctx context.Context, text string) error {
			_, err := a.SendText(ctx, to, text, nil)
			return err
		},
	}
	ctx := context.Background()
	a.runMu.Lock()
	if a.sup != nil {
		ctx = a.sup.Context()
	}
	a.runMu.Unlock()
	return a.cmds.Dispatch(ctx, req)
}

// Start begins long polling when commands are enabled. Sending works
// without Start.
func (a *Adapter) Start(ctx context.Context) error {
	if !a.cfg.Commands || a.cmds == nil {
		return nil
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("menu.sync", func(c context.Context) {
		cmds := make([]tele.Command, 0, len(a.cmds.List()))
		for _, cmd := range a.cmds.List() {
			cmds = append(cmds, tele.Command{Text: cmd.Name, Description: cmd.Description})
		}
		if err := a.bot.SetCommands(cmds); err != nil {
			a.log.Warn("menu commands update failed", logx.Err(err))
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Start blocks until Stop; restart it if it returns on its own.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithPublishFirstError(true),
		supervisor.WithStopOnCleanExit(false),
	)
	return nil
}

// Stop ends polling. The getUpdates long poll is not waited on for more
// than two seconds.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

// SendText sends text in chunks of at most 4000 runes and returns the ref
// of the first chunk.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, errors.Wrapf(err, "send to %s", to)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}
