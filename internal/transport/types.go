package transport

import (
	"context"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// String renders the target in the "chatID" or "chatID/threadID" address form.
func (t ChatTarget) String() string {
	s := strconv.FormatInt(t.ChatID, 10)
	if t.ThreadID != 0 {
		s += "/" + strconv.Itoa(t.ThreadID)
	}
	return s
}

// ParseChatTarget parses "chatID" or "chatID/threadID".
func ParseChatTarget(address string) (ChatTarget, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return ChatTarget{}, errors.New("chat address is empty")
	}
	chat, thread, hasThread := strings.Cut(address, "/")
	id, err := strconv.ParseInt(strings.TrimSpace(chat), 10, 64)
	if err != nil || id == 0 {
		return ChatTarget{}, errors.Newf("invalid chat id %q", chat)
	}
	t := ChatTarget{ChatID: id}
	if hasThread {
		tid, err := strconv.Atoi(strings.TrimSpace(thread))
		if err != nil || tid < 0 {
			return ChatTarget{}, errors.Newf("invalid thread id %q", thread)
		}
		t.ThreadID = tid
	}
	return t, nil
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// ChatSender delivers text to a chat. The Telegram adapter implements it.
type ChatSender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}
