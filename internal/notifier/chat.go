package notifier

import (
	"context"

	kit "skillcron/internal/transport"
)

// ChatSender delivers through a chat transport. Addresses are
// "chatID" or "chatID/threadID".
func ChatSender(chat kit.ChatSender) Sender {
	return SenderFunc(func(ctx context.Context, address string, m Message) error {
		to, err := kit.ParseChatTarget(address)
		if err != nil {
			return err
		}
		mark := "✅"
		if !m.OK {
			mark = "❌"
		}
		_, err = chat.SendText(ctx, to, mark+" "+m.Title+"\n\n"+m.Body, &kit.SendOptions{DisablePreview: true})
		return err
	})
}
