package notifier

import (
	"context"
	"time"

	"skillcron/internal/storage"
)

// Channels understood by the notifier.
const (
	ChannelApp      = "app"
	ChannelTelegram = "telegram"
	ChannelEmail    = "email"
)

// Config controls recording and the async delivery pipeline.
type Config struct {
	// Enabled gates outbound delivery. Inbox records are written either way.
	Enabled bool

	NotifyOnSuccess bool
	NotifyOnError   bool

	// DefaultChannel and DefaultAddress apply to jobs without their own
	// notify endpoint.
	DefaultChannel string
	DefaultAddress string

	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// Message is what a Sender delivers.
type Message struct {
	Title string
	Body  string
	OK    bool
}

// Sender delivers a message to an address on one channel.
type Sender interface {
	Send(ctx context.Context, address string, m Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, address string, m Message) error

func (f SenderFunc) Send(ctx context.Context, address string, m Message) error {
	return f(ctx, address, m)
}

// Store is the slice of storage.Store the notifier writes to.
type Store interface {
	CreateNotification(ctx context.Context, n storage.Notification) (int64, error)
	SetNotificationDelivery(ctx context.Context, id int64, d storage.Delivery, errMsg string) error
}

type HistoryItem struct {
	At       time.Time        `json:"at"`
	Channel  string           `json:"channel"`
	Address  string           `json:"address,omitempty"`
	Title    string           `json:"title"`
	Delivery storage.Delivery `json:"delivery"`
	Error    string           `json:"error,omitempty"`
}

// DeliveryEvent is the bus payload for notifier.* events.
type DeliveryEvent struct {
	NotificationID int64     `json:"notificationId"`
	JobID          string    `json:"jobId,omitempty"`
	Channel        string    `json:"channel"`
	Address        string    `json:"address"`
	Attempt        int       `json:"attempt,omitempty"`
	At             time.Time `json:"at"`
	Error          string    `json:"error,omitempty"`
}
