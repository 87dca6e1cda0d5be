package notifier

import (
	"time"

	kit "kworkbot/internal/transport"
)

// Config controls delivery to the single destination.
type Config struct {
	Target         kit.ChatTarget
	DisablePreview bool
	RatePerSec     int
	SendTimeout    time.Duration
	RetryMax       int
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
}

type HistoryItem struct {
	At        time.Time
	MessageID int
}

// NotificationEvent is emitted on the event bus for delivery lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	ChatID    int64     `json:"chat_id"`
	ThreadID  int       `json:"thread_id,omitempty"`
	MessageID int       `json:"message_id,omitempty"`
	Attempts  int       `json:"attempts"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}
