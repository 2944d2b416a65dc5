package notifier

import (
	"context"
	"time"
)

// Config controls the async platform-notification pipeline.
type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// Notification is one platform (OS-level) notification.
type Notification struct {
	// Category is the platform channel id, e.g. "messages" or "voice_calls".
	Category string
	Title    string
	Body     string
	Tag      string
	Data     map[string]string
	// Priority drives the text prefix used by chat-style posters.
	Priority int
}

// Poster hands a notification to the platform. Implementations must be safe
// for concurrent use.
type Poster interface {
	Post(ctx context.Context, n Notification) error
}

type HistoryItem struct {
	At       time.Time `json:"at"`
	Category string    `json:"category"`
	Title    string    `json:"title"`
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	Category string    `json:"category"`
	Tag      string    `json:"tag"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
