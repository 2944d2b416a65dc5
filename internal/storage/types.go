package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file, no database
//   - "sqlite": SQLite database file (pure Go driver)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeliveryRecord is one routing decision for one inbound event.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	At             time.Time `json:"at"`
	EventID        string    `json:"event_id,omitempty"`
	EventName      string    `json:"event_name"`
	Kind           string    `json:"kind"`
	ConversationID string    `json:"conversation_id,omitempty"`
	SenderID       string    `json:"sender_id,omitempty"`
	Outcome        string    `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
	Channel        string    `json:"channel,omitempty"`
	Tag            string    `json:"tag,omitempty"`
	Error          string    `json:"error,omitempty"`
	TookMS         int64     `json:"took_ms"`
}
