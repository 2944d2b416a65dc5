// Package notifier is the async pipeline behind the native delivery channel.
//
// Notifications are queued and handed to a Poster by a small worker pool,
// under a token-bucket rate limit with jittered retries. Lifecycle signals
// are published on the event bus. A notification whose tag is
// still queued replaces the waiting one instead of queueing twice.
//
// # Posters
//
// LogPoster writes notifications to the log, which is what a headless agent
// uses when no platform surface exists. The Telegram poster in
// internal/delivery/relay forwards them to a chat.
//
// # History
//
// For debugging and operator visibility, the service keeps a small in-memory
// history of recently posted notifications.
package notifier
