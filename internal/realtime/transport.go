package realtime

import (
	"context"
	"errors"
)

var (
	ErrClosed       = errors.New("realtime: manager closed")
	ErrNoCredential = errors.New("realtime: empty credential")
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrAuthRejected is returned by a Dialer (or surfaced by a session) when the
	// server refuses the credential.
	ErrAuthRejected = errors.New("realtime: credential rejected")
	// ErrSetup marks local failures to even build a session (bad URL, bad TLS config).
	ErrSetup = errors.New("realtime: session setup failed")

	ErrFailed     = errors.New("realtime: reconnection attempts exhausted")
	ErrAuthFailed = errors.New("realtime: authentication failed")
	ErrTimeout    = errors.New("realtime: timed out waiting for connection")
)

// Dialer opens an authenticated session. Dial returns only after the server
// accepted the credential; a rejection must wrap ErrAuthRejected.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Session, error)
}

// Session is one live transport connection, owned by the Manager.
//
// Read blocks until the next frame arrives or the session ends; Close must
// unblock a pending Read. Write may be called concurrently with Read.
type Session interface {
	ID() string
	Read() ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close() error
}
