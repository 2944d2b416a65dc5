// Package delivery holds the user-facing presentation channels: the in-app
// toast queue, platform (native) notifications and browser alerts.
//
// Every channel is idempotent per Notification.Tag within its tag window: a
// second Show with a live tag returns ErrDuplicateTag and presents nothing.
package delivery

import (
	"context"
	"errors"
	"time"

	"circlelink/internal/event"
)

var (
	ErrDuplicateTag     = errors.New("delivery: tag already shown")
	ErrPermissionDenied = errors.New("delivery: permission not granted")
	ErrThrottled        = errors.New("delivery: throttled")
)

// Name identifies a channel.
type Name string

const (
	ChannelToast   Name = "toast"
	ChannelNative  Name = "native"
	ChannelBrowser Name = "browser"
)

// Notification is the presentation-ready form of an event.
type Notification struct {
	Kind           event.Kind
	EventID        string
	ConversationID string
	SenderID       string

	Title string
	Body  string
	// Tag is the per-channel idempotence key, see TagFor.
	Tag string
	// BrowserTag is the replace-in-place tag browser alerts use.
	BrowserTag string
	// Category is the platform channel id for native notifications.
	Category string
	// Duration is how long a toast stays visible.
	Duration time.Duration
	Data     map[string]string
}

// Channel shows notifications to the user.
type Channel interface {
	Name() Name
	Show(ctx context.Context, n Notification) error
}

// Surface is the kind of host the agent is serving.
type Surface string

const (
	SurfaceWeb     Surface = "web"
	SurfaceDesktop Surface = "desktop"
	SurfaceNative  Surface = "native"
)

func (s Surface) Browserish() bool { return s == SurfaceWeb || s == SurfaceDesktop }

// Permission is the browser notification permission state.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDefault Permission = "default"
	PermissionDenied  Permission = "denied"
)

// ParsePermission maps unknown values to PermissionDefault.
func ParsePermission(s string) Permission {
	switch Permission(s) {
	case PermissionGranted, PermissionDenied:
		return Permission(s)
	}
	return PermissionDefault
}

// PermissionSource reports the current browser permission. It is queried
// synchronously before every browser dispatch decision.
type PermissionSource interface {
	Permission() Permission
}
