// Package event defines the inbound event union and decodes wire frames into it.
package event

import (
	"encoding/json"
	"time"
)

// Kind is the event discriminant.
type Kind int

const (
	KindGeneric Kind = iota
	KindMessage
	KindReaction
	KindFriendRequest
	KindFriendAccepted
	KindMatch
	KindProfileVisit
	KindVoiceCall
)

var kindNames = [...]string{
	KindGeneric:        "generic",
	KindMessage:        "message",
	KindReaction:       "reaction",
	KindFriendRequest:  "friend_request",
	KindFriendAccepted: "friend_accepted",
	KindMatch:          "match",
	KindProfileVisit:   "profile_visit",
	KindVoiceCall:      "voice_call",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// ParseKind maps a kind name back to its value.
func ParseKind(s string) (Kind, bool) {
	for i, n := range kindNames {
		if n == s {
			return Kind(i), true
		}
	}
	return KindGeneric, false
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Sender identifies who caused the event.
type Sender struct {
	ID   string
	Name string
}

// Event is one decoded inbound event. Body holds the kind-specific payload and
// its concrete type always matches Kind.
type Event struct {
	Kind           Kind
	Name           string // wire event name, e.g. "chat:message:background"
	ID             string // stable dedup id; empty when the server sent none
	ConversationID string
	Sender         Sender
	Body           Body
	Raw            json.RawMessage
	ReceivedAt     time.Time
}

// Body is implemented only by the payload types in this package.
type Body interface{ kind() Kind }

type MessageBody struct {
	MessageID string
	Text      string
}

type ReactionBody struct {
	Emoji       string
	MessageText string
}

type FriendRequestBody struct {
	RequestID string
}

type FriendAcceptedBody struct {
	RequestID string
}

type MatchBody struct {
	MatchID string
}

type ProfileVisitBody struct {
	VisitorID string
}

type VoiceCallBody struct {
	CallID string
}

// GenericBody covers server-side notifications, message requests and activity
// events that have no dedicated presentation.
type GenericBody struct {
	Title   string
	Message string
	Type    string
}

func (MessageBody) kind() Kind        { return KindMessage }
func (ReactionBody) kind() Kind       { return KindReaction }
func (FriendRequestBody) kind() Kind  { return KindFriendRequest }
func (FriendAcceptedBody) kind() Kind { return KindFriendAccepted }
func (MatchBody) kind() Kind          { return KindMatch }
func (ProfileVisitBody) kind() Kind   { return KindProfileVisit }
func (VoiceCallBody) kind() Kind      { return KindVoiceCall }
func (GenericBody) kind() Kind        { return KindGeneric }

// KindOf returns the kind a body belongs to.
func KindOf(b Body) Kind {
	if b == nil {
		return KindGeneric
	}
	return b.kind()
}
