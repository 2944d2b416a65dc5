package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	ErrMalformed    = errors.New("event: malformed frame")
	ErrUnknownEvent = errors.New("event: unknown event")
)

// Control frame types exchanged with the server; never routed.
const (
	FrameAuthOK    = "auth:ok"
	FrameConnected = "connected"
	FrameAuthError = "auth_error"
	FramePing      = "ping"
	FramePong      = "pong"
)

// Frame is one wire message: {"type": "...", "data": {...}}.
type Frame struct {
	Type string
	Data gjson.Result
	Raw  []byte
}

// ParseFrame validates the envelope without interpreting the payload.
func ParseFrame(b []byte) (Frame, error) {
	if !gjson.ValidBytes(b) {
		return Frame{}, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	typ := gjson.GetBytes(b, "type")
	if typ.Type != gjson.String || strings.TrimSpace(typ.Str) == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return Frame{Type: typ.Str, Data: gjson.GetBytes(b, "data"), Raw: b}, nil
}

// EncodeFrame builds an outbound frame. data may be nil.
func EncodeFrame(typ string, data any) ([]byte, error) {
	out, err := sjson.SetBytes([]byte(`{}`), "type", typ)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return out, nil
	}
	raw, ok := data.(json.RawMessage)
	if !ok {
		if raw, err = json.Marshal(data); err != nil {
			return nil, fmt.Errorf("encode %s: %w", typ, err)
		}
	}
	return sjson.SetRawBytes(out, "data", raw)
}

// IsControl reports whether typ is handled by the transport itself.
func IsControl(typ string) bool {
	switch typ {
	case FrameAuthOK, FrameConnected, FrameAuthError, FramePing, FramePong:
		return true
	}
	return false
}

type decoder func(d gjson.Result) (Event, error)

var decoders = map[string]decoder{
	"chat:message:background":  decodeMessage,
	"chat:message:received":    decodeMessage,
	"chat:reaction:added":      decodeReaction,
	"chat:reaction:received":   decodeReaction,
	"friend:request:received":  decodeFriendRequest,
	"friend:request:accepted":  decodeFriendAccepted,
	"matchmaking:proposal":     decodeMatch,
	"profile:visited":          decodeProfileVisit,
	"voice:incoming-call":      decodeVoiceCall,
	"notification:new":         decodeNotification,
	"message:request:received": decodeMessageRequest,
}

const activityPrefix = "activity:"

// Decode turns a non-control frame into an Event.
func Decode(f Frame, now time.Time) (Event, error) {
	dec, ok := decoders[f.Type]
	if !ok && strings.HasPrefix(f.Type, activityPrefix) {
		dec, ok = decodeActivity(strings.TrimPrefix(f.Type, activityPrefix)), true
	}
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownEvent, f.Type)
	}
	if !f.Data.IsObject() {
		return Event{}, fmt.Errorf("%w: %s: data is not an object", ErrMalformed, f.Type)
	}
	ev, err := dec(f.Data)
	if err != nil {
		return Event{}, fmt.Errorf("%s: %w", f.Type, err)
	}
	ev.Kind = KindOf(ev.Body)
	ev.Name = f.Type
	ev.Raw = json.RawMessage(f.Data.Raw)
	ev.ReceivedAt = now
	return ev, nil
}

func decodeMessage(d gjson.Result) (Event, error) {
	msg := d.Get("message")
	conv := first(msg.Get("chatId"), d.Get("chatId"))
	if conv == "" {
		return Event{}, fmt.Errorf("%w: message without chatId", ErrMalformed)
	}
	id := first(msg.Get("id"), msg.Get("_id"), d.Get("messageId"))
	return Event{
		ID:             id,
		ConversationID: conv,
		Sender: Sender{
			ID:   first(msg.Get("senderId"), d.Get("sender.id")),
			Name: firstNonEmpty(msg.Get("senderName").String(), displayName(d.Get("sender"))),
		},
		Body: MessageBody{
			MessageID: id,
			Text:      first(msg.Get("text"), msg.Get("content")),
		},
	}, nil
}

func decodeReaction(d gjson.Result) (Event, error) {
	r := d.Get("reaction")
	conv := d.Get("chatId").String()
	if !r.IsObject() || conv == "" {
		return Event{}, fmt.Errorf("%w: reaction without chatId or reaction", ErrMalformed)
	}
	return Event{
		ID:             first(r.Get("id"), r.Get("_id")),
		ConversationID: conv,
		Sender: Sender{
			ID:   first(d.Get("sender.id"), r.Get("userId")),
			Name: firstNonEmpty(r.Get("senderName").String(), displayName(d.Get("sender"))),
		},
		Body: ReactionBody{
			Emoji:       firstNonEmpty(r.Get("emoji").String(), "👍"),
			MessageText: first(d.Get("messageText"), d.Get("message.content"), d.Get("message.text")),
		},
	}, nil
}

func decodeFriendRequest(d gjson.Result) (Event, error) {
	req := d.Get("request")
	if !req.IsObject() {
		return Event{}, fmt.Errorf("%w: friend request without request", ErrMalformed)
	}
	id := req.Get("id").String()
	return Event{
		ID:     id,
		Sender: Sender{ID: req.Get("sender.id").String(), Name: displayName(req.Get("sender"))},
		Body:   FriendRequestBody{RequestID: id},
	}, nil
}

func decodeFriendAccepted(d gjson.Result) (Event, error) {
	reqID := d.Get("request.id").String()
	by := d.Get("acceptedBy")
	ev := Event{
		Sender: Sender{ID: by.Get("id").String(), Name: displayName(by)},
		Body:   FriendAcceptedBody{RequestID: reqID},
	}
	// The request id is shared with the friend_request event.
	if reqID != "" {
		ev.ID = "accepted:" + reqID
	}
	return ev, nil
}

func decodeMatch(d gjson.Result) (Event, error) {
	other := d.Get("other")
	matchID := first(d.Get("matchId"), d.Get("id"), other.Get("id"))
	ev := Event{
		Sender: Sender{ID: other.Get("id").String(), Name: displayName(other)},
		Body:   MatchBody{MatchID: matchID},
	}
	if matchID != "" {
		ev.ID = "match:" + matchID
	}
	return ev, nil
}

func decodeProfileVisit(d gjson.Result) (Event, error) {
	v := d.Get("visitor")
	return Event{
		ID:     first(d.Get("visit.id"), d.Get("id")),
		Sender: Sender{ID: v.Get("id").String(), Name: displayName(v)},
		Body:   ProfileVisitBody{VisitorID: v.Get("id").String()},
	}, nil
}

func decodeVoiceCall(d gjson.Result) (Event, error) {
	callID := d.Get("callId").String()
	if callID == "" {
		return Event{}, fmt.Errorf("%w: voice call without callId", ErrMalformed)
	}
	return Event{
		ID:             "call:" + callID,
		ConversationID: d.Get("chatId").String(),
		Sender: Sender{
			ID:   d.Get("callerId").String(),
			Name: firstNonEmpty(d.Get("callerName").String(), "Unknown Caller"),
		},
		Body: VoiceCallBody{CallID: callID},
	}, nil
}

func decodeNotification(d gjson.Result) (Event, error) {
	n := d.Get("notification")
	if !n.IsObject() {
		return Event{}, fmt.Errorf("%w: notification without body", ErrMalformed)
	}
	return Event{
		ID: first(n.Get("id"), n.Get("_id")),
		Sender: Sender{
			ID:   first(n.Get("sender_id"), n.Get("data.userId")),
			Name: n.Get("data.userName").String(),
		},
		Body: GenericBody{
			Title:   n.Get("title").String(),
			Message: n.Get("message").String(),
			Type:    n.Get("type").String(),
		},
	}, nil
}

func decodeMessageRequest(d gjson.Result) (Event, error) {
	return Event{
		ID:     d.Get("requestId").String(),
		Sender: Sender{ID: d.Get("sender_id").String()},
		Body: GenericBody{
			Title:   "New Message Request",
			Message: "Someone wants to send you a message",
			Type:    "message_request",
		},
	}, nil
}

func decodeActivity(sub string) decoder {
	return func(d gjson.Result) (Event, error) {
		u := d.Get("user")
		return Event{
			ID:     d.Get("id").String(),
			Sender: Sender{ID: u.Get("id").String(), Name: displayName(u)},
			Body: GenericBody{
				Title:   "Circle Activity",
				Message: firstNonEmpty(d.Get("message").String(), activityText(sub, displayName(u))),
				Type:    "activity_" + sub,
			},
		}, nil
	}
}

func activityText(sub, who string) string {
	who = firstNonEmpty(who, "Someone")
	switch sub {
	case "user_joined":
		return who + " joined Circle"
	case "friends_connected":
		return who + " made a new connection"
	case "user_matched":
		return who + " found a match"
	case "location_updated":
		return who + " is nearby"
	case "interest_updated":
		return who + " updated their interests"
	default:
		return "New activity on Circle"
	}
}

// displayName renders "first last", falling back to username.
func displayName(u gjson.Result) string {
	if !u.Exists() {
		return ""
	}
	if fn := u.Get("first_name").String(); fn != "" {
		return strings.TrimSpace(fn + " " + u.Get("last_name").String())
	}
	return u.Get("username").String()
}

func first(rs ...gjson.Result) string {
	for _, r := range rs {
		if s := r.String(); r.Exists() && s != "" {
			return s
		}
	}
	return ""
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}
