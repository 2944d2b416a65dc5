package delivery

import (
	"time"
	"unicode/utf8"

	"circlelink/internal/event"
)

// Native category ids, one per platform notification channel.
const (
	CategoryMessages       = "messages"
	CategoryFriendRequests = "friend_requests"
	CategoryMatches        = "matches"
	CategoryActivities     = "activities"
	CategoryProfileVisits  = "profile_visits"
	CategoryVoiceCalls     = "voice_calls"
)

const (
	messagePreviewLen  = 50
	reactionPreviewLen = 30

	messageToastDuration  = 5 * time.Second
	reactionToastDuration = 4 * time.Second
	defaultToastDuration  = 5 * time.Second
)

// TagFor builds the idempotence tag for ev as kind:conversation|sender. Events
// without a conversation are scoped by sender alone.
func TagFor(ev event.Event) string {
	tag := ev.Kind.String() + ":" + ev.ConversationID
	if ev.Sender.ID != "" {
		tag += "|" + ev.Sender.ID
	}
	return tag
}

// Format renders ev into a Notification.
func Format(ev event.Event) Notification {
	n := Notification{
		Kind:           ev.Kind,
		EventID:        ev.ID,
		ConversationID: ev.ConversationID,
		SenderID:       ev.Sender.ID,
		Tag:            TagFor(ev),
		Duration:       defaultToastDuration,
		Data:           map[string]string{"type": ev.Kind.String()},
	}
	who := ev.Sender.Name
	if who == "" {
		who = "Someone"
	}

	switch b := ev.Body.(type) {
	case event.MessageBody:
		n.Title = "💬 " + who
		n.Body = truncate(b.Text, messagePreviewLen)
		n.Category = CategoryMessages
		n.BrowserTag = "message_" + ev.ConversationID
		n.Duration = messageToastDuration
		n.Data["chatId"] = ev.ConversationID
	case event.ReactionBody:
		n.Title = b.Emoji + " " + who
		n.Body = `Reacted to: "` + truncate(b.MessageText, reactionPreviewLen) + `"`
		n.Category = CategoryMessages
		n.BrowserTag = "reaction_" + ev.ConversationID
		n.Duration = reactionToastDuration
		n.Data["chatId"] = ev.ConversationID
	case event.FriendRequestBody:
		n.Title = "👥 New Friend Request"
		n.Body = who + " wants to be your friend"
		n.Category = CategoryFriendRequests
		n.BrowserTag = "friend_request_" + b.RequestID
		n.Data["requestId"] = b.RequestID
	case event.FriendAcceptedBody:
		n.Title = "✅ Friend Request Accepted"
		n.Body = who + " accepted your friend request"
		n.Category = CategoryFriendRequests
		n.BrowserTag = "friend_accepted_" + ev.Sender.ID
	case event.MatchBody:
		n.Title = "💕 New Match!"
		n.Body = "You matched with " + who
		n.Category = CategoryMatches
		n.BrowserTag = "match_" + b.MatchID
		n.Data["matchId"] = b.MatchID
	case event.ProfileVisitBody:
		n.Title = "👀 Profile Visit"
		n.Body = who + " viewed your profile"
		n.Category = CategoryProfileVisits
		n.BrowserTag = "profile_visit_" + b.VisitorID
	case event.VoiceCallBody:
		caller := ev.Sender.Name
		if caller == "" {
			caller = "Unknown Caller"
		}
		n.Title = "📞 Incoming Voice Call"
		n.Body = caller + " is calling you"
		n.Category = CategoryVoiceCalls
		n.BrowserTag = "voice_call_" + b.CallID
		n.Data["callId"] = b.CallID
	case event.GenericBody:
		n.Title = b.Title
		if n.Title == "" {
			n.Title = "Circle"
		}
		n.Body = b.Message
		n.Category = CategoryActivities
		n.BrowserTag = "generic_" + b.Type + "_" + ev.ID
		if b.Type != "" {
			n.Data["type"] = b.Type
		}
	default:
		n.Title = "Circle"
		n.Category = CategoryActivities
	}
	if ev.Sender.ID != "" {
		n.Data["senderId"] = ev.Sender.ID
	}
	return n
}

// truncate cuts s to max runes and appends "..." when it did.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "..."
}
