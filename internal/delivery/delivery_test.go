package delivery

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circlelink/internal/event"
	"circlelink/internal/notifier"
	logx "circlelink/pkg/logx"
)

func msgEvent(id, conv, text string) event.Event {
	return event.Event{
		Kind:           event.KindMessage,
		ID:             id,
		ConversationID: conv,
		Sender:         event.Sender{ID: "u1", Name: "Ana Lima"},
		Body:           event.MessageBody{MessageID: id, Text: text},
	}
}

func TestFormatPerKind(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 60)
	cases := []struct {
		name     string
		ev       event.Event
		title    string
		body     string
		category string
		btag     string
	}{
		{
			name:  "message truncated",
			ev:    msgEvent("m1", "c1", long),
			title: "💬 Ana Lima", body: strings.Repeat("x", 50) + "...",
			category: CategoryMessages, btag: "message_c1",
		},
		{
			name: "reaction",
			ev: event.Event{Kind: event.KindReaction, ConversationID: "c1", Sender: event.Sender{Name: "Bo"},
				Body: event.ReactionBody{Emoji: "❤️", MessageText: "see you"}},
			title: "❤️ Bo", body: `Reacted to: "see you"`,
			category: CategoryMessages, btag: "reaction_c1",
		},
		{
			name: "friend request",
			ev: event.Event{Kind: event.KindFriendRequest, ID: "f1", Sender: event.Sender{ID: "u2", Name: "Cy"},
				Body: event.FriendRequestBody{RequestID: "f1"}},
			title: "👥 New Friend Request", body: "Cy wants to be your friend",
			category: CategoryFriendRequests, btag: "friend_request_f1",
		},
		{
			name:  "match without name",
			ev:    event.Event{Kind: event.KindMatch, ID: "match:9", Body: event.MatchBody{MatchID: "9"}},
			title: "💕 New Match!", body: "You matched with Someone",
			category: CategoryMatches, btag: "match_9",
		},
		{
			name:  "voice call",
			ev:    event.Event{Kind: event.KindVoiceCall, ID: "call:k", Body: event.VoiceCallBody{CallID: "k"}},
			title: "📞 Incoming Voice Call", body: "Unknown Caller is calling you",
			category: CategoryVoiceCalls, btag: "voice_call_k",
		},
		{
			name: "generic",
			ev: event.Event{Kind: event.KindGeneric, ID: "n1",
				Body: event.GenericBody{Title: "Circle Activity", Message: "Dee joined Circle", Type: "activity_user_joined"}},
			title: "Circle Activity", body: "Dee joined Circle",
			category: CategoryActivities, btag: "generic_activity_user_joined_n1",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := Format(tc.ev)
			assert.Equal(t, tc.title, n.Title)
			assert.Equal(t, tc.body, n.Body)
			assert.Equal(t, tc.category, n.Category)
			assert.Equal(t, tc.btag, n.BrowserTag)
		})
	}
}

func TestTagFor(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "message:c1|u1", TagFor(msgEvent("m1", "c1", "hi")))
	assert.Equal(t, TagFor(msgEvent("m1", "c1", "hi")), TagFor(msgEvent("m2", "c1", "again")),
		"same sender in the same conversation shares a tag")
	assert.Equal(t, "friend_request:|u2", TagFor(event.Event{Kind: event.KindFriendRequest, ID: "f1", Sender: event.Sender{ID: "u2"}}))
	assert.Equal(t, "profile_visit:|u3", TagFor(event.Event{Kind: event.KindProfileVisit, Sender: event.Sender{ID: "u3"}}))
}

func TestToastsTagIdempotence(t *testing.T) {
	t.Parallel()
	ts := NewToasts(ToastConfig{}, logx.Nop(), nil)
	n := Format(msgEvent("m1", "c1", "hi"))

	require.NoError(t, ts.Show(context.Background(), n))
	assert.ErrorIs(t, ts.Show(context.Background(), n), ErrDuplicateTag)
	assert.Len(t, ts.Items(), 1)
}

func TestToastsSameConversationWithinWindow(t *testing.T) {
	t.Parallel()
	ts := NewToasts(ToastConfig{}, logx.Nop(), nil)
	require.NoError(t, ts.Show(context.Background(), Format(msgEvent("m1", "c1", "one"))))
	assert.ErrorIs(t, ts.Show(context.Background(), Format(msgEvent("m2", "c1", "two"))), ErrDuplicateTag)
	require.NoError(t, ts.Show(context.Background(), Format(msgEvent("m3", "c2", "three"))))
}

func TestToastsEvictOldestBeyondMax(t *testing.T) {
	t.Parallel()
	ts := NewToasts(ToastConfig{MaxVisible: 3}, logx.Nop(), nil)
	for _, c := range []string{"c1", "c2", "c3", "c4"} {
		require.NoError(t, ts.Show(context.Background(), Format(msgEvent("m-"+c, c, "hi"))))
	}
	items := ts.Items()
	require.Len(t, items, 3)
	assert.Equal(t, "c2", items[0].ConversationID)
	assert.Equal(t, "c4", items[2].ConversationID)

	assert.True(t, ts.Dismiss(items[1].ID))
	assert.False(t, ts.Dismiss(items[1].ID))
	assert.Len(t, ts.Items(), 2)
}

func TestToastsExpire(t *testing.T) {
	t.Parallel()
	now := time.Now()
	ts := NewToasts(ToastConfig{}, logx.Nop(), nil)
	ts.now = func() time.Time { return now }

	require.NoError(t, ts.Show(context.Background(), Format(msgEvent("m1", "c1", "hi"))))
	now = now.Add(6 * time.Second)
	assert.Empty(t, ts.Items())
}

func TestBrowserRequiresPermission(t *testing.T) {
	t.Parallel()
	host := NewHost(HostState{Surface: SurfaceWeb, Permission: PermissionDenied})
	b := NewBrowser(BrowserConfig{}, host, logx.Nop(), nil)

	assert.ErrorIs(t, b.Show(context.Background(), Format(msgEvent("m1", "c1", "hi"))), ErrPermissionDenied)
	host.SetPermission(PermissionGranted)
	require.NoError(t, b.Show(context.Background(), Format(msgEvent("m1", "c1", "hi"))))
}

func TestBrowserReplacesSameTagAndAutoCloses(t *testing.T) {
	t.Parallel()
	host := NewHost(HostState{Permission: PermissionGranted})
	b := NewBrowser(BrowserConfig{AutoClose: 30 * time.Millisecond}, host, logx.Nop(), nil)

	require.NoError(t, b.Show(context.Background(), Format(msgEvent("m1", "c1", "one"))))
	second := msgEvent("m2", "c1", "two")
	second.Sender = event.Sender{ID: "u9", Name: "Rui"}
	require.NoError(t, b.Show(context.Background(), Format(second)))
	open := b.Open()
	require.Len(t, open, 1)
	assert.Equal(t, "two", open[0].Body)

	require.Eventually(t, func() bool { return len(b.Open()) == 0 }, time.Second, 5*time.Millisecond)
}

type capturePoster struct {
	mu  sync.Mutex
	got []notifier.Notification
}

func (p *capturePoster) Post(_ context.Context, n notifier.Notification) error {
	p.mu.Lock()
	p.got = append(p.got, n)
	p.mu.Unlock()
	return nil
}

func (p *capturePoster) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.got)
}

func TestNativePostsOncePerTag(t *testing.T) {
	t.Parallel()
	p := &capturePoster{}
	svc := notifier.New(notifier.Config{RatePerSec: 100}, p, logx.Nop(), nil)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	ch := NewNative(svc, logx.Nop())
	n := Format(event.Event{Kind: event.KindVoiceCall, ID: "call:k", Body: event.VoiceCallBody{CallID: "k"}})
	require.NoError(t, ch.Show(context.Background(), n))
	assert.ErrorIs(t, ch.Show(context.Background(), n), ErrDuplicateTag)

	require.Eventually(t, func() bool { return p.count() == 1 }, time.Second, 5*time.Millisecond)
	p.mu.Lock()
	assert.Equal(t, CategoryVoiceCalls, p.got[0].Category)
	assert.Equal(t, 9, p.got[0].Priority)
	p.mu.Unlock()
}

func TestNativeStoppedPipelineReleasesTag(t *testing.T) {
	t.Parallel()
	svc := notifier.New(notifier.Config{}, &capturePoster{}, logx.Nop(), nil)
	ch := NewNative(svc, logx.Nop())
	n := Format(msgEvent("m1", "c1", "hi"))

	assert.ErrorIs(t, ch.Show(context.Background(), n), notifier.ErrStopped)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())
	assert.NoError(t, ch.Show(context.Background(), n))
}

func TestParsePermission(t *testing.T) {
	t.Parallel()
	assert.Equal(t, PermissionGranted, ParsePermission("granted"))
	assert.Equal(t, PermissionDenied, ParsePermission("denied"))
	assert.Equal(t, PermissionDefault, ParsePermission("whatever"))
}
