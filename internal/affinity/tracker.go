// Package affinity tracks the conversation currently open in the UI.
package affinity

import "sync/atomic"

// Tracker holds the active conversation id. The empty string means no
// conversation is open. One view writes at a time; any number of readers.
type Tracker struct {
	active atomic.Pointer[string]
}

func New() *Tracker { return &Tracker{} }

// SetActive records the open conversation; "" clears it.
func (t *Tracker) SetActive(conversationID string) {
	if conversationID == "" {
		t.active.Store(nil)
		return
	}
	t.active.Store(&conversationID)
}

// Clear clears the affinity only if it still points at conversationID, so a
// view leaving late does not wipe the affinity of the view that replaced it.
func (t *Tracker) Clear(conversationID string) bool {
	cur := t.active.Load()
	if cur == nil || *cur != conversationID {
		return false
	}
	return t.active.CompareAndSwap(cur, nil)
}

func (t *Tracker) Active() string {
	if p := t.active.Load(); p != nil {
		return *p
	}
	return ""
}
