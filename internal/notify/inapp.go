package notify

import (
	"context"
	"sync"
)

// DefaultInboxSize caps the number of messages kept per user.
const DefaultInboxSize = 100

// InAppMessenger keeps a bounded per-user inbox in memory. Recipients
// without a user id are ignored.
type InAppMessenger struct {
	mu      sync.RWMutex
	inboxes map[string][]Message
	size    int
}

// NewInAppMessenger creates an inbox store keeping at most size messages per
// user.
func NewInAppMessenger(size int) *InAppMessenger {
	if size < 1 {
		size = DefaultInboxSize
	}
	return &InAppMessenger{inboxes: make(map[string][]Message), size: size}
}

// Name implements Messenger.
func (m *InAppMessenger) Name() string { return "inapp" }

// Send appends msg to each recipient's inbox.
func (m *InAppMessenger) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range msg.Recipients {
		if r.UserID == "" {
			continue
		}
		inbox := append(m.inboxes[r.UserID], msg)
		if len(inbox) > m.size {
			inbox = inbox[len(inbox)-m.size:]
		}
		m.inboxes[r.UserID] = inbox
	}
	return nil
}

// Inbox returns up to limit messages for userID, newest first. A limit of 0
// returns everything.
func (m *InAppMessenger) Inbox(userID string, limit int) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inbox := m.inboxes[userID]
	n := len(inbox)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Message, 0, n)
	for i := len(inbox) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, inbox[i])
	}
	return out
}
