package thread

import (
	"context"

	"github.com/crossbot/crossbot/internal/chat"
)

// SentMessage is a handle on a message this bot just posted, so handler
// code can manipulate it without re-deriving platform IDs.
type SentMessage struct {
	thread *Thread
	posted *chat.PostedMessage
}

// ID returns the platform message ID.
func (m *SentMessage) ID() string { return m.posted.ID }

// ThreadID returns the thread the message was posted to.
func (m *SentMessage) ThreadID() string { return m.posted.ThreadID }

// Raw returns the platform-opaque post result.
func (m *SentMessage) Raw() any { return m.posted.Raw }

// Edit replaces the message content.
func (m *SentMessage) Edit(ctx context.Context, p chat.Postable) error {
	return m.thread.adapter.EditMessage(ctx, m.posted.ThreadID, m.posted.ID, p)
}

// Delete removes the message.
func (m *SentMessage) Delete(ctx context.Context) error {
	return m.thread.adapter.DeleteMessage(ctx, m.posted.ThreadID, m.posted.ID)
}

// AddReaction reacts to the message with a normalized emoji name.
func (m *SentMessage) AddReaction(ctx context.Context, emoji string) error {
	return m.thread.adapter.AddReaction(ctx, m.posted.ThreadID, m.posted.ID, emoji)
}

// RemoveReaction removes a reaction from the message.
func (m *SentMessage) RemoveReaction(ctx context.Context, emoji string) error {
	return m.thread.adapter.RemoveReaction(ctx, m.posted.ThreadID, m.posted.ID, emoji)
}
