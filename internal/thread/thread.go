// Package thread provides the per-dispatch handle passed into
// handlers: one adapter + one thread ID, with subscription management,
// posting, typing and lazily paged history.
package thread

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/crossbot/crossbot/internal/chat"
	"github.com/crossbot/crossbot/internal/state"
)

// Thread is a handle on one platform conversation. Construct with New;
// the zero value is not usable.
type Thread struct {
	id      string
	adapter chat.Adapter
	store   state.Store

	// knownSubscribed short-circuits IsSubscribed when the thread was
	// constructed inside a subscribed-message dispatch.
	knownSubscribed bool

	recent []chat.Message
	info   *chat.ThreadInfo
}

// Option configures a Thread at construction.
type Option func(*Thread)

// WithRecentMessages seeds the messages already in hand when the thread
// was constructed (typically the triggering message).
func WithRecentMessages(msgs []chat.Message) Option {
	return func(t *Thread) { t.recent = msgs }
}

// KnownSubscribed marks the thread as subscribed without consulting the
// state store. Used by the dispatcher for subscribed-message dispatch.
func KnownSubscribed() Option {
	return func(t *Thread) { t.knownSubscribed = true }
}

// New creates a thread handle.
func New(adapter chat.Adapter, store state.Store, threadID string, opts ...Option) *Thread {
	t := &Thread{id: threadID, adapter: adapter, store: store}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ID returns the thread's opaque identifier.
func (t *Thread) ID() string { return t.id }

// Adapter returns the adapter owning this thread.
func (t *Thread) Adapter() chat.Adapter { return t.adapter }

// RecentMessages returns the messages known at construction time,
// without any fetch.
func (t *Thread) RecentMessages() []chat.Message { return t.recent }

// ChannelID returns the platform channel identity, fetching thread
// info on first use.
func (t *Thread) ChannelID(ctx context.Context) (string, error) {
	info, err := t.threadInfo(ctx)
	if err != nil {
		return "", err
	}
	return info.ChannelID, nil
}

// IsDM reports whether the thread is a direct message. Adapters that
// can answer from the thread ID alone do so without a fetch.
func (t *Thread) IsDM(ctx context.Context) (bool, error) {
	if c, ok := t.adapter.(chat.DMChecker); ok {
		return c.IsDM(t.id), nil
	}
	info, err := t.threadInfo(ctx)
	if err != nil {
		return false, err
	}
	return info.IsDM, nil
}

// Refresh discards cached thread info so the next accessor refetches.
func (t *Thread) Refresh() { t.info = nil }

func (t *Thread) threadInfo(ctx context.Context) (*chat.ThreadInfo, error) {
	if t.info != nil {
		return t.info, nil
	}
	info, err := t.adapter.FetchThread(ctx, t.id)
	if err != nil {
		return nil, fmt.Errorf("fetch thread %s: %w", t.id, err)
	}
	t.info = info
	return info, nil
}

// IsSubscribed reports whether the thread is in the subscription set.
func (t *Thread) IsSubscribed(ctx context.Context) (bool, error) {
	if t.knownSubscribed {
		return true, nil
	}
	return t.store.IsSubscribed(ctx, t.id)
}

// Subscribe adds the thread to the subscription set, then gives the
// adapter a chance to register platform-side event subscriptions. The
// hook is at-least-once: a hook failure is logged but the subscription
// persists, and a later Subscribe retries the hook.
func (t *Thread) Subscribe(ctx context.Context) error {
	if err := t.store.Subscribe(ctx, t.id); err != nil {
		return fmt.Errorf("subscribe %s: %w", t.id, err)
	}
	t.knownSubscribed = true

	if hook, ok := t.adapter.(chat.ThreadSubscribeHook); ok {
		if err := hook.OnThreadSubscribe(ctx, t.id); err != nil {
			slog.Warn("thread subscribe hook failed",
				"adapter", t.adapter.Name(), "thread_id", t.id, "error", err)
		}
	}
	return nil
}

// Unsubscribe removes the thread from the subscription set.
func (t *Thread) Unsubscribe(ctx context.Context) error {
	t.knownSubscribed = false
	if err := t.store.Unsubscribe(ctx, t.id); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", t.id, err)
	}
	return nil
}

// Post sends a postable to the thread and returns a handle on the sent
// message.
func (t *Thread) Post(ctx context.Context, p chat.Postable) (*SentMessage, error) {
	posted, err := t.adapter.PostMessage(ctx, t.id, p)
	if err != nil {
		return nil, err
	}
	return &SentMessage{thread: t, posted: posted}, nil
}

// PostText is shorthand for posting a plain string.
func (t *Thread) PostText(ctx context.Context, text string) (*SentMessage, error) {
	return t.Post(ctx, chat.TextPost(text))
}

// StartTyping shows the platform's typing indicator where supported.
func (t *Thread) StartTyping(ctx context.Context) error {
	return t.adapter.StartTyping(ctx, t.id)
}

// MentionUser renders a mention of the given user in the platform's
// plain-text convention.
func (t *Thread) MentionUser(userID string) string {
	if m, ok := t.adapter.(chat.MentionRenderer); ok {
		return m.MentionUser(userID)
	}
	return "@" + userID
}

// AllMessages lazily pages the full thread history in forward order.
// Iteration stops early on the first fetch error, which is yielded to
// the caller.
func (t *Thread) AllMessages(ctx context.Context) iter.Seq2[chat.Message, error] {
	return func(yield func(chat.Message, error) bool) {
		cursor := ""
		for {
			page, err := t.adapter.FetchMessages(ctx, t.id, chat.FetchOptions{
				Limit:     100,
				Cursor:    cursor,
				Direction: chat.FetchForward,
			})
			if err != nil {
				yield(chat.Message{}, err)
				return
			}
			for _, msg := range page.Messages {
				if !yield(msg, nil) {
					return
				}
			}
			if page.NextCursor == "" {
				return
			}
			cursor = page.NextCursor
		}
	}
}
