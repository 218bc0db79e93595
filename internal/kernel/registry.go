package kernel

import (
	"context"
	"regexp"
	"sync"

	"github.com/crossbot/crossbot/internal/chat"
	"github.com/crossbot/crossbot/internal/chat/emoji"
	"github.com/crossbot/crossbot/internal/thread"
)

// MessageHandler is a user callback for message events.
type MessageHandler func(ctx context.Context, t *thread.Thread, msg chat.Message) error

// ReactionHandler is a user callback for reaction events.
type ReactionHandler func(ctx context.Context, t *thread.Thread, r chat.Reaction) error

// ActionHandler is a user callback for card-button clicks.
type ActionHandler func(ctx context.Context, t *thread.Thread, a chat.Action) error

type patternEntry struct {
	pattern *regexp.Regexp
	handler MessageHandler
}

type reactionEntry struct {
	emojis  []string // normalized names; nil matches all
	handler ReactionHandler
}

type actionEntry struct {
	ids     []string // action IDs; nil matches all
	handler ActionHandler
}

// Registry stores user-registered handlers in insertion order. There is
// no deregistration. Registration is typically done at startup, but the
// registry is safe for concurrent use with dispatch.
type Registry struct {
	mu         sync.RWMutex
	mention    []MessageHandler
	pattern    []patternEntry
	subscribed []MessageHandler
	reaction   []reactionEntry
	action     []actionEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// OnNewMention registers a handler for messages mentioning the bot in
// unsubscribed threads.
func (r *Registry) OnNewMention(h MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mention = append(r.mention, h)
}

// OnNewMessage registers a pattern handler for messages in unsubscribed
// threads. Every matching pattern fires; registration order is
// execution order.
func (r *Registry) OnNewMessage(pattern *regexp.Regexp, h MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pattern = append(r.pattern, patternEntry{pattern: pattern, handler: h})
}

// OnSubscribedMessage registers a handler for every message in a
// subscribed thread.
func (r *Registry) OnSubscribedMessage(h MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribed = append(r.subscribed, h)
}

// OnReaction registers a reaction handler. names lists accepted
// normalized emoji names; nil accepts every reaction.
func (r *Registry) OnReaction(names []string, h ReactionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reaction = append(r.reaction, reactionEntry{emojis: names, handler: h})
}

// OnAction registers a card-button handler. ids lists accepted action
// IDs; nil accepts every action.
func (r *Registry) OnAction(ids []string, h ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.action = append(r.action, actionEntry{ids: ids, handler: h})
}

func (r *Registry) mentionHandlers() []MessageHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mention
}

func (r *Registry) patternHandlers() []patternEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pattern
}

func (r *Registry) subscribedHandlers() []MessageHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subscribed
}

func (r *Registry) reactionHandlers() []reactionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reaction
}

func (r *Registry) actionHandlers() []actionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.action
}

func (e reactionEntry) matches(r chat.Reaction) bool {
	if e.emojis == nil {
		return true
	}
	for _, name := range e.emojis {
		if r.Emoji == name || emoji.Matches(r.RawEmoji, name) {
			return true
		}
	}
	return false
}

func (e actionEntry) matches(a chat.Action) bool {
	if e.ids == nil {
		return true
	}
	for _, id := range e.ids {
		if a.ActionID == id {
			return true
		}
	}
	return false
}
