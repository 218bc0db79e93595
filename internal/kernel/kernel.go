// Package kernel implements the event-routing core: deduplication,
// self-filtering, per-thread lease serialization, subscription routing,
// mention detection and handler invocation.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crossbot/crossbot/internal/chat"
	"github.com/crossbot/crossbot/internal/metrics"
	"github.com/crossbot/crossbot/internal/state"
	"github.com/crossbot/crossbot/internal/thread"
)

const (
	// DedupeTTL bounds the window in which a redelivered message is
	// recognized as a duplicate.
	DedupeTTL = 60 * time.Second

	// LeaseTTL must exceed expected handler runtime. Handlers that run
	// longer extend their lease via the state store.
	LeaseTTL = 30 * time.Second
)

// Kernel is the central dispatcher. One instance serves every adapter.
type Kernel struct {
	store    state.Store
	registry *Registry
	mentions *mentionMatcher
	log      *slog.Logger

	wg sync.WaitGroup
}

// New creates a kernel over the given state store and registry.
func New(store state.Store, registry *Registry) *Kernel {
	return &Kernel{
		store:    store,
		registry: registry,
		mentions: newMentionMatcher(),
		log:      slog.With("component", "kernel"),
	}
}

// Registry returns the handler registry.
func (k *Kernel) Registry() *Registry { return k.registry }

// Go runs task on a tracked background goroutine. It satisfies the
// WaitUntil hook shape, so the runtime can hand webhook dispatches to
// the kernel's own pool when no host-provided hook exists.
func (k *Kernel) Go(task func()) {
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		task()
	}()
}

// Wait blocks until all background dispatches have finished.
func (k *Kernel) Wait() {
	k.wg.Wait()
}

// ProcessMessage routes one normalized message through the dispatch
// algorithm. With a WaitUntil hook the dispatch runs as a background
// task and ProcessMessage returns immediately; otherwise it runs in the
// caller's goroutine and returns the dispatch outcome, including
// *chat.LockError on lease contention.
func (k *Kernel) ProcessMessage(ctx context.Context, a chat.Adapter, threadID string, msg chat.Message, opts *chat.WebhookOptions) error {
	if opts != nil && opts.WaitUntil != nil {
		opts.WaitUntil(func() {
			k.logDispatchErr(k.dispatchMessage(context.WithoutCancel(ctx), a, threadID, msg), a, threadID, msg.ID)
		})
		return nil
	}
	return k.dispatchMessage(ctx, a, threadID, msg)
}

// ProcessReaction routes a reaction event. Reactions skip dedup (they
// are low-volume and platforms deduplicate) but still serialize on the
// thread lease.
func (k *Kernel) ProcessReaction(ctx context.Context, a chat.Adapter, r chat.Reaction, opts *chat.WebhookOptions) error {
	if opts != nil && opts.WaitUntil != nil {
		opts.WaitUntil(func() {
			k.logDispatchErr(k.dispatchReaction(context.WithoutCancel(ctx), a, r), a, r.ThreadID, r.MessageID)
		})
		return nil
	}
	return k.dispatchReaction(ctx, a, r)
}

// ProcessAction routes a card-button click. Same outline as reactions.
func (k *Kernel) ProcessAction(ctx context.Context, a chat.Adapter, action chat.Action, opts *chat.WebhookOptions) error {
	if opts != nil && opts.WaitUntil != nil {
		opts.WaitUntil(func() {
			k.logDispatchErr(k.dispatchAction(context.WithoutCancel(ctx), a, action), a, action.ThreadID, action.MessageID)
		})
		return nil
	}
	return k.dispatchAction(ctx, a, action)
}

// logDispatchErr is the top of every background dispatch task: log and
// move on, never bubble into the webhook response. Lease conflicts are
// expected under redelivery and log at warn; everything else is an
// error.
func (k *Kernel) logDispatchErr(err error, a chat.Adapter, threadID, messageID string) {
	if err == nil {
		return
	}
	var lockErr *chat.LockError
	if errors.As(err, &lockErr) {
		k.log.Warn("thread lease held elsewhere, dropping event",
			"adapter", a.Name(), "thread_id", threadID, "message_id", messageID)
		return
	}
	k.log.Error("dispatch failed",
		"adapter", a.Name(), "thread_id", threadID, "message_id", messageID, "error", err)
}

func (k *Kernel) dispatchMessage(ctx context.Context, a chat.Adapter, threadID string, msg chat.Message) (err error) {
	// Self filter: nothing this bot says is ever delivered back to it.
	if msg.Author.IsMe {
		return nil
	}

	start := time.Now()
	metrics.ActiveDispatches.Inc()
	defer func() {
		metrics.ActiveDispatches.Dec()
		metrics.DispatchDuration.WithLabelValues(a.Name()).Observe(time.Since(start).Seconds())
	}()

	// Dedup read precedes the lease: a duplicate is a cheap KV hit and
	// must not contend on the serializing section.
	dedupeKey := "dedupe:" + a.Name() + ":" + msg.ID
	seen, err := k.store.Get(ctx, dedupeKey)
	if err != nil {
		return fmt.Errorf("dedupe read: %w", err)
	}
	if seen != nil {
		metrics.DedupeHitsTotal.WithLabelValues(a.Name()).Inc()
		k.log.Debug("duplicate delivery absorbed",
			"adapter", a.Name(), "message_id", msg.ID)
		return nil
	}

	lease, err := k.store.AcquireLease(ctx, threadID, LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if lease == nil {
		metrics.LeaseConflictsTotal.WithLabelValues(a.Name()).Inc()
		return chat.NewLockError(threadID)
	}
	defer func() {
		if relErr := k.store.ReleaseLease(ctx, lease); relErr != nil && err == nil {
			err = fmt.Errorf("release lease: %w", relErr)
		}
	}()

	// The dedup entry is written only after the lease is won. A lease
	// conflict therefore leaves no entry behind, and the platform's
	// redelivery of this event can still be processed later.
	if err := k.store.Set(ctx, dedupeKey, []byte("1"), DedupeTTL); err != nil {
		// Best-effort: losing the write means a redelivery may run
		// handlers twice. Handlers are expected to be idempotent.
		k.log.Warn("dedupe write failed",
			"adapter", a.Name(), "message_id", msg.ID, "error", err)
	}

	subscribed, err := k.store.IsSubscribed(ctx, threadID)
	if err != nil {
		return fmt.Errorf("subscription check: %w", err)
	}

	// Subscription dominates: a subscribed thread is owned by its
	// subscribed-message handlers, which inspect msg.IsMention when
	// they need mention-specific behavior.
	if subscribed {
		msg.IsMention = k.mentions.detect(a, msg.Text)
		t := thread.New(a, k.store, threadID,
			thread.WithRecentMessages([]chat.Message{msg}),
			thread.KnownSubscribed())
		return k.runMessageHandlers(ctx, a, "subscribed", k.registry.subscribedHandlers(), t, msg)
	}

	t := thread.New(a, k.store, threadID, thread.WithRecentMessages([]chat.Message{msg}))

	if k.mentions.detect(a, msg.Text) {
		msg.IsMention = true
		return k.runMessageHandlers(ctx, a, "mention", k.registry.mentionHandlers(), t, msg)
	}

	// Pattern phase: every matching pattern fires, in registration
	// order, without short-circuit. The phase counts as a dispatch only
	// when at least one pattern matched.
	matched := false
	for _, entry := range k.registry.patternHandlers() {
		if !entry.pattern.MatchString(msg.Text) {
			continue
		}
		if !matched {
			matched = true
			metrics.DispatchesTotal.WithLabelValues(a.Name(), "pattern").Inc()
		}
		if err := entry.handler(ctx, t, msg); err != nil {
			metrics.HandlerErrorsTotal.WithLabelValues(a.Name(), "pattern").Inc()
			return fmt.Errorf("pattern handler: %w", err)
		}
	}
	return nil
}

func (k *Kernel) runMessageHandlers(ctx context.Context, a chat.Adapter, phase string, handlers []MessageHandler, t *thread.Thread, msg chat.Message) error {
	metrics.DispatchesTotal.WithLabelValues(a.Name(), phase).Inc()
	for _, h := range handlers {
		if err := h(ctx, t, msg); err != nil {
			metrics.HandlerErrorsTotal.WithLabelValues(a.Name(), phase).Inc()
			return fmt.Errorf("%s handler: %w", phase, err)
		}
	}
	return nil
}

func (k *Kernel) dispatchReaction(ctx context.Context, a chat.Adapter, r chat.Reaction) (err error) {
	if r.User.IsMe {
		return nil
	}

	lease, err := k.store.AcquireLease(ctx, r.ThreadID, LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if lease == nil {
		metrics.LeaseConflictsTotal.WithLabelValues(a.Name()).Inc()
		return chat.NewLockError(r.ThreadID)
	}
	defer func() {
		if relErr := k.store.ReleaseLease(ctx, lease); relErr != nil && err == nil {
			err = fmt.Errorf("release lease: %w", relErr)
		}
	}()

	metrics.DispatchesTotal.WithLabelValues(a.Name(), "reaction").Inc()
	t := thread.New(a, k.store, r.ThreadID)
	for _, entry := range k.registry.reactionHandlers() {
		if !entry.matches(r) {
			continue
		}
		if err := entry.handler(ctx, t, r); err != nil {
			metrics.HandlerErrorsTotal.WithLabelValues(a.Name(), "reaction").Inc()
			return fmt.Errorf("reaction handler: %w", err)
		}
	}
	return nil
}

func (k *Kernel) dispatchAction(ctx context.Context, a chat.Adapter, action chat.Action) (err error) {
	if action.User.IsMe {
		return nil
	}

	lease, err := k.store.AcquireLease(ctx, action.ThreadID, LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if lease == nil {
		metrics.LeaseConflictsTotal.WithLabelValues(a.Name()).Inc()
		return chat.NewLockError(action.ThreadID)
	}
	defer func() {
		if relErr := k.store.ReleaseLease(ctx, lease); relErr != nil && err == nil {
			err = fmt.Errorf("release lease: %w", relErr)
		}
	}()

	metrics.DispatchesTotal.WithLabelValues(a.Name(), "action").Inc()
	t := thread.New(a, k.store, action.ThreadID)
	for _, entry := range k.registry.actionHandlers() {
		if !entry.matches(action) {
			continue
		}
		if err := entry.handler(ctx, t, action); err != nil {
			metrics.HandlerErrorsTotal.WithLabelValues(a.Name(), "action").Inc()
			return fmt.Errorf("action handler: %w", err)
		}
	}
	return nil
}
