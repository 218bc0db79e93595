package kernel

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossbot/crossbot/internal/chat"
	"github.com/crossbot/crossbot/internal/metrics"
	"github.com/crossbot/crossbot/internal/state/memory"
	"github.com/crossbot/crossbot/internal/thread"
)

// fakeAdapter satisfies chat.Adapter with canned responses. Egress
// calls record themselves so tests can assert on them.
type fakeAdapter struct {
	name      string
	userName  string
	botUserID string

	mu     sync.Mutex
	posted []chat.Postable
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{name: "fake", userName: "bot", botUserID: "U0BOT"}
}

func (a *fakeAdapter) Name() string          { return a.name }
func (a *fakeAdapter) UserName() string      { return a.userName }
func (a *fakeAdapter) BotUserID() string     { return a.botUserID }
func (a *fakeAdapter) Initialize(chat.Kernel) {}

func (a *fakeAdapter) HandleWebhook(w http.ResponseWriter, r *http.Request, opts *chat.WebhookOptions) {
	w.WriteHeader(http.StatusOK)
}

func (a *fakeAdapter) PostMessage(ctx context.Context, threadID string, p chat.Postable) (*chat.PostedMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.posted = append(a.posted, p)
	return &chat.PostedMessage{ID: "posted-1", ThreadID: threadID}, nil
}

func (a *fakeAdapter) EditMessage(ctx context.Context, threadID, messageID string, p chat.Postable) error {
	return nil
}
func (a *fakeAdapter) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	return nil
}
func (a *fakeAdapter) AddReaction(ctx context.Context, threadID, messageID, emoji string) error {
	return nil
}
func (a *fakeAdapter) RemoveReaction(ctx context.Context, threadID, messageID, emoji string) error {
	return nil
}
func (a *fakeAdapter) StartTyping(ctx context.Context, threadID string) error { return nil }

func (a *fakeAdapter) FetchMessages(ctx context.Context, threadID string, opts chat.FetchOptions) (*chat.MessagePage, error) {
	return &chat.MessagePage{}, nil
}

func (a *fakeAdapter) FetchThread(ctx context.Context, threadID string) (*chat.ThreadInfo, error) {
	return &chat.ThreadInfo{ChannelID: "C1"}, nil
}

func (a *fakeAdapter) DecodeThreadID(threadID string) error { return nil }
func (a *fakeAdapter) RenderFormatted(f chat.Formatted) (string, error) {
	return "", nil
}

func msg(id, text string) chat.Message {
	return chat.Message{
		ID:       id,
		ThreadID: "fake:C1:1.0",
		Text:     text,
		Author:   chat.Author{UserID: "U1", UserName: "alice", IsBot: chat.BotNo},
		Metadata: chat.Metadata{DateSent: time.Now()},
	}
}

func newTestKernel() (*Kernel, *memory.Store, *fakeAdapter) {
	store := memory.New()
	k := New(store, NewRegistry())
	return k, store, newFakeAdapter()
}

// S1: a mention handler subscribes the thread; follow-up messages route
// to the subscribed phase only.
func TestMentionThenSubscribe(t *testing.T) {
	k, store, a := newTestKernel()
	ctx := context.Background()

	var mentionRuns, subscribedRuns int
	k.Registry().OnNewMention(func(ctx context.Context, th *thread.Thread, m chat.Message) error {
		mentionRuns++
		return th.Subscribe(ctx)
	})
	k.Registry().OnSubscribedMessage(func(ctx context.Context, th *thread.Thread, m chat.Message) error {
		subscribedRuns++
		return nil
	})

	require.NoError(t, k.ProcessMessage(ctx, a, "fake:C1:1.0", msg("m1", "Hey @bot"), nil))
	assert.Equal(t, 1, mentionRuns)
	assert.Equal(t, 0, subscribedRuns)

	subscribed, err := store.IsSubscribed(ctx, "fake:C1:1.0")
	require.NoError(t, err)
	assert.True(t, subscribed)

	require.NoError(t, k.ProcessMessage(ctx, a, "fake:C1:1.0", msg("m2", "any follow-up"), nil))
	assert.Equal(t, 1, mentionRuns, "mention handler must not fire in subscribed thread")
	assert.Equal(t, 1, subscribedRuns)
}

// S2: the same message delivered three times runs handlers once.
func TestDuplicateDelivery(t *testing.T) {
	k, _, a := newTestKernel()
	ctx := context.Background()

	runs := 0
	k.Registry().OnNewMention(func(ctx context.Context, th *thread.Thread, m chat.Message) error {
		runs++
		return nil
	})

	m := msg("x", "@bot ping")
	for i := 0; i < 3; i++ {
		require.NoError(t, k.ProcessMessage(ctx, a, m.ThreadID, m, nil))
	}
	assert.Equal(t, 1, runs)
}

// S3: messages from this bot instance reach zero handlers.
func TestSelfFilter(t *testing.T) {
	k, store, a := newTestKernel()
	ctx := context.Background()

	runs := 0
	k.Registry().OnNewMention(func(ctx context.Context, th *thread.Thread, m chat.Message) error {
		runs++
		return nil
	})
	k.Registry().OnNewMessage(regexp.MustCompile(`.`), func(ctx context.Context, th *thread.Thread, m chat.Message) error {
		runs++
		return nil
	})

	self := msg("m1", "@bot echo")
	self.Author.IsMe = true
	require.NoError(t, k.ProcessMessage(ctx, a, self.ThreadID, self, nil))
	assert.Equal(t, 0, runs)

	// Self messages never touch the dedup keyspace.
	v, err := store.Get(ctx, "dedupe:fake:m1")
	require.NoError(t, err)
	assert.Nil(t, v)
}

// S4: concurrent dispatch for one thread: one runs, the other gets a
// LockError, and handler executions never interleave.
func TestLeaseContention(t *testing.T) {
	k, _, a := newTestKernel()
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	k.Registry().OnNewMention(func(ctx context.Context, th *thread.Thread, m chat.Message) error {
		close(entered)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() {
		done <- k.ProcessMessage(ctx, a, "fake:C1:1.0", msg("m1", "@bot one"), nil)
	}()
	<-entered

	err := k.ProcessMessage(ctx, a, "fake:C1:1.0", msg("m2", "@bot two"), nil)
	var lockErr *chat.LockError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, "fake:C1:1.0", lockErr.ThreadID)

	close(release)
	require.NoError(t, <-done)
}

// A lease conflict must not leave a dedup entry behind: the platform's
// redelivery of the losing event still gets processed.
func TestLockConflictLeavesNoDedupeEntry(t *testing.T) {
	k, _, a := newTestKernel()
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	runs := make(chan string, 4)
	k.Registry().OnNewMention(func(ctx context.Context, th *thread.Thread, m chat.Message) error {
		runs <- m.ID
		if m.ID == "m1" {
			close(entered)
			<-release
		}
		return nil
	})

	done := make(chan error, 1)
	go func() {
		done <- k.ProcessMessage(ctx, a, "fake:C1:1.0", msg("m1", "@bot one"), nil)
	}()
	<-entered

	err := k.ProcessMessage(ctx, a, "fake:C1:1.0", msg("m2", "@bot two"), nil)
	var lockErr *chat.LockError
	require.ErrorAs(t, err, &lockErr)

	close(release)
	require.NoError(t, <-done)

	// Redelivery of the loser is processed, not absorbed as duplicate.
	require.NoError(t, k.ProcessMessage(ctx, a, "fake:C1:1.0", msg("m2", "@bot two"), nil))
	assert.Equal(t, "m1", <-runs)
	assert.Equal(t, "m2", <-runs)
}

// S6: mentions inside a subscribed thread fire the subscribed phase
// with IsMention set; the mention phase stays silent.
func TestMentionInsideSubscribedThread(t *testing.T) {
	k, store, a := newTestKernel()
	ctx := context.Background()

	require.NoError(t, store.Subscribe(ctx, "fake:C1:1.0"))

	mentionRuns := 0
	var got chat.Message
	k.Registry().OnNewMention(func(ctx context.Context, th *thread.Thread, m chat.Message) error {
		mentionRuns++
		return nil
	})
	k.Registry().OnSubscribedMessage(func(ctx context.Context, th *thread.Thread, m chat.Message) error {
		got = m
		return nil
	})

	require.NoError(t, k.ProcessMessage(ctx, a, "fake:C1:1.0", msg("m1", "@bot still there?"), nil))
	assert.Equal(t, 0, mentionRuns)
	assert.True(t, got.IsMention)

	// Non-mention messages in the same thread carry IsMention false.
	require.NoError(t, k.ProcessMessage(ctx, a, "fake:C1:1.0", msg("m2", "plain text"), nil))
	assert.False(t, got.IsMention)
}

// Handlers within one phase run sequentially in registration order.
func TestHandlerOrdering(t *testing.T) {
	k, _, a := newTestKernel()
	ctx := context.Background()

	var order []int
	for i := 0; i < 4; i++ {
		i := i
		k.Registry().OnNewMention(func(ctx context.Context, th *thread.Thread, m chat.Message) error {
			order = append(order, i)
			return nil
		})
	}

	require.NoError(t, k.ProcessMessage(ctx, a, "fake:C1:1.0", msg("m1", "@bot go"), nil))
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

// Every matching pattern fires; non-matching patterns do not.
func TestPatternMultiFire(t *testing.T) {
	k, _, a := newTestKernel()
	ctx := context.Background()

	var fired []string
	add := func(name, expr string) {
		k.Registry().OnNewMessage(regexp.MustCompile(expr), func(ctx context.Context, th *thread.Thread, m chat.Message) error {
			fired = append(fired, name)
			return nil
		})
	}
	add("deploy", `^deploy`)
	add("prod", `prod`)
	add("rollback", `^rollback`)

	require.NoError(t, k.ProcessMessage(ctx, a, "fake:C1:1.0", msg("m1", "deploy to prod"), nil))
	assert.Equal(t, []string{"deploy", "prod"}, fired)
}

// A handler error propagates, stops later handlers, and releases the
// lease so the thread is not wedged.
func TestHandlerErrorReleasesLease(t *testing.T) {
	k, store, a := newTestKernel()
	ctx := context.Background()

	boom := errors.New("boom")
	ran := 0
	k.Registry().OnNewMention(func(ctx context.Context, th *thread.Thread, m chat.Message) error {
		ran++
		return boom
	})
	k.Registry().OnNewMention(func(ctx context.Context, th *thread.Thread, m chat.Message) error {
		ran++
		return nil
	})

	err := k.ProcessMessage(ctx, a, "fake:C1:1.0", msg("m1", "@bot fail"), nil)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, ran)

	// Lease is free again.
	lease, err := store.AcquireLease(ctx, "fake:C1:1.0", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, lease)
}

func TestReactionFilter(t *testing.T) {
	k, _, a := newTestKernel()
	ctx := context.Background()

	var seen []string
	k.Registry().OnReaction([]string{"thumbsup"}, func(ctx context.Context, th *thread.Thread, r chat.Reaction) error {
		seen = append(seen, "filtered:"+r.Emoji)
		return nil
	})
	k.Registry().OnReaction(nil, func(ctx context.Context, th *thread.Thread, r chat.Reaction) error {
		seen = append(seen, "all:"+r.Emoji)
		return nil
	})

	react := func(name, raw string) chat.Reaction {
		return chat.Reaction{
			Emoji: name, RawEmoji: raw, Added: true,
			User: chat.Author{UserID: "U1"}, MessageID: "m1", ThreadID: "fake:C1:1.0",
		}
	}

	// The slack "+1" alias resolves through the emoji registry.
	require.NoError(t, k.ProcessReaction(ctx, a, react("thumbsup", "+1"), nil))
	require.NoError(t, k.ProcessReaction(ctx, a, react("eyes", "eyes"), nil))

	assert.Equal(t, []string{"filtered:thumbsup", "all:thumbsup", "all:eyes"}, seen)
}

func TestReactionSelfFilter(t *testing.T) {
	k, _, a := newTestKernel()
	ctx := context.Background()

	runs := 0
	k.Registry().OnReaction(nil, func(ctx context.Context, th *thread.Thread, r chat.Reaction) error {
		runs++
		return nil
	})

	require.NoError(t, k.ProcessReaction(ctx, a, chat.Reaction{
		Emoji: "eyes", User: chat.Author{UserID: "U0BOT", IsMe: true},
		MessageID: "m1", ThreadID: "fake:C1:1.0",
	}, nil))
	assert.Equal(t, 0, runs)
}

func TestActionIDMatching(t *testing.T) {
	k, _, a := newTestKernel()
	ctx := context.Background()

	var seen []string
	k.Registry().OnAction([]string{"approve", "reject"}, func(ctx context.Context, th *thread.Thread, act chat.Action) error {
		seen = append(seen, "decision:"+act.ActionID)
		return nil
	})
	k.Registry().OnAction(nil, func(ctx context.Context, th *thread.Thread, act chat.Action) error {
		seen = append(seen, "any:"+act.ActionID)
		return nil
	})

	click := func(id string) chat.Action {
		return chat.Action{ActionID: id, User: chat.Author{UserID: "U1"}, MessageID: "m1", ThreadID: "fake:C1:1.0"}
	}

	require.NoError(t, k.ProcessAction(ctx, a, click("approve"), nil))
	require.NoError(t, k.ProcessAction(ctx, a, click("snooze"), nil))

	assert.Equal(t, []string{"decision:approve", "any:approve", "any:snooze"}, seen)
}

// A WaitUntil hook receives the whole dispatch as one task.
func TestWaitUntilHandoff(t *testing.T) {
	k, _, a := newTestKernel()
	ctx := context.Background()

	runs := 0
	k.Registry().OnNewMention(func(ctx context.Context, th *thread.Thread, m chat.Message) error {
		runs++
		return nil
	})

	var tasks []func()
	opts := &chat.WebhookOptions{WaitUntil: func(task func()) { tasks = append(tasks, task) }}

	require.NoError(t, k.ProcessMessage(ctx, a, "fake:C1:1.0", msg("m1", "@bot bg"), opts))
	assert.Equal(t, 0, runs, "dispatch must not run before the host invokes the task")
	require.Len(t, tasks, 1)

	tasks[0]()
	assert.Equal(t, 1, runs)
}

func TestKernelGoTracksBackgroundWork(t *testing.T) {
	k, _, a := newTestKernel()
	ctx := context.Background()

	runs := make(chan struct{}, 1)
	k.Registry().OnNewMention(func(ctx context.Context, th *thread.Thread, m chat.Message) error {
		runs <- struct{}{}
		return nil
	})

	require.NoError(t, k.ProcessMessage(ctx, a, "fake:C1:1.0", msg("m1", "@bot bg"),
		&chat.WebhookOptions{WaitUntil: k.Go}))
	k.Wait()

	select {
	case <-runs:
	default:
		t.Fatal("background dispatch did not run before Wait returned")
	}
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	m := &dto.Metric{}
	require.NoError(t, c.(prometheus.Metric).Write(m))
	return m.GetCounter().GetValue()
}

// The pattern phase counts as a dispatch only when a pattern matched;
// a message no pattern wants leaves the counter alone, and multiple
// matches still count one dispatch.
func TestPatternDispatchCountedOnlyOnMatch(t *testing.T) {
	k, _, a := newTestKernel()
	ctx := context.Background()

	nop := func(ctx context.Context, th *thread.Thread, m chat.Message) error { return nil }
	k.Registry().OnNewMessage(regexp.MustCompile(`^deploy`), nop)
	k.Registry().OnNewMessage(regexp.MustCompile(`prod`), nop)

	before := counterValue(t, metrics.DispatchesTotal, a.Name(), "pattern")

	require.NoError(t, k.ProcessMessage(ctx, a, "fake:C1:1.0", msg("m1", "nothing to see"), nil))
	assert.Equal(t, before, counterValue(t, metrics.DispatchesTotal, a.Name(), "pattern"))

	require.NoError(t, k.ProcessMessage(ctx, a, "fake:C1:1.0", msg("m2", "deploy to prod"), nil))
	assert.Equal(t, before+1, counterValue(t, metrics.DispatchesTotal, a.Name(), "pattern"))
}
