package discord

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossbot/crossbot/internal/chat"
)

type captureKernel struct {
	messages  []chat.Message
	reactions []chat.Reaction
	actions   []chat.Action
}

func (k *captureKernel) ProcessMessage(ctx context.Context, a chat.Adapter, threadID string, m chat.Message, opts *chat.WebhookOptions) error {
	k.messages = append(k.messages, m)
	return nil
}

func (k *captureKernel) ProcessReaction(ctx context.Context, a chat.Adapter, r chat.Reaction, opts *chat.WebhookOptions) error {
	k.reactions = append(k.reactions, r)
	return nil
}

func (k *captureKernel) ProcessAction(ctx context.Context, a chat.Adapter, act chat.Action, opts *chat.WebhookOptions) error {
	k.actions = append(k.actions, act)
	return nil
}

func testAdapter(t *testing.T, pubKey string) (*Adapter, *captureKernel) {
	t.Helper()
	a, err := New(Config{
		BotToken:  "tok",
		PublicKey: pubKey,
		UserName:  "crossbot",
		BotUserID: "999",
	})
	require.NoError(t, err)
	k := &captureKernel{}
	a.Initialize(k)
	return a, k
}

func TestThreadIDRoundTrip(t *testing.T) {
	id := encodeThreadID("123456")
	assert.Equal(t, "discord:123456", id)
	ch, err := decodeChannelID(id)
	require.NoError(t, err)
	assert.Equal(t, "123456", ch)
}

func TestDecodeThreadIDRejects(t *testing.T) {
	a, _ := testAdapter(t, "")
	for _, bad := range []string{"discord:", "slack:C1:1.0", "123456", ""} {
		assert.Error(t, a.DecodeThreadID(bad), "input %q", bad)
	}
}

func TestMessageCreateNormalization(t *testing.T) {
	a, k := testAdapter(t, "")
	sent := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a.onMessageCreate(a.session, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		ChannelID: "C1",
		Content:   "hey <@999> and <@!111>",
		Author:    &discordgo.User{ID: "111", Username: "alice", GlobalName: "Alice"},
		Timestamp: sent,
		Attachments: []*discordgo.MessageAttachment{{
			URL: "https://cdn.example/x.png", Filename: "x.png",
			ContentType: "image/png", Size: 123, Width: 10, Height: 20,
		}},
	}})

	require.Len(t, k.messages, 1)
	m := k.messages[0]
	assert.Equal(t, "discord:C1", m.ThreadID)
	assert.Equal(t, "hey @crossbot and @111", m.Text)
	assert.Equal(t, "111", m.Author.UserID)
	assert.False(t, m.Author.IsMe)
	assert.Equal(t, sent, m.Metadata.DateSent)
	require.Len(t, m.Attachments, 1)
	assert.Equal(t, chat.AttachmentImage, m.Attachments[0].Type)
}

func TestSelfMessageFlagged(t *testing.T) {
	a, k := testAdapter(t, "")
	a.onMessageCreate(a.session, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "m2", ChannelID: "C1", Content: "echo",
		Author: &discordgo.User{ID: "999", Username: "crossbot", Bot: true},
	}})
	require.Len(t, k.messages, 1)
	assert.True(t, k.messages[0].Author.IsMe)
	assert.Equal(t, chat.BotYes, k.messages[0].Author.IsBot)
}

func TestReactionNormalization(t *testing.T) {
	a, k := testAdapter(t, "")
	a.onReactionAdd(a.session, &discordgo.MessageReactionAdd{MessageReaction: &discordgo.MessageReaction{
		UserID: "111", MessageID: "m1", ChannelID: "C1",
		Emoji: discordgo.Emoji{Name: "\U0001F44D"},
	}})

	require.Len(t, k.reactions, 1)
	r := k.reactions[0]
	assert.Equal(t, "thumbsup", r.Emoji)
	assert.True(t, r.Added)
	assert.Equal(t, "discord:C1", r.ThreadID)

	a.onReactionRemove(a.session, &discordgo.MessageReactionRemove{MessageReaction: &discordgo.MessageReaction{
		UserID: "111", MessageID: "m1", ChannelID: "C1",
		Emoji: discordgo.Emoji{Name: "\U0001F44D"},
	}})
	require.Len(t, k.reactions, 2)
	assert.False(t, k.reactions[1].Added)
}

func signedInteraction(t *testing.T, priv ed25519.PrivateKey, body string) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := ed25519.Sign(priv, []byte(ts+body))
	r := httptest.NewRequest("POST", "/webhooks/discord", strings.NewReader(body))
	r.Header.Set("X-Signature-Ed25519", hex.EncodeToString(sig))
	r.Header.Set("X-Signature-Timestamp", ts)
	return r
}

func TestInteractionPing(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	a, _ := testAdapter(t, hex.EncodeToString(pub))

	w := httptest.NewRecorder()
	a.HandleWebhook(w, signedInteraction(t, priv, `{"type":1}`), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"type":1}`, w.Body.String())
}

func TestInteractionBadSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	a, k := testAdapter(t, hex.EncodeToString(pub))

	w := httptest.NewRecorder()
	a.HandleWebhook(w, signedInteraction(t, otherPriv, `{"type":1}`), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, k.actions)
}

func TestInteractionComponentClick(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	a, k := testAdapter(t, hex.EncodeToString(pub))

	body := `{"type":3,"channel_id":"C1",
		"member":{"user":{"id":"111"}},
		"message":{"id":"m1"},
		"data":{"custom_id":"approve","component_type":2}}`
	w := httptest.NewRecorder()
	a.HandleWebhook(w, signedInteraction(t, priv, body), nil)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, k.actions, 1)
	assert.Equal(t, "approve", k.actions[0].ActionID)
	assert.Equal(t, "111", k.actions[0].User.UserID)
	assert.Equal(t, "discord:C1", k.actions[0].ThreadID)
	assert.Equal(t, "m1", k.actions[0].MessageID)
}

// roundTripFunc stubs the REST transport under the discordgo session.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func stubREST(a *Adapter, body string, got *url.Values) {
	a.session.Client = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		*got = r.URL.Query()
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(body)),
			Request:    r,
		}, nil
	})}
}

func TestFetchMessagesForwardStartsAtOldest(t *testing.T) {
	a, _ := testAdapter(t, "")
	var got url.Values
	stubREST(a, `[
		{"id":"12","channel_id":"C1","content":"second","author":{"id":"111"}},
		{"id":"11","channel_id":"C1","content":"first","author":{"id":"111"}}]`, &got)

	page, err := a.FetchMessages(context.Background(), "discord:C1", chat.FetchOptions{Limit: 2})
	require.NoError(t, err)

	// Without a cursor the forward walk anchors after message 0, the
	// start of channel history, not the newest window.
	assert.Equal(t, "0", got.Get("after"))
	assert.Empty(t, got.Get("before"))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "11", page.Messages[0].ID)
	assert.Equal(t, "12", page.Messages[1].ID)
	assert.Equal(t, "12", page.NextCursor)
}

func TestFetchMessagesForwardResumesAtCursor(t *testing.T) {
	a, _ := testAdapter(t, "")
	var got url.Values
	stubREST(a, `[]`, &got)

	_, err := a.FetchMessages(context.Background(), "discord:C1",
		chat.FetchOptions{Limit: 2, Cursor: "12"})
	require.NoError(t, err)
	assert.Equal(t, "12", got.Get("after"))
}

func TestFetchMessagesBackwardAnchorsBefore(t *testing.T) {
	a, _ := testAdapter(t, "")
	var got url.Values
	stubREST(a, `[{"id":"49","channel_id":"C1","content":"older","author":{"id":"111"}}]`, &got)

	page, err := a.FetchMessages(context.Background(), "discord:C1",
		chat.FetchOptions{Direction: chat.FetchBackward, Cursor: "50", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, "50", got.Get("before"))
	assert.Empty(t, got.Get("after"))
	require.Len(t, page.Messages, 1)
	assert.Empty(t, page.NextCursor)
}

func TestPostMessageRejectsFiles(t *testing.T) {
	a, _ := testAdapter(t, "")
	p := chat.TextPost("with attachment")
	p.Files = []chat.Attachment{{Name: "x.png", MimeType: "image/png"}}

	var ni *chat.NotImplementedError
	_, err := a.PostMessage(context.Background(), "discord:C1", p)
	assert.ErrorAs(t, err, &ni)
}
