// Package teams adapts Microsoft Teams (Bot Framework) activities to
// the normalized chat model.
package teams

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/microcosm-cc/bluemonday"

	"github.com/crossbot/crossbot/internal/adapter/apiclient"
	"github.com/crossbot/crossbot/internal/chat"
	"github.com/crossbot/crossbot/internal/state"
)

const (
	adapterName = "teams"

	// serviceURLKeyPrefix caches the regional service URL per
	// conversation so egress can reach conversations seen before a
	// restart.
	serviceURLKeyPrefix = "teams:serviceUrl:"

	botFrameworkIssuer = "https://api.botframework.com"
)

// TokenProvider supplies a bearer token for Bot Framework egress.
type TokenProvider func(ctx context.Context) (string, error)

// Config holds Teams credentials and identity.
type Config struct {
	AppID    string
	UserName string

	// Keyfunc validates inbound Bearer JWTs. Production wires the Bot
	// Framework OpenID keyset; tests inject a static key.
	Keyfunc jwt.Keyfunc

	// Token provides egress bearer tokens.
	Token TokenProvider
}

// Adapter is the Teams platform adapter.
type Adapter struct {
	cfg    Config
	kernel chat.Kernel
	store  state.Store
	api    *apiclient.Client
	log    *slog.Logger

	htmlStripper *bluemonday.Policy
}

// New creates a Teams adapter. The store caches per-conversation
// service URLs.
func New(cfg Config, store state.Store) *Adapter {
	return &Adapter{
		cfg:          cfg,
		store:        store,
		api:          apiclient.New(adapterName),
		log:          slog.With("adapter", adapterName),
		htmlStripper: bluemonday.StrictPolicy(),
	}
}

func (a *Adapter) Name() string             { return adapterName }
func (a *Adapter) UserName() string         { return a.cfg.UserName }
func (a *Adapter) BotUserID() string        { return "28:" + a.cfg.AppID }
func (a *Adapter) Initialize(k chat.Kernel) { a.kernel = k }

// Thread IDs are "teams:<b64url(conversationID)>:<b64url(serviceURL)>".
// Both halves are base64url-encoded: conversation IDs embed colons and
// service URLs embed slashes.

func encodeThreadID(conversationID, serviceURL string) string {
	return adapterName + ":" +
		base64.RawURLEncoding.EncodeToString([]byte(conversationID)) + ":" +
		base64.RawURLEncoding.EncodeToString([]byte(serviceURL))
}

func decodeThreadIDParts(threadID string) (conversationID, serviceURL string, err error) {
	bad := func() (string, string, error) {
		return "", "", chat.NewValidationError(adapterName, "malformed thread id "+threadID)
	}
	parts := strings.Split(threadID, ":")
	if len(parts) != 3 || parts[0] != adapterName {
		return bad()
	}
	conv, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil || len(conv) == 0 {
		return bad()
	}
	svc, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(svc) == 0 {
		return bad()
	}
	return string(conv), string(svc), nil
}

// DecodeThreadID validates a teams thread ID.
func (a *Adapter) DecodeThreadID(threadID string) error {
	_, _, err := decodeThreadIDParts(threadID)
	return err
}

// verifyBearer validates the Authorization JWT: signature via the
// configured keyfunc, audience = app id, Bot Framework issuer.
func (a *Adapter) verifyBearer(r *http.Request) error {
	if a.cfg.Keyfunc == nil {
		return chat.NewAuthenticationError(adapterName, fmt.Errorf("no keyfunc configured"))
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return chat.NewAuthenticationError(adapterName, fmt.Errorf("missing bearer token"))
	}
	_, err := jwt.Parse(auth[len(prefix):], a.cfg.Keyfunc,
		jwt.WithAudience(a.cfg.AppID),
		jwt.WithIssuer(botFrameworkIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return chat.NewAuthenticationError(adapterName, err)
	}
	return nil
}

// activity is the Bot Framework activity subset we consume.
type activity struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	ServiceURL string         `json:"serviceUrl"`
	Text       string         `json:"text"`
	TextFormat string         `json:"textFormat"`
	Value      map[string]any `json:"value,omitempty"`
	From       struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"from"`
	Conversation struct {
		ID               string `json:"id"`
		ConversationType string `json:"conversationType"`
	} `json:"conversation"`
	ReplyToID string `json:"replyToId,omitempty"`
}

var atMentionRe = regexp.MustCompile(`<at[^>]*>([^<]*)</at>`)

// normalizeText rewrites <at> mention tags to @name form and strips the
// HTML Teams wraps message bodies in.
func (a *Adapter) normalizeText(text, format string) string {
	text = atMentionRe.ReplaceAllString(text, "@$1")
	if format == "" || strings.EqualFold(format, "html") || strings.Contains(text, "<") {
		text = a.htmlStripper.Sanitize(text)
	}
	return strings.TrimSpace(text)
}

// isSelf matches the activity sender against the bot identity. Bot
// Framework prefixes app senders with "28:".
func (a *Adapter) isSelf(fromID string) bool {
	return fromID == "28:"+a.cfg.AppID || fromID == a.cfg.AppID
}

func (a *Adapter) normalizeMessage(act activity) chat.Message {
	isBot := chat.BotUnknown
	if strings.HasPrefix(act.From.ID, "28:") {
		isBot = chat.BotYes
	}
	return chat.Message{
		ID:       act.ID,
		ThreadID: encodeThreadID(act.Conversation.ID, act.ServiceURL),
		Text:     a.normalizeText(act.Text, act.TextFormat),
		Raw:      act,
		Author: chat.Author{
			UserID:   act.From.ID,
			UserName: act.From.Name,
			FullName: act.From.Name,
			IsBot:    isBot,
			IsMe:     a.isSelf(act.From.ID),
		},
		Metadata: chat.Metadata{DateSent: act.Timestamp},
	}
}

// ParseMessage re-normalizes a raw activity handed back without its
// original delivery context. It accepts the decoded wire form or its
// JSON encoding.
func (a *Adapter) ParseMessage(raw any) (*chat.Message, error) {
	var act activity
	switch v := raw.(type) {
	case activity:
		act = v
	case json.RawMessage:
		if err := json.Unmarshal(v, &act); err != nil {
			return nil, chat.NewValidationError(adapterName, "undecodable raw activity: "+err.Error())
		}
	case []byte:
		if err := json.Unmarshal(v, &act); err != nil {
			return nil, chat.NewValidationError(adapterName, "undecodable raw activity: "+err.Error())
		}
	case string:
		if err := json.Unmarshal([]byte(v), &act); err != nil {
			return nil, chat.NewValidationError(adapterName, "undecodable raw activity: "+err.Error())
		}
	default:
		return nil, chat.NewValidationError(adapterName, fmt.Sprintf("unsupported raw payload %T", raw))
	}
	if act.Conversation.ID == "" || act.ServiceURL == "" {
		return nil, chat.NewValidationError(adapterName, "raw activity missing conversation or service url")
	}
	msg := a.normalizeMessage(act)
	return &msg, nil
}

func (a *Adapter) call(ctx context.Context, method, url string, req, out any) error {
	if a.cfg.Token == nil {
		return chat.NewAuthenticationError(adapterName, fmt.Errorf("no token provider configured"))
	}
	token, err := a.cfg.Token(ctx)
	if err != nil {
		return chat.NewAuthenticationError(adapterName, err)
	}
	header := http.Header{"Authorization": {"Bearer " + token}}
	return a.api.DoJSON(ctx, method, url, header, req, out)
}

// PostMessage sends an activity into the conversation.
func (a *Adapter) PostMessage(ctx context.Context, threadID string, p chat.Postable) (*chat.PostedMessage, error) {
	convID, serviceURL, err := decodeThreadIDParts(threadID)
	if err != nil {
		return nil, err
	}
	if len(p.Files) > 0 {
		return nil, chat.NewNotImplementedError(adapterName, "file attachments")
	}
	act := map[string]any{
		"type": "message",
		"text": p.PlainText(),
	}
	if p.Kind == chat.PostMarkdown {
		act["textFormat"] = "markdown"
	}
	if p.Kind == chat.PostCard && p.Card != nil {
		act["attachments"] = []any{map[string]any{
			"contentType": "application/vnd.microsoft.card.adaptive",
			"content":     p.Card,
		}}
	}
	var resp struct {
		ID string `json:"id"`
	}
	url := fmt.Sprintf("%s/v3/conversations/%s/activities", strings.TrimSuffix(serviceURL, "/"), convID)
	if err := a.call(ctx, http.MethodPost, url, act, &resp); err != nil {
		return nil, err
	}
	return &chat.PostedMessage{ID: resp.ID, ThreadID: threadID, Raw: resp}, nil
}

// EditMessage replaces an activity.
func (a *Adapter) EditMessage(ctx context.Context, threadID, messageID string, p chat.Postable) error {
	convID, serviceURL, err := decodeThreadIDParts(threadID)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/v3/conversations/%s/activities/%s", strings.TrimSuffix(serviceURL, "/"), convID, messageID)
	return a.call(ctx, http.MethodPut, url, map[string]any{"type": "message", "text": p.PlainText()}, nil)
}

// DeleteMessage removes an activity.
func (a *Adapter) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	convID, serviceURL, err := decodeThreadIDParts(threadID)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/v3/conversations/%s/activities/%s", strings.TrimSuffix(serviceURL, "/"), convID, messageID)
	return a.call(ctx, http.MethodDelete, url, nil, nil)
}

// AddReaction is not offered by the Bot Framework REST API.
func (a *Adapter) AddReaction(ctx context.Context, threadID, messageID, name string) error {
	return chat.NewNotImplementedError(adapterName, "reactions")
}

// RemoveReaction is not offered by the Bot Framework REST API.
func (a *Adapter) RemoveReaction(ctx context.Context, threadID, messageID, name string) error {
	return chat.NewNotImplementedError(adapterName, "reactions")
}

// StartTyping sends a typing activity.
func (a *Adapter) StartTyping(ctx context.Context, threadID string) error {
	convID, serviceURL, err := decodeThreadIDParts(threadID)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/v3/conversations/%s/activities", strings.TrimSuffix(serviceURL, "/"), convID)
	return a.call(ctx, http.MethodPost, url, map[string]any{"type": "typing"}, nil)
}

// FetchMessages is not offered: the Bot Framework has no history API.
func (a *Adapter) FetchMessages(ctx context.Context, threadID string, opts chat.FetchOptions) (*chat.MessagePage, error) {
	return nil, chat.NewNotImplementedError(adapterName, "message history")
}

// FetchThread answers from the thread ID; conversation metadata beyond
// the ID is not reachable without the original activity.
func (a *Adapter) FetchThread(ctx context.Context, threadID string) (*chat.ThreadInfo, error) {
	convID, _, err := decodeThreadIDParts(threadID)
	if err != nil {
		return nil, err
	}
	return &chat.ThreadInfo{
		ChannelID: convID,
		IsDM:      strings.HasPrefix(convID, "a:"), // personal-scope convention
	}, nil
}

// RenderFormatted renders pre-rendered string documents only.
func (a *Adapter) RenderFormatted(f chat.Formatted) (string, error) {
	if s, ok := f.(string); ok {
		return s, nil
	}
	return "", chat.NewNotImplementedError(adapterName, "formatted rendering")
}

// cacheServiceURL remembers where this conversation's regional endpoint
// lives, so egress works across restarts.
func (a *Adapter) cacheServiceURL(ctx context.Context, conversationID, serviceURL string) {
	if conversationID == "" || serviceURL == "" {
		return
	}
	if err := a.store.Set(ctx, serviceURLKeyPrefix+conversationID, []byte(serviceURL), 0); err != nil {
		a.log.Warn("service url cache write failed", "conversation", conversationID, "error", err)
	}
}

// ServiceURLFor returns the cached service URL for a conversation, or
// "" when the conversation has never been seen.
func (a *Adapter) ServiceURLFor(ctx context.Context, conversationID string) (string, error) {
	v, err := a.store.Get(ctx, serviceURLKeyPrefix+conversationID)
	if err != nil {
		return "", err
	}
	return string(v), nil
}
