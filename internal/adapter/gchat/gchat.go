// Package gchat adapts Google Chat app events and the Chat REST API to
// the normalized chat model.
package gchat

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/crossbot/crossbot/internal/adapter/apiclient"
	"github.com/crossbot/crossbot/internal/chat"
	"github.com/crossbot/crossbot/internal/chat/emoji"
	"github.com/crossbot/crossbot/internal/state"
)

const (
	adapterName    = "gchat"
	defaultAPIBase = "https://chat.googleapis.com/v1"

	// spaceKeyPrefix marks state-store keys recording spaces the bot
	// has been subscribed in.
	spaceKeyPrefix = "gchat:space:"
)

// Config holds Google Chat credentials and identity.
type Config struct {
	VerificationToken string // shared token presented on every event
	APIToken          string // bearer token for Chat API egress
	UserName          string
	BotUser           string // "users/<id>" resource name of the app
}

// Adapter is the Google Chat platform adapter.
type Adapter struct {
	cfg     Config
	kernel  chat.Kernel
	store   state.Store
	api     *apiclient.Client
	apiBase string
	log     *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithAPIBase points egress at a different base URL.
func WithAPIBase(base string) Option {
	return func(a *Adapter) { a.apiBase = strings.TrimSuffix(base, "/") }
}

// New creates a Google Chat adapter. The store records which spaces the
// bot has active subscriptions in.
func New(cfg Config, store state.Store, opts ...Option) *Adapter {
	a := &Adapter{
		cfg:     cfg,
		store:   store,
		api:     apiclient.New(adapterName),
		apiBase: defaultAPIBase,
		log:     slog.With("adapter", adapterName),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string             { return adapterName }
func (a *Adapter) UserName() string         { return a.cfg.UserName }
func (a *Adapter) BotUserID() string        { return a.cfg.BotUser }
func (a *Adapter) Initialize(k chat.Kernel) { a.kernel = k }

// Thread IDs are "gchat:<space>[:<b64url(thread)>][:dm]". space is the
// "spaces/<id>" resource name; thread is the full thread resource name,
// base64url-encoded because it is platform-opaque.

func encodeThreadID(space, threadName string, dm bool) string {
	id := adapterName + ":" + space
	if threadName != "" {
		id += ":" + base64.RawURLEncoding.EncodeToString([]byte(threadName))
	}
	if dm {
		id += ":dm"
	}
	return id
}

type threadRef struct {
	Space      string // "spaces/<id>"
	ThreadName string // "" for space-level (DM) threads
	DM         bool
}

func decodeThreadIDParts(threadID string) (threadRef, error) {
	bad := func() (threadRef, error) {
		return threadRef{}, chat.NewValidationError(adapterName, "malformed thread id "+threadID)
	}
	parts := strings.Split(threadID, ":")
	if len(parts) < 2 || len(parts) > 4 || parts[0] != adapterName {
		return bad()
	}
	ref := threadRef{Space: parts[1]}
	if !strings.HasPrefix(ref.Space, "spaces/") {
		return bad()
	}
	rest := parts[2:]
	if len(rest) > 0 && rest[len(rest)-1] == "dm" {
		ref.DM = true
		rest = rest[:len(rest)-1]
	}
	switch len(rest) {
	case 0:
	case 1:
		raw, err := base64.RawURLEncoding.DecodeString(rest[0])
		if err != nil || len(raw) == 0 {
			return bad()
		}
		ref.ThreadName = string(raw)
	default:
		return bad()
	}
	return ref, nil
}

// DecodeThreadID validates a gchat thread ID.
func (a *Adapter) DecodeThreadID(threadID string) error {
	_, err := decodeThreadIDParts(threadID)
	return err
}

// IsDM answers from the thread ID alone.
func (a *Adapter) IsDM(threadID string) bool {
	ref, err := decodeThreadIDParts(threadID)
	return err == nil && ref.DM
}

// OnThreadSubscribe records the space so a redeployed bot can tell
// which spaces carry live subscriptions.
func (a *Adapter) OnThreadSubscribe(ctx context.Context, threadID string) error {
	ref, err := decodeThreadIDParts(threadID)
	if err != nil {
		return err
	}
	return a.store.Set(ctx, spaceKeyPrefix+ref.Space, []byte("1"), 0)
}

func (a *Adapter) call(ctx context.Context, method, path string, req, out any) error {
	header := http.Header{"Authorization": {"Bearer " + a.cfg.APIToken}}
	return a.api.DoJSON(ctx, method, a.apiBase+path, header, req, out)
}

// wireMessage is the Chat API message resource subset we consume.
type wireMessage struct {
	Name   string `json:"name"` // "spaces/<s>/messages/<m>"
	Sender struct {
		Name        string `json:"name"`
		DisplayName string `json:"displayName"`
		Type        string `json:"type"` // HUMAN | BOT
	} `json:"sender"`
	Text   string `json:"text"`
	Thread struct {
		Name string `json:"name"`
	} `json:"thread"`
	Space struct {
		Name string `json:"name"`
		Type string `json:"type"` // ROOM | DM
	} `json:"space"`
	CreateTime     time.Time `json:"createTime"`
	LastUpdateTime time.Time `json:"lastUpdateTime"`
}

var userMentionRe = regexp.MustCompile(`<(users/[^>|]+)(?:\|[^>]*)?>`)

func (a *Adapter) normalizeText(text string) string {
	return userMentionRe.ReplaceAllStringFunc(text, func(m string) string {
		user := userMentionRe.FindStringSubmatch(m)[1]
		if user == a.cfg.BotUser && a.cfg.UserName != "" {
			return "@" + a.cfg.UserName
		}
		return "@" + strings.TrimPrefix(user, "users/")
	})
}

func (a *Adapter) normalizeMessage(wm wireMessage) chat.Message {
	dm := wm.Space.Type == "DM"
	threadName := wm.Thread.Name
	if dm {
		// DMs are a single rolling conversation per space.
		threadName = ""
	}
	isBot := chat.BotNo
	if wm.Sender.Type == "BOT" {
		isBot = chat.BotYes
	}
	return chat.Message{
		ID:       wm.Name,
		ThreadID: encodeThreadID(wm.Space.Name, threadName, dm),
		Text:     a.normalizeText(wm.Text),
		Raw:      wm,
		Author: chat.Author{
			UserID:   wm.Sender.Name,
			UserName: wm.Sender.DisplayName,
			FullName: wm.Sender.DisplayName,
			IsBot:    isBot,
			IsMe:     wm.Sender.Name != "" && wm.Sender.Name == a.cfg.BotUser,
		},
		Metadata: chat.Metadata{
			DateSent: wm.CreateTime,
			Edited:   !wm.LastUpdateTime.IsZero() && wm.LastUpdateTime.After(wm.CreateTime),
			EditedAt: wm.LastUpdateTime,
		},
	}
}

// verifyToken compares the event's shared token in constant time.
func (a *Adapter) verifyToken(presented string) bool {
	if a.cfg.VerificationToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a.cfg.VerificationToken), []byte(presented)) == 1
}

// PostMessage creates a message in the thread. Cards degrade to their
// fallback text plus a cardsV2 body when the card is a Chat card.
func (a *Adapter) PostMessage(ctx context.Context, threadID string, p chat.Postable) (*chat.PostedMessage, error) {
	ref, err := decodeThreadIDParts(threadID)
	if err != nil {
		return nil, err
	}
	if len(p.Files) > 0 {
		return nil, chat.NewNotImplementedError(adapterName, "file attachments")
	}
	req := map[string]any{"text": p.PlainText()}
	if p.Kind == chat.PostCard && p.Card != nil {
		req["cardsV2"] = p.Card
	}
	if ref.ThreadName != "" {
		req["thread"] = map[string]string{"name": ref.ThreadName}
	}
	path := "/" + ref.Space + "/messages"
	if ref.ThreadName != "" {
		path += "?messageReplyOption=REPLY_MESSAGE_FALLBACK_TO_NEW_THREAD"
	}
	var resp wireMessage
	if err := a.call(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &chat.PostedMessage{ID: resp.Name, ThreadID: threadID, Raw: resp}, nil
}

// EditMessage updates the message text.
func (a *Adapter) EditMessage(ctx context.Context, threadID, messageID string, p chat.Postable) error {
	if err := a.DecodeThreadID(threadID); err != nil {
		return err
	}
	return a.call(ctx, http.MethodPatch, "/"+messageID+"?updateMask=text",
		map[string]any{"text": p.PlainText()}, nil)
}

// DeleteMessage removes the message.
func (a *Adapter) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	if err := a.DecodeThreadID(threadID); err != nil {
		return err
	}
	return a.call(ctx, http.MethodDelete, "/"+messageID, nil, nil)
}

// AddReaction creates a unicode reaction on the message.
func (a *Adapter) AddReaction(ctx context.Context, threadID, messageID, name string) error {
	if err := a.DecodeThreadID(threadID); err != nil {
		return err
	}
	return a.call(ctx, http.MethodPost, "/"+messageID+"/reactions",
		map[string]any{"emoji": map[string]string{"unicode": emoji.ToGChat(name)}}, nil)
}

// RemoveReaction is not offered by the Chat API for apps.
func (a *Adapter) RemoveReaction(ctx context.Context, threadID, messageID, name string) error {
	return chat.NewNotImplementedError(adapterName, "reaction removal")
}

// StartTyping is not offered by the Chat API.
func (a *Adapter) StartTyping(ctx context.Context, threadID string) error {
	return chat.NewNotImplementedError(adapterName, "typing indicator")
}

// FetchMessages lists thread messages oldest-first.
func (a *Adapter) FetchMessages(ctx context.Context, threadID string, opts chat.FetchOptions) (*chat.MessagePage, error) {
	ref, err := decodeThreadIDParts(threadID)
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	path := fmt.Sprintf("/%s/messages?pageSize=%d&orderBy=createTime", ref.Space, limit)
	if ref.ThreadName != "" {
		path += "&filter=" + "thread.name%3D%22" + strings.ReplaceAll(ref.ThreadName, "/", "%2F") + "%22"
	}
	if opts.Cursor != "" {
		path += "&pageToken=" + opts.Cursor
	}
	var resp struct {
		Messages      []wireMessage `json:"messages"`
		NextPageToken string        `json:"nextPageToken"`
	}
	if err := a.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	page := &chat.MessagePage{NextCursor: resp.NextPageToken}
	for _, wm := range resp.Messages {
		page.Messages = append(page.Messages, a.normalizeMessage(wm))
	}
	return page, nil
}

// FetchThread resolves the space resource.
func (a *Adapter) FetchThread(ctx context.Context, threadID string) (*chat.ThreadInfo, error) {
	ref, err := decodeThreadIDParts(threadID)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Name        string `json:"name"`
		Type        string `json:"type"`
		DisplayName string `json:"displayName"`
	}
	if err := a.call(ctx, http.MethodGet, "/"+ref.Space, nil, &resp); err != nil {
		return nil, err
	}
	return &chat.ThreadInfo{
		ChannelID:   resp.Name,
		ChannelName: resp.DisplayName,
		IsDM:        ref.DM || resp.Type == "DM",
	}, nil
}

// RenderFormatted renders pre-rendered string documents only.
func (a *Adapter) RenderFormatted(f chat.Formatted) (string, error) {
	if s, ok := f.(string); ok {
		return s, nil
	}
	return "", chat.NewNotImplementedError(adapterName, "formatted rendering")
}

// MentionUser renders a platform-native mention.
func (a *Adapter) MentionUser(userID string) string {
	if !strings.HasPrefix(userID, "users/") {
		userID = "users/" + userID
	}
	return "<" + userID + ">"
}
