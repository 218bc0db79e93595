// Package slack adapts the Slack Events API, Socket Mode and Web API
// to the normalized chat model.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/crossbot/crossbot/internal/adapter/apiclient"
	"github.com/crossbot/crossbot/internal/chat"
	"github.com/crossbot/crossbot/internal/chat/emoji"
)

const (
	adapterName    = "slack"
	defaultAPIBase = "https://slack.com/api"
)

// Config holds Slack credentials and identity.
type Config struct {
	BotToken      string // xoxb- token for Web API egress
	AppToken      string // xapp- token, required only for Socket Mode
	SigningSecret string // Events API request signing secret
	UserName      string // bot handle used in mention normalization
	BotUserID     string // Uxxxx id of the bot user, for self-detection
}

// Adapter is the Slack platform adapter.
type Adapter struct {
	cfg     Config
	kernel  chat.Kernel
	api     *apiclient.Client
	apiBase string
	log     *slog.Logger
	now     func() time.Time
}

// New creates a Slack adapter.
func New(cfg Config, opts ...Option) *Adapter {
	a := &Adapter{
		cfg:     cfg,
		api:     apiclient.New(adapterName),
		apiBase: defaultAPIBase,
		log:     slog.With("adapter", adapterName),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithAPIBase points egress at a different base URL. Tests use this.
func WithAPIBase(base string) Option {
	return func(a *Adapter) { a.apiBase = strings.TrimSuffix(base, "/") }
}

// WithAPIClient replaces the egress client.
func WithAPIClient(c *apiclient.Client) Option {
	return func(a *Adapter) { a.api = c }
}

func (a *Adapter) Name() string             { return adapterName }
func (a *Adapter) UserName() string         { return a.cfg.UserName }
func (a *Adapter) BotUserID() string        { return a.cfg.BotUserID }
func (a *Adapter) Initialize(k chat.Kernel) { a.kernel = k }

// apiResponse is the envelope every Web API method returns.
type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (r apiResponse) err() error {
	if r.OK {
		return nil
	}
	switch r.Error {
	case "channel_not_found", "message_not_found", "thread_not_found":
		return chat.NewResourceNotFoundError(adapterName, r.Error)
	case "invalid_auth", "token_revoked", "not_authed":
		return chat.NewAuthenticationError(adapterName, fmt.Errorf("%s", r.Error))
	case "missing_scope", "restricted_action":
		return chat.NewPermissionError(adapterName, fmt.Errorf("%s", r.Error))
	}
	return &chat.AdapterError{Adapter: adapterName, Code: chat.CodeAdapter, Message: r.Error}
}

func (a *Adapter) call(ctx context.Context, method string, req, out any) error {
	header := http.Header{"Authorization": {"Bearer " + a.cfg.BotToken}}
	return a.api.DoJSON(ctx, http.MethodPost, a.apiBase+"/"+method, header, req, out)
}

// PostMessage sends into the thread via chat.postMessage. Raw postables
// are sent as blocks JSON; everything else degrades to mrkdwn text.
func (a *Adapter) PostMessage(ctx context.Context, threadID string, p chat.Postable) (*chat.PostedMessage, error) {
	channel, threadTS, err := decodeThreadID(threadID)
	if err != nil {
		return nil, err
	}
	if len(p.Files) > 0 {
		return nil, chat.NewNotImplementedError(adapterName, "file attachments")
	}
	req := map[string]any{
		"channel":   channel,
		"thread_ts": threadTS,
	}
	if p.Kind == chat.PostRaw {
		req["blocks"] = p.Text
	} else {
		req["text"] = p.PlainText()
	}
	var resp struct {
		apiResponse
		TS      string `json:"ts"`
		Channel string `json:"channel"`
	}
	if err := a.call(ctx, "chat.postMessage", req, &resp); err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	return &chat.PostedMessage{ID: resp.TS, ThreadID: threadID, Raw: resp}, nil
}

// EditMessage rewrites a message via chat.update.
func (a *Adapter) EditMessage(ctx context.Context, threadID, messageID string, p chat.Postable) error {
	channel, _, err := decodeThreadID(threadID)
	if err != nil {
		return err
	}
	var resp apiResponse
	if err := a.call(ctx, "chat.update", map[string]any{
		"channel": channel, "ts": messageID, "text": p.PlainText(),
	}, &resp); err != nil {
		return err
	}
	return resp.err()
}

// DeleteMessage removes a message via chat.delete.
func (a *Adapter) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	channel, _, err := decodeThreadID(threadID)
	if err != nil {
		return err
	}
	var resp apiResponse
	if err := a.call(ctx, "chat.delete", map[string]any{
		"channel": channel, "ts": messageID,
	}, &resp); err != nil {
		return err
	}
	return resp.err()
}

// AddReaction reacts with a normalized emoji name, translated to the
// slack short name.
func (a *Adapter) AddReaction(ctx context.Context, threadID, messageID, name string) error {
	channel, _, err := decodeThreadID(threadID)
	if err != nil {
		return err
	}
	var resp apiResponse
	if err := a.call(ctx, "reactions.add", map[string]any{
		"channel": channel, "timestamp": messageID, "name": emoji.ToSlack(name),
	}, &resp); err != nil {
		return err
	}
	if resp.Error == "already_reacted" {
		return nil
	}
	return resp.err()
}

// RemoveReaction removes a reaction.
func (a *Adapter) RemoveReaction(ctx context.Context, threadID, messageID, name string) error {
	channel, _, err := decodeThreadID(threadID)
	if err != nil {
		return err
	}
	var resp apiResponse
	if err := a.call(ctx, "reactions.remove", map[string]any{
		"channel": channel, "timestamp": messageID, "name": emoji.ToSlack(name),
	}, &resp); err != nil {
		return err
	}
	if resp.Error == "no_reaction" {
		return nil
	}
	return resp.err()
}

// StartTyping is not available to Web API bots.
func (a *Adapter) StartTyping(ctx context.Context, threadID string) error {
	return chat.NewNotImplementedError(adapterName, "typing indicator")
}

// FetchMessages pages the thread with conversations.replies.
func (a *Adapter) FetchMessages(ctx context.Context, threadID string, opts chat.FetchOptions) (*chat.MessagePage, error) {
	channel, threadTS, err := decodeThreadID(threadID)
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	// conversations.replies only pages oldest-first; a backward fetch
	// is emulated by walking the thread to its end and reversing.
	if opts.Direction == chat.FetchBackward {
		return a.fetchBackward(ctx, channel, threadTS, limit)
	}
	req := map[string]any{
		"channel": channel,
		"ts":      threadTS,
		"limit":   limit,
	}
	if opts.Cursor != "" {
		req["cursor"] = opts.Cursor
	}
	var resp repliesResponse
	if err := a.call(ctx, "conversations.replies", req, &resp); err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	page := &chat.MessagePage{NextCursor: resp.Metadata.NextCursor}
	for _, wm := range resp.Messages {
		page.Messages = append(page.Messages, a.normalizeMessage(channel, wm))
	}
	return page, nil
}

type repliesResponse struct {
	apiResponse
	Messages []wireMessage `json:"messages"`
	Metadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

func (a *Adapter) fetchBackward(ctx context.Context, channel, threadTS string, limit int) (*chat.MessagePage, error) {
	var all []chat.Message
	cursor := ""
	for {
		req := map[string]any{
			"channel": channel,
			"ts":      threadTS,
			"limit":   200,
		}
		if cursor != "" {
			req["cursor"] = cursor
		}
		var resp repliesResponse
		if err := a.call(ctx, "conversations.replies", req, &resp); err != nil {
			return nil, err
		}
		if err := resp.err(); err != nil {
			return nil, err
		}
		for _, wm := range resp.Messages {
			all = append(all, a.normalizeMessage(channel, wm))
		}
		if resp.Metadata.NextCursor == "" {
			break
		}
		cursor = resp.Metadata.NextCursor
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if len(all) > limit {
		all = all[:limit]
	}
	return &chat.MessagePage{Messages: all}, nil
}

// FetchThread resolves channel identity via conversations.info.
func (a *Adapter) FetchThread(ctx context.Context, threadID string) (*chat.ThreadInfo, error) {
	channel, _, err := decodeThreadID(threadID)
	if err != nil {
		return nil, err
	}
	var resp struct {
		apiResponse
		Channel struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			IsIM bool   `json:"is_im"`
		} `json:"channel"`
	}
	if err := a.call(ctx, "conversations.info", map[string]any{"channel": channel}, &resp); err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	return &chat.ThreadInfo{
		ChannelID:   resp.Channel.ID,
		ChannelName: resp.Channel.Name,
		IsDM:        resp.Channel.IsIM,
	}, nil
}

// OpenDM opens (or resumes) a direct-message conversation.
func (a *Adapter) OpenDM(ctx context.Context, userID string) (string, error) {
	var resp struct {
		apiResponse
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
	}
	if err := a.call(ctx, "conversations.open", map[string]any{"users": userID}, &resp); err != nil {
		return "", err
	}
	if err := resp.err(); err != nil {
		return "", err
	}
	// DM threads anchor on the channel itself; first post creates the ts.
	return encodeThreadID(resp.Channel.ID, resp.Channel.ID), nil
}

// DecodeThreadID validates a slack thread ID.
func (a *Adapter) DecodeThreadID(threadID string) error {
	_, _, err := decodeThreadID(threadID)
	return err
}

// RenderFormatted renders pre-rendered string documents; richer trees
// are out of scope for this adapter.
func (a *Adapter) RenderFormatted(f chat.Formatted) (string, error) {
	if s, ok := f.(string); ok {
		return s, nil
	}
	return "", chat.NewNotImplementedError(adapterName, "formatted rendering")
}

// MentionUser renders a platform-native mention.
func (a *Adapter) MentionUser(userID string) string {
	return "<@" + userID + ">"
}

// wireMessage is the subset of a Slack message event we consume.
type wireMessage struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
	Channel  string `json:"channel"`
	Edited   *struct {
		TS string `json:"ts"`
	} `json:"edited"`
	Files []struct {
		Name       string `json:"name"`
		Mimetype   string `json:"mimetype"`
		Size       int64  `json:"size"`
		URLPrivate string `json:"url_private"`
	} `json:"files"`
}

var userMentionRe = regexp.MustCompile(`<@([A-Z0-9]+)(?:\|[^>]*)?>`)

// normalizeText rewrites slack mention syntax to the canonical @name
// form. The bot's own mention becomes @<UserName> so kernel detection
// matches; other users keep their ID.
func (a *Adapter) normalizeText(text string) string {
	return userMentionRe.ReplaceAllStringFunc(text, func(m string) string {
		id := userMentionRe.FindStringSubmatch(m)[1]
		if id == a.cfg.BotUserID && a.cfg.UserName != "" {
			return "@" + a.cfg.UserName
		}
		return "@" + id
	})
}

func (a *Adapter) normalizeMessage(channel string, wm wireMessage) chat.Message {
	threadTS := wm.ThreadTS
	if threadTS == "" {
		threadTS = wm.TS
	}
	isBot := chat.BotNo
	if wm.BotID != "" {
		isBot = chat.BotYes
	}
	msg := chat.Message{
		ID:       wm.TS,
		ThreadID: encodeThreadID(channel, threadTS),
		Text:     a.normalizeText(wm.Text),
		Raw:      wm,
		Author: chat.Author{
			UserID:   wm.User,
			UserName: wm.User,
			IsBot:    isBot,
			IsMe:     wm.User != "" && wm.User == a.cfg.BotUserID,
		},
		Metadata: chat.Metadata{
			DateSent: tsTime(wm.TS),
			Edited:   wm.Edited != nil,
		},
	}
	if wm.Edited != nil {
		msg.Metadata.EditedAt = tsTime(wm.Edited.TS)
	}
	for _, f := range wm.Files {
		msg.Attachments = append(msg.Attachments, chat.Attachment{
			Type:     attachmentType(f.Mimetype),
			URL:      f.URLPrivate,
			Name:     f.Name,
			MimeType: f.Mimetype,
			Size:     f.Size,
		})
	}
	return msg
}

// ParseMessage re-normalizes a raw message event handed back without
// its original delivery context. It accepts the decoded wire form or
// its JSON encoding.
func (a *Adapter) ParseMessage(raw any) (*chat.Message, error) {
	var wm wireMessage
	switch v := raw.(type) {
	case wireMessage:
		wm = v
	case json.RawMessage:
		if err := json.Unmarshal(v, &wm); err != nil {
			return nil, chat.NewValidationError(adapterName, "undecodable raw message: "+err.Error())
		}
	case []byte:
		if err := json.Unmarshal(v, &wm); err != nil {
			return nil, chat.NewValidationError(adapterName, "undecodable raw message: "+err.Error())
		}
	case string:
		if err := json.Unmarshal([]byte(v), &wm); err != nil {
			return nil, chat.NewValidationError(adapterName, "undecodable raw message: "+err.Error())
		}
	default:
		return nil, chat.NewValidationError(adapterName, fmt.Sprintf("unsupported raw payload %T", raw))
	}
	if wm.Channel == "" || wm.TS == "" {
		return nil, chat.NewValidationError(adapterName, "raw message missing channel or ts")
	}
	msg := a.normalizeMessage(wm.Channel, wm)
	return &msg, nil
}

func attachmentType(mime string) chat.AttachmentType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return chat.AttachmentImage
	case strings.HasPrefix(mime, "video/"):
		return chat.AttachmentVideo
	case strings.HasPrefix(mime, "audio/"):
		return chat.AttachmentAudio
	}
	return chat.AttachmentFile
}

// tsTime converts a slack ts ("1712345678.000100") to a time.
func tsTime(ts string) time.Time {
	dot := strings.IndexByte(ts, '.')
	if dot < 0 {
		dot = len(ts)
	}
	var secs int64
	fmt.Sscanf(ts[:dot], "%d", &secs)
	return time.Unix(secs, 0)
}
