// Package discord adapts the Discord gateway and REST API to the
// normalized chat model, via discordgo.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/crossbot/crossbot/internal/chat"
	"github.com/crossbot/crossbot/internal/chat/emoji"
)

const adapterName = "discord"

// Config holds Discord credentials and identity.
type Config struct {
	BotToken  string
	PublicKey string // hex ed25519 key for interaction webhooks
	UserName  string
	BotUserID string
}

// Adapter is the Discord platform adapter. Ingress is the gateway
// session; HandleWebhook serves only the interactions endpoint.
type Adapter struct {
	cfg     Config
	kernel  chat.Kernel
	session *discordgo.Session
	log     *slog.Logger
}

// New creates a Discord adapter. The gateway session is created but not
// opened; call Run to connect.
func New(cfg Config) (*Adapter, error) {
	session, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessageReactions |
		discordgo.IntentMessageContent
	a := &Adapter{
		cfg:     cfg,
		session: session,
		log:     slog.With("adapter", adapterName),
	}
	session.AddHandler(a.onMessageCreate)
	session.AddHandler(a.onReactionAdd)
	session.AddHandler(a.onReactionRemove)
	return a, nil
}

func (a *Adapter) Name() string             { return adapterName }
func (a *Adapter) UserName() string         { return a.cfg.UserName }
func (a *Adapter) BotUserID() string        { return a.cfg.BotUserID }
func (a *Adapter) Initialize(k chat.Kernel) { a.kernel = k }

// Run opens the gateway session and blocks until ctx is cancelled.
// discordgo reconnects internally.
func (a *Adapter) Run(ctx context.Context) error {
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	a.log.Info("gateway connected")
	<-ctx.Done()
	if err := a.session.Close(); err != nil {
		a.log.Warn("gateway close failed", "error", err)
	}
	return ctx.Err()
}

// Thread IDs are "discord:<channelID>": Discord threads and DMs are
// both channels.

func encodeThreadID(channelID string) string {
	return chat.JoinThreadID(adapterName, channelID)
}

func decodeChannelID(threadID string) (string, error) {
	parts := strings.SplitN(threadID, ":", 2)
	if len(parts) != 2 || parts[0] != adapterName || parts[1] == "" {
		return "", chat.NewValidationError(adapterName, "malformed thread id "+threadID)
	}
	return parts[1], nil
}

// DecodeThreadID validates a discord thread ID.
func (a *Adapter) DecodeThreadID(threadID string) error {
	_, err := decodeChannelID(threadID)
	return err
}

var userMentionRe = regexp.MustCompile(`<@!?(\d+)>`)

func (a *Adapter) normalizeText(text string) string {
	return userMentionRe.ReplaceAllStringFunc(text, func(m string) string {
		id := userMentionRe.FindStringSubmatch(m)[1]
		if id == a.cfg.BotUserID && a.cfg.UserName != "" {
			return "@" + a.cfg.UserName
		}
		return "@" + id
	})
}

func (a *Adapter) normalizeMessage(m *discordgo.Message) chat.Message {
	author := chat.Author{}
	if m.Author != nil {
		isBot := chat.BotNo
		if m.Author.Bot {
			isBot = chat.BotYes
		}
		author = chat.Author{
			UserID:   m.Author.ID,
			UserName: m.Author.Username,
			FullName: m.Author.GlobalName,
			IsBot:    isBot,
			IsMe:     m.Author.ID == a.cfg.BotUserID,
		}
	}
	msg := chat.Message{
		ID:       m.ID,
		ThreadID: encodeThreadID(m.ChannelID),
		Text:     a.normalizeText(m.Content),
		Raw:      m,
		Author:   author,
		Metadata: chat.Metadata{DateSent: m.Timestamp},
	}
	if m.EditedTimestamp != nil {
		msg.Metadata.Edited = true
		msg.Metadata.EditedAt = *m.EditedTimestamp
	}
	for _, att := range m.Attachments {
		msg.Attachments = append(msg.Attachments, chat.Attachment{
			Type:     attachmentType(att.ContentType),
			URL:      att.URL,
			Name:     att.Filename,
			MimeType: att.ContentType,
			Size:     int64(att.Size),
			Width:    att.Width,
			Height:   att.Height,
		})
	}
	return msg
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

func (a *Adapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	msg := a.normalizeMessage(m.Message)
	if err := a.kernel.ProcessMessage(context.Background(), a, msg.ThreadID, msg, nil); err != nil {
		a.log.Warn("message dispatch failed", "error", err)
	}
}

func (a *Adapter) onReactionAdd(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	a.dispatchReaction(r.MessageReaction, true)
}

func (a *Adapter) onReactionRemove(s *discordgo.Session, r *discordgo.MessageReactionRemove) {
	a.dispatchReaction(r.MessageReaction, false)
}

func (a *Adapter) dispatchReaction(r *discordgo.MessageReaction, added bool) {
	reaction := chat.Reaction{
		Emoji:     emoji.FromGChat(r.Emoji.Name).Name, // discord sends unicode
		RawEmoji:  r.Emoji.Name,
		Added:     added,
		User:      chat.Author{UserID: r.UserID, IsMe: r.UserID == a.cfg.BotUserID},
		MessageID: r.MessageID,
		ThreadID:  encodeThreadID(r.ChannelID),
		Raw:       r,
	}
	if err := a.kernel.ProcessReaction(context.Background(), a, reaction, nil); err != nil {
		a.log.Warn("reaction dispatch failed", "error", err)
	}
}

// restErr maps discordgo REST errors to the chat taxonomy.
func restErr(err error) error {
	if err == nil {
		return nil
	}
	if rerr, ok := err.(*discordgo.RESTError); ok && rerr.Response != nil {
		switch rerr.Response.StatusCode {
		case 401:
			return chat.NewAuthenticationError(adapterName, err)
		case 403:
			return chat.NewPermissionError(adapterName, err)
		case 404:
			return chat.NewResourceNotFoundError(adapterName, rerr.Response.Request.URL.Path)
		}
	}
	return &chat.AdapterError{Adapter: adapterName, Code: chat.CodeAdapter, Message: "rest call failed", Cause: err}
}

// PostMessage sends a message to the channel.
func (a *Adapter) PostMessage(ctx context.Context, threadID string, p chat.Postable) (*chat.PostedMessage, error) {
	channelID, err := decodeChannelID(threadID)
	if err != nil {
		return nil, err
	}
	if len(p.Files) > 0 {
		return nil, chat.NewNotImplementedError(adapterName, "file attachments")
	}
	m, err := a.session.ChannelMessageSend(channelID, p.PlainText(), discordgo.WithContext(ctx))
	if err != nil {
		return nil, restErr(err)
	}
	return &chat.PostedMessage{ID: m.ID, ThreadID: threadID, Raw: m}, nil
}

// EditMessage rewrites a message.
func (a *Adapter) EditMessage(ctx context.Context, threadID, messageID string, p chat.Postable) error {
	channelID, err := decodeChannelID(threadID)
	if err != nil {
		return err
	}
	_, err = a.session.ChannelMessageEdit(channelID, messageID, p.PlainText(), discordgo.WithContext(ctx))
	return restErr(err)
}

// DeleteMessage removes a message.
func (a *Adapter) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	channelID, err := decodeChannelID(threadID)
	if err != nil {
		return err
	}
	return restErr(a.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)))
}

// AddReaction reacts with the unicode rendition of the normalized name.
func (a *Adapter) AddReaction(ctx context.Context, threadID, messageID, name string) error {
	channelID, err := decodeChannelID(threadID)
	if err != nil {
		return err
	}
	return restErr(a.session.MessageReactionAdd(channelID, messageID, emoji.ToGChat(name), discordgo.WithContext(ctx)))
}

// RemoveReaction removes the bot's reaction.
func (a *Adapter) RemoveReaction(ctx context.Context, threadID, messageID, name string) error {
	channelID, err := decodeChannelID(threadID)
	if err != nil {
		return err
	}
	return restErr(a.session.MessageReactionRemove(channelID, messageID, emoji.ToGChat(name), "@me", discordgo.WithContext(ctx)))
}

// StartTyping shows the typing indicator.
func (a *Adapter) StartTyping(ctx context.Context, threadID string) error {
	channelID, err := decodeChannelID(threadID)
	if err != nil {
		return err
	}
	return restErr(a.session.ChannelTyping(channelID, discordgo.WithContext(ctx)))
}

// FetchMessages pages channel history. Discord pages newest-first with
// before/after anchors; the cursor carries the anchor message ID.
func (a *Adapter) FetchMessages(ctx context.Context, threadID string, opts chat.FetchOptions) (*chat.MessagePage, error) {
	channelID, err := decodeChannelID(threadID)
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var before, after string
	if opts.Direction == chat.FetchBackward {
		before = opts.Cursor
	} else {
		after = opts.Cursor
		if after == "" {
			// An empty after anchor would fetch the newest window;
			// forward iteration must start at the oldest message.
			after = "0"
		}
	}
	msgs, err := a.session.ChannelMessages(channelID, limit, before, after, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, restErr(err)
	}
	page := &chat.MessagePage{}
	// ChannelMessages returns newest-first; forward iteration wants the
	// reverse.
	for i := len(msgs) - 1; i >= 0; i-- {
		page.Messages = append(page.Messages, a.normalizeMessage(msgs[i]))
	}
	if len(msgs) == limit && len(page.Messages) > 0 {
		if opts.Direction == chat.FetchBackward {
			page.NextCursor = msgs[len(msgs)-1].ID
		} else {
			page.NextCursor = msgs[0].ID
		}
	}
	return page, nil
}

// FetchThread resolves channel identity.
func (a *Adapter) FetchThread(ctx context.Context, threadID string) (*chat.ThreadInfo, error) {
	channelID, err := decodeChannelID(threadID)
	if err != nil {
		return nil, err
	}
	ch, err := a.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, restErr(err)
	}
	return &chat.ThreadInfo{
		ChannelID:   ch.ID,
		ChannelName: ch.Name,
		IsDM:        ch.Type == discordgo.ChannelTypeDM,
	}, nil
}

// OpenDM opens a direct-message channel with the user.
func (a *Adapter) OpenDM(ctx context.Context, userID string) (string, error) {
	ch, err := a.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", restErr(err)
	}
	return encodeThreadID(ch.ID), nil
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
	return "<@" + userID + ">"
}
