// Package chat defines the normalized data model shared across every
// platform adapter, the adapter contract itself, and the typed error
// taxonomy surfaced at the public boundary. The kernel routes values of
// these types without ever inspecting platform payloads.
package chat

import (
	"context"
	"net/http"
	"time"
)

// BotFlag is the tri-state answer to "is this author a bot?".
// Some platforms do not expose the distinction, hence BotUnknown.
type BotFlag int

const (
	BotUnknown BotFlag = iota
	BotNo
	BotYes
)

func (b BotFlag) String() string {
	switch b {
	case BotNo:
		return "no"
	case BotYes:
		return "yes"
	default:
		return "unknown"
	}
}

// Author identifies who produced a message or reaction.
// IsMe is set by the adapter when the event originates from this bot
// instance; the kernel drops such events unconditionally.
type Author struct {
	UserID   string
	UserName string
	FullName string
	IsBot    BotFlag
	IsMe     bool
}

// Formatted is a platform-neutral document tree (a Markdown-like AST).
// The kernel passes it through without inspection; only adapters parse
// and render it.
type Formatted any

// AttachmentType classifies a message attachment.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentFile  AttachmentType = "file"
	AttachmentVideo AttachmentType = "video"
	AttachmentAudio AttachmentType = "audio"
)

// Attachment describes a file attached to a message. FetchData, when
// non-nil, is a one-shot byte supplier for downloads gated behind
// platform auth.
type Attachment struct {
	Type      AttachmentType
	URL       string
	Name      string
	MimeType  string
	Size      int64
	Width     int
	Height    int
	FetchData func(ctx context.Context) ([]byte, error)
}

// Metadata carries message timing information.
type Metadata struct {
	DateSent time.Time
	Edited   bool
	EditedAt time.Time
}

// Message is the normalized message value handed to handlers. Messages
// are value objects; the kernel never mutates one after setting
// IsMention during dispatch.
type Message struct {
	ID          string
	ThreadID    string
	Text        string // plain text, platform mentions normalized to @name
	Formatted   Formatted
	Raw         any // platform-opaque original payload
	Author      Author
	Metadata    Metadata
	Attachments []Attachment
	IsMention   bool // set by the kernel after mention detection
}

// Reaction is a normalized emoji reaction event.
type Reaction struct {
	Emoji     string // normalized name, e.g. "thumbsup"
	RawEmoji  string // platform-native representation
	Added     bool
	User      Author
	MessageID string
	ThreadID  string
	Raw       any
}

// Action is a normalized card-button click event.
type Action struct {
	ActionID  string
	Value     string
	User      Author
	MessageID string
	ThreadID  string
	Raw       any
}

// ThreadInfo describes a thread's channel identity.
type ThreadInfo struct {
	ChannelID   string
	ChannelName string
	IsDM        bool
}

// FetchDirection orders message history pagination.
type FetchDirection string

const (
	FetchForward  FetchDirection = "forward"
	FetchBackward FetchDirection = "backward"
)

// FetchOptions controls history pagination. Limit is a maximum, not a
// minimum; adapters may return fewer messages per page.
type FetchOptions struct {
	Limit     int
	Cursor    string
	Direction FetchDirection
}

// MessagePage is one page of fetched history. NextCursor is empty when
// no further pages exist.
type MessagePage struct {
	Messages   []Message
	NextCursor string
}

// PostedMessage identifies a message the adapter just created.
type PostedMessage struct {
	ID       string
	ThreadID string
	Raw      any
}

// WebhookOptions carries per-request hooks into webhook handling.
// WaitUntil, when non-nil, receives the whole dispatch as a background
// task so serverless hosts can return the HTTP response immediately.
type WebhookOptions struct {
	WaitUntil func(task func())
}

// Kernel is the back-reference adapters receive in Initialize. Every
// normalized event an adapter produces enters the runtime through one
// of these three methods.
type Kernel interface {
	ProcessMessage(ctx context.Context, a Adapter, threadID string, msg Message, opts *WebhookOptions) error
	ProcessReaction(ctx context.Context, a Adapter, reaction Reaction, opts *WebhookOptions) error
	ProcessAction(ctx context.Context, a Adapter, action Action, opts *WebhookOptions) error
}

// Adapter is the contract a platform plug-in must satisfy. Adapters own
// their wire protocol entirely: signature verification, payload shapes,
// API authentication, and the thread-ID codec.
type Adapter interface {
	// Name is the unique key under which the adapter is registered and
	// the prefix of every thread ID it produces.
	Name() string
	// UserName is the bot's handle on this platform, used for mention
	// detection. It is matched literally; platforms that advertise a
	// suffixed handle (e.g. "my-bot[bot]") keep the suffix.
	UserName() string
	// BotUserID is the platform-native bot ID for fallback mention
	// detection, or "" when unknown.
	BotUserID() string

	// Initialize hands the adapter its kernel back-reference. Called
	// once before any webhook traffic.
	Initialize(k Kernel)

	// HandleWebhook verifies, parses and normalizes one platform
	// delivery, hands resulting events to the kernel, and writes a
	// platform-appropriate acknowledgement.
	HandleWebhook(w http.ResponseWriter, r *http.Request, opts *WebhookOptions)

	PostMessage(ctx context.Context, threadID string, p Postable) (*PostedMessage, error)
	EditMessage(ctx context.Context, threadID, messageID string, p Postable) error
	DeleteMessage(ctx context.Context, threadID, messageID string) error
	AddReaction(ctx context.Context, threadID, messageID, emoji string) error
	RemoveReaction(ctx context.Context, threadID, messageID, emoji string) error
	StartTyping(ctx context.Context, threadID string) error

	FetchMessages(ctx context.Context, threadID string, opts FetchOptions) (*MessagePage, error)
	FetchThread(ctx context.Context, threadID string) (*ThreadInfo, error)

	// DecodeThreadID validates a thread ID produced by this adapter.
	// Malformed input yields a ValidationError.
	DecodeThreadID(threadID string) error

	// RenderFormatted renders a formatted document to the platform's
	// wire format.
	RenderFormatted(f Formatted) (string, error)
}

// ThreadSubscribeHook is implemented by adapters that must register
// platform-side event subscriptions when a thread is subscribed.
// The hook has at-least-once semantics: it may run again for an
// already-subscribed thread and must tolerate that.
type ThreadSubscribeHook interface {
	OnThreadSubscribe(ctx context.Context, threadID string) error
}

// DMOpener is implemented by adapters whose platform supports opening
// direct-message threads.
type DMOpener interface {
	OpenDM(ctx context.Context, userID string) (threadID string, err error)
}

// DMChecker reports whether a thread is a direct message. Adapters that
// do not implement it default to false.
type DMChecker interface {
	IsDM(threadID string) bool
}

// MessageParser is implemented by adapters that can re-normalize a raw
// payload handed back without its original thread context.
type MessageParser interface {
	ParseMessage(raw any) (*Message, error)
}

// MentionRenderer renders a user mention in the platform's plain-text
// convention. Adapters without it fall back to "@<userID>".
type MentionRenderer interface {
	MentionUser(userID string) string
}
