// Package github adapts GitHub issue and review-comment webhooks and
// the REST API to the normalized chat model. An issue or pull request
// is a thread; a review-comment chain is its own thread.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crossbot/crossbot/internal/adapter/apiclient"
	"github.com/crossbot/crossbot/internal/chat"
	"github.com/crossbot/crossbot/internal/state"
)

const (
	adapterName    = "github"
	defaultAPIBase = "https://api.github.com"

	// installKeyPrefix caches per-installation tokens in the state
	// store so restarts do not re-mint immediately.
	installKeyPrefix = "github:install:"
)

// TokenMinter exchanges an installation ID for a short-lived token.
type TokenMinter func(ctx context.Context, installationID int64) (token string, expiresAt time.Time, err error)

// Config holds GitHub App credentials and identity.
type Config struct {
	WebhookSecret string
	UserName      string // app slug with the "[bot]" suffix, e.g. "crossbot[bot]"
	BotUserID     string // numeric user id of the app's bot user

	// MintToken creates installation tokens. A static PAT can be wired
	// as a minter that never expires.
	MintToken TokenMinter
}

// Adapter is the GitHub platform adapter.
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

// New creates a GitHub adapter. The store caches installation tokens
// and the repo → installation mapping.
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
func (a *Adapter) BotUserID() string        { return a.cfg.BotUserID }
func (a *Adapter) Initialize(k chat.Kernel) { a.kernel = k }

// Thread IDs are "github:<owner>/<repo>:<issue-number>" for issue and
// PR conversations, with an ":rc:<root-comment-id>" tail for review
// comment chains.

type threadRef struct {
	Repo          string // "owner/repo"
	Number        int
	ReviewComment int64 // root comment id, 0 for the issue conversation
}

func (r threadRef) encode() string {
	id := fmt.Sprintf("%s:%s:%d", adapterName, r.Repo, r.Number)
	if r.ReviewComment != 0 {
		id += ":rc:" + strconv.FormatInt(r.ReviewComment, 10)
	}
	return id
}

func decodeThreadIDParts(threadID string) (threadRef, error) {
	bad := func() (threadRef, error) {
		return threadRef{}, chat.NewValidationError(adapterName, "malformed thread id "+threadID)
	}
	parts := strings.Split(threadID, ":")
	if (len(parts) != 3 && len(parts) != 5) || parts[0] != adapterName {
		return bad()
	}
	if !strings.Contains(parts[1], "/") {
		return bad()
	}
	num, err := strconv.Atoi(parts[2])
	if err != nil || num <= 0 {
		return bad()
	}
	ref := threadRef{Repo: parts[1], Number: num}
	if len(parts) == 5 {
		if parts[3] != "rc" {
			return bad()
		}
		rc, err := strconv.ParseInt(parts[4], 10, 64)
		if err != nil || rc <= 0 {
			return bad()
		}
		ref.ReviewComment = rc
	}
	return ref, nil
}

// DecodeThreadID validates a github thread ID.
func (a *Adapter) DecodeThreadID(threadID string) error {
	_, err := decodeThreadIDParts(threadID)
	return err
}

// installToken returns a valid token for the repo's installation,
// minting and caching on miss. Cached tokens carry a KV TTL trimmed a
// minute short of their real expiry.
func (a *Adapter) installToken(ctx context.Context, repo string) (string, error) {
	installID, err := a.installationFor(ctx, repo)
	if err != nil {
		return "", err
	}
	key := installKeyPrefix + "token:" + strconv.FormatInt(installID, 10)
	if cached, err := a.store.Get(ctx, key); err == nil && cached != nil {
		return string(cached), nil
	}
	if a.cfg.MintToken == nil {
		return "", chat.NewAuthenticationError(adapterName, fmt.Errorf("no token minter configured"))
	}
	token, expires, err := a.cfg.MintToken(ctx, installID)
	if err != nil {
		return "", chat.NewAuthenticationError(adapterName, err)
	}
	ttl := time.Until(expires) - time.Minute
	if ttl > 0 {
		if err := a.store.Set(ctx, key, []byte(token), ttl); err != nil {
			a.log.Warn("token cache write failed", "error", err)
		}
	}
	return token, nil
}

// installationFor resolves the installation owning a repo, recorded at
// webhook time.
func (a *Adapter) installationFor(ctx context.Context, repo string) (int64, error) {
	v, err := a.store.Get(ctx, installKeyPrefix+repo)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, chat.NewValidationError(adapterName, "no installation known for "+repo)
	}
	return strconv.ParseInt(string(v), 10, 64)
}

func (a *Adapter) rememberInstallation(ctx context.Context, repo string, installID int64) {
	if repo == "" || installID == 0 {
		return
	}
	if err := a.store.Set(ctx, installKeyPrefix+repo, []byte(strconv.FormatInt(installID, 10)), 0); err != nil {
		a.log.Warn("installation mapping write failed", "repo", repo, "error", err)
	}
}

func (a *Adapter) call(ctx context.Context, method, path, repo string, req, out any) error {
	token, err := a.installToken(ctx, repo)
	if err != nil {
		return err
	}
	header := http.Header{
		"Authorization": {"Bearer " + token},
		"Accept":        {"application/vnd.github+json"},
	}
	return a.api.DoJSON(ctx, method, a.apiBase+path, header, req, out)
}

// wireComment is the REST comment subset we consume.
type wireComment struct {
	ID   int64 `json:"id"`
	User struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Type  string `json:"type"` // "User" | "Bot"
	} `json:"user"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	InReplyToID int64     `json:"in_reply_to_id"`
}

func (a *Adapter) normalizeComment(ref threadRef, c wireComment) chat.Message {
	isBot := chat.BotNo
	if c.User.Type == "Bot" {
		isBot = chat.BotYes
	}
	login := c.User.Login
	return chat.Message{
		ID:       strconv.FormatInt(c.ID, 10),
		ThreadID: ref.encode(),
		// GitHub bodies already carry mentions as "@login".
		Text: c.Body,
		Raw:  c,
		Author: chat.Author{
			UserID:   strconv.FormatInt(c.User.ID, 10),
			UserName: login,
			IsBot:    isBot,
			IsMe:     a.isSelf(login, c.User.ID),
		},
		Metadata: chat.Metadata{
			DateSent: c.CreatedAt,
			Edited:   c.UpdatedAt.After(c.CreatedAt),
			EditedAt: c.UpdatedAt,
		},
	}
}

// isSelf matches by login (apps comment as "<slug>[bot]") or by the
// bot user's numeric id.
func (a *Adapter) isSelf(login string, userID int64) bool {
	if a.cfg.UserName != "" && login == a.cfg.UserName {
		return true
	}
	return a.cfg.BotUserID != "" && strconv.FormatInt(userID, 10) == a.cfg.BotUserID
}

func (a *Adapter) commentPath(ref threadRef, commentID string) string {
	if ref.ReviewComment != 0 {
		return fmt.Sprintf("/repos/%s/pulls/comments/%s", ref.Repo, commentID)
	}
	return fmt.Sprintf("/repos/%s/issues/comments/%s", ref.Repo, commentID)
}

// PostMessage comments on the issue conversation or replies to the
// review-comment chain.
func (a *Adapter) PostMessage(ctx context.Context, threadID string, p chat.Postable) (*chat.PostedMessage, error) {
	ref, err := decodeThreadIDParts(threadID)
	if err != nil {
		return nil, err
	}
	if len(p.Files) > 0 {
		return nil, chat.NewNotImplementedError(adapterName, "file attachments")
	}
	var path string
	if ref.ReviewComment != 0 {
		path = fmt.Sprintf("/repos/%s/pulls/%d/comments/%d/replies", ref.Repo, ref.Number, ref.ReviewComment)
	} else {
		path = fmt.Sprintf("/repos/%s/issues/%d/comments", ref.Repo, ref.Number)
	}
	body := p.PlainText()
	if p.Kind == chat.PostMarkdown {
		body = p.Markdown
	}
	var resp wireComment
	if err := a.call(ctx, http.MethodPost, path, ref.Repo, map[string]string{"body": body}, &resp); err != nil {
		return nil, err
	}
	return &chat.PostedMessage{ID: strconv.FormatInt(resp.ID, 10), ThreadID: threadID, Raw: resp}, nil
}

// EditMessage rewrites a comment body.
func (a *Adapter) EditMessage(ctx context.Context, threadID, messageID string, p chat.Postable) error {
	ref, err := decodeThreadIDParts(threadID)
	if err != nil {
		return err
	}
	return a.call(ctx, http.MethodPatch, a.commentPath(ref, messageID), ref.Repo,
		map[string]string{"body": p.PlainText()}, nil)
}

// DeleteMessage removes a comment.
func (a *Adapter) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	ref, err := decodeThreadIDParts(threadID)
	if err != nil {
		return err
	}
	return a.call(ctx, http.MethodDelete, a.commentPath(ref, messageID), ref.Repo, nil, nil)
}

// reactionContent maps normalized emoji names onto GitHub's fixed
// reaction set.
func reactionContent(name string) (string, bool) {
	switch name {
	case "thumbsup":
		return "+1", true
	case "thumbsdown":
		return "-1", true
	case "laughing":
		return "laugh", true
	case "thinking_face", "question":
		return "confused", true
	case "heart":
		return "heart", true
	case "tada":
		return "hooray", true
	case "rocket":
		return "rocket", true
	case "eyes":
		return "eyes", true
	}
	return "", false
}

// AddReaction reacts to a comment. GitHub supports a fixed eight.
func (a *Adapter) AddReaction(ctx context.Context, threadID, messageID, name string) error {
	ref, err := decodeThreadIDParts(threadID)
	if err != nil {
		return err
	}
	content, ok := reactionContent(name)
	if !ok {
		return chat.NewNotImplementedError(adapterName, "reaction "+name)
	}
	return a.call(ctx, http.MethodPost, a.commentPath(ref, messageID)+"/reactions", ref.Repo,
		map[string]string{"content": content}, nil)
}

// RemoveReaction requires the reaction id, which the fixed-content API
// does not return for lookups by name.
func (a *Adapter) RemoveReaction(ctx context.Context, threadID, messageID, name string) error {
	return chat.NewNotImplementedError(adapterName, "reaction removal")
}

// StartTyping has no GitHub equivalent.
func (a *Adapter) StartTyping(ctx context.Context, threadID string) error {
	return chat.NewNotImplementedError(adapterName, "typing indicator")
}

// FetchMessages pages the conversation oldest-first. The cursor is the
// page number.
func (a *Adapter) FetchMessages(ctx context.Context, threadID string, opts chat.FetchOptions) (*chat.MessagePage, error) {
	ref, err := decodeThreadIDParts(threadID)
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	pageNum := 1
	if opts.Cursor != "" {
		pageNum, err = strconv.Atoi(opts.Cursor)
		if err != nil || pageNum < 1 {
			return nil, chat.NewValidationError(adapterName, "malformed cursor "+opts.Cursor)
		}
	}
	var path string
	if ref.ReviewComment != 0 {
		path = fmt.Sprintf("/repos/%s/pulls/%d/comments?per_page=%d&page=%d", ref.Repo, ref.Number, limit, pageNum)
	} else {
		path = fmt.Sprintf("/repos/%s/issues/%d/comments?per_page=%d&page=%d", ref.Repo, ref.Number, limit, pageNum)
	}
	var comments []wireComment
	if err := a.call(ctx, http.MethodGet, path, ref.Repo, nil, &comments); err != nil {
		return nil, err
	}
	page := &chat.MessagePage{}
	for _, c := range comments {
		if ref.ReviewComment != 0 && c.ID != ref.ReviewComment && c.InReplyToID != ref.ReviewComment {
			continue
		}
		page.Messages = append(page.Messages, a.normalizeComment(ref, c))
	}
	if len(comments) == limit {
		page.NextCursor = strconv.Itoa(pageNum + 1)
	}
	return page, nil
}

// FetchThread reports the repo as the channel.
func (a *Adapter) FetchThread(ctx context.Context, threadID string) (*chat.ThreadInfo, error) {
	ref, err := decodeThreadIDParts(threadID)
	if err != nil {
		return nil, err
	}
	return &chat.ThreadInfo{ChannelID: ref.Repo, ChannelName: ref.Repo}, nil
}

// RenderFormatted renders pre-rendered string documents only.
func (a *Adapter) RenderFormatted(f chat.Formatted) (string, error) {
	if s, ok := f.(string); ok {
		return s, nil
	}
	return "", chat.NewNotImplementedError(adapterName, "formatted rendering")
}
