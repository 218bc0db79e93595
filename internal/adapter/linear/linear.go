// Package linear adapts Linear comment webhooks and the GraphQL API to
// the normalized chat model. An issue is a thread; a comment chain
// under a root comment is its own thread.
package linear

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/crossbot/crossbot/internal/adapter/apiclient"
	"github.com/crossbot/crossbot/internal/chat"
	"github.com/crossbot/crossbot/internal/chat/emoji"
)

const (
	adapterName    = "linear"
	defaultAPIBase = "https://api.linear.app/graphql"
)

// Config holds Linear credentials and identity.
type Config struct {
	WebhookSecret string
	APIKey        string
	UserName      string
	BotUserID     string // Linear user id of the API key's actor
}

// Adapter is the Linear platform adapter.
type Adapter struct {
	cfg     Config
	kernel  chat.Kernel
	api     *apiclient.Client
	apiBase string
	log     *slog.Logger
	now     func() time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithAPIBase points egress at a different GraphQL endpoint.
func WithAPIBase(base string) Option {
	return func(a *Adapter) { a.apiBase = base }
}

// New creates a Linear adapter.
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

func (a *Adapter) Name() string             { return adapterName }
func (a *Adapter) UserName() string         { return a.cfg.UserName }
func (a *Adapter) BotUserID() string        { return a.cfg.BotUserID }
func (a *Adapter) Initialize(k chat.Kernel) { a.kernel = k }

// Thread IDs are "linear:<issueID>" for the issue conversation, with a
// ":c:<commentID>" tail for a chain rooted at one comment.

type threadRef struct {
	IssueID   string
	CommentID string // chain root, "" for the issue conversation
}

func (r threadRef) encode() string {
	id := adapterName + ":" + r.IssueID
	if r.CommentID != "" {
		id += ":c:" + r.CommentID
	}
	return id
}

func decodeThreadIDParts(threadID string) (threadRef, error) {
	bad := func() (threadRef, error) {
		return threadRef{}, chat.NewValidationError(adapterName, "malformed thread id "+threadID)
	}
	parts := strings.Split(threadID, ":")
	if (len(parts) != 2 && len(parts) != 4) || parts[0] != adapterName || parts[1] == "" {
		return bad()
	}
	ref := threadRef{IssueID: parts[1]}
	if len(parts) == 4 {
		if parts[2] != "c" || parts[3] == "" {
			return bad()
		}
		ref.CommentID = parts[3]
	}
	return ref, nil
}

// DecodeThreadID validates a linear thread ID.
func (a *Adapter) DecodeThreadID(threadID string) error {
	_, err := decodeThreadIDParts(threadID)
	return err
}

// graphql issues one query against the Linear API. GraphQL transports
// errors in-band over 200, so both layers are checked.
func (a *Adapter) graphql(ctx context.Context, query string, variables map[string]any, out any) error {
	req := map[string]any{"query": query}
	if variables != nil {
		req["variables"] = variables
	}
	var resp struct {
		Data   interface{} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	resp.Data = out
	header := http.Header{"Authorization": {a.cfg.APIKey}}
	if err := a.api.DoJSON(ctx, http.MethodPost, a.apiBase, header, req, &resp); err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		return &chat.AdapterError{Adapter: adapterName, Code: chat.CodeAdapter, Message: resp.Errors[0].Message}
	}
	return nil
}

// PostMessage creates a comment on the issue, parented under the chain
// root when the thread is a comment chain.
func (a *Adapter) PostMessage(ctx context.Context, threadID string, p chat.Postable) (*chat.PostedMessage, error) {
	ref, err := decodeThreadIDParts(threadID)
	if err != nil {
		return nil, err
	}
	if len(p.Files) > 0 {
		return nil, chat.NewNotImplementedError(adapterName, "file attachments")
	}
	body := p.PlainText()
	if p.Kind == chat.PostMarkdown {
		body = p.Markdown
	}
	input := map[string]any{"issueId": ref.IssueID, "body": body}
	if ref.CommentID != "" {
		input["parentId"] = ref.CommentID
	}
	var out struct {
		CommentCreate struct {
			Success bool `json:"success"`
			Comment struct {
				ID string `json:"id"`
			} `json:"comment"`
		} `json:"commentCreate"`
	}
	const q = `mutation($input: CommentCreateInput!) { commentCreate(input: $input) { success comment { id } } }`
	if err := a.graphql(ctx, q, map[string]any{"input": input}, &out); err != nil {
		return nil, err
	}
	if !out.CommentCreate.Success {
		return nil, &chat.AdapterError{Adapter: adapterName, Code: chat.CodeAdapter, Message: "commentCreate rejected"}
	}
	return &chat.PostedMessage{ID: out.CommentCreate.Comment.ID, ThreadID: threadID, Raw: out}, nil
}

// EditMessage rewrites a comment body.
func (a *Adapter) EditMessage(ctx context.Context, threadID, messageID string, p chat.Postable) error {
	if err := a.DecodeThreadID(threadID); err != nil {
		return err
	}
	var out struct {
		CommentUpdate struct {
			Success bool `json:"success"`
		} `json:"commentUpdate"`
	}
	const q = `mutation($id: String!, $input: CommentUpdateInput!) { commentUpdate(id: $id, input: $input) { success } }`
	if err := a.graphql(ctx, q, map[string]any{"id": messageID, "input": map[string]any{"body": p.PlainText()}}, &out); err != nil {
		return err
	}
	if !out.CommentUpdate.Success {
		return &chat.AdapterError{Adapter: adapterName, Code: chat.CodeAdapter, Message: "commentUpdate rejected"}
	}
	return nil
}

// DeleteMessage removes a comment.
func (a *Adapter) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	if err := a.DecodeThreadID(threadID); err != nil {
		return err
	}
	var out struct {
		CommentDelete struct {
			Success bool `json:"success"`
		} `json:"commentDelete"`
	}
	const q = `mutation($id: String!) { commentDelete(id: $id) { success } }`
	if err := a.graphql(ctx, q, map[string]any{"id": messageID}, &out); err != nil {
		return err
	}
	if !out.CommentDelete.Success {
		return &chat.AdapterError{Adapter: adapterName, Code: chat.CodeAdapter, Message: "commentDelete rejected"}
	}
	return nil
}

// AddReaction reacts to a comment. Linear accepts emoji names directly.
func (a *Adapter) AddReaction(ctx context.Context, threadID, messageID, name string) error {
	if err := a.DecodeThreadID(threadID); err != nil {
		return err
	}
	var out struct {
		ReactionCreate struct {
			Success bool `json:"success"`
		} `json:"reactionCreate"`
	}
	const q = `mutation($input: ReactionCreateInput!) { reactionCreate(input: $input) { success } }`
	input := map[string]any{"commentId": messageID, "emoji": emoji.ToSlack(name)}
	if err := a.graphql(ctx, q, map[string]any{"input": input}, &out); err != nil {
		return err
	}
	if !out.ReactionCreate.Success {
		return &chat.AdapterError{Adapter: adapterName, Code: chat.CodeAdapter, Message: "reactionCreate rejected"}
	}
	return nil
}

// RemoveReaction requires the reaction id, which is not derivable from
// the emoji name alone.
func (a *Adapter) RemoveReaction(ctx context.Context, threadID, messageID, name string) error {
	return chat.NewNotImplementedError(adapterName, "reaction removal")
}

// StartTyping has no Linear equivalent.
func (a *Adapter) StartTyping(ctx context.Context, threadID string) error {
	return chat.NewNotImplementedError(adapterName, "typing indicator")
}

// wireComment is the GraphQL comment node subset we consume.
type wireComment struct {
	ID   string `json:"id"`
	Body string `json:"body"`
	User struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		DisplayName string `json:"displayName"`
	} `json:"user"`
	Parent *struct {
		ID string `json:"id"`
	} `json:"parent"`
	CreatedAt time.Time  `json:"createdAt"`
	EditedAt  *time.Time `json:"editedAt"`
}

func (a *Adapter) normalizeComment(issueID string, c wireComment) chat.Message {
	ref := threadRef{IssueID: issueID}
	if c.Parent != nil {
		ref.CommentID = c.Parent.ID
	}
	msg := chat.Message{
		ID:       c.ID,
		ThreadID: ref.encode(),
		// Linear bodies are markdown with mentions already as @name.
		Text: c.Body,
		Raw:  c,
		Author: chat.Author{
			UserID:   c.User.ID,
			UserName: c.User.DisplayName,
			FullName: c.User.Name,
			IsBot:    chat.BotUnknown,
			IsMe:     c.User.ID != "" && c.User.ID == a.cfg.BotUserID,
		},
		Metadata: chat.Metadata{DateSent: c.CreatedAt},
	}
	if c.EditedAt != nil {
		msg.Metadata.Edited = true
		msg.Metadata.EditedAt = *c.EditedAt
	}
	return msg
}

// FetchMessages pages the issue's comments oldest-first via the
// GraphQL connection cursor.
func (a *Adapter) FetchMessages(ctx context.Context, threadID string, opts chat.FetchOptions) (*chat.MessagePage, error) {
	ref, err := decodeThreadIDParts(threadID)
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	vars := map[string]any{"id": ref.IssueID, "first": limit}
	if opts.Cursor != "" {
		vars["after"] = opts.Cursor
	}
	var out struct {
		Issue struct {
			Comments struct {
				Nodes    []wireComment `json:"nodes"`
				PageInfo struct {
					HasNextPage bool   `json:"hasNextPage"`
					EndCursor   string `json:"endCursor"`
				} `json:"pageInfo"`
			} `json:"comments"`
		} `json:"issue"`
	}
	const q = `query($id: String!, $first: Int!, $after: String) {
		issue(id: $id) { comments(first: $first, after: $after) {
			nodes { id body createdAt editedAt user { id name displayName } parent { id } }
			pageInfo { hasNextPage endCursor }
		} } }`
	if err := a.graphql(ctx, q, vars, &out); err != nil {
		return nil, err
	}
	page := &chat.MessagePage{}
	for _, c := range out.Issue.Comments.Nodes {
		rootID := c.ID
		if c.Parent != nil {
			rootID = c.Parent.ID
		}
		if ref.CommentID != "" && rootID != ref.CommentID {
			continue
		}
		page.Messages = append(page.Messages, a.normalizeComment(ref.IssueID, c))
	}
	if out.Issue.Comments.PageInfo.HasNextPage {
		page.NextCursor = out.Issue.Comments.PageInfo.EndCursor
	}
	return page, nil
}

// FetchThread resolves the issue's team as the channel.
func (a *Adapter) FetchThread(ctx context.Context, threadID string) (*chat.ThreadInfo, error) {
	ref, err := decodeThreadIDParts(threadID)
	if err != nil {
		return nil, err
	}
	var out struct {
		Issue struct {
			ID   string `json:"id"`
			Team struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"team"`
		} `json:"issue"`
	}
	const q = `query($id: String!) { issue(id: $id) { id team { id name } } }`
	if err := a.graphql(ctx, q, map[string]any{"id": ref.IssueID}, &out); err != nil {
		return nil, err
	}
	if out.Issue.ID == "" {
		return nil, chat.NewResourceNotFoundError(adapterName, "issue "+ref.IssueID)
	}
	return &chat.ThreadInfo{ChannelID: out.Issue.Team.ID, ChannelName: out.Issue.Team.Name}, nil
}

// RenderFormatted renders pre-rendered string documents only.
func (a *Adapter) RenderFormatted(f chat.Formatted) (string, error) {
	if s, ok := f.(string); ok {
		return s, nil
	}
	return "", chat.NewNotImplementedError(adapterName, "formatted rendering")
}

// MentionUser renders a Linear markdown mention.
func (a *Adapter) MentionUser(userID string) string {
	return fmt.Sprintf("@%s", userID)
}
