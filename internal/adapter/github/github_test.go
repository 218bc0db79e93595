package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossbot/crossbot/internal/adapter/ingress"
	"github.com/crossbot/crossbot/internal/chat"
	"github.com/crossbot/crossbot/internal/state/memory"
)

type captureKernel struct {
	messages []chat.Message
}

func (k *captureKernel) ProcessMessage(ctx context.Context, a chat.Adapter, threadID string, m chat.Message, opts *chat.WebhookOptions) error {
	k.messages = append(k.messages, m)
	return nil
}

func (k *captureKernel) ProcessReaction(ctx context.Context, a chat.Adapter, r chat.Reaction, opts *chat.WebhookOptions) error {
	return nil
}

func (k *captureKernel) ProcessAction(ctx context.Context, a chat.Adapter, act chat.Action, opts *chat.WebhookOptions) error {
	return nil
}

func testAdapter(t *testing.T, opts ...Option) (*Adapter, *captureKernel, *memory.Store) {
	t.Helper()
	store := memory.New()
	a := New(Config{
		WebhookSecret: "hush",
		UserName:      "crossbot[bot]",
		BotUserID:     "424242",
		MintToken: func(ctx context.Context, installID int64) (string, time.Time, error) {
			return fmt.Sprintf("ghs-install-%d", installID), time.Now().Add(time.Hour), nil
		},
	}, store, opts...)
	k := &captureKernel{}
	a.Initialize(k)
	return a, k, store
}

func signedDelivery(t *testing.T, event, body string) *http.Request {
	t.Helper()
	r := httptest.NewRequest("POST", "/webhooks/github", strings.NewReader(body))
	r.Header.Set("X-GitHub-Event", event)
	r.Header.Set("X-Hub-Signature-256", "sha256="+ingress.SignHMAC([]byte("hush"), []byte(body)))
	return r
}

const issueCommentBody = `{
	"action":"created",
	"comment":{"id":501,"body":"@crossbot[bot] take a look",
		"user":{"id":7,"login":"alice","type":"User"},
		"created_at":"2026-01-02T03:04:05Z","updated_at":"2026-01-02T03:04:05Z"},
	"issue":{"number":42},
	"repository":{"full_name":"acme/widgets"},
	"installation":{"id":777}}`

func TestThreadIDRoundTrip(t *testing.T) {
	issue := threadRef{Repo: "acme/widgets", Number: 42}
	assert.Equal(t, "github:acme/widgets:42", issue.encode())
	ref, err := decodeThreadIDParts(issue.encode())
	require.NoError(t, err)
	assert.Equal(t, issue, ref)

	rc := threadRef{Repo: "acme/widgets", Number: 42, ReviewComment: 501}
	assert.Equal(t, "github:acme/widgets:42:rc:501", rc.encode())
	ref, err = decodeThreadIDParts(rc.encode())
	require.NoError(t, err)
	assert.Equal(t, rc, ref)
}

func TestDecodeThreadIDRejects(t *testing.T) {
	a, _, _ := testAdapter(t)
	for _, bad := range []string{
		"github:acme:42", "github:acme/widgets:zero",
		"github:acme/widgets:42:xx:1", "github:acme/widgets:42:rc:0",
		"slack:C1:1.0", "",
	} {
		assert.Error(t, a.DecodeThreadID(bad), "input %q", bad)
	}
}

func TestSignatureRejected(t *testing.T) {
	a, k, _ := testAdapter(t)
	r := httptest.NewRequest("POST", "/webhooks/github", strings.NewReader(issueCommentBody))
	r.Header.Set("X-GitHub-Event", "issue_comment")
	r.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	w := httptest.NewRecorder()
	a.HandleWebhook(w, r, nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, k.messages)
}

func TestIssueCommentNormalization(t *testing.T) {
	a, k, store := testAdapter(t)
	w := httptest.NewRecorder()
	a.HandleWebhook(w, signedDelivery(t, "issue_comment", issueCommentBody), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	require.Len(t, k.messages, 1)
	m := k.messages[0]
	assert.Equal(t, "github:acme/widgets:42", m.ThreadID)
	assert.Equal(t, "501", m.ID)
	assert.Equal(t, "@crossbot[bot] take a look", m.Text)
	assert.Equal(t, "alice", m.Author.UserName)
	assert.False(t, m.Author.IsMe)

	// The installation mapping is recorded for later egress.
	v, err := store.Get(context.Background(), installKeyPrefix+"acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, []byte("777"), v)
}

func TestReviewCommentThreadsKeyedByRoot(t *testing.T) {
	a, k, _ := testAdapter(t)
	body := `{
		"action":"created",
		"comment":{"id":930,"in_reply_to_id":900,"body":"reply",
			"user":{"id":7,"login":"alice","type":"User"}},
		"pull_request":{"number":42},
		"repository":{"full_name":"acme/widgets"},
		"installation":{"id":777}}`
	w := httptest.NewRecorder()
	a.HandleWebhook(w, signedDelivery(t, "pull_request_review_comment", body), nil)

	require.Len(t, k.messages, 1)
	assert.Equal(t, "github:acme/widgets:42:rc:900", k.messages[0].ThreadID)
}

func TestSelfCommentFlagged(t *testing.T) {
	a, k, _ := testAdapter(t)
	body := `{
		"action":"created",
		"comment":{"id":502,"body":"on it",
			"user":{"id":424242,"login":"crossbot[bot]","type":"Bot"}},
		"issue":{"number":42},
		"repository":{"full_name":"acme/widgets"},
		"installation":{"id":777}}`
	w := httptest.NewRecorder()
	a.HandleWebhook(w, signedDelivery(t, "issue_comment", body), nil)

	require.Len(t, k.messages, 1)
	assert.True(t, k.messages[0].Author.IsMe)
	assert.Equal(t, chat.BotYes, k.messages[0].Author.IsBot)
}

func TestEditedCommentIgnored(t *testing.T) {
	a, k, _ := testAdapter(t)
	body := strings.Replace(issueCommentBody, `"action":"created"`, `"action":"edited"`, 1)
	w := httptest.NewRecorder()
	a.HandleWebhook(w, signedDelivery(t, "issue_comment", body), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, k.messages)
}

func TestPostMessageMintsAndCachesToken(t *testing.T) {
	var auths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auths = append(auths, r.Header.Get("Authorization"))
		assert.Equal(t, "/repos/acme/widgets/issues/42/comments", r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		var req map[string]string
		json.Unmarshal(data, &req)
		assert.Equal(t, "done", req["body"])
		fmt.Fprint(w, `{"id":601}`)
	}))
	defer srv.Close()

	a, _, store := testAdapter(t, WithAPIBase(srv.URL))
	ctx := context.Background()
	a.rememberInstallation(ctx, "acme/widgets", 777)

	posted, err := a.PostMessage(ctx, "github:acme/widgets:42", chat.TextPost("done"))
	require.NoError(t, err)
	assert.Equal(t, "601", posted.ID)
	assert.Equal(t, []string{"Bearer ghs-install-777"}, auths)

	cached, err := store.Get(ctx, installKeyPrefix+"token:777")
	require.NoError(t, err)
	assert.Equal(t, []byte("ghs-install-777"), cached)

	// Second call reuses the cached token without re-minting.
	_, err = a.PostMessage(ctx, "github:acme/widgets:42", chat.TextPost("again"))
	require.NoError(t, err)
	assert.Len(t, auths, 2)
}

func TestReviewCommentReplyPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, `{"id":931}`)
	}))
	defer srv.Close()

	a, _, _ := testAdapter(t, WithAPIBase(srv.URL))
	ctx := context.Background()
	a.rememberInstallation(ctx, "acme/widgets", 777)

	_, err := a.PostMessage(ctx, "github:acme/widgets:42:rc:900", chat.TextPost("reply"))
	require.NoError(t, err)
	assert.Equal(t, "/repos/acme/widgets/pulls/42/comments/900/replies", gotPath)
}

func TestAddReactionMapsNames(t *testing.T) {
	var gotContent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var req map[string]string
		json.Unmarshal(data, &req)
		gotContent = req["content"]
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	a, _, _ := testAdapter(t, WithAPIBase(srv.URL))
	ctx := context.Background()
	a.rememberInstallation(ctx, "acme/widgets", 777)

	require.NoError(t, a.AddReaction(ctx, "github:acme/widgets:42", "501", "thumbsup"))
	assert.Equal(t, "+1", gotContent)

	var ni *chat.NotImplementedError
	assert.ErrorAs(t, a.AddReaction(ctx, "github:acme/widgets:42", "501", "wave"), &ni)
}

func TestParseMessage(t *testing.T) {
	a, _, _ := testAdapter(t)

	msg, err := a.ParseMessage(issueCommentBody)
	require.NoError(t, err)
	assert.Equal(t, "github:acme/widgets:42", msg.ThreadID)
	assert.Equal(t, "501", msg.ID)
	assert.Equal(t, "@crossbot[bot] take a look", msg.Text)
	assert.Equal(t, "alice", msg.Author.UserName)
}

func TestParseMessageReviewCommentKeyedByRoot(t *testing.T) {
	a, _, _ := testAdapter(t)
	raw := []byte(`{
		"action":"created",
		"comment":{"id":930,"in_reply_to_id":900,"body":"reply",
			"user":{"id":7,"login":"alice","type":"User"}},
		"pull_request":{"number":42},
		"repository":{"full_name":"acme/widgets"}}`)

	msg, err := a.ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "github:acme/widgets:42:rc:900", msg.ThreadID)
}

func TestParseMessageRejectsBadInput(t *testing.T) {
	a, _, _ := testAdapter(t)
	var ve *chat.ValidationError

	_, err := a.ParseMessage(`{"comment":{"id":1,"body":"no repo"}}`)
	assert.ErrorAs(t, err, &ve)
	_, err = a.ParseMessage(`{"comment":{"id":1},"repository":{"full_name":"acme/widgets"}}`)
	assert.ErrorAs(t, err, &ve)
	_, err = a.ParseMessage([]byte(`{`))
	assert.ErrorAs(t, err, &ve)
	_, err = a.ParseMessage(7)
	assert.ErrorAs(t, err, &ve)
}

func TestPostMessageRejectsFiles(t *testing.T) {
	a, _, _ := testAdapter(t)
	p := chat.TextPost("with attachment")
	p.Files = []chat.Attachment{{Name: "trace.log"}}

	var ni *chat.NotImplementedError
	_, err := a.PostMessage(context.Background(), "github:acme/widgets:42", p)
	assert.ErrorAs(t, err, &ni)
}
