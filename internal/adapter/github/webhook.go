package github

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/crossbot/crossbot/internal/adapter/ingress"
	"github.com/crossbot/crossbot/internal/chat"
)

// delivery is the webhook payload subset shared by the comment events.
type delivery struct {
	Action  string      `json:"action"`
	Comment wireComment `json:"comment"`
	Issue   *struct {
		Number int `json:"number"`
	} `json:"issue"`
	PullRequest *struct {
		Number int `json:"number"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

// HandleWebhook verifies X-Hub-Signature-256 and routes comment events.
func (a *Adapter) HandleWebhook(w http.ResponseWriter, r *http.Request, opts *chat.WebhookOptions) {
	body, err := ingress.ReadBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	sig := r.Header.Get("X-Hub-Signature-256")
	const prefix = "sha256="
	if !strings.HasPrefix(sig, prefix) ||
		!ingress.VerifyHMAC([]byte(a.cfg.WebhookSecret), body, sig[len(prefix):]) {
		a.log.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	switch event {
	case "issue_comment", "pull_request_review_comment":
	case "ping":
		w.WriteHeader(http.StatusOK)
		return
	default:
		a.log.Debug("ignoring event", "event", event)
		w.WriteHeader(http.StatusOK)
		return
	}

	var d delivery
	if err := json.Unmarshal(body, &d); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	if d.Action != "created" {
		// Edits and deletions are not conversation traffic.
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx := r.Context()
	a.rememberInstallation(ctx, d.Repository.FullName, d.Installation.ID)

	ref := threadRef{Repo: d.Repository.FullName}
	switch {
	case event == "pull_request_review_comment" && d.PullRequest != nil:
		ref.Number = d.PullRequest.Number
		// The chain is keyed by its root comment.
		ref.ReviewComment = d.Comment.InReplyToID
		if ref.ReviewComment == 0 {
			ref.ReviewComment = d.Comment.ID
		}
	case d.Issue != nil:
		ref.Number = d.Issue.Number
	default:
		w.WriteHeader(http.StatusOK)
		return
	}

	msg := a.normalizeComment(ref, d.Comment)
	if err := a.kernel.ProcessMessage(ctx, a, msg.ThreadID, msg, opts); err != nil {
		a.log.Warn("message dispatch failed", "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

// ParseMessage re-normalizes a raw comment delivery. It accepts the
// decoded payload or its JSON encoding, and rebuilds the thread
// reference the same way HandleWebhook does.
func (a *Adapter) ParseMessage(raw any) (*chat.Message, error) {
	var d delivery
	switch v := raw.(type) {
	case delivery:
		d = v
	case json.RawMessage:
		if err := json.Unmarshal(v, &d); err != nil {
			return nil, chat.NewValidationError(adapterName, "undecodable raw delivery: "+err.Error())
		}
	case []byte:
		if err := json.Unmarshal(v, &d); err != nil {
			return nil, chat.NewValidationError(adapterName, "undecodable raw delivery: "+err.Error())
		}
	case string:
		if err := json.Unmarshal([]byte(v), &d); err != nil {
			return nil, chat.NewValidationError(adapterName, "undecodable raw delivery: "+err.Error())
		}
	default:
		return nil, chat.NewValidationError(adapterName, fmt.Sprintf("unsupported raw payload %T", raw))
	}
	if d.Repository.FullName == "" {
		return nil, chat.NewValidationError(adapterName, "raw delivery missing repository")
	}
	ref := threadRef{Repo: d.Repository.FullName}
	switch {
	case d.PullRequest != nil:
		ref.Number = d.PullRequest.Number
		ref.ReviewComment = d.Comment.InReplyToID
		if ref.ReviewComment == 0 {
			ref.ReviewComment = d.Comment.ID
		}
	case d.Issue != nil:
		ref.Number = d.Issue.Number
	default:
		return nil, chat.NewValidationError(adapterName, "raw delivery has neither issue nor pull request")
	}
	msg := a.normalizeComment(ref, d.Comment)
	return &msg, nil
}
