package linear

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/crossbot/crossbot/internal/adapter/ingress"
	"github.com/crossbot/crossbot/internal/chat"
)

// delivery is the Linear webhook envelope subset we consume.
type delivery struct {
	Action string `json:"action"` // create | update | remove
	Type   string `json:"type"`   // Comment, Issue, ...
	Data   struct {
		ID       string `json:"id"`
		Body     string `json:"body"`
		IssueID  string `json:"issueId"`
		ParentID string `json:"parentId"`
		UserID   string `json:"userId"`
		User     struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
		} `json:"user"`
		CreatedAt time.Time `json:"createdAt"`
	} `json:"data"`
	WebhookTimestamp int64 `json:"webhookTimestamp"` // unix millis
}

// HandleWebhook verifies the Linear-Signature HMAC and the embedded
// timestamp, then routes comment-create events.
func (a *Adapter) HandleWebhook(w http.ResponseWriter, r *http.Request, opts *chat.WebhookOptions) {
	body, err := ingress.ReadBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !ingress.VerifyHMAC([]byte(a.cfg.WebhookSecret), body, r.Header.Get("Linear-Signature")) {
		a.log.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var d delivery
	if err := json.Unmarshal(body, &d); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	// The signed timestamp bounds replays of captured deliveries.
	ts := fmt.Sprintf("%d", d.WebhookTimestamp/1000)
	if err := ingress.CheckTimestamp(ts, a.now()); err != nil {
		a.log.Warn("webhook replay rejected", "error", err)
		http.Error(w, "stale delivery", http.StatusUnauthorized)
		return
	}

	if d.Type != "Comment" || d.Action != "create" {
		w.WriteHeader(http.StatusOK)
		return
	}

	ref := threadRef{IssueID: d.Data.IssueID, CommentID: d.Data.ParentID}
	userID := d.Data.UserID
	if userID == "" {
		userID = d.Data.User.ID
	}
	msg := chat.Message{
		ID:       d.Data.ID,
		ThreadID: ref.encode(),
		Text:     d.Data.Body,
		Raw:      d,
		Author: chat.Author{
			UserID:   userID,
			UserName: d.Data.User.DisplayName,
			FullName: d.Data.User.Name,
			IsBot:    chat.BotUnknown,
			IsMe:     userID != "" && userID == a.cfg.BotUserID,
		},
		Metadata: chat.Metadata{DateSent: d.Data.CreatedAt},
	}
	if err := a.kernel.ProcessMessage(r.Context(), a, msg.ThreadID, msg, opts); err != nil {
		a.log.Warn("message dispatch failed", "error", err)
	}
	w.WriteHeader(http.StatusOK)
}
