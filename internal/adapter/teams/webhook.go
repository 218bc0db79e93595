package teams

import (
	"encoding/json"
	"net/http"

	"github.com/crossbot/crossbot/internal/adapter/ingress"
	"github.com/crossbot/crossbot/internal/chat"
)

// HandleWebhook verifies the Bearer JWT and routes one Bot Framework
// activity.
func (a *Adapter) HandleWebhook(w http.ResponseWriter, r *http.Request, opts *chat.WebhookOptions) {
	if err := a.verifyBearer(r); err != nil {
		a.log.Warn("bearer verification failed", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	body, err := ingress.ReadBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var act activity
	if err := json.Unmarshal(body, &act); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	a.cacheServiceURL(ctx, act.Conversation.ID, act.ServiceURL)

	switch act.Type {
	case "message":
		// invoke-style card submits arrive as messages carrying value.
		if act.Text == "" && act.Value != nil {
			a.routeCardAction(w, r, act, opts)
			return
		}
		msg := a.normalizeMessage(act)
		if err := a.kernel.ProcessMessage(ctx, a, msg.ThreadID, msg, opts); err != nil {
			a.log.Warn("message dispatch failed", "error", err)
		}
	case "invoke":
		a.routeCardAction(w, r, act, opts)
		return
	default:
		a.log.Debug("ignoring activity", "type", act.Type)
	}
	w.WriteHeader(http.StatusOK)
}

func (a *Adapter) routeCardAction(w http.ResponseWriter, r *http.Request, act activity, opts *chat.WebhookOptions) {
	actionID, _ := act.Value["actionId"].(string)
	value, _ := act.Value["value"].(string)
	action := chat.Action{
		ActionID:  actionID,
		Value:     value,
		User:      chat.Author{UserID: act.From.ID, UserName: act.From.Name, IsMe: a.isSelf(act.From.ID)},
		MessageID: act.ReplyToID,
		ThreadID:  encodeThreadID(act.Conversation.ID, act.ServiceURL),
		Raw:       act,
	}
	if err := a.kernel.ProcessAction(r.Context(), a, action, opts); err != nil {
		a.log.Warn("action dispatch failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":200}`))
}
