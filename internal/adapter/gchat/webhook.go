package gchat

import (
	"encoding/json"
	"net/http"

	"github.com/crossbot/crossbot/internal/adapter/ingress"
	"github.com/crossbot/crossbot/internal/chat"
)

// event is the Chat app event envelope.
type event struct {
	Type    string      `json:"type"` // MESSAGE | ADDED_TO_SPACE | REMOVED_FROM_SPACE | CARD_CLICKED
	Token   string      `json:"token"`
	Message wireMessage `json:"message"`
	User    struct {
		Name        string `json:"name"`
		DisplayName string `json:"displayName"`
	} `json:"user"`
	Space struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"space"`
	Action struct {
		ActionMethodName string `json:"actionMethodName"`
		Parameters       []struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		} `json:"parameters"`
	} `json:"action"`
}

// HandleWebhook verifies the shared token and routes one Chat event.
// Google expects a JSON body in the synchronous response; an empty
// object suppresses any reply message.
func (a *Adapter) HandleWebhook(w http.ResponseWriter, r *http.Request, opts *chat.WebhookOptions) {
	body, err := ingress.ReadBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var ev event
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	if !a.verifyToken(ev.Token) {
		a.log.Warn("webhook token rejected", "remote", r.RemoteAddr)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	switch ev.Type {
	case "MESSAGE":
		msg := a.normalizeMessage(ev.Message)
		if err := a.kernel.ProcessMessage(ctx, a, msg.ThreadID, msg, opts); err != nil {
			a.log.Warn("message dispatch failed", "error", err)
		}
	case "CARD_CLICKED":
		dm := ev.Space.Type == "DM"
		threadName := ev.Message.Thread.Name
		if dm {
			threadName = ""
		}
		action := chat.Action{
			ActionID:  ev.Action.ActionMethodName,
			User:      chat.Author{UserID: ev.User.Name, UserName: ev.User.DisplayName, IsMe: ev.User.Name == a.cfg.BotUser},
			MessageID: ev.Message.Name,
			ThreadID:  encodeThreadID(ev.Space.Name, threadName, dm),
			Raw:       ev,
		}
		if len(ev.Action.Parameters) > 0 {
			action.Value = ev.Action.Parameters[0].Value
		}
		if err := a.kernel.ProcessAction(ctx, a, action, opts); err != nil {
			a.log.Warn("action dispatch failed", "error", err)
		}
	case "REMOVED_FROM_SPACE":
		if err := a.store.Delete(ctx, spaceKeyPrefix+ev.Space.Name); err != nil {
			a.log.Warn("space key cleanup failed", "space", ev.Space.Name, "error", err)
		}
	default:
		a.log.Debug("ignoring event", "type", ev.Type)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte("{}"))
}
