package slack

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/crossbot/crossbot/internal/adapter/ingress"
	"github.com/crossbot/crossbot/internal/chat"
	"github.com/crossbot/crossbot/internal/chat/emoji"
)

// HandleWebhook verifies and routes one Events API delivery. Slack
// retries on non-2xx and on slow responses, so events are acknowledged
// before dispatch when a WaitUntil hook is present.
func (a *Adapter) HandleWebhook(w http.ResponseWriter, r *http.Request, opts *chat.WebhookOptions) {
	body, err := ingress.ReadBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !a.verifySignature(r, body) {
		a.log.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	// Interactivity posts come form-encoded with the JSON in "payload".
	if r.Header.Get("Content-Type") == "application/x-www-form-urlencoded" {
		a.handleInteractivity(w, r, body, opts)
		return
	}

	var outer struct {
		Type      string          `json:"type"`
		Challenge string          `json:"challenge"`
		Event     json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(body, &outer); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	switch outer.Type {
	case "url_verification":
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(outer.Challenge))
	case "event_callback":
		a.routeEvent(r, outer.Event, opts)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// verifySignature checks the v0 signing scheme: the signature is
// hex(hmac_sha256("v0:<timestamp>:<body>")) under the signing secret,
// with the timestamp bounded to the replay window.
func (a *Adapter) verifySignature(r *http.Request, body []byte) bool {
	if a.cfg.SigningSecret == "" {
		return false
	}
	ts := r.Header.Get("X-Slack-Request-Timestamp")
	if err := ingress.CheckTimestamp(ts, a.now()); err != nil {
		return false
	}
	sig := r.Header.Get("X-Slack-Signature")
	const prefix = "v0="
	if len(sig) <= len(prefix) || sig[:len(prefix)] != prefix {
		return false
	}
	base := append([]byte("v0:"+ts+":"), body...)
	return ingress.VerifyHMAC([]byte(a.cfg.SigningSecret), base, sig[len(prefix):])
}

func (a *Adapter) routeEvent(r *http.Request, raw json.RawMessage, opts *chat.WebhookOptions) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		a.log.Warn("undecodable event", "error", err)
		return
	}
	ctx := r.Context()

	switch head.Type {
	case "message":
		var wm wireMessage
		if err := json.Unmarshal(raw, &wm); err != nil {
			a.log.Warn("undecodable message event", "error", err)
			return
		}
		// Skip join/leave and other subtype noise; edits arrive as
		// message_changed and are intentionally dropped here.
		if wm.Subtype != "" && wm.Subtype != "file_share" && wm.Subtype != "thread_broadcast" {
			return
		}
		msg := a.normalizeMessage(wm.Channel, wm)
		if err := a.kernel.ProcessMessage(ctx, a, msg.ThreadID, msg, opts); err != nil {
			a.log.Warn("message dispatch failed", "error", err)
		}
	case "reaction_added", "reaction_removed":
		var ev struct {
			Type     string `json:"type"`
			User     string `json:"user"`
			Reaction string `json:"reaction"`
			ItemUser string `json:"item_user"`
			Item     struct {
				Channel string `json:"channel"`
				TS      string `json:"ts"`
			} `json:"item"`
		}
		if err := json.Unmarshal(raw, &ev); err != nil {
			a.log.Warn("undecodable reaction event", "error", err)
			return
		}
		reaction := chat.Reaction{
			Emoji:     emoji.FromSlack(ev.Reaction).Name,
			RawEmoji:  ev.Reaction,
			Added:     ev.Type == "reaction_added",
			User:      chat.Author{UserID: ev.User, IsMe: ev.User == a.cfg.BotUserID},
			MessageID: ev.Item.TS,
			ThreadID:  encodeThreadID(ev.Item.Channel, ev.Item.TS),
		}
		if err := a.kernel.ProcessReaction(ctx, a, reaction, opts); err != nil {
			a.log.Warn("reaction dispatch failed", "error", err)
		}
	default:
		a.log.Debug("ignoring event", "type", head.Type)
	}
}

func (a *Adapter) handleInteractivity(w http.ResponseWriter, r *http.Request, body []byte, opts *chat.WebhookOptions) {
	vals, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	var payload struct {
		Type string `json:"type"`
		User struct {
			ID string `json:"id"`
		} `json:"user"`
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
		Message struct {
			TS       string `json:"ts"`
			ThreadTS string `json:"thread_ts"`
		} `json:"message"`
		Actions []struct {
			ActionID string `json:"action_id"`
			Value    string `json:"value"`
		} `json:"actions"`
	}
	if err := json.Unmarshal([]byte(vals.Get("payload")), &payload); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	if payload.Type != "block_actions" {
		w.WriteHeader(http.StatusOK)
		return
	}

	threadTS := payload.Message.ThreadTS
	if threadTS == "" {
		threadTS = payload.Message.TS
	}
	for i, act := range payload.Actions {
		action := chat.Action{
			ActionID:  act.ActionID,
			Value:     act.Value,
			User:      chat.Author{UserID: payload.User.ID, IsMe: payload.User.ID == a.cfg.BotUserID},
			MessageID: payload.Message.TS,
			ThreadID:  encodeThreadID(payload.Channel.ID, threadTS),
			Raw:       vals.Get("payload"),
		}
		if err := a.kernel.ProcessAction(r.Context(), a, action, opts); err != nil {
			a.log.Warn("action dispatch failed", "index", strconv.Itoa(i), "error", err)
		}
	}
	w.WriteHeader(http.StatusOK)
}
