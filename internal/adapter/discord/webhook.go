package discord

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/crossbot/crossbot/internal/chat"
)

// HandleWebhook serves the Discord interactions endpoint: ed25519
// signature verification, PING/PONG, and message-component clicks
// translated to actions. Message traffic flows over the gateway, not
// here.
func (a *Adapter) HandleWebhook(w http.ResponseWriter, r *http.Request, opts *chat.WebhookOptions) {
	key, err := hex.DecodeString(a.cfg.PublicKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		a.log.Error("interactions endpoint misconfigured", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !discordgo.VerifyInteraction(r, ed25519.PublicKey(key)) {
		a.log.Warn("interaction signature rejected", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var interaction discordgo.Interaction
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&interaction); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch interaction.Type {
	case discordgo.InteractionPing:
		json.NewEncoder(w).Encode(discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
	case discordgo.InteractionMessageComponent:
		data := interaction.MessageComponentData()
		user := interactionUser(&interaction)
		action := chat.Action{
			ActionID: data.CustomID,
			User: chat.Author{
				UserID: user,
				IsMe:   user == a.cfg.BotUserID,
			},
			ThreadID: encodeThreadID(interaction.ChannelID),
			Raw:      &interaction,
		}
		if interaction.Message != nil {
			action.MessageID = interaction.Message.ID
		}
		if err := a.kernel.ProcessAction(r.Context(), a, action, opts); err != nil {
			a.log.Warn("action dispatch failed", "error", err)
		}
		// Deferred update: the click is acknowledged, handlers edit the
		// message through the REST API if they want visible feedback.
		json.NewEncoder(w).Encode(discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredMessageUpdate,
		})
	default:
		json.NewEncoder(w).Encode(discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredMessageUpdate,
		})
	}
}

func interactionUser(i *discordgo.Interaction) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
