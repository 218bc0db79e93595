package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/crossbot/crossbot/internal/chat"
)

// RunSocketMode connects to Slack over Socket Mode and feeds envelopes
// into the kernel, reconnecting with exponential backoff until ctx is
// cancelled. Requires an app-level token.
func (a *Adapter) RunSocketMode(ctx context.Context) error {
	if a.cfg.AppToken == "" {
		return chat.NewValidationError(adapterName, "socket mode requires an app token")
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.Reset()

	for {
		err := a.socketSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := bo.NextBackOff()
		a.log.Warn("socket mode session ended, reconnecting",
			"error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// socketEnvelope is the Socket Mode frame wrapper.
type socketEnvelope struct {
	Type       string          `json:"type"`
	EnvelopeID string          `json:"envelope_id"`
	Payload    json.RawMessage `json:"payload"`
}

func (a *Adapter) socketSession(ctx context.Context) error {
	wsURL, err := a.openConnection(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial socket mode: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	a.log.Info("socket mode connected")

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read envelope: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var env socketEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			a.log.Warn("undecodable envelope", "error", err)
			continue
		}

		// Ack before dispatch: Slack resends unacked envelopes, and the
		// kernel's dedup absorbs any overlap.
		if env.EnvelopeID != "" {
			ack, _ := json.Marshal(map[string]string{"envelope_id": env.EnvelopeID})
			if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
				return fmt.Errorf("write ack: %w", err)
			}
		}

		switch env.Type {
		case "hello":
		case "disconnect":
			// Slack rotates connections; reconnect without backoff noise.
			return nil
		case "events_api":
			var payload struct {
				Event json.RawMessage `json:"event"`
			}
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				a.log.Warn("undecodable events_api payload", "error", err)
				continue
			}
			// Socket mode has no http.Request; fabricate the context
			// carrier the event router expects.
			r := (&http.Request{}).WithContext(ctx)
			a.routeEvent(r, payload.Event, nil)
		default:
			a.log.Debug("ignoring envelope", "type", env.Type)
		}
	}
}

// openConnection obtains a fresh wss URL via apps.connections.open,
// authenticated with the app-level token.
func (a *Adapter) openConnection(ctx context.Context) (string, error) {
	var resp struct {
		apiResponse
		URL string `json:"url"`
	}
	header := http.Header{"Authorization": {"Bearer " + a.cfg.AppToken}}
	if err := a.api.DoJSON(ctx, http.MethodPost, a.apiBase+"/apps.connections.open", header, nil, &resp); err != nil {
		return "", err
	}
	if err := resp.err(); err != nil {
		return "", err
	}
	return resp.URL, nil
}
