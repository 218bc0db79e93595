package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/crossbot/crossbot/internal/chat"
)

// NewAppTokenMinter returns a TokenMinter backed by a GitHub App: it
// signs a short-lived app JWT with the App's private key and exchanges
// it for an installation access token. apiBase is normally
// https://api.github.com; tests point it at a local server.
func NewAppTokenMinter(appID int64, privateKeyPEM []byte, apiBase string) (TokenMinter, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	apiBase = strings.TrimSuffix(apiBase, "/")
	client := &http.Client{Timeout: 30 * time.Second}

	return func(ctx context.Context, installationID int64) (string, time.Time, error) {
		now := time.Now()
		// GitHub rejects JWTs issued in the future; backdating absorbs
		// clock drift between us and their edge.
		appJWT, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
			Issuer:    strconv.FormatInt(appID, 10),
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		}).SignedString(key)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("sign app jwt: %w", err)
		}

		url := fmt.Sprintf("%s/app/installations/%d/access_tokens", apiBase, installationID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return "", time.Time{}, err
		}
		req.Header.Set("Authorization", "Bearer "+appJWT)
		req.Header.Set("Accept", "application/vnd.github+json")

		resp, err := client.Do(req)
		if err != nil {
			return "", time.Time{}, chat.NewNetworkError(adapterName, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			return "", time.Time{}, chat.NewAuthenticationError(adapterName,
				fmt.Errorf("access_tokens returned %d for installation %d", resp.StatusCode, installationID))
		}

		var body struct {
			Token     string    `json:"token"`
			ExpiresAt time.Time `json:"expires_at"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", time.Time{}, fmt.Errorf("decode access token: %w", err)
		}
		return body.Token, body.ExpiresAt, nil
	}, nil
}

// StaticTokenMinter wraps a personal access token as a minter whose
// token never expires. Useful for single-repo deployments without a
// GitHub App.
func StaticTokenMinter(token string) TokenMinter {
	return func(ctx context.Context, _ int64) (string, time.Time, error) {
		return token, time.Now().Add(365 * 24 * time.Hour), nil
	}
}
