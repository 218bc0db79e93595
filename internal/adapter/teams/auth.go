package teams

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/crossbot/crossbot/internal/chat"
)

const (
	loginTokenURL = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"
	loginScope    = "https://api.botframework.com/.default"
	jwksURL       = "https://login.botframework.com/v1/.well-known/keys"

	jwksRefresh = 24 * time.Hour
)

// NewClientCredentialsToken returns a TokenProvider that exchanges the
// app credentials for Bot Framework bearer tokens, refreshing a minute
// before expiry.
func NewClientCredentialsToken(appID, appPassword string) TokenProvider {
	var mu sync.Mutex
	var token string
	var expires time.Time

	client := &http.Client{Timeout: 30 * time.Second}
	return func(ctx context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if token != "" && time.Now().Before(expires) {
			return token, nil
		}

		form := url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {appID},
			"client_secret": {appPassword},
			"scope":         {loginScope},
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginTokenURL,
			strings.NewReader(form.Encode()))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := client.Do(req)
		if err != nil {
			return "", chat.NewNetworkError(adapterName, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", chat.NewAuthenticationError(adapterName,
				fmt.Errorf("token endpoint returned %d", resp.StatusCode))
		}

		var body struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int    `json:"expires_in"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", fmt.Errorf("decode token response: %w", err)
		}
		token = body.AccessToken
		expires = time.Now().Add(time.Duration(body.ExpiresIn)*time.Second - time.Minute)
		return token, nil
	}
}

// NewBotFrameworkKeyfunc returns a jwt.Keyfunc over the Bot Framework
// OpenID keyset. The keyset is fetched lazily and cached; an unknown
// kid triggers one refetch before failing, so key rotations are picked
// up without a restart.
func NewBotFrameworkKeyfunc() jwt.Keyfunc {
	ks := &keyset{url: jwksURL, client: &http.Client{Timeout: 30 * time.Second}}
	return ks.keyfunc
}

type keyset struct {
	url    string
	client *http.Client

	mu      sync.Mutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

func (ks *keyset) keyfunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
	}
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("token has no kid header")
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	if key, ok := ks.keys[kid]; ok && time.Since(ks.fetched) < jwksRefresh {
		return key, nil
	}
	if err := ks.refresh(); err != nil {
		return nil, err
	}
	key, ok := ks.keys[kid]
	if !ok {
		return nil, fmt.Errorf("no key for kid %s", kid)
	}
	return key, nil
}

// refresh refetches the keyset. Caller holds ks.mu.
func (ks *keyset) refresh() error {
	resp, err := ks.client.Get(ks.url)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var doc struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			continue
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		}
	}
	ks.keys = keys
	ks.fetched = time.Now()
	return nil
}
