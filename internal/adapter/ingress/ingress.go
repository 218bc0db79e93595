// Package ingress holds the webhook verification helpers shared by the
// platform adapters: bounded body reads, constant-time HMAC comparison
// and replay-window checks.
package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// MaxBodyBytes bounds webhook request bodies. Platform payloads are
// small; anything past this is hostile or broken.
const MaxBodyBytes = 1 << 20

// MaxSkew is the accepted clock drift for signed timestamps. Older
// deliveries are treated as replays.
const MaxSkew = 5 * time.Minute

// ReadBody consumes and returns the request body, capped at
// MaxBodyBytes. An over-long body is an error, not a truncation.
func ReadBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > MaxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", MaxBodyBytes)
	}
	return body, nil
}

// SignHMAC returns the lowercase hex HMAC-SHA256 of msg under key.
func SignHMAC(key, msg []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC reports whether the presented hex signature matches the
// HMAC-SHA256 of msg under key, in constant time.
func VerifyHMAC(key, msg []byte, presentedHex string) bool {
	presented, err := hex.DecodeString(presentedHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return hmac.Equal(mac.Sum(nil), presented)
}

// CheckTimestamp validates a unix-seconds timestamp string against the
// replay window around now.
func CheckTimestamp(unixStr string, now time.Time) error {
	secs, err := strconv.ParseInt(unixStr, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed timestamp %q", unixStr)
	}
	ts := time.Unix(secs, 0)
	if d := now.Sub(ts); d > MaxSkew || d < -MaxSkew {
		return fmt.Errorf("timestamp outside replay window: %s", ts.UTC().Format(time.RFC3339))
	}
	return nil
}
