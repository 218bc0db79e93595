package apiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossbot/crossbot/internal/chat"
)

func fastClient(attempts int) []Option {
	return []Option{
		WithMaxAttempts(attempts),
		WithBackOffFactory(func() *backoff.ExponentialBackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Microsecond
			b.MaxInterval = time.Millisecond
			b.RandomizationFactor = 0
			b.Reset()
			return b
		}),
	}
}

func TestDoJSONRoundTrip(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.Write([]byte(`{"ok":true,"ts":"12.34"}`))
	}))
	defer srv.Close()

	c := New("slack", fastClient(1)...)
	var out struct {
		OK bool   `json:"ok"`
		TS string `json:"ts"`
	}
	header := http.Header{"Authorization": {"Bearer tok"}}
	err := c.DoJSON(context.Background(), http.MethodPost, srv.URL, header,
		map[string]string{"channel": "C1"}, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, "12.34", out.TS)
	assert.JSONEq(t, `{"channel":"C1"}`, gotBody)
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		check  func(t *testing.T, err error)
	}{
		{401, func(t *testing.T, err error) {
			var e *chat.AuthenticationError
			assert.ErrorAs(t, err, &e)
		}},
		{403, func(t *testing.T, err error) {
			var e *chat.PermissionError
			assert.ErrorAs(t, err, &e)
		}},
		{404, func(t *testing.T, err error) {
			var e *chat.ResourceNotFoundError
			assert.ErrorAs(t, err, &e)
		}},
		{400, func(t *testing.T, err error) {
			var e *chat.AdapterError
			require.ErrorAs(t, err, &e)
			assert.Equal(t, chat.CodeAdapter, e.Code)
		}},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			err := New("github", fastClient(1)...).DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil, nil)
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := New("slack", fastClient(1)...).DoJSON(context.Background(), http.MethodPost, srv.URL, nil, nil, nil)
	var rl *chat.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 7*time.Second, rl.RetryAfter)
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	err := New("linear", fastClient(4)...).DoJSON(context.Background(), http.MethodPost, srv.URL, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := New("teams", fastClient(4)...).DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExhaustedRetriesSurfaceLastError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := New("gchat", fastClient(2)...).DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil, nil)
	require.Error(t, err)
	var e *chat.AdapterError
	assert.ErrorAs(t, err, &e)
	assert.ErrorContains(t, err, "after 2 attempts")
}

func TestNetworkFailureMapsToNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	err := New("discord", fastClient(2)...).DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil, nil)
	var ne *chat.NetworkError
	assert.ErrorAs(t, err, &ne)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 12*time.Second, ParseRetryAfter("12"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter(""))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-3"))

	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	assert.InDelta(t, float64(30*time.Second), float64(ParseRetryAfter(future)), float64(2*time.Second))
}
