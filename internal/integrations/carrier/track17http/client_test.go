package track17http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/BearBump/ParcelSync/internal/trackerr"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(srv.URL, "demo-key", opts...)
	c.now = func() time.Time { return time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC) }
	return c
}

func TestClient_Fetch_OK(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/getpackageinfo", r.URL.Path)
		require.Equal(t, "demo-key", r.Header.Get("APIKey"))

		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, []string{"1234567890"}, req.Number)
		require.Equal(t, "sf_express", req.Carrier)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "code": 0,
  "data": {
    "1234567890": {
      "status": "Delivered",
      "events": [
        {"time": "2025-03-01T10:00:00Z", "location": "Shenzhen", "description": "picked up", "status": "PickedUp"},
        {"time": "2025-03-02 09:30:00", "location": "Hong Kong", "description": "delivered"},
        {"time": "", "description": "customs note"}
      ]
    }
  }
}`))
	})

	batch, err := c.Fetch(context.Background(), "1234567890", "SF_Express")
	require.NoError(t, err)
	require.Equal(t, "1234567890", batch.TrackingNumber)
	require.Equal(t, models.SourcePoll, batch.Source)
	require.Equal(t, time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC), batch.ReceivedAt)
	require.Len(t, batch.Events, 3)

	require.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), batch.Events[0].Timestamp)
	require.Equal(t, "PickedUp", batch.Events[0].StatusCode)
	require.Equal(t, "Shenzhen", batch.Events[0].Location)

	require.Equal(t, time.Date(2025, 3, 2, 9, 30, 0, 0, time.UTC), batch.Events[1].Timestamp)
	require.Equal(t, "Delivered", batch.Events[1].StatusCode)

	require.True(t, batch.Events[2].Timestamp.IsZero())
	require.Empty(t, batch.Events[2].StatusCode)
}

func TestClient_Fetch_AutoCarrierOmitted(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_, has := raw["carrier"]
		require.False(t, has)
		_, _ = w.Write([]byte(`{"code":0,"data":{"A1":{"events":[]}}}`))
	})

	batch, err := c.Fetch(context.Background(), "A1", "auto")
	require.NoError(t, err)
	require.Empty(t, batch.Events)
}

func TestClient_Fetch_ErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		header   map[string]string
		body     string
		kind     trackerr.Kind
		cooldown time.Duration
	}{
		{name: "rate limited with retry-after", status: 429, header: map[string]string{"Retry-After": "7"}, kind: trackerr.KindRateLimited, cooldown: 7 * time.Second},
		{name: "rate limited default cooldown", status: 429, kind: trackerr.KindRateLimited, cooldown: 45 * time.Second},
		{name: "not found", status: 404, kind: trackerr.KindNotFound},
		{name: "unauthorized", status: 401, kind: trackerr.KindInvalidInput},
		{name: "bad request", status: 400, body: "bad number", kind: trackerr.KindInvalidInput},
		{name: "server error", status: 502, kind: trackerr.KindTransient},
		{name: "missing number", status: 200, body: `{"code":0,"data":{}}`, kind: trackerr.KindNotFound},
		{name: "api error code", status: 200, body: `{"code":-18019901,"message":"invalid key"}`, kind: trackerr.KindInvalidInput},
		{name: "garbage body", status: 200, body: `<html>`, kind: trackerr.KindTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}, WithRateLimitCooldown(45*time.Second))

			_, err := c.Fetch(context.Background(), "A1", "usps")
			require.Error(t, err)
			require.Equal(t, tc.kind, trackerr.KindOf(err), err.Error())
			if tc.cooldown > 0 {
				require.Equal(t, tc.cooldown, trackerr.CooldownOf(err))
			}
		})
	}
}

func TestClient_Fetch_TimeoutIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server can notice the client hanging up.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Fetch(ctx, "A1", "usps")
	require.True(t, trackerr.Is(err, trackerr.KindTransient), err.Error())
}

func TestClient_Fetch_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := New(addr, "k").Fetch(context.Background(), "A1", "usps")
	require.True(t, trackerr.Retryable(err), err.Error())
}

func TestClient_Fetch_RejectsBeforeCalling(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true }, WithCarriers([]string{"usps"}))

	_, err := c.Fetch(context.Background(), "A1", "fedex")
	require.True(t, trackerr.Is(err, trackerr.KindInvalidInput))
	require.False(t, c.Supports("fedex"))
	require.True(t, c.Supports("USPS"))
	require.True(t, c.Supports("auto"))

	_, err = New("http://127.0.0.1:1", "").Fetch(context.Background(), "A1", "usps")
	require.True(t, trackerr.Is(err, trackerr.KindInvalidInput))
	require.False(t, called)
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, time.Minute, retryAfter("", now, time.Minute))
	require.Equal(t, 3*time.Second, retryAfter("3", now, time.Minute))
	require.Equal(t, 30*time.Second, retryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now, time.Minute))
	require.Equal(t, time.Minute, retryAfter("soon", now, time.Minute))
}

func TestParseTime(t *testing.T) {
	want := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	for _, in := range []string{
		"2025-03-01T09:00:00Z",
		"2025-03-01T12:00:00+03:00",
		"2025-03-01T09:00:00.000Z",
		"2025-03-01T12:00:00+0300",
		"2025-03-01 09:00:00",
		"2025-03-01 09:00",
		"2025-03-01T09:00",
		"2025/03/01 09:00",
		"2025/03/01 09:00:00",
		"2025.03.01 09:00",
		"01.03.2025 09:00:00",
		" 2025-03-01 09:00 ",
	} {
		got, ok := parseTime(in)
		require.True(t, ok, in)
		require.True(t, want.Equal(got), "%s => %s", in, got)
	}

	for _, in := range []string{"", "yesterday", "2025-13-01 09:00"} {
		got, ok := parseTime(in)
		require.False(t, ok, in)
		require.True(t, got.IsZero())
	}
}
