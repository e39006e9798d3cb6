package upstream

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Skyrin/go-writeback/failure"
	"github.com/Skyrin/go-writeback/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL, Token: "tok", Timeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func start(s string) record.ChangeSet {
	return record.ChangeSet{Start: &s}
}

func TestClient_UpdateRecord_Success(t *testing.T) {
	var got writeRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/records/agr-1", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "item-1", r.Header.Get(HeaderIdempotencyKey))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":6,"updatedAt":"2025-01-15T10:00:00Z"}`))
	})

	res, err := c.UpdateRecord(context.Background(), "agr-1", start("2025-01-15"), WriteOptions{
		BaseVersion:    5,
		Actor:          "user-1",
		Reason:         "fix start",
		IdempotencyKey: "item-1",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(6), res.NewVersion)
	assert.Equal(t, int64(5), got.BaseVersion)
	assert.Equal(t, "user-1", got.Actor)
	require.NotNil(t, got.Changes)
	assert.Equal(t, "2025-01-15", *got.Changes.Start)
}

func TestClient_DeleteRecord(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		var body writeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Nil(t, body.Changes)
		assert.Equal(t, int64(3), body.BaseVersion)
		_, _ = w.Write([]byte(`{"version":4}`))
	})

	res, err := c.DeleteRecord(context.Background(), "agr-9", WriteOptions{BaseVersion: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.NewVersion)
}

func TestClient_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   failure.Kind
	}{
		{http.StatusBadRequest, failure.KindValidation},
		{http.StatusUnauthorized, failure.KindAuth},
		{http.StatusForbidden, failure.KindAuth},
		{http.StatusNotFound, failure.KindNotFound},
		{http.StatusConflict, failure.KindConflict},
		{http.StatusTooManyRequests, failure.KindRateLimit},
		{http.StatusInternalServerError, failure.KindTransientServer},
		{http.StatusBadGateway, failure.KindTransientServer},
		{http.StatusServiceUnavailable, failure.KindTransientServer},
		{http.StatusGatewayTimeout, failure.KindTimeout},
		{http.StatusTeapot, failure.KindUnknown},
	}

	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":"nope","message":"remote says no"}`))
			})

			_, err := c.UpdateRecord(context.Background(), "agr-1", start("2025-01-15"), WriteOptions{})
			require.Error(t, err)

			fe, ok := failure.As(err)
			require.True(t, ok)
			assert.Equal(t, tc.kind, fe.Kind)
			assert.Equal(t, tc.status, fe.StatusCode)
			assert.Equal(t, "remote says no", fe.Message)
		})
	}
}

func TestClient_ConflictDetail(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"version_conflict","currentVersion":8,"conflictingFields":["start","title"]}`))
	})

	_, err := c.UpdateRecord(context.Background(), "agr-1", start("2025-01-15"), WriteOptions{BaseVersion: 5})
	fe, ok := failure.As(err)
	require.True(t, ok)
	require.NotNil(t, fe.Conflict)
	assert.Equal(t, int64(8), fe.Conflict.CurrentVersion)
	assert.Equal(t, []string{"start", "title"}, fe.Conflict.ConflictingFields)
}

func TestClient_RateLimitRetryAfter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.UpdateRecord(context.Background(), "agr-1", start("2025-01-15"), WriteOptions{})
	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, fe.RetryAfter)
	assert.True(t, fe.Kind.Retryable())
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.UpdateRecord(context.Background(), "agr-1", start("2025-01-15"), WriteOptions{})
	assert.Equal(t, failure.KindTimeout, failure.KindOf(err))
}

func TestClient_ConnectionErrorsAreRetriedInternally(t *testing.T) {
	// Grab a free port, then close it so dialing is refused
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	var dials int32
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, a string) (net.Conn, error) {
			atomic.AddInt32(&dials, 1)
			return (&net.Dialer{}).DialContext(ctx, network, addr)
		},
	}

	c, err := NewClient(Config{
		BaseURL:        "http://" + addr,
		Timeout:        2 * time.Second,
		ConnRetries:    2,
		ConnRetryDelay: time.Millisecond,
		HTTPClient:     &http.Client{Transport: transport},
	})
	require.NoError(t, err)

	_, err = c.UpdateRecord(context.Background(), "agr-1", start("2025-01-15"), WriteOptions{})
	require.Error(t, err)

	assert.Equal(t, int32(3), atomic.LoadInt32(&dials), "one call plus two connection retries")
	assert.True(t, failure.KindOf(err).Retryable())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	assert.Equal(t, time.Minute, parseRetryAfter(now.Add(time.Minute).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("soon", now))
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestPool(t *testing.T) {
	p := NewPool(StaticCredentials{
		"org-1": {BaseURL: "https://org1.example.com", Token: "t1"},
	}, Config{Timeout: time.Second})

	c1, err := p.ClientFor(context.Background(), "org-1")
	require.NoError(t, err)
	c2, err := p.ClientFor(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Same(t, c1, c2, "clients are cached per organization")

	p.Invalidate("org-1")
	c3, err := p.ClientFor(context.Background(), "org-1")
	require.NoError(t, err)
	assert.NotSame(t, c1, c3)

	_, err = p.ClientFor(context.Background(), "org-2")
	require.Error(t, err)
	assert.Equal(t, failure.KindAuth, failure.KindOf(err))
}
