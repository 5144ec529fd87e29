package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drossel-lang/keel/internal/events"
	"github.com/drossel-lang/keel/internal/ledger"
	"github.com/drossel-lang/keel/internal/policy"
	"github.com/drossel-lang/keel/internal/proc"
)

const testKey = "test-api-key"

func newTestServer(t *testing.T) (*Server, *events.Hub, *ledger.Ledger) {
	t.Helper()

	pol := policy.Defaults()
	pol.AllowExecs = []string{"/usr/bin/true"}
	tab := proc.New(pol, proc.NewBackend())

	led, err := ledger.Open(context.Background(), filepath.Join(t.TempDir(), "keel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	hub := events.NewHub(32)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(Config{Listen: "127.0.0.1:0", APIKey: testKey}, tab, led, hub, logger), hub, led
}

func doRequest(t *testing.T, s *Server, method, path, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	return rec
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 0, body.Live)
}

func TestProtectedRoutesRejectMissingOrBadKey(t *testing.T) {
	s, _, _ := newTestServer(t)
	for _, path := range []string{"/v1/processes", "/v1/policy", "/v1/ledger", "/events"} {
		rec := doRequest(t, s, http.MethodGet, path, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)

		rec = doRequest(t, s, http.MethodGet, path, "wrong-key")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestListProcessesEmpty(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/v1/processes", testKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var body processListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Empty(t, body.Processes)
}

func TestGetProcessBadAndStaleHandles(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/v1/processes/garbage", testKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/v1/processes/0@99", testKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetPolicy(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/v1/policy", testKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var pol policy.Policy
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&pol))
	assert.True(t, pol.Enabled)
	assert.Equal(t, []string{"/usr/bin/true"}, pol.AllowExecs)
}

func TestLedgerEndpoints(t *testing.T) {
	s, _, led := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, led.RecordSpawn(ctx, ledger.Record{
		SpawnID: "s-1", Handle: "0@1", Exe: "/usr/bin/true", Mode: "capture",
		State: "running", SpawnedAt: time.Now(),
	}))

	rec := doRequest(t, s, http.MethodGet, "/v1/ledger", testKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "s-1")

	rec = doRequest(t, s, http.MethodGet, "/v1/ledger/s-1", testKey)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/v1/ledger/unknown", testKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/v1/ledger?limit=bogus", testKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsStreamBackfillsRing(t *testing.T) {
	s, hub, _ := newTestServer(t)
	hub.Publish(events.TypeSpawned, map[string]any{"handle": "0@1"})
	hub.Publish(events.TypeExited, map[string]any{"handle": "0@1"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.Routes().ServeHTTP(rec, req)
		close(done)
	}()
	<-done

	body := rec.Body.String()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, body, "event: "+events.TypeSpawned)
	assert.Contains(t, body, "event: "+events.TypeExited)
	assert.Contains(t, body, "id: 2")
}

func TestBearerTokenParsing(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{"missing", "", "", false},
		{"wrong scheme", "Basic abc", "", false},
		{"empty token", "Bearer   ", "", false},
		{"good", "Bearer secret", "secret", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			got, err := bearerToken(req)
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidKeyConstantTimeSemantics(t *testing.T) {
	assert.True(t, validKey("k", "k"))
	assert.False(t, validKey("k", "other"))
	assert.False(t, validKey("", "k"))
	assert.False(t, validKey("k", ""))
}
