package sessionapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"devicecap/cmd/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, sessions Sessions) *httptest.Server {
	t.Helper()

	h, err := NewHandler(testLogger(), Config{MaxBodyBytes: 1 << 10, RetryAfter: 2 * time.Second},
		DevHeaderAuthenticator{}, sessions, WithHeartbeatInterval(15*time.Second))
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newTestSessions(t *testing.T, maxDevices int) *session.Service {
	t.Helper()

	cfg := session.DefaultConfig()
	cfg.MaxDevices = maxDevices
	svc, err := session.NewService(cfg, session.NewMemoryStore(), session.WithLogger(testLogger()))
	require.NoError(t, err)
	return svc
}

func do(t *testing.T, ts *httptest.Server, method, path, user, body string) (*http.Response, map[string]any) {
	t.Helper()

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, rdr)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), "body: %s", data)
	}
	return resp, out
}

func TestHandler_LoginLimitAndEvict(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestSessions(t, 2))

	resp, body := do(t, ts, http.MethodPost, "/sessions/login", "u1", `{"device_id":"A"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["active_count"])
	assert.EqualValues(t, 15000, body["heartbeat_interval_ms"])

	resp, body = do(t, ts, http.MethodPost, "/sessions/login?device_id=B", "u1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = do(t, ts, http.MethodPost, "/sessions/login", "u1", `"C"`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "limit_exceeded", body["status"])
	assert.EqualValues(t, 2, body["active_count"])
	assert.Len(t, body["active_sessions"], 2)

	resp, body = do(t, ts, http.MethodPost, "/sessions/evict", "u1", `{"device_id":"A"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	resp, body = do(t, ts, http.MethodPost, "/sessions/evict", "u1", `{"device_id":"A"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["ok"])

	_, body = do(t, ts, http.MethodPost, "/sessions/login", "u1", `{"device_id":"C"}`)
	assert.Equal(t, "ok", body["status"])

	_, body = do(t, ts, http.MethodPost, "/sessions/login", "u1", `{"device_id":"A"}`)
	assert.Equal(t, "already_terminated", body["status"])
}

func TestHandler_Heartbeat(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestSessions(t, 3))

	_, body := do(t, ts, http.MethodPost, "/sessions/heartbeat", "u1", "")
	assert.Equal(t, true, body["revoked"])
	assert.Equal(t, "device_id missing", body["message"])

	_, body = do(t, ts, http.MethodPost, "/sessions/heartbeat", "u1", `{"device_id":"A"}`)
	assert.Equal(t, true, body["revoked"])
	assert.Equal(t, "session missing", body["message"])

	do(t, ts, http.MethodPost, "/sessions/login", "u1", `{"device_id":"A"}`)
	_, body = do(t, ts, http.MethodPost, "/sessions/heartbeat", "u1", `{"device_id":"A"}`)
	assert.Equal(t, false, body["revoked"])
	assert.NotContains(t, body, "message")

	do(t, ts, http.MethodPost, "/sessions/revoke_all", "u1", "")
	_, body = do(t, ts, http.MethodPost, "/sessions/heartbeat", "u1", `{"device_id":"A"}`)
	assert.Equal(t, true, body["revoked"])
	assert.Equal(t, "session revoked", body["message"])
}

func TestHandler_ActiveListRevokeAllLogout(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestSessions(t, 3))

	for _, d := range []string{"A", "B", "C"} {
		do(t, ts, http.MethodPost, "/sessions/login", "u1", `{"device_id":"`+d+`"}`)
	}

	_, body := do(t, ts, http.MethodGet, "/sessions/active", "u1", "")
	assert.EqualValues(t, 3, body["active_count"])

	_, body = do(t, ts, http.MethodGet, "/sessions", "u1", "")
	assert.Len(t, body["active_sessions"], 3)

	_, body = do(t, ts, http.MethodPost, "/sessions/logout", "u1", `{"device_id":"B"}`)
	assert.Equal(t, true, body["ok"])

	_, body = do(t, ts, http.MethodPost, "/sessions/logout", "u1", "")
	assert.Equal(t, true, body["ok"])

	_, body = do(t, ts, http.MethodPost, "/sessions/revoke_all", "u1", "")
	assert.EqualValues(t, 2, body["evicted_count"])

	_, body = do(t, ts, http.MethodGet, "/sessions/active", "u1", "")
	assert.EqualValues(t, 0, body["active_count"])
}

func TestHandler_Me(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestSessions(t, 3))

	_, body := do(t, ts, http.MethodGet, "/me", "user-42", "")
	assert.Equal(t, "user-42", body["sub"])
}

func TestHandler_RequestErrors(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestSessions(t, 3))

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   string
		status int
		code   string
	}{
		{name: "no auth", method: http.MethodPost, path: "/sessions/login", body: `{"device_id":"A"}`, status: http.StatusUnauthorized, code: "unauthorized"},
		{name: "login without device", method: http.MethodPost, path: "/sessions/login", user: "u1", status: http.StatusBadRequest, code: "invalid_request"},
		{name: "evict without device", method: http.MethodPost, path: "/sessions/evict", user: "u1", status: http.StatusBadRequest, code: "invalid_request"},
		{name: "malformed body", method: http.MethodPost, path: "/sessions/login", user: "u1", body: `{"device_id":`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "unknown field", method: http.MethodPost, path: "/sessions/login", user: "u1", body: `{"device":"A"}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "oversized id", method: http.MethodPost, path: "/sessions/login", user: "u1", body: `{"device_id":"` + strings.Repeat("x", 300) + `"}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "wrong method", method: http.MethodGet, path: "/sessions/login", user: "u1", status: http.StatusMethodNotAllowed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, ts, tc.method, tc.path, tc.user, tc.body)
			require.Equal(t, tc.status, resp.StatusCode)
			if tc.code == "" {
				return
			}
			errObj, ok := body["error"].(map[string]any)
			require.True(t, ok, "expected error envelope, got %v", body)
			assert.Equal(t, tc.code, errObj["code"])
		})
	}
}

type unavailableSessions struct{ Sessions }

func (unavailableSessions) Login(context.Context, string, string) (session.LoginResult, error) {
	return session.LoginResult{}, &session.OpError{Op: "login", Kind: session.ErrStoreUnavailable, Err: errors.New("connection refused")}
}

func (unavailableSessions) ActiveCount(context.Context, string) (int, error) {
	return 0, errors.New("boom")
}

func TestHandler_StoreUnavailable(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, unavailableSessions{})

	resp, body := do(t, ts, http.MethodPost, "/sessions/login", "u1", `{"device_id":"A"}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))
	assert.Equal(t, "store_unavailable", body["error"].(map[string]any)["code"])

	resp, body = do(t, ts, http.MethodGet, "/sessions/active", "u1", "")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "server_error", body["error"].(map[string]any)["code"])
}

func TestNewHandler_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := NewHandler(nil, Config{}, nil, newTestSessions(t, 1))
	require.Error(t, err)
	_, err = NewHandler(nil, Config{}, DevHeaderAuthenticator{}, nil)
	require.Error(t, err)
}
