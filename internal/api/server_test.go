package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shiv6146/blayzen-console/internal/config"
	"github.com/shiv6146/blayzen-console/internal/console"
)

func testConfig() *config.Config {
	return &config.Config{
		SIPWSURL:         "wss://localhost:8089/ws",
		UserAgent:        "blayzen-console-test",
		RegisterTimeout:  time.Second,
		CallTimeout:      time.Second,
		ReconnectDelay:   time.Second,
		SpyListenPrefix:  "5555",
		SpyWhisperPrefix: "5556",
		PushURL:          "ws://localhost:1/events",
		PushRedialDelay:  time.Second,
		PushPingInterval: time.Second,
		PresenceURL:      "http://localhost:1/status",
		PresenceTimeout:  time.Second,
		APIHost:          "127.0.0.1",
		APIPort:          0,
		GinMode:          "test",
		APIAuthEnabled:   true,
		OperatorUser:     "operator",
		OperatorPassword: "secret",
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := testConfig()
	svc := console.New(cfg, nil, nil, zerolog.New(&bytes.Buffer{}))
	return NewServer(cfg, svc, zerolog.New(&bytes.Buffer{}))
}

func doRequest(t *testing.T, s *Server, method, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if auth {
		req.SetBasicAuth("operator", "secret")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthNoAuthRequired(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/health", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode health: %v", err)
	}
	if resp.Status != "ok" || resp.Registration != "disconnected" {
		t.Fatalf("unexpected health: %+v", resp)
	}
}

func TestAPIRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/v1/session", "", false)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if got := w.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatal("expected WWW-Authenticate challenge")
	}
}

func TestAPIRejectsWrongPassword(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	req.SetBasicAuth("operator", "wrong")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestGetSessionDisconnected(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/v1/session", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp RegistrationResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Status != "disconnected" {
		t.Fatalf("expected disconnected, got %q", resp.Status)
	}
}

func TestPlaceCallNotRegistered(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/call", `{"destination":"1004"}`, true)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPlaceCallValidatesBody(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/call", `{}`, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetCallIdle(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/v1/call", "", true)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHangupIdleCall(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodDelete, "/api/v1/call", "", true)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestStartMonitorValidatesKind(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/monitors", `{"callId":"c1","kind":"eavesdrop"}`, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestListMonitorsEmpty(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/v1/monitors", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", w.Body.String())
	}
}

func TestGetActiveMonitorEmpty(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/v1/monitors/active", "", true)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestSetPresenceRejectsUnknownStatus(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPut, "/api/v1/presence", `{"status":"gone-fishing"}`, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestDashboardSnapshotEmpty(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/v1/dashboard", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if _, ok := snap["queues"]; !ok {
		t.Fatalf("expected queues key in snapshot: %s", w.Body.String())
	}
}
