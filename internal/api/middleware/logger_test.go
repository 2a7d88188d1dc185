package middleware_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentoven/newswire/internal/api/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var entry map[string]any
	if err := json.Unmarshal(lines[len(lines)-1], &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	return entry
}

func TestLogger_RecordsAgentAndRequestID(t *testing.T) {
	buf := captureLog(t)
	auth := middleware.NewAgentAuth("s3cret")
	token, err := auth.Sign("alice", time.Hour)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.Logger)
	r.With(auth.Handler).Get("/a2a/threads/{threadID}/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[]"))
	})

	req := httptest.NewRequest(http.MethodGet, "/a2a/threads/t-1/messages", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(httptest.NewRecorder(), req)

	entry := lastLine(t, buf)
	if entry["agent"] != "alice" {
		t.Errorf("agent = %v, want alice", entry["agent"])
	}
	if id, _ := entry["request_id"].(string); id == "" {
		t.Errorf("request_id missing: %v", entry)
	}
	if entry["route"] != "/a2a/threads/{threadID}/messages" {
		t.Errorf("route = %v", entry["route"])
	}
	if entry["status"] != float64(http.StatusOK) {
		t.Errorf("status = %v", entry["status"])
	}
}

func TestLogger_RejectedRequestHasNoAgent(t *testing.T) {
	buf := captureLog(t)
	auth := middleware.NewAgentAuth("s3cret")

	h := middleware.Logger(auth.Handler(agentEcho()))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/a2a/messages", nil))

	entry := lastLine(t, buf)
	if _, ok := entry["agent"]; ok {
		t.Errorf("unexpected agent on rejected request: %v", entry)
	}
	if entry["level"] != "warn" {
		t.Errorf("level = %v, want warn", entry["level"])
	}
	if entry["status"] != float64(http.StatusUnauthorized) {
		t.Errorf("status = %v", entry["status"])
	}
}
