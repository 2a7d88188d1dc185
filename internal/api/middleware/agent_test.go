package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentoven/newswire/internal/api/middleware"
)

func agentEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFromContext(r.Context())
		w.Write([]byte(agent))
	})
}

func TestAgentAuth_Disabled(t *testing.T) {
	auth := middleware.NewAgentAuth("")
	req := httptest.NewRequest(http.MethodPost, "/a2a/messages", nil)
	w := httptest.NewRecorder()
	auth.Handler(agentEcho()).ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.Len() != 0 {
		t.Errorf("disabled auth: status = %d body = %q", w.Code, w.Body.String())
	}
}

func TestAgentAuth_ValidToken(t *testing.T) {
	auth := middleware.NewAgentAuth("s3cret")
	token, err := auth.Sign("alice", time.Hour)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/a2a/messages", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	auth.Handler(agentEcho()).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "alice" {
		t.Errorf("agent = %q, want alice", w.Body.String())
	}
}

func TestAgentAuth_Rejects(t *testing.T) {
	auth := middleware.NewAgentAuth("s3cret")
	forged, _ := middleware.NewAgentAuth("other").Sign("mallory", time.Hour)
	expired, _ := auth.Sign("alice", -time.Hour)

	for name, header := range map[string]string{
		"missing": "",
		"forged":  "Bearer " + forged,
		"expired": "Bearer " + expired,
		"garbage": "Bearer not.a.jwt",
	} {
		req := httptest.NewRequest(http.MethodPost, "/a2a/messages", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		auth.Handler(agentEcho()).ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s token: status = %d, want 401", name, w.Code)
		}
	}
}
