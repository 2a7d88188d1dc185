package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

type contextKey string

// AgentKey is the context key for the authenticated agent id.
const AgentKey contextKey = "agent_id"

// AgentAuth authenticates agents on the A2A surface with HS256 JWTs whose
// subject is the agent's participant id. With no secret configured it lets
// every request through unauthenticated and callers fall back to the
// sender named in the request body.
type AgentAuth struct {
	secret []byte
}

func NewAgentAuth(secret string) *AgentAuth {
	return &AgentAuth{secret: []byte(secret)}
}

// Enabled returns whether tokens are required.
func (a *AgentAuth) Enabled() bool { return len(a.secret) > 0 }

// Handler rejects requests without a valid agent token when enabled.
func (a *AgentAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			respondUnauthorized(w, "Agent token required. Set Authorization: Bearer <jwt>.")
			return
		}
		subject, err := a.Verify(raw)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Agent authentication failed")
			respondUnauthorized(w, "Invalid agent token.")
			return
		}
		NoteAgent(r.Context(), subject)
		next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), subject)))
	})
}

// Verify parses raw and returns its subject.
func (a *AgentAuth) Verify(raw string) (string, error) {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return "", err
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return subject, nil
}

// Sign issues a token for subject valid for ttl. Zero ttl never expires.
func (a *AgentAuth) Sign(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		Issuer:   "newswire",
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// WithAgent stores the authenticated agent id in ctx.
func WithAgent(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentKey, agentID)
}

// AgentFromContext returns the authenticated agent id, if any.
func AgentFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(AgentKey).(string)
	return v, ok && v != ""
}
