package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// statusRecorder keeps the status and size of a response for logging and spans.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// callerKey holds the *caller slot that outer middleware reads after the
// request completes. Handlers deeper in the chain fill it in.
const callerKey contextKey = "caller"

type caller struct {
	agent string
}

func withCaller(ctx context.Context) (context.Context, *caller) {
	if c, ok := ctx.Value(callerKey).(*caller); ok {
		return ctx, c
	}
	c := &caller{}
	return context.WithValue(ctx, callerKey, c), c
}

// NoteAgent records the agent a request acts for, so the request log line
// and span carry it. No-op outside Logger or Telemetry.
func NoteAgent(ctx context.Context, agentID string) {
	if c, ok := ctx.Value(callerKey).(*caller); ok && agentID != "" {
		c.agent = agentID
	}
}

// Logger writes one line per request with the chi request id, the matched
// route and the calling agent when one is known.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, who := withCaller(r.Context())
		rw := newStatusRecorder(w)

		next.ServeHTTP(rw, r.WithContext(ctx))

		event := log.Info()
		switch {
		case rw.statusCode >= 500:
			event = log.Error()
		case rw.statusCode >= 400:
			event = log.Warn()
		}

		if id := chimw.GetReqID(ctx); id != "" {
			event = event.Str("request_id", id)
		}
		if rctx := chi.RouteContext(ctx); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				event = event.Str("route", pattern)
			}
		}
		if who.agent != "" {
			event = event.Str("agent", who.agent)
		}

		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.statusCode).
			Int("bytes", rw.bytes).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}
