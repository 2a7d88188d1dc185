package channels

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/agentoven/newswire/internal/api/middleware"
	"github.com/agentoven/newswire/internal/store"
	"github.com/agentoven/newswire/pkg/contracts"
	"github.com/agentoven/newswire/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// HTTPAdapter is the A2A surface. Agents post messages and poll their
// threads; nothing is pushed over it, so Handles is always false.
type HTTPAdapter struct {
	threads store.ThreadStore
	auth    *middleware.AgentAuth
	inbound contracts.InboundHandler
}

func NewHTTPAdapter(threads store.ThreadStore, auth *middleware.AgentAuth) *HTTPAdapter {
	if auth == nil {
		auth = middleware.NewAgentAuth("")
	}
	return &HTTPAdapter{threads: threads, auth: auth}
}

func (a *HTTPAdapter) Kind() string                                      { return "http" }
func (a *HTTPAdapter) Handles(string) bool                               { return false }
func (a *HTTPAdapter) OnInboundMessage(handler contracts.InboundHandler) { a.inbound = handler }

// Send is never called by the hub; polling agents read the thread instead.
func (a *HTTPAdapter) Send(_ context.Context, _, _ string, _ models.Message) error { return nil }

// Routes returns the /a2a sub-router.
func (a *HTTPAdapter) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(a.auth.Handler)
	r.Post("/messages", a.postMessage)
	r.Get("/threads", a.listThreads)
	r.Get("/threads/{threadID}/messages", a.readMessages)
	return r
}

type postMessageRequest struct {
	From           string                      `json:"from"`
	To             string                      `json:"to"`
	Content        string                      `json:"content"`
	StructuredData map[string]interface{}      `json:"structured_data,omitempty"`
	Capabilities   []models.CapabilityEnvelope `json:"capabilities,omitempty"`
}

// caller resolves the acting agent: the token subject when agent auth is on,
// else the value the request names.
func (a *HTTPAdapter) caller(r *http.Request, named string) (string, int, string) {
	agent, ok := middleware.AgentFromContext(r.Context())
	if !ok {
		if named == "" {
			return "", http.StatusBadRequest, "sender is required"
		}
		middleware.NoteAgent(r.Context(), named)
		return named, 0, ""
	}
	if named != "" && named != agent {
		return "", http.StatusForbidden, "cannot act as another agent"
	}
	return agent, 0, ""
}

func (a *HTTPAdapter) postMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	from, status, reason := a.caller(r, req.From)
	if status != 0 {
		respondError(w, status, reason)
		return
	}
	if req.To == "" {
		respondError(w, http.StatusBadRequest, "to is required")
		return
	}
	if a.inbound == nil {
		respondError(w, http.StatusServiceUnavailable, "intake not connected")
		return
	}

	err := a.inbound(r.Context(), models.InboundMessage{
		Channel:        a.Kind(),
		From:           from,
		To:             req.To,
		Content:        req.Content,
		StructuredData: req.StructuredData,
		Capabilities:   req.Capabilities,
		ReceivedAt:     time.Now().UTC(),
	})
	if err != nil {
		var pe *models.ProtocolError
		if errors.As(err, &pe) {
			respondError(w, http.StatusBadRequest, pe.Reason)
			return
		}
		log.Warn().Err(err).Str("from", from).Msg("A2A message not accepted")
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// listThreads returns the caller's threads, or just the one shared with ?with=.
func (a *HTTPAdapter) listThreads(w http.ResponseWriter, r *http.Request) {
	participant, status, reason := a.caller(r, r.URL.Query().Get("participant"))
	if status != 0 {
		respondError(w, status, reason)
		return
	}
	if peer := r.URL.Query().Get("with"); peer != "" {
		thread, err := a.threads.FindThread(r.Context(), participant, peer)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, []models.Thread{*thread})
		return
	}
	threads, err := a.threads.ListThreads(r.Context(), participant)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, threads)
}

func (a *HTTPAdapter) readMessages(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	thread, err := a.threads.GetThread(r.Context(), threadID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if agent, ok := middleware.AgentFromContext(r.Context()); ok && !thread.Has(agent) {
		respondError(w, http.StatusForbidden, "not a participant of this thread")
		return
	}

	fromSeq, limit, err := pageParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	cur, err := a.threads.ReadMessages(r.Context(), threadID, fromSeq)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	msgs, err := store.Collect(cur, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	respondJSON(w, http.StatusOK, msgs)
}

// pageParams reads from_seq (default 1) and limit (default 0, unbounded).
func pageParams(r *http.Request) (int64, int, error) {
	fromSeq := int64(1)
	if v := r.URL.Query().Get("from_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, 0, errors.New("from_seq must be an integer")
		}
		fromSeq = n
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, errors.New("limit must be a non-negative integer")
		}
		limit = n
	}
	return fromSeq, limit, nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondStoreError(w http.ResponseWriter, err error) {
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
