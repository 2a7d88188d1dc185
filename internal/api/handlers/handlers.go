// Package handlers implements the admin HTTP handlers for the newswire
// control plane. Agents talk to the network through /a2a; everything here is
// operator surface behind the API key middleware.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/agentoven/newswire/internal/channels"
	"github.com/agentoven/newswire/internal/delivery"
	"github.com/agentoven/newswire/internal/ledger"
	"github.com/agentoven/newswire/internal/retention"
	"github.com/agentoven/newswire/internal/store"
	"github.com/agentoven/newswire/pkg/models"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Subscriptions is the registry surface the admin API needs.
type Subscriptions interface {
	Get(ctx context.Context, id string) (*models.Subscription, error)
	List(ctx context.Context, filter models.SubscriptionFilter) ([]models.Subscription, error)
	Cancel(ctx context.Context, id, actor string) (*models.Subscription, error)
}

// Ticker runs one delivery cycle on demand.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) (delivery.TickStats, error)
}

// Sweeper runs one retention cycle on demand.
type Sweeper interface {
	RunCycle(ctx context.Context, now time.Time) retention.CycleStats
}

// Auditor records audit events.
type Auditor interface {
	Record(ctx context.Context, ev models.AuditEvent)
}

// Handlers holds all handler dependencies. Optional ones may be nil; their
// routes answer 501.
type Handlers struct {
	Store         store.Store
	Subscriptions Subscriptions
	Scheduler     Ticker
	Janitor       Sweeper
	Sandbox       *ledger.Sandbox
	Hub           *channels.Hub
	Audit         Auditor
	Version       string
	StartedAt     time.Time
}

// New creates a Handlers instance with the required dependencies.
func New(s store.Store, subs Subscriptions) *Handlers {
	return &Handlers{Store: s, Subscriptions: subs, StartedAt: time.Now()}
}

// ══════════════════════════════════════════════════════════════
// ── Plan Handlers ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Store.ListPlans(r.Context(), r.URL.Query().Get("producer"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if plans == nil {
		plans = []models.SubscriptionPlan{}
	}
	respondJSON(w, http.StatusOK, plans)
}

// planRequest mirrors SubscriptionPlan with human durations ("720h").
type planRequest struct {
	ID          string   `json:"id"`
	ProducerID  string   `json:"producer_id"`
	Name        string   `json:"name"`
	Price       string   `json:"price"`
	Currency    string   `json:"currency"`
	Duration    string   `json:"duration"`
	Topics      []string `json:"topics"`
	Timespan    string   `json:"timespan"`
	Schedule    string   `json:"schedule"`
	Interval    string   `json:"interval"`
	Recipient   string   `json:"recipient"`
	Description string   `json:"description"`
}

func (req planRequest) plan() (*models.SubscriptionPlan, error) {
	var problems []string
	if strings.TrimSpace(req.ID) == "" {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(req.ProducerID) == "" {
		problems = append(problems, "producer_id is required")
	}
	if _, ok := models.ParseAmount(req.Price); !ok {
		problems = append(problems, "price must be a decimal")
	}
	if strings.TrimSpace(req.Currency) == "" {
		problems = append(problems, "currency is required")
	}
	duration, err := time.ParseDuration(req.Duration)
	if err != nil || duration <= 0 {
		problems = append(problems, "duration must be a positive duration")
	}
	var interval time.Duration
	if req.Interval != "" {
		interval, err = time.ParseDuration(req.Interval)
		if err != nil || interval <= 0 {
			problems = append(problems, "interval must be a positive duration")
		}
	}
	if req.Schedule != "" && !gronx.New().IsValid(req.Schedule) {
		problems = append(problems, "schedule is not a valid cron expression")
	}
	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}
	timespan := req.Timespan
	if timespan == "" {
		timespan = "24h"
	}
	return &models.SubscriptionPlan{
		ID:          strings.TrimSpace(req.ID),
		ProducerID:  strings.TrimSpace(req.ProducerID),
		Name:        req.Name,
		Price:       req.Price,
		Currency:    req.Currency,
		Duration:    duration,
		Topics:      req.Topics,
		Timespan:    timespan,
		Schedule:    req.Schedule,
		Interval:    interval,
		Recipient:   req.Recipient,
		Description: req.Description,
	}, nil
}

func (h *Handlers) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	plan, err := req.plan()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	plan.CreatedAt = time.Now().UTC()
	if err := h.Store.CreatePlan(r.Context(), plan); err != nil {
		respondStoreError(w, err)
		return
	}
	h.record(r.Context(), "plan.created", "plan", plan.ID, map[string]interface{}{
		"producer_id": plan.ProducerID,
		"price":       plan.Price,
		"currency":    plan.Currency,
	})
	log.Info().Str("plan", plan.ID).Str("producer", plan.ProducerID).Msg("Plan created")
	respondJSON(w, http.StatusCreated, plan)
}

func (h *Handlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Store.GetPlan(r.Context(), chi.URLParam(r, "planID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

// ══════════════════════════════════════════════════════════════
// ── Subscription Handlers ────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.SubscriptionFilter{
		SubscriberID: q.Get("subscriber"),
		ProducerID:   q.Get("producer"),
		PlanID:       q.Get("plan"),
		ThreadID:     q.Get("thread"),
	}
	for _, s := range strings.Split(q.Get("state"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			filter.States = append(filter.States, models.SubscriptionState(s))
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	subs, err := h.Subscriptions.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if subs == nil {
		subs = []models.Subscription{}
	}
	respondJSON(w, http.StatusOK, subs)
}

func (h *Handlers) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.Subscriptions.Get(r.Context(), chi.URLParam(r, "subscriptionID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (h *Handlers) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "subscriptionID")
	if _, err := h.Subscriptions.Get(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	records, err := h.Store.ListDeliveryRecords(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []models.DeliveryRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (h *Handlers) ListPayments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "subscriptionID")
	if _, err := h.Subscriptions.Get(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	records, err := h.Store.ListPaymentRecords(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []models.PaymentVerificationRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (h *Handlers) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "subscriptionID")
	sub, err := h.Subscriptions.Cancel(r.Context(), id, "admin")
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

// ══════════════════════════════════════════════════════════════
// ── Thread Handlers ──────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := h.Store.ListThreads(r.Context(), r.URL.Query().Get("participant"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if threads == nil {
		threads = []models.Thread{}
	}
	respondJSON(w, http.StatusOK, threads)
}

func (h *Handlers) ReadThread(w http.ResponseWriter, r *http.Request) {
	fromSeq := int64(1)
	if v := r.URL.Query().Get("from_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "from_seq must be a positive integer")
			return
		}
		fromSeq = n
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	cur, err := h.Store.ReadMessages(r.Context(), chi.URLParam(r, "threadID"), fromSeq)
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

// ══════════════════════════════════════════════════════════════
// ── Endpoint Handlers ────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := h.Store.ListEndpoints(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]models.AgentEndpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		out = append(out, maskSecret(ep))
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) PutEndpoint(w http.ResponseWriter, r *http.Request) {
	participant := chi.URLParam(r, "participantID")
	var req struct {
		URL    string `json:"url"`
		Secret string `json:"secret"`
		Active *bool  `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		respondError(w, http.StatusBadRequest, "url must be an http(s) URL")
		return
	}

	ep := &models.AgentEndpoint{
		ParticipantID: participant,
		URL:           req.URL,
		Secret:        req.Secret,
		Active:        req.Active == nil || *req.Active,
	}
	if err := h.Store.UpsertEndpoint(r.Context(), ep); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.record(r.Context(), "endpoint.upserted", "endpoint", participant, map[string]interface{}{"active": ep.Active})
	log.Info().Str("participant", participant).Bool("active", ep.Active).Msg("Agent endpoint registered")
	respondJSON(w, http.StatusOK, maskSecret(*ep))
}

func (h *Handlers) DeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	participant := chi.URLParam(r, "participantID")
	if err := h.Store.DeleteEndpoint(r.Context(), participant); err != nil {
		respondStoreError(w, err)
		return
	}
	h.record(r.Context(), "endpoint.deleted", "endpoint", participant, nil)
	w.WriteHeader(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════
// ── Audit Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func auditFilter(r *http.Request) (models.AuditFilter, error) {
	q := r.URL.Query()
	filter := models.AuditFilter{
		Actor:      q.Get("actor"),
		Action:     q.Get("action"),
		Resource:   q.Get("resource"),
		ResourceID: q.Get("resource_id"),
		Limit:      100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filter, errors.New("limit must be a positive integer")
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = n
	}
	for key, dst := range map[string]**time.Time{"since": &filter.Since, "until": &filter.Until} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return filter, errors.New(key + " must be an RFC3339 timestamp")
			}
			*dst = &t
		}
	}
	return filter, nil
}

func (h *Handlers) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := h.Store.ListAuditEvents(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}

// CountAuditEvents returns the count of audit events matching the filter.
func (h *Handlers) CountAuditEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit, filter.Offset = 0, 0
	count, err := h.Store.CountAuditEvents(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"count": count})
}

// ══════════════════════════════════════════════════════════════
// ── Operations ───────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// TriggerTick runs one delivery cycle now.
func (h *Handlers) TriggerTick(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		respondError(w, http.StatusNotImplemented, "scheduler not configured")
		return
	}
	stats, err := h.Scheduler.Tick(r.Context(), time.Now().UTC())
	resp := map[string]interface{}{"stats": stats}
	if err != nil {
		resp["error"] = err.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

// TriggerRetention runs one retention cycle now.
func (h *Handlers) TriggerRetention(w http.ResponseWriter, r *http.Request) {
	if h.Janitor == nil {
		respondError(w, http.StatusNotImplemented, "retention not configured")
		return
	}
	stats := h.Janitor.RunCycle(r.Context(), time.Now().UTC())
	errs := make([]string, 0, len(stats.Errors))
	for _, e := range stats.Errors {
		errs = append(errs, e.Error())
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"stats": stats, "errors": errs})
}

func (h *Handlers) ListChannels(w http.ResponseWriter, r *http.Request) {
	kinds := []string{}
	if h.Hub != nil {
		for _, a := range h.Hub.Adapters() {
			kinds = append(kinds, a.Kind())
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"adapters": kinds})
}

// Status reports uptime and subscription counts per state.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	subs, err := h.Subscriptions.List(r.Context(), models.SubscriptionFilter{})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	byState := make(map[models.SubscriptionState]int)
	for _, s := range subs {
		byState[s.State]++
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"version":       h.Version,
		"started":       humanize.Time(h.StartedAt),
		"subscriptions": byState,
	})
}

// ── Sandbox Ledger ───────────────────────────────────────────

func (h *Handlers) ListSandboxTransactions(w http.ResponseWriter, r *http.Request) {
	if h.Sandbox == nil {
		respondError(w, http.StatusNotImplemented, "sandbox ledger not in use")
		return
	}
	respondJSON(w, http.StatusOK, h.Sandbox.List())
}

// RecordSandboxTransaction registers a transaction on the sandbox ledger so
// a subscriber can confirm payment with its hash.
func (h *Handlers) RecordSandboxTransaction(w http.ResponseWriter, r *http.Request) {
	if h.Sandbox == nil {
		respondError(w, http.StatusNotImplemented, "sandbox ledger not in use")
		return
	}
	var tx models.LedgerTransaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(tx.Hash) == "" {
		respondError(w, http.StatusBadRequest, "hash is required")
		return
	}
	if _, ok := models.ParseAmount(tx.Amount); !ok {
		respondError(w, http.StatusBadRequest, "amount must be a decimal")
		return
	}
	h.Sandbox.Record(tx)
	log.Info().Str("hash", tx.Hash).Str("amount", tx.Amount).Bool("finalized", tx.Finalized).Msg("Sandbox transaction recorded")
	respondJSON(w, http.StatusCreated, tx)
}

func (h *Handlers) FinalizeSandboxTransaction(w http.ResponseWriter, r *http.Request) {
	if h.Sandbox == nil {
		respondError(w, http.StatusNotImplemented, "sandbox ledger not in use")
		return
	}
	hash := chi.URLParam(r, "hash")
	if !h.Sandbox.Finalize(hash) {
		respondError(w, http.StatusNotFound, "transaction "+hash+" not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"hash": hash, "finalized": true})
}

// ── Helpers ──────────────────────────────────────────────────

func (h *Handlers) record(ctx context.Context, action, resource, id string, details map[string]interface{}) {
	if h.Audit == nil {
		return
	}
	h.Audit.Record(ctx, models.AuditEvent{
		Actor:      "admin",
		Action:     action,
		Resource:   resource,
		ResourceID: id,
		Severity:   models.SeverityInfo,
		Details:    details,
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps store and registry errors to HTTP status codes.
func respondStoreError(w http.ResponseWriter, err error) {
	var (
		nf *store.ErrNotFound
		cf *store.ErrConflict
		se *models.StateError
		pe *models.ProtocolError
	)
	switch {
	case errors.As(err, &nf):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &cf), errors.As(err, &se):
		respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &pe):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// maskSecret redacts the webhook signing secret before returning it.
func maskSecret(ep models.AgentEndpoint) models.AgentEndpoint {
	if len(ep.Secret) > 4 {
		ep.Secret = ep.Secret[:4] + "****"
	} else if ep.Secret != "" {
		ep.Secret = "****"
	}
	return ep
}
