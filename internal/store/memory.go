// Package store — in-memory Store implementation.
// Used for local dev and tests, and as the base store under the pebble
// thread log. Supports file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/newswire/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Threads        map[string]*threadSnapshot                  `json:"threads"`
	Plans          map[string]*models.SubscriptionPlan          `json:"plans"`
	Subscriptions  map[string]*models.Subscription              `json:"subscriptions"`
	Claims         map[string]string                            `json:"claims"` // tx hash → subscription id
	PaymentRecords []*models.PaymentVerificationRecord          `json:"payment_records"`
	Deliveries     []*models.DeliveryRecord                     `json:"deliveries"`
	Endpoints      map[string]*models.AgentEndpoint             `json:"endpoints"`
	AuditEvents    []*models.AuditEvent                         `json:"audit_events"`
}

type threadSnapshot struct {
	Thread   models.Thread    `json:"thread"`
	Messages []models.Message `json:"messages"`
}

// memThread holds one thread's log. Its own lock serializes appends so
// threads never contend with each other.
type memThread struct {
	mu       sync.RWMutex
	thread   models.Thread
	messages []models.Message
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu             sync.RWMutex
	threads        map[string]*memThread                // key: thread id
	pairs          map[string]string                    // key: pair key → thread id
	plans          map[string]*models.SubscriptionPlan  // key: id
	subscriptions  map[string]*models.Subscription      // key: id
	claims         map[string]string                    // key: tx hash → subscription id
	paymentRecords []*models.PaymentVerificationRecord  // append-only
	deliveries     []*models.DeliveryRecord             // append order
	endpoints      map[string]*models.AgentEndpoint     // key: participant id
	auditEvents    []*models.AuditEvent                 // append-only log

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store.
// If NEWSWIRE_DATA_DIR is set, data is persisted to a JSON file in that directory.
// Otherwise defaults to ~/.newswire/data.json.
func NewMemoryStore() *MemoryStore {
	dataDir := os.Getenv("NEWSWIRE_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".newswire")
		}
	}
	return NewMemoryStoreAt(dataDir)
}

// NewMemoryStoreAt creates a memory store persisting under dataDir.
// An empty dataDir disables persistence.
func NewMemoryStoreAt(dataDir string) *MemoryStore {
	m := &MemoryStore{
		threads:       make(map[string]*memThread),
		pairs:         make(map[string]string),
		plans:         make(map[string]*models.SubscriptionPlan),
		subscriptions: make(map[string]*models.Subscription),
		claims:        make(map[string]string),
		endpoints:     make(map[string]*models.AgentEndpoint),
		saveCh:        make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			select {
			case <-m.doneCh:
				return // Close writes the final snapshot
			case <-time.After(500 * time.Millisecond):
			}
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	threads := make(map[string]*threadSnapshot, len(m.threads))
	for id, t := range m.threads {
		// Appended messages are never rewritten, so a capped slice is a stable view.
		t.mu.RLock()
		n := len(t.messages)
		threads[id] = &threadSnapshot{Thread: t.thread, Messages: t.messages[:n:n]}
		t.mu.RUnlock()
	}
	snap := snapshot{
		Threads:        threads,
		Plans:          m.plans,
		Subscriptions:  m.subscriptions,
		Claims:         m.claims,
		PaymentRecords: m.paymentRecords,
		Deliveries:     m.deliveries,
		Endpoints:      m.endpoints,
		AuditEvents:    m.auditEvents,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, ts := range snap.Threads {
		if ts == nil {
			continue
		}
		m.threads[id] = &memThread{thread: ts.Thread, messages: ts.Messages}
		m.pairs[models.PairKey(ts.Thread.ParticipantA, ts.Thread.ParticipantB)] = id
	}
	if snap.Plans != nil {
		m.plans = snap.Plans
	}
	if snap.Subscriptions != nil {
		m.subscriptions = snap.Subscriptions
	}
	if snap.Claims != nil {
		m.claims = snap.Claims
	}
	if snap.PaymentRecords != nil {
		m.paymentRecords = snap.PaymentRecords
	}
	if snap.Deliveries != nil {
		m.deliveries = snap.Deliveries
	}
	if snap.Endpoints != nil {
		m.endpoints = snap.Endpoints
	}
	if snap.AuditEvents != nil {
		m.auditEvents = snap.AuditEvents
	}

	log.Info().
		Int("threads", len(m.threads)).
		Int("plans", len(m.plans)).
		Int("subscriptions", len(m.subscriptions)).
		Int("claims", len(m.claims)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

// ── Thread Store ────────────────────────────────────────────

func (m *MemoryStore) GetOrCreateThread(_ context.Context, a, b string) (*models.Thread, bool, error) {
	pk := models.PairKey(a, b)

	m.mu.RLock()
	if id, ok := m.pairs[pk]; ok {
		t := m.threads[id]
		m.mu.RUnlock()
		return t.snapshot(), false, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	// Re-check under the write lock: a concurrent caller may have won.
	if id, ok := m.pairs[pk]; ok {
		t := m.threads[id]
		m.mu.Unlock()
		return t.snapshot(), false, nil
	}
	now := time.Now().UTC()
	t := &memThread{thread: models.Thread{
		ID:           uuid.New().String(),
		ParticipantA: a,
		ParticipantB: b,
		CreatedAt:    now,
		UpdatedAt:    now,
	}}
	m.threads[t.thread.ID] = t
	m.pairs[pk] = t.thread.ID
	m.mu.Unlock()

	m.requestSave()
	return t.snapshot(), true, nil
}

func (t *memThread) snapshot() *models.Thread {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cp := t.thread
	return &cp
}

func (m *MemoryStore) lookupThread(id string) (*memThread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "thread", Key: id}
	}
	return t, nil
}

func (m *MemoryStore) GetThread(_ context.Context, id string) (*models.Thread, error) {
	t, err := m.lookupThread(id)
	if err != nil {
		return nil, err
	}
	return t.snapshot(), nil
}

func (m *MemoryStore) FindThread(_ context.Context, a, b string) (*models.Thread, error) {
	pk := models.PairKey(a, b)
	m.mu.RLock()
	id, ok := m.pairs[pk]
	var t *memThread
	if ok {
		t = m.threads[id]
	}
	m.mu.RUnlock()
	if !ok {
		return nil, &ErrNotFound{Entity: "thread", Key: pk}
	}
	return t.snapshot(), nil
}

func (m *MemoryStore) ListThreads(_ context.Context, participant string) ([]models.Thread, error) {
	m.mu.RLock()
	list := make([]*memThread, 0, len(m.threads))
	for _, t := range m.threads {
		list = append(list, t)
	}
	m.mu.RUnlock()

	var result []models.Thread
	for _, t := range list {
		th := t.snapshot()
		if participant != "" && !th.Has(participant) {
			continue
		}
		result = append(result, *th)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, threadID string, msg *models.Message) (int64, error) {
	t, err := m.lookupThread(threadID)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	seq := int64(len(t.messages)) + 1
	stamp(msg, &t.thread, seq)
	t.messages = append(t.messages, msg.Clone())
	t.thread.LastSeq = seq
	t.thread.UpdatedAt = msg.Timestamp
	t.mu.Unlock()

	m.requestSave()
	return seq, nil
}

// stamp fills the fields the log owns on an outgoing message.
func stamp(msg *models.Message, thread *models.Thread, seq int64) {
	msg.Seq = seq
	msg.ThreadID = thread.ID
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.SenderRole = thread.RoleOf(msg.SenderID)
}

func (m *MemoryStore) ReadMessages(_ context.Context, threadID string, fromSeq int64) (MessageCursor, error) {
	t, err := m.lookupThread(threadID)
	if err != nil {
		return nil, err
	}
	if fromSeq < 1 {
		fromSeq = 1
	}
	t.mu.RLock()
	end := int64(len(t.messages))
	t.mu.RUnlock()
	return &memCursor{t: t, next: fromSeq, end: end}, nil
}

// memCursor walks a thread's slice one message at a time, bounded by the
// length observed when it was opened.
type memCursor struct {
	t    *memThread
	next int64
	end  int64
}

func (c *memCursor) Next() (models.Message, bool) {
	if c.next > c.end {
		return models.Message{}, false
	}
	c.t.mu.RLock()
	msg := c.t.messages[c.next-1].Clone()
	c.t.mu.RUnlock()
	c.next++
	return msg, true
}

func (c *memCursor) Err() error   { return nil }
func (c *memCursor) Close() error { c.next = c.end + 1; return nil }

// ── Plan Store ──────────────────────────────────────────────

func (m *MemoryStore) ListPlans(_ context.Context, producerID string) ([]models.SubscriptionPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.SubscriptionPlan
	for _, p := range m.plans {
		if producerID != "" && p.ProducerID != producerID {
			continue
		}
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) GetPlan(_ context.Context, id string) (*models.SubscriptionPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "plan", Key: id}
	}
	copy := *p
	return &copy, nil
}

// CreatePlan adds a catalog entry. Plans are immutable once created.
func (m *MemoryStore) CreatePlan(_ context.Context, plan *models.SubscriptionPlan) error {
	m.mu.Lock()
	if _, ok := m.plans[plan.ID]; ok {
		m.mu.Unlock()
		return &ErrConflict{Entity: "plan", Key: plan.ID}
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now().UTC()
	}
	copy := *plan
	copy.Topics = append([]string(nil), plan.Topics...)
	m.plans[plan.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Subscription Store ──────────────────────────────────────

func cloneSubscription(s *models.Subscription) *models.Subscription {
	copy := *s
	copy.TxHashes = append([]string(nil), s.TxHashes...)
	return &copy
}

func (m *MemoryStore) CreateSubscription(_ context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	if _, ok := m.subscriptions[sub.ID]; ok {
		m.mu.Unlock()
		return &ErrConflict{Entity: "subscription", Key: sub.ID}
	}
	m.subscriptions[sub.ID] = cloneSubscription(sub)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, id string) (*models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subscriptions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "subscription", Key: id}
	}
	return cloneSubscription(s), nil
}

func (m *MemoryStore) UpdateSubscription(_ context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	if _, ok := m.subscriptions[sub.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "subscription", Key: sub.ID}
	}
	m.subscriptions[sub.ID] = cloneSubscription(sub)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListSubscriptions(_ context.Context, filter models.SubscriptionFilter) ([]models.Subscription, error) {
	m.mu.RLock()
	var result []models.Subscription
	for _, s := range m.subscriptions {
		if !filter.Matches(s) {
			continue
		}
		result = append(result, *cloneSubscription(s))
	}
	m.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ── Payment Store ───────────────────────────────────────────

func (m *MemoryStore) ClaimTransaction(_ context.Context, hash, subscriptionID string) (string, bool, error) {
	m.mu.Lock()
	if owner, ok := m.claims[hash]; ok {
		m.mu.Unlock()
		return owner, false, nil
	}
	m.claims[hash] = subscriptionID
	m.mu.Unlock()
	m.requestSave()
	return subscriptionID, true, nil
}

func (m *MemoryStore) TransactionOwner(_ context.Context, hash string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, ok := m.claims[hash]
	return owner, ok, nil
}

func (m *MemoryStore) CreatePaymentRecord(_ context.Context, record *models.PaymentVerificationRecord) error {
	m.mu.Lock()
	copy := *record
	m.paymentRecords = append(m.paymentRecords, &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListPaymentRecords(_ context.Context, subscriptionID string) ([]models.PaymentVerificationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.PaymentVerificationRecord
	for _, r := range m.paymentRecords {
		if subscriptionID != "" && r.SubscriptionID != subscriptionID {
			continue
		}
		result = append(result, *r)
	}
	return result, nil
}

// ── Delivery Store ──────────────────────────────────────────

func (m *MemoryStore) CreateDeliveryRecord(_ context.Context, record *models.DeliveryRecord) error {
	m.mu.Lock()
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	copy := *record
	m.deliveries = append(m.deliveries, &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListDeliveryRecords(_ context.Context, subscriptionID string) ([]models.DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.DeliveryRecord
	for _, r := range m.deliveries {
		if r.SubscriptionID == subscriptionID {
			result = append(result, *r)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListDeliveryRecordsBefore(_ context.Context, cutoff time.Time, limit int) ([]models.DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.DeliveryRecord
	for _, r := range m.deliveries {
		if !r.AttemptedAt.Before(cutoff) {
			continue
		}
		result = append(result, *r)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) DeleteDeliveryRecord(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.deliveries {
		if r.ID == id {
			m.deliveries = append(m.deliveries[:i], m.deliveries[i+1:]...)
			m.requestSave()
			return nil
		}
	}
	return &ErrNotFound{Entity: "delivery_record", Key: id}
}

// ── Endpoint Store ──────────────────────────────────────────

func (m *MemoryStore) ListEndpoints(_ context.Context) ([]models.AgentEndpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.AgentEndpoint, 0, len(m.endpoints))
	for _, e := range m.endpoints {
		result = append(result, *e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ParticipantID < result[j].ParticipantID })
	return result, nil
}

func (m *MemoryStore) GetEndpoint(_ context.Context, participantID string) (*models.AgentEndpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.endpoints[participantID]
	if !ok {
		return nil, &ErrNotFound{Entity: "endpoint", Key: participantID}
	}
	copy := *e
	return &copy, nil
}

func (m *MemoryStore) UpsertEndpoint(_ context.Context, endpoint *models.AgentEndpoint) error {
	m.mu.Lock()
	now := time.Now().UTC()
	if existing, ok := m.endpoints[endpoint.ParticipantID]; ok {
		endpoint.CreatedAt = existing.CreatedAt
	} else if endpoint.CreatedAt.IsZero() {
		endpoint.CreatedAt = now
	}
	endpoint.UpdatedAt = now
	copy := *endpoint
	m.endpoints[endpoint.ParticipantID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteEndpoint(_ context.Context, participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endpoints[participantID]; !ok {
		return &ErrNotFound{Entity: "endpoint", Key: participantID}
	}
	delete(m.endpoints, participantID)
	m.requestSave()
	return nil
}

// ── Audit Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateAuditEvent(_ context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	copy := *event
	m.auditEvents = append(m.auditEvents, &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func auditMatches(e *models.AuditEvent, filter models.AuditFilter) bool {
	if filter.Actor != "" && e.Actor != filter.Actor {
		return false
	}
	if filter.Action != "" && e.Action != filter.Action {
		return false
	}
	if filter.Resource != "" && e.Resource != filter.Resource {
		return false
	}
	if filter.ResourceID != "" && e.ResourceID != filter.ResourceID {
		return false
	}
	if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && e.Timestamp.After(*filter.Until) {
		return false
	}
	return true
}

func (m *MemoryStore) ListAuditEvents(_ context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.AuditEvent
	for i := len(m.auditEvents) - 1; i >= 0; i-- { // newest first
		e := m.auditEvents[i]
		if !auditMatches(e, filter) {
			continue
		}
		if filter.Offset > 0 {
			filter.Offset--
			continue
		}
		result = append(result, *e)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) CountAuditEvents(_ context.Context, filter models.AuditFilter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var count int64
	for _, e := range m.auditEvents {
		if auditMatches(e, filter) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) DeleteAuditEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.auditEvents {
		if e.ID == id {
			m.auditEvents = append(m.auditEvents[:i], m.auditEvents[i+1:]...)
			m.requestSave()
			return nil
		}
	}
	return &ErrNotFound{Entity: "audit_event", Key: id}
}
