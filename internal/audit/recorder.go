// Package audit records security and lifecycle events: exhausted deliveries,
// rejected intents and subscription transitions.
package audit

import (
	"context"
	"time"

	"github.com/agentoven/newswire/internal/store"
	"github.com/agentoven/newswire/internal/telemetry"
	"github.com/agentoven/newswire/pkg/contracts"
	"github.com/agentoven/newswire/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Recorder writes audit events to the store and, when configured, to an
// external sink. A nil *Recorder discards events.
type Recorder struct {
	store   store.AuditStore
	sink    contracts.AuditSink
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewRecorder creates a recorder. sink may be nil.
func NewRecorder(s store.AuditStore, sink contracts.AuditSink, metrics *telemetry.Metrics) *Recorder {
	return &Recorder{store: s, sink: sink, metrics: metrics, now: time.Now}
}

// Record persists ev. Failures are logged, never returned: auditing must not
// block the operation being audited.
func (r *Recorder) Record(ctx context.Context, ev models.AuditEvent) {
	if r == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = models.SeverityInfo
	}

	if err := r.store.CreateAuditEvent(ctx, &ev); err != nil {
		log.Error().Err(err).Str("action", ev.Action).Msg("Failed to store audit event")
	}
	r.metrics.Audit(ev.Action)

	if r.sink != nil {
		if err := r.sink.Publish(ctx, ev); err != nil {
			log.Warn().Err(err).Str("action", ev.Action).Msg("Audit sink publish failed")
		}
	}

	evt := log.Info()
	if ev.Severity != models.SeverityInfo {
		evt = log.Warn()
	}
	evt.Str("action", ev.Action).
		Str("resource", ev.Resource).
		Str("resource_id", ev.ResourceID).
		Str("actor", ev.Actor).
		Msg("📋 Audit")
}

// Close flushes and closes the sink.
func (r *Recorder) Close() error {
	if r == nil || r.sink == nil {
		return nil
	}
	return r.sink.Close()
}
