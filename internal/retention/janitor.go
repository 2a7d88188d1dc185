// Package retention archives and purges old delivery records and audit
// events on a fixed interval.
//
// Archive modes:
//   - none:              purge expired data without archiving
//   - archive-and-purge: archive to durable storage, then delete from the store
//   - archive-only:      archive but keep in the store
//
// Archive failures are fail-safe: data is NOT deleted if archiving fails.
// Thread messages and payment verification records are never touched.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentoven/newswire/internal/store"
	"github.com/agentoven/newswire/pkg/contracts"
	"github.com/agentoven/newswire/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultDeliveryRetentionDays is how long delivery records are kept.
const DefaultDeliveryRetentionDays = 90

// DefaultAuditRetentionDays is how long audit events are kept.
const DefaultAuditRetentionDays = 400

// DefaultArchiveBatchSize is the max records per archive write.
const DefaultArchiveBatchSize = 5000

// Policy is the retention policy a janitor enforces.
type Policy struct {
	DeliveryDays int
	AuditDays    int
	Mode         models.ArchiveMode // empty: archive-and-purge with an archiver, else none
	Backend      string
}

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	DeliveriesArchived int                    `json:"deliveries_archived"`
	DeliveriesPurged   int                    `json:"deliveries_purged"`
	AuditArchived      int                    `json:"audit_archived"`
	AuditPurged        int                    `json:"audit_purged"`
	ArchiveRecords     []models.ArchiveRecord `json:"archive_records,omitempty"`
	Errors             []error                `json:"-"`
}

// Store is the slice of the store the janitor needs.
type Store interface {
	store.DeliveryStore
	store.AuditStore
}

// Janitor periodically archives and purges expired data.
type Janitor struct {
	store    Store
	interval time.Duration
	policy   Policy
	now      func() time.Time

	archiveDrivers map[string]contracts.ArchiveDriver
	driverMu       sync.RWMutex
	defaultBackend string
}

// NewJanitor creates a retention janitor that runs on the given interval.
func NewJanitor(s Store, interval time.Duration, policy Policy) *Janitor {
	if interval < time.Minute {
		interval = time.Hour // minimum 1 hour
	}
	if policy.DeliveryDays <= 0 {
		policy.DeliveryDays = DefaultDeliveryRetentionDays
	}
	if policy.AuditDays <= 0 {
		policy.AuditDays = DefaultAuditRetentionDays
	}
	return &Janitor{
		store:          s,
		interval:       interval,
		policy:         policy,
		now:            time.Now,
		archiveDrivers: make(map[string]contracts.ArchiveDriver),
	}
}

// RegisterArchiver adds an archive driver. The first registered driver
// becomes the default backend.
func (j *Janitor) RegisterArchiver(driver contracts.ArchiveDriver) {
	j.driverMu.Lock()
	defer j.driverMu.Unlock()
	kind := driver.Kind()
	if len(j.archiveDrivers) == 0 {
		j.defaultBackend = kind
	}
	j.archiveDrivers[kind] = driver
	log.Info().Str("kind", kind).Msg("Archive driver registered")
}

// GetArchiver returns the registered driver for the given kind.
func (j *Janitor) GetArchiver(kind string) (contracts.ArchiveDriver, bool) {
	j.driverMu.RLock()
	defer j.driverMu.RUnlock()
	d, ok := j.archiveDrivers[kind]
	return d, ok
}

// ListArchivers returns the kinds of all registered archive drivers.
func (j *Janitor) ListArchivers() []string {
	j.driverMu.RLock()
	defer j.driverMu.RUnlock()
	kinds := make([]string, 0, len(j.archiveDrivers))
	for k := range j.archiveDrivers {
		kinds = append(kinds, k)
	}
	return kinds
}

// Start runs the janitor until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Int("delivery_days", j.policy.DeliveryDays).
		Int("audit_days", j.policy.AuditDays).
		Strs("archivers", j.ListArchivers()).
		Msg("🧹 Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

func (j *Janitor) runCycle(ctx context.Context) {
	start := time.Now()
	stats := j.RunCycle(ctx, j.now())
	for _, e := range stats.Errors {
		log.Warn().Err(e).Msg("Retention cycle error")
	}
	if stats.DeliveriesPurged > 0 || stats.AuditPurged > 0 || len(stats.ArchiveRecords) > 0 {
		log.Info().
			Int("purged_deliveries", stats.DeliveriesPurged).
			Int("purged_audit", stats.AuditPurged).
			Int("archived_records", stats.DeliveriesArchived+stats.AuditArchived).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
}

// RunCycle performs one retention sweep as of now.
func (j *Janitor) RunCycle(ctx context.Context, now time.Time) CycleStats {
	var stats CycleStats
	policy := j.resolvePolicy()

	deliveryCutoff := now.AddDate(0, 0, -policy.DeliveryDays)
	deliveries, err := j.store.ListDeliveryRecordsBefore(ctx, deliveryCutoff, 0)
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Errorf("list delivery records: %w", err))
		return stats
	}

	auditCutoff := now.AddDate(0, 0, -policy.AuditDays)
	audit, err := j.findExpiredAuditEvents(ctx, auditCutoff)
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Errorf("list audit events: %w", err))
		return stats
	}

	if len(deliveries) == 0 && len(audit) == 0 {
		return stats
	}

	switch policy.Mode {
	case models.ArchiveModeArchiveAndPurge:
		if !j.archiveData(ctx, policy, deliveries, audit, &stats) {
			log.Warn().Str("backend", policy.Backend).Msg("Archive failed, skipping purge")
			return stats
		}
		j.purge(ctx, deliveries, audit, &stats)
	case models.ArchiveModeArchiveOnly:
		j.archiveData(ctx, policy, deliveries, audit, &stats)
	default:
		j.purge(ctx, deliveries, audit, &stats)
	}
	return stats
}

func (j *Janitor) resolvePolicy() Policy {
	policy := j.policy
	j.driverMu.RLock()
	defer j.driverMu.RUnlock()
	if policy.Backend == "" {
		policy.Backend = j.defaultBackend
	}
	if policy.Mode == "" {
		if len(j.archiveDrivers) > 0 {
			policy.Mode = models.ArchiveModeArchiveAndPurge
		} else {
			policy.Mode = models.ArchiveModeNone
		}
	}
	return policy
}

// findExpiredAuditEvents returns audit events strictly older than cutoff.
func (j *Janitor) findExpiredAuditEvents(ctx context.Context, cutoff time.Time) ([]models.AuditEvent, error) {
	events, err := j.store.ListAuditEvents(ctx, models.AuditFilter{Until: &cutoff})
	if err != nil {
		return nil, err
	}
	var expired []models.AuditEvent
	for _, e := range events {
		if e.Timestamp.Before(cutoff) {
			expired = append(expired, e)
		}
	}
	return expired, nil
}

// archiveData writes expired data to the archive backend in batches.
func (j *Janitor) archiveData(ctx context.Context, policy Policy, deliveries []models.DeliveryRecord, audit []models.AuditEvent, stats *CycleStats) bool {
	driver, ok := j.GetArchiver(policy.Backend)
	if !ok {
		stats.Errors = append(stats.Errors, &archiveError{backend: policy.Backend, msg: "driver not registered"})
		return false
	}

	allOK := true
	for _, batch := range batches(len(deliveries)) {
		part := deliveries[batch[0]:batch[1]]
		uri, err := driver.ArchiveDeliveryRecords(ctx, part)
		if err != nil {
			log.Warn().Err(err).Str("backend", policy.Backend).Int("batch_size", len(part)).Msg("Failed to archive delivery records")
			stats.Errors = append(stats.Errors, err)
			allOK = false
			continue
		}
		stats.DeliveriesArchived += len(part)
		stats.ArchiveRecords = append(stats.ArchiveRecords, j.archiveRecord("delivery_records", driver, uri, len(part)))
	}
	for _, batch := range batches(len(audit)) {
		part := audit[batch[0]:batch[1]]
		uri, err := driver.ArchiveAuditEvents(ctx, part)
		if err != nil {
			log.Warn().Err(err).Str("backend", policy.Backend).Int("batch_size", len(part)).Msg("Failed to archive audit events")
			stats.Errors = append(stats.Errors, err)
			allOK = false
			continue
		}
		stats.AuditArchived += len(part)
		stats.ArchiveRecords = append(stats.ArchiveRecords, j.archiveRecord("audit_events", driver, uri, len(part)))
	}
	return allOK
}

func (j *Janitor) archiveRecord(kind string, driver contracts.ArchiveDriver, uri string, n int) models.ArchiveRecord {
	compressed := false
	if la, ok := driver.(*LocalFileArchiver); ok {
		compressed = la.compress
	}
	return models.ArchiveRecord{
		ID:          uuid.NewString(),
		DataKind:    kind,
		RecordCount: n,
		Backend:     driver.Kind(),
		URI:         uri,
		Compressed:  compressed,
		CreatedAt:   j.now().UTC(),
	}
}

func batches(n int) [][2]int {
	var out [][2]int
	for i := 0; i < n; i += DefaultArchiveBatchSize {
		out = append(out, [2]int{i, min(i+DefaultArchiveBatchSize, n)})
	}
	return out
}

func (j *Janitor) purge(ctx context.Context, deliveries []models.DeliveryRecord, audit []models.AuditEvent, stats *CycleStats) {
	for _, r := range deliveries {
		if err := j.store.DeleteDeliveryRecord(ctx, r.ID); err != nil {
			log.Warn().Err(err).Str("record_id", r.ID).Msg("Failed to delete expired delivery record")
			stats.Errors = append(stats.Errors, err)
			continue
		}
		stats.DeliveriesPurged++
	}
	for _, e := range audit {
		if err := j.store.DeleteAuditEvent(ctx, e.ID); err != nil {
			log.Warn().Err(err).Str("event_id", e.ID).Msg("Failed to delete expired audit event")
			stats.Errors = append(stats.Errors, err)
			continue
		}
		stats.AuditPurged++
	}
}

type archiveError struct {
	backend string
	msg     string
}

func (e *archiveError) Error() string {
	return "archive driver " + e.backend + ": " + e.msg
}
