// Package delivery runs the periodic delivery cycle: expire and renew
// subscriptions, generate content once per plan, and post it to every
// subscriber whose next delivery is due.
//
// Failed deliveries are retried with exponential backoff up to an attempt
// ceiling. Retry state lives in memory; a subscription that stops being
// deliverable loses its pending retries at the next tick.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/agentoven/newswire/internal/content"
	"github.com/agentoven/newswire/internal/events"
	"github.com/agentoven/newswire/internal/store"
	"github.com/agentoven/newswire/internal/subscription"
	"github.com/agentoven/newswire/internal/telemetry"
	"github.com/agentoven/newswire/pkg/contracts"
	"github.com/agentoven/newswire/pkg/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// Defaults applied to zero Config fields.
const (
	DefaultInterval        = time.Minute
	DefaultMaxAttempts     = 3
	DefaultWorkers         = 8
	DefaultRetryInitial    = 30 * time.Second
	DefaultRetryMax        = 30 * time.Minute
	DefaultCadence         = 24 * time.Hour
	DefaultGenerateTimeout = 60 * time.Second
)

// Registry is the subscription surface the scheduler drives.
// *subscription.Registry implements it.
type Registry interface {
	Tick(ctx context.Context, now time.Time) (subscription.TickResult, error)
	List(ctx context.Context, filter models.SubscriptionFilter) ([]models.Subscription, error)
	Deliverable(ctx context.Context, id string, now time.Time) (bool, error)
	RecordDelivery(ctx context.Context, id string, at, next time.Time) error
	Reschedule(ctx context.Context, id string, next time.Time) error
}

// Poster appends a message to a thread and pushes it to the recipient.
type Poster interface {
	Post(ctx context.Context, threadID, senderID string, msg models.Message) (int64, error)
}

// Auditor records audit events.
type Auditor interface {
	Record(ctx context.Context, ev models.AuditEvent)
}

// Config tunes the scheduler.
type Config struct {
	Interval        time.Duration
	MaxAttempts     int
	Workers         int
	RetryInitial    time.Duration
	RetryMax        time.Duration
	DefaultCadence  time.Duration
	GenerateTimeout time.Duration
}

// TickStats summarizes one tick.
type TickStats struct {
	Renewing  int `json:"renewing"`
	Expired   int `json:"expired"`
	Due       int `json:"due"`
	Delivered int `json:"delivered"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type retryState struct {
	attempts int
	nextAt   time.Time
}

// Scheduler delivers content to due subscriptions.
type Scheduler struct {
	reg       Registry
	plans     store.PlanStore
	records   store.DeliveryStore
	generator contracts.ContentGenerator
	out       Poster
	audit     Auditor
	bus       *events.Bus
	metrics   *telemetry.Metrics
	cfg       Config
	now       func() time.Time

	tickMu sync.Mutex // one tick at a time keeps per-subscriber delivery ordered

	retryMu sync.Mutex
	retries map[string]*retryState

	kick chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithAuditor(a Auditor) Option            { return func(s *Scheduler) { s.audit = a } }
func WithBus(b *events.Bus) Option            { return func(s *Scheduler) { s.bus = b } }
func WithMetrics(m *telemetry.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }
func WithClock(now func() time.Time) Option   { return func(s *Scheduler) { s.now = now } }

func New(reg Registry, plans store.PlanStore, records store.DeliveryStore, gen contracts.ContentGenerator, out Poster, cfg Config, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = DefaultRetryInitial
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = DefaultRetryMax
	}
	if cfg.DefaultCadence <= 0 {
		cfg.DefaultCadence = DefaultCadence
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = DefaultGenerateTimeout
	}
	s := &Scheduler{
		reg:       reg,
		plans:     plans,
		records:   records,
		generator: gen,
		out:       out,
		cfg:       cfg,
		now:       time.Now,
		retries:   make(map[string]*retryState),
		kick:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the scheduler until ctx is canceled. Activations trigger an
// extra tick so a new subscriber gets the first delivery right away.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().
		Dur("interval", s.cfg.Interval).
		Int("workers", s.cfg.Workers).
		Str("generator", s.generator.Name()).
		Msg("📰 Delivery scheduler started")

	var lifecycle <-chan events.Event
	if s.bus != nil {
		ch, unsubscribe := s.bus.Subscribe()
		defer unsubscribe()
		lifecycle = ch
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Delivery scheduler stopped")
			return
		case <-ticker.C:
			s.runTick(ctx)
		case <-s.kick:
			s.runTick(ctx)
		case ev, ok := <-lifecycle:
			if !ok {
				lifecycle = nil
				continue
			}
			if ev.Kind == events.SubscriptionActivated || ev.Kind == events.SubscriptionRenewed {
				s.Kick()
			}
		}
	}
}

// Kick requests a tick soon. Requests made before it runs are coalesced.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	if _, err := s.Tick(ctx, s.now().UTC()); err != nil {
		log.Warn().Err(err).Msg("Delivery tick finished with errors")
	}
}

// Tick runs one delivery cycle at now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickStats, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := time.Now()
	ctx, span := telemetry.Tracer("delivery").Start(ctx, "delivery.tick")
	defer span.End()

	var (
		stats TickStats
		errs  []error
	)

	// Expiry first: nothing is delivered past the paid window.
	moved, err := s.reg.Tick(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("registry tick: %w", err))
	}
	stats.Renewing, stats.Expired = len(moved.Renewing), len(moved.Expired)

	subs, err := s.reg.List(ctx, models.SubscriptionFilter{
		States: []models.SubscriptionState{models.StateActive, models.StateRenewing},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return stats, errors.Join(append(errs, fmt.Errorf("list subscriptions: %w", err))...)
	}

	due := s.selectDue(subs, now)
	stats.Due = len(due)

	byPlan := make(map[string][]models.Subscription)
	for _, sub := range due {
		byPlan[sub.PlanID] = append(byPlan[sub.PlanID], sub)
	}
	planIDs := make([]string, 0, len(byPlan))
	for id := range byPlan {
		planIDs = append(planIDs, id)
	}
	sort.Strings(planIDs)

	var statsMu sync.Mutex
	count := func(status string) {
		statsMu.Lock()
		defer statsMu.Unlock()
		switch status {
		case "delivered":
			stats.Delivered++
		case "retrying":
			stats.Retrying++
		case "failed":
			stats.Failed++
		default:
			stats.Skipped++
		}
	}

	for _, planID := range planIDs {
		plan, err := s.plans.GetPlan(ctx, planID)
		if err != nil {
			errs = append(errs, fmt.Errorf("plan %s: %w", planID, err))
			continue
		}
		c, genErr := s.generate(ctx, plan)

		var g errgroup.Group
		g.SetLimit(s.cfg.Workers)
		for _, sub := range byPlan[planID] {
			sub := sub
			g.Go(func() error {
				status, err := s.deliver(ctx, sub, plan, c, genErr, now)
				count(status)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	s.metrics.Tick(time.Since(start))
	span.SetAttributes(
		attribute.Int("newswire.due", stats.Due),
		attribute.Int("newswire.delivered", stats.Delivered),
		attribute.Int("newswire.failed", stats.Failed),
	)
	if stats.Due > 0 || stats.Renewing > 0 || stats.Expired > 0 {
		log.Info().
			Int("due", stats.Due).
			Int("delivered", stats.Delivered).
			Int("retrying", stats.Retrying).
			Int("failed", stats.Failed).
			Int("renewing", stats.Renewing).
			Int("expired", stats.Expired).
			Dur("duration", time.Since(start)).
			Msg("Delivery tick complete")
	}
	return stats, errors.Join(errs...)
}

// selectDue returns subscriptions inside their paid window whose regular
// slot or pending retry has come. Retry state of anything else is dropped.
func (s *Scheduler) selectDue(subs []models.Subscription, now time.Time) []models.Subscription {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()

	live := make(map[string]bool, len(subs))
	var due []models.Subscription
	for _, sub := range subs {
		if !sub.PaidThrough(now) {
			continue
		}
		live[sub.ID] = true
		if r, ok := s.retries[sub.ID]; ok {
			if !now.Before(r.nextAt) {
				due = append(due, sub)
			}
			continue
		}
		if sub.NextDeliveryAt != nil && !now.Before(*sub.NextDeliveryAt) {
			due = append(due, sub)
		}
	}
	for id := range s.retries {
		if !live[id] {
			delete(s.retries, id)
		}
	}
	return due
}

func (s *Scheduler) generate(ctx context.Context, plan *models.SubscriptionPlan) (*models.Content, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.GenerateTimeout)
	defer cancel()
	ctx, span := telemetry.Tracer("delivery").Start(ctx, "content.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("newswire.plan", plan.ID),
		attribute.String("newswire.generator", s.generator.Name()),
	)

	timespan := plan.Timespan
	if timespan == "" {
		timespan = content.DefaultTimespan
	}
	c, err := s.generator.Generate(ctx, plan.Topics, timespan)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn().Err(err).Str("plan", plan.ID).Str("generator", s.generator.Name()).Msg("Content generation failed")
		if models.IsPermanent(err) {
			return nil, err
		}
		return nil, &models.DeliveryError{Kind: models.DeliveryTransient, Err: err}
	}
	return c, nil
}

// deliver makes one attempt for one subscriber and returns its status.
func (s *Scheduler) deliver(ctx context.Context, sub models.Subscription, plan *models.SubscriptionPlan, c *models.Content, genErr error, now time.Time) (string, error) {
	// Cancellation is cooperative: re-check right before the attempt.
	ok, err := s.reg.Deliverable(ctx, sub.ID, now)
	if err != nil {
		return "skipped", err
	}
	if !ok {
		s.clearRetry(sub.ID)
		log.Debug().Str("subscription", sub.ID).Msg("Subscription no longer deliverable, skipping")
		return "skipped", nil
	}

	attempt := s.attempts(sub.ID) + 1
	var seq int64
	attemptErr := genErr
	if attemptErr == nil {
		seq, attemptErr = s.out.Post(ctx, sub.ThreadID, sub.ProducerID, newsMessage(sub, plan, c))
		if attemptErr != nil {
			attemptErr = &models.DeliveryError{Kind: models.DeliveryTransient, Err: attemptErr}
		}
	}

	if attemptErr == nil {
		s.clearRetry(sub.ID)
		s.record(ctx, sub.ID, c.ID, models.DeliveryDelivered, attempt, seq, "", now)
		if err := s.reg.RecordDelivery(ctx, sub.ID, now, s.nextSlot(plan, now)); err != nil {
			log.Warn().Err(err).Str("subscription", sub.ID).Msg("Failed to record delivery slot")
		}
		log.Info().
			Str("subscription", sub.ID).
			Str("plan", plan.ID).
			Int("attempt", attempt).
			Int64("seq", seq).
			Msg("News delivered")
		return "delivered", nil
	}

	contentID := ""
	if c != nil {
		contentID = c.ID
	}
	permanent := models.IsPermanent(attemptErr)
	if !permanent {
		s.record(ctx, sub.ID, contentID, models.DeliveryRetrying, attempt, 0, attemptErr.Error(), now)
	}
	if !permanent && attempt < s.cfg.MaxAttempts {
		delay := s.retryDelay(attempt)
		s.setRetry(sub.ID, attempt, now.Add(delay))
		log.Warn().Err(attemptErr).
			Str("subscription", sub.ID).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("Delivery failed, will retry")
		return "retrying", nil
	}

	// Out of attempts: record, raise to audit, resume the regular cadence.
	s.clearRetry(sub.ID)
	s.record(ctx, sub.ID, contentID, models.DeliveryFailed, attempt, 0, attemptErr.Error(), now)
	if s.audit != nil {
		s.audit.Record(ctx, models.AuditEvent{
			Actor:      "scheduler",
			Action:     "delivery.failed",
			Resource:   "subscription",
			ResourceID: sub.ID,
			Severity:   models.SeverityError,
			Details: map[string]interface{}{
				"plan_id":  plan.ID,
				"attempts": attempt,
				"kind":     models.ErrorCode(attemptErr),
				"error":    attemptErr.Error(),
			},
		})
	}
	if err := s.reg.Reschedule(ctx, sub.ID, s.nextSlot(plan, now)); err != nil {
		log.Warn().Err(err).Str("subscription", sub.ID).Msg("Failed to reschedule after failed delivery")
	}
	log.Error().Err(attemptErr).
		Str("subscription", sub.ID).
		Int("attempt", attempt).
		Bool("permanent", permanent).
		Msg("Delivery failed")
	return "failed", nil
}

func newsMessage(sub models.Subscription, plan *models.SubscriptionPlan, c *models.Content) models.Message {
	title := plan.Name
	if title == "" {
		title = plan.ID
	}
	topics := make([]interface{}, len(c.Topics))
	for i, t := range c.Topics {
		topics[i] = t
	}
	return models.Message{
		Content: content.FormatSummary(title, c),
		StructuredData: map[string]interface{}{
			"action":          models.ActionDeliverNews,
			"subscription_id": sub.ID,
			"plan_id":         plan.ID,
			"content_id":      c.ID,
			"topics":          topics,
		},
	}
}

// nextSlot is the next regular delivery time after now: the plan's cron
// schedule, else its fixed interval, else the default cadence.
func (s *Scheduler) nextSlot(plan *models.SubscriptionPlan, now time.Time) time.Time {
	if plan.Schedule != "" {
		next, err := gronx.NextTickAfter(plan.Schedule, now, false)
		if err == nil {
			return next
		}
		log.Warn().Err(err).Str("plan", plan.ID).Str("schedule", plan.Schedule).Msg("Invalid plan schedule, using interval")
	}
	if plan.Interval > 0 {
		return now.Add(plan.Interval)
	}
	return now.Add(s.cfg.DefaultCadence)
}

// retryDelay is the exponential backoff before attempt+1.
func (s *Scheduler) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitial
	b.MaxInterval = s.cfg.RetryMax
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (s *Scheduler) record(ctx context.Context, subID, contentID string, status models.DeliveryStatus, attempt int, seq int64, errText string, at time.Time) {
	rec := &models.DeliveryRecord{
		ID:             uuid.NewString(),
		SubscriptionID: subID,
		ContentID:      contentID,
		AttemptedAt:    at,
		Status:         status,
		AttemptCount:   attempt,
		MessageSeq:     seq,
		Error:          errText,
	}
	if err := s.records.CreateDeliveryRecord(ctx, rec); err != nil {
		log.Warn().Err(err).Str("subscription", subID).Msg("Failed to write delivery record")
	}
	s.metrics.Delivery(string(status))
}

func (s *Scheduler) attempts(id string) int {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	if r, ok := s.retries[id]; ok {
		return r.attempts
	}
	return 0
}

func (s *Scheduler) setRetry(id string, attempts int, at time.Time) {
	s.retryMu.Lock()
	s.retries[id] = &retryState{attempts: attempts, nextAt: at}
	s.retryMu.Unlock()
}

func (s *Scheduler) clearRetry(id string) {
	s.retryMu.Lock()
	delete(s.retries, id)
	s.retryMu.Unlock()
}

// Pending returns the number of subscriptions waiting on a retry.
func (s *Scheduler) Pending() int {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	return len(s.retries)
}
