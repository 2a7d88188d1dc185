package delivery_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/newswire/internal/delivery"
	"github.com/agentoven/newswire/internal/intake"
	"github.com/agentoven/newswire/internal/ledger"
	"github.com/agentoven/newswire/internal/payment"
	"github.com/agentoven/newswire/internal/store"
	"github.com/agentoven/newswire/internal/subscription"
	"github.com/agentoven/newswire/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const month = 30 * 24 * time.Hour

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	err   error
	block bool
}

func (g *fakeGenerator) Name() string { return "fake" }

func (g *fakeGenerator) Generate(ctx context.Context, topics []string, timespan string) (*models.Content, error) {
	g.mu.Lock()
	g.calls++
	n, err, block := g.calls, g.err, g.block
	g.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &models.Content{
		ID:          fmt.Sprintf("content-%d", n),
		Summary:     "Robots learned to fold laundry.",
		Topics:      topics,
		Timespan:    timespan,
		GeneratedAt: t0,
	}, nil
}

func (g *fakeGenerator) set(err error, block bool) {
	g.mu.Lock()
	g.err, g.block = err, block
	g.mu.Unlock()
}

func (g *fakeGenerator) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type auditLog struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (a *auditLog) Record(_ context.Context, ev models.AuditEvent) {
	a.mu.Lock()
	a.events = append(a.events, ev)
	a.mu.Unlock()
}

func (a *auditLog) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, ev := range a.events {
		out = append(out, ev.Action)
	}
	return out
}

type fixture struct {
	store  *store.MemoryStore
	ledger *ledger.Sandbox
	reg    *subscription.Registry
	gen    *fakeGenerator
	audit  *auditLog
	sched  *delivery.Scheduler
	now    time.Time
	mu     sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) setNow(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStoreAt("")
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.CreatePlan(context.Background(), &models.SubscriptionPlan{
		ID: "ai-daily", ProducerID: "newsbot", Name: "AI Daily", Price: "5", Currency: "USD",
		Duration: month, Interval: 24 * time.Hour, Topics: []string{"ai"}, Timespan: "24h", Recipient: "0xfeed",
	}))

	f := &fixture{store: s, ledger: ledger.NewSandbox(), gen: &fakeGenerator{}, audit: &auditLog{}, now: t0}
	out := intake.NewOutbox(s, nil)
	f.reg = subscription.NewRegistry(s, payment.NewVerifier(f.ledger, nil, s),
		subscription.WithOutbox(out),
		subscription.WithClock(f.clock),
	)
	f.sched = delivery.New(f.reg, s, s, f.gen, out, delivery.Config{
		MaxAttempts:     3,
		Workers:         4,
		RetryInitial:    30 * time.Second,
		RetryMax:        10 * time.Minute,
		GenerateTimeout: 20 * time.Millisecond,
	}, delivery.WithAuditor(f.audit), delivery.WithClock(f.clock))
	return f
}

// activate creates a thread and an Active subscription for subscriber at the current time.
func (f *fixture) activate(t *testing.T, subscriber string) *models.Subscription {
	t.Helper()
	ctx := context.Background()
	thread, _, err := f.store.GetOrCreateThread(ctx, subscriber, "newsbot")
	require.NoError(t, err)
	sub, err := f.reg.Subscribe(ctx, subscriber, "ai-daily", thread.ID)
	require.NoError(t, err)
	sub, _, err = f.reg.RequestPayment(ctx, sub.ID)
	require.NoError(t, err)
	hash := "0x" + subscriber
	f.ledger.Record(models.LedgerTransaction{Hash: hash, Finalized: true, Amount: "5", Currency: "USD", Recipient: "0xfeed"})
	sub, outcome, err := f.reg.ConfirmPayment(ctx, sub.ID, hash)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeConfirmed, outcome)
	return sub
}

func (f *fixture) statuses(t *testing.T, subID string) []models.DeliveryStatus {
	t.Helper()
	recs, err := f.store.ListDeliveryRecords(context.Background(), subID)
	require.NoError(t, err)
	var out []models.DeliveryStatus
	for _, r := range recs {
		out = append(out, r.Status)
	}
	return out
}

func (f *fixture) tick(t *testing.T, at time.Time) delivery.TickStats {
	t.Helper()
	f.setNow(at)
	stats, err := f.sched.Tick(context.Background(), at)
	require.NoError(t, err)
	return stats
}

func TestTickDeliversDueSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.activate(t, "alice")

	stats := f.tick(t, t0)
	assert.Equal(t, 1, stats.Due)
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, []models.DeliveryStatus{models.DeliveryDelivered}, f.statuses(t, sub.ID))

	got, _ := f.reg.Get(ctx, sub.ID)
	require.NotNil(t, got.NextDeliveryAt)
	assert.Equal(t, t0.Add(24*time.Hour), *got.NextDeliveryAt)
	assert.Equal(t, t0, *got.LastDeliveryAt)

	cur, _ := f.store.ReadMessages(ctx, sub.ThreadID, 1)
	msgs, _ := store.Collect(cur, 0)
	last := msgs[len(msgs)-1]
	assert.Equal(t, "newsbot", last.SenderID)
	assert.Equal(t, models.ActionDeliverNews, last.Action())
	assert.Contains(t, last.Content, "# News Summary: AI Daily")
	assert.Contains(t, last.Content, "Robots learned to fold laundry.")

	stats = f.tick(t, t0.Add(time.Hour))
	assert.Equal(t, 0, stats.Due, "next slot is a day out")
}

func TestGenerationBatchedPerPlan(t *testing.T) {
	f := newFixture(t)
	var ids []string
	for _, name := range []string{"alice", "bob", "carol"} {
		ids = append(ids, f.activate(t, name).ID)
	}

	stats := f.tick(t, t0)
	assert.Equal(t, 3, stats.Delivered)
	assert.Equal(t, 1, f.gen.count())
	for _, id := range ids {
		assert.Equal(t, []models.DeliveryStatus{models.DeliveryDelivered}, f.statuses(t, id))
	}
}

func TestTimeoutsRetryThenFail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.activate(t, "alice")
	f.gen.set(nil, true)

	f.tick(t, t0)
	assert.Equal(t, 1, f.sched.Pending())
	f.tick(t, t0.Add(time.Hour))
	stats := f.tick(t, t0.Add(2*time.Hour))
	assert.Equal(t, 1, stats.Failed)

	assert.Equal(t, []models.DeliveryStatus{
		models.DeliveryRetrying, models.DeliveryRetrying, models.DeliveryRetrying, models.DeliveryFailed,
	}, f.statuses(t, sub.ID))
	assert.Equal(t, 0, f.sched.Pending())
	assert.Contains(t, f.audit.actions(), "delivery.failed")

	got, _ := f.reg.Get(ctx, sub.ID)
	assert.Equal(t, models.StateActive, got.State, "delivery failures never touch the subscription state")
	assert.Equal(t, t0.Add(26*time.Hour), *got.NextDeliveryAt)
}

func TestRetryWaitsForBackoff(t *testing.T) {
	f := newFixture(t)
	sub := f.activate(t, "alice")
	f.gen.set(errors.New("upstream 503"), false)

	f.tick(t, t0)
	stats := f.tick(t, t0.Add(10*time.Second))
	assert.Equal(t, 0, stats.Due, "first retry waits 30s")

	f.gen.set(nil, false)
	stats = f.tick(t, t0.Add(31*time.Second))
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, []models.DeliveryStatus{models.DeliveryRetrying, models.DeliveryDelivered}, f.statuses(t, sub.ID))

	recs, _ := f.store.ListDeliveryRecords(context.Background(), sub.ID)
	assert.Equal(t, 2, recs[1].AttemptCount)
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	f := newFixture(t)
	sub := f.activate(t, "alice")
	f.gen.set(models.Permanent(errors.New("topic banned")), false)

	stats := f.tick(t, t0)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, []models.DeliveryStatus{models.DeliveryFailed}, f.statuses(t, sub.ID))
}

func TestCancelDropsPendingRetries(t *testing.T) {
	f := newFixture(t)
	sub := f.activate(t, "alice")
	f.gen.set(errors.New("flaky"), false)

	f.tick(t, t0)
	require.Equal(t, 1, f.sched.Pending())

	_, err := f.reg.Cancel(context.Background(), sub.ID, "alice")
	require.NoError(t, err)

	f.gen.set(nil, false)
	stats := f.tick(t, t0.Add(time.Hour))
	assert.Equal(t, 0, stats.Due)
	assert.Equal(t, 0, f.sched.Pending())
	assert.Equal(t, []models.DeliveryStatus{models.DeliveryRetrying}, f.statuses(t, sub.ID))
}

func TestNoDeliveryAtOrAfterExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.activate(t, "alice")
	expires := *sub.ExpiresAt

	// Never delivered, so the first slot is overdue the whole month.
	stats := f.tick(t, expires)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 0, stats.Due)
	assert.Empty(t, f.statuses(t, sub.ID))

	got, _ := f.reg.Get(ctx, sub.ID)
	assert.Equal(t, models.StateExpired, got.State)
}

func TestRenewingStillDeliversInsidePaidWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.activate(t, "alice")
	expires := *sub.ExpiresAt

	stats := f.tick(t, expires.Add(-time.Second))
	assert.Equal(t, 1, stats.Renewing)
	assert.Equal(t, 1, stats.Delivered)

	got, _ := f.reg.Get(ctx, sub.ID)
	assert.Equal(t, models.StateRenewing, got.State)
}

func TestStartTicksUntilCanceled(t *testing.T) {
	f := newFixture(t)
	sub := f.activate(t, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sched.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(f.statuses(t, sub.ID)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
