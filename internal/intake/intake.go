// Package intake is the single entry point for inbound agent messages.
// Messages are queued on shards keyed by participant pair, so every message
// of one thread is appended and handled by one worker in arrival order.
package intake

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/agentoven/newswire/internal/store"
	"github.com/agentoven/newswire/internal/telemetry"
	"github.com/agentoven/newswire/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrClosed is returned by Submit after Stop.
var ErrClosed = errors.New("intake closed")

// Handler acts on a message after it has been appended to its thread.
// created reports whether the message opened a new thread.
type Handler interface {
	Handle(ctx context.Context, thread *models.Thread, msg models.Message, created bool) error
}

// Auditor records audit events.
type Auditor interface {
	Record(ctx context.Context, ev models.AuditEvent)
}

// Config sizes the intake.
type Config struct {
	Shards     int
	QueueSize  int
	RatePerSec float64 // per sender; 0 disables limiting
	Burst      int
}

// Receipt identifies where an inbound message was stored.
type Receipt struct {
	ThreadID string `json:"thread_id"`
	Seq      int64  `json:"seq"`
}

type result struct {
	receipt Receipt
	err     error
}

type job struct {
	ctx  context.Context
	msg  models.InboundMessage
	done chan result
}

// Intake queues and processes inbound messages.
type Intake struct {
	threads store.ThreadStore
	handler Handler
	audit   Auditor
	metrics *telemetry.Metrics
	cfg     Config

	shards []chan job
	wg     sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures an Intake.
type Option func(*Intake)

func WithAuditor(a Auditor) Option            { return func(in *Intake) { in.audit = a } }
func WithMetrics(m *telemetry.Metrics) Option { return func(in *Intake) { in.metrics = m } }

// New creates an intake; Start launches its workers.
func New(threads store.ThreadStore, handler Handler, cfg Config, opts ...Option) *Intake {
	if cfg.Shards <= 0 {
		cfg.Shards = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	in := &Intake{
		threads:  threads,
		handler:  handler,
		cfg:      cfg,
		shards:   make([]chan job, cfg.Shards),
		limiters: make(map[string]*rate.Limiter),
	}
	for i := range in.shards {
		in.shards[i] = make(chan job, cfg.QueueSize)
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Start launches one worker per shard. Workers drain their queue and exit
// after Stop.
func (in *Intake) Start() {
	for i, ch := range in.shards {
		in.wg.Add(1)
		go in.worker(i, ch)
	}
	log.Info().Int("shards", len(in.shards)).Msg("📥 Intake started")
}

// Stop rejects new submissions and waits for queued messages to finish.
func (in *Intake) Stop() {
	in.closeMu.Lock()
	if in.closed {
		in.closeMu.Unlock()
		return
	}
	in.closed = true
	for _, ch := range in.shards {
		close(ch)
	}
	in.closeMu.Unlock()
	in.wg.Wait()
	log.Info().Msg("Intake stopped")
}

// Submit queues msg without waiting for it to be processed. It matches
// contracts.InboundHandler so adapters can push into it directly.
func (in *Intake) Submit(ctx context.Context, msg models.InboundMessage) error {
	return in.enqueue(ctx, job{ctx: context.WithoutCancel(ctx), msg: msg})
}

// SubmitWait queues msg and waits until it is stored and handled. The
// receipt is valid whenever the message was stored, even if handling
// then failed.
func (in *Intake) SubmitWait(ctx context.Context, msg models.InboundMessage) (Receipt, error) {
	done := make(chan result, 1)
	if err := in.enqueue(ctx, job{ctx: ctx, msg: msg, done: done}); err != nil {
		return Receipt{}, err
	}
	select {
	case r := <-done:
		return r.receipt, r.err
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}
}

func (in *Intake) enqueue(ctx context.Context, j job) error {
	if err := validate(j.msg); err != nil {
		return err
	}
	if j.msg.ReceivedAt.IsZero() {
		j.msg.ReceivedAt = time.Now().UTC()
	}

	in.closeMu.RLock()
	defer in.closeMu.RUnlock()
	if in.closed {
		return ErrClosed
	}
	ch := in.shards[shardFor(j.msg.From, j.msg.To, len(in.shards))]
	select {
	case ch <- j:
		in.metrics.QueueDepth(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func validate(msg models.InboundMessage) error {
	from, to := strings.TrimSpace(msg.From), strings.TrimSpace(msg.To)
	switch {
	case from == "" || to == "":
		return &models.ProtocolError{Reason: "message needs both from and to"}
	case from == to:
		return &models.ProtocolError{Reason: "an agent cannot message itself"}
	}
	return nil
}

func shardFor(a, b string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(models.PairKey(a, b)))
	return int(h.Sum32() % uint32(n))
}

func (in *Intake) worker(id int, ch <-chan job) {
	defer in.wg.Done()
	for j := range ch {
		in.metrics.QueueDepth(-1)
		receipt, err := in.process(j.ctx, j.msg)
		if err != nil {
			log.Warn().Err(err).
				Int("shard", id).
				Str("from", j.msg.From).
				Str("thread", receipt.ThreadID).
				Msg("Inbound message not handled")
		}
		if j.done != nil {
			j.done <- result{receipt: receipt, err: err}
		}
	}
}

func (in *Intake) process(ctx context.Context, inbound models.InboundMessage) (Receipt, error) {
	thread, created, err := in.threads.GetOrCreateThread(ctx, inbound.From, inbound.To)
	if err != nil {
		return Receipt{}, fmt.Errorf("get or create thread: %w", err)
	}

	msg := &models.Message{
		SenderID:       inbound.From,
		Timestamp:      inbound.ReceivedAt,
		Content:        inbound.Content,
		StructuredData: inbound.StructuredData,
		Capabilities:   inbound.Capabilities,
	}
	seq, err := in.threads.AppendMessage(ctx, thread.ID, msg)
	if err != nil {
		return Receipt{ThreadID: thread.ID}, fmt.Errorf("append message: %w", err)
	}
	receipt := Receipt{ThreadID: thread.ID, Seq: seq}
	in.metrics.Inbound(inbound.Channel)

	if !in.allow(inbound.From) {
		err := &models.ProtocolError{Reason: "rate limit exceeded"}
		in.record(ctx, models.AuditEvent{
			Actor:      inbound.From,
			Action:     "intake.rate_limited",
			Resource:   "thread",
			ResourceID: thread.ID,
			Severity:   models.SeverityWarning,
			Details:    map[string]interface{}{"seq": seq, "channel": inbound.Channel},
		})
		return receipt, err
	}

	if in.handler == nil {
		return receipt, nil
	}
	return receipt, in.handler.Handle(ctx, thread, *msg, created)
}

func (in *Intake) allow(sender string) bool {
	if in.cfg.RatePerSec <= 0 {
		return true
	}
	in.limMu.Lock()
	lim, ok := in.limiters[sender]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(in.cfg.RatePerSec), in.cfg.Burst)
		in.limiters[sender] = lim
	}
	in.limMu.Unlock()
	return lim.Allow()
}

func (in *Intake) record(ctx context.Context, ev models.AuditEvent) {
	if in.audit != nil {
		in.audit.Record(ctx, ev)
	}
}
