package intake_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/agentoven/newswire/internal/intake"
	"github.com/agentoven/newswire/internal/store"
	"github.com/agentoven/newswire/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handled struct {
	threadID string
	seq      int64
	created  bool
}

type recordingHandler struct {
	mu   sync.Mutex
	seen []handled
	err  error
}

func (h *recordingHandler) Handle(_ context.Context, thread *models.Thread, msg models.Message, created bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, handled{threadID: thread.ID, seq: msg.Seq, created: created})
	return h.err
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

func newStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStoreAt("")
	t.Cleanup(func() { s.Close() })
	return s
}

func inbound(from, to, content string) models.InboundMessage {
	return models.InboundMessage{Channel: "test", From: from, To: to, Content: content}
}

func TestSubmitPreservesPerThreadOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	h := &recordingHandler{}
	in := intake.New(s, h, intake.Config{Shards: 4, QueueSize: 8})
	in.Start()

	var wg sync.WaitGroup
	for _, sender := range []string{"alice", "bob", "carol"} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				require.NoError(t, in.Submit(ctx, inbound(sender, "newsbot", fmt.Sprintf("%s-%d", sender, i))))
			}
		}(sender)
	}
	wg.Wait()
	in.Stop()

	for _, sender := range []string{"alice", "bob", "carol"} {
		th, err := s.FindThread(ctx, "newsbot", sender)
		require.NoError(t, err)
		cur, err := s.ReadMessages(ctx, th.ID, 1)
		require.NoError(t, err)
		msgs, err := store.Collect(cur, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 50)
		for i, m := range msgs {
			assert.Equal(t, int64(i+1), m.Seq)
			assert.Equal(t, fmt.Sprintf("%s-%d", sender, i), m.Content)
			assert.Equal(t, models.RoleInitiator, m.SenderRole)
		}
	}
	assert.Len(t, h.seen, 150)
}

func TestSubmitWaitReturnsReceipt(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	h := &recordingHandler{}
	in := intake.New(s, h, intake.Config{})
	in.Start()
	defer in.Stop()

	r1, err := in.SubmitWait(ctx, inbound("alice", "newsbot", "hi"))
	require.NoError(t, err)
	r2, err := in.SubmitWait(ctx, inbound("newsbot", "alice", "hello"))
	require.NoError(t, err)

	assert.Equal(t, r1.ThreadID, r2.ThreadID)
	assert.Equal(t, int64(1), r1.Seq)
	assert.Equal(t, int64(2), r2.Seq)
	require.Len(t, h.seen, 2)
	assert.True(t, h.seen[0].created)
	assert.False(t, h.seen[1].created)
}

func TestHandlerErrorKeepsMessage(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	h := &recordingHandler{err: &models.ProtocolError{Reason: "unknown action"}}
	in := intake.New(s, h, intake.Config{})
	in.Start()
	defer in.Stop()

	r, err := in.SubmitWait(ctx, inbound("alice", "newsbot", "gibberish"))
	var pe *models.ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, int64(1), r.Seq)

	th, _ := s.GetThread(ctx, r.ThreadID)
	assert.Equal(t, int64(1), th.LastSeq, "rejected intents stay in the log")
}

func TestRateLimitRejectsButAppends(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	h := &recordingHandler{}
	audit := &auditLog{}
	in := intake.New(s, h, intake.Config{RatePerSec: 0.001, Burst: 2}, intake.WithAuditor(audit))
	in.Start()
	defer in.Stop()

	for i := 0; i < 2; i++ {
		_, err := in.SubmitWait(ctx, inbound("alice", "newsbot", "ok"))
		require.NoError(t, err)
	}
	r, err := in.SubmitWait(ctx, inbound("alice", "newsbot", "too many"))
	assert.Equal(t, "protocol_error", models.ErrorCode(err))
	assert.Equal(t, int64(3), r.Seq)
	assert.Len(t, h.seen, 2)
	require.Len(t, audit.events, 1)
	assert.Equal(t, "intake.rate_limited", audit.events[0].Action)

	_, err = in.SubmitWait(ctx, inbound("bob", "newsbot", "separate bucket"))
	assert.NoError(t, err)
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	in := intake.New(newStore(t), nil, intake.Config{})
	in.Start()

	_, err := in.SubmitWait(ctx, inbound("alice", "alice", "me"))
	assert.Equal(t, "protocol_error", models.ErrorCode(err))
	_, err = in.SubmitWait(ctx, inbound("", "newsbot", "who"))
	assert.Equal(t, "protocol_error", models.ErrorCode(err))

	in.Stop()
	in.Stop()
	assert.ErrorIs(t, in.Submit(ctx, inbound("alice", "newsbot", "late")), intake.ErrClosed)
}

type fakeDispatcher struct {
	mu         sync.Mutex
	recipients []string
	err        error
}

func (d *fakeDispatcher) Deliver(_ context.Context, _ string, recipient string, _ models.Message) error {
	d.mu.Lock()
	d.recipients = append(d.recipients, recipient)
	d.mu.Unlock()
	return d.err
}

func TestOutboxPost(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	th, _, err := s.GetOrCreateThread(ctx, "alice", "newsbot")
	require.NoError(t, err)
	d := &fakeDispatcher{err: errors.New("webhook down")}
	out := intake.NewOutbox(s, d)

	seq, err := out.Post(ctx, th.ID, "newsbot", models.Message{Content: "news"})
	require.NoError(t, err, "push failures do not fail the post")
	assert.Equal(t, int64(1), seq)
	assert.Equal(t, []string{"alice"}, d.recipients)

	cur, _ := s.ReadMessages(ctx, th.ID, 1)
	msgs, _ := store.Collect(cur, 0)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleResponder, msgs[0].SenderRole)

	_, err = out.Post(ctx, th.ID, "mallory", models.Message{Content: "spoof"})
	assert.Error(t, err)
	_, err = out.Post(ctx, "missing", "newsbot", models.Message{})
	assert.ErrorIs(t, err, models.ErrThreadNotFound)
}
