package store

import (
	"context"
	"errors"

	"github.com/agentoven/newswire/pkg/models"
)

// ThreadBackend is a ThreadStore that owns resources.
type ThreadBackend interface {
	ThreadStore
	Close() error
}

// Layered serves threads from a dedicated backend and everything else from
// the base store.
type Layered struct {
	Store
	Threads ThreadBackend
}

// NewLayered overlays threads on base.
func NewLayered(base Store, threads ThreadBackend) *Layered {
	return &Layered{Store: base, Threads: threads}
}

func (l *Layered) GetOrCreateThread(ctx context.Context, a, b string) (*models.Thread, bool, error) {
	return l.Threads.GetOrCreateThread(ctx, a, b)
}

func (l *Layered) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	return l.Threads.GetThread(ctx, id)
}

func (l *Layered) FindThread(ctx context.Context, a, b string) (*models.Thread, error) {
	return l.Threads.FindThread(ctx, a, b)
}

func (l *Layered) ListThreads(ctx context.Context, participant string) ([]models.Thread, error) {
	return l.Threads.ListThreads(ctx, participant)
}

func (l *Layered) AppendMessage(ctx context.Context, threadID string, msg *models.Message) (int64, error) {
	return l.Threads.AppendMessage(ctx, threadID, msg)
}

func (l *Layered) ReadMessages(ctx context.Context, threadID string, fromSeq int64) (MessageCursor, error) {
	return l.Threads.ReadMessages(ctx, threadID, fromSeq)
}

// Close closes the thread backend and then the base store.
func (l *Layered) Close() error {
	return errors.Join(l.Threads.Close(), l.Store.Close())
}

// Collect drains a cursor into a slice. limit <= 0 means no limit.
func Collect(cur MessageCursor, limit int) ([]models.Message, error) {
	defer cur.Close()
	var out []models.Message
	for {
		if limit > 0 && len(out) >= limit {
			break
		}
		msg, ok := cur.Next()
		if !ok {
			break
		}
		out = append(out, msg)
	}
	return out, cur.Err()
}
