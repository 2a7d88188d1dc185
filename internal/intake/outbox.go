package intake

import (
	"context"
	"fmt"

	"github.com/agentoven/newswire/internal/store"
	"github.com/agentoven/newswire/pkg/models"
	"github.com/rs/zerolog/log"
)

// Dispatcher pushes a stored message to whatever channel reaches the
// recipient. channels.Hub implements it.
type Dispatcher interface {
	Deliver(ctx context.Context, threadID, recipient string, msg models.Message) error
}

// Outbox is the write path for outbound messages: append to the thread,
// then push to the recipient's channel. The thread is the durable record;
// a failed push is logged and agents can still read the message by polling.
type Outbox struct {
	threads    store.ThreadStore
	dispatcher Dispatcher
}

func NewOutbox(threads store.ThreadStore, dispatcher Dispatcher) *Outbox {
	return &Outbox{threads: threads, dispatcher: dispatcher}
}

// Post appends msg as senderID and returns its sequence number.
func (o *Outbox) Post(ctx context.Context, threadID, senderID string, msg models.Message) (int64, error) {
	thread, err := o.threads.GetThread(ctx, threadID)
	if err != nil {
		return 0, err
	}
	if !thread.Has(senderID) {
		return 0, fmt.Errorf("%s is not a participant of thread %s", senderID, threadID)
	}

	msg.SenderID = senderID
	seq, err := o.threads.AppendMessage(ctx, threadID, &msg)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}

	if o.dispatcher != nil {
		recipient := thread.Peer(senderID)
		if err := o.dispatcher.Deliver(ctx, threadID, recipient, msg); err != nil {
			log.Warn().Err(err).
				Str("thread", threadID).
				Str("recipient", recipient).
				Int64("seq", seq).
				Msg("Outbound push failed")
		}
	}
	return seq, nil
}
