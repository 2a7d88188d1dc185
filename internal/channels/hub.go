// Package channels carries thread messages to and from external surfaces.
//
// The Hub is a registry of channel adapters. Outbound messages are fanned out
// to every adapter that can reach the recipient; inbound traffic from every
// adapter is pushed into one handler (the intake queue).
//
// Built-in adapters:
//  1. HTTPAdapter — the A2A surface agents post to and poll from
//  2. WebhookAdapter — signed pushes to registered agent endpoints
//  3. TelegramAdapter — a chat front end for human subscribers
package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentoven/newswire/pkg/contracts"
	"github.com/agentoven/newswire/pkg/models"
	"github.com/rs/zerolog/log"
)

// Result is the outcome of pushing one message through one adapter.
type Result struct {
	Adapter   string    `json:"adapter"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub routes thread messages through the registered adapters.
type Hub struct {
	mu       sync.RWMutex
	adapters map[string]contracts.ChannelAdapter
	order    []string
	inbound  contracts.InboundHandler
}

func NewHub() *Hub {
	return &Hub{adapters: make(map[string]contracts.ChannelAdapter)}
}

// Register adds or replaces the adapter for its kind. If the hub is already
// connected, the adapter's inbound traffic is wired immediately.
func (h *Hub) Register(adapter contracts.ChannelAdapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kind := adapter.Kind()
	if _, ok := h.adapters[kind]; !ok {
		h.order = append(h.order, kind)
	}
	h.adapters[kind] = adapter
	if h.inbound != nil {
		adapter.OnInboundMessage(h.inbound)
	}
	log.Info().Str("kind", kind).Msg("Registered channel adapter")
}

// Get returns the adapter for a kind, or nil.
func (h *Hub) Get(kind string) contracts.ChannelAdapter {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.adapters[kind]
}

// Adapters returns the registered adapters in registration order.
func (h *Hub) Adapters() []contracts.ChannelAdapter {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]contracts.ChannelAdapter, 0, len(h.order))
	for _, kind := range h.order {
		out = append(out, h.adapters[kind])
	}
	return out
}

// Connect pushes inbound traffic from every adapter, present and future, into handler.
func (h *Hub) Connect(handler contracts.InboundHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inbound = handler
	for _, a := range h.adapters {
		a.OnInboundMessage(handler)
	}
}

// Dispatch sends msg through every adapter that handles recipient,
// concurrently, and collects one result per adapter tried.
func (h *Hub) Dispatch(ctx context.Context, threadID, recipient string, msg models.Message) []Result {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []Result
	)
	for _, a := range h.Adapters() {
		if !a.Handles(recipient) {
			continue
		}
		wg.Add(1)
		go func(a contracts.ChannelAdapter) {
			defer wg.Done()
			r := Result{Adapter: a.Kind(), Timestamp: time.Now().UTC()}
			if err := a.Send(ctx, threadID, recipient, msg); err != nil {
				r.Error = err.Error()
				log.Warn().Err(err).
					Str("adapter", a.Kind()).
					Str("recipient", recipient).
					Str("thread", threadID).
					Int64("seq", msg.Seq).
					Msg("Channel push failed")
			} else {
				r.Success = true
				log.Debug().Str("adapter", a.Kind()).Str("recipient", recipient).Int64("seq", msg.Seq).Msg("Channel push dispatched")
			}
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}(a)
	}
	wg.Wait()
	return results
}

// Deliver implements the outbox dispatcher. A recipient no adapter pushes to
// is not an error: it reads the thread by polling.
func (h *Hub) Deliver(ctx context.Context, threadID, recipient string, msg models.Message) error {
	var errs []error
	for _, r := range h.Dispatch(ctx, threadID, recipient, msg) {
		if !r.Success {
			errs = append(errs, fmt.Errorf("%s: %s", r.Adapter, r.Error))
		}
	}
	return errors.Join(errs...)
}
