package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentoven/newswire/internal/store"
	"github.com/agentoven/newswire/pkg/contracts"
	"github.com/agentoven/newswire/pkg/models"
	"github.com/rs/zerolog/log"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Newswire-Signature"

// WebhookPayload is the JSON body pushed to agent endpoints.
type WebhookPayload struct {
	ThreadID  string         `json:"thread_id"`
	Recipient string         `json:"recipient"`
	Message   models.Message `json:"message"`
}

// WebhookAdapter pushes outbound messages to agents that registered an
// endpoint. Those agents still send through the HTTP adapter.
type WebhookAdapter struct {
	endpoints store.EndpointStore
	client    *http.Client
	attempts  int
	delay     time.Duration
}

// WebhookOption configures a WebhookAdapter.
type WebhookOption func(*WebhookAdapter)

func WithHTTPClient(c *http.Client) WebhookOption { return func(w *WebhookAdapter) { w.client = c } }

// WithRetryDelay sets the base delay between attempts; attempt n waits n*d.
func WithRetryDelay(d time.Duration) WebhookOption { return func(w *WebhookAdapter) { w.delay = d } }

func NewWebhookAdapter(endpoints store.EndpointStore, timeout time.Duration, opts ...WebhookOption) *WebhookAdapter {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	w := &WebhookAdapter{
		endpoints: endpoints,
		client:    &http.Client{Timeout: timeout},
		attempts:  3,
		delay:     2 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WebhookAdapter) Kind() string { return "webhook" }

// Handles reports whether participant has an active endpoint.
func (w *WebhookAdapter) Handles(participant string) bool {
	ep, err := w.endpoints.GetEndpoint(context.Background(), participant)
	return err == nil && ep.Active
}

// OnInboundMessage is a no-op: webhooks are outbound only.
func (w *WebhookAdapter) OnInboundMessage(contracts.InboundHandler) {}

// Send posts the message to the recipient's endpoint, signing the body when
// the endpoint has a secret.
func (w *WebhookAdapter) Send(ctx context.Context, threadID, recipient string, msg models.Message) error {
	ep, err := w.endpoints.GetEndpoint(ctx, recipient)
	if err != nil {
		return err
	}
	if !ep.Active {
		return fmt.Errorf("endpoint for %s is inactive", recipient)
	}

	body, err := json.Marshal(WebhookPayload{ThreadID: threadID, Recipient: recipient, Message: msg})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	signature := ""
	if ep.Secret != "" {
		signature = "sha256=" + Sign(ep.Secret, body)
	}

	var lastErr error
	for attempt := 0; attempt < w.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * w.delay):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Newswire-Webhook/1.0")
		req.Header.Set("X-Newswire-Thread", threadID)
		if signature != "" {
			req.Header.Set(SignatureHeader, signature)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, ep.URL)
		log.Debug().Int("attempt", attempt+1).Int("status", resp.StatusCode).Str("recipient", recipient).Msg("Webhook attempt rejected")
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", w.attempts, lastErr)
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
