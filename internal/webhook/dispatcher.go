// Package webhook implements the kernel's WebhookDispatcher: outbound
// HTTP delivery with HMAC signing and exponential-backoff retry, plus
// inbound token-addressed ingress.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aether-run/aether/internal/common/logger"
	bus "github.com/aether-run/aether/internal/eventbus"
	"github.com/aether-run/aether/internal/statestore"
)

// Dispatcher delivers outbound webhooks for kernel events and retries
// failed deliveries with exponential backoff before dead-lettering them.
type Dispatcher struct {
	store      *statestore.Store
	bus        bus.EventBus
	logger     *logger.Logger
	httpClient *http.Client
	backoffMin time.Duration
	sub        bus.Subscription
}

// New constructs a Dispatcher. backoffBase <= 0 defaults to 500ms.
func New(store *statestore.Store, eventBus bus.EventBus, backoffBase time.Duration, log *logger.Logger) *Dispatcher {
	if backoffBase <= 0 {
		backoffBase = 500 * time.Millisecond
	}
	return &Dispatcher{
		store:      store,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "webhookDispatcher")),
		httpClient: &http.Client{},
		backoffMin: backoffBase,
	}
}

// Start subscribes to every topic on the bus.
func (d *Dispatcher) Start() error {
	sub, err := d.bus.Subscribe(">", d.onEvent)
	if err != nil {
		return err
	}
	d.sub = sub
	return nil
}

// Stop unsubscribes from the bus.
func (d *Dispatcher) Stop() {
	if d.sub != nil {
		_ = d.sub.Unsubscribe()
	}
}

func (d *Dispatcher) onEvent(ctx context.Context, ev *bus.Event) error {
	hooks, err := d.store.ListWebhooks(context.Background(), "")
	if err != nil {
		d.logger.Warn("failed to list webhooks", zap.Error(err))
		return nil
	}
	for i := range hooks {
		hook := hooks[i]
		if !subscribesTo(&hook, ev.Type) {
			continue
		}
		if !matchesFilters(&hook, ev.Data) {
			continue
		}
		// Deliver asynchronously: retries with backoff must not stall
		// the bus dispatch loop or block other subscribers.
		go d.deliver(&hook, ev)
	}
	return nil
}

func subscribesTo(hook *statestore.Webhook, eventType string) bool {
	var topics []string
	if err := json.Unmarshal([]byte(hook.Events), &topics); err != nil {
		return false
	}
	for _, t := range topics {
		if t == "*" || t == eventType {
			return true
		}
		if strings.HasSuffix(t, ">") && strings.HasPrefix(eventType, strings.TrimSuffix(t, ">")) {
			return true
		}
	}
	return false
}

func matchesFilters(hook *statestore.Webhook, data map[string]interface{}) bool {
	var filters map[string]interface{}
	if hook.Filters == "" || hook.Filters == "{}" {
		return true
	}
	if err := json.Unmarshal([]byte(hook.Filters), &filters); err != nil {
		return false
	}
	for path, want := range filters {
		if !dottedPathEquals(data, path, want) {
			return false
		}
	}
	return true
}

func dottedPathEquals(data map[string]interface{}, path string, want interface{}) bool {
	current := interface{}(data)
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return false
		}
		current, ok = m[segment]
		if !ok {
			return false
		}
	}
	return fmt.Sprintf("%v", current) == fmt.Sprintf("%v", want)
}

type outboundPayload struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

func (d *Dispatcher) deliver(hook *statestore.Webhook, ev *bus.Event) {
	payload, err := json.Marshal(outboundPayload{ID: ev.ID, Type: ev.Type, Timestamp: ev.Timestamp, Data: ev.Data})
	if err != nil {
		d.logger.Error("failed to render webhook payload", zap.String("webhookId", hook.ID), zap.Error(err))
		return
	}

	timeout := time.Duration(hook.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := hook.RetryCount
	if retries <= 0 {
		retries = 1
	}

	var lastErr error
	var lastStatus int
	attempts := 0
	for attempt := 0; attempt < retries; attempt++ {
		attempts++
		if attempt > 0 {
			time.Sleep(d.backoffMin << uint(attempt-1))
		}
		status, err := d.attemptDelivery(hook, payload, timeout)
		if err == nil && status >= 200 && status < 300 {
			d.recordSuccess(hook, ev.Type, status, attempts)
			return
		}
		d.recordAttemptFailure(hook, ev.Type, status, attempts)
		lastErr, lastStatus = err, status
	}

	d.deadLetter(hook, ev.Type, payload, lastErr, lastStatus, attempts)
}

// RetryDLQEntry re-attempts delivery of one dead-lettered entry on
// demand (the dlq.retry command). On success the entry is removed; on
// failure a fresh DLQEntry/WebhookLog pair is recorded and the original
// entry is left in place for another manual retry.
func (d *Dispatcher) RetryDLQEntry(ctx context.Context, entryID string) error {
	hooks, err := d.store.ListWebhooks(ctx, "")
	if err != nil {
		return err
	}

	entries, err := d.store.ListDLQ(ctx, "")
	if err != nil {
		return err
	}
	var entry *statestore.DLQEntry
	for i := range entries {
		if entries[i].ID == entryID {
			entry = &entries[i]
			break
		}
	}
	if entry == nil {
		return fmt.Errorf("webhook: no such DLQ entry %q", entryID)
	}

	var hook *statestore.Webhook
	for i := range hooks {
		if hooks[i].ID == entry.WebhookID {
			hook = &hooks[i]
			break
		}
	}
	if hook == nil {
		return fmt.Errorf("webhook: owning webhook %q no longer exists", entry.WebhookID)
	}

	timeout := time.Duration(hook.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	status, err := d.attemptDelivery(hook, []byte(entry.Payload), timeout)
	if err == nil && status >= 200 && status < 300 {
		d.recordSuccess(hook, entry.EventType, status, entry.Attempts+1)
		return d.store.DeleteDLQEntry(ctx, entryID)
	}
	d.recordFailure(hook, entry.EventType, []byte(entry.Payload), err, status, entry.Attempts+1)
	return nil
}

func (d *Dispatcher) attemptDelivery(hook *statestore.Webhook, payload []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if hook.Secret != nil && *hook.Secret != "" {
		req.Header.Set("X-Aether-Signature", sign(payload, *hook.Secret))
	}

	var headers map[string]string
	if hook.Headers != "" && hook.Headers != "{}" {
		if err := json.Unmarshal([]byte(hook.Headers), &headers); err == nil {
			for k, v := range headers {
				req.Header.Set(k, v)
			}
		}
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) recordSuccess(hook *statestore.Webhook, eventType string, status, attempts int) {
	log := d.store.AppendWebhookLog(context.Background(), &statestore.WebhookLog{
		WebhookID:  hook.ID,
		EventType:  eventType,
		Success:    true,
		StatusCode: &status,
		Attempts:   attempts,
		CreatedAt:  time.Now().UTC(),
	})
	if log != nil {
		d.logger.Error("failed to record webhook success log", zap.String("webhookId", hook.ID), zap.Error(log))
	}
}

// recordAttemptFailure logs one failed delivery attempt. Each retry gets
// its own webhook_logs row, so a webhook's history shows every attempt
// rather than just the final aggregated outcome.
func (d *Dispatcher) recordAttemptFailure(hook *statestore.Webhook, eventType string, status, attempt int) {
	var statusCode *int
	if status != 0 {
		statusCode = &status
	}
	if err := d.store.AppendWebhookLog(context.Background(), &statestore.WebhookLog{
		WebhookID:  hook.ID,
		EventType:  eventType,
		Success:    false,
		StatusCode: statusCode,
		Attempts:   attempt,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		d.logger.Error("failed to record webhook attempt failure log", zap.String("webhookId", hook.ID), zap.Error(err))
	}
}

// deadLetter writes a DLQ entry once every retry is exhausted and bumps
// the webhook's failure counter. It does not append another
// webhook_logs row — recordAttemptFailure already logged each attempt.
func (d *Dispatcher) deadLetter(hook *statestore.Webhook, eventType string, payload []byte, cause error, status, attempts int) {
	errMsg := "non-2xx response"
	if cause != nil {
		errMsg = cause.Error()
	} else if status != 0 {
		errMsg = fmt.Sprintf("http status %d", status)
	}

	d.logger.Warn("webhook delivery exhausted retries",
		zap.String("webhookId", hook.ID), zap.Int("attempts", attempts), zap.String("error", errMsg))

	entry := &statestore.DLQEntry{
		ID:        uuid.New().String(),
		WebhookID: hook.ID,
		EventType: eventType,
		Payload:   string(payload),
		Error:     errMsg,
		Attempts:  attempts,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.store.CreateDLQEntry(context.Background(), entry); err != nil {
		d.logger.Error("failed to write DLQ entry", zap.String("webhookId", hook.ID), zap.Error(err))
	}
	if err := d.store.IncrementWebhookFailures(context.Background(), hook.ID); err != nil {
		d.logger.Error("failed to increment webhook failure count", zap.String("webhookId", hook.ID), zap.Error(err))
	}
}

// recordFailure logs a single failed attempt and immediately dead-letters
// it; used by RetryDLQEntry, where there is exactly one manual attempt
// and no in-process retry loop to have already logged it.
func (d *Dispatcher) recordFailure(hook *statestore.Webhook, eventType string, payload []byte, cause error, status, attempts int) {
	d.recordAttemptFailure(hook, eventType, status, attempts)
	d.deadLetter(hook, eventType, payload, cause, status, attempts)
}
