package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateWebhook inserts an outbound delivery subscription.
func (s *Store) CreateWebhook(ctx context.Context, w *Webhook) error {
	_, err := s.writer.NamedExecContext(ctx, `
		INSERT INTO webhooks (id, url, secret, events, filters, headers, enabled, retry_count, timeout_ms, failure_count, owner_uid, created_at)
		VALUES (:id, :url, :secret, :events, :filters, :headers, :enabled, :retry_count, :timeout_ms, :failure_count, :owner_uid, :created_at)
	`, w)
	return err
}

// ListWebhooks returns every enabled webhook when ownerUID is empty, or
// every webhook (enabled or not) owned by ownerUID otherwise. Topic
// subscription is evaluated by the caller against the events JSON array.
func (s *Store) ListWebhooks(ctx context.Context, ownerUID string) ([]Webhook, error) {
	var rows []Webhook
	var err error
	if ownerUID == "" {
		err = s.reader.SelectContext(ctx, &rows, `SELECT * FROM webhooks WHERE enabled = 1 ORDER BY created_at`)
	} else {
		err = s.reader.SelectContext(ctx, &rows, `SELECT * FROM webhooks WHERE owner_uid = ? ORDER BY created_at`, ownerUID)
	}
	return rows, err
}

// GetWebhook fetches a webhook by id.
func (s *Store) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	var w Webhook
	err := s.reader.GetContext(ctx, &w, `SELECT * FROM webhooks WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("webhook %q: %w", id, ErrNotFound)
	}
	return &w, err
}

// DeleteWebhook removes a subscription.
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	_, err := s.writer.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	return err
}

// IncrementWebhookFailures bumps the subscription's failure counter
// after a delivery exhausts its retries.
func (s *Store) IncrementWebhookFailures(ctx context.Context, id string) error {
	_, err := s.writer.ExecContext(ctx, `UPDATE webhooks SET failure_count = failure_count + 1 WHERE id = ?`, id)
	return err
}

// AppendWebhookLog records one delivery attempt outcome.
func (s *Store) AppendWebhookLog(ctx context.Context, l *WebhookLog) error {
	_, err := s.writer.NamedExecContext(ctx, `
		INSERT INTO webhook_logs (webhook_id, event_type, success, status_code, attempts, created_at)
		VALUES (:webhook_id, :event_type, :success, :status_code, :attempts, :created_at)
	`, l)
	return err
}

// ListWebhookLogs returns delivery attempt history, newest first,
// optionally scoped to one webhook.
func (s *Store) ListWebhookLogs(ctx context.Context, webhookID string) ([]WebhookLog, error) {
	var rows []WebhookLog
	var err error
	if webhookID == "" {
		err = s.reader.SelectContext(ctx, &rows, `SELECT * FROM webhook_logs ORDER BY created_at DESC`)
	} else {
		err = s.reader.SelectContext(ctx, &rows, `SELECT * FROM webhook_logs WHERE webhook_id = ? ORDER BY created_at DESC`, webhookID)
	}
	return rows, err
}

// CreateDLQEntry records an exhausted delivery for later retry/inspection.
func (s *Store) CreateDLQEntry(ctx context.Context, e *DLQEntry) error {
	_, err := s.writer.NamedExecContext(ctx, `
		INSERT INTO webhook_dlq (id, webhook_id, event_type, payload, error, attempts, created_at)
		VALUES (:id, :webhook_id, :event_type, :payload, :error, :attempts, :created_at)
	`, e)
	return err
}

// ListDLQ returns dead-lettered deliveries, most recent first.
func (s *Store) ListDLQ(ctx context.Context, webhookID string) ([]DLQEntry, error) {
	var rows []DLQEntry
	var err error
	if webhookID == "" {
		err = s.reader.SelectContext(ctx, &rows, `SELECT * FROM webhook_dlq ORDER BY created_at DESC`)
	} else {
		err = s.reader.SelectContext(ctx, &rows, `SELECT * FROM webhook_dlq WHERE webhook_id = ? ORDER BY created_at DESC`, webhookID)
	}
	return rows, err
}

// DeleteDLQEntry removes an entry, typically after a manual retry.
func (s *Store) DeleteDLQEntry(ctx context.Context, id string) error {
	_, err := s.writer.ExecContext(ctx, `DELETE FROM webhook_dlq WHERE id = ?`, id)
	return err
}

// CreateInboundWebhook registers a token-addressed ingress endpoint.
func (s *Store) CreateInboundWebhook(ctx context.Context, w *InboundWebhook) error {
	_, err := s.writer.NamedExecContext(ctx, `
		INSERT INTO inbound_webhooks (token, agent_config, transform, owner_uid, last_triggered, trigger_count, created_at)
		VALUES (:token, :agent_config, :transform, :owner_uid, :last_triggered, :trigger_count, :created_at)
	`, w)
	return err
}

// GetInboundWebhook looks up an ingress endpoint by token.
func (s *Store) GetInboundWebhook(ctx context.Context, token string) (*InboundWebhook, error) {
	var w InboundWebhook
	err := s.reader.GetContext(ctx, &w, `SELECT * FROM inbound_webhooks WHERE token = ?`, token)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("inbound webhook %q: %w", token, ErrNotFound)
	}
	return &w, err
}

// RecordInboundTrigger stamps the last time a token was used.
func (s *Store) RecordInboundTrigger(ctx context.Context, token string, when time.Time) error {
	_, err := s.writer.ExecContext(ctx,
		`UPDATE inbound_webhooks SET last_triggered = ?, trigger_count = trigger_count + 1 WHERE token = ?`, when, token)
	return err
}
