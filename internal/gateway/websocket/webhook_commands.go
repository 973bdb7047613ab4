package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/aether-run/aether/internal/statestore"
	"github.com/aether-run/aether/internal/webhook"
	ws "github.com/aether-run/aether/pkg/websocket"
)

// WebhookCreateRequest is the payload for webhook.create.
type WebhookCreateRequest struct {
	URL        string            `json:"url"`
	Secret     *string           `json:"secret"`
	Events     []string          `json:"events"`
	Filters    map[string]string `json:"filters"`
	Headers    map[string]string `json:"headers"`
	RetryCount int               `json:"retryCount"`
	TimeoutMs  int               `json:"timeoutMs"`
}

// RegisterWebhookHandlers wires webhook.* and dlq.* commands onto d.
// dlq.retry delegates to dispatcher.RetryDLQEntry so a manual redelivery
// goes through the exact HMAC-signing/recording path a normal retry does.
func RegisterWebhookHandlers(d *ws.Dispatcher, store *statestore.Store, dispatcher *webhook.Dispatcher) {
	d.RegisterFunc(ws.ActionWebhookCreate, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		principal, resp, err := requirePrincipal(ctx, msg)
		if resp != nil || err != nil {
			return resp, err
		}
		var req WebhookCreateRequest
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		if req.URL == "" || len(req.Events) == 0 {
			return validationError(msg, "url and events are required")
		}

		eventsJSON, _ := json.Marshal(req.Events)
		filtersJSON := "{}"
		if req.Filters != nil {
			if b, err := json.Marshal(req.Filters); err == nil {
				filtersJSON = string(b)
			}
		}
		headersJSON := "{}"
		if req.Headers != nil {
			if b, err := json.Marshal(req.Headers); err == nil {
				headersJSON = string(b)
			}
		}

		hook := &statestore.Webhook{
			ID:         uuid.New().String(),
			URL:        req.URL,
			Secret:     req.Secret,
			Events:     string(eventsJSON),
			Filters:    filtersJSON,
			Headers:    headersJSON,
			Enabled:    true,
			RetryCount: req.RetryCount,
			TimeoutMs:  req.TimeoutMs,
			OwnerUID:   principal.Subject,
			CreatedAt:  time.Now().UTC(),
		}
		if err := store.CreateWebhook(ctx, hook); err != nil {
			return internalError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, hook)
	})

	d.RegisterFunc(ws.ActionWebhookList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		principal, resp, err := requirePrincipal(ctx, msg)
		if resp != nil || err != nil {
			return resp, err
		}
		owner := principal.Subject
		if principal.IsAdmin {
			owner = ""
		}
		hooks, err := store.ListWebhooks(ctx, owner)
		if err != nil {
			return internalError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"webhooks": hooks})
	})

	d.RegisterFunc(ws.ActionWebhookDelete, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		principal, resp, err := requirePrincipal(ctx, msg)
		if resp != nil || err != nil {
			return resp, err
		}
		var req struct {
			ID string `json:"id"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		hook, getErr := store.GetWebhook(ctx, req.ID)
		if getErr != nil {
			return notFound(msg, "no such webhook")
		}
		if !principal.IsAdmin && hook.OwnerUID != principal.Subject {
			return forbidden(msg, "not the webhook owner")
		}
		if err := store.DeleteWebhook(ctx, req.ID); err != nil {
			return internalError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"ok": true})
	})

	d.RegisterFunc(ws.ActionDLQList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		principal, resp, err := requirePrincipal(ctx, msg)
		if resp != nil || err != nil {
			return resp, err
		}
		var req struct {
			WebhookID string `json:"webhookId"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		if req.WebhookID != "" {
			hook, getErr := store.GetWebhook(ctx, req.WebhookID)
			if getErr != nil {
				return notFound(msg, "no such webhook")
			}
			if !principal.IsAdmin && hook.OwnerUID != principal.Subject {
				return forbidden(msg, "not the webhook owner")
			}
		} else if !principal.IsAdmin {
			return forbidden(msg, "admin role required to list every webhook's dead letters")
		}
		entries, err := store.ListDLQ(ctx, req.WebhookID)
		if err != nil {
			return internalError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"entries": entries})
	})

	d.RegisterFunc(ws.ActionDLQRetry, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		_, resp, err := requirePrincipal(ctx, msg)
		if resp != nil || err != nil {
			return resp, err
		}
		var req struct {
			ID string `json:"id"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		if err := dispatcher.RetryDLQEntry(ctx, req.ID); err != nil {
			return internalError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"ok": true})
	})
}
