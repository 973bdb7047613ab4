package websocket

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aether-run/aether/internal/scheduler"
	"github.com/aether-run/aether/internal/statestore"
	ws "github.com/aether-run/aether/pkg/websocket"
)

// CronCreateRequest is the payload for cron.create.
type CronCreateRequest struct {
	Name           string `json:"name"`
	CronExpression string `json:"cronExpression"`
	AgentConfig    string `json:"agentConfig"`
}

// TriggerCreateRequest is the payload for trigger.create.
type TriggerCreateRequest struct {
	Name        string  `json:"name"`
	EventType   string  `json:"eventType"`
	EventFilter *string `json:"eventFilter"`
	AgentConfig string  `json:"agentConfig"`
	CooldownMs  int64   `json:"cooldownMs"`
}

// RegisterSchedulerHandlers wires cron.* and trigger.* commands onto d.
// Every cron job and trigger is owned by the creating subject and
// visible only to its owner (or an admin), matching the ownership
// default in spec.md §4.10.
func RegisterSchedulerHandlers(d *ws.Dispatcher, store *statestore.Store) {
	d.RegisterFunc(ws.ActionCronCreate, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		principal, resp, err := requirePrincipal(ctx, msg)
		if resp != nil || err != nil {
			return resp, err
		}
		var req CronCreateRequest
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		if req.Name == "" || req.CronExpression == "" || req.AgentConfig == "" {
			return validationError(msg, "name, cronExpression, and agentConfig are required")
		}
		if _, err := scheduler.ParseAgentConfig(req.AgentConfig); err != nil {
			return validationError(msg, "invalid agentConfig: "+err.Error())
		}
		now := time.Now().UTC()
		next, err := scheduler.ComputeNext(req.CronExpression, now)
		if err != nil {
			return validationError(msg, "invalid cronExpression: "+err.Error())
		}
		job := &statestore.CronJob{
			ID:             uuid.New().String(),
			Name:           req.Name,
			CronExpression: req.CronExpression,
			AgentConfig:    req.AgentConfig,
			Enabled:        true,
			OwnerUID:       principal.Subject,
			NextRun:        next,
			CreatedAt:      now,
		}
		if err := store.CreateCronJob(ctx, job); err != nil {
			return internalError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, job)
	})

	d.RegisterFunc(ws.ActionCronList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		principal, resp, err := requirePrincipal(ctx, msg)
		if resp != nil || err != nil {
			return resp, err
		}
		owner := principal.Subject
		if principal.IsAdmin {
			owner = ""
		}
		jobs, err := store.ListCronJobs(ctx, owner)
		if err != nil {
			return internalError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"jobs": jobs})
	})

	d.RegisterFunc(ws.ActionCronToggle, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			ID      string `json:"id"`
			Enabled bool   `json:"enabled"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		return withOwnedCronJob(ctx, msg, store, req.ID, func() error {
			return store.SetCronEnabled(ctx, req.ID, req.Enabled)
		})
	})

	d.RegisterFunc(ws.ActionCronDelete, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			ID string `json:"id"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		return withOwnedCronJob(ctx, msg, store, req.ID, func() error {
			return store.DeleteCronJob(ctx, req.ID)
		})
	})

	d.RegisterFunc(ws.ActionTriggerCreate, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		principal, resp, err := requirePrincipal(ctx, msg)
		if resp != nil || err != nil {
			return resp, err
		}
		var req TriggerCreateRequest
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		if req.Name == "" || req.EventType == "" || req.AgentConfig == "" {
			return validationError(msg, "name, eventType, and agentConfig are required")
		}
		if _, err := scheduler.ParseAgentConfig(req.AgentConfig); err != nil {
			return validationError(msg, "invalid agentConfig: "+err.Error())
		}
		trig := &statestore.EventTrigger{
			ID:          uuid.New().String(),
			Name:        req.Name,
			EventType:   req.EventType,
			EventFilter: req.EventFilter,
			AgentConfig: req.AgentConfig,
			Enabled:     true,
			OwnerUID:    principal.Subject,
			CooldownMs:  req.CooldownMs,
			CreatedAt:   time.Now().UTC(),
		}
		if err := store.CreateEventTrigger(ctx, trig); err != nil {
			return internalError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, trig)
	})

	d.RegisterFunc(ws.ActionTriggerList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		principal, resp, err := requirePrincipal(ctx, msg)
		if resp != nil || err != nil {
			return resp, err
		}
		owner := principal.Subject
		if principal.IsAdmin {
			owner = ""
		}
		trigs, err := store.ListEventTriggers(ctx, owner)
		if err != nil {
			return internalError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"triggers": trigs})
	})

	d.RegisterFunc(ws.ActionTriggerToggle, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			ID      string `json:"id"`
			Enabled bool   `json:"enabled"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		return withOwnedTrigger(ctx, msg, store, req.ID, func() error {
			return store.SetTriggerEnabled(ctx, req.ID, req.Enabled)
		})
	})

	d.RegisterFunc(ws.ActionTriggerDelete, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			ID string `json:"id"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		return withOwnedTrigger(ctx, msg, store, req.ID, func() error {
			return store.DeleteEventTrigger(ctx, req.ID)
		})
	})
}

func withOwnedCronJob(ctx context.Context, msg *ws.Message, store *statestore.Store, id string, fn func() error) (*ws.Message, error) {
	principal, resp, err := requirePrincipal(ctx, msg)
	if resp != nil || err != nil {
		return resp, err
	}
	job, getErr := store.GetCronJob(ctx, id)
	if getErr != nil {
		return notFound(msg, "no such cron job")
	}
	if !principal.IsAdmin && job.OwnerUID != principal.Subject {
		return forbidden(msg, "not the cron job owner")
	}
	if err := fn(); err != nil {
		return internalError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"ok": true})
}

func withOwnedTrigger(ctx context.Context, msg *ws.Message, store *statestore.Store, id string, fn func() error) (*ws.Message, error) {
	principal, resp, err := requirePrincipal(ctx, msg)
	if resp != nil || err != nil {
		return resp, err
	}
	trigs, getErr := store.ListEventTriggers(ctx, "")
	if getErr != nil {
		return internalError(msg, getErr)
	}
	var owner string
	found := false
	for _, t := range trigs {
		if t.ID == id {
			owner = t.OwnerUID
			found = true
			break
		}
	}
	if !found {
		return notFound(msg, "no such trigger")
	}
	if !principal.IsAdmin && owner != principal.Subject {
		return forbidden(msg, "not the trigger owner")
	}
	if err := fn(); err != nil {
		return internalError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"ok": true})
}
