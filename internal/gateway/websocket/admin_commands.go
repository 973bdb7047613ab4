package websocket

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aether-run/aether/internal/statestore"
	ws "github.com/aether-run/aether/pkg/websocket"
)

// RegisterAdminHandlers wires user.*, org.*, team.*, policy.*, and
// audit.query. Every handler here is admin-gated except user.get, which
// also allows a subject to read its own record.
func RegisterAdminHandlers(d *ws.Dispatcher, store *statestore.Store) {
	d.RegisterFunc(ws.ActionUserGet, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
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
		id := req.ID
		if id == "" {
			id = principal.Subject
		}
		if !principal.IsAdmin && id != principal.Subject {
			return forbidden(msg, "can only read your own user record")
		}
		u, err := store.GetUser(ctx, id)
		if err != nil {
			return notFound(msg, "no such user")
		}
		u.PasswordHash = ""
		u.MFASecret = nil
		return ws.NewResponse(msg.ID, msg.Action, u)
	})

	d.RegisterFunc(ws.ActionOrgCreate, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		principal, resp, err := requireAdmin(ctx, msg)
		if resp != nil || err != nil {
			return resp, err
		}
		var req struct {
			Name        string `json:"name"`
			OwnerUserID string `json:"ownerUserId"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		if req.Name == "" {
			return validationError(msg, "name is required")
		}
		ownerID := req.OwnerUserID
		if ownerID == "" {
			ownerID = principal.Subject
		}
		org := &statestore.Organization{ID: uuid.New().String(), Name: req.Name, CreatedAt: time.Now().UTC()}
		if err := store.CreateOrganization(ctx, org, ownerID); err != nil {
			return internalError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, org)
	})

	d.RegisterFunc(ws.ActionTeamCreate, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		if _, resp, err := requireAdmin(ctx, msg); resp != nil || err != nil {
			return resp, err
		}
		var req struct {
			OrgID string `json:"orgId"`
			Name  string `json:"name"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		if req.OrgID == "" || req.Name == "" {
			return validationError(msg, "orgId and name are required")
		}
		team := &statestore.Team{ID: uuid.New().String(), OrgID: req.OrgID, Name: req.Name, CreatedAt: time.Now().UTC()}
		if err := store.CreateTeam(ctx, team); err != nil {
			return internalError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, team)
	})

	d.RegisterFunc(ws.ActionPolicySet, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		principal, resp, err := requireAdmin(ctx, msg)
		if resp != nil || err != nil {
			return resp, err
		}
		var req struct {
			Subject  string `json:"subject"`
			Action   string `json:"action"`
			Resource string `json:"resource"`
			Effect   string `json:"effect"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		if req.Subject == "" || req.Action == "" || req.Resource == "" {
			return validationError(msg, "subject, action, and resource are required")
		}
		if req.Effect != "allow" && req.Effect != "deny" {
			return validationError(msg, "effect must be \"allow\" or \"deny\"")
		}
		createdBy := principal.Subject
		policy := &statestore.PermissionPolicy{
			ID:        uuid.New().String(),
			Subject:   req.Subject,
			Action:    req.Action,
			Resource:  req.Resource,
			Effect:    req.Effect,
			CreatedAt: time.Now().UTC(),
			CreatedBy: &createdBy,
		}
		if err := store.CreatePolicy(ctx, policy); err != nil {
			return internalError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, policy)
	})

	d.RegisterFunc(ws.ActionPolicyList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		if _, resp, err := requireAdmin(ctx, msg); resp != nil || err != nil {
			return resp, err
		}
		policies, err := store.ListAllPolicies(ctx)
		if err != nil {
			return internalError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"policies": policies})
	})

	d.RegisterFunc(ws.ActionAuditQuery, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		if _, resp, err := requireAdmin(ctx, msg); resp != nil || err != nil {
			return resp, err
		}
		var req struct {
			SinceUnixMs int64  `json:"sinceUnixMs"`
			EventType   string `json:"eventType"`
			Limit       int    `json:"limit"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		limit := req.Limit
		if limit <= 0 || limit > 1000 {
			limit = 100
		}
		var since time.Time
		if req.SinceUnixMs > 0 {
			since = time.UnixMilli(req.SinceUnixMs).UTC()
		}
		rows, err := store.QueryAudit(ctx, since, req.EventType, limit)
		if err != nil {
			return internalError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"entries": rows})
	})
}

// RegisterBrowserForwardHandler wires browser.forward, an opaque,
// fire-and-forget relay to the external sandbox broker (spec.md §5's
// "forwarding of input events is fire-and-forget to the external
// broker"). No broker transport is wired in yet, so this only
// acknowledges receipt; a deployment that runs a broker replaces the
// body with a real forward.
func RegisterBrowserForwardHandler(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionBrowserForward, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		if _, resp, err := requirePrincipal(ctx, msg); resp != nil || err != nil {
			return resp, err
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"forwarded": false})
	})
}

// RegisterClusterHandler wires cluster.info, a single-node report since
// Aether's base deployment has no peer-discovery layer (spec.md's
// Non-goals exclude distributed consensus); the field exists so a
// future multi-instance deployment can populate it without a protocol
// change.
func RegisterClusterHandler(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionClusterInfo, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"nodes": []map[string]interface{}{
				{"id": "local", "role": "leader"},
			},
		})
	})
}
