package websocket

import (
	"context"

	"github.com/aether-run/aether/internal/statestore"
	"github.com/aether-run/aether/internal/toolhost"
	ws "github.com/aether-run/aether/pkg/websocket"
)

// RegisterToolHandlers wires fs.*, mem.*, and plan.* commands. Most
// commands forward to the matching built-in tool via host.Dispatch so
// they run under the same ACL check, schema validation, and timeout as
// an agent-initiated tool call (spec.md §4.5); mem.get/mem.delete/
// plan.get have no matching built-in tool (write-only wrappers exist
// under memory_put/memory_search/plan_update) and read or delete the
// store directly instead.
func RegisterToolHandlers(d *ws.Dispatcher, host *toolhost.Host, store *statestore.Store) {
	d.RegisterFunc(ws.ActionFSRead, toolForward(host, "fs_read"))
	d.RegisterFunc(ws.ActionFSWrite, toolForward(host, "fs_write"))
	d.RegisterFunc(ws.ActionFSList, toolForward(host, "fs_ls"))
	d.RegisterFunc(ws.ActionMemoryPut, toolForward(host, "memory_put"))
	d.RegisterFunc(ws.ActionMemorySearch, toolForward(host, "memory_search"))
	d.RegisterFunc(ws.ActionPlanUpdate, toolForward(host, "plan_update"))

	d.RegisterFunc(ws.ActionMemoryGet, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
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
		m, err := store.GetMemory(ctx, req.ID)
		if err != nil {
			return notFound(msg, "no such memory")
		}
		if !principal.IsAdmin && m.AgentUID != principal.Subject {
			return forbidden(msg, "not the memory owner")
		}
		return ws.NewResponse(msg.ID, msg.Action, m)
	})

	d.RegisterFunc(ws.ActionMemoryDelete, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
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
		m, err := store.GetMemory(ctx, req.ID)
		if err != nil {
			return notFound(msg, "no such memory")
		}
		if !principal.IsAdmin && m.AgentUID != principal.Subject {
			return forbidden(msg, "not the memory owner")
		}
		if err := store.DeleteMemory(ctx, req.ID); err != nil {
			return internalError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"ok": true})
	})

	d.RegisterFunc(ws.ActionPlanGet, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		principal, resp, err := requirePrincipal(ctx, msg)
		if resp != nil || err != nil {
			return resp, err
		}
		var req struct {
			PID int64 `json:"pid"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		p, err := store.GetPlanByPID(ctx, req.PID)
		if err != nil {
			return notFound(msg, "no plan for process")
		}
		if !principal.IsAdmin && p.AgentUID != principal.Subject {
			return forbidden(msg, "not the plan owner")
		}
		return ws.NewResponse(msg.ID, msg.Action, p)
	})
}

// toolForward adapts a built-in tool into a command handler: the
// principal's subject is threaded through as both the ACL subject and
// (absent an explicit one in the args) the resource, matching a tool
// call an agent would make against its own resources.
func toolForward(host *toolhost.Host, toolName string) ws.HandlerFunc {
	return func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		principal, resp, err := requirePrincipal(ctx, msg)
		if resp != nil || err != nil {
			return resp, err
		}
		var args map[string]interface{}
		if err := msg.ParsePayload(&args); err != nil {
			return badRequest(msg, err)
		}
		resource, _ := args["agentUid"].(string)
		if resource == "" {
			resource = principal.Subject
		}
		result, err := host.Dispatch(ctx, principal.Subject, toolName, resource, args)
		if err != nil {
			return internalError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, result)
	}
}
