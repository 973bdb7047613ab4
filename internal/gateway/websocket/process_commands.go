package websocket

import (
	"context"

	"github.com/aether-run/aether/internal/agentloop"
	"github.com/aether-run/aether/internal/process"
	"github.com/aether-run/aether/internal/statestore"
	ws "github.com/aether-run/aether/pkg/websocket"
)

// ProcessSpawnRequest is the payload for process.spawn.
type ProcessSpawnRequest struct {
	Name         string            `json:"name"`
	Role         string            `json:"role"`
	Goal         string            `json:"goal"`
	SystemPrompt string            `json:"systemPrompt"`
	ParentPID    int64             `json:"parentPid"`
	Env          map[string]string `json:"env"`
}

// RegisterProcessHandlers wires process.* and agent.* commands onto d.
// loop drives the spawned agent's think/act/observe cycle in the
// background; the handler itself only returns once the process is
// created, matching the non-blocking spawn shape used by Scheduler and
// WebhookDispatcher.
func RegisterProcessHandlers(d *ws.Dispatcher, tbl *process.Table, loop *agentloop.Loop) {
	d.RegisterFunc(ws.ActionProcessSpawn, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		principal, resp, err := requirePrincipal(ctx, msg)
		if resp != nil || err != nil {
			return resp, err
		}
		var req ProcessSpawnRequest
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		if req.Name == "" || req.Goal == "" {
			return validationError(msg, "name and goal are required")
		}
		p, err := tbl.Spawn(ctx, process.SpawnSpec{
			UID:       principal.Subject,
			Name:      req.Name,
			Role:      req.Role,
			Goal:      req.Goal,
			ParentPID: req.ParentPID,
			Env:       req.Env,
		})
		if err != nil {
			return internalError(msg, err)
		}
		go loop.Run(context.Background(), p, req.SystemPrompt)
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"pid": p.PID})
	})

	d.RegisterFunc(ws.ActionProcessKill, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return withOwnedProcess(ctx, msg, tbl, func(pid int64) error {
			return tbl.Kill(ctx, pid, "client")
		})
	})

	d.RegisterFunc(ws.ActionProcessPause, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return withOwnedProcess(ctx, msg, tbl, func(pid int64) error {
			return tbl.Pause(ctx, pid)
		})
	})

	d.RegisterFunc(ws.ActionProcessResume, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return withOwnedProcess(ctx, msg, tbl, func(pid int64) error {
			return tbl.Resume(ctx, pid)
		})
	})

	d.RegisterFunc(ws.ActionAgentMessage, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			PID  int64  `json:"pid"`
			Text string `json:"text"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		return withOwnedProcess(ctx, msg, tbl, func(pid int64) error {
			return tbl.Inject(pid, req.Text)
		}, req.PID)
	})

	d.RegisterFunc(ws.ActionAgentCancel, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return withOwnedProcess(ctx, msg, tbl, func(pid int64) error {
			return tbl.Kill(ctx, pid, "cancel")
		})
	})

	d.RegisterFunc(ws.ActionProcessGet, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
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
		p, err := tbl.Get(req.PID)
		if err != nil {
			return notFound(msg, "no such process")
		}
		if !principal.IsAdmin && p.UID != principal.Subject {
			return forbidden(msg, "not the process owner")
		}
		return ws.NewResponse(msg.ID, msg.Action, processView(p))
	})

	d.RegisterFunc(ws.ActionProcessList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		principal, resp, err := requirePrincipal(ctx, msg)
		if resp != nil || err != nil {
			return resp, err
		}
		uid := principal.Subject
		if principal.IsAdmin {
			uid = ""
		}
		procs := tbl.List(uid)
		views := make([]map[string]interface{}, 0, len(procs))
		for _, p := range procs {
			views = append(views, processView(p))
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"processes": views})
	})
}

// RegisterProcessHistoryHandler wires process.history, which reads the
// durable agent log from StateStore rather than the live ProcessTable so
// it still answers after the process has exited and been reaped.
func RegisterProcessHistoryHandler(d *ws.Dispatcher, store *statestore.Store, tbl *process.Table) {
	d.RegisterFunc(ws.ActionProcessHistory, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
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
		if !principal.IsAdmin {
			if rec, err := store.GetProcess(ctx, req.PID); err == nil && rec.UID != principal.Subject {
				return forbidden(msg, "not the process owner")
			}
		}
		entries, err := store.ListAgentLog(ctx, req.PID)
		if err != nil {
			return internalError(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"entries": entries})
	})
}

func processView(p *process.Process) map[string]interface{} {
	return map[string]interface{}{
		"pid":        p.PID,
		"uid":        p.UID,
		"name":       p.Name,
		"role":       p.Role,
		"goal":       p.Goal,
		"state":      string(p.State()),
		"agentPhase": p.AgentPhase(),
		"exitCode":   p.ExitCode(),
	}
}

// withOwnedProcess parses a {pid} payload (unless pid is supplied
// directly via explicitPID), checks ownership, and runs fn. It centralizes
// the ownership check shared by process.kill/pause/resume/agent.cancel.
func withOwnedProcess(ctx context.Context, msg *ws.Message, tbl *process.Table, fn func(pid int64) error, explicitPID ...int64) (*ws.Message, error) {
	principal, resp, err := requirePrincipal(ctx, msg)
	if resp != nil || err != nil {
		return resp, err
	}

	pid := int64(0)
	if len(explicitPID) > 0 {
		pid = explicitPID[0]
	} else {
		var req struct {
			PID int64 `json:"pid"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return badRequest(msg, err)
		}
		pid = req.PID
	}

	p, getErr := tbl.Get(pid)
	if getErr != nil {
		return notFound(msg, "no such process")
	}
	if !principal.IsAdmin && p.UID != principal.Subject {
		return forbidden(msg, "not the process owner")
	}

	if err := fn(pid); err != nil {
		return internalError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"ok": true})
}
