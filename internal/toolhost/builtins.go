package toolhost

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	bus "github.com/aether-run/aether/internal/eventbus"
	"github.com/aether-run/aether/internal/process"
	"github.com/aether-run/aether/internal/statestore"
)

// RegisterBuiltins wires the kernel's built-in tool set: filesystem
// access scoped under baseDir/home/{agentUid}/, an opaque run_command
// forward, inter-process messaging, and the memory/plan tools backed by
// the state store. capPerLayer bounds memory_put's per-agent eviction,
// per spec.md §4.2.
func RegisterBuiltins(h *Host, store *statestore.Store, tbl *process.Table, eventBus bus.EventBus, baseDir string, capPerLayer int) {
	h.Register(&Tool{
		Name:        "fs_read",
		Description: "Read a file from the agent's home directory.",
		Action:      "fs.read",
		Schema:      ArgSchema{Required: []string{"agentUid", "path"}, Types: map[string]string{"agentUid": "string", "path": "string"}},
		Handler:     fsReadHandler(baseDir),
	})
	h.Register(&Tool{
		Name:        "fs_write",
		Description: "Write a file in the agent's home directory.",
		Action:      "fs.write",
		Schema:      ArgSchema{Required: []string{"agentUid", "path", "content"}, Types: map[string]string{"agentUid": "string", "path": "string", "content": "string"}},
		Handler:     fsWriteHandler(baseDir, eventBus),
	})
	h.Register(&Tool{
		Name:        "fs_ls",
		Description: "List a directory in the agent's home directory.",
		Action:      "fs.read",
		Schema:      ArgSchema{Required: []string{"agentUid", "path"}, Types: map[string]string{"agentUid": "string", "path": "string"}},
		Handler:     fsListHandler(baseDir),
	})
	h.Register(&Tool{
		Name:        "run_command",
		Description: "Forward a shell command to the external sandbox broker.",
		Action:      "process.exec",
		Schema:      ArgSchema{Required: []string{"command"}, Types: map[string]string{"command": "string"}},
		Handler:     runCommandHandler(),
	})
	h.Register(&Tool{
		Name:        "send_message",
		Description: "Inject a message into another running process's transcript.",
		Action:      "agent.message",
		Schema:      ArgSchema{Required: []string{"pid", "text"}, Types: map[string]string{"pid": "number", "text": "string"}},
		Handler:     sendMessageHandler(tbl),
	})
	h.Register(&Tool{
		Name:        "memory_put",
		Description: "Store a memory for the calling agent.",
		Action:      "memory.write",
		Schema:      ArgSchema{Required: []string{"agentUid", "layer", "content"}, Types: map[string]string{"agentUid": "string", "layer": "string", "content": "string"}},
		Handler:     memoryPutHandler(store, capPerLayer),
	})
	h.Register(&Tool{
		Name:        "memory_search",
		Description: "Search the calling agent's memories by free text.",
		Action:      "memory.read",
		Schema:      ArgSchema{Required: []string{"agentUid", "query"}, Types: map[string]string{"agentUid": "string", "query": "string"}},
		Handler:     memorySearchHandler(store),
	})
	h.Register(&Tool{
		Name:        "plan_update",
		Description: "Create or update the calling process's plan tree.",
		Action:      "plan.write",
		Schema:      ArgSchema{Required: []string{"pid", "agentUid", "tree"}, Types: map[string]string{"pid": "number", "agentUid": "string"}},
		Handler:     planUpdateHandler(store),
	})
}

// resolveHome joins baseDir/home/{agentUid}/{path}, rejecting any
// attempt to escape the agent's home directory via "..".
func resolveHome(baseDir, agentUID, path string) (string, error) {
	home := filepath.Join(baseDir, "home", agentUID)
	full := filepath.Join(home, path)
	if !strings.HasPrefix(full, filepath.Clean(home)+string(os.PathSeparator)) && full != filepath.Clean(home) {
		return "", fmt.Errorf("path %q escapes agent home", path)
	}
	return full, nil
}

func fsReadHandler(baseDir string) Handler {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		agentUID := args["agentUid"].(string)
		path := args["path"].(string)
		full, err := resolveHome(baseDir, agentUID, path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
}

func fsWriteHandler(baseDir string, eventBus bus.EventBus) Handler {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		agentUID := args["agentUid"].(string)
		path := args["path"].(string)
		content := args["content"].(string)
		full, err := resolveHome(baseDir, agentUID, path)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return nil, err
		}
		if eventBus != nil {
			_ = eventBus.Publish(ctx, bus.FSChanged, bus.NewEvent(bus.FSChanged, "toolHost", map[string]interface{}{
				"path":     path,
				"ownerUid": agentUID,
				"size":     float64(len(content)),
				"fileType": "file",
			}))
		}
		return map[string]interface{}{"bytesWritten": len(content)}, nil
	}
}

func fsListHandler(baseDir string) Handler {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		agentUID := args["agentUid"].(string)
		path, _ := args["path"].(string)
		full, err := resolveHome(baseDir, agentUID, path)
		if err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(full)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return names, nil
	}
}

// runCommandHandler forwards an opaque command string to the external
// sandbox broker. The broker's transport is outside the kernel's scope
// (spec.md's concurrency model calls sandbox handles "opaque strings");
// this built-in only validates the call shape and reports that no
// broker is configured, leaving a concrete wiring point for deployments
// that run one.
func runCommandHandler() Handler {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return nil, fmt.Errorf("run_command: no sandbox broker configured")
	}
}

func sendMessageHandler(tbl *process.Table) Handler {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		pid := int64(args["pid"].(float64))
		text := args["text"].(string)
		if err := tbl.Inject(pid, text); err != nil {
			return nil, err
		}
		return map[string]interface{}{"delivered": true}, nil
	}
}

func memoryPutHandler(store *statestore.Store, capPerLayer int) Handler {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		agentUID := args["agentUid"].(string)
		layer := args["layer"].(string)
		content := args["content"].(string)
		importance, _ := args["importance"].(float64)

		tagsJSON := "[]"
		if tags, ok := args["tags"]; ok {
			if b, err := json.Marshal(tags); err == nil {
				tagsJSON = string(b)
			}
		}

		now := time.Now().UTC()
		m := &statestore.Memory{
			ID:           uuid.New().String(),
			AgentUID:     agentUID,
			Layer:        layer,
			Content:      content,
			Tags:         tagsJSON,
			Importance:   importance,
			CreatedAt:    now,
			LastAccessed: now,
			Related:      "[]",
		}
		if err := store.PutMemory(ctx, m, capPerLayer); err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": m.ID}, nil
	}
}

func memorySearchHandler(store *statestore.Store) Handler {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		agentUID := args["agentUid"].(string)
		query := args["query"].(string)
		limit := 10
		if l, ok := args["limit"].(float64); ok && l > 0 {
			limit = int(l)
		}
		results, err := store.SearchMemory(ctx, agentUID, query, limit)
		if err != nil {
			return nil, err
		}
		return results, nil
	}
}

func planUpdateHandler(store *statestore.Store) Handler {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		pid := int64(args["pid"].(float64))
		agentUID := args["agentUid"].(string)

		treeJSON := "{}"
		if tree, ok := args["tree"]; ok {
			if b, err := json.Marshal(tree); err == nil {
				treeJSON = string(b)
			}
		}
		status, _ := args["status"].(string)
		if status == "" {
			status = "active"
		}

		now := time.Now().UTC()
		p := &statestore.Plan{
			ID:        uuid.New().String(),
			PID:       pid,
			AgentUID:  agentUID,
			Tree:      treeJSON,
			Status:    status,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if existing, err := store.GetPlanByPID(ctx, pid); err == nil {
			p.ID = existing.ID
			p.CreatedAt = existing.CreatedAt
		}
		if err := store.PutPlan(ctx, p); err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": p.ID}, nil
	}
}
