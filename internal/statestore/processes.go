package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	bus "github.com/aether-run/aether/internal/eventbus"
)

// subscribeHotWriters wires the event-driven writers described in
// spec.md §4.2: process state changes, agent log lines, and file
// metadata changes are persisted as they're emitted rather than through
// an explicit StateStore call. Failures here are logged and swallowed —
// they must never take down the publishing component.
func (s *Store) subscribeHotWriters(eventBus bus.EventBus) {
	subscribe := func(topic string, handler bus.EventHandler) {
		if _, err := eventBus.Subscribe(topic, handler); err != nil {
			s.logger.Error("failed to subscribe hot writer", zap.String("topic", topic), zap.Error(err))
		}
	}

	subscribe(bus.ProcessSpawned, s.onProcessSpawned)
	subscribe(bus.ProcessStateChange, s.onProcessStateChange)
	subscribe(bus.ProcessExit, s.onProcessExit)
	subscribe(bus.ProcessReaped, s.onProcessReaped)
	subscribe(bus.AgentLog, s.onAgentLog)
	subscribe(bus.FSChanged, s.onFSChanged)
}

func (s *Store) onProcessSpawned(ctx context.Context, ev *bus.Event) error {
	rec, err := recordFromEventData(ev.Data)
	if err != nil {
		s.logDegraded("process.spawned", err)
		return nil
	}
	if err := s.UpsertProcess(ctx, rec); err != nil {
		s.logDegraded("process.spawned", err)
	}
	return nil
}

func (s *Store) onProcessStateChange(ctx context.Context, ev *bus.Event) error {
	pid, _ := ev.Data["pid"].(float64)
	state, _ := ev.Data["state"].(string)
	phase, _ := ev.Data["agentPhase"].(string)
	if err := s.UpdateProcessState(ctx, int64(pid), state, phase); err != nil {
		s.logDegraded("process.stateChange", err)
	}
	return nil
}

func (s *Store) onProcessExit(ctx context.Context, ev *bus.Event) error {
	pid, _ := ev.Data["pid"].(float64)
	code, _ := ev.Data["exitCode"].(float64)
	exitCode := int(code)
	if err := s.SetProcessExit(ctx, int64(pid), exitCode); err != nil {
		s.logDegraded("process.exit", err)
	}
	return nil
}

func (s *Store) onProcessReaped(ctx context.Context, ev *bus.Event) error {
	pid, _ := ev.Data["pid"].(float64)
	if err := s.MarkProcessDead(ctx, int64(pid)); err != nil {
		s.logDegraded("process.reaped", err)
	}
	return nil
}

func (s *Store) onAgentLog(ctx context.Context, ev *bus.Event) error {
	pid, _ := ev.Data["pid"].(float64)
	step, _ := ev.Data["step"].(float64)
	phase, _ := ev.Data["phase"].(string)
	content, _ := ev.Data["content"].(string)
	var tool *string
	if t, ok := ev.Data["tool"].(string); ok && t != "" {
		tool = &t
	}
	if err := s.AppendAgentLog(ctx, &AgentLogEntry{
		PID:       int64(pid),
		Step:      int(step),
		Phase:     phase,
		Tool:      tool,
		Content:   content,
		Timestamp: ev.Timestamp,
	}); err != nil {
		s.logDegraded("agent.log", err)
	}
	return nil
}

func (s *Store) onFSChanged(ctx context.Context, ev *bus.Event) error {
	path, _ := ev.Data["path"].(string)
	owner, _ := ev.Data["ownerUid"].(string)
	if path == "" {
		return nil
	}
	if deleted, _ := ev.Data["deleted"].(bool); deleted {
		if err := s.DeleteFileMetadata(ctx, path); err != nil {
			s.logDegraded("fs.changed", err)
		}
		return nil
	}
	size, _ := ev.Data["size"].(float64)
	fileType, _ := ev.Data["fileType"].(string)
	if fileType == "" {
		fileType = "file"
	}
	if err := s.UpsertFileMetadata(ctx, &FileMetadata{
		Path:       path,
		OwnerUID:   owner,
		Size:       int64(size),
		FileType:   fileType,
		CreatedAt:  nowUTC(),
		ModifiedAt: nowUTC(),
	}); err != nil {
		s.logDegraded("fs.changed", err)
	}
	return nil
}

func recordFromEventData(data map[string]interface{}) (*ProcessRecord, error) {
	pid, _ := data["pid"].(float64)
	uid, _ := data["uid"].(string)
	name, _ := data["name"].(string)
	role, _ := data["role"].(string)
	goal, _ := data["goal"].(string)
	state, _ := data["state"].(string)
	if state == "" {
		state = "created"
	}
	env := "{}"
	if envMap, ok := data["env"]; ok {
		b, err := json.Marshal(envMap)
		if err == nil {
			env = string(b)
		}
	}
	return &ProcessRecord{
		PID:        int64(pid),
		UID:        uid,
		Name:       name,
		Role:       role,
		Goal:       goal,
		State:      state,
		AgentPhase: "idle",
		CreatedAt:  nowUTC(),
		Env:        env,
	}, nil
}

// UpsertProcess inserts or replaces a process history row.
func (s *Store) UpsertProcess(ctx context.Context, rec *ProcessRecord) error {
	_, err := s.writer.NamedExecContext(ctx, `
		INSERT INTO processes (pid, uid, name, role, goal, state, agent_phase, exit_code, created_at, exited_at, env, tty_id, vnc_ws_url)
		VALUES (:pid, :uid, :name, :role, :goal, :state, :agent_phase, :exit_code, :created_at, :exited_at, :env, :tty_id, :vnc_ws_url)
		ON CONFLICT(pid) DO UPDATE SET
			state = excluded.state,
			agent_phase = excluded.agent_phase,
			exit_code = excluded.exit_code,
			exited_at = excluded.exited_at
	`, rec)
	return err
}

// UpdateProcessState records a state/phase transition.
func (s *Store) UpdateProcessState(ctx context.Context, pid int64, state, phase string) error {
	_, err := s.writer.ExecContext(ctx,
		`UPDATE processes SET state = ?, agent_phase = ? WHERE pid = ?`, state, phase, pid)
	return err
}

// SetProcessExit records the terminal exit code exactly once and marks
// the process zombie, per the at-most-once persistence invariant.
func (s *Store) SetProcessExit(ctx context.Context, pid int64, exitCode int) error {
	_, err := s.writer.ExecContext(ctx, `
		UPDATE processes
		SET state = 'zombie', exit_code = ?, exited_at = ?
		WHERE pid = ? AND exit_code IS NULL
	`, exitCode, nowUTC(), pid)
	return err
}

// MarkProcessDead transitions a reaped process's history row to dead.
func (s *Store) MarkProcessDead(ctx context.Context, pid int64) error {
	_, err := s.writer.ExecContext(ctx, `UPDATE processes SET state = 'dead' WHERE pid = ?`, pid)
	return err
}

// GetProcess returns the history row for a pid.
func (s *Store) GetProcess(ctx context.Context, pid int64) (*ProcessRecord, error) {
	var rec ProcessRecord
	err := s.reader.GetContext(ctx, &rec, `SELECT * FROM processes WHERE pid = ?`, pid)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("process %d: %w", pid, ErrNotFound)
	}
	return &rec, err
}

// ListProcesses returns process history rows, optionally scoped to an
// owner (empty uid returns all — callers apply ACL scoping separately).
func (s *Store) ListProcesses(ctx context.Context, uid string) ([]ProcessRecord, error) {
	var rows []ProcessRecord
	var err error
	if uid == "" {
		err = s.reader.SelectContext(ctx, &rows, `SELECT * FROM processes ORDER BY pid`)
	} else {
		err = s.reader.SelectContext(ctx, &rows, `SELECT * FROM processes WHERE uid = ? ORDER BY pid`, uid)
	}
	return rows, err
}

// AppendAgentLog inserts an immutable transcript line.
func (s *Store) AppendAgentLog(ctx context.Context, entry *AgentLogEntry) error {
	_, err := s.writer.NamedExecContext(ctx, `
		INSERT INTO agent_log (pid, step, phase, tool, content, timestamp)
		VALUES (:pid, :step, :phase, :tool, :content, :timestamp)
	`, entry)
	return err
}

// ListAgentLog returns a process's transcript in emission order.
func (s *Store) ListAgentLog(ctx context.Context, pid int64) ([]AgentLogEntry, error) {
	var rows []AgentLogEntry
	err := s.reader.SelectContext(ctx, &rows,
		`SELECT * FROM agent_log WHERE pid = ? ORDER BY id`, pid)
	return rows, err
}
