package agentloop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aether-run/aether/internal/common/logger"
	bus "github.com/aether-run/aether/internal/eventbus"
	"github.com/aether-run/aether/internal/process"
	"github.com/aether-run/aether/internal/toolhost"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func newTestRig(t *testing.T) (*process.Table, *toolhost.Host, bus.EventBus) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	tbl := process.NewTable(eventBus, log, 60)
	t.Cleanup(tbl.Stop)
	tools := toolhost.New(nil, log)
	return tbl, tools, eventBus
}

func TestRunTerminatesOnFinalResponse(t *testing.T) {
	tbl, tools, eventBus := newTestRig(t)
	ctx := context.Background()

	p, err := tbl.Spawn(ctx, process.SpawnSpec{UID: "u1", Name: "a"})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	step := ChatStepFunc(func(ctx context.Context, messages []Message, tools []ToolDescriptor) (ChatResult, error) {
		return ChatResult{Content: "all done", Terminal: true}, nil
	})

	loop := New(tbl, tools, eventBus, step, newTestLogger(t), 10)
	loop.Run(ctx, p, "you are a test agent")

	if got := p.ExitCode(); got == nil || *got != ExitOK {
		t.Fatalf("expected exit code %d, got %v", ExitOK, got)
	}
	if got := p.AgentPhase(); got != "completed" {
		t.Fatalf("expected agentPhase %q, got %q", "completed", got)
	}
}

func TestRunStopsAtStepCap(t *testing.T) {
	tbl, tools, eventBus := newTestRig(t)
	ctx := context.Background()

	p, err := tbl.Spawn(ctx, process.SpawnSpec{UID: "u1", Name: "a"})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	tools.Register(&toolhost.Tool{
		Name: "noop",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return "ok", nil
		},
	})

	step := ChatStepFunc(func(ctx context.Context, messages []Message, tools []ToolDescriptor) (ChatResult, error) {
		// Always request another tool call, never a final response, so
		// only the step cap can end the run.
		return ChatResult{ToolCalls: []ToolCall{{ID: "1", Name: "noop"}}}, nil
	})

	loop := New(tbl, tools, eventBus, step, newTestLogger(t), 3)
	loop.Run(ctx, p, "loop forever")

	if got := p.ExitCode(); got == nil || *got != ExitStepCap {
		t.Fatalf("expected exit code %d (step cap), got %v", ExitStepCap, got)
	}
	if got := p.AgentPhase(); got != "failed" {
		t.Fatalf("expected agentPhase %q, got %q", "failed", got)
	}
}

func TestRunStopsOnCancellation(t *testing.T) {
	tbl, tools, eventBus := newTestRig(t)
	ctx := context.Background()

	p, err := tbl.Spawn(ctx, process.SpawnSpec{UID: "u1", Name: "a"})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	started := make(chan struct{})
	step := ChatStepFunc(func(ctx context.Context, messages []Message, tools []ToolDescriptor) (ChatResult, error) {
		close(started)
		<-ctx.Done()
		return ChatResult{}, ctx.Err()
	})

	loop := New(tbl, tools, eventBus, step, newTestLogger(t), 10)
	done := make(chan struct{})
	go func() {
		loop.Run(ctx, p, "cancel me")
		close(done)
	}()

	<-started
	if err := tbl.Kill(ctx, p.PID, "SIGTERM"); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Kill")
	}

	if got := p.ExitCode(); got == nil || *got != ExitFailed && *got != ExitKilled {
		t.Fatalf("expected a terminal exit code after kill, got %v", got)
	}
}

func TestRunFatalToolErrorFailsRun(t *testing.T) {
	tbl, tools, eventBus := newTestRig(t)
	ctx := context.Background()

	p, err := tbl.Spawn(ctx, process.SpawnSpec{UID: "u1", Name: "a"})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	tools.Register(&toolhost.Tool{
		Name: "explode",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return nil, &FatalError{Cause: errors.New("unrecoverable")}
		},
	})

	step := ChatStepFunc(func(ctx context.Context, messages []Message, tools []ToolDescriptor) (ChatResult, error) {
		return ChatResult{ToolCalls: []ToolCall{{ID: "1", Name: "explode"}}}, nil
	})

	loop := New(tbl, tools, eventBus, step, newTestLogger(t), 10)
	loop.Run(ctx, p, "fail me")

	if got := p.ExitCode(); got == nil || *got != ExitFailed {
		t.Fatalf("expected exit code %d (failed), got %v", ExitFailed, got)
	}
	if got := p.AgentPhase(); got != "failed" {
		t.Fatalf("expected agentPhase %q, got %q", "failed", got)
	}
}
