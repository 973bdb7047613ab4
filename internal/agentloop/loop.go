// Package agentloop drives the think/act/observe reasoning cycle for a
// spawned process: it calls a pluggable ChatStep, resolves any returned
// tool calls through the ToolHost, and emits the agent.* events the
// transcript and clients observe.
package agentloop

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/aether-run/aether/internal/common/logger"
	bus "github.com/aether-run/aether/internal/eventbus"
	"github.com/aether-run/aether/internal/process"
	"github.com/aether-run/aether/internal/toolhost"
)

// Message is one transcript entry (system, user, assistant, or tool role).
type Message struct {
	Role       string // "system" | "user" | "assistant" | "tool"
	Content    string
	ToolCallID string
	ToolName   string
}

// ToolCall is one tool invocation requested by ChatStep.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]interface{}
}

// Usage reports token accounting for a single think step, when the
// underlying model exposes it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// ToolDescriptor is the catalog entry ChatStep sees for one registered tool.
type ToolDescriptor struct {
	Name        string
	Description string
}

// ChatResult is ChatStep's output: either a final textual response, or
// one or more tool calls to resolve before the next think step.
type ChatResult struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *Usage
	// Terminal marks a final response that should end the run even
	// though Content may also be set mid-run (e.g. a closing remark).
	Terminal bool
}

// ChatStep is the pluggable reasoning function: given the transcript and
// the available tools, it decides the next assistant turn. Implementations
// wrap an LLM provider call; the loop itself has no model-specific logic.
type ChatStep interface {
	Step(ctx context.Context, messages []Message, tools []ToolDescriptor) (ChatResult, error)
}

// ChatStepFunc adapts a plain function to ChatStep.
type ChatStepFunc func(ctx context.Context, messages []Message, tools []ToolDescriptor) (ChatResult, error)

func (f ChatStepFunc) Step(ctx context.Context, messages []Message, tools []ToolDescriptor) (ChatResult, error) {
	return f(ctx, messages, tools)
}

// FatalError is raised by a tool handler (wrapped inside
// toolhost.ToolExecutionError) to signal that the run cannot continue;
// the loop transitions the process to failed rather than appending an
// observation and continuing.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string { return fmt.Sprintf("agentloop: fatal: %v", e.Cause) }
func (e *FatalError) Unwrap() error { return e.Cause }

// Exit codes the loop assigns on SetExit, documented for callers
// inspecting ProcessRecord.ExitCode.
const (
	ExitOK      = 0
	ExitKilled  = 137
	ExitFailed  = 1
	ExitStepCap = 124
)

// CompletionReason is recorded in the final agent.log line.
type CompletionReason string

const (
	ReasonTerminal CompletionReason = "terminal"
	ReasonLimit    CompletionReason = "limit"
	ReasonKilled   CompletionReason = "killed"
	ReasonFailed   CompletionReason = "failed"
)

// Loop runs one process's reasoning cycle to completion.
type Loop struct {
	table    *process.Table
	tools    *toolhost.Host
	bus      bus.EventBus
	chatStep ChatStep
	logger   *logger.Logger
	maxSteps int
}

// New constructs a Loop. maxSteps <= 0 uses the spec default of 50.
func New(table *process.Table, tools *toolhost.Host, eventBus bus.EventBus, chatStep ChatStep, log *logger.Logger, maxSteps int) *Loop {
	if maxSteps <= 0 {
		maxSteps = 50
	}
	return &Loop{
		table:    table,
		tools:    tools,
		bus:      eventBus,
		chatStep: chatStep,
		logger:   log.WithFields(zap.String("component", "agentLoop")),
		maxSteps: maxSteps,
	}
}

// Run drives p's reasoning cycle until completion, cancellation, or the
// step cap. It blocks the calling goroutine; callers run it in its own
// goroutine per spawned process.
func (l *Loop) Run(ctx context.Context, p *process.Process, systemPrompt string) {
	transcript := []Message{{Role: "system", Content: systemPrompt}}
	catalog := l.toolCatalog()

	for step := 1; step <= l.maxSteps; step++ {
		p.Control.WaitIfPaused()

		if p.Control.Ctx.Err() != nil {
			l.finish(ctx, p, ExitKilled, ReasonKilled, step)
			return
		}

		for _, injected := range p.Control.DrainInjected() {
			transcript = append(transcript, Message{Role: "user", Content: injected})
		}

		_ = l.table.UpdatePhase(ctx, p.PID, "thinking")
		result, err := l.chatStep.Step(p.Control.Ctx, transcript, catalog)
		if err != nil {
			l.logAgent(ctx, p.PID, step, "thinking", "", fmt.Sprintf("chat step failed: %v", err))
			l.finish(ctx, p, ExitFailed, ReasonFailed, step)
			return
		}
		l.emit(ctx, bus.AgentThought, p.PID, map[string]interface{}{"step": float64(step), "content": result.Content})

		if result.Content != "" {
			transcript = append(transcript, Message{Role: "assistant", Content: result.Content})
		}

		if len(result.ToolCalls) == 0 || result.Terminal {
			// A result without tool calls, or one marked Terminal, ends
			// the run; tool calls on a Terminal result are not run.
			l.finish(ctx, p, ExitOK, ReasonTerminal, step)
			return
		}

		_ = l.table.UpdatePhase(ctx, p.PID, "acting")
		fatal := l.actAndObserve(ctx, p, step, result.ToolCalls, &transcript)
		if fatal != nil {
			l.logAgent(ctx, p.PID, step, "acting", "", fatal.Error())
			l.finish(ctx, p, ExitFailed, ReasonFailed, step)
			return
		}

		if p.Control.Ctx.Err() != nil {
			l.finish(ctx, p, ExitKilled, ReasonKilled, step)
			return
		}
	}

	l.finish(ctx, p, ExitStepCap, ReasonLimit, l.maxSteps)
}

func (l *Loop) actAndObserve(ctx context.Context, p *process.Process, step int, calls []ToolCall, transcript *[]Message) *FatalError {
	for _, call := range calls {
		l.emit(ctx, bus.AgentAction, p.PID, map[string]interface{}{
			"step": float64(step), "tool": call.Name, "args": call.Args,
		})

		result, err := l.tools.Dispatch(p.Control.Ctx, p.UID, call.Name, fmt.Sprintf("pid:%d", p.PID), call.Args)
		var observation string
		if err != nil {
			var fatal *FatalError
			if errors.As(err, &fatal) {
				return fatal
			}
			observation = fmt.Sprintf("error: %v", err)
		} else {
			observation = fmt.Sprintf("%v", result)
		}

		l.emit(ctx, bus.AgentObservation, p.PID, map[string]interface{}{
			"step": float64(step), "tool": call.Name, "result": observation,
		})
		l.logAgent(ctx, p.PID, step, "acting", call.Name, observation)

		*transcript = append(*transcript, Message{Role: "tool", ToolCallID: call.ID, ToolName: call.Name, Content: observation})
	}
	return nil
}

func (l *Loop) finish(ctx context.Context, p *process.Process, exitCode int, reason CompletionReason, step int) {
	l.logAgent(ctx, p.PID, step, "done", "", fmt.Sprintf("completed: %s", reason))
	phase := "failed"
	if exitCode == ExitOK {
		phase = "completed"
	}
	if err := l.table.UpdatePhase(ctx, p.PID, phase); err != nil {
		l.logger.Warn("failed to update agent phase", zap.Int64("pid", p.PID), zap.Error(err))
	}
	if err := l.table.SetExit(ctx, p.PID, exitCode); err != nil {
		l.logger.Warn("failed to set process exit", zap.Int64("pid", p.PID), zap.Error(err))
	}
}

func (l *Loop) toolCatalog() []ToolDescriptor {
	tools := l.tools.Catalog()
	out := make([]ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolDescriptor{Name: t.Name, Description: t.Description})
	}
	return out
}

func (l *Loop) emit(ctx context.Context, topic string, pid int64, data map[string]interface{}) {
	if l.bus == nil {
		return
	}
	data["pid"] = float64(pid)
	if err := l.bus.Publish(ctx, topic, bus.NewEvent(topic, "agentLoop", data)); err != nil {
		l.logger.Warn("failed to publish event", zap.String("topic", topic), zap.Error(err))
	}
}

func (l *Loop) logAgent(ctx context.Context, pid int64, step int, phase, tool, content string) {
	data := map[string]interface{}{
		"pid":     float64(pid),
		"step":    float64(step),
		"phase":   phase,
		"content": content,
	}
	if tool != "" {
		data["tool"] = tool
	}
	l.emit(ctx, bus.AgentLog, pid, data)
}
