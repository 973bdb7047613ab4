// Package toolhost implements the kernel's ToolHost: a named tool
// registry consulted by the agent loop's act step. Every dispatch
// validates arguments against the tool's schema, consults an injected
// ACL checker, and runs the handler under a per-call timeout.
package toolhost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aether-run/aether/internal/common/logger"
)

// ArgSchema is a minimal JSON-Schema-shaped argument contract: the
// expected type of each listed property and which properties are
// required. Properties not listed in Types are accepted unchecked. ToolHost
// doesn't need full JSON Schema validation — the handful of built-in
// tools and their callers only ever need presence/type checks.
type ArgSchema struct {
	Required []string
	Types    map[string]string // property -> "string"|"number"|"bool"|"object"|"array"
}

// ACLChecker decides whether subject may perform action on resource.
// ToolHost depends on this function type rather than importing
// internal/acl directly, the same decoupling the gateway's
// TokenVerifier uses.
type ACLChecker func(subject, action, resource string) bool

// Handler executes a tool call and returns a JSON-serializable result.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Tool is one named entry in the registry.
type Tool struct {
	Name        string
	Description string
	Schema      ArgSchema
	Action      string // ACL action name, e.g. "fs.read"
	Timeout     time.Duration
	Handler     Handler
}

var (
	// ErrToolNotFound is returned when dispatch targets an unregistered name.
	ErrToolNotFound = errors.New("toolhost: tool not found")
	// ErrForbidden is returned when the ACL checker denies the call.
	ErrForbidden = errors.New("toolhost: forbidden")
)

// ArgValidationError reports a schema mismatch.
type ArgValidationError struct {
	Details string
}

func (e *ArgValidationError) Error() string { return "toolhost: invalid arguments: " + e.Details }

// ToolTimeout reports a handler exceeding its per-call deadline.
type ToolTimeout struct {
	Name string
	Ms   int64
}

func (e *ToolTimeout) Error() string {
	return fmt.Sprintf("toolhost: tool %q timed out after %dms", e.Name, e.Ms)
}

// ToolExecutionError wraps a non-fatal handler failure (including a
// recovered panic); the agent loop continues with this as the
// observation rather than treating it as fatal.
type ToolExecutionError struct {
	Name  string
	Cause error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("toolhost: tool %q execution failed: %v", e.Name, e.Cause)
}

func (e *ToolExecutionError) Unwrap() error { return e.Cause }

const defaultTimeout = 30 * time.Second

// Host is the tool registry and dispatcher.
type Host struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	checker ACLChecker
	logger  *logger.Logger
}

// New constructs an empty registry. checker may be nil, in which case
// every call is allowed (used in tests and before AuthService/ACL wiring
// completes during kernel bootstrap).
func New(checker ACLChecker, log *logger.Logger) *Host {
	return &Host{
		tools:   make(map[string]*Tool),
		checker: checker,
		logger:  log.WithFields(zap.String("component", "toolHost")),
	}
}

// Register adds or replaces a tool definition.
func (h *Host) Register(t *Tool) {
	if t.Timeout <= 0 {
		t.Timeout = defaultTimeout
	}
	h.mu.Lock()
	h.tools[t.Name] = t
	h.mu.Unlock()
}

// Get returns the registered tool, if any, for introspection (e.g. to
// build the tool catalog presented to ChatStep).
func (h *Host) Get(name string) (*Tool, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.tools[name]
	return t, ok
}

// Catalog returns every registered tool, for building the LLM-facing
// tool list.
func (h *Host) Catalog() []*Tool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Tool, 0, len(h.tools))
	for _, t := range h.tools {
		out = append(out, t)
	}
	return out
}

// Dispatch validates args, consults the ACL, and runs the named tool's
// handler under its timeout. resource scopes the ACL check (e.g. a file
// path or process owner uid); subject is the caller's identity.
func (h *Host) Dispatch(ctx context.Context, subject, name, resource string, args map[string]interface{}) (result interface{}, err error) {
	h.mu.RLock()
	t, ok := h.tools[name]
	h.mu.RUnlock()
	if !ok {
		return nil, ErrToolNotFound
	}

	if details := validate(t.Schema, args); details != "" {
		return nil, &ArgValidationError{Details: details}
	}

	if h.checker != nil && !h.checker(subject, t.Action, resource) {
		return nil, ErrForbidden
	}

	callCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &ToolExecutionError{Name: name, Cause: fmt.Errorf("panic: %v", r)}}
			}
		}()
		res, err := t.Handler(callCtx, args)
		if err != nil {
			done <- outcome{err: &ToolExecutionError{Name: name, Cause: err}}
			return
		}
		done <- outcome{result: res}
	}()

	select {
	case <-callCtx.Done():
		h.logger.Warn("tool call timed out", zap.String("tool", name), zap.Duration("timeout", t.Timeout))
		return nil, &ToolTimeout{Name: name, Ms: t.Timeout.Milliseconds()}
	case o := <-done:
		return o.result, o.err
	}
}

func validate(schema ArgSchema, args map[string]interface{}) string {
	for _, req := range schema.Required {
		if _, ok := args[req]; !ok {
			return fmt.Sprintf("missing required argument %q", req)
		}
	}
	for prop, wantType := range schema.Types {
		v, ok := args[prop]
		if !ok {
			continue
		}
		if !matchesType(v, wantType) {
			return fmt.Sprintf("argument %q must be of type %s", prop, wantType)
		}
	}
	return ""
}

func matchesType(v interface{}, wantType string) bool {
	switch wantType {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	case "array":
		_, ok := v.([]interface{})
		return ok
	default:
		return true
	}
}
