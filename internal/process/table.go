// Package process implements the kernel's ProcessTable: monotonic PID
// allocation, the in-memory process map, and the created/running/paused/
// zombie/dead state machine every spawned agent runs through.
package process

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aether-run/aether/internal/common/logger"
	bus "github.com/aether-run/aether/internal/eventbus"
)

// State is a process lifecycle state.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateZombie  State = "zombie"
	StateDead    State = "dead"
)

var (
	// ErrNotFound is returned when a PID has no live table entry.
	ErrNotFound = errors.New("process: not found")
	// ErrProcessGone is returned when a command targets a process already
	// in a terminal state (zombie or dead).
	ErrProcessGone = errors.New("process: in a terminal state")
)

// SpawnSpec describes a new agent process.
type SpawnSpec struct {
	UID       string
	Name      string
	Role      string
	Goal      string
	ParentPID int64
	Env       map[string]string
	TTYID     *string
	VNCWsURL  *string
}

// Process is the live, in-memory record for one spawned agent. StateStore
// holds the durable history row; Process is the authoritative copy while
// the agent is alive.
type Process struct {
	PID       int64
	UID       string
	Name      string
	Role      string
	Goal      string
	ParentPID int64
	Env       map[string]string
	TTYID     *string
	VNCWsURL  *string
	CreatedAt time.Time

	Control *Control

	mu         sync.RWMutex
	state      State
	agentPhase string
	exitCode   *int
	exitedAt   *time.Time
}

// State returns the process's current lifecycle state.
func (p *Process) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// AgentPhase returns the current think/act/observe phase label.
func (p *Process) AgentPhase() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.agentPhase
}

// ExitCode returns the exit code once set, or nil while still alive.
func (p *Process) ExitCode() *int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitCode
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Process) setPhase(phase string) {
	p.mu.Lock()
	p.agentPhase = phase
	p.mu.Unlock()
}

// dispatchable reports whether the process currently accepts commands
// (created, running, or paused); terminal states reject dispatch.
func (p *Process) dispatchable() bool {
	switch p.State() {
	case StateCreated, StateRunning, StatePaused:
		return true
	default:
		return false
	}
}

// Control is the pause/resume/cancel/message-inject surface AgentLoop
// polls between reasoning steps.
type Control struct {
	Ctx    context.Context
	Cancel context.CancelFunc

	mu       sync.Mutex
	cond     *sync.Cond
	paused   bool
	injected []string
}

func newControl(parent context.Context) *Control {
	ctx, cancel := context.WithCancel(parent)
	c := &Control{Ctx: ctx, Cancel: cancel}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Pause sets the pause flag; the loop observes it at the next step boundary.
func (c *Control) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume clears the pause flag and wakes any loop blocked in WaitIfPaused.
func (c *Control) Resume() {
	c.mu.Lock()
	c.paused = false
	c.cond.Broadcast()
	c.mu.Unlock()
}

// WaitIfPaused blocks the calling goroutine while paused is set, or until
// the control's context is cancelled.
func (c *Control) WaitIfPaused() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.paused && c.Ctx.Err() == nil {
		c.cond.Wait()
	}
}

// Inject appends a user-role message the next think step will read.
func (c *Control) Inject(text string) {
	c.mu.Lock()
	c.injected = append(c.injected, text)
	c.mu.Unlock()
}

// DrainInjected returns and clears any pending injected messages.
func (c *Control) DrainInjected() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.injected) == 0 {
		return nil
	}
	out := c.injected
	c.injected = nil
	return out
}

// Table is the mutex-protected live process map. Readers (list/get) take
// a shared lock; writers (spawn/transition/reap) take an exclusive lock,
// per the concurrency model's "single mutex, shared reads" rule.
type Table struct {
	mu        sync.RWMutex
	processes map[int64]*Process
	nextPID   int64

	bus    bus.EventBus
	logger *logger.Logger

	graceSeconds int
	stop         chan struct{}
	stopped      sync.Once
}

// NewTable constructs an empty process table publishing lifecycle events
// on eventBus. graceSeconds is the zombie reap grace period (0 uses the
// spec.md default of 60s).
func NewTable(eventBus bus.EventBus, log *logger.Logger, graceSeconds int) *Table {
	if graceSeconds <= 0 {
		graceSeconds = 60
	}
	return &Table{
		processes:    make(map[int64]*Process),
		bus:          eventBus,
		logger:       log.WithFields(zap.String("component", "processTable")),
		graceSeconds: graceSeconds,
		stop:         make(chan struct{}),
	}
}

func (t *Table) publish(ctx context.Context, topic string, data map[string]interface{}) {
	if t.bus == nil {
		return
	}
	if err := t.bus.Publish(ctx, topic, bus.NewEvent(topic, "processTable", data)); err != nil {
		t.logger.Warn("failed to publish event", zap.String("topic", topic), zap.Error(err))
	}
}

// Spawn allocates the next PID, registers the process created then
// running, and emits process.spawned followed by process.stateChange.
func (t *Table) Spawn(ctx context.Context, spec SpawnSpec) (*Process, error) {
	pid := atomic.AddInt64(&t.nextPID, 1)

	env := spec.Env
	if env == nil {
		env = map[string]string{}
	}

	p := &Process{
		PID:       pid,
		UID:       spec.UID,
		Name:      spec.Name,
		Role:      spec.Role,
		Goal:      spec.Goal,
		ParentPID: spec.ParentPID,
		Env:       env,
		TTYID:     spec.TTYID,
		VNCWsURL:  spec.VNCWsURL,
		CreatedAt: time.Now().UTC(),
		Control:   newControl(ctx),
		state:     StateCreated,
	}

	t.mu.Lock()
	t.processes[pid] = p
	t.mu.Unlock()

	t.publish(ctx, bus.ProcessSpawned, map[string]interface{}{
		"pid":   float64(pid),
		"uid":   spec.UID,
		"name":  spec.Name,
		"role":  spec.Role,
		"goal":  spec.Goal,
		"state": string(StateCreated),
		"env":   env,
	})

	p.setState(StateRunning)
	t.publish(ctx, bus.ProcessStateChange, map[string]interface{}{
		"pid":        float64(pid),
		"state":      string(StateRunning),
		"agentPhase": "idle",
	})

	return p, nil
}

// Get returns the live entry for pid, or ErrNotFound.
func (t *Table) Get(pid int64) (*Process, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.processes[pid]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// List returns every live process, optionally scoped to an owner uid
// (empty uid returns all).
func (t *Table) List(uid string) []*Process {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Process, 0, len(t.processes))
	for _, p := range t.processes {
		if uid == "" || p.UID == uid {
			out = append(out, p)
		}
	}
	return out
}

// Pause transitions a dispatchable process to paused and emits agent.paused.
func (t *Table) Pause(ctx context.Context, pid int64) error {
	p, err := t.Get(pid)
	if err != nil {
		return err
	}
	if !p.dispatchable() {
		return ErrProcessGone
	}
	p.Control.Pause()
	p.setState(StatePaused)
	t.publish(ctx, bus.AgentPaused, map[string]interface{}{"pid": float64(pid)})
	return nil
}

// Resume transitions a paused process back to running and emits agent.resumed.
func (t *Table) Resume(ctx context.Context, pid int64) error {
	p, err := t.Get(pid)
	if err != nil {
		return err
	}
	if !p.dispatchable() {
		return ErrProcessGone
	}
	p.Control.Resume()
	p.setState(StateRunning)
	t.publish(ctx, bus.AgentResumed, map[string]interface{}{"pid": float64(pid)})
	return nil
}

// UpdatePhase records a think/act/observe phase transition without
// changing the coarse lifecycle state, emitting process.stateChange.
func (t *Table) UpdatePhase(ctx context.Context, pid int64, phase string) error {
	p, err := t.Get(pid)
	if err != nil {
		return err
	}
	if !p.dispatchable() {
		return ErrProcessGone
	}
	p.setPhase(phase)
	t.publish(ctx, bus.ProcessStateChange, map[string]interface{}{
		"pid":        float64(pid),
		"state":      string(p.State()),
		"agentPhase": phase,
	})
	return nil
}

// Inject appends a user message for the next think step to observe.
func (t *Table) Inject(pid int64, text string) error {
	p, err := t.Get(pid)
	if err != nil {
		return err
	}
	if !p.dispatchable() {
		return ErrProcessGone
	}
	p.Control.Inject(text)
	return nil
}

// Kill cancels a dispatchable process's control token; the agent loop
// observes cancellation at the next step boundary and calls SetExit with
// a "killed" code. Killing an already-terminal process is ErrProcessGone.
func (t *Table) Kill(ctx context.Context, pid int64, signal string) error {
	p, err := t.Get(pid)
	if err != nil {
		return err
	}
	if !p.dispatchable() {
		return ErrProcessGone
	}
	p.Control.Cancel()
	// A paused loop blocked in WaitIfPaused must wake to observe cancellation.
	p.Control.Resume()
	return nil
}

// SetExit sets the terminal exit code exactly once and transitions the
// process to zombie, emitting process.exit. A second call is a no-op,
// mirroring StateStore's at-most-once persistence guard.
func (t *Table) SetExit(ctx context.Context, pid int64, exitCode int) error {
	p, err := t.Get(pid)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.exitCode != nil {
		p.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	p.exitCode = &exitCode
	p.exitedAt = &now
	p.state = StateZombie
	p.mu.Unlock()

	t.publish(ctx, bus.ProcessExit, map[string]interface{}{
		"pid":      float64(pid),
		"exitCode": float64(exitCode),
	})
	return nil
}

// StartReaper launches the periodic zombie-sweeping goroutine described
// in spec.md §4.3. It runs until ctx is cancelled or Stop is called.
func (t *Table) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stop:
				return
			case <-ticker.C:
				t.reapOnce(ctx)
			}
		}
	}()
}

func (t *Table) reapOnce(ctx context.Context) {
	grace := time.Duration(t.graceSeconds) * time.Second
	cutoff := time.Now().UTC().Add(-grace)

	t.mu.Lock()
	var toReap []int64
	for pid, p := range t.processes {
		p.mu.RLock()
		if p.state == StateZombie && p.exitedAt != nil && p.exitedAt.Before(cutoff) {
			toReap = append(toReap, pid)
		}
		p.mu.RUnlock()
	}
	for _, pid := range toReap {
		if p, ok := t.processes[pid]; ok {
			p.setState(StateDead)
		}
		delete(t.processes, pid)
	}
	t.mu.Unlock()

	for _, pid := range toReap {
		t.publish(ctx, bus.ProcessReaped, map[string]interface{}{"pid": float64(pid)})
	}
}

// Stop halts the reaper goroutine started by StartReaper.
func (t *Table) Stop() {
	t.stopped.Do(func() { close(t.stop) })
}

// Count returns the number of live (non-reaped) entries, used by callers
// enforcing a capacity limit before spawning.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.processes)
}
