package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aether-run/aether/internal/common/config"
	"github.com/aether-run/aether/internal/common/logger"
	bus "github.com/aether-run/aether/internal/eventbus"
	"github.com/aether-run/aether/internal/process"
	"github.com/aether-run/aether/internal/statestore"
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

func newTestStore(t *testing.T) (*statestore.Store, bus.EventBus) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	cfg := &config.Config{
		Database: config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "aether.db")},
	}
	store, err := statestore.Open(cfg, eventBus, log)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, eventBus
}

func agentConfigJSON(t *testing.T, name string) string {
	t.Helper()
	raw, err := json.Marshal(AgentConfig{Name: name, Role: "worker", Goal: "do work", OwnerUID: "u1"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return string(raw)
}

// countingSpawner is a Spawner that counts invocations and can be made
// to fail via the fail flag.
type countingSpawner struct {
	count int32
	fail  int32
}

func (s *countingSpawner) spawn(ctx context.Context, cfg *AgentConfig) (*process.Process, error) {
	atomic.AddInt32(&s.count, 1)
	if atomic.LoadInt32(&s.fail) != 0 {
		return nil, errFakeSpawn
	}
	return &process.Process{PID: 1}, nil
}

var errFakeSpawn = &spawnError{"simulated capacity exceeded"}

type spawnError struct{ msg string }

func (e *spawnError) Error() string { return e.msg }

func TestCronDriverSpawnsDueJobAndAdvancesNextRun(t *testing.T) {
	store, _ := newTestStore(t)
	spawner := &countingSpawner{}

	past := time.Now().UTC().Add(-time.Minute)
	job := &statestore.CronJob{
		ID:             "job-1",
		Name:           "heartbeat",
		CronExpression: "@every 1m",
		AgentConfig:    agentConfigJSON(t, "heartbeat"),
		Enabled:        true,
		OwnerUID:       "u1",
		NextRun:        past,
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.CreateCronJob(context.Background(), job); err != nil {
		t.Fatalf("CreateCronJob() error = %v", err)
	}

	driver := NewCronDriver(store, spawner.spawn, time.Hour, newTestLogger(t))
	driver.tick(context.Background())

	if got := atomic.LoadInt32(&spawner.count); got != 1 {
		t.Fatalf("expected exactly 1 spawn, got %d", got)
	}

	updated, err := store.GetCronJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("GetCronJob() error = %v", err)
	}
	if updated.RunCount != 1 {
		t.Errorf("expected run_count 1, got %d", updated.RunCount)
	}
	if !updated.NextRun.After(past) {
		t.Errorf("expected nextRun to advance past %v, got %v", past, updated.NextRun)
	}
}

func TestCronDriverLeavesJobDueOnSpawnFailure(t *testing.T) {
	store, _ := newTestStore(t)
	spawner := &countingSpawner{}
	atomic.StoreInt32(&spawner.fail, 1)

	past := time.Now().UTC().Add(-time.Minute)
	job := &statestore.CronJob{
		ID:             "job-2",
		Name:           "flaky",
		CronExpression: "@every 1m",
		AgentConfig:    agentConfigJSON(t, "flaky"),
		Enabled:        true,
		OwnerUID:       "u1",
		NextRun:        past,
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.CreateCronJob(context.Background(), job); err != nil {
		t.Fatalf("CreateCronJob() error = %v", err)
	}

	driver := NewCronDriver(store, spawner.spawn, time.Hour, newTestLogger(t))
	driver.tick(context.Background())

	updated, err := store.GetCronJob(context.Background(), "job-2")
	if err != nil {
		t.Fatalf("GetCronJob() error = %v", err)
	}
	if updated.RunCount != 0 {
		t.Errorf("expected run_count to remain 0 after a failed spawn, got %d", updated.RunCount)
	}
	if !updated.NextRun.Equal(past) {
		t.Errorf("expected nextRun to remain %v after a failed spawn, got %v", past, updated.NextRun)
	}
}

func TestTriggerDriverFiresOnMatchingEventAndRespectsCooldown(t *testing.T) {
	store, eventBus := newTestStore(t)
	spawner := &countingSpawner{}

	trig := &statestore.EventTrigger{
		ID:          "trig-1",
		Name:        "on-spawn",
		EventType:   "process.spawned",
		AgentConfig: agentConfigJSON(t, "responder"),
		Enabled:     true,
		OwnerUID:    "u1",
		CooldownMs:  3_600_000,
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.CreateEventTrigger(context.Background(), trig); err != nil {
		t.Fatalf("CreateEventTrigger() error = %v", err)
	}

	driver := NewTriggerDriver(store, eventBus, spawner.spawn, newTestLogger(t))
	if err := driver.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(driver.Stop)

	var wg sync.WaitGroup
	wg.Add(1)
	sub, err := eventBus.Subscribe("process.spawned", func(ctx context.Context, ev *bus.Event) error {
		wg.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Unsubscribe()

	publish := func() {
		ev := bus.NewEvent("process.spawned", "test", map[string]interface{}{"pid": 1})
		if err := eventBus.Publish(context.Background(), "process.spawned", ev); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	publish()
	wg.Wait()
	time.Sleep(50 * time.Millisecond) // allow the trigger driver's own async handler to run

	if got := atomic.LoadInt32(&spawner.count); got != 1 {
		t.Fatalf("expected exactly 1 spawn after first event, got %d", got)
	}

	publish()
	time.Sleep(50 * time.Millisecond)

	if got := atomic.LoadInt32(&spawner.count); got != 1 {
		t.Fatalf("expected spawn count to stay at 1 while within cooldown, got %d", got)
	}
}

func TestTriggerDriverSkipsWhenFilterDoesNotMatch(t *testing.T) {
	store, eventBus := newTestStore(t)
	spawner := &countingSpawner{}

	filter := `{"path":"status","value":"critical"}`
	trig := &statestore.EventTrigger{
		ID:          "trig-2",
		Name:        "on-critical",
		EventType:   "alert.raised",
		EventFilter: &filter,
		AgentConfig: agentConfigJSON(t, "responder"),
		Enabled:     true,
		OwnerUID:    "u1",
		CooldownMs:  1000,
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.CreateEventTrigger(context.Background(), trig); err != nil {
		t.Fatalf("CreateEventTrigger() error = %v", err)
	}

	driver := NewTriggerDriver(store, eventBus, spawner.spawn, newTestLogger(t))
	if err := driver.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(driver.Stop)

	ev := bus.NewEvent("alert.raised", "test", map[string]interface{}{"status": "info"})
	if err := eventBus.Publish(context.Background(), "alert.raised", ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if got := atomic.LoadInt32(&spawner.count); got != 0 {
		t.Fatalf("expected no spawn for a non-matching filter, got %d", got)
	}
}

func TestTriggerDriverFailedSpawnStillStartsCooldown(t *testing.T) {
	store, eventBus := newTestStore(t)
	spawner := &countingSpawner{}
	atomic.StoreInt32(&spawner.fail, 1)

	trig := &statestore.EventTrigger{
		ID:          "trig-3",
		Name:        "flaky-responder",
		EventType:   "process.spawned",
		AgentConfig: agentConfigJSON(t, "responder"),
		Enabled:     true,
		OwnerUID:    "u1",
		CooldownMs:  3_600_000,
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.CreateEventTrigger(context.Background(), trig); err != nil {
		t.Fatalf("CreateEventTrigger() error = %v", err)
	}

	driver := NewTriggerDriver(store, eventBus, spawner.spawn, newTestLogger(t))
	if err := driver.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(driver.Stop)

	ev := bus.NewEvent("process.spawned", "test", map[string]interface{}{"pid": 1})
	if err := eventBus.Publish(context.Background(), "process.spawned", ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	updated, err := store.ListEventTriggers(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListEventTriggers() error = %v", err)
	}
	if len(updated) != 1 {
		t.Fatalf("expected 1 trigger, got %d", len(updated))
	}
	if updated[0].FireCount != 0 {
		t.Errorf("expected fire_count to remain 0 after a failed spawn, got %d", updated[0].FireCount)
	}
	if updated[0].LastFired == nil {
		t.Error("expected last_fired to be set even after a failed spawn, to start the cooldown window")
	}
}
