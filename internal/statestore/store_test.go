package statestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aether-run/aether/internal/common/config"
	"github.com/aether-run/aether/internal/common/logger"
	bus "github.com/aether-run/aether/internal/eventbus"
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

func newTestStore(t *testing.T) *Store {
	s, _ := newTestStoreWithBus(t)
	return s
}

func newTestStoreWithBus(t *testing.T) (*Store, bus.EventBus) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(t.TempDir(), "aether.db"),
		},
	}

	s, err := Open(cfg, eventBus, log)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, eventBus
}

func TestOpen(t *testing.T) {
	s := newTestStore(t)
	if s.PersistenceDisabled() {
		t.Error("expected persistence to be enabled for a fresh on-disk database")
	}
}

func TestProcessExitIsSetAtMostOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := &ProcessRecord{
		PID:        1,
		UID:        "user-1",
		Name:       "worker",
		State:      "running",
		AgentPhase: "thinking",
		CreatedAt:  time.Now().UTC(),
		Env:        "{}",
	}
	if err := s.UpsertProcess(ctx, rec); err != nil {
		t.Fatalf("UpsertProcess() error = %v", err)
	}

	if err := s.SetProcessExit(ctx, 1, 0); err != nil {
		t.Fatalf("SetProcessExit() first call error = %v", err)
	}
	got, err := s.GetProcess(ctx, 1)
	if err != nil {
		t.Fatalf("GetProcess() error = %v", err)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", got.ExitCode)
	}

	// A second, different exit code must never overwrite the first.
	if err := s.SetProcessExit(ctx, 1, 17); err != nil {
		t.Fatalf("SetProcessExit() second call error = %v", err)
	}
	got, err = s.GetProcess(ctx, 1)
	if err != nil {
		t.Fatalf("GetProcess() error = %v", err)
	}
	if *got.ExitCode != 0 {
		t.Errorf("exit code should remain at the first value 0, got %d", *got.ExitCode)
	}
	if got.State != "zombie" {
		t.Errorf("expected state zombie, got %q", got.State)
	}
}

func TestProcessReapedMarksHistoryRowDead(t *testing.T) {
	ctx := context.Background()
	s, eventBus := newTestStoreWithBus(t)

	rec := &ProcessRecord{
		PID:        7,
		UID:        "user-1",
		Name:       "worker",
		State:      "zombie",
		AgentPhase: "completed",
		CreatedAt:  time.Now().UTC(),
		Env:        "{}",
	}
	if err := s.UpsertProcess(ctx, rec); err != nil {
		t.Fatalf("UpsertProcess() error = %v", err)
	}

	ev := bus.NewEvent(bus.ProcessReaped, "test", map[string]interface{}{"pid": float64(7)})
	if err := eventBus.Publish(ctx, bus.ProcessReaped, ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		got, err := s.GetProcess(ctx, 7)
		if err != nil {
			t.Fatalf("GetProcess() error = %v", err)
		}
		if got.State == "dead" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected state dead after reaping, got %q", got.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryEvictionRespectsLayerCap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const cap = 3
	for i := 0; i < cap+2; i++ {
		m := &Memory{
			ID:           uuidLike(i),
			AgentUID:     "agent-1",
			Layer:        "episodic",
			Content:      "some observation",
			Tags:         "[]",
			Importance:   float64(i),
			CreatedAt:    time.Now().UTC(),
			LastAccessed: time.Now().UTC(),
			Related:      "[]",
		}
		if err := s.PutMemory(ctx, m, cap); err != nil {
			t.Fatalf("PutMemory() iteration %d error = %v", i, err)
		}
	}

	var count int
	if err := s.reader.Get(&count, `SELECT COUNT(*) FROM memories WHERE agent_uid = ? AND layer = ?`, "agent-1", "episodic"); err != nil {
		t.Fatalf("count query error = %v", err)
	}
	if count != cap {
		t.Errorf("expected layer bucket to be capped at %d, got %d", cap, count)
	}

	// The least-important entries (importance 0, 1) should have been
	// evicted first, leaving the highest-importance ones behind.
	if _, err := s.GetMemory(ctx, uuidLike(0)); err == nil {
		t.Error("expected the lowest-importance memory to have been evicted")
	}
}

func TestMemorySearchFindsMatchingTerms(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m := &Memory{
		ID:           "mem-search-1",
		AgentUID:     "agent-2",
		Layer:        "semantic",
		Content:      "the deployment pipeline failed because of a missing secret",
		Tags:         "[]",
		CreatedAt:    time.Now().UTC(),
		LastAccessed: time.Now().UTC(),
		Related:      "[]",
	}
	if err := s.PutMemory(ctx, m, 100); err != nil {
		t.Fatalf("PutMemory() error = %v", err)
	}

	results, err := s.SearchMemory(ctx, "agent-2", "deployment pipeline", 10)
	if err != nil {
		t.Fatalf("SearchMemory() error = %v", err)
	}
	if len(results) != 1 || results[0].ID != m.ID {
		t.Fatalf("expected to find the seeded memory, got %+v", results)
	}
}

func TestDueCronJobsAndRecordCronRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now().UTC()
	job := &CronJob{
		ID:             "cron-1",
		Name:           "nightly-report",
		CronExpression: "0 0 * * *",
		AgentConfig:    "{}",
		Enabled:        true,
		OwnerUID:       "user-1",
		NextRun:        now.Add(-time.Minute),
		CreatedAt:      now,
	}
	if err := s.CreateCronJob(ctx, job); err != nil {
		t.Fatalf("CreateCronJob() error = %v", err)
	}

	due, err := s.DueCronJobs(ctx, now)
	if err != nil {
		t.Fatalf("DueCronJobs() error = %v", err)
	}
	if len(due) != 1 || due[0].ID != job.ID {
		t.Fatalf("expected job to be due, got %+v", due)
	}

	next := now.Add(24 * time.Hour)
	if err := s.RecordCronRun(ctx, job.ID, now, next); err != nil {
		t.Fatalf("RecordCronRun() error = %v", err)
	}

	stillDue, err := s.DueCronJobs(ctx, now)
	if err != nil {
		t.Fatalf("DueCronJobs() error = %v", err)
	}
	if len(stillDue) != 0 {
		t.Errorf("job should no longer be due after RecordCronRun, got %+v", stillDue)
	}

	got, err := s.GetCronJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetCronJob() error = %v", err)
	}
	if got.RunCount != 1 {
		t.Errorf("expected run_count 1, got %d", got.RunCount)
	}
}

func TestTriggerCooldownStartsOnFailedSpawn(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now().UTC()
	trig := &EventTrigger{
		ID:          "trig-1",
		Name:        "on-deploy-failure",
		EventType:   "deploy.failed",
		AgentConfig: "{}",
		Enabled:     true,
		OwnerUID:    "user-1",
		CooldownMs:  60000,
		CreatedAt:   now,
	}
	if err := s.CreateEventTrigger(ctx, trig); err != nil {
		t.Fatalf("CreateEventTrigger() error = %v", err)
	}

	// Simulate a failed spawn attempt: the cooldown window still starts,
	// but fire_count must not increment.
	if err := s.RecordTriggerFire(ctx, trig.ID, now, false); err != nil {
		t.Fatalf("RecordTriggerFire() error = %v", err)
	}

	triggers, err := s.TriggersForEvent(ctx, "deploy.failed")
	if err != nil {
		t.Fatalf("TriggersForEvent() error = %v", err)
	}
	if len(triggers) != 1 {
		t.Fatalf("expected 1 trigger, got %d", len(triggers))
	}
	if triggers[0].FireCount != 0 {
		t.Errorf("expected fire_count to remain 0 after a failed spawn, got %d", triggers[0].FireCount)
	}
	if triggers[0].LastFired == nil {
		t.Error("expected last_fired to be set even though the spawn failed")
	}
}

func TestAuditAppendQueryPrune(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := time.Now().UTC().Add(-100 * 24 * time.Hour)
	recent := time.Now().UTC()
	oldTarget := "/tmp/old.txt"
	newTarget := "/tmp/new.txt"

	if err := s.AppendAuditEntry(ctx, &AuditEntry{
		Timestamp: old,
		EventType: "tool.call",
		Action:    "fs_read",
		Target:    &oldTarget,
	}); err != nil {
		t.Fatalf("AppendAuditEntry() error = %v", err)
	}
	if err := s.AppendAuditEntry(ctx, &AuditEntry{
		Timestamp: recent,
		EventType: "tool.call",
		Action:    "fs_read",
		Target:    &newTarget,
	}); err != nil {
		t.Fatalf("AppendAuditEntry() error = %v", err)
	}

	all, err := s.QueryAudit(ctx, old.Add(-time.Second), "", 10)
	if err != nil {
		t.Fatalf("QueryAudit() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(all))
	}

	cutoff := time.Now().UTC().Add(-90 * 24 * time.Hour)
	n, err := s.PruneAudit(ctx, cutoff)
	if err != nil {
		t.Fatalf("PruneAudit() error = %v", err)
	}
	if n != 1 {
		t.Errorf("expected to prune 1 stale entry, pruned %d", n)
	}

	remaining, err := s.QueryAudit(ctx, old.Add(-time.Second), "", 10)
	if err != nil {
		t.Fatalf("QueryAudit() error = %v", err)
	}
	if len(remaining) != 1 || remaining[0].Target == nil || *remaining[0].Target != "/tmp/new.txt" {
		t.Fatalf("expected only the recent entry to survive pruning, got %+v", remaining)
	}
}

func uuidLike(i int) string {
	return "mem-" + string(rune('a'+i))
}
