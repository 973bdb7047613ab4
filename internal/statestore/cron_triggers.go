package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateCronJob inserts a new cron schedule.
func (s *Store) CreateCronJob(ctx context.Context, job *CronJob) error {
	_, err := s.writer.NamedExecContext(ctx, `
		INSERT INTO cron_jobs (id, name, cron_expression, agent_config, enabled, owner_uid, last_run, next_run, run_count, created_at)
		VALUES (:id, :name, :cron_expression, :agent_config, :enabled, :owner_uid, :last_run, :next_run, :run_count, :created_at)
	`, job)
	return err
}

// DueCronJobs returns enabled jobs whose nextRun has passed, ascending.
func (s *Store) DueCronJobs(ctx context.Context, now time.Time) ([]CronJob, error) {
	var rows []CronJob
	err := s.reader.SelectContext(ctx, &rows, `
		SELECT * FROM cron_jobs WHERE enabled = 1 AND next_run <= ? ORDER BY next_run ASC
	`, now)
	return rows, err
}

// RecordCronRun updates lastRun/nextRun/runCount after a successful spawn.
func (s *Store) RecordCronRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.writer.ExecContext(ctx, `
		UPDATE cron_jobs SET last_run = ?, next_run = ?, run_count = run_count + 1 WHERE id = ?
	`, lastRun, nextRun, id)
	return err
}

// ListCronJobs returns every cron job owned by uid (empty uid = all).
func (s *Store) ListCronJobs(ctx context.Context, ownerUID string) ([]CronJob, error) {
	var rows []CronJob
	var err error
	if ownerUID == "" {
		err = s.reader.SelectContext(ctx, &rows, `SELECT * FROM cron_jobs ORDER BY created_at`)
	} else {
		err = s.reader.SelectContext(ctx, &rows, `SELECT * FROM cron_jobs WHERE owner_uid = ? ORDER BY created_at`, ownerUID)
	}
	return rows, err
}

// GetCronJob fetches a single cron job by id.
func (s *Store) GetCronJob(ctx context.Context, id string) (*CronJob, error) {
	var job CronJob
	err := s.reader.GetContext(ctx, &job, `SELECT * FROM cron_jobs WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cron job %q: %w", id, ErrNotFound)
	}
	return &job, err
}

// SetCronEnabled toggles a job on or off.
func (s *Store) SetCronEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.writer.ExecContext(ctx, `UPDATE cron_jobs SET enabled = ? WHERE id = ?`, enabled, id)
	return err
}

// DeleteCronJob removes a schedule.
func (s *Store) DeleteCronJob(ctx context.Context, id string) error {
	_, err := s.writer.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = ?`, id)
	return err
}

// CreateEventTrigger inserts a new event-based spawn rule.
func (s *Store) CreateEventTrigger(ctx context.Context, t *EventTrigger) error {
	_, err := s.writer.NamedExecContext(ctx, `
		INSERT INTO event_triggers (id, name, event_type, event_filter, agent_config, enabled, owner_uid, cooldown_ms, last_fired, fire_count, created_at)
		VALUES (:id, :name, :event_type, :event_filter, :agent_config, :enabled, :owner_uid, :cooldown_ms, :last_fired, :fire_count, :created_at)
	`, t)
	return err
}

// TriggersForEvent returns enabled triggers registered for a topic.
func (s *Store) TriggersForEvent(ctx context.Context, eventType string) ([]EventTrigger, error) {
	var rows []EventTrigger
	err := s.reader.SelectContext(ctx, &rows,
		`SELECT * FROM event_triggers WHERE event_type = ? AND enabled = 1`, eventType)
	return rows, err
}

// RecordTriggerFire updates lastFired/fireCount after a firing attempt
// (called even on spawn failure, so a fresh cooldown window still starts
// per spec.md §4.6's anti-tight-retry-loop rule).
func (s *Store) RecordTriggerFire(ctx context.Context, id string, firedAt time.Time, incrementFireCount bool) error {
	if incrementFireCount {
		_, err := s.writer.ExecContext(ctx,
			`UPDATE event_triggers SET last_fired = ?, fire_count = fire_count + 1 WHERE id = ?`, firedAt, id)
		return err
	}
	_, err := s.writer.ExecContext(ctx, `UPDATE event_triggers SET last_fired = ? WHERE id = ?`, firedAt, id)
	return err
}

// ListEventTriggers returns every trigger owned by uid (empty = all).
func (s *Store) ListEventTriggers(ctx context.Context, ownerUID string) ([]EventTrigger, error) {
	var rows []EventTrigger
	var err error
	if ownerUID == "" {
		err = s.reader.SelectContext(ctx, &rows, `SELECT * FROM event_triggers ORDER BY created_at`)
	} else {
		err = s.reader.SelectContext(ctx, &rows, `SELECT * FROM event_triggers WHERE owner_uid = ? ORDER BY created_at`, ownerUID)
	}
	return rows, err
}

// SetTriggerEnabled toggles a trigger on or off.
func (s *Store) SetTriggerEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.writer.ExecContext(ctx, `UPDATE event_triggers SET enabled = ? WHERE id = ?`, enabled, id)
	return err
}

// DeleteEventTrigger removes a trigger.
func (s *Store) DeleteEventTrigger(ctx context.Context, id string) error {
	_, err := s.writer.ExecContext(ctx, `DELETE FROM event_triggers WHERE id = ?`, id)
	return err
}
