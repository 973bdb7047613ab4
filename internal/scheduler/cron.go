package scheduler

import (
	"context"
	"sync"
	"time"

	cronparse "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/aether-run/aether/internal/common/logger"
	"github.com/aether-run/aether/internal/statestore"
)

var cronParser = cronparse.NewParser(
	cronparse.Minute | cronparse.Hour | cronparse.Dom | cronparse.Month | cronparse.Dow | cronparse.Descriptor,
)

// ComputeNext evaluates a five-field cron expression (or an @hourly /
// @daily / @weekly / @monthly macro) and returns the next fire time
// strictly after from. Exported so callers creating a CronJob (e.g. the
// gateway's cron.create handler) can populate its initial NextRun.
func ComputeNext(expr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(from), nil
}

// CronDriver polls StateStore for due jobs and spawns an agent for each.
type CronDriver struct {
	store   *statestore.Store
	spawn   Spawner
	logger  *logger.Logger
	poll    time.Duration
	stop    chan struct{}
	stopped sync.Once
}

// NewCronDriver constructs a CronDriver. pollInterval <= 0 defaults to
// spec.md §4.6's 1 second.
func NewCronDriver(store *statestore.Store, spawn Spawner, pollInterval time.Duration, log *logger.Logger) *CronDriver {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &CronDriver{
		store:  store,
		spawn:  spawn,
		logger: log.WithFields(zap.String("component", "cronDriver")),
		poll:   pollInterval,
		stop:   make(chan struct{}),
	}
}

// Start runs the poll loop until ctx is cancelled or Stop is called.
func (d *CronDriver) Start(ctx context.Context) {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// Stop ends the poll loop; safe to call more than once.
func (d *CronDriver) Stop() {
	d.stopped.Do(func() { close(d.stop) })
}

func (d *CronDriver) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := d.store.DueCronJobs(ctx, now)
	if err != nil {
		d.logger.Warn("failed to list due cron jobs", zap.Error(err))
		return
	}
	for i := range due {
		d.runJob(ctx, &due[i], now)
	}
}

func (d *CronDriver) runJob(ctx context.Context, job *statestore.CronJob, now time.Time) {
	log := d.logger.WithFields(zap.String("cronJobId", job.ID), zap.String("name", job.Name))

	cfg, err := ParseAgentConfig(job.AgentConfig)
	if err != nil {
		log.Error("invalid agent_config, skipping run", zap.Error(err))
		return
	}

	if _, err := d.spawn(ctx, cfg); err != nil {
		// Spawn failure (e.g. capacity exceeded) leaves lastRun/nextRun
		// untouched so the job remains eligible on the next tick.
		log.Warn("spawn failed, job remains due", zap.Error(err))
		return
	}

	next, err := ComputeNext(job.CronExpression, now)
	if err != nil {
		log.Error("failed to compute next run time", zap.Error(err))
		return
	}
	if err := d.store.RecordCronRun(ctx, job.ID, now, next); err != nil {
		log.Error("failed to record cron run", zap.Error(err))
	}
}
