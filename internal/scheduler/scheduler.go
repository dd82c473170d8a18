// Package scheduler turns workflow schedules into queued runs. One tick loop
// per process; a cluster-wide advisory lock keeps a single instance firing.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/user/dsentr"
	"github.com/user/dsentr/internal/graph"
	"github.com/user/dsentr/internal/metrics"
	"github.com/user/dsentr/internal/storage"
)

// lockKey is the advisory-lock key shared by every scheduler instance.
const lockKey int64 = 0x647365_73636864

type Scheduler struct {
	store        storage.Storage
	log          dsentr.Logger
	tick         time.Duration
	maxRuns      int
	allowOverage bool
	now          func() time.Time
}

func New(store storage.Storage, log dsentr.Logger, tick time.Duration, maxRuns int, allowOverage bool) *Scheduler {
	if tick <= 0 {
		tick = 5 * time.Second
	}
	return &Scheduler{
		store:        store,
		log:          log,
		tick:         tick,
		maxRuns:      maxRuns,
		allowOverage: allowOverage,
		now:          time.Now,
	}
}

// Run blocks until ctx is canceled, firing due schedules every tick.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("schedule tick failed", "error", err)
			}
		}
	}
}

// Tick claims the cluster lock, then fires every schedule whose next_run_at
// has passed. A failed schedule never blocks the rest of the batch.
func (s *Scheduler) Tick(ctx context.Context) error {
	ok, err := s.store.AdvisoryLock(ctx, lockKey)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer s.store.AdvisoryUnlock(ctx, lockKey)

	now := s.now()
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		return err
	}
	for _, sched := range due {
		if err := s.fire(ctx, sched, now); err != nil {
			s.log.Error("schedule fire failed", "workflow_id", sched.WorkflowID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, sched storage.Schedule, now time.Time) error {
	scheduledFor := now
	if sched.NextRunAt != nil {
		scheduledFor = *sched.NextRunAt
	}

	next, err := NextFire(sched.Config, &scheduledFor, now)
	if err != nil {
		// A config that no longer parses will not fire again; disable it
		// instead of retrying every tick.
		s.log.Warn("disabling schedule with invalid config",
			"workflow_id", sched.WorkflowID, "error", err)
		return s.store.DisableSchedule(ctx, sched.WorkflowID)
	}

	wf, err := s.store.GetWorkflow(ctx, sched.WorkflowID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.store.DisableSchedule(ctx, sched.WorkflowID)
		}
		return err
	}

	if wf.WorkspaceID != "" && s.maxRuns > 0 {
		quota, err := s.store.IncrementWorkspaceQuota(ctx, wf.WorkspaceID,
			storage.QuotaPeriodStart(now), s.maxRuns, s.allowOverage)
		if err != nil {
			return err
		}
		if !quota.Allowed {
			s.log.Warn("schedule skipped: workspace over run quota",
				"workflow_id", wf.ID, "workspace_id", wf.WorkspaceID,
				"run_count", quota.RunCount)
			return s.store.MarkScheduleFired(ctx, wf.ID, scheduledFor, &next)
		}
	}

	trigger, err := json.Marshal(map[string]any{
		"trigger": map[string]any{
			"type":          "schedule",
			"scheduled_for": scheduledFor.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return err
	}
	snapshot, err := graph.Freeze(wf.Graph, trigger, wf.EgressAllowlist, "")
	if err != nil {
		// The stored graph is broken; advance the schedule so the tick loop
		// does not spin on it, and surface the failure in the log.
		s.log.Error("schedule skipped: workflow graph invalid",
			"workflow_id", wf.ID, "error", err)
		return s.store.MarkScheduleFired(ctx, wf.ID, scheduledFor, &next)
	}

	run := storage.Run{
		ID:             uuid.NewString(),
		WorkflowID:     wf.ID,
		Owner:          wf.Owner,
		Status:         storage.RunQueued,
		IdempotencyKey: fmt.Sprintf("sched:%s:%d", wf.ID, scheduledFor.Unix()),
		Snapshot:       snapshot,
	}
	created, wasNew, err := s.store.EnqueueRun(ctx, run)
	if err != nil {
		return err
	}
	if wasNew {
		metrics.SchedulesFired.Inc()
		s.log.Info("schedule fired", "workflow_id", wf.ID, "run_id", created.ID,
			"scheduled_for", scheduledFor)
	}
	return s.store.MarkScheduleFired(ctx, wf.ID, scheduledFor, &next)
}

type scheduleConfig struct {
	Cron        string `json:"cron"`
	IntervalSec int    `json:"interval_sec"`
}

// NextFire computes the fire time after now for a schedule config. Cron
// expressions use standard five-field semantics. Interval configs advance
// from max(last, now) so a schedule that slept through downtime fires once,
// not once per missed interval.
func NextFire(raw json.RawMessage, last *time.Time, now time.Time) (time.Time, error) {
	var cfg scheduleConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return time.Time{}, fmt.Errorf("decode schedule config: %w", err)
	}
	switch {
	case cfg.Cron != "":
		spec, err := cron.ParseStandard(cfg.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron %q: %w", cfg.Cron, err)
		}
		return spec.Next(now), nil
	case cfg.IntervalSec > 0:
		base := now
		if last != nil && last.After(now) {
			base = *last
		}
		return base.Add(time.Duration(cfg.IntervalSec) * time.Second), nil
	default:
		return time.Time{}, fmt.Errorf("schedule config must set cron or interval_sec")
	}
}
