package sql

import (
	"context"
	dbsql "database/sql"
	"errors"
	"time"

	"github.com/user/dsentr/internal/storage"
)

func (s *Store) UpsertSchedule(ctx context.Context, sched storage.Schedule) error {
	_, err := s.db.ExecContext(ctx, s.query(qScheduleUpsert),
		sched.WorkflowID, string(sched.Config),
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt), sched.Enabled)
	return err
}

func (s *Store) GetSchedule(ctx context.Context, workflowID string) (storage.Schedule, error) {
	return scanSchedule(s.db.QueryRowContext(ctx, s.query(qScheduleGet), workflowID))
}

func (s *Store) ListDueSchedules(ctx context.Context, now time.Time) ([]storage.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, s.query(qScheduleDue), true, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func (s *Store) MarkScheduleFired(ctx context.Context, workflowID string, lastRunAt time.Time, nextRunAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, s.query(qScheduleFired),
		lastRunAt, nullTime(nextRunAt), workflowID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) DisableSchedule(ctx context.Context, workflowID string) error {
	res, err := s.db.ExecContext(ctx, s.query(qScheduleDisable), false, workflowID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanSchedule(row rowScanner) (storage.Schedule, error) {
	var (
		sched        storage.Schedule
		config       string
		last, next   dbsql.NullTime
	)
	err := row.Scan(&sched.WorkflowID, &config, &last, &next, &sched.Enabled)
	if errors.Is(err, dbsql.ErrNoRows) {
		return storage.Schedule{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Schedule{}, err
	}
	sched.Config = []byte(config)
	sched.LastRunAt = timePtr(last)
	sched.NextRunAt = timePtr(next)
	return sched, nil
}
