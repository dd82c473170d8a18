package sql

import (
	"context"
	dbsql "database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/user/dsentr/internal/storage"
)

// EnqueueRun inserts a queued run. When the run carries an idempotency key and
// a run with that key already exists for the workflow, the stored run is
// returned with created=false and nothing is inserted.
func (s *Store) EnqueueRun(ctx context.Context, run storage.Run) (storage.Run, bool, error) {
	if run.IdempotencyKey != "" {
		existing, err := s.runByKey(ctx, run.WorkflowID, run.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return storage.Run{}, false, err
		}
	}

	snapshot, err := s.sealGraph(run.Snapshot)
	if err != nil {
		return storage.Run{}, false, err
	}
	_, err = s.db.ExecContext(ctx, s.query(qRunInsert),
		run.ID, run.WorkflowID, run.Owner, string(run.Status), run.Priority,
		run.IdempotencyKey, string(snapshot), run.LeaseOwner,
		nullTime(run.LeaseExpiresAt), run.RecoveryCount, run.CancelRequested,
		run.Error, run.CreatedAt, run.UpdatedAt,
		nullTime(run.StartedAt), nullTime(run.FinishedAt))
	if isUniqueViolation(err) && run.IdempotencyKey != "" {
		// Lost the race against a concurrent enqueue with the same key.
		existing, selErr := s.runByKey(ctx, run.WorkflowID, run.IdempotencyKey)
		if selErr != nil {
			return storage.Run{}, false, selErr
		}
		return existing, false, nil
	}
	if err != nil {
		return storage.Run{}, false, fmt.Errorf("enqueue run: %w", err)
	}
	return run, true, nil
}

func (s *Store) runByKey(ctx context.Context, workflowID, key string) (storage.Run, error) {
	row := s.db.QueryRowContext(ctx, s.query(qRunGetByKey), workflowID, key)
	return s.scanRun(row)
}

// LeaseRun claims the next leasable run for workerID. Returns nil when the
// queue holds nothing claimable (empty, or every workflow at its concurrency
// limit).
func (s *Store) LeaseRun(ctx context.Context, workerID string, leaseSeconds int) (*storage.Run, error) {
	var claimed string
	err := s.withTx(ctx, func(tx *dbsql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, s.query(qRunLeaseCandidate)).Scan(&id)
		if errors.Is(err, dbsql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		expires := now.Add(time.Duration(leaseSeconds) * time.Second)
		res, err := tx.ExecContext(ctx, s.query(qRunLeaseClaim), workerID, expires, now, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			claimed = id
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lease run: %w", err)
	}
	if claimed == "" {
		return nil, nil
	}
	run, err := s.GetRun(ctx, claimed)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// RenewLease extends the lease when this worker still owns the run. ok=false
// means the lease was lost (recovered by the sweeper or completed elsewhere)
// and the worker must abandon the run.
func (s *Store) RenewLease(ctx context.Context, runID, workerID string, leaseSeconds int) (bool, bool, error) {
	now := time.Now().UTC()
	expires := now.Add(time.Duration(leaseSeconds) * time.Second)
	res, err := s.db.ExecContext(ctx, s.query(qRunRenewLease), expires, now, runID, workerID)
	if err != nil {
		return false, false, fmt.Errorf("renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, false, err
	}
	if n == 0 {
		return false, false, nil
	}
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return false, false, err
	}
	return true, run.CancelRequested, nil
}

func (s *Store) MarkRunRunning(ctx context.Context, runID, workerID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.query(qRunMarkRunning), now, now, runID, workerID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) CompleteRun(ctx context.Context, runID, workerID string, status storage.RunStatus, runErr string) error {
	if !status.Terminal() {
		return fmt.Errorf("complete run: %q is not terminal", status)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.query(qRunComplete),
		string(status), runErr, now, now, runID, workerID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CancelRun cancels a queued run directly or flags a leased/running run for
// cooperative cancellation. The returned run reflects the post-update state;
// a run already terminal is returned unchanged.
func (s *Store) CancelRun(ctx context.Context, runID, owner string) (storage.Run, error) {
	var out storage.Run
	err := s.withTx(ctx, func(tx *dbsql.Tx) error {
		run, err := s.scanRun(tx.QueryRowContext(ctx, s.query(qRunGet), runID))
		if err != nil {
			return err
		}
		if run.Owner != owner {
			return storage.ErrNotFound
		}
		now := time.Now().UTC()
		switch run.Status {
		case storage.RunQueued:
			if _, err := tx.ExecContext(ctx, s.query(qRunCancelQueued), now, now, runID); err != nil {
				return err
			}
			run.Status = storage.RunCanceled
			run.FinishedAt = &now
		case storage.RunLeased, storage.RunRunning:
			if _, err := tx.ExecContext(ctx, s.query(qRunCancelFlag), true, now, runID); err != nil {
				return err
			}
			run.CancelRequested = true
		}
		out = run
		return nil
	})
	return out, err
}

// RecoverOrphans requeues runs whose lease expired before now. A run that has
// already been recovered maxRecoveries times is marked failed with reason
// lease_timeout instead, and dead-lettered when its workflow opted in.
// Returns the ids of requeued runs.
func (s *Store) RecoverOrphans(ctx context.Context, now time.Time, maxRecoveries int) ([]string, error) {
	type orphan struct {
		id, workflowID, owner, snapshot string
		recoveryCount                   int
		autoDeadLetter                  bool
	}
	var requeued []string
	err := s.withTx(ctx, func(tx *dbsql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.query(qRunExpiredLeases), now)
		if err != nil {
			return err
		}
		var orphans []orphan
		for rows.Next() {
			var o orphan
			if err := rows.Scan(&o.id, &o.recoveryCount, &o.workflowID, &o.owner, &o.snapshot, &o.autoDeadLetter); err != nil {
				rows.Close()
				return err
			}
			orphans = append(orphans, o)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, o := range orphans {
			if o.recoveryCount < maxRecoveries {
				if _, err := tx.ExecContext(ctx, s.query(qRunRequeue), now, o.id); err != nil {
					return err
				}
				requeued = append(requeued, o.id)
				continue
			}
			if _, err := tx.ExecContext(ctx, s.query(qRunFailTimeout), now, now, o.id); err != nil {
				return err
			}
			if o.autoDeadLetter {
				_, err := tx.ExecContext(ctx, s.query(qDeadLetterInsert),
					o.id+":dead", o.workflowID, o.owner, o.id, "lease_timeout", o.snapshot, now)
				if err != nil && !isUniqueViolation(err) {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recover orphans: %w", err)
	}
	return requeued, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (storage.Run, error) {
	return s.scanRun(s.db.QueryRowContext(ctx, s.query(qRunGet), id))
}

func (s *Store) ListRuns(ctx context.Context, workflowID string, filter storage.RunFilter) ([]storage.Run, int, error) {
	page, perPage := filter.Page, filter.PerPage
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	offset := (page - 1) * perPage

	var (
		total int
		rows  *dbsql.Rows
		err   error
	)
	if filter.Status != "" {
		if err = s.db.QueryRowContext(ctx, s.query(qRunCountByStatus), workflowID, string(filter.Status)).Scan(&total); err != nil {
			return nil, 0, err
		}
		rows, err = s.db.QueryContext(ctx, s.query(qRunListByStatus), workflowID, string(filter.Status), perPage, offset)
	} else {
		if err = s.db.QueryRowContext(ctx, s.query(qRunCount), workflowID).Scan(&total); err != nil {
			return nil, 0, err
		}
		rows, err = s.db.QueryContext(ctx, s.query(qRunList), workflowID, perPage, offset)
	}
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []storage.Run
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, run)
	}
	return out, total, rows.Err()
}

func (s *Store) CountActiveRuns(ctx context.Context, workflowID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.query(qRunCountActive), workflowID).Scan(&n)
	return n, err
}

func (s *Store) CreateNodeRun(ctx context.Context, nr storage.NodeRun) error {
	_, err := s.db.ExecContext(ctx, s.query(qNodeRunInsert),
		nr.RunID, nr.NodeID, nr.Attempt, string(nr.Status),
		nullTime(nr.StartedAt), nullTime(nr.FinishedAt),
		string(nr.Output), nr.Error, nr.UpdatedAt)
	return err
}

func (s *Store) UpdateNodeRun(ctx context.Context, nr storage.NodeRun) error {
	res, err := s.db.ExecContext(ctx, s.query(qNodeRunUpdate),
		string(nr.Status), nullTime(nr.StartedAt), nullTime(nr.FinishedAt),
		string(nr.Output), nr.Error, nr.UpdatedAt,
		nr.RunID, nr.NodeID, nr.Attempt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) ListNodeRuns(ctx context.Context, runID string) ([]storage.NodeRun, error) {
	rows, err := s.db.QueryContext(ctx, s.query(qNodeRunList), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.NodeRun
	for rows.Next() {
		var (
			nr                   storage.NodeRun
			status, output       string
			startedAt, finishedAt dbsql.NullTime
		)
		if err := rows.Scan(&nr.RunID, &nr.NodeID, &nr.Attempt, &status,
			&startedAt, &finishedAt, &output, &nr.Error, &nr.UpdatedAt); err != nil {
			return nil, err
		}
		nr.Status = storage.NodeRunStatus(status)
		nr.Output = []byte(output)
		nr.StartedAt = timePtr(startedAt)
		nr.FinishedAt = timePtr(finishedAt)
		out = append(out, nr)
	}
	return out, rows.Err()
}

func (s *Store) scanRun(row rowScanner) (storage.Run, error) {
	var (
		run               storage.Run
		status, snapshot  string
		leaseExpires      dbsql.NullTime
		startedAt, finish dbsql.NullTime
	)
	err := row.Scan(&run.ID, &run.WorkflowID, &run.Owner, &status, &run.Priority,
		&run.IdempotencyKey, &snapshot, &run.LeaseOwner, &leaseExpires,
		&run.RecoveryCount, &run.CancelRequested, &run.Error,
		&run.CreatedAt, &run.UpdatedAt, &startedAt, &finish)
	if errors.Is(err, dbsql.ErrNoRows) {
		return storage.Run{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Run{}, err
	}
	run.Status = storage.RunStatus(status)
	run.Snapshot, err = s.openGraph([]byte(snapshot))
	run.LeaseExpiresAt = timePtr(leaseExpires)
	run.StartedAt = timePtr(startedAt)
	run.FinishedAt = timePtr(finish)
	return run, err
}
