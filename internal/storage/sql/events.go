package sql

import (
	"context"
	dbsql "database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/user/dsentr/internal/storage"
)

func (s *Store) CreateDeadLetter(ctx context.Context, dl storage.DeadLetter) error {
	snapshot, err := s.sealGraph(dl.Snapshot)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.query(qDeadLetterInsert),
		dl.ID, dl.WorkflowID, dl.Owner, dl.SourceRunID, dl.Reason,
		string(snapshot), dl.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("dead letter %s: %w", dl.ID, storage.ErrConflict)
	}
	return err
}

func (s *Store) ListDeadLetters(ctx context.Context, workflowID string) ([]storage.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, s.query(qDeadLetterList), workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.DeadLetter
	for rows.Next() {
		dl, err := s.scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *Store) GetDeadLetter(ctx context.Context, id string) (storage.DeadLetter, error) {
	return s.scanDeadLetter(s.db.QueryRowContext(ctx, s.query(qDeadLetterGet), id))
}

func (s *Store) DeleteDeadLetter(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.query(qDeadLetterDelete), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) scanDeadLetter(row rowScanner) (storage.DeadLetter, error) {
	var (
		dl       storage.DeadLetter
		snapshot string
	)
	err := row.Scan(&dl.ID, &dl.WorkflowID, &dl.Owner, &dl.SourceRunID,
		&dl.Reason, &snapshot, &dl.CreatedAt)
	if errors.Is(err, dbsql.ErrNoRows) {
		return storage.DeadLetter{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.DeadLetter{}, err
	}
	dl.Snapshot, err = s.openGraph([]byte(snapshot))
	return dl, err
}

// TryRecordWebhookSignature inserts the signature and reports whether it was
// first seen. A duplicate means a replay inside the window.
func (s *Store) TryRecordWebhookSignature(ctx context.Context, workflowID, signature string, seenAt time.Time) (bool, error) {
	_, err := s.db.ExecContext(ctx, s.query(qWebhookSigInsert), workflowID, signature, seenAt)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record webhook signature: %w", err)
	}
	return true, nil
}

func (s *Store) PurgeWebhookSignatures(ctx context.Context, workflowID string, olderThan time.Time) error {
	_, err := s.db.ExecContext(ctx, s.query(qWebhookSigPurge), workflowID, olderThan)
	return err
}

func (s *Store) CreateEgressBlockEvent(ctx context.Context, ev storage.EgressBlockEvent) error {
	_, err := s.db.ExecContext(ctx, s.query(qEgressEventInsert),
		ev.ID, ev.WorkflowID, ev.RunID, ev.NodeID, ev.Host, ev.CreatedAt)
	return err
}

// IncrementWorkspaceQuota counts one enqueued run against the workspace's
// billing period. Within the cap the increment always succeeds. Over the cap:
// with allowOverage the run is still admitted and overage_count grows, without
// it the increment is rolled back and Allowed=false.
func (s *Store) IncrementWorkspaceQuota(ctx context.Context, workspaceID string, periodStart time.Time, maxRuns int, allowOverage bool) (storage.QuotaResult, error) {
	var result storage.QuotaResult
	err := s.withTx(ctx, func(tx *dbsql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.query(qQuotaEnsure), workspaceID, periodStart); err != nil {
			return err
		}
		var runCount, overageCount int
		if err := tx.QueryRowContext(ctx, s.query(qQuotaGet), workspaceID, periodStart).Scan(&runCount, &overageCount); err != nil {
			return err
		}
		if runCount >= maxRuns {
			if !allowOverage {
				result = storage.QuotaResult{Allowed: false, RunCount: runCount, OverageCount: overageCount}
				return nil
			}
			runCount++
			overageCount++
			result = storage.QuotaResult{Allowed: true, RunCount: runCount, OverageCount: overageCount, OverageIncremented: true}
		} else {
			runCount++
			result = storage.QuotaResult{Allowed: true, RunCount: runCount, OverageCount: overageCount}
		}
		_, err := tx.ExecContext(ctx, s.query(qQuotaSet), runCount, overageCount, workspaceID, periodStart)
		return err
	})
	if err != nil {
		return storage.QuotaResult{}, fmt.Errorf("increment quota: %w", err)
	}
	return result, nil
}

func (s *Store) ReleaseWorkspaceQuota(ctx context.Context, workspaceID string, periodStart time.Time, wasOverage bool) error {
	_, err := s.db.ExecContext(ctx, s.query(qQuotaRelease), wasOverage, workspaceID, periodStart)
	return err
}

func (s *Store) CreateAuditEvent(ctx context.Context, ev storage.AuditEvent) error {
	_, err := s.db.ExecContext(ctx, s.query(qAuditInsert),
		ev.ID, ev.WorkspaceID, ev.ActorID, ev.Action, ev.EntityType,
		ev.EntityID, ev.Detail, ev.CreatedAt)
	return err
}
