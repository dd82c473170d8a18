package sql

import (
	"context"
	dbsql "database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/user/dsentr/internal/storage"
)

func (s *Store) CreateWorkflow(ctx context.Context, wf storage.Workflow) error {
	graph, err := s.sealGraph(wf.Graph)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.query(qWorkflowInsert),
		wf.ID, wf.Owner, wf.WorkspaceID, wf.Name, wf.Description, string(graph),
		wf.WebhookSalt, wf.RequireHMAC, wf.HMACReplayWindowSec,
		joinList(wf.EgressAllowlist), wf.ConcurrencyLimit, wf.AutoDeadLetter,
		wf.CreatedAt, wf.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("workflow %q: %w", wf.Name, storage.ErrConflict)
	}
	return err
}

func (s *Store) UpdateWorkflow(ctx context.Context, wf storage.Workflow) error {
	graph, err := s.sealGraph(wf.Graph)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.query(qWorkflowUpdate),
		wf.Name, wf.Description, string(graph), wf.ConcurrencyLimit,
		wf.AutoDeadLetter, wf.UpdatedAt, wf.ID, wf.Owner)
	if isUniqueViolation(err) {
		return fmt.Errorf("workflow %q: %w", wf.Name, storage.ErrConflict)
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) DeleteWorkflow(ctx context.Context, id, owner string) error {
	res, err := s.db.ExecContext(ctx, s.query(qWorkflowDelete), id, owner)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (storage.Workflow, error) {
	row := s.db.QueryRowContext(ctx, s.query(qWorkflowGet), id)
	return s.scanWorkflow(row)
}

func (s *Store) ListWorkflows(ctx context.Context, owner string, page, perPage int) ([]storage.Workflow, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, s.query(qWorkflowCount), owner).Scan(&total); err != nil {
		return nil, 0, err
	}
	offset := (page - 1) * perPage
	rows, err := s.db.QueryContext(ctx, s.query(qWorkflowList), owner, perPage, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []storage.Workflow
	for rows.Next() {
		wf, err := s.scanWorkflow(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, wf)
	}
	return out, total, rows.Err()
}

func (s *Store) UpdateWorkflowWebhook(ctx context.Context, id, owner, salt string, requireHMAC bool, replayWindowSec int) error {
	res, err := s.db.ExecContext(ctx, s.query(qWorkflowUpdateWebhook),
		salt, requireHMAC, replayWindowSec, time.Now().UTC(), id, owner)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) UpdateWorkflowConcurrency(ctx context.Context, id, owner string, limit int) error {
	res, err := s.db.ExecContext(ctx, s.query(qWorkflowUpdateConcurrency),
		limit, time.Now().UTC(), id, owner)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) UpdateWorkflowEgress(ctx context.Context, id, owner string, allowlist []string) error {
	res, err := s.db.ExecContext(ctx, s.query(qWorkflowUpdateEgress),
		joinList(allowlist), time.Now().UTC(), id, owner)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanWorkflow(row rowScanner) (storage.Workflow, error) {
	var (
		wf        storage.Workflow
		graph     string
		allowlist string
	)
	err := row.Scan(&wf.ID, &wf.Owner, &wf.WorkspaceID, &wf.Name, &wf.Description,
		&graph, &wf.WebhookSalt, &wf.RequireHMAC, &wf.HMACReplayWindowSec,
		&allowlist, &wf.ConcurrencyLimit, &wf.AutoDeadLetter, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, dbsql.ErrNoRows) {
		return storage.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Workflow{}, err
	}
	wf.Graph, err = s.openGraph([]byte(graph))
	wf.EgressAllowlist = splitList(allowlist)
	return wf, err
}

func requireRow(res dbsql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
