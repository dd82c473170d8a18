package sql

import (
	"context"
	dbsql "database/sql"
	"errors"
	"time"

	"github.com/user/dsentr/internal/storage"
)

func (s *Store) CreateOAuthToken(ctx context.Context, t storage.OAuthToken) error {
	_, err := s.db.ExecContext(ctx, s.query(qOAuthTokenInsert),
		t.ID, t.UserID, t.Provider, t.AccessEnc, t.RefreshEnc, t.ExpiresAt,
		t.AccountEmail, t.MetadataEnc, t.IsShared, t.UpdatedAt)
	return err
}

func (s *Store) GetOAuthToken(ctx context.Context, id string) (storage.OAuthToken, error) {
	var t storage.OAuthToken
	err := s.db.QueryRowContext(ctx, s.query(qOAuthTokenGet), id).Scan(
		&t.ID, &t.UserID, &t.Provider, &t.AccessEnc, &t.RefreshEnc, &t.ExpiresAt,
		&t.AccountEmail, &t.MetadataEnc, &t.IsShared, &t.UpdatedAt)
	if errors.Is(err, dbsql.ErrNoRows) {
		return storage.OAuthToken{}, storage.ErrNotFound
	}
	return t, err
}

func (s *Store) UpdateOAuthToken(ctx context.Context, t storage.OAuthToken) error {
	res, err := s.db.ExecContext(ctx, s.query(qOAuthTokenUpdate),
		t.AccessEnc, t.RefreshEnc, t.ExpiresAt, t.MetadataEnc, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) SetOAuthTokenShared(ctx context.Context, id string, shared bool) error {
	res, err := s.db.ExecContext(ctx, s.query(qOAuthTokenSetShared), shared, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) DeleteOAuthToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.query(qOAuthTokenDelete), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) CreateWorkspaceConnection(ctx context.Context, c storage.WorkspaceConnection) error {
	_, err := s.db.ExecContext(ctx, s.query(qConnInsert),
		c.ID, c.WorkspaceID, c.CreatedBy, c.SourceTokenID, c.Provider,
		c.AccessEnc, c.RefreshEnc, c.ExpiresAt, c.AccountEmail, c.Stale, c.UpdatedAt)
	return err
}

func (s *Store) GetWorkspaceConnection(ctx context.Context, id string) (storage.WorkspaceConnection, error) {
	return scanConnection(s.db.QueryRowContext(ctx, s.query(qConnGet), id))
}

func (s *Store) ListWorkspaceConnectionsBySource(ctx context.Context, sourceTokenID string) ([]storage.WorkspaceConnection, error) {
	return s.listConnections(ctx, s.query(qConnListBySource), sourceTokenID)
}

func (s *Store) ListWorkspaceConnectionsByCreator(ctx context.Context, workspaceID, createdBy string) ([]storage.WorkspaceConnection, error) {
	return s.listConnections(ctx, s.query(qConnListByCreator), workspaceID, createdBy)
}

func (s *Store) listConnections(ctx context.Context, q string, args ...any) ([]storage.WorkspaceConnection, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.WorkspaceConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateWorkspaceConnectionTokens(ctx context.Context, id, accessEnc, refreshEnc string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.query(qConnUpdateTokens),
		accessEnc, refreshEnc, expiresAt, false, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) MarkWorkspaceConnectionsStale(ctx context.Context, sourceTokenID string) error {
	_, err := s.db.ExecContext(ctx, s.query(qConnMarkStale), true, time.Now().UTC(), sourceTokenID)
	return err
}

func (s *Store) DeleteWorkspaceConnection(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.query(qConnDelete), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) CountWorkspaceConnections(ctx context.Context, createdBy, provider string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.query(qConnCount), createdBy, provider).Scan(&n)
	return n, err
}

func scanConnection(row rowScanner) (storage.WorkspaceConnection, error) {
	var c storage.WorkspaceConnection
	err := row.Scan(&c.ID, &c.WorkspaceID, &c.CreatedBy, &c.SourceTokenID,
		&c.Provider, &c.AccessEnc, &c.RefreshEnc, &c.ExpiresAt, &c.AccountEmail,
		&c.Stale, &c.UpdatedAt)
	if errors.Is(err, dbsql.ErrNoRows) {
		return storage.WorkspaceConnection{}, storage.ErrNotFound
	}
	return c, err
}
