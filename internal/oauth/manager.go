// Package oauth manages stored provider credentials: encrypted persistence,
// serialized refresh, workspace sharing, and revocation handling.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/user/dsentr"
	"github.com/user/dsentr/internal/storage"
	"github.com/user/dsentr/pkg/crypto"
)

const expirySkew = 60 * time.Second

// ClientCredentials identify this application to a provider.
type ClientCredentials struct {
	ID     string
	Secret string
}

type Manager struct {
	store     storage.Storage
	cipher    *crypto.Cipher
	log       dsentr.Logger
	client    *http.Client
	clients   map[string]ClientCredentials
	endpoints map[string]oauth2.Endpoint

	locks sync.Map // token/connection id -> *sync.Mutex
}

func NewManager(store storage.Storage, cipher *crypto.Cipher, log dsentr.Logger, clients map[string]ClientCredentials) *Manager {
	return &Manager{
		store:   store,
		cipher:  cipher,
		log:     log,
		client:  &http.Client{Timeout: 30 * time.Second},
		clients: clients,
		endpoints: map[string]oauth2.Endpoint{
			"google": {
				AuthURL:  "https://accounts.google.com/o/oauth2/auth",
				TokenURL: "https://oauth2.googleapis.com/token",
			},
			"slack": {
				AuthURL:  "https://slack.com/oauth/v2/authorize",
				TokenURL: "https://slack.com/api/oauth.v2.access",
			},
			"notion": {
				AuthURL:  "https://api.notion.com/v1/oauth/authorize",
				TokenURL: "https://api.notion.com/v1/oauth/token",
			},
		},
	}
}

// SetEndpoint overrides a provider's OAuth endpoints. Tests point this at a
// local stub.
func (m *Manager) SetEndpoint(provider string, ep oauth2.Endpoint) {
	m.endpoints[provider] = ep
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// EnsureValid returns a decrypted access token for the personal token id,
// refreshing it first when it expires within the skew window. Refresh for a
// given id is serialized so concurrent callers trigger at most one provider
// round trip.
func (m *Manager) EnsureValid(ctx context.Context, tokenID string) (string, error) {
	tok, err := m.store.GetOAuthToken(ctx, tokenID)
	if err != nil {
		return "", err
	}
	if tok.ExpiresAt.After(time.Now().Add(expirySkew)) {
		return m.cipher.Decrypt(tok.AccessEnc)
	}

	mu := m.lockFor(tokenID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read: another caller may have refreshed while we waited.
	tok, err = m.store.GetOAuthToken(ctx, tokenID)
	if err != nil {
		return "", err
	}
	if tok.ExpiresAt.After(time.Now().Add(expirySkew)) {
		return m.cipher.Decrypt(tok.AccessEnc)
	}
	return m.refreshPersonal(ctx, tok)
}

func (m *Manager) refreshPersonal(ctx context.Context, tok storage.OAuthToken) (string, error) {
	refreshed, err := m.refresh(ctx, tok.Provider, tok.RefreshEnc)
	if err != nil {
		if errors.Is(err, dsentr.ErrTokenRevoked) {
			m.handleRevocation(ctx, tok)
		}
		return "", err
	}

	tok.AccessEnc, err = m.cipher.Encrypt(refreshed.AccessToken)
	if err != nil {
		return "", err
	}
	if refreshed.RefreshToken != "" {
		tok.RefreshEnc, err = m.cipher.Encrypt(refreshed.RefreshToken)
		if err != nil {
			return "", err
		}
	}
	tok.ExpiresAt = refreshed.Expiry
	tok.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateOAuthToken(ctx, tok); err != nil {
		return "", err
	}

	// Slack installs carry per-workspace credentials, so each connection
	// refreshes on its own. Everything else fans the new tokens out.
	if tok.Provider != "slack" {
		if err := m.propagate(ctx, tok); err != nil {
			m.log.Warn("oauth propagation failed", "token_id", tok.ID, "error", err)
		}
	}
	m.log.Info("oauth token refreshed", "token_id", tok.ID, "provider", tok.Provider)
	return refreshed.AccessToken, nil
}

func (m *Manager) propagate(ctx context.Context, tok storage.OAuthToken) error {
	conns, err := m.store.ListWorkspaceConnectionsBySource(ctx, tok.ID)
	if err != nil {
		return err
	}
	for _, c := range conns {
		if err := m.store.UpdateWorkspaceConnectionTokens(ctx, c.ID, tok.AccessEnc, tok.RefreshEnc, tok.ExpiresAt); err != nil {
			return fmt.Errorf("connection %s: %w", c.ID, err)
		}
	}
	return nil
}

func (m *Manager) handleRevocation(ctx context.Context, tok storage.OAuthToken) {
	m.log.Warn("oauth token revoked by provider", "token_id", tok.ID, "provider", tok.Provider)
	if err := m.store.MarkWorkspaceConnectionsStale(ctx, tok.ID); err != nil {
		m.log.Error("mark connections stale", "token_id", tok.ID, "error", err)
	}
	if err := m.store.DeleteOAuthToken(ctx, tok.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.log.Error("delete revoked token", "token_id", tok.ID, "error", err)
	}
}

// EnsureValidConnection is EnsureValid for a workspace connection. A stale
// connection (source token revoked) yields ErrConnectionRevoked so the node
// fails with a user-visible reason.
func (m *Manager) EnsureValidConnection(ctx context.Context, connID string) (string, error) {
	conn, err := m.store.GetWorkspaceConnection(ctx, connID)
	if err != nil {
		return "", err
	}
	if conn.Stale {
		return "", dsentr.ErrConnectionRevoked
	}
	if conn.ExpiresAt.After(time.Now().Add(expirySkew)) {
		return m.cipher.Decrypt(conn.AccessEnc)
	}

	mu := m.lockFor("conn:" + connID)
	mu.Lock()
	defer mu.Unlock()

	conn, err = m.store.GetWorkspaceConnection(ctx, connID)
	if err != nil {
		return "", err
	}
	if conn.Stale {
		return "", dsentr.ErrConnectionRevoked
	}
	if conn.ExpiresAt.After(time.Now().Add(expirySkew)) {
		return m.cipher.Decrypt(conn.AccessEnc)
	}

	refreshed, err := m.refresh(ctx, conn.Provider, conn.RefreshEnc)
	if err != nil {
		if errors.Is(err, dsentr.ErrTokenRevoked) {
			if markErr := m.store.MarkWorkspaceConnectionsStale(ctx, conn.SourceTokenID); markErr != nil {
				m.log.Error("mark connections stale", "connection_id", connID, "error", markErr)
			}
			return "", dsentr.ErrConnectionRevoked
		}
		return "", err
	}
	accessEnc, err := m.cipher.Encrypt(refreshed.AccessToken)
	if err != nil {
		return "", err
	}
	refreshEnc := conn.RefreshEnc
	if refreshed.RefreshToken != "" {
		if refreshEnc, err = m.cipher.Encrypt(refreshed.RefreshToken); err != nil {
			return "", err
		}
	}
	if err := m.store.UpdateWorkspaceConnectionTokens(ctx, connID, accessEnc, refreshEnc, refreshed.Expiry); err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// refresh exchanges a refresh token at the provider. Revocation signals (401,
// or 400 with invalid_grant/revoked in the body) map to ErrTokenRevoked.
func (m *Manager) refresh(ctx context.Context, provider, refreshEnc string) (*oauth2.Token, error) {
	refreshToken, err := m.cipher.Decrypt(refreshEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	if refreshToken == "" {
		return nil, dsentr.Categorize(dsentr.CategoryAuth, dsentr.ErrTokenRevoked)
	}

	ep, ok := m.endpoints[provider]
	if !ok {
		return nil, dsentr.Categorize(dsentr.CategoryValidation, fmt.Errorf("unknown oauth provider %q", provider))
	}
	creds := m.clients[provider]
	cfg := &oauth2.Config{ClientID: creds.ID, ClientSecret: creds.Secret, Endpoint: ep}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && isRevocation(rerr) {
			return nil, dsentr.ErrTokenRevoked
		}
		return nil, dsentr.Categorize(dsentr.CategoryTransport, fmt.Errorf("refresh %s token: %w", provider, err))
	}
	return tok, nil
}

func isRevocation(rerr *oauth2.RetrieveError) bool {
	if rerr.Response != nil && rerr.Response.StatusCode == http.StatusUnauthorized {
		return true
	}
	if rerr.Response == nil || rerr.Response.StatusCode != http.StatusBadRequest {
		return false
	}
	body := strings.ToLower(rerr.ErrorCode + " " + string(rerr.Body))
	return strings.Contains(body, "invalid_grant") || strings.Contains(body, "revoked")
}

// Promote copies a personal token into a workspace connection, marks the
// personal record shared, and records an audit event.
func (m *Manager) Promote(ctx context.Context, tokenID, workspaceID, actorID string) (storage.WorkspaceConnection, error) {
	tok, err := m.store.GetOAuthToken(ctx, tokenID)
	if err != nil {
		return storage.WorkspaceConnection{}, err
	}
	if tok.UserID != actorID {
		return storage.WorkspaceConnection{}, storage.ErrNotFound
	}

	now := time.Now().UTC()
	conn := storage.WorkspaceConnection{
		ID:            uuid.NewString(),
		WorkspaceID:   workspaceID,
		CreatedBy:     actorID,
		SourceTokenID: tokenID,
		Provider:      tok.Provider,
		AccessEnc:     tok.AccessEnc,
		RefreshEnc:    tok.RefreshEnc,
		ExpiresAt:     tok.ExpiresAt,
		AccountEmail:  tok.AccountEmail,
		UpdatedAt:     now,
	}
	if err := m.store.CreateWorkspaceConnection(ctx, conn); err != nil {
		return storage.WorkspaceConnection{}, err
	}
	if err := m.store.SetOAuthTokenShared(ctx, tokenID, true); err != nil {
		return storage.WorkspaceConnection{}, err
	}
	m.audit(ctx, workspaceID, actorID, "connection.promoted", "workspace_connection", conn.ID,
		fmt.Sprintf("provider=%s account=%s", tok.Provider, tok.AccountEmail))
	return conn, nil
}

// PurgeMember removes every workspace connection the departing user created
// and, when nothing else keeps a provider shared, clears is_shared on the
// source personal token. One audit event per deleted connection.
func (m *Manager) PurgeMember(ctx context.Context, workspaceID, userID, actorID string) error {
	conns, err := m.store.ListWorkspaceConnectionsByCreator(ctx, workspaceID, userID)
	if err != nil {
		return err
	}
	for _, c := range conns {
		if err := m.store.DeleteWorkspaceConnection(ctx, c.ID); err != nil {
			return fmt.Errorf("delete connection %s: %w", c.ID, err)
		}
		m.audit(ctx, workspaceID, actorID, "connection.purged", "workspace_connection", c.ID,
			fmt.Sprintf("provider=%s departing_user=%s", c.Provider, userID))

		remaining, err := m.store.CountWorkspaceConnections(ctx, userID, c.Provider)
		if err != nil {
			return err
		}
		if remaining == 0 && c.SourceTokenID != "" {
			if err := m.store.SetOAuthTokenShared(ctx, c.SourceTokenID, false); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) audit(ctx context.Context, workspaceID, actorID, action, entityType, entityID, detail string) {
	ev := storage.AuditEvent{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		ActorID:     actorID,
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		Detail:      detail,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.CreateAuditEvent(ctx, ev); err != nil {
		m.log.Error("record audit event", "action", action, "error", err)
	}
}
