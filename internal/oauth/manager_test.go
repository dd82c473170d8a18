package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/user/dsentr"
	"github.com/user/dsentr/internal/storage"
	storesql "github.com/user/dsentr/internal/storage/sql"
	"github.com/user/dsentr/pkg/crypto"
)

var dbSeq atomic.Int64

func newTestManager(t *testing.T) (*Manager, *storesql.Store, *crypto.Cipher) {
	t.Helper()
	dsn := fmt.Sprintf("file:oauthdb%d?mode=memory&cache=shared&_pragma=foreign_keys(1)", dbSeq.Add(1))
	store, err := storesql.New("sqlite", dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cipher, err := crypto.NewCipher("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	m := NewManager(store, cipher, dsentr.NopLogger{}, map[string]ClientCredentials{
		"google": {ID: "client", Secret: "secret"},
	})
	return m, store, cipher
}

func seedToken(t *testing.T, m *Manager, store *storesql.Store, cipher *crypto.Cipher, provider string, expiresIn time.Duration) storage.OAuthToken {
	t.Helper()
	access, _ := cipher.Encrypt("old-access")
	refresh, _ := cipher.Encrypt("refresh-1")
	tok := storage.OAuthToken{
		ID:           "tok-" + provider,
		UserID:       "user-1",
		Provider:     provider,
		AccessEnc:    access,
		RefreshEnc:   refresh,
		ExpiresAt:    time.Now().Add(expiresIn),
		AccountEmail: "a@example.com",
		UpdatedAt:    time.Now().UTC(),
	}
	if err := store.CreateOAuthToken(context.Background(), tok); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	return tok
}

func tokenStub(t *testing.T, calls *atomic.Int64, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(body))
			return
		}
		// Slow down so concurrent callers pile up on the keyed lock.
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"new-access-%d","token_type":"bearer","refresh_token":"refresh-2","expires_in":3600}`, calls.Load())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEnsureValid_FreshTokenNoRefresh(t *testing.T) {
	m, store, cipher := newTestManager(t)
	var calls atomic.Int64
	srv := tokenStub(t, &calls, http.StatusOK, "")
	m.SetEndpoint("google", oauth2.Endpoint{TokenURL: srv.URL})

	seedToken(t, m, store, cipher, "google", time.Hour)
	access, err := m.EnsureValid(context.Background(), "tok-google")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if access != "old-access" {
		t.Fatalf("access: got %q", access)
	}
	if calls.Load() != 0 {
		t.Fatalf("fresh token hit the provider %d times", calls.Load())
	}
}

func TestEnsureValid_ConcurrentRefreshHappensOnce(t *testing.T) {
	m, store, cipher := newTestManager(t)
	var calls atomic.Int64
	srv := tokenStub(t, &calls, http.StatusOK, "")
	m.SetEndpoint("google", oauth2.Endpoint{TokenURL: srv.URL})

	tok := seedToken(t, m, store, cipher, "google", 10*time.Second)

	// Promote so propagation is observable.
	conn, err := m.Promote(context.Background(), tok.ID, "ws-1", "user-1")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			access, err := m.EnsureValid(context.Background(), tok.ID)
			if err != nil {
				t.Errorf("ensure %d: %v", i, err)
				return
			}
			results[i] = access
		}(i)
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("refresh calls: got %d, want 1", calls.Load())
	}
	if results[0] != results[1] || results[0] == "" {
		t.Fatalf("callers saw different tokens: %q vs %q", results[0], results[1])
	}

	// Propagation replaced the connection's encrypted credentials.
	got, err := store.GetWorkspaceConnection(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	connAccess, err := cipher.Decrypt(got.AccessEnc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if connAccess != results[0] {
		t.Fatalf("connection not propagated: %q vs %q", connAccess, results[0])
	}
}

func TestEnsureValid_SlackNotPropagated(t *testing.T) {
	m, store, cipher := newTestManager(t)
	var calls atomic.Int64
	srv := tokenStub(t, &calls, http.StatusOK, "")
	m.SetEndpoint("slack", oauth2.Endpoint{TokenURL: srv.URL})

	tok := seedToken(t, m, store, cipher, "slack", 10*time.Second)
	conn, err := m.Promote(context.Background(), tok.ID, "ws-1", "user-1")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}

	if _, err := m.EnsureValid(context.Background(), tok.ID); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	got, _ := store.GetWorkspaceConnection(context.Background(), conn.ID)
	access, _ := cipher.Decrypt(got.AccessEnc)
	if access != "old-access" {
		t.Fatalf("slack connection was propagated: %q", access)
	}
}

func TestEnsureValid_RevocationDeletesAndMarksStale(t *testing.T) {
	m, store, cipher := newTestManager(t)
	var calls atomic.Int64
	srv := tokenStub(t, &calls, http.StatusBadRequest, `{"error":"invalid_grant"}`)
	m.SetEndpoint("google", oauth2.Endpoint{TokenURL: srv.URL})

	tok := seedToken(t, m, store, cipher, "google", 10*time.Second)
	conn, err := m.Promote(context.Background(), tok.ID, "ws-1", "user-1")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}

	_, err = m.EnsureValid(context.Background(), tok.ID)
	if !errors.Is(err, dsentr.ErrTokenRevoked) {
		t.Fatalf("want ErrTokenRevoked, got %v", err)
	}

	if _, err := store.GetOAuthToken(context.Background(), tok.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("revoked token still stored: %v", err)
	}
	got, _ := store.GetWorkspaceConnection(context.Background(), conn.ID)
	if !got.Stale {
		t.Fatalf("connection not marked stale")
	}

	// A stale connection reports ConnectionRevoked to its consumer.
	if _, err := m.EnsureValidConnection(context.Background(), conn.ID); !errors.Is(err, dsentr.ErrConnectionRevoked) {
		t.Fatalf("stale connection: want ErrConnectionRevoked, got %v", err)
	}
}

func TestPromote_RequiresOwner(t *testing.T) {
	m, store, cipher := newTestManager(t)
	tok := seedToken(t, m, store, cipher, "google", time.Hour)

	if _, err := m.Promote(context.Background(), tok.ID, "ws-1", "intruder"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("cross-user promote: %v", err)
	}

	if _, err := m.Promote(context.Background(), tok.ID, "ws-1", "user-1"); err != nil {
		t.Fatalf("promote: %v", err)
	}
	got, _ := store.GetOAuthToken(context.Background(), tok.ID)
	if !got.IsShared {
		t.Fatalf("is_shared not set after promote")
	}
}

func TestPurgeMember(t *testing.T) {
	m, store, cipher := newTestManager(t)
	tok := seedToken(t, m, store, cipher, "google", time.Hour)

	conn, err := m.Promote(context.Background(), tok.ID, "ws-1", "user-1")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}

	if err := m.PurgeMember(context.Background(), "ws-1", "user-1", "admin-1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := store.GetWorkspaceConnection(context.Background(), conn.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("connection survived purge: %v", err)
	}
	got, _ := store.GetOAuthToken(context.Background(), tok.ID)
	if got.IsShared {
		t.Fatalf("is_shared not cleared when last connection removed")
	}
}
