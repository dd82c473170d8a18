package webhook

import (
	"errors"
	"strconv"
	"testing"
	"time"
)

const (
	secret = "test-webhook-secret"
	userID = "3b9f4f6e-8a1d-4b5c-9e2f-1a2b3c4d5e6f"
	wfID   = "7c8d9e0f-1a2b-3c4d-5e6f-7a8b9c0d1e2f"
	salt   = "0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0"
)

func TestTokenRoundTrip(t *testing.T) {
	tok, err := Token(secret, userID, wfID, salt)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if err := VerifyToken(secret, userID, wfID, salt, tok); err != nil {
		t.Fatalf("verify own token: %v", err)
	}
	if err := VerifyToken(secret, userID, wfID, salt, tok+"x"); !errors.Is(err, ErrBadToken) {
		t.Fatalf("tampered token: %v", err)
	}

	// Rotating the salt invalidates the old token.
	if err := VerifyToken(secret, userID, wfID, "aaaaaaaa-bbbb-cccc-dddd-eeeeffff0000", tok); !errors.Is(err, ErrBadToken) {
		t.Fatalf("token survived salt rotation: %v", err)
	}
}

func TestTokenRejectsMalformedIDs(t *testing.T) {
	if _, err := Token(secret, "not-a-uuid", wfID, salt); err == nil {
		t.Fatalf("malformed user id accepted")
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	key, err := SigningKey(secret, userID, wfID, salt)
	if err != nil {
		t.Fatalf("signing key: %v", err)
	}
	body := []byte(`{"k":"v"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := Sign(key, ts, body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := VerifySignature(key, ts, body, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifySignature(key, ts, body, "v1="+sig); err != nil {
		t.Fatalf("verify with v1 prefix: %v", err)
	}
	// Prefixed and bare forms canonicalize to the same signature, so a
	// replay cache keyed on the canonical form sees them as one.
	if CanonicalSignature("v1="+sig) != sig || CanonicalSignature(" "+sig+"\n") != sig {
		t.Fatalf("canonical form not stable across decoration")
	}
	if err := VerifySignature(key, ts, []byte(`{"k":"tampered"}`), sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("tampered body: %v", err)
	}
	if err := VerifySignature(key, "999", body, sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("tampered ts: %v", err)
	}
}

func TestSignatureDiffersFromToken(t *testing.T) {
	tok, _ := Token(secret, userID, wfID, salt)
	key, _ := SigningKey(secret, userID, wfID, salt)
	if tok == key {
		t.Fatalf("token and signing key must differ")
	}
}

func TestCheckTimestamp_WindowBoundary(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	window := 60

	at := func(offset int64) string {
		return strconv.FormatInt(now.Unix()+offset, 10)
	}
	if err := CheckTimestamp(at(0), now, window); err != nil {
		t.Fatalf("now: %v", err)
	}
	// Exactly window old is accepted, one second past is not.
	if err := CheckTimestamp(at(-60), now, window); err != nil {
		t.Fatalf("now-window: %v", err)
	}
	if err := CheckTimestamp(at(-61), now, window); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("now-window-1s: %v", err)
	}
	// Future skew is bounded the same way.
	if err := CheckTimestamp(at(60), now, window); err != nil {
		t.Fatalf("now+window: %v", err)
	}
	if err := CheckTimestamp(at(61), now, window); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("now+window+1s: %v", err)
	}

	if err := CheckTimestamp("not-a-number", now, window); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("garbage ts: %v", err)
	}
}

func TestClampWindow(t *testing.T) {
	cases := map[int]int{0: 60, 59: 60, 60: 60, 300: 300, 3600: 3600, 86400: 3600}
	for in, want := range cases {
		if got := ClampWindow(in); got != want {
			t.Fatalf("ClampWindow(%d) = %d, want %d", in, got, want)
		}
	}
}
