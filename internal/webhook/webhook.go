// Package webhook derives public trigger tokens and verifies signed webhook
// payloads. All values are derived from the process-wide webhook secret, the
// workflow's owner and id, and a per-workflow salt, so rotating the salt
// invalidates both the token and the signing key at once.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBadToken       = errors.New("invalid trigger token")
	ErrBadSignature   = errors.New("invalid signature")
	ErrStaleTimestamp = errors.New("timestamp outside replay window")
	ErrReplay         = errors.New("replay detected")
)

const (
	MinReplayWindowSec = 60
	MaxReplayWindowSec = 3600
)

// ClampWindow bounds a configured replay window to [60s, 3600s].
func ClampWindow(sec int) int {
	if sec < MinReplayWindowSec {
		return MinReplayWindowSec
	}
	if sec > MaxReplayWindowSec {
		return MaxReplayWindowSec
	}
	return sec
}

func deriveBytes(secret, userID, workflowID, salt string, suffix []byte) ([]byte, error) {
	msg := make([]byte, 0, 48+len(suffix))
	for _, id := range []string{userID, workflowID, salt} {
		u, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("derive webhook key: parse %q: %w", id, err)
		}
		msg = append(msg, u[:]...)
	}
	msg = append(msg, suffix...)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return mac.Sum(nil), nil
}

// Token returns the public trigger token for a workflow.
func Token(secret, userID, workflowID, salt string) (string, error) {
	b, err := deriveBytes(secret, userID, workflowID, salt, nil)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// SigningKey returns the payload signing key shown to the workflow owner.
func SigningKey(secret, userID, workflowID, salt string) (string, error) {
	b, err := deriveBytes(secret, userID, workflowID, salt, []byte("signing"))
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// VerifyToken compares a presented trigger token in constant time.
func VerifyToken(secret, userID, workflowID, salt, presented string) error {
	want, err := Token(secret, userID, workflowID, salt)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(presented)) != 1 {
		return ErrBadToken
	}
	return nil
}

// CheckTimestamp verifies |now - ts| is within the (already clamped) window.
// The boundary is inclusive: ts = now - window is still accepted.
func CheckTimestamp(ts string, now time.Time, windowSec int) error {
	sec, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrBadSignature, ts)
	}
	skew := now.Unix() - sec
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(windowSec) {
		return ErrStaleTimestamp
	}
	return nil
}

// Sign computes the wire signature for a timestamped body:
// hex(HMAC_SHA256(base64url_decode(signingKey), ts + "." + body)).
func Sign(signingKey, ts string, body []byte) (string, error) {
	key, err := decodeURLBase64(signingKey)
	if err != nil {
		return "", fmt.Errorf("decode signing key: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// CanonicalSignature strips transport decoration from a presented signature:
// surrounding whitespace and the optional "v1=" prefix. Replay tracking must
// key on this form, not the raw header, or toggling the prefix would slip the
// same signature past the cache.
func CanonicalSignature(presented string) string {
	return strings.TrimPrefix(strings.TrimSpace(presented), "v1=")
}

// VerifySignature checks a presented signature against the signed payload.
// An optional "v1=" prefix on the presented value is accepted.
func VerifySignature(signingKey, ts string, body []byte, presented string) error {
	want, err := Sign(signingKey, ts, body)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(CanonicalSignature(presented))) != 1 {
		return ErrBadSignature
	}
	return nil
}

func decodeURLBase64(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
