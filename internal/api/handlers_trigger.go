package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/user/dsentr/internal/metrics"
	"github.com/user/dsentr/internal/webhook"
)

const (
	headerTimestamp = "X-Dsentr-Ts"
	headerSignature = "X-Dsentr-Sig"
)

// trigger is the public webhook entry point. The token in the URL is the only
// credential, so every rejection is a plain 401 that does not reveal whether
// the workflow exists.
func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	wf, err := s.store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		metrics.WebhooksRejected.WithLabelValues("unknown_workflow").Inc()
		s.jsonError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := webhook.VerifyToken(s.cfg.WebhookSecret, wf.Owner, wf.ID, wf.WebhookSalt, r.PathValue("token")); err != nil {
		metrics.WebhooksRejected.WithLabelValues("bad_token").Inc()
		s.jsonError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.jsonError(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		metrics.WebhooksRejected.WithLabelValues("invalid_json").Inc()
		s.jsonError(w, "body must be valid JSON", http.StatusBadRequest)
		return
	}

	if wf.RequireHMAC {
		ts := r.Header.Get(headerTimestamp)
		sig := r.Header.Get(headerSignature)
		if ts == "" {
			ts = gjson.GetBytes(body, "ts").String()
		}
		if sig == "" {
			sig = gjson.GetBytes(body, "sig").String()
		}
		window := webhook.ClampWindow(wf.HMACReplayWindowSec)
		if err := webhook.CheckTimestamp(ts, time.Now(), window); err != nil {
			metrics.WebhooksRejected.WithLabelValues("stale_timestamp").Inc()
			s.jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		key, err := webhook.SigningKey(s.cfg.WebhookSecret, wf.Owner, wf.ID, wf.WebhookSalt)
		if err != nil {
			s.jsonError(w, "internal error", http.StatusInternalServerError)
			return
		}
		// The signature covers the body exactly as received; a bodyless
		// request signs the empty string.
		if err := webhook.VerifySignature(key, ts, body, sig); err != nil {
			metrics.WebhooksRejected.WithLabelValues("bad_signature").Inc()
			s.jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		fresh, err := s.store.TryRecordWebhookSignature(r.Context(), wf.ID, webhook.CanonicalSignature(sig), time.Now().UTC())
		if err != nil {
			s.storeError(w, err)
			return
		}
		if !fresh {
			metrics.WebhooksRejected.WithLabelValues("replay").Inc()
			s.jsonError(w, "Replay detected", http.StatusUnauthorized)
			return
		}
		// Signatures older than the replay window can never match again.
		if err := s.store.PurgeWebhookSignatures(r.Context(), wf.ID,
			time.Now().UTC().Add(-time.Duration(window)*time.Second)); err != nil {
			s.log.Warn("webhook signature purge failed", "workflow_id", wf.ID, "error", err)
		}
	}

	if len(body) == 0 {
		body = []byte(`{}`)
	}
	s.enqueue(w, r, wf, enqueueRequest{Context: json.RawMessage(body)})
}
