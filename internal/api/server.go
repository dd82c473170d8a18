// Package api is the HTTP surface: workflow CRUD, run lifecycle, webhook
// triggers, dead letters, and the SSE event stream. It is a thin layer over
// the store and the shared enqueue path.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/dsentr"
	"github.com/user/dsentr/internal/config"
	"github.com/user/dsentr/internal/sse"
	"github.com/user/dsentr/internal/storage"
)

type Server struct {
	store   storage.Storage
	cfg     config.Config
	watcher *sse.Watcher
	log     dsentr.Logger
}

func NewServer(store storage.Storage, cfg config.Config, watcher *sse.Watcher, log dsentr.Logger) *Server {
	if log == nil {
		log = dsentr.NopLogger{}
	}
	return &Server{store: store, cfg: cfg, watcher: watcher, log: log}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/workflows", s.auth(s.createWorkflow))
	mux.Handle("GET /api/workflows", s.auth(s.listWorkflows))
	mux.Handle("GET /api/workflows/{id}", s.auth(s.getWorkflow))
	mux.Handle("PUT /api/workflows/{id}", s.auth(s.updateWorkflow))
	mux.Handle("DELETE /api/workflows/{id}", s.auth(s.deleteWorkflow))
	mux.Handle("POST /api/workflows/{id}/concurrency", s.auth(s.setConcurrency))
	mux.Handle("POST /api/workflows/{id}/egress-allowlist", s.auth(s.setEgressAllowlist))
	mux.Handle("POST /api/workflows/{id}/webhook/config", s.auth(s.configureWebhook))
	mux.Handle("POST /api/workflows/{id}/webhook/token/rotate", s.auth(s.rotateWebhookToken))
	mux.Handle("POST /api/workflows/{id}/schedule", s.auth(s.upsertSchedule))
	mux.Handle("GET /api/workflows/{id}/schedule", s.auth(s.getSchedule))

	mux.Handle("POST /api/workflows/{id}/runs", s.auth(s.enqueueRun))
	mux.Handle("GET /api/workflows/{id}/runs", s.auth(s.listRuns))
	mux.Handle("GET /api/workflows/{id}/runs/{rid}", s.auth(s.getRun))
	mux.Handle("GET /api/workflows/{id}/runs/{rid}/download", s.auth(s.downloadRun))
	mux.Handle("POST /api/workflows/{id}/runs/{rid}/cancel", s.auth(s.cancelRun))
	mux.Handle("POST /api/workflows/{id}/runs/{rid}/rerun", s.auth(s.rerun))
	mux.Handle("POST /api/workflows/{id}/runs/{rid}/rerun-from-failed", s.auth(s.rerunFromFailed))
	mux.Handle("GET /api/workflows/{id}/events", s.auth(s.streamEvents))

	mux.Handle("GET /api/workflows/{id}/dead-letters", s.auth(s.listDeadLetters))
	mux.Handle("POST /api/workflows/{id}/dead-letters/{did}/requeue", s.auth(s.requeueDeadLetter))
	mux.Handle("DELETE /api/workflows/{id}/dead-letters/{did}", s.auth(s.deleteDeadLetter))

	// Public: authenticated by the webhook token in the path.
	mux.HandleFunc("POST /api/workflows/{id}/trigger/{token}", s.trigger)

	mux.Handle("GET /metrics", promhttp.Handler())

	return s.cors(mux)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.FrontendOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Dsentr-Ts, X-Dsentr-Sig")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

// auth validates the bearer token and hands the subject to the handler.
func (s *Server) auth(next authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		if !strings.HasPrefix(raw, "Bearer ") {
			s.jsonError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		token, err := jwt.Parse(strings.TrimPrefix(raw, "Bearer "), func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			s.jsonError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			s.jsonError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		userID, _ := claims["id"].(string)
		if userID == "" {
			s.jsonError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r, userID)
	})
}

func (s *Server) jsonOK(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) jsonError(w http.ResponseWriter, msg string, status int) {
	s.jsonErrorCode(w, msg, "", status)
}

func (s *Server) jsonErrorCode(w http.ResponseWriter, msg, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"success": false, "error": msg}
	if code != "" {
		body["code"] = code
	}
	_ = json.NewEncoder(w).Encode(body)
}

// storeError maps storage failures to the API error envelope. Not-found and
// not-owned are indistinguishable on purpose.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.jsonError(w, "not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrConflict):
		s.jsonError(w, "conflict", http.StatusConflict)
	default:
		s.log.Error("store error", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(dst)
}
