package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/user/dsentr/internal/graph"
	"github.com/user/dsentr/internal/scheduler"
	"github.com/user/dsentr/internal/storage"
	"github.com/user/dsentr/internal/webhook"
)

type workflowRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Data        json.RawMessage `json:"data"`
}

// ownedWorkflow loads a workflow and enforces ownership. Somebody else's
// workflow looks exactly like a missing one.
func (s *Server) ownedWorkflow(w http.ResponseWriter, r *http.Request, userID string) (storage.Workflow, bool) {
	wf, err := s.store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return storage.Workflow{}, false
	}
	if wf.Owner != userID {
		s.jsonError(w, "not found", http.StatusNotFound)
		return storage.Workflow{}, false
	}
	return wf, true
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request, userID string) {
	var req workflowRequest
	if err := decodeBody(r, &req); err != nil {
		s.jsonError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" || len(req.Data) == 0 {
		s.jsonError(w, "name and data are required", http.StatusBadRequest)
		return
	}
	if _, err := graph.Parse(req.Data); err != nil {
		s.jsonError(w, "invalid graph: "+err.Error(), http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	wf := storage.Workflow{
		ID:                  uuid.NewString(),
		Owner:               userID,
		WorkspaceID:         userID, // personal workspace until team support lands

		Name:                req.Name,
		Description:         req.Description,
		Graph:               req.Data,
		WebhookSalt:         uuid.NewString(),
		HMACReplayWindowSec: webhook.ClampWindow(300),
		ConcurrencyLimit:    1,
		AutoDeadLetter:      true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.CreateWorkflow(r.Context(), wf); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			s.jsonError(w, "a workflow with this name already exists", http.StatusConflict)
			return
		}
		s.storeError(w, err)
		return
	}
	s.jsonOK(w, http.StatusCreated, map[string]any{"workflow": wf})
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request, userID string) {
	page, perPage := pagination(r)
	wfs, total, err := s.store.ListWorkflows(r.Context(), userID, page, perPage)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.jsonOK(w, http.StatusOK, map[string]any{
		"workflows": wfs, "total": total, "page": page, "per_page": perPage,
	})
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request, userID string) {
	wf, ok := s.ownedWorkflow(w, r, userID)
	if !ok {
		return
	}
	s.jsonOK(w, http.StatusOK, map[string]any{"workflow": wf})
}

func (s *Server) updateWorkflow(w http.ResponseWriter, r *http.Request, userID string) {
	wf, ok := s.ownedWorkflow(w, r, userID)
	if !ok {
		return
	}
	var req workflowRequest
	if err := decodeBody(r, &req); err != nil {
		s.jsonError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name != "" {
		wf.Name = req.Name
	}
	wf.Description = req.Description
	if len(req.Data) > 0 {
		if _, err := graph.Parse(req.Data); err != nil {
			s.jsonError(w, "invalid graph: "+err.Error(), http.StatusBadRequest)
			return
		}
		wf.Graph = req.Data
	}
	wf.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateWorkflow(r.Context(), wf); err != nil {
		s.storeError(w, err)
		return
	}
	s.jsonOK(w, http.StatusOK, map[string]any{"workflow": wf})
}

func (s *Server) deleteWorkflow(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.store.DeleteWorkflow(r.Context(), r.PathValue("id"), userID); err != nil {
		s.storeError(w, err)
		return
	}
	s.jsonOK(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) setConcurrency(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Limit int `json:"limit"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.jsonError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Limit < 1 {
		s.jsonError(w, "limit must be at least 1", http.StatusBadRequest)
		return
	}
	if err := s.store.UpdateWorkflowConcurrency(r.Context(), r.PathValue("id"), userID, req.Limit); err != nil {
		s.storeError(w, err)
		return
	}
	s.jsonOK(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) setEgressAllowlist(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Allowlist []string `json:"allowlist"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.jsonError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.UpdateWorkflowEgress(r.Context(), r.PathValue("id"), userID, req.Allowlist); err != nil {
		s.storeError(w, err)
		return
	}
	s.jsonOK(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) configureWebhook(w http.ResponseWriter, r *http.Request, userID string) {
	wf, ok := s.ownedWorkflow(w, r, userID)
	if !ok {
		return
	}
	var req struct {
		RequireHMAC     bool `json:"require_hmac"`
		ReplayWindowSec int  `json:"replay_window_sec"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.jsonError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	window := webhook.ClampWindow(req.ReplayWindowSec)
	if err := s.store.UpdateWorkflowWebhook(r.Context(), wf.ID, userID, wf.WebhookSalt, req.RequireHMAC, window); err != nil {
		s.storeError(w, err)
		return
	}
	s.jsonOK(w, http.StatusOK, map[string]any{
		"require_hmac": req.RequireHMAC, "replay_window_sec": window,
	})
}

// rotateWebhookToken replaces the salt, invalidating the previous trigger URL
// and signing key in one step.
func (s *Server) rotateWebhookToken(w http.ResponseWriter, r *http.Request, userID string) {
	wf, ok := s.ownedWorkflow(w, r, userID)
	if !ok {
		return
	}
	salt := uuid.NewString()
	if err := s.store.UpdateWorkflowWebhook(r.Context(), wf.ID, userID, salt, wf.RequireHMAC, wf.HMACReplayWindowSec); err != nil {
		s.storeError(w, err)
		return
	}
	token, err := webhook.Token(s.cfg.WebhookSecret, wf.Owner, wf.ID, salt)
	if err != nil {
		s.jsonError(w, "token derivation failed", http.StatusInternalServerError)
		return
	}
	s.jsonOK(w, http.StatusOK, map[string]any{
		"url": fmt.Sprintf("/api/workflows/%s/trigger/%s", wf.ID, token),
	})
}

func (s *Server) upsertSchedule(w http.ResponseWriter, r *http.Request, userID string) {
	wf, ok := s.ownedWorkflow(w, r, userID)
	if !ok {
		return
	}
	var req struct {
		Config  json.RawMessage `json:"config"`
		Enabled bool            `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.jsonError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	now := time.Now().UTC()
	next, err := scheduler.NextFire(req.Config, nil, now)
	if err != nil {
		s.jsonError(w, "invalid schedule config: "+err.Error(), http.StatusBadRequest)
		return
	}
	sched := storage.Schedule{
		WorkflowID: wf.ID,
		Config:     req.Config,
		Enabled:    req.Enabled,
	}
	if req.Enabled {
		sched.NextRunAt = &next
	}
	if err := s.store.UpsertSchedule(r.Context(), sched); err != nil {
		s.storeError(w, err)
		return
	}
	s.jsonOK(w, http.StatusOK, map[string]any{"schedule": sched})
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request, userID string) {
	wf, ok := s.ownedWorkflow(w, r, userID)
	if !ok {
		return
	}
	sched, err := s.store.GetSchedule(r.Context(), wf.ID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.jsonOK(w, http.StatusOK, map[string]any{"schedule": sched})
}
