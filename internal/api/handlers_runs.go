package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/user/dsentr/internal/graph"
	"github.com/user/dsentr/internal/metrics"
	"github.com/user/dsentr/internal/storage"
)

type enqueueRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Context        json.RawMessage `json:"context"`
	Priority       int             `json:"priority"`
	StartFromNode  string          `json:"start_from_node_id"`
}

func pagination(r *http.Request) (page, perPage int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ = strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}
	return page, perPage
}

// enqueue is the single admission path for manual, webhook, scheduled-via-API
// and requeued runs: quota first, then snapshot freeze, then the idempotent
// insert. The quota increment is released if the insert fails.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, wf storage.Workflow, req enqueueRequest) {
	ctx := r.Context()

	var quota storage.QuotaResult
	quotaHeld := false
	if wf.WorkspaceID != "" && s.cfg.MaxRunsPerPeriod > 0 {
		var err error
		quota, err = s.store.IncrementWorkspaceQuota(ctx, wf.WorkspaceID,
			storage.QuotaPeriodStart(time.Now()), s.cfg.MaxRunsPerPeriod, s.cfg.AllowQuotaOverage)
		if err != nil {
			s.storeError(w, err)
			return
		}
		if !quota.Allowed {
			metrics.QuotaRejections.Inc()
			s.jsonErrorCode(w, "workspace run limit reached", "workspace_run_limit", http.StatusTooManyRequests)
			return
		}
		quotaHeld = true
	}
	release := func() {
		if quotaHeld {
			_ = s.store.ReleaseWorkspaceQuota(ctx, wf.WorkspaceID,
				storage.QuotaPeriodStart(time.Now()), quota.OverageIncremented)
		}
	}

	snapshot, err := graph.Freeze(wf.Graph, req.Context, wf.EgressAllowlist, req.StartFromNode)
	if err != nil {
		release()
		s.jsonError(w, "invalid graph: "+err.Error(), http.StatusBadRequest)
		return
	}

	run := storage.Run{
		ID:             uuid.NewString(),
		WorkflowID:     wf.ID,
		Owner:          wf.Owner,
		Status:         storage.RunQueued,
		Priority:       req.Priority,
		IdempotencyKey: req.IdempotencyKey,
		Snapshot:       snapshot,
	}
	created, wasNew, err := s.store.EnqueueRun(ctx, run)
	if err != nil {
		release()
		s.storeError(w, err)
		return
	}
	if !wasNew {
		// Idempotent replay: the earlier run is returned, so this request
		// consumed no quota.
		release()
	}
	s.jsonOK(w, http.StatusAccepted, map[string]any{"run": created})
}

func (s *Server) enqueueRun(w http.ResponseWriter, r *http.Request, userID string) {
	wf, ok := s.ownedWorkflow(w, r, userID)
	if !ok {
		return
	}
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.jsonError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	req.StartFromNode = ""
	s.enqueue(w, r, wf, req)
}

func (s *Server) ownedRun(w http.ResponseWriter, r *http.Request, wf storage.Workflow) (storage.Run, bool) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("rid"))
	if err != nil {
		s.storeError(w, err)
		return storage.Run{}, false
	}
	if run.WorkflowID != wf.ID {
		s.jsonError(w, "not found", http.StatusNotFound)
		return storage.Run{}, false
	}
	return run, true
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request, userID string) {
	wf, ok := s.ownedWorkflow(w, r, userID)
	if !ok {
		return
	}
	page, perPage := pagination(r)
	filter := storage.RunFilter{
		Status:  storage.RunStatus(r.URL.Query().Get("status")),
		Page:    page,
		PerPage: perPage,
	}
	runs, total, err := s.store.ListRuns(r.Context(), wf.ID, filter)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.jsonOK(w, http.StatusOK, map[string]any{
		"runs": runs, "total": total, "page": page, "per_page": perPage,
	})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request, userID string) {
	wf, ok := s.ownedWorkflow(w, r, userID)
	if !ok {
		return
	}
	run, ok := s.ownedRun(w, r, wf)
	if !ok {
		return
	}
	nodeRuns, err := s.store.ListNodeRuns(r.Context(), run.ID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.jsonOK(w, http.StatusOK, map[string]any{"run": run, "node_runs": nodeRuns})
}

func (s *Server) downloadRun(w http.ResponseWriter, r *http.Request, userID string) {
	wf, ok := s.ownedWorkflow(w, r, userID)
	if !ok {
		return
	}
	run, ok := s.ownedRun(w, r, wf)
	if !ok {
		return
	}
	nodeRuns, err := s.store.ListNodeRuns(r.Context(), run.ID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "run-"+run.ID+".json"))
	s.jsonOK(w, http.StatusOK, map[string]any{"run": run, "node_runs": nodeRuns})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request, userID string) {
	wf, ok := s.ownedWorkflow(w, r, userID)
	if !ok {
		return
	}
	run, err := s.store.CancelRun(r.Context(), r.PathValue("rid"), userID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if run.WorkflowID != wf.ID {
		s.jsonError(w, "not found", http.StatusNotFound)
		return
	}
	s.jsonOK(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) rerun(w http.ResponseWriter, r *http.Request, userID string) {
	s.rerunRun(w, r, userID, false)
}

func (s *Server) rerunFromFailed(w http.ResponseWriter, r *http.Request, userID string) {
	s.rerunRun(w, r, userID, true)
}

// rerunRun re-enqueues a run from its snapshot's trigger context. When
// starting mid-graph, outputs of previously succeeded nodes are folded into
// the trigger context so the resumed subgraph sees its predecessors' results.
func (s *Server) rerunRun(w http.ResponseWriter, r *http.Request, userID string, fromFailed bool) {
	wf, ok := s.ownedWorkflow(w, r, userID)
	if !ok {
		return
	}
	source, ok := s.ownedRun(w, r, wf)
	if !ok {
		return
	}
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.jsonError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if len(req.Context) == 0 {
		if tc := gjson.GetBytes(source.Snapshot, "_trigger_context"); tc.Exists() {
			req.Context = json.RawMessage(tc.Raw)
		}
	}

	if fromFailed {
		nodeRuns, err := s.store.ListNodeRuns(r.Context(), source.ID)
		if err != nil {
			s.storeError(w, err)
			return
		}
		start, seeded, err := seedFromNodeRuns(req.Context, nodeRuns)
		if err != nil {
			s.storeError(w, err)
			return
		}
		if start == "" {
			s.jsonError(w, "run has no failed node to resume from", http.StatusBadRequest)
			return
		}
		req.StartFromNode = start
		req.Context = seeded
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = fmt.Sprintf("rerun:%s:%s", source.ID, uuid.NewString()[:8])
	}
	s.enqueue(w, r, wf, req)
}

// seedFromNodeRuns finds the first failed node and overlays the outputs of
// every node that succeeded before it.
func seedFromNodeRuns(seed json.RawMessage, nodeRuns []storage.NodeRun) (string, json.RawMessage, error) {
	if len(seed) == 0 {
		seed = json.RawMessage(`{}`)
	}
	start := ""
	for _, nr := range nodeRuns {
		switch nr.Status {
		case storage.NodeSucceeded:
			if len(nr.Output) == 0 {
				continue
			}
			out, err := sjson.SetRawBytes(seed, escapeJSONPath(nr.NodeID), nr.Output)
			if err != nil {
				return "", nil, err
			}
			seed = out
		case storage.NodeFailed:
			if start == "" {
				start = nr.NodeID
			}
		}
	}
	return start, seed, nil
}

func escapeJSONPath(id string) string {
	out := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		if id[i] == '.' || id[i] == '*' || id[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, id[i])
	}
	return string(out)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request, userID string) {
	wf, ok := s.ownedWorkflow(w, r, userID)
	if !ok {
		return
	}
	dls, err := s.store.ListDeadLetters(r.Context(), wf.ID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.jsonOK(w, http.StatusOK, map[string]any{"dead_letters": dls})
}

// requeueDeadLetter turns a preserved snapshot back into a queued run and
// removes the dead letter.
func (s *Server) requeueDeadLetter(w http.ResponseWriter, r *http.Request, userID string) {
	wf, ok := s.ownedWorkflow(w, r, userID)
	if !ok {
		return
	}
	dl, err := s.store.GetDeadLetter(r.Context(), r.PathValue("did"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	if dl.WorkflowID != wf.ID {
		s.jsonError(w, "not found", http.StatusNotFound)
		return
	}

	run := storage.Run{
		ID:             uuid.NewString(),
		WorkflowID:     wf.ID,
		Owner:          wf.Owner,
		Status:         storage.RunQueued,
		IdempotencyKey: "deadletter:" + dl.ID,
		Snapshot:       dl.Snapshot,
	}
	created, _, err := s.store.EnqueueRun(r.Context(), run)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if err := s.store.DeleteDeadLetter(r.Context(), dl.ID); err != nil {
		s.log.Warn("dead letter cleanup failed", "dead_letter_id", dl.ID, "error", err)
	}
	if err := s.store.CreateAuditEvent(r.Context(), storage.AuditEvent{
		ID:          uuid.NewString(),
		WorkspaceID: wf.WorkspaceID,
		ActorID:     userID,
		Action:      "dead_letter.requeue",
		EntityType:  "run",
		EntityID:    created.ID,
		Detail:      "requeued from dead letter " + dl.ID,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		s.log.Warn("audit event failed", "dead_letter_id", dl.ID, "error", err)
	}
	s.jsonOK(w, http.StatusAccepted, map[string]any{"run": created})
}

func (s *Server) deleteDeadLetter(w http.ResponseWriter, r *http.Request, userID string) {
	wf, ok := s.ownedWorkflow(w, r, userID)
	if !ok {
		return
	}
	dl, err := s.store.GetDeadLetter(r.Context(), r.PathValue("did"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	if dl.WorkflowID != wf.ID {
		s.jsonError(w, "not found", http.StatusNotFound)
		return
	}
	if err := s.store.DeleteDeadLetter(r.Context(), dl.ID); err != nil {
		s.storeError(w, err)
		return
	}
	s.jsonOK(w, http.StatusOK, map[string]any{"success": true})
}
