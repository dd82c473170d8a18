package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/user/dsentr/internal/sse"
)

const sseKeepalive = 10 * time.Second

// streamEvents serves the SSE stream for a single run, selected with the
// ?run= query parameter. A tick goes out every ten seconds so idle proxies
// keep the connection open.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, userID string) {
	wf, ok := s.ownedWorkflow(w, r, userID)
	if !ok {
		return
	}
	runID := r.URL.Query().Get("run")
	if runID == "" {
		s.jsonError(w, "run query parameter is required", http.StatusBadRequest)
		return
	}
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil || run.WorkflowID != wf.ID {
		s.jsonError(w, "not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	topic := sse.RunTopic(runID)
	events, unsub := s.watcher.Hub().Subscribe(topic, 32)
	defer unsub()
	s.watcher.Ensure(runID)

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, "event: tick\ndata: {}\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			if ev.ID != "" {
				fmt.Fprintf(w, "id: %s\n", ev.ID)
			}
			if ev.Event != "" {
				fmt.Fprintf(w, "event: %s\n", ev.Event)
			}
			fmt.Fprintf(w, "data: %s\n\n", ev.Data)
			flusher.Flush()
		}
	}
}
