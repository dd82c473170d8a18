package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/user/dsentr"
	"github.com/user/dsentr/internal/storage"
)

const defaultPollInterval = 500 * time.Millisecond

// Watcher keeps at most one store-polling goroutine alive per run and
// publishes run and node-run transitions to the run's topic.
type Watcher struct {
	hub      *Hub
	store    storage.Storage
	log      dsentr.Logger
	interval time.Duration

	mu     sync.Mutex
	active map[string]struct{}
}

func NewWatcher(hub *Hub, store storage.Storage, log dsentr.Logger) *Watcher {
	if log == nil {
		log = dsentr.NopLogger{}
	}
	return &Watcher{
		hub:      hub,
		store:    store,
		log:      log,
		interval: defaultPollInterval,
		active:   make(map[string]struct{}),
	}
}

func (w *Watcher) Hub() *Hub { return w.hub }

// Ensure starts a watch goroutine for the run unless one is already polling.
// The goroutine stops once the run is terminal and a final event has been
// published, or when nobody subscribes to the topic anymore.
func (w *Watcher) Ensure(runID string) {
	w.mu.Lock()
	if _, ok := w.active[runID]; ok {
		w.mu.Unlock()
		return
	}
	w.active[runID] = struct{}{}
	w.mu.Unlock()

	go func() {
		defer func() {
			w.mu.Lock()
			delete(w.active, runID)
			w.mu.Unlock()
		}()
		w.watch(runID)
	}()
}

func (w *Watcher) watch(runID string) {
	topic := RunTopic(runID)
	var lastStatus storage.RunStatus
	seen := make(map[string]storage.NodeRunStatus)

	t := time.NewTicker(w.interval)
	defer t.Stop()
	for range t.C {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		run, err := w.store.GetRun(ctx, runID)
		if err != nil {
			cancel()
			w.log.Warn("run watch stopped", "run_id", runID, "error", err)
			w.hub.Publish(topic, Event{Event: "error", Data: []byte(`{"error":"run unavailable"}`)})
			return
		}

		if run.Status != lastStatus {
			lastStatus = run.Status
			if data, err := json.Marshal(run); err == nil {
				w.hub.Publish(topic, Event{Event: "run", Data: data})
			}
		}

		nodeRuns, err := w.store.ListNodeRuns(ctx, runID)
		cancel()
		if err == nil {
			for _, nr := range nodeRuns {
				key := fmt.Sprintf("%s/%d", nr.NodeID, nr.Attempt)
				if seen[key] == nr.Status {
					continue
				}
				seen[key] = nr.Status
				if data, err := json.Marshal(nr); err == nil {
					w.hub.Publish(topic, Event{Event: "node_runs", Data: data})
				}
			}
		}

		if run.Status.Terminal() {
			return
		}
		if w.hub.Subscribers(topic) == 0 {
			return
		}
	}
}
