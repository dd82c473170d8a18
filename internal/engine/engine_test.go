package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/user/dsentr"
	"github.com/user/dsentr/internal/graph"
	"github.com/user/dsentr/internal/storage"
	sqlstore "github.com/user/dsentr/internal/storage/sql"
	"github.com/user/dsentr/pkg/adapter"
)

var dbSeq atomic.Int64

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:enginetest%d?mode=memory&cache=shared&_pragma=foreign_keys(1)", dbSeq.Add(1))
	s, err := sqlstore.New("sqlite", dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type stubAdapter struct {
	mu       sync.Mutex
	contexts [][]byte
	fn       func(req adapter.Request) (adapter.Result, error)
}

func (s *stubAdapter) Perform(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	s.mu.Lock()
	s.contexts = append(s.contexts, append([]byte(nil), req.Context...))
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(req)
	}
	return adapter.Result{Output: json.RawMessage(`{"ok":true}`)}, nil
}

func (s *stubAdapter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contexts)
}

func seedRun(t *testing.T, s *sqlstore.Store, graphJSON, triggerCtx string, autoDeadLetter bool) storage.Run {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	wf := storage.Workflow{
		ID:               "wf1",
		Owner:            "user-1",
		Name:             "wf",
		Graph:            json.RawMessage(graphJSON),
		ConcurrencyLimit: 1,
		AutoDeadLetter:   autoDeadLetter,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("seed workflow: %v", err)
	}
	var trigger json.RawMessage
	if triggerCtx != "" {
		trigger = json.RawMessage(triggerCtx)
	}
	snapshot, err := graph.Freeze(wf.Graph, trigger, nil, "")
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	run := storage.Run{
		ID:         "run-1",
		WorkflowID: wf.ID,
		Owner:      wf.Owner,
		Status:     storage.RunQueued,
		Snapshot:   snapshot,
	}
	created, _, err := s.EnqueueRun(ctx, run)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return created
}

func nodeRunsFor(t *testing.T, s *sqlstore.Store, runID, nodeID string) []storage.NodeRun {
	t.Helper()
	all, err := s.ListNodeRuns(context.Background(), runID)
	if err != nil {
		t.Fatalf("list node runs: %v", err)
	}
	var out []storage.NodeRun
	for _, nr := range all {
		if nr.NodeID == nodeID {
			out = append(out, nr)
		}
	}
	return out
}

func TestExecute_LinearSuccess(t *testing.T) {
	s := newTestStore(t)
	stub := &stubAdapter{}
	eng := New(s, adapter.Registry{"http": stub}, nil, dsentr.NopLogger{})

	run := seedRun(t, s, `{
		"nodes": [
			{"id": "t1", "kind": "trigger", "data": {"type": "manual"}},
			{"id": "a1", "kind": "action", "data": {"type": "http"}}
		],
		"edges": [{"from": "t1", "to": "a1", "kind": "default"}]
	}`, `{"name":"Alice"}`, true)

	status, reason := eng.Execute(context.Background(), run)
	if status != storage.RunSucceeded || reason != "" {
		t.Fatalf("status %s reason %q", status, reason)
	}
	if stub.calls() != 1 {
		t.Fatalf("adapter calls: %d", stub.calls())
	}
	if gjson.GetBytes(stub.contexts[0], "name").String() != "Alice" {
		t.Fatalf("trigger context not seeded: %s", stub.contexts[0])
	}
	if nrs := nodeRunsFor(t, s, run.ID, "a1"); len(nrs) != 1 || nrs[0].Status != storage.NodeSucceeded {
		t.Fatalf("action node runs: %+v", nrs)
	}
	if nrs := nodeRunsFor(t, s, run.ID, "t1"); len(nrs) != 1 || nrs[0].Status != storage.NodeSucceeded {
		t.Fatalf("trigger node runs: %+v", nrs)
	}
}

func TestExecute_RetryThenSucceed(t *testing.T) {
	s := newTestStore(t)
	var attempts atomic.Int64
	stub := &stubAdapter{fn: func(adapter.Request) (adapter.Result, error) {
		if attempts.Add(1) == 1 {
			return adapter.Result{}, dsentr.Categorize(dsentr.CategoryTransport, errors.New("upstream 503"))
		}
		return adapter.Result{Output: json.RawMessage(`{"ok":true}`)}, nil
	}}
	eng := New(s, adapter.Registry{"http": stub}, nil, dsentr.NopLogger{})

	run := seedRun(t, s, `{
		"nodes": [
			{"id": "t1", "kind": "trigger", "data": {"type": "manual"}},
			{"id": "a1", "kind": "action", "data": {"type": "http", "retry": {"maxAttempts": 2, "backoffMs": 10}}}
		],
		"edges": [{"from": "t1", "to": "a1", "kind": "default"}]
	}`, "", true)

	status, _ := eng.Execute(context.Background(), run)
	if status != storage.RunSucceeded {
		t.Fatalf("status: %s", status)
	}
	nrs := nodeRunsFor(t, s, run.ID, "a1")
	if len(nrs) != 2 {
		t.Fatalf("want two attempts, got %d", len(nrs))
	}
	if nrs[0].Status != storage.NodeFailed || nrs[1].Status != storage.NodeSucceeded {
		t.Fatalf("attempt statuses: %s, %s", nrs[0].Status, nrs[1].Status)
	}
}

func TestExecute_ValidationErrorNotRetried(t *testing.T) {
	s := newTestStore(t)
	stub := &stubAdapter{fn: func(adapter.Request) (adapter.Result, error) {
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryValidation, errors.New("bad params"))
	}}
	eng := New(s, adapter.Registry{"http": stub}, nil, dsentr.NopLogger{})

	run := seedRun(t, s, `{
		"nodes": [
			{"id": "t1", "kind": "trigger", "data": {"type": "manual"}},
			{"id": "a1", "kind": "action", "data": {"type": "http", "retry": {"maxAttempts": 3, "backoffMs": 10}}}
		],
		"edges": [{"from": "t1", "to": "a1", "kind": "default"}]
	}`, "", false)

	status, reason := eng.Execute(context.Background(), run)
	if status != storage.RunFailed {
		t.Fatalf("status: %s", status)
	}
	if reason == "" {
		t.Fatalf("missing failure reason")
	}
	if stub.calls() != 1 {
		t.Fatalf("validation error was retried: %d calls", stub.calls())
	}
}

func TestExecute_ConditionBranching(t *testing.T) {
	s := newTestStore(t)
	taken := &stubAdapter{}
	notTaken := &stubAdapter{}
	eng := New(s, adapter.Registry{"yes": taken, "no": notTaken}, nil, dsentr.NopLogger{})

	run := seedRun(t, s, `{
		"nodes": [
			{"id": "t1", "kind": "trigger", "data": {"type": "manual"}},
			{"id": "c1", "kind": "condition", "data": {"params": {"expression": "status == \"active\""}}},
			{"id": "a1", "kind": "action", "data": {"type": "yes"}},
			{"id": "a2", "kind": "action", "data": {"type": "no"}}
		],
		"edges": [
			{"from": "t1", "to": "c1", "kind": "default"},
			{"from": "c1", "to": "a1", "kind": "true"},
			{"from": "c1", "to": "a2", "kind": "false"}
		]
	}`, `{"status":"active"}`, true)

	status, _ := eng.Execute(context.Background(), run)
	if status != storage.RunSucceeded {
		t.Fatalf("status: %s", status)
	}
	if taken.calls() != 1 || notTaken.calls() != 0 {
		t.Fatalf("branch calls: taken=%d notTaken=%d", taken.calls(), notTaken.calls())
	}
	if nrs := nodeRunsFor(t, s, run.ID, "a2"); len(nrs) != 1 || nrs[0].Status != storage.NodeSkipped {
		t.Fatalf("untaken branch not marked skipped: %+v", nrs)
	}
	if nrs := nodeRunsFor(t, s, run.ID, "c1"); len(nrs) != 1 || !gjson.GetBytes(nrs[0].Output, "result").Bool() {
		t.Fatalf("condition output: %+v", nrs)
	}
}

func TestExecute_ParallelFanoutAndMerge(t *testing.T) {
	s := newTestStore(t)
	a1 := &stubAdapter{fn: func(adapter.Request) (adapter.Result, error) {
		return adapter.Result{Output: json.RawMessage(`{"v":1}`)}, nil
	}}
	a2 := &stubAdapter{fn: func(adapter.Request) (adapter.Result, error) {
		return adapter.Result{Output: json.RawMessage(`{"v":2}`)}, nil
	}}
	after := &stubAdapter{}
	eng := New(s, adapter.Registry{"first": a1, "second": a2, "after": after}, nil, dsentr.NopLogger{})

	run := seedRun(t, s, `{
		"nodes": [
			{"id": "t1", "kind": "trigger", "data": {"type": "manual"}},
			{"id": "a1", "kind": "action", "data": {"type": "first"}},
			{"id": "a2", "kind": "action", "data": {"type": "second"}},
			{"id": "m1", "kind": "merge", "data": {}},
			{"id": "a3", "kind": "action", "data": {"type": "after"}}
		],
		"edges": [
			{"from": "t1", "to": "a1", "kind": "default"},
			{"from": "t1", "to": "a2", "kind": "default"},
			{"from": "a1", "to": "m1", "kind": "default"},
			{"from": "a2", "to": "m1", "kind": "default"},
			{"from": "m1", "to": "a3", "kind": "default"}
		]
	}`, "", true)

	status, _ := eng.Execute(context.Background(), run)
	if status != storage.RunSucceeded {
		t.Fatalf("status: %s", status)
	}
	if after.calls() != 1 {
		t.Fatalf("post-merge node calls: %d", after.calls())
	}
	merged := after.contexts[0]
	if gjson.GetBytes(merged, "a1.v").Int() != 1 || gjson.GetBytes(merged, "a2.v").Int() != 2 {
		t.Fatalf("merged context missing branch outputs: %s", merged)
	}
}

func TestExecute_Loop(t *testing.T) {
	s := newTestStore(t)
	var seen []string
	var mu sync.Mutex
	body := &stubAdapter{fn: func(req adapter.Request) (adapter.Result, error) {
		mu.Lock()
		seen = append(seen, gjson.GetBytes(req.Context, "loop.item").String())
		mu.Unlock()
		return adapter.Result{Output: json.RawMessage(`{"ok":true}`)}, nil
	}}
	eng := New(s, adapter.Registry{"body": body}, nil, dsentr.NopLogger{})

	run := seedRun(t, s, `{
		"nodes": [
			{"id": "t1", "kind": "trigger", "data": {"type": "manual"}},
			{"id": "l1", "kind": "loop", "data": {"params": {"items": "{{ items }}"}}},
			{"id": "b1", "kind": "action", "data": {"type": "body"}},
			{"id": "done", "kind": "action", "data": {"type": "body"}}
		],
		"edges": [
			{"from": "t1", "to": "l1", "kind": "default"},
			{"from": "l1", "to": "b1", "kind": "loop_body"},
			{"from": "l1", "to": "done", "kind": "loop_exit"}
		]
	}`, `{"items":["a","b","c"]}`, true)

	status, _ := eng.Execute(context.Background(), run)
	if status != storage.RunSucceeded {
		t.Fatalf("status: %s", status)
	}
	// 3 body iterations plus the loop_exit node share the stub.
	if len(seen) != 4 {
		t.Fatalf("calls: %v", seen)
	}
	counts := map[string]int{}
	for _, item := range seen {
		counts[item]++
	}
	if counts["a"] != 1 || counts["b"] != 1 || counts["c"] != 1 {
		t.Fatalf("loop items seen: %v", counts)
	}
	nrs := nodeRunsFor(t, s, run.ID, "l1")
	if len(nrs) != 1 || gjson.GetBytes(nrs[0].Output, "iterations").Int() != 3 {
		t.Fatalf("loop output: %+v", nrs)
	}
	// The exit node runs after the loop with the loop variable cleared.
	exitCtx := seen[len(seen)-1]
	if exitCtx != "" {
		t.Fatalf("loop variable leaked past loop_exit: %q", exitCtx)
	}
}

func TestExecute_LoopEmptyItems(t *testing.T) {
	s := newTestStore(t)
	body := &stubAdapter{}
	exit := &stubAdapter{}
	eng := New(s, adapter.Registry{"body": body, "exit": exit}, nil, dsentr.NopLogger{})

	run := seedRun(t, s, `{
		"nodes": [
			{"id": "t1", "kind": "trigger", "data": {"type": "manual"}},
			{"id": "l1", "kind": "loop", "data": {"params": {"items": "items"}}},
			{"id": "b1", "kind": "action", "data": {"type": "body"}},
			{"id": "done", "kind": "action", "data": {"type": "exit"}}
		],
		"edges": [
			{"from": "t1", "to": "l1", "kind": "default"},
			{"from": "l1", "to": "b1", "kind": "loop_body"},
			{"from": "l1", "to": "done", "kind": "loop_exit"}
		]
	}`, `{"items":[]}`, true)

	status, _ := eng.Execute(context.Background(), run)
	if status != storage.RunSucceeded {
		t.Fatalf("status: %s", status)
	}
	if body.calls() != 0 {
		t.Fatalf("empty loop ran %d iterations", body.calls())
	}
	if exit.calls() != 1 {
		t.Fatalf("loop_exit not followed")
	}
}

func TestExecute_ContinueOnError(t *testing.T) {
	s := newTestStore(t)
	failing := &stubAdapter{fn: func(adapter.Request) (adapter.Result, error) {
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryValidation, errors.New("boom"))
	}}
	after := &stubAdapter{}
	eng := New(s, adapter.Registry{"flaky": failing, "after": after}, nil, dsentr.NopLogger{})

	run := seedRun(t, s, `{
		"nodes": [
			{"id": "t1", "kind": "trigger", "data": {"type": "manual"}},
			{"id": "a1", "kind": "action", "data": {"type": "flaky", "params": {"continueOnError": true}}},
			{"id": "a2", "kind": "action", "data": {"type": "after"}}
		],
		"edges": [
			{"from": "t1", "to": "a1", "kind": "default"},
			{"from": "a1", "to": "a2", "kind": "default"}
		]
	}`, "", true)

	status, _ := eng.Execute(context.Background(), run)
	if status != storage.RunSucceeded {
		t.Fatalf("status: %s", status)
	}
	if after.calls() != 1 {
		t.Fatalf("downstream node did not run")
	}
	ctx := after.contexts[0]
	if !gjson.GetBytes(ctx, "a1.failed").Bool() {
		t.Fatalf("failed node output missing: %s", ctx)
	}
}

func TestExecute_DelayAndCancel(t *testing.T) {
	s := newTestStore(t)
	after := &stubAdapter{}
	eng := New(s, adapter.Registry{"after": after}, nil, dsentr.NopLogger{})

	graphJSON := `{
		"nodes": [
			{"id": "t1", "kind": "trigger", "data": {"type": "manual"}},
			{"id": "d1", "kind": "delay", "data": {"params": {"ms": %d}}},
			{"id": "a1", "kind": "action", "data": {"type": "after"}}
		],
		"edges": [
			{"from": "t1", "to": "d1", "kind": "default"},
			{"from": "d1", "to": "a1", "kind": "default"}
		]
	}`

	run := seedRun(t, s, fmt.Sprintf(graphJSON, 20), "", true)
	status, _ := eng.Execute(context.Background(), run)
	if status != storage.RunSucceeded || after.calls() != 1 {
		t.Fatalf("short delay: %s calls=%d", status, after.calls())
	}

	// A canceled run must stop inside the delay without reaching a1.
	s2 := newTestStore(t)
	after2 := &stubAdapter{}
	eng2 := New(s2, adapter.Registry{"after": after2}, nil, dsentr.NopLogger{})
	run2 := seedRun(t, s2, fmt.Sprintf(graphJSON, 10_000), "", true)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	status2, reason := eng2.Execute(ctx, run2)
	if status2 != storage.RunCanceled || reason != "canceled" {
		t.Fatalf("canceled run: %s %q", status2, reason)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("cancellation did not interrupt the delay")
	}
	if after2.calls() != 0 {
		t.Fatalf("node ran after cancellation")
	}
}

func TestExecute_DeadLetterOnTransportFailure(t *testing.T) {
	s := newTestStore(t)
	stub := &stubAdapter{fn: func(adapter.Request) (adapter.Result, error) {
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryTransport, errors.New("connect refused"))
	}}
	eng := New(s, adapter.Registry{"http": stub}, nil, dsentr.NopLogger{})

	run := seedRun(t, s, `{
		"nodes": [
			{"id": "t1", "kind": "trigger", "data": {"type": "manual"}},
			{"id": "a1", "kind": "action", "data": {"type": "http"}}
		],
		"edges": [{"from": "t1", "to": "a1", "kind": "default"}]
	}`, "", true)

	status, reason := eng.Execute(context.Background(), run)
	if status != storage.RunFailed || reason == "" {
		t.Fatalf("status %s reason %q", status, reason)
	}
	dls, err := s.ListDeadLetters(context.Background(), run.WorkflowID)
	if err != nil || len(dls) != 1 {
		t.Fatalf("dead letters: %d %v", len(dls), err)
	}
	if dls[0].SourceRunID != run.ID || len(dls[0].Snapshot) == 0 {
		t.Fatalf("dead letter contents: %+v", dls[0])
	}
}

func TestExecute_NoDeadLetterWhenDisabled(t *testing.T) {
	s := newTestStore(t)
	stub := &stubAdapter{fn: func(adapter.Request) (adapter.Result, error) {
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryTransport, errors.New("connect refused"))
	}}
	eng := New(s, adapter.Registry{"http": stub}, nil, dsentr.NopLogger{})

	run := seedRun(t, s, `{
		"nodes": [
			{"id": "t1", "kind": "trigger", "data": {"type": "manual"}},
			{"id": "a1", "kind": "action", "data": {"type": "http"}}
		],
		"edges": [{"from": "t1", "to": "a1", "kind": "default"}]
	}`, "", false)

	if status, _ := eng.Execute(context.Background(), run); status != storage.RunFailed {
		t.Fatalf("status: %s", status)
	}
	if dls, _ := s.ListDeadLetters(context.Background(), run.WorkflowID); len(dls) != 0 {
		t.Fatalf("dead letter created with auto_dead_letter off")
	}
}
