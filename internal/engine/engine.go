// Package engine executes one workflow run: graph traversal with parallel
// branches, conditions, loops and delays, per-node retries and timeouts,
// cancellation propagation, and per-attempt node run persistence.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"

	"github.com/user/dsentr"
	"github.com/user/dsentr/internal/graph"
	"github.com/user/dsentr/internal/storage"
	"github.com/user/dsentr/pkg/adapter"
	"github.com/user/dsentr/pkg/expr"
)

const (
	defaultNodeTimeout = 30 * time.Second
	maxDelay           = 15 * time.Minute
)

// TokenSource resolves OAuth credentials for nodes that reference a personal
// token or a workspace connection.
type TokenSource interface {
	EnsureValid(ctx context.Context, tokenID string) (string, error)
	EnsureValidConnection(ctx context.Context, connID string) (string, error)
}

type Engine struct {
	store    storage.Storage
	adapters adapter.Registry
	tokens   TokenSource
	log      dsentr.Logger
	now      func() time.Time
}

func New(store storage.Storage, adapters adapter.Registry, tokens TokenSource, log dsentr.Logger) *Engine {
	if log == nil {
		log = dsentr.NopLogger{}
	}
	return &Engine{store: store, adapters: adapters, tokens: tokens, log: log, now: time.Now}
}

// Execute drives a leased run to a terminal status. The caller owns the run
// status row: it marks the run running before calling and completes it with
// the returned status and reason afterwards. Node runs, egress block events
// and dead letters are persisted here.
func (e *Engine) Execute(ctx context.Context, run storage.Run) (status storage.RunStatus, reason string) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("engine panic", "run_id", run.ID, "panic", r)
			status, reason = storage.RunFailed, "internal_error"
		}
	}()

	g, err := graph.Parse(run.Snapshot)
	if err != nil {
		return storage.RunFailed, "invalid snapshot: " + err.Error()
	}
	for _, id := range g.Unreachable {
		e.log.Warn("ignoring unreachable node", "run_id", run.ID, "node_id", id)
	}

	autoDeadLetter := true
	if wf, err := e.store.GetWorkflow(ctx, run.WorkflowID); err == nil {
		autoDeadLetter = wf.AutoDeadLetter
	}

	x := &exec{
		eng:      e,
		run:      run,
		g:        g,
		merges:   make(map[string]*mergeState),
		attempts: make(map[string]int),
	}

	_, err = x.runFrom(ctx, g.Start(), cloneContext(g.Snapshot.TriggerContext))
	switch {
	case err == nil:
		return storage.RunSucceeded, ""
	case ctx.Err() != nil:
		return storage.RunCanceled, "canceled"
	default:
		reason := err.Error()
		if autoDeadLetter && dsentr.CategoryOf(err) == dsentr.CategoryTransport {
			x.deadLetter(context.WithoutCancel(ctx), reason)
		}
		return storage.RunFailed, reason
	}
}

type exec struct {
	eng *Engine
	run storage.Run
	g   *graph.Graph

	mu       sync.Mutex
	merges   map[string]*mergeState
	attempts map[string]int
}

type mergeState struct {
	need int
	ctxs [][]byte
}

// nextAttempt hands out per-node attempt numbers. Retries and loop iterations
// share the sequence so every node run row is unique.
func (x *exec) nextAttempt(nodeID string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := x.attempts[nodeID]
	x.attempts[nodeID] = n + 1
	return n
}

// arrive parks a branch context at a merge node. The final arrival receives
// the combined context and continues the traversal; earlier branches end.
func (x *exec) arrive(nodeID string, bctx []byte) ([]byte, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	st := x.merges[nodeID]
	if st == nil {
		need := 0
		for _, in := range x.g.Predecessors(nodeID) {
			if in.Kind == graph.EdgeDefault {
				need++
			}
		}
		st = &mergeState{need: need}
		x.merges[nodeID] = st
	}
	st.ctxs = append(st.ctxs, bctx)
	if len(st.ctxs) < st.need {
		return nil, false
	}
	return mergeContexts(st.ctxs), true
}

func (x *exec) runFrom(ctx context.Context, n *graph.Node, bctx []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n == nil {
		return bctx, nil
	}

	if x.g.IsMergePoint(n.ID) {
		merged, last := x.arrive(n.ID, bctx)
		if !last {
			return nil, nil
		}
		bctx = merged
	}

	next := graph.EdgeDefault
	switch n.Kind {
	case graph.KindTrigger, graph.KindMerge:
		attempt := x.nextAttempt(n.ID)
		x.nodeStart(ctx, n.ID, attempt)
		x.nodeFinish(ctx, n.ID, attempt, storage.NodeSucceeded, nil, "")

	case graph.KindAction:
		out, err := x.performAction(ctx, n, bctx)
		if err != nil {
			if ctx.Err() != nil || !n.Action.ContinueOnError {
				return nil, err
			}
			out, _ = json.Marshal(map[string]any{"error": err.Error(), "failed": true})
		}
		bctx = setNodeOutput(bctx, n.ID, out)

	case graph.KindCondition:
		res, err := x.evalCondition(ctx, n, bctx)
		if err != nil {
			return nil, err
		}
		out, _ := json.Marshal(map[string]bool{"result": res})
		bctx = setNodeOutput(bctx, n.ID, out)
		if res {
			next = graph.EdgeTrue
			x.skipBranch(ctx, n.ID, graph.EdgeFalse)
		} else {
			next = graph.EdgeFalse
			x.skipBranch(ctx, n.ID, graph.EdgeTrue)
		}

	case graph.KindLoop:
		var err error
		bctx, err = x.runLoop(ctx, n, bctx)
		if err != nil {
			return nil, err
		}
		next = graph.EdgeLoopExit

	case graph.KindDelay:
		if err := x.runDelay(ctx, n); err != nil {
			return nil, err
		}
	}

	succ := x.g.Successors(n.ID, next)
	switch len(succ) {
	case 0:
		return bctx, nil
	case 1:
		return x.runFrom(ctx, succ[0], bctx)
	}

	// Parallel fan-out: each branch gets its own copy of the context; the
	// first failure cancels the siblings.
	eg, gctx := errgroup.WithContext(ctx)
	results := make([][]byte, len(succ))
	for i, s := range succ {
		i, s := i, s
		branch := cloneContext(bctx)
		eg.Go(func() error {
			out, err := x.runFrom(gctx, s, branch)
			results[i] = out
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	final := bctx
	for _, r := range results {
		if r != nil {
			final = r
		}
	}
	return final, nil
}

func (x *exec) performAction(ctx context.Context, n *graph.Node, bctx []byte) (json.RawMessage, error) {
	act := n.Action
	ad, err := x.eng.adapters.Lookup(act.Type)
	if err != nil {
		attempt := x.nextAttempt(n.ID)
		x.nodeStart(ctx, n.ID, attempt)
		x.nodeFinish(ctx, n.ID, attempt, storage.NodeFailed, nil, err.Error())
		return nil, err
	}

	req := adapter.Request{
		Action:    act,
		Context:   bctx,
		Allowlist: x.g.Snapshot.EgressAllowlist,
		ReportEgressBlock: func(host string) {
			x.recordEgressBlock(ctx, n.ID, host)
		},
		AccessToken: x.tokenResolver(act),
	}

	timeout := defaultNodeTimeout
	if act.TimeoutMs > 0 {
		timeout = time.Duration(act.TimeoutMs) * time.Millisecond
	}
	maxAttempts := act.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for k := 0; k < maxAttempts; k++ {
		attempt := x.nextAttempt(n.ID)
		x.nodeStart(ctx, n.ID, attempt)

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err := ad.Perform(attemptCtx, req)
		cancel()
		if err == nil {
			x.nodeFinish(ctx, n.ID, attempt, storage.NodeSucceeded, res.Output, "")
			return res.Output, nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = dsentr.Categorize(dsentr.CategoryTransport,
				fmt.Errorf("node %s timed out after %s", n.ID, timeout))
		}
		x.nodeFinish(ctx, n.ID, attempt, storage.NodeFailed, nil, err.Error())
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !dsentr.IsRetryable(err) || k+1 >= maxAttempts {
			break
		}
		if err := sleep(ctx, backoffFor(act.Retry, k)); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (x *exec) evalCondition(ctx context.Context, n *graph.Node, bctx []byte) (bool, error) {
	attempt := x.nextAttempt(n.ID)
	x.nodeStart(ctx, n.ID, attempt)
	res, err := expr.Eval(n.Condition.Params.Expression, bctx)
	if err != nil {
		err = dsentr.Categorize(dsentr.CategoryValidation,
			fmt.Errorf("condition %s: %w", n.ID, err))
		x.nodeFinish(ctx, n.ID, attempt, storage.NodeFailed, nil, err.Error())
		return false, err
	}
	out, _ := json.Marshal(map[string]bool{"result": res})
	x.nodeFinish(ctx, n.ID, attempt, storage.NodeSucceeded, out, "")
	return res, nil
}

func (x *exec) runLoop(ctx context.Context, n *graph.Node, bctx []byte) ([]byte, error) {
	attempt := x.nextAttempt(n.ID)
	x.nodeStart(ctx, n.ID, attempt)

	items := gjson.GetBytes(bctx, itemsPath(n.Loop.Params.Items))
	if !items.IsArray() {
		err := dsentr.Categorize(dsentr.CategoryValidation,
			fmt.Errorf("loop %s: items %q did not resolve to an array", n.ID, n.Loop.Params.Items))
		x.nodeFinish(ctx, n.ID, attempt, storage.NodeFailed, nil, err.Error())
		return nil, err
	}
	arr := items.Array()
	total := len(arr)

	bodies := x.g.Successors(n.ID, graph.EdgeLoopBody)
	conc := n.Loop.Params.Concurrency
	if conc < 1 {
		conc = 1
	}

	results := make([][]byte, total)
	var failed atomic.Int64
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(conc)
	for i, item := range arr {
		i, raw := i, item.Raw
		eg.Go(func() error {
			iterCtx, err := overlayLoop(cloneContext(bctx), raw, i, total)
			if err != nil {
				return err
			}
			out, err := x.runFrom(gctx, bodies[0], iterCtx)
			if err != nil {
				if n.Loop.Params.ContinueOnError && gctx.Err() == nil {
					failed.Add(1)
					return nil
				}
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		x.nodeFinish(ctx, n.ID, attempt, storage.NodeFailed, nil, err.Error())
		return nil, err
	}

	merged := bctx
	if total > 0 {
		merged = mergeContexts(append([][]byte{bctx}, results...))
		// The iteration-scoped loop variable must not outlive the loop.
		merged, _ = sjson.DeleteBytes(merged, "loop")
	}
	out, _ := json.Marshal(map[string]int64{"iterations": int64(total), "failed": failed.Load()})
	x.nodeFinish(ctx, n.ID, attempt, storage.NodeSucceeded, out, "")
	return setNodeOutput(merged, n.ID, out), nil
}

func (x *exec) runDelay(ctx context.Context, n *graph.Node) error {
	attempt := x.nextAttempt(n.ID)
	x.nodeStart(ctx, n.ID, attempt)
	d := time.Duration(n.Delay.Params.Ms) * time.Millisecond
	if d < 0 {
		d = 0
	}
	if d > maxDelay {
		d = maxDelay
	}
	if err := sleep(ctx, d); err != nil {
		x.nodeFinish(ctx, n.ID, attempt, storage.NodeFailed, nil, "canceled")
		return err
	}
	out, _ := json.Marshal(map[string]int64{"delayed_ms": d.Milliseconds()})
	x.nodeFinish(ctx, n.ID, attempt, storage.NodeSucceeded, out, "")
	return nil
}

// skipBranch records the immediate successors of the untaken condition edge
// so run history shows which path was not followed.
func (x *exec) skipBranch(ctx context.Context, nodeID string, kind graph.EdgeKind) {
	for _, s := range x.g.Successors(nodeID, kind) {
		attempt := x.nextAttempt(s.ID)
		now := x.eng.now()
		nr := storage.NodeRun{
			RunID:      x.run.ID,
			NodeID:     s.ID,
			Attempt:    attempt,
			Status:     storage.NodeSkipped,
			FinishedAt: &now,
			UpdatedAt:  now,
		}
		if err := x.eng.store.CreateNodeRun(context.WithoutCancel(ctx), nr); err != nil {
			x.eng.log.Error("record skipped node", "run_id", x.run.ID, "node_id", s.ID, "error", err)
		}
	}
}

// tokenResolver builds the credential closure for adapters that call
// OAuth-protected APIs. A workspace connection takes precedence over a
// personal token.
func (x *exec) tokenResolver(act *graph.ActionData) func(context.Context) (string, error) {
	if x.eng.tokens == nil {
		return nil
	}
	if connID := adapter.Param(act.Params, "connectionId"); connID != "" {
		return func(ctx context.Context) (string, error) {
			return x.eng.tokens.EnsureValidConnection(ctx, connID)
		}
	}
	if tokenID := adapter.Param(act.Params, "tokenId"); tokenID != "" {
		return func(ctx context.Context) (string, error) {
			return x.eng.tokens.EnsureValid(ctx, tokenID)
		}
	}
	return nil
}

func (x *exec) nodeStart(ctx context.Context, nodeID string, attempt int) {
	now := x.eng.now()
	nr := storage.NodeRun{
		RunID:     x.run.ID,
		NodeID:    nodeID,
		Attempt:   attempt,
		Status:    storage.NodeRunning,
		StartedAt: &now,
		UpdatedAt: now,
	}
	if err := x.eng.store.CreateNodeRun(context.WithoutCancel(ctx), nr); err != nil {
		x.eng.log.Error("record node start", "run_id", x.run.ID, "node_id", nodeID, "error", err)
	}
}

func (x *exec) nodeFinish(ctx context.Context, nodeID string, attempt int, status storage.NodeRunStatus, output json.RawMessage, errMsg string) {
	now := x.eng.now()
	nr := storage.NodeRun{
		RunID:      x.run.ID,
		NodeID:     nodeID,
		Attempt:    attempt,
		Status:     status,
		FinishedAt: &now,
		Output:     output,
		Error:      errMsg,
		UpdatedAt:  now,
	}
	if err := x.eng.store.UpdateNodeRun(context.WithoutCancel(ctx), nr); err != nil {
		x.eng.log.Error("record node finish", "run_id", x.run.ID, "node_id", nodeID, "error", err)
	}
}

func (x *exec) recordEgressBlock(ctx context.Context, nodeID, host string) {
	ev := storage.EgressBlockEvent{
		ID:         uuid.NewString(),
		WorkflowID: x.run.WorkflowID,
		RunID:      x.run.ID,
		NodeID:     nodeID,
		Host:       host,
		CreatedAt:  x.eng.now(),
	}
	if err := x.eng.store.CreateEgressBlockEvent(context.WithoutCancel(ctx), ev); err != nil {
		x.eng.log.Error("record egress block", "run_id", x.run.ID, "host", host, "error", err)
	}
}

// deadLetter preserves a failed run's snapshot for requeue. The id is derived
// from the run id so a repeated promotion is a no-op.
func (x *exec) deadLetter(ctx context.Context, reason string) {
	dl := storage.DeadLetter{
		ID:          x.run.ID + ":dead",
		WorkflowID:  x.run.WorkflowID,
		Owner:       x.run.Owner,
		SourceRunID: x.run.ID,
		Reason:      reason,
		Snapshot:    x.run.Snapshot,
		CreatedAt:   x.eng.now(),
	}
	if err := x.eng.store.CreateDeadLetter(ctx, dl); err != nil && !errors.Is(err, storage.ErrConflict) {
		x.eng.log.Error("dead letter insert failed", "run_id", x.run.ID, "error", err)
	}
}

func itemsPath(items string) string {
	p := strings.TrimSpace(items)
	p = strings.TrimPrefix(p, "{{")
	p = strings.TrimSuffix(p, "}}")
	return strings.TrimSpace(p)
}

func overlayLoop(bctx []byte, itemRaw string, index, total int) ([]byte, error) {
	obj := fmt.Sprintf(`{"item":%s,"index":%d,"total":%d}`, itemRaw, index, total)
	out, err := sjson.SetRawBytes(bctx, "loop", []byte(obj))
	if err != nil {
		return nil, fmt.Errorf("overlay loop context: %w", err)
	}
	return out, nil
}

func backoffFor(p graph.RetryPolicy, attempt int) time.Duration {
	if p.BackoffMs <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	ms := float64(p.BackoffMs)
	for i := 0; i < attempt; i++ {
		ms *= mult
	}
	if p.MaxBackoffMs > 0 && ms > float64(p.MaxBackoffMs) {
		ms = float64(p.MaxBackoffMs)
	}
	return time.Duration(ms) * time.Millisecond
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
