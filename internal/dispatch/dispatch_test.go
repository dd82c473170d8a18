package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/dsentr"
	"github.com/user/dsentr/internal/storage"
	sqlstore "github.com/user/dsentr/internal/storage/sql"
)

var dbSeq atomic.Int64

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:dispatchtest%d?mode=memory&cache=shared&_pragma=foreign_keys(1)", dbSeq.Add(1))
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

func seedWorkflow(t *testing.T, s *sqlstore.Store, concurrency int) storage.Workflow {
	t.Helper()
	now := time.Now().UTC()
	wf := storage.Workflow{
		ID:               "wf1",
		Owner:            "user-1",
		Name:             "wf",
		Graph:            json.RawMessage(`{"nodes":[],"edges":[]}`),
		ConcurrencyLimit: concurrency,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("seed workflow: %v", err)
	}
	return wf
}

func seedRun(t *testing.T, s *sqlstore.Store, wf storage.Workflow, id string) storage.Run {
	t.Helper()
	run := storage.Run{
		ID:         id,
		WorkflowID: wf.ID,
		Owner:      wf.Owner,
		Status:     storage.RunQueued,
		Snapshot:   json.RawMessage(`{}`),
	}
	created, _, err := s.EnqueueRun(context.Background(), run)
	if err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
	return created
}

type stubRunner struct {
	mu    sync.Mutex
	order []string
	delay time.Duration
	fn    func(ctx context.Context, run storage.Run) (storage.RunStatus, string)
}

func (r *stubRunner) Execute(ctx context.Context, run storage.Run) (storage.RunStatus, string) {
	if r.delay > 0 {
		select {
		case <-ctx.Done():
			return storage.RunCanceled, "canceled"
		case <-time.After(r.delay):
		}
	}
	if r.fn != nil {
		return r.fn(ctx, run)
	}
	r.mu.Lock()
	r.order = append(r.order, run.ID)
	r.mu.Unlock()
	return storage.RunSucceeded, ""
}

func (r *stubRunner) completed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func newTestPool(s *sqlstore.Store, r Runner, workers, leaseSec int) *Pool {
	p := New(s, r, dsentr.NopLogger{}, workers, 30)
	p.leaseSec = leaseSec
	p.poll = 20 * time.Millisecond
	p.drain = time.Second
	return p
}

func TestPool_ExecutesQueuedRuns(t *testing.T) {
	s := newTestStore(t)
	wf := seedWorkflow(t, s, 5)
	seedRun(t, s, wf, "r1")
	seedRun(t, s, wf, "r2")

	runner := &stubRunner{}
	p := newTestPool(s, runner, 2, 30)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	waitFor(t, 5*time.Second, func() bool {
		r1, err1 := s.GetRun(context.Background(), "r1")
		r2, err2 := s.GetRun(context.Background(), "r2")
		return err1 == nil && err2 == nil &&
			r1.Status == storage.RunSucceeded && r2.Status == storage.RunSucceeded
	})
	cancel()
	<-done

	r1, _ := s.GetRun(context.Background(), "r1")
	if r1.LeaseOwner != "" || r1.FinishedAt == nil {
		t.Fatalf("terminal run keeps lease fields: %+v", r1)
	}
}

func TestPool_ConcurrencyCapAndFIFO(t *testing.T) {
	s := newTestStore(t)
	wf := seedWorkflow(t, s, 1)
	seedRun(t, s, wf, "r1")
	seedRun(t, s, wf, "r2")
	seedRun(t, s, wf, "r3")

	var maxActive atomic.Int64
	runner := &stubRunner{delay: 40 * time.Millisecond}
	runner.fn = func(ctx context.Context, run storage.Run) (storage.RunStatus, string) {
		n, err := s.CountActiveRuns(context.Background(), wf.ID)
		if err == nil && int64(n) > maxActive.Load() {
			maxActive.Store(int64(n))
		}
		runner.mu.Lock()
		runner.order = append(runner.order, run.ID)
		runner.mu.Unlock()
		return storage.RunSucceeded, ""
	}

	p := newTestPool(s, runner, 2, 30)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	waitFor(t, 5*time.Second, func() bool { return len(runner.completed()) == 3 })
	cancel()
	<-done

	if maxActive.Load() > 1 {
		t.Fatalf("concurrency cap violated: %d active", maxActive.Load())
	}
	order := runner.completed()
	if order[0] != "r1" || order[1] != "r2" || order[2] != "r3" {
		t.Fatalf("fifo order violated: %v", order)
	}
}

func TestPool_CancelRequestedStopsRun(t *testing.T) {
	s := newTestStore(t)
	wf := seedWorkflow(t, s, 1)
	seedRun(t, s, wf, "r1")

	started := make(chan struct{})
	var once sync.Once
	runner := &stubRunner{fn: func(ctx context.Context, run storage.Run) (storage.RunStatus, string) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return storage.RunCanceled, "canceled"
	}}

	p := newTestPool(s, runner, 1, 3)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	<-started
	if _, err := s.CancelRun(context.Background(), "r1", wf.Owner); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	waitFor(t, 10*time.Second, func() bool {
		r, err := s.GetRun(context.Background(), "r1")
		return err == nil && r.Status == storage.RunCanceled
	})
	cancel()
	<-done
}

func TestPool_SweeperRecoversOrphan(t *testing.T) {
	s := newTestStore(t)
	wf := seedWorkflow(t, s, 1)
	seedRun(t, s, wf, "r1")

	// worker-A leases with a 1s lease and disappears.
	leased, err := s.LeaseRun(context.Background(), "worker-A", 1)
	if err != nil || leased == nil {
		t.Fatalf("manual lease: %v %v", leased, err)
	}

	runner := &stubRunner{}
	p := newTestPool(s, runner, 1, 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	waitFor(t, 15*time.Second, func() bool {
		r, err := s.GetRun(context.Background(), "r1")
		return err == nil && r.Status == storage.RunSucceeded
	})
	cancel()
	<-done

	r, _ := s.GetRun(context.Background(), "r1")
	if r.RecoveryCount != 1 {
		t.Fatalf("recovery_count: %d", r.RecoveryCount)
	}
}
