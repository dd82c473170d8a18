// Package dispatch runs the worker pool: it leases queued runs, keeps the
// leases renewed while the engine works, completes runs with their terminal
// status, and sweeps orphans left behind by crashed workers.
package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/user/dsentr"
	"github.com/user/dsentr/internal/metrics"
	"github.com/user/dsentr/internal/storage"
)

const (
	defaultPoll          = 250 * time.Millisecond
	defaultMaxRecoveries = 3
	defaultDrain         = 30 * time.Second
)

// Runner executes one run to a terminal status. Implemented by the engine.
type Runner interface {
	Execute(ctx context.Context, run storage.Run) (storage.RunStatus, string)
}

type Pool struct {
	store  storage.Storage
	runner Runner
	log    dsentr.Logger

	id            string
	workers       int
	leaseSec      int
	poll          time.Duration
	maxRecoveries int
	drain         time.Duration
}

func New(store storage.Storage, runner Runner, log dsentr.Logger, workers, leaseSec int) *Pool {
	if log == nil {
		log = dsentr.NopLogger{}
	}
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	if leaseSec < 5 {
		leaseSec = 30
	}
	return &Pool{
		store:         store,
		runner:        runner,
		log:           log,
		id:            uuid.NewString()[:8],
		workers:       workers,
		leaseSec:      leaseSec,
		poll:          defaultPoll,
		maxRecoveries: defaultMaxRecoveries,
		drain:         defaultDrain,
	}
}

// Run blocks until ctx is canceled and every in-flight run has drained.
// After cancellation no new leases are taken; runs still executing get up to
// the drain deadline, then their contexts are canceled and their leases are
// left to expire so another worker recovers them.
func (p *Pool) Run(ctx context.Context) {
	execCtx, stopExec := context.WithCancel(context.Background())
	go func() {
		<-ctx.Done()
		t := time.NewTimer(p.drain)
		defer t.Stop()
		select {
		case <-t.C:
		case <-execCtx.Done():
		}
		stopExec()
	}()

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.id, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, execCtx, workerID)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.sweeper(ctx)
	}()
	wg.Wait()
	stopExec()
}

func (p *Pool) worker(ctx, execCtx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		run, err := p.store.LeaseRun(ctx, workerID, p.leaseSec)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("lease attempt failed", "worker_id", workerID, "error", err)
			p.idle(ctx)
			continue
		}
		if run == nil {
			p.idle(ctx)
			continue
		}
		metrics.RunsLeased.Inc()
		p.runOne(execCtx, workerID, *run)
	}
}

// idle sleeps one poll interval with ±25% jitter so workers do not hammer
// the store in lockstep.
func (p *Pool) idle(ctx context.Context) {
	d := time.Duration(float64(p.poll) * (0.75 + rand.Float64()*0.5))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (p *Pool) runOne(ctx context.Context, workerID string, run storage.Run) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := p.store.MarkRunRunning(runCtx, run.ID, workerID); err != nil {
		// The row no longer belongs to us; the lease expires and the sweeper
		// requeues it.
		p.log.Warn("mark running failed", "run_id", run.ID, "worker_id", workerID, "error", err)
		return
	}

	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	var lost atomic.Bool
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		p.renew(runCtx, cancel, workerID, run.ID, &lost)
	}()

	started := time.Now()
	status, reason := p.runner.Execute(runCtx, run)
	cancel()
	<-renewDone

	if lost.Load() {
		metrics.LeasesLost.Inc()
		p.log.Warn("lease lost mid-run", "run_id", run.ID, "worker_id", workerID)
		return
	}

	cctx := context.WithoutCancel(ctx)
	if err := p.store.CompleteRun(cctx, run.ID, workerID, status, reason); err != nil {
		p.log.Error("complete run failed", "run_id", run.ID, "status", status, "error", err)
		return
	}
	metrics.RunsCompleted.WithLabelValues(string(status)).Inc()
	metrics.RunDuration.WithLabelValues(string(status)).Observe(time.Since(started).Seconds())
	p.log.Info("run completed", "run_id", run.ID, "status", status, "worker_id", workerID)
}

// renew extends the lease every leaseSec/3. Losing the lease or seeing a
// cancel request stops the engine through the run context.
func (p *Pool) renew(ctx context.Context, cancel context.CancelFunc, workerID, runID string, lost *atomic.Bool) {
	interval := time.Duration(p.leaseSec) * time.Second / 3
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ok, cancelRequested, err := p.store.RenewLease(ctx, runID, workerID, p.leaseSec)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.log.Warn("lease renewal failed", "run_id", runID, "error", err)
				continue
			}
			if !ok {
				lost.Store(true)
				cancel()
				return
			}
			if cancelRequested {
				p.log.Info("cancel requested", "run_id", runID)
				cancel()
				return
			}
		}
	}
}

// sweeper requeues runs whose lease expired without completion.
func (p *Pool) sweeper(ctx context.Context) {
	t := time.NewTicker(time.Duration(p.leaseSec) * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ids, err := p.store.RecoverOrphans(ctx, time.Now().UTC(), p.maxRecoveries)
			if err != nil {
				if ctx.Err() == nil {
					p.log.Error("orphan sweep failed", "error", err)
				}
				continue
			}
			if len(ids) > 0 {
				metrics.OrphansRecovered.Add(float64(len(ids)))
				p.log.Info("orphans recovered", "run_ids", ids)
			}
		}
	}
}
