package membuf

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ThreadContext is a worker goroutine's private allocator state: a batch
// handle over the shared free-pid list, so hot NewPage/ReclaimPage loops
// touch the partitioned queue once per batch instead of once per pid.
// One per worker, never shared.
type ThreadContext struct {
	pidBatch *BatchHandle[uint64]
}

// NewThreadContext builds a context whose batch handle moves batchSize
// pids per refill/spill (config's batch_size).
func NewThreadContext(m *Manager, batchSize int) *ThreadContext {
	return &ThreadContext{pidBatch: m.pids.NewBatchHandle(batchSize)}
}

// AllocatePID pops from the local batch, refilling from the shared list,
// and mints a fresh slot only when both are drained.
func (t *ThreadContext) AllocatePID(m *Manager) PID {
	if slot, ok := t.pidBatch.Pop(); ok {
		return NewPID(m.Self, slot)
	}
	return m.allocatePID()
}

// FreePID returns a locally-owned pid's slot to the local batch.
func (t *ThreadContext) FreePID(m *Manager, pid PID) {
	if pid.Owner() == m.Self {
		t.pidBatch.Push(pid.Slot())
	}
}

// Close spills any cached pids back to the shared list.
func (t *ThreadContext) Close() { t.pidBatch.Flush() }

// WorkerPool owns the fixed set of worker goroutines (the `worker` config
// count), each with its own ThreadContext.
type WorkerPool struct {
	workers []*Worker
}

// NewWorkerPool builds n workers over mgr, all sharing the remote client
// and SSD reader but each carrying a private ThreadContext.
func NewWorkerPool(mgr *Manager, remote RemoteClient, ssd SSDReader, n, batchSize int, backoffEnabled bool) *WorkerPool {
	if n < 1 {
		n = 1
	}
	p := &WorkerPool{}
	for i := 0; i < n; i++ {
		w := NewWorker(mgr, remote, ssd, backoffEnabled)
		w.tctx = NewThreadContext(mgr, batchSize)
		p.workers = append(p.workers, w)
	}
	return p
}

// Size returns the worker count.
func (p *WorkerPool) Size() int { return len(p.workers) }

// Worker returns worker i, for callers that partition their own load.
func (p *WorkerPool) Worker(i int) *Worker { return p.workers[i] }

// Run invokes fn once per worker, each on its own goroutine, and waits
// for all of them; the first error cancels the group's context. Thread
// contexts are flushed as each goroutine exits.
func (p *WorkerPool) Run(ctx context.Context, fn func(ctx context.Context, w *Worker) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			defer w.tctx.Close()
			return fn(ctx, w)
		})
	}
	return g.Wait()
}
