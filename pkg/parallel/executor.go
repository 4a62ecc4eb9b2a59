// Package parallel provides the execution strategies used to fan out
// per-simulation work: a serial executor, a bounded goroutine pool, and a
// batched pool for fine-grained tasks.
package parallel

import (
	"context"
	"runtime"

	"github.com/sourcegraph/conc/pool"

	"github.com/marius311/muse-go/pkg/errors"
)

// Task is one unit of index-addressed work. Implementations write results
// into caller-owned slices at index i, so no ordering is lost to scheduling.
type Task func(ctx context.Context, i int) error

// Executor runs a batch of independent tasks. Map blocks until every task
// has returned; the first task error cancels the rest and is reported to
// the caller. Implementations must be safe for reuse across calls.
type Executor interface {
	// Map runs task(ctx, i) for every i in [0, n).
	Map(ctx context.Context, n int, task Task) error

	// RunOnce runs a single closure under the executor's scheduling, so a
	// lone piece of work observes the same cancellation behavior as a batch.
	RunOnce(ctx context.Context, fn func(ctx context.Context) error) error

	// Workers reports how many tasks may run concurrently.
	Workers() int
}

// Serial runs every task in the calling goroutine, in index order. It is the
// default executor: correct everywhere, and fastest when the per-task work is
// tiny or the problem adapter is not safe for concurrent use.
type Serial struct{}

func (Serial) Map(ctx context.Context, n int, task Task) error {
	for i := 0; i < n; i++ {
		if err := errors.CheckContext(ctx, "map"); err != nil {
			return err
		}
		if err := task(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

func (Serial) RunOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := errors.CheckContext(ctx, "run"); err != nil {
		return err
	}
	return fn(ctx)
}

func (Serial) Workers() int { return 1 }

// Pool fans tasks out to a bounded goroutine pool.
type Pool struct {
	workers int
}

// NewPool returns a pool executor running at most workers tasks at once.
// workers <= 0 means one per available CPU.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Pool{workers: workers}
}

func (p *Pool) Map(ctx context.Context, n int, task Task) error {
	if n <= 0 {
		return nil
	}
	wp := pool.New().WithContext(ctx).WithCancelOnError().WithMaxGoroutines(p.workers)
	for i := 0; i < n; i++ {
		wp.Go(func(ctx context.Context) error {
			return task(ctx, i)
		})
	}
	return wp.Wait()
}

func (p *Pool) RunOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	wp := pool.New().WithContext(ctx).WithCancelOnError()
	wp.Go(fn)
	return wp.Wait()
}

func (p *Pool) Workers() int { return p.workers }

// Batched groups indices into contiguous chunks, one pool task per chunk.
// It trades scheduling overhead for slightly coarser cancellation, which pays
// off when individual tasks are much cheaper than a goroutine handoff.
type Batched struct {
	workers   int
	batchSize int
}

// NewBatched returns a batched executor. workers <= 0 means one per available
// CPU; batchSize <= 0 splits the index range evenly across workers.
func NewBatched(workers, batchSize int) *Batched {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Batched{workers: workers, batchSize: batchSize}
}

func (b *Batched) Map(ctx context.Context, n int, task Task) error {
	if n <= 0 {
		return nil
	}
	size := b.batchSize
	if size <= 0 {
		size = (n + b.workers - 1) / b.workers
	}
	if size < 1 {
		size = 1
	}

	wp := pool.New().WithContext(ctx).WithCancelOnError().WithMaxGoroutines(b.workers)
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		wp.Go(func(ctx context.Context) error {
			for i := start; i < end; i++ {
				if err := errors.CheckContext(ctx, "batched map"); err != nil {
					return err
				}
				if err := task(ctx, i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return wp.Wait()
}

func (b *Batched) RunOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	wp := pool.New().WithContext(ctx).WithCancelOnError()
	wp.Go(fn)
	return wp.Wait()
}

func (b *Batched) Workers() int { return b.workers }
