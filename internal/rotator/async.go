package rotator

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/songzhibin97/proxyrotator/internal/retry"
	"github.com/songzhibin97/proxyrotator/internal/types"
)

// AsyncResult is the outcome of a dispatch run by AsyncRotator.
type AsyncResult struct {
	*Result
	Err error
}

// Request is one dispatch for DispatchAll.
type Request struct {
	Op        retry.Operation
	Selection *types.SelectionContext
	Method    string
}

// AsyncRotator runs dispatches on goroutines with at most workers in flight.
// It shares the Rotator's state, so both can be used side by side.
type AsyncRotator struct {
	*Rotator
	sem     *semaphore.Weighted
	workers int64
}

// NewAsync wraps r. workers <= 0 uses GOMAXPROCS*4.
func NewAsync(r *Rotator, workers int) *AsyncRotator {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0) * 4
	}
	return &AsyncRotator{
		Rotator: r,
		sem:     semaphore.NewWeighted(int64(workers)),
		workers: int64(workers),
	}
}

// Workers returns the concurrency bound.
func (a *AsyncRotator) Workers() int {
	return int(a.workers)
}

// Dispatch waits for a worker slot, then dispatches on the calling goroutine.
func (a *AsyncRotator) Dispatch(ctx context.Context, op retry.Operation, sel *types.SelectionContext, opts ...DispatchOption) (*Result, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer a.sem.Release(1)
	return a.Rotator.Dispatch(ctx, op, sel, opts...)
}

// Go dispatches on a new goroutine. The channel receives exactly one result
// and is then closed.
func (a *AsyncRotator) Go(ctx context.Context, op retry.Operation, sel *types.SelectionContext, opts ...DispatchOption) <-chan AsyncResult {
	out := make(chan AsyncResult, 1)
	go func() {
		defer close(out)
		res, err := a.Dispatch(ctx, op, sel, opts...)
		out <- AsyncResult{Result: res, Err: err}
	}()
	return out
}

// DispatchAll runs every request concurrently, bounded by the worker limit,
// and returns results in request order. A failed request does not cancel
// the others.
func (a *AsyncRotator) DispatchAll(ctx context.Context, reqs []Request) []AsyncResult {
	results := make([]AsyncResult, len(reqs))
	var g errgroup.Group
	for i, req := range reqs {
		g.Go(func() error {
			var opts []DispatchOption
			if req.Method != "" {
				opts = append(opts, WithMethod(req.Method))
			}
			res, err := a.Dispatch(ctx, req.Op, req.Selection, opts...)
			results[i] = AsyncResult{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// FirstSuccess races the requests and returns the first success. The others
// are cancelled once one succeeds. When all fail, the first error in request
// order is returned.
func (a *AsyncRotator) FirstSuccess(ctx context.Context, reqs []Request) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]AsyncResult, len(reqs))
	winner := make(chan *Result, 1)
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			var opts []DispatchOption
			if req.Method != "" {
				opts = append(opts, WithMethod(req.Method))
			}
			res, err := a.Dispatch(gctx, req.Op, req.Selection, opts...)
			results[i] = AsyncResult{Result: res, Err: err}
			if err == nil {
				select {
				case winner <- res:
					cancel()
				default:
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	select {
	case res := <-winner:
		return res, nil
	default:
	}
	for _, r := range results {
		if r.Err != nil {
			return nil, r.Err
		}
	}
	return nil, types.NewPoolEmptyError(a.Pool().Name(), "no requests")
}
