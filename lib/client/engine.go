// Package client solves powgate challenges on behalf of Go callers.
//
// A Coordinator fetches challenges from the gate and solves them with a
// Solver, sharing one in-flight solve between concurrent callers. Transport
// wires a Coordinator into an http.Client so listing requests carry a
// solution without the caller doing anything.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/TecharoHQ/powgate/lib/pow"
	"golang.org/x/sync/errgroup"
)

const (
	// progressEvery is how many attempts pass between progress reports.
	progressEvery = 1000

	// yieldEvery is how many attempts pass between scheduler yields and
	// context checks.
	yieldEvery = 100

	// DefaultBatchSize is how many consecutive nonces a parallel worker
	// claims at once.
	DefaultBatchSize = 4096
)

// ErrWorkerFailed is returned by ParallelEngine when a worker dies. Solver
// recovers from it by switching engines; it never reaches Coordinator
// callers.
var ErrWorkerFailed = errors.New("client: solver worker failed")

// Progress receives the approximate number of attempts made so far.
type Progress func(attempts uint64)

// ComputeEngine finds the smallest nonce n such that
// sha256(token + ":" + n) has at least d leading zero bits.
type ComputeEngine interface {
	Search(ctx context.Context, token string, d pow.Difficulty, progress Progress) (uint64, error)
}

type checkFunc func(token string, nonce uint64, d pow.Difficulty) bool

// ParallelEngine splits the nonce space into batches that worker goroutines
// claim in increasing order. Once any worker finds a solution, batches above
// it are abandoned, and the smallest solution found is returned.
type ParallelEngine struct {
	Workers   int    // defaults to GOMAXPROCS
	BatchSize uint64 // defaults to DefaultBatchSize

	check checkFunc
}

func (e *ParallelEngine) Search(ctx context.Context, token string, d pow.Difficulty, progress Progress) (uint64, error) {
	workers := e.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	batch := e.BatchSize
	if batch == 0 {
		batch = DefaultBatchSize
	}

	check := e.check
	if check == nil {
		check = pow.Satisfies
	}

	report := serialized(progress)

	var (
		next     atomic.Uint64
		best     atomic.Uint64
		attempts atomic.Uint64
	)
	best.Store(math.MaxUint64)

	g, gctx := errgroup.WithContext(ctx)

	for range workers {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrWorkerFailed, r)
				}
			}()

			var local uint64
			for {
				start := (next.Add(1) - 1) * batch
				if start >= best.Load() {
					return nil
				}

				for nonce := start; nonce < start+batch && nonce < best.Load(); nonce++ {
					if local%yieldEvery == 0 {
						if err := gctx.Err(); err != nil {
							return err
						}
					}

					local++
					if local%progressEvery == 0 {
						report(attempts.Add(progressEvery))
					}

					if check(token, nonce, d) {
						lower(&best, nonce)
						break
					}
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	return best.Load(), nil
}

// lower sets v to n if n is smaller than its current value.
func lower(v *atomic.Uint64, n uint64) {
	for {
		cur := v.Load()
		if n >= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

func serialized(p Progress) Progress {
	if p == nil {
		return func(uint64) {}
	}

	var lock sync.Mutex
	return func(n uint64) {
		lock.Lock()
		defer lock.Unlock()
		p(n)
	}
}

// CooperativeEngine searches on the calling goroutine, yielding to the
// scheduler every 100 attempts.
type CooperativeEngine struct {
	check checkFunc
}

func (e CooperativeEngine) Search(ctx context.Context, token string, d pow.Difficulty, progress Progress) (uint64, error) {
	check := e.check
	if check == nil {
		check = pow.Satisfies
	}

	for nonce := uint64(0); ; nonce++ {
		if nonce%yieldEvery == 0 {
			if nonce != 0 {
				runtime.Gosched()
			}
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}

		if progress != nil && nonce != 0 && nonce%progressEvery == 0 {
			progress(nonce)
		}

		if check(token, nonce, d) {
			return nonce, nil
		}
	}
}

// Solver runs the parallel engine when more than one CPU is usable and
// falls back to the cooperative engine when it fails.
type Solver struct {
	Parallel    ComputeEngine // nil means always use Cooperative
	Cooperative ComputeEngine
	Logger      *slog.Logger
}

// NewSolver picks engines for the current process. lg may be nil.
func NewSolver(lg *slog.Logger) *Solver {
	if lg == nil {
		lg = slog.Default()
	}

	result := &Solver{
		Cooperative: CooperativeEngine{},
		Logger:      lg,
	}

	if n := runtime.GOMAXPROCS(0); n > 1 {
		result.Parallel = &ParallelEngine{Workers: n}
	}

	return result
}

func (s *Solver) Search(ctx context.Context, token string, d pow.Difficulty, progress Progress) (uint64, error) {
	lg := s.Logger
	if lg == nil {
		lg = slog.Default()
	}

	if s.Parallel != nil {
		nonce, err := s.Parallel.Search(ctx, token, d, progress)
		switch {
		case err == nil:
			return nonce, nil
		case ctx.Err() != nil:
			return 0, ctx.Err()
		}

		// the parallel attempt has fully stopped by now, start over from 0
		lg.Warn("parallel solver failed, falling back to cooperative solver", "challenge", token, "err", err)
	}

	cooperative := s.Cooperative
	if cooperative == nil {
		cooperative = CooperativeEngine{}
	}

	return cooperative.Search(ctx, token, d, progress)
}
