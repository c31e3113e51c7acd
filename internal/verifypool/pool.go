// Package verifypool runs signature verification concurrently across a
// bounded goroutine group, resolving a promise.Future per request once the
// result is ready. Continuations registered on that future run on the
// worker goroutine that resolves it (or inline in Then, if it has already
// resolved).
package verifypool

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mastran/synchs-omission/internal/logging"
	"github.com/mastran/synchs-omission/internal/promise"
)

var log = logging.Get("verifypool")

// Result is what a verification request resolves to.
type Result struct {
	OK  bool
	Err error
}

// Pool runs verification jobs with bounded concurrency.
type Pool struct {
	sem     chan struct{}
	mu      sync.Mutex
	pending sync.WaitGroup
}

// New creates a pool that runs at most concurrency jobs at once.
func New(concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{sem: make(chan struct{}, concurrency)}
}

// Submit runs verify asynchronously and resolves the returned future with
// its result. The future is resolved on the pool's goroutine, so callers
// that need to re-enter the single-threaded core must take the core's lock
// inside the continuation they register with Then.
func (p *Pool) Submit(verify func() (bool, error)) *promise.Future[Result] {
	fut := promise.New[Result]()
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		p.sem <- struct{}{}
		defer func() { <-p.sem }()

		g, _ := errgroup.WithContext(context.Background())
		var res Result
		g.Go(func() error {
			ok, err := verify()
			res = Result{OK: ok, Err: err}
			return nil
		})
		if err := g.Wait(); err != nil {
			log.Errorf("verify job failed: %v", err)
		}
		fut.Resolve(res)
	}()
	return fut
}

// Wait blocks until every submitted job has resolved. Intended for clean
// shutdown and tests, never called from the core's own event loop.
func (p *Pool) Wait() {
	p.pending.Wait()
}
