package s3

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gonzalop/remotefs"
)

// pool runs tasks on at most limit goroutines. Tasks report their outcome
// through their own result slot, so a failing task never cancels the
// others.
type pool struct {
	mu     sync.Mutex
	g      errgroup.Group
	closed bool
}

func newPool(limit int) *pool {
	p := &pool{}
	p.g.SetLimit(limit)
	return p
}

// Go schedules fn, blocking while all workers are busy. It returns
// remotefs.ErrPoolClosed after Shutdown.
func (p *pool) Go(fn func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return remotefs.ErrPoolClosed
	}
	p.g.Go(func() error {
		fn()
		return nil
	})
	return nil
}

// Shutdown rejects further tasks and waits for the running ones.
func (p *pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	_ = p.g.Wait()
}
