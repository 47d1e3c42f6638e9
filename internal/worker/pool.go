// Package worker implements a generic, bounded, named goroutine pool used
// by every PAM ingress path that must isolate blocking or CPU-heavy work
// from its reader thread: MAVLink dispatch, Redis pub/sub callbacks, and
// MQTT command handlers.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Stats reports a snapshot of pool activity for the health endpoints.
type Stats struct {
	NamePrefix string `json:"name_prefix"`
	Size       int    `json:"size"`
	Active     int64  `json:"active"`
	Submitted  int64  `json:"submitted"`
	Dropped    int64  `json:"dropped"`
}

// Pool runs up to Size jobs concurrently under a semaphore. Its goroutines
// carry no name (Go has no thread names); WorkerName builds the
// descriptive "{prefix}-{n}" label and Stats reports the prefix.
type Pool struct {
	namePrefix string
	size       int
	sem        *semaphore.Weighted
	wg         sync.WaitGroup

	active    int64
	submitted int64
	dropped   int64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool creates a pool bounded to size concurrent jobs. size <= 0 is
// clamped to 1.
func NewPool(namePrefix string, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		namePrefix: namePrefix,
		size:       size,
		sem:        semaphore.NewWeighted(int64(size)),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Submit runs fn on a pool goroutine once a slot is free, blocking the
// caller until one is. Use SubmitNonBlocking for drop-on-full ingress
// paths.
func (p *Pool) Submit(fn func()) {
	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		return
	}
	atomic.AddInt64(&p.submitted, 1)
	p.wg.Add(1)
	go p.run(fn)
}

// SubmitNonBlocking runs fn if a slot is immediately free, otherwise
// returns false and increments the dropped counter. Used by ingress paths
// that must never stall their reader.
func (p *Pool) SubmitNonBlocking(fn func()) bool {
	if !p.sem.TryAcquire(1) {
		atomic.AddInt64(&p.dropped, 1)
		return false
	}
	atomic.AddInt64(&p.submitted, 1)
	p.wg.Add(1)
	go p.run(fn)
	return true
}

func (p *Pool) run(fn func()) {
	defer p.wg.Done()
	defer p.sem.Release(1)
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)
	fn()
}

// Stats returns a point-in-time snapshot.
func (p *Pool) Stats() Stats {
	return Stats{
		NamePrefix: p.namePrefix,
		Size:       p.size,
		Active:     atomic.LoadInt64(&p.active),
		Submitted:  atomic.LoadInt64(&p.submitted),
		Dropped:    atomic.LoadInt64(&p.dropped),
	}
}

// Stop cancels any pending Acquire calls and waits for in-flight jobs to
// finish.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
}

// WorkerName returns the descriptive name for the n'th worker, e.g.
// "MAVLinkWorker-3".
func (p *Pool) WorkerName(n int) string {
	return fmt.Sprintf("%s-%d", p.namePrefix, n)
}
