// Package worker runs the controller's five named background tasks
// (reconnect, error-recovery, delete, reset, scan) plus the async-event
// re-arm as cancelable, single-flight goroutines, grounded on the shape of
// the teacher's ConnectionManager monitor goroutine (start/stop channels,
// one goroutine per concern) rather than a generic worker-queue package.
package worker

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// Kind names one of the controller's task slots.
type Kind string

const (
	KindReconnect   Kind = "reconnect"
	KindErrorWork   Kind = "error"
	KindDelete      Kind = "delete"
	KindReset       Kind = "reset"
	KindScan        Kind = "scan"
	KindAsyncEvent  Kind = "async_event"
)

// TaskFunc is the body of one scheduled run of a task. It should return
// promptly when ctx is canceled.
type TaskFunc func(ctx context.Context)

// Pool runs at most one goroutine per Kind at a time; scheduling a Kind
// while its previous run is still in flight waits for that run to finish
// rather than overlapping it, matching the kernel driver's
// single-work-item-per-concern semantics.
type Pool struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running map[Kind]chan struct{}
	name    string
}

// New creates a task pool scoped to a controller, identified by name for
// logging.
func New(name string) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[Kind]chan struct{}),
		name:    name,
	}
}

// Run starts fn as Kind in its own goroutine, which first waits out any
// prior run of the same Kind; Run itself returns without waiting.
func (p *Pool) Run(kind Kind, fn TaskFunc) {
	p.mu.Lock()
	prior := p.running[kind]
	done := make(chan struct{})
	p.running[kind] = done
	p.mu.Unlock()

	go func() {
		if prior != nil {
			<-prior
		}
		defer close(done)

		select {
		case <-p.ctx.Done():
			klog.V(2).Infof("worker(%s): %s skipped, pool stopped", p.name, kind)
			return
		default:
		}

		klog.V(2).Infof("worker(%s): %s starting", p.name, kind)
		fn(p.ctx)
		klog.V(2).Infof("worker(%s): %s finished", p.name, kind)
	}()
}

// RunDelayed schedules fn as Kind after delay, the equivalent of
// queue_delayed_work for the reconnect worker.
func (p *Pool) RunDelayed(kind Kind, delay time.Duration, fn TaskFunc) {
	timer := time.AfterFunc(delay, func() {
		p.Run(kind, fn)
	})
	go func() {
		<-p.ctx.Done()
		timer.Stop()
	}()
}

// Wait blocks until the most recently scheduled run of kind has completed,
// mirroring flush_work.
func (p *Pool) Wait(kind Kind) {
	p.mu.Lock()
	done := p.running[kind]
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Stop cancels every in-flight and future task in the pool.
func (p *Pool) Stop() {
	p.cancel()
}
