// Package workerpool runs fire-and-forget work, such as heartbeat sends,
// off the agent tick.
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/gemforge/terminal-agent/internal/logging"
)

var log = logging.L("workerpool")

// Task is a unit of work submitted to the pool.
type Task func()

type namedTask struct {
	name string
	run  Task
}

// Pool is a bounded goroutine pool with a fixed-size task queue.
type Pool struct {
	maxWorkers int
	queue      chan namedTask
	wg         sync.WaitGroup
	accepting  atomic.Bool
	stopOnce   sync.Once
	closeOnce  sync.Once
	stopChan   chan struct{}

	pending  atomic.Int64
	rejected atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a pool with maxWorkers goroutines and a task queue of queueSize.
func New(maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	p := &Pool{
		maxWorkers: maxWorkers,
		queue:      make(chan namedTask, queueSize),
		stopChan:   make(chan struct{}),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.accepting.Store(true)

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	log.Debug("worker pool started", "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Submit enqueues a task. Returns false if the pool is stopped or the queue
// is full; the task is then dropped.
func (p *Pool) Submit(name string, task Task) bool {
	if !p.accepting.Load() {
		p.rejected.Add(1)
		return false
	}

	// wg.Add before enqueue so Drain cannot miss the task.
	p.wg.Add(1)
	p.pending.Add(1)
	select {
	case p.queue <- namedTask{name: name, run: task}:
		return true
	default:
		p.wg.Done()
		p.pending.Add(-1)
		p.rejected.Add(1)
		log.Warn("worker pool queue full, task dropped", "task", name)
		return false
	}
}

// Context is cancelled once Drain returns. Tasks use it to bound their
// network calls to the pool's lifetime.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Pending reports queued plus running tasks.
func (p *Pool) Pending() int {
	return int(p.pending.Load())
}

// Rejected reports how many submissions were dropped.
func (p *Pool) Rejected() int {
	return int(p.rejected.Load())
}

// StopAccepting prevents new tasks from being submitted.
func (p *Pool) StopAccepting() {
	p.accepting.Store(false)
}

// Drain waits for queued and running tasks until ctx expires, then closes
// the queue so workers exit. It implies StopAccepting.
func (p *Pool) Drain(ctx context.Context) {
	p.StopAccepting()
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool drain timed out", "pending", p.Pending())
	}

	p.cancel()
	p.closeOnce.Do(func() {
		close(p.queue)
	})
}

func (p *Pool) worker() {
	for {
		select {
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			p.runTask(t)
		case <-p.stopChan:
			for {
				select {
				case t, ok := <-p.queue:
					if !ok {
						return
					}
					p.runTask(t)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) runTask(t namedTask) {
	defer p.wg.Done()
	defer p.pending.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "task", t.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	t.run()
}
