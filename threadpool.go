package isolate

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
)

// DefaultWorkerIdleTimeout is how long an idle worker waits for a task
// before exiting.
const DefaultWorkerIdleTimeout = 5 * time.Second

// ThreadPoolConfig configures a ThreadPool.
type ThreadPoolConfig struct {
	Logger *logiface.Logger[logiface.Event]

	// MaxWorkers bounds the number of concurrent workers. Tasks submitted
	// while at the limit wait in a FIFO backlog. Zero means unbounded.
	MaxWorkers int

	// IdleTimeout defaults to DefaultWorkerIdleTimeout.
	IdleTimeout time.Duration
}

// ThreadPool runs tasks on a set of worker goroutines that are started on
// demand, and exit after being idle for a while. Isolates hold a worker
// only while their message handler has work.
type ThreadPool struct {
	logger      *logiface.Logger[logiface.Event]
	done        chan struct{}
	idle        []*poolWorker
	backlog     []func()
	idleTimeout time.Duration
	wg          sync.WaitGroup
	mu          sync.Mutex
	maxWorkers  int
	workers     int
	closed      bool
}

type poolWorker struct {
	tasks chan func()
}

// NewThreadPool creates a pool. The config may be nil.
func NewThreadPool(config *ThreadPoolConfig) *ThreadPool {
	p := &ThreadPool{
		done:        make(chan struct{}),
		idleTimeout: DefaultWorkerIdleTimeout,
	}
	if config != nil {
		p.logger = config.Logger
		if config.MaxWorkers > 0 {
			p.maxWorkers = config.MaxWorkers
		}
		if config.IdleTimeout > 0 {
			p.idleTimeout = config.IdleTimeout
		}
	}
	return p
}

// Run schedules task, returning false if the pool has been shut down.
func (p *ThreadPool) Run(task func()) bool {
	if task == nil {
		panic("isolate: nil task")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}

	if n := len(p.idle); n != 0 {
		w := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		w.tasks <- task
		return true
	}

	if p.maxWorkers != 0 && p.workers >= p.maxWorkers {
		p.backlog = append(p.backlog, task)
		return true
	}

	p.workers++
	p.wg.Add(1)
	go p.work(&poolWorker{tasks: make(chan func(), 1)}, task)
	return true
}

// Workers returns the number of started workers, and how many of them are
// idle.
func (p *ThreadPool) Workers() (total, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers, len(p.idle)
}

// Shutdown stops accepting tasks and waits for the workers to exit. Tasks
// already accepted, including any in the backlog, are run first.
func (p *ThreadPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ThreadPool) work(w *poolWorker, task func()) {
	defer p.wg.Done()
	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for task != nil {
		p.execute(task)
		task = p.next(w, timer)
	}
}

// next returns the next task for w, or nil if it should exit.
func (p *ThreadPool) next(w *poolWorker, timer *time.Timer) func() {
	p.mu.Lock()
	if len(p.backlog) != 0 {
		task := p.backlog[0]
		p.backlog[0] = nil
		p.backlog = p.backlog[1:]
		p.mu.Unlock()
		return task
	}
	if p.closed {
		p.workers--
		p.mu.Unlock()
		return nil
	}
	p.idle = append(p.idle, w)
	p.mu.Unlock()

	timer.Reset(p.idleTimeout)

	select {
	case task := <-w.tasks:
		return task
	case <-timer.C:
	case <-p.done:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, v := range p.idle {
		if v == w {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			p.workers--
			return nil
		}
	}
	// already handed a task
	return <-w.tasks
}

func (p *ThreadPool) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Crit().
				Str(`panic`, fmt.Sprint(r)).
				Str(`stack`, string(debug.Stack())).
				Log(`isolate: thread pool task panicked`)
		}
	}()
	task()
}
