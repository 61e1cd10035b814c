// Package workerpool runs request handlers on a bounded set of goroutines.
//
// Admission follows the classic executor rules: start a core worker if fewer
// than Core are running, else queue, else start an extra worker up to Max,
// else reject. Extra workers exit after KeepAlive without work.
package workerpool

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("worker pool saturated")
	ErrStopped   = errors.New("worker pool stopped")
)

type Config struct {
	Core          int
	Max           int
	QueueCapacity int
	KeepAlive     time.Duration
}

// Pool manages a pool of goroutines to execute submitted tasks.
type Pool struct {
	cfg    Config
	log    *zap.SugaredLogger
	onBusy func(busy int)

	mu      sync.Mutex // guards workers, stopped and sends on tasks
	workers int
	stopped bool
	tasks   chan func()

	busy atomic.Int32
	wg   sync.WaitGroup
}

type Option func(*Pool)

// WithBusyObserver is called with the number of running tasks each time it changes.
func WithBusyObserver(fn func(busy int)) Option { return func(p *Pool) { p.onBusy = fn } }

func New(cfg Config, log *zap.SugaredLogger, opts ...Option) *Pool {
	if cfg.Core < 1 {
		cfg.Core = 1
	}
	if cfg.Max < cfg.Core {
		cfg.Max = cfg.Core
	}
	if cfg.QueueCapacity < 0 {
		cfg.QueueCapacity = 0
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = time.Minute
	}
	p := &Pool{
		cfg:    cfg,
		log:    log,
		onBusy: func(int) {},
		tasks:  make(chan func(), cfg.QueueCapacity),
	}
	for _, opt := range opts {
		opt(p)
	}
	log.Infow("worker_pool_started", "core", cfg.Core, "max", cfg.Max, "queue", cfg.QueueCapacity)
	return p
}

// Submit schedules task without blocking.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrStopped
	}
	if p.workers < p.cfg.Core {
		p.spawn(task)
		return nil
	}
	select {
	case p.tasks <- task:
		return nil
	default:
	}
	if p.workers < p.cfg.Max {
		p.spawn(task)
		return nil
	}
	return ErrQueueFull
}

// Stop rejects new tasks, runs the queued ones and waits for every worker.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Infow("worker_pool_stopped")
}

// Workers returns the number of live worker goroutines.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Busy returns the number of tasks currently running.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// QueueLen returns the number of tasks waiting for a worker.
func (p *Pool) QueueLen() int { return len(p.tasks) }

// spawn must be called with mu held.
func (p *Pool) spawn(first func()) {
	p.workers++
	p.wg.Add(1)
	go p.worker(first)
}

func (p *Pool) worker(task func()) {
	defer p.wg.Done()

	idle := time.NewTimer(p.cfg.KeepAlive)
	defer idle.Stop()

	for {
		if task != nil {
			p.run(task)
			task = nil
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(p.cfg.KeepAlive)

		select {
		case t, ok := <-p.tasks:
			if !ok {
				p.retire()
				return
			}
			task = t
		case <-idle.C:
			if p.retireIfExtra() {
				return
			}
		}
	}
}

func (p *Pool) run(task func()) {
	p.onBusy(int(p.busy.Add(1)))
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorw("worker_task_panic", "panic", r)
		}
		p.onBusy(int(p.busy.Add(-1)))
	}()
	task()
}

func (p *Pool) retire() {
	p.mu.Lock()
	p.workers--
	p.mu.Unlock()
}

// retireIfExtra lets an idle worker exit while more than Core are running.
func (p *Pool) retireIfExtra() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers > p.cfg.Core {
		p.workers--
		return true
	}
	return false
}
