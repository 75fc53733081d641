// Package workerpool runs CPU-heavy coder work off the scheduling
// goroutines. Jobs are grouped into rooms; a room collects the errors of
// every job submitted through it.
package workerpool

import (
	"runtime"
	"sync"
)

// Pool is a fixed set of workers draining a shared task queue.
type Pool struct {
	tasks chan task
	done  chan struct{}
	once  sync.Once
}

type task struct {
	run  func() error
	room *Room
}

// Config sizes the pool. Zero values fall back to the number of CPUs and a
// generous buffer.
type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

// New starts the workers immediately.
func New(config Config) *Pool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU()
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 1024
	}
	p := &Pool{
		tasks: make(chan task, config.GlobalBuffer),
		done:  make(chan struct{}),
	}
	for i := 0; i < config.WorkerCount; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for {
		select {
		case t := <-p.tasks:
			err := t.run()
			t.room.mu.Lock()
			if err != nil {
				t.room.errs = append(t.room.errs, err)
			}
			t.room.mu.Unlock()
			t.room.wg.Done()
		case <-p.done:
			return
		}
	}
}

// Close stops the workers. Jobs still queued are dropped.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.done) })
}

// Room groups related jobs so the submitter can wait for all of them.
type Room struct {
	pool *Pool
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

// NewRoom returns an empty room bound to the pool.
func (p *Pool) NewRoom() *Room {
	return &Room{pool: p}
}

// Go schedules one job. It blocks only when the global queue is full.
func (r *Room) Go(job func() error) {
	r.wg.Add(1)
	r.pool.tasks <- task{run: job, room: r}
}

// Wait blocks until every job submitted so far has finished and returns
// their errors.
func (r *Room) Wait() []error {
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	errs := r.errs
	r.errs = nil
	return errs
}
