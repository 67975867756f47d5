// Package jobs runs deferred work (route recomputation, live fan-out) off the request path.
package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"ridertrack/internal/metrics"
)

// Task is one unit of background work. Tasks sharing a non-empty Key are
// coalesced while one of them is still waiting in the queue.
type Task struct {
	Kind string
	Key  string
	Run  func(ctx context.Context) error
}

// Pool is a fixed set of workers fed by a buffered channel.
type Pool struct {
	Workers     int
	TaskTimeout time.Duration

	queue   chan Task
	mu      sync.Mutex
	pending map[string]struct{}
	wg      sync.WaitGroup
	stop    chan struct{}
	started bool
}

func NewPool(workers, queueSize int, timeout time.Duration) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Pool{
		Workers:     workers,
		TaskTimeout: timeout,
		queue:       make(chan Task, queueSize),
		pending:     map[string]struct{}{},
		stop:        make(chan struct{}),
	}
}

// Start launches the workers. Calling Start twice is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.Workers; i++ {
		p.wg.Add(1)
		go p.loop()
	}
}

// Submit enqueues t without blocking. It reports false when the task was
// coalesced into an already queued one or dropped because the queue is full.
func (p *Pool) Submit(t Task) bool {
	if t.Key != "" {
		p.mu.Lock()
		if _, ok := p.pending[t.Key]; ok {
			p.mu.Unlock()
			metrics.JobsSubmitted.WithLabelValues(t.Kind, "coalesced").Inc()
			return false
		}
		p.pending[t.Key] = struct{}{}
		p.mu.Unlock()
	}
	select {
	case p.queue <- t:
		metrics.JobsSubmitted.WithLabelValues(t.Kind, "queued").Inc()
		return true
	default:
		p.release(t.Key)
		metrics.JobsSubmitted.WithLabelValues(t.Kind, "dropped").Inc()
		log.Printf("jobs: queue full, dropping %s task %q", t.Kind, t.Key)
		return false
	}
}

// Stop signals workers to finish the queued tasks and waits for them.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()
	close(p.stop)
	p.wg.Wait()
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.queue:
			p.runOne(t)
		case <-p.stop:
			for {
				select {
				case t := <-p.queue:
					p.runOne(t)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) runOne(t Task) {
	// released before running so a submission during the run queues a fresh pass
	p.release(t.Key)
	ctx, cancel := context.WithTimeout(context.Background(), p.TaskTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			metrics.JobsSubmitted.WithLabelValues(t.Kind, "failed").Inc()
			log.Printf("jobs: %s task %q panicked: %v", t.Kind, t.Key, r)
		}
	}()
	if err := t.Run(ctx); err != nil {
		metrics.JobsSubmitted.WithLabelValues(t.Kind, "failed").Inc()
		log.Printf("jobs: %s task %q: %v", t.Kind, t.Key, err)
	}
}

func (p *Pool) release(key string) {
	if key == "" {
		return
	}
	p.mu.Lock()
	delete(p.pending, key)
	p.mu.Unlock()
}

// Inline runs every submitted task synchronously on the caller's goroutine.
// It stands in for a Pool in tests and single-shot tools.
type Inline struct {
	TaskTimeout time.Duration
}

func (i Inline) Submit(t Task) bool {
	timeout := i.TaskTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := t.Run(ctx); err != nil {
		log.Printf("jobs: %s task %q: %v", t.Kind, t.Key, err)
	}
	return true
}
