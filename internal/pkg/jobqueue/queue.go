package jobqueue

import (
	"sync"

	"github.com/gofiber/fiber/v2/log"
)

const (
	DefaultWorkers   = 3
	DefaultQueueSize = 1024
)

type task struct {
	name string
	fn   func()
}

// Queue runs fire-and-forget background work on a bounded pool of workers.
// It decouples cache repopulation, analytics emission and async usage writes
// from the request's control flow; a dropped task is logged, never fatal.
type Queue struct {
	workers int
	tasks   chan task
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewQueue creates a queue with the given worker count and buffer size.
func NewQueue(workers, size int) *Queue {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		workers: workers,
		tasks:   make(chan task, size),
		stopCh:  make(chan struct{}),
	}
}

// Start starts the workers.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
}

// Stop stops the workers after draining submitted tasks.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.wg.Wait()
	log.Info("[JobQueue] All workers stopped")
}

// Submit enqueues a task. It never blocks; when the buffer is full the task
// is dropped and false is returned.
func (q *Queue) Submit(name string, fn func()) bool {
	select {
	case q.tasks <- task{name: name, fn: fn}:
		return true
	default:
		log.Warnf("[JobQueue] Queue full, dropping task %s", name)
		return false
	}
}

// Pending returns the number of submitted-but-not-yet-executed tasks.
func (q *Queue) Pending() int {
	return len(q.tasks)
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			// Drain what is already queued before exiting.
			for {
				select {
				case t := <-q.tasks:
					q.run(id, t)
				default:
					return
				}
			}
		case t := <-q.tasks:
			q.run(id, t)
		}
	}
}

func (q *Queue) run(id int, t task) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[JobQueue] Worker %d: task %s panicked: %v", id, t.name, r)
		}
	}()
	t.fn()
}
