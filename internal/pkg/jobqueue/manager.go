package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// Sweeper is implemented by the billing layer: it finds subscriptions whose
// invoice or cancellation is due and runs the corresponding tasks. Sweeps
// are at-least-once; the tasks themselves are idempotent.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) error
}

// Manager owns the queue and the periodic billing sweep, standing in for an
// external scheduler in single-binary deployments.
type Manager struct {
	queue       *Queue
	sweeper     Sweeper
	sweepEvery  time.Duration
	sweepTicker *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

// NewManager creates a manager around queue. sweeper may be nil when an
// external scheduler drives the billing tasks.
func NewManager(queue *Queue, sweeper Sweeper, sweepEvery time.Duration) *Manager {
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	return &Manager{
		queue:      queue,
		sweeper:    sweeper,
		sweepEvery: sweepEvery,
		stopCh:     make(chan struct{}),
	}
}

// Start starts the job queue and the sweep loop.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	if m.sweeper != nil {
		m.sweepTicker = time.NewTicker(m.sweepEvery)
		m.wg.Add(1)
		go m.sweepWorker()
	}
}

// Stop stops the sweep loop and the queue.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping background tasks")
	close(m.stopCh)
	if m.sweepTicker != nil {
		m.sweepTicker.Stop()
	}
	m.running = false
	m.wg.Wait()
	m.queue.Stop()
}

func (m *Manager) sweepWorker() {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Billing sweep running every %s", m.sweepEvery)
	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Billing sweep stopping")
			return
		case <-m.sweepTicker.C:
			if err := m.sweeper.Sweep(context.Background(), time.Now()); err != nil {
				log.Errorf("[JobQueue Manager] Billing sweep failed: %v", err)
			}
		}
	}
}
