package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuelReschke/dlgate/internal/pkg/billing"
)

// ErrUnknownTask is returned by RunOnce for a name that was never registered.
var ErrUnknownTask = errors.New("unknown task")

// Task is a periodic background job. A task with Interval <= 0 is registered
// but never scheduled; it can still be triggered through RunOnce.
type Task struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Manager runs the background tasks of the service on their own tickers.
type Manager struct {
	tasks   []Task
	logger  zerolog.Logger
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewManager(logger zerolog.Logger, tasks ...Task) *Manager {
	return &Manager{
		tasks:  tasks,
		logger: logger.With().Str("component", "jobqueue").Logger(),
	}
}

// Start launches one worker per scheduled task. Calling Start twice is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true

	scheduled := 0
	for _, task := range m.tasks {
		if task.Interval <= 0 || task.Run == nil {
			m.logger.Info().Str("task", task.Name).Msg("task not scheduled")
			continue
		}
		scheduled++
		m.wg.Add(1)
		go m.worker(ctx, task, m.stopCh)
	}
	m.logger.Info().Int("tasks", scheduled).Msg("job manager started")
}

// Stop signals all workers, cancels in-flight runs and waits for them.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	close(m.stopCh)
	m.cancel()
	m.stopCh = nil
	m.cancel = nil
	m.running = false

	m.wg.Wait()
	m.logger.Info().Msg("job manager stopped")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// RunOnce executes the named task synchronously.
func (m *Manager) RunOnce(ctx context.Context, name string) error {
	for _, task := range m.tasks {
		if task.Name == name {
			return m.execute(ctx, task)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownTask, name)
}

func (m *Manager) worker(ctx context.Context, task Task, stopCh <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	m.logger.Info().Str("task", task.Name).Dur("interval", task.Interval).Msg("worker started")

	for {
		select {
		case <-stopCh:
			m.logger.Debug().Str("task", task.Name).Msg("worker stopping")
			return
		case <-ticker.C:
			if err := m.execute(ctx, task); err != nil {
				m.logger.Error().Err(err).Str("task", task.Name).Msg("task failed")
			}
		}
	}
}

func (m *Manager) execute(ctx context.Context, task Task) (err error) {
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()
	return task.Run(ctx)
}

// Drainer is implemented by usage.Deferred.
type Drainer interface {
	Drain(ctx context.Context, batch int) (int, error)
}

// ReconcileRunner is implemented by billing.Reconciler.
type ReconcileRunner interface {
	Run(ctx context.Context) (billing.ReconcileReport, error)
}

const (
	TaskUsageDrain       = "usage_drain"
	TaskBillingReconcile = "billing_reconcile"

	usageDrainBatch = 100
)

// UsageDrainTask replays parked usage records into the database.
func UsageDrainTask(d Drainer, interval time.Duration) Task {
	return Task{
		Name:     TaskUsageDrain,
		Interval: interval,
		Timeout:  30 * time.Second,
		Run: func(ctx context.Context) error {
			_, err := d.Drain(ctx, usageDrainBatch)
			return err
		},
	}
}

// ReconcileTask replays recent billing events. It stays registered but idle
// when the billing gateway has no API key.
func ReconcileTask(r ReconcileRunner, interval time.Duration, logger zerolog.Logger) Task {
	return Task{
		Name:     TaskBillingReconcile,
		Interval: interval,
		Timeout:  5 * time.Minute,
		Run: func(ctx context.Context) error {
			report, err := r.Run(ctx)
			if errors.Is(err, billing.ErrGatewayNotConfigured) {
				logger.Debug().Msg("billing reconciliation skipped, gateway not configured")
				return nil
			}
			logger.Info().
				Int("fetched", report.Fetched).
				Int("applied", report.Applied).
				Int("duplicates", report.Duplicates).
				Int("rejected", report.Rejected).
				Int("failed", report.Failed).
				Msg("billing reconciliation finished")
			return err
		},
	}
}
