package experiment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultWorkers is the dispatcher pool width when the config does not say
// otherwise.
const DefaultWorkers = 5

// Outcome is the terminal report of one submitted task.
type Outcome struct {
	ExperimentID string
	Result       *Result
	Err          error
	Cancelled    bool
}

// CompletionFn receives each task's outcome. It runs on the worker
// goroutine and must not block for long.
type CompletionFn func(o Outcome)

// Dispatcher runs tasks on a bounded worker pool and tracks a cancellation
// handle per experiment. Cancellation is cooperative: it prevents a queued
// task from starting, or signals a running one to wind down.
type Dispatcher struct {
	sem    chan struct{}
	onDone CompletionFn
	logger *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
}

// NewDispatcher creates a pool of the given width. workers <= 0 falls back
// to DefaultWorkers.
func NewDispatcher(workers int, onDone CompletionFn, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sem:     make(chan struct{}, workers),
		onDone:  onDone,
		logger:  logger,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Submit queues a task for the experiment. It returns immediately; the
// outcome is delivered to the completion callback. Submitting for an
// experiment that already has a live task is an error.
func (d *Dispatcher) Submit(experimentID string, task Task, params map[string]any, progress ProgressFn) error {
	ctx, cancel := context.WithCancel(context.Background())

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cancel()
		return fmt.Errorf("dispatcher is shut down")
	}
	if _, exists := d.cancels[experimentID]; exists {
		d.mu.Unlock()
		cancel()
		return fmt.Errorf("experiment %s already has a task in flight", experimentID)
	}
	d.cancels[experimentID] = cancel
	d.mu.Unlock()

	go d.run(ctx, experimentID, task, params, progress)
	return nil
}

func (d *Dispatcher) run(ctx context.Context, experimentID string, task Task, params map[string]any, progress ProgressFn) {
	// Wait for a worker slot; a cancel before the slot arrives means the
	// task never ran.
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		d.finish(Outcome{ExperimentID: experimentID, Cancelled: true})
		return
	}
	defer func() { <-d.sem }()

	d.logger.Debug("Task started", "experiment_id", experimentID)
	result, err := task.Execute(ctx, params, progress)

	o := Outcome{ExperimentID: experimentID, Result: result, Err: err}
	if ctx.Err() != nil {
		o.Cancelled = true
		o.Result = nil
		o.Err = nil
	}
	d.finish(o)
}

func (d *Dispatcher) finish(o Outcome) {
	d.mu.Lock()
	if cancel, ok := d.cancels[o.ExperimentID]; ok {
		delete(d.cancels, o.ExperimentID)
		cancel()
	}
	d.mu.Unlock()

	d.logger.Debug("Task finished",
		"experiment_id", o.ExperimentID,
		"cancelled", o.Cancelled,
		"error", o.Err)
	if d.onDone != nil {
		d.onDone(o)
	}
}

// Cancel signals the experiment's task to stop. It reports whether a handle
// existed.
func (d *Dispatcher) Cancel(experimentID string) bool {
	d.mu.Lock()
	cancel, ok := d.cancels[experimentID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelAll signals every in-flight task and returns their experiment ids.
func (d *Dispatcher) CancelAll() []string {
	d.mu.Lock()
	ids := make([]string, 0, len(d.cancels))
	cancels := make([]context.CancelFunc, 0, len(d.cancels))
	for id, cancel := range d.cancels {
		ids = append(ids, id)
		cancels = append(cancels, cancel)
	}
	d.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return ids
}

// Shutdown cancels everything and refuses further submissions. It does not
// wait for running tasks to unwind.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.CancelAll()
	d.logger.Info("Dispatcher shut down")
}

// Active returns the number of tasks with a live cancellation handle.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cancels)
}
