package experiment

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autonomylab/agentcore/autonomy"
)

// AutonomyGate is the narrow slice of the governance layer the lifecycle
// engine consumes. The autonomy facade implements it; neither side owns the
// other.
type AutonomyGate interface {
	ExecuteAction(p autonomy.ExecuteParams) autonomy.ActionResult
}

// Syncer replicates experiment state to the remote store without blocking
// the caller.
type Syncer interface {
	SyncExperiment(e *Experiment)
	SyncMetrics(id string, metrics map[string]any, ts time.Time)
}

// ResourceSampler supplies process-level resource readings for the metrics
// snapshot.
type ResourceSampler interface {
	CPUPercent() float64
	MemoryMB() float64
}

// StartOutcome reports what Start did with an experiment.
type StartOutcome struct {
	Started   bool
	Pending   bool
	RequestID string
	Message   string
}

// Registry owns every experiment record. It is the sole writer; the ticker
// mutates only metric fields under the registry's lock.
type Registry struct {
	mu           sync.Mutex
	experiments  map[string]*Experiment
	taskProgress map[string]bool

	tasks      *TaskRegistry
	dispatcher *Dispatcher
	gate       AutonomyGate
	syncer     Syncer
	ticker     *Ticker
	sampler    ResourceSampler
	logger     *slog.Logger
	now        func() time.Time
}

// NewRegistry wires the lifecycle engine. The dispatcher's completion
// callback must be connected to the returned registry via OnTaskDone, which
// NewEngine in the app layer does. syncer and sampler may be nil.
func NewRegistry(tasks *TaskRegistry, gate AutonomyGate, syncer Syncer, sampler ResourceSampler, tickInterval time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		experiments:  make(map[string]*Experiment),
		taskProgress: make(map[string]bool),
		tasks:        tasks,
		gate:         gate,
		syncer:       syncer,
		sampler:      sampler,
		logger:       logger,
		now:          time.Now,
	}
	r.ticker = NewTicker(tickInterval, logger)
	return r
}

// SetDispatcher attaches the worker pool. Split from the constructor because
// the dispatcher's completion callback points back at the registry.
func (r *Registry) SetDispatcher(d *Dispatcher) { r.dispatcher = d }

// SetClock overrides the registry's clock, for tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Create stores a new DEFINED experiment and replicates it.
func (r *Registry) Create(def Definition) (*Experiment, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	e := &Experiment{
		ID:          uuid.New().String(),
		Name:        def.Name,
		Kind:        def.Kind,
		Description: def.Description,
		Parameters:  copyMap(def.Parameters),
		State:       StateDefined,
		LastUpdate:  now,
		Metrics: map[string]any{
			MetricProgressPercent: 0.0,
			MetricErrorCount:      0.0,
		},
		Definition: def,
	}

	r.mu.Lock()
	r.experiments[e.ID] = e
	out := e.clone()
	r.mu.Unlock()

	r.logger.Info("Created experiment", "experiment_id", e.ID, "kind", def.Kind, "name", def.Name)
	r.syncExperiment(out)
	return out, nil
}

// Start asks the governance gate to start a DEFINED experiment. On an
// autonomous permit the experiment launches immediately; on approval-required
// the launch is parked as the approval continuation and a pending outcome is
// returned.
func (r *Registry) Start(id string) (StartOutcome, error) {
	r.mu.Lock()
	e, ok := r.experiments[id]
	if !ok {
		r.mu.Unlock()
		return StartOutcome{}, fmt.Errorf("experiment not found: %s", id)
	}
	if e.State != StateDefined {
		state := e.State
		r.mu.Unlock()
		return StartOutcome{}, fmt.Errorf("experiment %s cannot start from state %s", id, state)
	}
	kind := e.Kind
	name := e.Name
	actionCtx := autonomy.Context{
		"experiment_id": id,
		"kind":          string(kind),
	}
	if cost, ok := toFloat(e.Parameters["estimated_cost"]); ok {
		actionCtx["estimated_cost"] = cost
	}
	r.mu.Unlock()

	result := r.gate.ExecuteAction(autonomy.ExecuteParams{
		Category:    autonomy.CategoryExperimentManagement,
		Action:      "start_experiment",
		Context:     actionCtx,
		Title:       "Start Experiment: " + name,
		Description: fmt.Sprintf("Start the %s experiment %q (%s).", kind, name, id),
		Execute: func(autonomy.Context) (any, error) {
			return nil, r.launch(id)
		},
	})

	switch result.Status {
	case autonomy.ActionExecuted:
		return StartOutcome{Started: true, Message: "Experiment started"}, nil
	case autonomy.ActionApprovalRequested:
		return StartOutcome{
			Pending:   true,
			RequestID: result.RequestID,
			Message:   "Start is awaiting approval",
		}, nil
	case autonomy.ActionProhibited:
		return StartOutcome{}, fmt.Errorf("start refused: %s", result.Reason)
	default:
		return StartOutcome{}, fmt.Errorf("start failed: %s", result.Err)
	}
}

// launch flips a DEFINED experiment to RUNNING, arms the ticker, and submits
// its task. It runs inline on an autonomous permit and as the parked
// continuation on a delayed approval.
func (r *Registry) launch(id string) error {
	r.mu.Lock()
	e, ok := r.experiments[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("experiment not found: %s", id)
	}
	if e.State != StateDefined {
		state := e.State
		r.mu.Unlock()
		return fmt.Errorf("experiment %s cannot start from state %s", id, state)
	}

	task, err := r.tasks.Task(e.Kind)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	now := r.now().UTC()
	e.State = StateRunning
	e.StatusMessage = "Running"
	e.StartTime = &now
	e.LastUpdate = now
	e.Metrics[MetricProgressPercent] = 0.0
	e.Metrics[MetricElapsedSeconds] = 0.0
	e.Metrics[MetricEstimatedRemaining] = 0.0
	delete(r.taskProgress, id)
	params := copyMap(e.Parameters)
	out := e.clone()
	r.mu.Unlock()

	r.logger.Info("Experiment started", "experiment_id", id, "kind", out.Kind)
	r.syncExperiment(out)

	r.ticker.Arm(id, func() bool { return r.tick(id) })
	progress := func(pct float64) { r.reportProgress(id, pct) }
	if err := r.dispatcher.Submit(id, task, params, progress); err != nil {
		// Roll forward to FAILED rather than back to DEFINED.
		r.failExperiment(id, fmt.Sprintf("dispatch failed: %v", err))
		return err
	}
	return nil
}

// Stop force-transitions an experiment to STOPPED and cancels its task. The
// transition is authoritative: a late completion for a stopped experiment is
// discarded.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	e, ok := r.experiments[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("experiment not found: %s", id)
	}
	if e.State.Terminal() {
		state := e.State
		r.mu.Unlock()
		return fmt.Errorf("experiment %s is already %s", id, state)
	}

	e.State = StateStopped
	e.StatusMessage = "Stopped by user"
	e.LastUpdate = r.now().UTC()
	out := e.clone()
	r.mu.Unlock()

	r.logger.Info("Experiment stopped", "experiment_id", id)
	r.syncExperiment(out)
	r.ticker.Disarm(id)
	r.dispatcher.Cancel(id)
	return nil
}

// Get returns a copy of the experiment.
func (r *Registry) Get(id string) (*Experiment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.experiments[id]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// List returns copies of every experiment.
func (r *Registry) List() []*Experiment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Experiment, 0, len(r.experiments))
	for _, e := range r.experiments {
		out = append(out, e.clone())
	}
	return out
}

// ActiveCount returns the number of RUNNING experiments.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, e := range r.experiments {
		if e.State == StateRunning {
			count++
		}
	}
	return count
}

// StopAll force-transitions every non-terminal experiment to STOPPED and
// cancels its task. Idempotent: a second call finds nothing to stop.
func (r *Registry) StopAll() int {
	r.mu.Lock()
	var stopped []*Experiment
	now := r.now().UTC()
	for _, e := range r.experiments {
		if e.State.Terminal() {
			continue
		}
		e.State = StateStopped
		e.StatusMessage = "Stopped by agent shutdown"
		e.LastUpdate = now
		stopped = append(stopped, e.clone())
	}
	r.mu.Unlock()

	for _, e := range stopped {
		r.syncExperiment(e)
		r.ticker.Disarm(e.ID)
		r.dispatcher.Cancel(e.ID)
	}
	if len(stopped) > 0 {
		r.logger.Info("Stopped all experiments", "count", len(stopped))
	}
	return len(stopped)
}

// OnTaskDone is the dispatcher's completion callback. Late outcomes for
// experiments no longer RUNNING are logged and discarded.
func (r *Registry) OnTaskDone(o Outcome) {
	if o.Cancelled {
		// The stop path already transitioned the experiment.
		r.ticker.Disarm(o.ExperimentID)
		return
	}

	r.mu.Lock()
	e, ok := r.experiments[o.ExperimentID]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("Task outcome for unknown experiment", "experiment_id", o.ExperimentID)
		return
	}
	if e.State != StateRunning {
		state := e.State
		r.mu.Unlock()
		r.logger.Warn("Discarding task outcome for non-running experiment",
			"experiment_id", o.ExperimentID, "state", state)
		return
	}

	now := r.now().UTC()
	failed := o.Err != nil || o.Result == nil || o.Result.Status != TaskCompleted
	if failed {
		msg := "task failed"
		if o.Err != nil {
			msg = o.Err.Error()
		} else if o.Result != nil && o.Result.Message != "" {
			msg = o.Result.Message
		}
		e.State = StateFailed
		e.StatusMessage = msg
		e.Metrics[MetricErrorCount] = e.errorCount() + 1
	} else {
		e.State = StateCompleted
		e.StatusMessage = o.Result.Message
		if e.StatusMessage == "" {
			e.StatusMessage = "Completed"
		}
		for k, v := range o.Result.Result {
			if scalar(v) {
				e.Metrics[resultPrefix+k] = v
			}
		}
		e.Metrics[MetricProgressPercent] = 100.0
		e.Metrics[MetricEstimatedRemaining] = 0.0
		e.EstimatedCompletion = &now
	}
	e.LastUpdate = now
	state := e.State
	out := e.clone()
	r.mu.Unlock()

	r.logger.Info("Experiment finished",
		"experiment_id", o.ExperimentID,
		"state", state,
		"message", out.StatusMessage)
	r.syncExperiment(out)
	r.ticker.Disarm(o.ExperimentID)
}

// Restore seeds the registry from previously persisted experiments. A
// restart cancels in-flight work, so restored RUNNING experiments are
// marked STOPPED.
func (r *Registry) Restore(records []Experiment) {
	r.mu.Lock()
	var interrupted []*Experiment
	restored := 0
	for i := range records {
		e := records[i]
		if _, exists := r.experiments[e.ID]; exists {
			continue
		}
		if e.State == StateRunning {
			e.State = StateStopped
			e.StatusMessage = "Interrupted by agent restart"
			e.LastUpdate = r.now().UTC()
			interrupted = append(interrupted, e.clone())
		}
		if e.Metrics == nil {
			e.Metrics = map[string]any{
				MetricProgressPercent: 0.0,
				MetricErrorCount:      0.0,
			}
		}
		r.experiments[e.ID] = &e
		restored++
	}
	r.mu.Unlock()

	for _, e := range interrupted {
		r.syncExperiment(e)
	}
	if restored > 0 {
		r.logger.Info("Restored experiments", "count", restored, "interrupted", len(interrupted))
	}
}

// Shutdown disarms every ticker. The dispatcher is shut down separately.
func (r *Registry) Shutdown() {
	r.ticker.DisarmAll()
}

func (r *Registry) failExperiment(id, msg string) {
	r.mu.Lock()
	e, ok := r.experiments[id]
	if !ok || e.State != StateRunning {
		r.mu.Unlock()
		return
	}
	e.State = StateFailed
	e.StatusMessage = msg
	e.Metrics[MetricErrorCount] = e.errorCount() + 1
	e.LastUpdate = r.now().UTC()
	out := e.clone()
	r.mu.Unlock()

	r.syncExperiment(out)
	r.ticker.Disarm(id)
}

// reportProgress is the task-side progress sink. Task-reported progress
// takes precedence over the ticker's synthesis and never regresses.
func (r *Registry) reportProgress(id string, pct float64) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	r.mu.Lock()
	e, ok := r.experiments[id]
	if !ok || e.State != StateRunning {
		r.mu.Unlock()
		return
	}
	r.taskProgress[id] = true
	if pct > e.progressPercent() {
		e.Metrics[MetricProgressPercent] = pct
	}
	e.LastUpdate = r.now().UTC()
	r.mu.Unlock()
}

// tick refreshes one RUNNING experiment's metric snapshot. It returns false
// when the experiment has left RUNNING, which stops the ticker goroutine.
func (r *Registry) tick(id string) bool {
	now := r.now().UTC()

	r.mu.Lock()
	e, ok := r.experiments[id]
	if !ok || e.State != StateRunning {
		r.mu.Unlock()
		return false
	}

	var elapsed float64
	if e.StartTime != nil {
		elapsed = now.Sub(*e.StartTime).Seconds()
	}
	e.Metrics[MetricElapsedSeconds] = elapsed
	if r.sampler != nil {
		e.Metrics[MetricCPUPercent] = r.sampler.CPUPercent()
		e.Metrics[MetricMemoryMB] = r.sampler.MemoryMB()
	}

	if !r.taskProgress[id] {
		progress := elapsed / (elapsed + 30) * 100
		if progress > 95 {
			progress = 95
		}
		if progress > e.progressPercent() {
			e.Metrics[MetricProgressPercent] = progress
		}
	}
	if p := e.progressPercent(); p > 0 {
		remaining := elapsed * (100/p - 1)
		e.Metrics[MetricEstimatedRemaining] = remaining
		eta := now.Add(time.Duration(remaining * float64(time.Second)))
		e.EstimatedCompletion = &eta
	}
	e.LastUpdate = now
	metrics := copyMap(e.Metrics)
	r.mu.Unlock()

	if r.syncer != nil {
		r.syncer.SyncMetrics(id, metrics, now)
	}
	return true
}

func (r *Registry) syncExperiment(e *Experiment) {
	if r.syncer != nil {
		r.syncer.SyncExperiment(e)
	}
}
