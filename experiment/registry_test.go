package experiment

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/autonomylab/agentcore/autonomy"
)

// allowGate permits everything and runs the continuation inline.
type allowGate struct{}

func (allowGate) ExecuteAction(p autonomy.ExecuteParams) autonomy.ActionResult {
	result, err := p.Execute(p.Context)
	if err != nil {
		return autonomy.ActionResult{Status: autonomy.ActionFailed, Err: err.Error()}
	}
	return autonomy.ActionResult{Status: autonomy.ActionExecuted, Result: result}
}

// parkingGate defers every action, capturing the continuation.
type parkingGate struct {
	mu     sync.Mutex
	parked []autonomy.ExecuteParams
}

func (g *parkingGate) ExecuteAction(p autonomy.ExecuteParams) autonomy.ActionResult {
	g.mu.Lock()
	g.parked = append(g.parked, p)
	g.mu.Unlock()
	return autonomy.ActionResult{
		Status:    autonomy.ActionApprovalRequested,
		RequestID: fmt.Sprintf("req-%d", len(g.parked)),
		Reason:    "Approval required",
	}
}

// expSyncer records replication calls.
type expSyncer struct {
	mu          sync.Mutex
	experiments []State
	metricsPush int
}

func (s *expSyncer) SyncExperiment(e *Experiment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.experiments = append(s.experiments, e.State)
}

func (s *expSyncer) SyncMetrics(string, map[string]any, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metricsPush++
}

func (s *expSyncer) states() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.experiments...)
}

func newTestRegistry(t *testing.T, gate AutonomyGate, workers int, task Task) (*Registry, *expSyncer) {
	t.Helper()
	taskReg := NewTaskRegistry()
	taskReg.Register(KindEbook, func() Task { return task })

	syncer := &expSyncer{}
	r := NewRegistry(taskReg, gate, syncer, nil, 20*time.Millisecond, nil)
	d := NewDispatcher(workers, r.OnTaskDone, nil)
	r.SetDispatcher(d)
	t.Cleanup(func() {
		r.Shutdown()
		d.Shutdown()
	})
	return r, syncer
}

func waitForState(t *testing.T, r *Registry, id string, want State) *Experiment {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		e, ok := r.Get(id)
		if ok && e.State == want {
			return e
		}
		select {
		case <-deadline:
			t.Fatalf("experiment %s never reached %s (currently %s)", id, want, e.State)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAutonomousEbookRun(t *testing.T) {
	task := TaskFunc(func(_ context.Context, params map[string]any, progress ProgressFn) (*Result, error) {
		progress(100)
		return &Result{
			Status:  TaskCompleted,
			Message: "Generated ebook",
			Result: map[string]any{
				"title":              "The AI Guide for SMB",
				"chapters_generated": 3,
				"outline":            map[string]any{"ignored": true},
			},
		}, nil
	})
	r, syncer := newTestRegistry(t, allowGate{}, 2, task)

	e, err := r.Create(Definition{
		Kind: KindEbook,
		Name: "T",
		Parameters: map[string]any{
			"topic": "AI", "audience": "SMB", "num_chapters": 3,
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.State != StateDefined {
		t.Fatalf("state = %s, want defined", e.State)
	}

	outcome, err := r.Start(e.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !outcome.Started {
		t.Fatalf("start outcome: %+v", outcome)
	}

	final := waitForState(t, r, e.ID, StateCompleted)
	if got := final.Metrics[MetricProgressPercent]; got != 100.0 {
		t.Errorf("progress = %v, want 100", got)
	}
	if got := final.Metrics[MetricEstimatedRemaining]; got != 0.0 {
		t.Errorf("estimated remaining = %v, want 0", got)
	}
	if got := final.Metrics["result_chapters_generated"]; got != 3 {
		t.Errorf("result_chapters_generated = %v, want 3", got)
	}
	if got := final.Metrics["result_title"]; got != "The AI Guide for SMB" {
		t.Errorf("result_title = %v", got)
	}
	if _, flattened := final.Metrics["result_outline"]; flattened {
		t.Error("non-scalar result fields must not be flattened")
	}

	// One sync per transition: defined, running, completed.
	states := syncer.states()
	if len(states) < 3 {
		t.Fatalf("expected >= 3 experiment syncs, got %d", len(states))
	}
	want := []State{StateDefined, StateRunning, StateCompleted}
	for i, s := range want {
		if states[i] != s {
			t.Errorf("sync %d = %s, want %s", i, states[i], s)
		}
	}
}

func TestFailedTaskIncrementsErrorCount(t *testing.T) {
	task := TaskFunc(func(context.Context, map[string]any, ProgressFn) (*Result, error) {
		return nil, fmt.Errorf("model unavailable")
	})
	r, _ := newTestRegistry(t, allowGate{}, 1, task)

	e, _ := r.Create(Definition{Kind: KindEbook, Name: "fails"})
	if _, err := r.Start(e.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitForState(t, r, e.ID, StateFailed)
	if got := final.Metrics[MetricErrorCount]; got != 1.0 {
		t.Errorf("error_count = %v, want 1", got)
	}
	if final.StatusMessage != "model unavailable" {
		t.Errorf("status message = %q", final.StatusMessage)
	}
}

func TestStopIsAuthoritative(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	task := TaskFunc(func(ctx context.Context, _ map[string]any, _ ProgressFn) (*Result, error) {
		close(started)
		select {
		case <-release:
			return &Result{Status: TaskCompleted}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	r, _ := newTestRegistry(t, allowGate{}, 1, task)

	e, _ := r.Create(Definition{Kind: KindEbook, Name: "stoppable"})
	if _, err := r.Start(e.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-started

	if err := r.Stop(e.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	got, _ := r.Get(e.ID)
	if got.State != StateStopped {
		t.Fatalf("state = %s, want stopped", got.State)
	}

	// A late completion for the stopped experiment is discarded.
	r.OnTaskDone(Outcome{
		ExperimentID: e.ID,
		Result:       &Result{Status: TaskCompleted, Result: map[string]any{"late": true}},
	})
	got, _ = r.Get(e.ID)
	if got.State != StateStopped {
		t.Errorf("late completion moved state to %s", got.State)
	}
	if _, ok := got.Metrics["result_late"]; ok {
		t.Error("late completion results must be discarded")
	}

	// Terminal states are absorbing.
	if err := r.Stop(e.ID); err == nil {
		t.Error("stop on a stopped experiment should fail")
	}
	if _, err := r.Start(e.ID); err == nil {
		t.Error("start on a stopped experiment should fail")
	}
}

func TestStartValidation(t *testing.T) {
	r, _ := newTestRegistry(t, allowGate{}, 1, TaskFunc(func(context.Context, map[string]any, ProgressFn) (*Result, error) {
		return &Result{Status: TaskCompleted}, nil
	}))

	t.Run("unknown id", func(t *testing.T) {
		if _, err := r.Start("nope"); err == nil {
			t.Error("expected error for unknown experiment")
		}
	})

	t.Run("unknown kind rejected at create", func(t *testing.T) {
		if _, err := r.Create(Definition{Kind: "quantum", Name: "x"}); err == nil {
			t.Error("expected error for unknown kind")
		}
	})

	t.Run("missing name rejected", func(t *testing.T) {
		if _, err := r.Create(Definition{Kind: KindEbook}); err == nil {
			t.Error("expected error for missing name")
		}
	})
}

func TestApprovalGatedStartParksLaunch(t *testing.T) {
	gate := &parkingGate{}
	task := TaskFunc(func(context.Context, map[string]any, ProgressFn) (*Result, error) {
		return &Result{Status: TaskCompleted}, nil
	})
	r, _ := newTestRegistry(t, gate, 1, task)

	e, _ := r.Create(Definition{
		Kind:       KindEbook,
		Name:       "gated",
		Parameters: map[string]any{"estimated_cost": 50.0},
	})
	outcome, err := r.Start(e.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !outcome.Pending || outcome.RequestID == "" {
		t.Fatalf("expected pending outcome, got %+v", outcome)
	}

	// The experiment stays DEFINED until the continuation runs.
	got, _ := r.Get(e.ID)
	if got.State != StateDefined {
		t.Fatalf("state = %s, want defined", got.State)
	}

	gate.mu.Lock()
	parked := gate.parked[0]
	gate.mu.Unlock()
	if parked.Category != autonomy.CategoryExperimentManagement || parked.Action != "start_experiment" {
		t.Errorf("gate saw %s/%s", parked.Category, parked.Action)
	}
	if parked.Context["estimated_cost"] != 50.0 {
		t.Errorf("estimated_cost missing from gate context: %v", parked.Context)
	}

	// Simulate the approval resuming the continuation.
	if _, err := parked.Execute(parked.Context); err != nil {
		t.Fatalf("parked launch: %v", err)
	}
	waitForState(t, r, e.ID, StateCompleted)
}

func TestStopAllIdempotent(t *testing.T) {
	task := blockingTask(make(chan struct{}), nil)
	r, _ := newTestRegistry(t, allowGate{}, 5, task)

	for i := 0; i < 3; i++ {
		e, _ := r.Create(Definition{Kind: KindEbook, Name: fmt.Sprintf("e%d", i)})
		if _, err := r.Start(e.ID); err != nil {
			t.Fatalf("start: %v", err)
		}
	}

	if stopped := r.StopAll(); stopped != 3 {
		t.Fatalf("first StopAll = %d, want 3", stopped)
	}
	layout := map[string]State{}
	for _, e := range r.List() {
		layout[e.ID] = e.State
	}

	if stopped := r.StopAll(); stopped != 0 {
		t.Errorf("second StopAll = %d, want 0", stopped)
	}
	for _, e := range r.List() {
		if layout[e.ID] != e.State {
			t.Errorf("StopAll changed %s from %s to %s", e.ID, layout[e.ID], e.State)
		}
	}
}

func TestConcurrentStartsRespectPoolBound(t *testing.T) {
	var current, peak atomic.Int32
	task := TaskFunc(func(context.Context, map[string]any, ProgressFn) (*Result, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return &Result{Status: TaskCompleted}, nil
	})
	r, _ := newTestRegistry(t, allowGate{}, 3, task)

	var ids []string
	for i := 0; i < 10; i++ {
		e, _ := r.Create(Definition{Kind: KindEbook, Name: fmt.Sprintf("e%d", i)})
		ids = append(ids, e.ID)
	}
	for _, id := range ids {
		if _, err := r.Start(id); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}

	for _, id := range ids {
		waitForState(t, r, id, StateCompleted)
	}
	if p := peak.Load(); p > 3 {
		t.Errorf("peak task concurrency = %d, want <= 3", p)
	}
}

func TestRestoreStopsInterruptedRuns(t *testing.T) {
	r, _ := newTestRegistry(t, allowGate{}, 1, TaskFunc(func(context.Context, map[string]any, ProgressFn) (*Result, error) {
		return &Result{Status: TaskCompleted}, nil
	}))

	r.Restore([]Experiment{
		{ID: "x1", Name: "was running", Kind: KindEbook, State: StateRunning},
		{ID: "x2", Name: "was done", Kind: KindEbook, State: StateCompleted},
	})

	if got, _ := r.Get("x1"); got.State != StateStopped {
		t.Errorf("restored running experiment = %s, want stopped", got.State)
	}
	if got, _ := r.Get("x2"); got.State != StateCompleted {
		t.Errorf("restored completed experiment = %s, want completed", got.State)
	}
}
