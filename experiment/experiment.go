// Package experiment implements the lifecycle engine: the registry that owns
// every experiment record, the bounded dispatcher that runs their tasks, and
// the ticker that refreshes metrics while they run.
package experiment

import (
	"fmt"
	"time"
)

// Kind is the closed set of experiment types the agent knows how to run.
// Adding a kind requires registering its task capability at startup.
type Kind string

const (
	KindEbook                 Kind = "ebook"
	KindFreelanceWriting      Kind = "freelance_writing"
	KindNicheAffiliateWebsite Kind = "niche_affiliate_website"
	KindPinterestStrategy     Kind = "pinterest_strategy"
)

// Valid reports whether k is a known experiment kind.
func (k Kind) Valid() bool {
	switch k {
	case KindEbook, KindFreelanceWriting, KindNicheAffiliateWebsite, KindPinterestStrategy:
		return true
	}
	return false
}

// State is the lifecycle state of an experiment.
type State string

const (
	StateDefined   State = "defined"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateStopped   State = "stopped"
)

// Terminal reports whether the state is absorbing.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateStopped:
		return true
	}
	return false
}

// Definition is the user-supplied description of an experiment, kept
// verbatim on the record.
type Definition struct {
	Kind        Kind           `json:"kind"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Validate checks the definition is well-formed.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("experiment name is required")
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("unknown experiment kind: %q", d.Kind)
	}
	return nil
}

// Canonical metric keys. Task results are flattened in with a result_
// prefix for scalar fields.
const (
	MetricProgressPercent    = "progress_percent"
	MetricElapsedSeconds     = "elapsed_seconds"
	MetricEstimatedRemaining = "estimated_remaining_seconds"
	MetricCPUPercent         = "cpu_percent"
	MetricMemoryMB           = "memory_mb"
	MetricErrorCount         = "error_count"
	resultPrefix             = "result_"
)

// Experiment is the registry-owned record of one experiment. The registry is
// its sole writer; the ticker mutates only metric fields under the
// registry's lock.
type Experiment struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	Kind                Kind           `json:"kind"`
	Description         string         `json:"description,omitempty"`
	Parameters          map[string]any `json:"parameters,omitempty"`
	State               State          `json:"state"`
	StatusMessage       string         `json:"status_message,omitempty"`
	StartTime           *time.Time     `json:"start_time,omitempty"`
	LastUpdate          time.Time      `json:"last_update_time"`
	EstimatedCompletion *time.Time     `json:"estimated_completion_time,omitempty"`
	Metrics             map[string]any `json:"metrics"`
	Definition          Definition     `json:"definition"`
}

func (e *Experiment) clone() *Experiment {
	cp := *e
	cp.Parameters = copyMap(e.Parameters)
	cp.Metrics = copyMap(e.Metrics)
	cp.Definition.Parameters = copyMap(e.Definition.Parameters)
	return &cp
}

func (e *Experiment) progressPercent() float64 {
	if v, ok := e.Metrics[MetricProgressPercent]; ok {
		if f, ok := toFloat(v); ok {
			return f
		}
	}
	return 0
}

func (e *Experiment) errorCount() float64 {
	if v, ok := e.Metrics[MetricErrorCount]; ok {
		if f, ok := toFloat(v); ok {
			return f
		}
	}
	return 0
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// scalar reports whether a task result field is flattenable into metrics.
func scalar(v any) bool {
	switch v.(type) {
	case string, bool, float64, float32, int, int32, int64, uint, uint32, uint64:
		return true
	}
	return false
}
