// Package rpc is the agent's external request surface, served as NATS
// request-reply with JSON payloads. A backend or UI drives the agent
// entirely through these subjects.
package rpc

import (
	"fmt"
	"time"

	"github.com/autonomylab/agentcore/approval"
	"github.com/autonomylab/agentcore/experiment"
	"github.com/autonomylab/agentcore/logstream"
)

// Request subjects. Handlers join the agent-rpc queue group so multiple
// agent instances could share a subject space.
const (
	SubjectExperimentCreate = "agent.rpc.experiment.create"
	SubjectExperimentStart  = "agent.rpc.experiment.start"
	SubjectExperimentStop   = "agent.rpc.experiment.stop"
	SubjectExperimentStatus = "agent.rpc.experiment.status"
	SubjectExperimentList   = "agent.rpc.experiment.list"
	SubjectAgentStatus      = "agent.rpc.agent.status"
	SubjectLogsGet          = "agent.rpc.logs.get"
	SubjectApprovalDecide   = "agent.rpc.approval.decide"
	SubjectApprovalList     = "agent.rpc.approval.list"
	SubjectAgentStop        = "agent.rpc.agent.stop"

	queueGroup = "agent-rpc"
)

// Reply is the common success/message envelope.
type Reply struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// CreateExperimentRequest defines a new experiment.
type CreateExperimentRequest struct {
	Kind        string         `json:"kind"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

func (r *CreateExperimentRequest) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if r.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	return nil
}

// CreateExperimentResponse returns the new experiment's id.
type CreateExperimentResponse struct {
	ID     string `json:"id,omitempty"`
	Status Reply  `json:"status"`
}

// ExperimentRef addresses an existing experiment.
type ExperimentRef struct {
	ID string `json:"id"`
}

func (r *ExperimentRef) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

// StartExperimentResponse reports the start outcome. A start gated on
// approval replies success with Pending set and the approval request id.
type StartExperimentResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Pending   bool   `json:"pending,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ExperimentStatusResponse carries one experiment record.
type ExperimentStatusResponse struct {
	Success    bool                   `json:"success"`
	Message    string                 `json:"message,omitempty"`
	Experiment *experiment.Experiment `json:"experiment,omitempty"`
}

// ListExperimentsResponse carries every experiment record.
type ListExperimentsResponse struct {
	Success     bool                     `json:"success"`
	Experiments []*experiment.Experiment `json:"experiments"`
}

// Agent states reported by GetAgentStatus.
const (
	AgentStateIdle               = "IDLE"
	AgentStateRunningExperiments = "RUNNING_EXPERIMENTS"
	AgentStateAwaitingApproval   = "AWAITING_APPROVAL"
)

// AgentStatusResponse is the agent-level health summary.
type AgentStatusResponse struct {
	AgentState        string    `json:"agent_state"`
	ActiveExperiments int       `json:"active_experiments"`
	PendingApprovals  int       `json:"pending_approvals"`
	CPUPercent        float64   `json:"cpu_percent"`
	MemoryMB          float64   `json:"memory_mb"`
	SyncConnected     bool      `json:"sync_connected"`
	LastUpdated       time.Time `json:"last_updated"`
}

// GetLogsRequest filters the log snapshot. The reply names the live subject
// a streaming consumer should subscribe to for entries after the snapshot.
type GetLogsRequest struct {
	ExperimentID string `json:"experiment_id,omitempty"`
	MinLevel     string `json:"min_level,omitempty"`
}

// GetLogsResponse carries the snapshot and the live subject.
type GetLogsResponse struct {
	Success     bool              `json:"success"`
	Entries     []logstream.Entry `json:"entries"`
	LiveSubject string            `json:"live_subject"`
}

// ApproveDecisionRequest resolves a pending approval request.
type ApproveDecisionRequest struct {
	DecisionID string `json:"decision_id"`
	Approved   bool   `json:"approved"`
	UserID     string `json:"user_id"`
	Reason     string `json:"reason,omitempty"`
}

func (r *ApproveDecisionRequest) Validate() error {
	if r.DecisionID == "" {
		return fmt.Errorf("decision_id is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// ListApprovalsRequest filters the approval listing.
type ListApprovalsRequest struct {
	UserID   string `json:"user_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Category string `json:"category,omitempty"`
}

// ListApprovalsResponse carries matching approval requests.
type ListApprovalsResponse struct {
	Success  bool                `json:"success"`
	Requests []*approval.Request `json:"requests"`
}
