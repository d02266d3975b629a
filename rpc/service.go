package rpc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/autonomylab/agentcore/approval"
	"github.com/autonomylab/agentcore/experiment"
	"github.com/autonomylab/agentcore/logstream"
)

// ResourceReader supplies the process readings for GetAgentStatus.
type ResourceReader interface {
	CPUPercent() float64
	MemoryMB() float64
}

// Service wires the RPC subjects to the lifecycle engine and governance
// layer. Handlers are short and non-blocking: starts hand work to the
// dispatcher, stops return once the transition is recorded.
type Service struct {
	nc        *nats.Conn
	registry  *experiment.Registry
	approvals *approval.Workflow
	stream    *logstream.Stream
	resources ResourceReader
	syncUp    func() bool
	onStop    func()
	logger    *slog.Logger

	subs []*nats.Subscription
}

// Config assembles a Service's collaborators. OnStop is the agent kill
// switch; SyncUp reports bridge connectivity and may be nil.
type Config struct {
	Conn      *nats.Conn
	Registry  *experiment.Registry
	Approvals *approval.Workflow
	Stream    *logstream.Stream
	Resources ResourceReader
	SyncUp    func() bool
	OnStop    func()
	Logger    *slog.Logger
}

// NewService creates the RPC service. Call Start to subscribe.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		nc:        cfg.Conn,
		registry:  cfg.Registry,
		approvals: cfg.Approvals,
		stream:    cfg.Stream,
		resources: cfg.Resources,
		syncUp:    cfg.SyncUp,
		onStop:    cfg.OnStop,
		logger:    logger,
	}
}

// Start subscribes every RPC subject on the agent-rpc queue group.
func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		SubjectExperimentCreate: s.handleCreate,
		SubjectExperimentStart:  s.handleStart,
		SubjectExperimentStop:   s.handleStop,
		SubjectExperimentStatus: s.handleStatus,
		SubjectExperimentList:   s.handleList,
		SubjectAgentStatus:      s.handleAgentStatus,
		SubjectLogsGet:          s.handleGetLogs,
		SubjectApprovalDecide:   s.handleApproveDecision,
		SubjectApprovalList:     s.handleListApprovals,
		SubjectAgentStop:        s.handleStopAgent,
	}
	for subject, handler := range handlers {
		sub, err := s.nc.QueueSubscribe(subject, queueGroup, handler)
		if err != nil {
			s.Stop()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("RPC service started", "subjects", len(handlers))
	return nil
}

// Stop unsubscribes every subject.
func (s *Service) Stop() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Service) handleCreate(msg *nats.Msg) {
	var req CreateExperimentRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, CreateExperimentResponse{Status: Reply{Message: "malformed request: " + err.Error()}})
		return
	}
	if err := req.Validate(); err != nil {
		s.respond(msg, CreateExperimentResponse{Status: Reply{Message: err.Error()}})
		return
	}

	e, err := s.registry.Create(experiment.Definition{
		Kind:        experiment.Kind(req.Kind),
		Name:        req.Name,
		Description: req.Description,
		Parameters:  req.Parameters,
	})
	if err != nil {
		s.respond(msg, CreateExperimentResponse{Status: Reply{Message: err.Error()}})
		return
	}
	s.respond(msg, CreateExperimentResponse{
		ID:     e.ID,
		Status: Reply{Success: true, Message: "Experiment created"},
	})
}

func (s *Service) handleStart(msg *nats.Msg) {
	var req ExperimentRef
	if err := s.decodeRef(msg.Data, &req); err != nil {
		s.respond(msg, StartExperimentResponse{Message: err.Error()})
		return
	}

	outcome, err := s.registry.Start(req.ID)
	if err != nil {
		s.respond(msg, StartExperimentResponse{Message: err.Error()})
		return
	}
	s.respond(msg, StartExperimentResponse{
		Success:   true,
		Message:   outcome.Message,
		Pending:   outcome.Pending,
		RequestID: outcome.RequestID,
	})
}

func (s *Service) handleStop(msg *nats.Msg) {
	var req ExperimentRef
	if err := s.decodeRef(msg.Data, &req); err != nil {
		s.respond(msg, Reply{Message: err.Error()})
		return
	}
	if err := s.registry.Stop(req.ID); err != nil {
		s.respond(msg, Reply{Message: err.Error()})
		return
	}
	s.respond(msg, Reply{Success: true, Message: "Experiment stopped"})
}

func (s *Service) handleStatus(msg *nats.Msg) {
	var req ExperimentRef
	if err := s.decodeRef(msg.Data, &req); err != nil {
		s.respond(msg, ExperimentStatusResponse{Message: err.Error()})
		return
	}
	e, ok := s.registry.Get(req.ID)
	if !ok {
		s.respond(msg, ExperimentStatusResponse{Message: "experiment not found: " + req.ID})
		return
	}
	s.respond(msg, ExperimentStatusResponse{Success: true, Experiment: e})
}

func (s *Service) handleList(msg *nats.Msg) {
	s.respond(msg, ListExperimentsResponse{Success: true, Experiments: s.registry.List()})
}

func (s *Service) handleAgentStatus(msg *nats.Msg) {
	active := s.registry.ActiveCount()
	pending := s.approvals.PendingCount()

	state := AgentStateIdle
	switch {
	case active > 0:
		state = AgentStateRunningExperiments
	case pending > 0:
		state = AgentStateAwaitingApproval
	}

	resp := AgentStatusResponse{
		AgentState:        state,
		ActiveExperiments: active,
		PendingApprovals:  pending,
		LastUpdated:       time.Now().UTC(),
	}
	if s.resources != nil {
		resp.CPUPercent = s.resources.CPUPercent()
		resp.MemoryMB = s.resources.MemoryMB()
	}
	if s.syncUp != nil {
		resp.SyncConnected = s.syncUp()
	}
	s.respond(msg, resp)
}

func (s *Service) handleGetLogs(msg *nats.Msg) {
	var req GetLogsRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(msg, GetLogsResponse{})
			return
		}
	}
	entries := s.stream.Snapshot(logstream.Filter{
		ExperimentID: req.ExperimentID,
		MinLevel:     req.MinLevel,
	})
	s.respond(msg, GetLogsResponse{
		Success:     true,
		Entries:     entries,
		LiveSubject: logstream.LiveSubject(req.ExperimentID),
	})
}

func (s *Service) handleApproveDecision(msg *nats.Msg) {
	var req ApproveDecisionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, Reply{Message: "malformed request: " + err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		s.respond(msg, Reply{Message: err.Error()})
		return
	}

	var err error
	if req.Approved {
		err = s.approvals.Approve(req.DecisionID, req.UserID, req.Reason)
	} else {
		err = s.approvals.Reject(req.DecisionID, req.UserID, req.Reason)
	}
	if err != nil {
		s.respond(msg, Reply{Message: err.Error()})
		return
	}
	verdict := "rejected"
	if req.Approved {
		verdict = "approved"
	}
	s.respond(msg, Reply{Success: true, Message: "Decision " + verdict})
}

func (s *Service) handleListApprovals(msg *nats.Msg) {
	var req ListApprovalsRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(msg, ListApprovalsResponse{})
			return
		}
	}
	requests := s.approvals.List(approval.Filter{
		UserID:   req.UserID,
		Status:   approval.Status(req.Status),
		Category: req.Category,
	})
	s.respond(msg, ListApprovalsResponse{Success: true, Requests: requests})
}

// handleStopAgent is the kill switch: every experiment force-stops, then
// the agent shuts down. The reply goes out before the shutdown callback so
// the caller hears back.
func (s *Service) handleStopAgent(msg *nats.Msg) {
	stopped := s.registry.StopAll()
	s.respond(msg, Reply{
		Success: true,
		Message: fmt.Sprintf("Agent stopping, %d experiments stopped", stopped),
	})
	s.logger.Info("Kill switch engaged", "experiments_stopped", stopped)
	if s.onStop != nil {
		go s.onStop()
	}
}

func (s *Service) decodeRef(data []byte, ref *ExperimentRef) error {
	if err := json.Unmarshal(data, ref); err != nil {
		return fmt.Errorf("malformed request: %w", err)
	}
	return ref.Validate()
}

func (s *Service) respond(msg *nats.Msg, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to marshal RPC reply", "subject", msg.Subject, "error", err)
		return
	}
	if err := msg.Respond(payload); err != nil {
		s.logger.Warn("Failed to send RPC reply", "subject", msg.Subject, "error", err)
	}
}
