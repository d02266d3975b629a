package autonomy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autonomylab/agentcore/approval"
	"github.com/autonomylab/agentcore/notify"
)

// ActionStatus is the outcome classification of ExecuteAction.
type ActionStatus string

const (
	ActionExecuted          ActionStatus = "executed"
	ActionFailed            ActionStatus = "failed"
	ActionProhibited        ActionStatus = "prohibited"
	ActionApprovalRequested ActionStatus = "approval_requested"
)

// ExecFn is the continuation that performs the gated action once permitted.
type ExecFn func(ctx Context) (any, error)

// ActionResult reports what ExecuteAction did with a requested action.
type ActionResult struct {
	ActionID  string       `json:"action_id"`
	Status    ActionStatus `json:"status"`
	Result    any          `json:"result,omitempty"`
	Err       string       `json:"error,omitempty"`
	RequestID string       `json:"request_id,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// ExecuteParams describes an action submitted to ExecuteAction.
type ExecuteParams struct {
	Category    Category
	Action      string
	Context     Context
	Title       string
	Description string
	UserID      string
	Execute     ExecFn
}

// pendingAction is a parked continuation awaiting an approval outcome.
type pendingAction struct {
	actionID  string
	category  Category
	action    string
	ctx       Context
	execute   ExecFn
	userID    string
	createdAt time.Time
}

// Framework composes the decision matrix and risk assessor into the single
// gate the rest of the agent consults, and owns the resumption of
// approval-gated actions. Approval outcomes are delivered to a dispatcher
// goroutine over a channel, never as re-entrant calls, which keeps lock
// ordering trivial.
type Framework struct {
	matrix        *Matrix
	assessor      *Assessor
	notifications *notify.Store
	approvals     *approval.Workflow
	logger        *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingAction

	outcomes chan *approval.Request

	housekeeping time.Duration
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewFramework wires the facade. housekeeping <= 0 disables the periodic
// expiry sweep (callers can still sweep through the workflow directly).
func NewFramework(matrix *Matrix, assessor *Assessor, notifications *notify.Store, approvals *approval.Workflow, housekeeping time.Duration, logger *slog.Logger) *Framework {
	if logger == nil {
		logger = slog.Default()
	}
	return &Framework{
		matrix:        matrix,
		assessor:      assessor,
		notifications: notifications,
		approvals:     approvals,
		logger:        logger,
		pending:       make(map[string]*pendingAction),
		outcomes:      make(chan *approval.Request, 64),
		housekeeping:  housekeeping,
	}
}

// Matrix returns the decision matrix for inspection and policy updates.
func (f *Framework) Matrix() *Matrix { return f.matrix }

// Assessor returns the risk assessor for profile management.
func (f *Framework) Assessor() *Assessor { return f.assessor }

// Start launches the outcome dispatcher and the housekeeping ticker.
func (f *Framework) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	f.wg.Add(1)
	go f.dispatchOutcomes(runCtx)

	if f.housekeeping > 0 {
		f.wg.Add(1)
		go f.runHousekeeping(runCtx)
	}
	f.logger.Info("Autonomy framework started")
	return nil
}

// Stop halts the dispatcher and housekeeping and waits for them to exit.
func (f *Framework) Stop() error {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
	f.logger.Info("Autonomy framework stopped")
	return nil
}

// CanExecute decides whether an action may run right now. A PROHIBITED
// matrix verdict always wins; otherwise a risk assessment outside the active
// tolerance profile vetoes even an autonomous matrix level.
func (f *Framework) CanExecute(category Category, action string, ctx Context) (bool, string) {
	level := f.matrix.ApprovalLevel(category, action, ctx)
	if level == LevelProhibited {
		return false, "Action prohibited"
	}

	assessment := f.assessor.Assess(action, ctx)
	if ok, reason := f.assessor.WithinTolerance(assessment); !ok {
		return false, "Risk exceeds tolerance: " + reason
	}

	switch level {
	case LevelAutonomous:
		return true, ""
	case LevelNotify:
		return true, "notify"
	default:
		return false, "Approval required"
	}
}

// ExecuteAction runs an action under governance. Permitted actions run
// inline on the caller's goroutine; approval-gated actions park their
// continuation and return immediately with the approval request id.
func (f *Framework) ExecuteAction(p ExecuteParams) ActionResult {
	actionID := uuid.New().String()

	ok, reason := f.CanExecute(p.Category, p.Action, p.Context)
	if ok {
		if reason == "notify" {
			f.notifications.Create(notify.CreateParams{
				Title:    "Action Executed: " + p.Title,
				Message:  fmt.Sprintf("The agent performed %s (%s).", p.Action, p.Category),
				Type:     notify.TypeInfo,
				Priority: notify.PriorityLow,
				UserID:   p.UserID,
			})
		}
		return f.runInline(actionID, p)
	}

	if reason == "Approval required" {
		return f.parkForApproval(actionID, p)
	}

	// Prohibited outright or vetoed by risk tolerance.
	f.notifications.Create(notify.CreateParams{
		Title:    "Action Blocked: " + p.Title,
		Message:  fmt.Sprintf("The agent was not permitted to perform %s: %s", p.Action, reason),
		Type:     notify.TypeWarning,
		Priority: notify.PriorityMedium,
		UserID:   p.UserID,
	})
	f.logger.Warn("Action prohibited",
		"action_id", actionID,
		"category", p.Category,
		"action", p.Action,
		"reason", reason)
	return ActionResult{ActionID: actionID, Status: ActionProhibited, Reason: reason}
}

// ResolutionCallback returns the callback the approval workflow should fire
// when a request reaches a terminal status. Restored requests get this same
// callback re-attached at startup.
func (f *Framework) ResolutionCallback() approval.Callback {
	return func(req *approval.Request) {
		select {
		case f.outcomes <- req:
		default:
			// The dispatcher is saturated or stopped. Handle inline rather
			// than lose the outcome.
			f.logger.Warn("Outcome channel full, handling inline", "request_id", req.ID)
			f.handleOutcome(req)
		}
	}
}

func (f *Framework) runInline(actionID string, p ExecuteParams) ActionResult {
	result, err := p.Execute(p.Context)
	if err != nil {
		f.logger.Error("Action failed",
			"action_id", actionID,
			"category", p.Category,
			"action", p.Action,
			"error", err)
		return ActionResult{ActionID: actionID, Status: ActionFailed, Err: err.Error()}
	}
	f.logger.Info("Action executed",
		"action_id", actionID,
		"category", p.Category,
		"action", p.Action)
	return ActionResult{ActionID: actionID, Status: ActionExecuted, Result: result}
}

func (f *Framework) parkForApproval(actionID string, p ExecuteParams) ActionResult {
	f.mu.Lock()
	f.pending[actionID] = &pendingAction{
		actionID:  actionID,
		category:  p.Category,
		action:    p.Action,
		ctx:       p.Context,
		execute:   p.Execute,
		userID:    p.UserID,
		createdAt: time.Now().UTC(),
	}
	f.mu.Unlock()

	req := f.approvals.Create(approval.CreateParams{
		Title:       p.Title,
		Description: p.Description,
		Category:    string(p.Category),
		Action:      p.Action,
		Context:     map[string]any(p.Context),
		UserID:      p.UserID,
		ActionID:    actionID,
		Callback:    f.ResolutionCallback(),
	})

	f.logger.Info("Action parked for approval",
		"action_id", actionID,
		"request_id", req.ID,
		"category", p.Category,
		"action", p.Action)
	return ActionResult{
		ActionID:  actionID,
		Status:    ActionApprovalRequested,
		RequestID: req.ID,
		Reason:    "Approval required",
	}
}

func (f *Framework) dispatchOutcomes(ctx context.Context) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-f.outcomes:
			f.handleOutcome(req)
		}
	}
}

// handleOutcome resumes or discards the continuation parked for a resolved
// request. The pending entry is removed on every terminal outcome, so the
// continuation can never run twice.
func (f *Framework) handleOutcome(req *approval.Request) {
	f.mu.Lock()
	pa := f.pending[req.ActionID]
	delete(f.pending, req.ActionID)
	f.mu.Unlock()

	switch req.Status {
	case approval.StatusApproved:
		if pa == nil {
			// Approved after a restart: the continuation did not survive.
			f.logger.Warn("Approved request has no pending continuation",
				"request_id", req.ID, "action_id", req.ActionID)
			f.notifications.Create(notify.CreateParams{
				Title:    "Approved Action Lost: " + req.Title,
				Message:  "The approval was granted, but the pending action did not survive an agent restart. Please resubmit it.",
				Type:     notify.TypeWarning,
				Priority: notify.PriorityMedium,
				UserID:   req.UserID,
			})
			return
		}
		result, err := pa.execute(pa.ctx)
		if err != nil {
			f.logger.Error("Approved action failed",
				"request_id", req.ID, "action_id", pa.actionID, "error", err)
			f.notifications.Create(notify.CreateParams{
				Title:    "Approved Action Failed: " + req.Title,
				Message:  fmt.Sprintf("The approved action %s failed: %v", pa.action, err),
				Type:     notify.TypeError,
				Priority: notify.PriorityHigh,
				UserID:   req.UserID,
			})
			return
		}
		f.logger.Info("Approved action executed",
			"request_id", req.ID, "action_id", pa.actionID)
		f.notifications.Create(notify.CreateParams{
			Title:    "Approved Action Completed: " + req.Title,
			Message:  fmt.Sprintf("The approved action %s completed: %v", pa.action, result),
			Type:     notify.TypeInfo,
			Priority: notify.PriorityLow,
			UserID:   req.UserID,
		})

	case approval.StatusRejected, approval.StatusExpired, approval.StatusCancelled:
		f.logger.Info("Gated action will not run",
			"request_id", req.ID,
			"action_id", req.ActionID,
			"outcome", req.Status)
		f.notifications.Create(notify.CreateParams{
			Title:    fmt.Sprintf("Action %s: %s", req.Status, req.Title),
			Message:  fmt.Sprintf("The pending action %s was %s and will not run.", req.Action, req.Status),
			Type:     notify.TypeInfo,
			Priority: notify.PriorityLow,
			UserID:   req.UserID,
		})

	default:
		f.logger.Warn("Ignoring non-terminal approval outcome",
			"request_id", req.ID, "status", req.Status)
	}
}

func (f *Framework) runHousekeeping(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.housekeeping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := f.approvals.SweepExpired(); n > 0 {
				f.logger.Debug("Housekeeping expired approvals", "count", n)
			}
			if n := f.notifications.SweepExpired(); n > 0 {
				f.logger.Debug("Housekeeping expired notifications", "count", n)
			}
		}
	}
}

// PendingActions returns the number of parked continuations.
func (f *Framework) PendingActions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}
