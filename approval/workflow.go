package approval

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autonomylab/agentcore/notify"
)

// DefaultExpiry is how long a request stays actionable when the caller does
// not say otherwise.
const DefaultExpiry = 24 * time.Hour

// Callback receives the request exactly once, after it has reached a
// terminal status. Callbacks run outside the workflow lock.
type Callback func(req *Request)

// Syncer replicates approval requests to the remote store without blocking
// the caller.
type Syncer interface {
	SyncApproval(r *Request)
	UpdateApprovalStatus(r *Request)
}

// CreateParams carries the fields for a new approval request. A nil
// ExpiryHours falls back to the workflow default; zero expires immediately.
type CreateParams struct {
	Title       string
	Description string
	Category    string
	Action      string
	Context     map[string]any
	UserID      string
	ActionID    string
	ExpiryHours *float64
	Callback    Callback
}

// Filter selects requests in List. Zero-valued fields match anything.
type Filter struct {
	UserID   string
	Status   Status
	Category string
}

// Workflow owns approval requests and their resolution callbacks. Callbacks
// are collected under the lock and invoked after it is released, so they may
// freely call back into other subsystems.
type Workflow struct {
	mu            sync.Mutex
	requests      map[string]*Request
	callbacks     map[string]Callback
	notifications *notify.Store
	syncer        Syncer
	defaultExpiry time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// NewWorkflow creates an empty workflow. syncer may be nil for offline use.
func NewWorkflow(notifications *notify.Store, syncer Syncer, defaultExpiry time.Duration, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultExpiry <= 0 {
		defaultExpiry = DefaultExpiry
	}
	return &Workflow{
		requests:      make(map[string]*Request),
		callbacks:     make(map[string]Callback),
		notifications: notifications,
		syncer:        syncer,
		defaultExpiry: defaultExpiry,
		logger:        logger,
		now:           time.Now,
	}
}

// SetClock overrides the workflow's clock, for tests.
func (w *Workflow) SetClock(now func() time.Time) { w.now = now }

// Create stores a new PENDING request, raises a linked high-priority
// approval-request notification, and replicates both.
func (w *Workflow) Create(p CreateParams) *Request {
	now := w.now().UTC()
	expiry := w.defaultExpiry
	if p.ExpiryHours != nil {
		expiry = time.Duration(*p.ExpiryHours * float64(time.Hour))
	}
	expiresAt := now.Add(expiry)

	req := &Request{
		ID:          uuid.New().String(),
		Title:       p.Title,
		Description: p.Description,
		Category:    p.Category,
		Action:      p.Action,
		Context:     p.Context,
		UserID:      p.UserID,
		CreatedAt:   now,
		ExpiresAt:   &expiresAt,
		Status:      StatusPending,
		ActionID:    p.ActionID,
	}

	if w.notifications != nil {
		n := w.notifications.Create(notify.CreateParams{
			Title:             "Approval Required: " + p.Title,
			Message:           p.Description,
			Type:              notify.TypeApprovalRequest,
			Priority:          notify.PriorityHigh,
			UserID:            p.UserID,
			RelatedEntityID:   req.ID,
			RelatedEntityKind: "approval_request",
			ActionRequired:    true,
			AllowedActions:    []string{"approve", "reject"},
			ExpiresAt:         &expiresAt,
		})
		req.NotificationID = n.ID
	}

	w.mu.Lock()
	w.requests[req.ID] = req
	if p.Callback != nil {
		w.callbacks[req.ID] = p.Callback
	}
	out := req.clone()
	w.mu.Unlock()

	w.logger.Info("Created approval request",
		"request_id", req.ID,
		"category", p.Category,
		"action", p.Action,
		"expires_at", expiresAt)
	if w.syncer != nil {
		w.syncer.SyncApproval(out)
	}
	return out
}

// Get returns a copy of the request, expiring it first if its expiry has
// passed.
func (w *Workflow) Get(id string) (*Request, bool) {
	w.mu.Lock()
	req, ok := w.requests[id]
	if !ok {
		w.mu.Unlock()
		return nil, false
	}
	expired, cb := w.expireLocked(req)
	out := req.clone()
	w.mu.Unlock()

	if expired {
		w.finishExpiry(out, cb)
	}
	return out, true
}

// List returns copies of all requests matching the filter, applying the
// expiry sweep first.
func (w *Workflow) List(f Filter) []*Request {
	w.SweepExpired()

	w.mu.Lock()
	defer w.mu.Unlock()

	var out []*Request
	for _, req := range w.requests {
		if f.UserID != "" && req.UserID != f.UserID {
			continue
		}
		if f.Status != "" && req.Status != f.Status {
			continue
		}
		if f.Category != "" && req.Category != f.Category {
			continue
		}
		out = append(out, req.clone())
	}
	return out
}

// Approve resolves a PENDING request as approved and fires its callback.
func (w *Workflow) Approve(id, user, reason string) error {
	return w.decide(id, StatusApproved, user, reason)
}

// Reject resolves a PENDING request as rejected and fires its callback.
func (w *Workflow) Reject(id, user, reason string) error {
	return w.decide(id, StatusRejected, user, reason)
}

// Cancel withdraws a PENDING request, firing its callback with the cancelled
// status.
func (w *Workflow) Cancel(id string) error {
	return w.decide(id, StatusCancelled, "", "")
}

func (w *Workflow) decide(id string, status Status, user, reason string) error {
	w.mu.Lock()
	req, ok := w.requests[id]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("approval request not found: %s", id)
	}
	if expired, cb := w.expireLocked(req); expired {
		out := req.clone()
		w.mu.Unlock()
		w.finishExpiry(out, cb)
		return fmt.Errorf("approval request %s has expired", id)
	}
	if req.Status != StatusPending {
		w.mu.Unlock()
		return fmt.Errorf("approval request %s is not pending (status %s)", id, req.Status)
	}

	now := w.now().UTC()
	req.Status = status
	req.DecidedAt = &now
	req.DecidedBy = user
	req.DecisionReason = reason
	cb := w.takeCallbackLocked(req.ID)
	out := req.clone()
	w.mu.Unlock()

	w.logger.Info("Resolved approval request",
		"request_id", id,
		"status", status,
		"user", user)
	w.markNotificationDecided(out, status)
	if w.syncer != nil {
		w.syncer.UpdateApprovalStatus(out)
	}
	if cb != nil {
		cb(out)
	}
	return nil
}

// SweepExpired transitions every PENDING request past its expiry to EXPIRED
// and fires the callbacks. Returns the number of requests swept.
func (w *Workflow) SweepExpired() int {
	now := w.now()

	type sweptReq struct {
		req *Request
		cb  Callback
	}

	w.mu.Lock()
	var swept []sweptReq
	for _, req := range w.requests {
		if req.Status != StatusPending || !req.Expired(now) {
			continue
		}
		req.Status = StatusExpired
		swept = append(swept, sweptReq{req: req.clone(), cb: w.takeCallbackLocked(req.ID)})
	}
	w.mu.Unlock()

	for _, s := range swept {
		w.finishExpiry(s.req, s.cb)
	}
	return len(swept)
}

// Restore seeds the workflow from previously persisted requests, attaching
// cb to each restored PENDING request, then applies the expiry sweep.
// Requests already terminal are kept for inspection but get no callback.
func (w *Workflow) Restore(records []Request, cb Callback) {
	w.mu.Lock()
	restored := 0
	for i := range records {
		req := records[i]
		if _, exists := w.requests[req.ID]; exists {
			continue
		}
		w.requests[req.ID] = &req
		if req.Status == StatusPending && cb != nil {
			w.callbacks[req.ID] = cb
		}
		restored++
	}
	w.mu.Unlock()

	if restored > 0 {
		w.logger.Info("Restored approval requests", "count", restored)
	}
	w.SweepExpired()
}

// PendingCount returns the number of PENDING requests. It does not sweep.
func (w *Workflow) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	count := 0
	for _, req := range w.requests {
		if req.Status == StatusPending {
			count++
		}
	}
	return count
}

// expireLocked transitions a PENDING request past its expiry to EXPIRED and
// detaches its callback. Caller holds the lock and must run finishExpiry on
// a clone after releasing it.
func (w *Workflow) expireLocked(req *Request) (bool, Callback) {
	if req.Status != StatusPending || !req.Expired(w.now()) {
		return false, nil
	}
	req.Status = StatusExpired
	return true, w.takeCallbackLocked(req.ID)
}

func (w *Workflow) takeCallbackLocked(id string) Callback {
	cb := w.callbacks[id]
	delete(w.callbacks, id)
	return cb
}

// finishExpiry performs the post-unlock half of an expiry transition.
func (w *Workflow) finishExpiry(req *Request, cb Callback) {
	w.logger.Info("Approval request expired", "request_id", req.ID)
	if w.notifications != nil && req.NotificationID != "" {
		if err := w.notifications.UpdateStatus(req.NotificationID, notify.StatusExpired); err != nil {
			w.logger.Warn("Failed to expire linked notification",
				"request_id", req.ID, "notification_id", req.NotificationID, "error", err)
		}
	}
	if w.syncer != nil {
		w.syncer.UpdateApprovalStatus(req)
	}
	if cb != nil {
		cb(req)
	}
}

func (w *Workflow) markNotificationDecided(req *Request, status Status) {
	if w.notifications == nil || req.NotificationID == "" {
		return
	}
	var err error
	switch status {
	case StatusApproved:
		err = w.notifications.TakeAction(req.NotificationID, "approve")
	case StatusRejected:
		err = w.notifications.TakeAction(req.NotificationID, "reject")
	default:
		err = w.notifications.UpdateStatus(req.NotificationID, notify.StatusActioned)
	}
	if err != nil {
		w.logger.Warn("Failed to mark linked notification",
			"request_id", req.ID, "notification_id", req.NotificationID, "error", err)
	}
}
