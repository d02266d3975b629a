// Package approval tracks human-in-the-loop decisions: requests created when
// the governance layer gates an action, their one-shot resolution, expiry
// sweeps, and cold-start restoration from the remote store.
package approval

import "time"

// Status is the lifecycle state of an approval request. Only PENDING is
// mutable; all other states are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool { return s != StatusPending }

// Request is a pending human decision about a gated action. ActionID links
// back to the parked continuation held by the caller; NotificationID links
// the approval-request notification shown to the user.
type Request struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Category       string         `json:"category"`
	Action         string         `json:"action"`
	Context        map[string]any `json:"context,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	Status         Status         `json:"status"`
	DecidedAt      *time.Time     `json:"decided_at,omitempty"`
	DecidedBy      string         `json:"decided_by,omitempty"`
	DecisionReason string         `json:"decision_reason,omitempty"`
	NotificationID string         `json:"notification_id,omitempty"`
	ActionID       string         `json:"action_id,omitempty"`
}

// Expired reports whether the request is past its expiry at the given
// instant. Requests without an expiry never expire.
func (r *Request) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

func (r *Request) clone() *Request {
	cp := *r
	if r.Context != nil {
		cp.Context = make(map[string]any, len(r.Context))
		for k, v := range r.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}
