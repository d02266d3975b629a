// Package notify implements the notification store: user-visible events the
// agent emits about its activity, including the approval-request
// notifications that carry pending human decisions.
package notify

import "time"

// Type classifies a notification.
type Type string

const (
	TypeInfo            Type = "info"
	TypeWarning         Type = "warning"
	TypeError           Type = "error"
	TypeApprovalRequest Type = "approval_request"
	TypeStatusUpdate    Type = "status_update"
)

// Priority is the urgency of a notification.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Status is the delivery state of a notification.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusActioned  Status = "actioned"
	StatusExpired   Status = "expired"
)

// Notification is a user-visible event. Notifications with ActionRequired
// set reject actions outside their AllowedActions set.
type Notification struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Message           string     `json:"message"`
	Type              Type       `json:"type"`
	Priority          Priority   `json:"priority"`
	UserID            string     `json:"user_id,omitempty"`
	RelatedEntityID   string     `json:"related_entity_id,omitempty"`
	RelatedEntityKind string     `json:"related_entity_kind,omitempty"`
	ActionRequired    bool       `json:"action_required"`
	AllowedActions    []string   `json:"allowed_actions,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	Status            Status     `json:"status"`
	ReadAt            *time.Time `json:"read_at,omitempty"`
	ActionTaken       string     `json:"action_taken,omitempty"`
	ActionAt          *time.Time `json:"action_at,omitempty"`
}

// Expired reports whether the notification is past its expiry at the given
// instant. Notifications without an expiry never expire.
func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && now.After(*n.ExpiresAt)
}

func (n *Notification) allowsAction(action string) bool {
	if len(n.AllowedActions) == 0 {
		return true
	}
	for _, a := range n.AllowedActions {
		if a == action {
			return true
		}
	}
	return false
}

// clone returns a copy safe to hand outside the store lock.
func (n *Notification) clone() *Notification {
	cp := *n
	if n.AllowedActions != nil {
		cp.AllowedActions = append([]string(nil), n.AllowedActions...)
	}
	return &cp
}
