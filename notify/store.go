package notify

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Syncer replicates notifications to the remote store. Implementations must
// never block the caller; the sync bridge satisfies this by enqueueing.
type Syncer interface {
	SyncNotification(n *Notification)
	UpdateNotification(n *Notification)
}

// CreateParams carries the fields for a new notification.
type CreateParams struct {
	Title             string
	Message           string
	Type              Type
	Priority          Priority
	UserID            string
	RelatedEntityID   string
	RelatedEntityKind string
	ActionRequired    bool
	AllowedActions    []string
	ExpiresAt         *time.Time
}

// Filter selects notifications in Query. Zero-valued fields match anything.
type Filter struct {
	UserID            string
	Status            Status
	Type              Type
	RelatedEntityID   string
	RelatedEntityKind string
	ActionRequired    *bool
}

// Store holds notifications in memory and write-through replicates every
// mutation via the Syncer.
type Store struct {
	mu            sync.Mutex
	notifications map[string]*Notification
	syncer        Syncer
	logger        *slog.Logger
	now           func() time.Time
}

// NewStore creates an empty notification store. syncer may be nil for
// offline use.
func NewStore(syncer Syncer, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		notifications: make(map[string]*Notification),
		syncer:        syncer,
		logger:        logger,
		now:           time.Now,
	}
}

// SetClock overrides the store's clock, for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Create stores a new notification and replicates it.
func (s *Store) Create(p CreateParams) *Notification {
	if p.Priority == "" {
		p.Priority = PriorityMedium
	}
	n := &Notification{
		ID:                uuid.New().String(),
		Title:             p.Title,
		Message:           p.Message,
		Type:              p.Type,
		Priority:          p.Priority,
		UserID:            p.UserID,
		RelatedEntityID:   p.RelatedEntityID,
		RelatedEntityKind: p.RelatedEntityKind,
		ActionRequired:    p.ActionRequired,
		AllowedActions:    append([]string(nil), p.AllowedActions...),
		CreatedAt:         s.now().UTC(),
		ExpiresAt:         p.ExpiresAt,
		Status:            StatusPending,
	}

	s.mu.Lock()
	s.notifications[n.ID] = n
	out := n.clone()
	s.mu.Unlock()

	s.logger.Info("Created notification", "notification_id", n.ID, "title", p.Title, "type", p.Type)
	if s.syncer != nil {
		s.syncer.SyncNotification(out)
	}
	return out
}

// Get returns a copy of the notification, or false when unknown.
func (s *Store) Get(id string) (*Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return nil, false
	}
	return n.clone(), true
}

// Query returns copies of all notifications matching the filter.
func (s *Store) Query(f Filter) []*Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Notification
	for _, n := range s.notifications {
		if f.UserID != "" && n.UserID != f.UserID {
			continue
		}
		if f.Status != "" && n.Status != f.Status {
			continue
		}
		if f.Type != "" && n.Type != f.Type {
			continue
		}
		if f.RelatedEntityID != "" && n.RelatedEntityID != f.RelatedEntityID {
			continue
		}
		if f.RelatedEntityKind != "" && n.RelatedEntityKind != f.RelatedEntityKind {
			continue
		}
		if f.ActionRequired != nil && n.ActionRequired != *f.ActionRequired {
			continue
		}
		out = append(out, n.clone())
	}
	return out
}

// UpdateStatus sets a notification's status and replicates the change.
func (s *Store) UpdateStatus(id string, status Status) error {
	s.mu.Lock()
	n, ok := s.notifications[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("Attempted to update unknown notification", "notification_id", id)
		return fmt.Errorf("notification not found: %s", id)
	}
	n.Status = status
	out := n.clone()
	s.mu.Unlock()

	if s.syncer != nil {
		s.syncer.UpdateNotification(out)
	}
	return nil
}

// MarkRead marks a notification read, recording the read time once.
func (s *Store) MarkRead(id string) error {
	s.mu.Lock()
	n, ok := s.notifications[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("notification not found: %s", id)
	}
	if n.Status == StatusRead {
		s.mu.Unlock()
		return nil
	}
	now := s.now().UTC()
	n.Status = StatusRead
	n.ReadAt = &now
	out := n.clone()
	s.mu.Unlock()

	if s.syncer != nil {
		s.syncer.UpdateNotification(out)
	}
	return nil
}

// TakeAction records a user action on an action-required notification. It
// refuses when the notification does not require action, has expired, or the
// action is outside the allowed set.
func (s *Store) TakeAction(id, action string) error {
	s.mu.Lock()
	n, ok := s.notifications[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("Attempted action on unknown notification", "notification_id", id)
		return fmt.Errorf("notification not found: %s", id)
	}
	if !n.ActionRequired {
		s.mu.Unlock()
		s.logger.Warn("Attempted action on notification that requires none", "notification_id", id)
		return fmt.Errorf("notification %s does not require action", id)
	}
	if n.Status == StatusExpired || n.Expired(s.now()) {
		s.mu.Unlock()
		s.logger.Warn("Attempted action on expired notification", "notification_id", id)
		return fmt.Errorf("notification %s has expired", id)
	}
	if !n.allowsAction(action) {
		s.mu.Unlock()
		s.logger.Warn("Invalid action for notification", "notification_id", id, "action", action)
		return fmt.Errorf("invalid action %q for notification %s", action, id)
	}

	now := s.now().UTC()
	n.ActionTaken = action
	n.ActionAt = &now
	n.Status = StatusActioned
	out := n.clone()
	s.mu.Unlock()

	if s.syncer != nil {
		s.syncer.UpdateNotification(out)
	}
	return nil
}

// SweepExpired marks every non-terminal notification past its expiry as
// EXPIRED. It returns the number of notifications swept.
func (s *Store) SweepExpired() int {
	now := s.now()

	s.mu.Lock()
	var swept []*Notification
	for _, n := range s.notifications {
		if n.Status == StatusExpired || n.Status == StatusActioned {
			continue
		}
		if n.Expired(now) {
			n.Status = StatusExpired
			swept = append(swept, n.clone())
		}
	}
	s.mu.Unlock()

	for _, n := range swept {
		s.logger.Info("Notification expired", "notification_id", n.ID)
		if s.syncer != nil {
			s.syncer.UpdateNotification(n)
		}
	}
	return len(swept)
}

// Restore seeds the store from previously persisted notifications, skipping
// actioned ones and immediately expiring any whose expiry has passed.
func (s *Store) Restore(records []Notification) {
	now := s.now()

	s.mu.Lock()
	var expired []*Notification
	restored := 0
	for i := range records {
		n := records[i]
		if n.Status == StatusActioned {
			continue
		}
		if n.Status != StatusExpired && n.Expired(now) {
			n.Status = StatusExpired
			expired = append(expired, n.clone())
		}
		s.notifications[n.ID] = &n
		restored++
	}
	s.mu.Unlock()

	for _, n := range expired {
		if s.syncer != nil {
			s.syncer.UpdateNotification(n)
		}
	}
	if restored > 0 {
		s.logger.Info("Restored notifications", "count", restored, "expired", len(expired))
	}
}
