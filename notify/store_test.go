package notify

import (
	"sync"
	"testing"
	"time"
)

// recordingSyncer captures sync calls for assertions.
type recordingSyncer struct {
	mu      sync.Mutex
	created []string
	updated []string
}

func (r *recordingSyncer) SyncNotification(n *Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, n.ID)
}

func (r *recordingSyncer) UpdateNotification(n *Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, n.ID)
}

func (r *recordingSyncer) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created), len(r.updated)
}

func TestCreateAndGet(t *testing.T) {
	syncer := &recordingSyncer{}
	s := NewStore(syncer, nil)

	n := s.Create(CreateParams{
		Title:   "Experiment started",
		Message: "The ebook experiment is running",
		Type:    TypeInfo,
	})
	if n.ID == "" {
		t.Fatal("expected an id")
	}
	if n.Status != StatusPending {
		t.Errorf("status = %s, want pending", n.Status)
	}
	if n.Priority != PriorityMedium {
		t.Errorf("priority defaults to medium, got %s", n.Priority)
	}

	got, ok := s.Get(n.ID)
	if !ok {
		t.Fatal("created notification not found")
	}
	if got.Title != n.Title {
		t.Errorf("title = %q, want %q", got.Title, n.Title)
	}

	if created, _ := syncer.counts(); created != 1 {
		t.Errorf("expected 1 sync, got %d", created)
	}
}

func TestQueryFilters(t *testing.T) {
	s := NewStore(nil, nil)
	s.Create(CreateParams{Title: "a", Type: TypeInfo, UserID: "u1"})
	s.Create(CreateParams{Title: "b", Type: TypeWarning, UserID: "u1"})
	s.Create(CreateParams{Title: "c", Type: TypeInfo, UserID: "u2", ActionRequired: true})

	if got := len(s.Query(Filter{UserID: "u1"})); got != 2 {
		t.Errorf("user filter: got %d, want 2", got)
	}
	if got := len(s.Query(Filter{Type: TypeInfo})); got != 2 {
		t.Errorf("type filter: got %d, want 2", got)
	}
	required := true
	if got := len(s.Query(Filter{ActionRequired: &required})); got != 1 {
		t.Errorf("action filter: got %d, want 1", got)
	}
	if got := len(s.Query(Filter{})); got != 3 {
		t.Errorf("empty filter: got %d, want 3", got)
	}
}

func TestTakeActionRules(t *testing.T) {
	syncer := &recordingSyncer{}
	s := NewStore(syncer, nil)

	t.Run("requires action_required", func(t *testing.T) {
		n := s.Create(CreateParams{Title: "fyi", Type: TypeInfo})
		if err := s.TakeAction(n.ID, "dismiss"); err == nil {
			t.Error("expected refusal for non-actionable notification")
		}
	})

	t.Run("rejects action outside allowed set", func(t *testing.T) {
		n := s.Create(CreateParams{
			Title:          "decide",
			Type:           TypeApprovalRequest,
			ActionRequired: true,
			AllowedActions: []string{"approve", "reject"},
		})
		if err := s.TakeAction(n.ID, "ignore"); err == nil {
			t.Error("expected refusal for disallowed action")
		}
	})

	t.Run("accepts allowed action once", func(t *testing.T) {
		n := s.Create(CreateParams{
			Title:          "decide",
			Type:           TypeApprovalRequest,
			ActionRequired: true,
			AllowedActions: []string{"approve", "reject"},
		})
		if err := s.TakeAction(n.ID, "approve"); err != nil {
			t.Fatalf("TakeAction: %v", err)
		}
		got, _ := s.Get(n.ID)
		if got.Status != StatusActioned {
			t.Errorf("status = %s, want actioned", got.Status)
		}
		if got.ActionTaken != "approve" || got.ActionAt == nil {
			t.Errorf("action fields not recorded: %+v", got)
		}
	})

	t.Run("rejects action on expired", func(t *testing.T) {
		now := time.Now()
		s.SetClock(func() time.Time { return now })
		expiry := now.Add(time.Minute)
		n := s.Create(CreateParams{
			Title:          "decide",
			Type:           TypeApprovalRequest,
			ActionRequired: true,
			ExpiresAt:      &expiry,
		})
		s.SetClock(func() time.Time { return now.Add(2 * time.Minute) })
		if err := s.TakeAction(n.ID, "approve"); err == nil {
			t.Error("expected refusal for expired notification")
		}
	})
}

func TestSweepExpired(t *testing.T) {
	syncer := &recordingSyncer{}
	s := NewStore(syncer, nil)
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	expiry := now.Add(time.Minute)
	expiring := s.Create(CreateParams{Title: "short lived", Type: TypeInfo, ExpiresAt: &expiry})
	forever := s.Create(CreateParams{Title: "no expiry", Type: TypeInfo})

	s.SetClock(func() time.Time { return now.Add(2 * time.Minute) })
	if swept := s.SweepExpired(); swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	got, _ := s.Get(expiring.ID)
	if got.Status != StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	kept, _ := s.Get(forever.ID)
	if kept.Status != StatusPending {
		t.Errorf("status = %s, want pending", kept.Status)
	}

	// Repeat sweeps find nothing new.
	if swept := s.SweepExpired(); swept != 0 {
		t.Errorf("second sweep = %d, want 0", swept)
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	syncer := &recordingSyncer{}
	s := NewStore(syncer, nil)
	n := s.Create(CreateParams{Title: "x", Type: TypeInfo})

	if err := s.MarkRead(n.ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	got, _ := s.Get(n.ID)
	if got.Status != StatusRead || got.ReadAt == nil {
		t.Fatalf("read fields not set: %+v", got)
	}
	firstReadAt := *got.ReadAt

	if err := s.MarkRead(n.ID); err != nil {
		t.Fatalf("second MarkRead: %v", err)
	}
	got, _ = s.Get(n.ID)
	if !got.ReadAt.Equal(firstReadAt) {
		t.Error("second MarkRead must not move read_at")
	}
	if _, updated := syncer.counts(); updated != 1 {
		t.Errorf("expected 1 update sync, got %d", updated)
	}
}

func TestRestoreExpiresStale(t *testing.T) {
	s := NewStore(nil, nil)
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	past := now.Add(-time.Hour)
	s.Restore([]Notification{
		{ID: "n1", Title: "stale", Status: StatusPending, ExpiresAt: &past},
		{ID: "n2", Title: "live", Status: StatusPending},
		{ID: "n3", Title: "done", Status: StatusActioned},
	})

	if got, _ := s.Get("n1"); got.Status != StatusExpired {
		t.Errorf("stale restore should expire, got %s", got.Status)
	}
	if got, _ := s.Get("n2"); got.Status != StatusPending {
		t.Errorf("live restore should stay pending, got %s", got.Status)
	}
	if _, ok := s.Get("n3"); ok {
		t.Error("actioned notifications should not be restored")
	}
}
