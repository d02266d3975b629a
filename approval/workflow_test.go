package approval

import (
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/autonomylab/agentcore/notify"
)

type recordingSyncer struct {
	mu      sync.Mutex
	created int
	updated int
}

func (r *recordingSyncer) SyncApproval(*Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created++
}

func (r *recordingSyncer) UpdateApprovalStatus(*Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated++
}

func newTestWorkflow() (*Workflow, *notify.Store, *recordingSyncer) {
	notifications := notify.NewStore(nil, nil)
	syncer := &recordingSyncer{}
	return NewWorkflow(notifications, syncer, time.Hour, nil), notifications, syncer
}

func hoursPtr(h float64) *float64 { return &h }

func TestCreateLinksNotification(t *testing.T) {
	w, notifications, syncer := newTestWorkflow()

	req := w.Create(CreateParams{
		Title:       "Spend $30",
		Description: "Stock photo bundle",
		Category:    "financial",
		Action:      "spend_money",
		Context:     map[string]any{"amount": 30.0},
		UserID:      "u1",
	})

	if req.Status != StatusPending {
		t.Errorf("status = %s, want pending", req.Status)
	}
	if req.ExpiresAt == nil {
		t.Fatal("expected an expiry")
	}
	if req.NotificationID == "" {
		t.Fatal("expected a linked notification")
	}

	n, ok := notifications.Get(req.NotificationID)
	if !ok {
		t.Fatal("linked notification not found")
	}
	if n.Type != notify.TypeApprovalRequest || n.Priority != notify.PriorityHigh {
		t.Errorf("notification type/priority = %s/%s", n.Type, n.Priority)
	}
	if !n.ActionRequired {
		t.Error("linked notification must require action")
	}
	if n.RelatedEntityID != req.ID {
		t.Errorf("related entity = %s, want %s", n.RelatedEntityID, req.ID)
	}

	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	if syncer.created != 1 {
		t.Errorf("expected 1 create sync, got %d", syncer.created)
	}
}

func TestGetRoundTrip(t *testing.T) {
	w, _, _ := newTestWorkflow()

	created := w.Create(CreateParams{
		Title:       "Spend",
		Description: "desc",
		Category:    "financial",
		Action:      "spend_money",
		Context:     map[string]any{"amount": 12.5, "vendor": "acme"},
		UserID:      "u1",
	})

	got, ok := w.Get(created.ID)
	if !ok {
		t.Fatal("request not found")
	}
	if !reflect.DeepEqual(got, created) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, created)
	}
}

func TestOneShotTransitions(t *testing.T) {
	w, notifications, syncer := newTestWorkflow()

	var calls atomic.Int32
	var lastStatus Status
	req := w.Create(CreateParams{
		Title:    "Spend",
		Category: "financial",
		Action:   "spend_money",
		Callback: func(r *Request) {
			calls.Add(1)
			lastStatus = r.Status
		},
	})

	if err := w.Approve(req.ID, "u1", "ok"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if calls.Load() != 1 || lastStatus != StatusApproved {
		t.Fatalf("callback calls = %d status = %s", calls.Load(), lastStatus)
	}

	// Every later transition attempt fails and fires nothing.
	if err := w.Approve(req.ID, "u2", ""); err == nil {
		t.Error("second approve should fail")
	}
	if err := w.Reject(req.ID, "u2", ""); err == nil {
		t.Error("reject after approve should fail")
	}
	if err := w.Cancel(req.ID); err == nil {
		t.Error("cancel after approve should fail")
	}
	if calls.Load() != 1 {
		t.Errorf("callback fired %d times, want 1", calls.Load())
	}

	got, _ := w.Get(req.ID)
	if got.Status != StatusApproved || got.DecidedBy != "u1" || got.DecisionReason != "ok" {
		t.Errorf("decision fields: %+v", got)
	}

	// The linked notification was actioned.
	n, _ := notifications.Get(req.NotificationID)
	if n.Status != notify.StatusActioned || n.ActionTaken != "approve" {
		t.Errorf("notification = %s/%s, want actioned/approve", n.Status, n.ActionTaken)
	}

	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	if syncer.updated != 1 {
		t.Errorf("expected 1 update sync, got %d", syncer.updated)
	}
}

func TestExpiryOnTouch(t *testing.T) {
	w, _, _ := newTestWorkflow()
	now := time.Now()
	w.SetClock(func() time.Time { return now })

	var calls atomic.Int32
	var outcome Status
	req := w.Create(CreateParams{
		Title:       "Immediate expiry",
		Category:    "financial",
		Action:      "spend_money",
		ExpiryHours: hoursPtr(0),
		Callback: func(r *Request) {
			calls.Add(1)
			outcome = r.Status
		},
	})

	w.SetClock(func() time.Time { return now.Add(time.Second) })

	got, ok := w.Get(req.ID)
	if !ok {
		t.Fatal("request not found")
	}
	if got.Status != StatusExpired {
		t.Fatalf("first touch should expire, got %s", got.Status)
	}
	if calls.Load() != 1 || outcome != StatusExpired {
		t.Fatalf("callback calls = %d outcome = %s", calls.Load(), outcome)
	}

	// Repeat touches change nothing.
	for i := 0; i < 3; i++ {
		got, _ = w.Get(req.ID)
		if got.Status != StatusExpired {
			t.Fatalf("touch %d: status = %s", i, got.Status)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("callback fired %d times, want 1", calls.Load())
	}

	// Deciding an expired request fails.
	if err := w.Approve(req.ID, "u1", ""); err == nil {
		t.Error("approve after expiry should fail")
	}
}

func TestSweepExpired(t *testing.T) {
	w, _, _ := newTestWorkflow()
	now := time.Now()
	w.SetClock(func() time.Time { return now })

	var calls atomic.Int32
	w.Create(CreateParams{
		Title:       "a",
		Category:    "financial",
		Action:      "spend_money",
		ExpiryHours: hoursPtr(0.5),
		Callback:    func(*Request) { calls.Add(1) },
	})
	keeper := w.Create(CreateParams{
		Title:    "b",
		Category: "financial",
		Action:   "spend_money",
	})

	w.SetClock(func() time.Time { return now.Add(time.Hour) })
	if swept := w.SweepExpired(); swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}
	if calls.Load() != 1 {
		t.Errorf("callback fired %d times, want 1", calls.Load())
	}
	if got, _ := w.Get(keeper.ID); got.Status != StatusPending {
		t.Errorf("unexpired request = %s, want pending", got.Status)
	}
	if swept := w.SweepExpired(); swept != 0 {
		t.Errorf("second sweep = %d, want 0", swept)
	}
}

func TestListFilters(t *testing.T) {
	w, _, _ := newTestWorkflow()
	w.Create(CreateParams{Title: "a", Category: "financial", Action: "spend_money", UserID: "u1"})
	w.Create(CreateParams{Title: "b", Category: "content_creation", Action: "generate_ebook", UserID: "u1"})
	req := w.Create(CreateParams{Title: "c", Category: "financial", Action: "spend_money", UserID: "u2"})
	_ = w.Approve(req.ID, "u2", "")

	if got := len(w.List(Filter{UserID: "u1"})); got != 2 {
		t.Errorf("user filter: got %d, want 2", got)
	}
	if got := len(w.List(Filter{Category: "financial"})); got != 2 {
		t.Errorf("category filter: got %d, want 2", got)
	}
	if got := len(w.List(Filter{Status: StatusPending})); got != 2 {
		t.Errorf("status filter: got %d, want 2", got)
	}
	if got := len(w.List(Filter{Status: StatusApproved})); got != 1 {
		t.Errorf("approved filter: got %d, want 1", got)
	}
}

func TestRestoreReattachesCallbackAndSweeps(t *testing.T) {
	w, _, _ := newTestWorkflow()
	now := time.Now()
	w.SetClock(func() time.Time { return now })

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	var mu sync.Mutex
	outcomes := map[string]Status{}
	cb := func(r *Request) {
		mu.Lock()
		outcomes[r.ID] = r.Status
		mu.Unlock()
	}

	w.Restore([]Request{
		{ID: "r1", Title: "stale", Status: StatusPending, ExpiresAt: &past},
		{ID: "r2", Title: "live", Status: StatusPending, ExpiresAt: &future},
		{ID: "r3", Title: "done", Status: StatusApproved},
	}, cb)

	mu.Lock()
	if outcomes["r1"] != StatusExpired {
		t.Errorf("stale restore should fire expiry callback, got %s", outcomes["r1"])
	}
	if _, fired := outcomes["r2"]; fired {
		t.Error("live restore must not fire its callback yet")
	}
	mu.Unlock()

	// The live request resolves normally through the re-attached callback.
	if err := w.Approve("r2", "u1", ""); err != nil {
		t.Fatalf("approve restored request: %v", err)
	}
	mu.Lock()
	if outcomes["r2"] != StatusApproved {
		t.Errorf("restored callback outcome = %s, want approved", outcomes["r2"])
	}
	mu.Unlock()

	if w.PendingCount() != 0 {
		t.Errorf("pending count = %d, want 0", w.PendingCount())
	}
}

func TestCancel(t *testing.T) {
	w, _, _ := newTestWorkflow()

	var outcome Status
	req := w.Create(CreateParams{
		Title:    "x",
		Category: "financial",
		Action:   "spend_money",
		Callback: func(r *Request) { outcome = r.Status },
	})

	if err := w.Cancel(req.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if outcome != StatusCancelled {
		t.Errorf("outcome = %s, want cancelled", outcome)
	}
	got, _ := w.Get(req.ID)
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}
