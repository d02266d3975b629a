package autonomy

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/autonomylab/agentcore/approval"
	"github.com/autonomylab/agentcore/notify"
)

func newTestFramework(t *testing.T, profile string) (*Framework, *notify.Store, *approval.Workflow) {
	t.Helper()
	notifications := notify.NewStore(nil, nil)
	approvals := approval.NewWorkflow(notifications, nil, time.Hour, nil)
	f := NewFramework(NewMatrix(nil), NewAssessor(profile, nil), notifications, approvals, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := f.Start(ctx); err != nil {
		t.Fatalf("start framework: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		_ = f.Stop()
	})
	return f, notifications, approvals
}

func TestProhibitedSpend(t *testing.T) {
	f, notifications, _ := newTestFramework(t, "balanced")

	var ran atomic.Int32
	result := f.ExecuteAction(ExecuteParams{
		Category: CategoryFinancial,
		Action:   "spend_money",
		Context:  Context{"amount": 100.0},
		Title:    "Buy ad slot",
		Execute: func(Context) (any, error) {
			ran.Add(1)
			return nil, nil
		},
	})

	if result.Status != ActionProhibited {
		t.Fatalf("status = %s, want prohibited", result.Status)
	}
	if result.Reason != "Action prohibited" {
		t.Errorf("reason = %q, want %q", result.Reason, "Action prohibited")
	}
	if ran.Load() != 0 {
		t.Error("prohibited action must not run")
	}

	warnings := notifications.Query(notify.Filter{Type: notify.TypeWarning})
	if len(warnings) != 1 {
		t.Errorf("expected 1 warning notification, got %d", len(warnings))
	}
}

func TestApprovalGatedSpend(t *testing.T) {
	f, notifications, approvals := newTestFramework(t, "balanced")

	var ran atomic.Int32
	executed := make(chan struct{})
	result := f.ExecuteAction(ExecuteParams{
		Category: CategoryFinancial,
		Action:   "spend_money",
		Context:  Context{"amount": 30.0},
		Title:    "Buy stock photos",
		Execute: func(Context) (any, error) {
			if ran.Add(1) == 1 {
				close(executed)
			}
			return "purchased", nil
		},
	})

	if result.Status != ActionApprovalRequested {
		t.Fatalf("status = %s, want approval_requested", result.Status)
	}
	if result.RequestID == "" {
		t.Fatal("expected a request id")
	}

	req, ok := approvals.Get(result.RequestID)
	if !ok || req.Status != approval.StatusPending {
		t.Fatalf("expected pending request, got %+v", req)
	}

	highPriority := notifications.Query(notify.Filter{Type: notify.TypeApprovalRequest})
	if len(highPriority) != 1 {
		t.Fatalf("expected 1 approval-request notification, got %d", len(highPriority))
	}
	if highPriority[0].Priority != notify.PriorityHigh {
		t.Errorf("priority = %s, want high", highPriority[0].Priority)
	}

	if err := approvals.Approve(result.RequestID, "u1", "looks fine"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	select {
	case <-executed:
	case <-time.After(2 * time.Second):
		t.Fatal("continuation did not run after approval")
	}

	// A second decision must not rerun the continuation.
	if err := approvals.Reject(result.RequestID, "u2", ""); err == nil {
		t.Error("expected error resolving a non-pending request")
	}
	time.Sleep(50 * time.Millisecond)
	if got := ran.Load(); got != 1 {
		t.Errorf("continuation ran %d times, want 1", got)
	}
	if f.PendingActions() != 0 {
		t.Error("pending continuation should be removed after resolution")
	}
}

func TestRejectedActionNeverRuns(t *testing.T) {
	f, _, approvals := newTestFramework(t, "balanced")

	var ran atomic.Int32
	result := f.ExecuteAction(ExecuteParams{
		Category: CategoryFinancial,
		Action:   "spend_money",
		Context:  Context{"amount": 30.0},
		Title:    "Buy backlinks",
		Execute: func(Context) (any, error) {
			ran.Add(1)
			return nil, nil
		},
	})

	if err := approvals.Reject(result.RequestID, "u1", "no"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for f.PendingActions() != 0 {
		select {
		case <-deadline:
			t.Fatal("pending continuation was not cleaned up")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if ran.Load() != 0 {
		t.Error("rejected action must never run")
	}
}

func TestRiskVetoOverridesAutonomousMatrix(t *testing.T) {
	f, _, _ := newTestFramework(t, "conservative")

	// The matrix allows generate_ebook autonomously, but the context carries
	// risk hints the conservative profile cannot tolerate.
	ok, reason := f.CanExecute(CategoryContentCreation, "generate_ebook", Context{
		"public":         true,
		"sensitive_data": true,
	})
	if ok {
		t.Fatal("risk veto should override autonomous matrix level")
	}
	if !strings.HasPrefix(reason, "Risk exceeds tolerance: ") {
		t.Errorf("reason = %q, want a risk-tolerance refusal", reason)
	}
}

func TestCanExecuteDeterministic(t *testing.T) {
	f, _, _ := newTestFramework(t, "balanced")

	ctx := Context{"amount": 30.0}
	firstOK, firstReason := f.CanExecute(CategoryFinancial, "spend_money", ctx)
	for i := 0; i < 10; i++ {
		ok, reason := f.CanExecute(CategoryFinancial, "spend_money", ctx)
		if ok != firstOK || reason != firstReason {
			t.Fatalf("iteration %d: (%v, %q) != (%v, %q)", i, ok, reason, firstOK, firstReason)
		}
	}
}

func TestNotifyLevelRunsInlineWithNotification(t *testing.T) {
	f, notifications, _ := newTestFramework(t, "balanced")

	var ran atomic.Int32
	result := f.ExecuteAction(ExecuteParams{
		Category: CategoryFinancial,
		Action:   "spend_money",
		Context:  Context{"amount": 3.0},
		Title:    "Buy a font license",
		Execute: func(Context) (any, error) {
			ran.Add(1)
			return "done", nil
		},
	})

	if result.Status != ActionExecuted {
		t.Fatalf("status = %s, want executed", result.Status)
	}
	if ran.Load() != 1 {
		t.Errorf("execute ran %d times, want 1", ran.Load())
	}
	if infos := notifications.Query(notify.Filter{Type: notify.TypeInfo}); len(infos) != 1 {
		t.Errorf("expected 1 info notification, got %d", len(infos))
	}
}
