package bridge

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/autonomylab/agentcore/experiment"
	"github.com/autonomylab/agentcore/logstream"
	"github.com/autonomylab/agentcore/notify"
)

func startStore(t *testing.T) (*server.Server, int) {
	t.Helper()
	srv, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("store server: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("store server not ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv, srv.Addr().(*net.TCPAddr).Port
}

func connectedBridge(t *testing.T, port int, failures prometheus.Counter) *Bridge {
	t.Helper()
	b := New(Options{
		Enabled:  true,
		Host:     "127.0.0.1",
		Port:     port,
		Failures: failures,
	})
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(b.Close)

	deadline := time.Now().Add(5 * time.Second)
	for !b.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("bridge never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return b
}

func nextMsg(t *testing.T, sub *nats.Subscription) *nats.Msg {
	t.Helper()
	msg, err := sub.NextMsg(3 * time.Second)
	if err != nil {
		t.Fatalf("next message on %s: %v", sub.Subject, err)
	}
	return msg
}

func TestSyncPublishesToStoreSubjects(t *testing.T) {
	srv, port := startStore(t)

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("subscriber connect: %v", err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync("store.sync.>")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = nc.Flush()

	b := connectedBridge(t, port, nil)

	b.SyncExperiment(&experiment.Experiment{ID: "e1", Name: "run", State: experiment.StateRunning})
	b.SyncMetrics("e1", map[string]any{"progress_percent": 50.0}, time.Now())
	b.SyncLog(logstream.Entry{Level: "INFO", Message: "hello", ExperimentID: "e1"})
	b.SyncNotification(&notify.Notification{ID: "n1", Title: "note"})

	wantSubjects := []string{
		"store.sync.experiment",
		"store.sync.metrics",
		"store.sync.log",
		"store.sync.notification",
	}
	for _, want := range wantSubjects {
		msg := nextMsg(t, sub)
		if msg.Subject != want {
			t.Fatalf("subject = %s, want %s", msg.Subject, want)
		}
	}

	// Spot-check one payload shape.
	b.SyncMetrics("e1", map[string]any{"progress_percent": 75.0}, time.Now())
	msg := nextMsg(t, sub)
	var rec metricsRecord
	if err := json.Unmarshal(msg.Data, &rec); err != nil {
		t.Fatalf("unmarshal metrics: %v", err)
	}
	if rec.ExperimentID != "e1" || rec.Metrics["progress_percent"] != 75.0 {
		t.Errorf("metrics record = %+v", rec)
	}
}

func TestUpdateCarriesStatusAndRecord(t *testing.T) {
	srv, port := startStore(t)

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("subscriber connect: %v", err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync("store.sync.notification.update")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = nc.Flush()

	b := connectedBridge(t, port, nil)
	b.UpdateNotification(&notify.Notification{ID: "n1", Status: notify.StatusRead})

	var rec updateRecord
	if err := json.Unmarshal(nextMsg(t, sub).Data, &rec); err != nil {
		t.Fatalf("unmarshal update: %v", err)
	}
	if rec.ID != "n1" || rec.Status != string(notify.StatusRead) {
		t.Errorf("update record = %+v", rec)
	}
}

func TestDisabledBridgeIsNoOp(t *testing.T) {
	b := New(Options{Enabled: false})
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("disabled connect should succeed: %v", err)
	}
	defer b.Close()

	if b.Connected() {
		t.Error("disabled bridge must report disconnected")
	}

	// Every operation stays a safe no-op.
	b.SyncExperiment(&experiment.Experiment{ID: "e1"})
	b.SyncLog(logstream.Entry{Message: "dropped"})
	b.UpdateNotification(&notify.Notification{ID: "n1"})

	ctx := context.Background()
	if got := b.RestoreExperiments(ctx); got != nil {
		t.Errorf("restore on disabled bridge = %v, want nil", got)
	}
	if got := b.RestorePendingApprovals(ctx); got != nil {
		t.Errorf("restore on disabled bridge = %v, want nil", got)
	}
	if got := b.RestoreNotifications(ctx); got != nil {
		t.Errorf("restore on disabled bridge = %v, want nil", got)
	}
}

func TestDisconnectedSyncCountsFailures(t *testing.T) {
	failures := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_sync_failures_total"})

	// Nothing listens on this port; RetryOnFailedConnect keeps the client
	// dialing in the background while the bridge stays usable.
	b := New(Options{
		Enabled:  true,
		Host:     "127.0.0.1",
		Port:     1,
		Failures: failures,
	})
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer b.Close()

	b.SyncExperiment(&experiment.Experiment{ID: "e1"})
	b.SyncExperiment(&experiment.Experiment{ID: "e2"})

	deadline := time.Now().Add(3 * time.Second)
	for testutil.ToFloat64(failures) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("failure count = %v, want 2", testutil.ToFloat64(failures))
		}
		time.Sleep(10 * time.Millisecond)
	}

	if b.RestoreExperiments(context.Background()) != nil {
		t.Error("restore without a store should return nil")
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	srv, port := startStore(t)

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("responder connect: %v", err)
	}
	defer nc.Close()

	_, err = nc.Subscribe("store.restore.experiments", func(msg *nats.Msg) {
		reply, _ := json.Marshal(map[string]any{
			"experiments": []experiment.Experiment{
				{ID: "e1", Name: "restored", State: experiment.StateRunning},
			},
		})
		_ = msg.Respond(reply)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, err = nc.Subscribe("store.restore.approvals", func(msg *nats.Msg) {
		_ = msg.Respond([]byte(`{"requests": []}`))
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = nc.Flush()

	b := connectedBridge(t, port, nil)

	restored := b.RestoreExperiments(context.Background())
	if len(restored) != 1 {
		t.Fatalf("restored %d experiments, want 1", len(restored))
	}
	if restored[0].ID != "e1" || restored[0].State != experiment.StateRunning {
		t.Errorf("restored experiment = %+v", restored[0])
	}

	if got := b.RestorePendingApprovals(context.Background()); len(got) != 0 {
		t.Errorf("restored approvals = %v, want empty", got)
	}
}
