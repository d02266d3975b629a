package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/autonomylab/agentcore/approval"
	"github.com/autonomylab/agentcore/experiment"
	"github.com/autonomylab/agentcore/logstream"
	"github.com/autonomylab/agentcore/notify"
)

// metricsRecord is the wire shape for a metrics push.
type metricsRecord struct {
	ExperimentID string         `json:"experiment_id"`
	Metrics      map[string]any `json:"metrics"`
	Timestamp    time.Time      `json:"timestamp"`
}

// updateRecord wraps a full record for an update-by-id upsert.
type updateRecord struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Record any    `json:"record"`
}

// SyncExperiment replicates an experiment record.
func (b *Bridge) SyncExperiment(e *experiment.Experiment) {
	b.marshalAndEnqueue(subjectExperiment, e.ID, e)
}

// SyncMetrics replicates a metrics snapshot.
func (b *Bridge) SyncMetrics(id string, metrics map[string]any, ts time.Time) {
	b.marshalAndEnqueue(subjectMetrics, id, metricsRecord{
		ExperimentID: id,
		Metrics:      metrics,
		Timestamp:    ts,
	})
}

// SyncLog replicates a log entry.
func (b *Bridge) SyncLog(e logstream.Entry) {
	b.marshalAndEnqueue(subjectLog, e.ExperimentID, e)
}

// SyncNotification replicates a newly created notification.
func (b *Bridge) SyncNotification(n *notify.Notification) {
	b.marshalAndEnqueue(subjectNotification, n.ID, n)
}

// UpdateNotification replicates a notification mutation.
func (b *Bridge) UpdateNotification(n *notify.Notification) {
	b.marshalAndEnqueue(subjectNotificationUpdate, n.ID, updateRecord{
		ID:     n.ID,
		Status: string(n.Status),
		Record: n,
	})
}

// SyncApproval replicates a newly created approval request.
func (b *Bridge) SyncApproval(r *approval.Request) {
	b.marshalAndEnqueue(subjectApproval, r.ID, r)
}

// UpdateApprovalStatus replicates an approval request transition.
func (b *Bridge) UpdateApprovalStatus(r *approval.Request) {
	b.marshalAndEnqueue(subjectApprovalUpdate, r.ID, updateRecord{
		ID:     r.ID,
		Status: string(r.Status),
		Record: r,
	})
}

func (b *Bridge) marshalAndEnqueue(subject, entityID string, record any) {
	if !b.opts.Enabled {
		return
	}
	payload, err := json.Marshal(record)
	if err != nil {
		b.fail(entityID, subject, err)
		return
	}
	b.enqueue(subject, entityID, payload)
}

// RestoreExperiments fetches persisted experiments at startup. An
// unavailable store returns empty; the registry starts clean.
func (b *Bridge) RestoreExperiments(ctx context.Context) []experiment.Experiment {
	var reply struct {
		Experiments []experiment.Experiment `json:"experiments"`
	}
	if !b.restore(ctx, subjectRestoreExperiments, &reply) {
		return nil
	}
	return reply.Experiments
}

// RestorePendingApprovals fetches persisted approval requests at startup.
func (b *Bridge) RestorePendingApprovals(ctx context.Context) []approval.Request {
	var reply struct {
		Requests []approval.Request `json:"requests"`
	}
	if !b.restore(ctx, subjectRestoreApprovals, &reply) {
		return nil
	}
	return reply.Requests
}

// RestoreNotifications fetches persisted notifications at startup.
func (b *Bridge) RestoreNotifications(ctx context.Context) []notify.Notification {
	var reply struct {
		Notifications []notify.Notification `json:"notifications"`
	}
	if !b.restore(ctx, subjectRestoreNotifications, &reply) {
		return nil
	}
	return reply.Notifications
}

func (b *Bridge) restore(ctx context.Context, subject string, reply any) bool {
	data, err := b.request(ctx, subject, nil)
	if err != nil {
		b.logger.Warn("Restore unavailable, starting clean", "subject", subject, "error", err)
		return false
	}
	if err := json.Unmarshal(data, reply); err != nil {
		b.logger.Error("Malformed restore reply", "subject", subject, "error", err)
		return false
	}
	return true
}
