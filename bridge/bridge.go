// Package bridge replicates agent state to the remote store over NATS. All
// outbound syncs are best-effort upserts funneled through a single-consumer
// outbox, so callers never block on store I/O and pushes for a given entity
// keep their order. Restore operations run request-reply once at startup.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
)

// Store subjects.
const (
	subjectExperiment         = "store.sync.experiment"
	subjectMetrics            = "store.sync.metrics"
	subjectLog                = "store.sync.log"
	subjectNotification       = "store.sync.notification"
	subjectNotificationUpdate = "store.sync.notification.update"
	subjectApproval           = "store.sync.approval"
	subjectApprovalUpdate     = "store.sync.approval.update"

	subjectRestoreExperiments   = "store.restore.experiments"
	subjectRestoreApprovals     = "store.restore.approvals"
	subjectRestoreNotifications = "store.restore.notifications"
)

const (
	outboxDepth    = 1024
	restoreTimeout = 10 * time.Second
)

// Options configures the bridge connection to the remote store.
type Options struct {
	// Enabled false turns the bridge into a no-op: syncs are dropped
	// silently and restores return empty.
	Enabled bool

	Host string
	Port int

	// CAFile is the root CA PEM used to authenticate the store. Empty
	// connects without TLS, for local development.
	CAFile string

	Logger *slog.Logger

	// Failures counts dropped or failed sync operations. Optional.
	Failures prometheus.Counter
}

type outboxOp struct {
	subject  string
	entityID string
	payload  []byte
}

// Bridge owns the store connection lifecycle: connect, reconnect with
// backoff, close. While disconnected every outbound call is a cheap no-op
// that counts a failure.
type Bridge struct {
	opts      Options
	logger    *slog.Logger
	nc        *nats.Conn
	connected atomic.Bool

	outbox chan outboxOp
	done   chan struct{}
	once   sync.Once
}

// New creates a bridge. Call Connect before use; a disabled bridge works
// without connecting.
func New(opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		opts:   opts,
		logger: logger,
		outbox: make(chan outboxOp, outboxDepth),
		done:   make(chan struct{}),
	}
}

// Connect dials the store and starts the outbox consumer. A dial failure
// leaves the bridge in a disconnected state rather than failing the agent;
// the NATS client keeps retrying in the background.
func (b *Bridge) Connect(ctx context.Context) error {
	if !b.opts.Enabled {
		b.logger.Info("Sync bridge disabled")
		return nil
	}

	url := fmt.Sprintf("nats://%s:%d", b.opts.Host, b.opts.Port)
	natsOpts := []nats.Option{
		nats.Name("agentcore-bridge"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.connected.Store(false)
			b.logger.Warn("Store connection lost", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.connected.Store(true)
			b.logger.Info("Store connection restored", "url", nc.ConnectedUrl())
		}),
		nats.ConnectHandler(func(nc *nats.Conn) {
			b.connected.Store(true)
			b.logger.Info("Connected to store", "url", nc.ConnectedUrl())
		}),
	}
	if b.opts.CAFile != "" {
		natsOpts = append(natsOpts, nats.RootCAs(b.opts.CAFile))
	}

	nc, err := nats.Connect(url, natsOpts...)
	if err != nil {
		// RetryOnFailedConnect defers most errors; anything surfacing here
		// is a configuration problem.
		return fmt.Errorf("connect to store %s: %w", url, err)
	}
	b.nc = nc
	if nc.IsConnected() {
		b.connected.Store(true)
	}

	go b.consumeOutbox()
	return nil
}

// Close drains the outbox and closes the connection.
func (b *Bridge) Close() {
	b.once.Do(func() { close(b.done) })
	if b.nc != nil {
		b.nc.Close()
	}
}

// Connected reports whether the store link is currently up.
func (b *Bridge) Connected() bool {
	return b.opts.Enabled && b.connected.Load()
}

// enqueue hands an operation to the outbox consumer. It never blocks: a
// full outbox drops the operation and counts the failure.
func (b *Bridge) enqueue(subject, entityID string, payload []byte) {
	if !b.opts.Enabled || b.nc == nil {
		return
	}
	select {
	case b.outbox <- outboxOp{subject: subject, entityID: entityID, payload: payload}:
	default:
		b.fail(entityID, subject, fmt.Errorf("outbox full"))
	}
}

func (b *Bridge) consumeOutbox() {
	for {
		select {
		case <-b.done:
			// Drain what is already queued, then stop.
			for {
				select {
				case op := <-b.outbox:
					b.publish(op)
				default:
					return
				}
			}
		case op := <-b.outbox:
			b.publish(op)
		}
	}
}

func (b *Bridge) publish(op outboxOp) {
	if !b.connected.Load() {
		b.fail(op.entityID, op.subject, fmt.Errorf("store disconnected"))
		return
	}
	if err := b.nc.Publish(op.subject, op.payload); err != nil {
		b.fail(op.entityID, op.subject, err)
	}
}

// fail records a sync failure. Sync failures never propagate to the caller;
// the in-memory state stays authoritative.
func (b *Bridge) fail(entityID, subject string, err error) {
	b.logger.Warn("Sync failed", "subject", subject, "entity_id", entityID, "error", err)
	if b.opts.Failures != nil {
		b.opts.Failures.Inc()
	}
}

// request performs a request-reply against the store, used by restores.
func (b *Bridge) request(ctx context.Context, subject string, payload []byte) ([]byte, error) {
	if !b.opts.Enabled || b.nc == nil || !b.connected.Load() {
		return nil, fmt.Errorf("store unavailable")
	}
	reqCtx, cancel := context.WithTimeout(ctx, restoreTimeout)
	defer cancel()

	msg, err := b.nc.RequestWithContext(reqCtx, subject, payload)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}
