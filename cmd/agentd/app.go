package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/autonomylab/agentcore/approval"
	"github.com/autonomylab/agentcore/autonomy"
	"github.com/autonomylab/agentcore/bridge"
	"github.com/autonomylab/agentcore/config"
	"github.com/autonomylab/agentcore/experiment"
	"github.com/autonomylab/agentcore/logstream"
	"github.com/autonomylab/agentcore/notify"
	"github.com/autonomylab/agentcore/rpc"
	"github.com/autonomylab/agentcore/tasks"
	"github.com/autonomylab/agentcore/telemetry"
)

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	level  slog.Level

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn

	// Observability
	stream  *logstream.Stream
	metrics *telemetry.Metrics
	sampler *telemetry.Sampler

	// State and governance
	bridge        *bridge.Bridge
	notifications *notify.Store
	approvals     *approval.Workflow
	framework     *autonomy.Framework
	policyWatcher *autonomy.PolicyWatcher

	// Lifecycle engine
	registry   *experiment.Registry
	dispatcher *experiment.Dispatcher

	svc    *rpc.Service
	runCtx context.Context
	cancel context.CancelFunc
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, level slog.Level) *App {
	return &App{cfg: cfg, level: level}
}

// Start initializes and starts all components.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.runCtx = runCtx
	a.cancel = cancel

	a.metrics = telemetry.NewMetrics()
	a.sampler = telemetry.NewSampler(nil)

	if err := a.startNATS(); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	// The log stream tees every slog record; it exists before the logger so
	// all component logs are captured.
	a.stream = logstream.NewStream(a.cfg.Logs.Capacity, a.natsConn, nil)
	base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: a.level})
	a.logger = slog.New(logstream.NewHandler(base, a.stream))
	slog.SetDefault(a.logger)

	a.bridge = bridge.New(bridge.Options{
		Enabled:  a.cfg.Sync.Enabled,
		Host:     a.cfg.Store.Host,
		Port:     a.cfg.Store.Port,
		CAFile:   a.cfg.Store.CAFile,
		Logger:   a.logger,
		Failures: a.metrics.SyncFailures,
	})
	if err := a.bridge.Connect(runCtx); err != nil {
		return fmt.Errorf("connect sync bridge: %w", err)
	}
	a.stream.SetSyncer(a.bridge)

	a.notifications = notify.NewStore(a.bridge, a.logger)
	expiry := time.Duration(a.cfg.Approval.ExpiryHours * float64(time.Hour))
	a.approvals = approval.NewWorkflow(a.notifications, a.bridge, expiry, a.logger)

	matrix := autonomy.NewMatrix(a.logger)
	assessor := autonomy.NewAssessor(a.cfg.Risk.Profile, a.logger)
	a.framework = autonomy.NewFramework(matrix, assessor, a.notifications, a.approvals,
		a.cfg.Approval.HousekeepingInterval, a.logger)
	if err := a.framework.Start(runCtx); err != nil {
		return fmt.Errorf("start autonomy framework: %w", err)
	}

	if a.cfg.Policy.File != "" {
		watcher, err := autonomy.NewPolicyWatcher(a.cfg.Policy.File, matrix, assessor, a.logger)
		if err != nil {
			return fmt.Errorf("create policy watcher: %w", err)
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("start policy watcher: %w", err)
		}
		a.policyWatcher = watcher
	}

	taskRegistry := experiment.NewTaskRegistry()
	tasks.Register(taskRegistry)

	a.registry = experiment.NewRegistry(taskRegistry, a.framework, a.bridge, a.sampler,
		a.cfg.Ticker.Interval, a.logger)
	a.dispatcher = experiment.NewDispatcher(a.cfg.Pool.Workers, a.onTaskDone, a.logger)
	a.registry.SetDispatcher(a.dispatcher)

	a.restoreState(runCtx)

	a.svc = rpc.NewService(rpc.Config{
		Conn:      a.natsConn,
		Registry:  a.registry,
		Approvals: a.approvals,
		Stream:    a.stream,
		Resources: a.sampler,
		SyncUp:    a.bridge.Connected,
		OnStop:    a.Exit,
		Logger:    a.logger,
	})
	if err := a.svc.Start(); err != nil {
		return fmt.Errorf("start RPC service: %w", err)
	}

	go a.refreshGauges(runCtx)

	a.logger.Info("Components initialized",
		"sync_enabled", a.cfg.Sync.Enabled,
		"pool_workers", a.cfg.Pool.Workers,
		"risk_profile", a.cfg.Risk.Profile)
	return nil
}

// Done is closed when the agent's lifetime ends: parent context
// cancellation, a fatal component error, or the kill switch. The run loop
// blocks on it before shutting the components down.
func (a *App) Done() <-chan struct{} {
	return a.runCtx.Done()
}

// Exit ends the agent's lifetime. The kill switch lands here.
func (a *App) Exit() {
	a.cancel()
}

func (a *App) startNATS() error {
	if a.cfg.Agent.NATSURL != "" {
		conn, err := nats.Connect(a.cfg.Agent.NATSURL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
		return nil
	}

	// Embedded server on the configured RPC port.
	opts := &server.Options{
		Port:   a.cfg.Agent.Port,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return fmt.Errorf("embedded NATS server failed to start")
	}
	a.embeddedServer = ns

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return fmt.Errorf("connect to embedded NATS: %w", err)
	}
	a.natsConn = conn
	return nil
}

// restoreState performs the cold-start recovery: experiments seed the
// registry, pending approvals get the facade's resolution callback
// re-attached, and notifications come back for querying.
func (a *App) restoreState(ctx context.Context) {
	if !a.cfg.Sync.Enabled {
		return
	}
	a.registry.Restore(a.bridge.RestoreExperiments(ctx))
	a.approvals.Restore(a.bridge.RestorePendingApprovals(ctx), a.framework.ResolutionCallback())
	a.notifications.Restore(a.bridge.RestoreNotifications(ctx))
}

func (a *App) onTaskDone(o experiment.Outcome) {
	a.metrics.TasksDispatched.Inc()
	a.registry.OnTaskDone(o)
	a.metrics.ActiveExperiments.Set(float64(a.registry.ActiveCount()))
}

func (a *App) refreshGauges(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.metrics.ActiveExperiments.Set(float64(a.registry.ActiveCount()))
			a.metrics.ApprovalsPending.Set(float64(a.approvals.PendingCount()))
		}
	}
}

// Shutdown gracefully stops all components. Tasks are cancelled but not
// waited for; their experiments are already stopped.
func (a *App) Shutdown() {
	a.logger.Info("Shutting down")

	if a.svc != nil {
		a.svc.Stop()
	}
	if a.registry != nil {
		a.registry.StopAll()
		a.registry.Shutdown()
	}
	if a.dispatcher != nil {
		a.dispatcher.Shutdown()
	}
	if a.policyWatcher != nil {
		_ = a.policyWatcher.Stop()
	}
	if a.framework != nil {
		_ = a.framework.Stop()
	}
	if a.bridge != nil {
		a.bridge.Close()
	}

	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}
