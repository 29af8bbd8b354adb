package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/buildwatch/internal/engine/events"
	"git.home.luguber.info/inful/buildwatch/internal/logfields"
	"git.home.luguber.info/inful/buildwatch/internal/metrics"
	"git.home.luguber.info/inful/buildwatch/internal/protocol"
)

// BuildRecorder persists finished build command summaries. Optional; a
// nil recorder disables history.
type BuildRecorder interface {
	RecordBuild(ctx context.Context, summary *BuildSummary) error
}

// Config collects the tunables of every engine component.
type Config struct {
	Poller       PollerConfig
	Reload       ReloadDebouncerConfig
	BuildCommand BuildCommandConfig
	// ResyncInterval is the period of the scheduled full resync.
	// Zero disables it.
	ResyncInterval time.Duration
}

// Engine assembles the store, poller, synchronizer, debouncer,
// orchestrator and aggregator into one lifecycle. Components communicate
// through the shared store and the event bus; the engine only wires and
// supervises them.
type Engine struct {
	store        *Store
	client       *protocol.Client
	bus          *events.Bus
	sync         *DiagnosticsSynchronizer
	poller       *StatusPoller
	debouncer    *ReloadDebouncer
	orchestrator *BuildCommandOrchestrator
	aggregator   *Aggregator
	scheduler    *Scheduler
	metrics      *metrics.Metrics
	recorder     BuildRecorder
	cfg          Config

	mu      sync.Mutex
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(client *protocol.Client, sink DiagnosticsSink, notifier Notifier, picker TargetPicker, m *metrics.Metrics, recorder BuildRecorder, cfg Config) (*Engine, error) {
	if client == nil {
		return nil, fmt.Errorf("engine: client is required")
	}
	if sink == nil {
		sink = NewMemorySink()
	}
	if notifier == nil {
		notifier = SlogNotifier{}
	}
	if picker == nil {
		picker = NoTargetPicker{}
	}

	store := NewStore()
	bus := events.NewBus()
	sync_ := NewDiagnosticsSynchronizer(store, client, sink, notifier, bus, m)
	poller := NewStatusPoller(store, client, sync_, notifier, bus, m, cfg.Poller)
	debouncer := NewReloadDebouncer(store, client, sync_, poller, notifier, bus, m, cfg.Reload)
	orchestrator := NewBuildCommandOrchestrator(store, client, poller, sync_, picker, notifier, bus, m, cfg.BuildCommand)

	e := &Engine{
		store:        store,
		client:       client,
		bus:          bus,
		sync:         sync_,
		poller:       poller,
		debouncer:    debouncer,
		orchestrator: orchestrator,
		aggregator:   NewAggregator(store),
		metrics:      m,
		recorder:     recorder,
		cfg:          cfg,
	}

	if cfg.ResyncInterval > 0 {
		scheduler, err := NewScheduler(store, poller, sync_)
		if err != nil {
			return nil, err
		}
		e.scheduler = scheduler
	}
	return e, nil
}

// Start launches the background components. Idempotent; a second call is
// a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	e.runCtx, e.cancel = context.WithCancel(context.Background())
	e.poller.SetBackground(e.runCtx)
	e.orchestrator.SetBackground(e.runCtx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.debouncer.Run(e.runCtx)
	}()

	if e.scheduler != nil {
		if _, err := e.scheduler.ScheduleResync(e.runCtx, e.cfg.ResyncInterval); err != nil {
			e.cancel()
			return err
		}
		e.scheduler.Start(ctx)
	}

	e.started = true
	slog.Info("Engine started")
	return nil
}

// Stop cancels background work and waits for it to drain.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}

	var err error
	if e.scheduler != nil {
		err = e.scheduler.Stop(ctx)
	}
	e.cancel()
	for _, ws := range e.store.All() {
		ws.stopPolling()
	}
	e.bus.Close()
	e.wg.Wait()
	e.started = false
	slog.Info("Engine stopped")
	return err
}

// Bus exposes the event bus so watchers and UIs can publish/subscribe.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Store exposes the workspace store for read-mostly consumers.
func (e *Engine) Store() *Store { return e.store }

// AddWorkspace registers a workspace root. Registration alone does not
// start polling; that stays lazy until EnsurePolling.
func (e *Engine) AddWorkspace(root string) *WorkspaceState {
	ws := e.store.Get(root)
	e.metrics.SetWorkspaces(len(e.store.All()))
	slog.Info("Workspace added", logfields.Workspace(ws.Root()))
	return ws
}

// EnsurePolling opts the workspace into background status polling,
// starting the poll loop on first call and doing nothing after.
func (e *Engine) EnsurePolling(root string) {
	e.mu.Lock()
	runCtx := e.runCtx
	e.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}

	ws := e.store.Get(root)
	pollCtx, cancel := context.WithCancel(runCtx)
	if !ws.EnablePolling(cancel) {
		cancel()
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.poller.Run(pollCtx, ws)
	}()
}

// RemoveWorkspace tears a workspace down: polling stops, every
// diagnostic it contributed is cleared, and its state is dropped so a
// re-add starts from scratch (capability gates included).
func (e *Engine) RemoveWorkspace(root string) {
	ws := e.store.Remove(root)
	if ws == nil {
		return
	}
	ws.stopPolling()
	ws.replaceDiagnostics(e.sync.sink, nil)
	e.metrics.SetWorkspaces(len(e.store.All()))
	slog.Info("Workspace removed", logfields.Workspace(ws.Root()))
}

// BuildCommand runs one user-invoked build flow to completion and
// records its summary in the build history.
func (e *Engine) BuildCommand(ctx context.Context, root string, opts BuildCommandOptions) *BuildSummary {
	ws := e.store.Get(root)
	summary := e.orchestrator.Run(ctx, ws, opts)
	if e.recorder != nil {
		if err := e.recorder.RecordBuild(context.WithoutCancel(ctx), summary); err != nil {
			slog.Warn("Failed to record build history",
				logfields.Workspace(ws.Root()), logfields.Error(err))
		}
	}
	return summary
}

// RefreshDiagnostics performs an explicit, user-initiated diagnostics
// refresh for root.
func (e *Engine) RefreshDiagnostics(ctx context.Context, root string, target string) (*protocol.DiagnosticsResult, error) {
	ws := e.store.Get(root)
	return e.sync.Refresh(ctx, ws, RefreshOptions{Target: target})
}

// PollOnce performs one immediate status poll for root.
func (e *Engine) PollOnce(ctx context.Context, root string) *protocol.StatusResult {
	return e.poller.PollOnce(ctx, e.store.Get(root))
}

// Aggregate folds all workspace statuses into the combined view.
func (e *Engine) Aggregate() AggregateResult {
	return e.aggregator.Aggregate()
}

// Snapshots returns a read-only copy of every workspace's state.
func (e *Engine) Snapshots() []WorkspaceSnapshot {
	return e.store.Snapshots()
}
