package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/buildwatch/internal/engine/events"
	"git.home.luguber.info/inful/buildwatch/internal/logfields"
	"git.home.luguber.info/inful/buildwatch/internal/metrics"
	"git.home.luguber.info/inful/buildwatch/internal/protocol"
)

// ReloadDebouncerConfig configures the per-workspace debounce window.
type ReloadDebouncerConfig struct {
	// QuietWindow is restarted on every file event; the reload fires when
	// it elapses without further events.
	QuietWindow time.Duration
	// BuildTool is passed through to reloadProject.
	BuildTool protocol.BuildTool
}

func (c *ReloadDebouncerConfig) applyDefaults() {
	if c.QuietWindow <= 0 {
		c.QuietWindow = time.Second
	}
	if c.BuildTool == "" {
		c.BuildTool = protocol.BuildToolAuto
	}
}

// ReloadDebouncer collapses bursts of build-file change events into a
// single serialized reloadProject request per workspace.
//
// Ordering: reloads for one workspace never run concurrently. Each
// elapsed debounce window queues one reload behind any reload still
// running for that workspace; a failed reload never blocks the next one.
type ReloadDebouncer struct {
	store    *Store
	client   *protocol.Client
	sync     *DiagnosticsSynchronizer
	poller   *StatusPoller
	notifier Notifier
	bus      *events.Bus
	metrics  *metrics.Metrics
	cfg      ReloadDebouncerConfig

	mu     sync.Mutex
	timers map[string]*time.Timer
	chains map[string]*sync.Mutex

	readyOnce sync.Once
	ready     chan struct{}
	wg        sync.WaitGroup
}

func NewReloadDebouncer(store *Store, client *protocol.Client, sync_ *DiagnosticsSynchronizer, poller *StatusPoller, notifier Notifier, bus *events.Bus, m *metrics.Metrics, cfg ReloadDebouncerConfig) *ReloadDebouncer {
	cfg.applyDefaults()
	return &ReloadDebouncer{
		store:    store,
		client:   client,
		sync:     sync_,
		poller:   poller,
		notifier: notifier,
		bus:      bus,
		metrics:  m,
		cfg:      cfg,
		timers:   make(map[string]*time.Timer),
		chains:   make(map[string]*sync.Mutex),
		ready:    make(chan struct{}),
	}
}

// Ready is closed once Run has subscribed to file events. Intended for
// tests and deterministic startup sequencing.
func (d *ReloadDebouncer) Ready() <-chan struct{} {
	return d.ready
}

// Run consumes FileChanged events until ctx is cancelled. It returns
// after in-flight reloads finish.
func (d *ReloadDebouncer) Run(ctx context.Context) {
	eventCh, unsubscribe := events.Subscribe[events.FileChanged](d.bus, 64)
	defer unsubscribe()

	d.readyOnce.Do(func() { close(d.ready) })

	for {
		select {
		case <-ctx.Done():
			d.stopTimers()
			d.wg.Wait()
			return
		case evt, ok := <-eventCh:
			if !ok {
				d.stopTimers()
				d.wg.Wait()
				return
			}
			d.onFileChanged(ctx, evt)
		}
	}
}

func (d *ReloadDebouncer) onFileChanged(ctx context.Context, evt events.FileChanged) {
	ws, ok := d.store.WorkspaceFor(evt.Path)
	if !ok {
		// Events outside any known workspace are dropped.
		return
	}
	// Checked per event rather than cached: cheap, and it makes every
	// future event a no-op once reload support is ruled out.
	if ws.Capability(protocol.MethodReloadProject) == CapabilityUnsupported {
		return
	}

	d.metrics.FileEvent()
	slog.Debug("Build file changed", logfields.Workspace(ws.Root()), logfields.Path(evt.Path))

	d.mu.Lock()
	defer d.mu.Unlock()
	if timer, ok := d.timers[ws.Root()]; ok {
		timer.Stop()
	}
	d.timers[ws.Root()] = time.AfterFunc(d.cfg.QuietWindow, func() {
		d.enqueueReload(ctx, ws)
	})
}

func (d *ReloadDebouncer) stopTimers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for root, timer := range d.timers {
		timer.Stop()
		delete(d.timers, root)
	}
}

// enqueueReload runs one reload for ws, strictly serialized behind any
// reload already running for the same workspace.
func (d *ReloadDebouncer) enqueueReload(ctx context.Context, ws *WorkspaceState) {
	d.mu.Lock()
	chain := d.chains[ws.Root()]
	if chain == nil {
		chain = &sync.Mutex{}
		d.chains[ws.Root()] = chain
	}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		chain.Lock()
		defer chain.Unlock()
		if ctx.Err() != nil {
			return
		}
		d.reload(ctx, ws)
	}()
}

func (d *ReloadDebouncer) reload(ctx context.Context, ws *WorkspaceState) {
	started := time.Now()
	err := d.client.ReloadProject(ctx, protocol.ProjectParams{
		ProjectRoot: ws.Root(),
		BuildTool:   d.cfg.BuildTool,
	})

	switch {
	case err == nil:
		d.metrics.Reload("ok")
		ws.MarkSupported(protocol.MethodReloadProject)
		slog.Info("Project reloaded",
			logfields.Workspace(ws.Root()),
			logfields.DurationMS(float64(time.Since(started).Milliseconds())))
	case protocol.IsCancelled(err):
		d.metrics.Reload("cancelled")
		return
	case protocol.IsUnsupported(err):
		d.metrics.Reload("unsupported")
		if ws.MarkUnsupported(protocol.MethodReloadProject) {
			d.notifier.Info("Project reload is not supported by this server version")
		}
		return
	default:
		d.metrics.Reload("error")
		slog.Warn("Project reload failed", logfields.Workspace(ws.Root()), logfields.Error(err))
		d.publishFinished(ctx, ws, err)
		return
	}

	d.publishFinished(ctx, ws, nil)

	// The reloaded model can change the diagnostic set and restart a
	// build server-side; refresh both views.
	_, _ = d.sync.Refresh(ctx, ws, RefreshOptions{Silent: true})
	d.poller.PollOnce(ctx, ws)

	if d.bus != nil {
		_ = d.bus.Publish(ctx, events.ProjectModelChanged{Workspace: ws.Root(), At: time.Now()})
	}
}

func (d *ReloadDebouncer) publishFinished(ctx context.Context, ws *WorkspaceState, err error) {
	if d.bus == nil {
		return
	}
	_ = d.bus.Publish(ctx, events.ReloadFinished{Workspace: ws.Root(), Err: err, At: time.Now()})
}
