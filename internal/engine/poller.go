package engine

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"git.home.luguber.info/inful/buildwatch/internal/engine/events"
	"git.home.luguber.info/inful/buildwatch/internal/logfields"
	"git.home.luguber.info/inful/buildwatch/internal/metrics"
	"git.home.luguber.info/inful/buildwatch/internal/protocol"
)

// PollerConfig sets the adaptive polling cadence: fast while a build is
// running, slow while the workspace is idle.
type PollerConfig struct {
	FastInterval time.Duration
	SlowInterval time.Duration
}

func (c *PollerConfig) applyDefaults() {
	if c.FastInterval <= 0 {
		c.FastInterval = 1500 * time.Millisecond
	}
	if c.SlowInterval <= 0 {
		c.SlowInterval = 15 * time.Second
	}
}

// StatusPoller fetches build status per workspace, de-duplicating
// concurrent polls through a keyed single-flight group: N concurrent
// PollOnce calls for the same workspace issue exactly one request and all
// observe the same result.
type StatusPoller struct {
	store    *Store
	client   *protocol.Client
	sync     *DiagnosticsSynchronizer
	notifier Notifier
	bus      *events.Bus
	metrics  *metrics.Metrics
	cfg      PollerConfig

	flight singleflight.Group

	// background is the context silent refresh side effects run under, so
	// they outlive the individual poll that triggered them but still stop
	// on engine shutdown.
	background context.Context
}

func NewStatusPoller(store *Store, client *protocol.Client, sync *DiagnosticsSynchronizer, notifier Notifier, bus *events.Bus, m *metrics.Metrics, cfg PollerConfig) *StatusPoller {
	cfg.applyDefaults()
	return &StatusPoller{
		store:      store,
		client:     client,
		sync:       sync,
		notifier:   notifier,
		bus:        bus,
		metrics:    m,
		cfg:        cfg,
		background: context.Background(),
	}
}

// SetBackground sets the context for poll-triggered background work.
func (p *StatusPoller) SetBackground(ctx context.Context) {
	p.background = ctx
}

// PollOnce performs at most one status fetch for ws. Returns nil when the
// method is gated unsupported, the call was cancelled, or the fetch
// failed; transport failures are absorbed into the workspace state
// (lastError) rather than propagated.
func (p *StatusPoller) PollOnce(ctx context.Context, ws *WorkspaceState) *protocol.StatusResult {
	if ws.Capability(protocol.MethodBuildStatus) == CapabilityUnsupported {
		return nil
	}

	value, _, _ := p.flight.Do(ws.Root(), func() (any, error) {
		return p.fetch(ctx, ws), nil
	})
	result, _ := value.(*protocol.StatusResult)
	return result
}

func (p *StatusPoller) fetch(ctx context.Context, ws *WorkspaceState) *protocol.StatusResult {
	previous, _ := ws.Status()

	result, err := p.client.BuildStatus(ctx, protocol.StatusParams{ProjectRoot: ws.Root()})
	switch {
	case err == nil:
		// handled below
	case protocol.IsCancelled(err):
		p.metrics.StatusPoll("cancelled")
		return nil
	case protocol.IsUnsupported(err):
		p.metrics.StatusPoll("unsupported")
		// Status becomes permanently unknown for this session.
		ws.setStatus("", "")
		if ws.MarkUnsupported(protocol.MethodBuildStatus) {
			p.notifier.Info("Build status reporting is not supported by this server version")
		}
		return nil
	default:
		p.metrics.StatusPoll("error")
		// Transient: capability flags stay untouched, the failure is
		// surfaced only through lastError for the aggregator to read.
		ws.setStatus("", err.Error())
		slog.Warn("Build status poll failed", logfields.Workspace(ws.Root()), logfields.Error(err))
		return nil
	}

	p.metrics.StatusPoll("ok")
	ws.MarkSupported(protocol.MethodBuildStatus)
	ws.setStatus(result.Status, result.LastError)

	if previous != result.Status {
		if p.bus != nil {
			_ = p.bus.Publish(ctx, events.StatusChanged{
				Workspace: ws.Root(),
				Previous:  previous,
				Current:   result.Status,
				At:        time.Now(),
			})
		}
		// A build finishing outside the build command flow (triggered by
		// another client, or on the server's own initiative) changes the
		// diagnostic set; refresh so the problems view tracks it. While a
		// build command is in flight the refresh is deferred to the
		// orchestrator's final refresh instead of racing it.
		if previous == protocol.StatusBuilding && result.Status != protocol.StatusBuilding {
			if !ws.DeferRefreshToBuildCommand() {
				go func() {
					_, _ = p.sync.Refresh(p.background, ws, RefreshOptions{Silent: true})
				}()
			}
		}
	}
	return result
}

// Run polls ws until ctx is cancelled, the workspace leaves the session,
// or status reporting turns out to be unsupported. The interval adapts to
// the last observed status. Transport errors never abort the loop; an
// escaping failure here would silently kill all future polling.
func (p *StatusPoller) Run(ctx context.Context, ws *WorkspaceState) {
	for {
		result := p.PollOnce(ctx, ws)

		if ctx.Err() != nil {
			return
		}
		if !ws.PollingEnabled() {
			return
		}
		if ws.Capability(protocol.MethodBuildStatus) == CapabilityUnsupported {
			slog.Debug("Stopping status polling, method unsupported", logfields.Workspace(ws.Root()))
			return
		}

		interval := p.cfg.SlowInterval
		if result != nil && result.Status == protocol.StatusBuilding {
			interval = p.cfg.FastInterval
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
