package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/buildwatch/internal/engine/events"
	"git.home.luguber.info/inful/buildwatch/internal/logfields"
	"git.home.luguber.info/inful/buildwatch/internal/metrics"
	"git.home.luguber.info/inful/buildwatch/internal/protocol"
)

// BuildOutcome is the terminal state of one build command flow.
type BuildOutcome string

const (
	OutcomeCompleted BuildOutcome = "completed"
	OutcomeFailed    BuildOutcome = "failed"
	OutcomeCancelled BuildOutcome = "cancelled"
)

// Build command phases, used in logs and the admin endpoint.
const (
	phaseSubmitting      = "submitting"
	phaseResolvingTarget = "resolving_target"
	phasePolling         = "polling"
	phaseRefreshing      = "refreshing_diagnostics"
)

// BuildCommandOptions scope one user-invoked build.
type BuildCommandOptions struct {
	BuildTool   protocol.BuildTool
	Module      string
	ProjectPath string
	Target      string
}

// BuildSummary is the outcome handed to the caller to render.
type BuildSummary struct {
	Workspace            string               `json:"workspace"`
	Outcome              BuildOutcome         `json:"outcome"`
	Status               protocol.BuildStatus `json:"status,omitempty"`
	LastError            string               `json:"lastError,omitempty"`
	TimedOut             bool                 `json:"timedOut"`
	Target               string               `json:"target,omitempty"`
	Diagnostics          SeverityCounts       `json:"diagnostics"`
	DiagnosticsAvailable bool                 `json:"diagnosticsAvailable"`
	Duration             time.Duration        `json:"-"`
}

// BuildCommandConfig bounds the completion poll loop.
type BuildCommandConfig struct {
	// PollInterval is the sleep between completion polls.
	PollInterval time.Duration
	// PollCeiling caps the total time spent polling; exceeding it marks
	// the summary TimedOut but still refreshes diagnostics.
	PollCeiling time.Duration
}

func (c *BuildCommandConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 1500 * time.Millisecond
	}
	if c.PollCeiling <= 0 {
		c.PollCeiling = 15 * time.Minute
	}
}

// BuildCommandOrchestrator drives one user-invoked "build project"
// operation end to end: submit, optionally resolve a missing target and
// resubmit once, poll to completion, refresh diagnostics, summarize.
//
// Unlike the poller and synchronizer, invocations are independent flows:
// overlapping build commands for one workspace are allowed and each runs
// the full state machine.
type BuildCommandOrchestrator struct {
	store    *Store
	client   *protocol.Client
	poller   *StatusPoller
	sync     *DiagnosticsSynchronizer
	picker   TargetPicker
	notifier Notifier
	bus      *events.Bus
	metrics  *metrics.Metrics
	cfg      BuildCommandConfig

	background context.Context
}

func NewBuildCommandOrchestrator(store *Store, client *protocol.Client, poller *StatusPoller, sync_ *DiagnosticsSynchronizer, picker TargetPicker, notifier Notifier, bus *events.Bus, m *metrics.Metrics, cfg BuildCommandConfig) *BuildCommandOrchestrator {
	cfg.applyDefaults()
	return &BuildCommandOrchestrator{
		store:      store,
		client:     client,
		poller:     poller,
		sync:       sync_,
		picker:     picker,
		notifier:   notifier,
		bus:        bus,
		metrics:    m,
		cfg:        cfg,
		background: context.Background(),
	}
}

// SetBackground sets the context used for the deferred background
// refresh that may run after the flow finishes.
func (o *BuildCommandOrchestrator) SetBackground(ctx context.Context) {
	o.background = ctx
}

// Run executes one build command flow for ws. It never returns an error:
// every failure mode, including cancellation, is folded into the summary.
func (o *BuildCommandOrchestrator) Run(ctx context.Context, ws *WorkspaceState, opts BuildCommandOptions) *BuildSummary {
	started := time.Now()
	summary := &BuildSummary{
		Workspace: ws.Root(),
		Target:    opts.Target,
	}

	ws.BeginBuildCommand()
	defer func() {
		summary.Duration = time.Since(started)
		if ws.EndBuildCommand() {
			// A background poll observed a build completion while this
			// flow was running and queued its refresh with us; honor it
			// now that the in-flight flag is cleared.
			go func() {
				_, _ = o.sync.Refresh(o.background, ws, RefreshOptions{Silent: true})
			}()
		}
		o.metrics.BuildCommand(string(summary.Outcome))
		if o.bus != nil {
			_ = o.bus.Publish(o.background, events.BuildCommandFinished{
				Workspace: ws.Root(),
				Outcome:   string(summary.Outcome),
				TimedOut:  summary.TimedOut,
				At:        time.Now(),
			})
		}
	}()

	params := protocol.ProjectParams{
		ProjectRoot: ws.Root(),
		BuildTool:   opts.BuildTool,
		Module:      opts.Module,
		ProjectPath: opts.ProjectPath,
		Target:      opts.Target,
	}
	if params.BuildTool == "" {
		params.BuildTool = protocol.BuildToolAuto
	}

	slog.Info("Submitting build", logfields.Workspace(ws.Root()), logfields.Phase(phaseSubmitting))
	submitted, err := o.client.BuildProject(ctx, params)
	if err != nil {
		switch {
		case protocol.IsCancelled(err):
			summary.Outcome = OutcomeCancelled
			return summary
		case protocol.IsTargetRequired(err) && !params.HasScope():
			target, ok := o.resolveTarget(ctx, ws)
			if !ok {
				summary.Outcome = OutcomeCancelled
				return summary
			}
			params.Target = target
			summary.Target = target
			slog.Info("Resubmitting build with resolved target",
				logfields.Workspace(ws.Root()), logfields.Target(target), logfields.Phase(phaseResolvingTarget))
			submitted, err = o.client.BuildProject(ctx, params)
			if err != nil {
				// One recovery round only; any failure here is terminal.
				if protocol.IsCancelled(err) {
					summary.Outcome = OutcomeCancelled
					return summary
				}
				return o.fail(summary, ws, err)
			}
		case protocol.IsUnsupported(err):
			if ws.MarkUnsupported(protocol.MethodBuildProject) {
				o.notifier.Info("Building via the server is not supported by this server version")
			}
			return o.fail(summary, ws, err)
		default:
			return o.fail(summary, ws, err)
		}
	}

	ws.MarkSupported(protocol.MethodBuildProject)
	slog.Info("Build submitted",
		logfields.Workspace(ws.Root()), logfields.BuildID(submitted.BuildID), logfields.Status(string(submitted.Status)))

	// Seed counts from the submit response so a refresh failure later
	// still leaves the caller with the diagnostics we already have.
	if len(submitted.Diagnostics) > 0 {
		summary.Diagnostics = CountSeverities(submitted.Diagnostics)
		summary.DiagnosticsAvailable = true
	}

	status, cancelled := o.pollToCompletion(ctx, ws, submitted.Status, summary)
	if cancelled {
		// Cancellation takes priority over the final refresh.
		summary.Outcome = OutcomeCancelled
		return summary
	}
	summary.Status = status

	o.refreshDiagnostics(ctx, ws, summary)

	_, lastError := ws.Status()
	summary.LastError = lastError

	switch {
	case status == protocol.StatusFailed:
		summary.Outcome = OutcomeFailed
		slog.Warn("Build failed", logfields.Workspace(ws.Root()), slog.String(logfields.KeyError, lastError))
	case summary.Diagnostics.Errors > 0:
		summary.Outcome = OutcomeFailed
		slog.Warn("Build completed with compile errors",
			logfields.Workspace(ws.Root()), logfields.Count(summary.Diagnostics.Errors))
	default:
		summary.Outcome = OutcomeCompleted
		slog.Info("Build completed", logfields.Workspace(ws.Root()),
			logfields.DurationMS(float64(time.Since(started).Milliseconds())))
	}
	return summary
}

func (o *BuildCommandOrchestrator) fail(summary *BuildSummary, ws *WorkspaceState, err error) *BuildSummary {
	summary.Outcome = OutcomeFailed
	summary.LastError = err.Error()
	slog.Warn("Build submission failed", logfields.Workspace(ws.Root()), logfields.Error(err))
	return summary
}

// resolveTarget enumerates build targets via projectModel, falling back
// to free-text input when the model is unavailable. ok=false means the
// user dismissed the prompt and the flow resolves to Cancelled.
func (o *BuildCommandOrchestrator) resolveTarget(ctx context.Context, ws *WorkspaceState) (string, bool) {
	var candidates []string
	model, err := o.client.ProjectModel(ctx, protocol.ModelParams{ProjectRoot: ws.Root()})
	switch {
	case err == nil:
		seen := make(map[string]struct{})
		for _, unit := range model.Units {
			label := unit.Label()
			if label == "" {
				continue
			}
			if _, dup := seen[label]; dup {
				continue
			}
			seen[label] = struct{}{}
			candidates = append(candidates, label)
		}
	case protocol.IsCancelled(err):
		return "", false
	case protocol.IsUnsupported(err):
		ws.MarkUnsupported(protocol.MethodProjectModel)
	default:
		slog.Debug("Project model fetch failed, falling back to free-text target",
			logfields.Workspace(ws.Root()), logfields.Error(err))
	}

	if len(candidates) == 0 {
		choice, ok, err := o.picker.Input(ctx, ws.Root())
		if err != nil || !ok || choice == "" {
			return "", false
		}
		return choice, true
	}

	choice, ok, err := o.picker.Pick(ctx, ws.Root(), candidates)
	if err != nil || !ok || choice == "" {
		return "", false
	}
	return choice, true
}

// pollToCompletion polls until the status leaves building, the ceiling
// elapses (TimedOut, proceed anyway), or ctx is cancelled.
func (o *BuildCommandOrchestrator) pollToCompletion(ctx context.Context, ws *WorkspaceState, status protocol.BuildStatus, summary *BuildSummary) (protocol.BuildStatus, bool) {
	deadline := time.Now().Add(o.cfg.PollCeiling)

	for status == protocol.StatusBuilding {
		if ctx.Err() != nil {
			return status, true
		}
		if time.Now().After(deadline) {
			summary.TimedOut = true
			slog.Warn("Build completion poll timed out",
				logfields.Workspace(ws.Root()), logfields.Phase(phasePolling))
			break
		}

		timer := time.NewTimer(o.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return status, true
		case <-timer.C:
		}

		result := o.poller.PollOnce(ctx, ws)
		if ctx.Err() != nil {
			return status, true
		}
		if result == nil {
			if ws.Capability(protocol.MethodBuildStatus) == CapabilityUnsupported {
				// Completion cannot be observed; refresh what we can.
				break
			}
			// Transient poll failure: keep going until the ceiling.
			continue
		}
		status = result.Status
	}
	return status, false
}

// refreshDiagnostics performs the final explicit refresh, scoped like the
// build itself, after dropping any refresh a racing background poll
// queued for us (last write wins).
func (o *BuildCommandOrchestrator) refreshDiagnostics(ctx context.Context, ws *WorkspaceState, summary *BuildSummary) {
	ws.ClearPendingRefresh()

	slog.Debug("Refreshing diagnostics after build",
		logfields.Workspace(ws.Root()), logfields.Phase(phaseRefreshing))
	result, err := o.sync.Refresh(ctx, ws, RefreshOptions{Target: summary.Target, Silent: false})
	switch {
	case result != nil:
		summary.Diagnostics = CountSeverities(result.Diagnostics)
		summary.DiagnosticsAvailable = true
	case err != nil:
		o.notifier.Error(fmt.Sprintf("Fetching build diagnostics failed: %v", err))
	}
}
