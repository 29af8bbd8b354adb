package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"git.home.luguber.info/inful/buildwatch/internal/engine/events"
	ferrors "git.home.luguber.info/inful/buildwatch/internal/foundation/errors"
	"git.home.luguber.info/inful/buildwatch/internal/logfields"
	"git.home.luguber.info/inful/buildwatch/internal/metrics"
	"git.home.luguber.info/inful/buildwatch/internal/protocol"
)

// silentFlight is the per-workspace in-flight slot for silent refreshes.
// Late callers await done and share the stored result instead of issuing
// a second fetch.
type silentFlight struct {
	done   chan struct{}
	result *protocol.DiagnosticsResult
	err    error
}

// RefreshOptions select the scope and the de-duplication behavior of one
// diagnostics refresh.
type RefreshOptions struct {
	// Target optionally scopes the fetch to one build target.
	Target string
	// Silent marks a background refresh: coalesced per workspace, never
	// interrupts the user, and short-circuits once the method is known
	// to be unsupported. Explicit (non-silent) refreshes always issue a
	// fresh request and may surface errors.
	Silent bool
}

// DiagnosticsSynchronizer fetches the diagnostic set for a workspace and
// atomically replaces the previously published diagnostics for that
// workspace only.
type DiagnosticsSynchronizer struct {
	store    *Store
	client   *protocol.Client
	sink     DiagnosticsSink
	notifier Notifier
	bus      *events.Bus
	metrics  *metrics.Metrics
}

func NewDiagnosticsSynchronizer(store *Store, client *protocol.Client, sink DiagnosticsSink, notifier Notifier, bus *events.Bus, m *metrics.Metrics) *DiagnosticsSynchronizer {
	return &DiagnosticsSynchronizer{
		store:    store,
		client:   client,
		sink:     sink,
		notifier: notifier,
		bus:      bus,
		metrics:  m,
	}
}

// Refresh fetches and publishes diagnostics for ws. Returns nil without
// error when the refresh was skipped (unsupported and silent) or
// cancelled.
//
// Silent concurrency rule: at most one silent fetch per workspace is
// outstanding. A silent call arriving while one is in flight marks the
// slot dirty and awaits the in-flight result; the holder re-fetches while
// the dirty flag is set, so the final published diagnostics reflect the
// most recent trigger without an unbounded queue of fetches.
func (s *DiagnosticsSynchronizer) Refresh(ctx context.Context, ws *WorkspaceState, opts RefreshOptions) (*protocol.DiagnosticsResult, error) {
	if !opts.Silent {
		return s.fetchAndPublish(ctx, ws, opts)
	}

	if ws.Capability(protocol.MethodBuildDiagnostics) == CapabilityUnsupported {
		// Background refreshes stay quiet once the capability is known.
		return nil, nil
	}

	ws.mu.Lock()
	if flight := ws.silentInFlight; flight != nil {
		ws.refreshAgain = true
		ws.mu.Unlock()
		select {
		case <-flight.done:
			return flight.result, flight.err
		case <-ctx.Done():
			return nil, nil
		}
	}
	flight := &silentFlight{done: make(chan struct{})}
	ws.silentInFlight = flight
	ws.mu.Unlock()

	var (
		result *protocol.DiagnosticsResult
		err    error
	)
	for {
		result, err = s.fetchAndPublish(ctx, ws, opts)

		ws.mu.Lock()
		again := ws.refreshAgain
		ws.refreshAgain = false
		if again && err == nil && ctx.Err() == nil &&
			ws.caps[protocol.MethodBuildDiagnostics] != CapabilityUnsupported {
			ws.mu.Unlock()
			continue
		}
		ws.silentInFlight = nil
		ws.mu.Unlock()
		break
	}

	flight.result, flight.err = result, err
	close(flight.done)
	return result, err
}

// fetchAndPublish performs exactly one fetch and, on success, one atomic
// publication.
func (s *DiagnosticsSynchronizer) fetchAndPublish(ctx context.Context, ws *WorkspaceState, opts RefreshOptions) (*protocol.DiagnosticsResult, error) {
	mode := "explicit"
	if opts.Silent {
		mode = "silent"
	}

	result, err := s.client.BuildDiagnostics(ctx, protocol.DiagnosticsParams{
		ProjectRoot: ws.Root(),
		Target:      opts.Target,
	})
	switch {
	case err == nil:
		// fallthrough to publication below
	case protocol.IsCancelled(err):
		s.metrics.DiagnosticsRefresh(mode, "cancelled")
		return nil, nil
	case protocol.IsUnsupported(err):
		s.metrics.DiagnosticsRefresh(mode, "unsupported")
		if ws.MarkUnsupported(protocol.MethodBuildDiagnostics) {
			s.notifier.Info("Build diagnostics are not supported by this server version")
		}
		if opts.Silent {
			slog.Debug("Diagnostics fetch unsupported", logfields.Workspace(ws.Root()))
			return nil, nil
		}
		return nil, ferrors.UnsupportedError("build diagnostics are not supported by this server").
			WithContext("workspace", ws.Root()).Build()
	default:
		s.metrics.DiagnosticsRefresh(mode, "error")
		if opts.Silent {
			slog.Warn("Background diagnostics refresh failed",
				logfields.Workspace(ws.Root()), logfields.Error(err))
			return nil, nil
		}
		return nil, ferrors.WrapError(err, ferrors.CategoryTransport, "diagnostics fetch failed").
			WithContext("workspace", ws.Root()).Build()
	}

	ws.MarkSupported(protocol.MethodBuildDiagnostics)

	fresh := groupByFile(ws.Root(), result.Diagnostics)
	ws.replaceDiagnostics(s.sink, fresh)
	s.metrics.DiagnosticsRefresh(mode, "ok")

	slog.Debug("Diagnostics published",
		logfields.Workspace(ws.Root()),
		slog.Int("files", len(fresh)),
		slog.Int("diagnostics", len(result.Diagnostics)))

	if s.bus != nil {
		_ = s.bus.Publish(ctx, events.DiagnosticsPublished{
			Workspace: ws.Root(),
			Files:     len(fresh),
			Total:     len(result.Diagnostics),
			At:        time.Now(),
		})
	}
	return result, nil
}

// groupByFile groups diagnostics by resolved absolute path. Server paths
// are relative to the workspace root, not the client's working directory.
func groupByFile(root string, diagnostics []protocol.Diagnostic) map[string][]protocol.Diagnostic {
	grouped := make(map[string][]protocol.Diagnostic)
	for _, d := range diagnostics {
		path := d.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		path = filepath.Clean(path)
		grouped[path] = append(grouped[path], d)
	}
	return grouped
}

// SeverityCounts tallies a diagnostic slice by severity.
type SeverityCounts struct {
	Errors   int `json:"errors"`
	Warnings int `json:"warnings"`
	Infos    int `json:"infos"`
	Hints    int `json:"hints"`
	Total    int `json:"total"`
}

func CountSeverities(diagnostics []protocol.Diagnostic) SeverityCounts {
	var counts SeverityCounts
	for _, d := range diagnostics {
		switch d.Severity {
		case protocol.SeverityError:
			counts.Errors++
		case protocol.SeverityWarning:
			counts.Warnings++
		case protocol.SeverityInformation:
			counts.Infos++
		case protocol.SeverityHint:
			counts.Hints++
		}
		counts.Total++
	}
	return counts
}
