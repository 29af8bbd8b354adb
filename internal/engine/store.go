package engine

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"git.home.luguber.info/inful/buildwatch/internal/protocol"
)

// Capability is the per-(workspace, method) support flag. Unknown until a
// call succeeds or fails with method-not-found; Unsupported is sticky for
// the session.
type Capability int

const (
	CapabilityUnknown Capability = iota
	CapabilitySupported
	CapabilityUnsupported
)

func (c Capability) String() string {
	switch c {
	case CapabilitySupported:
		return "supported"
	case CapabilityUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// WorkspaceState is the mutable per-workspace record. All access goes
// through methods; the mutex is never held across a blocking call. Each
// field is mutated by exactly one component (the poller owns status, the
// synchronizer owns the diagnostic file set, the orchestrator owns the
// build-command flags).
type WorkspaceState struct {
	root string

	mu        sync.Mutex
	status    protocol.BuildStatus // "" = unknown
	lastError string
	caps      map[string]Capability

	pollingEnabled bool
	pollCancel     context.CancelFunc

	buildCommands  int
	pendingRefresh bool

	// Silent diagnostics refresh slot (owned by the synchronizer).
	silentInFlight *silentFlight
	refreshAgain   bool

	diagnosticFiles map[string]struct{}
}

func newWorkspaceState(root string) *WorkspaceState {
	return &WorkspaceState{
		root:            root,
		caps:            make(map[string]Capability),
		diagnosticFiles: make(map[string]struct{}),
	}
}

// Root returns the workspace root path (the stable workspace key).
func (w *WorkspaceState) Root() string { return w.root }

// Status returns the last observed build status ("" if unknown) and the
// last transport/server error message.
func (w *WorkspaceState) Status() (protocol.BuildStatus, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status, w.lastError
}

func (w *WorkspaceState) setStatus(status protocol.BuildStatus, lastError string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.lastError = lastError
}

// Capability reports the gate value for a method.
func (w *WorkspaceState) Capability(method string) Capability {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.caps[method]
}

// MarkUnsupported flips the gate for method to unsupported. Idempotent
// and monotonic; reports whether this call made the transition (callers
// use that to surface the one-time informational note).
func (w *WorkspaceState) MarkUnsupported(method string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.caps[method] == CapabilityUnsupported {
		return false
	}
	w.caps[method] = CapabilityUnsupported
	return true
}

// MarkSupported records a successful call for method. A no-op once the
// method is unsupported: the server's capability surface is assumed fixed
// once probed.
func (w *WorkspaceState) MarkSupported(method string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.caps[method] == CapabilityUnsupported {
		return
	}
	w.caps[method] = CapabilitySupported
}

// EnablePolling marks the workspace as opted into background polling.
// Reports whether this call enabled it (false when already enabled).
// Polling is lazy so a multi-root session does not eagerly spin up a
// server connection for every folder.
func (w *WorkspaceState) EnablePolling(cancel context.CancelFunc) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pollingEnabled {
		return false
	}
	w.pollingEnabled = true
	w.pollCancel = cancel
	return true
}

// PollingEnabled reports whether the workspace is opted into polling.
func (w *WorkspaceState) PollingEnabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pollingEnabled
}

func (w *WorkspaceState) stopPolling() {
	w.mu.Lock()
	cancel := w.pollCancel
	w.pollCancel = nil
	w.pollingEnabled = false
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// BeginBuildCommand marks one build command flow as in flight. Flows for
// the same workspace may overlap; the count tracks them all.
func (w *WorkspaceState) BeginBuildCommand() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buildCommands++
}

// EndBuildCommand unwinds BeginBuildCommand. When the last overlapping
// flow finishes it returns whether a background diagnostics refresh was
// queued while a build command was running, clearing the flag.
func (w *WorkspaceState) EndBuildCommand() (pendingRefresh bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buildCommands > 0 {
		w.buildCommands--
	}
	if w.buildCommands == 0 && w.pendingRefresh {
		w.pendingRefresh = false
		return true
	}
	return false
}

// BuildCommandInFlight reports whether any build command flow is running.
func (w *WorkspaceState) BuildCommandInFlight() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buildCommands > 0
}

// DeferRefreshToBuildCommand queues a diagnostics refresh for the running
// build command instead of racing it. Reports false when no build command
// is in flight (the caller should refresh itself).
func (w *WorkspaceState) DeferRefreshToBuildCommand() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buildCommands == 0 {
		return false
	}
	w.pendingRefresh = true
	return true
}

// ClearPendingRefresh drops any queued background refresh. The build
// command orchestrator calls this right before its own final refresh:
// a deliberate last-write-wins resolution of the race with the poller.
func (w *WorkspaceState) ClearPendingRefresh() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pendingRefresh = false
}

// DiagnosticFiles returns the files currently carrying diagnostics
// contributed by this workspace.
func (w *WorkspaceState) DiagnosticFiles() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	files := make([]string, 0, len(w.diagnosticFiles))
	for f := range w.diagnosticFiles {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// replaceDiagnostics atomically swaps the published diagnostics: exactly
// the previously tracked files are cleared, the fresh set is published,
// and the tracked set is updated, all under the state lock so concurrent
// refreshes cannot interleave a stale set with a fresh one.
func (w *WorkspaceState) replaceDiagnostics(sink DiagnosticsSink, fresh map[string][]protocol.Diagnostic) {
	w.mu.Lock()
	defer w.mu.Unlock()
	stale := make([]string, 0, len(w.diagnosticFiles))
	for f := range w.diagnosticFiles {
		stale = append(stale, f)
	}
	sort.Strings(stale)
	sink.Replace(w.root, stale, fresh)
	w.diagnosticFiles = make(map[string]struct{}, len(fresh))
	for f := range fresh {
		w.diagnosticFiles[f] = struct{}{}
	}
}

// WorkspaceSnapshot is a read-only copy of one workspace's state, safe to
// hand to the aggregator and the admin endpoint.
type WorkspaceSnapshot struct {
	Root                 string               `json:"root"`
	Status               protocol.BuildStatus `json:"status,omitempty"`
	LastError            string               `json:"lastError,omitempty"`
	StatusSupported      Capability           `json:"-"`
	DiagnosticsSupported Capability           `json:"-"`
	PollingEnabled       bool                 `json:"pollingEnabled"`
	BuildCommandInFlight bool                 `json:"buildCommandInFlight"`
	DiagnosticFileCount  int                  `json:"diagnosticFileCount"`
}

// Snapshot copies the current state.
func (w *WorkspaceState) Snapshot() WorkspaceSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkspaceSnapshot{
		Root:                 w.root,
		Status:               w.status,
		LastError:            w.lastError,
		StatusSupported:      w.caps[protocol.MethodBuildStatus],
		DiagnosticsSupported: w.caps[protocol.MethodBuildDiagnostics],
		PollingEnabled:       w.pollingEnabled,
		BuildCommandInFlight: w.buildCommands > 0,
		DiagnosticFileCount:  len(w.diagnosticFiles),
	}
}

// Store owns all per-workspace state for one session. It is constructed
// once and passed explicitly to every component; there are no ambient
// singletons.
type Store struct {
	mu         sync.RWMutex
	workspaces map[string]*WorkspaceState
}

func NewStore() *Store {
	return &Store{workspaces: make(map[string]*WorkspaceState)}
}

// Get returns the state record for root, creating it lazily.
func (s *Store) Get(root string) *WorkspaceState {
	root = filepath.Clean(root)

	s.mu.RLock()
	ws, ok := s.workspaces[root]
	s.mu.RUnlock()
	if ok {
		return ws
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ws, ok := s.workspaces[root]; ok {
		return ws
	}
	ws = newWorkspaceState(root)
	s.workspaces[root] = ws
	return ws
}

// Lookup returns the state record for root without creating it.
func (s *Store) Lookup(root string) (*WorkspaceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[filepath.Clean(root)]
	return ws, ok
}

// Remove detaches the workspace from the session and returns its state
// for teardown, or nil if unknown.
func (s *Store) Remove(root string) *WorkspaceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	root = filepath.Clean(root)
	ws := s.workspaces[root]
	delete(s.workspaces, root)
	return ws
}

// All returns the known workspaces in stable (sorted) order.
func (s *Store) All() []*WorkspaceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roots := make([]string, 0, len(s.workspaces))
	for root := range s.workspaces {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	all := make([]*WorkspaceState, 0, len(roots))
	for _, root := range roots {
		all = append(all, s.workspaces[root])
	}
	return all
}

// WorkspaceFor maps a file path to the workspace containing it, picking
// the longest matching root in nested-root setups. Paths outside every
// workspace return false.
func (s *Store) WorkspaceFor(path string) (*WorkspaceState, bool) {
	path = filepath.Clean(path)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *WorkspaceState
	for root, ws := range s.workspaces {
		if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
			continue
		}
		if best == nil || len(root) > len(best.root) {
			best = ws
		}
	}
	return best, best != nil
}

// Snapshots copies the state of every known workspace.
func (s *Store) Snapshots() []WorkspaceSnapshot {
	all := s.All()
	snaps := make([]WorkspaceSnapshot, 0, len(all))
	for _, ws := range all {
		snaps = append(snaps, ws.Snapshot())
	}
	return snaps
}
