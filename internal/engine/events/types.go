package events

import (
	"time"

	"git.home.luguber.info/inful/buildwatch/internal/protocol"
)

// FileChanged reports one build-relevant file change inside a workspace.
// Emitted by the watcher; consumed by the reload debouncer. Events whose
// path falls outside every known workspace are dropped before reaching
// the bus.
type FileChanged struct {
	Workspace string
	Path      string
	At        time.Time
}

// ReloadFinished is emitted after a serialized reloadProject attempt
// completes. Err is nil on success.
type ReloadFinished struct {
	Workspace string
	Err       error
	At        time.Time
}

// ProjectModelChanged is a best-effort notification that the server-side
// project model was re-derived; external collaborators (classpath
// consumers, tree views) may want to refresh.
type ProjectModelChanged struct {
	Workspace string
	At        time.Time
}

// StatusChanged is emitted by the status poller when a workspace's
// observed build status differs from the previous observation. Previous
// is empty on the first successful poll.
type StatusChanged struct {
	Workspace string
	Previous  protocol.BuildStatus
	Current   protocol.BuildStatus
	At        time.Time
}

// DiagnosticsPublished is emitted after the synchronizer atomically
// replaced a workspace's published diagnostics.
type DiagnosticsPublished struct {
	Workspace string
	Files     int
	Total     int
	At        time.Time
}

// BuildCommandFinished is emitted when a user-invoked build command flow
// reaches a terminal state.
type BuildCommandFinished struct {
	Workspace string
	Outcome   string // "completed", "failed", "cancelled"
	TimedOut  bool
	At        time.Time
}
