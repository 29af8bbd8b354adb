package engine

import (
	"context"
	"log/slog"
	"sync"

	"git.home.luguber.info/inful/buildwatch/internal/protocol"
)

// Notifier is the engine's outbound user-notification surface (status
// bar toasts, error dialogs). Silent flows never call Error; unsupported
// methods are announced once via Info when first discovered.
type Notifier interface {
	Info(message string)
	Warn(message string)
	Error(message string)
}

// TargetPicker resolves a missing build target interactively. Pick
// offers the enumerated candidates; Input asks for free text when no
// candidates could be fetched. Both return ok=false when the user
// dismisses the prompt.
type TargetPicker interface {
	Pick(ctx context.Context, workspace string, candidates []string) (choice string, ok bool, err error)
	Input(ctx context.Context, workspace string) (choice string, ok bool, err error)
}

// DiagnosticsSink receives published diagnostics for the editor's
// problems view. Replace must atomically clear exactly the stale files
// and publish the fresh set for one workspace, never touching entries
// contributed by other workspaces.
type DiagnosticsSink interface {
	Replace(workspace string, stale []string, fresh map[string][]protocol.Diagnostic)
}

// SlogNotifier routes notifications to the process logger; the default
// for headless runs.
type SlogNotifier struct{}

func (SlogNotifier) Info(message string)  { slog.Info(message) }
func (SlogNotifier) Warn(message string)  { slog.Warn(message) }
func (SlogNotifier) Error(message string) { slog.Error(message) }

// NoTargetPicker declines every prompt; build commands that hit a
// target-required error with it resolve to Cancelled.
type NoTargetPicker struct{}

func (NoTargetPicker) Pick(context.Context, string, []string) (string, bool, error) {
	return "", false, nil
}

func (NoTargetPicker) Input(context.Context, string) (string, bool, error) {
	return "", false, nil
}

// StaticTargetPicker always answers with a fixed target; used by tests
// and scripted runs.
type StaticTargetPicker struct {
	Target string
}

func (p StaticTargetPicker) Pick(context.Context, string, []string) (string, bool, error) {
	return p.Target, p.Target != "", nil
}

func (p StaticTargetPicker) Input(context.Context, string) (string, bool, error) {
	return p.Target, p.Target != "", nil
}

// MemorySink is an in-process DiagnosticsSink consulted by the admin
// endpoint and tests.
type MemorySink struct {
	mu    sync.RWMutex
	files map[string]map[string][]protocol.Diagnostic // workspace -> file -> diagnostics
}

func NewMemorySink() *MemorySink {
	return &MemorySink{files: make(map[string]map[string][]protocol.Diagnostic)}
}

// Replace implements DiagnosticsSink.
func (s *MemorySink) Replace(workspace string, stale []string, fresh map[string][]protocol.Diagnostic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byFile := s.files[workspace]
	if byFile == nil {
		byFile = make(map[string][]protocol.Diagnostic)
		s.files[workspace] = byFile
	}
	for _, f := range stale {
		delete(byFile, f)
	}
	for f, diags := range fresh {
		byFile[f] = diags
	}
	if len(byFile) == 0 {
		delete(s.files, workspace)
	}
}

// Files returns the file paths currently carrying diagnostics for one
// workspace.
func (s *MemorySink) Files(workspace string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	files := make([]string, 0, len(s.files[workspace]))
	for f := range s.files[workspace] {
		files = append(files, f)
	}
	return files
}

// Diagnostics returns the published diagnostics for one file.
func (s *MemorySink) Diagnostics(workspace, file string) []protocol.Diagnostic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.files[workspace][file]
}

// Count returns the total number of published diagnostics for one
// workspace.
func (s *MemorySink) Count(workspace string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, diags := range s.files[workspace] {
		total += len(diags)
	}
	return total
}
