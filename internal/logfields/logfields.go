package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyWorkspace  = "workspace"
	KeyMethod     = "method"
	KeyTarget     = "target"
	KeyBuildID    = "build_id"
	KeyStatus     = "build_status"
	KeyPhase      = "phase"
	KeyPath       = "path"
	KeyRequestID  = "request_id"
	KeyDurationMS = "duration_ms"
	KeyCount      = "count"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Workspace(root string) slog.Attr   { return slog.String(KeyWorkspace, root) }
func Method(m string) slog.Attr         { return slog.String(KeyMethod, m) }
func Target(t string) slog.Attr         { return slog.String(KeyTarget, t) }
func BuildID(id uint64) slog.Attr       { return slog.Uint64(KeyBuildID, id) }
func Status(s string) slog.Attr         { return slog.String(KeyStatus, s) }
func Phase(p string) slog.Attr          { return slog.String(KeyPhase, p) }
func Path(p string) slog.Attr           { return slog.String(KeyPath, p) }
func RequestID(id string) slog.Attr     { return slog.String(KeyRequestID, id) }
func DurationMS(ms float64) slog.Attr   { return slog.Float64(KeyDurationMS, ms) }
func Count(n int) slog.Attr             { return slog.Int(KeyCount, n) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
