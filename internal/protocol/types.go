// Package protocol defines the wire surface buildwatch consumes from the
// external build server: extension method names, request/response shapes,
// and the error classification every caller branches on (success vs
// method-not-found vs cancelled).
package protocol

// Extension method names exposed by the build server.
const (
	MethodBuildProject     = "nova/buildProject"
	MethodBuildStatus      = "nova/buildStatus"
	MethodBuildDiagnostics = "nova/buildDiagnostics"
	MethodReloadProject    = "nova/reloadProject"
	MethodProjectModel     = "nova/projectModel"
)

// BuildStatus is the server-authoritative state of a workspace build.
// The client never infers a status locally; the empty string means
// "unknown" (no successful poll yet, or status permanently unavailable).
type BuildStatus string

const (
	StatusUnknown  BuildStatus = ""
	StatusIdle     BuildStatus = "idle"
	StatusBuilding BuildStatus = "building"
	StatusFailed   BuildStatus = "failed"
)

// BuildTool selects the build tool for project-level requests.
type BuildTool string

const (
	BuildToolAuto   BuildTool = "auto"
	BuildToolMaven  BuildTool = "maven"
	BuildToolGradle BuildTool = "gradle"
)

// ProjectParams is the parameter envelope shared by buildProject and
// reloadProject. Optional scoping fields narrow the request to one module
// (Maven), one project path (Gradle), or one target label (Bazel).
type ProjectParams struct {
	ProjectRoot string    `json:"projectRoot"`
	BuildTool   BuildTool `json:"buildTool,omitempty"`
	Module      string    `json:"module,omitempty"`
	ProjectPath string    `json:"projectPath,omitempty"`
	Target      string    `json:"target,omitempty"`
}

// HasScope reports whether the caller narrowed the request to an explicit
// module, project path, or target.
func (p ProjectParams) HasScope() bool {
	return p.Module != "" || p.ProjectPath != "" || p.Target != ""
}

// StatusParams requests the build status of one workspace.
type StatusParams struct {
	ProjectRoot string `json:"projectRoot"`
}

// DiagnosticsParams requests the current diagnostic set of one workspace,
// optionally scoped to a single build target.
type DiagnosticsParams struct {
	ProjectRoot string `json:"projectRoot"`
	Target      string `json:"target,omitempty"`
}

// ModelParams requests the project model of one workspace.
type ModelParams struct {
	ProjectRoot string `json:"projectRoot"`
}

// Position and Range use zero-based line/character offsets, matching the
// editor protocol the diagnostics feed into.
type Position struct {
	Line      uint32 `json:"line"`
	Character uint32 `json:"character"`
}

type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// DiagnosticSeverity mirrors the four editor severities.
type DiagnosticSeverity string

const (
	SeverityError       DiagnosticSeverity = "error"
	SeverityWarning     DiagnosticSeverity = "warning"
	SeverityInformation DiagnosticSeverity = "information"
	SeverityHint        DiagnosticSeverity = "hint"
)

// Diagnostic is one build-produced finding. File may be relative, in which
// case it is resolved against the workspace root by the consumer.
type Diagnostic struct {
	File     string             `json:"file"`
	Range    Range              `json:"range"`
	Severity DiagnosticSeverity `json:"severity"`
	Message  string             `json:"message"`
	Source   string             `json:"source,omitempty"`
}

// StatusResult is the buildStatus response.
type StatusResult struct {
	SchemaVersion uint32      `json:"schemaVersion"`
	Status        BuildStatus `json:"status"`
	BuildID       *uint64     `json:"buildId,omitempty"`
	Queued        int         `json:"queued"`
	Message       string      `json:"message,omitempty"`
	LastError     string      `json:"lastError,omitempty"`
}

// DiagnosticsResult is the buildDiagnostics response.
type DiagnosticsResult struct {
	SchemaVersion uint32       `json:"schemaVersion"`
	Target        string       `json:"target,omitempty"`
	Status        BuildStatus  `json:"status"`
	BuildID       *uint64      `json:"buildId,omitempty"`
	Diagnostics   []Diagnostic `json:"diagnostics"`
	Source        string       `json:"source,omitempty"`
	Error         string       `json:"error,omitempty"`
}

// BuildProjectResult is the buildProject response.
type BuildProjectResult struct {
	SchemaVersion uint32       `json:"schemaVersion"`
	BuildID       uint64       `json:"buildId"`
	Status        BuildStatus  `json:"status"`
	Diagnostics   []Diagnostic `json:"diagnostics"`
}

// ModelUnit is one buildable unit of the project model. Exactly one of the
// scoping fields is set depending on Kind.
type ModelUnit struct {
	Kind        string `json:"kind"` // "maven", "gradle", "bazel", "simple"
	Module      string `json:"module,omitempty"`
	ProjectPath string `json:"projectPath,omitempty"`
	Target      string `json:"target,omitempty"`
}

// Label returns the user-facing identifier of the unit: the Bazel label,
// Gradle project path, or Maven module directory.
func (u ModelUnit) Label() string {
	switch {
	case u.Target != "":
		return u.Target
	case u.ProjectPath != "":
		return u.ProjectPath
	default:
		return u.Module
	}
}

// ModelResult is the projectModel response.
type ModelResult struct {
	ProjectRoot string      `json:"projectRoot"`
	Units       []ModelUnit `json:"units"`
}
