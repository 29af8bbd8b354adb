package protocol

import "context"

// Transport issues one request to the build server and decodes the
// response into result. Implementations must report three outcomes
// distinctly through the returned error: success (nil), method not found
// (IsUnsupported), and cancellation (IsCancelled); anything else is
// treated as transient by callers. Cancelling ctx must settle the call
// promptly rather than leaving the caller hanging.
type Transport interface {
	Call(ctx context.Context, method string, params, result any) error
}

// Client is the typed request surface the engine consumes.
type Client struct {
	transport Transport
}

// NewClient wraps a Transport with typed per-method calls.
func NewClient(t Transport) *Client {
	return &Client{transport: t}
}

// BuildStatus fetches the build status of one workspace. Idempotent.
func (c *Client) BuildStatus(ctx context.Context, params StatusParams) (*StatusResult, error) {
	var result StatusResult
	if err := c.transport.Call(ctx, MethodBuildStatus, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// BuildDiagnostics fetches the current diagnostic set of one workspace.
// Idempotent.
func (c *Client) BuildDiagnostics(ctx context.Context, params DiagnosticsParams) (*DiagnosticsResult, error) {
	var result DiagnosticsResult
	if err := c.transport.Call(ctx, MethodBuildDiagnostics, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// BuildProject submits a build. Not idempotent; may fail with a
// distinguishable target-required error (IsTargetRequired).
func (c *Client) BuildProject(ctx context.Context, params ProjectParams) (*BuildProjectResult, error) {
	var result BuildProjectResult
	if err := c.transport.Call(ctx, MethodBuildProject, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReloadProject re-derives the server's project model. Not idempotent but
// safe to retry serially.
func (c *Client) ReloadProject(ctx context.Context, params ProjectParams) error {
	return c.transport.Call(ctx, MethodReloadProject, params, nil)
}

// ProjectModel enumerates the buildable units of one workspace, used to
// resolve a missing build target interactively.
func (c *Client) ProjectModel(ctx context.Context, params ModelParams) (*ModelResult, error) {
	var result ModelResult
	if err := c.transport.Call(ctx, MethodProjectModel, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
