package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// errorEnvelope is the JSON body the server returns on non-2xx responses.
type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HTTPTransport reaches a build server exposing the extension methods as
// POST {base}/rpc/{method}. Each call carries a fresh request ID so
// client and server logs can be correlated.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// TransportOption customizes an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithTimeout overrides the per-call safety-net timeout.
func WithTimeout(d time.Duration) TransportOption {
	return func(t *HTTPTransport) {
		if d > 0 {
			t.client.Timeout = d
		}
	}
}

// NewHTTPTransport creates a transport for the given base URL
// (e.g. "http://127.0.0.1:9620").
func NewHTTPTransport(baseURL string, opts ...TransportOption) *HTTPTransport {
	t := &HTTPTransport{
		baseURL: baseURL,
		client: &http.Client{
			// Individual calls are bounded by the caller's context; this
			// is a safety net against a wedged connection.
			Timeout: 5 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Call implements Transport.
func (t *HTTPTransport) Call(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return WrapCallError(method, fmt.Errorf("encode params: %w", err))
	}

	url := fmt.Sprintf("%s/rpc/%s", t.baseURL, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return WrapCallError(method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := t.client.Do(req)
	if err != nil {
		// Context cancellation must stay recognizable through the wrapper.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return WrapCallError(method, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return WrapCallError(method, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		var envelope errorEnvelope
		if json.Unmarshal(payload, &envelope) == nil && envelope.Code != "" {
			return NewCallError(method, envelope.Code, envelope.Message)
		}
		if resp.StatusCode == http.StatusNotFound {
			return NewCallError(method, CodeMethodNotFound, fmt.Sprintf("method not found: %s", method))
		}
		return NewCallError(method, "", fmt.Sprintf("server returned %s", resp.Status))
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(payload, result); err != nil {
		return WrapCallError(method, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
