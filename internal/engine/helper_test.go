package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"git.home.luguber.info/inful/buildwatch/internal/protocol"
)

// fakeTransport scripts per-method responses and counts calls.
type fakeTransport struct {
	mu       sync.Mutex
	calls    map[string]int
	handlers map[string]func(call int, params any) (any, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		calls:    make(map[string]int),
		handlers: make(map[string]func(call int, params any) (any, error)),
	}
}

func (f *fakeTransport) handle(method string, h func(call int, params any) (any, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeTransport) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeTransport) Call(ctx context.Context, method string, params, result any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	f.calls[method]++
	call := f.calls[method]
	h := f.handlers[method]
	f.mu.Unlock()

	if h == nil {
		return protocol.NewCallError(method, protocol.CodeMethodNotFound, "method not found: "+method)
	}
	out, err := h(call, params)
	if err != nil {
		return err
	}
	if out == nil || result == nil {
		return nil
	}
	// JSON round trip mirrors what the real transport does.
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, result)
}

func statusResult(status protocol.BuildStatus) *protocol.StatusResult {
	return &protocol.StatusResult{SchemaVersion: 1, Status: status}
}

// recordingNotifier captures user-facing notifications.
type recordingNotifier struct {
	mu     sync.Mutex
	infos  []string
	warns  []string
	errors []string
}

func (n *recordingNotifier) Info(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.infos = append(n.infos, message)
}

func (n *recordingNotifier) Warn(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.warns = append(n.warns, message)
}

func (n *recordingNotifier) Error(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, message)
}

func (n *recordingNotifier) infoCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.infos)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
