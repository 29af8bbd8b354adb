package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"git.home.luguber.info/inful/buildwatch/internal/engine/events"
	"git.home.luguber.info/inful/buildwatch/internal/protocol"
)

func newTestPoller(ft *fakeTransport, cfg PollerConfig) (*StatusPoller, *Store, *MemorySink, *recordingNotifier, *events.Bus) {
	store := NewStore()
	sink := NewMemorySink()
	notifier := &recordingNotifier{}
	bus := events.NewBus()
	client := protocol.NewClient(ft)
	sync_ := NewDiagnosticsSynchronizer(store, client, sink, notifier, bus, nil)
	poller := NewStatusPoller(store, client, sync_, notifier, bus, nil, cfg)
	return poller, store, sink, notifier, bus
}

func TestPollOnceSharesConcurrentRequests(t *testing.T) {
	ft := newFakeTransport()
	release := make(chan struct{})
	arrived := make(chan struct{}, 16)
	ft.handle(protocol.MethodBuildStatus, func(call int, params any) (any, error) {
		arrived <- struct{}{}
		<-release
		return statusResult(protocol.StatusIdle), nil
	})

	poller, store, _, _, _ := newTestPoller(ft, PollerConfig{})
	ws := store.Get("/w")

	var wg sync.WaitGroup
	results := make([]*protocol.StatusResult, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = poller.PollOnce(context.Background(), ws)
		}(i)
	}

	<-arrived
	// Give the remaining goroutines time to pile onto the same flight.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := ft.count(protocol.MethodBuildStatus); got != 1 {
		t.Errorf("expected exactly 1 request for 10 concurrent polls, got %d", got)
	}
	for i, r := range results {
		if r == nil || r.Status != protocol.StatusIdle {
			t.Errorf("caller %d should observe the shared result, got %+v", i, r)
		}
	}
}

func TestPollOnceUnsupportedGatesForever(t *testing.T) {
	ft := newFakeTransport() // no handler: every call is methodNotFound

	poller, store, _, notifier, _ := newTestPoller(ft, PollerConfig{})
	ws := store.Get("/w")

	if r := poller.PollOnce(context.Background(), ws); r != nil {
		t.Fatalf("unsupported poll should return nil, got %+v", r)
	}
	if got := ws.Capability(protocol.MethodBuildStatus); got != CapabilityUnsupported {
		t.Fatalf("capability should be unsupported, got %v", got)
	}
	if notifier.infoCount() != 1 {
		t.Errorf("expected exactly one informational note, got %d", notifier.infoCount())
	}

	for range 5 {
		poller.PollOnce(context.Background(), ws)
	}
	if got := ft.count(protocol.MethodBuildStatus); got != 1 {
		t.Errorf("no further requests expected once gated, got %d", got)
	}
	if notifier.infoCount() != 1 {
		t.Errorf("informational note must not repeat, got %d", notifier.infoCount())
	}
}

func TestPollOnceTransientErrorKeepsCapability(t *testing.T) {
	ft := newFakeTransport()
	ft.handle(protocol.MethodBuildStatus, func(call int, params any) (any, error) {
		if call == 1 {
			return statusResult(protocol.StatusIdle), nil
		}
		return nil, protocol.NewCallError(protocol.MethodBuildStatus, "", "connection reset")
	})

	poller, store, _, _, _ := newTestPoller(ft, PollerConfig{})
	ws := store.Get("/w")

	poller.PollOnce(context.Background(), ws)
	if r := poller.PollOnce(context.Background(), ws); r != nil {
		t.Fatalf("failed poll should return nil, got %+v", r)
	}

	if got := ws.Capability(protocol.MethodBuildStatus); got != CapabilitySupported {
		t.Errorf("transient failure must not flip the capability, got %v", got)
	}
	status, lastError := ws.Status()
	if status != protocol.StatusUnknown {
		t.Errorf("status should reset to unknown on failure, got %q", status)
	}
	if lastError == "" {
		t.Error("lastError should carry the failure for the aggregator")
	}

	// The next poll goes through again.
	poller.PollOnce(context.Background(), ws)
	if got := ft.count(protocol.MethodBuildStatus); got != 3 {
		t.Errorf("polling should continue after transient errors, got %d calls", got)
	}
}

func TestRunPollsFastWhileBuilding(t *testing.T) {
	ft := newFakeTransport()
	ft.handle(protocol.MethodBuildStatus, func(call int, params any) (any, error) {
		return statusResult(protocol.StatusBuilding), nil
	})
	ft.handle(protocol.MethodBuildDiagnostics, func(call int, params any) (any, error) {
		return &protocol.DiagnosticsResult{}, nil
	})

	poller, store, _, _, _ := newTestPoller(ft, PollerConfig{
		FastInterval: 5 * time.Millisecond,
		SlowInterval: 10 * time.Second,
	})
	ws := store.Get("/w")

	ctx, cancel := context.WithCancel(context.Background())
	ws.EnablePolling(cancel)
	done := make(chan struct{})
	go func() {
		defer close(done)
		poller.Run(ctx, ws)
	}()

	// At the slow interval we would see a single poll in this window.
	waitFor(t, time.Second, func() bool { return ft.count(protocol.MethodBuildStatus) >= 4 })
	cancel()
	<-done
}

func TestStatusTransitionOutOfBuildingRefreshesDiagnostics(t *testing.T) {
	ft := newFakeTransport()
	ft.handle(protocol.MethodBuildStatus, func(call int, params any) (any, error) {
		if call == 1 {
			return statusResult(protocol.StatusBuilding), nil
		}
		return statusResult(protocol.StatusIdle), nil
	})
	ft.handle(protocol.MethodBuildDiagnostics, func(call int, params any) (any, error) {
		return &protocol.DiagnosticsResult{Diagnostics: []protocol.Diagnostic{
			{File: "A.java", Severity: protocol.SeverityError, Message: "boom"},
		}}, nil
	})

	poller, store, sink, _, _ := newTestPoller(ft, PollerConfig{})
	ws := store.Get("/w")

	poller.PollOnce(context.Background(), ws)
	poller.PollOnce(context.Background(), ws)

	waitFor(t, time.Second, func() bool { return ft.count(protocol.MethodBuildDiagnostics) == 1 })
	waitFor(t, time.Second, func() bool { return sink.Count("/w") == 1 })
}

func TestStatusTransitionDefersRefreshToBuildCommand(t *testing.T) {
	ft := newFakeTransport()
	ft.handle(protocol.MethodBuildStatus, func(call int, params any) (any, error) {
		if call == 1 {
			return statusResult(protocol.StatusBuilding), nil
		}
		return statusResult(protocol.StatusIdle), nil
	})
	ft.handle(protocol.MethodBuildDiagnostics, func(call int, params any) (any, error) {
		return &protocol.DiagnosticsResult{}, nil
	})

	poller, store, _, _, _ := newTestPoller(ft, PollerConfig{})
	ws := store.Get("/w")

	ws.BeginBuildCommand()
	poller.PollOnce(context.Background(), ws)
	poller.PollOnce(context.Background(), ws)

	time.Sleep(30 * time.Millisecond)
	if got := ft.count(protocol.MethodBuildDiagnostics); got != 0 {
		t.Errorf("refresh should be deferred while a build command runs, got %d calls", got)
	}
	if !ws.EndBuildCommand() {
		t.Error("the deferred refresh should be queued for the build command")
	}
}

func TestIdleToIdleDoesNotRefresh(t *testing.T) {
	ft := newFakeTransport()
	ft.handle(protocol.MethodBuildStatus, func(call int, params any) (any, error) {
		return statusResult(protocol.StatusIdle), nil
	})

	poller, store, _, _, _ := newTestPoller(ft, PollerConfig{})
	ws := store.Get("/w")

	poller.PollOnce(context.Background(), ws)
	poller.PollOnce(context.Background(), ws)

	time.Sleep(30 * time.Millisecond)
	if got := ft.count(protocol.MethodBuildDiagnostics); got != 0 {
		t.Errorf("steady idle status must not trigger refreshes, got %d calls", got)
	}
}
