package engine

import (
	"context"
	"testing"
	"time"

	"git.home.luguber.info/inful/buildwatch/internal/engine/events"
	"git.home.luguber.info/inful/buildwatch/internal/protocol"
)

func newTestDebouncer(ft *fakeTransport, quiet time.Duration) (*ReloadDebouncer, *Store, *events.Bus, *recordingNotifier) {
	store := NewStore()
	notifier := &recordingNotifier{}
	bus := events.NewBus()
	client := protocol.NewClient(ft)
	sync_ := NewDiagnosticsSynchronizer(store, client, NewMemorySink(), notifier, bus, nil)
	poller := NewStatusPoller(store, client, sync_, notifier, bus, nil, PollerConfig{})
	debouncer := NewReloadDebouncer(store, client, sync_, poller, notifier, bus, nil, ReloadDebouncerConfig{QuietWindow: quiet})
	return debouncer, store, bus, notifier
}

func fileEvent(workspace, file string) events.FileChanged {
	return events.FileChanged{Workspace: workspace, Path: file, At: time.Now()}
}

func TestDebounceCoalescesBurst(t *testing.T) {
	ft := newFakeTransport()
	ft.handle(protocol.MethodReloadProject, func(call int, params any) (any, error) {
		return nil, nil
	})
	ft.handle(protocol.MethodBuildStatus, func(call int, params any) (any, error) {
		return statusResult(protocol.StatusIdle), nil
	})
	ft.handle(protocol.MethodBuildDiagnostics, func(call int, params any) (any, error) {
		return &protocol.DiagnosticsResult{}, nil
	})

	debouncer, store, bus, _ := newTestDebouncer(ft, 20*time.Millisecond)
	store.Get("/w")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		debouncer.Run(ctx)
	}()
	<-debouncer.Ready()

	for range 6 {
		if err := bus.Publish(ctx, fileEvent("/w", "/w/pom.xml")); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	waitFor(t, time.Second, func() bool { return ft.count(protocol.MethodReloadProject) == 1 })
	// The window must have fired exactly once for the whole burst.
	time.Sleep(50 * time.Millisecond)
	if got := ft.count(protocol.MethodReloadProject); got != 1 {
		t.Errorf("expected 1 reload for the burst, got %d", got)
	}

	// Success refreshes the dependent views.
	waitFor(t, time.Second, func() bool { return ft.count(protocol.MethodBuildDiagnostics) == 1 })
	waitFor(t, time.Second, func() bool { return ft.count(protocol.MethodBuildStatus) == 1 })

	cancel()
	<-done
}

func TestSpacedBurstsReloadSeparately(t *testing.T) {
	ft := newFakeTransport()
	ft.handle(protocol.MethodReloadProject, func(call int, params any) (any, error) {
		return nil, nil
	})
	ft.handle(protocol.MethodBuildStatus, func(call int, params any) (any, error) {
		return statusResult(protocol.StatusIdle), nil
	})
	ft.handle(protocol.MethodBuildDiagnostics, func(call int, params any) (any, error) {
		return &protocol.DiagnosticsResult{}, nil
	})

	debouncer, store, bus, _ := newTestDebouncer(ft, 10*time.Millisecond)
	store.Get("/w")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		debouncer.Run(ctx)
	}()
	<-debouncer.Ready()

	if err := bus.Publish(ctx, fileEvent("/w", "/w/build.gradle")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return ft.count(protocol.MethodReloadProject) == 1 })

	if err := bus.Publish(ctx, fileEvent("/w", "/w/settings.gradle")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return ft.count(protocol.MethodReloadProject) == 2 })

	cancel()
	<-done
}

func TestReloadUnsupportedGatesFutureEvents(t *testing.T) {
	ft := newFakeTransport() // reloadProject -> methodNotFound

	debouncer, store, bus, notifier := newTestDebouncer(ft, 5*time.Millisecond)
	store.Get("/w")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		debouncer.Run(ctx)
	}()
	<-debouncer.Ready()

	if err := bus.Publish(ctx, fileEvent("/w", "/w/pom.xml")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return ft.count(protocol.MethodReloadProject) == 1 })
	waitFor(t, time.Second, func() bool { return notifier.infoCount() == 1 })

	if err := bus.Publish(ctx, fileEvent("/w", "/w/pom.xml")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)
	if got := ft.count(protocol.MethodReloadProject); got != 1 {
		t.Errorf("gated workspace must not reload again, got %d calls", got)
	}

	cancel()
	<-done
}

func TestFileEventOutsideWorkspacesIsDropped(t *testing.T) {
	ft := newFakeTransport()
	ft.handle(protocol.MethodReloadProject, func(call int, params any) (any, error) {
		return nil, nil
	})

	debouncer, store, bus, _ := newTestDebouncer(ft, 5*time.Millisecond)
	store.Get("/w")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		debouncer.Run(ctx)
	}()
	<-debouncer.Ready()

	if err := bus.Publish(ctx, fileEvent("", "/elsewhere/pom.xml")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)
	if got := ft.count(protocol.MethodReloadProject); got != 0 {
		t.Errorf("events outside every workspace must be dropped, got %d reloads", got)
	}

	cancel()
	<-done
}

func TestFailedReloadDoesNotBlockNext(t *testing.T) {
	ft := newFakeTransport()
	ft.handle(protocol.MethodReloadProject, func(call int, params any) (any, error) {
		if call == 1 {
			return nil, protocol.NewCallError(protocol.MethodReloadProject, "", "gradle sync crashed")
		}
		return nil, nil
	})
	ft.handle(protocol.MethodBuildStatus, func(call int, params any) (any, error) {
		return statusResult(protocol.StatusIdle), nil
	})
	ft.handle(protocol.MethodBuildDiagnostics, func(call int, params any) (any, error) {
		return &protocol.DiagnosticsResult{}, nil
	})

	debouncer, store, bus, _ := newTestDebouncer(ft, 5*time.Millisecond)
	store.Get("/w")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		debouncer.Run(ctx)
	}()
	<-debouncer.Ready()

	finished, unsubscribe := events.Subscribe[events.ReloadFinished](bus, 4)
	defer unsubscribe()

	if err := bus.Publish(ctx, fileEvent("/w", "/w/pom.xml")); err != nil {
		t.Fatal(err)
	}
	first := <-finished
	if first.Err == nil {
		t.Fatal("first reload should have failed")
	}

	if err := bus.Publish(ctx, fileEvent("/w", "/w/pom.xml")); err != nil {
		t.Fatal(err)
	}
	second := <-finished
	if second.Err != nil {
		t.Errorf("second reload should succeed after a failure, got %v", second.Err)
	}

	cancel()
	<-done
}
