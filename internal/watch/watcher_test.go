package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"git.home.luguber.info/inful/buildwatch/internal/engine/events"
)

func TestIsBuildFile(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/w/pom.xml", true},
		{"/w/sub/module/pom.xml", true},
		{"/w/build.gradle", true},
		{"/w/build.gradle.kts", true},
		{"/w/settings.gradle.kts", true},
		{"/w/gradle-wrapper.properties", true},
		{"/w/BUILD", true},
		{"/w/BUILD.bazel", true},
		{"/w/MODULE.bazel", true},
		{"/w/.bazelrc", true},
		{"/w/src/Main.java", false},
		{"/w/README.md", false},
		{"/w/build.xml", false},
		{"/w/pom.xml.bak", false},
	}
	for _, tc := range cases {
		if got := IsBuildFile(tc.path); got != tc.want {
			t.Errorf("IsBuildFile(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestWatcherPublishesBuildFileChanges(t *testing.T) {
	root := t.TempDir()
	bus := events.NewBus()
	defer bus.Close()

	watcher, err := New(bus)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	defer func() { _ = watcher.Stop() }()

	if err := watcher.AddRoot(root); err != nil {
		t.Fatalf("failed to add root: %v", err)
	}

	eventCh, unsubscribe := events.Subscribe[events.FileChanged](bus, 16)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher.Start(ctx)

	if err := os.WriteFile(filepath.Join(root, "pom.xml"), []byte("<project/>"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-eventCh:
		if evt.Workspace == "" {
			t.Error("event should carry the owning workspace")
		}
		if filepath.Base(evt.Path) != "pom.xml" {
			t.Errorf("unexpected path %q", evt.Path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event for a build file write")
	}
}

func TestWatcherIgnoresIrrelevantFiles(t *testing.T) {
	root := t.TempDir()
	bus := events.NewBus()
	defer bus.Close()

	watcher, err := New(bus)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	defer func() { _ = watcher.Stop() }()

	if err := watcher.AddRoot(root); err != nil {
		t.Fatal(err)
	}

	eventCh, unsubscribe := events.Subscribe[events.FileChanged](bus, 16)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher.Start(ctx)

	if err := os.WriteFile(filepath.Join(root, "Main.java"), []byte("class Main {}"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-eventCh:
		t.Fatalf("unexpected event for a source file: %+v", evt)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherRemoveRootStopsEvents(t *testing.T) {
	root := t.TempDir()
	bus := events.NewBus()
	defer bus.Close()

	watcher, err := New(bus)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = watcher.Stop() }()

	if err := watcher.AddRoot(root); err != nil {
		t.Fatal(err)
	}
	watcher.RemoveRoot(root)

	eventCh, unsubscribe := events.Subscribe[events.FileChanged](bus, 16)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher.Start(ctx)

	if err := os.WriteFile(filepath.Join(root, "pom.xml"), []byte("<project/>"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-eventCh:
		t.Fatalf("unexpected event after root removal: %+v", evt)
	case <-time.After(300 * time.Millisecond):
	}
}
