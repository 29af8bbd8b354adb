package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/buildwatch/internal/admin"
	"git.home.luguber.info/inful/buildwatch/internal/config"
	"git.home.luguber.info/inful/buildwatch/internal/engine"
	"git.home.luguber.info/inful/buildwatch/internal/history"
	"git.home.luguber.info/inful/buildwatch/internal/metrics"
	"git.home.luguber.info/inful/buildwatch/internal/protocol"
	"git.home.luguber.info/inful/buildwatch/internal/watch"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"buildwatch.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Watch struct {
	} `cmd:"" help:"Watch configured workspaces: poll build status, sync diagnostics and reload on build file changes"`

	Build struct {
		Root        string        `arg:"" help:"Workspace root to build"`
		Tool        string        `help:"Build tool override: auto, maven or gradle"`
		Module      string        `help:"Maven module to scope the build to"`
		ProjectPath string        `help:"Gradle project path to scope the build to (e.g. :app)"`
		Target      string        `help:"Build target label"`
		Timeout     time.Duration `help:"Abort the build command after this long" default:"30m"`
	} `cmd:"" help:"Run one build and wait for its outcome"`

	Status struct {
		Root string `arg:"" optional:"" help:"Workspace root (all configured workspaces when omitted)"`
	} `cmd:"" help:"Poll build status once and print it"`

	History struct {
		Workspace string `help:"Filter by workspace root"`
		Limit     int    `help:"Maximum entries" default:"20"`
	} `cmd:"" help:"Show recent build outcomes"`
}

func main() {
	kctx := kong.Parse(&CLI)

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "buildwatch: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg)

	var runErr error
	switch kctx.Command() {
	case "watch":
		runErr = runWatch(cfg)
	case "build <root>":
		runErr = runBuild(cfg)
	case "status", "status <root>":
		runErr = runStatus(cfg)
	case "history":
		runErr = runHistory(cfg)
	}
	if runErr != nil {
		slog.Error("Command failed", "error", runErr)
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if CLI.Verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func newEngine(cfg *config.Config, recorder engine.BuildRecorder, picker engine.TargetPicker, withResync bool) (*engine.Engine, *metrics.Metrics, error) {
	transport := protocol.NewHTTPTransport(cfg.Server.URL, protocol.WithTimeout(cfg.Server.Timeout))
	client := protocol.NewClient(transport)
	m := metrics.New()

	engCfg := engine.Config{
		Poller: engine.PollerConfig{
			FastInterval: cfg.Poll.FastInterval,
			SlowInterval: cfg.Poll.SlowInterval,
		},
		Reload: engine.ReloadDebouncerConfig{
			QuietWindow: cfg.Watch.QuietWindow,
			BuildTool:   protocol.BuildTool(cfg.Build.Tool),
		},
		BuildCommand: engine.BuildCommandConfig{
			PollCeiling: cfg.Build.PollCeiling,
		},
	}
	if withResync {
		engCfg.ResyncInterval = cfg.Poll.ResyncInterval
	}

	eng, err := engine.New(client, nil, engine.SlogNotifier{}, picker, m, recorder, engCfg)
	if err != nil {
		return nil, nil, err
	}
	return eng, m, nil
}

func openHistory(cfg *config.Config) (*history.Store, error) {
	if !cfg.History.Enabled {
		return nil, nil
	}
	return history.Open(cfg.History.Path)
}

func runWatch(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hist, err := openHistory(cfg)
	if err != nil {
		return err
	}
	if hist != nil {
		defer hist.Close()
	}

	var recorder engine.BuildRecorder
	if hist != nil {
		recorder = hist
	}
	eng, m, err := newEngine(cfg, recorder, nil, true)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := eng.Stop(shutdownCtx); err != nil {
			slog.Warn("Engine stop reported error", "error", err)
		}
	}()

	var watcher *watch.Watcher
	if cfg.Watch.Enabled {
		watcher, err = watch.New(eng.Bus())
		if err != nil {
			return err
		}
		watcher.Start(ctx)
		defer func() {
			if err := watcher.Stop(); err != nil {
				slog.Warn("Watcher stop reported error", "error", err)
			}
		}()
	}

	for _, ws := range cfg.Workspaces {
		root, err := filepath.Abs(ws.Root)
		if err != nil {
			return fmt.Errorf("resolve workspace root %q: %w", ws.Root, err)
		}
		eng.AddWorkspace(root)
		if ws.Poll {
			eng.EnsurePolling(root)
		}
		if watcher != nil {
			if err := watcher.AddRoot(root); err != nil {
				slog.Warn("Failed to watch workspace", "workspace", root, "error", err)
			}
		}
	}

	if cfg.Admin.Enabled {
		adminSrv := admin.NewServer(cfg.Admin.Listen, eng, hist, m)
		go func() {
			slog.Info("Admin endpoint listening", "addr", cfg.Admin.Listen)
			if err := adminSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Admin server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = adminSrv.Shutdown(shutdownCtx)
		}()
	}

	slog.Info("Watching workspaces", "count", len(cfg.Workspaces))
	<-ctx.Done()
	slog.Info("Shutting down")
	return nil
}

func runBuild(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, CLI.Build.Timeout)
	defer cancel()

	hist, err := openHistory(cfg)
	if err != nil {
		return err
	}
	if hist != nil {
		defer hist.Close()
	}
	var recorder engine.BuildRecorder
	if hist != nil {
		recorder = hist
	}

	eng, _, err := newEngine(cfg, recorder, newStdinPicker(), false)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop(context.Background())

	root, err := filepath.Abs(CLI.Build.Root)
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}

	tool := cfg.Build.Tool
	if CLI.Build.Tool != "" {
		tool = CLI.Build.Tool
	}

	summary := eng.BuildCommand(ctx, root, engine.BuildCommandOptions{
		BuildTool:   protocol.BuildTool(tool),
		Module:      CLI.Build.Module,
		ProjectPath: CLI.Build.ProjectPath,
		Target:      CLI.Build.Target,
	})
	printSummary(summary)

	if summary.Outcome != engine.OutcomeCompleted {
		os.Exit(1)
	}
	return nil
}

func printSummary(summary *engine.BuildSummary) {
	fmt.Printf("workspace: %s\n", summary.Workspace)
	fmt.Printf("outcome:   %s\n", summary.Outcome)
	if summary.Status != "" {
		fmt.Printf("status:    %s\n", summary.Status)
	}
	if summary.Target != "" {
		fmt.Printf("target:    %s\n", summary.Target)
	}
	if summary.TimedOut {
		fmt.Println("timed out: yes")
	}
	if summary.DiagnosticsAvailable {
		fmt.Printf("problems:  %d error(s), %d warning(s)\n",
			summary.Diagnostics.Errors, summary.Diagnostics.Warnings)
	}
	if summary.LastError != "" {
		fmt.Printf("error:     %s\n", summary.LastError)
	}
	fmt.Printf("duration:  %s\n", summary.Duration.Round(time.Millisecond))
}

func runStatus(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	eng, _, err := newEngine(cfg, nil, nil, false)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop(context.Background())

	roots := make([]string, 0, len(cfg.Workspaces))
	if CLI.Status.Root != "" {
		root, err := filepath.Abs(CLI.Status.Root)
		if err != nil {
			return fmt.Errorf("resolve workspace root: %w", err)
		}
		roots = append(roots, root)
	} else {
		for _, ws := range cfg.Workspaces {
			root, err := filepath.Abs(ws.Root)
			if err != nil {
				return fmt.Errorf("resolve workspace root %q: %w", ws.Root, err)
			}
			roots = append(roots, root)
		}
	}
	if len(roots) == 0 {
		return fmt.Errorf("no workspaces configured; pass a root or add workspaces to the config")
	}

	for _, root := range roots {
		eng.AddWorkspace(root)
		eng.PollOnce(ctx, root)
	}

	for _, snap := range eng.Snapshots() {
		status := string(snap.Status)
		if status == "" {
			status = "unknown"
		}
		fmt.Printf("%-60s %s", snap.Root, status)
		if snap.LastError != "" {
			fmt.Printf("  (%s)", snap.LastError)
		}
		fmt.Println()
	}

	agg := eng.Aggregate()
	fmt.Printf("\noverall: %s", agg.Status)
	if agg.Message != "" {
		fmt.Printf(" - %s", agg.Message)
	}
	fmt.Println()
	return nil
}

func runHistory(cfg *config.Config) error {
	if !cfg.History.Enabled {
		return fmt.Errorf("build history is disabled in the configuration")
	}
	hist, err := history.Open(cfg.History.Path)
	if err != nil {
		return err
	}
	defer hist.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entries, err := hist.Recent(ctx, CLI.History.Workspace, CLI.History.Limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no recorded builds")
		return nil
	}

	for _, e := range entries {
		line := fmt.Sprintf("%s  %-9s  %s", e.FinishedAt.Local().Format("2006-01-02 15:04:05"), e.Outcome, e.Workspace)
		if e.Target != "" {
			line += "  target=" + e.Target
		}
		if e.Errors > 0 || e.Warnings > 0 {
			line += fmt.Sprintf("  problems=%dE/%dW", e.Errors, e.Warnings)
		}
		if e.TimedOut {
			line += "  timed-out"
		}
		fmt.Println(line)
	}
	return nil
}
