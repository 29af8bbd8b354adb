package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/buildwatch/internal/logfields"
	"git.home.luguber.info/inful/buildwatch/internal/protocol"
)

// Scheduler wraps a gocron scheduler for periodic full resyncs: a safety
// net that re-polls status and silently refreshes diagnostics for every
// workspace, catching up after missed events or dropped connections.
type Scheduler struct {
	scheduler gocron.Scheduler
	store     *Store
	poller    *StatusPoller
	sync      *DiagnosticsSynchronizer
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(store *Store, poller *StatusPoller, sync_ *DiagnosticsSynchronizer) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		scheduler: s,
		store:     store,
		poller:    poller,
		sync:      sync_,
	}, nil
}

// Start begins the scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("Starting resync scheduler")
	s.scheduler.Start()
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	slog.Info("Stopping resync scheduler")
	return s.scheduler.Shutdown()
}

// ScheduleResync registers the periodic full resync job.
// Returns the job ID for later management.
func (s *Scheduler) ScheduleResync(ctx context.Context, interval time.Duration) (string, error) {
	job, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.executeResync, ctx),
		gocron.WithName("workspace-resync"),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create resync job: %w", err)
	}

	return job.ID().String(), nil
}

// executeResync is called by gocron to re-poll every workspace.
func (s *Scheduler) executeResync(ctx context.Context) {
	workspaces := s.store.All()
	slog.Debug("Executing scheduled resync", logfields.Count(len(workspaces)))

	for _, ws := range workspaces {
		if ctx.Err() != nil {
			return
		}
		if ws.Capability(protocol.MethodBuildStatus) == CapabilityUnsupported {
			continue
		}
		s.poller.PollOnce(ctx, ws)
		if _, err := s.sync.Refresh(ctx, ws, RefreshOptions{Silent: true}); err != nil {
			slog.Debug("Scheduled diagnostics resync failed",
				logfields.Workspace(ws.Root()), logfields.Error(err))
		}
	}
}
