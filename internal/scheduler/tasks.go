package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// RemoteFollowSyncer is the subset of internal/pullfed.Service the
// remote-follow-sync task needs.
type RemoteFollowSyncer interface {
	RefreshDueFollows(ctx context.Context) error
}

// InteractionDeliverer is the subset of internal/interactions.Service the
// maintenance task uses to drain retryable deliveries alongside its own
// scheduler-independent callers.
type InteractionDeliverer interface {
	DeliverPending(ctx context.Context)
}

// DefaultTasksConfig configures BuildDefaultTasks.
type DefaultTasksConfig struct {
	Logger        *slog.Logger
	Seeds         []string
	Announce      func(ctx context.Context, seeds []string, logger *slog.Logger)
	Gossip        func(ctx context.Context, logger *slog.Logger)
	SyncFollows   RemoteFollowSyncer
	DeliverQueued InteractionDeliverer
}

// BuildDefaultTasks returns the four tasks of spec.md §4.11, wired against
// cfg's services. The bot/maintenance task is intentionally a documented
// no-op: bot automation is out of scope (spec.md §1 Non-goals); the slot is
// reused to drain the interaction-delivery retry queue, which needs the
// same "every 60s, independent of request handlers" shape.
func BuildDefaultTasks(cfg DefaultTasksConfig) []Task {
	tasks := []Task{
		{
			Name:         "announce-to-seeds",
			InitialDelay: 10 * time.Second,
			Interval:     24 * time.Hour, // effectively once; re-announce cadence is not spec'd beyond startup.
			Run: func(ctx context.Context) {
				cfg.Announce(ctx, cfg.Seeds, cfg.Logger)
			},
		},
		{
			Name:         "gossip-round",
			InitialDelay: 30 * time.Second,
			Interval:     300 * time.Second,
			Run: func(ctx context.Context) {
				cfg.Gossip(ctx, cfg.Logger)
			},
		},
		{
			Name:         "remote-follow-sync",
			InitialDelay: 15 * time.Second,
			Interval:     60 * time.Second,
			Run: func(ctx context.Context) {
				if err := cfg.SyncFollows.RefreshDueFollows(ctx); err != nil {
					cfg.Logger.Warn("remote follow sync failed", slog.String("error", err.Error()))
				}
			},
		},
	}
	if cfg.DeliverQueued != nil {
		tasks = append(tasks, Task{
			Name:         "interaction-delivery-sweep",
			InitialDelay: 20 * time.Second,
			Interval:     60 * time.Second,
			Run: func(ctx context.Context) {
				cfg.DeliverQueued.DeliverPending(ctx)
			},
		})
	}
	return tasks
}
