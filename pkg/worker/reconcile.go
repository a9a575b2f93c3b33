package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/barrettj12/nimble/pkg/build"
	"github.com/barrettj12/nimble/pkg/queue"
)

// Reconcile repairs the store after a restart, before any worker starts.
// Queue contents do not survive a restart, so queued builds are re-enqueued
// from their records, and builds caught mid-flight in building are failed:
// their workspaces and toolchain processes are gone.
func Reconcile(ctx context.Context, store build.Store, jobs *queue.Queue[BuildJob], logger *zap.Logger) error {
	stuck := build.StatusBuilding
	interrupted, err := store.List(ctx, build.Filter{Status: &stuck})
	if err != nil {
		return fmt.Errorf("list interrupted builds: %w", err)
	}
	for _, b := range interrupted {
		reason := "interrupted by agent restart"
		if _, err := store.Transition(ctx, b.ID, build.StatusBuilding, build.StatusFailed,
			build.Fields{Error: &reason}); err != nil {
			logger.Error("fail interrupted build", zap.String("build_id", b.ID), zap.Error(err))
			continue
		}
		logger.Info("failed interrupted build", zap.String("build_id", b.ID))
	}

	pending := build.StatusQueued
	queued, err := store.List(ctx, build.Filter{Status: &pending})
	if err != nil {
		return fmt.Errorf("list queued builds: %w", err)
	}
	// Oldest first, so re-enqueued jobs keep their original order.
	for i := len(queued) - 1; i >= 0; i-- {
		b := queued[i]
		if err := jobs.Enqueue(BuildJob{BuildID: b.ID}); err != nil {
			logger.Error("re-enqueue build", zap.String("build_id", b.ID), zap.Error(err))
			continue
		}
		logger.Info("re-enqueued build", zap.String("build_id", b.ID))
	}
	return nil
}
