// Package cleanup is the control-side fallback deleter: it removes the
// instance when any stage after creation fails or times out. It is
// deliberately commutative with the node-side self-destruct -- whichever
// deleter runs second observes "already gone" and reports success.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dianplus/cloud-instance-github-runner/internal/cloud"
)

// Guard deletes instances by id, tolerating already-gone.
type Guard struct {
	api    cloud.API
	logger *slog.Logger
}

// New creates a Guard.
func New(api cloud.API, logger *slog.Logger) *Guard {
	return &Guard{api: api, logger: logger}
}

// Sweep checks the instance's current status and deletes it. An instance
// that is already gone is success. Sweep never creates anything and is
// safe to call any number of times.
func (g *Guard) Sweep(ctx context.Context, instanceID string) error {
	state, err := g.api.InstanceStatus(ctx, instanceID)
	if err != nil {
		// Status is advisory; the delete itself is idempotent, so fall
		// through and attempt it anyway.
		g.logger.Warn("status check failed before cleanup, deleting anyway",
			slog.String("instance_id", instanceID),
			slog.String("error", err.Error()),
		)
	} else if state == cloud.StateGone {
		g.logger.Info("instance already gone, nothing to clean up",
			slog.String("instance_id", instanceID),
		)
		return nil
	}

	if err := g.api.DeleteInstance(ctx, instanceID); err != nil {
		return fmt.Errorf("cleanup sweep of %s: %w", instanceID, err)
	}

	g.logger.Info("cleanup sweep deleted instance", slog.String("instance_id", instanceID))
	return nil
}
