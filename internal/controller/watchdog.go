package controller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/hangar/internal/logging"
	"github.com/wudi/hangar/internal/store"
)

// RunWatchdog periodically expires running apps whose agent heartbeat has
// gone silent, reclaiming their port and asking the agent to tear the
// workload down. Returns when ctx is cancelled.
func (c *Controller) RunWatchdog(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.expireStaleApps()
		}
	}
}

// expireStaleApps marks every running app without a fresh heartbeat as
// errored and releases its resources. A missing heartbeat column counts as
// stale: running apps always get one on the transition to running.
func (c *Controller) expireStaleApps() {
	apps, err := c.store.ListAppsByStatus(store.StatusRunning)
	if err != nil {
		logging.Error("watchdog: listing running apps failed", zap.Error(err))
		return
	}
	cutoff := c.now().Add(-c.cfg.HeartbeatExpiry).Unix()
	for _, app := range apps {
		if app.LastHeartbeat != nil && *app.LastHeartbeat >= cutoff {
			continue
		}
		c.expireApp(app)
	}
}

func (c *Controller) expireApp(app *store.App) {
	logging.App(app.ID).Warn("heartbeat expired, marking app as errored")
	c.metrics.WatchdogExpiries.Inc()

	status := store.StatusError
	patch := store.AppPatch{
		Status:         &status,
		ClearPort:      true,
		ClearHeartbeat: true,
		ClearGPUs:      true,
	}
	if err := c.store.UpdateApp(app.ID, patch); err != nil {
		logging.App(app.ID).Error("watchdog: status update failed", zap.Error(err))
	}
	c.releasePort(app.Port)

	// Best-effort cleanup on the host. The agent releases VRAM and the
	// route itself; if it is unreachable we still drop the route later
	// through the fallback.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AgentStopTimeout)
		defer cancel()
		if err := c.agent.Stop(ctx, app.ID); err != nil {
			logging.App(app.ID).Warn("watchdog: agent stop failed, removing route", zap.Error(err))
			rctx, rcancel := c.dispatchCtx()
			defer rcancel()
			if err := c.agent.RemoveRoute(rctx, app.ID); err != nil {
				logging.App(app.ID).Warn("watchdog: route removal failed", zap.Error(err))
			}
		}
	}()
}
