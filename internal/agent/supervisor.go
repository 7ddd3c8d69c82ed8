package agent

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/hangar/internal/kind"
	"github.com/wudi/hangar/internal/logging"
	"github.com/wudi/hangar/internal/store"
)

// notifyRunning reports the ready transition. A 404 means the app was
// deleted while it was starting; run the full cleanup path.
func (a *Agent) notifyRunning(entry *ProcessEntry) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := a.controller.UpdateStatus(ctx, entry.AppID, store.StatusRunning, entry.GPUs)
	if errors.Is(err, ErrAppUnknown) {
		logging.App(entry.AppID).Info("app deleted during startup, cleaning up")
		a.teardown(entry, "")
		return false
	}
	if err != nil {
		logging.App(entry.AppID).Warn("running callback failed", zap.Error(err))
	}
	return true
}

// supervise is the single per-app loop: it owns the process handle,
// liveness checks, heartbeats, and reaction to the controller's deletion
// signal. One goroutine per app; exits only through teardown or cancel.
func (a *Agent) supervise(ctx context.Context, entry *ProcessEntry) {
	log := logging.App(entry.AppID)
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-entry.exited:
			final := store.StatusError
			if entry.exitCode == 0 {
				final = store.StatusFinished
			}
			log.Info("workload exited",
				zap.Int("exit_code", entry.exitCode),
				zap.String("final_status", final))
			a.teardown(entry, final)
			return

		case <-ticker.C:
			if entry.Proc == nil && !a.workloadAlive(entry) {
				final := a.deadWorkloadStatus(entry)
				log.Info("workload no longer alive", zap.String("final_status", final))
				a.teardown(entry, final)
				return
			}

			hbCtx, cancel := context.WithTimeout(ctx, a.cfg.HeartbeatInterval)
			err := a.controller.Heartbeat(hbCtx, entry.AppID)
			cancel()
			if errors.Is(err, ErrAppUnknown) {
				log.Info("app deleted on controller, cleaning up")
				a.teardown(entry, "")
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// workloadAlive checks liveness for workloads without a process handle.
func (a *Agent) workloadAlive(entry *ProcessEntry) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	switch entry.Kind {
	case kind.Compose:
		return a.rt.ComposeRunning(ctx, entry.AppID)
	case kind.Source:
		// Recovered source apps have no handle; the port is the only signal.
		return !a.probePort(entry.Port)
	default:
		return a.rt.ContainerRunning(ctx, entry.AppID)
	}
}

// deadWorkloadStatus maps a dead container's exit code onto the final
// status. Compose projects and recovered source apps expose no single
// exit code; treat as error.
func (a *Agent) deadWorkloadStatus(entry *ProcessEntry) string {
	if entry.Kind == kind.Compose || entry.Kind == kind.Source {
		return store.StatusError
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	code, err := a.rt.ContainerExitCode(ctx, entry.AppID)
	if err == nil && code == 0 {
		return store.StatusFinished
	}
	return store.StatusError
}
