package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/hangar/internal/kind"
	"github.com/wudi/hangar/internal/logging"
	"github.com/wudi/hangar/internal/store"
)

// Recover reconciles the persisted route map with the live host after a
// restart. A route whose container is still up (or whose port answers)
// gets a skeleton registry entry and a supervisor; anything else is stale
// and removed.
func (a *Agent) Recover() {
	routes := a.routes.Routes()
	if len(routes) == 0 {
		return
	}
	logging.Info("recovering workloads from route map", zap.Int("routes", len(routes)))

	// The controller's app table carries the VRAM bookkeeping we lost.
	vram := a.fetchVRAMTable()

	for appID, route := range routes {
		if a.procs.has(appID) {
			continue
		}
		log := logging.App(appID)

		inspectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		containerUp := a.rt.ContainerRunning(inspectCtx, appID)
		composeUp := a.rt.ComposeRunning(inspectCtx, appID)
		cancel()
		portUp := !a.probePort(route.Port) // a busy port means something answers

		if !containerUp && !composeUp && !portUp {
			log.Info("dropping stale route", zap.Int("port", route.Port))
			if err := a.routes.RemoveRoute(appID); err != nil {
				log.Warn("stale route removal failed", zap.Error(err))
			}
			continue
		}

		entry := &ProcessEntry{
			AppID:  appID,
			Kind:   recoveredKind(containerUp, composeUp),
			Port:   route.Port,
			VRAM:   map[int]int{},
			exited: make(chan struct{}),
		}
		if rec, ok := vram[appID]; ok {
			entry.GPUs = rec.GPUs
			entry.VRAM = shareAcross(rec.GPUs, rec.VRAMRequired)
			entry.Required = rec.VRAMRequired
			a.alloc.Reserve(entry.VRAM)
		} else {
			// Reservation unknown: run unaccounted rather than guess.
			log.Warn("no vram record for recovered app, reserving nothing")
		}

		ctx, cancel := context.WithCancel(a.baseCtx)
		entry.cancel = cancel
		if !a.procs.insert(entry) {
			cancel()
			continue
		}

		a.metrics.SetReservedVRAM(a.alloc.Reserved())
		log.Info("recovered workload", zap.Int("port", route.Port), zap.Ints("gpus", entry.GPUs))
		if a.notifyRunning(entry) {
			go a.supervise(ctx, entry)
		}
	}
}

// fetchVRAMTable reads per-app GPU assignments from the controller.
// Unreachable controller degrades to zero reservations.
func (a *Agent) fetchVRAMTable() map[string]StatusEntry {
	if a.fetcher == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	entries, err := a.fetcher.FetchStatus(ctx)
	if err != nil {
		logging.Warn("cannot fetch controller status for recovery", zap.Error(err))
		return nil
	}
	out := make(map[string]StatusEntry, len(entries))
	for _, e := range entries {
		if e.Status == store.StatusRunning || e.Status == store.StatusBuilding {
			out[e.ID] = e
		}
	}
	return out
}

// recoveredKind infers a workload kind for a skeleton entry. With no
// process handle the distinction only affects liveness checks and
// teardown, so each probe maps to the matching path: compose projects to
// compose liveness, a container inspect hit to the container path, and
// anything else to source semantics (port-only liveness through the
// heartbeat loop).
func recoveredKind(containerUp, composeUp bool) kind.Kind {
	switch {
	case composeUp:
		return kind.Compose
	case containerUp:
		return kind.ContainerBuild
	default:
		return kind.Source
	}
}

// shareAcross splits a VRAM requirement evenly over the assigned GPUs,
// reconstructing an approximation of the original reservation.
func shareAcross(gpus []int, required int) map[int]int {
	out := map[int]int{}
	if len(gpus) == 0 || required <= 0 {
		return out
	}
	share := required / len(gpus)
	rem := required % len(gpus)
	for i, g := range gpus {
		out[g] = share
		if i < rem {
			out[g]++
		}
	}
	return out
}
