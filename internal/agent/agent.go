// Package agent builds, runs, supervises, and tears down workloads on the
// GPU host, reporting state transitions back to the controller.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/hangar/internal/config"
	"github.com/wudi/hangar/internal/gpu"
	"github.com/wudi/hangar/internal/health"
	"github.com/wudi/hangar/internal/kind"
	"github.com/wudi/hangar/internal/logging"
	"github.com/wudi/hangar/internal/metrics"
	"github.com/wudi/hangar/internal/portpool"
	"github.com/wudi/hangar/internal/proxy"
	"github.com/wudi/hangar/internal/runtime"
	"github.com/wudi/hangar/internal/store"
)

// Runtime is the subset of the container tooling the agent drives.
// Satisfied by *runtime.Runtime.
type Runtime interface {
	BuildImage(ctx context.Context, tag, contextDir string, logW io.Writer) error
	RunContainer(ctx context.Context, opts runtime.RunOptions, logW io.Writer) error
	StopContainer(ctx context.Context, name string)
	RemoveContainer(ctx context.Context, name string)
	LoadImage(ctx context.Context, tarPath string, logW io.Writer) (string, error)
	TagImage(ctx context.Context, src, dst string) error
	ContainerRunning(ctx context.Context, name string) bool
	ContainerExitCode(ctx context.Context, name string) (int, error)
	ComposeUp(ctx context.Context, file, project string, logW io.Writer) error
	ComposeRunning(ctx context.Context, project string) bool
	ComposeDown(ctx context.Context, project string)
}

// Agent owns the host's workloads.
type Agent struct {
	cfg        config.AgentConfig
	routes     *proxy.Manager
	alloc      *gpu.Allocator
	rt         Runtime
	controller Notifier
	fetcher    StatusFetcher
	metrics    *metrics.Metrics
	procs      *registry

	// baseCtx parents every supervisor; cancelled at shutdown.
	baseCtx context.Context

	// probePort is swappable for tests.
	probePort func(port int) bool
	openLog   func(path string) (io.WriteCloser, error)
}

// New creates an agent.
func New(ctx context.Context, cfg config.AgentConfig, routes *proxy.Manager,
	alloc *gpu.Allocator, rt Runtime, controller Notifier, fetcher StatusFetcher,
	m *metrics.Metrics) *Agent {
	return &Agent{
		cfg:        cfg,
		routes:     routes,
		alloc:      alloc,
		rt:         rt,
		controller: controller,
		fetcher:    fetcher,
		metrics:    m,
		procs:      newRegistry(),
		baseCtx:    ctx,
		probePort:  portpool.Probe,
		openLog:    runtime.OpenLog,
	}
}

// RunRequest is the controller's deploy dispatch.
type RunRequest struct {
	AppID        string   `json:"app_id"`
	Path         string   `json:"path"`
	Kind         string   `json:"type"`
	LogPath      string   `json:"log_path"`
	Port         int      `json:"port"`
	AllowIPs     []string `json:"allow_ips,omitempty"`
	AuthHeader   string   `json:"auth_header,omitempty"`
	VRAMRequired int      `json:"vram_required"`
	ReuseImage   bool     `json:"reuse_image,omitempty"`
}

// Run admits a workload: publish the route, reserve VRAM, register the
// entry, acknowledge, then build and start in the background. Failures
// before the acknowledgment unwind their own steps.
func (a *Agent) Run(req RunRequest) error {
	k := kind.Kind(req.Kind)
	if !k.Valid() {
		return fmt.Errorf("unknown workload kind %q", req.Kind)
	}
	if a.procs.has(req.AppID) {
		return fmt.Errorf("app %s already registered", req.AppID)
	}
	// The controller's probe ran on its own host; re-check here.
	if !a.probePort(req.Port) {
		return fmt.Errorf("port %d is not free on this host", req.Port)
	}

	if err := a.routes.AddRoute(req.AppID, proxy.Route{
		Port:       req.Port,
		AllowIPs:   req.AllowIPs,
		AuthHeader: req.AuthHeader,
	}); err != nil {
		return fmt.Errorf("publish route: %w", err)
	}

	gpus, usage, err := a.alloc.Allocate(req.VRAMRequired)
	if err != nil {
		a.routes.RemoveRoute(req.AppID)
		a.notify(req.AppID, store.StatusError, nil)
		return fmt.Errorf("reserve vram: %w", err)
	}
	a.metrics.SetReservedVRAM(a.alloc.Reserved())

	ctx, cancel := context.WithCancel(a.baseCtx)
	entry := &ProcessEntry{
		AppID:    req.AppID,
		Kind:     k,
		Path:     req.Path,
		LogPath:  req.LogPath,
		Port:     req.Port,
		GPUs:     gpus,
		VRAM:     usage,
		Required: req.VRAMRequired,
		cancel:   cancel,
		exited:   make(chan struct{}),
	}
	if !a.procs.insert(entry) {
		cancel()
		a.alloc.Release(usage)
		a.routes.RemoveRoute(req.AppID)
		return fmt.Errorf("app %s already registered", req.AppID)
	}

	a.notify(req.AppID, store.StatusBuilding, gpus)

	go a.buildAndRun(ctx, entry, req.ReuseImage)
	return nil
}

// Stop tears down a workload on request. Returns false when unknown.
func (a *Agent) Stop(appID string) bool {
	entry, ok := a.procs.get(appID)
	if !ok {
		return false
	}
	a.teardown(entry, store.StatusStopped)
	return true
}

// RemoveRoute unconditionally unpublishes an app.
func (a *Agent) RemoveRoute(appID string) error {
	return a.routes.RemoveRoute(appID)
}

// Running returns the number of registered workloads.
func (a *Agent) Running() int {
	return a.procs.len()
}

// teardown runs the full cleanup path: terminate, stop containers, remove
// route, release VRAM, notify, drop entry. Order matters; each step is
// best-effort so a partial failure still converges.
func (a *Agent) teardown(entry *ProcessEntry, finalStatus string) {
	entry.teardownOnce.Do(func() { a.doTeardown(entry, finalStatus) })
}

func (a *Agent) doTeardown(entry *ProcessEntry, finalStatus string) {
	log := logging.App(entry.AppID)
	log.Info("tearing down workload", zap.String("final_status", finalStatus))

	entry.cancel()
	a.terminate(entry)

	cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	switch entry.Kind {
	case kind.Compose:
		a.rt.ComposeDown(cleanupCtx, entry.AppID)
	case kind.ContainerBuild, kind.ContainerImageArchive:
		a.rt.StopContainer(cleanupCtx, entry.AppID)
		a.rt.RemoveContainer(cleanupCtx, entry.AppID)
	}

	if err := a.routes.RemoveRoute(entry.AppID); err != nil {
		log.Warn("route removal failed", zap.Error(err))
	}

	a.alloc.Release(entry.VRAM)
	a.metrics.SetReservedVRAM(a.alloc.Reserved())

	if finalStatus != "" {
		a.notify(entry.AppID, finalStatus, nil)
	}
	a.procs.remove(entry.AppID)
}

// terminate kills a direct process handle: SIGTERM, then SIGKILL after the
// grace period.
func (a *Agent) terminate(entry *ProcessEntry) {
	if entry.Proc == nil || entry.Proc.Process == nil {
		return
	}
	if err := entry.Proc.Process.Signal(sigterm); err != nil {
		return // already gone
	}
	select {
	case <-entry.exited:
	case <-time.After(a.cfg.StopGracePeriod):
		entry.Proc.Process.Kill()
		select {
		case <-entry.exited:
		case <-time.After(5 * time.Second):
		}
	}
}

// notify posts a status transition; ErrAppUnknown is handled by callers
// that can react, everything else is logged.
func (a *Agent) notify(appID, status string, gpus []int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.controller.UpdateStatus(ctx, appID, status, gpus); err != nil {
		logging.App(appID).Warn("status callback failed",
			zap.String("status", status), zap.Error(err))
	}
}

// errExitedBeforeReady means the owning process ended while the readiness
// probe was still waiting; the exit code decides the final status.
var errExitedBeforeReady = errors.New("process exited before becoming ready")

// waitReady blocks until the workload answers on its port, the owning
// process exits, or the context ends. Compose apps have no single process,
// so only a TCP connect counts.
func (a *Agent) waitReady(ctx context.Context, entry *ProcessEntry) error {
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-entry.exited:
			cancel()
		case <-probeCtx.Done():
		}
	}()

	var err error
	if entry.Kind == kind.Compose {
		err = health.WaitTCP(probeCtx, entry.Port, a.cfg.ReadinessTimeout)
	} else {
		err = health.WaitHTTP(probeCtx, entry.Port, a.cfg.ReadinessTimeout)
	}

	select {
	case <-entry.exited:
		return errExitedBeforeReady
	default:
		return err
	}
}
