package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"go.uber.org/zap"

	"github.com/wudi/hangar/internal/kind"
	"github.com/wudi/hangar/internal/logging"
	"github.com/wudi/hangar/internal/runtime"
	"github.com/wudi/hangar/internal/store"
)

var sigterm = syscall.SIGTERM

// buildAndRun performs the per-kind build and start sequence, then hands
// the entry to the supervisor. Any failure tears the workload down into
// the error state.
func (a *Agent) buildAndRun(ctx context.Context, entry *ProcessEntry, reuseImage bool) {
	log := logging.App(entry.AppID)

	logW, err := a.openLog(entry.LogPath)
	if err != nil {
		log.Error("cannot open workload log", zap.Error(err))
		a.teardown(entry, store.StatusError)
		return
	}
	defer func() {
		// Direct process handles keep writing until exit; the supervisor
		// owns closing those.
		if entry.Proc == nil {
			logW.Close()
		}
	}()

	if err := a.startWorkload(ctx, entry, reuseImage, logW); err != nil {
		log.Error("workload start failed", zap.Error(err))
		a.metrics.DeploysTotal.WithLabelValues(string(entry.Kind), "failure").Inc()
		a.teardown(entry, store.StatusError)
		return
	}

	if err := a.waitReady(ctx, entry); err != nil {
		if ctx.Err() != nil {
			return // torn down while waiting
		}
		if errors.Is(err, errExitedBeforeReady) {
			final := store.StatusError
			outcome := "failure"
			if entry.exitCode == 0 {
				final = store.StatusFinished
				outcome = "success"
			}
			log.Info("workload exited before becoming ready",
				zap.Int("exit_code", entry.exitCode),
				zap.String("final_status", final))
			a.metrics.DeploysTotal.WithLabelValues(string(entry.Kind), outcome).Inc()
			a.teardown(entry, final)
			return
		}
		log.Error("workload never became ready", zap.Error(err))
		a.metrics.DeploysTotal.WithLabelValues(string(entry.Kind), "failure").Inc()
		a.teardown(entry, store.StatusError)
		return
	}

	log.Info("workload ready", zap.Int("port", entry.Port), zap.Ints("gpus", entry.GPUs))
	a.metrics.DeploysTotal.WithLabelValues(string(entry.Kind), "success").Inc()
	a.notifyRunning(entry)

	a.supervise(ctx, entry)
}

func (a *Agent) startWorkload(ctx context.Context, entry *ProcessEntry, reuseImage bool, logW io.Writer) error {
	switch entry.Kind {
	case kind.ContainerBuild:
		if !reuseImage {
			if err := a.rt.BuildImage(ctx, entry.AppID, entry.Path, logW); err != nil {
				return err
			}
		}
		return a.rt.RunContainer(ctx, runtime.RunOptions{
			Name:     entry.AppID,
			Image:    entry.AppID,
			Port:     entry.Port,
			GPUs:     entry.GPUs,
			RootPath: "/apps/" + entry.AppID,
		}, logW)

	case kind.ContainerImageArchive:
		if !reuseImage {
			tag, err := a.rt.LoadImage(ctx, entry.Path, logW)
			if err != nil {
				return err
			}
			if err := a.rt.TagImage(ctx, tag, entry.AppID); err != nil {
				return err
			}
		}
		// Saved images predate the port contract; host networking lets
		// them keep whatever port they bound at save time.
		return a.rt.RunContainer(ctx, runtime.RunOptions{
			Name:        entry.AppID,
			Image:       entry.AppID,
			Port:        entry.Port,
			AllGPUs:     true,
			HostNetwork: true,
			RootPath:    "/apps/" + entry.AppID,
		}, logW)

	case kind.Compose:
		file, ok := kind.ComposeFile(entry.Path)
		if !ok {
			return fmt.Errorf("no compose file under %s", entry.Path)
		}
		return a.rt.ComposeUp(ctx, file, entry.AppID, logW)

	case kind.Source:
		return a.startSource(ctx, entry, logW)
	}
	return fmt.Errorf("unknown workload kind %q", entry.Kind)
}

func (a *Agent) startSource(ctx context.Context, entry *ProcessEntry, logW io.Writer) error {
	rt, ok := a.rt.(*runtime.Runtime)
	if !ok {
		return fmt.Errorf("source workloads need the host runtime")
	}

	script, err := runtime.EntryScript(entry.Path)
	if err != nil {
		return err
	}
	venvPython, err := rt.PrepareVenv(ctx, entry.Path, logW)
	if err != nil {
		return err
	}
	cmd, err := rt.StartSource(ctx, venvPython, script, entry.Port,
		"/apps/"+entry.AppID, entry.GPUs, logW)
	if err != nil {
		return err
	}

	entry.Proc = cmd
	go func() {
		err := cmd.Wait()
		entry.exitCode = exitCodeOf(cmd, err)
		if closer, ok := logW.(io.Closer); ok {
			closer.Close()
		}
		close(entry.exited)
	}()
	return nil
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}
