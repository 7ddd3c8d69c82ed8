// Package runtime drives the host's container runtime, compose tool, and
// Python interpreter as subprocesses. The tools are contracts: a missing
// binary degrades to errors (or logged no-ops on best-effort paths), never
// a crash.
package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wudi/hangar/internal/logging"
)

// credentialEnv lists variables forwarded into workloads when present in
// the agent's own environment.
var credentialEnv = []string{"HUGGINGFACE_HUB_TOKEN", "HF_TOKEN"}

// Runtime invokes the container tooling. The zero value is not usable;
// call New.
type Runtime struct {
	dockerBin string
	pythonBin string

	// run executes a command streaming output to w; output captures stdout.
	// Both are swappable for tests.
	run    func(ctx context.Context, w io.Writer, name string, args ...string) error
	output func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// New creates a runtime using the default tool names.
func New() *Runtime {
	return &Runtime{
		dockerBin: "docker",
		pythonBin: "python3",
		run:       runCmd,
		output:    outputCmd,
	}
}

func runCmd(ctx context.Context, w io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = w
	cmd.Stderr = w
	return cmd.Run()
}

func outputCmd(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// RunOptions describes a detached container start.
type RunOptions struct {
	Name        string
	Image       string
	Port        int
	GPUs        []int
	AllGPUs     bool
	HostNetwork bool
	RootPath    string
}

// BuildImage builds a container image from a context directory.
func (r *Runtime) BuildImage(ctx context.Context, tag, contextDir string, logW io.Writer) error {
	if err := r.run(ctx, logW, r.dockerBin, "build", "-t", tag, contextDir); err != nil {
		return fmt.Errorf("image build failed: %w", err)
	}
	return nil
}

// RunContainer starts a detached container for an app. Image-archive apps
// run on the host network with all GPUs; built images run bridged with an
// explicit port publish and a device list.
func (r *Runtime) RunContainer(ctx context.Context, opts RunOptions, logW io.Writer) error {
	args := []string{"run", "--rm", "-d", "--name", opts.Name}

	switch {
	case opts.AllGPUs:
		args = append(args, "--gpus", "all")
	case len(opts.GPUs) > 0:
		args = append(args, "--gpus", "device="+joinIndices(opts.GPUs))
	}

	if opts.HostNetwork {
		args = append(args, "--network", "host")
	} else if opts.Port > 0 {
		p := strconv.Itoa(opts.Port)
		args = append(args, "-p", p+":"+p)
	}

	args = append(args,
		"-e", "PORT="+strconv.Itoa(opts.Port),
		"-e", "ROOT_PATH="+opts.RootPath,
	)
	for _, key := range credentialEnv {
		if value, ok := os.LookupEnv(key); ok {
			args = append(args, "-e", key+"="+value)
		}
	}

	args = append(args, opts.Image)
	if err := r.run(ctx, logW, r.dockerBin, args...); err != nil {
		return fmt.Errorf("container start failed: %w", err)
	}
	return nil
}

// StopContainer stops a container by name. Best-effort.
func (r *Runtime) StopContainer(ctx context.Context, name string) {
	if err := r.run(ctx, io.Discard, r.dockerBin, "stop", name); err != nil {
		logging.Debug("container stop failed", zap.String("container", name), zap.Error(err))
	}
}

// RemoveContainer removes a container by name. Best-effort.
func (r *Runtime) RemoveContainer(ctx context.Context, name string) {
	if err := r.run(ctx, io.Discard, r.dockerBin, "rm", "-f", name); err != nil {
		logging.Debug("container remove failed", zap.String("container", name), zap.Error(err))
	}
}

// LoadImage loads a saved image archive and returns the tag it carried.
func (r *Runtime) LoadImage(ctx context.Context, tarPath string, logW io.Writer) (string, error) {
	tag, err := ArchiveTag(tarPath)
	if err != nil {
		return "", err
	}
	if err := r.run(ctx, logW, r.dockerBin, "load", "-i", tarPath); err != nil {
		return "", fmt.Errorf("image load failed: %w", err)
	}
	return tag, nil
}

// TagImage applies a new tag to an existing image.
func (r *Runtime) TagImage(ctx context.Context, src, dst string) error {
	if err := r.run(ctx, io.Discard, r.dockerBin, "tag", src, dst); err != nil {
		return fmt.Errorf("image tag failed: %w", err)
	}
	return nil
}

// ContainerRunning reports whether a container with the given name is up.
// A missing runtime or unknown container reads as not running.
func (r *Runtime) ContainerRunning(ctx context.Context, name string) bool {
	out, err := r.output(ctx, r.dockerBin, "inspect", name)
	if err != nil {
		return false
	}
	return gjson.GetBytes(out, "0.State.Running").Bool()
}

// ContainerExitCode returns the exit code of a stopped container.
func (r *Runtime) ContainerExitCode(ctx context.Context, name string) (int, error) {
	out, err := r.output(ctx, r.dockerBin, "inspect", name)
	if err != nil {
		return 0, fmt.Errorf("inspect failed: %w", err)
	}
	result := gjson.GetBytes(out, "0.State.ExitCode")
	if !result.Exists() {
		return 0, fmt.Errorf("no exit code in inspect output")
	}
	return int(result.Int()), nil
}

func joinIndices(gpus []int) string {
	parts := make([]string, len(gpus))
	for i, g := range gpus {
		parts[i] = strconv.Itoa(g)
	}
	return strings.Join(parts, ",")
}
