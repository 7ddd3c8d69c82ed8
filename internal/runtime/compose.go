package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// ComposeUp builds and starts a compose project detached.
func (r *Runtime) ComposeUp(ctx context.Context, file, project string, logW io.Writer) error {
	err := r.run(ctx, logW, r.dockerBin, "compose", "-f", file, "-p", project, "up", "--build", "-d")
	if err != nil {
		return fmt.Errorf("compose up failed: %w", err)
	}
	return nil
}

// ComposeRunning reports whether the project has any live containers.
func (r *Runtime) ComposeRunning(ctx context.Context, project string) bool {
	out, err := r.output(ctx, r.dockerBin, "compose", "-p", project, "ps", "-q")
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) != ""
}

// ComposeDown tears down a compose project. Best-effort.
func (r *Runtime) ComposeDown(ctx context.Context, project string) {
	if err := r.run(ctx, io.Discard, r.dockerBin, "compose", "-p", project, "down"); err != nil {
		return
	}
}
