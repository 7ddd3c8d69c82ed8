package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// EntryScript picks the script a source app should launch: app.py when
// present, else the lexically first .py file in the directory.
func EntryScript(dir string) (string, error) {
	preferred := filepath.Join(dir, "app.py")
	if info, err := os.Stat(preferred); err == nil && !info.IsDir() {
		return preferred, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read app dir: %w", err)
	}
	var scripts []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".py") {
			scripts = append(scripts, e.Name())
		}
	}
	if len(scripts) == 0 {
		return "", fmt.Errorf("no python entry point in %s", dir)
	}
	sort.Strings(scripts)
	return filepath.Join(dir, scripts[0]), nil
}

// PrepareVenv creates the app's virtual environment and installs its
// requirements, if a requirements.txt is present. Returns the venv's
// python path.
func (r *Runtime) PrepareVenv(ctx context.Context, dir string, logW io.Writer) (string, error) {
	venvDir := filepath.Join(dir, ".venv")
	if err := r.run(ctx, logW, r.pythonBin, "-m", "venv", venvDir); err != nil {
		return "", fmt.Errorf("venv creation failed: %w", err)
	}
	venvPython := filepath.Join(venvDir, "bin", "python")

	reqs := filepath.Join(dir, "requirements.txt")
	if _, err := os.Stat(reqs); err == nil {
		if err := r.run(ctx, logW, venvPython, "-m", "pip", "install", "-r", reqs); err != nil {
			return "", fmt.Errorf("requirements install failed: %w", err)
		}
	}
	return venvPython, nil
}

// SourceEnv builds the environment for a source app process: the agent's
// environment plus PORT, ROOT_PATH, and the GPU assignment. Credentials
// already sit in the agent environment and are inherited.
func SourceEnv(port int, rootPath string, gpus []int) []string {
	env := os.Environ()
	env = append(env,
		"PORT="+strconv.Itoa(port),
		"ROOT_PATH="+rootPath,
		"CUDA_VISIBLE_DEVICES="+joinIndices(gpus),
	)
	return env
}

// StartSource launches a source app inside its venv. The returned command
// has been started; the caller owns waiting on it.
func (r *Runtime) StartSource(ctx context.Context, venvPython, script string, port int, rootPath string, gpus []int, logW io.Writer) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, venvPython, script)
	cmd.Dir = filepath.Dir(script)
	cmd.Env = SourceEnv(port, rootPath, gpus)
	cmd.Stdout = logW
	cmd.Stderr = logW
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("source app start failed: %w", err)
	}
	return cmd, nil
}
