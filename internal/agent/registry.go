package agent

import (
	"context"
	"os/exec"
	"sync"

	"github.com/wudi/hangar/internal/kind"
)

// ProcessEntry is the agent's record of one live app. The registry map and
// the VRAM counters are the agent's only shared mutable state; both are
// guarded by the registry mutex.
type ProcessEntry struct {
	AppID    string
	Kind     kind.Kind
	Path     string
	LogPath  string
	Port     int
	GPUs     []int
	VRAM     map[int]int // per-GPU reservation, handed back on release
	Required int

	// Proc is nil for container and compose apps, and for recovered apps.
	Proc *exec.Cmd

	cancel context.CancelFunc
	// exited closes when the direct process handle terminates.
	exited   chan struct{}
	exitCode int

	// teardownOnce makes cleanup idempotent when the supervisor and an
	// explicit stop race.
	teardownOnce sync.Once
}

// registry owns the process map.
type registry struct {
	mu      sync.Mutex
	entries map[string]*ProcessEntry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*ProcessEntry)}
}

// insert adds an entry. Returns false when the app is already registered.
func (r *registry) insert(e *ProcessEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.AppID]; ok {
		return false
	}
	r.entries[e.AppID] = e
	return true
}

func (r *registry) get(appID string) (*ProcessEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[appID]
	return e, ok
}

func (r *registry) remove(appID string) {
	r.mu.Lock()
	delete(r.entries, appID)
	r.mu.Unlock()
}

func (r *registry) has(appID string) bool {
	_, ok := r.get(appID)
	return ok
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
