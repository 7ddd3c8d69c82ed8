// Package proxy owns the app route map and the reverse-proxy configuration
// generated from it.
package proxy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wudi/hangar/internal/logging"
)

// Route is one published app: requests under /apps/<app_id>/ are forwarded
// to 127.0.0.1:<port> with the prefix stripped.
type Route struct {
	Port       int      `json:"port"`
	AllowIPs   []string `json:"allow_ips,omitempty"`
	AuthHeader string   `json:"auth_header,omitempty"`
}

// Manager persists the route map and regenerates the proxy configuration
// after every change. One mutex serializes the whole write path: mutate
// map, write JSON, emit config, install symlink, signal reload.
type Manager struct {
	mu         sync.Mutex
	routesFile string
	configPath string
	linkPath   string
	listenPort int
	routes     map[string]Route

	reload func() // swappable for tests
}

// NewManager loads the persisted route map (if any) and returns a manager.
// listenPort is the port the emitted server block listens on.
func NewManager(routesFile, configPath, linkPath string, listenPort int) (*Manager, error) {
	m := &Manager{
		routesFile: routesFile,
		configPath: configPath,
		linkPath:   linkPath,
		listenPort: listenPort,
		routes:     make(map[string]Route),
		reload:     signalReload,
	}
	data, err := os.ReadFile(routesFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read routes file: %w", err)
		}
		return m, nil
	}
	if err := json.Unmarshal(data, &m.routes); err != nil {
		return nil, fmt.Errorf("parse routes file: %w", err)
	}
	return m, nil
}

// AddRoute publishes an app. Overwrites any existing route for the id.
func (m *Manager) AddRoute(appID string, route Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[appID] = route
	return m.flushLocked()
}

// RemoveRoute unpublishes an app. Unknown ids are a no-op.
func (m *Manager) RemoveRoute(appID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[appID]; !ok {
		return nil
	}
	delete(m.routes, appID)
	return m.flushLocked()
}

// Routes returns a copy of the current route map.
func (m *Manager) Routes() map[string]Route {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Route, len(m.routes))
	for id, r := range m.routes {
		out[id] = r
	}
	return out
}

// Lookup returns the route for an app id.
func (m *Manager) Lookup(appID string) (Route, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[appID]
	return r, ok
}

// flushLocked persists the map and regenerates the proxy config. The route
// file write is authoritative and can fail the caller; symlink install and
// proxy reload are best-effort.
func (m *Manager) flushLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.routesFile), 0o755); err != nil {
		return fmt.Errorf("create routes dir: %w", err)
	}
	data, err := json.MarshalIndent(m.routes, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.routesFile, data, 0o644); err != nil {
		return fmt.Errorf("write routes file: %w", err)
	}

	if err := m.emitConfigLocked(); err != nil {
		return fmt.Errorf("emit proxy config: %w", err)
	}
	m.installSymlink()
	m.reload()
	return nil
}

func (m *Manager) emitConfigLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0o755); err != nil {
		return err
	}
	// Deterministic output: sort by app id.
	ids := make([]string, 0, len(m.routes))
	for id := range m.routes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	cfg := renderConfig(m.listenPort, ids, m.routes)
	return os.WriteFile(m.configPath, []byte(cfg), 0o644)
}

// installSymlink links the emitted config into the proxy's conf.d. A
// permission failure is logged, never fatal: operators may manage the
// link themselves.
func (m *Manager) installSymlink() {
	if m.linkPath == "" {
		return
	}
	target, err := filepath.Abs(m.configPath)
	if err != nil {
		return
	}
	if existing, err := os.Readlink(m.linkPath); err == nil && existing == target {
		return
	}
	os.Remove(m.linkPath)
	if err := os.Symlink(target, m.linkPath); err != nil {
		logging.Warn("failed to install proxy config symlink",
			zap.String("link", m.linkPath),
			zap.Error(err))
	}
}
