// Package controller owns deployment metadata, the port pool, and the
// public HTTP surface. It is the single writer of the app table; the
// agent reports back through callbacks.
package controller

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/hangar/internal/auth"
	"github.com/wudi/hangar/internal/config"
	"github.com/wudi/hangar/internal/logging"
	"github.com/wudi/hangar/internal/metrics"
	"github.com/wudi/hangar/internal/portpool"
	"github.com/wudi/hangar/internal/store"

	"github.com/google/uuid"
)

// Controller wires the metadata store, port pool, agent client, and
// template catalog together.
type Controller struct {
	cfg     config.ControllerConfig
	store   *store.Store
	pool    *portpool.Pool
	agent   AgentClient
	issuer  *auth.TokenIssuer
	metrics *metrics.Metrics

	// now is swappable for watchdog tests.
	now func() time.Time
}

// New builds a controller: opens the pool, seeds the admin user, removes
// ports still held by running apps, and primes the template catalog.
func New(cfg config.ControllerConfig, st *store.Store, agentClient AgentClient, m *metrics.Metrics) (*Controller, error) {
	pool, err := portpool.New(cfg.PortStart, cfg.PortEnd)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:     cfg,
		store:   st,
		pool:    pool,
		agent:   agentClient,
		issuer:  auth.NewTokenIssuer(cfg.SecretKey, cfg.TokenTTL),
		metrics: m,
		now:     time.Now,
	}

	for _, dir := range []string{cfg.UploadDir, cfg.LogDir, cfg.TemplateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	if err := c.seedAdmin(); err != nil {
		return nil, err
	}
	if err := c.rehydratePool(); err != nil {
		return nil, err
	}
	if err := c.scanTemplateRoot(); err != nil {
		logging.Warn("template catalog scan failed", zap.Error(err))
	}
	c.metrics.FreePorts.Set(float64(pool.Free()))
	return c, nil
}

func (c *Controller) seedAdmin() error {
	hash, err := auth.HashPassword(c.cfg.AdminPassword)
	if err != nil {
		return err
	}
	return c.store.SeedAdmin(uuid.NewString(), hash)
}

// rehydratePool removes from the pool every port still held by a running
// app, so a controller restart cannot double-allocate.
func (c *Controller) rehydratePool() error {
	apps, err := c.store.ListAppsByStatus(store.StatusRunning)
	if err != nil {
		return err
	}
	for _, app := range apps {
		if app.Port != nil {
			c.pool.Remove(*app.Port)
		}
	}
	if len(apps) > 0 {
		logging.Info("rehydrated port pool", zap.Int("running_apps", len(apps)))
	}
	return nil
}

// releasePort returns a port to the pool and refreshes the gauge.
func (c *Controller) releasePort(port *int) {
	if port == nil {
		return
	}
	c.pool.Release(*port)
	c.metrics.FreePorts.Set(float64(c.pool.Free()))
}

// appDir is where an app's deploy bundle lives.
func (c *Controller) appDir(appID string) string {
	return filepath.Join(c.cfg.UploadDir, appID)
}

// appLogPath is the agreed location of an app's combined output.
func (c *Controller) appLogPath(appID string) string {
	return filepath.Join(c.cfg.LogDir, appID+".log")
}

func (c *Controller) appURL(appID string) string {
	return "/apps/" + appID + "/"
}

// dispatchCtx bounds one agent RPC.
func (c *Controller) dispatchCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.cfg.AgentTimeout+5*time.Second)
}
