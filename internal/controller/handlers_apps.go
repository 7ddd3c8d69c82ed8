package controller

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wudi/hangar/internal/agent"
	"github.com/wudi/hangar/internal/archive"
	hangarerrors "github.com/wudi/hangar/internal/errors"
	"github.com/wudi/hangar/internal/kind"
	"github.com/wudi/hangar/internal/logging"
	"github.com/wudi/hangar/internal/portpool"
	"github.com/wudi/hangar/internal/store"
)

var filenamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

const maxUploadBytes = 4 << 30 // 4 GiB

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var he *hangarerrors.HangarError
	if errors.As(err, &he) {
		he.WriteJSON(w)
		return
	}
	hangarerrors.ErrInternalServer.WriteJSON(w)
}

// appView is the public shape of an app row.
type appView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Kind         string `json:"kind"`
	Status       string `json:"status"`
	URL          string `json:"url"`
	Port         *int   `json:"port,omitempty"`
	GPUs         []int  `json:"gpus"`
	VRAMRequired int    `json:"vram_required"`
}

func viewOf(app *store.App) appView {
	return appView{
		ID:           app.ID,
		Name:         app.Name,
		Description:  app.Description,
		Kind:         app.Kind,
		Status:       app.Status,
		URL:          app.URL,
		Port:         app.Port,
		GPUs:         app.GPUs,
		VRAMRequired: app.VRAMRequired,
	}
}

// handleUpload admits a new app: validate, persist the bundle, detect the
// kind, allocate a port, and dispatch the agent.
func (c *Controller) handleUpload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, hangarerrors.ErrBadRequest.WithDetails("malformed multipart body"))
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		writeError(w, hangarerrors.ErrBadRequest.WithDetails("name is required"))
		return
	}
	vramRequired := 0
	if raw := r.FormValue("vram_required"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, hangarerrors.ErrBadRequest.WithDetails("vram_required must be a non-negative integer"))
			return
		}
		vramRequired = v
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, hangarerrors.ErrBadRequest.WithDetails("file is required"))
		return
	}
	defer file.Close()

	if !filenamePattern.MatchString(header.Filename) {
		writeError(w, hangarerrors.ErrBadRequest.WithDetails("filename may only contain letters, digits, dot, underscore, and dash"))
		return
	}
	if _, err := c.store.GetAppByName(name); err == nil {
		writeError(w, hangarerrors.ErrConflict.WithDetails("an app with this name already exists"))
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		writeError(w, err)
		return
	}

	appID := uuid.NewString()
	dir := c.appDir(appID)
	runPath, workloadKind, err := c.stageBundle(dir, header.Filename, file)
	if err != nil {
		os.RemoveAll(dir)
		writeError(w, err)
		return
	}

	app := &store.App{
		ID:           appID,
		Name:         name,
		Description:  r.FormValue("description"),
		Kind:         string(workloadKind),
		Status:       store.StatusUploaded,
		LogPath:      c.appLogPath(appID),
		URL:          c.appURL(appID),
		AllowIPs:     splitCSV(r.FormValue("allow_ips")),
		AuthHeader:   strings.TrimSpace(r.FormValue("auth_header")),
		VRAMRequired: vramRequired,
	}

	c.deploy(w, app, runPath)
}

// stageBundle persists an uploaded file and classifies the workload.
// Returns the path the agent should run from.
func (c *Controller) stageBundle(dir, filename string, file io.Reader) (string, kind.Kind, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	stored := filepath.Join(dir, filename)
	out, err := os.Create(stored)
	if err != nil {
		return "", "", err
	}
	if _, err := io.Copy(out, io.LimitReader(file, maxUploadBytes)); err != nil {
		out.Close()
		return "", "", err
	}
	if err := out.Close(); err != nil {
		return "", "", err
	}

	if k, ok := kind.DetectUpload(filename); ok {
		return stored, k, nil
	}
	if !strings.HasSuffix(strings.ToLower(filename), ".zip") {
		return "", "", hangarerrors.ErrBadRequest.WithDetails("upload must be a .zip or .tar archive")
	}
	if err := archive.ExtractZip(stored, dir); err != nil {
		if errors.Is(err, archive.ErrUnsafePath) {
			return "", "", hangarerrors.ErrBadRequest.WithDetails("archive contains unsafe paths")
		}
		return "", "", hangarerrors.ErrBadRequest.WithDetails("archive could not be extracted")
	}
	os.Remove(stored)
	return dir, kind.Detect(dir), nil
}

// deploy allocates a port, persists the row, and dispatches the agent.
// Shared by upload and template deployment.
func (c *Controller) deploy(w http.ResponseWriter, app *store.App, runPath string) {
	port, err := c.pool.Checkout()
	if err != nil {
		if errors.Is(err, portpool.ErrExhausted) {
			writeError(w, hangarerrors.ErrNoCapacity.WithDetails("no free ports"))
			return
		}
		writeError(w, err)
		return
	}
	c.metrics.FreePorts.Set(float64(c.pool.Free()))
	app.Port = &port

	if err := c.store.CreateApp(app); err != nil {
		c.releasePort(&port)
		if errors.Is(err, store.ErrNameTaken) {
			writeError(w, hangarerrors.ErrConflict.WithDetails("an app with this name already exists"))
			return
		}
		writeError(w, err)
		return
	}

	if err := c.dispatchRun(app, runPath, false); err != nil {
		c.failDispatch(app.ID)
		writeError(w, err)
		return
	}

	building := store.StatusBuilding
	c.store.UpdateApp(app.ID, store.AppPatch{Status: &building})

	writeJSON(w, map[string]string{
		"app_id": app.ID,
		"status": building,
		"url":    app.URL,
	})
}

// failDispatch marks an app errored after a failed agent dispatch. The
// agent may have posted a terminal status while the dispatch was in
// flight, which already released the port; only release what the row
// still holds, or a concurrent checkout of the same port gets clobbered.
func (c *Controller) failDispatch(appID string) {
	if cur, err := c.store.GetApp(appID); err == nil && cur.Port != nil {
		c.releasePort(cur.Port)
	}
	statusErr := store.StatusError
	c.store.UpdateApp(appID, store.AppPatch{Status: &statusErr, ClearPort: true})
}

func (c *Controller) dispatchRun(app *store.App, runPath string, reuse bool) error {
	req := agent.RunRequest{
		AppID:        app.ID,
		Path:         runPath,
		Kind:         app.Kind,
		LogPath:      app.LogPath,
		Port:         *app.Port,
		AllowIPs:     app.AllowIPs,
		AuthHeader:   app.AuthHeader,
		VRAMRequired: app.VRAMRequired,
	}
	ctx, cancel := c.dispatchCtx()
	defer cancel()
	if reuse {
		return c.agent.Restart(ctx, req)
	}
	return c.agent.Run(ctx, req)
}

// runPathOf recomputes the path the agent runs an existing app from.
func (c *Controller) runPathOf(app *store.App) (string, error) {
	dir := c.appDir(app.ID)
	if app.Kind != string(kind.ContainerImageArchive) {
		return dir, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if strings.HasSuffix(strings.ToLower(e.Name()), ".tar") {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", hangarerrors.ErrInternalServer.WithDetails("image archive is missing")
}

func (c *Controller) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	apps, err := c.store.ListApps()
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]appView, 0, len(apps))
	running := 0
	for _, app := range apps {
		views = append(views, viewOf(app))
		if app.Status == store.StatusRunning {
			running++
		}
	}
	c.metrics.RunningApps.Set(float64(running))
	writeJSON(w, views)
}

func (c *Controller) handleLogs(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	app, err := c.store.GetApp(ps.ByName("id"))
	if err != nil {
		writeError(w, notFoundOr(err))
		return
	}
	data, err := os.ReadFile(app.LogPath)
	if err != nil && !os.IsNotExist(err) {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(data)
}

// handleUpdateStatus is the agent's transition callback. 404 for unknown
// apps doubles as the deletion signal.
func (c *Controller) handleUpdateStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		AppID  string `json:"app_id"`
		Status string `json:"status"`
		GPUs   []int  `json:"gpus"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AppID == "" {
		writeError(w, hangarerrors.ErrBadRequest)
		return
	}

	app, err := c.store.GetApp(req.AppID)
	if err != nil {
		writeError(w, notFoundOr(err))
		return
	}

	patch := store.AppPatch{Status: &req.Status}
	switch {
	case req.Status == store.StatusRunning:
		now := c.now().Unix()
		patch.LastHeartbeat = &now
		patch.GPUs = req.GPUs
		if patch.GPUs == nil {
			patch.GPUs = []int{}
		}
	case store.TerminalStatus(req.Status):
		c.releasePort(app.Port)
		patch.ClearPort = true
		patch.ClearHeartbeat = true
		patch.ClearGPUs = true
	case req.Status == store.StatusBuilding || req.Status == store.StatusStopping:
		// transition only
	default:
		writeError(w, hangarerrors.ErrBadRequest.WithDetails("unknown status"))
		return
	}

	if err := c.store.UpdateApp(req.AppID, patch); err != nil {
		writeError(w, notFoundOr(err))
		return
	}
	logging.App(req.AppID).Info("status updated", zap.String("status", req.Status))
	writeJSON(w, map[string]string{"detail": "ok"})
}

func (c *Controller) handleHeartbeat(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		AppID string `json:"app_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AppID == "" {
		writeError(w, hangarerrors.ErrBadRequest)
		return
	}
	app, err := c.store.GetApp(req.AppID)
	if err != nil {
		writeError(w, notFoundOr(err))
		return
	}
	// A heartbeat only refreshes liveness for running apps; other states
	// are in transition and the watchdog must not be fooled.
	if app.Status == store.StatusRunning {
		now := c.now().Unix()
		if err := c.store.UpdateApp(req.AppID, store.AppPatch{LastHeartbeat: &now}); err != nil {
			writeError(w, notFoundOr(err))
			return
		}
	}
	c.metrics.HeartbeatsTotal.Inc()
	writeJSON(w, map[string]string{"detail": "ok"})
}

func (c *Controller) handleStopBody(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		AppID string `json:"app_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AppID == "" {
		writeError(w, hangarerrors.ErrBadRequest)
		return
	}
	c.stopApp(w, req.AppID)
}

func (c *Controller) handleStopByID(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	c.stopApp(w, ps.ByName("id"))
}

// stopApp flips the row to stopping and runs the agent RPC in the
// background so a slow container shutdown cannot block the caller.
func (c *Controller) stopApp(w http.ResponseWriter, appID string) {
	app, err := c.store.GetApp(appID)
	if err != nil {
		writeError(w, notFoundOr(err))
		return
	}

	stopping := store.StatusStopping
	if err := c.store.UpdateApp(appID, store.AppPatch{Status: &stopping}); err != nil {
		writeError(w, notFoundOr(err))
		return
	}

	go c.stopOnAgent(app)
	writeJSON(w, map[string]string{"detail": "stopping"})
}

// stopOnAgent drives the agent-side teardown. The agent's stopped
// callback finishes the transition; if the agent cannot be reached we
// fall back to removing the route and finalize locally.
func (c *Controller) stopOnAgent(app *store.App) {
	ctx, cancel := c.dispatchCtx()
	defer cancel()

	err := c.agent.Stop(ctx, app.ID)
	if err == nil || errors.Is(err, hangarerrors.ErrNotFound) {
		if errors.Is(err, hangarerrors.ErrNotFound) {
			c.finalizeStop(app)
		}
		return
	}
	logging.App(app.ID).Warn("agent stop failed, removing route", zap.Error(err))

	rrCtx, rrCancel := c.dispatchCtx()
	defer rrCancel()
	if err := c.agent.RemoveRoute(rrCtx, app.ID); err != nil {
		logging.App(app.ID).Warn("route removal fallback failed", zap.Error(err))
	}
	c.finalizeStop(app)
}

func (c *Controller) finalizeStop(app *store.App) {
	c.releasePort(app.Port)
	stopped := store.StatusStopped
	err := c.store.UpdateApp(app.ID, store.AppPatch{
		Status:         &stopped,
		ClearPort:      true,
		ClearHeartbeat: true,
		ClearGPUs:      true,
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logging.App(app.ID).Warn("stop finalization failed", zap.Error(err))
	}
}

func (c *Controller) handleRestart(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	app, err := c.store.GetApp(ps.ByName("id"))
	if err != nil {
		writeError(w, notFoundOr(err))
		return
	}

	// A port freshly checked out here is not in the row yet, so the
	// agent's callbacks cannot have released it; row-held ports follow
	// the failDispatch rules instead.
	fresh := false
	if app.Port == nil {
		port, err := c.pool.Checkout()
		if err != nil {
			writeError(w, hangarerrors.ErrNoCapacity.WithDetails("no free ports"))
			return
		}
		c.metrics.FreePorts.Set(float64(c.pool.Free()))
		app.Port = &port
		fresh = true
	}

	runPath, err := c.runPathOf(app)
	if err != nil {
		if fresh {
			c.releasePort(app.Port)
		}
		writeError(w, err)
		return
	}

	if err := c.dispatchRun(app, runPath, true); err != nil {
		if fresh {
			c.releasePort(app.Port)
		}
		c.failDispatch(app.ID)
		writeError(w, err)
		return
	}

	building := store.StatusBuilding
	c.store.UpdateApp(app.ID, store.AppPatch{Status: &building, Port: app.Port})
	writeJSON(w, map[string]string{"app_id": app.ID, "status": building, "url": app.URL})
}

// handleDeleteApp removes the row first so every later agent callback
// gets the 404 deletion signal, then cleans up asynchronously.
func (c *Controller) handleDeleteApp(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	app, err := c.store.GetApp(ps.ByName("id"))
	if err != nil {
		writeError(w, notFoundOr(err))
		return
	}
	if err := c.store.DeleteApp(app.ID); err != nil {
		writeError(w, notFoundOr(err))
		return
	}
	c.releasePort(app.Port)

	go func() {
		ctx, cancel := c.dispatchCtx()
		defer cancel()
		if err := c.agent.Stop(ctx, app.ID); err != nil && !errors.Is(err, hangarerrors.ErrNotFound) {
			logging.App(app.ID).Warn("agent stop during delete failed", zap.Error(err))
		}
		if err := os.RemoveAll(c.appDir(app.ID)); err != nil {
			logging.App(app.ID).Warn("bundle removal failed", zap.Error(err))
		}
		os.Remove(app.LogPath)
	}()

	writeJSON(w, map[string]string{"detail": "deleted"})
}

func (c *Controller) handleEditApp(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		AppID        string  `json:"app_id"`
		Name         *string `json:"name"`
		Description  *string `json:"description"`
		VRAMRequired *int    `json:"vram_required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AppID == "" {
		writeError(w, hangarerrors.ErrBadRequest)
		return
	}
	if req.Name != nil {
		if existing, err := c.store.GetAppByName(*req.Name); err == nil && existing.ID != req.AppID {
			writeError(w, hangarerrors.ErrConflict.WithDetails("an app with this name already exists"))
			return
		}
	}
	if req.VRAMRequired != nil && *req.VRAMRequired < 0 {
		writeError(w, hangarerrors.ErrBadRequest.WithDetails("vram_required must be non-negative"))
		return
	}

	err := c.store.UpdateApp(req.AppID, store.AppPatch{
		Name:         req.Name,
		Description:  req.Description,
		VRAMRequired: req.VRAMRequired,
	})
	if err != nil {
		if errors.Is(err, store.ErrNameTaken) {
			writeError(w, hangarerrors.ErrConflict.WithDetails("an app with this name already exists"))
			return
		}
		writeError(w, notFoundOr(err))
		return
	}
	writeJSON(w, map[string]string{"detail": "updated"})
}

func notFoundOr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return hangarerrors.ErrNotFound
	}
	return err
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
