package controller

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	hangarerrors "github.com/wudi/hangar/internal/errors"
	"github.com/wudi/hangar/internal/kind"
	"github.com/wudi/hangar/internal/store"
)

type templateView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	Description  string `json:"description"`
	VRAMRequired int    `json:"vram_required"`
}

func templateViewOf(t *store.Template) templateView {
	return templateView{
		ID:           t.ID,
		Name:         t.Name,
		Kind:         t.Kind,
		Description:  t.Description,
		VRAMRequired: t.VRAMRequired,
	}
}

// handleCreateTemplate stores an uploaded bundle as a reusable template.
func (c *Controller) handleCreateTemplate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, hangarerrors.ErrBadRequest.WithDetails("malformed multipart body"))
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		writeError(w, hangarerrors.ErrBadRequest.WithDetails("name is required"))
		return
	}
	if _, err := c.store.GetTemplateByName(name); err == nil {
		writeError(w, hangarerrors.ErrConflict.WithDetails("a template with this name already exists"))
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		writeError(w, err)
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

	tplID := uuid.NewString()
	dir := filepath.Join(c.cfg.TemplateDir, tplID)
	runPath, tplKind, err := c.stageBundle(dir, header.Filename, file)
	if err != nil {
		os.RemoveAll(dir)
		writeError(w, err)
		return
	}
	storedPath, _ := filepath.Rel(c.cfg.TemplateDir, runPath)

	tpl := &store.Template{
		ID:           tplID,
		Name:         name,
		Kind:         string(tplKind),
		StoredPath:   storedPath,
		Description:  r.FormValue("description"),
		VRAMRequired: vramRequired,
	}
	if err := c.store.CreateTemplate(tpl); err != nil {
		os.RemoveAll(dir)
		writeError(w, err)
		return
	}
	writeJSON(w, templateViewOf(tpl))
}

func (c *Controller) handleListTemplates(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	// Reconcile manually dropped-in template directories before listing.
	if err := c.scanTemplateRoot(); err != nil {
		writeError(w, err)
		return
	}
	templates, err := c.store.ListTemplates()
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]templateView, 0, len(templates))
	for _, t := range templates {
		views = append(views, templateViewOf(t))
	}
	writeJSON(w, views)
}

func (c *Controller) handleDeleteTemplate(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	tpl, err := c.store.GetTemplate(ps.ByName("id"))
	if err != nil {
		writeError(w, notFoundOr(err))
		return
	}
	if err := c.store.DeleteTemplate(tpl.ID); err != nil {
		writeError(w, notFoundOr(err))
		return
	}
	// stored_path is relative; its first element is the directory to drop.
	root := strings.Split(filepath.ToSlash(tpl.StoredPath), "/")[0]
	if root != "" && root != "." && root != ".." {
		os.RemoveAll(filepath.Join(c.cfg.TemplateDir, root))
	}
	writeJSON(w, map[string]string{"detail": "deleted"})
}

// handleDeployTemplate copies a template bundle into a fresh app directory
// and runs the standard deploy flow. The bundle is already trusted, so no
// filename validation applies.
func (c *Controller) handleDeployTemplate(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	tpl, err := c.store.GetTemplate(ps.ByName("id"))
	if err != nil {
		writeError(w, notFoundOr(err))
		return
	}

	var req struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		AllowIPs    []string `json:"allow_ips"`
		AuthHeader  string   `json:"auth_header"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) // empty body deploys with defaults
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = tpl.Name
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
	src := filepath.Join(c.cfg.TemplateDir, tpl.StoredPath)
	runPath, err := copyBundle(src, dir)
	if err != nil {
		os.RemoveAll(dir)
		writeError(w, err)
		return
	}

	description := req.Description
	if description == "" {
		description = tpl.Description
	}
	app := &store.App{
		ID:           appID,
		Name:         name,
		Description:  description,
		Kind:         tpl.Kind,
		Status:       store.StatusUploaded,
		LogPath:      c.appLogPath(appID),
		URL:          c.appURL(appID),
		AllowIPs:     req.AllowIPs,
		AuthHeader:   strings.TrimSpace(req.AuthHeader),
		VRAMRequired: tpl.VRAMRequired,
	}
	c.deploy(w, app, runPath)
}

// handleSaveTemplate promotes a deployed app's bundle into the catalog.
func (c *Controller) handleSaveTemplate(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	app, err := c.store.GetApp(ps.ByName("id"))
	if err != nil {
		writeError(w, notFoundOr(err))
		return
	}

	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = app.Name
	}
	if _, err := c.store.GetTemplateByName(name); err == nil {
		writeError(w, hangarerrors.ErrConflict.WithDetails("a template with this name already exists"))
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		writeError(w, err)
		return
	}

	srcPath, err := c.runPathOf(app)
	if err != nil {
		writeError(w, err)
		return
	}

	tplID := uuid.NewString()
	dst := filepath.Join(c.cfg.TemplateDir, tplID)
	stored, err := copyBundle(srcPath, dst)
	if err != nil {
		os.RemoveAll(dst)
		writeError(w, err)
		return
	}
	storedPath, _ := filepath.Rel(c.cfg.TemplateDir, stored)

	description := req.Description
	if description == "" {
		description = app.Description
	}
	tpl := &store.Template{
		ID:           tplID,
		Name:         name,
		Kind:         app.Kind,
		StoredPath:   storedPath,
		Description:  description,
		VRAMRequired: app.VRAMRequired,
	}
	if err := c.store.CreateTemplate(tpl); err != nil {
		os.RemoveAll(dst)
		writeError(w, err)
		return
	}
	writeJSON(w, templateViewOf(tpl))
}

func (c *Controller) handleEditTemplate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		TemplateID   string  `json:"template_id"`
		Name         *string `json:"name"`
		Description  *string `json:"description"`
		VRAMRequired *int    `json:"vram_required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TemplateID == "" {
		writeError(w, hangarerrors.ErrBadRequest)
		return
	}
	if req.Name != nil {
		if existing, err := c.store.GetTemplateByName(*req.Name); err == nil && existing.ID != req.TemplateID {
			writeError(w, hangarerrors.ErrConflict.WithDetails("a template with this name already exists"))
			return
		}
	}
	if req.VRAMRequired != nil && *req.VRAMRequired < 0 {
		writeError(w, hangarerrors.ErrBadRequest.WithDetails("vram_required must be non-negative"))
		return
	}
	if err := c.store.UpdateTemplate(req.TemplateID, req.Name, req.Description, req.VRAMRequired); err != nil {
		writeError(w, notFoundOr(err))
		return
	}
	writeJSON(w, map[string]string{"detail": "updated"})
}

// copyBundle copies a template or app bundle. A single file (an image
// archive) copies to dst/<base>; a directory copies recursively to dst.
// Returns the run path inside dst.
func copyBundle(src, dst string) (string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return "", err
		}
		target := filepath.Join(dst, filepath.Base(src))
		return target, copyFile(src, target, info.Mode())
	}

	err = filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode())
	})
	if err != nil {
		return "", err
	}
	return dst, nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode&0o777)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// scanTemplateRoot registers template directories dropped in manually,
// inferring their kind the same way uploads are classified.
func (c *Controller) scanTemplateRoot() error {
	entries, err := os.ReadDir(c.cfg.TemplateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	known := map[string]bool{}
	templates, err := c.store.ListTemplates()
	if err != nil {
		return err
	}
	for _, t := range templates {
		root := strings.Split(filepath.ToSlash(t.StoredPath), "/")[0]
		known[root] = true
	}

	for _, e := range entries {
		if !e.IsDir() || known[e.Name()] {
			continue
		}
		dir := filepath.Join(c.cfg.TemplateDir, e.Name())
		storedPath := e.Name()
		k := kind.Detect(dir)
		if tarPath, ok := firstTar(dir); ok {
			k = kind.ContainerImageArchive
			rel, _ := filepath.Rel(c.cfg.TemplateDir, tarPath)
			storedPath = rel
		}

		tpl := &store.Template{
			ID:         uuid.NewString(),
			Name:       e.Name(),
			Kind:       string(k),
			StoredPath: storedPath,
		}
		if _, err := c.store.GetTemplateByName(tpl.Name); err == nil {
			continue // name taken by a registered template elsewhere
		}
		if err := c.store.CreateTemplate(tpl); err != nil {
			return err
		}
	}
	return nil
}

func firstTar(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".tar") {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}
