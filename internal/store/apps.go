package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrNameTaken is returned when an insert trips the unique name index.
var ErrNameTaken = errors.New("name already in use")

// App is one deployed application.
type App struct {
	ID            string
	Name          string
	Description   string
	Kind          string
	Status        string
	LogPath       string
	Port          *int
	LastHeartbeat *int64 // epoch seconds
	URL           string
	AllowIPs      []string
	AuthHeader    string
	GPUs          []int
	VRAMRequired  int
}

const appColumns = `id, name, description, kind, status, log_path, port,
	last_heartbeat, url, allow_ips, auth_header, gpus, vram_required`

func scanApp(row interface{ Scan(...any) error }) (*App, error) {
	var (
		app       App
		port      sql.NullInt64
		heartbeat sql.NullInt64
		allowIPs  string
		gpus      string
	)
	err := row.Scan(&app.ID, &app.Name, &app.Description, &app.Kind, &app.Status,
		&app.LogPath, &port, &heartbeat, &app.URL, &allowIPs, &app.AuthHeader,
		&gpus, &app.VRAMRequired)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if port.Valid {
		p := int(port.Int64)
		app.Port = &p
	}
	if heartbeat.Valid {
		h := heartbeat.Int64
		app.LastHeartbeat = &h
	}
	app.AllowIPs = splitStrings(allowIPs)
	app.GPUs = splitInts(gpus)
	return &app, nil
}

// CreateApp inserts a new app row.
func (s *Store) CreateApp(app *App) error {
	var port, heartbeat any
	if app.Port != nil {
		port = *app.Port
	}
	if app.LastHeartbeat != nil {
		heartbeat = *app.LastHeartbeat
	}
	_, err := s.db.Exec(`INSERT INTO apps (`+appColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		app.ID, app.Name, app.Description, app.Kind, app.Status, app.LogPath,
		port, heartbeat, app.URL, joinStrings(app.AllowIPs), app.AuthHeader,
		joinInts(app.GPUs), app.VRAMRequired)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: apps.name") {
			return ErrNameTaken
		}
		return fmt.Errorf("create app: %w", err)
	}
	return nil
}

// GetApp fetches one app by id.
func (s *Store) GetApp(id string) (*App, error) {
	return scanApp(s.db.QueryRow(`SELECT `+appColumns+` FROM apps WHERE id = ?`, id))
}

// GetAppByName fetches one app by name.
func (s *Store) GetAppByName(name string) (*App, error) {
	return scanApp(s.db.QueryRow(`SELECT `+appColumns+` FROM apps WHERE name = ?`, name))
}

// ListApps returns all apps ordered by name.
func (s *Store) ListApps() ([]*App, error) {
	rows, err := s.db.Query(`SELECT ` + appColumns + ` FROM apps ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []*App
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// ListAppsByStatus returns apps in the given status.
func (s *Store) ListAppsByStatus(status string) ([]*App, error) {
	rows, err := s.db.Query(`SELECT `+appColumns+` FROM apps WHERE status = ?`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []*App
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// DeleteApp removes an app row. Missing rows are ErrNotFound.
func (s *Store) DeleteApp(id string) error {
	res, err := s.db.Exec(`DELETE FROM apps WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppPatch carries the mutable fields of an app. Nil fields are untouched;
// the patch is applied in a single UPDATE. ClearPort, ClearHeartbeat, and
// ClearGPUs null out the corresponding columns.
type AppPatch struct {
	Name           *string
	Description    *string
	Status         *string
	Port           *int
	ClearPort      bool
	LastHeartbeat  *int64
	ClearHeartbeat bool
	GPUs           []int
	ClearGPUs      bool
	AllowIPs       []string
	AuthHeader     *string
	VRAMRequired   *int
}

// UpdateApp applies a patch to one app row.
func (s *Store) UpdateApp(id string, patch AppPatch) error {
	var (
		sets []string
		args []any
	)
	add := func(expr string, value any) {
		sets = append(sets, expr)
		args = append(args, value)
	}
	if patch.Name != nil {
		add("name = ?", *patch.Name)
	}
	if patch.Description != nil {
		add("description = ?", *patch.Description)
	}
	if patch.Status != nil {
		add("status = ?", *patch.Status)
	}
	switch {
	case patch.ClearPort:
		sets = append(sets, "port = NULL")
	case patch.Port != nil:
		add("port = ?", *patch.Port)
	}
	switch {
	case patch.ClearHeartbeat:
		sets = append(sets, "last_heartbeat = NULL")
	case patch.LastHeartbeat != nil:
		add("last_heartbeat = ?", *patch.LastHeartbeat)
	}
	switch {
	case patch.ClearGPUs:
		sets = append(sets, "gpus = ''")
	case patch.GPUs != nil:
		add("gpus = ?", joinInts(patch.GPUs))
	}
	if patch.AllowIPs != nil {
		add("allow_ips = ?", joinStrings(patch.AllowIPs))
	}
	if patch.AuthHeader != nil {
		add("auth_header = ?", *patch.AuthHeader)
	}
	if patch.VRAMRequired != nil {
		add("vram_required = ?", *patch.VRAMRequired)
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE apps SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)
	res, err := s.db.Exec(query, args...)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: apps.name") {
			return ErrNameTaken
		}
		return fmt.Errorf("update app: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
