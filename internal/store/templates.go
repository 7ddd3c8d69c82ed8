package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Template is a reusable deploy bundle stored under the template root.
type Template struct {
	ID           string
	Name         string
	Kind         string
	StoredPath   string
	Description  string
	VRAMRequired int
}

const templateColumns = `id, name, kind, stored_path, description, vram_required`

func scanTemplate(row interface{ Scan(...any) error }) (*Template, error) {
	var t Template
	err := row.Scan(&t.ID, &t.Name, &t.Kind, &t.StoredPath, &t.Description, &t.VRAMRequired)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// CreateTemplate inserts a template row.
func (s *Store) CreateTemplate(t *Template) error {
	_, err := s.db.Exec(`INSERT INTO templates (`+templateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Kind, t.StoredPath, t.Description, t.VRAMRequired)
	if err != nil {
		return fmt.Errorf("create template: %w", err)
	}
	return nil
}

// GetTemplate fetches one template by id.
func (s *Store) GetTemplate(id string) (*Template, error) {
	return scanTemplate(s.db.QueryRow(`SELECT `+templateColumns+` FROM templates WHERE id = ?`, id))
}

// GetTemplateByName fetches one template by name.
func (s *Store) GetTemplateByName(name string) (*Template, error) {
	return scanTemplate(s.db.QueryRow(`SELECT `+templateColumns+` FROM templates WHERE name = ?`, name))
}

// ListTemplates returns all templates ordered by name.
func (s *Store) ListTemplates() ([]*Template, error) {
	rows, err := s.db.Query(`SELECT ` + templateColumns + ` FROM templates ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// UpdateTemplate rewrites the mutable fields of a template.
func (s *Store) UpdateTemplate(id string, name, description *string, vramRequired *int) error {
	t, err := s.GetTemplate(id)
	if err != nil {
		return err
	}
	if name != nil {
		t.Name = *name
	}
	if description != nil {
		t.Description = *description
	}
	if vramRequired != nil {
		t.VRAMRequired = *vramRequired
	}
	_, err = s.db.Exec(`UPDATE templates SET name = ?, description = ?, vram_required = ? WHERE id = ?`,
		t.Name, t.Description, t.VRAMRequired, id)
	return err
}

// DeleteTemplate removes a template row.
func (s *Store) DeleteTemplate(id string) error {
	res, err := s.db.Exec(`DELETE FROM templates WHERE id = ?`, id)
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
