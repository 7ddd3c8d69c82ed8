// Package store persists apps, templates, and users in a SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

// App lifecycle statuses.
const (
	StatusUploaded = "uploaded"
	StatusBuilding = "building"
	StatusRunning  = "running"
	StatusStopping = "stopping"
	StatusStopped  = "stopped"
	StatusFinished = "finished"
	StatusError    = "error"
)

// TerminalStatus reports whether a status releases the app's port.
func TerminalStatus(status string) bool {
	switch status {
	case StatusStopped, StatusFinished, StatusError:
		return true
	}
	return false
}

// Store wraps the database handle. Safe for concurrent use; SQLite access
// is serialized through a single connection to avoid SQLITE_BUSY.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS apps (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			log_path TEXT NOT NULL DEFAULT '',
			port INTEGER,
			last_heartbeat INTEGER,
			url TEXT NOT NULL DEFAULT '',
			allow_ips TEXT NOT NULL DEFAULT '',
			auth_header TEXT NOT NULL DEFAULT '',
			gpus TEXT NOT NULL DEFAULT '',
			vram_required INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			stored_path TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			vram_required INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			is_admin INTEGER NOT NULL DEFAULT 0
		)`,
		// App names are unique at the database level; the handler-side
		// check races under concurrent uploads. An index rather than a
		// column constraint so pre-existing tables pick it up too.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_apps_name ON apps(name)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	// Columns added after first release are backfilled in place. CREATE
	// TABLE IF NOT EXISTS leaves old schemas untouched, so probe for each.
	backfills := map[string][]string{
		"apps": {
			"allow_ips TEXT NOT NULL DEFAULT ''",
			"auth_header TEXT NOT NULL DEFAULT ''",
			"gpus TEXT NOT NULL DEFAULT ''",
			"vram_required INTEGER NOT NULL DEFAULT 0",
		},
		"templates": {
			"vram_required INTEGER NOT NULL DEFAULT 0",
		},
	}
	for table, columns := range backfills {
		existing, err := s.columns(table)
		if err != nil {
			return err
		}
		for _, def := range columns {
			name := strings.Fields(def)[0]
			if existing[name] {
				continue
			}
			if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, def)); err != nil {
				return fmt.Errorf("backfill %s.%s: %w", table, name, err)
			}
		}
	}
	return nil
}

func (s *Store) columns(table string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notnull    int
			dfltValue  sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dfltValue, &primaryKey); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

// joinInts serializes a GPU index list into its text column form.
func joinInts(values []int) string {
	if len(values) == 0 {
		return ""
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func splitInts(raw string) []int {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if v, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func joinStrings(values []string) string {
	return strings.Join(values, ",")
}

func splitStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
