package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrProtectedUser is returned when deleting the seeded admin account.
var ErrProtectedUser = errors.New("user cannot be deleted")

// AdminUsername is the account seeded at first startup.
const AdminUsername = "admin"

// User is one account able to authenticate against the controller.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	IsAdmin      bool
}

const userColumns = `id, username, password_hash, is_admin`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var (
		u       User
		isAdmin int
	)
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &isAdmin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.IsAdmin = isAdmin != 0
	return &u, nil
}

// CreateUser inserts a user row. Duplicate usernames fail on the unique index.
func (s *Store) CreateUser(u *User) error {
	isAdmin := 0
	if u.IsAdmin {
		isAdmin = 1
	}
	_, err := s.db.Exec(`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, isAdmin)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser fetches one user by id.
func (s *Store) GetUser(id string) (*User, error) {
	return scanUser(s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// GetUserByName fetches one user by username.
func (s *Store) GetUserByName(username string) (*User, error) {
	return scanUser(s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}

// ListUsers returns all users ordered by username.
func (s *Store) ListUsers() ([]*User, error) {
	rows, err := s.db.Query(`SELECT ` + userColumns + ` FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteUser removes a user. The seeded admin account is protected.
func (s *Store) DeleteUser(id string) error {
	u, err := s.GetUser(id)
	if err != nil {
		return err
	}
	if u.Username == AdminUsername {
		return ErrProtectedUser
	}
	_, err = s.db.Exec(`DELETE FROM users WHERE id = ?`, id)
	return err
}

// SetPasswordHash replaces a user's password hash.
func (s *Store) SetPasswordHash(id, hash string) error {
	res, err := s.db.Exec(`UPDATE users SET password_hash = ? WHERE id = ?`, hash, id)
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

// SeedAdmin ensures the admin account exists with the given hash. An
// existing admin row is left untouched so operator password changes stick.
func (s *Store) SeedAdmin(id, passwordHash string) error {
	_, err := s.GetUserByName(AdminUsername)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.CreateUser(&User{
		ID:           id,
		Username:     AdminUsername,
		PasswordHash: passwordHash,
		IsAdmin:      true,
	})
}
