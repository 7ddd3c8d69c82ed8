package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/wudi/hangar/internal/auth"
	hangarerrors "github.com/wudi/hangar/internal/errors"
	"github.com/wudi/hangar/internal/middleware"
	"github.com/wudi/hangar/internal/store"
)

type userView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

func userViewOf(u *store.User) userView {
	return userView{ID: u.ID, Username: u.Username, IsAdmin: u.Username == store.AdminUsername}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func decodeCredentials(r *http.Request) (credentials, bool) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		return creds, false
	}
	creds.Username = strings.TrimSpace(creds.Username)
	return creds, creds.Username != "" && creds.Password != ""
}

// handleLogin exchanges a username and password for a bearer token.
func (c *Controller) handleLogin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	creds, ok := decodeCredentials(r)
	if !ok {
		writeError(w, hangarerrors.ErrBadRequest.WithDetails("username and password are required"))
		return
	}
	user, err := c.store.GetUserByName(creds.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, hangarerrors.ErrUnauthorized.WithDetails("incorrect username or password"))
			return
		}
		writeError(w, err)
		return
	}
	if !auth.CheckPassword(user.PasswordHash, creds.Password) {
		writeError(w, hangarerrors.ErrUnauthorized.WithDetails("incorrect username or password"))
		return
	}
	token, err := c.issuer.Issue(user.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

// handleRegister creates a regular account. The admin account only ever
// comes from seeding.
func (c *Controller) handleRegister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	creds, ok := decodeCredentials(r)
	if !ok {
		writeError(w, hangarerrors.ErrBadRequest.WithDetails("username and password are required"))
		return
	}
	if creds.Username == store.AdminUsername {
		writeError(w, hangarerrors.ErrConflict.WithDetails("username is reserved"))
		return
	}
	if _, err := c.store.GetUserByName(creds.Username); err == nil {
		writeError(w, hangarerrors.ErrConflict.WithDetails("username already registered"))
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		writeError(w, err)
		return
	}
	hash, err := auth.HashPassword(creds.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	user := &store.User{ID: uuid.NewString(), Username: creds.Username, PasswordHash: hash}
	if err := c.store.CreateUser(user); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, userViewOf(user))
}

// requireAdmin resolves the request principal and rejects non-admins.
func (c *Controller) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if middleware.PrincipalFromContext(r.Context()) != store.AdminUsername {
		writeError(w, hangarerrors.ErrForbidden.WithDetails("admin privileges required"))
		return false
	}
	return true
}

func (c *Controller) handleListUsers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !c.requireAdmin(w, r) {
		return
	}
	users, err := c.store.ListUsers()
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, userViewOf(u))
	}
	writeJSON(w, views)
}

func (c *Controller) handleCurrentUser(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	username := middleware.PrincipalFromContext(r.Context())
	user, err := c.store.GetUserByName(username)
	if err != nil {
		writeError(w, notFoundOr(err))
		return
	}
	writeJSON(w, userViewOf(user))
}

func (c *Controller) handleDeleteUser(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !c.requireAdmin(w, r) {
		return
	}
	err := c.store.DeleteUser(ps.ByName("id"))
	if errors.Is(err, store.ErrProtectedUser) {
		writeError(w, hangarerrors.ErrBadRequest.WithDetails("the admin account cannot be deleted"))
		return
	}
	if err != nil {
		writeError(w, notFoundOr(err))
		return
	}
	writeJSON(w, map[string]string{"detail": "deleted"})
}

func (c *Controller) handleResetPassword(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !c.requireAdmin(w, r) {
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		writeError(w, hangarerrors.ErrBadRequest.WithDetails("password is required"))
		return
	}
	user, err := c.store.GetUser(ps.ByName("id"))
	if err != nil {
		writeError(w, notFoundOr(err))
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := c.store.SetPasswordHash(user.ID, hash); err != nil {
		writeError(w, notFoundOr(err))
		return
	}
	writeJSON(w, map[string]string{"detail": "password updated"})
}
