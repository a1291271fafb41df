package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pilotdata/authsvc/internal/services/account"
	"github.com/pilotdata/authsvc/internal/services/validation"
)

func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	pageSize, err := queryInt(r, "page_size", 25)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	res, err := h.Accounts.ListUsers(r.Context(), account.ListQuery{
		Username: q.Get("username"),
		Email:    q.Get("email"),
		Search:   q.Get("search"),
		Filter:   q.Get("filter"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) GetUser(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user, err := h.Accounts.GetUser(r.Context(), account.UserQuery{
		ID:       q.Get("id"),
		Username: q.Get("username"),
		Email:    q.Get("email"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, user)
}

func (h *Handlers) UpdateAttributes(w http.ResponseWriter, r *http.Request) {
	var attrs map[string]string
	if err := h.decode(r, validation.SchemaAttributes, &attrs); err != nil {
		writeError(w, r, err)
		return
	}
	merged, err := h.Accounts.UpdateAttributes(r.Context(), chi.URLParam(r, "id"), attrs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, merged)
}

type createRolesRequest struct {
	ProjectCode string   `json:"project_code"`
	Roles       []string `json:"roles,omitempty"`
}

func (h *Handlers) CreateProjectRoles(w http.ResponseWriter, r *http.Request) {
	var req createRolesRequest
	if err := h.decode(r, "", &req); err != nil {
		writeError(w, r, err)
		return
	}
	created, err := h.Accounts.CreateProjectRoles(r.Context(), req.ProjectCode, req.Roles)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, created)
}

func (h *Handlers) UsersInRole(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	pageSize, err := queryInt(r, "page_size", 25)
	if err != nil {
		writeError(w, r, err)
		return
	}
	users, err := h.Accounts.UsersInRole(r.Context(), chi.URLParam(r, "role"), page, pageSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, users)
}

type projectRoleRequest struct {
	Email       string `json:"email"`
	ProjectCode string `json:"project_code"`
	Role        string `json:"role"`
}

func (h *Handlers) AssignProjectRole(w http.ResponseWriter, r *http.Request) {
	var req projectRoleRequest
	if err := h.decode(r, validation.SchemaProjectRole, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := h.Lifecycle.AssignProjectRole(r.Context(), req.Email, req.ProjectCode, req.Role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, m)
}

func (h *Handlers) RevokeProjectRole(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	m, err := h.Lifecycle.RevokeProjectRole(r.Context(), q.Get("email"), q.Get("project_code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, m)
}
