package server

import (
	"net/http"
	"strconv"

	"github.com/pilotdata/authsvc/internal/errx"
	"github.com/pilotdata/authsvc/internal/policy"
	"github.com/pilotdata/authsvc/internal/services/account"
	"github.com/pilotdata/authsvc/internal/services/invitation"
	"github.com/pilotdata/authsvc/internal/services/lifecycle"
	"github.com/pilotdata/authsvc/internal/services/session"
	"github.com/pilotdata/authsvc/internal/services/validation"
)

// Handlers holds the services behind the HTTP surface. A nil Validator
// skips schema checks.
type Handlers struct {
	Sessions    *session.Manager
	Lifecycle   *lifecycle.Reconciler
	Invitations *invitation.Service
	Accounts    *account.Service
	Policy      *policy.Engine
	Validator   *validation.SchemaValidator
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := h.decode(r, validation.SchemaLogin, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tok, err := h.Sessions.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, tok)
}

func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := h.decode(r, validation.SchemaRefresh, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tok, err := h.Sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, tok)
}

// UpdateAccount applies a lifecycle transition.
func (h *Handlers) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.Request
	if err := h.decode(r, validation.SchemaAccountOperation, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Lifecycle.Apply(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, res)
}

type groupRequest struct {
	Operation string `json:"operation"`
	UserEmail string `json:"user_email"`
	GroupCode string `json:"group_code"`
}

func (h *Handlers) ChangeGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := h.decode(r, validation.SchemaGroupOperation, &req); err != nil {
		writeError(w, r, err)
		return
	}
	change, err := h.Accounts.ChangeGroupMembership(r.Context(), req.UserEmail, req.GroupCode, req.Operation)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, change)
}

// Authorize answers a single policy question from query parameters.
func (h *Handlers) Authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	allowed, err := h.Policy.Authorize(r.Context(), q.Get("role"), q.Get("zone"), q.Get("resource"), q.Get("operation"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, map[string]bool{"has_permission": allowed})
}

func (h *Handlers) ListPolicies(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Policy.ListRules(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, rules)
}

func (h *Handlers) AddPolicy(w http.ResponseWriter, r *http.Request) {
	var rule policy.Rule
	if err := h.decode(r, validation.SchemaPolicyRule, &rule); err != nil {
		writeError(w, r, err)
		return
	}
	added, err := h.Policy.AddRule(r.Context(), rule)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeResult(w, status, map[string]any{"rule": rule, "added": added})
}

func (h *Handlers) RemovePolicy(w http.ResponseWriter, r *http.Request) {
	var rule policy.Rule
	if err := h.decode(r, validation.SchemaPolicyRule, &rule); err != nil {
		writeError(w, r, err)
		return
	}
	removed, err := h.Policy.RemoveRule(r.Context(), rule)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !removed {
		writeError(w, r, errx.NotFound("policy rule", rule.Role+"/"+rule.Zone+"/"+rule.Resource+"/"+rule.Operation))
		return
	}
	writeResult(w, http.StatusOK, map[string]any{"rule": rule, "removed": true})
}

// queryInt reads a non-negative integer query parameter.
func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errx.Validation(key + " must be a non-negative integer")
	}
	return n, nil
}
