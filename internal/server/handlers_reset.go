package server

import (
	"net/http"

	"github.com/pilotdata/authsvc/internal/services/validation"
)

type resetRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (h *Handlers) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := h.decode(r, "", &req); err != nil {
		writeError(w, r, err)
		return
	}
	masked, err := h.Accounts.SendPasswordReset(r.Context(), req.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, map[string]string{"email": masked})
}

func (h *Handlers) CheckResetToken(w http.ResponseWriter, r *http.Request) {
	email, err := h.Accounts.CheckResetToken(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, map[string]string{"email": email})
}

func (h *Handlers) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := h.decode(r, validation.SchemaPasswordReset, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Accounts.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, "success")
}

func (h *Handlers) RequestUsername(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := h.decode(r, "", &req); err != nil {
		writeError(w, r, err)
		return
	}
	masked, err := h.Accounts.SendUsername(r.Context(), req.Email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, map[string]string{"email": masked})
}
