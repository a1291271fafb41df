package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pilotdata/authsvc/internal/errx"
	"github.com/pilotdata/authsvc/internal/services/invitation"
	"github.com/pilotdata/authsvc/internal/services/validation"
)

func (h *Handlers) CreateInvitation(w http.ResponseWriter, r *http.Request) {
	var req invitation.CreateRequest
	if err := h.decode(r, validation.SchemaInvitationCreate, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Invitations.CreateInvitation(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	switch res.Outcome {
	case invitation.OutcomeDuplicateInvitation:
		writeError(w, r, errx.Conflict(string(res.Outcome), "an invitation for this email is already pending"))
	case invitation.OutcomeUserExists:
		writeError(w, r, errx.Conflict(string(res.Outcome), "a user with this email already exists"))
	default:
		writeResult(w, http.StatusOK, res)
	}
}

func (h *Handlers) ListInvitations(w http.ResponseWriter, r *http.Request) {
	var q invitation.ListQuery
	if err := h.decode(r, validation.SchemaInvitationList, &q); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Invitations.ListInvitations(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) CheckInvitee(w http.ResponseWriter, r *http.Request) {
	check, err := h.Invitations.CheckUser(r.Context(), chi.URLParam(r, "email"), r.URL.Query().Get("project_code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, check)
}

type invitationStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handlers) UpdateInvitation(w http.ResponseWriter, r *http.Request) {
	var req invitationStatusRequest
	if err := h.decode(r, "", &req); err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.Invitations.UpdateStatus(r.Context(), id, req.Status); err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, map[string]string{"id": id, "status": req.Status})
}

func (h *Handlers) GetInvitationByCode(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Invitations.GetByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, inv)
}
