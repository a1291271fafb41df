package server

import (
	"net/http"

	"github.com/pilotdata/authsvc/internal/services/account"
	"github.com/pilotdata/authsvc/internal/services/validation"
)

type testAccountRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (h *Handlers) RequestTestAccount(w http.ResponseWriter, r *http.Request) {
	var req testAccountRequest
	if err := h.decode(r, validation.SchemaTestAccount, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Accounts.RequestTestAccount(r.Context(), req.Username, req.Email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, res)
}

func (h *Handlers) RequestContract(w http.ResponseWriter, r *http.Request) {
	var req account.ContractRequest
	if err := h.decode(r, validation.SchemaContractRequest, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Accounts.RequestContract(r.Context(), req); err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, "contract request sent")
}

func (h *Handlers) GetUserStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Accounts.GetUserStatus(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, st)
}
