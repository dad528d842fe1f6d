package handlers

import (
	"net/http"

	"github.com/freema/regforge/internal/account"
)

// AccountHandler lists and records accounts. Passwords are never returned.
type AccountHandler struct {
	store *account.Store
}

func NewAccountHandler(store *account.Store) *AccountHandler {
	return &AccountHandler{store: store}
}

// List handles GET /api/v1/accounts.
func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.List()
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": records,
		"count":    len(records),
	})
}

type saveAccountRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=256"`
}

// Create handles POST /api/v1/accounts. An already recorded email is not an
// error; the response says it was not saved.
func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req saveAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	saved, err := h.store.Save(req.Email, req.Password)
	if err != nil {
		writeAppError(w, err)
		return
	}

	status := http.StatusCreated
	if !saved {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]interface{}{
		"email": req.Email,
		"saved": saved,
	})
}
