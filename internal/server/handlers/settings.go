package handlers

import (
	"io"
	"net/http"

	"github.com/freema/regforge/internal/apperror"
	"github.com/freema/regforge/internal/envfile"
)

const maxRawSettings = 256 << 10

// SettingsHandler exposes the script's .env file.
type SettingsHandler struct {
	store *envfile.Store
}

func NewSettingsHandler(store *envfile.Store) *SettingsHandler {
	return &SettingsHandler{store: store}
}

type settingsRequest struct {
	Groups []envfile.Group `json:"groups" validate:"required,dive"`
}

// Get handles GET /api/v1/settings/env.
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	groups, err := h.store.Load()
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"groups": groups})
}

// Put handles PUT /api/v1/settings/env.
func (h *SettingsHandler) Put(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := envfile.Validate(req.Groups); err != nil {
		writeAppError(w, apperror.Validation("%s", err.Error()))
		return
	}
	if err := h.store.Save(req.Groups); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"groups": req.Groups})
}

// GetRaw handles GET /api/v1/settings/env/raw.
func (h *SettingsHandler) GetRaw(w http.ResponseWriter, r *http.Request) {
	raw, err := h.store.Raw()
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, raw)
}

// PutRaw handles PUT /api/v1/settings/env/raw.
func (h *SettingsHandler) PutRaw(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRawSettings+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body failed")
		return
	}
	if len(body) > maxRawSettings {
		writeError(w, http.StatusRequestEntityTooLarge, "settings file too large")
		return
	}
	if err := h.store.WriteRaw(string(body)); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"groups": envfile.Parse(string(body))})
}
