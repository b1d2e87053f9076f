package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/app"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/httpjson"
	"github.com/go-chi/chi/v5"
)

// SettingsHandler expose les réglages. Les effets de bord (scheduler, etc.)
// passent par les abonnés du SettingsService.
type SettingsHandler struct {
	settings *app.SettingsService
}

func NewSettingsHandler(settings *app.SettingsService) *SettingsHandler {
	return &SettingsHandler{settings: settings}
}

func (h *SettingsHandler) Routes(r chi.Router) {
	r.Get("/settings", h.get)
	r.Put("/settings", h.put)
	r.Patch("/settings", h.patch)
	// Variante avec slash final (utile selon reverse-proxy / clients).
	r.Get("/settings/", h.get)
	r.Put("/settings/", h.put)
}

func (h *SettingsHandler) get(w http.ResponseWriter, r *http.Request) {
	s, err := h.settings.Get(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, s)
}

func (h *SettingsHandler) put(w http.ResponseWriter, r *http.Request) {
	var s domain.Settings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, "invalid json")
		return
	}
	updated, err := h.settings.Put(r.Context(), s)
	if err != nil {
		writeAppError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, updated)
}

// patch applique un document partiel par-dessus les réglages courants.
func (h *SettingsHandler) patch(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, "invalid json")
		return
	}
	updated, err := h.settings.Patch(r.Context(), raw)
	if err != nil {
		writeAppError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, updated)
}
