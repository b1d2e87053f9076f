package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/httpjson"
	"github.com/go-chi/chi/v5"
)

// SelectionStore est la vue de la réplique locale utilisée par l'API.
type SelectionStore interface {
	Snapshot() domain.Snapshot
	Get(key string) (domain.SelectionEntry, bool)
	Set(key string, value domain.SelectionEntry)
	Delete(key string) bool
}

type SelectionHandler struct {
	store SelectionStore
}

func NewSelectionHandler(store SelectionStore) *SelectionHandler {
	return &SelectionHandler{store: store}
}

func (h *SelectionHandler) Routes(r chi.Router) {
	r.Route("/selection", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Put("/{id}", h.put)
		r.Delete("/{id}", h.delete)
	})
}

func (h *SelectionHandler) list(w http.ResponseWriter, r *http.Request) {
	httpjson.Write(w, http.StatusOK, h.store.Snapshot())
}

func (h *SelectionHandler) get(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.store.Get(chi.URLParam(r, "id"))
	if !ok {
		httpjson.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	httpjson.Write(w, http.StatusOK, entry)
}

// put accepte un corps vide: l'entrée ne porte alors que l'ID.
func (h *SelectionHandler) put(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		httpjson.WriteError(w, http.StatusBadRequest, "missing id")
		return
	}
	var entry domain.SelectionEntry
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			httpjson.WriteError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	entry.ID = id
	h.store.Set(id, entry)
	httpjson.Write(w, http.StatusOK, entry)
}

func (h *SelectionHandler) delete(w http.ResponseWriter, r *http.Request) {
	if !h.store.Delete(chi.URLParam(r, "id")) {
		httpjson.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
