package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/app"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/httpjson"
	"github.com/go-chi/chi/v5"
)

type BatchRunner interface {
	Download(ctx context.Context, ids []string) (app.BatchReport, error)
	Retry(ctx context.Context, id string) error
	Failures() []app.FailedItem
}

type DownloadsHandler struct {
	batch BatchRunner
}

func NewDownloadsHandler(batch BatchRunner) *DownloadsHandler {
	return &DownloadsHandler{batch: batch}
}

type downloadRequest struct {
	IDs []string `json:"ids"`
}

func (h *DownloadsHandler) Routes(r chi.Router) {
	r.Route("/downloads", func(r chi.Router) {
		r.Post("/", h.downloadMany)
		r.Get("/failures", h.failures)
		r.Post("/{id}", h.downloadOne)
		r.Post("/{id}/retry", h.retry)
	})
}

// downloadMany traite les ids du corps, ou toute la sélection si le corps est vide.
func (h *DownloadsHandler) downloadMany(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpjson.WriteError(w, http.StatusBadRequest, "invalid json")
		return
	}
	h.run(w, r, req.IDs)
}

func (h *DownloadsHandler) downloadOne(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, []string{chi.URLParam(r, "id")})
}

func (h *DownloadsHandler) run(w http.ResponseWriter, r *http.Request, ids []string) {
	report, err := h.batch.Download(r.Context(), ids)
	if err != nil {
		writeAppError(w, err)
		return
	}
	httpjson.Write(w, http.StatusAccepted, report)
}

func (h *DownloadsHandler) retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.batch.Retry(r.Context(), id); err != nil {
		writeAppError(w, err)
		return
	}
	httpjson.Write(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
}

func (h *DownloadsHandler) failures(w http.ResponseWriter, r *http.Request) {
	httpjson.Write(w, http.StatusOK, h.batch.Failures())
}
