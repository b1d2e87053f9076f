package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/app"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/httpjson"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/ports"
	"github.com/go-chi/chi/v5"
)

type VideosHandler struct {
	resolver app.VideoResolver
	cache    ports.VideoCache
}

func NewVideosHandler(resolver app.VideoResolver, cache ports.VideoCache) *VideosHandler {
	return &VideosHandler{resolver: resolver, cache: cache}
}

func (h *VideosHandler) Routes(r chi.Router) {
	if h.resolver != nil {
		r.Get("/videos/{id}", h.resolve)
	}
	if h.cache != nil {
		r.Get("/cache", h.listCache)
		r.Get("/cache/{id}", h.getCached)
	}
}

// resolve renvoie le descripteur (cache frais, sinon API). ?force=1 ignore le cache.
// Un échec de résolution avec un descripteur partiel est renvoyé tel quel.
func (h *VideosHandler) resolve(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	desc, err := h.resolver.Resolve(r.Context(), chi.URLParam(r, "id"), app.ResolveOptions{Force: force})
	if err != nil {
		writeAppError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, desc)
}

func (h *VideosHandler) getCached(w http.ResponseWriter, r *http.Request) {
	desc, err := h.cache.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, desc)
}

// listCache: ?from=&to= en RFC3339 ou en millisecondes epoch, ?limit=.
func (h *VideosHandler) listCache(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTimeParam(q.Get("from"), time.Unix(0, 0))
	if err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, "invalid from")
		return
	}
	to, err := parseTimeParam(q.Get("to"), time.Now().Add(24*time.Hour))
	if err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, "invalid to")
		return
	}
	if !from.Before(to) {
		httpjson.WriteError(w, http.StatusBadRequest, "from must be before to")
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	videos, err := h.cache.ListByUploadTime(r.Context(), from, to, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if videos == nil {
		videos = []domain.VideoDescriptor{}
	}
	httpjson.Write(w, http.StatusOK, videos)
}

func parseTimeParam(raw string, def time.Time) (time.Time, error) {
	if raw == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, raw)
}
