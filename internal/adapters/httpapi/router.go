package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/app"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/ports"
)

// Deps regroupe les services exposés par l'API. Chaque champ est optionnel:
// les routes correspondantes ne sont montées que s'il est renseigné.
type Deps struct {
	Selection SelectionStore
	Batch     BatchRunner
	Resolver  app.VideoResolver
	Cache     ports.VideoCache
	Settings  *app.SettingsService
	Bus       ports.EventBus
}

type Server struct {
	logger zerolog.Logger
	deps   Deps
}

func NewServer(logger zerolog.Logger, deps Deps) *Server {
	return &Server{logger: logger, deps: deps}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(s.logger))
	r.Use(hlog.RequestIDHandler("request_id", "Request-Id"))
	r.Use(hlog.RemoteAddrHandler("remote_ip"))
	r.Use(hlog.UserAgentHandler("user_agent"))
	r.Use(hlog.AccessHandler(accessLogFn))

	r.Route("/api/v1", func(r chi.Router) {
		// Flux longs: pas de timeout de requête.
		r.Get("/events", s.handleEvents)
		r.Get("/ws", s.handleWS)
		// Un batch dure autant que ses items; chaque item a son propre timeout.
		if s.deps.Batch != nil {
			NewDownloadsHandler(s.deps.Batch).Routes(r)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultRequestTimeout))

			r.Get("/health", s.handleHealth)
			r.Get("/version", s.handleVersion)
			r.Get("/openapi.json", s.handleOpenAPI)

			if s.deps.Selection != nil {
				NewSelectionHandler(s.deps.Selection).Routes(r)
			}
			if s.deps.Resolver != nil || s.deps.Cache != nil {
				NewVideosHandler(s.deps.Resolver, s.deps.Cache).Routes(r)
			}
			if s.deps.Settings != nil {
				NewSettingsHandler(s.deps.Settings).Routes(r)
			}
		})
	})

	return r
}
