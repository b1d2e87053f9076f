package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/app"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/buildinfo"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/httpjson"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/ports"
	"github.com/rs/zerolog/hlog"
)

const defaultRequestTimeout = 30 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpjson.Write(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	httpjson.Write(w, http.StatusOK, buildinfo.Current())
}

func accessLogFn(r *http.Request, status, size int, duration time.Duration) {
	logger := hlog.FromRequest(r)
	logger.Info().
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg("http")
}

// statusFor traduit la taxonomie d'erreurs applicative en code HTTP.
func statusFor(err error) int {
	if errors.Is(err, ports.ErrNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch app.CodeOf(err) {
	case app.CodeConfigInvalid:
		return http.StatusBadRequest
	case app.CodeExternalItem, app.CodeNoSource, app.CodeQualityMismatch, app.CodeSuspiciousLink:
		return http.StatusUnprocessableEntity
	case app.CodeNetwork, app.CodeAuth, app.CodeBackendDispatch:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeAppError(w http.ResponseWriter, err error) {
	httpjson.WriteCodedError(w, statusFor(err), app.CodeOf(err), err.Error())
}
