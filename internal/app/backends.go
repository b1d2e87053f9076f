package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
)

// DispatchRequest est ce qu'un backend reçoit: la tâche, les settings du moment
// et le chemin de sortie déjà rendu.
type DispatchRequest struct {
	Task     domain.DownloadTask
	Settings domain.Settings
	Path     string
	Dir      string
	Name     string
}

type Backend interface {
	// Validate vérifie la configuration sans appel réseau.
	Validate(settings domain.Settings) error
	Dispatch(ctx context.Context, req DispatchRequest) error
}

// Prober est implémenté par les backends capables de tester leur joignabilité.
type Prober interface {
	Probe(ctx context.Context, settings domain.Settings) error
}

type BackendRegistry struct {
	byKind   map[domain.BackendKind]Backend
	fallback Backend
}

func NewBackendRegistry(fallback Backend) BackendRegistry {
	return BackendRegistry{byKind: map[domain.BackendKind]Backend{}, fallback: fallback}
}

func (r BackendRegistry) With(kind domain.BackendKind, b Backend) BackendRegistry {
	next := BackendRegistry{byKind: make(map[domain.BackendKind]Backend, len(r.byKind)+1), fallback: r.fallback}
	for k, v := range r.byKind {
		next.byKind[k] = v
	}
	next.byKind[kind] = b
	return next
}

func (r BackendRegistry) Get(kind domain.BackendKind) Backend {
	if r.byKind != nil {
		if b, ok := r.byKind[kind]; ok {
			return b
		}
	}
	return r.fallback
}

// DefaultBackendRegistry câble les quatre transports; "others" sert de repli.
func DefaultBackendRegistry(client *http.Client, host HostDownloader, opener Opener) BackendRegistry {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	others := OthersBackend{Opener: opener}
	return NewBackendRegistry(others).
		With(domain.BackendAria2, Aria2Backend{Client: client}).
		With(domain.BackendIwaraDownloader, RemoteAgentBackend{Client: client}).
		With(domain.BackendBrowser, BrowserBackend{Host: host}).
		With(domain.BackendOthers, others)
}

func validateEndpoint(name string, ep domain.Endpoint) error {
	raw := strings.TrimSpace(ep.Path)
	if raw == "" {
		return ConfigValidationError(name + " endpoint is empty")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ConfigValidationError(name + " endpoint is not a valid url")
	}
	switch u.Scheme {
	case "http", "https":
		return nil
	}
	return ConfigValidationError(name + " endpoint scheme must be http or https")
}

// transportError classe une erreur réseau d'un backend RPC.
func transportError(backend string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return BackendDispatchError(DispatchTimeout, backend+" timed out", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return BackendDispatchError(DispatchTimeout, backend+" timed out", err)
	}
	return NetworkError(backend+" unreachable", err)
}

func statusError(backend string, status int) error {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return BackendDispatchError(DispatchPermissionDenied, backend+" denied access", nil)
	}
	return BackendDispatchError(DispatchRejected, backend+" returned "+http.StatusText(status), nil)
}
