package app

import (
	"context"
	"strings"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
	"github.com/rs/zerolog"
)

// Dispatcher applique les contrôles pré-dispatch puis confie la tâche au backend configuré.
type Dispatcher struct {
	logger   zerolog.Logger
	registry BackendRegistry
	settings func(ctx context.Context) (domain.Settings, error)

	Now func() time.Time
}

func NewDispatcher(logger zerolog.Logger, registry BackendRegistry, settings func(ctx context.Context) (domain.Settings, error)) *Dispatcher {
	return &Dispatcher{logger: logger, registry: registry, settings: settings, Now: time.Now}
}

// Check valide le backend configuré (et le sonde s'il sait le faire).
// Une erreur ici bloque tout le lot.
func (d *Dispatcher) Check(ctx context.Context) error {
	s, err := d.settings(ctx)
	if err != nil {
		return err
	}
	b, err := d.backend(s)
	if err != nil {
		return err
	}
	if err := b.Validate(s); err != nil {
		return err
	}
	if p, ok := b.(Prober); ok {
		if err := p.Probe(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) Dispatch(ctx context.Context, desc domain.VideoDescriptor) error {
	s, err := d.settings(ctx)
	if err != nil {
		return err
	}
	if err := precheck(desc, s); err != nil {
		return err
	}

	b, err := d.backend(s)
	if err != nil {
		return err
	}
	if err := b.Validate(s); err != nil {
		return err
	}

	rendered, err := RenderPath(s.DownloadPath, TemplateDataFor(desc, d.Now(), s.PathVariables))
	if err != nil {
		return ConfigValidationError("download path: " + err.Error())
	}
	dir, name := SplitPath(rendered)

	task := domain.DownloadTask{Descriptor: desc, Backend: s.DownloadType}
	log := d.logger.With().Str("video_id", desc.ID).Str("backend", string(task.Backend)).Logger()
	if err := b.Dispatch(ctx, DispatchRequest{Task: task, Settings: s, Path: rendered, Dir: dir, Name: name}); err != nil {
		log.Warn().Err(err).Msg("dispatch failed")
		return err
	}
	log.Info().Str("path", rendered).Msg("dispatched")
	return nil
}

// precheck: contrôles court-circuitant le dispatch avec un avertissement relançable.
func precheck(desc domain.VideoDescriptor, s domain.Settings) error {
	switch desc.State {
	case domain.VideoExternal:
		return ExternalItemError(desc.ExternalURL)
	case domain.VideoResolved:
	default:
		return NoSourceError("video " + desc.ID + " is not resolved")
	}
	if strings.TrimSpace(desc.DownloadURL) == "" {
		return NoSourceError("video " + desc.ID + " has no download url")
	}
	if s.CheckSuspiciousLinks {
		if hits := ScanSuspiciousLinks(desc.Description + "\n" + desc.Comments); len(hits) > 0 {
			return SuspiciousLinkError(hits)
		}
	}
	if s.CheckPriority && s.DownloadPriority != "" && desc.DownloadQuality != s.DownloadPriority {
		return QualityMismatchError(desc.DownloadQuality, s.DownloadPriority)
	}
	return nil
}

func (d *Dispatcher) backend(s domain.Settings) (Backend, error) {
	if !s.DownloadType.Valid() {
		return nil, ConfigValidationError("unknown download type " + string(s.DownloadType))
	}
	b := d.registry.Get(s.DownloadType)
	if b == nil {
		return nil, BackendDispatchError(DispatchUnsupportedMode, "no backend for "+string(s.DownloadType), nil)
	}
	return b, nil
}
