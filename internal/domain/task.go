package domain

import "errors"

// ResolveStep est l'étape courante de la machine d'état de résolution d'un item.
type ResolveStep string

const (
	StepInit           ResolveStep = "init"
	StepAuthenticating ResolveStep = "authenticating"
	StepFetching       ResolveStep = "fetching"
	StepResolved       ResolveStep = "resolved"
	StepPartialCache   ResolveStep = "partial_from_cache"
	StepExternal       ResolveStep = "external"
	StepFailed         ResolveStep = "failed"
)

func (s ResolveStep) IsTerminal() bool {
	return s == StepResolved || s == StepPartialCache || s == StepExternal || s == StepFailed
}

var ErrInvalidTransition = errors.New("invalid resolve step transition")

func CanTransition(from, to ResolveStep) bool {
	if from == to {
		return true
	}
	switch from {
	case StepInit:
		// Un descripteur en cache peut court-circuiter l'authentification.
		return to == StepAuthenticating || to == StepResolved || to == StepFailed
	case StepAuthenticating:
		return to == StepFetching || to == StepFailed
	case StepFetching:
		return to == StepResolved || to == StepPartialCache || to == StepExternal || to == StepFailed
	case StepResolved, StepPartialCache, StepExternal, StepFailed:
		return false
	default:
		return false
	}
}

// BackendKind identifie le transport de téléchargement.
type BackendKind string

const (
	BackendAria2           BackendKind = "aria2"
	BackendIwaraDownloader BackendKind = "iwara-downloader"
	BackendBrowser         BackendKind = "browser"
	BackendOthers          BackendKind = "others"
)

func (k BackendKind) Valid() bool {
	switch k {
	case BackendAria2, BackendIwaraDownloader, BackendBrowser, BackendOthers:
		return true
	}
	return false
}

// DownloadTask est éphémère: créé par le batch, consommé par le dispatcher, jamais persisté.
type DownloadTask struct {
	Descriptor VideoDescriptor
	Backend    BackendKind
}
