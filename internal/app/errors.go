package app

import (
	"errors"
	"strings"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/ports"
)

var ErrNotFound = ports.ErrNotFound

// Codes stables de la taxonomie d'erreurs par item.
const (
	CodeNetwork         = "network_error"
	CodeAuth            = "auth_error"
	CodeNotFound        = "not_found"
	CodeExternalItem    = "external_item"
	CodeNoSource        = "no_source"
	CodeQualityMismatch = "quality_mismatch"
	CodeSuspiciousLink  = "suspicious_link"
	CodeConfigInvalid   = "config_invalid"
	CodeBackendDispatch = "backend_dispatch"
)

// Sous-types de BackendDispatchError.
const (
	DispatchPermissionDenied = "permission_denied"
	DispatchUnsupportedMode  = "unsupported_mode"
	DispatchTimeout          = "timeout"
	DispatchRejected         = "rejected"
)

// CodedError porte un code d'erreur stable, remonté tel quel dans les notifications.
//
// Exemples de codes: network_error, not_found, no_source, backend_dispatch.
type CodedError struct {
	Code    string
	Kind    string
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *CodedError) Unwrap() error { return e.Err }

func newCoded(code, msg string, err error) *CodedError {
	return &CodedError{Code: code, Message: msg, Err: err}
}

func NetworkError(msg string, err error) error { return newCoded(CodeNetwork, msg, err) }
func AuthError(msg string, err error) error    { return newCoded(CodeAuth, msg, err) }
func NoSourceError(msg string) error           { return newCoded(CodeNoSource, msg, nil) }

func NotFoundError(id string) error {
	return newCoded(CodeNotFound, "video "+id+" not found", ports.ErrNotFound)
}

func ExternalItemError(url string) error {
	return newCoded(CodeExternalItem, "external item: "+url, nil)
}

func QualityMismatchError(got, want string) error {
	return newCoded(CodeQualityMismatch, "quality "+got+" does not match "+want, nil)
}

func SuspiciousLinkError(hits []string) error {
	return newCoded(CodeSuspiciousLink, "suspicious links: "+strings.Join(hits, ", "), nil)
}

func ConfigValidationError(msg string) error { return newCoded(CodeConfigInvalid, msg, nil) }

func BackendDispatchError(kind, msg string, err error) error {
	return &CodedError{Code: CodeBackendDispatch, Kind: kind, Message: msg, Err: err}
}

// KindOf renvoie le sous-type d'une BackendDispatchError.
func KindOf(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Kind
	}
	return ""
}

// CodeOf renvoie le code d'une CodedError de la chaîne, ou "" sinon.
func CodeOf(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// IsRetryable indique si une relance manuelle a un sens pour cette erreur.
// Une erreur de configuration doit être corrigée avant toute relance.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeConfigInvalid, CodeExternalItem:
		return false
	}
	return err != nil
}
