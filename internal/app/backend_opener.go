package app

import (
	"context"
	"net/url"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
)

// Opener ouvre une URL côté UI (nouvel onglet).
type Opener interface {
	Open(ctx context.Context, videoID, rawURL string) error
}

// NotifyOpener délègue l'ouverture à l'UI via une notification open_page.
type NotifyOpener struct {
	Notifier *Notifier
}

func (o NotifyOpener) Open(ctx context.Context, videoID, rawURL string) error {
	o.Notifier.OpenPage(videoID, rawURL, "open download page")
	return nil
}

// OthersBackend: repli qui ouvre l'URL résolue avec un paramètre download=<nom>.
type OthersBackend struct {
	Opener Opener
}

func (b OthersBackend) Validate(domain.Settings) error {
	if b.Opener == nil {
		return BackendDispatchError(DispatchUnsupportedMode, "no opener configured", nil)
	}
	return nil
}

func (b OthersBackend) Dispatch(ctx context.Context, req DispatchRequest) error {
	if b.Opener == nil {
		return BackendDispatchError(DispatchUnsupportedMode, "no opener configured", nil)
	}
	desc := req.Task.Descriptor
	u, err := url.Parse(desc.DownloadURL)
	if err != nil {
		return NoSourceError("invalid download url")
	}
	q := u.Query()
	q.Set("download", req.Name)
	u.RawQuery = q.Encode()
	return b.Opener.Open(ctx, desc.ID, u.String())
}
