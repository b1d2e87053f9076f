package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
)

// HostDownloadRequest reprend l'API de téléchargement de l'hôte: appel asynchrone,
// une seule des callbacks OnLoad / OnError / OnTimeout est invoquée.
type HostDownloadRequest struct {
	URL     string
	Dir     string
	Name    string
	Header  http.Header
	Timeout time.Duration

	OnLoad     func(path string, bytes int64)
	OnError    func(err error)
	OnProgress func(done, total int64)
	OnTimeout  func()
}

type HostDownloader interface {
	Download(ctx context.Context, req HostDownloadRequest)
}

var ErrPathEscapesDir = errors.New("path escapes download dir")

// HTTPHostDownloader écrit le flux HTTP dans Dir/Name (fichier .part puis rename).
type HTTPHostDownloader struct {
	Client *http.Client
}

func (d HTTPHostDownloader) Download(ctx context.Context, req HostDownloadRequest) {
	go d.run(ctx, req)
}

func (d HTTPHostDownloader) run(ctx context.Context, req HostDownloadRequest) {
	fail := func(err error) {
		if req.OnError != nil {
			req.OnError(err)
		}
	}

	target, err := safeJoin(req.Dir, req.Name)
	if err != nil {
		fail(err)
		return
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	n, err := d.fetch(ctx, req, target)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && req.OnTimeout != nil {
			req.OnTimeout()
			return
		}
		fail(err)
		return
	}
	if req.OnLoad != nil {
		req.OnLoad(target, n)
	}
}

func (d HTTPHostDownloader) fetch(ctx context.Context, req HostDownloadRequest, target string) (int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return 0, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return 0, fmt.Errorf("download http %d", res.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	part := target + ".part"
	f, err := os.Create(part)
	if err != nil {
		return 0, err
	}

	w := &progressWriter{w: f, total: res.ContentLength, fn: req.OnProgress}
	n, err := io.Copy(w, res.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(part)
		return 0, err
	}
	if err := os.Rename(part, target); err != nil {
		_ = os.Remove(part)
		return 0, err
	}
	return n, nil
}

func safeJoin(dir, name string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", ConfigValidationError("download dir is empty")
	}
	base, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	target := filepath.Join(base, filepath.FromSlash(strings.TrimLeft(name, "/\\")))
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathEscapesDir
	}
	return target, nil
}

type progressWriter struct {
	w     io.Writer
	done  int64
	total int64
	fn    func(done, total int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.done += int64(n)
	if p.fn != nil && n > 0 {
		p.fn(p.done, p.total)
	}
	return n, err
}

// BrowserBackend attend la fin du téléchargement hôte et traduit les callbacks en erreur.
type BrowserBackend struct {
	Host    HostDownloader
	Timeout time.Duration
}

func (b BrowserBackend) Validate(s domain.Settings) error {
	if b.Host == nil {
		return BackendDispatchError(DispatchUnsupportedMode, "host download api unavailable", nil)
	}
	if strings.TrimSpace(s.DownloadDir) == "" {
		return ConfigValidationError("download dir is empty")
	}
	return nil
}

func (b BrowserBackend) Dispatch(ctx context.Context, req DispatchRequest) error {
	if b.Host == nil {
		return BackendDispatchError(DispatchUnsupportedMode, "host download api unavailable", nil)
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}

	header := http.Header{}
	header.Set("Referer", iwaraReferer)
	if c := strings.TrimSpace(req.Settings.Cookies); c != "" {
		header.Set("Cookie", c)
	}

	done := make(chan error, 1)
	b.Host.Download(ctx, HostDownloadRequest{
		URL:     req.Task.Descriptor.DownloadURL,
		Dir:     req.Settings.DownloadDir,
		Name:    req.Path,
		Header:  header,
		Timeout: timeout,
		OnLoad:  func(string, int64) { done <- nil },
		OnError: func(err error) {
			if errors.Is(err, ErrPathEscapesDir) {
				done <- ConfigValidationError(err.Error())
				return
			}
			if CodeOf(err) != "" {
				done <- err
				return
			}
			done <- BackendDispatchError(DispatchRejected, "host download failed", err)
		},
		OnTimeout: func() { done <- BackendDispatchError(DispatchTimeout, "host download timed out", nil) },
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
