package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/adapters/memorybus"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBackend struct {
	mu   sync.Mutex
	reqs []DispatchRequest
	err  error
}

func (b *recordingBackend) Validate(domain.Settings) error { return nil }

func (b *recordingBackend) Dispatch(ctx context.Context, req DispatchRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reqs = append(b.reqs, req)
	return b.err
}

func (b *recordingBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reqs)
}

func resolvedVideo(id string) domain.VideoDescriptor {
	return domain.VideoDescriptor{
		ID:              id,
		Title:           "t",
		Author:          "a",
		DownloadQuality: "Source",
		DownloadURL:     "https://files.example/" + id + "?expires=9999999999",
		State:           domain.VideoResolved,
	}
}

func testDispatcher(s domain.Settings, b Backend) *Dispatcher {
	reg := NewBackendRegistry(nil).With(s.DownloadType, b)
	return NewDispatcher(zerolog.Nop(), reg, settingsFn(s))
}

func TestDispatcher_RendersPathAndCallsBackend(t *testing.T) {
	s := domain.DefaultSettings()
	s.DownloadType = domain.BackendAria2
	b := &recordingBackend{}
	d := testDispatcher(s, b)

	require.NoError(t, d.Dispatch(context.Background(), resolvedVideo("1")))
	require.Equal(t, 1, b.calls())
	req := b.reqs[0]
	assert.Equal(t, "/Iwara/a/t[1].mp4", req.Path)
	assert.Equal(t, "/Iwara/a", req.Dir)
	assert.Equal(t, "t[1].mp4", req.Name)
	assert.Equal(t, domain.BackendAria2, req.Task.Backend)
}

func TestDispatcher_SuspiciousLinkShortCircuits(t *testing.T) {
	s := domain.DefaultSettings()
	b := &recordingBackend{}
	d := testDispatcher(s, b)

	v := resolvedVideo("1")
	v.Comments = "full version: https://mega.nz/folder/abcdef"
	err := d.Dispatch(context.Background(), v)
	assert.Equal(t, CodeSuspiciousLink, CodeOf(err))
	assert.Contains(t, err.Error(), "mega.nz")
	assert.Equal(t, 0, b.calls())

	s.CheckSuspiciousLinks = false
	d = testDispatcher(s, b)
	require.NoError(t, d.Dispatch(context.Background(), v))
	assert.Equal(t, 1, b.calls())
}

func TestDispatcher_QualityMismatch(t *testing.T) {
	s := domain.DefaultSettings()
	b := &recordingBackend{}
	d := testDispatcher(s, b)

	v := resolvedVideo("1")
	v.DownloadQuality = "540"
	err := d.Dispatch(context.Background(), v)
	assert.Equal(t, CodeQualityMismatch, CodeOf(err))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 0, b.calls())
}

func TestDispatcher_ExternalAndUnresolved(t *testing.T) {
	s := domain.DefaultSettings()
	b := &recordingBackend{}
	d := testDispatcher(s, b)

	err := d.Dispatch(context.Background(), domain.VideoDescriptor{ID: "e", State: domain.VideoExternal, ExternalURL: "https://yt/x"})
	assert.Equal(t, CodeExternalItem, CodeOf(err))
	assert.False(t, IsRetryable(err))

	err = d.Dispatch(context.Background(), domain.VideoDescriptor{ID: "u"})
	assert.Equal(t, CodeNoSource, CodeOf(err))
	assert.Equal(t, 0, b.calls())
}

func TestDispatcher_ConfigValidation(t *testing.T) {
	s := domain.DefaultSettings()
	s.DownloadType = "ftp"
	d := testDispatcher(s, &recordingBackend{})
	assert.Equal(t, CodeConfigInvalid, CodeOf(d.Dispatch(context.Background(), resolvedVideo("1"))))
	assert.Equal(t, CodeConfigInvalid, CodeOf(d.Check(context.Background())))

	s = domain.DefaultSettings()
	s.DownloadType = domain.BackendAria2
	s.Aria2.Path = "not a url"
	d = NewDispatcher(zerolog.Nop(), DefaultBackendRegistry(nil, nil, nil), settingsFn(s))
	err := d.Check(context.Background())
	assert.Equal(t, CodeConfigInvalid, CodeOf(err))
	assert.False(t, IsRetryable(err))

	s = domain.DefaultSettings()
	s.DownloadPath = "%#A#%"
	s.PathVariables = map[string]string{"A": "%#A#%"}
	d = testDispatcher(s, &recordingBackend{})
	assert.Equal(t, CodeConfigInvalid, CodeOf(d.Dispatch(context.Background(), resolvedVideo("1"))))
}

func TestAria2Backend_AddURI(t *testing.T) {
	var got aria2Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"` + got.ID + `","jsonrpc":"2.0","result":"2089b05ecca3d829"}`))
	}))
	defer srv.Close()

	s := domain.DefaultSettings()
	s.DownloadType = domain.BackendAria2
	s.Aria2 = domain.Endpoint{Path: srv.URL, Token: "secret"}
	s.Proxy = "http://proxy:8080"
	s.Cookies = "sid=1"
	d := NewDispatcher(zerolog.Nop(), DefaultBackendRegistry(srv.Client(), nil, nil), settingsFn(s))

	require.NoError(t, d.Dispatch(context.Background(), resolvedVideo("1")))
	assert.Equal(t, "2.0", got.JSONRPC)
	assert.Equal(t, "aria2.addUri", got.Method)
	assert.Len(t, got.ID, 36)
	require.Len(t, got.Params, 3)
	assert.Equal(t, "token:secret", got.Params[0])
	assert.Equal(t, []any{resolvedVideo("1").DownloadURL}, got.Params[1])
	opts := got.Params[2].(map[string]any)
	assert.Equal(t, "t[1].mp4", opts["out"])
	assert.Equal(t, "/Iwara/a", opts["dir"])
	assert.Equal(t, "http://proxy:8080", opts["all-proxy"])
	assert.Equal(t, iwaraReferer, opts["referer"])
	assert.Equal(t, []any{"Cookie: sid=1"}, opts["header"])
}

func TestAria2Backend_Errors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   string
	}{
		{"unauthorized", 400, `{"error":{"code":1,"message":"Unauthorized"}}`, DispatchPermissionDenied},
		{"rpc error", 200, `{"error":{"code":1,"message":"bad uri"}}`, DispatchRejected},
		{"http 403", 403, ``, DispatchPermissionDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			s := domain.DefaultSettings()
			s.Aria2.Path = srv.URL
			err := Aria2Backend{Client: srv.Client()}.Dispatch(context.Background(), DispatchRequest{Task: domain.DownloadTask{Descriptor: resolvedVideo("1")}, Settings: s})
			assert.Equal(t, CodeBackendDispatch, CodeOf(err))
			assert.Equal(t, tc.kind, KindOf(err))
		})
	}
}

func TestAria2Backend_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	s := domain.DefaultSettings()
	s.Aria2.Path = srv.URL
	client := &http.Client{Timeout: 20 * time.Millisecond}
	err := Aria2Backend{Client: client}.Dispatch(context.Background(), DispatchRequest{Task: domain.DownloadTask{Descriptor: resolvedVideo("1")}, Settings: s})
	assert.Equal(t, DispatchTimeout, KindOf(err))
}

func TestRemoteAgentBackend_AddAndProbe(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []remoteEnvelope
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env remoteEnvelope
		_ = json.NewDecoder(r.Body).Decode(&env)
		mu.Lock()
		seen = append(seen, env)
		mu.Unlock()
		if env.Token != "tok" {
			_, _ = w.Write([]byte(`{"code":1,"msg":"bad token"}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":0,"msg":"ok"}`))
	}))
	defer srv.Close()

	s := domain.DefaultSettings()
	s.DownloadType = domain.BackendIwaraDownloader
	s.IwaraDownloader = domain.Endpoint{Path: srv.URL, Token: "tok"}
	s.Proxy = "socks5://p"
	d := NewDispatcher(zerolog.Nop(), DefaultBackendRegistry(srv.Client(), nil, nil), settingsFn(s))

	require.NoError(t, d.Check(context.Background()))
	v := resolvedVideo("1")
	v.Tags = []string{"mmd"}
	v.UploadTime = time.UnixMilli(1700000000000)
	require.NoError(t, d.Dispatch(context.Background(), v))

	mu.Lock()
	require.Len(t, seen, 2)
	assert.Equal(t, "State", seen[0].Code)
	assert.Nil(t, seen[0].Data)
	add := seen[1]
	mu.Unlock()
	assert.Equal(t, []int{1, 0, 0}, add.Ver)
	assert.Equal(t, "add", add.Code)
	require.NotNil(t, add.Data)
	assert.Equal(t, "https://www.iwara.tv/video/1", add.Data.Info.URL)
	assert.Equal(t, v.DownloadURL, add.Data.Info.Source)
	assert.Equal(t, int64(1700000000000), add.Data.Info.UploadTime)
	assert.Equal(t, []string{"mmd"}, add.Data.Info.Tags)
	assert.Equal(t, "socks5://p", add.Data.Option.Proxy)

	s.IwaraDownloader.Token = "wrong"
	err := RemoteAgentBackend{Client: srv.Client()}.Probe(context.Background(), s)
	assert.Equal(t, DispatchRejected, KindOf(err))
	assert.Contains(t, err.Error(), "bad token")
}

func TestBrowserBackend_DownloadsUnderDir(t *testing.T) {
	payload := []byte("video bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, iwaraReferer, r.Header.Get("Referer"))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	s := domain.DefaultSettings()
	s.DownloadType = domain.BackendBrowser
	s.DownloadDir = dir
	d := NewDispatcher(zerolog.Nop(), DefaultBackendRegistry(nil, HTTPHostDownloader{Client: srv.Client()}, nil), settingsFn(s))

	v := resolvedVideo("1")
	v.DownloadURL = srv.URL + "/file?expires=9999999999"
	require.NoError(t, d.Dispatch(context.Background(), v))

	data, err := os.ReadFile(filepath.Join(dir, "Iwara", "a", "t[1].mp4"))
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	_, err = os.Stat(filepath.Join(dir, "Iwara", "a", "t[1].mp4.part"))
	assert.True(t, os.IsNotExist(err))
}

func TestBrowserBackend_HTTPErrorAndTraversal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	s := domain.DefaultSettings()
	s.DownloadDir = t.TempDir()
	b := BrowserBackend{Host: HTTPHostDownloader{Client: srv.Client()}}
	task := domain.DownloadTask{Descriptor: domain.VideoDescriptor{ID: "1", DownloadURL: srv.URL}}

	err := b.Dispatch(context.Background(), DispatchRequest{Task: task, Settings: s, Path: "/x.mp4"})
	assert.Equal(t, DispatchRejected, KindOf(err))

	err = b.Dispatch(context.Background(), DispatchRequest{Task: task, Settings: s, Path: "../../escape.mp4"})
	assert.Equal(t, CodeConfigInvalid, CodeOf(err))
}

func TestBrowserBackend_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	s := domain.DefaultSettings()
	s.DownloadDir = t.TempDir()
	b := BrowserBackend{Host: HTTPHostDownloader{Client: srv.Client()}, Timeout: 30 * time.Millisecond}
	err := b.Dispatch(context.Background(), DispatchRequest{
		Task:     domain.DownloadTask{Descriptor: domain.VideoDescriptor{ID: "1", DownloadURL: srv.URL}},
		Settings: s,
		Path:     "slow.mp4",
	})
	assert.Equal(t, DispatchTimeout, KindOf(err))
}

func TestOthersBackend_PublishesOpenPage(t *testing.T) {
	bus := memorybus.New()
	defer bus.Close()
	events, cancel := bus.Subscribe(NotificationTopic)
	defer cancel()

	s := domain.DefaultSettings()
	notifier := NewNotifier(zerolog.Nop(), bus)
	d := NewDispatcher(zerolog.Nop(), DefaultBackendRegistry(nil, nil, NotifyOpener{Notifier: notifier}), settingsFn(s))
	require.NoError(t, d.Dispatch(context.Background(), resolvedVideo("1")))

	select {
	case evt := <-events:
		var n Notification
		require.NoError(t, json.Unmarshal(evt.Payload, &n))
		require.NotNil(t, n.Action)
		assert.Equal(t, ActionOpenPage, n.Action.Kind)
		u, err := url.Parse(n.Action.URL)
		require.NoError(t, err)
		assert.Equal(t, "t[1].mp4", u.Query().Get("download"))
		assert.Equal(t, "9999999999", u.Query().Get("expires"))
		assert.NotEmpty(t, n.ID)
	case <-time.After(time.Second):
		t.Fatalf("no notification published")
	}
}

func TestScanSuspiciousLinks(t *testing.T) {
	assert.Empty(t, ScanSuspiciousLinks(""))
	assert.Empty(t, ScanSuspiciousLinks("nice video"))
	assert.Equal(t, []string{"pan.baidu", "mega.nz"}, ScanSuspiciousLinks("MEGA.NZ/file/x and https://pan.baidu.com/s/1"))
}
