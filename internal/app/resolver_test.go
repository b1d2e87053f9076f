package app

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/iwara"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu         sync.Mutex
	videos     map[string]iwara.Video
	videoErrs  []error
	comments   map[string][]iwara.CommentPage
	sources    []domain.Source
	refreshErr error
	refreshes  int
	videoCalls int
}

func (f *fakeAPI) RefreshAccessToken(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.refreshErr
}

func (f *fakeAPI) Video(ctx context.Context, id string) (iwara.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videoCalls++
	if len(f.videoErrs) > 0 {
		err := f.videoErrs[0]
		f.videoErrs = f.videoErrs[1:]
		if err != nil {
			return iwara.Video{}, err
		}
	}
	v, ok := f.videos[id]
	if !ok {
		return iwara.Video{}, iwara.ErrNotFound
	}
	return v, nil
}

func (f *fakeAPI) Comments(ctx context.Context, videoID, parent string, page int) (iwara.CommentPage, error) {
	pages := f.comments[parent]
	if page >= len(pages) {
		return iwara.CommentPage{}, nil
	}
	return pages[page], nil
}

func (f *fakeAPI) Sources(ctx context.Context, fileURL string) ([]domain.Source, error) {
	return f.sources, nil
}

type fakeMirror struct {
	url string
	err error
}

func (m fakeMirror) Search(ctx context.Context, base, title, author string) (string, error) {
	return m.url, m.err
}

func settingsFn(s domain.Settings) func(context.Context) (domain.Settings, error) {
	return func(context.Context) (domain.Settings, error) { return s, nil }
}

func sampleVideo(id string) iwara.Video {
	return iwara.Video{
		ID:        id,
		Title:     "Title " + id,
		Body:      "description",
		FileURL:   "https://files.example/file/" + id + "?expires=9999999999",
		User:      iwara.User{ID: "u1", Name: "Alice", Username: "alice"},
		Tags:      []iwara.Tag{{ID: "mmd"}},
		CreatedAt: time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
	}
}

func newTestResolver(api *fakeAPI, cache *memCache, mirror MirrorLookup, s domain.Settings) *Resolver {
	return NewResolver(zerolog.Nop(), api, cache, mirror, settingsFn(s)).WithRand(rand.New(rand.NewSource(1)))
}

func TestResolver_ResolvesAndCaches(t *testing.T) {
	api := &fakeAPI{
		videos: map[string]iwara.Video{"v1": sampleVideo("v1")},
		comments: map[string][]iwara.CommentPage{
			"": {
				{Count: 3, Limit: 2, Results: []iwara.Comment{{ID: "c1", Body: "first", NumReplies: 1}, {ID: "c2", Body: "second"}}},
				{Count: 3, Limit: 2, Page: 1, Results: []iwara.Comment{{ID: "c3", Body: "third"}}},
			},
			"c1": {{Count: 1, Limit: 2, Results: []iwara.Comment{{ID: "r1", Body: "reply"}}}},
		},
		sources: []domain.Source{{Name: "360", DownloadURL: "https://cdn/360"}, {Name: "Source", DownloadURL: "https://cdn/src"}},
	}
	cache := newMemCache()
	r := newTestResolver(api, cache, nil, domain.DefaultSettings())

	desc, err := r.Resolve(context.Background(), "v1", ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.VideoResolved, desc.State)
	assert.Equal(t, domain.StepResolved, desc.Step)
	assert.Equal(t, "Source", desc.DownloadQuality)
	assert.Equal(t, "https://cdn/src", desc.DownloadURL)
	assert.Equal(t, "Alice", desc.Author)
	assert.Equal(t, "alice", desc.AuthorID)
	assert.Equal(t, []string{"mmd"}, desc.Tags)
	assert.Equal(t, "first\nsecond\nthird\nreply", desc.Comments)

	cached, err := cache.Get(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, desc.DownloadURL, cached.DownloadURL)
}

func TestResolver_UsesFreshCacheUnlessForced(t *testing.T) {
	api := &fakeAPI{videos: map[string]iwara.Video{"v1": sampleVideo("v1")}, sources: []domain.Source{{Name: "Source", DownloadURL: "https://cdn/new"}}}
	cache := newMemCache()
	_ = cache.Put(context.Background(), domain.VideoDescriptor{ID: "v1", State: domain.VideoResolved, Step: domain.StepResolved, DownloadURL: "https://cdn/old?expires=9999999999"})
	r := newTestResolver(api, cache, nil, domain.DefaultSettings())

	desc, err := r.Resolve(context.Background(), "v1", ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/old?expires=9999999999", desc.DownloadURL)
	assert.Equal(t, 0, api.videoCalls)

	desc, err = r.Resolve(context.Background(), "v1", ResolveOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/new", desc.DownloadURL)
	assert.Equal(t, 1, api.videoCalls)
}

func TestResolver_ExpiredCacheIsRefetched(t *testing.T) {
	api := &fakeAPI{videos: map[string]iwara.Video{"v1": sampleVideo("v1")}, sources: []domain.Source{{Name: "Source", DownloadURL: "https://cdn/new"}}}
	cache := newMemCache()
	_ = cache.Put(context.Background(), domain.VideoDescriptor{ID: "v1", State: domain.VideoResolved, DownloadURL: "https://cdn/old?expires=1"})
	r := newTestResolver(api, cache, nil, domain.DefaultSettings())

	desc, err := r.Resolve(context.Background(), "v1", ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/new", desc.DownloadURL)
}

func TestResolver_NotFoundWithCacheYieldsMirrorAction(t *testing.T) {
	api := &fakeAPI{videos: map[string]iwara.Video{}}
	cache := newMemCache()
	_ = cache.Put(context.Background(), domain.VideoDescriptor{ID: "X", Title: "Lost", Author: "Bob", State: domain.VideoResolved})
	r := newTestResolver(api, cache, fakeMirror{url: "https://mirror.example/video/42"}, domain.DefaultSettings())

	desc, err := r.Resolve(context.Background(), "X", ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.VideoFailed, desc.State)
	assert.Equal(t, domain.StepPartialCache, desc.Step)
	assert.Equal(t, "https://mirror.example/video/42", desc.MirrorURL)
	assert.Equal(t, "Lost", desc.Title)
}

func TestResolver_NotFoundMirrorSearchFailureFallsBackToSearchURL(t *testing.T) {
	api := &fakeAPI{videos: map[string]iwara.Video{}}
	cache := newMemCache()
	_ = cache.Put(context.Background(), domain.VideoDescriptor{ID: "X", Title: "Lost", Author: "Bob"})
	s := domain.DefaultSettings()
	s.MirrorSearchURL = "https://mirror.example/?q="
	r := newTestResolver(api, cache, fakeMirror{err: errors.New("down")}, s)

	desc, err := r.Resolve(context.Background(), "X", ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "https://mirror.example/?q=Lost+Bob", desc.MirrorURL)
}

func TestResolver_NotFoundWithoutCacheIsNotFoundError(t *testing.T) {
	api := &fakeAPI{videos: map[string]iwara.Video{}}
	r := newTestResolver(api, newMemCache(), nil, domain.DefaultSettings())

	desc, err := r.Resolve(context.Background(), "X", ResolveOptions{})
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, CodeOf(err))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, domain.VideoFailed, desc.State)
}

func TestResolver_ExternalEmbedStops(t *testing.T) {
	v := sampleVideo("e1")
	v.EmbedURL = "https://www.youtube.com/watch?v=abc"
	api := &fakeAPI{videos: map[string]iwara.Video{"e1": v}}
	r := newTestResolver(api, newMemCache(), nil, domain.DefaultSettings())

	desc, err := r.Resolve(context.Background(), "e1", ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.VideoExternal, desc.State)
	assert.Equal(t, v.EmbedURL, desc.ExternalURL)
	assert.Empty(t, desc.DownloadURL)
}

func TestResolver_UnauthorizedRetriesOnce(t *testing.T) {
	api := &fakeAPI{
		videos:    map[string]iwara.Video{"v1": sampleVideo("v1")},
		videoErrs: []error{iwara.ErrUnauthorized},
		sources:   []domain.Source{{Name: "Source", DownloadURL: "https://cdn/src"}},
	}
	r := newTestResolver(api, newMemCache(), nil, domain.DefaultSettings())
	_, err := r.Resolve(context.Background(), "v1", ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, api.refreshes)
	assert.Equal(t, 2, api.videoCalls)

	api.videoErrs = []error{iwara.ErrUnauthorized, iwara.ErrUnauthorized}
	_, err = r.Resolve(context.Background(), "v1", ResolveOptions{Force: true})
	assert.Equal(t, CodeAuth, CodeOf(err))
}

func TestResolver_AuthFailureIsIsolated(t *testing.T) {
	api := &fakeAPI{refreshErr: errors.New("boom")}
	r := newTestResolver(api, newMemCache(), nil, domain.DefaultSettings())
	desc, err := r.Resolve(context.Background(), "v1", ResolveOptions{Hint: domain.SelectionEntry{Title: "hint"}})
	assert.Equal(t, CodeAuth, CodeOf(err))
	assert.Equal(t, "hint", desc.Title)
	assert.Equal(t, domain.StepFailed, desc.Step)
}

func TestResolver_NetworkErrorIsCoded(t *testing.T) {
	api := &fakeAPI{videoErrs: []error{errors.New("connection reset")}}
	r := newTestResolver(api, newMemCache(), nil, domain.DefaultSettings())
	_, err := r.Resolve(context.Background(), "v1", ResolveOptions{})
	assert.Equal(t, CodeNetwork, CodeOf(err))
	assert.True(t, IsRetryable(err))
}

func TestPickSource_Priority(t *testing.T) {
	r := newTestResolver(&fakeAPI{}, newMemCache(), nil, domain.Settings{})
	s := domain.Settings{CheckPriority: true, DownloadPriority: "Source", Priority: map[string]int{"Source": 100, "360": 1}}

	got, err := r.pickSource([]domain.Source{{Name: "360", DownloadURL: "a"}, {Name: "Source", DownloadURL: "b"}}, s)
	require.NoError(t, err)
	assert.Equal(t, "Source", got.Name)
}

func TestPickSource_TargetOverridesHigherPriority(t *testing.T) {
	r := newTestResolver(&fakeAPI{}, newMemCache(), nil, domain.Settings{})
	s := domain.Settings{CheckPriority: true, DownloadPriority: "540", Priority: map[string]int{"Source": 100, "540": 2}}
	got, err := r.pickSource([]domain.Source{{Name: "Source", DownloadURL: "a"}, {Name: "540", DownloadURL: "b"}}, s)
	require.NoError(t, err)
	assert.Equal(t, "540", got.Name)

	s.CheckPriority = false
	got, err = r.pickSource([]domain.Source{{Name: "Source", DownloadURL: "a"}, {Name: "540", DownloadURL: "b"}}, s)
	require.NoError(t, err)
	assert.Equal(t, "Source", got.Name)
}

func TestPickSource_UnknownNamesDefaultToZero(t *testing.T) {
	r := newTestResolver(&fakeAPI{}, newMemCache(), nil, domain.Settings{})
	s := domain.Settings{Priority: map[string]int{"360": 1}}
	got, err := r.pickSource([]domain.Source{{Name: "weird", DownloadURL: "a"}, {Name: "360", DownloadURL: "b"}}, s)
	require.NoError(t, err)
	assert.Equal(t, "360", got.Name)
}

func TestPickSource_RandomAmongSameName(t *testing.T) {
	r := newTestResolver(&fakeAPI{}, newMemCache(), nil, domain.Settings{})
	s := domain.Settings{Priority: map[string]int{"Source": 1}}
	srcs := []domain.Source{{Name: "Source", DownloadURL: "m1"}, {Name: "Source", DownloadURL: "m2"}, {Name: "Source", DownloadURL: "m3"}}

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		got, err := r.pickSource(srcs, s)
		require.NoError(t, err)
		seen[got.DownloadURL] = true
	}
	assert.Len(t, seen, 3)
}

func TestPickSource_Errors(t *testing.T) {
	r := newTestResolver(&fakeAPI{}, newMemCache(), nil, domain.Settings{})
	_, err := r.pickSource(nil, domain.Settings{})
	assert.Equal(t, CodeNoSource, CodeOf(err))

	_, err = r.pickSource([]domain.Source{{Name: "Source"}}, domain.Settings{})
	assert.Equal(t, CodeNoSource, CodeOf(err))
	assert.True(t, strings.Contains(err.Error(), "Source"))
}
