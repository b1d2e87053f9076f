package app

import (
	"context"
	"errors"
	"math/rand"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/iwara"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/ports"
	"github.com/rs/zerolog"
)

// VideoAPI est le sous-ensemble du client réseau utilisé par le resolver.
type VideoAPI interface {
	RefreshAccessToken(ctx context.Context) error
	Video(ctx context.Context, id string) (iwara.Video, error)
	Comments(ctx context.Context, videoID, parent string, page int) (iwara.CommentPage, error)
	Sources(ctx context.Context, fileURL string) ([]domain.Source, error)
}

type MirrorLookup interface {
	Search(ctx context.Context, searchBase, title, author string) (string, error)
}

type ResolveOptions struct {
	Hint domain.SelectionEntry
	// Force ignore le cache (chemin de relance).
	Force bool
}

// Resolver transforme un ID opaque en descripteur prêt au téléchargement.
// Chaque item est isolé: un échec n'affecte pas la résolution des autres.
type Resolver struct {
	logger   zerolog.Logger
	api      VideoAPI
	cache    ports.VideoCache
	mirror   MirrorLookup
	settings func(ctx context.Context) (domain.Settings, error)

	Now func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

func NewResolver(logger zerolog.Logger, api VideoAPI, cache ports.VideoCache, mirror MirrorLookup, settings func(ctx context.Context) (domain.Settings, error)) *Resolver {
	return &Resolver{
		logger:   logger,
		api:      api,
		cache:    cache,
		mirror:   mirror,
		settings: settings,
		Now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithRand fixe la source aléatoire (départage des miroirs de même qualité).
func (r *Resolver) WithRand(rng *rand.Rand) *Resolver {
	r.rng = rng
	return r
}

func (r *Resolver) Resolve(ctx context.Context, id string, opts ResolveOptions) (domain.VideoDescriptor, error) {
	id = strings.TrimSpace(id)
	desc := domain.VideoDescriptor{
		ID:     id,
		Title:  opts.Hint.Title,
		Alias:  opts.Hint.Alias,
		Author: opts.Hint.Author,
		State:  domain.VideoUnresolved,
		Step:   domain.StepInit,
	}
	if opts.Hint.UploadTime > 0 {
		desc.UploadTime = time.UnixMilli(opts.Hint.UploadTime).UTC()
	}
	if id == "" {
		return r.fail(desc, newCoded(CodeNotFound, "empty video id", ports.ErrNotFound))
	}

	settings, err := r.settings(ctx)
	if err != nil {
		return r.fail(desc, err)
	}

	if !opts.Force && r.cache != nil {
		if cached, err := r.cache.Get(ctx, id); err == nil && cached.State == domain.VideoResolved && !cached.Expired(r.Now()) {
			r.step(&cached, domain.StepResolved)
			return cached, nil
		}
	}

	r.step(&desc, domain.StepAuthenticating)
	if err := r.api.RefreshAccessToken(ctx); err != nil {
		return r.fail(desc, AuthError("token refresh failed", err))
	}

	r.step(&desc, domain.StepFetching)
	video, err := r.fetchVideo(ctx, id)
	if err != nil {
		if errors.Is(err, iwara.ErrNotFound) {
			return r.recoverFromCache(ctx, desc, settings)
		}
		return r.fail(desc, err)
	}

	desc.Title = video.Title
	desc.Author = video.User.Name
	desc.AuthorID = video.User.Username
	if desc.Alias == "" {
		desc.Alias = video.User.Username
	}
	desc.UploadTime = video.CreatedAt.UTC()
	desc.Description = video.Body
	desc.Private = video.Private
	desc.Tags = desc.Tags[:0]
	for _, t := range video.Tags {
		desc.Tags = append(desc.Tags, t.ID)
	}

	if strings.TrimSpace(video.EmbedURL) != "" {
		desc.State = domain.VideoExternal
		desc.ExternalURL = video.EmbedURL
		desc.UpdatedAt = r.Now().UTC()
		r.step(&desc, domain.StepExternal)
		r.store(ctx, desc)
		return desc, nil
	}

	comments, err := r.collectComments(ctx, id)
	if err != nil {
		return r.fail(desc, NetworkError("fetch comments failed", err))
	}
	desc.Comments = comments

	if strings.TrimSpace(video.FileURL) == "" {
		return r.fail(desc, NoSourceError("video has no file"))
	}
	sources, err := r.api.Sources(ctx, video.FileURL)
	if err != nil {
		return r.fail(desc, NetworkError("fetch sources failed", err))
	}
	src, err := r.pickSource(sources, settings)
	if err != nil {
		return r.fail(desc, err)
	}

	desc.DownloadQuality = src.Name
	desc.DownloadURL = src.DownloadURL
	desc.State = domain.VideoResolved
	desc.UpdatedAt = r.Now().UTC()
	r.step(&desc, domain.StepResolved)
	r.store(ctx, desc)
	return desc, nil
}

// fetchVideo relance une seule fois après un refresh silencieux du token.
func (r *Resolver) fetchVideo(ctx context.Context, id string) (iwara.Video, error) {
	video, err := r.api.Video(ctx, id)
	if err == nil {
		return video, nil
	}
	if errors.Is(err, iwara.ErrUnauthorized) {
		if rerr := r.api.RefreshAccessToken(ctx); rerr != nil {
			return iwara.Video{}, AuthError("token refresh failed", rerr)
		}
		video, err = r.api.Video(ctx, id)
		if err == nil {
			return video, nil
		}
		if errors.Is(err, iwara.ErrUnauthorized) {
			return iwara.Video{}, AuthError("unauthorized", err)
		}
	}
	if errors.Is(err, iwara.ErrNotFound) {
		return iwara.Video{}, err
	}
	return iwara.Video{}, NetworkError("fetch video failed", err)
}

// recoverFromCache: une vidéo introuvable mais connue du cache est exposée comme
// un échec récupérable avec une action "ouvrir le miroir".
func (r *Resolver) recoverFromCache(ctx context.Context, desc domain.VideoDescriptor, settings domain.Settings) (domain.VideoDescriptor, error) {
	if r.cache == nil {
		return r.fail(desc, NotFoundError(desc.ID))
	}
	cached, err := r.cache.Get(ctx, desc.ID)
	if err != nil {
		return r.fail(desc, NotFoundError(desc.ID))
	}

	base := strings.TrimSpace(settings.MirrorSearchURL)
	if base == "" {
		base = domain.DefaultSettings().MirrorSearchURL
	}
	mirrorURL := ""
	if r.mirror != nil {
		if u, err := r.mirror.Search(ctx, base, cached.Title, cached.Author); err == nil {
			mirrorURL = u
		} else {
			r.logger.Debug().Err(err).Str("video_id", desc.ID).Msg("mirror search failed")
		}
	}
	if mirrorURL == "" {
		mirrorURL = base + url.QueryEscape(strings.TrimSpace(cached.Title+" "+cached.Author))
	}

	out := cached
	out.Step = desc.Step
	out.State = domain.VideoFailed
	out.MirrorURL = mirrorURL
	out.DownloadURL = ""
	r.step(&out, domain.StepPartialCache)
	return out, nil
}

// collectComments parcourt les commentaires en largeur (fils de réponses inclus).
func (r *Resolver) collectComments(ctx context.Context, id string) (string, error) {
	var bodies []string
	queue := []string{""}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for page := 0; ; page++ {
			res, err := r.api.Comments(ctx, id, parent, page)
			if err != nil {
				return "", err
			}
			for _, c := range res.Results {
				bodies = append(bodies, c.Body)
				if c.NumReplies > 0 && c.ID != "" {
					queue = append(queue, c.ID)
				}
			}
			limit := res.Limit
			if limit <= 0 {
				limit = len(res.Results)
			}
			if len(res.Results) == 0 || limit == 0 || (page+1)*limit >= res.Count {
				break
			}
		}
	}
	return strings.Join(bodies, "\n"), nil
}

// pickSource trie par priorité décroissante, cible la qualité configurée si la
// vérification est active, et tire au hasard parmi les miroirs de même nom.
func (r *Resolver) pickSource(sources []domain.Source, settings domain.Settings) (domain.Source, error) {
	if len(sources) == 0 {
		return domain.Source{}, NoSourceError("empty source list")
	}
	sorted := append([]domain.Source(nil), sources...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return settings.Priority[sorted[i].Name] > settings.Priority[sorted[j].Name]
	})

	target := sorted[0].Name
	if settings.CheckPriority {
		for _, s := range sorted {
			if s.Name == settings.DownloadPriority {
				target = s.Name
				break
			}
		}
	}

	candidates := make([]domain.Source, 0, len(sorted))
	for _, s := range sorted {
		if s.Name == target {
			candidates = append(candidates, s)
		}
	}

	r.mu.Lock()
	chosen := candidates[r.rng.Intn(len(candidates))]
	r.mu.Unlock()

	if strings.TrimSpace(chosen.DownloadURL) == "" {
		return domain.Source{}, NoSourceError("source " + chosen.Name + " has no url")
	}
	return chosen, nil
}

func (r *Resolver) fail(desc domain.VideoDescriptor, err error) (domain.VideoDescriptor, error) {
	desc.State = domain.VideoFailed
	r.step(&desc, domain.StepFailed)
	r.logger.Warn().Err(err).Str("video_id", desc.ID).Str("code", CodeOf(err)).Msg("resolve failed")
	return desc, err
}

func (r *Resolver) store(ctx context.Context, desc domain.VideoDescriptor) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Put(ctx, desc); err != nil {
		r.logger.Warn().Err(err).Str("video_id", desc.ID).Msg("cache write failed")
	}
}

func (r *Resolver) step(desc *domain.VideoDescriptor, to domain.ResolveStep) {
	if !domain.CanTransition(desc.Step, to) {
		r.logger.Debug().Str("from", string(desc.Step)).Str("to", string(to)).Msg(domain.ErrInvalidTransition.Error())
	}
	desc.Step = to
}
