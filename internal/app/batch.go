package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
	"github.com/rs/zerolog"
)

type Selection interface {
	Get(key string) (domain.SelectionEntry, bool)
	Keys() []string
	Delete(key string) bool
}

type VideoResolver interface {
	Resolve(ctx context.Context, id string, opts ResolveOptions) (domain.VideoDescriptor, error)
}

type VideoDispatcher interface {
	Check(ctx context.Context) error
	Dispatch(ctx context.Context, desc domain.VideoDescriptor) error
}

type TaskQueue interface {
	AddTask(fn Task) bool
}

// Étape du pipeline où un item a échoué (point de reprise de Retry).
type Stage string

const (
	StageResolve  Stage = "resolve"
	StageDispatch Stage = "dispatch"
)

type FailedItem struct {
	ID         string                 `json:"id"`
	Stage      Stage                  `json:"stage"`
	Code       string                 `json:"code,omitempty"`
	Message    string                 `json:"message"`
	Descriptor domain.VideoDescriptor `json:"descriptor"`
	FailedAt   time.Time              `json:"failedAt"`
}

type BatchReport struct {
	Queued []string     `json:"queued"`
	Failed []FailedItem `json:"failed"`
}

type BatchOptions struct {
	ResolveConcurrency int
	// ItemTimeout borne la résolution d'un item; son dépassement n'échoue que cet item.
	ItemTimeout time.Duration
}

func DefaultBatchOptions() BatchOptions {
	return BatchOptions{ResolveConcurrency: 4, ItemTimeout: 2 * time.Minute}
}

// BatchService enchaîne sélection -> résolution -> scheduler -> dispatch.
// Chaque item échoue isolément; l'échec est mémorisé pour une relance ciblée.
type BatchService struct {
	logger     zerolog.Logger
	selection  Selection
	resolver   VideoResolver
	dispatcher VideoDispatcher
	queue      TaskQueue
	notifier   *Notifier
	opts       BatchOptions

	mu     sync.Mutex
	failed map[string]FailedItem
}

func NewBatchService(logger zerolog.Logger, selection Selection, resolver VideoResolver, dispatcher VideoDispatcher, queue TaskQueue, notifier *Notifier, opts BatchOptions) *BatchService {
	if opts.ResolveConcurrency <= 0 {
		opts.ResolveConcurrency = DefaultBatchOptions().ResolveConcurrency
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = DefaultBatchOptions().ItemTimeout
	}
	return &BatchService{
		logger:     logger,
		selection:  selection,
		resolver:   resolver,
		dispatcher: dispatcher,
		queue:      queue,
		notifier:   notifier,
		opts:       opts,
		failed:     map[string]FailedItem{},
	}
}

// Download traite ids (toute la sélection si vide). Renvoie une erreur seulement
// si le backend est mal configuré; les échecs par item sont dans le rapport.
// Une fois lancé, chaque item va au bout même si ctx est annulé: tout id finit
// dans Queued ou Failed.
func (b *BatchService) Download(ctx context.Context, ids []string) (BatchReport, error) {
	if len(ids) == 0 {
		ids = b.selection.Keys()
	}
	report := BatchReport{Queued: []string{}, Failed: []FailedItem{}}
	if len(ids) == 0 {
		return report, nil
	}
	if err := b.dispatcher.Check(ctx); err != nil {
		b.notifier.Failure("", err, nil)
		return report, err
	}

	work := context.WithoutCancel(ctx)
	gate := newSlotGate(b.opts.ResolveConcurrency)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, id := range ids {
		if err := gate.enter(work); err != nil {
			break
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer gate.leave()
			item, ok := b.processDetached(work, id, false)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				report.Queued = append(report.Queued, id)
			} else {
				report.Failed = append(report.Failed, item)
			}
		}(id)
	}
	wg.Wait()

	sort.Strings(report.Queued)
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].ID < report.Failed[j].ID })
	b.logger.Info().Int("queued", len(report.Queued)).Int("failed", len(report.Failed)).Msg("batch resolved")
	return report, nil
}

// Retry relance un item en échec à l'étape où il s'est arrêté.
func (b *BatchService) Retry(ctx context.Context, id string) error {
	b.mu.Lock()
	item, ok := b.failed[id]
	b.mu.Unlock()
	if !ok {
		return NotFoundError(id)
	}

	if item.Stage == StageDispatch && item.Descriptor.State == domain.VideoResolved && !item.Descriptor.Expired(time.Now()) {
		b.clearFailure(id)
		b.enqueue(item.Descriptor)
		return nil
	}
	if _, ok := b.processDetached(context.WithoutCancel(ctx), id, true); !ok {
		b.mu.Lock()
		item = b.failed[id]
		b.mu.Unlock()
		return newCoded(item.Code, item.Message, nil)
	}
	return nil
}

func (b *BatchService) Failures() []FailedItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]FailedItem, 0, len(b.failed))
	for _, f := range b.failed {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out
}

func (b *BatchService) processDetached(ctx context.Context, id string, force bool) (FailedItem, bool) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.ItemTimeout)
	defer cancel()
	return b.process(ctx, id, force)
}

// process résout un item et, en cas de succès, le place dans la file de dispatch.
// L'item quitte la sélection dans les deux cas.
func (b *BatchService) process(ctx context.Context, id string, force bool) (FailedItem, bool) {
	hint, _ := b.selection.Get(id)
	hint.ID = id

	desc, err := b.resolver.Resolve(ctx, id, ResolveOptions{Hint: hint, Force: force})
	b.selection.Delete(id)

	switch {
	case err != nil:
		return b.fail(StageResolve, desc, err, &NotificationAction{Kind: ActionRetryResolve, VideoID: id}), false
	case desc.State == domain.VideoFailed && desc.MirrorURL != "":
		return b.fail(StageResolve, desc, NotFoundError(id), &NotificationAction{Kind: ActionOpenMirror, VideoID: id, URL: desc.MirrorURL}), false
	case desc.State == domain.VideoExternal:
		return b.fail(StageResolve, desc, ExternalItemError(desc.ExternalURL), &NotificationAction{Kind: ActionOpenExternal, VideoID: id, URL: desc.ExternalURL}), false
	}

	b.clearFailure(id)
	if !b.enqueue(desc) {
		return b.fail(StageDispatch, desc, BackendDispatchError(DispatchRejected, "scheduler closed", nil), nil), false
	}
	return FailedItem{}, true
}

func (b *BatchService) enqueue(desc domain.VideoDescriptor) bool {
	return b.queue.AddTask(func(ctx context.Context) error {
		if err := b.dispatcher.Dispatch(ctx, desc); err != nil {
			b.fail(StageDispatch, desc, err, dispatchAction(desc, err))
			return err
		}
		b.clearFailure(desc.ID)
		b.notifier.Success(desc.ID, "download started: "+desc.Title)
		return nil
	})
}

func dispatchAction(desc domain.VideoDescriptor, err error) *NotificationAction {
	switch CodeOf(err) {
	case CodeSuspiciousLink:
		return &NotificationAction{Kind: ActionOpenPage, VideoID: desc.ID, URL: desc.PageURL()}
	case CodeQualityMismatch, CodeNoSource:
		return &NotificationAction{Kind: ActionRetryResolve, VideoID: desc.ID}
	case CodeExternalItem:
		return &NotificationAction{Kind: ActionOpenExternal, VideoID: desc.ID, URL: desc.ExternalURL}
	case CodeConfigInvalid:
		return nil
	}
	return &NotificationAction{Kind: ActionRetryDispatch, VideoID: desc.ID}
}

func (b *BatchService) fail(stage Stage, desc domain.VideoDescriptor, err error, action *NotificationAction) FailedItem {
	// une qualité inattendue ou une source manquante se corrige en re-résolvant
	if c := CodeOf(err); c == CodeQualityMismatch || c == CodeNoSource {
		stage = StageResolve
	}
	item := FailedItem{
		ID:         desc.ID,
		Stage:      stage,
		Code:       CodeOf(err),
		Message:    err.Error(),
		Descriptor: desc,
		FailedAt:   time.Now().UTC(),
	}
	b.mu.Lock()
	b.failed[desc.ID] = item
	b.mu.Unlock()

	b.logger.Warn().Err(err).Str("video_id", desc.ID).Str("stage", string(stage)).Msg("item failed")
	b.notifier.Failure(desc.ID, err, action)
	return item
}

func (b *BatchService) clearFailure(id string) {
	b.mu.Lock()
	delete(b.failed, id)
	b.mu.Unlock()
}
