package app

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/ports"
	"github.com/rs/zerolog"
)

// Préfixe des clés KV utilisées pour propager chaque champ aux autres répliques.
const settingsKeyPrefix = "config/"

type SettingsListener func(s domain.Settings, changed []string)

// settingsField est la valeur diffusée pour un champ modifié.
type settingsField struct {
	Origin string          `json:"origin"`
	Value  json.RawMessage `json:"value"`
}

// SettingsService expose les settings typés, notifie les abonnés champ par champ
// et rejoue les écritures des autres répliques (Run).
type SettingsService struct {
	logger zerolog.Logger
	repo   ports.SettingsRepository
	kv     ports.KVStore
	origin string

	mu      sync.Mutex
	cur     *domain.Settings
	nextID  int
	subs    map[int]SettingsListener
	writeMu sync.Mutex
}

func NewSettingsService(repo ports.SettingsRepository) *SettingsService {
	return &SettingsService{logger: zerolog.Nop(), repo: repo, subs: map[int]SettingsListener{}}
}

// WithBroadcast active la diffusion par champ via kv; origin identifie cette réplique.
func (s *SettingsService) WithBroadcast(logger zerolog.Logger, kv ports.KVStore, origin string) *SettingsService {
	s.logger = logger
	s.kv = kv
	s.origin = origin
	return s
}

func (s *SettingsService) Get(ctx context.Context) (domain.Settings, error) {
	s.mu.Lock()
	if s.cur != nil {
		out := *s.cur
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	loaded, err := s.repo.Get(ctx)
	if err != nil {
		return domain.Settings{}, err
	}
	loaded = normalizeSettings(loaded)
	s.mu.Lock()
	s.cur = &loaded
	s.mu.Unlock()
	return loaded, nil
}

func (s *SettingsService) Put(ctx context.Context, settings domain.Settings) (domain.Settings, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.putLocked(ctx, settings)
}

// Update applique fn sur une copie des settings courants puis enregistre.
// Lecture, modification et écriture se font sous writeMu.
func (s *SettingsService) Update(ctx context.Context, fn func(*domain.Settings)) (domain.Settings, error) {
	return s.modify(ctx, func(cur *domain.Settings) error {
		fn(cur)
		return nil
	})
}

// Patch superpose un document JSON partiel aux settings courants.
func (s *SettingsService) Patch(ctx context.Context, doc []byte) (domain.Settings, error) {
	return s.modify(ctx, func(cur *domain.Settings) error {
		if err := json.Unmarshal(doc, cur); err != nil {
			return ConfigValidationError("invalid settings document: " + err.Error())
		}
		return nil
	})
}

func (s *SettingsService) modify(ctx context.Context, fn func(*domain.Settings) error) (domain.Settings, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur, err := s.Get(ctx)
	if err != nil {
		return domain.Settings{}, err
	}
	cur.Priority = cloneMap(cur.Priority)
	cur.PathVariables = cloneMap(cur.PathVariables)
	if err := fn(&cur); err != nil {
		return domain.Settings{}, err
	}
	return s.putLocked(ctx, cur)
}

func (s *SettingsService) putLocked(ctx context.Context, settings domain.Settings) (domain.Settings, error) {
	settings = normalizeSettings(settings)
	if err := ValidateSettings(settings); err != nil {
		return domain.Settings{}, err
	}
	prev, err := s.Get(ctx)
	if err != nil {
		return domain.Settings{}, err
	}
	saved, err := s.repo.Put(ctx, settings)
	if err != nil {
		return domain.Settings{}, err
	}
	changed := domain.ChangedFields(prev, saved)
	s.store(saved)
	s.broadcast(ctx, saved, changed)
	s.notify(saved, changed)
	return saved, nil
}

// Subscribe enregistre fn; renvoie la fonction de désinscription.
func (s *SettingsService) Subscribe(fn SettingsListener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Run rejoue les champs écrits par les autres répliques jusqu'à l'annulation de ctx.
func (s *SettingsService) Run(ctx context.Context) {
	if s.kv == nil {
		return
	}
	ch, cancel := s.kv.Watch(settingsKeyPrefix)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			s.replay(ctx, change)
		}
	}
}

func (s *SettingsService) replay(ctx context.Context, change ports.KVChange) {
	field := strings.TrimPrefix(change.Key, settingsKeyPrefix)
	var msg settingsField
	if err := json.Unmarshal(change.Value, &msg); err != nil {
		s.logger.Warn().Err(err).Str("field", field).Msg("invalid settings broadcast")
		return
	}
	if msg.Origin == s.origin {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur, err := s.Get(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("load settings failed")
		return
	}
	next, err := withField(cur, field, msg.Value)
	if err != nil {
		s.logger.Warn().Err(err).Str("field", field).Msg("settings replay rejected")
		return
	}
	changed := domain.ChangedFields(cur, next)
	if len(changed) == 0 {
		return
	}
	saved, err := s.repo.Put(ctx, next)
	if err != nil {
		s.logger.Error().Err(err).Msg("persist replayed settings failed")
		return
	}
	s.store(saved)
	s.logger.Debug().Str("field", field).Str("origin", msg.Origin).Msg("settings replayed")
	s.notify(saved, changed)
}

func (s *SettingsService) broadcast(ctx context.Context, settings domain.Settings, fields []string) {
	if s.kv == nil || len(fields) == 0 {
		return
	}
	all, err := settingsMap(settings)
	if err != nil {
		return
	}
	for _, f := range fields {
		b, err := json.Marshal(settingsField{Origin: s.origin, Value: all[f]})
		if err != nil {
			continue
		}
		if err := s.kv.Set(ctx, settingsKeyPrefix+f, b); err != nil {
			s.logger.Warn().Err(err).Str("field", f).Msg("settings broadcast failed")
		}
	}
}

func (s *SettingsService) store(v domain.Settings) {
	s.mu.Lock()
	s.cur = &v
	s.mu.Unlock()
}

func (s *SettingsService) notify(v domain.Settings, changed []string) {
	if len(changed) == 0 {
		return
	}
	s.mu.Lock()
	subs := make([]SettingsListener, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(v, changed)
	}
}

// BindScheduler répercute à chaud les limites du scheduler.
func BindScheduler(settings *SettingsService, sch *TaskScheduler) func() {
	return settings.Subscribe(func(s domain.Settings, changed []string) {
		for _, f := range changed {
			switch f {
			case "maxConcurrentDownloads":
				sch.SetLimit(s.MaxConcurrentDownloads)
			case "minDispatchIntervalMs":
				sch.SetMinInterval(time.Duration(s.MinDispatchIntervalMs) * time.Millisecond)
			}
		}
	})
}

// ValidateSettings vérifie ce qui bloquerait tout dispatch.
func ValidateSettings(s domain.Settings) error {
	if !s.DownloadType.Valid() {
		return ConfigValidationError("unknown download type " + string(s.DownloadType))
	}
	switch s.DownloadType {
	case domain.BackendAria2:
		return validateEndpoint("aria2", s.Aria2)
	case domain.BackendIwaraDownloader:
		return validateEndpoint("iwara-downloader", s.IwaraDownloader)
	case domain.BackendBrowser:
		if strings.TrimSpace(s.DownloadDir) == "" {
			return ConfigValidationError("download dir is empty")
		}
	}
	return nil
}

func normalizeSettings(s domain.Settings) domain.Settings {
	def := domain.DefaultSettings()
	if s.DownloadType == "" {
		s.DownloadType = def.DownloadType
	}
	if strings.TrimSpace(s.DownloadPath) == "" {
		s.DownloadPath = def.DownloadPath
	}
	if s.Priority == nil {
		s.Priority = def.Priority
	}
	if s.MaxConcurrentDownloads <= 0 {
		s.MaxConcurrentDownloads = def.MaxConcurrentDownloads
	}
	if s.MinDispatchIntervalMs < 0 {
		s.MinDispatchIntervalMs = def.MinDispatchIntervalMs
	}
	if strings.TrimSpace(s.MirrorSearchURL) == "" {
		s.MirrorSearchURL = def.MirrorSearchURL
	}
	return s
}

func settingsMap(s domain.Settings) (map[string]json.RawMessage, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	m := map[string]json.RawMessage{}
	return m, json.Unmarshal(b, &m)
}

func withField(s domain.Settings, field string, value json.RawMessage) (domain.Settings, error) {
	m, err := settingsMap(s)
	if err != nil {
		return s, err
	}
	if _, ok := m[field]; !ok && field != "pathVariables" {
		return s, ConfigValidationError("unknown settings field " + field)
	}
	m[field] = value
	b, err := json.Marshal(m)
	if err != nil {
		return s, err
	}
	var out domain.Settings
	if err := json.Unmarshal(b, &out); err != nil {
		return s, err
	}
	return normalizeSettings(out), nil
}

func cloneMap[V any](in map[string]V) map[string]V {
	if in == nil {
		return nil
	}
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
