package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/adapters/httpapi"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/adapters/memorybus"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/adapters/postgres"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/adapters/redisbus"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/adapters/sqlite"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/app"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/buildinfo"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/config"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/iwara"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/ports"
)

// broadcaster regroupe ce que les adapters de bus fournissent.
type broadcaster interface {
	ports.EventBus
	ports.PeerOracle
	Close()
}

type originKV interface {
	ports.KVStore
	Origin() string
}

// openMessaging choisit le bus inter-répliques: Redis pour plusieurs processus,
// sinon un bus en mémoire qui ne voit que ce processus.
func openMessaging(ctx context.Context, logger zerolog.Logger, cfg config.Config, db *sqlite.DB) (broadcaster, originKV, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Warn().Msg("no redis configured: selection and settings stay local to this process (set IBD_REDIS_ADDR to replicate)")
		return memorybus.New(), sqlite.NewKVStore(db.SQL), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, nil, err
	}
	rb := redisbus.New(rdb, cfg.RedisPrefix, logger.With().Str("component", "redisbus").Logger())
	logger.Info().Str("redis", cfg.RedisAddr).Msg("bus on redis")
	return rb, redisbus.NewKVStore(rdb, rb), func() { _ = rdb.Close() }, nil
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("app", "ibd-agent").Logger()

	loader := config.NewLoader(logger)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	addr := flag.String("addr", cfg.Addr, "Adresse d'écoute (ex: 127.0.0.1:8080)")
	dbPath := flag.String("db", cfg.DBPath, "Chemin SQLite (ex: ibd.db)")
	flag.Parse()

	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	log.Logger = logger
	logger.Info().Interface("build", buildinfo.Current()).Str("db", *dbPath).Msg("starting")

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx := context.Background()

	db, err := sqlite.Open(ctx, *dbPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open db")
	}
	defer func() { _ = db.Close() }()

	// Cache des descripteurs: Postgres si configuré, sinon SQLite local.
	var cache ports.VideoCache = sqlite.NewVideoCache(db.SQL)
	if cfg.PostgresDSN != "" {
		pg, err := postgres.Open(ctx, cfg.PostgresDSN, 5)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open postgres")
		}
		defer func() { _ = pg.Close() }()
		cache = pg
		logger.Info().Msg("video cache on postgres")
	}

	bus, kv, closeRedis, err := openMessaging(ctx, logger, cfg, db)
	if err != nil {
		logger.Fatal().Err(err).Str("redis", cfg.RedisAddr).Msg("failed to reach redis")
	}
	defer closeRedis()
	defer bus.Close()

	settingsSvc := app.NewSettingsService(sqlite.NewSettingsRepository(db.SQL)).
		WithBroadcast(logger.With().Str("component", "settings").Logger(), kv, kv.Origin())
	applyFileSettings(ctx, logger, settingsSvc, cfg)
	loader.Watch(func(updated config.Config) {
		applyFileSettings(context.Background(), logger, settingsSvc, updated)
	})
	go settingsSvc.Run(shutdownCtx)

	initial, err := settingsSvc.Get(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to read settings")
	}

	notifier := app.NewNotifier(logger.With().Str("component", "notifier").Logger(), bus)

	client := iwara.NewClient(func(ctx context.Context) (string, error) {
		s, err := settingsSvc.Get(ctx)
		if err != nil {
			return "", err
		}
		return s.Authorization, nil
	})
	resolver := app.NewResolver(logger.With().Str("component", "resolver").Logger(), client, cache, iwara.NewMirrorSearcher(), settingsSvc.Get)

	scheduler := app.NewTaskScheduler(logger.With().Str("component", "scheduler").Logger(),
		initial.MaxConcurrentDownloads, time.Duration(initial.MinDispatchIntervalMs)*time.Millisecond)
	defer scheduler.Close()
	unbind := app.BindScheduler(settingsSvc, scheduler)
	defer unbind()

	registry := app.DefaultBackendRegistry(nil, &app.HTTPHostDownloader{}, &app.NotifyOpener{Notifier: notifier})
	dispatcher := app.NewDispatcher(logger.With().Str("component", "dispatcher").Logger(), registry, settingsSvc.Get)

	opts := app.DefaultSelectionOptions()
	if cfg.ReplicaID != "" {
		opts.ReplicaID = cfg.ReplicaID
	}
	selection := app.NewSelectionReplica(logger.With().Str("component", "selection").Logger(), bus, bus, kv, opts)
	if err := selection.Init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to init selection")
	}

	batch := app.NewBatchService(logger.With().Str("component", "batch").Logger(), selection, resolver, dispatcher, scheduler, notifier, app.DefaultBatchOptions())

	srv := httpapi.NewServer(logger, httpapi.Deps{
		Selection: selection,
		Batch:     batch,
		Resolver:  resolver,
		Cache:     cache,
		Settings:  settingsSvc,
		Bus:       bus,
	})
	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", *addr).Str("replica", selection.ID()).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server crashed")
			stop()
		}
	}()

	<-shutdownCtx.Done()
	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	if err := selection.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("selection shutdown failed")
	}
	logger.Info().Msg("bye")
}

// applyFileSettings pousse la table [settings] du fichier de config dans le SettingsService.
func applyFileSettings(ctx context.Context, logger zerolog.Logger, svc *app.SettingsService, cfg config.Config) {
	if len(cfg.Settings) == 0 {
		return
	}
	cur, err := svc.Get(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read settings")
		return
	}
	next, err := cfg.ApplySettings(cur)
	if err != nil {
		logger.Error().Err(err).Msg("invalid settings in config file")
		return
	}
	if len(domain.ChangedFields(cur, next)) == 0 {
		return
	}
	if _, err := svc.Put(ctx, next); err != nil {
		logger.Error().Err(err).Msg("failed to apply config file settings")
		return
	}
	logger.Info().Msg("settings updated from config file")
}
