package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"storytime/internal/adapters/condenser"
	"storytime/internal/adapters/httpapi"
	"storytime/internal/adapters/localstore"
	"storytime/internal/adapters/repo"
	"storytime/internal/domain"
	"storytime/internal/infra/cache"
	"storytime/internal/infra/config"
	"storytime/internal/infra/db"
	infrahttp "storytime/internal/infra/http"
	applog "storytime/internal/infra/log"
	"storytime/internal/infra/metrics"
	"storytime/internal/infra/queue"
	"storytime/internal/usecase/generation"
	"storytime/internal/usecase/reader"
	"storytime/internal/usecase/unlock"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := db.Migrate(ctx, pool); err != nil {
			logger.Fatal().Err(err).Msg("api: не удалось применить схему")
		}
	}

	repoAdapter := repo.NewPostgres(pool)

	var redisClient redis.UniversalClient
	if cfg.RedisAddr != "" {
		client, err := cache.NewClient(cfg.RedisAddr)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: некорректный адрес Redis")
		}
		defer client.Close()
		redisClient = client
	}

	store, closeStore, err := ledgerStore(cfg, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Ledger.Backend).Msg("api: не удалось открыть учёт разблокировок")
	}
	defer closeStore()
	ledger := unlock.NewLedger(store, cfg.Location())

	generator := generation.NewService(repoAdapter, repoAdapter, condenser.New(condenser.Settings{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
		Model:   cfg.OpenAI.Model,
		Timeout: cfg.OpenAI.Timeout,
		Stub:    cfg.OpenAI.Stub,
	}),
		generation.WithLogger(logger.With().Str("component", "generation").Logger()),
		generation.WithAnalytics(repoAdapter),
		generation.WithPairTimeout(cfg.Generation.PairTimeout),
		generation.WithPairConcurrency(cfg.Generation.Concurrency),
		generation.WithMinChars(cfg.Generation.MinChars),
	)

	readerService := reader.NewService(repoAdapter, repoAdapter, ledger,
		reader.WithLogger(logger.With().Str("component", "reader").Logger()),
		reader.WithAnalytics(repoAdapter),
		reader.WithFeedback(repoAdapter),
		reader.WithPreviewChars(cfg.PreviewChars),
	)

	opts := []httpapi.Option{
		httpapi.WithLogger(logger.With().Str("component", "httpapi").Logger()),
		httpapi.WithAnalytics(repoAdapter),
		httpapi.WithAuth(cfg.ViewerSecret, cfg.AdminToken),
	}
	jobs, closeQueue, err := queue.Open(queue.Settings{
		Backend:   cfg.Queue.Backend,
		Key:       cfg.Queue.Key,
		RabbitURL: cfg.Queue.RabbitURL,
	}, redisClient)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("api: очередь генерации недоступна, запуск пакетов через API отключён")
	case jobs != nil:
		defer closeQueue()
		opts = append(opts, httpapi.WithGenerationQueue(jobs))
	}
	if cfg.ViewerSecret == "" {
		logger.Warn().Msg("api: VIEWER_SECRET не задан, все запросы считаются анонимными")
	}
	if cfg.AdminToken == "" {
		logger.Warn().Msg("api: ADMIN_TOKEN не задан, админ-доступ только по контексту зрителя")
	}

	server := infrahttp.NewServer(logger)
	server.Router.Mount("/", httpapi.NewServer(readerService, generator, opts...).Router())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(fmt.Sprintf(":%d", cfg.Port))
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("api: сервер остановлен с ошибкой")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: ошибка при остановке сервера")
	}
	logger.Info().Msg("api: остановлен")
}

func ledgerStore(cfg config.AppConfig, client redis.UniversalClient) (domain.UnlockStore, func(), error) {
	switch cfg.Ledger.Backend {
	case "redis":
		if client == nil {
			return nil, nil, errors.New("не указан адрес Redis (REDIS_ADDR)")
		}
		return cache.NewUnlockStore(client, cfg.Ledger.TTL), func() {}, nil
	case "sqlite":
		store, err := localstore.Open(cfg.Ledger.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "memory":
		return unlock.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("неизвестный backend %q", cfg.Ledger.Backend)
	}
}
