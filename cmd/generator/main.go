package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"storytime/internal/adapters/condenser"
	"storytime/internal/adapters/repo"
	"storytime/internal/infra/cache"
	"storytime/internal/infra/config"
	"storytime/internal/infra/db"
	applog "storytime/internal/infra/log"
	"storytime/internal/infra/metrics"
	"storytime/internal/infra/queue"
	"storytime/internal/usecase/generation"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("generator: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	var redisClient redis.UniversalClient
	if cfg.RedisAddr != "" {
		client, err := cache.NewClient(cfg.RedisAddr)
		if err != nil {
			logger.Fatal().Err(err).Msg("generator: некорректный адрес Redis")
		}
		defer client.Close()
		redisClient = client
	}

	jobs, closeQueue, err := queue.Open(queue.Settings{
		Backend:   cfg.Queue.Backend,
		Key:       cfg.Queue.Key,
		RabbitURL: cfg.Queue.RabbitURL,
	}, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("generator: не удалось инициализировать очередь")
	}
	if jobs == nil {
		logger.Fatal().Msg("generator: очередь генерации отключена (QUEUE_BACKEND=none)")
	}
	defer closeQueue()

	if rq, ok := jobs.(*queue.RedisGenerationQueue); ok {
		moved, err := rq.Recover(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("generator: не удалось вернуть незавершённые задачи")
		} else if moved > 0 {
			logger.Info().Int("jobs", moved).Msg("generator: незавершённые задачи возвращены в очередь")
		}
	}

	if cfg.OpenAI.APIKey == "" && !cfg.OpenAI.Stub {
		logger.Warn().Msg("generator: не указан ключ OpenAI (OPENAI_API_KEY), запуски будут откладываться")
	}
	service := generation.NewService(repoAdapter, repoAdapter, condenser.New(condenser.Settings{
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

	worker := &runWorker{
		log:        logger,
		queue:      jobs,
		runs:       repoAdapter,
		service:    service,
		storyDelay: cfg.Generation.StoryDelay,
		retryDelay: time.Second,
	}

	logger.Info().Msg("generator: запуск обработки очереди")
	worker.Run(ctx)
	logger.Info().Msg("generator: остановлен")
}
