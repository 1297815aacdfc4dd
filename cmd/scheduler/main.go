package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"storytime/internal/infra/cache"
	"storytime/internal/infra/config"
	applog "storytime/internal/infra/log"
	"storytime/internal/infra/queue"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := cache.NewClient(cfg.RedisAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к Redis")
	}
	defer client.Close()

	jobs, closeQueue, err := queue.Open(queue.Settings{
		Backend:   cfg.Queue.Backend,
		Key:       cfg.Queue.Key,
		RabbitURL: cfg.Queue.RabbitURL,
	}, client)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось инициализировать очередь")
	}
	if jobs == nil {
		logger.Fatal().Msg("scheduler: очередь генерации отключена (QUEUE_BACKEND=none)")
	}
	defer closeQueue()

	job := &backfill{
		log:   logger,
		cache: cache.NewRedis(client, "storytime:"),
		queue: jobs,
		loc:   cfg.Location(),
		hour:  cfg.Generation.BackfillHour,
	}
	if job.hour < 0 {
		logger.Warn().Msg("scheduler: ночная догенерация отключена (BACKFILL_HOUR < 0)")
	}
	if last := job.last(); last != "" {
		logger.Info().Str("last", last).Msg("scheduler: последняя догенерация")
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		if _, err := job.tick(ctx, time.Now()); err != nil {
			logger.Error().Err(err).Msg("scheduler: не удалось поставить догенерацию")
		}
		select {
		case <-ctx.Done():
			logger.Info().Msg("scheduler: остановлен")
			return
		case <-ticker.C:
		}
	}
}
