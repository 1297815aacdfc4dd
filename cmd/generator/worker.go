package main

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"storytime/internal/domain"
	"storytime/internal/usecase/generation"
)

type batchRunner interface {
	RunBatch(ctx context.Context, opts generation.BatchOptions) (generation.BatchSummary, error)
}

type runWorker struct {
	log        zerolog.Logger
	queue      domain.GenerationQueue
	runs       domain.GenerationRunRepo
	service    batchRunner
	storyDelay time.Duration
	retryDelay time.Duration
}

const maxDeliveryAttempts = 5

type jobOutcome int

const (
	jobOutcomeCompleted jobOutcome = iota
	jobOutcomeRetry
	jobOutcomeInterrupted
)

func (w *runWorker) Run(ctx context.Context) {
	for {
		job, ack, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("generator: ошибка чтения очереди")
			w.pause(ctx)
			continue
		}

		jobLog := w.log.With().
			Str("job_id", job.ID).
			Str("cause", string(job.Cause)).
			Strs("stories", job.StoryIDs).
			Bool("dry_run", job.DryRun).
			Logger()

		if job.ID == "" {
			jobLog.Error().Msg("generator: получена задача без идентификатора, подтверждаем и пропускаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("generator: не удалось подтвердить задачу без идентификатора")
			}
			continue
		}

		finished, attempt, err := w.runs.EnsureGenerationRun(ctx, job.ID)
		if err != nil {
			jobLog.Error().Err(err).Msg("generator: не удалось зарегистрировать запуск")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("generator: не удалось вернуть задачу в очередь")
			}
			w.pause(ctx)
			continue
		}

		jobLog = jobLog.With().Int("attempt", attempt).Logger()

		if finished {
			jobLog.Info().Msg("generator: запуск уже завершён, подтверждаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("generator: не удалось подтвердить завершённый запуск")
			}
			continue
		}

		outcome, summary := w.handleJob(ctx, job, jobLog)

		if outcome == jobOutcomeInterrupted {
			jobLog.Warn().Fields(summary.Map()).Msg("generator: запуск прерван остановкой, вернём задачу в очередь")
			if err := ack(false); err != nil {
				jobLog.Error().Err(err).Msg("generator: не удалось вернуть прерванную задачу")
			}
			return
		}

		if outcome == jobOutcomeRetry && attempt < maxDeliveryAttempts {
			jobLog.Warn().Msg("generator: запуск завершился ошибкой, повторим позже")
			if err := ack(false); err != nil {
				jobLog.Error().Err(err).Msg("generator: не удалось вернуть задачу после ошибки")
			}
			w.pause(ctx)
			continue
		}

		if outcome == jobOutcomeRetry {
			jobLog.Error().Msg("generator: достигнут предел попыток, помечаем запуск завершённым")
		}

		if err := w.runs.FinishGenerationRun(context.WithoutCancel(ctx), job.ID, summary.Map()); err != nil {
			jobLog.Error().Err(err).Msg("generator: не удалось сохранить итоги запуска")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("generator: не удалось вернуть задачу после ошибки статуса")
			}
			w.pause(ctx)
			continue
		}

		if err := ack(true); err != nil {
			jobLog.Error().Err(err).Msg("generator: не удалось подтвердить задачу")
		}
	}
}

func (w *runWorker) handleJob(ctx context.Context, job domain.GenerationJob, jobLog zerolog.Logger) (jobOutcome, generation.BatchSummary) {
	opts := generation.BatchOptions{
		StoryIDs:    job.StoryIDs,
		Lengths:     job.Lengths,
		Genders:     job.Genders,
		Offset:      job.Offset,
		Limit:       job.Limit,
		DryRun:      job.DryRun,
		MissingOnly: job.MissingOnly,
		Delay:       w.storyDelay,
		OnStory: func(r generation.StoryReport) {
			if r.Outcome == generation.OutcomeFailed {
				jobLog.Warn().Err(r.Err).Str("story", r.StoryID).Int("errors", len(r.Result.Errors)).Msg("generator: история не сгенерирована")
			}
		},
	}
	summary, err := w.service.RunBatch(ctx, opts)
	if err != nil {
		if errors.Is(err, domain.ErrCondenserNotConfigured) {
			jobLog.Error().Err(err).Msg("generator: сервис сокращения не настроен")
		} else {
			jobLog.Error().Err(err).Msg("generator: ошибка пакетного запуска")
		}
		return jobOutcomeRetry, summary
	}
	if summary.Stopped {
		return jobOutcomeInterrupted, summary
	}
	jobLog.Info().Fields(summary.Map()).Msg("generator: запуск завершён")
	return jobOutcomeCompleted, summary
}

func (w *runWorker) pause(ctx context.Context) {
	if w.retryDelay <= 0 {
		return
	}
	t := time.NewTimer(w.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
