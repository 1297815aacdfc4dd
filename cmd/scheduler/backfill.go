package main

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"storytime/internal/domain"
	"storytime/internal/infra/cache"
)

const (
	backfillKeyPrefix = "backfill:"
	lastBackfillKey   = "backfill:last"
	backfillLockTTL   = 25 * time.Hour
)

// backfill ставит в очередь ночную догенерацию недостающих вариантов не чаще раза в сутки.
type backfill struct {
	log   zerolog.Logger
	cache domain.Cache
	queue domain.GenerationQueue
	loc   *time.Location
	hour  int
}

// tick проверяет, наступил ли час догенерации, и ставит задачу. Возвращает
// идентификатор поставленной задачи или пустую строку.
func (b *backfill) tick(ctx context.Context, now time.Time) (string, error) {
	if b.hour < 0 {
		return "", nil
	}
	local := now.In(b.loc)
	if local.Hour() != b.hour {
		return "", nil
	}
	day := domain.DayOf(now, b.loc)
	var jobID string
	err := b.cache.Once(backfillKeyPrefix+string(day), backfillLockTTL, func() error {
		job := domain.GenerationJob{
			ID:          uuid.NewString(),
			MissingOnly: true,
			RequestedAt: now.UTC(),
			Cause:       domain.GenerationCauseScheduled,
		}
		if err := b.queue.Enqueue(ctx, job); err != nil {
			return err
		}
		jobID = job.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	if jobID == "" {
		return "", nil
	}
	if err := b.cache.Set(lastBackfillKey, []byte(string(day)+" "+jobID), 0); err != nil {
		b.log.Warn().Err(err).Msg("scheduler: не удалось сохранить отметку последней догенерации")
	}
	b.log.Info().Str("job_id", jobID).Str("day", string(day)).Msg("scheduler: поставлена ночная догенерация")
	return jobID, nil
}

// last возвращает отметку последней поставленной догенерации.
func (b *backfill) last() string {
	data, err := b.cache.Get(lastBackfillKey)
	if errors.Is(err, cache.ErrMiss) {
		return ""
	}
	if err != nil {
		b.log.Warn().Err(err).Msg("scheduler: не удалось прочитать отметку последней догенерации")
		return ""
	}
	return string(data)
}
