package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storytime/internal/domain"
	"storytime/internal/infra/cache"
)

type recordingQueue struct {
	jobs []domain.GenerationJob
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, job domain.GenerationJob) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) Receive(context.Context) (domain.GenerationJob, domain.AckFunc, error) {
	return domain.GenerationJob{}, nil, errors.New("not supported")
}

func newBackfill(t *testing.T, q domain.GenerationQueue) *backfill {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	loc, err := time.LoadLocation("Europe/Amsterdam")
	require.NoError(t, err)
	return &backfill{
		log:   zerolog.Nop(),
		cache: cache.NewRedis(client, "test:"),
		queue: q,
		loc:   loc,
		hour:  3,
	}
}

func TestBackfillEnqueuesOncePerDay(t *testing.T) {
	q := &recordingQueue{}
	b := newBackfill(t, q)
	ctx := context.Background()

	// 01:00 UTC в марте это 02:00 в Амстердаме
	id, err := b.tick(ctx, time.Date(2024, 3, 7, 1, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, id)

	first, err := b.tick(ctx, time.Date(2024, 3, 7, 2, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotEmpty(t, first)

	again, err := b.tick(ctx, time.Date(2024, 3, 7, 2, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, again)

	require.Len(t, q.jobs, 1)
	job := q.jobs[0]
	assert.Equal(t, first, job.ID)
	assert.True(t, job.MissingOnly)
	assert.Equal(t, domain.GenerationCauseScheduled, job.Cause)
	assert.Equal(t, "2024-03-07 "+first, b.last())

	next, err := b.tick(ctx, time.Date(2024, 3, 8, 2, 5, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.NotEmpty(t, next)
	assert.Len(t, q.jobs, 2)
}

func TestBackfillRetriesAfterEnqueueFailure(t *testing.T) {
	q := &recordingQueue{err: errors.New("queue down")}
	b := newBackfill(t, q)
	ctx := context.Background()
	at := time.Date(2024, 3, 7, 2, 0, 0, 0, time.UTC)

	_, err := b.tick(ctx, at)
	require.Error(t, err)
	assert.Empty(t, b.last())

	q.err = nil
	id, err := b.tick(ctx, at.Add(time.Minute))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestBackfillDisabled(t *testing.T) {
	q := &recordingQueue{}
	b := newBackfill(t, q)
	b.hour = -1

	id, err := b.tick(context.Background(), time.Date(2024, 3, 7, 2, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Empty(t, q.jobs)
}
