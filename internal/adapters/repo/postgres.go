package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"storytime/internal/domain"
	"storytime/internal/infra/metrics"
)

// pgxPool покрывает методы pgxpool.Pool, которые использует адаптер.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool pgxPool
}

var (
	_ domain.StoryRepo          = (*Postgres)(nil)
	_ domain.VariantStore       = (*Postgres)(nil)
	_ domain.StoryOfTheDayRepo  = (*Postgres)(nil)
	_ domain.FeedbackRepo       = (*Postgres)(nil)
	_ domain.GenerationRunRepo  = (*Postgres)(nil)
	_ domain.BusinessMetricRepo = (*Postgres)(nil)
)

const pgForeignKeyViolation = "23503"

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool pgxPool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func (p *Postgres) saveBusinessMetric(ctx context.Context, metric domain.BusinessMetric) error {
	if metric.Event == "" {
		return nil
	}

	if metric.OccurredAt.IsZero() {
		metric.OccurredAt = time.Now().UTC()
	}

	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var payload []byte
	if metric.Metadata != nil {
		if data, err := json.Marshal(metric.Metadata); err == nil {
			payload = data
		}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO business_metrics (event, user_id, story_id, metadata, occurred_at)
VALUES ($1, $2, $3, $4, $5)
`, metric.Event, nullString(metric.UserID), nullString(metric.StoryID), payload, metric.OccurredAt)
	metrics.ObserveNetworkRequest("postgres", "business_metrics_insert", "business_metrics", start, err)
	return err
}

// RecordBusinessMetric сохраняет бизнесовую метрику в БД.
func (p *Postgres) RecordBusinessMetric(ctx context.Context, metric domain.BusinessMetric) error {
	return p.saveBusinessMetric(ctx, metric)
}

const storyColumns = `id, title, default_full_text, boy_full_text, girl_full_text, values_tags, topic_tags, is_active, estimated_read_minutes, created_at`

func scanStory(row pgx.Row) (domain.Story, error) {
	var (
		st      domain.Story
		boy     sql.NullString
		girl    sql.NullString
		minutes sql.NullInt32
	)
	if err := row.Scan(&st.ID, &st.Title, &st.DefaultFullText, &boy, &girl, &st.ValuesTags, &st.TopicTags, &st.IsActive, &minutes, &st.CreatedAt); err != nil {
		return domain.Story{}, err
	}
	st.GenderedFullText = make(map[domain.Gender]string, 2)
	if boy.Valid && boy.String != "" {
		st.GenderedFullText[domain.GenderBoy] = boy.String
	}
	if girl.Valid && girl.String != "" {
		st.GenderedFullText[domain.GenderGirl] = girl.String
	}
	if minutes.Valid {
		m := int(minutes.Int32)
		st.EstimatedReadMinutes = &m
	}
	st.ShortVariants = make(map[domain.VariantKey]domain.Variant)
	return st, nil
}

// GetStory возвращает активную историю вместе с вариантами.
func (p *Postgres) GetStory(ctx context.Context, id string) (domain.Story, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	st, err := scanStory(p.pool.QueryRow(ctx, `SELECT `+storyColumns+` FROM stories WHERE id = $1 AND is_active`, id))
	metrics.ObserveNetworkRequest("postgres", "stories_get", "stories", start, err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Story{}, domain.ErrStoryNotFound
		}
		return domain.Story{}, err
	}
	stories := []domain.Story{st}
	if err := p.attachVariants(ctx, stories); err != nil {
		return domain.Story{}, err
	}
	return stories[0], nil
}

// ListActiveStories возвращает активные истории, старые первыми.
func (p *Postgres) ListActiveStories(ctx context.Context) ([]domain.Story, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT `+storyColumns+` FROM stories WHERE is_active ORDER BY created_at ASC, id ASC`)
	metrics.ObserveNetworkRequest("postgres", "stories_list_active", "stories", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var stories []domain.Story
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		stories = append(stories, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(stories) == 0 {
		return nil, nil
	}
	if err := p.attachVariants(ctx, stories); err != nil {
		return nil, err
	}
	return stories, nil
}

func (p *Postgres) attachVariants(ctx context.Context, stories []domain.Story) error {
	ids := make([]string, 0, len(stories))
	index := make(map[string]int, len(stories))
	for i, st := range stories {
		ids = append(ids, st.ID)
		index[st.ID] = i
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT story_id, gender, length, text, estimated_read_minutes
FROM story_variants WHERE story_id = ANY($1)
`, ids)
	metrics.ObserveNetworkRequest("postgres", "story_variants_list", "story_variants", start, err)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			storyID, gender, length string
			v                       domain.Variant
		)
		if err := rows.Scan(&storyID, &gender, &length, &v.Text, &v.EstimatedReadMinutes); err != nil {
			return err
		}
		i, ok := index[storyID]
		if !ok {
			continue
		}
		key := domain.VariantKey{Gender: domain.Gender(gender), Length: domain.Length(length)}
		stories[i].ShortVariants[key] = v
	}
	return rows.Err()
}

func sortedKeys(variants map[domain.VariantKey]domain.Variant) []domain.VariantKey {
	order := func(k domain.VariantKey) int {
		pos := 0
		for i, l := range domain.ShortLengths {
			if l == k.Length {
				pos = i * len(domain.AllGenders)
			}
		}
		for i, g := range domain.AllGenders {
			if g == k.Gender {
				pos += i
			}
		}
		return pos
	}
	keys := make([]domain.VariantKey, 0, len(variants))
	for k := range variants {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return order(keys[i]) < order(keys[j]) })
	return keys
}

// SaveVariants сохраняет варианты одной транзакцией, перезаписывая существующие.
func (p *Postgres) SaveVariants(ctx context.Context, storyID string, variants map[domain.VariantKey]domain.Variant) error {
	if len(variants) == 0 {
		return nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "story_variants", start, err)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, key := range sortedKeys(variants) {
		v := variants[key]
		start = time.Now()
		_, err = tx.Exec(ctx, `
INSERT INTO story_variants (story_id, gender, length, text, estimated_read_minutes, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (story_id, gender, length) DO UPDATE
    SET text = EXCLUDED.text,
        estimated_read_minutes = EXCLUDED.estimated_read_minutes,
        updated_at = now()
`, storyID, string(key.Gender), string(key.Length), v.Text, v.EstimatedReadMinutes)
		metrics.ObserveNetworkRequest("postgres", "story_variants_upsert", "story_variants", start, err)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
				return domain.ErrStoryNotFound
			}
			return err
		}
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "story_variants", start, err)
	return err
}

// StoryOfTheDay возвращает историю, назначенную на день.
func (p *Postgres) StoryOfTheDay(ctx context.Context, day domain.Day) (string, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var storyID string
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT story_id FROM story_of_the_day WHERE day = $1`, day.Time()).Scan(&storyID)
	metrics.ObserveNetworkRequest("postgres", "story_of_the_day_get", "story_of_the_day", start, err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return storyID, true, nil
}

// AssignStoryOfTheDay создаёт или перезаписывает назначение на день.
func (p *Postgres) AssignStoryOfTheDay(ctx context.Context, assignment domain.StoryOfTheDay) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO story_of_the_day (day, story_id, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (day) DO UPDATE SET story_id = EXCLUDED.story_id, updated_at = now()
`, assignment.Date.Time(), assignment.StoryID)
	metrics.ObserveNetworkRequest("postgres", "story_of_the_day_upsert", "story_of_the_day", start, err)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return domain.ErrStoryNotFound
	}
	return err
}

// ListStoryOfTheDay возвращает назначения начиная с from, новые первыми.
func (p *Postgres) ListStoryOfTheDay(ctx context.Context, from domain.Day, limit int) ([]domain.StoryOfTheDay, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	var fromDate any
	if from != "" {
		fromDate = from.Time()
	}
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT day, story_id FROM story_of_the_day
WHERE $1::date IS NULL OR day >= $1::date
ORDER BY day DESC
LIMIT $2
`, fromDate, limit)
	metrics.ObserveNetworkRequest("postgres", "story_of_the_day_list", "story_of_the_day", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.StoryOfTheDay
	for rows.Next() {
		var (
			day     time.Time
			storyID string
		)
		if err := rows.Scan(&day, &storyID); err != nil {
			return nil, err
		}
		out = append(out, domain.StoryOfTheDay{Date: domain.DayOf(day, time.UTC), StoryID: storyID})
	}
	return out, rows.Err()
}

// SaveSentenceFeedback сохраняет замечание к предложению.
func (p *Postgres) SaveSentenceFeedback(ctx context.Context, fb domain.SentenceFeedback) (domain.SentenceFeedback, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO sentence_feedback (story_id, user_id, gender, length, sentence_index, text_span, reason, comment)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, created_at
`, fb.StoryID, fb.UserID, string(fb.Version.Gender), string(fb.Version.Length), fb.SentenceIndex, fb.TextSpan, fb.Reason, nullString(fb.Comment)).Scan(&fb.ID, &fb.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "sentence_feedback_insert", "sentence_feedback", start, err)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return domain.SentenceFeedback{}, domain.ErrStoryNotFound
		}
		return domain.SentenceFeedback{}, err
	}
	_ = p.saveBusinessMetric(ctx, domain.BusinessMetric{
		Event:   domain.BusinessMetricEventSentenceFeedback,
		UserID:  fb.UserID,
		StoryID: fb.StoryID,
		Metadata: map[string]any{
			"sentence_index": fb.SentenceIndex,
			"reason":         fb.Reason,
			"version":        fb.Version.String(),
		},
	})
	return fb, nil
}

// EnsureGenerationRun регистрирует попытку обработки запуска генерации.
func (p *Postgres) EnsureGenerationRun(ctx context.Context, jobID string) (bool, int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		finished sql.NullTime
		attempts int
	)

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO generation_runs (job_id, attempts, updated_at)
VALUES ($1, 1, now())
ON CONFLICT (job_id) DO UPDATE
    SET attempts = generation_runs.attempts + 1,
        updated_at = now()
RETURNING finished_at, attempts
`, jobID).Scan(&finished, &attempts)
	metrics.ObserveNetworkRequest("postgres", "generation_runs_upsert", "generation_runs", start, err)
	if err != nil {
		return false, 0, err
	}

	return finished.Valid, attempts, nil
}

// FinishGenerationRun помечает запуск завершённым.
func (p *Postgres) FinishGenerationRun(ctx context.Context, jobID string, summary map[string]any) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var payload []byte
	if summary != nil {
		if data, err := json.Marshal(summary); err == nil {
			payload = data
		}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE generation_runs
SET finished_at = COALESCE(finished_at, now()),
    summary = $2,
    updated_at = now()
WHERE job_id = $1
`, jobID, payload)
	metrics.ObserveNetworkRequest("postgres", "generation_runs_finish", "generation_runs", start, err)
	return err
}
