package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"storytime/internal/domain"
	"storytime/internal/infra/metrics"
)

// BatchOptions параметры пакетного запуска.
type BatchOptions struct {
	// StoryIDs ограничивает запуск перечисленными историями.
	StoryIDs []string
	Lengths  []domain.Length
	// Genders пустой означает все полы, для которых у истории есть полный текст.
	Genders []domain.Gender
	// Offset и Limit выбирают диапазон активных историй, старые первыми.
	Offset int
	Limit  int
	DryRun bool
	// MissingOnly пропускает пары, для которых вариант уже сохранён.
	MissingOnly bool
	// Delay минимальный интервал между историями.
	Delay time.Duration
	// OnStory вызывается после обработки каждой истории.
	OnStory func(StoryReport)
}

// Outcome итог обработки одной истории в пакете.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomePartial   Outcome = "partial"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDryRun    Outcome = "dry_run"
)

// StoryReport отчёт по одной истории.
type StoryReport struct {
	StoryID string
	Title   string
	Planned []domain.VariantKey
	Result  Result
	Err     error
	Outcome Outcome
}

// BatchSummary итоги пакетного запуска.
type BatchSummary struct {
	Processed int
	Succeeded int
	Partial   int
	Failed    int
	Skipped   int
	Generated int
	Errors    int
	// Stopped выставляется, если запуск остановлен отменой контекста.
	Stopped  bool
	Duration time.Duration
}

// Map возвращает итоги в виде, пригодном для логов и хранения.
func (b BatchSummary) Map() map[string]any {
	return map[string]any{
		"processed": b.Processed,
		"succeeded": b.Succeeded,
		"partial":   b.Partial,
		"failed":    b.Failed,
		"skipped":   b.Skipped,
		"generated": b.Generated,
		"errors":    b.Errors,
		"stopped":   b.Stopped,
		"duration":  b.Duration.String(),
	}
}

// RunBatch обрабатывает истории последовательно. Отмена проверяется перед
// каждой историей, начатая история дорабатывает свои пары. Неудача одной
// истории не останавливает пакет, ошибка конфигурации останавливает.
func (s *Service) RunBatch(ctx context.Context, opts BatchOptions) (summary BatchSummary, err error) {
	start := time.Now()
	defer func() {
		summary.Duration = time.Since(start)
		metrics.GenerationBatchSeconds.Observe(summary.Duration.Seconds())
	}()

	stories, err := s.selectStories(ctx, opts)
	if err != nil {
		return summary, err
	}
	lengths := opts.Lengths
	if len(lengths) == 0 {
		lengths = domain.ShortLengths
	}

	limit := rate.Inf
	if opts.Delay > 0 {
		limit = rate.Every(opts.Delay)
	}
	limiter := rate.NewLimiter(limit, 1)

	s.log.Info().Int("stories", len(stories)).Bool("dry_run", opts.DryRun).Msg("generation: запуск пакета")

	for _, story := range stories {
		if ctx.Err() != nil {
			summary.Stopped = true
			break
		}
		if limiter.Wait(ctx) != nil {
			summary.Stopped = true
			break
		}

		genders := opts.Genders
		if len(genders) == 0 {
			genders = story.AvailableGenders()
		}
		report := StoryReport{StoryID: story.ID, Title: story.Title}
		pairs := plan(story, lengths, genders)
		if opts.MissingOnly {
			pairs = missing(story, pairs)
		}
		for _, p := range pairs {
			report.Planned = append(report.Planned, p.key)
		}
		summary.Processed++

		storyLog := s.log.With().Str("story", story.ID).Str("title", story.Title).Logger()

		if opts.DryRun {
			report.Outcome = OutcomeDryRun
			storyLog.Info().Int("pairs", len(report.Planned)).Msg("generation: пробный запуск, генерация пропущена")
			s.report(opts, report)
			continue
		}

		res, err := s.generatePairs(context.WithoutCancel(ctx), story, pairs)
		report.Result = res
		report.Err = err
		if errors.Is(err, domain.ErrCondenserNotConfigured) {
			storyLog.Error().Err(err).Msg("generation: сервис сокращения не настроен, пакет остановлен")
			return summary, err
		}

		summary.Generated += len(res.Generated)
		summary.Errors += len(res.Errors)
		switch {
		case err != nil:
			report.Outcome = OutcomeFailed
			summary.Failed++
			storyLog.Error().Err(err).Msg("generation: ошибка обработки истории")
		case res.Attempted == 0:
			report.Outcome = OutcomeSkipped
			summary.Skipped++
		case len(res.Errors) == 0:
			report.Outcome = OutcomeSucceeded
			summary.Succeeded++
		case len(res.Generated) > 0:
			report.Outcome = OutcomePartial
			summary.Partial++
		default:
			report.Outcome = OutcomeFailed
			summary.Failed++
		}
		metrics.GenerationStoriesTotal.WithLabelValues(string(report.Outcome)).Inc()
		storyLog.Info().
			Int("generated", len(res.Generated)).
			Int("errors", len(res.Errors)).
			Str("outcome", string(report.Outcome)).
			Msg("generation: история обработана")
		s.report(opts, report)
	}

	s.log.Info().Fields(summary.Map()).Msg("generation: пакет завершён")
	return summary, nil
}

func (s *Service) report(opts BatchOptions, report StoryReport) {
	if opts.OnStory != nil {
		opts.OnStory(report)
	}
}

func (s *Service) selectStories(ctx context.Context, opts BatchOptions) ([]domain.Story, error) {
	stories, err := s.stories.ListActiveStories(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение активных историй: %w", err)
	}
	if len(opts.StoryIDs) > 0 {
		wanted := make(map[string]bool, len(opts.StoryIDs))
		for _, id := range opts.StoryIDs {
			wanted[id] = true
		}
		filtered := stories[:0:0]
		for _, st := range stories {
			if wanted[st.ID] {
				filtered = append(filtered, st)
			}
		}
		stories = filtered
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(stories) {
			return nil, nil
		}
		stories = stories[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(stories) {
		stories = stories[:opts.Limit]
	}
	return stories, nil
}
