package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"storytime/internal/adapters/text"
	"storytime/internal/domain"
	"storytime/internal/infra/metrics"
)

// ErrNothingToGenerate возвращается, если ни для одной запрошенной версии нет исходного текста.
var ErrNothingToGenerate = errors.New("нет исходных текстов для запрошенных версий")

const (
	defaultMinChars    = 100
	defaultPairTimeout = 90 * time.Second
)

// VariantError описывает неудачу одной пары (пол, длина).
type VariantError struct {
	Version domain.VariantKey
	Message string
}

// Result итог генерации вариантов одной истории.
type Result struct {
	StoryID   string
	Generated []domain.VariantKey
	Errors    []VariantError
	// Attempted число пар, для которых нашёлся исходный текст.
	Attempted int
}

// Service генерирует сокращённые варианты историй.
type Service struct {
	stories     domain.StoryRepo
	variants    domain.VariantStore
	condenser   domain.Condenser
	analytics   domain.BusinessMetricRepo
	log         zerolog.Logger
	pairTimeout time.Duration
	concurrency int
	minChars    int
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт логгер.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) {
		s.log = log
	}
}

// WithAnalytics включает запись бизнесовых событий.
func WithAnalytics(repo domain.BusinessMetricRepo) Option {
	return func(s *Service) {
		s.analytics = repo
	}
}

// WithPairTimeout ограничивает время одного вызова сокращения.
func WithPairTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.pairTimeout = timeout
		}
	}
}

// WithPairConcurrency разрешает генерировать пары одной истории параллельно.
func WithPairConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithMinChars задаёт минимальную длину принятого варианта.
func WithMinChars(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.minChars = n
		}
	}
}

// NewService создаёт сервис генерации.
func NewService(stories domain.StoryRepo, variants domain.VariantStore, condenser domain.Condenser, opts ...Option) *Service {
	s := &Service{
		stories:     stories,
		variants:    variants,
		condenser:   condenser,
		log:         zerolog.Nop(),
		pairTimeout: defaultPairTimeout,
		concurrency: 1,
		minChars:    defaultMinChars,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type pair struct {
	key    domain.VariantKey
	source string
}

type pairOutcome struct {
	variant domain.Variant
	err     error
}

// plan строит декартово произведение длин и полов, пропуская пары без исходного текста.
func plan(story domain.Story, lengths []domain.Length, genders []domain.Gender) []pair {
	var pairs []pair
	for _, l := range lengths {
		if !l.Short() {
			continue
		}
		for _, g := range genders {
			source, ok := story.FullText(g)
			if !ok {
				continue
			}
			pairs = append(pairs, pair{key: domain.VariantKey{Gender: g, Length: l}, source: source})
		}
	}
	return pairs
}

// GenerateForStory загружает историю и генерирует для неё варианты.
func (s *Service) GenerateForStory(ctx context.Context, storyID string, lengths []domain.Length, genders []domain.Gender) (Result, error) {
	story, err := s.stories.GetStory(ctx, storyID)
	if err != nil {
		return Result{}, fmt.Errorf("получение истории: %w", err)
	}
	res, err := s.GenerateVariants(ctx, story, lengths, genders)
	if err != nil {
		return res, err
	}
	if res.Attempted == 0 {
		return res, ErrNothingToGenerate
	}
	return res, nil
}

// GenerateVariants генерирует все запрошенные пары. Ошибка одной пары не
// прерывает остальные и попадает в Result.Errors. Успешные варианты
// сохраняются одной записью, существующие перезаписываются. Ошибка
// конфигурации сервиса сокращения прерывает вызов целиком.
func (s *Service) GenerateVariants(ctx context.Context, story domain.Story, lengths []domain.Length, genders []domain.Gender) (Result, error) {
	return s.generatePairs(ctx, story, plan(story, lengths, genders))
}

// missing оставляет пары, для которых у истории ещё нет сохранённого варианта.
func missing(story domain.Story, pairs []pair) []pair {
	out := pairs[:0:0]
	for _, p := range pairs {
		if _, ok := story.ShortVariants[p.key]; !ok {
			out = append(out, p)
		}
	}
	return out
}

func (s *Service) generatePairs(ctx context.Context, story domain.Story, pairs []pair) (Result, error) {
	res := Result{StoryID: story.ID}
	res.Attempted = len(pairs)
	if len(pairs) == 0 {
		return res, nil
	}

	outcomes := make([]pairOutcome, len(pairs))
	if s.concurrency <= 1 {
		for i, p := range pairs {
			v, err := s.condensePair(ctx, story, p)
			if errors.Is(err, domain.ErrCondenserNotConfigured) {
				return Result{StoryID: story.ID}, err
			}
			outcomes[i] = pairOutcome{variant: v, err: err}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency)
		for i, p := range pairs {
			i, p := i, p
			g.Go(func() error {
				v, err := s.condensePair(gctx, story, p)
				if errors.Is(err, domain.ErrCondenserNotConfigured) {
					return err
				}
				outcomes[i] = pairOutcome{variant: v, err: err}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return Result{StoryID: story.ID}, err
		}
	}

	pending := make(map[domain.VariantKey]domain.Variant, len(pairs))
	for i, p := range pairs {
		out := outcomes[i]
		metrics.ObserveVariant(string(p.key.Gender), string(p.key.Length), out.err)
		if out.err != nil {
			s.log.Warn().Err(out.err).Str("story", story.ID).Str("version", p.key.String()).Msg("generation: вариант не сгенерирован")
			res.Errors = append(res.Errors, VariantError{Version: p.key, Message: out.err.Error()})
			continue
		}
		pending[p.key] = out.variant
		res.Generated = append(res.Generated, p.key)
	}

	if len(pending) == 0 {
		return res, nil
	}
	if err := s.variants.SaveVariants(ctx, story.ID, pending); err != nil {
		return res, fmt.Errorf("сохранение вариантов: %w", err)
	}
	s.recordGenerated(ctx, res)
	return res, nil
}

func (s *Service) condensePair(ctx context.Context, story domain.Story, p pair) (domain.Variant, error) {
	ctx, cancel := context.WithTimeout(ctx, s.pairTimeout)
	defer cancel()

	out, err := s.condenser.Condense(ctx, domain.CondenseRequest{
		SourceText:       p.source,
		TargetWordBudget: p.key.Length.Minutes() * domain.WordsPerMinute,
		Hints: domain.CondenseHints{
			Title:      story.Title,
			ValuesTags: story.ValuesTags,
			TopicTags:  story.TopicTags,
		},
	})
	if err != nil {
		return domain.Variant{}, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return domain.Variant{}, errors.New("модель вернула пустой текст")
	}
	if n := utf8.RuneCountInString(out); n < s.minChars {
		return domain.Variant{}, fmt.Errorf("сгенерированный текст слишком короткий: %d символов", n)
	}
	return domain.Variant{
		Text:                 out,
		EstimatedReadMinutes: text.EstimateReadMinutes(out, domain.WordsPerMinute),
	}, nil
}

func (s *Service) recordGenerated(ctx context.Context, res Result) {
	if s.analytics == nil {
		return
	}
	versions := make([]string, 0, len(res.Generated))
	for _, k := range res.Generated {
		versions = append(versions, k.String())
	}
	metric := domain.BusinessMetric{
		Event:   domain.BusinessMetricEventVariantsGenerated,
		StoryID: res.StoryID,
		Metadata: map[string]any{
			"generated": versions,
			"errors":    len(res.Errors),
		},
	}
	if err := s.analytics.RecordBusinessMetric(ctx, metric); err != nil {
		s.log.Warn().Err(err).Str("story", res.StoryID).Msg("generation: не удалось записать бизнес-метрику")
	}
}
