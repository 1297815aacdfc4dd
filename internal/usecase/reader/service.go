package reader

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"storytime/internal/adapters/text"
	"storytime/internal/domain"
	"storytime/internal/infra/metrics"
	"storytime/internal/usecase/entitlement"
	"storytime/internal/usecase/unlock"
	"storytime/internal/usecase/variants"
)

var (
	// ErrAuthRequired возвращается, если действие доступно только авторизованному зрителю.
	ErrAuthRequired = errors.New("требуется авторизация")
	// ErrInvalidSentence возвращается, если индекс или фрагмент не совпадает с показанным текстом.
	ErrInvalidSentence = errors.New("предложение не найдено в показанном тексте")
	// ErrInvalidInput возвращается при некорректных параметрах запроса.
	ErrInvalidInput = errors.New("некорректные параметры")
)

// ReadRequest параметры показа истории.
type ReadRequest struct {
	StoryID  string
	DeviceID string
	Viewer   domain.ViewerContext
	Length   domain.Length
	// Gender переопределяет предпочтение из контекста зрителя.
	Gender domain.Gender
}

// ReadResult показанная история.
type ReadResult struct {
	Story                domain.Story
	Text                 string
	Access               entitlement.Reason
	FullAccess           bool
	Truncated            bool
	Gender               domain.Gender
	Length               domain.Length
	RequestedLength      domain.Length
	EstimatedReadMinutes *int
	IsStoryOfTheDay      bool
	Unlock               unlock.Progress
}

// Service обслуживает читателей.
type Service struct {
	stories      domain.StoryRepo
	sotd         domain.StoryOfTheDayRepo
	ledger       *unlock.Ledger
	feedback     domain.FeedbackRepo
	analytics    domain.BusinessMetricRepo
	previewChars int
	log          zerolog.Logger
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

// WithFeedback включает приём замечаний к предложениям.
func WithFeedback(repo domain.FeedbackRepo) Option {
	return func(s *Service) {
		s.feedback = repo
	}
}

// WithPreviewChars задаёт длину превью.
func WithPreviewChars(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.previewChars = n
		}
	}
}

// NewService создаёт сервис чтения.
func NewService(stories domain.StoryRepo, sotd domain.StoryOfTheDayRepo, ledger *unlock.Ledger, opts ...Option) *Service {
	s := &Service{
		stories:      stories,
		sotd:         sotd,
		ledger:       ledger,
		previewChars: text.PreviewLimit,
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) activeStory(ctx context.Context, id string) (domain.Story, error) {
	story, err := s.stories.GetStory(ctx, id)
	if err != nil {
		return domain.Story{}, err
	}
	if !story.IsActive {
		return domain.Story{}, domain.ErrStoryNotFound
	}
	return story, nil
}

// storyOfTheDay возвращает назначение на сегодня. Ошибка хранилища не
// прерывает показ: история считается не назначенной.
func (s *Service) storyOfTheDay(ctx context.Context, today domain.Day) (string, bool) {
	if s.sotd == nil {
		return "", false
	}
	id, ok, err := s.sotd.StoryOfTheDay(ctx, today)
	if err != nil {
		s.log.Warn().Err(err).Str("day", string(today)).Msg("reader: не удалось получить историю дня")
		return "", false
	}
	return id, ok
}

// Read показывает историю с учётом прав зрителя. Без полного доступа
// возвращается превью выбранного варианта.
func (s *Service) Read(ctx context.Context, req ReadRequest) (ReadResult, error) {
	story, err := s.activeStory(ctx, req.StoryID)
	if err != nil {
		return ReadResult{}, err
	}
	return s.read(ctx, story, req), nil
}

// Today показывает историю дня. Без назначения показывается самая старая
// активная история, бесплатный доступ при этом не выдаётся.
func (s *Service) Today(ctx context.Context, req ReadRequest) (ReadResult, error) {
	today := s.ledger.Today()
	if id, ok := s.storyOfTheDay(ctx, today); ok {
		story, err := s.activeStory(ctx, id)
		if err == nil {
			req.StoryID = story.ID
			return s.read(ctx, story, req), nil
		}
		if !errors.Is(err, domain.ErrStoryNotFound) {
			return ReadResult{}, err
		}
		s.log.Warn().Str("story", id).Msg("reader: история дня недоступна, используем запасную")
	}

	stories, err := s.stories.ListActiveStories(ctx)
	if err != nil {
		return ReadResult{}, fmt.Errorf("получение активных историй: %w", err)
	}
	for _, story := range stories {
		if story.IsActive {
			req.StoryID = story.ID
			return s.read(ctx, story, req), nil
		}
	}
	return ReadResult{}, domain.ErrStoryNotFound
}

func (s *Service) read(ctx context.Context, story domain.Story, req ReadRequest) ReadResult {
	res := s.serve(ctx, story, req)
	metrics.ObserveStoryRead(string(res.Access))
	s.record(ctx, domain.BusinessMetric{
		Event:   domain.BusinessMetricEventStoryRead,
		UserID:  req.Viewer.UserID,
		StoryID: story.ID,
		Metadata: map[string]any{
			"access":    string(res.Access),
			"version":   domain.VariantKey{Gender: res.Gender, Length: res.Length}.String(),
			"requested": string(res.RequestedLength),
			"truncated": res.Truncated,
		},
	})
	return res
}

// serve вычисляет показ без учёта в метриках.
func (s *Service) serve(ctx context.Context, story domain.Story, req ReadRequest) ReadResult {
	today := s.ledger.Today()
	sotdID, ok := s.storyOfTheDay(ctx, today)
	isSOTD := ok && sotdID == story.ID

	record, err := s.ledger.Record(ctx, req.DeviceID, story.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("story", story.ID).Msg("reader: журнал открытий недоступен")
		record = domain.UnlockRecord{StoryID: story.ID, Day: today}
	}

	decision := entitlement.Resolve(story, req.Viewer, isSOTD, record, today)

	pref := req.Viewer.GenderPreference
	if req.Gender != "" {
		pref = req.Gender
	}
	length := req.Length
	if length == "" {
		length = domain.LengthFull
	}
	sel := variants.Select(story, pref, length, req.Viewer.AnonymousOrFree(), today.Time())

	body := sel.Text
	if !decision.FullAccess {
		body = text.Preview(sel.Text, s.previewChars)
	}

	res := ReadResult{
		Story:                story,
		Text:                 body,
		Access:               decision.Reason,
		FullAccess:           decision.FullAccess,
		Truncated:            len(body) < len(sel.Text),
		Gender:               sel.Gender,
		Length:               sel.Length,
		RequestedLength:      length,
		EstimatedReadMinutes: sel.EstimatedReadMinutes,
		IsStoryOfTheDay:      isSOTD,
		Unlock: unlock.Progress{
			StoryID:      story.ID,
			Day:          record.Day,
			AdsCompleted: min(record.AdsCompleted, domain.AdsToUnlock),
			Required:     domain.AdsToUnlock,
			Unlocked:     record.Unlocked(),
		},
	}
	return res
}

// RecordAdImpression засчитывает просмотр рекламы для истории.
func (s *Service) RecordAdImpression(ctx context.Context, deviceID, storyID string) (unlock.Progress, error) {
	if _, err := s.activeStory(ctx, storyID); err != nil {
		return unlock.Progress{}, err
	}
	progress, err := s.ledger.RecordAdImpression(ctx, deviceID, storyID)
	if err != nil {
		return unlock.Progress{}, err
	}
	if progress.JustUnlocked {
		s.record(ctx, domain.BusinessMetric{
			Event:    domain.BusinessMetricEventStoryUnlocked,
			StoryID:  storyID,
			Metadata: map[string]any{"device_id": deviceID, "day": string(progress.Day)},
		})
	}
	return progress, nil
}

// UnlockProgress возвращает прогресс открытия истории на сегодня.
func (s *Service) UnlockProgress(ctx context.Context, deviceID, storyID string) (unlock.Progress, error) {
	if _, err := s.activeStory(ctx, storyID); err != nil {
		return unlock.Progress{}, err
	}
	return s.ledger.Progress(ctx, deviceID, storyID)
}

// FeedbackRequest замечание к предложению показанного текста.
type FeedbackRequest struct {
	ReadRequest
	SentenceIndex int
	TextSpan      string
	Reason        string
	Comment       string
}

// SubmitFeedback сохраняет замечание. Индекс проверяется по разбиению того
// текста, который зритель видит с теми же параметрами.
func (s *Service) SubmitFeedback(ctx context.Context, req FeedbackRequest) (domain.SentenceFeedback, error) {
	if !req.Viewer.IsAuthenticated || req.Viewer.UserID == "" {
		return domain.SentenceFeedback{}, ErrAuthRequired
	}
	if s.feedback == nil {
		return domain.SentenceFeedback{}, errors.New("приём замечаний не настроен")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.SentenceFeedback{}, fmt.Errorf("%w: не указана причина", ErrInvalidInput)
	}

	story, err := s.activeStory(ctx, req.StoryID)
	if err != nil {
		return domain.SentenceFeedback{}, err
	}
	served := s.serve(ctx, story, req.ReadRequest)
	sentences := text.SplitSentences(served.Text)
	if req.SentenceIndex < 0 || req.SentenceIndex >= len(sentences) {
		return domain.SentenceFeedback{}, ErrInvalidSentence
	}
	sentence := sentences[req.SentenceIndex]
	span := strings.TrimSpace(req.TextSpan)
	if span == "" {
		span = sentence
	} else if !strings.Contains(sentence, span) {
		return domain.SentenceFeedback{}, ErrInvalidSentence
	}

	saved, err := s.feedback.SaveSentenceFeedback(ctx, domain.SentenceFeedback{
		StoryID:       story.ID,
		UserID:        req.Viewer.UserID,
		Version:       domain.VariantKey{Gender: served.Gender, Length: served.Length},
		SentenceIndex: req.SentenceIndex,
		TextSpan:      span,
		Reason:        reason,
		Comment:       strings.TrimSpace(req.Comment),
	})
	if err != nil {
		return domain.SentenceFeedback{}, fmt.Errorf("сохранение замечания: %w", err)
	}
	return saved, nil
}

// AssignStoryOfTheDay назначает активную историю на день.
func (s *Service) AssignStoryOfTheDay(ctx context.Context, date, storyID string) (domain.StoryOfTheDay, error) {
	day, err := domain.ParseDay(strings.TrimSpace(date))
	if err != nil {
		return domain.StoryOfTheDay{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if _, err := s.activeStory(ctx, storyID); err != nil {
		return domain.StoryOfTheDay{}, err
	}
	assignment := domain.StoryOfTheDay{Date: day, StoryID: storyID}
	if err := s.sotd.AssignStoryOfTheDay(ctx, assignment); err != nil {
		return domain.StoryOfTheDay{}, fmt.Errorf("назначение истории дня: %w", err)
	}
	s.log.Info().Str("day", string(day)).Str("story", storyID).Msg("reader: назначена история дня")
	return assignment, nil
}

// ListStoryOfTheDay возвращает назначения начиная с from, новые первыми.
func (s *Service) ListStoryOfTheDay(ctx context.Context, from string, limit int) ([]domain.StoryOfTheDay, error) {
	var day domain.Day
	if from = strings.TrimSpace(from); from != "" {
		parsed, err := domain.ParseDay(from)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		day = parsed
	}
	return s.sotd.ListStoryOfTheDay(ctx, day, limit)
}

func (s *Service) record(ctx context.Context, metric domain.BusinessMetric) {
	if s.analytics == nil {
		return
	}
	if err := s.analytics.RecordBusinessMetric(ctx, metric); err != nil {
		s.log.Warn().Err(err).Str("event", metric.Event).Msg("reader: не удалось записать бизнес-метрику")
	}
}
