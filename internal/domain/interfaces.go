package domain

import (
	"context"
	"errors"
	"time"
)

// ErrCondenserNotConfigured возвращается, если у сервиса сокращения нет
// учётных данных. Ошибка фатальна для всего запуска генерации.
var ErrCondenserNotConfigured = errors.New("сервис сокращения текста не настроен")

// CondenseHints передаёт модели контекст истории.
type CondenseHints struct {
	Title      string
	ValuesTags []string
	TopicTags  []string
}

// CondenseRequest описывает один вызов сокращения.
type CondenseRequest struct {
	SourceText       string
	TargetWordBudget int
	Hints            CondenseHints
}

// Condenser сокращает текст истории до заданного бюджета слов.
type Condenser interface {
	Condense(ctx context.Context, req CondenseRequest) (string, error)
}

// StoryRepo читает истории.
type StoryRepo interface {
	GetStory(ctx context.Context, id string) (Story, error)
	// ListActiveStories возвращает активные истории, старые первыми.
	ListActiveStories(ctx context.Context) ([]Story, error)
}

// VariantStore сохраняет сгенерированные варианты одной записью.
type VariantStore interface {
	SaveVariants(ctx context.Context, storyID string, variants map[VariantKey]Variant) error
}

// StoryOfTheDayRepo управляет назначениями истории дня.
type StoryOfTheDayRepo interface {
	// StoryOfTheDay возвращает идентификатор истории дня, если назначение есть.
	StoryOfTheDay(ctx context.Context, day Day) (string, bool, error)
	AssignStoryOfTheDay(ctx context.Context, assignment StoryOfTheDay) error
	ListStoryOfTheDay(ctx context.Context, from Day, limit int) ([]StoryOfTheDay, error)
}

// UnlockStore хранит счётчики просмотров рекламы по устройству.
type UnlockStore interface {
	AdsCompleted(ctx context.Context, deviceID, storyID string, day Day) (int, error)
	// IncrementAds атомарно увеличивает счётчик, не превышая limit. Возвращает
	// значение после вызова и признак того, что счётчик изменился.
	IncrementAds(ctx context.Context, deviceID, storyID string, day Day, limit int) (int, bool, error)
}

// FeedbackRepo сохраняет замечания к предложениям.
type FeedbackRepo interface {
	SaveSentenceFeedback(ctx context.Context, fb SentenceFeedback) (SentenceFeedback, error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
