package domain

import (
	"context"
	"time"
)

// BusinessMetric описывает бизнесовое событие, которое сохраняется для последующего анализа.
type BusinessMetric struct {
	Event      string
	UserID     string
	StoryID    string
	Metadata   map[string]any
	OccurredAt time.Time
}

const (
	// BusinessMetricEventStoryRead фиксирует показ истории читателю.
	BusinessMetricEventStoryRead = "story_read"
	// BusinessMetricEventStoryUnlocked фиксирует открытие истории рекламой.
	BusinessMetricEventStoryUnlocked = "story_unlocked"
	// BusinessMetricEventVariantsGenerated фиксирует сохранение сгенерированных вариантов.
	BusinessMetricEventVariantsGenerated = "variants_generated"
	// BusinessMetricEventSentenceFeedback фиксирует замечание к предложению.
	BusinessMetricEventSentenceFeedback = "sentence_feedback"
	// BusinessMetricEventGenerationEnqueued фиксирует постановку запуска генерации в очередь.
	BusinessMetricEventGenerationEnqueued = "generation_run_enqueued"
)

// BusinessMetricRepo сохраняет бизнесовые события.
type BusinessMetricRepo interface {
	RecordBusinessMetric(ctx context.Context, metric BusinessMetric) error
}
