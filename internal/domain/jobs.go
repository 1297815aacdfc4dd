package domain

import (
	"context"
	"time"
)

// GenerationJobCause описывает источник запуска генерации.
type GenerationJobCause string

const (
	// GenerationCauseManual запуск инициирован оператором.
	GenerationCauseManual GenerationJobCause = "manual"
	// GenerationCauseScheduled ночная догенерация по расписанию.
	GenerationCauseScheduled GenerationJobCause = "scheduled"
)

// GenerationJob содержит параметры пакетного запуска генерации вариантов.
type GenerationJob struct {
	ID          string             `json:"job_id,omitempty"`
	StoryIDs    []string           `json:"story_ids,omitempty"`
	Lengths     []Length           `json:"lengths,omitempty"`
	Genders     []Gender           `json:"genders,omitempty"`
	Offset      int                `json:"offset,omitempty"`
	Limit       int                `json:"limit,omitempty"`
	DryRun      bool               `json:"dry_run,omitempty"`
	MissingOnly bool               `json:"missing_only,omitempty"`
	RequestedAt time.Time          `json:"requested_at"`
	Cause       GenerationJobCause `json:"cause"`
}

// GenerationQueue описывает очередь запусков генерации.
type GenerationQueue interface {
	Enqueue(ctx context.Context, job GenerationJob) error
	Receive(ctx context.Context) (GenerationJob, AckFunc, error)
}

// AckFunc подтверждает успешную обработку или запрашивает повтор доставки задачи.
type AckFunc func(success bool) error

// GenerationRunRepo отслеживает попытки и завершение запусков генерации.
type GenerationRunRepo interface {
	// EnsureGenerationRun регистрирует попытку обработки и возвращает признак
	// завершённости и номер текущей попытки.
	EnsureGenerationRun(ctx context.Context, jobID string) (finished bool, attempt int, err error)
	// FinishGenerationRun помечает запуск завершённым и сохраняет итоги.
	FinishGenerationRun(ctx context.Context, jobID string, summary map[string]any) error
}
