package unlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storytime/internal/domain"
	"storytime/internal/infra/metrics"
)

// ErrEmptyKey возвращается при пустом устройстве или истории.
var ErrEmptyKey = errors.New("не указано устройство или история")

// Progress состояние открытия истории рекламой на сегодня.
type Progress struct {
	StoryID      string
	Day          domain.Day
	AdsCompleted int
	Required     int
	Unlocked     bool
	// JustUnlocked выставляется вызовом, который открыл историю.
	JustUnlocked bool
}

// Ledger ведёт учёт просмотров рекламы по устройствам. День вычисляется в
// момент вызова, поэтому вчерашние записи перестают действовать без очистки.
type Ledger struct {
	store domain.UnlockStore
	loc   *time.Location
	now   func() time.Time
}

// Option настраивает Ledger.
type Option func(*Ledger)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// NewLedger создаёт журнал открытий.
func NewLedger(store domain.UnlockStore, loc *time.Location, opts ...Option) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	l := &Ledger{store: store, loc: loc, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Today возвращает текущий календарный день журнала.
func (l *Ledger) Today() domain.Day {
	return domain.DayOf(l.now(), l.loc)
}

// RecordAdImpression засчитывает просмотр рекламы. После открытия повторные
// вызовы ничего не меняют.
func (l *Ledger) RecordAdImpression(ctx context.Context, deviceID, storyID string) (Progress, error) {
	if deviceID == "" || storyID == "" {
		return Progress{}, ErrEmptyKey
	}
	day := l.Today()
	count, changed, err := l.store.IncrementAds(ctx, deviceID, storyID, day, domain.AdsToUnlock)
	if err != nil {
		return Progress{}, fmt.Errorf("учёт просмотра рекламы: %w", err)
	}
	metrics.AdImpressionsTotal.Inc()
	progress := newProgress(storyID, day, count)
	if changed && progress.Unlocked {
		progress.JustUnlocked = true
		metrics.StoryUnlocksTotal.Inc()
	}
	return progress, nil
}

// Record возвращает запись на сегодня. Отсутствие записи даёт нулевой счётчик.
func (l *Ledger) Record(ctx context.Context, deviceID, storyID string) (domain.UnlockRecord, error) {
	day := l.Today()
	if deviceID == "" || storyID == "" {
		return domain.UnlockRecord{StoryID: storyID, Day: day}, nil
	}
	count, err := l.store.AdsCompleted(ctx, deviceID, storyID, day)
	if err != nil {
		return domain.UnlockRecord{}, fmt.Errorf("чтение журнала открытий: %w", err)
	}
	return domain.UnlockRecord{StoryID: storyID, Day: day, AdsCompleted: count}, nil
}

// Progress возвращает прогресс открытия на сегодня.
func (l *Ledger) Progress(ctx context.Context, deviceID, storyID string) (Progress, error) {
	record, err := l.Record(ctx, deviceID, storyID)
	if err != nil {
		return Progress{}, err
	}
	return newProgress(storyID, record.Day, record.AdsCompleted), nil
}

// IsUnlocked сообщает, открыта ли история на устройстве сегодня.
func (l *Ledger) IsUnlocked(ctx context.Context, deviceID, storyID string) (bool, error) {
	record, err := l.Record(ctx, deviceID, storyID)
	if err != nil {
		return false, err
	}
	return record.Unlocked(), nil
}

func newProgress(storyID string, day domain.Day, count int) Progress {
	if count > domain.AdsToUnlock {
		count = domain.AdsToUnlock
	}
	return Progress{
		StoryID:      storyID,
		Day:          day,
		AdsCompleted: count,
		Required:     domain.AdsToUnlock,
		Unlocked:     count >= domain.AdsToUnlock,
	}
}
