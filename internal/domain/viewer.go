package domain

import (
	"fmt"
	"time"
)

// AdsToUnlock количество просмотров рекламы, открывающее историю на день.
const AdsToUnlock = 3

const dayLayout = "2006-01-02"

// Day календарный день в формате YYYY-MM-DD.
type Day string

// DayOf возвращает календарный день момента в заданной зоне.
func DayOf(t time.Time, loc *time.Location) Day {
	if loc != nil {
		t = t.In(loc)
	}
	return Day(t.Format(dayLayout))
}

// ParseDay разбирает день и нормализует его к формату YYYY-MM-DD.
func ParseDay(value string) (Day, error) {
	if t, err := time.Parse(dayLayout, value); err == nil {
		return Day(t.Format(dayLayout)), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return "", fmt.Errorf("некорректная дата %q", value)
	}
	return Day(t.Format(dayLayout)), nil
}

// Time возвращает полночь дня в UTC.
func (d Day) Time() time.Time {
	t, _ := time.Parse(dayLayout, string(d))
	return t
}

// ViewerContext описывает зрителя текущего запроса. Заполняется слоем
// авторизации и не сохраняется.
type ViewerContext struct {
	UserID             string
	IsAuthenticated    bool
	SubscriptionActive bool
	GenderPreference   Gender
	IsAdmin            bool
}

// AnonymousOrFree сообщает, что зритель без активной подписки.
func (v ViewerContext) AnonymousOrFree() bool {
	return !v.IsAuthenticated || !v.SubscriptionActive
}

// UnlockRecord счётчик просмотров рекламы для истории в конкретный день на
// одном устройстве. Нулевое значение означает отсутствие записи.
type UnlockRecord struct {
	StoryID      string
	Day          Day
	AdsCompleted int
}

// Unlocked сообщает, открыта ли история этой записью.
func (r UnlockRecord) Unlocked() bool {
	return r.AdsCompleted >= AdsToUnlock
}
