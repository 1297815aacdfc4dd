package variants

import (
	"fmt"
	"hash/fnv"
	"time"

	"storytime/internal/domain"
)

// Selection выбранный для показа текст.
type Selection struct {
	Text                 string
	EstimatedReadMinutes *int
	Gender               domain.Gender
	// Length фактически показанная длина после всех откатов.
	Length domain.Length
}

// DailyGender детерминированно выбирает пол на календарный день.
// Все зрители в один день получают одно значение.
func DailyGender(day time.Time) domain.Gender {
	h := fnv.New32a()
	_, _ = fmt.Fprintf(h, "%d-%d-%d", day.Year(), int(day.Month()), day.Day())
	if h.Sum32()%2 == 0 {
		return domain.GenderBoy
	}
	return domain.GenderGirl
}

// ResolveGender определяет ось пола один раз на показ. Явный default
// всегда даёт основной текст.
func ResolveGender(story domain.Story, pref domain.Gender, anonymousOrFree bool, day time.Time) domain.Gender {
	switch pref {
	case domain.GenderDefault:
		return domain.GenderDefault
	case domain.GenderBoy, domain.GenderGirl:
		if _, ok := story.FullText(pref); ok {
			return pref
		}
	}
	stated := pref == domain.GenderBoy || pref == domain.GenderGirl
	if anonymousOrFree || !stated {
		daily := DailyGender(day)
		if _, ok := story.FullText(daily); ok {
			return daily
		}
	}
	return domain.GenderDefault
}

// Select выбирает текст по предпочтению пола и запрошенной длине.
// Никогда не возвращает ошибку: при отсутствии вариантов откатывается к
// полному тексту выбранного пола и затем к основному тексту.
func Select(story domain.Story, pref domain.Gender, length domain.Length, anonymousOrFree bool, day time.Time) Selection {
	g := ResolveGender(story, pref, anonymousOrFree, day)

	var chain []domain.Length
	switch length {
	case domain.Length5Min:
		chain = []domain.Length{domain.Length5Min, domain.Length10Min}
	case domain.Length10Min:
		chain = []domain.Length{domain.Length10Min}
	}
	for _, l := range chain {
		if v, ok := story.Variant(g, l); ok {
			minutes := v.EstimatedReadMinutes
			return Selection{Text: v.Text, EstimatedReadMinutes: &minutes, Gender: g, Length: l}
		}
	}

	if text, ok := story.FullText(g); ok {
		return Selection{Text: text, EstimatedReadMinutes: story.EstimatedReadMinutes, Gender: g, Length: domain.LengthFull}
	}
	return Selection{Text: story.DefaultFullText, EstimatedReadMinutes: story.EstimatedReadMinutes, Gender: domain.GenderDefault, Length: domain.LengthFull}
}
