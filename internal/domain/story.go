package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrStoryNotFound возвращается, если история не найдена или не активна.
var ErrStoryNotFound = errors.New("история не найдена")

// Gender описывает ось пола варианта истории.
type Gender string

const (
	// GenderDefault нейтральный вариант текста.
	GenderDefault Gender = "default"
	// GenderBoy вариант с главным героем-мальчиком.
	GenderBoy Gender = "boy"
	// GenderGirl вариант с главной героиней-девочкой.
	GenderGirl Gender = "girl"
)

// AllGenders перечисляет значения оси пола в каноническом порядке.
var AllGenders = []Gender{GenderDefault, GenderBoy, GenderGirl}

// Valid проверяет, что значение входит в перечисление.
func (g Gender) Valid() bool {
	switch g {
	case GenderDefault, GenderBoy, GenderGirl:
		return true
	}
	return false
}

// Length описывает ось длины варианта истории.
type Length string

const (
	// LengthFull полный авторский текст.
	LengthFull Length = "full"
	// Length10Min сокращённый вариант примерно на десять минут чтения.
	Length10Min Length = "10min"
	// Length5Min сокращённый вариант примерно на пять минут чтения.
	Length5Min Length = "5min"
)

// ShortLengths перечисляет генерируемые длины в каноническом порядке.
var ShortLengths = []Length{Length5Min, Length10Min}

// Valid проверяет, что значение входит в перечисление.
func (l Length) Valid() bool {
	switch l {
	case LengthFull, Length10Min, Length5Min:
		return true
	}
	return false
}

// Short сообщает, является ли длина генерируемой.
func (l Length) Short() bool {
	return l == Length5Min || l == Length10Min
}

// Minutes возвращает целевое время чтения сокращённой длины.
func (l Length) Minutes() int {
	switch l {
	case Length5Min:
		return 5
	case Length10Min:
		return 10
	}
	return 0
}

// WordsPerMinute задаёт скорость чтения вслух для оценок и бюджетов.
const WordsPerMinute = 110

// VariantKey идентифицирует сокращённый вариант.
type VariantKey struct {
	Gender Gender
	Length Length
}

// String возвращает идентификатор версии вида "default-5min".
func (k VariantKey) String() string {
	return fmt.Sprintf("%s-%s", k.Gender, k.Length)
}

// Variant хранит сгенерированный сокращённый текст.
type Variant struct {
	Text                 string
	EstimatedReadMinutes int
}

// Story описывает историю со всеми полными и сокращёнными текстами.
type Story struct {
	ID                   string
	Title                string
	DefaultFullText      string
	GenderedFullText     map[Gender]string
	ShortVariants        map[VariantKey]Variant
	ValuesTags           []string
	TopicTags            []string
	IsActive             bool
	EstimatedReadMinutes *int
	CreatedAt            time.Time
}

// FullText возвращает полный текст для пола. Для default всегда возвращает
// основной текст, для boy/girl только если он задан.
func (s Story) FullText(g Gender) (string, bool) {
	if g == GenderDefault {
		return s.DefaultFullText, s.DefaultFullText != ""
	}
	text, ok := s.GenderedFullText[g]
	if !ok || text == "" {
		return "", false
	}
	return text, true
}

// Variant возвращает сокращённый вариант, если он есть.
func (s Story) Variant(g Gender, l Length) (Variant, bool) {
	v, ok := s.ShortVariants[VariantKey{Gender: g, Length: l}]
	if !ok || v.Text == "" {
		return Variant{}, false
	}
	return v, true
}

// AvailableGenders возвращает оси пола, для которых есть полный текст.
func (s Story) AvailableGenders() []Gender {
	out := make([]Gender, 0, len(AllGenders))
	for _, g := range AllGenders {
		if _, ok := s.FullText(g); ok {
			out = append(out, g)
		}
	}
	return out
}

// Validate проверяет инварианты истории.
func (s Story) Validate() error {
	if s.ID == "" {
		return errors.New("история без идентификатора")
	}
	if s.DefaultFullText == "" {
		return fmt.Errorf("история %s: нет основного текста", s.ID)
	}
	for key := range s.ShortVariants {
		if !key.Gender.Valid() || !key.Length.Short() {
			return fmt.Errorf("история %s: недопустимый вариант %s", s.ID, key)
		}
		if _, ok := s.FullText(key.Gender); !ok {
			return fmt.Errorf("история %s: вариант %s без полного текста", s.ID, key)
		}
	}
	return nil
}

// StoryOfTheDay назначает историю на календарный день.
type StoryOfTheDay struct {
	Date    Day
	StoryID string
}
