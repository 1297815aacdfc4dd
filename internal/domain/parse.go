package domain

import "strings"

// ParseGender нормализует значение оси пола. Пустая строка и "none" дают
// отсутствие предпочтения.
func ParseGender(value string) (Gender, bool) {
	switch g := Gender(strings.ToLower(strings.TrimSpace(value))); g {
	case GenderDefault, GenderBoy, GenderGirl:
		return g, true
	case "", "none":
		return "", true
	}
	return "", false
}

// ParseLength нормализует значение оси длины. Пустая строка означает полный текст.
func ParseLength(value string) (Length, bool) {
	l := Length(strings.ToLower(strings.TrimSpace(value)))
	if l == "" {
		return LengthFull, true
	}
	return l, l.Valid()
}

// FilterGenders оставляет допустимые значения в каноническом порядке без повторов.
func FilterGenders(values []string) []Gender {
	seen := make(map[Gender]bool, len(values))
	for _, v := range values {
		g := Gender(strings.ToLower(strings.TrimSpace(v)))
		if g.Valid() {
			seen[g] = true
		}
	}
	out := make([]Gender, 0, len(seen))
	for _, g := range AllGenders {
		if seen[g] {
			out = append(out, g)
		}
	}
	return out
}

// FilterLengths оставляет генерируемые длины в каноническом порядке без повторов.
func FilterLengths(values []string) []Length {
	seen := make(map[Length]bool, len(values))
	for _, v := range values {
		l := Length(strings.ToLower(strings.TrimSpace(v)))
		if l.Short() {
			seen[l] = true
		}
	}
	out := make([]Length, 0, len(seen))
	for _, l := range ShortLengths {
		if seen[l] {
			out = append(out, l)
		}
	}
	return out
}
