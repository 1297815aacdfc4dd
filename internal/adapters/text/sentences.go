package text

import (
	"math"
	"strings"
	"unicode"
)

// PreviewLimit длина превью по умолчанию в символах.
const PreviewLimit = 1500

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', '”', '’', '»', ')', ']':
		return true
	}
	return false
}

// boundaryAt возвращает позицию сразу после конца предложения, если в i
// начинается серия завершающих знаков, за которой идёт пробел или конец текста.
func boundaryAt(runes []rune, i int) (int, bool) {
	if !isTerminal(runes[i]) {
		return 0, false
	}
	k := i + 1
	for k < len(runes) && isTerminal(runes[k]) {
		k++
	}
	for k < len(runes) && isCloser(runes[k]) {
		k++
	}
	if k == len(runes) || unicode.IsSpace(runes[k]) {
		return k, true
	}
	return 0, false
}

// SplitSentences делит текст на предложения. Знаки препинания остаются с
// предыдущим предложением, пустые фрагменты отбрасываются.
func SplitSentences(text string) []string {
	runes := []rune(text)
	var sentences []string
	start := 0
	for i := 0; i < len(runes); i++ {
		end, ok := boundaryAt(runes, i)
		if !ok {
			continue
		}
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			sentences = append(sentences, chunk)
		}
		start = end
		i = end - 1
	}
	if start < len(runes) {
		if chunk := strings.TrimSpace(string(runes[start:])); chunk != "" {
			sentences = append(sentences, chunk)
		}
	}
	return sentences
}

// Preview возвращает текст целиком, если он не длиннее limit символов.
// Иначе берёт первые limit символов и дочитывает незаконченное предложение.
func Preview(text string, limit int) string {
	if limit <= 0 {
		limit = PreviewLimit
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	// серия знаков может начаться до limit и закончиться после него
	from := limit - 1
	for from > 0 && (isTerminal(runes[from-1]) || isCloser(runes[from-1])) {
		from--
	}
	for i := from; i < len(runes); i++ {
		if end, ok := boundaryAt(runes, i); ok && end >= limit {
			return string(runes[:end])
		}
	}
	return text
}

// WordCount считает слова, разделённые пробельными символами.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// EstimateReadMinutes оценивает время чтения вслух с округлением вверх.
func EstimateReadMinutes(text string, wordsPerMinute int) int {
	if wordsPerMinute <= 0 {
		return 0
	}
	return int(math.Ceil(float64(WordCount(text)) / float64(wordsPerMinute)))
}
