package condenser

import (
	"context"
	"strings"

	"storytime/internal/adapters/text"
	"storytime/internal/domain"
)

// Stub сокращает текст без обращения к модели: оставляет первые предложения,
// укладывающиеся в бюджет слов. Используется в dev-окружении без ключа.
type Stub struct{}

var _ domain.Condenser = Stub{}

// NewStub создаёт заглушку.
func NewStub() Stub {
	return Stub{}
}

// Condense реализует domain.Condenser.
func (Stub) Condense(ctx context.Context, req domain.CondenseRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var (
		kept  []string
		words int
	)
	for _, sentence := range text.SplitSentences(req.SourceText) {
		n := text.WordCount(sentence)
		if words > 0 && words+n > req.TargetWordBudget {
			break
		}
		kept = append(kept, sentence)
		words += n
	}
	return strings.Join(kept, " "), nil
}
