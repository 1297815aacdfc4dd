package condenser

import (
	"time"

	"storytime/internal/domain"
	openai "storytime/internal/infra/openai"
)

// Settings задаёт выбор провайдера сокращения.
type Settings struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Stub    bool
}

// New возвращает провайдер по настройкам. Без ключа и без заглушки
// провайдер отвечает domain.ErrCondenserNotConfigured на каждый вызов.
func New(s Settings) domain.Condenser {
	if s.Stub {
		return NewStub()
	}
	client := openai.NewClient(s.APIKey, s.BaseURL, s.Timeout)
	if !client.Configured() {
		return NewOpenAI(nil, s.Model, s.Timeout)
	}
	return NewOpenAI(client, s.Model, s.Timeout)
}
